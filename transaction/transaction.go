// Copyright (C) 2024  Nexedi SA and Contributors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

package transaction

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"lab.nexedi.com/kirr/entsync/internal/log"
	"lab.nexedi.com/kirr/entsync/internal/task"
)

// transaction implements Transaction.
type transaction struct {
	mu         sync.Mutex
	status     Status
	datav      []DataManager
	syncv      []Synchronizer // in registration order
	syncActive bool           // RegisterSync is allowed
	resources  map[interface{}]interface{}

	// metadata
	user        string
	description string
	readOnly    bool
}

// ctxKey is the type private to transaction package, used as key in contexts.
type ctxKey struct{}

// getTxn returns transaction associated with provided context.
// nil is returned if there is no association.
func getTxn(ctx context.Context) *transaction {
	t := ctx.Value(ctxKey{})
	if t == nil {
		return nil
	}
	return t.(*transaction)
}

// currentTxn serves Current.
func currentTxn(ctx context.Context) Transaction {
	txn := getTxn(ctx)
	if txn == nil {
		panic("transaction: no current transaction")
	}
	return txn
}

// newTxn serves New and NewWithOptions.
func newTxn(ctx context.Context, opt *Options) (Transaction, context.Context) {
	if getTxn(ctx) != nil {
		panic("transaction: new: nested transactions not supported")
	}

	txn := &transaction{
		status:      Active,
		syncActive:  true,
		resources:   make(map[interface{}]interface{}),
		user:        opt.User,
		description: opt.Description,
		readOnly:    opt.ReadOnly,
	}
	txnCtx := context.WithValue(ctx, ctxKey{}, txn)
	return txn, txnCtx
}

// Status implements Transaction.
func (txn *transaction) Status() Status {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.status
}

// Commit implements Transaction.
func (txn *transaction) Commit(ctx context.Context) (err error) {
	defer task.Running(&ctx, "commit")(&err)

	// under lock: change state to committing; snapshot synchronizers
	var syncv []Synchronizer
	func() {
		txn.mu.Lock()
		defer txn.mu.Unlock()

		txn.checkNotYetCompleting("commit")
		txn.status = Committing
		syncv = sortSync(txn.syncv)
	}()

	// whatever happens - including panics from BeforeCommit - the
	// transaction is completed and synchronizers are notified.
	status := Aborted
	tpcBegan := false
	defer func() {
		if !tpcBegan {
			txn.abortData(txn.endSync())
		}
		txn.complete(status)
	}()

	// sync.BeforeCommit, sequentially in order
	for _, s := range syncv {
		err = s.BeforeCommit(ctx, txn)
		if err != nil {
			return err
		}
	}

	datav := txn.endSync()
	tpcBegan = true
	err = txn.tpc(ctx, datav)
	if err != nil {
		return err
	}

	status = Committed
	return nil
}

// endSync marks end of synchronization phase and returns joined data managers.
func (txn *transaction) endSync() []DataManager {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.syncActive = false
	datav := txn.datav
	txn.datav = nil
	return datav
}

// tpc runs two-phase commit over data managers.
//
// On error all data managers are asked to TPCAbort.
func (txn *transaction) tpc(ctx context.Context, datav []DataManager) (err error) {
	if len(datav) == 0 {
		return nil
	}

	// fanout runs f for every data manager in parallel.
	fanout := func(f func(context.Context, DataManager) error) error {
		wg, ctx := errgroup.WithContext(ctx)
		for _, dm := range datav {
			dm := dm
			wg.Go(func() error {
				return f(ctx, dm)
			})
		}
		return wg.Wait()
	}

	for _, dm := range datav {
		dm.TPCBegin(txn)
	}
	defer func() {
		if err != nil {
			for _, dm := range datav {
				dm.TPCAbort(ctx, txn)
			}
		}
	}()

	err = fanout(func(ctx context.Context, dm DataManager) error {
		return dm.Commit(ctx, txn)
	})
	if err != nil {
		return err
	}
	err = fanout(func(ctx context.Context, dm DataManager) error {
		return dm.TPCVote(ctx, txn)
	})
	if err != nil {
		return err
	}
	return fanout(func(ctx context.Context, dm DataManager) error {
		return dm.TPCFinish(ctx, txn)
	})
}

// Abort implements Transaction.
func (txn *transaction) Abort() {
	// under lock: change state to aborting
	func() {
		txn.mu.Lock()
		defer txn.mu.Unlock()

		txn.checkNotYetCompleting("abort")
		txn.status = Aborting
	}()

	txn.abortData(txn.endSync())
	txn.complete(Aborted)
}

// abortData calls Abort on data managers in parallel.
func (txn *transaction) abortData(datav []DataManager) {
	n := len(datav)
	wg := sync.WaitGroup{}
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()

			datav[i].Abort(txn)
		}()
	}
	wg.Wait()
}

// complete sets final status and notifies synchronizers via AfterCompletion.
func (txn *transaction) complete(status Status) {
	var syncv []Synchronizer
	func() {
		txn.mu.Lock()
		defer txn.mu.Unlock()

		txn.status = status
		txn.syncActive = false
		syncv = sortSync(txn.syncv)
		txn.syncv = nil
	}()

	for _, s := range syncv {
		s.AfterCompletion(txn)
	}

	txn.mu.Lock()
	nres := len(txn.resources)
	txn.mu.Unlock()
	if nres != 0 {
		log.V(1).Infof(context.Background(), "transaction %s: %d resource(s) left bound after completion", status, nres)
	}
}

// Join implements Transaction.
func (txn *transaction) Join(dm DataManager) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if !txn.syncActive {
		panic("transaction: join: two-phase commit already began")
	}
	for _, dm2 := range txn.datav {
		if dm2 == dm {
			return
		}
	}
	txn.datav = append(txn.datav, dm)
}

// RegisterSync implements Transaction.
func (txn *transaction) RegisterSync(sync Synchronizer) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if !txn.syncActive {
		panic("transaction: register sync: synchronization is not active")
	}
	txn.syncv = append(txn.syncv, sync)
}

// Synchronizations implements Transaction.
func (txn *transaction) Synchronizations() []Synchronizer {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return sortSync(txn.syncv)
}

// SynchronizationActive implements Transaction.
func (txn *transaction) SynchronizationActive() bool {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.syncActive
}

// sortSync returns copy of syncv stable-sorted by order.
func sortSync(syncv []Synchronizer) []Synchronizer {
	sorted := make([]Synchronizer, len(syncv))
	copy(sorted, syncv)
	sort.SliceStable(sorted, func(i, j int) bool {
		return OrderOf(sorted[i]) < OrderOf(sorted[j])
	})
	return sorted
}

// checkNotYetCompleting asserts that transaction completion has not yet began.
//
// and panics if the assert fails.
// must be called with .mu held.
func (txn *transaction) checkNotYetCompleting(who string) {
	switch txn.status {
	case Active:
		// ok
	default:
		panic("transaction: " + who + ": transaction completion already began")
	}
}

// ---- resources ----

// BindResource implements Transaction.
func (txn *transaction) BindResource(key, value interface{}) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if _, already := txn.resources[key]; already {
		panic(fmt.Sprintf("transaction: bind resource: %v already bound", key))
	}
	txn.resources[key] = value
}

// Resource implements Transaction.
func (txn *transaction) Resource(key interface{}) (interface{}, bool) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	value, ok := txn.resources[key]
	return value, ok
}

// UnbindResource implements Transaction.
func (txn *transaction) UnbindResource(key interface{}) interface{} {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	value := txn.resources[key]
	delete(txn.resources, key)
	return value
}

// ---- meta ----

func (txn *transaction) User() string        { return txn.user }
func (txn *transaction) Description() string { return txn.description }
func (txn *transaction) ReadOnly() bool      { return txn.readOnly }

func (txn *transaction) String() string {
	return fmt.Sprintf("txn(%p, %s)", txn, txn.Status())
}
