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

// Package transaction provides transaction management via two-phase commit protocol.
//
//
// Overview
//
// Transactions are represented by Transaction interface. A transaction can be
// started with New, which creates transaction object and remembers it in a
// child of provided context:
//
//	txn, ctx := transaction.New(ctx)
//
// or with NewWithOptions to start e.g. read-only transaction. The transaction
// should be eventually completed by user - either committed or aborted, e.g.
//
//	... // do something with data
//	err := txn.Commit(ctx)
//
// As transactions are associated with contexts, Current returns that associated transaction:
//
//	txn := transaction.Current(ctx)
//
// and Lookup reports whether there is one at all.
//
// There is no relation in between transaction and current goroutine - a
// transaction scope is managed completely by programmer. There can be several
// in-progress transactions running simultaneously.
//
//
// Two-phase commit
//
// Every data backend (e.g. ORM session) which participates in a transaction,
// must first let the transaction know when the data it manages was modified,
// via Join. Then at commit time the transaction manager performs two-phase
// commit related calls to the backends that joined the transaction. The
// details are in DataManager interface.
//
//
// Synchronization
//
// An object might want to be notified of transaction completion events, for
// example to fire lifecycle listeners over entities before their data is
// committed, or to detach entities after the transaction completes.
// Transaction.RegisterSync provides the way to be notified of such
// synchronization points. Synchronizers are notified in their order, see
// Synchronizer and Ordered for details.
//
//
// Resources
//
// A transaction carries slots for transaction-scoped resources:
//
//	txn.BindResource(key, holder)
//	...
//	holder, ok := txn.Resource(key)
//
// A resource lives until it is unbound, which usually happens from
// AfterCompletion of a synchronizer registered by resource owner.
package transaction

import (
	"context"
	"math"
)

// Status describes status of a transaction.
type Status int

const (
	Active     Status = iota // transaction is in progress
	Committing               // transaction commit started
	Committed                // transaction commit finished successfully
	Aborting                 // transaction abort started
	Aborted                  // transaction was aborted by user or commit failed
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Aborting:
		return "aborting"
	case Aborted:
		return "aborted"
	}
	return "Status(?)"
}

// Transaction represents a transaction.
//
// ... and should be completed by user via either Commit or Abort.
//
// Before completion, if there are changes to managed data, corresponding
// DataManager(s) must join the transaction to participate in the completion.
type Transaction interface {
	User() string        // user name associated with transaction
	Description() string // description of transaction
	ReadOnly() bool      // whether transaction was started as read-only

	// Status returns current status of the transaction.
	Status() Status

	// Commit finalizes the transaction.
	//
	// Commit first notifies registered synchronizers via BeforeCommit.
	// Then it completes the transaction by executing the two-phase commit
	// algorithm for all DataManagers associated with the transaction.
	// Finally synchronizers are notified via AfterCompletion.
	//
	// If any of BeforeCommit or two-phase commit steps fails, the
	// transaction is aborted and the error is returned.
	Commit(ctx context.Context) error

	// Abort aborts the transaction.
	//
	// Abort completes the transaction by executing Abort on all
	// DataManagers associated with it.
	Abort()

	// ---- part for data managers & friends ----

	// Join associates a DataManager to the transaction.
	//
	// Only associated data managers will participate in the transaction
	// completion - commit or abort.
	//
	// Join must be called before two-phase commit begins. It is allowed to
	// Join from inside BeforeCommit.
	Join(dm DataManager)

	// RegisterSync registers sync to be notified in this transaction boundary events.
	//
	// Registration is allowed while synchronization is active, that is
	// until before-commit phase of the transaction finishes. Synchronizers
	// registered from inside BeforeCommit are not notified of BeforeCommit
	// by the transaction - whoever registers them is responsible for that.
	// They are notified of AfterCompletion as usual.
	//
	// See Synchronizer for details.
	RegisterSync(sync Synchronizer)

	// Synchronizations returns currently registered synchronizers in their order.
	Synchronizations() []Synchronizer

	// SynchronizationActive returns whether RegisterSync is currently allowed.
	SynchronizationActive() bool

	// BindResource associates value with key in the transaction.
	//
	// It panics if a value is already bound to key.
	BindResource(key, value interface{})

	// Resource returns value associated with key.
	Resource(key interface{}) (value interface{}, ok bool)

	// UnbindResource removes association of key and returns the value that was bound.
	UnbindResource(key interface{}) interface{}
}

// Options are options to NewWithOptions.
type Options struct {
	ReadOnly    bool
	User        string
	Description string
}

// New creates new transaction.
//
// The transaction will be associated with returned txnCtx, which derives from ctx.
// Nested transactions are not supported.
func New(ctx context.Context) (txn Transaction, txnCtx context.Context) {
	return newTxn(ctx, &Options{})
}

// NewWithOptions creates new transaction with specified options.
func NewWithOptions(ctx context.Context, opt *Options) (txn Transaction, txnCtx context.Context) {
	if opt == nil {
		opt = &Options{}
	}
	return newTxn(ctx, opt)
}

// Current returns current transaction.
//
// It panics if there is no transaction associated with provided context.
func Current(ctx context.Context) Transaction {
	return currentTxn(ctx)
}

// Lookup returns transaction associated with ctx, if any.
func Lookup(ctx context.Context) (Transaction, bool) {
	txn := getTxn(ctx)
	if txn == nil {
		return nil, false
	}
	return txn, true
}

// DataManager manages data and can transactionally persist it.
//
// If DataManager is registered to transaction via Transaction.Join, it will
// participate in that transaction completion - commit or abort. In other words
// a data manager have to join to corresponding transaction when it sees there
// are modifications to data it manages.
type DataManager interface {
	// Abort should abort all modifications to managed data.
	//
	// Abort is called by Transaction outside of two-phase commit: if
	// abort was caused by user requesting transaction abort, or if commit
	// failed before two-phase commit began. If two-phase commit was
	// started and transaction needs to be aborted due to two-phase commit
	// logic, TPCAbort will be called.
	Abort(txn Transaction)

	// TPCBegin should begin commit of a transaction, starting the two-phase commit.
	TPCBegin(txn Transaction)

	// Commit should commit modifications to managed data.
	//
	// It should save changes to be made persistent if the transaction
	// commits (if TPCFinish is called later). If TPCAbort is called
	// later, changes must not persist.
	Commit(ctx context.Context, txn Transaction) error

	// TPCVote should verify that a data manager can commit the transaction.
	//
	// This is the last chance for a data manager to vote 'no'. A data
	// manager votes 'no' by returning an error.
	TPCVote(ctx context.Context, txn Transaction) error

	// TPCFinish should indicate confirmation that the transaction is done.
	//
	// It should make all changes to data modified by this transaction persist.
	TPCFinish(ctx context.Context, txn Transaction) error

	// TPCAbort should abort a transaction.
	//
	// This is called by a transaction manager to end a two-phase commit on
	// the data manager. It should abandon all changes to data modified
	// by this transaction.
	TPCAbort(ctx context.Context, txn Transaction)
}

// Synchronizer is the interface to participate in transaction-boundary notifications.
type Synchronizer interface {
	// BeforeCommit is called before corresponding transaction is going to be committed.
	//
	// An error aborts the transaction. It is not called when transaction
	// is aborted by user.
	BeforeCommit(ctx context.Context, txn Transaction) error

	// AfterCompletion is called after corresponding transaction was completed.
	//
	// The transaction manager calls AfterCompletion after txn is completed
	// - either committed or aborted. txn.Status() tells which.
	AfterCompletion(txn Transaction)
}

// Ordered can be optionally implemented by Synchronizer to be notified in a
// particular order. Lower order is notified first.
//
// Synchronizers that do not implement Ordered have LowestPrecedence.
type Ordered interface {
	Order() int
}

// LowestPrecedence is the order of synchronizers that do not implement Ordered.
const LowestPrecedence = math.MaxInt32

// OrderOf returns order of a synchronizer.
func OrderOf(sync Synchronizer) int {
	if o, ok := sync.(Ordered); ok {
		return o.Order()
	}
	return LowestPrecedence
}
