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

package lifecycle

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/entsync/entity"
	"lab.nexedi.com/kirr/entsync/internal/log"
	"lab.nexedi.com/kirr/entsync/transaction"
)

// Support is the access point to entity lifecycle tracking.
//
// Support itself is stateless apart from its collaborators and can be shared
// by all transactions. All per-transaction state lives in ResourceHolder.
type Support struct {
	deps Deps
}

// NewSupport creates new Support with given collaborators.
//
// Listener lists are stable-sorted by their transaction.Ordered order.
func NewSupport(deps *Deps) *Support {
	if deps.Changes == nil || deps.Loaded == nil || deps.Locator == nil {
		panic("lifecycle: new support: Changes, Loaded and Locator are required")
	}

	sup := &Support{deps: *deps}
	d := &sup.deps
	d.BeforeCommitListeners = append([]BeforeCommitListener(nil), d.BeforeCommitListeners...)
	d.AfterCompleteListeners = append([]AfterCompleteListener(nil), d.AfterCompleteListeners...)
	d.FlushListeners = append([]FlushListener(nil), d.FlushListeners...)

	sort.SliceStable(d.BeforeCommitListeners, func(i, j int) bool {
		return orderOf(d.BeforeCommitListeners[i]) < orderOf(d.BeforeCommitListeners[j])
	})
	sort.SliceStable(d.AfterCompleteListeners, func(i, j int) bool {
		return orderOf(d.AfterCompleteListeners[i]) < orderOf(d.AfterCompleteListeners[j])
	})
	sort.SliceStable(d.FlushListeners, func(i, j int) bool {
		return orderOf(d.FlushListeners[i]) < orderOf(d.FlushListeners[j])
	})
	return sup
}

// orderOf returns order of a listener.
func orderOf(l interface{}) int {
	if o, ok := l.(transaction.Ordered); ok {
		return o.Order()
	}
	return transaction.LowestPrecedence
}

// activeTxn returns transaction of ctx if it is active.
func activeTxn(ctx context.Context) (transaction.Transaction, bool) {
	txn, ok := transaction.Lookup(ctx)
	if !ok {
		return nil, false
	}
	switch txn.Status() {
	case transaction.Active, transaction.Committing:
		return txn, true
	}
	return nil, false
}

// StoreName returns name of the store session s works with.
func StoreName(s Session) string {
	if name := s.StoreName(); name != "" {
		return name
	}
	return MainStore
}

// Holder returns resource holder of the transaction of ctx, binding new one if needed.
//
// If the transaction already has a holder for another store,
// *StoreMismatchError is returned. The first time synchronization is active,
// the holder registers its synchronization with the transaction.
func (sup *Support) Holder(ctx context.Context, storeName string) (*ResourceHolder, error) {
	txn, ok := activeTxn(ctx)
	if !ok {
		return nil, ErrNoTransaction
	}
	return sup.holder(txn, storeName)
}

func (sup *Support) holder(txn transaction.Transaction, storeName string) (*ResourceHolder, error) {
	var h *ResourceHolder
	v, ok := txn.Resource(ResourceHolderKey)
	if !ok {
		h = newResourceHolder(storeName)
		txn.BindResource(ResourceHolderKey, h)
	} else {
		h = v.(*ResourceHolder)
		if h.storeName != storeName {
			return nil, &StoreMismatchError{Store: storeName, TxnStore: h.storeName}
		}
	}

	if txn.SynchronizationActive() && !h.synchronizedWithTransaction {
		h.synchronizedWithTransaction = true
		txn.RegisterSync(&synchronization{sup: sup, h: h})
	}
	return h, nil
}

// RegisterSynchronizations registers synchronizations with just started transaction.
func (sup *Support) RegisterSynchronizations(ctx context.Context, storeName string) error {
	log.V(2).Infof(ctx, "register synchronizations for store %q", storeName)
	_, err := sup.Holder(ctx, storeName)
	return err
}

// RegisterInstance registers e as managed by the session of em.
//
// It requires active transaction. The instance stops being detached.
func (sup *Support) RegisterInstance(ctx context.Context, e entity.Entity, em EntityManager) error {
	txn, ok := activeTxn(ctx)
	if !ok {
		return ErrNoTransaction
	}
	s := em.Unwrap()
	h, err := sup.holder(txn, StoreName(s))
	if err != nil {
		return err
	}
	h.registerInstance(e, s)
	e.EntityEntry().SetDetached(false)
	return nil
}

// RegisterSessionInstance registers e as managed by session s.
//
// It is used on load paths, which may run outside of transaction, for
// example when fetching lazy attributes. In such case it does nothing.
func (sup *Support) RegisterSessionInstance(ctx context.Context, e entity.Entity, s Session) error {
	txn, ok := activeTxn(ctx)
	if !ok {
		return nil
	}
	if s == nil {
		return errors.New("lifecycle: register instance: session is nil")
	}
	h, err := sup.holder(txn, StoreName(s))
	if err != nil {
		return err
	}
	h.registerInstance(e, s)
	return nil
}

// Instances returns instances managed by the session of em in current transaction.
func (sup *Support) Instances(ctx context.Context, em EntityManager) ([]entity.Entity, error) {
	s := em.Unwrap()
	h, err := sup.Holder(ctx, StoreName(s))
	if err != nil {
		return nil, err
	}
	return h.Instances(s), nil
}

// SavedInstances returns instances already inserted into store in current transaction.
func (sup *Support) SavedInstances(ctx context.Context, storeName string) ([]entity.Entity, error) {
	h, err := sup.Holder(ctx, storeName)
	if err != nil {
		return nil, err
	}
	return h.SavedInstances(), nil
}

// AddSavedInstance records that e was inserted into store in current transaction.
func (sup *Support) AddSavedInstance(ctx context.Context, storeName string, e entity.Entity) error {
	h, err := sup.Holder(ctx, storeName)
	if err != nil {
		return err
	}
	h.addSaved(e)
	return nil
}

// AddDeletedInstance records that e was deleted from store in current transaction.
func (sup *Support) AddDeletedInstance(ctx context.Context, storeName string, e entity.Entity) error {
	h, err := sup.Holder(ctx, storeName)
	if err != nil {
		return err
	}
	h.addDeleted(e)
	return nil
}

// ProcessFlush runs flush discovery over instances of current transaction.
//
// It is called by the ORM right before the session of em flushes. If
// warnImplicitFlush is set, the flush is reported as implicit flush when it
// leads to changes.
func (sup *Support) ProcessFlush(ctx context.Context, em EntityManager, warnImplicitFlush bool) error {
	storeName := StoreName(em.Unwrap())
	h, err := sup.Holder(ctx, storeName)
	if err != nil {
		return err
	}
	return traverse(ctx, h, &onSaveVisitor{sup: sup, h: h}, warnImplicitFlush)
}

// Detach detaches single instance from the session of em.
//
// BeforeDetach listeners are fired first.
func (sup *Support) Detach(ctx context.Context, em EntityManager, e entity.Entity) error {
	s := em.Unwrap()
	storeName := StoreName(s)

	err := sup.fireBeforeDetach(ctx, e, storeName)
	if err != nil {
		return err
	}

	h, err := sup.Holder(ctx, storeName)
	if err != nil {
		return err
	}
	h.unregisterInstance(e, s)
	if e.EntityEntry().IsNew() {
		h.newDetached.Add(e)
	}
	makeDetached(storeName, e)
	return nil
}

// IsDeleted returns whether e is being deleted in current transaction.
//
// For soft-deletable entities it is the case when the deletion timestamp is
// set now, was not set when the entity was loaded, and the entity reports
// itself as soft-deleted. Other entities are deleted when they are removed.
func (sup *Support) IsDeleted(e entity.Entity) bool {
	if !entity.IsSoftDeletionSupported(e) {
		return e.EntityEntry().IsRemoved()
	}

	attr := entity.ClassOf(e).DeletedDateAttr
	deleteDate, err := entity.Value(e, attr)
	if err != nil {
		return false
	}
	loadedDeleteDate := sup.deps.Loaded.LoadedValue(e, attr)
	return !entity.IsNull(deleteDate) &&
		entity.IsNull(loadedDeleteDate) &&
		entity.IsSoftDeleted(e)
}

// FireFlush notifies flush listeners that flush discovery for store finished.
func (sup *Support) FireFlush(ctx context.Context, storeName string) error {
	for _, l := range sup.deps.FlushListeners {
		err := l.OnFlush(ctx, storeName)
		if err != nil {
			return err
		}
	}
	return nil
}

// FireEntityChange notifies flush listeners about state transition of e.
func (sup *Support) FireEntityChange(ctx context.Context, e entity.Entity, op EntityOp, changes entity.AttributeChanges) error {
	for _, l := range sup.deps.FlushListeners {
		err := l.OnEntityChange(ctx, e, op, changes)
		if err != nil {
			return err
		}
	}
	return nil
}

func (sup *Support) fireListener(ctx context.Context, e entity.Entity, typ ListenerType, storeName string) error {
	if sup.deps.Listeners == nil {
		return nil
	}
	return sup.deps.Listeners.FireListener(ctx, e, typ, storeName)
}

// fireBeforeDetach fires BeforeDetach listeners unless e is already detached.
func (sup *Support) fireBeforeDetach(ctx context.Context, e entity.Entity, storeName string) error {
	if e.EntityEntry().IsDetached() {
		return nil
	}
	return sup.fireListener(ctx, e, BeforeDetach, storeName)
}

func (sup *Support) processDeletePolicy(ctx context.Context, e entity.Entity) error {
	if sup.deps.DeletePolicy == nil {
		return nil
	}
	p := sup.deps.DeletePolicy()
	p.SetEntity(e)
	return p.Process(ctx)
}

// makeDetached switches e to detached state.
func makeDetached(storeName string, e entity.Entity) {
	entry := e.EntityEntry()
	entry.SetNew(false)
	entry.SetManaged(false)
	entry.SetDetached(true)
	traceDetach(storeName, e)
}
