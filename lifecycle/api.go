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

// Package lifecycle synchronizes entity lifecycle with transactions.
//
// It tracks which entity instances are attached to which ORM session in the
// current transaction, fires lifecycle listeners over them before the
// session flushes, and at commit converts collected changes into
// entity-changed events, publishes them and detaches the instances.
//
// Support is the entry point. An ORM calls its Interceptor hooks, or the
// Support methods directly, from flush and load paths:
//
//	support := lifecycle.NewSupport(&lifecycle.Deps{...})
//
//	txn, ctx := transaction.New(ctx)
//	support.RegisterSynchronizations(ctx, "main")
//	...
//	support.RegisterInstance(ctx, order, em)	// order becomes managed
//	...
//	err := txn.Commit(ctx)				// listeners fire, events are published,
//							// order becomes detached
//
// Per-transaction state lives in a ResourceHolder bound to the transaction
// under ResourceHolderKey. A transaction works with entities of only one
// store.
//
//
// Flush discovery
//
// Firing a listener for one entity may attach more entities to the session,
// for example when a delete policy loads related rows. Before a flush the
// tracked instances are therefore visited until no visit reports a state
// transition and no new instances appear, so that every instance gets its
// listeners fired exactly once per transition before the physical flush.
package lifecycle

import (
	"context"

	"lab.nexedi.com/kirr/entsync/entity"
	"lab.nexedi.com/kirr/entsync/event"
)

// MainStore is the name of the store used for sessions that do not name one.
const MainStore = "main"

// Session is the ORM session collaborator.
type Session interface {
	// StoreName returns name of the data store the session works with.
	//
	// "" means MainStore.
	StoreName() string

	// Flush writes pending changes of the session to its store.
	Flush(ctx context.Context) error

	// Clear detaches everything the session manages.
	Clear()
}

// EntityManager is a managed handle to a Session, e.g. a per-transaction proxy.
type EntityManager interface {
	Unwrap() Session
}

// ListenerType is the type of entity lifecycle listener.
type ListenerType int

const (
	BeforeInsert ListenerType = iota
	BeforeUpdate
	BeforeDelete
	BeforeDetach
)

func (t ListenerType) String() string {
	switch t {
	case BeforeInsert:
		return "BEFORE_INSERT"
	case BeforeUpdate:
		return "BEFORE_UPDATE"
	case BeforeDelete:
		return "BEFORE_DELETE"
	case BeforeDetach:
		return "BEFORE_DETACH"
	}
	return "ListenerType(?)"
}

// ListenerManager fires entity lifecycle listeners.
type ListenerManager interface {
	FireListener(ctx context.Context, e entity.Entity, typ ListenerType, storeName string) error
}

// ChangesProvider computes attribute changes of an entity relative to its
// loaded state.
type ChangesProvider interface {
	AttributeChanges(e entity.Entity) entity.AttributeChanges
	HasChanges(e entity.Entity) bool
}

// LoadedValueProvider returns value an attribute had when the entity was loaded.
//
// nil is returned for entities that were not loaded, e.g. new ones.
type LoadedValueProvider interface {
	LoadedValue(e entity.Entity, attr string) interface{}
}

// ChangeCollector collects entity-changed information from a session and
// publishes resulting events.
type ChangeCollector interface {
	Collect(ctx context.Context, s Session, instances []entity.Entity) ([]event.Info, error)

	// Publish delivers events within the committing transaction of ctx.
	// Subscribers may register new synchronizations with that transaction.
	Publish(ctx context.Context, eventv []*event.EntityChangedEvent) error
}

// DeletePolicyProcessor applies cascade / nullify rules for a soft-deleted entity.
//
// A processor is used for one entity only.
type DeletePolicyProcessor interface {
	SetEntity(e entity.Entity)
	Process(ctx context.Context) error
}

// SessionLocator returns session of the current transaction for a store.
type SessionLocator interface {
	Session(ctx context.Context, storeName string) (Session, error)
}

// BeforeCommitListener is notified before commit with all instances of the transaction.
//
// Listeners may implement transaction.Ordered.
type BeforeCommitListener interface {
	BeforeCommit(ctx context.Context, storeName string, instances []entity.Entity) error
}

// AfterCompleteListener is notified after transaction completion.
//
// Listeners may implement transaction.Ordered.
type AfterCompleteListener interface {
	AfterComplete(committed bool, instances []entity.Entity)
}

// EntityOp is the operation reported to FlushListener.
type EntityOp int

const (
	OpCreate EntityOp = iota
	OpUpdate
	OpDelete
)

func (op EntityOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "EntityOp(?)"
}

// FlushListener observes flush discovery.
//
// OnEntityChange is called for every state transition found while visiting
// instances. changes is empty for OpCreate and OpDelete. OnFlush is called
// after discovery finished before commit.
type FlushListener interface {
	OnFlush(ctx context.Context, storeName string) error
	OnEntityChange(ctx context.Context, e entity.Entity, op EntityOp, changes entity.AttributeChanges) error
}

// Deps are collaborators of Support.
//
// Changes, Loaded and Locator are required.
type Deps struct {
	Listeners ListenerManager // nil -> no entity listeners
	Changes   ChangesProvider
	Loaded    LoadedValueProvider
	Collector ChangeCollector // nil -> no entity-changed events
	Locator   SessionLocator

	// DeletePolicy creates new delete policy processor for every
	// soft-deleted entity. nil -> delete policies are not processed.
	DeletePolicy func() DeletePolicyProcessor

	BeforeCommitListeners  []BeforeCommitListener
	AfterCompleteListeners []AfterCompleteListener
	FlushListeners         []FlushListener
}
