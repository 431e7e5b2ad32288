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

package memsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lab.nexedi.com/kirr/entsync/entity"
	"lab.nexedi.com/kirr/entsync/event"
	"lab.nexedi.com/kirr/entsync/internal/log"
	"lab.nexedi.com/kirr/entsync/lifecycle"
	"lab.nexedi.com/kirr/entsync/transaction"
)

// Options are options to NewManager.
type Options struct {
	// Bus receives entity-changed events of committing transactions.
	// nil means events are not collected.
	Bus *event.Bus

	Listeners   lifecycle.ListenerManager
	DeleteRules []DeleteRule

	BeforeCommitListeners  []lifecycle.BeforeCommitListener
	AfterCompleteListeners []lifecycle.AfterCompleteListener
	FlushListeners         []lifecycle.FlushListener

	// Now returns current time for soft deletion; default time.Now.
	Now func() time.Time
}

// Manager opens sessions over a Store and provides lifecycle tracking with
// the session-dependent collaborators it needs.
//
// Manager implements lifecycle.ChangesProvider, lifecycle.LoadedValueProvider,
// lifecycle.ChangeCollector and lifecycle.SessionLocator.
type Manager struct {
	store *Store
	bus   *event.Bus
	now   func() time.Time
	sup   *lifecycle.Support

	mu       sync.Mutex
	sessions map[transaction.Transaction]*Session
	owner    map[entity.Entity]*Session
}

var _ lifecycle.ChangesProvider = (*Manager)(nil)
var _ lifecycle.LoadedValueProvider = (*Manager)(nil)
var _ lifecycle.ChangeCollector = (*Manager)(nil)
var _ lifecycle.SessionLocator = (*Manager)(nil)

// NewManager creates new session manager for store.
func NewManager(store *Store, opt *Options) *Manager {
	if opt == nil {
		opt = &Options{}
	}
	m := &Manager{
		store:    store,
		bus:      opt.Bus,
		now:      opt.Now,
		sessions: make(map[transaction.Transaction]*Session),
		owner:    make(map[entity.Entity]*Session),
	}
	if m.now == nil {
		m.now = time.Now
	}

	deps := &lifecycle.Deps{
		Listeners: opt.Listeners,
		Changes:   m,
		Loaded:    m,
		Locator:   m,
		DeletePolicy: func() lifecycle.DeletePolicyProcessor {
			return &deletePolicy{m: m, rules: opt.DeleteRules}
		},
		BeforeCommitListeners:  opt.BeforeCommitListeners,
		AfterCompleteListeners: opt.AfterCompleteListeners,
		FlushListeners:         opt.FlushListeners,
	}
	if m.bus != nil {
		deps.Collector = m
	}
	m.sup = lifecycle.NewSupport(deps)
	return m
}

// Store returns the store sessions of m work with.
func (m *Manager) Store() *Store {
	return m.store
}

// Support returns lifecycle tracking used by sessions of m.
func (m *Manager) Support() *lifecycle.Support {
	return m.sup
}

// Open returns session of the transaction associated with ctx.
//
// The session is created on first use in a transaction. A transaction that
// already completed, or no longer accepts synchronizations, has no session:
// ErrNoTransaction is returned for it.
func (m *Manager) Open(ctx context.Context) (*Session, error) {
	txn, ok := transaction.Lookup(ctx)
	if !ok {
		return nil, lifecycle.ErrNoTransaction
	}
	switch txn.Status() {
	case transaction.Active, transaction.Committing:
	default:
		return nil, lifecycle.ErrNoTransaction
	}

	m.mu.Lock()
	s, ok := m.sessions[txn]
	if !ok {
		if !txn.SynchronizationActive() {
			m.mu.Unlock()
			return nil, lifecycle.ErrNoTransaction
		}
		s = newSession(m, txn)
		m.sessions[txn] = s
	}
	m.mu.Unlock()
	if ok {
		return s, nil
	}

	txn.RegisterSync(s)
	err := m.sup.RegisterSynchronizations(ctx, m.store.Name())
	if err != nil {
		return nil, err
	}
	log.V(2).Infof(ctx, "store %s: open session", m.store.Name())
	return s, nil
}

// Session implements lifecycle.SessionLocator.
func (m *Manager) Session(ctx context.Context, storeName string) (lifecycle.Session, error) {
	if storeName != m.store.Name() {
		return nil, fmt.Errorf("memsession: no store %q (have %q)", storeName, m.store.Name())
	}
	return m.Open(ctx)
}

// release forgets session s after its transaction completed.
func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.txn)
	for _, e := range s.entityv {
		if m.owner[e] == s {
			delete(m.owner, e)
		}
	}
}

func (m *Manager) own(e entity.Entity, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owner[e] = s
}

func (m *Manager) disown(entityv []entity.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entityv {
		delete(m.owner, e)
	}
}

func (m *Manager) sessionOf(e entity.Entity) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner[e]
}

// AttributeChanges implements lifecycle.ChangesProvider.
//
// Changes are computed relative to state of e at load or last flush.
func (m *Manager) AttributeChanges(e entity.Entity) entity.AttributeChanges {
	s := m.sessionOf(e)
	if s == nil {
		return entity.AttributeChanges{}
	}
	values, err := entity.Values(e)
	if err != nil {
		return entity.AttributeChanges{}
	}
	return diff(s.loaded[e], values)
}

// HasChanges implements lifecycle.ChangesProvider.
func (m *Manager) HasChanges(e entity.Entity) bool {
	return m.AttributeChanges(e).HasChanges()
}

// LoadedValue implements lifecycle.LoadedValueProvider.
func (m *Manager) LoadedValue(e entity.Entity, attr string) interface{} {
	s := m.sessionOf(e)
	if s == nil {
		return nil
	}
	return s.loaded[e][attr]
}

// Collect implements lifecycle.ChangeCollector.
//
// It reports instances whose state differs from committed state of the store.
func (m *Manager) Collect(ctx context.Context, s lifecycle.Session, instances []entity.Entity) ([]event.Info, error) {
	var infov []event.Info
	for _, e := range instances {
		cls := entity.ClassOf(e)
		if cls == nil {
			return nil, fmt.Errorf("collect: %T: class not registered", e)
		}
		values, err := entity.Values(e)
		if err != nil {
			return nil, err
		}
		committed, exists := m.store.Get(entity.IdOf(e))

		info := event.Info{Source: s, Entity: e, OriginalMetaClass: cls.Original}
		switch {
		case e.EntityEntry().IsRemoved():
			if !exists {
				continue
			}
			info.Type = event.Deleted

		case e.EntityEntry().IsNew() || !exists:
			info.Type = event.Created

		case entity.IsSoftDeleted(e) && entity.IsNull(committed[cls.DeletedDateAttr]):
			info.Type = event.Deleted

		default:
			info.Changes = diff(committed, values)
			if !info.Changes.HasChanges() {
				continue
			}
			info.Type = event.Updated
		}
		infov = append(infov, info)
	}
	return infov, nil
}

// Publish implements lifecycle.ChangeCollector.
func (m *Manager) Publish(ctx context.Context, eventv []*event.EntityChangedEvent) error {
	return m.bus.Publish(ctx, eventv)
}
