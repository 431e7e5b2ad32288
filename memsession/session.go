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
	"reflect"
	"time"

	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/entsync/entity"
	"lab.nexedi.com/kirr/entsync/internal/log"
	"lab.nexedi.com/kirr/entsync/lifecycle"
	"lab.nexedi.com/kirr/entsync/transaction"
)

// Session is unit of work over Store within one transaction.
//
// Session is not safe for concurrent use. It is obtained via Manager.Open and
// lives until its transaction completes.
//
// Session implements lifecycle.Session and lifecycle.EntityManager, joins its
// transaction as transaction.DataManager once it has flushed writes, and is
// registered to the transaction as transaction.Synchronizer to release
// itself after completion.
type Session struct {
	m    *Manager
	txn  transaction.Transaction
	icpt *lifecycle.Interceptor

	entityv  []entity.Entity // managed instances in attach order
	byID     map[entity.Id]entity.Entity
	loaded   map[entity.Entity]Row  // state at load or last flush
	inserted map[entity.Entity]bool // new instances already written
	gone     map[entity.Entity]bool // removed instances already written

	staged   map[entity.Id]*stagedOp // flushed, not committed writes
	joined   bool
	flushing bool
	locked   bool // holds store commit lock between vote and finish
}

var _ lifecycle.Session = (*Session)(nil)
var _ lifecycle.EntityManager = (*Session)(nil)
var _ transaction.DataManager = (*Session)(nil)
var _ transaction.Synchronizer = (*Session)(nil)

func newSession(m *Manager, txn transaction.Transaction) *Session {
	return &Session{
		m:        m,
		txn:      txn,
		icpt:     m.sup.Interceptor(),
		byID:     make(map[entity.Id]entity.Entity),
		loaded:   make(map[entity.Entity]Row),
		inserted: make(map[entity.Entity]bool),
		gone:     make(map[entity.Entity]bool),
		staged:   make(map[entity.Id]*stagedOp),
	}
}

// StoreName implements lifecycle.Session.
func (s *Session) StoreName() string {
	return s.m.store.Name()
}

// Unwrap implements lifecycle.EntityManager.
func (s *Session) Unwrap() lifecycle.Session {
	return s
}

// Transaction returns transaction the session belongs to.
func (s *Session) Transaction() transaction.Transaction {
	return s.txn
}

// Contains returns whether e is managed by the session.
func (s *Session) Contains(e entity.Entity) bool {
	for _, x := range s.entityv {
		if x == e {
			return true
		}
	}
	return false
}

func (s *Session) attach(e entity.Entity, id entity.Id) {
	s.entityv = append(s.entityv, e)
	s.byID[id] = e
	s.m.own(e, s)
}

// Persist makes new entity e managed by the session.
//
// The entity is written to the store on next flush.
func (s *Session) Persist(ctx context.Context, e entity.Entity) (err error) {
	defer xerr.Contextf(&err, "persist %s", entity.String(e))

	if entity.ClassOf(e) == nil {
		return errors.Errorf("%T: class not registered", e)
	}
	if !e.EntityEntry().IsNew() {
		return errors.New("entity is not new")
	}
	id := entity.IdOf(e)
	if id.IsZero() || reflect.ValueOf(id.Value).IsZero() {
		return errors.New("zero id")
	}
	if other, ok := s.byID[id]; ok {
		if other == e {
			return nil
		}
		return errors.Wrap(ErrConflict, "other instance with the same id is managed")
	}

	s.attach(e, id)
	return s.m.sup.RegisterInstance(ctx, e, s)
}

// Find returns entity of class with id value idv.
//
// Already managed instance is returned as is. Otherwise the entity is loaded
// from flushed or committed state.
func (s *Session) Find(ctx context.Context, class string, idv interface{}) (entity.Entity, error) {
	id := entity.Id{Class: class, Value: idv}
	if e, ok := s.byID[id]; ok {
		return e, nil
	}
	row, ok := s.visibleRow(id)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "find %s", id)
	}
	e, err := s.load(ctx, id, row)
	if err != nil {
		return nil, errors.WithMessagef(err, "find %s", id)
	}
	return e, nil
}

// FindBy returns entities of class whose attribute attr equals value.
//
// Pending changes are flushed first, so that the query sees them. Such
// flush is reported to lifecycle tracking as implicit.
func (s *Session) FindBy(ctx context.Context, class, attr string, value interface{}) (_ []entity.Entity, err error) {
	defer xerr.Contextf(&err, "find %s by %s", class, attr)

	if s.dirty() {
		err = s.flush(ctx, true)
		if err != nil {
			return nil, err
		}
	}
	return s.findBy(ctx, class, attr, value)
}

// findBy is FindBy without flushing.
func (s *Session) findBy(ctx context.Context, class, attr string, value interface{}) ([]entity.Entity, error) {
	var result []entity.Entity
	seen := make(map[entity.Id]bool)
	for _, id := range s.m.store.visibleRows(class, s.staged) {
		seen[id] = true
		e, managed := s.byID[id]
		if !managed {
			row, ok := s.visibleRow(id)
			if !ok || !valueEqual(row[attr], value) {
				continue
			}
			var err error
			e, err = s.load(ctx, id, row)
			if err != nil {
				return nil, err
			}
		}
		if s.matches(e, attr, value) {
			result = append(result, e)
		}
	}
	// managed instances not yet written
	for _, e := range s.entityv {
		id := entity.IdOf(e)
		if id.Class != class || seen[id] {
			continue
		}
		if s.matches(e, attr, value) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *Session) matches(e entity.Entity, attr string, value interface{}) bool {
	if e.EntityEntry().IsRemoved() {
		return false
	}
	v, err := entity.Value(e, attr)
	return err == nil && valueEqual(v, value)
}

// visibleRow returns row of id as seen by the session: staged or committed.
func (s *Session) visibleRow(id entity.Id) (Row, bool) {
	if op, ok := s.staged[id]; ok {
		if op.kind == opDelete {
			return nil, false
		}
		return op.row.Copy(), true
	}
	return s.m.store.Get(id)
}

// load instantiates entity id from row and makes it managed.
func (s *Session) load(ctx context.Context, id entity.Id, row Row) (entity.Entity, error) {
	cls := entity.LookupClass(id.Class)
	if cls == nil {
		return nil, errors.Errorf("class %q not registered", id.Class)
	}
	e := reflect.New(cls.Type).Interface().(entity.Entity)
	for attr, v := range row {
		if !cls.HasAttribute(attr) {
			continue // column of another version of the class
		}
		err := entity.SetValue(e, attr, v)
		if err != nil {
			return nil, err
		}
	}
	values, err := entity.Values(e)
	if err != nil {
		return nil, err
	}

	s.attach(e, id)
	s.loaded[e] = values
	log.V(2).Infof(ctx, "load %s", id)
	return e, s.icpt.AfterLoad(ctx, s, e)
}

// Remove marks managed entity e for deletion.
//
// Entities that support soft deletion get their deletion timestamp set
// instead of being deleted from the store.
func (s *Session) Remove(ctx context.Context, e entity.Entity) (err error) {
	defer xerr.Contextf(&err, "remove %s", entity.String(e))

	if !s.Contains(e) {
		return errors.New("entity is not managed by the session")
	}
	if entity.IsSoftDeletionSupported(e) {
		if entity.IsSoftDeleted(e) {
			return nil
		}
		return setNow(e, entity.ClassOf(e).DeletedDateAttr, s.m.now())
	}
	e.EntityEntry().SetRemoved(true)
	return nil
}

// setNow sets time attribute attr of e to now.
func setNow(e entity.Entity, attr string, now time.Time) error {
	v, err := entity.Value(e, attr)
	if err != nil {
		return err
	}
	if _, ok := v.(*time.Time); ok {
		return entity.SetValue(e, attr, &now)
	}
	return entity.SetValue(e, attr, now)
}

// dirty returns whether the session has changes not yet flushed.
func (s *Session) dirty() bool {
	return s.firstDirty() != nil
}

// firstDirty returns first managed entity with changes not yet flushed.
func (s *Session) firstDirty() entity.Entity {
	for _, e := range s.entityv {
		entry := e.EntityEntry()
		switch {
		case entry.IsRemoved():
			if !s.gone[e] && !(entry.IsNew() && !s.inserted[e]) {
				return e
			}
		case entry.IsNew() && !s.inserted[e]:
			return e
		default:
			values, err := entity.Values(e)
			if err == nil && diff(s.loaded[e], values).HasChanges() {
				return e
			}
		}
	}
	return nil
}

// Flush writes pending changes of the session to staged state.
//
// While the transaction is active, lifecycle flush discovery runs first.
// Flushes issued by the commit itself rely on discovery done in before-commit.
//
// A read-only transaction never writes: Flush of a session with pending
// changes fails with lifecycle.ReadOnlyViolationError.
func (s *Session) Flush(ctx context.Context) error {
	return s.flush(ctx, false)
}

func (s *Session) flush(ctx context.Context, implicit bool) (err error) {
	if s.flushing {
		return nil
	}
	if s.txn.ReadOnly() {
		// implicit flush is skipped; pending changes stay visible to
		// the check done at commit
		if implicit {
			return nil
		}
		if e := s.firstDirty(); e != nil {
			return &lifecycle.ReadOnlyViolationError{Entity: e, Changes: s.m.AttributeChanges(e)}
		}
		return nil
	}
	s.flushing = true
	defer func() {
		s.flushing = false
	}()

	if s.txn.Status() == transaction.Active {
		err = s.icpt.BeforeFlush(ctx, s, implicit)
		if err != nil {
			return err
		}
	}

	entityv := append([]entity.Entity(nil), s.entityv...)
	for _, e := range entityv {
		id := entity.IdOf(e)
		entry := e.EntityEntry()
		values, err := entity.Values(e)
		if err != nil {
			return err
		}
		row := Row(values)

		switch {
		case entry.IsRemoved():
			if s.gone[e] {
				break
			}
			s.gone[e] = true
			if s.inserted[e] || !entry.IsNew() {
				s.stage(id, opDelete, nil)
				err = s.icpt.AfterDelete(ctx, s, e)
				if err != nil {
					return err
				}
			}

		case entry.IsNew() && !s.inserted[e]:
			s.stage(id, opInsert, row)
			s.inserted[e] = true
			err = s.icpt.AfterInsert(ctx, s, e)
			if err != nil {
				return err
			}

		default:
			if diff(s.loaded[e], row).HasChanges() {
				s.stage(id, opUpdate, row)
			}
		}
		s.loaded[e] = row
	}

	if len(s.staged) != 0 && !s.joined {
		s.txn.Join(s)
		s.joined = true
	}
	log.V(2).Infof(ctx, "flush: %d staged", len(s.staged))
	return nil
}

// stage records flushed write of id.
func (s *Session) stage(id entity.Id, kind opKind, row Row) {
	prev, ok := s.staged[id]
	switch {
	case ok && prev.kind == opInsert && kind == opUpdate:
		prev.row = row.Copy()
	case ok && prev.kind == opInsert && kind == opDelete:
		delete(s.staged, id)
	default:
		s.staged[id] = &stagedOp{kind: kind, row: row.Copy()}
	}
}

// Clear detaches everything the session manages.
//
// Flushed writes stay staged.
func (s *Session) Clear() {
	s.m.disown(s.entityv)
	s.entityv = nil
	s.byID = make(map[entity.Id]entity.Entity)
	s.loaded = make(map[entity.Entity]Row)
	s.inserted = make(map[entity.Entity]bool)
	s.gone = make(map[entity.Entity]bool)
}

// ---- transaction.DataManager ----

func (s *Session) Abort(txn transaction.Transaction) {
	s.staged = make(map[entity.Id]*stagedOp)
}

func (s *Session) TPCBegin(txn transaction.Transaction) {}

func (s *Session) Commit(ctx context.Context, txn transaction.Transaction) error {
	log.V(1).Infof(ctx, "store %s: commit %d writes", s.StoreName(), len(s.staged))
	return nil
}

func (s *Session) TPCVote(ctx context.Context, txn transaction.Transaction) error {
	s.m.store.commitMu.Lock()
	s.locked = true
	return s.m.store.check(s.staged)
}

func (s *Session) TPCFinish(ctx context.Context, txn transaction.Transaction) error {
	s.m.store.apply(s.staged)
	s.staged = make(map[entity.Id]*stagedOp)
	s.unlock()
	return nil
}

func (s *Session) TPCAbort(ctx context.Context, txn transaction.Transaction) {
	s.staged = make(map[entity.Id]*stagedOp)
	s.unlock()
}

func (s *Session) unlock() {
	if s.locked {
		s.locked = false
		s.m.store.commitMu.Unlock()
	}
}

// ---- transaction.Synchronizer ----

func (s *Session) BeforeCommit(ctx context.Context, txn transaction.Transaction) error {
	return nil
}

func (s *Session) AfterCompletion(txn transaction.Transaction) {
	s.unlock()
	s.m.release(s)
}

// valueEqual returns whether two attribute values are the same.
func valueEqual(a, b interface{}) bool {
	if entity.IsNull(a) && entity.IsNull(b) {
		return true
	}
	ta, ok1 := a.(time.Time)
	tb, ok2 := b.(time.Time)
	if ok1 && ok2 {
		return ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

// diff returns attribute changes from row old to row new.
//
// nil old means there is no reference state and so no changes.
func diff(old, new Row) entity.AttributeChanges {
	if old == nil {
		return entity.AttributeChanges{}
	}
	changes := make(map[string]entity.Change)
	for attr, v := range new {
		if !valueEqual(old[attr], v) {
			changes[attr] = entity.Change{Old: old[attr], New: v}
		}
	}
	return entity.NewAttributeChanges(changes)
}
