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

// Package memsession provides reference ORM session over an in-RAM store.
//
// It is the minimal unit of work lifecycle tracking needs to be exercised end
// to end: sessions keep an identity map of loaded and persisted entities,
// track their loaded state, stage flushed writes, and apply them to the
// store when the transaction commits via two-phase commit.
//
//	store := memsession.NewStore("main")
//	m := memsession.NewManager(store, &memsession.Options{Bus: bus})
//
//	txn, ctx := transaction.New(ctx)
//	s, err := m.Open(ctx)
//	err = s.Persist(ctx, order)
//	...
//	err = txn.Commit(ctx)
package memsession

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/entsync/entity"
)

var (
	// ErrNotFound is returned when requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when staged writes conflict with committed data.
	ErrConflict = errors.New("write conflict")
)

// Row is stored state of one entity: attribute -> value.
type Row map[string]interface{}

// Copy returns shallow copy of the row.
func (r Row) Copy() Row {
	if r == nil {
		return nil
	}
	c := make(Row, len(r))
	for attr, v := range r {
		c[attr] = v
	}
	return c
}

// Store is an in-RAM data store of committed rows.
//
// It is safe for concurrent use.
type Store struct {
	name string

	mu      sync.RWMutex
	rows    map[entity.Id]Row
	ncommit int64

	// serializes commits from vote to finish
	commitMu sync.Mutex
}

// NewStore creates new empty store.
func NewStore(name string) *Store {
	return &Store{name: name, rows: make(map[entity.Id]Row)}
}

// Name returns name of the store.
func (st *Store) Name() string {
	return st.name
}

// Get returns committed row of an entity.
func (st *Store) Get(id entity.Id) (Row, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	row, ok := st.rows[id]
	return row.Copy(), ok
}

// Put stores row directly, bypassing transactions.
//
// It is useful to populate store with initial data.
func (st *Store) Put(id entity.Id, row Row) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.rows[id] = row.Copy()
}

// Len returns number of committed rows.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.rows)
}

// Commits returns number of transactions that changed the store.
func (st *Store) Commits() int64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.ncommit
}

// IDs returns sorted ids of committed rows of a class.
func (st *Store) IDs(class string) []entity.Id {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var idv []entity.Id
	for id := range st.rows {
		if id.Class == class {
			idv = append(idv, id)
		}
	}
	sort.Slice(idv, func(i, j int) bool {
		return fmt.Sprint(idv[i].Value) < fmt.Sprint(idv[j].Value)
	})
	return idv
}

// opKind is kind of staged write.
type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opDelete
)

func (k opKind) String() string {
	switch k {
	case opInsert:
		return "insert"
	case opUpdate:
		return "update"
	case opDelete:
		return "delete"
	}
	return "?"
}

// stagedOp is a flushed, not yet committed write.
type stagedOp struct {
	kind opKind
	row  Row // nil for delete
}

// check verifies that ops can be applied.
func (st *Store) check(ops map[entity.Id]*stagedOp) error {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for id, op := range ops {
		_, exists := st.rows[id]
		switch {
		case op.kind == opInsert && exists:
			return errors.Wrapf(ErrConflict, "%s: insert: already exists", id)
		case op.kind != opInsert && !exists:
			return errors.Wrapf(ErrConflict, "%s: %s: does not exist", id, op.kind)
		}
	}
	return nil
}

// apply applies ops to committed rows.
func (st *Store) apply(ops map[entity.Id]*stagedOp) {
	if len(ops) == 0 {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, op := range ops {
		switch op.kind {
		case opInsert, opUpdate:
			st.rows[id] = op.row.Copy()
		case opDelete:
			delete(st.rows, id)
		}
	}
	st.ncommit++
}

// visibleRows returns rows of class as seen through staged ops, sorted by id.
func (st *Store) visibleRows(class string, ops map[entity.Id]*stagedOp) []entity.Id {
	seen := make(map[entity.Id]bool)
	var idv []entity.Id
	for _, id := range st.IDs(class) {
		if op, ok := ops[id]; ok && op.kind == opDelete {
			continue
		}
		seen[id] = true
		idv = append(idv, id)
	}
	var extra []entity.Id
	for id, op := range ops {
		if id.Class == class && op.kind == opInsert && !seen[id] {
			extra = append(extra, id)
		}
	}
	sort.Slice(extra, func(i, j int) bool {
		return fmt.Sprint(extra[i].Value) < fmt.Sprint(extra[j].Value)
	})
	return append(idv, extra...)
}
