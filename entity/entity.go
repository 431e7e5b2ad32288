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

// Package entity defines in-RAM entity instances and their lifecycle state.
//
// Every entity carries an Entry with four state flags - new, managed,
// detached and removed - which the persistence layer flips as the instance
// goes through
//
//	New → Managed → (Detached | re-attached) → terminal
//
// Application types become entities by embedding Base:
//
//	type Order struct {
//		entity.Base
//		ID     int64
//		Status string
//	}
//
// and registering their class:
//
//	func init() {
//		entity.RegisterClass("Order", reflect.TypeOf(Order{}), nil)
//	}
//
// Entities are always handled by pointer and are compared by pointer
// identity: two distinct instances with equal field values are two
// different entities for the persistence layer.
package entity

import (
	"fmt"
)

// Entity is the interface that every in-RAM entity instance implements.
//
// Entity can be implemented only by types that embed Base.
type Entity interface {
	// EntityEntry returns lifecycle state of the instance.
	EntityEntry() *Entry

	base() *Base
}

// Entry holds lifecycle state flags of one entity instance.
//
// It is not safe for concurrent use: an instance belongs to one
// transaction at a time.
type Entry struct {
	isNew      bool
	isManaged  bool
	isDetached bool
	isRemoved  bool
}

func (e *Entry) IsNew() bool      { return e.isNew }
func (e *Entry) IsManaged() bool  { return e.isManaged }
func (e *Entry) IsDetached() bool { return e.isDetached }
func (e *Entry) IsRemoved() bool  { return e.isRemoved }

func (e *Entry) SetNew(v bool)      { e.isNew = v }
func (e *Entry) SetManaged(v bool)  { e.isManaged = v }
func (e *Entry) SetDetached(v bool) { e.isDetached = v }
func (e *Entry) SetRemoved(v bool)  { e.isRemoved = v }

// String returns human-readable representation of set flags, e.g. "new|managed".
func (e *Entry) String() string {
	s := ""
	add := func(ok bool, name string) {
		if !ok {
			return
		}
		if s != "" {
			s += "|"
		}
		s += name
	}
	add(e.isNew, "new")
	add(e.isManaged, "managed")
	add(e.isDetached, "detached")
	add(e.isRemoved, "removed")
	if s == "" {
		s = "-"
	}
	return s
}

// Base is common base Entity implementation.
//
// It has to be embedded by value into application entity types.
type Base struct {
	entry Entry
}

func (b *Base) EntityEntry() *Entry { return &b.entry }
func (b *Base) base() *Base         { return b }

// New creates new instance of entity type T in New state.
//
// Use it as
//
//	order := entity.New[Order]()
func New[T any, P interface {
	*T
	Entity
}]() P {
	p := P(new(T))
	p.EntityEntry().SetNew(true)
	return p
}

// String returns human-readable representation of an entity instance.
//
// It uses registered class and id if available, e.g. "Order#12".
func String(e Entity) string {
	if e == nil {
		return "<nil>"
	}
	cls := ClassOf(e)
	if cls == nil {
		return fmt.Sprintf("%T@%p", e, e)
	}
	return IdOf(e).String()
}
