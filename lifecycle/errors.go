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
	"errors"
	"fmt"

	"lab.nexedi.com/kirr/entsync/entity"
)

var (
	// ErrNoTransaction is returned when an operation requires active transaction.
	ErrNoTransaction = errors.New("no active transaction")

	// ErrStoreMismatch is returned when a transaction is asked to handle
	// entities of two different stores.
	ErrStoreMismatch = errors.New("store mismatch")

	// ErrReadOnly is returned when a read-only transaction has changed instances.
	ErrReadOnly = errors.New("read-only transaction")
)

// StoreMismatchError is returned when an entity from Store is handled in a
// transaction that is already bound to TxnStore.
type StoreMismatchError struct {
	Store    string
	TxnStore string
}

func (e *StoreMismatchError) Error() string {
	return fmt.Sprintf("cannot handle entity from %s store because active transaction is for %s",
		e.Store, e.TxnStore)
}

func (e *StoreMismatchError) Is(target error) bool {
	return target == ErrStoreMismatch
}

// ReadOnlyViolationError is returned on commit of a read-only transaction
// with a changed instance.
type ReadOnlyViolationError struct {
	Entity  entity.Entity
	Changes entity.AttributeChanges
}

func (e *ReadOnlyViolationError) Error() string {
	return fmt.Sprintf("changed instance %s in read-only transaction: %s",
		entity.String(e.Entity), e.Changes)
}

func (e *ReadOnlyViolationError) Is(target error) bool {
	return target == ErrReadOnly
}
