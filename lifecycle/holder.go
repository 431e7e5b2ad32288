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
	"fmt"

	"lab.nexedi.com/kirr/entsync/entity"
)

// ResourceHolderKey is the key under which ResourceHolder is bound to a transaction.
var ResourceHolderKey = holderKey{}

type holderKey struct{}

func (holderKey) String() string { return "lifecycle.ResourceHolder" }

// ResourceHolder tracks entity instances of one transaction.
//
// It is bound to the transaction on first use and is cleaned up when the
// transaction completes. ResourceHolder is not safe for concurrent use: a
// transaction is driven by one logical execution context at a time.
type ResourceHolder struct {
	storeName string

	sessionv    []Session                // sessions in order of first registration
	unitOfWork  map[Session]*identitySet // session -> instances attached to it
	saved       *identitySet             // instances already inserted in this transaction
	deleted     *identitySet             // instances already deleted in this transaction
	newDetached *identitySet             // instances that were new when detached

	synchronizedWithTransaction bool
}

func newResourceHolder(storeName string) *ResourceHolder {
	return &ResourceHolder{
		storeName:   storeName,
		unitOfWork:  make(map[Session]*identitySet),
		saved:       newIdentitySet(),
		deleted:     newIdentitySet(),
		newDetached: newIdentitySet(),
	}
}

// StoreName returns name of the store the transaction works with.
func (h *ResourceHolder) StoreName() string {
	return h.storeName
}

// registerInstance marks e as managed and attaches it to session s.
func (h *ResourceHolder) registerInstance(e entity.Entity, s Session) {
	e.EntityEntry().SetManaged(true)

	set, ok := h.unitOfWork[s]
	if !ok {
		set = newIdentitySet()
		h.unitOfWork[s] = set
		h.sessionv = append(h.sessionv, s)
	}
	set.Add(e)
}

// unregisterInstance removes e from instances attached to s.
//
// Entity state flags are left as is.
func (h *ResourceHolder) unregisterInstance(e entity.Entity, s Session) {
	if set, ok := h.unitOfWork[s]; ok {
		set.Remove(e)
	}
}

// Instances returns instances attached to session s.
func (h *ResourceHolder) Instances(s Session) []entity.Entity {
	set, ok := h.unitOfWork[s]
	if !ok {
		return nil
	}
	return set.Slice()
}

// AllInstances returns instances attached to all sessions, each instance once.
func (h *ResourceHolder) AllInstances() []entity.Entity {
	all := newIdentitySet()
	for _, s := range h.sessionv {
		all.AddAll(h.unitOfWork[s].list)
	}
	return all.list
}

// SavedInstances returns instances that were already inserted in this transaction.
func (h *ResourceHolder) SavedInstances() []entity.Entity {
	return h.saved.Slice()
}

// IsSaved returns whether e was already inserted in this transaction.
func (h *ResourceHolder) IsSaved(e entity.Entity) bool {
	return h.saved.Has(e)
}

// addSaved records that e was inserted in this transaction.
func (h *ResourceHolder) addSaved(e entity.Entity) {
	h.saved.Add(e)
}

// IsDeleteFlushed returns whether deletion of e was already written in this
// transaction.
func (h *ResourceHolder) IsDeleteFlushed(e entity.Entity) bool {
	return h.deleted.Has(e)
}

// addDeleted records that e was deleted in this transaction.
func (h *ResourceHolder) addDeleted(e entity.Entity) {
	h.deleted.Add(e)
}

// NewDetachedInstances returns instances that were new when they were detached.
func (h *ResourceHolder) NewDetachedInstances() []entity.Entity {
	return h.newDetached.Slice()
}

// cleanup forgets everything the holder tracks.
func (h *ResourceHolder) cleanup() {
	h.sessionv = nil
	h.unitOfWork = make(map[Session]*identitySet)
	h.saved.Clear()
	h.deleted.Clear()
	h.newDetached.Clear()
}

func (h *ResourceHolder) String() string {
	return fmt.Sprintf("ResourceHolder(%p){store: %q}", h, h.storeName)
}
