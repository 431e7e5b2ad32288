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

package entity

import (
	"fmt"
	"sort"
	"strings"
)

// Change is old and new value of one attribute.
type Change struct {
	Old interface{}
	New interface{}
}

// AttributeChanges is immutable set of attribute changes of one entity.
//
// Zero value is valid and represents "no changes".
type AttributeChanges struct {
	changes map[string]Change
}

// NewAttributeChanges creates AttributeChanges from attr -> change map.
//
// The map is copied.
func NewAttributeChanges(changes map[string]Change) AttributeChanges {
	if len(changes) == 0 {
		return AttributeChanges{}
	}
	m := make(map[string]Change, len(changes))
	for attr, c := range changes {
		m[attr] = c
	}
	return AttributeChanges{changes: m}
}

// HasChanges returns whether there is at least one changed attribute.
func (ac AttributeChanges) HasChanges() bool {
	return len(ac.changes) != 0
}

// IsChanged returns whether attribute attr was changed.
func (ac AttributeChanges) IsChanged(attr string) bool {
	_, ok := ac.changes[attr]
	return ok
}

// Old returns value attribute attr had before the change.
func (ac AttributeChanges) Old(attr string) interface{} {
	return ac.changes[attr].Old
}

// New returns value attribute attr has after the change.
func (ac AttributeChanges) New(attr string) interface{} {
	return ac.changes[attr].New
}

// Get returns change of attribute attr.
func (ac AttributeChanges) Get(attr string) (Change, bool) {
	c, ok := ac.changes[attr]
	return c, ok
}

// Attributes returns sorted names of changed attributes.
func (ac AttributeChanges) Attributes() []string {
	attrv := make([]string, 0, len(ac.changes))
	for attr := range ac.changes {
		attrv = append(attrv, attr)
	}
	sort.Strings(attrv)
	return attrv
}

// Len returns number of changed attributes.
func (ac AttributeChanges) Len() int {
	return len(ac.changes)
}

// Merge returns union of ac and later changes.
//
// For attributes changed in both, Old is taken from ac and New from later.
func (ac AttributeChanges) Merge(later AttributeChanges) AttributeChanges {
	if !later.HasChanges() {
		return ac
	}
	if !ac.HasChanges() {
		return later
	}
	m := make(map[string]Change, len(ac.changes)+len(later.changes))
	for attr, c := range ac.changes {
		m[attr] = c
	}
	for attr, c := range later.changes {
		if prev, ok := m[attr]; ok {
			c.Old = prev.Old
		}
		m[attr] = c
	}
	return AttributeChanges{changes: m}
}

// Map returns copy of the changes as attr -> change map.
func (ac AttributeChanges) Map() map[string]Change {
	m := make(map[string]Change, len(ac.changes))
	for attr, c := range ac.changes {
		m[attr] = c
	}
	return m
}

func (ac AttributeChanges) String() string {
	var b strings.Builder
	b.WriteString("{")
	for i, attr := range ac.Attributes() {
		if i > 0 {
			b.WriteString(", ")
		}
		c := ac.changes[attr]
		fmt.Fprintf(&b, "%s: %v → %v", attr, c.Old, c.New)
	}
	b.WriteString("}")
	return b.String()
}
