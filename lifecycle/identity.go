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
	"lab.nexedi.com/kirr/entsync/entity"
)

// identitySet is set of entity instances with membership by pointer identity.
//
// Iteration order is insertion order.
type identitySet struct {
	index map[entity.Entity]int // entity -> position in .list
	list  []entity.Entity
}

func newIdentitySet() *identitySet {
	return &identitySet{index: make(map[entity.Entity]int)}
}

// Add adds e to the set. It returns false if e was already there.
func (s *identitySet) Add(e entity.Entity) bool {
	if _, ok := s.index[e]; ok {
		return false
	}
	s.index[e] = len(s.list)
	s.list = append(s.list, e)
	return true
}

// AddAll adds all entities from entityv to the set.
func (s *identitySet) AddAll(entityv []entity.Entity) {
	for _, e := range entityv {
		s.Add(e)
	}
}

// Remove removes e from the set.
func (s *identitySet) Remove(e entity.Entity) {
	i, ok := s.index[e]
	if !ok {
		return
	}
	delete(s.index, e)
	copy(s.list[i:], s.list[i+1:])
	s.list[len(s.list)-1] = nil
	s.list = s.list[:len(s.list)-1]
	for j := i; j < len(s.list); j++ {
		s.index[s.list[j]] = j
	}
}

// Has returns whether e is in the set.
func (s *identitySet) Has(e entity.Entity) bool {
	_, ok := s.index[e]
	return ok
}

func (s *identitySet) Len() int {
	return len(s.list)
}

// Slice returns copy of set elements in insertion order.
func (s *identitySet) Slice() []entity.Entity {
	return append([]entity.Entity(nil), s.list...)
}

// Clear removes all elements from the set.
func (s *identitySet) Clear() {
	s.index = make(map[entity.Entity]int)
	s.list = nil
}

// minus returns elements of entityv that are not in s, preserving order.
func (s *identitySet) minus(entityv []entity.Entity) []entity.Entity {
	var delta []entity.Entity
	for _, e := range entityv {
		if !s.Has(e) {
			delta = append(delta, e)
		}
	}
	return delta
}
