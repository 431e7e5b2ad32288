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
	"sync"

	"lab.nexedi.com/kirr/entsync/entity"
)

// EntityListener is a function invoked for lifecycle event of an entity.
type EntityListener func(ctx context.Context, e entity.Entity, storeName string) error

// ListenerRegistry is ListenerManager with listeners registered explicitly
// per entity class and listener type.
//
// Listeners registered for class "" apply to every class.
//
// ListenerRegistry zero value is valid empty registry.
type ListenerRegistry struct {
	mu        sync.RWMutex
	listeners map[listenerKey][]orderedListener
}

type listenerKey struct {
	class string
	typ   ListenerType
}

type orderedListener struct {
	order int
	f     EntityListener
}

var _ ListenerManager = (*ListenerRegistry)(nil)

// Register adds listener f for entities of class invoked on typ events.
//
// Listeners are invoked in order, lower first; listeners with equal order in
// registration order.
func (r *ListenerRegistry) Register(class string, typ ListenerType, order int, f EntityListener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.listeners == nil {
		r.listeners = make(map[listenerKey][]orderedListener)
	}
	k := listenerKey{class, typ}
	lv := append(r.listeners[k], orderedListener{order, f})
	sort.SliceStable(lv, func(i, j int) bool {
		return lv[i].order < lv[j].order
	})
	r.listeners[k] = lv
}

// FireListener implements ListenerManager.
//
// Class-specific listeners run before listeners for all classes. First
// error stops the chain.
func (r *ListenerRegistry) FireListener(ctx context.Context, e entity.Entity, typ ListenerType, storeName string) error {
	class := ""
	if cls := entity.ClassOf(e); cls != nil {
		class = cls.Name
	}

	r.mu.RLock()
	var lv []orderedListener
	if class != "" {
		lv = append(lv, r.listeners[listenerKey{class, typ}]...)
	}
	lv = append(lv, r.listeners[listenerKey{"", typ}]...)
	r.mu.RUnlock()

	for _, l := range lv {
		err := l.f(ctx, e, storeName)
		if err != nil {
			return err
		}
	}
	return nil
}
