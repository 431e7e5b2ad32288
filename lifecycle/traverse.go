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
// flush discovery

import (
	"context"

	"lab.nexedi.com/kirr/entsync/entity"
	"lab.nexedi.com/kirr/entsync/internal/log"
)

// visitor is invoked for every instance discovered by traverse.
//
// visit returns true if the instance went through a state transition.
type visitor interface {
	visit(ctx context.Context, e entity.Entity) (changed bool, err error)
}

// traverse visits instances of h until quiescence.
//
// Instances of a batch are visited in order. If no visit in the batch
// reported a transition, the batch is done. Otherwise two more batches are
// scheduled, depth first: instances that appeared in h while the batch was
// visited, followed by instances of the batch that reported no transition -
// they may have been affected by transitions of their siblings.
//
// If warnImplicitFlush is set, first batch that leads to changes is logged as
// implicit flush.
func traverse(ctx context.Context, h *ResourceHolder, v visitor, warnImplicitFlush bool) error {
	processed := newIdentitySet()
	stack := [][]entity.Entity{h.AllInstances()}
	first := true

	for len(stack) > 0 {
		batch := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		changed := false
		var unchanged []entity.Entity
		for _, e := range batch {
			processed.Add(e)
			ok, err := v.visit(ctx, e)
			if err != nil {
				return err
			}
			if ok {
				changed = true
			} else {
				unchanged = append(unchanged, e)
			}
		}

		if !changed {
			first = false
			continue
		}

		if first && warnImplicitFlush {
			implicitFlush(ctx, h.storeName)
		}
		first = false

		// push in reverse: delta is processed before unchanged.
		if len(unchanged) != 0 {
			stack = append(stack, unchanged)
		}
		if delta := processed.minus(h.AllInstances()); len(delta) != 0 {
			stack = append(stack, delta)
		}
	}

	return nil
}

// implicitFlush reports flush that happens due to query execution instead of commit.
func implicitFlush(ctx context.Context, storeName string) {
	traceImplicitFlush(storeName)
	if log.V(2) {
		log.V(2).InfoStack(ctx, "implicit flush due to query execution, see stack trace for the cause:")
	} else {
		log.V(1).Infof(ctx, "implicit flush due to query execution (store %s)", storeName)
	}
}
