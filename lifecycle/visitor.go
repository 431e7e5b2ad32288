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

	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/entsync/entity"
	"lab.nexedi.com/kirr/entsync/internal/log"
)

// onSaveVisitor fires insert / update / delete listeners for instances about to be flushed.
type onSaveVisitor struct {
	sup *Support
	h   *ResourceHolder
}

func (v *onSaveVisitor) visit(ctx context.Context, e entity.Entity) (changed bool, err error) {
	changed, err = v._visit(ctx, e)
	if err != nil {
		return false, errors.WithMessagef(err, "visit %s", entity.String(e))
	}
	log.V(2).Infof(ctx, "visit %s [%s]: changed=%v", entity.String(e), e.EntityEntry(), changed)
	traceVisit(v.h.storeName, e, changed)
	return changed, nil
}

func (v *onSaveVisitor) _visit(ctx context.Context, e entity.Entity) (bool, error) {
	sup := v.sup
	store := v.h.storeName
	entry := e.EntityEntry()

	if entry.IsNew() && !v.h.IsSaved(e) {
		err := sup.fireListener(ctx, e, BeforeInsert, store)
		if err != nil {
			return false, err
		}
		return true, sup.FireEntityChange(ctx, e, OpCreate, entity.AttributeChanges{})
	}

	changes := sup.deps.Changes.AttributeChanges(e)

	if sup.IsDeleted(e) {
		if v.h.IsDeleteFlushed(e) {
			return false, nil
		}
		err := sup.fireListener(ctx, e, BeforeDelete, store)
		if err != nil {
			return false, err
		}
		err = sup.FireEntityChange(ctx, e, OpDelete, entity.AttributeChanges{})
		if err != nil {
			return false, err
		}
		if entity.IsSoftDeletionSupported(e) {
			err = sup.processDeletePolicy(ctx, e)
			if err != nil {
				return false, err
			}
		}
		return true, nil
	}

	if sup.deps.Changes.HasChanges(e) {
		err := sup.fireListener(ctx, e, BeforeUpdate, store)
		if err != nil {
			return false, err
		}
		// the listener might have changed attributes as well
		changes = changes.Merge(sup.deps.Changes.AttributeChanges(e))

		if entry.IsNew() {
			// flushed already, but still new
			err = sup.FireEntityChange(ctx, e, OpCreate, entity.AttributeChanges{})
		} else {
			err = sup.FireEntityChange(ctx, e, OpUpdate, changes)
		}
		return true, err
	}

	return false, nil
}
