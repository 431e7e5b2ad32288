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

	"lab.nexedi.com/kirr/entsync/entity"
)

// Interceptor are the hooks an ORM session calls on its flush and load paths.
type Interceptor struct {
	sup *Support
}

// Interceptor returns ORM hooks backed by sup.
func (sup *Support) Interceptor() *Interceptor {
	return &Interceptor{sup: sup}
}

// BeforeFlush must be called before the session of em writes pending changes.
//
// implicit tells whether the flush is caused by query execution rather than
// by commit or explicit flush request.
func (i *Interceptor) BeforeFlush(ctx context.Context, em EntityManager, implicit bool) error {
	if _, ok := activeTxn(ctx); !ok {
		return nil
	}
	return i.sup.ProcessFlush(ctx, em, implicit)
}

// AfterInsert must be called after the session inserted e into its store.
func (i *Interceptor) AfterInsert(ctx context.Context, s Session, e entity.Entity) error {
	if _, ok := activeTxn(ctx); !ok {
		return nil
	}
	return i.sup.AddSavedInstance(ctx, StoreName(s), e)
}

// AfterDelete must be called after the session deleted e from its store.
func (i *Interceptor) AfterDelete(ctx context.Context, s Session, e entity.Entity) error {
	if _, ok := activeTxn(ctx); !ok {
		return nil
	}
	return i.sup.AddDeletedInstance(ctx, StoreName(s), e)
}

// AfterLoad must be called after the session loaded e from its store.
func (i *Interceptor) AfterLoad(ctx context.Context, s Session, e entity.Entity) error {
	return i.sup.RegisterSessionInstance(ctx, e, s)
}
