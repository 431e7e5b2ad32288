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

package memsession

import (
	"context"

	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/entsync/entity"
	"lab.nexedi.com/kirr/entsync/internal/log"
)

// DeleteAction tells what to do with entities that reference a soft-deleted one.
type DeleteAction int

const (
	// Cascade deletes referencing entities too.
	Cascade DeleteAction = iota
	// Unlink clears the reference.
	Unlink
)

func (a DeleteAction) String() string {
	switch a {
	case Cascade:
		return "cascade"
	case Unlink:
		return "unlink"
	}
	return "DeleteAction(?)"
}

// DeleteRule relates soft-deleted entities of Class to entities of Ref class
// whose attribute Attr holds their id.
type DeleteRule struct {
	Class  string
	Ref    string
	Attr   string
	Action DeleteAction
}

// deletePolicy is lifecycle.DeletePolicyProcessor applying DeleteRules.
//
// Referencing entities are loaded into the session of the current
// transaction, so lifecycle traversal discovers them as new instances.
type deletePolicy struct {
	m     *Manager
	rules []DeleteRule
	e     entity.Entity
}

func (p *deletePolicy) SetEntity(e entity.Entity) {
	p.e = e
}

func (p *deletePolicy) Process(ctx context.Context) (err error) {
	id := entity.IdOf(p.e)
	defer func() {
		if err != nil {
			err = errors.WithMessagef(err, "delete policy %s", id)
		}
	}()

	var s *Session
	for _, rule := range p.rules {
		if rule.Class != id.Class {
			continue
		}
		if s == nil {
			s, err = p.m.Open(ctx)
			if err != nil {
				return err
			}
		}

		var refv []entity.Entity
		refv, err = s.findBy(ctx, rule.Ref, rule.Attr, id.Value)
		if err != nil {
			return err
		}
		for _, ref := range refv {
			log.V(1).Infof(ctx, "%s: %s %s", id, rule.Action, entity.String(ref))
			switch rule.Action {
			case Cascade:
				err = s.Remove(ctx, ref)
			case Unlink:
				err = entity.SetValue(ref, rule.Attr, nil)
			default:
				err = errors.Errorf("invalid action %s", rule.Action)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}
