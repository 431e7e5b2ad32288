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

// Package event defines entity-changed events and their ordered delivery.
//
// Events are created at transaction commit, one per entity that had an
// observable change, and are delivered synchronously to subscribers of a
// Bus while the transaction is still committing.
package event

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/entsync/entity"
)

// ChangeType is kind of change that happened to an entity.
type ChangeType int

const (
	Created ChangeType = iota
	Updated
	Deleted
)

func (t ChangeType) String() string {
	switch t {
	case Created:
		return "CREATED"
	case Updated:
		return "UPDATED"
	case Deleted:
		return "DELETED"
	}
	return fmt.Sprintf("ChangeType(%d)", int(t))
}

// ParseChangeType is the inverse of ChangeType.String.
func ParseChangeType(s string) (ChangeType, error) {
	switch s {
	case "CREATED":
		return Created, nil
	case "UPDATED":
		return Updated, nil
	case "DELETED":
		return Deleted, nil
	}
	return 0, fmt.Errorf("invalid change type %q", s)
}

// Info is information about one entity change as collected from a session.
type Info struct {
	Source            interface{} // what produced the change, e.g. session
	Entity            entity.Entity
	Type              ChangeType
	Changes           entity.AttributeChanges
	OriginalMetaClass string
}

// EntityChangedEvent is published fact that an entity changed.
type EntityChangedEvent struct {
	Source            interface{}
	EntityID          entity.Id
	Type              ChangeType
	Changes           entity.AttributeChanges
	OriginalMetaClass string
}

// NewEntityChangedEvent converts collected change info into published event.
func NewEntityChangedEvent(info Info) *EntityChangedEvent {
	return &EntityChangedEvent{
		Source:            info.Source,
		EntityID:          entity.IdOf(info.Entity),
		Type:              info.Type,
		Changes:           info.Changes,
		OriginalMetaClass: info.OriginalMetaClass,
	}
}

func (ev *EntityChangedEvent) String() string {
	s := fmt.Sprintf("%s %s", ev.Type, ev.EntityID)
	if ev.Changes.HasChanges() {
		s += " " + ev.Changes.String()
	}
	return s
}

// Subscriber receives published entity-changed events.
//
// OnEntityChanged is invoked synchronously within the committing transaction
// whose context is ctx. Returned error aborts the transaction.
type Subscriber interface {
	OnEntityChanged(ctx context.Context, ev *EntityChangedEvent) error
}

// SubscriberFunc adapts ordinary function to Subscriber.
type SubscriberFunc func(ctx context.Context, ev *EntityChangedEvent) error

func (f SubscriberFunc) OnEntityChanged(ctx context.Context, ev *EntityChangedEvent) error {
	return f(ctx, ev)
}

// LowestPrecedence is the order of subscribers that do not care about ordering.
const LowestPrecedence = math.MaxInt32

// Bus delivers events to subscribers in their order.
//
// Subscribers with equal order are invoked in subscription order.
type Bus struct {
	mu   sync.Mutex
	subv []subscription
}

type subscription struct {
	s     Subscriber
	order int
}

// Subscribe adds s to the bus with given order. Lower order runs first.
func (b *Bus) Subscribe(s Subscriber, order int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subv = append(b.subv, subscription{s, order})
	sort.SliceStable(b.subv, func(i, j int) bool {
		return b.subv[i].order < b.subv[j].order
	})
}

// Subscribers returns current subscribers in delivery order.
func (b *Bus) Subscribers() []Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	subv := make([]Subscriber, len(b.subv))
	for i, sub := range b.subv {
		subv[i] = sub.s
	}
	return subv
}

// Publish delivers every event to every subscriber.
//
// Delivery is synchronous: events in given order, and for each event
// subscribers in their order. Publish stops at first error.
func (b *Bus) Publish(ctx context.Context, eventv []*EntityChangedEvent) (err error) {
	subv := b.Subscribers()
	for _, ev := range eventv {
		for _, s := range subv {
			err = s.OnEntityChanged(ctx, ev)
			if err != nil {
				return errors.Wrapf(err, "publish %s", ev.EntityID)
			}
		}
	}
	return nil
}
