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

package event

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/entsync/entity"
)

type tItem struct {
	entity.Base
	ID   int
	Name string
}

func init() {
	entity.RegisterClass("t.event.Item", reflect.TypeOf(tItem{}), nil)
}

func TestChangeType(t *testing.T) {
	X := require.New(t)
	for _, ct := range []ChangeType{Created, Updated, Deleted} {
		ct2, err := ParseChangeType(ct.String())
		X.NoError(err)
		X.Equal(ct, ct2)
	}
	_, err := ParseChangeType("MOVED")
	X.Error(err)
	X.Equal("ChangeType(7)", ChangeType(7).String())
}

func TestNewEntityChangedEvent(t *testing.T) {
	X := require.New(t)

	item := &tItem{ID: 3}
	ch := entity.NewAttributeChanges(map[string]entity.Change{"Name": {Old: "a", New: "b"}})
	ev := NewEntityChangedEvent(Info{Source: "src", Entity: item, Type: Updated,
		Changes: ch, OriginalMetaClass: "t.event.Item"})
	X.Equal(entity.Id{Class: "t.event.Item", Value: 3}, ev.EntityID)
	X.Equal("UPDATED t.event.Item#3 {Name: a → b}", ev.String())

	ev = NewEntityChangedEvent(Info{Entity: item, Type: Created})
	X.Equal("CREATED t.event.Item#3", ev.String())
}

func TestBusOrder(t *testing.T) {
	X := require.New(t)

	var trace []string
	sub := func(name string, err error) Subscriber {
		return SubscriberFunc(func(ctx context.Context, ev *EntityChangedEvent) error {
			trace = append(trace, fmt.Sprintf("%s:%v", name, ev.EntityID.Value))
			return err
		})
	}

	bus := &Bus{}
	bus.Subscribe(sub("c", nil), LowestPrecedence)
	bus.Subscribe(sub("a", nil), 10)
	bus.Subscribe(sub("b", nil), 10)
	bus.Subscribe(sub("z", nil), -1)

	evv := []*EntityChangedEvent{
		{EntityID: entity.Id{Class: "X", Value: 1}},
		{EntityID: entity.Id{Class: "X", Value: 2}},
	}
	X.NoError(bus.Publish(context.Background(), evv))

	want := []string{"z:1", "a:1", "b:1", "c:1", "z:2", "a:2", "b:2", "c:2"}
	if diff := pretty.Compare(want, trace); diff != "" {
		t.Fatalf("delivery order:\n%s", diff)
	}

	// delivery stops on first error
	trace = nil
	errFail := errors.New("fail")
	bus.Subscribe(sub("fail", errFail), 5)
	err := bus.Publish(context.Background(), evv)
	X.True(errors.Is(err, errFail), "%v", err)
	want = []string{"z:1", "fail:1"}
	if diff := pretty.Compare(want, trace); diff != "" {
		t.Fatalf("delivery order on error:\n%s", diff)
	}
}
