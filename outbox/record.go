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

package outbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shamaton/msgpack/v2"

	"lab.nexedi.com/kirr/entsync/entity"
	"lab.nexedi.com/kirr/entsync/event"
	"lab.nexedi.com/kirr/entsync/internal/xzlib"
)

// Record is one persisted entity-changed event.
type Record struct {
	Seq           int64
	Txn           string // id of producing transaction
	Class         string
	ID            string
	Type          event.ChangeType
	OriginalClass string
	Changes       []AttrChange
	Created       time.Time
	Compressed    bool // whether payload was stored compressed
}

// AttrChange is change of one attribute as stored in the outbox.
//
// Values are reduced to msgpack-native types; values of other types are
// stored in their fmt representation.
type AttrChange struct {
	Attr string      `msgpack:"attr"`
	Old  interface{} `msgpack:"old"`
	New  interface{} `msgpack:"new"`
}

// payload is msgpack-encoded part of a record.
type payload struct {
	OriginalClass string       `msgpack:"original"`
	Changes       []AttrChange `msgpack:"changes"`
}

func (r *Record) String() string {
	s := fmt.Sprintf("#%d %s %s#%s", r.Seq, r.Type, r.Class, r.ID)
	if len(r.Changes) != 0 {
		var changev []string
		for _, c := range r.Changes {
			changev = append(changev, fmt.Sprintf("%s: %v → %v", c.Attr, c.Old, c.New))
		}
		s += " {" + strings.Join(changev, ", ") + "}"
	}
	return s
}

func encodePayload(ev *event.EntityChangedEvent) ([]byte, error) {
	p := payload{OriginalClass: ev.OriginalMetaClass}
	for _, attr := range ev.Changes.Attributes() {
		c, _ := ev.Changes.Get(attr)
		p.Changes = append(p.Changes, AttrChange{
			Attr: attr,
			Old:  storable(c.Old),
			New:  storable(c.New),
		})
	}
	data, err := msgpack.Marshal(&p)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: encode", ev.EntityID)
	}
	return data, nil
}

func (r *Record) decodePayload(data []byte) error {
	data, err := xzlib.Unpack(data, r.Compressed)
	if err != nil {
		return errors.Wrap(err, "decompress")
	}
	var p payload
	err = msgpack.Unmarshal(data, &p)
	if err != nil {
		return errors.Wrap(err, "decode")
	}
	r.OriginalClass = p.OriginalClass
	r.Changes = p.Changes
	return nil
}

// storable reduces attribute value to a type msgpack handles natively.
func storable(v interface{}) interface{} {
	if entity.IsNull(v) {
		return nil
	}
	switch v := v.(type) {
	case bool, string, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}
