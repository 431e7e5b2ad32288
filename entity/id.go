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
)

// Id identifies an entity instance: class name + value of its id attribute.
type Id struct {
	Class string
	Value interface{}
}

// String returns "<class>#<value>", e.g. "Order#12".
func (id Id) String() string {
	return fmt.Sprintf("%s#%v", id.Class, id.Value)
}

// IsZero returns whether id is unset or carries a null id value.
func (id Id) IsZero() bool {
	return id.Class == "" || IsNull(id.Value)
}

// IdOf returns id of an entity instance.
//
// Zero Id is returned for instances of unregistered classes.
func IdOf(e Entity) Id {
	cls := ClassOf(e)
	if cls == nil {
		return Id{}
	}
	v, err := Value(e, cls.IDAttr)
	if err != nil {
		panic(err) // presence of IDAttr is verified at RegisterClass
	}
	return Id{Class: cls.Name, Value: v}
}
