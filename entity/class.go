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
// entity classes (metadata).

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// MetaClass describes a registered entity class.
type MetaClass struct {
	Name string       // class name, e.g. "Order"
	Type reflect.Type // Go struct type; *Type implements Entity

	// IDAttr names the identifier attribute. "ID" by default.
	IDAttr string

	// DeletedDateAttr names the deletion timestamp attribute of
	// soft-deletable classes. "" if the class does not support soft deletion.
	DeletedDateAttr string

	// Original is the name of the class this class extends or replaces.
	// For classes that are not extensions it is equal to Name.
	Original string

	attrIndex map[string][]int // attribute -> struct field index
	attrv     []string         // ↑ attribute names
}

// ClassOptions are options to RegisterClass.
type ClassOptions struct {
	IDAttr          string
	DeletedDateAttr string
	Original        string
}

var (
	classMu    sync.RWMutex
	class2Meta = make(map[string]*MetaClass)       // {} class -> meta
	type2Meta  = make(map[reflect.Type]*MetaClass) // {} type -> meta
)

var rEntity = reflect.TypeOf((*Entity)(nil)).Elem()
var rBase = reflect.TypeOf(Base{})

// RegisterClass registers entity class name to correspond to Go struct type typ.
//
// *typ must implement Entity. Attributes of the class are exported fields of
// typ except embedded Base; attribute name is taken from `entity:"name"` tag
// and defaults to field name. Fields tagged `entity:"-"` are not attributes.
//
// Must be called from global init().
func RegisterClass(name string, typ reflect.Type, opt *ClassOptions) *MetaClass {
	if name == "" {
		panic("entity: register class: empty class name")
	}
	if typ.Kind() != reflect.Struct {
		panic(fmt.Sprintf("entity: register class %q: %s is not a struct", name, typ))
	}
	if !reflect.PtrTo(typ).Implements(rEntity) {
		panic(fmt.Sprintf("entity: register class %q: *%s does not implement Entity", name, typ))
	}
	if opt == nil {
		opt = &ClassOptions{}
	}

	cls := &MetaClass{
		Name:            name,
		Type:            typ,
		IDAttr:          opt.IDAttr,
		DeletedDateAttr: opt.DeletedDateAttr,
		Original:        opt.Original,
		attrIndex:       make(map[string][]int),
	}
	if cls.IDAttr == "" {
		cls.IDAttr = "ID"
	}
	if cls.Original == "" {
		cls.Original = name
	}

	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if f.Anonymous && f.Type == rBase {
			continue
		}
		if f.PkgPath != "" {
			continue // unexported
		}
		attr := f.Name
		if tag, ok := f.Tag.Lookup("entity"); ok {
			if tag == "-" {
				continue
			}
			if tag != "" {
				attr = tag
			}
		}
		cls.attrIndex[attr] = f.Index
		cls.attrv = append(cls.attrv, attr)
	}
	sort.Strings(cls.attrv)

	if _, ok := cls.attrIndex[cls.IDAttr]; !ok {
		panic(fmt.Sprintf("entity: register class %q: no id attribute %q", name, cls.IDAttr))
	}
	if cls.DeletedDateAttr != "" {
		if _, ok := cls.attrIndex[cls.DeletedDateAttr]; !ok {
			panic(fmt.Sprintf("entity: register class %q: no deleted date attribute %q",
				name, cls.DeletedDateAttr))
		}
	}

	classMu.Lock()
	defer classMu.Unlock()
	if _, already := class2Meta[name]; already {
		panic(fmt.Sprintf("entity: register class %q: already registered", name))
	}
	if other, already := type2Meta[typ]; already {
		panic(fmt.Sprintf("entity: register class %q: %s already registered as %q",
			name, typ, other.Name))
	}
	class2Meta[name] = cls
	type2Meta[typ] = cls
	return cls
}

// LookupClass returns registered class by name, or nil.
func LookupClass(name string) *MetaClass {
	classMu.RLock()
	defer classMu.RUnlock()
	return class2Meta[name]
}

// ClassOf returns class of an entity instance.
//
// If the instance type was not registered, nil is returned.
func ClassOf(e Entity) *MetaClass {
	typ := reflect.TypeOf(e)
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	classMu.RLock()
	defer classMu.RUnlock()
	return type2Meta[typ]
}

// Attributes returns sorted attribute names of the class.
func (cls *MetaClass) Attributes() []string {
	return append([]string(nil), cls.attrv...)
}

// HasAttribute returns whether the class declares attribute attr.
func (cls *MetaClass) HasAttribute(attr string) bool {
	_, ok := cls.attrIndex[attr]
	return ok
}

func (cls *MetaClass) String() string {
	return cls.Name
}

// NoAttributeError is returned when accessing attribute that class does not declare.
type NoAttributeError struct {
	Class string
	Attr  string
}

func (e *NoAttributeError) Error() string {
	return fmt.Sprintf("class %s has no attribute %q", e.Class, e.Attr)
}

// field returns addressable field value of attribute attr in e.
func field(e Entity, attr string) (reflect.Value, error) {
	cls := ClassOf(e)
	if cls == nil {
		return reflect.Value{}, fmt.Errorf("%T: class not registered", e)
	}
	idx, ok := cls.attrIndex[attr]
	if !ok {
		return reflect.Value{}, &NoAttributeError{Class: cls.Name, Attr: attr}
	}
	return reflect.ValueOf(e).Elem().FieldByIndex(idx), nil
}

// Value returns current value of attribute attr of an entity.
func Value(e Entity, attr string) (interface{}, error) {
	f, err := field(e, attr)
	if err != nil {
		return nil, err
	}
	return f.Interface(), nil
}

// SetValue sets attribute attr of an entity to v.
//
// nil v sets the attribute to its zero value.
func SetValue(e Entity, attr string, v interface{}) error {
	f, err := field(e, attr)
	if err != nil {
		return err
	}
	if v == nil {
		f.Set(reflect.Zero(f.Type()))
		return nil
	}
	xv := reflect.ValueOf(v)
	if !xv.Type().AssignableTo(f.Type()) {
		if !xv.Type().ConvertibleTo(f.Type()) {
			return fmt.Errorf("%s.%s: cannot assign %T to %s",
				ClassOf(e).Name, attr, v, f.Type())
		}
		xv = xv.Convert(f.Type())
	}
	f.Set(xv)
	return nil
}

// Values returns all attribute values of an entity keyed by attribute name.
func Values(e Entity) (map[string]interface{}, error) {
	cls := ClassOf(e)
	if cls == nil {
		return nil, fmt.Errorf("%T: class not registered", e)
	}
	xe := reflect.ValueOf(e).Elem()
	values := make(map[string]interface{}, len(cls.attrv))
	for _, attr := range cls.attrv {
		values[attr] = xe.FieldByIndex(cls.attrIndex[attr]).Interface()
	}
	return values, nil
}

// IsNull returns whether attribute value v represents absence of value:
// nil, nil pointer/map/slice/interface, or zero time.Time.
func IsNull(v interface{}) bool {
	if v == nil {
		return true
	}
	switch v := v.(type) {
	case time.Time:
		return v.IsZero()
	case *time.Time:
		return v == nil || v.IsZero()
	}
	xv := reflect.ValueOf(v)
	switch xv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return xv.IsNil()
	}
	return false
}

// IsSoftDeletionSupported returns whether entity class declares deletion timestamp attribute.
func IsSoftDeletionSupported(e Entity) bool {
	cls := ClassOf(e)
	return cls != nil && cls.DeletedDateAttr != ""
}

// IsSoftDeleted returns whether entity is marked as deleted via its deletion timestamp.
//
// It is always false for entities that do not support soft deletion.
func IsSoftDeleted(e Entity) bool {
	if !IsSoftDeletionSupported(e) {
		return false
	}
	v, err := Value(e, ClassOf(e).DeletedDateAttr)
	if err != nil {
		return false
	}
	return !IsNull(v)
}
