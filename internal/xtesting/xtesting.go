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

// Package xtesting provides infrastructure for entsync testing.
package xtesting

import (
	"fmt"
	"sync"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

// FatalIf returns function that fails the test on non-nil error.
//
// use like this:
//
//	X := xtesting.FatalIf(t)
//	err := ...; X(err)
func FatalIf(t testing.TB) func(error) {
	return func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
}

// MustPanic runs f and fails the test if f does not panic.
//
// It returns the value f panicked with.
func MustPanic(t testing.TB, f func()) (r interface{}) {
	t.Helper()
	defer func() {
		t.Helper()
		r = recover()
		if r == nil {
			t.Fatal("no panic")
		}
	}()
	f()
	return nil
}

// Recorder is synchronized log of events observed by a test.
//
// Recorder zero value is valid empty log.
type Recorder struct {
	mu     sync.Mutex
	eventv []string
}

// Record appends formatted event to the log.
func (r *Recorder) Record(format string, argv ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventv = append(r.eventv, fmt.Sprintf(format, argv...))
}

// Take returns recorded events and empties the log.
func (r *Recorder) Take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	eventv := r.eventv
	r.eventv = nil
	return eventv
}

// Expect verifies that the log contains exactly eventv and empties it.
func (r *Recorder) Expect(t testing.TB, eventv ...string) {
	t.Helper()
	have := r.Take()
	if len(have) == 0 && len(eventv) == 0 {
		return
	}
	if diff := pretty.Compare(eventv, have); diff != "" {
		t.Fatalf("events:\n%s", diff)
	}
}
