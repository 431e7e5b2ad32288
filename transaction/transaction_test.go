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

package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"
)

func TestBasic(t *testing.T) {
	ctx := context.Background()

	// Current(ø) -> panic
	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatal("Current(ø) -> not paniced")
			}

			if want := "transaction: no current transaction"; r != want {
				t.Fatalf("Current(ø) -> %q;  want %q", r, want)
			}
		}()

		Current(ctx)
	}()

	if _, ok := Lookup(ctx); ok {
		t.Fatal("Lookup(ø) -> ok")
	}

	txn, ctx := New(ctx)
	if txn_ := Current(ctx); txn_ != txn {
		t.Fatalf("New inconsistent with Current: txn = %#v;  txn_ = %#v", txn, txn_)
	}
	if txn_, ok := Lookup(ctx); !(ok && txn_ == txn) {
		t.Fatalf("New inconsistent with Lookup: txn = %#v;  txn_ = %#v", txn, txn_)
	}

	// subtransactions not allowed
	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatal("New(!ø) -> not paniced")
			}

			if want := "transaction: new: nested transactions not supported"; r != want {
				t.Fatalf("New(!ø) -> %q;  want %q", r, want)
			}
		}()

		_, _ = New(ctx)
	}()
}

func TestOptions(t *testing.T) {
	X := require.New(t)

	txn, _ := NewWithOptions(context.Background(), &Options{ReadOnly: true, User: "alice", Description: "import"})
	X.True(txn.ReadOnly())
	X.Equal("alice", txn.User())
	X.Equal("import", txn.Description())
	X.Equal(Active, txn.Status())

	txn, _ = NewWithOptions(context.Background(), nil)
	X.False(txn.ReadOnly())
}

func TestResources(t *testing.T) {
	X := require.New(t)

	txn, _ := New(context.Background())
	type key struct{}

	_, ok := txn.Resource(key{})
	X.False(ok)

	txn.BindResource(key{}, 1)
	v, ok := txn.Resource(key{})
	X.True(ok)
	X.Equal(1, v)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("double bind -> not paniced")
			}
		}()
		txn.BindResource(key{}, 2)
	}()

	X.Equal(1, txn.UnbindResource(key{}))
	_, ok = txn.Resource(key{})
	X.False(ok)
	X.Nil(txn.UnbindResource(key{}))
}

// tracer collects events from test synchronizers and data managers.
type tracer struct {
	mu    sync.Mutex
	trace []string
}

func (tr *tracer) log(format string, argv ...interface{}) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.trace = append(tr.trace, fmt.Sprintf(format, argv...))
}

func (tr *tracer) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	trace := tr.trace
	tr.trace = nil
	return trace
}

// tSync is test Synchronizer.
type tSync struct {
	tr    *tracer
	name  string
	order int // 0 -> not Ordered

	beforeCommit func(ctx context.Context, txn Transaction) error
}

func (s *tSync) BeforeCommit(ctx context.Context, txn Transaction) error {
	s.tr.log("%s.before", s.name)
	if s.beforeCommit != nil {
		return s.beforeCommit(ctx, txn)
	}
	return nil
}

func (s *tSync) AfterCompletion(txn Transaction) {
	s.tr.log("%s.after %s", s.name, txn.Status())
}

type tOrderedSync struct {
	tSync
}

func (s *tOrderedSync) Order() int { return s.order }

// tData is test DataManager.
type tData struct {
	tr   *tracer
	name string
	vote error
}

func (d *tData) Abort(txn Transaction)    { d.tr.log("%s.abort", d.name) }
func (d *tData) TPCBegin(txn Transaction) { d.tr.log("%s.tpcBegin", d.name) }
func (d *tData) Commit(ctx context.Context, txn Transaction) error {
	d.tr.log("%s.commit", d.name)
	return nil
}
func (d *tData) TPCVote(ctx context.Context, txn Transaction) error {
	d.tr.log("%s.vote", d.name)
	return d.vote
}
func (d *tData) TPCFinish(ctx context.Context, txn Transaction) error {
	d.tr.log("%s.finish", d.name)
	return nil
}
func (d *tData) TPCAbort(ctx context.Context, txn Transaction) {
	d.tr.log("%s.tpcAbort", d.name)
}

func assertTrace(t *testing.T, tr *tracer, want []string) {
	t.Helper()
	if diff := pretty.Compare(want, tr.get()); diff != "" {
		t.Fatalf("trace:\n%s", diff)
	}
}

func TestCommitOrder(t *testing.T) {
	X := require.New(t)
	tr := &tracer{}

	txn, ctx := New(context.Background())
	d := &tData{tr: tr, name: "d"}

	late := &tSync{tr: tr, name: "late"}
	s300 := &tOrderedSync{tSync{tr: tr, name: "s300", order: 300}}
	s100 := &tOrderedSync{tSync{tr: tr, name: "s100", order: 100}}
	plain := &tSync{tr: tr, name: "plain"}
	s100.beforeCommit = func(ctx context.Context, txn Transaction) error {
		X.True(txn.SynchronizationActive())
		X.Equal(Committing, txn.Status())
		txn.Join(d)
		txn.RegisterSync(late)
		return nil
	}

	txn.RegisterSync(plain)
	txn.RegisterSync(s300)
	txn.RegisterSync(s100)

	syncv := txn.Synchronizations()
	X.Equal([]Synchronizer{s100, s300, plain}, syncv)

	X.NoError(txn.Commit(ctx))
	X.Equal(Committed, txn.Status())
	X.False(txn.SynchronizationActive())

	// late was registered during before-commit: it is not called for
	// BeforeCommit, but is notified of completion.
	assertTrace(t, tr, []string{
		"s100.before",
		"s300.before",
		"plain.before",
		"d.tpcBegin",
		"d.commit",
		"d.vote",
		"d.finish",
		"s100.after committed",
		"s300.after committed",
		"plain.after committed",
		"late.after committed",
	})

	// completed transaction cannot be completed again
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("commit after commit -> not paniced")
			}
		}()
		_ = txn.Commit(ctx)
	}()
}

func TestCommitBeforeCommitError(t *testing.T) {
	X := require.New(t)
	tr := &tracer{}

	txn, ctx := New(context.Background())
	txn.Join(&tData{tr: tr, name: "d"})

	errFail := errors.New("listener failed")
	s1 := &tOrderedSync{tSync{tr: tr, name: "s1", order: 1}}
	s2 := &tOrderedSync{tSync{tr: tr, name: "s2", order: 2}}
	s3 := &tOrderedSync{tSync{tr: tr, name: "s3", order: 3}}
	s2.beforeCommit = func(context.Context, Transaction) error { return errFail }
	txn.RegisterSync(s3)
	txn.RegisterSync(s2)
	txn.RegisterSync(s1)

	err := txn.Commit(ctx)
	X.True(errors.Is(err, errFail), "%v", err)
	X.Equal(Aborted, txn.Status())

	assertTrace(t, tr, []string{
		"s1.before",
		"s2.before",
		"d.abort",
		"s1.after aborted",
		"s2.after aborted",
		"s3.after aborted",
	})
}

func TestCommitBeforeCommitPanic(t *testing.T) {
	tr := &tracer{}

	txn, ctx := New(context.Background())
	s := &tSync{tr: tr, name: "s"}
	s.beforeCommit = func(context.Context, Transaction) error { panic("boom") }
	txn.RegisterSync(s)

	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Fatalf("recover: %v  ; want boom", r)
			}
		}()
		_ = txn.Commit(ctx)
	}()

	if st := txn.Status(); st != Aborted {
		t.Fatalf("status after panic: %s", st)
	}
	assertTrace(t, tr, []string{"s.before", "s.after aborted"})
}

func TestCommitVoteNo(t *testing.T) {
	X := require.New(t)
	tr := &tracer{}

	txn, ctx := New(context.Background())
	errConflict := errors.New("conflict")
	txn.Join(&tData{tr: tr, name: "d", vote: errConflict})
	txn.RegisterSync(&tSync{tr: tr, name: "s"})

	err := txn.Commit(ctx)
	X.True(errors.Is(err, errConflict), "%v", err)
	X.Equal(Aborted, txn.Status())
	assertTrace(t, tr, []string{
		"s.before",
		"d.tpcBegin",
		"d.commit",
		"d.vote",
		"d.tpcAbort",
		"s.after aborted",
	})
}

func TestAbort(t *testing.T) {
	X := require.New(t)
	tr := &tracer{}

	txn, _ := New(context.Background())
	txn.Join(&tData{tr: tr, name: "d"})
	txn.RegisterSync(&tSync{tr: tr, name: "s"})

	txn.Abort()
	X.Equal(Aborted, txn.Status())
	assertTrace(t, tr, []string{"d.abort", "s.after aborted"})

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("register sync after abort -> not paniced")
			}
		}()
		txn.RegisterSync(&tSync{tr: tr, name: "s2"})
	}()
}
