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
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"lab.nexedi.com/kirr/go123/tracing"

	"lab.nexedi.com/kirr/entsync/entity"
	"lab.nexedi.com/kirr/entsync/event"
	"lab.nexedi.com/kirr/entsync/internal/xtesting"
	"lab.nexedi.com/kirr/entsync/transaction"
)

// test entities
type tOrder struct {
	entity.Base
	ID     int
	Status string
}

type tCustomer struct {
	entity.Base
	ID        int
	Name      string
	DeletedAt *time.Time
}

func init() {
	t := reflect.TypeOf
	entity.RegisterClass("Order", t(tOrder{}), nil)
	entity.RegisterClass("Customer", t(tCustomer{}), &entity.ClassOptions{DeletedDateAttr: "DeletedAt"})
}

// tSession is test Session.
type tSession struct {
	store string
	rec   *xtesting.Recorder
}

func (s *tSession) StoreName() string { return s.store }
func (s *tSession) Unwrap() Session   { return s }
func (s *tSession) Clear()            { s.rec.Record("session.clear") }
func (s *tSession) Flush(ctx context.Context) error {
	s.rec.Record("session.flush")
	return nil
}

// tChanges computes changes relative to snapshots taken by load.
type tChanges struct {
	loaded map[entity.Entity]map[string]interface{}
}

func (c *tChanges) load(e entity.Entity) {
	values, err := entity.Values(e)
	if err != nil {
		panic(err)
	}
	c.loaded[e] = values
}

func (c *tChanges) AttributeChanges(e entity.Entity) entity.AttributeChanges {
	loaded, ok := c.loaded[e]
	if !ok {
		return entity.AttributeChanges{}
	}
	values, err := entity.Values(e)
	if err != nil {
		panic(err)
	}
	m := map[string]entity.Change{}
	for attr, v := range values {
		if !reflect.DeepEqual(v, loaded[attr]) {
			m[attr] = entity.Change{Old: loaded[attr], New: v}
		}
	}
	return entity.NewAttributeChanges(m)
}

func (c *tChanges) HasChanges(e entity.Entity) bool {
	return c.AttributeChanges(e).HasChanges()
}

func (c *tChanges) LoadedValue(e entity.Entity, attr string) interface{} {
	return c.loaded[e][attr]
}

// tCollector is test ChangeCollector.
type tCollector struct {
	env       *tEnv
	onPublish func(ctx context.Context) error
}

func (c *tCollector) Collect(ctx context.Context, s Session, instances []entity.Entity) ([]event.Info, error) {
	c.env.rec.Record("collect %s", entityv(instances))
	var infov []event.Info
	for _, e := range instances {
		info := event.Info{Source: s, Entity: e, OriginalMetaClass: entity.ClassOf(e).Original}
		changes := c.env.changes.AttributeChanges(e)
		switch {
		case e.EntityEntry().IsNew():
			info.Type = event.Created
		case c.env.sup.IsDeleted(e):
			info.Type = event.Deleted
		case changes.HasChanges():
			info.Type = event.Updated
			info.Changes = changes
		default:
			continue
		}
		infov = append(infov, info)
	}
	return infov, nil
}

func (c *tCollector) Publish(ctx context.Context, eventv []*event.EntityChangedEvent) error {
	for _, ev := range eventv {
		c.env.rec.Record("publish %s", ev)
	}
	if c.onPublish != nil {
		return c.onPublish(ctx)
	}
	return nil
}

// tPolicy is test DeletePolicyProcessor.
type tPolicy struct {
	rec *xtesting.Recorder
	e   entity.Entity
}

func (p *tPolicy) SetEntity(e entity.Entity) { p.e = e }
func (p *tPolicy) Process(ctx context.Context) error {
	p.rec.Record("policy %s", entity.String(p.e))
	return nil
}

// tFlushListener records flush discovery notifications.
type tFlushListener struct {
	rec *xtesting.Recorder
}

func (l *tFlushListener) OnFlush(ctx context.Context, storeName string) error {
	l.rec.Record("flush %s", storeName)
	return nil
}

func (l *tFlushListener) OnEntityChange(ctx context.Context, e entity.Entity, op EntityOp, changes entity.AttributeChanges) error {
	if changes.HasChanges() {
		l.rec.Record("op %s %s %s", op, entity.String(e), changes)
	} else {
		l.rec.Record("op %s %s", op, entity.String(e))
	}
	return nil
}

// tAfterComplete records after-completion notifications.
type tAfterComplete struct {
	rec *xtesting.Recorder
}

func (l *tAfterComplete) AfterComplete(committed bool, instances []entity.Entity) {
	l.rec.Record("afterComplete committed=%v %s", committed, entityv(instances))
}

// tEnv is test environment: Support with recording collaborators.
type tEnv struct {
	rec       *xtesting.Recorder
	sup       *Support
	s         *tSession
	changes   *tChanges
	collector *tCollector
	listeners *ListenerRegistry
}

func newEnv() *tEnv {
	rec := &xtesting.Recorder{}
	env := &tEnv{
		rec:       rec,
		s:         &tSession{rec: rec},
		changes:   &tChanges{loaded: map[entity.Entity]map[string]interface{}{}},
		listeners: &ListenerRegistry{},
	}
	env.collector = &tCollector{env: env}

	for _, typ := range []ListenerType{BeforeInsert, BeforeUpdate, BeforeDelete, BeforeDetach} {
		typ := typ
		env.listeners.Register("", typ, 0, func(ctx context.Context, e entity.Entity, storeName string) error {
			rec.Record("%s %s", typ, entity.String(e))
			return nil
		})
	}

	env.sup = NewSupport(&Deps{
		Listeners:              env.listeners,
		Changes:                env.changes,
		Loaded:                 env.changes,
		Collector:              env.collector,
		Locator:                env,
		DeletePolicy:           func() DeletePolicyProcessor { return &tPolicy{rec: rec} },
		AfterCompleteListeners: []AfterCompleteListener{&tAfterComplete{rec}},
		FlushListeners:         []FlushListener{&tFlushListener{rec}},
	})
	return env
}

// Session implements SessionLocator.
func (env *tEnv) Session(ctx context.Context, storeName string) (Session, error) {
	if storeName != StoreName(env.s) {
		return nil, fmt.Errorf("no session for store %q", storeName)
	}
	return env.s, nil
}

// attachTrace attaches recording probes to lifecycle tracepoints.
func (env *tEnv) attachTrace() *tracing.ProbeGroup {
	rec := env.rec
	pg := &tracing.ProbeGroup{}
	tracing.Lock()
	traceVisit_Attach(pg, func(storeName string, e entity.Entity, changed bool) {
		rec.Record("trace visit %s %v", entity.String(e), changed)
	})
	traceDetach_Attach(pg, func(storeName string, e entity.Entity) {
		rec.Record("trace detach %s", entity.String(e))
	})
	traceImplicitFlush_Attach(pg, func(storeName string) {
		rec.Record("trace implicit flush %s", storeName)
	})
	tracePublishNested_Attach(pg, func(storeName string, nnew int) {
		rec.Record("trace publish nested %d", nnew)
	})
	tracing.Unlock()
	return pg
}

// checkEntry verifies state flags of an entity.
func checkEntry(t *testing.T, e entity.Entity, want string) {
	t.Helper()
	if have := e.EntityEntry().String(); have != want {
		t.Fatalf("%s: entry = %s  ; want %s", entity.String(e), have, want)
	}
}

func newOrder(id int) *tOrder {
	o := entity.New[tOrder]()
	o.ID = id
	return o
}

// ---- tests ----

func TestCommitNew(t *testing.T) {
	env := newEnv()
	X := xtesting.FatalIf(t)
	txn, ctx := transaction.New(context.Background())

	X(env.sup.RegisterSynchronizations(ctx, "main"))
	o := newOrder(1)
	X(env.sup.RegisterInstance(ctx, o, env.s))
	checkEntry(t, o, "new|managed")

	X(txn.Commit(ctx))
	env.rec.Expect(t,
		"BEFORE_INSERT Order#1",
		"op create Order#1",
		"flush main",
		"BEFORE_DETACH Order#1",
		"collect [Order#1]",
		"session.flush",
		"session.clear",
		"publish CREATED Order#1",
		"afterComplete committed=true [Order#1]",
	)
	checkEntry(t, o, "detached")

	if _, ok := txn.Resource(ResourceHolderKey); ok {
		t.Fatal("resource holder is still bound after completion")
	}
}

// new entity produces only one create event even if it is visited by several flushes.
func TestSavedInstances(t *testing.T) {
	env := newEnv()
	X := xtesting.FatalIf(t)
	txn, ctx := transaction.New(context.Background())
	icpt := env.sup.Interceptor()

	o := newOrder(1)
	X(env.sup.RegisterInstance(ctx, o, env.s))

	X(icpt.BeforeFlush(ctx, env.s, false))
	X(icpt.AfterInsert(ctx, env.s, o))
	env.rec.Expect(t,
		"BEFORE_INSERT Order#1",
		"op create Order#1",
	)

	saved, err := env.sup.SavedInstances(ctx, "main"); X(err)
	require.Equal(t, []entity.Entity{o}, saved)

	// flush again - o is saved already
	X(env.sup.ProcessFlush(ctx, env.s, false))
	env.rec.Expect(t)

	X(txn.Commit(ctx))
	env.rec.Expect(t,
		"flush main",
		"BEFORE_DETACH Order#1",
		"collect [Order#1]",
		"session.flush",
		"session.clear",
		"publish CREATED Order#1",
		"afterComplete committed=true [Order#1]",
	)
	checkEntry(t, o, "detached")
}

func TestDeletedInstances(t *testing.T) {
	env := newEnv()
	X := xtesting.FatalIf(t)
	txn, ctx := transaction.New(context.Background())
	icpt := env.sup.Interceptor()

	o := &tOrder{ID: 1}
	env.changes.load(o)
	X(env.sup.RegisterSessionInstance(ctx, o, env.s))
	o.EntityEntry().SetRemoved(true)
	require.True(t, env.sup.IsDeleted(o))

	X(icpt.BeforeFlush(ctx, env.s, false))
	X(icpt.AfterDelete(ctx, env.s, o))
	env.rec.Expect(t,
		"BEFORE_DELETE Order#1",
		"op delete Order#1",
	)

	// flush again - deletion of o is written already
	X(env.sup.ProcessFlush(ctx, env.s, false))
	env.rec.Expect(t)

	X(txn.Commit(ctx))
	env.rec.Expect(t,
		"flush main",
		"BEFORE_DETACH Order#1",
		"collect [Order#1]",
		"session.flush",
		"session.clear",
		"publish DELETED Order#1",
		"afterComplete committed=true [Order#1]",
	)
}

// scripted visitor for traverse tests.
type tScriptVisitor struct {
	rec     *xtesting.Recorder
	script  map[entity.Entity][]bool // results of consecutive visits
	onVisit func(e entity.Entity, n int)
	nvisit  map[entity.Entity]int
}

func (v *tScriptVisitor) visit(ctx context.Context, e entity.Entity) (bool, error) {
	n := v.nvisit[e]
	v.nvisit[e] = n + 1
	changed := false
	if results := v.script[e]; n < len(results) {
		changed = results[n]
	}
	v.rec.Record("visit %s %v", entity.String(e), changed)
	if v.onVisit != nil {
		v.onVisit(e, n)
	}
	return changed, nil
}

func TestTraverse(t *testing.T) {
	env := newEnv()
	pg := env.attachTrace()
	defer pg.Done()

	h := newResourceHolder("main")
	a, b, c, d := newOrder(1), newOrder(2), newOrder(3), newOrder(4)
	h.registerInstance(a, env.s)
	h.registerInstance(b, env.s)
	h.registerInstance(c, env.s)

	v := &tScriptVisitor{
		rec: env.rec,
		script: map[entity.Entity][]bool{
			a: {true},
			c: {true},
			d: {true},
		},
		nvisit: map[entity.Entity]int{},
	}
	// visiting a for the first time attaches d.
	v.onVisit = func(e entity.Entity, n int) {
		if e == a && n == 0 {
			h.registerInstance(d, env.s)
		}
	}

	err := traverse(context.Background(), h, v, true)
	if err != nil {
		t.Fatal(err)
	}
	env.rec.Expect(t,
		"visit Order#1 true",
		"visit Order#2 false",
		"visit Order#3 true",
		"trace implicit flush main",
		"visit Order#4 true",  // newly attached
		"visit Order#2 false", // re-offered
	)

	// nothing changes -> single pass without implicit flush.
	err = traverse(context.Background(), h, v, true)
	if err != nil {
		t.Fatal(err)
	}
	env.rec.Expect(t,
		"visit Order#1 false",
		"visit Order#2 false",
		"visit Order#3 false",
		"visit Order#4 false",
	)

	// error stops traversal.
	errVisit := errors.New("visit failed")
	h2 := newResourceHolder("main")
	h2.registerInstance(a, env.s)
	h2.registerInstance(b, env.s)
	err = traverse(context.Background(), h2, visitorFunc(func(ctx context.Context, e entity.Entity) (bool, error) {
		env.rec.Record("visit %s", entity.String(e))
		return false, errVisit
	}), false)
	require.Equal(t, errVisit, err)
	env.rec.Expect(t, "visit Order#1")
}

type visitorFunc func(ctx context.Context, e entity.Entity) (bool, error)

func (f visitorFunc) visit(ctx context.Context, e entity.Entity) (bool, error) { return f(ctx, e) }

// entity attached while visiting another one is discovered and gets its listeners fired.
func TestCascadeDiscovery(t *testing.T) {
	env := newEnv()
	pg := env.attachTrace()
	defer pg.Done()
	X := xtesting.FatalIf(t)
	txn, ctx := transaction.New(context.Background())

	a := newOrder(1)
	b := &tCustomer{ID: 2, Name: "b"}
	env.changes.load(b)
	env.listeners.Register("Order", BeforeInsert, 0, func(ctx context.Context, e entity.Entity, storeName string) error {
		// e.g. lazy load of a reference with cascade update
		err := env.sup.RegisterSessionInstance(ctx, b, env.s)
		b.Name = "x"
		return err
	})
	X(env.sup.RegisterInstance(ctx, a, env.s))

	X(txn.Commit(ctx))
	env.rec.Expect(t,
		"BEFORE_INSERT Order#1",
		"op create Order#1",
		"trace visit Order#1 true",
		"BEFORE_UPDATE Customer#2",
		"op update Customer#2 {Name: b → x}",
		"trace visit Customer#2 true",
		"flush main",
		"BEFORE_DETACH Order#1",
		"BEFORE_DETACH Customer#2",
		"collect [Order#1 Customer#2]",
		"session.flush",
		"session.clear",
		"trace detach Order#1",
		"trace detach Customer#2",
		"publish CREATED Order#1",
		"publish UPDATED Customer#2 {Name: b → x}",
		"afterComplete committed=true [Order#1 Customer#2]",
	)
	checkEntry(t, a, "detached")
	checkEntry(t, b, "detached")
}

// listener changes made in BEFORE_UPDATE are merged into reported changes.
func TestUpdateMergesListenerChanges(t *testing.T) {
	env := newEnv()
	X := xtesting.FatalIf(t)
	txn, ctx := transaction.New(context.Background())

	o := &tOrder{ID: 5, Status: "new"}
	env.changes.load(o)
	X(env.sup.RegisterSessionInstance(ctx, o, env.s))
	env.listeners.Register("Order", BeforeUpdate, 0, func(ctx context.Context, e entity.Entity, storeName string) error {
		e.(*tOrder).Status = "audited"
		return nil
	})

	o.Status = "paid"
	X(env.sup.ProcessFlush(ctx, env.s, false))
	env.rec.Expect(t,
		"BEFORE_UPDATE Order#5",
		"op update Order#5 {Status: new → audited}",
	)
	txn.Abort()
	env.rec.Expect(t, "afterComplete committed=false [Order#5]")
}

func TestSoftDelete(t *testing.T) {
	env := newEnv()
	X := xtesting.FatalIf(t)

	// deletion timestamp set in this transaction -> delete
	txn, ctx := transaction.New(context.Background())
	c := &tCustomer{ID: 2, Name: "c"}
	env.changes.load(c)
	X(env.sup.RegisterSessionInstance(ctx, c, env.s))
	now := time.Now()
	c.DeletedAt = &now
	require.True(t, env.sup.IsDeleted(c))

	X(txn.Commit(ctx))
	env.rec.Expect(t,
		"BEFORE_DELETE Customer#2",
		"op delete Customer#2",
		"policy Customer#2",
		"flush main",
		"BEFORE_DETACH Customer#2",
		"collect [Customer#2]",
		"session.flush",
		"session.clear",
		"publish DELETED Customer#2",
		"afterComplete committed=true [Customer#2]",
	)

	// already soft-deleted when loaded -> update, not delete
	txn, ctx = transaction.New(context.Background())
	t0 := time.Unix(1, 0)
	c3 := &tCustomer{ID: 3, Name: "c", DeletedAt: &t0}
	env.changes.load(c3)
	X(env.sup.RegisterSessionInstance(ctx, c3, env.s))
	c3.Name = "d"
	require.False(t, env.sup.IsDeleted(c3))

	X(txn.Commit(ctx))
	env.rec.Expect(t,
		"BEFORE_UPDATE Customer#3",
		"op update Customer#3 {Name: c → d}",
		"flush main",
		"BEFORE_DETACH Customer#3",
		"collect [Customer#3]",
		"session.flush",
		"session.clear",
		"publish UPDATED Customer#3 {Name: c → d}",
		"afterComplete committed=true [Customer#3]",
	)

	// hard delete of entity without soft deletion -> no delete policy
	txn, ctx = transaction.New(context.Background())
	o := &tOrder{ID: 4}
	env.changes.load(o)
	X(env.sup.RegisterSessionInstance(ctx, o, env.s))
	o.EntityEntry().SetRemoved(true)

	X(txn.Commit(ctx))
	env.rec.Expect(t,
		"BEFORE_DELETE Order#4",
		"op delete Order#4",
		"flush main",
		"BEFORE_DETACH Order#4",
		"collect [Order#4]",
		"session.flush",
		"session.clear",
		"publish DELETED Order#4",
		"afterComplete committed=true [Order#4]",
	)
}

func TestRollbackRestoresNew(t *testing.T) {
	env := newEnv()
	X := xtesting.FatalIf(t)

	// commit fails after instances were detached
	errPublish := errors.New("publish failed")
	env.collector.onPublish = func(context.Context) error { return errPublish }

	txn, ctx := transaction.New(context.Background())
	o := newOrder(1)
	X(env.sup.RegisterInstance(ctx, o, env.s))

	err := txn.Commit(ctx)
	require.True(t, errors.Is(err, errPublish), "%v", err)
	require.Equal(t, transaction.Aborted, txn.Status())
	env.rec.Expect(t,
		"BEFORE_INSERT Order#1",
		"op create Order#1",
		"flush main",
		"BEFORE_DETACH Order#1",
		"collect [Order#1]",
		"session.flush",
		"session.clear",
		"publish CREATED Order#1",
		"afterComplete committed=false [Order#1]",
	)
	checkEntry(t, o, "new")

	// commit fails before instances were detached
	env.collector.onPublish = nil
	errListener := errors.New("listener failed")
	env.listeners.Register("Order", BeforeInsert, 0, func(context.Context, entity.Entity, string) error {
		return errListener
	})
	txn, ctx = transaction.New(context.Background())
	o = newOrder(2)
	X(env.sup.RegisterInstance(ctx, o, env.s))

	err = txn.Commit(ctx)
	require.True(t, errors.Is(err, errListener), "%v", err)
	env.rec.Expect(t, "afterComplete committed=false [Order#2]")
	checkEntry(t, o, "new")

	// explicit detach, then abort
	txn, ctx = transaction.New(context.Background())
	o = newOrder(3)
	X(env.sup.RegisterInstance(ctx, o, env.s))
	X(env.sup.Detach(ctx, env.s, o))
	checkEntry(t, o, "detached")
	instances, err := env.sup.Instances(ctx, env.s); X(err)
	require.Empty(t, instances)

	txn.Abort()
	env.rec.Expect(t,
		"BEFORE_DETACH Order#3",
		"afterComplete committed=false []",
	)
	checkEntry(t, o, "new")
}

func TestReadOnly(t *testing.T) {
	env := newEnv()
	X := xtesting.FatalIf(t)

	// changed instance -> error
	txn, ctx := transaction.NewWithOptions(context.Background(), &transaction.Options{ReadOnly: true})
	c := &tCustomer{ID: 2, Name: "c"}
	env.changes.load(c)
	X(env.sup.RegisterSessionInstance(ctx, c, env.s))
	c.Name = "d"

	err := txn.Commit(ctx)
	require.True(t, errors.Is(err, ErrReadOnly), "%v", err)
	var eRO *ReadOnlyViolationError
	require.True(t, errors.As(err, &eRO))
	require.True(t, eRO.Entity == c)
	env.rec.Expect(t, "afterComplete committed=false [Customer#2]")
	checkEntry(t, c, "detached")

	// nothing changed -> commit, detach, no events
	txn, ctx = transaction.NewWithOptions(context.Background(), &transaction.Options{ReadOnly: true})
	c = &tCustomer{ID: 3, Name: "c"}
	env.changes.load(c)
	X(env.sup.RegisterSessionInstance(ctx, c, env.s))

	X(txn.Commit(ctx))
	env.rec.Expect(t,
		"BEFORE_DETACH Customer#3",
		"session.flush",
		"session.clear",
		"afterComplete committed=true [Customer#3]",
	)
	checkEntry(t, c, "detached")
}

// tNestedSync is synchronization registered while events are published.
type tNestedSync struct {
	rec *xtesting.Recorder
}

func (s *tNestedSync) BeforeCommit(ctx context.Context, txn transaction.Transaction) error {
	s.rec.Record("nested.before")
	return nil
}

func (s *tNestedSync) AfterCompletion(txn transaction.Transaction) {
	s.rec.Record("nested.after %s", txn.Status())
}

func TestPublishRegistersSynchronization(t *testing.T) {
	env := newEnv()
	pg := env.attachTrace()
	defer pg.Done()
	X := xtesting.FatalIf(t)

	env.collector.onPublish = func(ctx context.Context) error {
		transaction.Current(ctx).RegisterSync(&tNestedSync{env.rec})
		return nil
	}

	txn, ctx := transaction.New(context.Background())
	o := newOrder(1)
	X(env.sup.RegisterInstance(ctx, o, env.s))

	X(txn.Commit(ctx))
	env.rec.Expect(t,
		"BEFORE_INSERT Order#1",
		"op create Order#1",
		"trace visit Order#1 true",
		"flush main",
		"BEFORE_DETACH Order#1",
		"collect [Order#1]",
		"session.flush",
		"session.clear",
		"trace detach Order#1",
		"publish CREATED Order#1",
		"trace publish nested 1",
		"nested.before",
		"afterComplete committed=true [Order#1]",
		"nested.after committed",
	)
}

func TestInterceptor(t *testing.T) {
	env := newEnv()
	X := xtesting.FatalIf(t)
	icpt := env.sup.Interceptor()
	o := newOrder(1)
	c := &tCustomer{ID: 2}

	// outside of transaction hooks do nothing
	bg := context.Background()
	X(icpt.AfterLoad(bg, env.s, c))
	X(icpt.BeforeFlush(bg, env.s, true))
	X(icpt.AfterInsert(bg, env.s, o))
	checkEntry(t, c, "-")
	env.rec.Expect(t)

	pg := env.attachTrace()
	defer pg.Done()

	txn, ctx := transaction.New(bg)
	X(icpt.AfterLoad(ctx, env.s, c))
	X(env.sup.RegisterInstance(ctx, o, env.s))
	checkEntry(t, c, "managed")

	X(icpt.BeforeFlush(ctx, env.s, true))
	env.rec.Expect(t,
		"trace visit Customer#2 false",
		"BEFORE_INSERT Order#1",
		"op create Order#1",
		"trace visit Order#1 true",
		"trace implicit flush main",
		"trace visit Customer#2 false",
	)

	X(icpt.AfterInsert(ctx, env.s, o))
	X(icpt.BeforeFlush(ctx, env.s, true))
	env.rec.Expect(t,
		"trace visit Customer#2 false",
		"trace visit Order#1 false",
	)

	txn.Abort()
	env.rec.Expect(t,
		"trace detach Customer#2",
		"trace detach Order#1",
		"afterComplete committed=false [Customer#2 Order#1]",
	)
	checkEntry(t, c, "detached")
	checkEntry(t, o, "new")
}

func TestPreconditions(t *testing.T) {
	env := newEnv()
	X := require.New(t)
	bg := context.Background()
	o := newOrder(1)

	// no transaction
	X.Equal(ErrNoTransaction, env.sup.RegisterInstance(bg, o, env.s))
	X.NoError(env.sup.RegisterSessionInstance(bg, o, env.s))
	checkEntry(t, o, "new")
	_, err := env.sup.Instances(bg, env.s)
	X.Equal(ErrNoTransaction, err)
	_, err = env.sup.SavedInstances(bg, "main")
	X.Equal(ErrNoTransaction, err)
	X.Equal(ErrNoTransaction, env.sup.RegisterSynchronizations(bg, "main"))

	// store mismatch
	txn, ctx := transaction.New(bg)
	X.NoError(env.sup.RegisterSynchronizations(ctx, "main"))
	other := &tSession{store: "other", rec: env.rec}
	err = env.sup.RegisterInstance(ctx, o, other)
	X.True(errors.Is(err, ErrStoreMismatch), "%v", err)
	X.Equal(&StoreMismatchError{Store: "other", TxnStore: "main"}, err)
	X.Error(env.sup.RegisterSessionInstance(ctx, o, nil))

	// one synchronization per transaction
	X.NoError(env.sup.RegisterInstance(ctx, o, env.s))
	X.NoError(env.sup.RegisterSynchronizations(ctx, "main"))
	X.Len(txn.Synchronizations(), 1)
	instances, err := env.sup.Instances(ctx, env.s)
	X.NoError(err)
	X.Equal([]entity.Entity{o}, instances)

	h, err := env.sup.Holder(ctx, "main")
	X.NoError(err)
	X.Equal("main", h.StoreName())
	X.Equal([]entity.Entity{o}, h.AllInstances())

	txn.Abort()
	_, ok := txn.Resource(ResourceHolderKey)
	X.False(ok)
	X.Empty(h.AllInstances())
}

func TestListenerRegistry(t *testing.T) {
	rec := &xtesting.Recorder{}
	r := &ListenerRegistry{}
	l := func(name string) EntityListener {
		return func(ctx context.Context, e entity.Entity, storeName string) error {
			rec.Record("%s %s@%s", name, entity.String(e), storeName)
			return nil
		}
	}
	r.Register("", BeforeInsert, 0, l("any"))
	r.Register("Order", BeforeInsert, 10, l("order10"))
	r.Register("Order", BeforeInsert, -1, l("order-1"))
	r.Register("Customer", BeforeInsert, 0, l("customer"))
	r.Register("Order", BeforeUpdate, 0, l("update"))

	ctx := context.Background()
	X := xtesting.FatalIf(t)
	X(r.FireListener(ctx, &tOrder{ID: 1}, BeforeInsert, "main"))
	rec.Expect(t,
		"order-1 Order#1@main",
		"order10 Order#1@main",
		"any Order#1@main",
	)

	errStop := errors.New("stop")
	r.Register("Order", BeforeInsert, 5, func(context.Context, entity.Entity, string) error {
		return errStop
	})
	require.Equal(t, errStop, r.FireListener(ctx, &tOrder{ID: 1}, BeforeInsert, "main"))
	rec.Expect(t, "order-1 Order#1@main")

	var empty ListenerRegistry
	X(empty.FireListener(ctx, &tOrder{}, BeforeDelete, "main"))
}
