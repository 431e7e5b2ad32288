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
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"

	sqlite3 "github.com/gwenn/gosqlite"

	"lab.nexedi.com/kirr/entsync/event"
	"lab.nexedi.com/kirr/entsync/internal/log"
	"lab.nexedi.com/kirr/entsync/internal/task"
	"lab.nexedi.com/kirr/entsync/transaction"
)

// SyncOrder is the order of outbox synchronization in a transaction.
//
// It runs after lifecycle tracking, which publishes the events.
const SyncOrder = 200

// Subscriber writes events it receives into the outbox.
//
// Events must be delivered within a transaction. They are written to the
// database in before-commit phase of that transaction and become visible to
// readers only if it commits.
type Subscriber struct {
	st     *Store
	prefix string // of transaction ids
	ntxn   uint64 // atomic
}

var _ event.Subscriber = (*Subscriber)(nil)

// NewSubscriber creates new subscriber writing to st.
func NewSubscriber(st *Store) *Subscriber {
	return &Subscriber{
		st:     st,
		prefix: strconv.FormatInt(st.opt.Now().UnixNano(), 36),
	}
}

type batchKey struct {
	sub *Subscriber
}

// OnEntityChanged implements event.Subscriber.
func (sub *Subscriber) OnEntityChanged(ctx context.Context, ev *event.EntityChangedEvent) error {
	txn, ok := transaction.Lookup(ctx)
	if !ok {
		return errors.Errorf("outbox: %s: delivered outside of transaction", ev)
	}
	return sub.batch(txn).add(ctx, ev)
}

// batch returns outbox batch of txn creating it on first use.
func (sub *Subscriber) batch(txn transaction.Transaction) *batch {
	key := batchKey{sub}
	if b, ok := txn.Resource(key); ok {
		return b.(*batch)
	}
	b := &batch{
		sub: sub,
		id:  fmt.Sprintf("%s-%d", sub.prefix, atomic.AddUint64(&sub.ntxn, 1)),
	}
	txn.BindResource(key, b)
	txn.RegisterSync(b)
	return b
}

// batch is events of one transaction.
//
// It is the synchronization that writes them to the database.
type batch struct {
	sub    *Subscriber
	id     string
	eventv []*event.EntityChangedEvent

	// SQLite transaction; started in BeforeCommit
	conn *sqlite3.Conn
}

func (b *batch) Order() int {
	return SyncOrder
}

// add adds ev to the batch.
//
// Events delivered after the batch began writing are written right away.
func (b *batch) add(ctx context.Context, ev *event.EntityChangedEvent) error {
	if b.conn != nil {
		err := b.sub.st.insert(ctx, b.conn, b.id, ev)
		if err != nil {
			return err
		}
	}
	b.eventv = append(b.eventv, ev)
	return nil
}

func (b *batch) BeforeCommit(ctx context.Context, txn transaction.Transaction) (err error) {
	defer task.Runningf(&ctx, "outbox: write txn %s", b.id)(&err)

	st := b.sub.st
	conn, err := st.pool.begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	b.conn = conn

	for _, ev := range b.eventv {
		err = st.insert(ctx, conn, b.id, ev)
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *batch) AfterCompletion(txn transaction.Transaction) {
	txn.UnbindResource(batchKey{b.sub})
	conn := b.conn
	if conn == nil {
		return
	}
	b.conn = nil

	ctx := context.Background()
	committed := (txn.Status() == transaction.Committed)
	err := b.sub.st.pool.end(conn, committed)
	switch {
	case err != nil && committed:
		// the entity transaction is committed; its events are lost
		log.Errorf(ctx, "outbox: txn %s: commit: %s", b.id, err)
	case err != nil:
		log.Warningf(ctx, "outbox: txn %s: rollback: %s", b.id, err)
	default:
		log.V(1).Infof(ctx, "outbox: txn %s: %s (%d records)", b.id, txn.Status(), len(b.eventv))
	}
}
