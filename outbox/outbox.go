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

// Package outbox persists entity-changed events into SQLite database as part
// of the transaction that produced them.
//
// Subscriber is an event subscriber: events delivered within a committing
// transaction are written to the outbox table inside an SQLite transaction
// that commits only if the entity transaction commits. Readers, for example
// `entsync dump` and `entsync watch`, consume records in sequence order.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/go123/xerr"

	sqlite3 "github.com/gwenn/gosqlite"

	"lab.nexedi.com/kirr/entsync/event"
	"lab.nexedi.com/kirr/entsync/internal/log"
	"lab.nexedi.com/kirr/entsync/internal/task"
	"lab.nexedi.com/kirr/entsync/internal/xzlib"
)

// ---- schema ----

// table "outbox" stores entity-changed events in order they were committed.
const outbox = `
	seq		INTEGER PRIMARY KEY AUTOINCREMENT,
	txn		TEXT NOT NULL,		-- id of producing transaction
	class		TEXT NOT NULL,
	id		TEXT NOT NULL,
	type		TEXT NOT NULL,		-- CREATED | UPDATED | DELETED
	payload		BLOB NOT NULL,		-- msgpack(payload)
	compression	INTEGER NOT NULL,	-- 0 | 1=zlib
	created		INTEGER NOT NULL	-- unix nanoseconds
`

// table "config" stores parameters of the database.
const config = `
	name	TEXT NOT NULL PRIMARY KEY,
	value	TEXT
`

const schemaVersion = "1"

// Options are options to Open.
type Options struct {
	// ReadOnly opens existing database for reading only.
	ReadOnly bool

	// Payloads at least that long are stored zlib-compressed.
	// 0 means default 512; < 0 disables compression.
	CompressThreshold int

	// BusyTimeout is how long to wait for a lock held by another
	// connection. 0 means default 5s.
	BusyTimeout time.Duration

	// Now returns current time for record timestamps; default time.Now.
	Now func() time.Time
}

// Store is an outbox database.
//
// It is safe for concurrent use.
type Store struct {
	path string
	opt  Options
	pool *connPool
}

// Open opens outbox database at path.
//
// Unless opened read-only, the database is created if it does not exist.
func Open(ctx context.Context, path string, opt *Options) (_ *Store, err error) {
	defer task.Runningf(&ctx, "outbox: open %s", path)(&err)

	st := &Store{path: path}
	if opt != nil {
		st.opt = *opt
	}
	if st.opt.CompressThreshold == 0 {
		st.opt.CompressThreshold = 512
	}
	if st.opt.BusyTimeout == 0 {
		st.opt.BusyTimeout = 5 * time.Second
	}
	if st.opt.Now == nil {
		st.opt.Now = time.Now
	}

	st.pool = newConnPool(path, st.opt.ReadOnly, st.opt.BusyTimeout)

	if !st.opt.ReadOnly {
		err = st.setup()
	} else {
		err = st.checkVersion()
	}
	if err != nil {
		st.pool.Close()
		return nil, err
	}
	return st, nil
}

// setup creates tables if they do not exist yet.
func (st *Store) setup() error {
	err := st.pool.withConn(func(conn *sqlite3.Conn) error {
		return conn.Exec(fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS outbox (%s);
			CREATE TABLE IF NOT EXISTS config (%s);
			INSERT OR IGNORE INTO config (name, value) VALUES ('version', '%s');
			`, outbox, config, schemaVersion))
	})
	if err != nil {
		return errors.Wrap(err, "setup")
	}
	return st.checkVersion()
}

// checkVersion verifies that database schema is the one we understand.
func (st *Store) checkVersion() error {
	var version string
	err := st.query(func(s *sqlite3.Stmt) error {
		return s.Scan(&version)
	}, "SELECT value FROM config WHERE name = 'version'")
	if err != nil {
		return err
	}
	if version != schemaVersion {
		return errors.Errorf("%s: schema version %q; want %q", st.path, version, schemaVersion)
	}
	return nil
}

// Path returns path of the database.
func (st *Store) Path() string {
	return st.path
}

// Close closes the database.
//
// Transactions still writing to the outbox finish on their own connections.
func (st *Store) Close() error {
	if n := st.pool.writing(); n != 0 {
		log.Warningf(context.Background(), "outbox: %s: close with %d transaction(s) in progress", st.path, n)
	}
	return st.pool.Close()
}

// query runs SELECT calling f for every resulting row.
func (st *Store) query(f func(s *sqlite3.Stmt) error, query string, argv ...interface{}) error {
	return st.pool.withConn(func(conn *sqlite3.Conn) error {
		return conn.Select(query, f, argv...)
	})
}

// LastSeq returns sequence number of the last record; 0 if there is none.
func (st *Store) LastSeq(ctx context.Context) (seq int64, err error) {
	defer xerr.Contextf(&err, "%s: last seq", st.path)
	err = st.query(func(s *sqlite3.Stmt) error {
		return s.Scan(&seq)
	}, "SELECT IFNULL(MAX(seq), 0) FROM outbox")
	return seq, err
}

// Count returns number of records.
func (st *Store) Count(ctx context.Context) (n int64, err error) {
	defer xerr.Contextf(&err, "%s: count", st.path)
	err = st.query(func(s *sqlite3.Stmt) error {
		return s.Scan(&n)
	}, "SELECT COUNT(*) FROM outbox")
	return n, err
}

// Read returns up to limit records with sequence number > afterSeq in
// sequence order.
//
// limit <= 0 means no limit.
func (st *Store) Read(ctx context.Context, afterSeq int64, limit int) (recv []*Record, err error) {
	defer xerr.Contextf(&err, "%s: read after %d", st.path, afterSeq)
	if limit <= 0 {
		limit = -1
	}

	err = st.query(func(s *sqlite3.Stmt) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var (
			rec         Record
			typ         string
			payload     []byte
			compression int
			created     int64
		)
		err := s.Scan(&rec.Seq, &rec.Txn, &rec.Class, &rec.ID, &typ, &payload, &compression, &created)
		if err != nil {
			return err
		}
		rec.Type, err = event.ParseChangeType(typ)
		if err != nil {
			return err
		}
		rec.Created = time.Unix(0, created).UTC()
		rec.Compressed = (compression != 0)
		err = rec.decodePayload(payload)
		if err != nil {
			return errors.WithMessagef(err, "record #%d", rec.Seq)
		}
		recv = append(recv, &rec)
		return nil
	}, "SELECT seq, txn, class, id, type, payload, compression, created FROM outbox"+
		" WHERE seq > ? ORDER BY seq LIMIT ?", afterSeq, limit)
	return recv, err
}

// insert writes one record via conn.
func (st *Store) insert(ctx context.Context, conn *sqlite3.Conn, txnID string, ev *event.EntityChangedEvent) error {
	data, err := encodePayload(ev)
	if err != nil {
		return err
	}
	data, compressed := xzlib.Pack(data, st.opt.CompressThreshold)
	compression := 0
	if compressed {
		compression = 1
	}

	err = conn.Exec("INSERT INTO outbox (txn, class, id, type, payload, compression, created)"+
		" VALUES (?, ?, ?, ?, ?, ?, ?)",
		txnID, ev.EntityID.Class, fmt.Sprint(ev.EntityID.Value), ev.Type.String(),
		data, compression, st.opt.Now().UnixNano())
	if err != nil {
		return errors.Wrapf(err, "insert %s", ev.EntityID)
	}
	log.V(2).Infof(ctx, "outbox: + %s (%d bytes, compressed=%v)", ev, len(data), compressed)
	return nil
}
