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
// connections to outbox database

import (
	"errors"
	"sync"
	"time"

	"lab.nexedi.com/kirr/go123/xerr"

	sqlite3 "github.com/gwenn/gosqlite"
)

// connPool manages connections to one outbox database.
//
// Queries borrow an idle connection for their duration. A writing batch
// takes a connection together with an open SQLite transaction via begin and
// holds it until end, so concurrent entity transactions never share a
// connection. Idle connections are reused most recently returned first.
type connPool struct {
	path        string
	flags       []sqlite3.OpenFlag
	busyTimeout time.Duration

	mu     sync.Mutex
	closed bool
	idle   []*sqlite3.Conn
	nwrite int // connections held by begin .. end
}

func newConnPool(path string, readOnly bool, busyTimeout time.Duration) *connPool {
	flags := []sqlite3.OpenFlag{sqlite3.OpenReadWrite, sqlite3.OpenCreate, sqlite3.OpenFullMutex}
	if readOnly {
		flags = []sqlite3.OpenFlag{sqlite3.OpenReadOnly, sqlite3.OpenFullMutex}
	}
	return &connPool{path: path, flags: flags, busyTimeout: busyTimeout}
}

var errClosedPool = errors.New("outbox: database is closed")

// dial opens new connection to the database.
func (p *connPool) dial() (*sqlite3.Conn, error) {
	conn, err := sqlite3.Open(p.path, p.flags...)
	if err != nil {
		return nil, err
	}
	// concurrent writers wait for each other instead of failing with SQLITE_BUSY
	err = conn.BusyTimeout(p.busyTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// get returns idle connection, or a new one if there is none.
func (p *connPool) get() (*sqlite3.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errClosedPool
	}
	var conn *sqlite3.Conn
	if l := len(p.idle); l > 0 {
		conn = p.idle[l-1]
		p.idle[l-1] = nil
		p.idle = p.idle[:l-1]
	}
	p.mu.Unlock()

	if conn != nil {
		return conn, nil
	}
	return p.dial()
}

// put returns conn to the pool. After Close conn is closed instead.
func (p *connPool) put(conn *sqlite3.Conn) {
	p.mu.Lock()
	closed := p.closed
	if !closed {
		p.idle = append(p.idle, conn)
	}
	p.mu.Unlock()

	if closed {
		conn.Close()
	}
}

// withConn runs f with a borrowed connection.
func (p *connPool) withConn(f func(conn *sqlite3.Conn) error) error {
	conn, err := p.get()
	if err != nil {
		return err
	}
	defer p.put(conn)
	return f(conn)
}

// begin takes a connection and starts write transaction on it.
//
// The write lock is taken right away, so that batches of concurrently
// committing entity transactions are serialized by SQLite at this point and
// not later on lock upgrade, where one of them would fail.
func (p *connPool) begin() (*sqlite3.Conn, error) {
	conn, err := p.get()
	if err != nil {
		return nil, err
	}
	err = conn.Exec("BEGIN IMMEDIATE")
	if err != nil {
		p.put(conn)
		return nil, err
	}

	p.mu.Lock()
	p.nwrite++
	p.mu.Unlock()
	return conn, nil
}

// end commits or rolls back write transaction started on conn by begin and
// returns conn to the pool.
//
// conn is closed if its transaction could not be finished: its state is
// unknown and it must not be reused.
func (p *connPool) end(conn *sqlite3.Conn, commit bool) (err error) {
	if commit {
		err = conn.Commit()
	} else {
		err = conn.Rollback()
	}

	p.mu.Lock()
	p.nwrite--
	p.mu.Unlock()

	if err != nil {
		conn.Close()
		return err
	}
	p.put(conn)
	return nil
}

// writing returns number of write transactions in progress.
func (p *connPool) writing() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nwrite
}

// Close closes idle connections. Connections still in use are closed when
// they are returned.
func (p *connPool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	var errv xerr.Errorv
	for _, conn := range idle {
		errv.Appendif(conn.Close())
	}
	return errv.Err()
}
