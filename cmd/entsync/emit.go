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

package main
// common output of records

import (
	"fmt"
	"io"
	"time"

	"lab.nexedi.com/kirr/entsync/outbox"
)

// emitter prints outbox records.
//
// With txn headers records are grouped under "txn <id> <time>" lines.
type emitter struct {
	w       io.Writer
	headers bool
	lastTxn string
}

func (e *emitter) emitf(format string, argv ...interface{}) error {
	_, err := fmt.Fprintf(e.w, format, argv...)
	return err
}

func (e *emitter) emit(rec *outbox.Record) error {
	if e.headers && rec.Txn != e.lastTxn {
		err := e.emitf("txn %s %s\n", rec.Txn, rec.Created.Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		e.lastTxn = rec.Txn
	}
	return e.emitf("%s\n", rec)
}
