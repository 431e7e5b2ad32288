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

// Entsync dump - dump content of an outbox database
//
// Records are printed in sequence order grouped by transaction:
//
//	txn <txn-id> <commit-time>
//	#<seq> <TYPE> <class>#<id> [{<attr>: <old> → <new>, ...}]
//	...

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"lab.nexedi.com/kirr/go123/prog"
	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/entsync/outbox"
)

// dumpChunk is how many records Dump reads at once.
const dumpChunk = 512

// Dump prints records of st with sequence number > afterSeq to w.
//
// see top-level documentation for output format.
func Dump(ctx context.Context, w io.Writer, st *outbox.Store, afterSeq int64) (err error) {
	defer xerr.Contextf(&err, "%s: dump", st.Path())

	e := &emitter{w: w, headers: true}
	for {
		recv, err := st.Read(ctx, afterSeq, dumpChunk)
		if err != nil {
			return err
		}
		for _, rec := range recv {
			err = e.emit(rec)
			if err != nil {
				return err
			}
			afterSeq = rec.Seq
		}
		if len(recv) < dumpChunk {
			return nil
		}
	}
}

// ----------------------------------------

const dumpSummary = "dump content of an outbox database"

func dumpUsage(w io.Writer) {
	fmt.Fprintf(w,
		`Usage: entsync dump [OPTIONS] <outbox>
Dump content of an outbox database.

<outbox> is path to outbox database (see 'entsync help outbox').

Options:

	-h --help       this help text.
	-after <seq>	dump only records after sequence number seq.
`)
}

func dumpMain(argv []string) {
	var afterSeq int64
	flags := flag.FlagSet{Usage: func() { dumpUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.Int64Var(&afterSeq, "after", afterSeq, "dump only records after sequence number")
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) != 1 {
		flags.Usage()
		prog.Exit(2)
	}
	path := argv[0]

	ctx := context.Background()
	err := func() (err error) {
		st, err := outbox.Open(ctx, path, &outbox.Options{ReadOnly: true})
		if err != nil {
			return err
		}
		defer func() {
			err2 := st.Close()
			if err == nil {
				err = err2
			}
		}()

		return Dump(ctx, os.Stdout, st, afterSeq)
	}()

	if err != nil {
		prog.Fatal(err)
	}
}
