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

// Entsync watch - watch outbox database for new records
//
// Watch prints sequence number it starts from and then every record committed
// to the outbox afterwards. Output formats:
//
// Plain:
//
//	# at <seq>
//	#<seq> <TYPE> <class>#<id> [{...}]
//	...
//
// Verbose:
//
//	# at <seq>
//	txn <txn-id> <commit-time>
//	#<seq> <TYPE> <class>#<id> [{...}]
//	...

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"lab.nexedi.com/kirr/go123/prog"
	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/entsync/internal/log"
	"lab.nexedi.com/kirr/entsync/outbox"
)

// Watch watches st for new records and prints them to w.
//
// The database file and its journal are watched for modifications; every
// modification leads to reading records committed after the last one seen.
//
// see top-level documentation for output format.
func Watch(ctx context.Context, st *outbox.Store, w io.Writer, verbose bool) (err error) {
	defer xerr.Contextf(&err, "%s: watch", st.Path())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// SQLite replaces and removes journal files next to the database,
	// so watch the whole directory.
	dir, base := filepath.Split(st.Path())
	if dir == "" {
		dir = "."
	}
	err = watcher.Add(dir)
	if err != nil {
		return err
	}

	at, err := st.LastSeq(ctx)
	if err != nil {
		return err
	}
	e := &emitter{w: w, headers: verbose}
	err = e.emitf("# at %d\n", at)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-watcher.Errors:
			return err

		case ev, ok := <-watcher.Events:
			if !ok {
				return e.emitf("# watcher closed\n")
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), base) {
				continue
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			log.V(2).Infof(ctx, "watch: %s", ev)

			recv, err := st.Read(ctx, at, 0)
			if err != nil {
				return err
			}
			for _, rec := range recv {
				err = e.emit(rec)
				if err != nil {
					return err
				}
				at = rec.Seq
			}
		}
	}
}

// ----------------------------------------

const watchSummary = "watch outbox database for new records"

func watchUsage(w io.Writer) {
	fmt.Fprintf(w,
		`Usage: entsync watch [OPTIONS] <outbox>
Watch outbox database for new records.

<outbox> is path to outbox database (see 'entsync help outbox').

Options:

	-h --help       this help text.
	-v		verbose mode: show transaction boundaries.
`)
}

func watchMain(argv []string) {
	verbose := false
	flags := flag.FlagSet{Usage: func() { watchUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.BoolVar(&verbose, "v", verbose, "verbose mode")
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) != 1 {
		flags.Usage()
		prog.Exit(2)
	}
	path := argv[0]

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

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

		return Watch(ctx, st, os.Stdout, verbose)
	}()

	if err != nil && ctx.Err() == nil {
		prog.Fatal(err)
	}
}
