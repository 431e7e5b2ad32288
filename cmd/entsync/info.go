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

// Entsync info - print general information about an outbox database

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"lab.nexedi.com/kirr/go123/prog"

	"lab.nexedi.com/kirr/entsync/outbox"
)

// paramFunc is a function to retrieve 1 outbox parameter
type paramFunc func(ctx context.Context, st *outbox.Store) (string, error)

var infov = []struct {
	name     string
	getParam paramFunc
}{
	{"path", func(ctx context.Context, st *outbox.Store) (string, error) {
		return st.Path(), nil
	}},
	{"count", func(ctx context.Context, st *outbox.Store) (string, error) {
		n, err := st.Count(ctx)
		return strconv.FormatInt(n, 10), err
	}},
	{"last_seq", func(ctx context.Context, st *outbox.Store) (string, error) {
		seq, err := st.LastSeq(ctx)
		return strconv.FormatInt(seq, 10), err
	}},
}

// {} parameter_name -> get_parameter(st)
var infoDict = map[string]paramFunc{}

func init() {
	for _, info := range infov {
		infoDict[info.name] = info.getParam
	}
}

// Info prints general information about an outbox.
func Info(ctx context.Context, w io.Writer, st *outbox.Store, parameterv []string) error {
	wantnames := false
	if len(parameterv) == 0 {
		for _, info := range infov {
			parameterv = append(parameterv, info.name)
		}
		wantnames = true
	}

	for _, parameter := range parameterv {
		getParam, ok := infoDict[parameter]
		if !ok {
			return fmt.Errorf("invalid parameter: %s", parameter)
		}

		out := ""
		if wantnames {
			out += parameter + "="
		}
		value, err := getParam(ctx, st)
		if err != nil {
			return fmt.Errorf("getting %s: %v", parameter, err)
		}
		out += value
		fmt.Fprintf(w, "%s\n", out)
	}

	return nil
}

// ----------------------------------------

const infoSummary = "print general information about an outbox database"

func infoUsage(w io.Writer) {
	fmt.Fprintf(w,
		`Usage: entsync info [OPTIONS] <outbox> [parameter ...]
Print general information about an outbox database.

<outbox> is path to outbox database (see 'entsync help outbox').

By default info prints information about all parameters. If one or
more parameter names are given as arguments, info prints the value of each
named parameter on its own line.

Options:

    -h  --help      show this help
`)
}

func infoMain(argv []string) {
	flags := flag.FlagSet{Usage: func() { infoUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) < 1 {
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

		return Info(ctx, os.Stdout, st, argv[1:])
	}()

	if err != nil {
		prog.Fatal(err)
	}
}
