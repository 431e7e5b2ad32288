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

// Package log provides logging with severity levels and tasks integration.
//
// Messages go through glog and are prefixed with the operational task stack
// carried by the context. Verbose diagnostics are gated by glog's -v and
// -vmodule flags:
//
//	log.V(1).Infof(ctx, "implicit flush in store %s", store)
//
// is emitted only when running with -v=1 or more.
package log

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/golang/glog"

	"lab.nexedi.com/kirr/entsync/internal/xcontext/task"
)

// withTask prepends string describing current operational task stack to argv and returns it
// handy to use this way:
//
//	func info(ctx, argv ...interface{}) {
//		glog.Info(withTask(ctx, argv...)...)
//	}
//
// see https://golang.org/issues/21388
func withTask(ctx context.Context, argv ...interface{}) []interface{} {
	task := task.Current(ctx).String()
	if task == "" {
		return argv
	}

	if len(argv) != 0 {
		task += ": "
	}

	return append([]interface{}{task}, argv...)
}

// Depth logs with call-site reported d frames above the caller.
type Depth int

func (d Depth) Warning(ctx context.Context, argv ...interface{}) {
	glog.WarningDepth(int(d+1), withTask(ctx, argv...)...)
}

func (d Depth) Warningf(ctx context.Context, format string, argv ...interface{}) {
	glog.WarningDepth(int(d+1), withTask(ctx, fmt.Sprintf(format, argv...))...)
}

func (d Depth) Errorf(ctx context.Context, format string, argv ...interface{}) {
	glog.ErrorDepth(int(d+1), withTask(ctx, fmt.Sprintf(format, argv...))...)
}

// Verbose is a boolean reporting whether logging at a verbosity level is on.
//
// Its methods are no-ops when it is false, so that formatting of arguments
// is skipped for disabled levels.
type Verbose bool

// V reports whether verbosity at level is enabled, see glog.V.
func V(level glog.Level) Verbose {
	return Verbose(glog.V(level))
}

func (v Verbose) Info(ctx context.Context, argv ...interface{}) {
	if v {
		glog.InfoDepth(1, withTask(ctx, argv...)...)
	}
}

func (v Verbose) Infof(ctx context.Context, format string, argv ...interface{}) {
	if v {
		glog.InfoDepth(1, withTask(ctx, fmt.Sprintf(format, argv...))...)
	}
}

// InfoStack logs msg followed by the stack trace of the calling goroutine.
func (v Verbose) InfoStack(ctx context.Context, msg string) {
	if v {
		glog.InfoDepth(1, withTask(ctx, msg+"\n"+string(debug.Stack()))...)
	}
}

func Warningf(ctx context.Context, format string, argv ...interface{}) {
	Depth(1).Warningf(ctx, format, argv...)
}

func Errorf(ctx context.Context, format string, argv ...interface{}) {
	Depth(1).Errorf(ctx, format, argv...)
}
