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

// Package task tracks the operational stack of a goroutine via contexts.
//
// Lifecycle processing nests: a commit runs before-commit synchronizations,
// which flush sessions, which traverse entities. Every level pushes its task
// so that logs and errors read e.g. "commit: store main: flush: visit Order#12".
package task

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Task represents currently running operation.
type Task struct {
	Parent *Task
	Name   string
}

type taskKey struct{}

// Running creates new task and returns new context with that task set to current.
func Running(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, taskKey{}, &Task{Parent: Current(ctx), Name: name})
}

// Runningf is Running cousin with formatting support.
func Runningf(ctx context.Context, format string, argv ...interface{}) context.Context {
	return Running(ctx, fmt.Sprintf(format, argv...))
}

// Current returns current task represented by context.
//
// if there is no current task - it returns nil.
func Current(ctx context.Context) *Task {
	task, _ := ctx.Value(taskKey{}).(*Task)
	return task
}

// ErrContext adds current task name to error on error return.
//
// The original error stays reachable via errors.Is / errors.As.
//
// To work as intended it should be called under defer like this:
//
//	func myfunc(ctx, ...) (..., err error) {
//		ctx = task.Running(ctx, "doing something")
//		defer task.ErrContext(&err, ctx)
//		...
func ErrContext(errp *error, ctx context.Context) {
	task := Current(ctx)
	if task == nil {
		return
	}
	if *errp == nil {
		return
	}
	*errp = errors.WithMessage(*errp, task.Name)
}

// Stack returns names of all tasks in the operational stack, outermost first.
func (t *Task) Stack() []string {
	var namev []string
	for ; t != nil; t = t.Parent {
		namev = append(namev, t.Name)
	}
	for i, j := 0, len(namev)-1; i < j; i, j = i+1, j-1 {
		namev[i], namev[j] = namev[j], namev[i]
	}
	return namev
}

// String returns string representing whole operational stack.
//
// For example if task "c" is running under task "b" which in turn is running
// under task "a" - the operational stack will be "a: b: c".
//
// nil Task is represented as "".
func (t *Task) String() string {
	return strings.Join(t.Stack(), ": ")
}
