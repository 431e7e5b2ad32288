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

	"lab.nexedi.com/kirr/entsync/entity"
	"lab.nexedi.com/kirr/entsync/event"
	"lab.nexedi.com/kirr/entsync/internal/log"
	"lab.nexedi.com/kirr/entsync/internal/task"
	"lab.nexedi.com/kirr/entsync/transaction"
)

// synchronizationOrder is the order of synchronization among transaction synchronizers.
const synchronizationOrder = 100

// synchronization ties ResourceHolder to transaction completion.
type synchronization struct {
	sup *Support
	h   *ResourceHolder
}

var _ transaction.Synchronizer = (*synchronization)(nil)
var _ transaction.Ordered = (*synchronization)(nil)

func (s *synchronization) Order() int {
	return synchronizationOrder
}

// BeforeCommit implements transaction.Synchronizer.
//
// For read-write transactions it runs flush discovery, fires before-commit
// listeners, collects entity-changed events, detaches all instances and
// publishes the events. Read-only transactions only verify that nothing
// changed and detach.
func (s *synchronization) BeforeCommit(ctx context.Context, txn transaction.Transaction) (err error) {
	h := s.h
	sup := s.sup
	storeName := h.storeName
	readOnly := txn.ReadOnly()
	defer task.Runningf(&ctx, "store %s: before commit", storeName)(&err)

	log.V(2).Infof(ctx, "instances=%v readOnly=%v", entityv(h.AllInstances()), readOnly)

	if !readOnly {
		err = traverse(ctx, h, &onSaveVisitor{sup: sup, h: h}, false)
		if err != nil {
			return err
		}
		err = sup.FireFlush(ctx, storeName)
		if err != nil {
			return err
		}
	}

	for _, e := range h.AllInstances() {
		if readOnly {
			changes := sup.deps.Changes.AttributeChanges(e)
			if changes.HasChanges() {
				return &ReadOnlyViolationError{Entity: e, Changes: changes}
			}
		}
		err = sup.fireBeforeDetach(ctx, e, storeName)
		if err != nil {
			return err
		}
	}

	session, err := sup.deps.Locator.Session(ctx, storeName)
	if err != nil {
		return err
	}

	if readOnly {
		return s.detachAll(ctx, session)
	}

	all := h.AllInstances()
	for _, l := range sup.deps.BeforeCommitListeners {
		err = l.BeforeCommit(ctx, storeName, all)
		if err != nil {
			return err
		}
	}

	var infov []event.Info
	if sup.deps.Collector != nil {
		infov, err = sup.deps.Collector.Collect(ctx, session, h.AllInstances())
		if err != nil {
			return err
		}
	}

	err = s.detachAll(ctx, session)
	if err != nil {
		return err
	}

	eventv := make([]*event.EntityChangedEvent, 0, len(infov))
	for _, info := range infov {
		eventv = append(eventv, event.NewEntityChangedEvent(info))
	}
	return s.publish(ctx, txn, eventv)
}

// detachAll flushes and clears the session and detaches all instances.
//
// Instances that are still new are remembered so that rollback can restore them.
func (s *synchronization) detachAll(ctx context.Context, session Session) error {
	h := s.h
	instances := h.AllInstances()
	for _, e := range instances {
		if e.EntityEntry().IsNew() {
			h.newDetached.Add(e)
		}
	}

	err := session.Flush(ctx)
	if err != nil {
		return err
	}
	session.Clear()

	for _, e := range instances {
		makeDetached(h.storeName, e)
	}
	return nil
}

// publish publishes events and runs BeforeCommit of synchronizations that
// subscribers registered while handling them.
//
// Such synchronizations are registered after the transaction took its
// before-commit snapshot, so they would otherwise never see BeforeCommit.
func (s *synchronization) publish(ctx context.Context, txn transaction.Transaction, eventv []*event.EntityChangedEvent) error {
	if len(eventv) == 0 {
		return nil
	}

	before := txn.Synchronizations()
	err := s.sup.deps.Collector.Publish(ctx, eventv)
	if err != nil {
		return err
	}

	var added []transaction.Synchronizer
	for _, sync := range txn.Synchronizations() {
		if !containsSync(before, sync) {
			added = append(added, sync)
		}
	}
	if len(added) == 0 {
		return nil
	}

	tracePublishNested(s.h.storeName, len(added))
	for _, sync := range added {
		err = sync.BeforeCommit(ctx, txn)
		if err != nil {
			return err
		}
	}
	return nil
}

func containsSync(syncv []transaction.Synchronizer, sync transaction.Synchronizer) bool {
	for _, s := range syncv {
		if s == sync {
			return true
		}
	}
	return false
}

// AfterCompletion implements transaction.Synchronizer.
//
// On commit instances stop being new. Otherwise all instances are detached
// and instances that were new when detached become new and not detached again.
// The holder is always cleaned up and unbound from the transaction.
func (s *synchronization) AfterCompletion(txn transaction.Transaction) {
	h := s.h
	defer func() {
		h.cleanup()
		txn.UnbindResource(ResourceHolderKey)
	}()

	ctx := context.Background()
	instances := h.AllInstances()
	committed := txn.Status() == transaction.Committed
	log.V(2).Infof(ctx, "store %s: after completion: committed=%v instances=%v",
		h.storeName, committed, entityv(instances))

	if committed {
		for _, e := range instances {
			if entry := e.EntityEntry(); entry.IsNew() {
				entry.SetNew(false)
			}
		}
	} else {
		for _, e := range instances {
			// not flushed before rollback: still new afterwards
			if e.EntityEntry().IsNew() {
				h.newDetached.Add(e)
			}
			makeDetached(h.storeName, e)
		}
		for _, e := range h.newDetached.list {
			entry := e.EntityEntry()
			entry.SetNew(true)
			entry.SetDetached(false)
		}
	}

	for _, l := range s.sup.deps.AfterCompleteListeners {
		l.AfterComplete(committed, instances)
	}
}

// entityv is []entity.Entity that prints nicely in logs.
type entityv []entity.Entity

func (v entityv) String() string {
	s := "["
	for i, e := range v {
		if i > 0 {
			s += " "
		}
		s += entity.String(e)
	}
	return s + "]"
}
