/**
 * Copyright 2021 The IcecaneDB Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package trx

import (
	"fmt"
	"sync"

	"github.com/dr0pdb/lizarddb/internal/common"
	"github.com/dr0pdb/lizarddb/pkg/cleanout"
	"github.com/dr0pdb/lizarddb/pkg/redo"
	"github.com/dr0pdb/lizarddb/pkg/scn"
	"github.com/dr0pdb/lizarddb/pkg/undo"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// MtrOpener opens mini transactions.
type MtrOpener interface {
	Open(sizeHint int) *redo.Mtr
}

// UndoApplier undoes the row change described by one undo record of the
// rolling back transaction trxID whose undo log header is at hdr.
type UndoApplier interface {
	ApplyUndo(trxID uint64, hdr undo.UBA, payload []byte) error
}

// Sys is the transaction system. It hands out trx ids, assigns undo
// segments and commits through the scn allocator.
type Sys struct {
	alloc   *scn.Allocator
	undo    *undo.Manager
	log     MtrOpener
	cleaner *cleanout.Engine
	applier UndoApplier

	nextID *atomic.Uint64

	mu     sync.Mutex
	active map[uint64]*Txn
}

// NewSys creates the transaction system. Trx ids start at firstID. applier
// undoes the row changes of rolling back transactions; it is nil when no rows
// are kept on top of the undo log.
func NewSys(alloc *scn.Allocator, u *undo.Manager, l MtrOpener, cleaner *cleanout.Engine, applier UndoApplier, firstID uint64) *Sys {
	if firstID == 0 {
		firstID = 1
	}
	return &Sys{
		alloc:   alloc,
		undo:    u,
		log:     l,
		cleaner: cleaner,
		applier: applier,
		nextID:  atomic.NewUint64(firstID),
		active:  make(map[uint64]*Txn),
	}
}

// Begin starts a transaction.
func (s *Sys) Begin() *Txn {
	return s.begin(nil)
}

// BeginXA starts an XA transaction. Its outcome can be found by xid once it finishes.
func (s *Sys) BeginXA(xid undo.XID) *Txn {
	return s.begin(&xid)
}

func (s *Sys) begin(xid *undo.XID) *Txn {
	t := &Txn{
		id:    s.nextID.Inc() - 1,
		xid:   xid,
		state: StateActive,
		desc:  TxnDesc{UBA: undo.NullUBA, Commit: scn.NullCommitSCN},
	}

	s.mu.Lock()
	s.active[t.id] = t
	s.mu.Unlock()
	activeGauge.Inc()
	trxCounter.WithLabelValues("begin").Inc()

	log.WithFields(log.Fields{"trxID": t.id}).Debug("trx::sys::begin; transaction started")
	return t
}

// LastID returns the largest trx id handed out.
func (s *Sys) LastID() uint64 {
	return s.nextID.Load() - 1
}

// ActiveCount returns the number of running transactions.
func (s *Sys) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func checkActive(t *Txn) error {
	switch t.state {
	case StateCommitted:
		return common.NewCommittedTransactionError(fmt.Sprintf("transaction %d is already committed", t.id))
	case StateRolledBack:
		return common.NewAbortedTransactionError(fmt.Sprintf("transaction %d is rolled back", t.id))
	}
	return nil
}

// AssignUndo gives t a txn undo segment if it doesn't have one yet. The
// segment is always registered for cleanout so that safe mode can be switched
// on at runtime.
func (s *Sys) AssignUndo(t *Txn) error {
	if err := checkActive(t); err != nil {
		return err
	}
	if t.seg != nil {
		return nil
	}

	mtr := s.log.Open(undo.HeaderSize + 64)
	seg, err := s.undo.Assign(mtr, t.id, t.xid)
	if err != nil {
		mtr.Close()
		return err
	}
	if _, err = mtr.Close(); err != nil {
		log.WithFields(log.Fields{"trxID": t.id, "error": err.Error()}).Error("trx::sys::AssignUndo; error in writing the redo")
		return err
	}

	s.cleaner.Registry().Insert(seg.Addr())
	t.seg = seg
	t.desc.UBA = seg.HeaderUBA()
	return nil
}

// AppendUndo writes an undo record for t and returns its address.
func (s *Sys) AppendUndo(t *Txn, payload []byte) (undo.UBA, error) {
	if err := s.AssignUndo(t); err != nil {
		return undo.NullUBA, err
	}

	mtr := s.log.Open(len(payload) + 64)
	uba, err := s.undo.AppendRecord(mtr, t.desc.UBA, payload)
	if _, cerr := mtr.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return undo.NullUBA, err
	}
	return uba, nil
}

// Commit commits t. gcn is the global commit number given by the coordinator,
// scn.NullGCN for a local transaction. A transaction that wrote nothing gets no scn.
func (s *Sys) Commit(t *Txn, gcn scn.GCN) (scn.CommitSCN, error) {
	if err := checkActive(t); err != nil {
		return scn.NullCommitSCN, err
	}
	if t.seg == nil {
		s.finish(t, StateCommitted)
		return scn.NullCommitSCN, nil
	}

	c, err := s.finishUndo(t, gcn, false)
	if err != nil {
		return scn.NullCommitSCN, err
	}
	t.desc.Commit = c
	s.finish(t, StateCommitted)

	log.WithFields(log.Fields{"trxID": t.id, "commit": c}).Debug("trx::sys::Commit; transaction committed")
	return c, nil
}

// Rollback rolls t back. Every row version t wrote is marked rolled back
// first. A rolled back transaction that wrote undo still gets an scn so that
// its segment can go through history and purge.
func (s *Sys) Rollback(t *Txn) error {
	if err := checkActive(t); err != nil {
		return err
	}
	if t.seg != nil {
		if err := s.applyUndo(t.id, t.seg); err != nil {
			return err
		}
		c, err := s.finishUndo(t, scn.NullGCN, true)
		if err != nil {
			return err
		}
		t.desc.Commit = c
	}
	s.finish(t, StateRolledBack)

	log.WithFields(log.Fields{"trxID": t.id}).Debug("trx::sys::Rollback; transaction rolled back")
	return nil
}

// RollbackRecovered rolls back a segment left active by a crash.
func (s *Sys) RollbackRecovered(seg *undo.Segment) (scn.CommitSCN, error) {
	t := &Txn{id: seg.TrxID(), state: StateActive, seg: seg}
	if err := s.applyUndo(t.id, seg); err != nil {
		return scn.NullCommitSCN, err
	}
	return s.finishUndo(t, scn.NullGCN, true)
}

// ResolveRolledBack finishes the rollback of a segment that reached the
// history list before its row versions were all marked.
func (s *Sys) ResolveRolledBack(seg *undo.Segment) error {
	if err := s.applyUndo(seg.TrxID(), seg); err != nil {
		return err
	}
	mtr := s.log.Open(128)
	if err := s.undo.MarkUndoApplied(mtr, seg); err != nil {
		mtr.Close()
		return err
	}
	_, err := mtr.Close()
	return err
}

// applyUndo hands the undo records of seg to the applier, newest first.
func (s *Sys) applyUndo(trxID uint64, seg *undo.Segment) error {
	if s.applier == nil {
		return nil
	}
	recs, err := s.undo.Records(seg)
	if err != nil {
		log.WithFields(log.Fields{"trxID": trxID, "segment": seg.Addr(), "error": err.Error()}).Error("trx::sys::applyUndo; error in reading the undo records")
		return err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if err = s.applier.ApplyUndo(trxID, seg.HeaderUBA(), recs[i]); err != nil {
			log.WithFields(log.Fields{"trxID": trxID, "record": i, "error": err.Error()}).Error("trx::sys::applyUndo; error in undoing a row change")
			return err
		}
	}
	log.WithFields(log.Fields{"trxID": trxID, "records": len(recs)}).Debug("trx::sys::applyUndo; row changes undone")
	return nil
}

func (s *Sys) finishUndo(t *Txn, gcn scn.GCN, rollback bool) (scn.CommitSCN, error) {
	c, err := s.alloc.Commit(gcn, func(c scn.CommitSCN) error {
		mtr := s.log.Open(256)
		if err := s.undo.Commit(mtr, t.seg, c, rollback); err != nil {
			mtr.Close()
			return err
		}
		if rollback {
			if err := s.undo.MarkUndoApplied(mtr, t.seg); err != nil {
				mtr.Close()
				return err
			}
		}
		_, err := mtr.Close()
		return err
	})
	if err != nil {
		if _, ok := err.(common.AllocatorExhaustedError); ok {
			log.WithFields(log.Fields{"trxID": t.id, "error": err.Error()}).Panic("trx::sys::finishUndo; scn space exhausted")
		}
		return scn.NullCommitSCN, err
	}
	return c, nil
}

func (s *Sys) finish(t *Txn, st State) {
	t.state = st

	s.mu.Lock()
	delete(s.active, t.id)
	s.mu.Unlock()
	activeGauge.Dec()

	if st == StateCommitted {
		trxCounter.WithLabelValues("commit").Inc()
	} else {
		trxCounter.WithLabelValues("rollback").Inc()
	}
}

// Purge hands the undo segments of transactions committed before limit over to reuse.
func (s *Sys) Purge(limit scn.SCN) (int, error) {
	mtr := s.log.Open(1024)
	n, err := s.undo.Purge(mtr, limit)
	if _, cerr := mtr.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return n, err
}

// Outcome is how an XA transaction ended.
type Outcome uint8

const (
	// OutcomeCommit means the transaction committed.
	OutcomeCommit Outcome = iota

	// OutcomeRollback means the transaction rolled back.
	OutcomeRollback
)

func (o Outcome) String() string {
	if o == OutcomeRollback {
		return "ROLLBACK"
	}
	return "COMMIT"
}

// Info describes a finished XA transaction.
type Info struct {
	Outcome Outcome
	GCN     scn.GCN
}

// TransactionInfoByXID returns the outcome of the finished transaction with xid.
// It returns false when no finished transaction with xid is retained.
func (s *Sys) TransactionInfoByXID(xid undo.XID) (Info, bool) {
	h, ok := s.undo.FindXID(xid)
	if !ok || h.State == undo.StateActive {
		return Info{}, false
	}

	info := Info{Outcome: OutcomeCommit, GCN: h.Commit.GCN}
	if h.RolledBack() {
		info.Outcome = OutcomeRollback
	}
	return info, true
}
