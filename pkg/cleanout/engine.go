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

package cleanout

import (
	"fmt"

	"github.com/dr0pdb/lizarddb/internal/common"
	"github.com/dr0pdb/lizarddb/pkg/redo"
	"github.com/dr0pdb/lizarddb/pkg/row"
	"github.com/dr0pdb/lizarddb/pkg/scn"
	"github.com/dr0pdb/lizarddb/pkg/undo"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Outcome is what the undo log says about the writer of a row.
type Outcome int

const (
	// OutcomeActive means the writer hasn't committed.
	OutcomeActive Outcome = iota

	// OutcomeCommitted means the writer committed and the header is on the history list.
	OutcomeCommitted

	// OutcomePurged means the writer committed and its undo was purged.
	OutcomePurged

	// OutcomeRolledBack means the writer rolled back.
	OutcomeRolledBack

	// OutcomeReused means the header now belongs to another transaction. The
	// slot is only reused after purge, so the writer committed before every
	// retained vision.
	OutcomeReused
)

func (o Outcome) String() string {
	switch o {
	case OutcomeActive:
		return "active"
	case OutcomeCommitted:
		return "committed"
	case OutcomePurged:
		return "purged"
	case OutcomeRolledBack:
		return "rolled_back"
	case OutcomeReused:
		return "reused"
	}
	return "unknown"
}

// Resolved returns true if the writer's commit number is known.
func (o Outcome) Resolved() bool {
	return o == OutcomeCommitted || o == OutcomePurged || o == OutcomeReused
}

// TxnRec is the visibility information carried by a row version. GCN isn't
// stored in rows; Lookup fills it from the undo header while the header still
// belongs to the writer, otherwise it is scn.NullGCN.
type TxnRec struct {
	TrxID uint64
	SCN   scn.SCN
	UBA   undo.UBA
	GCN   scn.GCN
}

// UndoReader reads undo log headers.
type UndoReader interface {
	ReadHeader(uba undo.UBA) (undo.Header, error)
}

// MtrOpener opens mini transactions.
type MtrOpener interface {
	Open(sizeHint int) *redo.Mtr
}

// Engine resolves the visibility fields of rows through the undo log and
// writes the result back into the rows.
type Engine struct {
	registry *Registry
	undo     UndoReader
	mtrs     MtrOpener
	safe     *atomic.Bool
}

// NewEngine creates an engine. In safe mode a row is only cleaned out when its
// undo header is in registry.
func NewEngine(registry *Registry, u UndoReader, mtrs MtrOpener, safe bool) *Engine {
	return &Engine{
		registry: registry,
		undo:     u,
		mtrs:     mtrs,
		safe:     atomic.NewBool(safe),
	}
}

// SafeMode returns true if cleanout is gated by the registry.
func (e *Engine) SafeMode() bool {
	return e.safe.Load()
}

// SetSafeMode switches safe mode at runtime.
func (e *Engine) SetSafeMode(safe bool) {
	log.WithFields(log.Fields{"safe": safe}).Info("cleanout::engine::SetSafeMode; safe mode switched")
	e.safe.Store(safe)
}

// Registry returns the registry of the engine.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Lookup finds the outcome of the writer of rec in the undo log. It doesn't
// consult the registry. For a resolved outcome the returned TxnRec carries the
// commit number and the committed undo address.
func (e *Engine) Lookup(rec TxnRec) (TxnRec, Outcome, error) {
	rec.GCN = scn.NullGCN
	if rec.UBA == undo.RolledBackUBA {
		return rec, OutcomeRolledBack, nil
	}
	if !rec.UBA.IsActive() {
		if rec.SCN == scn.PurgedSCN {
			return rec, OutcomePurged, nil
		}
		rec.GCN = e.committedGCN(rec)
		return rec, OutcomeCommitted, nil
	}
	if rec.UBA == undo.NullUBA {
		return rec, OutcomeActive, nil
	}

	h, err := e.undo.ReadHeader(rec.UBA)
	if err != nil {
		if _, ok := err.(common.NotFoundError); ok {
			log.WithFields(log.Fields{"uba": rec.UBA}).Error("cleanout::engine::Lookup; undo address points at a missing page")
			return rec, OutcomeActive, common.NewUndoHeaderCorruptError(fmt.Sprintf("no undo header at %s", rec.UBA))
		}
		log.WithFields(log.Fields{"uba": rec.UBA, "error": err.Error()}).Error("cleanout::engine::Lookup; error in reading the undo header")
		return rec, OutcomeActive, err
	}
	if !h.IsTxn() {
		return rec, OutcomeActive, common.NewUndoHeaderCorruptError(fmt.Sprintf("undo header at %s isn't a txn header", rec.UBA))
	}

	if h.TrxID != rec.TrxID {
		return TxnRec{TrxID: rec.TrxID, SCN: scn.PurgedSCN, UBA: rec.UBA.Committed(), GCN: scn.NullGCN}, OutcomeReused, nil
	}

	switch h.State {
	case undo.StateActive:
		return rec, OutcomeActive, nil
	case undo.StateCommitted, undo.StatePurged:
		if h.RolledBack() {
			return rec, OutcomeRolledBack, nil
		}
		res := TxnRec{TrxID: rec.TrxID, SCN: h.Commit.SCN, UBA: rec.UBA.Committed(), GCN: h.Commit.GCN}
		if h.State == undo.StatePurged {
			return res, OutcomePurged, nil
		}
		return res, OutcomeCommitted, nil
	}
	return rec, OutcomeActive, common.NewUndoHeaderCorruptError(fmt.Sprintf("undo header at %s has state %s", rec.UBA, h.State))
}

// committedGCN reads the gcn of a cleaned out writer from its undo header. A
// header that is gone or was handed to another transaction gives scn.NullGCN.
func (e *Engine) committedGCN(rec TxnRec) scn.GCN {
	if rec.UBA == undo.FakeUBA {
		return scn.NullGCN
	}
	h, err := e.undo.ReadHeader(rec.UBA)
	if err != nil || !h.IsTxn() || h.TrxID != rec.TrxID || h.RolledBack() || h.State == undo.StateActive {
		return scn.NullGCN
	}
	return h.Commit.GCN
}

// CleanoutWhenModify is called by trxID holding the page x latch before it
// modifies the record with heapNo. If the last writer of the record is another
// transaction that has committed, its commit number is written into the record
// and logged in mtr. It returns true if the record was rewritten.
// A registry miss or a writer that hasn't committed leaves the record as is.
// A corrupt undo header is returned as an error.
func (e *Engine) CleanoutWhenModify(mtr *redo.Mtr, page *row.Page, heapNo int, trxID uint64) (bool, error) {
	l := page.Layout()
	if l.Exempt() {
		return false, nil
	}

	rec, err := page.Record(heapNo)
	if err != nil {
		return false, err
	}
	txn := TxnRec{TrxID: row.ReadTrxID(rec, l), SCN: row.ReadSCN(rec, l), UBA: row.ReadUBA(rec, l)}

	if txn.TrxID == trxID {
		return false, nil
	}
	if !txn.UBA.IsActive() {
		return false, nil
	}

	if e.safe.Load() && !e.registry.Exists(txn.UBA.Addr()) {
		cleanoutCounter.WithLabelValues("skip_registry_miss").Inc()
		log.WithFields(log.Fields{"uba": txn.UBA, "trxID": txn.TrxID}).Debug("cleanout::engine::CleanoutWhenModify; undo header not registered, skipping")
		return false, nil
	}

	res, outcome, err := e.Lookup(txn)
	if err != nil {
		cleanoutCounter.WithLabelValues("error").Inc()
		return false, err
	}
	if outcome != OutcomeCommitted && outcome != OutcomePurged {
		cleanoutCounter.WithLabelValues("skip_" + outcome.String()).Inc()
		return false, nil
	}

	if err = page.UpdateVisibility(mtr, heapNo, res.SCN, res.UBA); err != nil {
		return false, err
	}
	cleanoutCounter.WithLabelValues("cleaned").Inc()
	log.WithFields(log.Fields{"page": page.No(), "heapNo": heapNo, "scn": res.SCN}).Debug("cleanout::engine::CleanoutWhenModify; record cleaned out")
	return true, nil
}

// CleanoutWhenRead is the read side variant. It takes the page x latch itself,
// cleans the record out and closes its own mini transaction before releasing the latch.
func (e *Engine) CleanoutWhenRead(page *row.Page, heapNo int) (bool, error) {
	page.XLatch()
	defer page.XUnlatch()

	mtr := e.mtrs.Open(64)
	cleaned, err := e.CleanoutWhenModify(mtr, page, heapNo, 0)
	if _, cerr := mtr.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return cleaned, err
}
