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

package lizard

import (
	"fmt"

	icommon "github.com/dr0pdb/lizarddb/internal/common"
	"github.com/dr0pdb/lizarddb/pkg/cleanout"
	"github.com/dr0pdb/lizarddb/pkg/common"
	"github.com/dr0pdb/lizarddb/pkg/pagestore"
	"github.com/dr0pdb/lizarddb/pkg/redo"
	"github.com/dr0pdb/lizarddb/pkg/row"
	"github.com/dr0pdb/lizarddb/pkg/scn"
	"github.com/dr0pdb/lizarddb/pkg/trx"
	"github.com/dr0pdb/lizarddb/pkg/undo"
	"github.com/dr0pdb/lizarddb/pkg/vision"
	log "github.com/sirupsen/logrus"
)

const metaSize = 32

// meta is the commit number state saved at checkpoint. A reused undo header
// forgets the commit it held, so the headers alone can't tell the largest scn
// and trx id ever handed out, nor the largest purged scn.
type meta struct {
	SCN    scn.SCN
	GCN    scn.GCN
	TrxID  uint64
	Purged scn.SCN
}

func (m meta) image() pagestore.Image {
	b := make([]byte, 0, metaSize)
	b = append(b, common.U64ToByte(uint64(m.SCN))...)
	b = append(b, common.U64ToByte(uint64(m.GCN))...)
	b = append(b, common.U64ToByte(m.TrxID)...)
	b = append(b, common.U64ToByte(uint64(m.Purged))...)
	return pagestore.Image{Space: 0, Page: 0, Data: b}
}

func loadMeta(store pagestore.Store) (meta, error) {
	m := meta{SCN: scn.NullSCN, GCN: scn.NullGCN, Purged: scn.PurgedSCN}
	err := store.Load(pagestore.KindMeta, func(img pagestore.Image) error {
		if len(img.Data) != metaSize {
			return fmt.Errorf("checkpoint metadata has %d bytes", len(img.Data))
		}
		m.SCN = scn.SCN(common.ByteToU64(img.Data[0:]))
		m.GCN = scn.GCN(common.ByteToU64(img.Data[8:]))
		m.TrxID = common.ByteToU64(img.Data[16:])
		m.Purged = scn.SCN(common.ByteToU64(img.Data[24:]))
		return nil
	})
	return m, err
}

// maxima tracks the largest commit numbers and trx id seen during recovery.
type maxima struct {
	scn   scn.SCN
	gcn   scn.GCN
	trxID uint64
}

func (mx *maxima) observe(s scn.SCN, g scn.GCN, trxID uint64) {
	if s != scn.NullSCN && (mx.scn == scn.NullSCN || s > mx.scn) {
		mx.scn = s
	}
	if g != scn.NullGCN && (mx.gcn == scn.NullGCN || g > mx.gcn) {
		mx.gcn = g
	}
	if trxID > mx.trxID {
		mx.trxID = trxID
	}
}

// replayer applies redo records to the undo pages and the row pages.
type replayer struct {
	db *DB
	mx *maxima
}

func (r replayer) Apply(lsn redo.LSN, rec redo.Record) error {
	switch v := rec.(type) {
	case redo.UndoHdrCreate:
		h, err := undo.DecodeHeader(v.Image)
		if err != nil {
			return err
		}
		r.mx.observe(scn.NullSCN, scn.NullGCN, h.TrxID)
	case redo.UndoHdrCommit:
		r.mx.observe(scn.SCN(v.SCN), scn.GCN(v.GCN), 0)
	case redo.PageWrite:
		if v.Store == redo.StoreRow {
			p, ok := r.db.Page(v.Space, v.Page)
			if !ok {
				return fmt.Errorf("row page %d:%d is not persisted", v.Space, v.Page)
			}
			return p.ApplyWrite(int(v.Offset), v.Data)
		}
		if v.Store != redo.StoreUndo {
			return icommon.NewUnknownError(fmt.Sprintf("page write at lsn %d targets unknown store %d", lsn, v.Store))
		}
	case redo.RowVisibility:
		p, ok := r.db.Page(v.Space, v.Page)
		if !ok {
			return fmt.Errorf("row page %d:%d is not persisted", v.Space, v.Page)
		}
		return p.ApplyVisibility(v.RecOffset, v.SysPos, scn.SCN(v.SCN), undo.UBA(v.UBA))
	}
	return r.db.undo.Apply(rec)
}

// recover loads the pages, replays the redo log, rolls back the transactions
// that were running, finishes rollbacks whose rows weren't all marked and
// checkpoints.
func (db *DB) recover(redoPath string) error {
	if err := db.undo.Load(db.store); err != nil {
		return err
	}
	if err := db.loadPages(); err != nil {
		return err
	}
	m, err := loadMeta(db.store)
	if err != nil {
		return err
	}
	mx := &maxima{scn: scn.NullSCN, gcn: scn.NullGCN}
	mx.observe(m.SCN, m.GCN, m.TrxID)
	db.undo.RestorePurgeHorizon(m.Purged)

	if db.redo, err = redo.OpenLog(redoPath); err != nil {
		return err
	}
	if err = db.redo.Replay(replayer{db: db, mx: mx}); err != nil {
		return err
	}

	rec, err := db.undo.Rebuild()
	if err != nil {
		return err
	}
	mx.observe(rec.MaxSCN, rec.MaxGCN, rec.MaxTrxID)
	db.alloc.Init(mx.scn, mx.gcn)

	db.cleaner = cleanout.NewEngine(db.registry, db.undo, db.redo, db.conf.SafeCleanout)
	db.resolver = vision.NewResolver(db.cleaner)
	db.trx = trx.NewSys(db.alloc, db.undo, db.redo, db.cleaner, db, mx.trxID+1)
	db.registry.WarmUp(db.undo)

	for _, seg := range rec.Active {
		c, err := db.trx.RollbackRecovered(seg)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{"segment": seg.Addr(), "commit": c}).Info("lizard::recovery::recover; rolled back a recovered transaction")
	}
	for _, seg := range rec.Unapplied {
		if err := db.trx.ResolveRolledBack(seg); err != nil {
			return err
		}
		log.WithFields(log.Fields{"segment": seg.Addr()}).Info("lizard::recovery::recover; finished marking a rolled back transaction")
	}

	log.WithFields(log.Fields{"scn": mx.scn, "gcn": mx.gcn, "trxID": mx.trxID, "purged": db.undo.PurgeHorizon(), "rolledBack": len(rec.Active)}).Info("lizard::recovery::recover; recovered")
	return db.Checkpoint()
}

func (db *DB) loadPages() error {
	db.pagesMu.Lock()
	defer db.pagesMu.Unlock()

	return db.store.Load(pagestore.KindRow, func(img pagestore.Image) error {
		p, err := row.Unmarshal(img.Space, img.Page, img.Data)
		if err != nil {
			return err
		}
		db.pages[pageID{space: img.Space, no: img.Page}] = p
		return nil
	})
}
