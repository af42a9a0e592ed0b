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

	"github.com/dr0pdb/lizarddb/internal/common"
	"github.com/dr0pdb/lizarddb/pkg/cleanout"
	"github.com/dr0pdb/lizarddb/pkg/pagestore"
	"github.com/dr0pdb/lizarddb/pkg/row"
	"github.com/dr0pdb/lizarddb/pkg/scn"
	"github.com/dr0pdb/lizarddb/pkg/trx"
	"github.com/dr0pdb/lizarddb/pkg/undo"
	"github.com/dr0pdb/lizarddb/pkg/vision"
	log "github.com/sirupsen/logrus"
)

// CreatePage creates a row page and persists it right away, so that redo
// records written to it can be replayed.
func (db *DB) CreatePage(space, no uint32, l row.Layout, compressed bool) (*row.Page, error) {
	db.ckpt.RLock()
	defer db.ckpt.RUnlock()

	id := pageID{space: space, no: no}
	db.pagesMu.Lock()
	defer db.pagesMu.Unlock()
	if _, ok := db.pages[id]; ok {
		return nil, fmt.Errorf("row page %d:%d already exists", space, no)
	}

	p := row.NewPage(space, no, l, compressed)
	if err := db.store.Save(pagestore.KindRow, []pagestore.Image{{Space: space, Page: no, Data: p.Marshal()}}); err != nil {
		return nil, err
	}
	db.pages[id] = p

	log.WithFields(log.Fields{"space": space, "page": no, "compressed": compressed}).Debug("lizard::ops::CreatePage; page created")
	return p, nil
}

// Page returns the row page space:no.
func (db *DB) Page(space, no uint32) (*row.Page, bool) {
	db.pagesMu.RLock()
	defer db.pagesMu.RUnlock()
	p, ok := db.pages[pageID{space: space, no: no}]
	return p, ok
}

// Begin starts a transaction.
func (db *DB) Begin() *trx.Txn {
	return db.trx.Begin()
}

// BeginXA starts an XA transaction.
func (db *DB) BeginXA(xid undo.XID) *trx.Txn {
	return db.trx.BeginXA(xid)
}

// Commit commits t with the global commit number gcn, scn.NullGCN for a local transaction.
func (db *DB) Commit(t *trx.Txn, gcn scn.GCN) (scn.CommitSCN, error) {
	db.ckpt.RLock()
	defer db.ckpt.RUnlock()
	return db.trx.Commit(t, gcn)
}

// Rollback rolls t back.
func (db *DB) Rollback(t *trx.Txn) error {
	db.ckpt.RLock()
	defer db.ckpt.RUnlock()
	return db.trx.Rollback(t)
}

// TransactionInfoByXID returns the outcome of the finished XA transaction xid.
func (db *DB) TransactionInfoByXID(xid undo.XID) (trx.Info, bool) {
	return db.trx.TransactionInfoByXID(xid)
}

// Purge releases the undo of transactions committed before limit.
func (db *DB) Purge(limit scn.SCN) (int, error) {
	db.ckpt.RLock()
	defer db.ckpt.RUnlock()
	return db.trx.Purge(limit)
}

func (db *DB) fieldsOf(p *row.Page, t *trx.Txn) (scn.SCN, undo.UBA, error) {
	if p.Layout().Exempt() {
		s, uba := row.ExemptFields()
		return s, uba, nil
	}
	if err := db.trx.AssignUndo(t); err != nil {
		return scn.NullSCN, undo.NullUBA, err
	}
	return scn.NullSCN, t.Desc().UBA, nil
}

// appendRowUndo logs the row version t is about to add to p. The caller holds
// the page x latch, so the version lands at the next heap number.
func (db *DB) appendRowUndo(t *trx.Txn, p *row.Page, kind undoKind, data []byte) error {
	if p.Layout().Exempt() {
		return nil
	}
	u := undoRec{kind: kind, space: p.Space(), page: p.No(), heapNo: uint16(p.NumRecords()), data: data}
	_, err := db.trx.AppendUndo(t, u.encode())
	return err
}

// Insert writes a new row version by t into p and returns its heap number.
func (db *DB) Insert(t *trx.Txn, p *row.Page, key, value []byte) (int, error) {
	db.ckpt.RLock()
	defer db.ckpt.RUnlock()

	s, uba, err := db.fieldsOf(p, t)
	if err != nil {
		return 0, err
	}
	rec, err := row.Encode(p.Layout(), key, t.ID(), s, uba, value)
	if err != nil {
		return 0, err
	}

	p.XLatch()
	defer p.XUnlatch()
	if err = db.appendRowUndo(t, p, undoInsert, key); err != nil {
		return 0, err
	}
	mtr := db.redo.Open(len(rec) + 64)
	heapNo, err := p.Insert(mtr, rec)
	if _, cerr := mtr.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return heapNo, err
}

// Update writes a new version of the row at heapNo by t and returns the heap
// number of the new version. The previous version is cleaned out first.
func (db *DB) Update(t *trx.Txn, p *row.Page, heapNo int, value []byte) (int, error) {
	db.ckpt.RLock()
	defer db.ckpt.RUnlock()

	s, uba, err := db.fieldsOf(p, t)
	if err != nil {
		return 0, err
	}

	p.XLatch()
	defer p.XUnlatch()

	old, err := p.Record(heapNo)
	if err != nil {
		return 0, err
	}
	key := append([]byte(nil), row.Key(old, p.Layout())...)
	rec, err := row.Encode(p.Layout(), key, t.ID(), s, uba, value)
	if err != nil {
		return 0, err
	}
	if err = db.appendRowUndo(t, p, undoUpdate, old); err != nil {
		return 0, err
	}

	mtr := db.redo.Open(len(rec) + 128)
	if _, err = db.cleaner.CleanoutWhenModify(mtr, p, heapNo, t.ID()); err != nil {
		mtr.Close()
		return 0, err
	}
	newHeapNo, err := p.Insert(mtr, rec)
	if _, cerr := mtr.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return newHeapNo, err
}

// Row is a row version as seen by a reader.
type Row struct {
	Key     []byte
	Value   []byte
	Visible bool
	Txn     cleanout.TxnRec
}

// Read reads the row version at heapNo and decides whether reader sees it under v.
// reader is 0 for a reader outside any transaction. The version is cleaned out
// on the way if its writer has committed.
func (db *DB) Read(p *row.Page, heapNo int, v vision.Vision, reader uint64) (Row, error) {
	db.ckpt.RLock()
	defer db.ckpt.RUnlock()

	if _, err := db.cleaner.CleanoutWhenRead(p, heapNo); err != nil {
		if _, ok := err.(common.UndoHeaderCorruptError); ok {
			return Row{}, err
		}
		log.WithFields(log.Fields{"page": p.No(), "heapNo": heapNo, "error": err.Error()}).Warn("lizard::ops::Read; cleanout failed")
	}

	p.SLatch()
	rec, err := p.Record(heapNo)
	if err != nil {
		p.SUnlatch()
		return Row{}, err
	}
	l := p.Layout()
	r := Row{
		Key:   append([]byte(nil), row.Key(rec, l)...),
		Value: append([]byte(nil), row.Value(rec, l)...),
		Txn:   cleanout.TxnRec{TrxID: row.ReadTrxID(rec, l), SCN: row.ReadSCN(rec, l), UBA: row.ReadUBA(rec, l)},
	}
	p.SUnlatch()

	r.Visible, err = db.resolver.IsVisible(r.Txn, v, reader)
	return r, err
}

// NewSnapshot returns a table snapshot bound to the scn history and the node commit numbers.
func (db *DB) NewSnapshot() *vision.TableSnapshot {
	return vision.NewTableSnapshot(db.history, db.alloc, db.undo)
}
