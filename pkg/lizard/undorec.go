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
	"encoding/binary"
	"fmt"

	"github.com/dr0pdb/lizarddb/internal/common"
	"github.com/dr0pdb/lizarddb/pkg/row"
	"github.com/dr0pdb/lizarddb/pkg/scn"
	"github.com/dr0pdb/lizarddb/pkg/undo"
	log "github.com/sirupsen/logrus"
)

type undoKind uint8

const (
	undoInsert undoKind = 1
	undoUpdate undoKind = 2
)

// undoRecHeaderSize is kind(1) + space(4) + page(4) + heap number(2).
const undoRecHeaderSize = 11

// undoRec is the payload of an undo record written for a row change. It names
// the row version the change created; data is the key of an insert or the
// previous version of an update.
type undoRec struct {
	kind   undoKind
	space  uint32
	page   uint32
	heapNo uint16
	data   []byte
}

func (u undoRec) encode() []byte {
	b := make([]byte, undoRecHeaderSize, undoRecHeaderSize+len(u.data))
	b[0] = byte(u.kind)
	binary.BigEndian.PutUint32(b[1:], u.space)
	binary.BigEndian.PutUint32(b[5:], u.page)
	binary.BigEndian.PutUint16(b[9:], u.heapNo)
	return append(b, u.data...)
}

func decodeUndoRec(b []byte) (undoRec, error) {
	if len(b) < undoRecHeaderSize {
		return undoRec{}, common.NewUndoHeaderCorruptError(fmt.Sprintf("undo record has %d bytes", len(b)))
	}
	u := undoRec{
		kind:   undoKind(b[0]),
		space:  binary.BigEndian.Uint32(b[1:]),
		page:   binary.BigEndian.Uint32(b[5:]),
		heapNo: binary.BigEndian.Uint16(b[9:]),
		data:   b[undoRecHeaderSize:],
	}
	if u.kind != undoInsert && u.kind != undoUpdate {
		return undoRec{}, common.NewUndoHeaderCorruptError(fmt.Sprintf("undo record has kind %d", u.kind))
	}
	return u, nil
}

// ApplyUndo marks the row version named by one undo record of the rolling
// back transaction trxID as rolled back. A version that was never written or
// no longer carries hdr is left alone, so applying a record twice is a no-op.
func (db *DB) ApplyUndo(trxID uint64, hdr undo.UBA, payload []byte) error {
	u, err := decodeUndoRec(payload)
	if err != nil {
		log.WithFields(log.Fields{"trxID": trxID, "error": err.Error()}).Error("lizard::undorec::ApplyUndo; error in decoding the undo record")
		return err
	}
	p, ok := db.Page(u.space, u.page)
	if !ok {
		return common.NewNotFoundError(fmt.Sprintf("row page %d:%d of an undo record doesn't exist", u.space, u.page))
	}

	p.XLatch()
	defer p.XUnlatch()

	heapNo := int(u.heapNo)
	if heapNo >= p.NumRecords() {
		return nil
	}
	rec, err := p.Record(heapNo)
	if err != nil {
		return err
	}
	l := p.Layout()
	if row.ReadTrxID(rec, l) != trxID || row.ReadUBA(rec, l) != hdr {
		return nil
	}

	mtr := db.redo.Open(64)
	err = p.UpdateVisibility(mtr, heapNo, scn.MaxSCN, undo.RolledBackUBA)
	if _, cerr := mtr.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err == nil {
		log.WithFields(log.Fields{"trxID": trxID, "page": u.page, "heapNo": heapNo}).Debug("lizard::undorec::ApplyUndo; row version rolled back")
	}
	return err
}
