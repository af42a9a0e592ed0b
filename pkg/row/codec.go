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

package row

import (
	"encoding/binary"
	"fmt"

	"github.com/dr0pdb/lizarddb/pkg/scn"
	"github.com/dr0pdb/lizarddb/pkg/undo"
)

const (
	// TrxIDSize is the size of the trx id system column.
	TrxIDSize = 8

	// SCNSize is the size of the commit number field.
	SCNSize = 8

	// FieldsSize is the size of the visibility fields: scn followed by uba.
	FieldsSize = SCNSize + undo.UBASize
)

// Layout says where the system columns of a table sit in its records.
// The trx id is at SysPos and the visibility fields follow it.
type Layout struct {
	SysPos int

	// Intrinsic and Temporary tables are exempt from MVCC. Their records
	// carry PurgedSCN and FakeUBA.
	Intrinsic bool
	Temporary bool
}

// Exempt returns true if records of the layout don't take part in MVCC.
func (l Layout) Exempt() bool {
	return l.Intrinsic || l.Temporary
}

// SCNPos returns the offset of the scn field.
func (l Layout) SCNPos() int {
	return l.SysPos + TrxIDSize
}

// UBAPos returns the offset of the uba field.
func (l Layout) UBAPos() int {
	return l.SCNPos() + SCNSize
}

// MinRecordSize is the smallest record that holds the system columns.
func (l Layout) MinRecordSize() int {
	return l.UBAPos() + undo.UBASize
}

// ExemptFields returns the visibility fields written into records of exempt tables.
func ExemptFields() (scn.SCN, undo.UBA) {
	return scn.PurgedSCN, undo.FakeUBA
}

// Encode builds a record. key must be exactly SysPos bytes.
func Encode(l Layout, key []byte, trxID uint64, s scn.SCN, uba undo.UBA, value []byte) ([]byte, error) {
	if len(key) != l.SysPos {
		return nil, fmt.Errorf("key of %d bytes doesn't match the sys pos %d", len(key), l.SysPos)
	}
	rec := make([]byte, l.MinRecordSize()+len(value))
	copy(rec, key)
	WriteTrxID(rec, l, trxID)
	WriteFields(rec, l, s, uba)
	copy(rec[l.MinRecordSize():], value)
	return rec, nil
}

// Key returns the part of rec before the system columns.
func Key(rec []byte, l Layout) []byte {
	return rec[:l.SysPos]
}

// Value returns the part of rec after the system columns.
func Value(rec []byte, l Layout) []byte {
	return rec[l.MinRecordSize():]
}

// WriteTrxID writes the trx id system column.
func WriteTrxID(rec []byte, l Layout, trxID uint64) {
	binary.BigEndian.PutUint64(rec[l.SysPos:], trxID)
}

// ReadTrxID reads the trx id system column.
func ReadTrxID(rec []byte, l Layout) uint64 {
	return binary.BigEndian.Uint64(rec[l.SysPos:])
}

// WriteFields writes the visibility fields of rec.
func WriteFields(rec []byte, l Layout, s scn.SCN, uba undo.UBA) {
	binary.BigEndian.PutUint64(rec[l.SCNPos():], uint64(s))
	uba.Encode(rec[l.UBAPos():])
}

// ReadSCN reads the commit number of rec.
func ReadSCN(rec []byte, l Layout) scn.SCN {
	return scn.SCN(binary.BigEndian.Uint64(rec[l.SCNPos():]))
}

// ReadUBA reads the undo address of rec.
func ReadUBA(rec []byte, l Layout) undo.UBA {
	return undo.DecodeUBA(rec[l.UBAPos():])
}

// IsActive returns true if uba belongs to a writer that hadn't committed.
func IsActive(uba undo.UBA) bool {
	return uba.IsActive()
}
