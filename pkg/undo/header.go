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

package undo

import (
	"encoding/binary"
	"fmt"

	"github.com/dr0pdb/lizarddb/internal/common"
	"github.com/dr0pdb/lizarddb/pkg/scn"
)

// The undo log header is a fixed 267 byte region at HeaderOffset of a segment header page.
//
//	off  len  field
//	  0    8  trx id
//	  8    1  state
//	  9    1  flags
//	 10    2  log start
//	 12    2  free
//	 14    2  rollback segment id
//	 16    6  unused
//	 22    8  scn
//	 30    8  utc
//	 38    8  gcn
//	 46    4  xid format id
//	 50    1  xid gtrid length
//	 51    1  xid bqual length
//	 52  128  xid data
//	180   22  unused
//	202    4  magic       (txn kind)   | gtid length (plain kind)
//	206    1  ext flag    (txn kind)   | gtid data   (plain kind)
//	207   60  reserved    (txn kind)   |
//
// Changing any offset breaks the on-disk format.
const (
	offTrxID      = 0
	offState      = 8
	offFlags      = 9
	offLogStart   = 10
	offFree       = 12
	offRseg       = 14
	offSCN        = 22
	offUTC        = 30
	offGCN        = 38
	offXIDFormat  = 46
	offXIDGtrid   = 50
	offXIDBqual   = 51
	offXIDData    = 52
	offMagic      = 202
	offExtFlag    = 206
	offReserved   = 207
	offGTIDLen    = 202
	offGTIDData   = 203
	xidDataSize   = 128
	reservedSize  = 60
	maxGTIDLength = HeaderSize - offGTIDData

	// HeaderSize is the size of both header kinds.
	HeaderSize = 267

	// TxnMagic is stored in every txn kind header.
	TxnMagic uint32 = 91118498
)

// both kinds must end exactly at HeaderSize.
var _ [0]struct{} = [HeaderSize - (offReserved + reservedSize)]struct{}{}
var _ [0]struct{} = [HeaderSize - (offGTIDData + maxGTIDLength)]struct{}{}

// State is the lifecycle state of an undo log.
type State uint8

const (
	// StateActive is the state of an undo log whose transaction is running.
	StateActive State = 1

	// StateCommitted is set once at commit together with the commit outcome.
	StateCommitted State = 2

	// StatePurged is set when purge has moved the segment to the free list.
	// The commit outcome is kept.
	StatePurged State = 3
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateCommitted:
		return "COMMITTED"
	case StatePurged:
		return "PURGED"
	}
	return fmt.Sprintf("STATE(%d)", uint8(s))
}

// Flags describe what the header carries.
type Flags uint8

const (
	// FlagXID is set when the header holds the XID of an XA transaction.
	FlagXID Flags = 0x01

	// FlagGTID is set when a plain header holds a gtid.
	FlagGTID Flags = 0x02

	// FlagRollback is set when the transaction rolled back.
	FlagRollback Flags = 0x04

	// FlagUndoApplied is set on a rolled back header once every row version of
	// the transaction is marked rolled back. Until then the segment isn't purged.
	FlagUndoApplied Flags = 0x08

	// FlagTxn marks the txn kind header.
	FlagTxn Flags = 0x80
)

// XID identifies an XA transaction.
type XID struct {
	FormatID int32
	Gtrid    []byte
	Bqual    []byte
}

// Key returns a string usable as a map key.
func (x XID) Key() string {
	return fmt.Sprintf("%d:%x:%x", x.FormatID, x.Gtrid, x.Bqual)
}

func (x XID) validate() error {
	if len(x.Gtrid)+len(x.Bqual) > xidDataSize || len(x.Gtrid) > 64 || len(x.Bqual) > 64 {
		return fmt.Errorf("xid too long; gtrid %d bytes, bqual %d bytes", len(x.Gtrid), len(x.Bqual))
	}
	return nil
}

// Header is the decoded undo log header.
type Header struct {
	TrxID    uint64
	State    State
	Flags    Flags
	LogStart uint16
	Free     uint16
	Commit   scn.CommitSCN

	// Rseg is the id of the rollback segment inside its tablespace.
	Rseg uint16

	// XID is only set when FlagXID is.
	XID *XID

	// GTID is only used by plain headers.
	GTID []byte
}

// IsTxn returns true for the txn kind header.
func (h *Header) IsTxn() bool {
	return h.Flags&FlagTxn != 0
}

// RolledBack returns true if the transaction of the header rolled back.
func (h *Header) RolledBack() bool {
	return h.Flags&FlagRollback != 0
}

// UndoApplied returns true if the row versions of a rolled back transaction were marked.
func (h *Header) UndoApplied() bool {
	return h.Flags&FlagUndoApplied != 0
}

// Encode writes h into the first HeaderSize bytes of b.
func (h *Header) Encode(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("undo header buffer is %d bytes, need %d", len(b), HeaderSize)
	}
	b = b[:HeaderSize]
	for i := range b {
		b[i] = 0
	}

	binary.BigEndian.PutUint64(b[offTrxID:], h.TrxID)
	b[offState] = byte(h.State)
	b[offFlags] = byte(h.Flags)
	binary.BigEndian.PutUint16(b[offLogStart:], h.LogStart)
	binary.BigEndian.PutUint16(b[offFree:], h.Free)
	binary.BigEndian.PutUint16(b[offRseg:], h.Rseg)
	binary.BigEndian.PutUint64(b[offSCN:], uint64(h.Commit.SCN))
	binary.BigEndian.PutUint64(b[offUTC:], uint64(h.Commit.UTC))
	binary.BigEndian.PutUint64(b[offGCN:], uint64(h.Commit.GCN))

	if h.XID != nil {
		if err := h.XID.validate(); err != nil {
			return err
		}
		binary.BigEndian.PutUint32(b[offXIDFormat:], uint32(h.XID.FormatID))
		b[offXIDGtrid] = byte(len(h.XID.Gtrid))
		b[offXIDBqual] = byte(len(h.XID.Bqual))
		n := copy(b[offXIDData:], h.XID.Gtrid)
		copy(b[offXIDData+n:], h.XID.Bqual)
	}

	if h.IsTxn() {
		binary.BigEndian.PutUint32(b[offMagic:], TxnMagic)
		b[offExtFlag] = 0
	} else if len(h.GTID) > 0 {
		if len(h.GTID) > maxGTIDLength {
			return fmt.Errorf("gtid too long; %d bytes", len(h.GTID))
		}
		b[offGTIDLen] = byte(len(h.GTID))
		copy(b[offGTIDData:], h.GTID)
	}
	return nil
}

// DecodeHeader reads a header from b. A txn kind header must carry TxnMagic and
// a zero ext flag, otherwise an UndoHeaderCorruptError is returned.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, common.NewUndoHeaderCorruptError(fmt.Sprintf("undo header buffer is %d bytes, need %d", len(b), HeaderSize))
	}

	h := Header{
		TrxID:    binary.BigEndian.Uint64(b[offTrxID:]),
		State:    State(b[offState]),
		Flags:    Flags(b[offFlags]),
		LogStart: binary.BigEndian.Uint16(b[offLogStart:]),
		Free:     binary.BigEndian.Uint16(b[offFree:]),
		Rseg:     binary.BigEndian.Uint16(b[offRseg:]),
		Commit: scn.CommitSCN{
			SCN: scn.SCN(binary.BigEndian.Uint64(b[offSCN:])),
			UTC: scn.UTC(binary.BigEndian.Uint64(b[offUTC:])),
			GCN: scn.GCN(binary.BigEndian.Uint64(b[offGCN:])),
		},
	}

	if h.State < StateActive || h.State > StatePurged {
		return Header{}, common.NewUndoHeaderCorruptError(fmt.Sprintf("unknown undo header state %d", h.State))
	}

	if h.Flags&FlagXID != 0 {
		gl, bl := int(b[offXIDGtrid]), int(b[offXIDBqual])
		if gl+bl > xidDataSize {
			return Header{}, common.NewUndoHeaderCorruptError(fmt.Sprintf("xid lengths %d+%d overflow the xid area", gl, bl))
		}
		h.XID = &XID{
			FormatID: int32(binary.BigEndian.Uint32(b[offXIDFormat:])),
			Gtrid:    append([]byte(nil), b[offXIDData:offXIDData+gl]...),
			Bqual:    append([]byte(nil), b[offXIDData+gl:offXIDData+gl+bl]...),
		}
	}

	if h.IsTxn() {
		if m := binary.BigEndian.Uint32(b[offMagic:]); m != TxnMagic {
			return Header{}, common.NewUndoHeaderCorruptError(fmt.Sprintf("bad undo header magic %d", m))
		}
		if b[offExtFlag] != 0 {
			return Header{}, common.NewUndoHeaderCorruptError(fmt.Sprintf("unknown undo header ext flag %d", b[offExtFlag]))
		}
	} else if h.Flags&FlagGTID != 0 {
		n := int(b[offGTIDLen])
		if n > maxGTIDLength {
			return Header{}, common.NewUndoHeaderCorruptError(fmt.Sprintf("gtid length %d overflows the header", n))
		}
		h.GTID = append([]byte(nil), b[offGTIDData:offGTIDData+n]...)
	}
	return h, nil
}
