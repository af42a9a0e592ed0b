package redo

import (
	"encoding/binary"
	"fmt"

	"github.com/dr0pdb/lizarddb/internal/common"
)

// Type is the type of a redo record.
type Type uint8

const (
	// TypeUndoHdrCreate writes a full undo log header image.
	TypeUndoHdrCreate Type = iota + 1

	// TypeUndoHdrCommit writes the final state and commit outcome of an undo log header.
	TypeUndoHdrCommit

	// TypeUndoHdrPurge marks an undo log header as purged.
	TypeUndoHdrPurge

	// TypeRowVisibility rewrites the visibility fields of one row.
	TypeRowVisibility

	// TypePageWrite writes a byte string into a page.
	TypePageWrite
)

func (t Type) String() string {
	switch t {
	case TypeUndoHdrCreate:
		return "UNDO_HDR_CREATE"
	case TypeUndoHdrCommit:
		return "UNDO_HDR_COMMIT"
	case TypeUndoHdrPurge:
		return "UNDO_HDR_PURGE"
	case TypeRowVisibility:
		return "ROW_VISIBILITY"
	case TypePageWrite:
		return "PAGE_WRITE"
	}
	return fmt.Sprintf("TYPE(%d)", uint8(t))
}

// Store identifies which page store a PageWrite targets.
type Store uint8

const (
	// StoreUndo is the undo tablespace pages.
	StoreUndo Store = 1

	// StoreRow is the row pages.
	StoreRow Store = 2
)

// Record is one redo record of a mini transaction.
type Record interface {
	Type() Type
	encode(b []byte) []byte
}

// UndoHdrCreate is logged when an undo log header is written at segment assignment.
type UndoHdrCreate struct {
	Space  uint8
	Page   uint32
	Offset uint16
	Image  []byte
}

// UndoHdrCommit is logged when the final state of a transaction is written into its header.
type UndoHdrCommit struct {
	Space  uint8
	Page   uint32
	Offset uint16
	State  uint8
	Flags  uint8
	SCN    uint64
	UTC    uint64
	GCN    uint64
}

// UndoHdrPurge is logged when purge moves an undo segment to the free list.
type UndoHdrPurge struct {
	Space  uint8
	Page   uint32
	Offset uint16
}

// RowVisibility is logged for every write of the row visibility fields.
type RowVisibility struct {
	Space     uint32
	Page      uint32
	RecOffset uint16
	SysPos    uint16
	SCN       uint64
	UBA       uint64
}

// PageWrite is a raw byte string written at an offset of a page.
type PageWrite struct {
	Store  Store
	Space  uint32
	Page   uint32
	Offset uint16
	Data   []byte
}

// Type implements Record.
func (UndoHdrCreate) Type() Type { return TypeUndoHdrCreate }

// Type implements Record.
func (UndoHdrCommit) Type() Type { return TypeUndoHdrCommit }

// Type implements Record.
func (UndoHdrPurge) Type() Type { return TypeUndoHdrPurge }

// Type implements Record.
func (RowVisibility) Type() Type { return TypeRowVisibility }

// Type implements Record.
func (PageWrite) Type() Type { return TypePageWrite }

func putUvarint(b []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(b, buf[:n]...)
}

func putStr(b []byte, s []byte) []byte {
	b = putUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func putUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

const ubaSize = 7

func putUBA(b []byte, uba uint64) []byte {
	var buf [ubaSize]byte
	for i := ubaSize - 1; i >= 0; i-- {
		buf[i] = byte(uba)
		uba >>= 8
	}
	return append(b, buf[:]...)
}

func (r UndoHdrCreate) encode(b []byte) []byte {
	b = append(b, r.Space)
	b = putUvarint(b, uint64(r.Page))
	b = putUint16(b, r.Offset)
	return putStr(b, r.Image)
}

func (r UndoHdrCommit) encode(b []byte) []byte {
	b = append(b, r.Space)
	b = putUvarint(b, uint64(r.Page))
	b = putUint16(b, r.Offset)
	b = append(b, r.State, r.Flags)
	b = putUvarint(b, r.SCN)
	b = putUvarint(b, r.UTC)
	return putUvarint(b, r.GCN)
}

func (r UndoHdrPurge) encode(b []byte) []byte {
	b = append(b, r.Space)
	b = putUvarint(b, uint64(r.Page))
	return putUint16(b, r.Offset)
}

func (r RowVisibility) encode(b []byte) []byte {
	b = putUvarint(b, uint64(r.Space))
	b = putUvarint(b, uint64(r.Page))
	b = putUvarint(b, uint64(r.SysPos))
	b = putUvarint(b, r.SCN)
	b = putUBA(b, r.UBA)
	return putUint16(b, r.RecOffset)
}

func (r PageWrite) encode(b []byte) []byte {
	b = append(b, byte(r.Store))
	b = putUvarint(b, uint64(r.Space))
	b = putUvarint(b, uint64(r.Page))
	b = putUint16(b, r.Offset)
	return putStr(b, r.Data)
}

// recordIterator walks the records of one mini transaction.
type recordIterator []byte

func corrupt(what string) error {
	return common.NewCorruptLogRecordError(fmt.Sprintf("redo record: %s", what))
}

func (ri *recordIterator) byte() (byte, error) {
	tmp := *ri
	if len(tmp) < 1 {
		return 0, corrupt("truncated byte")
	}
	*ri = tmp[1:]
	return tmp[0], nil
}

func (ri *recordIterator) uvarint(max uint64) (uint64, error) {
	u, n := binary.Uvarint(*ri)
	if n <= 0 {
		return 0, corrupt("bad varint")
	}
	if u > max {
		return 0, corrupt(fmt.Sprintf("value %d out of range", u))
	}
	*ri = (*ri)[n:]
	return u, nil
}

func (ri *recordIterator) uint16() (uint16, error) {
	tmp := *ri
	if len(tmp) < 2 {
		return 0, corrupt("truncated uint16")
	}
	*ri = tmp[2:]
	return uint16(tmp[0])<<8 | uint16(tmp[1]), nil
}

func (ri *recordIterator) uba() (uint64, error) {
	tmp := *ri
	if len(tmp) < ubaSize {
		return 0, corrupt("truncated uba")
	}
	var u uint64
	for i := 0; i < ubaSize; i++ {
		u = u<<8 | uint64(tmp[i])
	}
	*ri = tmp[ubaSize:]
	return u, nil
}

// str reads a length prefixed byte string. The result is copied.
func (ri *recordIterator) str() ([]byte, error) {
	u, err := ri.uvarint(maxU64)
	if err != nil {
		return nil, err
	}
	tmp := *ri
	if u > uint64(len(tmp)) {
		return nil, corrupt(fmt.Sprintf("string of %d bytes overflows the record", u))
	}
	s := append([]byte(nil), tmp[:u]...)
	*ri = tmp[u:]
	return s, nil
}

const (
	maxU16 = 1<<16 - 1
	maxU32 = 1<<32 - 1
	maxU64 = 1<<64 - 1
)

// next decodes the next record. The caller checks that the iterator isn't empty.
func (ri *recordIterator) next() (Record, error) {
	t, err := ri.byte()
	if err != nil {
		return nil, err
	}

	// e keeps the first decode error so that each case reads like the encoder.
	var e error
	must := func(v uint64, err error) uint64 {
		if e == nil && err != nil {
			e = err
		}
		return v
	}
	mustByte := func(v byte, err error) byte {
		if e == nil && err != nil {
			e = err
		}
		return v
	}
	mustU16 := func(v uint16, err error) uint16 {
		if e == nil && err != nil {
			e = err
		}
		return v
	}

	var rec Record
	switch Type(t) {
	case TypeUndoHdrCreate:
		r := UndoHdrCreate{}
		r.Space = mustByte(ri.byte())
		r.Page = uint32(must(ri.uvarint(maxU32)))
		r.Offset = mustU16(ri.uint16())
		if e == nil {
			r.Image, e = ri.str()
		}
		rec = r

	case TypeUndoHdrCommit:
		r := UndoHdrCommit{}
		r.Space = mustByte(ri.byte())
		r.Page = uint32(must(ri.uvarint(maxU32)))
		r.Offset = mustU16(ri.uint16())
		r.State = mustByte(ri.byte())
		r.Flags = mustByte(ri.byte())
		r.SCN = must(ri.uvarint(maxU64))
		r.UTC = must(ri.uvarint(maxU64))
		r.GCN = must(ri.uvarint(maxU64))
		rec = r

	case TypeUndoHdrPurge:
		r := UndoHdrPurge{}
		r.Space = mustByte(ri.byte())
		r.Page = uint32(must(ri.uvarint(maxU32)))
		r.Offset = mustU16(ri.uint16())
		rec = r

	case TypeRowVisibility:
		r := RowVisibility{}
		r.Space = uint32(must(ri.uvarint(maxU32)))
		r.Page = uint32(must(ri.uvarint(maxU32)))
		r.SysPos = uint16(must(ri.uvarint(maxU16)))
		r.SCN = must(ri.uvarint(maxU64))
		r.UBA = must(ri.uba())
		r.RecOffset = mustU16(ri.uint16())
		rec = r

	case TypePageWrite:
		r := PageWrite{}
		r.Store = Store(mustByte(ri.byte()))
		r.Space = uint32(must(ri.uvarint(maxU32)))
		r.Page = uint32(must(ri.uvarint(maxU32)))
		r.Offset = mustU16(ri.uint16())
		if e == nil {
			r.Data, e = ri.str()
		}
		rec = r

	default:
		return nil, corrupt(fmt.Sprintf("unknown record type %d", t))
	}

	if e != nil {
		return nil, e
	}
	return rec, nil
}
