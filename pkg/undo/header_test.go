package undo

import (
	"encoding/binary"
	"testing"

	"github.com/dr0pdb/lizarddb/internal/common"
	"github.com/dr0pdb/lizarddb/pkg/scn"
	"github.com/stretchr/testify/assert"
)

func TestHeaderRoundTrip(t *testing.T) {
	headers := []Header{
		{
			TrxID:    77,
			State:    StateActive,
			Flags:    FlagTxn,
			LogStart: HeaderOffset + HeaderSize,
			Free:     HeaderOffset + HeaderSize,
			Commit:   scn.NullCommitSCN,
			Rseg:     3,
		},
		{
			TrxID:  78,
			State:  StateCommitted,
			Flags:  FlagTxn | FlagXID | FlagRollback,
			Commit: scn.CommitSCN{SCN: 42, UTC: 1617000000000000, GCN: 9},
			XID:    &XID{FormatID: 1, Gtrid: []byte("gtrid-1"), Bqual: []byte("b")},
		},
		{
			TrxID: 79,
			State: StatePurged,
			Flags: FlagGTID,
			GTID:  []byte("3e11fa47-71ca-11e1-9e33-c80aa9429562:23"),
		},
	}

	for _, h := range headers {
		b := make([]byte, HeaderSize)
		assert.Nil(t, h.Encode(b))

		got, err := DecodeHeader(b)
		assert.Nil(t, err)
		assert.Equal(t, h, got)
	}
}

func TestTxnHeaderLayout(t *testing.T) {
	h := Header{TrxID: 1, State: StateCommitted, Flags: FlagTxn, Commit: scn.CommitSCN{SCN: 2048, UTC: 99, GCN: 7}}
	b := make([]byte, HeaderSize)
	assert.Nil(t, h.Encode(b))

	assert.Equal(t, TxnMagic, binary.BigEndian.Uint32(b[202:206]))
	assert.Equal(t, byte(0), b[206])
	assert.Equal(t, make([]byte, 60), b[207:267], "reserved area must stay zero")
	assert.Equal(t, uint64(2048), binary.BigEndian.Uint64(b[22:30]))
	assert.Equal(t, uint64(99), binary.BigEndian.Uint64(b[30:38]))
}

func TestHeaderBadMagicIsCorrupt(t *testing.T) {
	h := Header{TrxID: 1, State: StateCommitted, Flags: FlagTxn, Commit: scn.CommitSCN{SCN: 2048}}
	b := make([]byte, HeaderSize)
	assert.Nil(t, h.Encode(b))
	b[offMagic] ^= 0x01

	_, err := DecodeHeader(b)
	_, ok := err.(common.UndoHeaderCorruptError)
	assert.True(t, ok, "expected an UndoHeaderCorruptError")
}

func TestHeaderUnknownExtFlagIsCorrupt(t *testing.T) {
	h := Header{TrxID: 1, State: StateCommitted, Flags: FlagTxn}
	b := make([]byte, HeaderSize)
	assert.Nil(t, h.Encode(b))
	b[offExtFlag] = 1

	_, err := DecodeHeader(b)
	_, ok := err.(common.UndoHeaderCorruptError)
	assert.True(t, ok, "expected an UndoHeaderCorruptError")
}

func TestZeroedHeaderIsCorrupt(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize))
	_, ok := err.(common.UndoHeaderCorruptError)
	assert.True(t, ok, "expected an UndoHeaderCorruptError")

	_, err = DecodeHeader(make([]byte, HeaderSize-1))
	assert.NotNil(t, err)
}

func TestHeaderXIDTooLong(t *testing.T) {
	h := Header{TrxID: 1, State: StateActive, Flags: FlagTxn | FlagXID, XID: &XID{Gtrid: make([]byte, 65)}}
	assert.NotNil(t, h.Encode(make([]byte, HeaderSize)))
}
