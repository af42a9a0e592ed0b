package undo

import (
	"bytes"
	"testing"

	"github.com/dr0pdb/lizarddb/internal/common"
	"github.com/dr0pdb/lizarddb/pkg/pagestore"
	"github.com/dr0pdb/lizarddb/pkg/redo"
	"github.com/dr0pdb/lizarddb/pkg/scn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// undoTestHarness keeps the mtrs of a test so that they can be replayed on a fresh manager.
type undoTestHarness struct {
	m    *Manager
	mtrs []*redo.Mtr
}

func newUndoTestHarness() *undoTestHarness {
	return &undoTestHarness{m: NewManager(2, 2)}
}

func (h *undoTestHarness) mtr() *redo.Mtr {
	m := redo.NoRedo()
	h.mtrs = append(h.mtrs, m)
	return m
}

func (h *undoTestHarness) replayOn(m *Manager) error {
	for _, mtr := range h.mtrs {
		recs, err := mtr.Records()
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err = m.Apply(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func TestAssignWritesActiveHeader(t *testing.T) {
	h := newUndoTestHarness()
	seg, err := h.m.Assign(h.mtr(), 100, nil)
	require.Nil(t, err)

	uba := seg.HeaderUBA()
	assert.True(t, uba.IsActive())
	assert.Equal(t, uint16(HeaderOffset), uba.Offset())

	hdr, err := h.m.ReadHeader(uba)
	assert.Nil(t, err)
	assert.Equal(t, uint64(100), hdr.TrxID)
	assert.Equal(t, StateActive, hdr.State)
	assert.True(t, hdr.IsTxn())
	assert.True(t, hdr.Commit.IsNull())
}

func TestAssignSpreadsOverRsegs(t *testing.T) {
	h := newUndoTestHarness()
	seen := map[*Rseg]bool{}
	for i := 0; i < 4; i++ {
		seg, err := h.m.Assign(h.mtr(), uint64(i+1), nil)
		require.Nil(t, err)
		seen[seg.rseg] = true
	}
	assert.Equal(t, 4, len(seen))
}

func TestAppendAndReadRecords(t *testing.T) {
	h := newUndoTestHarness()
	seg, err := h.m.Assign(h.mtr(), 1, nil)
	require.Nil(t, err)

	var ubas []UBA
	var payloads [][]byte
	for i := 0; i < 40; i++ {
		p := bytes.Repeat([]byte{byte(i)}, 1000)
		uba, err := h.m.AppendRecord(h.mtr(), seg.HeaderUBA(), p)
		require.Nil(t, err)
		ubas = append(ubas, uba)
		payloads = append(payloads, p)
	}
	assert.True(t, len(seg.pages) > 1, "records must spill into more pages")

	for i, uba := range ubas {
		got, err := h.m.ReadRecord(uba)
		assert.Nil(t, err)
		assert.Equal(t, payloads[i], got)
	}

	_, err = h.m.AppendRecord(h.mtr(), seg.HeaderUBA(), make([]byte, PageSize))
	assert.NotNil(t, err)
}

func TestAppendToUnknownSegment(t *testing.T) {
	h := newUndoTestHarness()
	_, err := h.m.AppendRecord(h.mtr(), NewUBA(1, 999, HeaderOffset, false), []byte("x"))
	_, ok := err.(common.NotFoundError)
	assert.True(t, ok)
}

func TestCommitMovesToHistory(t *testing.T) {
	h := newUndoTestHarness()
	seg, err := h.m.Assign(h.mtr(), 1, nil)
	require.Nil(t, err)

	c := scn.CommitSCN{SCN: 2000, UTC: 5, GCN: scn.NullGCN}
	assert.Nil(t, h.m.Commit(h.mtr(), seg, c, false))

	hdr, err := h.m.ReadHeader(seg.HeaderUBA())
	assert.Nil(t, err)
	assert.Equal(t, StateCommitted, hdr.State)
	assert.Equal(t, c, hdr.Commit)
	assert.False(t, hdr.RolledBack())
	assert.Equal(t, 1, h.m.HistoryLen())

	_, err = h.m.AppendRecord(h.mtr(), seg.HeaderUBA(), []byte("late"))
	assert.NotNil(t, err, "appending to a committed segment must fail")
}

func TestPurgeAndReuse(t *testing.T) {
	h := newUndoTestHarness()
	m := NewManager(1, 1)
	h.m = m

	seg1, err := m.Assign(h.mtr(), 1, nil)
	require.Nil(t, err)
	assert.Nil(t, m.Commit(h.mtr(), seg1, scn.CommitSCN{SCN: 2000}, false))
	seg2, err := m.Assign(h.mtr(), 2, nil)
	require.Nil(t, err)
	assert.Nil(t, m.Commit(h.mtr(), seg2, scn.CommitSCN{SCN: 2001}, false))

	n, err := m.Purge(h.mtr(), 2001)
	assert.Nil(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, m.HistoryLen())

	hdr, err := m.ReadHeader(seg1.HeaderUBA())
	assert.Nil(t, err)
	assert.Equal(t, StatePurged, hdr.State)
	assert.Equal(t, scn.SCN(2000), hdr.Commit.SCN, "purge keeps the commit outcome")

	// the purged segment is reused by the next transaction
	seg3, err := m.Assign(h.mtr(), 3, nil)
	require.Nil(t, err)
	assert.Equal(t, seg1.Addr(), seg3.Addr())

	hdr, err = m.ReadHeader(seg3.HeaderUBA())
	assert.Nil(t, err)
	assert.Equal(t, uint64(3), hdr.TrxID)
	assert.Equal(t, StateActive, hdr.State)
}

func TestScanSegmentsVisitsEveryList(t *testing.T) {
	h := newUndoTestHarness()
	m := NewManager(1, 1)
	h.m = m

	committed, err := m.Assign(h.mtr(), 1, nil)
	require.Nil(t, err)
	assert.Nil(t, m.Commit(h.mtr(), committed, scn.CommitSCN{SCN: 2000}, false))
	purged, err := m.Assign(h.mtr(), 2, nil)
	require.Nil(t, err)
	assert.Nil(t, m.Commit(h.mtr(), purged, scn.CommitSCN{SCN: 1999}, false))
	_, err = m.Assign(h.mtr(), 3, nil)
	require.Nil(t, err)

	n, err := m.Purge(h.mtr(), 2001)
	assert.Nil(t, err)
	assert.Equal(t, 2, n)

	lists := map[List]int{}
	m.ScanSegments(func(info SegmentInfo, err error) {
		assert.Nil(t, err)
		lists[info.List]++
	})
	assert.Equal(t, map[List]int{ListActive: 1, ListCached: 2}, lists)
}

func TestFindXID(t *testing.T) {
	h := newUndoTestHarness()
	xid := XID{FormatID: 1, Gtrid: []byte("g1"), Bqual: []byte("b1")}

	seg, err := h.m.Assign(h.mtr(), 10, &xid)
	require.Nil(t, err)
	_, ok := h.m.FindXID(XID{FormatID: 1, Gtrid: []byte("g2")})
	assert.False(t, ok)

	assert.Nil(t, h.m.Commit(h.mtr(), seg, scn.CommitSCN{SCN: 3000, GCN: 12}, true))
	hdr, ok := h.m.FindXID(xid)
	assert.True(t, ok)
	assert.Equal(t, uint64(10), hdr.TrxID)
	assert.True(t, hdr.RolledBack())
	assert.Equal(t, scn.GCN(12), hdr.Commit.GCN)
}

func TestRecoveryFromCheckpointAndRedo(t *testing.T) {
	h := newUndoTestHarness()
	store := pagestore.NewMemStore()

	committed, err := h.m.Assign(h.mtr(), 1, nil)
	require.Nil(t, err)
	_, err = h.m.AppendRecord(h.mtr(), committed.HeaderUBA(), []byte("before checkpoint"))
	require.Nil(t, err)
	assert.Nil(t, h.m.Commit(h.mtr(), committed, scn.CommitSCN{SCN: 2000, GCN: 5}, false))

	assert.Nil(t, h.m.Checkpoint(store))
	h.mtrs = nil

	// changes after the checkpoint only live in the redo
	active, err := h.m.Assign(h.mtr(), 2, nil)
	require.Nil(t, err)
	recUBA, err := h.m.AppendRecord(h.mtr(), active.HeaderUBA(), []byte("after checkpoint"))
	require.Nil(t, err)
	late, err := h.m.Assign(h.mtr(), 3, nil)
	require.Nil(t, err)
	assert.Nil(t, h.m.Commit(h.mtr(), late, scn.CommitSCN{SCN: 2001, GCN: 4}, false))

	m := NewManager(2, 2)
	assert.Nil(t, m.Load(store))
	assert.Nil(t, h.replayOn(m))
	rec, err := m.Rebuild()
	assert.Nil(t, err)

	assert.Equal(t, scn.SCN(2001), rec.MaxSCN)
	assert.Equal(t, scn.GCN(5), rec.MaxGCN)
	assert.Equal(t, uint64(3), rec.MaxTrxID)
	require.Equal(t, 1, len(rec.Active))
	assert.Equal(t, active.Addr(), rec.Active[0].Addr())
	assert.Equal(t, 2, m.HistoryLen())

	got, err := m.ReadRecord(recUBA)
	assert.Nil(t, err)
	assert.Equal(t, []byte("after checkpoint"), got)

	hdr, err := m.ReadHeader(late.HeaderUBA())
	assert.Nil(t, err)
	assert.Equal(t, StateCommitted, hdr.State)
	assert.Equal(t, scn.SCN(2001), hdr.Commit.SCN)

	// history is in commit order after a rebuild
	for _, r := range m.Rsegs() {
		for i := 1; i < len(r.history); i++ {
			assert.True(t, r.history[i-1].commit.SCN < r.history[i].commit.SCN)
		}
	}
}

func TestRecordsInAppendOrder(t *testing.T) {
	h := newUndoTestHarness()
	m := NewManager(1, 1)
	h.m = m

	seg, err := m.Assign(h.mtr(), 1, nil)
	require.Nil(t, err)
	var payloads [][]byte
	for i := 0; i < 40; i++ {
		p := bytes.Repeat([]byte{byte(i)}, 1000)
		_, err = m.AppendRecord(h.mtr(), seg.HeaderUBA(), p)
		require.Nil(t, err)
		payloads = append(payloads, p)
	}
	require.True(t, len(seg.pages) > 1)

	got, err := m.Records(seg)
	assert.Nil(t, err)
	assert.Equal(t, payloads, got)

	// a reused segment starts without records
	assert.Nil(t, m.Commit(h.mtr(), seg, scn.CommitSCN{SCN: 2000}, false))
	n, err := m.Purge(h.mtr(), 2001)
	require.Nil(t, err)
	require.Equal(t, 1, n)
	reused, err := m.Assign(h.mtr(), 2, nil)
	require.Nil(t, err)
	require.Equal(t, seg.Addr(), reused.Addr())
	assert.Equal(t, uint64(2), reused.TrxID())

	got, err = m.Records(reused)
	assert.Nil(t, err)
	assert.Empty(t, got)
}

func TestRolledBackSegmentWaitsForUndo(t *testing.T) {
	h := newUndoTestHarness()
	m := NewManager(1, 1)
	h.m = m

	rolledBack, err := m.Assign(h.mtr(), 1, nil)
	require.Nil(t, err)
	assert.NotNil(t, m.MarkUndoApplied(h.mtr(), rolledBack), "an active segment can't be marked")
	assert.Nil(t, m.Commit(h.mtr(), rolledBack, scn.CommitSCN{SCN: 2000}, true))
	committed, err := m.Assign(h.mtr(), 2, nil)
	require.Nil(t, err)
	assert.Nil(t, m.Commit(h.mtr(), committed, scn.CommitSCN{SCN: 2001}, false))

	n, err := m.Purge(h.mtr(), scn.MaxSCN)
	assert.Nil(t, err)
	assert.Equal(t, 1, n, "only the committed segment is purged")
	assert.Equal(t, 1, m.HistoryLen())
	assert.Equal(t, scn.SCN(2001), m.PurgeHorizon())

	// a crash here leaves the rollback to be finished by recovery
	rebuilt := NewManager(1, 1)
	assert.Nil(t, h.replayOn(rebuilt))
	rec, err := rebuilt.Rebuild()
	require.Nil(t, err)
	require.Len(t, rec.Unapplied, 1)
	assert.Equal(t, rolledBack.Addr(), rec.Unapplied[0].Addr())
	assert.Equal(t, uint64(1), rec.Unapplied[0].TrxID())
	assert.Equal(t, scn.SCN(2001), rebuilt.PurgeHorizon())

	assert.Nil(t, m.MarkUndoApplied(h.mtr(), rolledBack))
	hdr, err := m.ReadHeader(rolledBack.HeaderUBA())
	require.Nil(t, err)
	assert.True(t, hdr.RolledBack())
	assert.True(t, hdr.UndoApplied())

	n, err = m.Purge(h.mtr(), scn.MaxSCN)
	assert.Nil(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, scn.SCN(2001), m.PurgeHorizon(), "the horizon never goes back")
}

func TestPurgeHorizonIsRebuiltFromRedo(t *testing.T) {
	h := newUndoTestHarness()
	m := NewManager(1, 1)
	h.m = m
	assert.Equal(t, scn.PurgedSCN, m.PurgeHorizon())

	seg, err := m.Assign(h.mtr(), 1, nil)
	require.Nil(t, err)
	assert.Nil(t, m.Commit(h.mtr(), seg, scn.CommitSCN{SCN: 2000}, false))
	_, err = m.Purge(h.mtr(), 2001)
	require.Nil(t, err)
	assert.Equal(t, scn.SCN(2000), m.PurgeHorizon())

	// the slot is reused, so only the purge record remembers 2000
	_, err = m.Assign(h.mtr(), 2, nil)
	require.Nil(t, err)

	replayed := NewManager(1, 1)
	assert.Nil(t, h.replayOn(replayed))
	assert.Equal(t, scn.SCN(2000), replayed.PurgeHorizon())

	restored := NewManager(1, 1)
	restored.RestorePurgeHorizon(1990)
	restored.RestorePurgeHorizon(scn.NullSCN)
	assert.Equal(t, scn.SCN(1990), restored.PurgeHorizon())
}
