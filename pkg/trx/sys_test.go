package trx

import (
	"sync"
	"testing"

	"github.com/dr0pdb/lizarddb/internal/common"
	"github.com/dr0pdb/lizarddb/pkg/cleanout"
	"github.com/dr0pdb/lizarddb/pkg/redo"
	"github.com/dr0pdb/lizarddb/pkg/scn"
	"github.com/dr0pdb/lizarddb/pkg/undo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noRedo struct{}

func (noRedo) Open(int) *redo.Mtr { return redo.NoRedo() }

// undoneRecord is one record handed to recordingApplier.
type undoneRecord struct {
	trxID   uint64
	hdr     undo.UBA
	payload string
}

// recordingApplier keeps the undo records it was asked to apply, in order.
type recordingApplier struct {
	mu   sync.Mutex
	recs []undoneRecord
	err  error
}

func (a *recordingApplier) ApplyUndo(trxID uint64, hdr undo.UBA, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.recs = append(a.recs, undoneRecord{trxID: trxID, hdr: hdr, payload: string(payload)})
	return nil
}

// trxTestHarness is a transaction system on in-memory undo.
type trxTestHarness struct {
	alloc    *scn.Allocator
	undo     *undo.Manager
	registry *cleanout.Registry
	cleaner  *cleanout.Engine
	applier  *recordingApplier
	sys      *Sys
}

func newTrxTestHarness(t *testing.T, safe bool) *trxTestHarness {
	h := &trxTestHarness{
		alloc:    scn.NewAllocator(),
		undo:     undo.NewManager(2, 2),
		registry: cleanout.NewRegistry(),
		applier:  &recordingApplier{},
	}
	h.cleaner = cleanout.NewEngine(h.registry, h.undo, noRedo{}, safe)
	h.sys = NewSys(h.alloc, h.undo, noRedo{}, h.cleaner, h.applier, 1)
	t.Cleanup(h.registry.Close)
	return h
}

func TestBeginHandsOutIncreasingIDs(t *testing.T) {
	h := newTrxTestHarness(t, true)
	t1 := h.sys.Begin()
	t2 := h.sys.Begin()
	assert.Equal(t, uint64(1), t1.ID())
	assert.Equal(t, uint64(2), t2.ID())
	assert.Equal(t, 2, h.sys.ActiveCount())

	assert.Equal(t, undo.NullUBA, t1.Desc().UBA)
	assert.True(t, t1.Desc().Commit.IsNull())
}

func TestReadOnlyCommitGetsNoSCN(t *testing.T) {
	h := newTrxTestHarness(t, true)
	txn := h.sys.Begin()
	c, err := h.sys.Commit(txn, scn.NullGCN)
	assert.Nil(t, err)
	assert.True(t, c.IsNull())
	assert.Equal(t, StateCommitted, txn.State())
	assert.Equal(t, 0, h.sys.ActiveCount())
	assert.Equal(t, scn.ReservedSCN-1, h.alloc.Current(), "no scn is consumed")
}

func TestAssignUndoAlwaysRegisters(t *testing.T) {
	for _, safe := range []bool{true, false} {
		h := newTrxTestHarness(t, safe)
		txn := h.sys.Begin()
		require.Nil(t, h.sys.AssignUndo(txn))
		require.Nil(t, h.sys.AssignUndo(txn), "assigning twice is a no-op")

		uba := txn.Desc().UBA
		assert.True(t, uba.IsActive())
		assert.True(t, h.registry.Exists(uba.Addr()), "safe mode %v", safe)

		hdr, err := h.undo.ReadHeader(uba)
		require.Nil(t, err)
		assert.Equal(t, txn.ID(), hdr.TrxID)
		assert.Equal(t, undo.StateActive, hdr.State)
	}
}

func TestCommitWritesHeader(t *testing.T) {
	h := newTrxTestHarness(t, true)
	txn := h.sys.Begin()
	_, err := h.sys.AppendUndo(txn, []byte("old image"))
	require.Nil(t, err)

	c, err := h.sys.Commit(txn, 33)
	require.Nil(t, err)
	assert.Equal(t, scn.ReservedSCN, c.SCN)
	assert.Equal(t, scn.GCN(33), c.GCN)
	assert.Equal(t, c, txn.Desc().Commit)
	assert.Equal(t, scn.GCN(33), h.alloc.CurrentGCN())

	hdr, err := h.undo.ReadHeader(txn.Desc().UBA)
	require.Nil(t, err)
	assert.Equal(t, undo.StateCommitted, hdr.State)
	assert.Equal(t, c, hdr.Commit)
	assert.False(t, hdr.RolledBack())
	assert.Equal(t, 1, h.undo.HistoryLen())

	_, err = h.sys.Commit(txn, scn.NullGCN)
	_, ok := err.(common.CommittedTransactionError)
	assert.True(t, ok)
	_, err = h.sys.AppendUndo(txn, []byte("x"))
	_, ok = err.(common.CommittedTransactionError)
	assert.True(t, ok)
}

func TestAppendUndoReturnsReadableRecord(t *testing.T) {
	h := newTrxTestHarness(t, true)
	txn := h.sys.Begin()
	uba, err := h.sys.AppendUndo(txn, []byte("before image"))
	require.Nil(t, err)
	assert.Equal(t, txn.Desc().UBA.Addr(), uba.Addr())

	payload, err := h.undo.ReadRecord(uba)
	assert.Nil(t, err)
	assert.Equal(t, []byte("before image"), payload)
}

func TestRollback(t *testing.T) {
	h := newTrxTestHarness(t, true)
	txn := h.sys.Begin()
	require.Nil(t, h.sys.AssignUndo(txn))
	require.Nil(t, h.sys.Rollback(txn))
	assert.Equal(t, StateRolledBack, txn.State())
	assert.False(t, txn.Desc().Commit.IsNull())

	hdr, err := h.undo.ReadHeader(txn.Desc().UBA)
	require.Nil(t, err)
	assert.True(t, hdr.RolledBack())

	_, err = h.sys.Commit(txn, scn.NullGCN)
	_, ok := err.(common.AbortedTransactionError)
	assert.True(t, ok)

	empty := h.sys.Begin()
	assert.Nil(t, h.sys.Rollback(empty))
	assert.True(t, empty.Desc().Commit.IsNull())
}

func TestRollbackUndoesRecordsNewestFirst(t *testing.T) {
	h := newTrxTestHarness(t, true)
	txn := h.sys.Begin()
	for _, p := range []string{"first", "second", "third"} {
		_, err := h.sys.AppendUndo(txn, []byte(p))
		require.Nil(t, err)
	}
	require.Nil(t, h.sys.Rollback(txn))

	hdrUBA := txn.Desc().UBA
	require.Len(t, h.applier.recs, 3)
	for i, p := range []string{"third", "second", "first"} {
		assert.Equal(t, undoneRecord{trxID: txn.ID(), hdr: hdrUBA, payload: p}, h.applier.recs[i])
	}

	hdr, err := h.undo.ReadHeader(hdrUBA)
	require.Nil(t, err)
	assert.True(t, hdr.RolledBack())
	assert.True(t, hdr.UndoApplied())

	n, err := h.sys.Purge(scn.MaxSCN)
	assert.Nil(t, err)
	assert.Equal(t, 1, n)
}

func TestFailedUndoKeepsTransactionActive(t *testing.T) {
	h := newTrxTestHarness(t, true)
	txn := h.sys.Begin()
	_, err := h.sys.AppendUndo(txn, []byte("row"))
	require.Nil(t, err)

	h.applier.err = common.NewUnknownError("page gone")
	assert.NotNil(t, h.sys.Rollback(txn))
	assert.Equal(t, StateActive, txn.State())
	assert.Equal(t, 0, h.undo.HistoryLen())

	h.applier.err = nil
	require.Nil(t, h.sys.Rollback(txn))
	assert.Equal(t, StateRolledBack, txn.State())
}

func TestRollbackRecoveredUsesSegmentTrxID(t *testing.T) {
	h := newTrxTestHarness(t, true)
	txn := h.sys.Begin()
	_, err := h.sys.AppendUndo(txn, []byte("crashed"))
	require.Nil(t, err)

	seg, ok := h.undo.Segment(txn.Desc().UBA.Addr())
	require.True(t, ok)
	c, err := h.sys.RollbackRecovered(seg)
	require.Nil(t, err)
	assert.False(t, c.IsNull())

	require.Len(t, h.applier.recs, 1)
	assert.Equal(t, txn.ID(), h.applier.recs[0].trxID)
	assert.Equal(t, "crashed", h.applier.recs[0].payload)
}

func TestResolveRolledBackReleasesSegmentToPurge(t *testing.T) {
	h := newTrxTestHarness(t, true)
	txn := h.sys.Begin()
	_, err := h.sys.AppendUndo(txn, []byte("left behind"))
	require.Nil(t, err)

	// a rollback that reached history without marking its rows
	seg, ok := h.undo.Segment(txn.Desc().UBA.Addr())
	require.True(t, ok)
	c, err := h.alloc.Commit(scn.NullGCN, func(c scn.CommitSCN) error {
		return h.undo.Commit(redo.NoRedo(), seg, c, true)
	})
	require.Nil(t, err)

	n, err := h.sys.Purge(scn.MaxSCN)
	assert.Nil(t, err)
	assert.Equal(t, 0, n, "unmarked rows keep the segment out of purge")

	require.Nil(t, h.sys.ResolveRolledBack(seg))
	require.Len(t, h.applier.recs, 1)
	assert.Equal(t, "left behind", h.applier.recs[0].payload)

	n, err = h.sys.Purge(scn.MaxSCN)
	assert.Nil(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, c.SCN, h.undo.PurgeHorizon())
}

func TestConcurrentCommitsGetDistinctOrderedSCNs(t *testing.T) {
	h := newTrxTestHarness(t, true)
	const n = 64

	txns := make([]*Txn, n)
	for i := range txns {
		txns[i] = h.sys.Begin()
		require.Nil(t, h.sys.AssignUndo(txns[i]))
	}

	commits := make([]scn.CommitSCN, n)
	wg := &sync.WaitGroup{}
	for i := range txns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := h.sys.Commit(txns[i], scn.NullGCN)
			assert.Nil(t, err)
			commits[i] = c
		}(i)
	}
	wg.Wait()

	seen := map[scn.SCN]bool{}
	for i, c := range commits {
		assert.False(t, seen[c.SCN], "scn %d handed out twice", c.SCN)
		seen[c.SCN] = true

		hdr, err := h.undo.ReadHeader(txns[i].Desc().UBA)
		require.Nil(t, err)
		assert.Equal(t, c.SCN, hdr.Commit.SCN)
	}
	assert.Equal(t, scn.ReservedSCN+n-1, h.alloc.Current())
}

func TestExhaustedAllocatorPanics(t *testing.T) {
	h := newTrxTestHarness(t, true)
	h.alloc.Init(scn.MaxSCN, scn.NullGCN)
	txn := h.sys.Begin()
	require.Nil(t, h.sys.AssignUndo(txn))

	assert.Panics(t, func() {
		h.sys.Commit(txn, scn.NullGCN)
	})
}

func TestTransactionInfoByXID(t *testing.T) {
	h := newTrxTestHarness(t, true)
	committed := undo.XID{FormatID: 1, Gtrid: []byte("g1"), Bqual: []byte("b1")}
	rolledBack := undo.XID{FormatID: 1, Gtrid: []byte("g2"), Bqual: []byte("b2")}
	running := undo.XID{FormatID: 1, Gtrid: []byte("g3"), Bqual: []byte("b3")}

	t1 := h.sys.BeginXA(committed)
	require.Nil(t, h.sys.AssignUndo(t1))
	_, err := h.sys.Commit(t1, 77)
	require.Nil(t, err)

	t2 := h.sys.BeginXA(rolledBack)
	require.Nil(t, h.sys.AssignUndo(t2))
	require.Nil(t, h.sys.Rollback(t2))

	t3 := h.sys.BeginXA(running)
	require.Nil(t, h.sys.AssignUndo(t3))

	info, ok := h.sys.TransactionInfoByXID(committed)
	assert.True(t, ok)
	assert.Equal(t, OutcomeCommit, info.Outcome)
	assert.Equal(t, scn.GCN(77), info.GCN)

	info, ok = h.sys.TransactionInfoByXID(rolledBack)
	assert.True(t, ok)
	assert.Equal(t, OutcomeRollback, info.Outcome)

	_, ok = h.sys.TransactionInfoByXID(running)
	assert.False(t, ok, "a running transaction has no outcome")

	_, ok = h.sys.TransactionInfoByXID(undo.XID{FormatID: 9, Gtrid: []byte("nope")})
	assert.False(t, ok)
}

func TestPurge(t *testing.T) {
	h := newTrxTestHarness(t, true)
	var last scn.CommitSCN
	for i := 0; i < 3; i++ {
		txn := h.sys.Begin()
		require.Nil(t, h.sys.AssignUndo(txn))
		c, err := h.sys.Commit(txn, scn.NullGCN)
		require.Nil(t, err)
		last = c
	}
	assert.Equal(t, 3, h.undo.HistoryLen())

	n, err := h.sys.Purge(last.SCN)
	assert.Nil(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, h.undo.HistoryLen())
}
