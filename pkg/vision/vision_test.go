package vision

import (
	"testing"

	"github.com/dr0pdb/lizarddb/internal/common"
	"github.com/dr0pdb/lizarddb/pkg/scn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExchanger serves a fixed sample list: ts -> scn of the latest sample at or before ts.
type fakeExchanger struct {
	samples []struct {
		utc scn.UTC
		scn scn.SCN
	}
	err error
}

func (f *fakeExchanger) add(u scn.UTC, s scn.SCN) *fakeExchanger {
	f.samples = append(f.samples, struct {
		utc scn.UTC
		scn scn.SCN
	}{u, s})
	return f
}

func (f *fakeExchanger) Exchange(ts scn.UTC) (scn.SCN, error) {
	if f.err != nil {
		return scn.NullSCN, f.err
	}
	if len(f.samples) == 0 || ts < f.samples[0].utc {
		return scn.NullSCN, common.NewSnapshotOutOfRangeError("too old")
	}
	res := f.samples[0].scn
	for _, smp := range f.samples {
		if smp.utc <= ts {
			res = smp.scn
		}
	}
	return res, nil
}

type fixedHorizon scn.SCN

func (f fixedHorizon) PurgeHorizon() scn.SCN { return scn.SCN(f) }

var anyTable = TableDef{Name: "t1", DefinedSCN: scn.NullSCN, DefinedGCN: scn.NullGCN}

func TestActivateSCN(t *testing.T) {
	ts := NewTableSnapshot(nil, scn.NewAllocator(), nil)
	assert.False(t, ts.IsActivated())

	require.Nil(t, ts.Activate(Hint{Kind: AsOfSCN, Value: 2000}, anyTable))
	assert.True(t, ts.IsActivated())
	assert.Equal(t, AsOfSCN, ts.Vision().Kind())
	assert.Equal(t, uint64(2000), ts.Vision().Value())

	ts.Release()
	assert.False(t, ts.IsActivated())
	assert.Equal(t, uint64(scn.NullSCN), ts.Vision().Value())
}

func TestActivateTimestampExchangesToSCN(t *testing.T) {
	ex := (&fakeExchanger{}).add(100, 1500).add(200, 1800)
	ts := NewTableSnapshot(ex, scn.NewAllocator(), nil)

	require.Nil(t, ts.Activate(Hint{Kind: AsOfTimestamp, Value: 150}, anyTable))
	assert.Equal(t, AsOfSCN, ts.Vision().Kind(), "an activated timestamp vision is an scn vision")
	assert.Equal(t, uint64(1500), ts.Vision().Value())
}

func TestActivateTimestampBeforeHistory(t *testing.T) {
	ex := (&fakeExchanger{}).add(100, 1500)
	ts := NewTableSnapshot(ex, scn.NewAllocator(), nil)
	require.Nil(t, ts.Activate(Hint{Kind: AsOfSCN, Value: 2000}, anyTable))

	err := ts.Activate(Hint{Kind: AsOfTimestamp, Value: 50}, anyTable)
	_, ok := err.(common.SnapshotOutOfRangeError)
	assert.True(t, ok, "expected out of range, got %v", err)
	assert.False(t, ts.IsActivated(), "a failed activation leaves no vision behind")
}

func TestActivateTimestampInternalError(t *testing.T) {
	ts := NewTableSnapshot(&fakeExchanger{err: common.NewSnapshotInternalError("closed")}, scn.NewAllocator(), nil)
	err := ts.Activate(Hint{Kind: AsOfTimestamp, Value: 50}, anyTable)
	_, ok := err.(common.SnapshotInternalError)
	assert.True(t, ok)

	ts = NewTableSnapshot(nil, scn.NewAllocator(), nil)
	err = ts.Activate(Hint{Kind: AsOfTimestamp, Value: 50}, anyTable)
	_, ok = err.(common.SnapshotInternalError)
	assert.True(t, ok)
}

func TestActivateGCNPushesNodeUp(t *testing.T) {
	a := scn.NewAllocator()
	a.Init(3000, 10)
	ts := NewTableSnapshot(nil, a, nil)

	require.Nil(t, ts.Activate(Hint{Kind: AsOfGCN, Value: 50}, anyTable))
	assert.Equal(t, scn.GCN(50), a.CurrentGCN())
	assert.Equal(t, scn.SCN(3000), ts.Vision().CurrentSCN())

	require.Nil(t, ts.Activate(Hint{Kind: AsOfGCN, Value: 20}, anyTable))
	assert.Equal(t, scn.GCN(50), a.CurrentGCN(), "the node gcn never goes back")
	assert.Equal(t, uint64(20), ts.Vision().Value())
}

func TestActivateNullSCNIsOutOfRange(t *testing.T) {
	ts := NewTableSnapshot(nil, scn.NewAllocator(), nil)
	err := ts.Activate(Hint{Kind: AsOfSCN, Value: uint64(scn.NullSCN)}, anyTable)
	_, ok := err.(common.SnapshotOutOfRangeError)
	assert.True(t, ok)
}

func TestSchemaDrift(t *testing.T) {
	ts := NewTableSnapshot((&fakeExchanger{}).add(100, 1500), scn.NewAllocator(), nil)
	table := TableDef{Name: "t1", DefinedSCN: 1600, DefinedGCN: 40}

	tests := []struct {
		hint  Hint
		drift bool
	}{
		{Hint{Kind: AsOfSCN, Value: 1599}, true},
		{Hint{Kind: AsOfSCN, Value: 1600}, false},
		{Hint{Kind: AsOfTimestamp, Value: 120}, true},
		{Hint{Kind: AsOfGCN, Value: 39}, true},
		{Hint{Kind: AsOfGCN, Value: 41}, false},
		{Hint{Kind: AsOfNone}, false},
	}
	for _, tt := range tests {
		err := ts.Activate(tt.hint, table)
		_, ok := err.(common.SchemaDriftError)
		assert.Equal(t, tt.drift, ok, "hint %v", tt.hint)
		if !tt.drift {
			assert.Nil(t, err)
		}
	}
}

func TestVisionValueIsStableAfterActivation(t *testing.T) {
	a := scn.NewAllocator()
	ts := NewTableSnapshot(nil, a, nil)
	require.Nil(t, ts.Activate(Hint{Kind: AsOfGCN, Value: 5}, anyTable))
	before := ts.Vision()

	for i := 0; i < 10; i++ {
		_, err := a.Commit(scn.GCN(100+i), nil)
		require.Nil(t, err)
	}
	assert.Equal(t, before, ts.Vision())
}

func TestActivateBelowPurgeHorizon(t *testing.T) {
	ex := (&fakeExchanger{}).add(100, 1500).add(200, 1800)
	ts := NewTableSnapshot(ex, scn.NewAllocator(), fixedHorizon(1700))

	tests := []struct {
		hint     Hint
		outRange bool
	}{
		{Hint{Kind: AsOfSCN, Value: 1699}, true},
		{Hint{Kind: AsOfSCN, Value: 1700}, false},
		{Hint{Kind: AsOfTimestamp, Value: 150}, true},
		{Hint{Kind: AsOfTimestamp, Value: 250}, false},
		{Hint{Kind: AsOfGCN, Value: 1}, false},
		{Hint{Kind: AsOfNone}, false},
	}
	for _, tt := range tests {
		err := ts.Activate(tt.hint, anyTable)
		_, ok := err.(common.SnapshotOutOfRangeError)
		assert.Equal(t, tt.outRange, ok, "hint %v", tt.hint)
		if tt.outRange {
			assert.False(t, ts.IsActivated())
		} else {
			assert.Nil(t, err)
		}
	}
}
