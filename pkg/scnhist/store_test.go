package scnhist

import (
	"context"
	"encoding/binary"
	"path"
	"testing"
	"time"

	"github.com/dr0pdb/lizarddb/internal/common"
	"github.com/dr0pdb/lizarddb/pkg/scn"
	"github.com/dr0pdb/lizarddb/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	uatomic "go.uber.org/atomic"
)

var testDirectory = path.Join(test.TestDirectory, "scnhist")

// historyTestHarness runs a store against a fake clock.
type historyTestHarness struct {
	store *Store
	now   *uatomic.Uint64
}

func newHistoryTestHarness(t *testing.T) *historyTestHarness {
	test.CreateTestDirectory(testDirectory)
	s, err := Open(testDirectory)
	require.Nil(t, err)

	h := &historyTestHarness{store: s, now: uatomic.NewUint64(1000000)}
	s.clock = func() scn.UTC { return scn.UTC(h.now.Load()) }
	t.Cleanup(func() {
		h.store.Close()
		test.CleanupTestDirectory(testDirectory)
	})
	return h
}

func (h *historyTestHarness) fill(t *testing.T, samples ...Sample) {
	for _, smp := range samples {
		require.Nil(t, h.store.Append(smp))
	}
}

func TestExchangePicksLatestSampleAtOrBefore(t *testing.T) {
	h := newHistoryTestHarness(t)
	h.fill(t, Sample{UTC: 100, SCN: 1024}, Sample{UTC: 200, SCN: 1500}, Sample{UTC: 300, SCN: 2000})

	tests := []struct {
		ts  scn.UTC
		scn scn.SCN
	}{
		{100, 1024},
		{150, 1024},
		{200, 1500},
		{299, 1500},
		{300, 2000},
		{999, 2000},
	}
	for _, tt := range tests {
		s, err := h.store.Exchange(tt.ts)
		assert.Nil(t, err)
		assert.Equal(t, tt.scn, s, "exchange of %d", tt.ts)
	}
}

func TestExchangeBeforeOldestSampleIsOutOfRange(t *testing.T) {
	h := newHistoryTestHarness(t)
	h.fill(t, Sample{UTC: 100, SCN: 1024}, Sample{UTC: 200, SCN: 1500})

	s, err := h.store.Exchange(99)
	_, ok := err.(common.SnapshotOutOfRangeError)
	assert.True(t, ok, "expected out of range, got %v", err)
	assert.Equal(t, scn.NullSCN, s)
}

func TestExchangeOutOfRangeCases(t *testing.T) {
	h := newHistoryTestHarness(t)

	_, err := h.store.Exchange(100)
	_, ok := err.(common.SnapshotOutOfRangeError)
	assert.True(t, ok, "an empty history is out of range")

	h.fill(t, Sample{UTC: 100, SCN: 1024})
	_, err = h.store.Exchange(scn.UTC(h.now.Load() + 1))
	_, ok = err.(common.SnapshotOutOfRangeError)
	assert.True(t, ok, "a future timestamp is out of range")
}

func TestExchangeIsMonotonic(t *testing.T) {
	h := newHistoryTestHarness(t)
	s := scn.SCN(1024)
	for u := scn.UTC(10); u <= 1000; u += 10 {
		s += scn.SCN(u % 7)
		h.fill(t, Sample{UTC: u, SCN: s})
	}

	prev := scn.SCN(0)
	for ts := scn.UTC(10); ts <= 1200; ts += 3 {
		got, err := h.store.Exchange(ts)
		require.Nil(t, err)
		assert.True(t, got >= prev, "exchange(%d) = %d went below %d", ts, got, prev)
		prev = got
	}
}

func TestAppendRejectsNonMonotonicSamples(t *testing.T) {
	h := newHistoryTestHarness(t)
	h.fill(t, Sample{UTC: 100, SCN: 2000})

	assert.NotNil(t, h.store.Append(Sample{UTC: 100, SCN: 2001}))
	assert.NotNil(t, h.store.Append(Sample{UTC: 90, SCN: 2001}))
	assert.NotNil(t, h.store.Append(Sample{UTC: 110, SCN: 1999}))
	assert.Nil(t, h.store.Append(Sample{UTC: 110, SCN: 2000}))
	assert.Equal(t, 2, h.store.Len())
}

func TestTruncateDropsOldSamples(t *testing.T) {
	h := newHistoryTestHarness(t)
	h.fill(t, Sample{UTC: 100, SCN: 1024}, Sample{UTC: 200, SCN: 1500}, Sample{UTC: 300, SCN: 2000})

	n, err := h.store.Truncate(250)
	assert.Nil(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []Sample{{UTC: 300, SCN: 2000}}, h.store.Samples())

	_, err = h.store.Exchange(200)
	_, ok := err.(common.SnapshotOutOfRangeError)
	assert.True(t, ok, "truncated history is out of range")
}

func TestSamplesSurviveReopen(t *testing.T) {
	h := newHistoryTestHarness(t)
	h.fill(t, Sample{UTC: 100, SCN: 1024}, Sample{UTC: 200, SCN: 1500})
	_, err := h.store.Truncate(150)
	require.Nil(t, err)
	require.Nil(t, h.store.Close())

	s, err := Open(testDirectory)
	require.Nil(t, err)
	h.store = s
	assert.Equal(t, []Sample{{UTC: 200, SCN: 1500}}, s.Samples())
}

func TestCorruptHistoryIsInternal(t *testing.T) {
	test.CreateTestDirectory(testDirectory)
	defer test.CleanupTestDirectory(testDirectory)

	db, err := bbolt.Open(path.Join(testDirectory, fileName), 0644, nil)
	require.Nil(t, err)
	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(historyBucket)
		if err != nil {
			return err
		}
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, 100)
		return b.Put(k, []byte{1, 2, 3})
	})
	require.Nil(t, err)
	require.Nil(t, db.Close())

	s, err := Open(testDirectory)
	require.Nil(t, err)
	defer s.Close()

	_, err = s.Exchange(100)
	_, ok := err.(common.SnapshotInternalError)
	assert.True(t, ok, "expected an internal error, got %v", err)
}

func TestClosedHistoryIsInternal(t *testing.T) {
	h := newHistoryTestHarness(t)
	h.fill(t, Sample{UTC: 100, SCN: 1024})
	require.Nil(t, h.store.Close())

	_, err := h.store.Exchange(100)
	_, ok := err.(common.SnapshotInternalError)
	assert.True(t, ok)
}

func TestSamplerRecordsAndTrims(t *testing.T) {
	h := newHistoryTestHarness(t)
	current := uatomic.NewUint64(1024)

	h.store.StartSampler(context.Background(), func() scn.SCN {
		h.now.Add(1000)
		return scn.SCN(current.Inc())
	}, time.Millisecond, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		samples := h.store.Samples()
		return len(samples) >= 3 && samples[0].UTC > 1000000
	}, 2*time.Second, time.Millisecond)

	samples := h.store.Samples()
	for i := 1; i < len(samples); i++ {
		assert.True(t, samples[i].UTC > samples[i-1].UTC)
		assert.True(t, samples[i].SCN >= samples[i-1].SCN)
	}
	// 5ms of retention, the fake clock moves 1ms per sample
	assert.True(t, samples[len(samples)-1].UTC-samples[0].UTC <= 6000)
}
