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

package scnhist

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/dr0pdb/lizarddb/internal/common"
	"github.com/dr0pdb/lizarddb/pkg/scn"
	"github.com/google/btree"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

const (
	fileName = "scn_history.db"
	degree   = 16
)

var historyBucket = []byte("scn_history")

// Sample maps a wall clock time to the scn that was current at that time.
type Sample struct {
	UTC scn.UTC
	SCN scn.SCN
}

// Less orders samples by time.
func (s Sample) Less(than btree.Item) bool {
	return s.UTC < than.(Sample).UTC
}

func encodeSample(s Sample) ([]byte, []byte) {
	k := make([]byte, 8)
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(s.UTC))
	binary.BigEndian.PutUint64(v, uint64(s.SCN))
	return k, v
}

// Store is the persisted, append only index of (time, scn) samples.
// Samples are kept in a bbolt bucket and mirrored in a btree for lookups.
type Store struct {
	mu      sync.RWMutex
	db      *bbolt.DB
	tree    *btree.BTree
	corrupt string
	closed  bool

	// clock returns the current time. Replaced by tests.
	clock func() scn.UTC

	wg     sync.WaitGroup
	cancel func()
}

// Open opens the sample index in dir, creating it if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.Wrapf(err, "creating scn history directory %s", dir)
	}
	db, err := bbolt.Open(path.Join(dir, fileName), 0644, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "opening scn history")
	}

	s := &Store{db: db, tree: btree.New(degree), clock: scn.Now}
	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(historyBucket)
		if err != nil {
			return err
		}
		var last *Sample
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 8 || len(v) != 8 {
				s.corrupt = fmt.Sprintf("sample with key of %d bytes and value of %d bytes", len(k), len(v))
				return nil
			}
			smp := Sample{UTC: scn.UTC(binary.BigEndian.Uint64(k)), SCN: scn.SCN(binary.BigEndian.Uint64(v))}
			if last != nil && smp.SCN < last.SCN {
				s.corrupt = fmt.Sprintf("scn %d at %d is lower than scn %d at %d", smp.SCN, smp.UTC, last.SCN, last.UTC)
			}
			s.tree.ReplaceOrInsert(smp)
			last = &smp
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "loading scn history")
	}

	if s.corrupt != "" {
		log.WithFields(log.Fields{"reason": s.corrupt}).Error("scnhist::store::Open; scn history is corrupt")
	}
	log.WithFields(log.Fields{"samples": s.tree.Len(), "dir": dir}).Info("scnhist::store::Open; done")
	return s, nil
}

// Append records s. Samples must be appended in time order and the scn can't go back.
func (s *Store) Append(smp Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return common.NewSnapshotInternalError("scn history is closed")
	}
	if s.corrupt != "" {
		return common.NewSnapshotInternalError(s.corrupt)
	}
	if max := s.tree.Max(); max != nil {
		last := max.(Sample)
		if smp.UTC <= last.UTC {
			return fmt.Errorf("sample at %d isn't after the last sample at %d", smp.UTC, last.UTC)
		}
		if smp.SCN < last.SCN {
			return fmt.Errorf("sample scn %d is lower than the last sample scn %d", smp.SCN, last.SCN)
		}
	}

	k, v := encodeSample(smp)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(historyBucket).Put(k, v)
	})
	if err != nil {
		return errors.Wrap(err, "writing scn history sample")
	}
	s.tree.ReplaceOrInsert(smp)
	return nil
}

// Truncate removes the samples taken before the given time. It returns the number removed.
func (s *Store) Truncate(before scn.UTC) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, common.NewSnapshotInternalError("scn history is closed")
	}

	var victims []Sample
	s.tree.AscendLessThan(Sample{UTC: before}, func(i btree.Item) bool {
		victims = append(victims, i.(Sample))
		return true
	})
	if len(victims) == 0 {
		return 0, nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(historyBucket)
		for _, v := range victims {
			k, _ := encodeSample(v)
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "truncating scn history")
	}
	for _, v := range victims {
		s.tree.Delete(v)
	}

	log.WithFields(log.Fields{"before": before, "removed": len(victims)}).Debug("scnhist::store::Truncate; done")
	return len(victims), nil
}

// Exchange returns the scn of the latest sample taken at or before ts.
// A time before the oldest sample or in the future is out of range.
func (s *Store) Exchange(ts scn.UTC) (scn.SCN, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return scn.NullSCN, common.NewSnapshotInternalError("scn history is closed")
	}
	if s.corrupt != "" {
		return scn.NullSCN, common.NewSnapshotInternalError(s.corrupt)
	}
	if ts > s.clock() {
		return scn.NullSCN, common.NewSnapshotOutOfRangeError(fmt.Sprintf("timestamp %s is in the future", ts.Time()))
	}
	min := s.tree.Min()
	if min == nil {
		return scn.NullSCN, common.NewSnapshotOutOfRangeError("no scn history is retained")
	}
	if ts < min.(Sample).UTC {
		return scn.NullSCN, common.NewSnapshotOutOfRangeError(fmt.Sprintf("timestamp %s is before the oldest retained sample at %s", ts.Time(), min.(Sample).UTC.Time()))
	}

	var found Sample
	s.tree.DescendLessOrEqual(Sample{UTC: ts}, func(i btree.Item) bool {
		found = i.(Sample)
		return false
	})
	return found.SCN, nil
}

// Samples returns every retained sample in time order.
func (s *Store) Samples() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]Sample, 0, s.tree.Len())
	s.tree.Ascend(func(i btree.Item) bool {
		res = append(res, i.(Sample))
		return true
	})
	return res
}

// Len returns the number of retained samples.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// Close stops the sampler and closes the index.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	log.Info("scnhist::store::Close; closing scn history")
	return s.db.Close()
}
