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

package cleanout

import (
	"sync"

	"github.com/dr0pdb/lizarddb/pkg/undo"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// RegistryPartitions is the number of independently locked partitions of the registry.
const RegistryPartitions = 64

// UndoHdr is the key of the registry: the segment header page of a txn undo log.
type UndoHdr = undo.Addr

type registryPartition struct {
	mu  sync.Mutex
	set map[UndoHdr]struct{}
}

// Registry is the set of txn undo log headers that have been assigned since
// startup. Cleanout in safe mode only trusts an undo address found here.
// Entries are never removed one by one: a reused slot stays registered and the
// trx id recorded in the header decides.
type Registry struct {
	parts [RegistryPartitions]registryPartition

	n      *atomic.Int64
	hits   *atomic.Uint64
	misses *atomic.Uint64
	closed *atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		n:      atomic.NewInt64(0),
		hits:   atomic.NewUint64(0),
		misses: atomic.NewUint64(0),
		closed: atomic.NewBool(false),
	}
	for i := range r.parts {
		r.parts[i].set = make(map[UndoHdr]struct{})
	}
	log.Info("cleanout::registry::NewRegistry; registry created")
	return r
}

func fold(h UndoHdr) uint64 {
	s := uint64(h.Space)
	return (s << 20) + s + uint64(h.Page)
}

func (r *Registry) partition(h UndoHdr) *registryPartition {
	return &r.parts[fold(h)%RegistryPartitions]
}

// Insert adds h. It returns true if h wasn't present.
func (r *Registry) Insert(h UndoHdr) bool {
	if r.closed.Load() {
		return false
	}

	p := r.partition(h)
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.set[h]; ok {
		return false
	}
	p.set[h] = struct{}{}
	r.n.Inc()
	registryGauge.Inc()
	return true
}

// Exists returns true if h was inserted. A closed registry contains nothing.
func (r *Registry) Exists(h UndoHdr) bool {
	if r.closed.Load() {
		return false
	}

	p := r.partition(h)
	p.mu.Lock()
	_, ok := p.set[h]
	p.mu.Unlock()

	if ok {
		r.hits.Inc()
		registryCounter.WithLabelValues("hit").Inc()
	} else {
		r.misses.Inc()
		registryCounter.WithLabelValues("miss").Inc()
	}
	return ok
}

// Len returns the number of registered headers.
func (r *Registry) Len() int {
	return int(r.n.Load())
}

// Stats returns the number of hits and misses of Exists.
func (r *Registry) Stats() (hits, misses uint64) {
	return r.hits.Load(), r.misses.Load()
}

// Close drops every entry.
func (r *Registry) Close() {
	if r.closed.Swap(true) {
		return
	}
	for i := range r.parts {
		p := &r.parts[i]
		p.mu.Lock()
		p.set = make(map[UndoHdr]struct{})
		p.mu.Unlock()
	}
	registryGauge.Sub(float64(r.n.Swap(0)))
	log.Info("cleanout::registry::Close; registry closed")
}

// SegmentScanner lists the undo segments of every rollback segment.
type SegmentScanner interface {
	ScanSegments(fn func(undo.SegmentInfo, error))
}

// WarmUp registers the txn undo segments on the active, cached, history and
// free lists of every rollback segment. It returns the number registered.
func (r *Registry) WarmUp(s SegmentScanner) int {
	n := 0
	s.ScanSegments(func(info undo.SegmentInfo, err error) {
		if err != nil {
			log.WithFields(log.Fields{"segment": info.Addr, "error": err.Error()}).Warn("cleanout::registry::WarmUp; skipping unreadable undo header")
			return
		}
		if !info.Header.IsTxn() {
			return
		}
		if r.Insert(info.Addr) {
			n++
		}
	})
	log.WithFields(log.Fields{"registered": n}).Info("cleanout::registry::WarmUp; done")
	return n
}
