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

package scn

import (
	"fmt"
	"sync"

	"github.com/dr0pdb/lizarddb/internal/common"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Allocator hands out SCNs at commit time and tracks the highest GCN the node has seen.
//
// Commit holds mu while the durable callback runs, so the order of SCNs is the
// order in which the commits became durable.
type Allocator struct {
	mu sync.Mutex

	// next is the SCN the next commit gets.
	next *atomic.Uint64

	// gcn is the max GCN pushed up into the node.
	gcn *atomic.Uint64

	// clock returns the commit wall time. Replaced in tests.
	clock func() UTC
}

// NewAllocator creates an allocator positioned right after the reserved range.
func NewAllocator() *Allocator {
	return &Allocator{
		next:  atomic.NewUint64(uint64(ReservedSCN)),
		gcn:   atomic.NewUint64(0),
		clock: Now,
	}
}

// Init positions the allocator after recovery. maxSCN is the largest SCN found
// durable on disk, NullSCN if none.
func (a *Allocator) Init(maxSCN SCN, maxGCN GCN) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := ReservedSCN
	if maxSCN != NullSCN && maxSCN >= ReservedSCN {
		next = maxSCN + 1
	}
	a.next.Store(uint64(next))
	if maxGCN != NullGCN {
		a.gcn.Store(uint64(maxGCN))
	}

	log.WithFields(log.Fields{"next": next, "gcn": maxGCN}).Info("scn::allocator::Init; allocator initialized")
}

// Commit allocates the commit outcome of one transaction. gcn is taken as is,
// pass NullGCN for a local transaction.
// durable is invoked with the outcome while the allocator is still locked and
// must make the commit durable. If it fails, the SCN is not consumed.
func (a *Allocator) Commit(gcn GCN, durable func(CommitSCN) error) (CommitSCN, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := SCN(a.next.Load())
	if next > MaxSCN {
		log.WithFields(log.Fields{"next": next}).Error("scn::allocator::Commit; scn space exhausted")
		return NullCommitSCN, common.NewAllocatorExhaustedError(fmt.Sprintf("next scn %d exceeds the max scn", next))
	}

	c := CommitSCN{SCN: next, UTC: a.clock(), GCN: gcn}
	if durable != nil {
		if err := durable(c); err != nil {
			log.WithFields(log.Fields{"commit": c, "error": err.Error()}).Error("scn::allocator::Commit; commit couldn't be made durable")
			return NullCommitSCN, err
		}
	}

	a.next.Store(uint64(next + 1))
	if gcn != NullGCN {
		a.pushUp(gcn)
	}

	log.WithFields(log.Fields{"commit": c}).Debug("scn::allocator::Commit; done")
	return c, nil
}

// Current returns the largest SCN handed out so far, or ReservedSCN-1 if none.
// Every commit with an SCN <= Current is durable.
func (a *Allocator) Current() SCN {
	return SCN(a.next.Load() - 1)
}

// CurrentGCN returns the largest GCN the node has seen.
func (a *Allocator) CurrentGCN() GCN {
	return GCN(a.gcn.Load())
}

// PushUpGCN raises the node GCN to gcn if it is larger.
func (a *Allocator) PushUpGCN(gcn GCN) {
	if gcn == NullGCN {
		return
	}
	a.pushUp(gcn)
}

func (a *Allocator) pushUp(gcn GCN) {
	for {
		cur := a.gcn.Load()
		if uint64(gcn) <= cur {
			return
		}
		if a.gcn.CAS(cur, uint64(gcn)) {
			return
		}
	}
}
