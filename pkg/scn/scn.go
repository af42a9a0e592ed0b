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
	"math"
	"time"
)

// SCN is the local commit sequence number of a node.
type SCN uint64

// GCN is the global commit number supplied by a distributed coordinator.
type GCN uint64

// UTC is a wall clock time in microseconds since the unix epoch.
type UTC uint64

const (
	// NullSCN marks a transaction that hasn't committed yet.
	NullSCN SCN = math.MaxUint64

	// MaxSCN is the largest SCN the allocator will hand out.
	MaxSCN SCN = NullSCN - 1

	// ReservedSCN is the first allocatable SCN. Everything below it is reserved.
	ReservedSCN SCN = 1024

	// PurgedSCN is recorded on rows whose writer was purged before any retained vision.
	// It is visible to every vision.
	PurgedSCN SCN = 0

	// NullGCN marks a local only transaction.
	NullGCN GCN = math.MaxUint64

	// NullUTC marks an unset commit time.
	NullUTC UTC = 0
)

// CommitSCN is the commit outcome of a transaction.
type CommitSCN struct {
	SCN SCN
	UTC UTC
	GCN GCN
}

// NullCommitSCN is the outcome of a transaction that hasn't committed.
var NullCommitSCN = CommitSCN{SCN: NullSCN, UTC: NullUTC, GCN: NullGCN}

// IsNull returns true if the commit outcome hasn't been assigned yet.
func (c CommitSCN) IsNull() bool {
	return c.SCN == NullSCN
}

func (c CommitSCN) String() string {
	if c.IsNull() {
		return "{scn: null}"
	}
	return fmt.Sprintf("{scn: %d, utc: %d, gcn: %d}", c.SCN, c.UTC, c.GCN)
}

// Now returns the current wall clock time as a UTC.
func Now() UTC {
	return FromTime(time.Now())
}

// FromTime converts t to a UTC.
func FromTime(t time.Time) UTC {
	return UTC(t.UnixNano() / int64(time.Microsecond))
}

// Time converts u back to a time.Time.
func (u UTC) Time() time.Time {
	return time.Unix(0, int64(u)*int64(time.Microsecond))
}
