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

package vision

import (
	"fmt"

	"github.com/dr0pdb/lizarddb/internal/common"
	"github.com/dr0pdb/lizarddb/pkg/cleanout"
	"github.com/dr0pdb/lizarddb/pkg/scn"
	"github.com/dr0pdb/lizarddb/pkg/undo"
)

// Lookuper resolves the writer of a row through the undo log.
type Lookuper interface {
	Lookup(rec cleanout.TxnRec) (cleanout.TxnRec, cleanout.Outcome, error)
}

// Resolver decides whether a row version is visible to a vision.
type Resolver struct {
	lookup Lookuper
}

// NewResolver creates a resolver.
func NewResolver(l Lookuper) *Resolver {
	return &Resolver{lookup: l}
}

// IsVisible returns true if the row version rec can be seen by reader under v.
// A reader always sees its own writes. Without an as-of vision only committed
// versions are visible. A timestamp vision must be exchanged first. A gcn
// vision compares the writer's gcn when it has one and falls back to the scn
// current when the vision was taken otherwise.
func (r *Resolver) IsVisible(rec cleanout.TxnRec, v Vision, reader uint64) (bool, error) {
	if rec.UBA == undo.FakeUBA {
		return true, nil
	}
	if reader != 0 && rec.TrxID == reader {
		return true, nil
	}
	if v.kind == AsOfTimestamp {
		return false, common.NewSnapshotInternalError("timestamp vision used before exchange")
	}

	res, outcome, err := r.lookup.Lookup(rec)
	if err != nil {
		return false, err
	}
	if !outcome.Resolved() {
		return false, nil
	}

	switch v.kind {
	case AsOfNone:
		return true, nil
	case AsOfSCN:
		return uint64(res.SCN) <= v.value, nil
	case AsOfGCN:
		if res.GCN != scn.NullGCN {
			return uint64(res.GCN) <= v.value, nil
		}
		return res.SCN <= v.current, nil
	}
	return false, common.NewSnapshotInternalError(fmt.Sprintf("unknown vision kind %s", v.kind))
}
