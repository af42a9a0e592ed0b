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
	"github.com/dr0pdb/lizarddb/pkg/scn"
	log "github.com/sirupsen/logrus"
)

// Kind is the kind of an as-of hint and of the vision built from it.
type Kind uint8

const (
	// AsOfNone reads the latest committed data.
	AsOfNone Kind = iota

	// AsOfTimestamp reads as of a wall clock time. It must be exchanged to an scn before use.
	AsOfTimestamp

	// AsOfSCN reads as of a local commit number.
	AsOfSCN

	// AsOfGCN reads as of a global commit number.
	AsOfGCN
)

func (k Kind) String() string {
	switch k {
	case AsOfNone:
		return "none"
	case AsOfTimestamp:
		return "timestamp"
	case AsOfSCN:
		return "scn"
	case AsOfGCN:
		return "gcn"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Hint is the as-of clause of a statement. Value is a scn.UTC for
// AsOfTimestamp, a scn.SCN for AsOfSCN and a scn.GCN for AsOfGCN.
type Hint struct {
	Kind  Kind
	Value uint64
}

// Vision is the read view of a statement.
type Vision struct {
	kind  Kind
	value uint64

	// current is the node scn seen when a gcn vision was activated.
	current scn.SCN
}

// NewVision returns the vision of hint without activating it.
func NewVision(hint Hint) Vision {
	return Vision{kind: hint.Kind, value: hint.Value, current: scn.NullSCN}
}

// Kind returns the kind of the vision.
func (v Vision) Kind() Kind {
	return v.kind
}

// Value returns the scalar held by the vision.
func (v Vision) Value() uint64 {
	if v.kind == AsOfNone {
		return uint64(scn.NullSCN)
	}
	return v.value
}

// CurrentSCN returns the node scn recorded when a gcn vision was activated.
func (v Vision) CurrentSCN() scn.SCN {
	return v.current
}

func (v Vision) String() string {
	switch v.kind {
	case AsOfNone:
		return "{none}"
	case AsOfGCN:
		return fmt.Sprintf("{gcn: %d, current scn: %d}", v.value, v.current)
	}
	return fmt.Sprintf("{%s: %d}", v.kind, v.value)
}

// TableDef is what a snapshot needs to know about the table it reads.
type TableDef struct {
	Name string

	// DefinedSCN and DefinedGCN are the commit numbers of the last change to the table definition.
	DefinedSCN scn.SCN
	DefinedGCN scn.GCN
}

// Exchanger maps a wall clock time to an scn.
type Exchanger interface {
	Exchange(ts scn.UTC) (scn.SCN, error)
}

// Node is the local commit number state a gcn vision reconciles with.
type Node interface {
	PushUpGCN(gcn scn.GCN)
	Current() scn.SCN
}

// PurgeHorizon reports the largest commit number whose undo was purged. Rows
// written at or below it may have lost their undo header.
type PurgeHorizon interface {
	PurgeHorizon() scn.SCN
}

// TableSnapshot holds the vision of one table in a statement. It is owned by
// a single statement and isn't safe for concurrent use.
type TableSnapshot struct {
	exchanger Exchanger
	node      Node
	horizon   PurgeHorizon
	vision    Vision
}

// NewTableSnapshot returns a snapshot with no vision. scn visions below the
// purge horizon are refused; horizon may be nil when nothing is purged.
func NewTableSnapshot(exchanger Exchanger, node Node, horizon PurgeHorizon) *TableSnapshot {
	return &TableSnapshot{exchanger: exchanger, node: node, horizon: horizon, vision: NewVision(Hint{Kind: AsOfNone})}
}

// Vision returns the current vision.
func (ts *TableSnapshot) Vision() Vision {
	return ts.vision
}

// IsActivated returns true if an as-of vision is bound.
func (ts *TableSnapshot) IsActivated() bool {
	return ts.vision.kind != AsOfNone
}

// Release drops the vision.
func (ts *TableSnapshot) Release() {
	ts.vision = NewVision(Hint{Kind: AsOfNone})
}

// Activate binds the vision of hint to the snapshot. Activation always starts
// from no vision: on error the snapshot is left without one. A timestamp hint is
// exchanged to an scn vision and a gcn hint pushes the node gcn up.
func (ts *TableSnapshot) Activate(hint Hint, table TableDef) error {
	ts.Release()

	v, err := ts.exchange(NewVision(hint))
	if err == nil {
		ts.afterActivate(&v)
		err = checkDrift(v, table)
	}
	if err != nil {
		activationCounter.WithLabelValues(hint.Kind.String(), "error").Inc()
		log.WithFields(log.Fields{"hint": hint.Kind, "value": hint.Value, "table": table.Name, "error": err.Error()}).Debug("vision::vision::Activate; activation failed")
		return err
	}

	ts.vision = v
	activationCounter.WithLabelValues(hint.Kind.String(), "ok").Inc()
	return nil
}

func (ts *TableSnapshot) exchange(v Vision) (Vision, error) {
	switch v.kind {
	case AsOfNone, AsOfGCN:
		return v, nil
	case AsOfSCN:
		if scn.SCN(v.value) > scn.MaxSCN {
			return v, common.NewSnapshotOutOfRangeError(fmt.Sprintf("scn %d is not a valid commit number", v.value))
		}
		return v, ts.checkHorizon(scn.SCN(v.value))
	case AsOfTimestamp:
		if ts.exchanger == nil {
			return v, common.NewSnapshotInternalError("no scn history to exchange the timestamp")
		}
		s, err := ts.exchanger.Exchange(scn.UTC(v.value))
		if err != nil {
			return v, err
		}
		log.WithFields(log.Fields{"timestamp": scn.UTC(v.value).Time(), "scn": s}).Debug("vision::vision::exchange; timestamp exchanged")
		return Vision{kind: AsOfSCN, value: uint64(s), current: scn.NullSCN}, ts.checkHorizon(s)
	}
	return v, common.NewSnapshotInternalError(fmt.Sprintf("unknown vision kind %s", v.kind))
}

func (ts *TableSnapshot) checkHorizon(s scn.SCN) error {
	if ts.horizon == nil {
		return nil
	}
	if h := ts.horizon.PurgeHorizon(); s < h {
		return common.NewSnapshotOutOfRangeError(fmt.Sprintf("scn %d is older than the purged scn %d", s, h))
	}
	return nil
}

func (ts *TableSnapshot) afterActivate(v *Vision) {
	if v.kind != AsOfGCN || ts.node == nil {
		return
	}
	ts.node.PushUpGCN(scn.GCN(v.value))
	v.current = ts.node.Current()
}

func checkDrift(v Vision, table TableDef) error {
	switch v.kind {
	case AsOfSCN:
		if table.DefinedSCN != scn.NullSCN && scn.SCN(v.value) < table.DefinedSCN {
			return common.NewSchemaDriftError(fmt.Sprintf("table %s was redefined at scn %d, after scn %d", table.Name, table.DefinedSCN, v.value))
		}
	case AsOfGCN:
		if table.DefinedGCN != scn.NullGCN && scn.GCN(v.value) < table.DefinedGCN {
			return common.NewSchemaDriftError(fmt.Sprintf("table %s was redefined at gcn %d, after gcn %d", table.Name, table.DefinedGCN, v.value))
		}
	}
	return nil
}
