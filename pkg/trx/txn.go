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

package trx

import (
	"fmt"

	"github.com/dr0pdb/lizarddb/pkg/scn"
	"github.com/dr0pdb/lizarddb/pkg/undo"
)

// TxnDesc is the visibility state of a transaction: where its undo log header
// is and what it committed with. Both are null until assigned.
type TxnDesc struct {
	UBA    undo.UBA
	Commit scn.CommitSCN
}

// State of a transaction.
type State uint8

const (
	// StateActive is a running transaction.
	StateActive State = iota

	// StateCommitted is a committed transaction.
	StateCommitted

	// StateRolledBack is a rolled back transaction.
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateCommitted:
		return "COMMITTED"
	case StateRolledBack:
		return "ROLLED_BACK"
	}
	return fmt.Sprintf("STATE(%d)", uint8(s))
}

// Txn is a transaction. It is used by one goroutine at a time.
type Txn struct {
	id    uint64
	xid   *undo.XID
	state State
	desc  TxnDesc
	seg   *undo.Segment
}

// ID returns the transaction id.
func (t *Txn) ID() uint64 {
	return t.id
}

// XID returns the XA id of the transaction or nil.
func (t *Txn) XID() *undo.XID {
	return t.xid
}

// State returns the state of the transaction.
func (t *Txn) State() State {
	return t.state
}

// Desc returns the descriptor of the transaction.
func (t *Txn) Desc() TxnDesc {
	return t.desc
}
