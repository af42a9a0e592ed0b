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

package undo

import "fmt"

// UBA is an undo byte address. It is packed into 56 bits:
//
//	bits  0-15  offset inside the undo page
//	bits 16-47  undo page number
//	bits 48-54  undo tablespace id
//	bit     55  committed flag
//
// and stored as 7 big endian bytes next to every row version.
type UBA uint64

const (
	// UBASize is the on-disk size of an UBA.
	UBASize = 7

	// NullUBA means no undo has been assigned yet. It is active.
	NullUBA UBA = 0

	// FakeUBA marks rows that are exempt from MVCC. It is committed and has no address.
	FakeUBA UBA = 1 << 55

	// RolledBackUBA marks row versions whose transaction rolled back. It is
	// committed and its offset is past the end of any undo page.
	RolledBackUBA UBA = 1<<56 - 1

	committedBit UBA = 1 << 55

	// MaxSpaceID is the largest undo tablespace id an UBA can address.
	MaxSpaceID uint8 = 1<<7 - 1
)

// NewUBA packs an address. space must be <= MaxSpaceID.
func NewUBA(space uint8, page uint32, offset uint16, committed bool) UBA {
	if space > MaxSpaceID {
		panic(fmt.Sprintf("undo::uba::NewUBA; space id %d doesn't fit in an uba", space))
	}
	u := UBA(space)<<48 | UBA(page)<<16 | UBA(offset)
	if committed {
		u |= committedBit
	}
	return u
}

// Space returns the undo tablespace id.
func (u UBA) Space() uint8 {
	return uint8(u>>48) & MaxSpaceID
}

// Page returns the undo page number.
func (u UBA) Page() uint32 {
	return uint32(u >> 16)
}

// Offset returns the byte offset inside the page.
func (u UBA) Offset() uint16 {
	return uint16(u)
}

// IsActive returns true if the writer hadn't committed when the address was written.
func (u UBA) IsActive() bool {
	return u&committedBit == 0
}

// Committed returns u with the committed flag set.
func (u UBA) Committed() UBA {
	return u | committedBit
}

// Addr returns the (space, page) part of the address.
func (u UBA) Addr() Addr {
	return Addr{Space: u.Space(), Page: u.Page()}
}

// Encode writes u into the first UBASize bytes of b.
func (u UBA) Encode(b []byte) {
	_ = b[UBASize-1]
	for i := UBASize - 1; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
}

// DecodeUBA reads an UBA from the first UBASize bytes of b.
func DecodeUBA(b []byte) UBA {
	_ = b[UBASize-1]
	var u UBA
	for i := 0; i < UBASize; i++ {
		u = u<<8 | UBA(b[i])
	}
	return u
}

func (u UBA) String() string {
	switch u {
	case NullUBA:
		return "uba{null}"
	case FakeUBA:
		return "uba{fake}"
	case RolledBackUBA:
		return "uba{rolled back}"
	}
	return fmt.Sprintf("uba{space: %d, page: %d, offset: %d, committed: %v}", u.Space(), u.Page(), u.Offset(), !u.IsActive())
}

// Addr identifies an undo page.
type Addr struct {
	Space uint8
	Page  uint32
}

func (a Addr) String() string {
	return fmt.Sprintf("%d:%d", a.Space, a.Page)
}
