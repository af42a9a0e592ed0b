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

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dr0pdb/lizarddb/pkg/redo"
	"go.uber.org/atomic"
)

// Undo page layout:
//
//	0  2  free, end of the used part of the page
//	2  4  next page of the segment, FilNull if none
//	6  2  page type
//
// A segment header page keeps the undo log header at HeaderOffset and the
// undo records right after it. Other pages keep the records after the page header.
const (
	// PageSize is the size of an undo page.
	PageSize = 16 * 1024

	pageHeaderSize = 8
	offPageFree    = 0
	offPageNext    = 2
	offPageType    = 6

	pageTypeHeader uint16 = 1
	pageTypeData   uint16 = 2

	// HeaderOffset is where the undo log header sits in a segment header page.
	HeaderOffset = pageHeaderSize

	// FilNull is a null page number.
	FilNull uint32 = 0xFFFFFFFF
)

// Page is an undo page. The latch protects frame.
type Page struct {
	addr  Addr
	latch sync.RWMutex
	frame []byte
	dirty *atomic.Bool
}

func newPage(addr Addr) *Page {
	p := &Page{
		addr:  addr,
		frame: make([]byte, PageSize),
		dirty: atomic.NewBool(true),
	}
	binary.BigEndian.PutUint16(p.frame[offPageFree:], pageHeaderSize)
	binary.BigEndian.PutUint32(p.frame[offPageNext:], FilNull)
	return p
}

// Addr returns the address of the page.
func (p *Page) Addr() Addr {
	return p.addr
}

func (p *Page) free() uint16 {
	return binary.BigEndian.Uint16(p.frame[offPageFree:])
}

func (p *Page) next() uint32 {
	return binary.BigEndian.Uint32(p.frame[offPageNext:])
}

func (p *Page) pageType() uint16 {
	return binary.BigEndian.Uint16(p.frame[offPageType:])
}

// write changes the page and logs the change. The caller holds the x latch.
func (p *Page) write(mtr *redo.Mtr, offset int, data []byte) {
	p.apply(offset, data)
	mtr.Append(redo.PageWrite{
		Store:  redo.StoreUndo,
		Space:  uint32(p.addr.Space),
		Page:   p.addr.Page,
		Offset: uint16(offset),
		Data:   append([]byte(nil), data...),
	})
}

func (p *Page) writeUint16(mtr *redo.Mtr, offset int, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	p.write(mtr, offset, b[:])
}

func (p *Page) writeUint32(mtr *redo.Mtr, offset int, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	p.write(mtr, offset, b[:])
}

// apply changes the page without logging. Used by recovery.
func (p *Page) apply(offset int, data []byte) {
	if offset+len(data) > PageSize {
		panic(fmt.Sprintf("undo::page::apply; write of %d bytes at %d overflows page %s", len(data), offset, p.addr))
	}
	copy(p.frame[offset:], data)
	p.dirty.Store(true)
}

// image returns a copy of the frame and clears the dirty flag.
func (p *Page) image() []byte {
	p.latch.RLock()
	defer p.latch.RUnlock()
	p.dirty.Store(false)
	return append([]byte(nil), p.frame...)
}
