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

package row

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dr0pdb/lizarddb/internal/common"
	"github.com/dr0pdb/lizarddb/pkg/redo"
	"github.com/dr0pdb/lizarddb/pkg/scn"
	"github.com/dr0pdb/lizarddb/pkg/undo"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Row page layout:
//
//	0  2  number of records
//	2  2  heap top, end of the used heap
//	4  2  sys pos of the layout
//	6  1  flags
//	7  1  unused
//
// Records grow up from pageHeaderSize as [2 byte length][record]. The slot of
// heap number i is 2 bytes at PageSize-2*(i+1) and holds the offset of the record.
const (
	// PageSize is the size of a row page.
	PageSize = 16 * 1024

	pageHeaderSize = 8
	offNRecs       = 0
	offHeapTop     = 2
	offSysPos      = 4
	offFlags       = 6
	recLenSize     = 2
	slotSize       = 2

	flagCompressed byte = 0x01
	flagIntrinsic  byte = 0x02
	flagTemporary  byte = 0x04
)

// Page is a row page. Records are addressed by heap number.
// Readers hold the s latch, writers the x latch.
type Page struct {
	space, no uint32
	layout    Layout

	latch sync.RWMutex
	frame []byte

	// zip is the compressed shadow, nil for uncompressed pages.
	zip *zipShadow

	dirty *atomic.Bool
}

// NewPage creates an empty page.
func NewPage(space, no uint32, l Layout, compressed bool) *Page {
	p := &Page{
		space:  space,
		no:     no,
		layout: l,
		frame:  make([]byte, PageSize),
		dirty:  atomic.NewBool(true),
	}
	binary.BigEndian.PutUint16(p.frame[offHeapTop:], pageHeaderSize)
	binary.BigEndian.PutUint16(p.frame[offSysPos:], uint16(l.SysPos))
	var flags byte
	if compressed {
		flags |= flagCompressed
	}
	if l.Intrinsic {
		flags |= flagIntrinsic
	}
	if l.Temporary {
		flags |= flagTemporary
	}
	p.frame[offFlags] = flags
	if compressed {
		p.zip = &zipShadow{}
		p.zip.rebuild(p)
	}
	return p
}

// Space returns the space id of the page.
func (p *Page) Space() uint32 { return p.space }

// No returns the page number.
func (p *Page) No() uint32 { return p.no }

// Layout returns the record layout of the page.
func (p *Page) Layout() Layout { return p.layout }

// Compressed returns true if the page keeps a compressed shadow.
func (p *Page) Compressed() bool { return p.zip != nil }

// XLatch takes the page exclusive latch.
func (p *Page) XLatch() { p.latch.Lock() }

// XUnlatch releases the page exclusive latch.
func (p *Page) XUnlatch() { p.latch.Unlock() }

// SLatch takes the page shared latch.
func (p *Page) SLatch() { p.latch.RLock() }

// SUnlatch releases the page shared latch.
func (p *Page) SUnlatch() { p.latch.RUnlock() }

// NumRecords returns the number of records. The caller holds a latch.
func (p *Page) NumRecords() int {
	return int(binary.BigEndian.Uint16(p.frame[offNRecs:]))
}

func (p *Page) heapTop() int {
	return int(binary.BigEndian.Uint16(p.frame[offHeapTop:]))
}

func slotPos(heapNo int) int {
	return PageSize - slotSize*(heapNo+1)
}

// RecOffset returns the offset of the record with heapNo. The caller holds a latch.
func (p *Page) RecOffset(heapNo int) (int, error) {
	if heapNo < 0 || heapNo >= p.NumRecords() {
		return 0, common.NewNotFoundError(fmt.Sprintf("no record %d on page %d:%d", heapNo, p.space, p.no))
	}
	return int(binary.BigEndian.Uint16(p.frame[slotPos(heapNo):])), nil
}

func (p *Page) recLen(off int) int {
	return int(binary.BigEndian.Uint16(p.frame[off-recLenSize:]))
}

// Record returns the record with heapNo. The slice aliases the page and is only
// valid while the caller holds a latch.
func (p *Page) Record(heapNo int) ([]byte, error) {
	off, err := p.RecOffset(heapNo)
	if err != nil {
		return nil, err
	}
	return p.frame[off : off+p.recLen(off)], nil
}

// Insert appends rec to the page and returns its heap number. The caller holds the x latch.
func (p *Page) Insert(mtr *redo.Mtr, rec []byte) (int, error) {
	if len(rec) < p.layout.MinRecordSize() {
		return 0, fmt.Errorf("record of %d bytes is shorter than its system columns", len(rec))
	}

	n := p.NumRecords()
	top := p.heapTop()
	if top+recLenSize+len(rec) > slotPos(n) {
		return 0, fmt.Errorf("page %d:%d is full", p.space, p.no)
	}

	body := make([]byte, recLenSize+len(rec))
	binary.BigEndian.PutUint16(body, uint16(len(rec)))
	copy(body[recLenSize:], rec)
	off := top + recLenSize

	var slot, hdr [2]byte
	binary.BigEndian.PutUint16(slot[:], uint16(off))
	p.write(mtr, top, body)
	p.write(mtr, slotPos(n), slot[:])
	binary.BigEndian.PutUint16(hdr[:], uint16(top+len(body)))
	p.write(mtr, offHeapTop, hdr[:])
	binary.BigEndian.PutUint16(hdr[:], uint16(n+1))
	p.write(mtr, offNRecs, hdr[:])

	if p.zip != nil {
		p.zip.rebuild(p)
	}
	return n, nil
}

// write changes the frame and logs it.
func (p *Page) write(mtr *redo.Mtr, off int, data []byte) {
	copy(p.frame[off:], data)
	p.dirty.Store(true)
	mtr.Append(redo.PageWrite{
		Store:  redo.StoreRow,
		Space:  p.space,
		Page:   p.no,
		Offset: uint16(off),
		Data:   append([]byte(nil), data...),
	})
}

// UpdateVisibility rewrites the visibility fields of the record with heapNo and
// logs the change. The caller holds the x latch. On a compressed page the
// shadow copy is updated too.
func (p *Page) UpdateVisibility(mtr *redo.Mtr, heapNo int, s scn.SCN, uba undo.UBA) error {
	off, err := p.RecOffset(heapNo)
	if err != nil {
		return err
	}

	rec := p.frame[off : off+p.recLen(off)]
	WriteFields(rec, p.layout, s, uba)
	if p.zip != nil {
		p.zip.setFields(heapNo, rec[p.layout.SCNPos():p.layout.SCNPos()+FieldsSize])
	}
	p.dirty.Store(true)

	mtr.Append(redo.RowVisibility{
		Space:     p.space,
		Page:      p.no,
		RecOffset: uint16(off),
		SysPos:    uint16(p.layout.SysPos),
		SCN:       uint64(s),
		UBA:       uint64(uba),
	})
	return nil
}

// ApplyVisibility replays a RowVisibility record.
func (p *Page) ApplyVisibility(recOffset, sysPos uint16, s scn.SCN, uba undo.UBA) error {
	p.XLatch()
	defer p.XUnlatch()

	if int(sysPos) != p.layout.SysPos {
		return fmt.Errorf("row visibility record with sys pos %d on a page with sys pos %d", sysPos, p.layout.SysPos)
	}
	for heapNo := 0; heapNo < p.NumRecords(); heapNo++ {
		off, _ := p.RecOffset(heapNo)
		if off != int(recOffset) {
			continue
		}
		rec := p.frame[off : off+p.recLen(off)]
		WriteFields(rec, p.layout, s, uba)
		if p.zip != nil {
			p.zip.setFields(heapNo, rec[p.layout.SCNPos():p.layout.SCNPos()+FieldsSize])
		}
		p.dirty.Store(true)
		return nil
	}
	return common.NewNotFoundError(fmt.Sprintf("no record at offset %d on page %d:%d", recOffset, p.space, p.no))
}

// ApplyWrite replays a PageWrite record.
func (p *Page) ApplyWrite(off int, data []byte) error {
	p.XLatch()
	defer p.XUnlatch()

	if off+len(data) > PageSize {
		return fmt.Errorf("write of %d bytes at %d overflows page %d:%d", len(data), off, p.space, p.no)
	}
	copy(p.frame[off:], data)
	if p.zip != nil {
		p.zip.rebuild(p)
	}
	p.dirty.Store(true)
	return nil
}

// Dirty returns true if the page changed since it was last marshalled.
func (p *Page) Dirty() bool {
	return p.dirty.Load()
}

// Marshal returns the persisted image of the page: the frame for an
// uncompressed page and the compressed shadow otherwise.
func (p *Page) Marshal() []byte {
	p.SLatch()
	defer p.SUnlatch()

	p.dirty.Store(false)
	if p.zip == nil {
		return append([]byte{0}, p.frame...)
	}
	return append([]byte{flagCompressed}, p.zip.marshal()...)
}

// Unmarshal rebuilds a page from its persisted image.
func Unmarshal(space, no uint32, data []byte) (*Page, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty row page image %d:%d", space, no)
	}

	var frame []byte
	var zip *zipShadow
	if data[0]&flagCompressed == 0 {
		if len(data) != PageSize+1 {
			return nil, fmt.Errorf("row page image %d:%d has %d bytes", space, no, len(data))
		}
		frame = append([]byte(nil), data[1:]...)
	} else {
		var err error
		zip, err = unmarshalZip(data[1:])
		if err != nil {
			return nil, err
		}
		frame, err = zip.decompress()
		if err != nil {
			return nil, err
		}
	}

	flags := frame[offFlags]
	p := &Page{
		space: space,
		no:    no,
		layout: Layout{
			SysPos:    int(binary.BigEndian.Uint16(frame[offSysPos:])),
			Intrinsic: flags&flagIntrinsic != 0,
			Temporary: flags&flagTemporary != 0,
		},
		frame: frame,
		zip:   zip,
		dirty: atomic.NewBool(false),
	}

	log.WithFields(log.Fields{"space": space, "page": no, "records": p.NumRecords(), "compressed": zip != nil}).Debug("row::page::Unmarshal; done")
	return p, nil
}

// VerifyShadow checks that the compressed shadow decompresses to the frame.
func (p *Page) VerifyShadow() error {
	p.SLatch()
	defer p.SUnlatch()

	if p.zip == nil {
		return nil
	}
	frame, err := p.zip.decompress()
	if err != nil {
		return err
	}
	for i := range frame {
		if frame[i] != p.frame[i] {
			return fmt.Errorf("compressed shadow of page %d:%d differs at byte %d", p.space, p.no, i)
		}
	}
	return nil
}
