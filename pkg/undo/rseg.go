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
	"fmt"
	"sort"
	"sync"

	"github.com/dr0pdb/lizarddb/pkg/redo"
	"github.com/dr0pdb/lizarddb/pkg/scn"
)

// Space is an undo tablespace.
type Space struct {
	id uint8

	mu    sync.Mutex
	pages map[uint32]*Page
	next  uint32
}

func newSpace(id uint8) *Space {
	return &Space{
		id:    id,
		pages: make(map[uint32]*Page),
		next:  1,
	}
}

// ID returns the tablespace id.
func (s *Space) ID() uint8 {
	return s.id
}

// allocate creates a new page. The page content is described by the redo
// records of the writes that follow.
func (s *Space) allocate() *Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := newPage(Addr{Space: s.id, Page: s.next})
	s.pages[s.next] = p
	s.next++
	return p
}

func (s *Space) page(no uint32) (*Page, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[no]
	return p, ok
}

// pageOrCreate is used by recovery to find a page that may not have been persisted.
func (s *Space) pageOrCreate(no uint32) *Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pages[no]
	if !ok {
		p = newPage(Addr{Space: s.id, Page: no})
		s.pages[no] = p
		if no >= s.next {
			s.next = no + 1
		}
	}
	return p
}

// sortedPages returns the pages in page number order.
func (s *Space) sortedPages() []*Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages := make([]*Page, 0, len(s.pages))
	for _, p := range s.pages {
		pages = append(pages, p)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].addr.Page < pages[j].addr.Page })
	return pages
}

// List names the rollback segment list a segment is on.
type List int

const (
	// ListActive holds the segments of running transactions.
	ListActive List = iota

	// ListCached holds purged single page segments, reused first.
	ListCached

	// ListHistory holds committed segments in commit order, waiting for purge.
	ListHistory

	// ListFree holds purged multi page segments.
	ListFree
)

func (l List) String() string {
	switch l {
	case ListActive:
		return "active"
	case ListCached:
		return "cached"
	case ListHistory:
		return "history"
	case ListFree:
		return "free"
	}
	return "unknown"
}

// Segment is a txn undo segment: a header page holding the undo log header
// followed by the undo records of one transaction, possibly spilling into more pages.
// pages and cur are owned by the transaction the segment is assigned to.
type Segment struct {
	rseg  *Rseg
	pages []*Page
	cur   int

	// mirrors of the header, guarded by rseg.mu
	trxID  uint64
	commit scn.CommitSCN
	list   List
}

// Addr returns the address of the segment header page.
func (seg *Segment) Addr() Addr {
	return seg.pages[0].addr
}

// HeaderUBA returns the address of the undo log header.
func (seg *Segment) HeaderUBA() UBA {
	a := seg.Addr()
	return NewUBA(a.Space, a.Page, HeaderOffset, false)
}

// TrxID returns the id of the transaction the segment was last assigned to.
func (seg *Segment) TrxID() uint64 {
	seg.rseg.mu.Lock()
	defer seg.rseg.mu.Unlock()
	return seg.trxID
}

// Rseg is a rollback segment. It owns txn undo segments and the lists they move through.
type Rseg struct {
	id    uint16
	space *Space

	mu      sync.Mutex
	active  []*Segment
	cached  []*Segment
	history []*Segment
	free    []*Segment
}

func newRseg(id uint16, space *Space) *Rseg {
	return &Rseg{id: id, space: space}
}

// ID returns the id of the rollback segment inside its tablespace.
func (r *Rseg) ID() uint16 {
	return r.id
}

// Space returns the tablespace of the rollback segment.
func (r *Rseg) Space() *Space {
	return r.space
}

func (r *Rseg) list(l List) *[]*Segment {
	switch l {
	case ListActive:
		return &r.active
	case ListCached:
		return &r.cached
	case ListHistory:
		return &r.history
	}
	return &r.free
}

// remove drops seg from its list. The caller holds r.mu.
func (r *Rseg) remove(seg *Segment) {
	lp := r.list(seg.list)
	l := *lp
	for i, s := range l {
		if s == seg {
			*lp = append(l[:i], l[i+1:]...)
			return
		}
	}
}

// push appends seg to l. The caller holds r.mu.
func (r *Rseg) push(l List, seg *Segment) {
	seg.list = l
	lp := r.list(l)
	*lp = append(*lp, seg)
}

// Scan calls fn for every segment on every list of the rollback segment,
// in the order active, cached, history, free.
func (r *Rseg) Scan(fn func(l List, seg *Segment)) {
	type entry struct {
		l   List
		seg *Segment
	}

	r.mu.Lock()
	var all []entry
	for _, l := range []List{ListActive, ListCached, ListHistory, ListFree} {
		for _, seg := range *r.list(l) {
			all = append(all, entry{l, seg})
		}
	}
	r.mu.Unlock()

	for _, e := range all {
		fn(e.l, e.seg)
	}
}

// HistoryLen returns the number of segments waiting for purge.
func (r *Rseg) HistoryLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history)
}

// assign puts a segment on the active list, reusing a cached or free one when possible.
// It returns true if the segment is new.
func (r *Rseg) assign(mtr *redo.Mtr, trxID uint64, xid *XID) (*Segment, bool, error) {
	r.mu.Lock()
	var seg *Segment
	created := false
	switch {
	case len(r.cached) > 0:
		seg = r.cached[len(r.cached)-1]
		r.cached = r.cached[:len(r.cached)-1]
	case len(r.free) > 0:
		seg = r.free[len(r.free)-1]
		r.free = r.free[:len(r.free)-1]
	default:
		seg = &Segment{rseg: r, pages: []*Page{r.space.allocate()}}
		created = true
	}
	seg.trxID = trxID
	seg.commit = scn.NullCommitSCN
	seg.cur = 0
	r.push(ListActive, seg)
	r.mu.Unlock()

	h := Header{
		TrxID:    trxID,
		State:    StateActive,
		Flags:    FlagTxn,
		LogStart: HeaderOffset + HeaderSize,
		Free:     HeaderOffset + HeaderSize,
		Commit:   scn.NullCommitSCN,
		Rseg:     r.id,
		XID:      xid,
	}
	if xid != nil {
		h.Flags |= FlagXID
	}
	image := make([]byte, HeaderSize)
	if err := h.Encode(image); err != nil {
		r.mu.Lock()
		r.remove(seg)
		r.push(ListCached, seg)
		r.mu.Unlock()
		return nil, false, err
	}

	p := seg.pages[0]
	p.latch.Lock()
	p.writeUint16(mtr, offPageType, pageTypeHeader)
	p.writeUint16(mtr, offPageFree, h.LogStart)
	p.apply(HeaderOffset, image)
	mtr.Append(redo.UndoHdrCreate{Space: p.addr.Space, Page: p.addr.Page, Offset: HeaderOffset, Image: image})
	p.latch.Unlock()

	// the records of the previous owner are dropped from the other pages of a reused segment
	for _, dp := range seg.pages[1:] {
		dp.latch.Lock()
		dp.writeUint16(mtr, offPageFree, pageHeaderSize)
		dp.latch.Unlock()
	}

	return seg, created, nil
}

// finish writes the final state into the header and moves the segment to the history list.
func (r *Rseg) finish(mtr *redo.Mtr, seg *Segment, c scn.CommitSCN, rollback bool) error {
	p := seg.pages[0]
	p.latch.Lock()
	h, err := DecodeHeader(p.frame[HeaderOffset:])
	if err != nil {
		p.latch.Unlock()
		return err
	}
	h.State = StateCommitted
	h.Commit = c
	if rollback {
		h.Flags |= FlagRollback
	}
	if err = h.Encode(p.frame[HeaderOffset:]); err != nil {
		p.latch.Unlock()
		return err
	}
	p.dirty.Store(true)
	mtr.Append(redo.UndoHdrCommit{
		Space:  p.addr.Space,
		Page:   p.addr.Page,
		Offset: HeaderOffset,
		State:  uint8(h.State),
		Flags:  uint8(h.Flags),
		SCN:    uint64(c.SCN),
		UTC:    uint64(c.UTC),
		GCN:    uint64(c.GCN),
	})
	p.latch.Unlock()

	r.mu.Lock()
	r.remove(seg)
	seg.commit = c
	r.push(ListHistory, seg)
	r.mu.Unlock()
	return nil
}

// markUndoApplied sets FlagUndoApplied on the rolled back header of seg.
func (r *Rseg) markUndoApplied(mtr *redo.Mtr, seg *Segment) error {
	p := seg.pages[0]
	p.latch.Lock()
	defer p.latch.Unlock()

	h, err := DecodeHeader(p.frame[HeaderOffset:])
	if err != nil {
		return err
	}
	if h.State == StateActive || !h.RolledBack() {
		return fmt.Errorf("undo segment %s isn't rolled back", seg.Addr())
	}
	h.Flags |= FlagUndoApplied
	if err = h.Encode(p.frame[HeaderOffset:]); err != nil {
		return err
	}
	p.dirty.Store(true)
	mtr.Append(redo.UndoHdrCommit{
		Space:  p.addr.Space,
		Page:   p.addr.Page,
		Offset: HeaderOffset,
		State:  uint8(h.State),
		Flags:  uint8(h.Flags),
		SCN:    uint64(h.Commit.SCN),
		UTC:    uint64(h.Commit.UTC),
		GCN:    uint64(h.Commit.GCN),
	})
	return nil
}

// purge moves history segments committed before limit to the cached or free
// list. Rolled back segments whose row versions aren't marked yet stay on the
// history list. observe is called with the commit number of every purged segment.
func (r *Rseg) purge(mtr *redo.Mtr, limit scn.SCN, observe func(scn.SCN)) (int, error) {
	n := 0
	skip := 0
	for {
		r.mu.Lock()
		if skip >= len(r.history) || r.history[skip].commit.SCN >= limit {
			r.mu.Unlock()
			return n, nil
		}
		seg := r.history[skip]
		r.mu.Unlock()

		p := seg.pages[0]
		p.latch.Lock()
		h, err := DecodeHeader(p.frame[HeaderOffset:])
		if err != nil {
			p.latch.Unlock()
			return n, err
		}
		if h.RolledBack() && !h.UndoApplied() {
			p.latch.Unlock()
			skip++
			continue
		}
		h.State = StatePurged
		if err = h.Encode(p.frame[HeaderOffset:]); err != nil {
			p.latch.Unlock()
			return n, err
		}
		p.dirty.Store(true)
		mtr.Append(redo.UndoHdrPurge{Space: p.addr.Space, Page: p.addr.Page, Offset: HeaderOffset})
		p.latch.Unlock()
		observe(h.Commit.SCN)

		r.mu.Lock()
		r.remove(seg)
		if len(seg.pages) == 1 {
			r.push(ListCached, seg)
		} else {
			r.push(ListFree, seg)
		}
		r.mu.Unlock()
		n++
	}
}
