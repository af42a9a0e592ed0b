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
	"sort"
	"sync"

	"github.com/dr0pdb/lizarddb/internal/common"
	"github.com/dr0pdb/lizarddb/pkg/pagestore"
	"github.com/dr0pdb/lizarddb/pkg/redo"
	"github.com/dr0pdb/lizarddb/pkg/scn"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

const recordLenSize = 2

// MaxRecordSize is the largest undo record payload.
const MaxRecordSize = PageSize - pageHeaderSize - recordLenSize

// Manager owns the undo tablespaces and their rollback segments.
type Manager struct {
	spaces        []*Space
	rsegs         []*Rseg
	rsegsPerSpace int

	// rr picks the rollback segment of the next assignment.
	rr *atomic.Uint64

	// purged is the largest commit number of a purged segment.
	purged *atomic.Uint64

	mu   sync.RWMutex
	segs map[Addr]*Segment
}

// NewManager creates nSpaces undo tablespaces with ids 1..nSpaces, each with rsegsPerSpace rollback segments.
func NewManager(nSpaces uint8, rsegsPerSpace int) *Manager {
	if nSpaces == 0 || nSpaces > MaxSpaceID || rsegsPerSpace <= 0 {
		panic(fmt.Sprintf("undo::manager::NewManager; invalid layout %d spaces, %d rsegs", nSpaces, rsegsPerSpace))
	}

	m := &Manager{
		rsegsPerSpace: rsegsPerSpace,
		rr:            atomic.NewUint64(0),
		purged:        atomic.NewUint64(uint64(scn.PurgedSCN)),
		segs:          make(map[Addr]*Segment),
	}
	for id := uint8(1); id <= nSpaces; id++ {
		s := newSpace(id)
		m.spaces = append(m.spaces, s)
		for r := 0; r < rsegsPerSpace; r++ {
			m.rsegs = append(m.rsegs, newRseg(uint16(r), s))
		}
	}
	return m
}

// Rsegs returns every rollback segment.
func (m *Manager) Rsegs() []*Rseg {
	return m.rsegs
}

func (m *Manager) space(id uint8) (*Space, bool) {
	if id == 0 || int(id) > len(m.spaces) {
		return nil, false
	}
	return m.spaces[id-1], true
}

func (m *Manager) page(a Addr) (*Page, error) {
	s, ok := m.space(a.Space)
	if !ok {
		return nil, common.NewNotFoundError(fmt.Sprintf("undo space %d not found", a.Space))
	}
	p, ok := s.page(a.Page)
	if !ok {
		return nil, common.NewNotFoundError(fmt.Sprintf("undo page %s not found", a))
	}
	return p, nil
}

// Segment returns the segment whose header page is a.
func (m *Manager) Segment(a Addr) (*Segment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seg, ok := m.segs[a]
	return seg, ok
}

// Assign gives trxID a txn undo segment and writes its header.
// The header address is in the returned segment's HeaderUBA.
func (m *Manager) Assign(mtr *redo.Mtr, trxID uint64, xid *XID) (*Segment, error) {
	r := m.rsegs[(m.rr.Inc()-1)%uint64(len(m.rsegs))]
	seg, created, err := r.assign(mtr, trxID, xid)
	if err != nil {
		log.WithFields(log.Fields{"trxID": trxID, "error": err.Error()}).Error("undo::manager::Assign; error in writing the undo header")
		return nil, err
	}

	if created {
		m.mu.Lock()
		m.segs[seg.Addr()] = seg
		m.mu.Unlock()
	}

	log.WithFields(log.Fields{"trxID": trxID, "segment": seg.Addr(), "created": created}).Debug("undo::manager::Assign; segment assigned")
	return seg, nil
}

// AppendRecord appends an undo record to the active segment whose header is at hdr
// and returns the address of the record.
func (m *Manager) AppendRecord(mtr *redo.Mtr, hdr UBA, payload []byte) (UBA, error) {
	if len(payload) > MaxRecordSize-HeaderSize {
		return NullUBA, fmt.Errorf("undo record of %d bytes is too large", len(payload))
	}

	seg, ok := m.Segment(hdr.Addr())
	if !ok {
		return NullUBA, common.NewNotFoundError(fmt.Sprintf("no undo segment at %s", hdr.Addr()))
	}
	seg.rseg.mu.Lock()
	list := seg.list
	seg.rseg.mu.Unlock()
	if list != ListActive {
		return NullUBA, fmt.Errorf("undo segment %s is not active", hdr.Addr())
	}

	need := recordLenSize + len(payload)
	p := seg.pages[seg.cur]
	p.latch.Lock()
	free := int(p.free())
	if free+need > PageSize {
		var np *Page
		if seg.cur+1 < len(seg.pages) {
			np = seg.pages[seg.cur+1]
		} else {
			np = seg.rseg.space.allocate()
			p.writeUint32(mtr, offPageNext, np.addr.Page)
			seg.pages = append(seg.pages, np)
		}
		p.latch.Unlock()

		seg.cur++
		p = np
		p.latch.Lock()
		p.writeUint16(mtr, offPageType, pageTypeData)
		free = pageHeaderSize
	}
	defer p.latch.Unlock()

	rec := make([]byte, need)
	binary.BigEndian.PutUint16(rec, uint16(len(payload)))
	copy(rec[recordLenSize:], payload)
	p.write(mtr, free, rec)
	p.writeUint16(mtr, offPageFree, uint16(free+need))
	if seg.cur == 0 {
		p.writeUint16(mtr, HeaderOffset+offFree, uint16(free+need))
	}

	return NewUBA(p.addr.Space, p.addr.Page, uint16(free), false), nil
}

// ReadRecord returns the payload of the undo record at uba.
func (m *Manager) ReadRecord(uba UBA) ([]byte, error) {
	p, err := m.page(uba.Addr())
	if err != nil {
		return nil, err
	}
	p.latch.RLock()
	defer p.latch.RUnlock()

	off := int(uba.Offset())
	if off < pageHeaderSize || off+recordLenSize > int(p.free()) {
		return nil, common.NewNotFoundError(fmt.Sprintf("no undo record at %s", uba))
	}
	n := int(binary.BigEndian.Uint16(p.frame[off:]))
	if off+recordLenSize+n > int(p.free()) {
		return nil, common.NewUndoHeaderCorruptError(fmt.Sprintf("undo record at %s overflows the page", uba))
	}
	return append([]byte(nil), p.frame[off+recordLenSize:off+recordLenSize+n]...), nil
}

// ReadHeader reads the undo log header at uba.
func (m *Manager) ReadHeader(uba UBA) (Header, error) {
	p, err := m.page(uba.Addr())
	if err != nil {
		return Header{}, err
	}
	off := int(uba.Offset())
	if off+HeaderSize > PageSize {
		return Header{}, common.NewUndoHeaderCorruptError(fmt.Sprintf("undo header at %s overflows the page", uba))
	}

	p.latch.RLock()
	defer p.latch.RUnlock()
	return DecodeHeader(p.frame[off:])
}

// Commit writes the commit outcome into the header of seg and moves it to the history list.
// rollback marks the transaction as rolled back.
func (m *Manager) Commit(mtr *redo.Mtr, seg *Segment, c scn.CommitSCN, rollback bool) error {
	if err := seg.rseg.finish(mtr, seg, c, rollback); err != nil {
		log.WithFields(log.Fields{"segment": seg.Addr(), "error": err.Error()}).Error("undo::manager::Commit; error in writing the commit outcome")
		return err
	}
	return nil
}

// MarkUndoApplied records in the header of the rolled back segment seg that
// every row version of its transaction was marked rolled back. The segment can
// be purged from then on.
func (m *Manager) MarkUndoApplied(mtr *redo.Mtr, seg *Segment) error {
	if err := seg.rseg.markUndoApplied(mtr, seg); err != nil {
		log.WithFields(log.Fields{"segment": seg.Addr(), "error": err.Error()}).Error("undo::manager::MarkUndoApplied; error in writing the header")
		return err
	}
	return nil
}

// Records returns the payloads of the undo records of seg in the order they were appended.
func (m *Manager) Records(seg *Segment) ([][]byte, error) {
	var out [][]byte
	for i, p := range seg.pages {
		off := pageHeaderSize
		if i == 0 {
			off = HeaderOffset + HeaderSize
		}

		p.latch.RLock()
		free := int(p.free())
		for off < free {
			if off+recordLenSize > free {
				p.latch.RUnlock()
				return nil, common.NewUndoHeaderCorruptError(fmt.Sprintf("truncated undo record at %s offset %d", p.addr, off))
			}
			n := int(binary.BigEndian.Uint16(p.frame[off:]))
			if off+recordLenSize+n > free {
				p.latch.RUnlock()
				return nil, common.NewUndoHeaderCorruptError(fmt.Sprintf("undo record at %s offset %d overflows the page", p.addr, off))
			}
			out = append(out, append([]byte(nil), p.frame[off+recordLenSize:off+recordLenSize+n]...))
			off += recordLenSize + n
		}
		p.latch.RUnlock()
	}
	return out, nil
}

// PurgeHorizon returns the largest commit number of a purged segment, scn.PurgedSCN
// if nothing was purged. The header slot of a writer at or below it may have been
// reused, so visions older than it can't be served.
func (m *Manager) PurgeHorizon() scn.SCN {
	return scn.SCN(m.purged.Load())
}

// RestorePurgeHorizon raises the purge horizon to s. It is used by recovery.
func (m *Manager) RestorePurgeHorizon(s scn.SCN) {
	m.raisePurgeHorizon(s)
}

func (m *Manager) raisePurgeHorizon(s scn.SCN) {
	if s == scn.NullSCN {
		return
	}
	for {
		cur := m.purged.Load()
		if uint64(s) <= cur || m.purged.CAS(cur, uint64(s)) {
			return
		}
	}
}

// Purge moves every history segment committed before limit to the cached or free lists.
func (m *Manager) Purge(mtr *redo.Mtr, limit scn.SCN) (int, error) {
	total := 0
	for _, r := range m.rsegs {
		n, err := r.purge(mtr, limit, m.raisePurgeHorizon)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		log.WithFields(log.Fields{"limit": limit, "purged": total}).Info("undo::manager::Purge; done")
	}
	return total, nil
}

// HistoryLen returns the number of segments waiting for purge.
func (m *Manager) HistoryLen() int {
	n := 0
	for _, r := range m.rsegs {
		n += r.HistoryLen()
	}
	return n
}

// SegmentInfo describes a segment for scans.
type SegmentInfo struct {
	Addr   Addr
	Rseg   uint16
	List   List
	Pages  int
	Header Header
}

// ScanSegments calls fn with every segment of every rollback segment. A segment
// whose header can't be decoded is reported with its error.
func (m *Manager) ScanSegments(fn func(SegmentInfo, error)) {
	for _, r := range m.rsegs {
		r.Scan(func(l List, seg *Segment) {
			h, err := m.ReadHeader(seg.HeaderUBA())
			fn(SegmentInfo{Addr: seg.Addr(), Rseg: r.id, List: l, Pages: len(seg.pages), Header: h}, err)
		})
	}
}

// FindXID returns the header of the latest unpurged transaction with xid.
func (m *Manager) FindXID(xid XID) (Header, bool) {
	var found Header
	ok := false
	key := xid.Key()
	m.ScanSegments(func(info SegmentInfo, err error) {
		if err != nil || info.Header.XID == nil || info.Header.XID.Key() != key {
			return
		}
		if info.List == ListActive || info.List == ListHistory {
			if !ok || info.Header.TrxID > found.TrxID {
				found, ok = info.Header, true
			}
		}
	})
	return found, ok
}

// Checkpoint persists the dirty pages.
func (m *Manager) Checkpoint(store pagestore.Store) error {
	var images []pagestore.Image
	for _, s := range m.spaces {
		for _, p := range s.sortedPages() {
			if !p.dirty.Load() {
				continue
			}
			images = append(images, pagestore.Image{Space: uint32(s.id), Page: p.addr.Page, Data: p.image()})
		}
	}
	if err := store.Save(pagestore.KindUndo, images); err != nil {
		return err
	}
	log.WithFields(log.Fields{"pages": len(images)}).Info("undo::manager::Checkpoint; done")
	return nil
}

// Load reads the persisted pages. It must be called before Apply and Rebuild.
func (m *Manager) Load(store pagestore.Store) error {
	n := 0
	err := store.Load(pagestore.KindUndo, func(img pagestore.Image) error {
		if img.Space > uint32(MaxSpaceID) {
			return fmt.Errorf("undo page with space id %d", img.Space)
		}
		s, ok := m.space(uint8(img.Space))
		if !ok {
			return fmt.Errorf("undo space %d is not configured", img.Space)
		}
		if len(img.Data) != PageSize {
			return fmt.Errorf("undo page %d:%d has %d bytes", img.Space, img.Page, len(img.Data))
		}
		p := s.pageOrCreate(img.Page)
		copy(p.frame, img.Data)
		p.dirty.Store(false)
		n++
		return nil
	})
	if err != nil {
		log.WithFields(log.Fields{"error": err.Error()}).Error("undo::manager::Load; error in loading undo pages")
		return err
	}
	log.WithFields(log.Fields{"pages": n}).Info("undo::manager::Load; done")
	return nil
}

// Apply replays a redo record on the undo pages. Records of other stores are ignored.
func (m *Manager) Apply(rec redo.Record) error {
	pageOf := func(space uint32, no uint32) (*Page, error) {
		if space > uint32(MaxSpaceID) {
			return nil, fmt.Errorf("undo space id %d", space)
		}
		s, ok := m.space(uint8(space))
		if !ok {
			return nil, fmt.Errorf("undo space %d is not configured", space)
		}
		return s.pageOrCreate(no), nil
	}

	switch r := rec.(type) {
	case redo.PageWrite:
		if r.Store != redo.StoreUndo {
			return nil
		}
		p, err := pageOf(r.Space, r.Page)
		if err != nil {
			return err
		}
		p.apply(int(r.Offset), r.Data)

	case redo.UndoHdrCreate:
		p, err := pageOf(uint32(r.Space), r.Page)
		if err != nil {
			return err
		}
		p.apply(int(r.Offset), r.Image)

	case redo.UndoHdrCommit:
		p, err := pageOf(uint32(r.Space), r.Page)
		if err != nil {
			return err
		}
		return p.rewriteHeader(int(r.Offset), func(h *Header) {
			h.State = State(r.State)
			h.Flags = Flags(r.Flags)
			h.Commit = scn.CommitSCN{SCN: scn.SCN(r.SCN), UTC: scn.UTC(r.UTC), GCN: scn.GCN(r.GCN)}
		})

	case redo.UndoHdrPurge:
		p, err := pageOf(uint32(r.Space), r.Page)
		if err != nil {
			return err
		}
		return p.rewriteHeader(int(r.Offset), func(h *Header) {
			h.State = StatePurged
			m.raisePurgeHorizon(h.Commit.SCN)
		})
	}
	return nil
}

func (p *Page) rewriteHeader(off int, fn func(h *Header)) error {
	h, err := DecodeHeader(p.frame[off:])
	if err != nil {
		return err
	}
	fn(&h)
	if err = h.Encode(p.frame[off:]); err != nil {
		return err
	}
	p.dirty.Store(true)
	return nil
}

// Recovered is the result of Rebuild.
type Recovered struct {
	// MaxSCN and MaxGCN are the largest commit numbers found, NullSCN and NullGCN if none.
	MaxSCN scn.SCN
	MaxGCN scn.GCN

	// MaxTrxID is the largest transaction id found.
	MaxTrxID uint64

	// Active are the segments of transactions that were running at the crash.
	Active []*Segment

	// Unapplied are rolled back segments whose row versions may not all be marked yet.
	Unapplied []*Segment
}

// Rebuild reconstructs the segments and the rollback segment lists from the
// undo log headers on the pages.
func (m *Manager) Rebuild() (Recovered, error) {
	rec := Recovered{MaxSCN: scn.NullSCN, MaxGCN: scn.NullGCN}

	m.mu.Lock()
	defer m.mu.Unlock()

	for si, s := range m.spaces {
		for _, p := range s.sortedPages() {
			if p.pageType() != pageTypeHeader {
				continue
			}
			h, err := DecodeHeader(p.frame[HeaderOffset:])
			if err != nil {
				log.WithFields(log.Fields{"page": p.addr, "error": err.Error()}).Error("undo::manager::Rebuild; corrupt undo header")
				return rec, err
			}
			if int(h.Rseg) >= m.rsegsPerSpace {
				return rec, fmt.Errorf("undo segment %s belongs to rollback segment %d, only %d configured", p.addr, h.Rseg, m.rsegsPerSpace)
			}
			r := m.rsegs[si*m.rsegsPerSpace+int(h.Rseg)]

			seg := &Segment{rseg: r, pages: []*Page{p}, trxID: h.TrxID, commit: h.Commit}
			for next := p.next(); next != FilNull; {
				np, ok := s.page(next)
				if !ok {
					return rec, fmt.Errorf("undo segment %s links to missing page %d", p.addr, next)
				}
				seg.pages = append(seg.pages, np)
				next = np.next()
			}
			m.segs[p.addr] = seg

			if h.TrxID > rec.MaxTrxID {
				rec.MaxTrxID = h.TrxID
			}

			switch h.State {
			case StateActive:
				r.push(ListActive, seg)
				rec.Active = append(rec.Active, seg)
			case StateCommitted:
				r.push(ListHistory, seg)
				if h.RolledBack() && !h.UndoApplied() {
					rec.Unapplied = append(rec.Unapplied, seg)
				}
			case StatePurged:
				m.raisePurgeHorizon(h.Commit.SCN)
				if len(seg.pages) == 1 {
					r.push(ListCached, seg)
				} else {
					r.push(ListFree, seg)
				}
			}

			if h.State != StateActive {
				if h.Commit.SCN != scn.NullSCN && (rec.MaxSCN == scn.NullSCN || h.Commit.SCN > rec.MaxSCN) {
					rec.MaxSCN = h.Commit.SCN
				}
				if h.Commit.GCN != scn.NullGCN && (rec.MaxGCN == scn.NullGCN || h.Commit.GCN > rec.MaxGCN) {
					rec.MaxGCN = h.Commit.GCN
				}
			}
		}
	}

	for _, r := range m.rsegs {
		sort.SliceStable(r.history, func(i, j int) bool { return r.history[i].commit.SCN < r.history[j].commit.SCN })
	}

	log.WithFields(log.Fields{"segments": len(m.segs), "active": len(rec.Active), "maxSCN": rec.MaxSCN}).Info("undo::manager::Rebuild; done")
	return rec, nil
}
