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

package redo

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dr0pdb/lizarddb/internal/common"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// LSN is the sequence number of a mini transaction in the redo log.
type LSN uint64

const (
	logFileName = "lizard.redo"

	// mtr header has 8 bytes of lsn and 4 bytes for the count of records.
	mtrHeaderSize = 12
)

// Applier applies replayed records to the pages they describe.
// Apply must be idempotent: a record can be replayed on a page that already contains it.
type Applier interface {
	Apply(lsn LSN, rec Record) error
}

// Log is the redo log. Every Mtr is written as one log record and synced on close.
type Log struct {
	mu sync.Mutex

	path string
	f    *os.File
	w    *logRecordWriter

	// lsn is the lsn of the last written mtr.
	lsn *atomic.Uint64

	closed bool
}

// OpenLog opens or creates the redo log inside dir. A torn tail left by a crash is cut off.
func OpenLog(dir string) (*Log, error) {
	log.WithFields(log.Fields{"dir": dir}).Info("redo::log::OpenLog; opening redo log")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create redo log dir")
	}

	l := &Log{
		path: filepath.Join(dir, logFileName),
		lsn:  atomic.NewUint64(0),
	}

	end, last, err := l.iterate(nil)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open redo log")
	}
	if err = f.Truncate(end); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "cut redo log tail")
	}
	if _, err = f.Seek(end, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "seek redo log")
	}

	l.f = f
	l.w = newLogRecordWriter(f, end)
	l.lsn.Store(uint64(last))

	log.WithFields(log.Fields{"end": end, "lsn": last}).Info("redo::log::OpenLog; done")
	return l, nil
}

// iterate reads every complete mtr in the log file. It returns the offset after
// the last complete mtr and its lsn.
func (l *Log) iterate(fn func(LSN, []Record) error) (int64, LSN, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, errors.Wrap(err, "open redo log for reading")
	}
	defer f.Close()

	var last LSN
	r := newLogRecordReader(f)
	for {
		payload, err := r.next()
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			log.WithFields(log.Fields{"end": r.end}).Warn("redo::log::iterate; redo log ends with a torn record, ignoring it")
			break
		}
		if err != nil {
			return 0, 0, err
		}

		lsn, recs, err := decodeMtr(payload)
		if err != nil {
			return 0, 0, err
		}
		if fn != nil {
			if err = fn(lsn, recs); err != nil {
				return 0, 0, err
			}
		}
		last = lsn
	}
	return r.end, last, nil
}

// Replay applies every record of the log in order.
func (l *Log) Replay(a Applier) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	_, last, err := l.iterate(func(lsn LSN, recs []Record) error {
		for _, rec := range recs {
			if err := a.Apply(lsn, rec); err != nil {
				return errors.Wrapf(err, "apply %s at lsn %d", rec.Type(), lsn)
			}
			n++
		}
		return nil
	})
	if err != nil {
		log.WithFields(log.Fields{"error": err.Error()}).Error("redo::log::Replay; replay failed")
		return err
	}

	log.WithFields(log.Fields{"records": n, "lsn": last}).Info("redo::log::Replay; done")
	return nil
}

// Truncate drops every record. It must only be called once the pages the log
// describes are persisted. The lsn keeps increasing.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("redo log is closed")
	}
	if err := l.f.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate redo log")
	}
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek redo log")
	}
	l.w = newLogRecordWriter(l.f, 0)

	log.WithFields(log.Fields{"lsn": l.lsn.Load()}).Info("redo::log::Truncate; redo log truncated")
	return nil
}

// LSN returns the lsn of the last durable mtr.
func (l *Log) LSN() LSN {
	return LSN(l.lsn.Load())
}

// Close closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}

func (l *Log) write(m *Mtr) (LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, fmt.Errorf("redo log is closed")
	}
	if m.count == 0 {
		return LSN(l.lsn.Load()), nil
	}

	lsn := l.lsn.Load() + 1
	binary.LittleEndian.PutUint64(m.buf[0:8], lsn)
	binary.LittleEndian.PutUint32(m.buf[8:12], m.count)

	w, err := l.w.next()
	if err != nil {
		return 0, errors.Wrap(err, "redo log writer")
	}
	if _, err = w.Write(m.buf); err != nil {
		return 0, errors.Wrap(err, "write mtr")
	}
	if err = l.w.flush(); err != nil {
		return 0, errors.Wrap(err, "flush mtr")
	}

	l.lsn.Store(lsn)
	return LSN(lsn), nil
}

// Mtr is a mini transaction: a group of page changes that are logged atomically.
// The caller mutates the pages while holding their latches, appends the records
// describing the change and closes the mtr before releasing the latches.
type Mtr struct {
	log    *Log
	buf    []byte
	count  uint32
	closed bool
}

// Open starts a mini transaction. sizeHint is the expected size of its records.
func (l *Log) Open(sizeHint int) *Mtr {
	return newMtr(l, sizeHint)
}

// NoRedo returns a mini transaction that is never written, for pages that aren't
// recovered after a crash.
func NoRedo() *Mtr {
	return newMtr(nil, 0)
}

func newMtr(l *Log, sizeHint int) *Mtr {
	icap := 256
	for icap < sizeHint+mtrHeaderSize {
		icap *= 2
	}
	return &Mtr{log: l, buf: make([]byte, mtrHeaderSize, icap)}
}

// Append adds rec to the mini transaction.
func (m *Mtr) Append(rec Record) {
	if m.closed {
		panic("redo::log::Mtr; append on a closed mtr")
	}
	m.buf = append(m.buf, byte(rec.Type()))
	m.buf = rec.encode(m.buf)
	m.count++
}

// Len returns the number of records in the mini transaction.
func (m *Mtr) Len() int {
	return int(m.count)
}

// Records decodes the records appended so far.
func (m *Mtr) Records() ([]Record, error) {
	ri := recordIterator(m.buf[mtrHeaderSize:])
	recs := make([]Record, 0, m.count)
	for len(ri) > 0 {
		rec, err := ri.next()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Close writes the mini transaction and returns the lsn at which it is durable.
func (m *Mtr) Close() (LSN, error) {
	if m.closed {
		return 0, fmt.Errorf("mtr closed twice")
	}
	m.closed = true
	if m.log == nil {
		return 0, nil
	}
	return m.log.write(m)
}

func decodeMtr(payload []byte) (LSN, []Record, error) {
	if len(payload) < mtrHeaderSize {
		return 0, nil, common.NewCorruptLogRecordError("mtr shorter than its header")
	}
	lsn := LSN(binary.LittleEndian.Uint64(payload[0:8]))
	count := binary.LittleEndian.Uint32(payload[8:12])

	ri := recordIterator(payload[mtrHeaderSize:])
	recs := make([]Record, 0, count)
	for len(ri) > 0 {
		rec, err := ri.next()
		if err != nil {
			return 0, nil, err
		}
		recs = append(recs, rec)
	}
	if uint32(len(recs)) != count {
		return 0, nil, common.NewCorruptLogRecordError(fmt.Sprintf("mtr has %d records, header says %d", len(recs), count))
	}
	return lsn, recs, nil
}
