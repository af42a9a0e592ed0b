package redo

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/dr0pdb/lizarddb/internal/common"
	log "github.com/sirupsen/logrus"
)

// The log record format details can be found at the below link.
// https://github.com/google/leveldb/blob/master/doc/log_format.md
//
// Each mini transaction is written as one log record.
const (
	blockSize  = 32 * 1024
	headerSize = 7
)

const (
	zeroChunkType = iota
	fullChunkType
	firstChunkType
	middleChunkType
	lastChunkType
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func chunkChecksum(typeAndPayload []byte) uint32 {
	return crc32.Checksum(typeAndPayload, crcTable)
}

type logRecordWriter struct {
	// w is the writer that logRecordWriter writes to
	w io.Writer

	// seq is the sequence number of the current record.
	seq int

	// buffer
	buf [blockSize]byte

	// buf[lo:hi] is the current chunk position including the header
	lo, hi int

	// buf[:sofar] has been written to w. can be stale if flush hasn't been called.
	sofar int

	// blockNumber is the block that is currently stored in buf
	blockNumber int64

	lastRecordOffset int64

	// pending indicates if there is a chunk that is yet to written but is buffered.
	pending bool

	// first indicates if the current chunk is the first chunk of the record.
	first bool

	// err is any error encountered during any log record writer operation.
	err error
}

// fillHeaders fill the header entry in the buffer for the current chunk.
func (lrw *logRecordWriter) fillHeaders(lastChunk bool) {
	if lrw.err != nil {
		log.WithFields(log.Fields{"error": lrw.err.Error()}).Error("redo::logrecord: fillHeaders; existing background error found in the log record writer.")
		return
	}

	if lrw.lo+headerSize > lrw.hi || lrw.hi > blockSize {
		log.WithFields(log.Fields{"lo": lrw.lo, "hi": lrw.hi}).Error("redo::logrecord: fillHeaders; Inconsistent state found.")
		panic("redo::logrecord::logrecordwriter; inconsistent state found")
	}

	if lastChunk {
		if lrw.first {
			lrw.buf[lrw.lo+6] = fullChunkType
		} else {
			lrw.buf[lrw.lo+6] = lastChunkType
		}
	} else {
		if lrw.first {
			lrw.buf[lrw.lo+6] = firstChunkType
		} else {
			lrw.buf[lrw.lo+6] = middleChunkType
		}
	}

	binary.LittleEndian.PutUint16(lrw.buf[lrw.lo+4:lrw.lo+6], uint16(lrw.hi-lrw.lo-headerSize))  // length of payload
	binary.LittleEndian.PutUint32(lrw.buf[lrw.lo:lrw.lo+4], chunkChecksum(lrw.buf[lrw.lo+6:lrw.hi])) // checksum
}

// writePending finishes the pending chunk and writes everything buffered so far.
func (lrw *logRecordWriter) writePending() {
	if lrw.err != nil {
		return
	}

	if lrw.pending {
		lrw.fillHeaders(true)
		lrw.pending = false
	}

	_, lrw.err = lrw.w.Write(lrw.buf[lrw.sofar:lrw.hi])
	lrw.sofar = lrw.hi
}

func (lrw *logRecordWriter) writeBlock() {
	_, lrw.err = lrw.w.Write(lrw.buf[lrw.sofar:])
	lrw.lo = 0
	lrw.hi = headerSize
	lrw.sofar = 0
	lrw.blockNumber++
}

type syncer interface {
	Sync() error
}

// flush writes the pending record and syncs w if it supports it.
// Any writer returned by next before flush becomes stale.
func (lrw *logRecordWriter) flush() error {
	lrw.seq++
	lrw.writePending()
	if lrw.err != nil {
		log.WithFields(log.Fields{"error": lrw.err.Error()}).Error("redo::logrecord: flush; error in writing the pending chunk.")
		return lrw.err
	}

	if s, ok := lrw.w.(syncer); ok {
		lrw.err = s.Sync()
	}
	return lrw.err
}

// newLogRecordWriter creates a new log record writer that continues a log of size bytes.
// size must be the end of the last complete record.
func newLogRecordWriter(w io.Writer, size int64) *logRecordWriter {
	off := int(size % blockSize)
	return &logRecordWriter{
		w:                w,
		blockNumber:      size / blockSize,
		lo:               off,
		hi:               off,
		sofar:            off,
		lastRecordOffset: -1,
	}
}

// next returns a io.Writer for the next record.
func (lrw *logRecordWriter) next() (io.Writer, error) {
	lrw.seq++
	if lrw.err != nil {
		log.WithFields(log.Fields{"error": lrw.err.Error()}).Error("redo::logrecord: next; existing background error found in the log record writer.")
		return nil, lrw.err
	}

	if lrw.pending {
		lrw.fillHeaders(true)
		lrw.pending = false
	}

	// move pointers for the next chunk headers
	lrw.lo = lrw.hi
	lrw.hi = lrw.hi + headerSize

	// check if there is enough size to fit in at least the header.
	// check the link at the start for more.
	if lrw.hi > blockSize {
		// fill the rest with zeroes
		for x := lrw.lo; x < blockSize; x++ {
			lrw.buf[x] = 0
		}

		lrw.writeBlock()

		if lrw.err != nil {
			log.WithFields(log.Fields{"error": lrw.err.Error()}).Error("redo::logrecord: next; error in writing the block.")
			return nil, lrw.err
		}
	}

	lrw.lastRecordOffset = lrw.blockNumber*blockSize + int64(lrw.lo)
	lrw.first = true
	lrw.pending = true
	return singleLogRecordWriter{lrw, lrw.seq}, nil
}

type singleLogRecordWriter struct {
	w   *logRecordWriter
	seq int
}

// Write writes a slice of byte to the writer by splitting it into blocks of blocksize.
func (slrw singleLogRecordWriter) Write(p []byte) (int, error) {
	w := slrw.w

	if w.seq != slrw.seq {
		return 0, common.NewStaleLogRecordWriterError("Stale Log Record Writer state")
	}

	if w.err != nil {
		return 0, w.err
	}

	tot := len(p)
	for len(p) > 0 {
		// write if full
		if w.hi == blockSize {
			w.fillHeaders(false)
			w.writeBlock()

			if w.err != nil {
				return 0, w.err
			}

			w.first = false
		}

		n := copy(w.buf[w.hi:], p)
		w.hi += n
		p = p[n:]
	}

	return tot, nil
}

// logRecordReader reads back the records written by logRecordWriter.
type logRecordReader struct {
	r io.Reader

	buf [blockSize]byte

	// buf[i:j] is the unread part of the current block.
	i, j int

	// blockStart is the offset of buf[0] in r.
	blockStart int64

	// end is the offset right after the last complete record.
	end int64
}

func newLogRecordReader(r io.Reader) *logRecordReader {
	return &logRecordReader{r: r, blockStart: -blockSize}
}

// next returns the payload of the next record. It returns io.EOF at a clean end
// of the log and io.ErrUnexpectedEOF when the log ends inside a record.
func (lrr *logRecordReader) next() ([]byte, error) {
	var rec []byte
	inRecord := false

	for {
		if lrr.j-lrr.i < headerSize {
			n, err := io.ReadFull(lrr.r, lrr.buf[:])
			if err == io.EOF || (n == 0 && err == io.ErrUnexpectedEOF) {
				if inRecord {
					return nil, io.ErrUnexpectedEOF
				}
				return nil, io.EOF
			}
			if err != nil && err != io.ErrUnexpectedEOF {
				return nil, err
			}
			lrr.blockStart += blockSize
			lrr.i, lrr.j = 0, n
			continue
		}

		h := lrr.buf[lrr.i : lrr.i+headerSize]
		checksum := binary.LittleEndian.Uint32(h[0:4])
		length := int(binary.LittleEndian.Uint16(h[4:6]))
		typ := h[6]

		if typ == zeroChunkType && length == 0 && checksum == 0 {
			// block trailer
			lrr.i = lrr.j
			continue
		}

		if lrr.i+headerSize+length > lrr.j {
			log.WithFields(log.Fields{"offset": lrr.blockStart + int64(lrr.i), "length": length}).Warn("redo::logrecord: next; log ends inside a chunk.")
			return nil, io.ErrUnexpectedEOF
		}

		if chunkChecksum(lrr.buf[lrr.i+6:lrr.i+headerSize+length]) != checksum {
			return nil, common.NewCorruptLogRecordError("redo log chunk checksum mismatch")
		}

		payload := lrr.buf[lrr.i+headerSize : lrr.i+headerSize+length]
		lrr.i += headerSize + length

		switch typ {
		case fullChunkType:
			if inRecord {
				return nil, common.NewCorruptLogRecordError("full chunk found inside a record")
			}
			lrr.end = lrr.blockStart + int64(lrr.i)
			return append([]byte(nil), payload...), nil

		case firstChunkType:
			if inRecord {
				return nil, common.NewCorruptLogRecordError("first chunk found inside a record")
			}
			inRecord = true
			rec = append(rec[:0], payload...)

		case middleChunkType:
			if !inRecord {
				return nil, common.NewCorruptLogRecordError("middle chunk found outside a record")
			}
			rec = append(rec, payload...)

		case lastChunkType:
			if !inRecord {
				return nil, common.NewCorruptLogRecordError("last chunk found outside a record")
			}
			lrr.end = lrr.blockStart + int64(lrr.i)
			return append(rec, payload...), nil

		default:
			return nil, common.NewCorruptLogRecordError("unknown chunk type")
		}
	}
}
