package redo

import (
	"bytes"
	"io"
	"testing"

	"github.com/dr0pdb/lizarddb/internal/common"
	"github.com/stretchr/testify/assert"
)

func testRecords() [][]byte {
	sizes := []int{0, 1, 100, blockSize - headerSize, blockSize - 2*headerSize, blockSize, 3*blockSize + 17, 5}
	recs := make([][]byte, 0, len(sizes))
	for i, sz := range sizes {
		r := make([]byte, sz)
		for j := range r {
			r[j] = byte(i + j)
		}
		recs = append(recs, r)
	}
	return recs
}

func writeRecords(t *testing.T, lrw *logRecordWriter, recs [][]byte) {
	for _, rec := range recs {
		w, err := lrw.next()
		assert.Nil(t, err)
		n, err := w.Write(rec)
		assert.Nil(t, err)
		assert.Equal(t, len(rec), n)
		assert.Nil(t, lrw.flush())
	}
}

func TestLogRecordWriteAndRead(t *testing.T) {
	buf := &bytes.Buffer{}
	lrw := newLogRecordWriter(buf, 0)
	recs := testRecords()
	writeRecords(t, lrw, recs)

	lrr := newLogRecordReader(bytes.NewReader(buf.Bytes()))
	for i, want := range recs {
		got, err := lrr.next()
		assert.Nil(t, err, "record %d", i)
		assert.Equal(t, want, got, "record %d", i)
	}
	_, err := lrr.next()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, int64(buf.Len()), lrr.end)
}

func TestLogRecordStaleWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	lrw := newLogRecordWriter(buf, 0)

	w1, err := lrw.next()
	assert.Nil(t, err)
	_, err = lrw.next()
	assert.Nil(t, err)

	_, err = w1.Write([]byte("late"))
	_, ok := err.(common.StaleLogRecordWriterError)
	assert.True(t, ok, "expected a stale writer error")
}

func TestLogRecordTornTail(t *testing.T) {
	buf := &bytes.Buffer{}
	lrw := newLogRecordWriter(buf, 0)
	writeRecords(t, lrw, [][]byte{[]byte("first"), bytes.Repeat([]byte{7}, 2*blockSize)})

	torn := buf.Bytes()[:buf.Len()-10]
	lrr := newLogRecordReader(bytes.NewReader(torn))

	got, err := lrr.next()
	assert.Nil(t, err)
	assert.Equal(t, []byte("first"), got)
	end := lrr.end

	_, err = lrr.next()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
	assert.Equal(t, end, lrr.end, "end must stay after the last complete record")
}

func TestLogRecordChecksumMismatch(t *testing.T) {
	buf := &bytes.Buffer{}
	lrw := newLogRecordWriter(buf, 0)
	writeRecords(t, lrw, [][]byte{[]byte("payload")})

	data := buf.Bytes()
	data[headerSize] ^= 0xff

	lrr := newLogRecordReader(bytes.NewReader(data))
	_, err := lrr.next()
	_, ok := err.(common.CorruptLogRecordError)
	assert.True(t, ok, "expected a corrupt log record error")
}

func TestLogRecordWriterResumes(t *testing.T) {
	buf := &bytes.Buffer{}
	lrw := newLogRecordWriter(buf, 0)
	recs := testRecords()
	writeRecords(t, lrw, recs[:3])

	// a new writer continues where the old one stopped
	lrw = newLogRecordWriter(buf, int64(buf.Len()))
	writeRecords(t, lrw, recs[3:])

	lrr := newLogRecordReader(bytes.NewReader(buf.Bytes()))
	for i, want := range recs {
		got, err := lrr.next()
		assert.Nil(t, err, "record %d", i)
		assert.Equal(t, want, got, "record %d", i)
	}
	_, err := lrr.next()
	assert.Equal(t, io.EOF, err)
}
