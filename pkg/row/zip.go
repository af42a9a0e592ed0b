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

	"github.com/pierrec/lz4"
)

const (
	zipRaw byte = 0
	zipLZ4 byte = 1
)

// zipShadow is the compressed copy of a page. The body is the lz4 image of
// the frame with the visibility fields of every record zeroed. The fields are
// kept uncompressed in dense, FieldsSize bytes per heap number, so that a
// visibility update never recompresses the body.
type zipShadow struct {
	method byte
	body   []byte
	dense  []byte
}

// rebuild recompresses the frame of p.
func (z *zipShadow) rebuild(p *Page) {
	img := append([]byte(nil), p.frame...)
	n := int(binary.BigEndian.Uint16(img[offNRecs:]))
	fieldsPos := int(binary.BigEndian.Uint16(img[offSysPos:])) + TrxIDSize

	z.dense = make([]byte, n*FieldsSize)
	for i := 0; i < n; i++ {
		pos := int(binary.BigEndian.Uint16(img[slotPos(i):])) + fieldsPos
		copy(z.dense[i*FieldsSize:], img[pos:pos+FieldsSize])
		for j := pos; j < pos+FieldsSize; j++ {
			img[j] = 0
		}
	}

	out := make([]byte, lz4.CompressBlockBound(len(img)))
	var ht [1 << 16]int
	sz, err := lz4.CompressBlock(img, out, ht[:])
	if err != nil || sz == 0 {
		// incompressible
		z.method, z.body = zipRaw, img
		return
	}
	z.method, z.body = zipLZ4, out[:sz]
}

func (z *zipShadow) setFields(heapNo int, fields []byte) {
	copy(z.dense[heapNo*FieldsSize:(heapNo+1)*FieldsSize], fields)
}

// decompress returns the frame the shadow describes.
func (z *zipShadow) decompress() ([]byte, error) {
	frame := make([]byte, PageSize)
	switch z.method {
	case zipRaw:
		if len(z.body) != PageSize {
			return nil, fmt.Errorf("raw page body has %d bytes", len(z.body))
		}
		copy(frame, z.body)
	case zipLZ4:
		n, err := lz4.UncompressBlock(z.body, frame)
		if err != nil {
			return nil, err
		}
		if n != PageSize {
			return nil, fmt.Errorf("page body decompressed to %d bytes", n)
		}
	default:
		return nil, fmt.Errorf("unknown page compression %d", z.method)
	}

	n := int(binary.BigEndian.Uint16(frame[offNRecs:]))
	if len(z.dense) != n*FieldsSize {
		return nil, fmt.Errorf("dense array holds %d bytes for %d records", len(z.dense), n)
	}
	fieldsPos := int(binary.BigEndian.Uint16(frame[offSysPos:])) + TrxIDSize
	for i := 0; i < n; i++ {
		pos := int(binary.BigEndian.Uint16(frame[slotPos(i):])) + fieldsPos
		if pos+FieldsSize > PageSize {
			return nil, fmt.Errorf("record %d overflows the page", i)
		}
		copy(frame[pos:], z.dense[i*FieldsSize:(i+1)*FieldsSize])
	}
	return frame, nil
}

// marshal encodes the shadow as [method][body length][body][dense].
func (z *zipShadow) marshal() []byte {
	b := make([]byte, 5+len(z.body)+len(z.dense))
	b[0] = z.method
	binary.BigEndian.PutUint32(b[1:5], uint32(len(z.body)))
	copy(b[5:], z.body)
	copy(b[5+len(z.body):], z.dense)
	return b
}

func unmarshalZip(b []byte) (*zipShadow, error) {
	if len(b) < 5 {
		return nil, fmt.Errorf("compressed page image too short")
	}
	n := int(binary.BigEndian.Uint32(b[1:5]))
	if 5+n > len(b) || (len(b)-5-n)%FieldsSize != 0 {
		return nil, fmt.Errorf("bad compressed page image")
	}
	return &zipShadow{
		method: b[0],
		body:   append([]byte(nil), b[5:5+n]...),
		dense:  append([]byte(nil), b[5+n:]...),
	}, nil
}
