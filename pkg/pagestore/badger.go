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

package pagestore

import (
	"encoding/binary"
	"os"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Kind separates the page stores sharing one badger db.
type Kind byte

const (
	// KindUndo holds the undo tablespace pages.
	KindUndo Kind = 'u'

	// KindRow holds the row pages.
	KindRow Kind = 'r'

	// KindMeta holds the checkpoint metadata of the engine.
	KindMeta Kind = 'm'
)

const (
	keySize = 9

	// pagesPerTxn bounds the size of one badger transaction.
	pagesPerTxn = 64
)

// Image is a page image to persist.
type Image struct {
	Space uint32
	Page  uint32
	Data  []byte
}

// Store persists page images.
type Store interface {
	Save(kind Kind, images []Image) error
	Load(kind Kind, fn func(Image) error) error
	Close() error
}

// BadgerStore keeps page images in badger, keyed by kind|space|page.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// OpenBadgerStore opens or creates a store in dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	log.WithFields(log.Fields{"dir": dir}).Info("pagestore::badger::OpenBadgerStore; opening page store")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create page store dir")
	}

	opts := badger.DefaultOptions(dir)
	opts = opts.WithLogger(log.StandardLogger())
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	return &BadgerStore{db: db}, nil
}

func pageKey(kind Kind, space, page uint32) []byte {
	k := make([]byte, keySize)
	k[0] = byte(kind)
	binary.BigEndian.PutUint32(k[1:5], space)
	binary.BigEndian.PutUint32(k[5:9], page)
	return k
}

// Save writes images. Each batch of pagesPerTxn images is atomic.
func (bs *BadgerStore) Save(kind Kind, images []Image) error {
	for len(images) > 0 {
		n := pagesPerTxn
		if n > len(images) {
			n = len(images)
		}
		batch := images[:n]
		images = images[n:]

		err := bs.db.Update(func(txn *badger.Txn) error {
			for _, img := range batch {
				if err := txn.Set(pageKey(kind, img.Space, img.Page), img.Data); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			log.WithFields(log.Fields{"kind": string(kind), "error": err.Error()}).Error("pagestore::badger::Save; error in saving pages")
			return errors.Wrap(err, "save pages")
		}
	}
	return nil
}

// Load calls fn with every image of kind in (space, page) order.
func (bs *BadgerStore) Load(kind Kind, fn func(Image) error) error {
	return bs.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte{byte(kind)}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.Key()
			if len(k) != keySize {
				return errors.Errorf("bad page key %x", k)
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return errors.Wrap(err, "read page")
			}
			img := Image{
				Space: binary.BigEndian.Uint32(k[1:5]),
				Page:  binary.BigEndian.Uint32(k[5:9]),
				Data:  data,
			}
			if err = fn(img); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the db.
func (bs *BadgerStore) Close() error {
	return bs.db.Close()
}
