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

package lizard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dr0pdb/lizarddb/pkg/cleanout"
	"github.com/dr0pdb/lizarddb/pkg/common"
	"github.com/dr0pdb/lizarddb/pkg/pagestore"
	"github.com/dr0pdb/lizarddb/pkg/redo"
	"github.com/dr0pdb/lizarddb/pkg/row"
	"github.com/dr0pdb/lizarddb/pkg/scn"
	"github.com/dr0pdb/lizarddb/pkg/scnhist"
	"github.com/dr0pdb/lizarddb/pkg/trx"
	"github.com/dr0pdb/lizarddb/pkg/undo"
	"github.com/dr0pdb/lizarddb/pkg/vision"
	log "github.com/sirupsen/logrus"
)

type pageID struct {
	space uint32
	no    uint32
}

// DB is a lizard node: the undo log, the row pages and the commit number
// state, recovered from disk and wired together.
type DB struct {
	conf *common.LizardConfig

	store   pagestore.Store
	redo    *redo.Log
	history *scnhist.Store

	alloc    *scn.Allocator
	undo     *undo.Manager
	registry *cleanout.Registry
	cleaner  *cleanout.Engine
	resolver *vision.Resolver
	trx      *trx.Sys

	// ckpt is held shared by every logged change and exclusively by Checkpoint.
	ckpt sync.RWMutex

	pagesMu sync.RWMutex
	pages   map[pageID]*row.Page

	closed *common.ProtectedBool
	cancel context.CancelFunc
}

// Open opens the db under conf.DbPath and recovers it.
func Open(conf *common.LizardConfig) (*DB, error) {
	log.Info("lizard::db::Open; started")
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	pagesPath, redoPath, historyPath, err := prepareDirectories(conf)
	if err != nil {
		return nil, err
	}

	store, err := pagestore.OpenBadgerStore(pagesPath)
	if err != nil {
		return nil, err
	}

	db := &DB{
		conf:     conf,
		store:    store,
		alloc:    scn.NewAllocator(),
		undo:     undo.NewManager(conf.UndoSpaces, conf.RsegsPerSpace),
		registry: cleanout.NewRegistry(),
		pages:    make(map[pageID]*row.Page),
		closed:   common.NewProtectedBool(false),
	}

	if err = db.recover(redoPath); err != nil {
		db.abort()
		return nil, err
	}

	db.history, err = scnhist.Open(historyPath)
	if err != nil {
		db.abort()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel
	db.history.StartSampler(ctx, db.alloc.Current, conf.SampleInterval, conf.SampleRetention)

	log.WithFields(log.Fields{"scn": db.alloc.Current(), "safeCleanout": conf.SafeCleanout}).Info("lizard::db::Open; done")
	return db, nil
}

// prepareDirectories creates the page, redo and history directories inside the db path.
func prepareDirectories(conf *common.LizardConfig) (string, string, string, error) {
	pagesPath := filepath.Join(conf.DbPath, "pages")
	redoPath := filepath.Join(conf.DbPath, "redo")
	historyPath := filepath.Join(conf.DbPath, "history")

	for _, p := range []string{pagesPath, redoPath, historyPath} {
		if err := os.MkdirAll(p, os.ModePerm); err != nil {
			return "", "", "", err
		}
	}
	return pagesPath, redoPath, historyPath, nil
}

func (db *DB) abort() {
	if db.redo != nil {
		db.redo.Close()
	}
	db.registry.Close()
	db.store.Close()
}

// Close stops the sampler, checkpoints and closes every file.
func (db *DB) Close() error {
	if db.closed.Get() {
		return nil
	}
	log.Info("lizard::db::Close; closing")

	db.cancel()
	herr := db.history.Close()
	cerr := db.Checkpoint()
	db.closed.Set(true)

	rerr := db.redo.Close()
	db.registry.Close()
	serr := db.store.Close()

	for _, err := range []error{herr, cerr, rerr, serr} {
		if err != nil {
			log.WithFields(log.Fields{"error": err.Error()}).Error("lizard::db::Close; error in closing")
			return err
		}
	}
	log.Info("lizard::db::Close; done")
	return nil
}

// Checkpoint persists every dirty page and the commit number state, then
// truncates the redo log.
func (db *DB) Checkpoint() error {
	if db.closed.Get() {
		return fmt.Errorf("db is closed")
	}
	db.ckpt.Lock()
	defer db.ckpt.Unlock()

	if err := db.undo.Checkpoint(db.store); err != nil {
		return err
	}

	db.pagesMu.RLock()
	var images []pagestore.Image
	for id, p := range db.pages {
		if p.Dirty() {
			images = append(images, pagestore.Image{Space: id.space, Page: id.no, Data: p.Marshal()})
		}
	}
	db.pagesMu.RUnlock()
	if err := db.store.Save(pagestore.KindRow, images); err != nil {
		return err
	}

	m := meta{SCN: db.alloc.Current(), GCN: db.alloc.CurrentGCN(), TrxID: db.trx.LastID(), Purged: db.undo.PurgeHorizon()}
	if err := db.store.Save(pagestore.KindMeta, []pagestore.Image{m.image()}); err != nil {
		return err
	}
	if err := db.redo.Truncate(); err != nil {
		return err
	}

	log.WithFields(log.Fields{"rowPages": len(images), "scn": m.SCN}).Info("lizard::db::Checkpoint; done")
	return nil
}

// Allocator returns the commit number allocator.
func (db *DB) Allocator() *scn.Allocator { return db.alloc }

// Undo returns the undo log.
func (db *DB) Undo() *undo.Manager { return db.undo }

// History returns the scn history.
func (db *DB) History() *scnhist.Store { return db.history }

// Cleaner returns the cleanout engine.
func (db *DB) Cleaner() *cleanout.Engine { return db.cleaner }

// Registry returns the undo header registry.
func (db *DB) Registry() *cleanout.Registry { return db.registry }
