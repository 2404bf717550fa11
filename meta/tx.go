// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package meta

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/journal"
	"github.com/cubefs/pbfs/metrics"
	"github.com/cubefs/pbfs/proto"
)

// Tx is a single-writer metadata transaction. Mutations apply to the store
// immediately under the meta write lock, stage redo entries for the
// journal, and record undo steps replayed in reverse on abort. At most one
// Tx is in flight per mount.
type Tx struct {
	s       *Store
	jnl     *journal.Journal
	entries []journal.Entry
	undo    []func()
	done    bool
}

// Begin opens a transaction, taking the meta write lock until Commit or
// Abort.
func (s *Store) Begin(jnl *journal.Journal) *Tx {
	s.mu.Lock()
	if s.inTx {
		panic("meta: nested transaction")
	}
	s.inTx = true
	return &Tx{s: s, jnl: jnl}
}

func (tx *Tx) finish() {
	tx.s.inTx = false
	tx.done = true
	tx.s.mu.Unlock()
}

// Abort rolls the in-memory store back in reverse insertion order. Aborted
// transactions leave no on-disk trace.
func (tx *Tx) Abort() {
	if tx.done {
		return
	}
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	metrics.TxAbortTotal.Inc()
	tx.finish()
}

// Commit appends the staged entries to the journal, write-flushes, then
// pushes the images through to their home locations. A journal failure
// rolls back and surfaces as IOErr, or as NoSpace when the journal
// reports no room.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return apierrors.ErrInvalidArgs
	}
	span := trace.SpanFromContextSafe(ctx)

	if len(tx.entries) == 0 {
		tx.finish()
		return nil
	}

	if err := tx.checkStaged(); err != nil {
		span.Errorf("tx invariant check failed: %s", errors.Detail(err))
		tx.rollbackLocked()
		return err
	}

	txid, err := tx.jnl.Append(ctx, tx.entries)
	if err != nil {
		span.Errorf("journal append failed: %s", errors.Detail(err))
		tx.rollbackLocked()
		if err == apierrors.ErrNoSpace {
			return err
		}
		return apierrors.ErrIO
	}

	for i := range tx.entries {
		if werr := tx.s.writeThrough(ctx, &tx.entries[i]); werr != nil {
			// the journal already carries the redo image; recovery will
			// restore the home location
			span.Errorf("write-through entry %d: %s", i, errors.Detail(werr))
			break
		}
	}

	tx.s.lastTxid = txid
	metrics.TxCommitTotal.Inc()
	span.Debugf("tx %d committed, %d entries", txid, len(tx.entries))
	tx.finish()
	return nil
}

func (tx *Tx) rollbackLocked() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	metrics.TxAbortTotal.Inc()
	tx.finish()
}

// checkStaged verifies commit invariants on the touched slots only.
func (tx *Tx) checkStaged() error {
	s := tx.s
	for i := range tx.entries {
		e := &tx.entries[i]
		if e.Kind != journal.EntryAlloc && e.Kind != journal.EntryUpdate {
			continue
		}
		switch e.MetaKind {
		case proto.MetaBlockTag:
			bt := &s.tags[e.Slot]
			if bt.OwnerIno == 0 || bt.OwnerIno > s.inodeTab.nAll ||
				!s.inodeTab.allocated(bt.OwnerIno-1) {
				return errors.Info(proto.ErrInvalidRecord, "dangling blocktag", bt.Oid)
			}
		case proto.MetaDirEntry:
			de := &s.dentries[e.Slot]
			it := s.dentryIdx.Get(&dentryItem{parentIno: de.ParentIno, name: de.Name})
			if it != nil && it.(*dentryItem).slot != uint64(e.Slot) {
				return errors.Info(proto.ErrInvalidRecord, "duplicate dentry", de.ParentIno, de.Name)
			}
		}
	}
	return nil
}

func (tx *Tx) stage(kind journal.EntryKind, metaKind proto.MetaKind, slot uint64, birth uint64, data []byte) {
	tx.entries = append(tx.entries, journal.Entry{
		Kind:      kind,
		MetaKind:  metaKind,
		Slot:      uint32(slot),
		BirthTime: birth,
		Data:      data,
	})
}

func (tx *Tx) nextBirth() uint64 {
	b := tx.s.birthClock
	tx.s.birthClock++
	prev := b - 1
	tx.undo = append(tx.undo, func() { tx.s.birthClock = prev + 1 })
	return b
}

func (tx *Tx) allocSlot(t *table) (uint64, error) {
	slot, ok := t.lowestFree()
	if !ok {
		return 0, apierrors.ErrNoSpace
	}
	return slot, nil
}

// --- inode primitives ---

// AllocInode reserves the lowest free inode slot and stamps a fresh
// generation. The returned inode carries ino = slot+1.
func (tx *Tx) AllocInode(kind proto.InodeKind, parentIno uint64) (proto.Inode, error) {
	s := tx.s
	slot, err := tx.allocSlot(s.inodeTab)
	if err != nil {
		return proto.Inode{}, err
	}
	birth := tx.nextBirth()
	now := nowNano()
	in := proto.Inode{
		Ino:          slot + 1,
		Kind:         kind,
		Mtime:        now,
		Ctime:        now,
		Refcount:     1,
		Flags:        proto.RecordAllocated,
		ParentDirIno: parentIno,
		BirthTime:    birth,
	}
	prev := s.inodes[slot]
	prevBirth := s.inodeTab.lastBirth[slot]
	s.inodes[slot] = in
	s.inodeTab.set(slot)
	s.inodeTab.lastBirth[slot] = birth
	tx.undo = append(tx.undo, func() {
		s.inodeTab.clear(slot)
		s.inodes[slot] = prev
		s.inodeTab.lastBirth[slot] = prevBirth
	})
	tx.stage(journal.EntryAlloc, proto.MetaInode, slot, birth, in.Marshal())
	return in, nil
}

// UpdateInode stages an absolute image of a mutated inode.
func (tx *Tx) UpdateInode(in proto.Inode) error {
	s := tx.s
	if in.Ino == 0 || in.Ino > s.inodeTab.nAll || !s.inodeTab.allocated(in.Ino-1) {
		return apierrors.ErrNotFound
	}
	slot := in.Ino - 1
	prev := s.inodes[slot]
	if prev.BirthTime != in.BirthTime {
		return apierrors.ErrAgain
	}
	s.inodes[slot] = in
	tx.undo = append(tx.undo, func() { s.inodes[slot] = prev })
	tx.stage(journal.EntryUpdate, proto.MetaInode, slot, in.BirthTime, in.Marshal())
	return nil
}

// FreeInode releases an inode slot, conditional on the caller's generation.
func (tx *Tx) FreeInode(ino, expectedBirth uint64) error {
	s := tx.s
	if ino == 0 || ino > s.inodeTab.nAll || !s.inodeTab.allocated(ino-1) {
		return apierrors.ErrNotFound
	}
	slot := ino - 1
	prev := s.inodes[slot]
	if prev.BirthTime != expectedBirth {
		return apierrors.ErrAgain
	}
	s.inodeTab.clear(slot)
	s.inodes[slot] = proto.Inode{}
	tx.undo = append(tx.undo, func() {
		s.inodeTab.set(slot)
		s.inodes[slot] = prev
	})
	tx.stage(journal.EntryFree, proto.MetaInode, slot, expectedBirth, nil)
	return nil
}

// --- block tag primitives ---

// AllocTag reserves a tag slot, which also owns the matching physical
// block. Chain linkage is the caller's business.
func (tx *Tx) AllocTag(ownerIno, logicalIndex uint64) (proto.BlockTag, error) {
	s := tx.s
	slot, err := tx.allocSlot(s.tagTab)
	if err != nil {
		return proto.BlockTag{}, err
	}
	birth := tx.nextBirth()
	bt := proto.BlockTag{
		Oid:           slot + 1,
		OwnerIno:      ownerIno,
		LogicalIndex:  logicalIndex,
		PhysicalBlock: slot,
		BirthTime:     birth,
		Flags:         proto.RecordAllocated,
	}
	prev := s.tags[slot]
	prevBirth := s.tagTab.lastBirth[slot]
	s.tags[slot] = bt
	s.tagTab.set(slot)
	s.tagTab.lastBirth[slot] = birth
	s.addIndex(proto.MetaBlockTag, slot)
	tx.undo = append(tx.undo, func() {
		s.dropIndex(proto.MetaBlockTag, slot)
		s.tagTab.clear(slot)
		s.tags[slot] = prev
		s.tagTab.lastBirth[slot] = prevBirth
	})
	tx.stage(journal.EntryAlloc, proto.MetaBlockTag, slot, birth, bt.Marshal())
	return bt, nil
}

func (tx *Tx) UpdateTag(bt proto.BlockTag) error {
	s := tx.s
	if bt.Oid == 0 || bt.Oid > s.tagTab.nAll || !s.tagTab.allocated(bt.Oid-1) {
		return apierrors.ErrNotFound
	}
	slot := bt.Oid - 1
	prev := s.tags[slot]
	if prev.BirthTime != bt.BirthTime {
		return apierrors.ErrAgain
	}
	s.dropIndex(proto.MetaBlockTag, slot)
	s.tags[slot] = bt
	s.addIndex(proto.MetaBlockTag, slot)
	tx.undo = append(tx.undo, func() {
		s.dropIndex(proto.MetaBlockTag, slot)
		s.tags[slot] = prev
		s.addIndex(proto.MetaBlockTag, slot)
	})
	tx.stage(journal.EntryUpdate, proto.MetaBlockTag, slot, bt.BirthTime, bt.Marshal())
	return nil
}

func (tx *Tx) FreeTag(oid, expectedBirth uint64) error {
	s := tx.s
	if oid == 0 || oid > s.tagTab.nAll || !s.tagTab.allocated(oid-1) {
		return apierrors.ErrNotFound
	}
	slot := oid - 1
	prev := s.tags[slot]
	if prev.BirthTime != expectedBirth {
		return apierrors.ErrAgain
	}
	s.dropIndex(proto.MetaBlockTag, slot)
	s.tagTab.clear(slot)
	s.tags[slot] = proto.BlockTag{}
	tx.undo = append(tx.undo, func() {
		s.tagTab.set(slot)
		s.tags[slot] = prev
		s.addIndex(proto.MetaBlockTag, slot)
	})
	tx.stage(journal.EntryFree, proto.MetaBlockTag, slot, expectedBirth, nil)
	return nil
}

// --- dentry primitives ---

func (tx *Tx) AllocDentry(parentIno uint64, name string, childIno uint64) (proto.DirEntry, error) {
	s := tx.s
	slot, err := tx.allocSlot(s.dentryTab)
	if err != nil {
		return proto.DirEntry{}, err
	}
	birth := tx.nextBirth()
	de := proto.DirEntry{
		Oid:       slot + 1,
		ParentIno: parentIno,
		ChildIno:  childIno,
		Hash:      proto.NameHash(name),
		Flags:     proto.RecordAllocated,
		BirthTime: birth,
		Name:      name,
	}
	prev := s.dentries[slot]
	prevBirth := s.dentryTab.lastBirth[slot]
	s.dentries[slot] = de
	s.dentryTab.set(slot)
	s.dentryTab.lastBirth[slot] = birth
	s.addIndex(proto.MetaDirEntry, slot)
	tx.undo = append(tx.undo, func() {
		s.dropIndex(proto.MetaDirEntry, slot)
		s.dentryTab.clear(slot)
		s.dentries[slot] = prev
		s.dentryTab.lastBirth[slot] = prevBirth
	})
	tx.stage(journal.EntryAlloc, proto.MetaDirEntry, slot, birth, de.Marshal())
	return de, nil
}

func (tx *Tx) UpdateDentry(de proto.DirEntry) error {
	s := tx.s
	if de.Oid == 0 || de.Oid > s.dentryTab.nAll || !s.dentryTab.allocated(de.Oid-1) {
		return apierrors.ErrNotFound
	}
	slot := de.Oid - 1
	prev := s.dentries[slot]
	if prev.BirthTime != de.BirthTime {
		return apierrors.ErrAgain
	}
	s.dropIndex(proto.MetaDirEntry, slot)
	s.dentries[slot] = de
	s.addIndex(proto.MetaDirEntry, slot)
	tx.undo = append(tx.undo, func() {
		s.dropIndex(proto.MetaDirEntry, slot)
		s.dentries[slot] = prev
		s.addIndex(proto.MetaDirEntry, slot)
	})
	tx.stage(journal.EntryUpdate, proto.MetaDirEntry, slot, de.BirthTime, de.Marshal())
	return nil
}

func (tx *Tx) FreeDentry(oid, expectedBirth uint64) error {
	s := tx.s
	if oid == 0 || oid > s.dentryTab.nAll || !s.dentryTab.allocated(oid-1) {
		return apierrors.ErrNotFound
	}
	slot := oid - 1
	prev := s.dentries[slot]
	if prev.BirthTime != expectedBirth {
		return apierrors.ErrAgain
	}
	s.dropIndex(proto.MetaDirEntry, slot)
	s.dentryTab.clear(slot)
	s.dentries[slot] = proto.DirEntry{}
	tx.undo = append(tx.undo, func() {
		s.dentryTab.set(slot)
		s.dentries[slot] = prev
		s.addIndex(proto.MetaDirEntry, slot)
	})
	tx.stage(journal.EntryFree, proto.MetaDirEntry, slot, expectedBirth, nil)
	return nil
}

// Grow stages the allocator extension to newChunks chunks.
func (tx *Tx) Grow(newChunks uint64) error {
	s := tx.s
	if newChunks <= s.chunkCount {
		return apierrors.ErrInvalidArgs
	}
	prev := s.chunkCount
	if err := s.applyGrow(newChunks); err != nil {
		return err
	}
	tx.undo = append(tx.undo, func() {
		// an aborted growfs must also shrink the tables back, or the
		// allocators would hand out slots the on-disk superblock never
		// learned about
		s.shrinkTo(prev)
	})
	tx.stage(journal.EntryGrow, 0, newChunks, 0, nil)
	return nil
}
