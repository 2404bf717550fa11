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
	"encoding/binary"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/cubefs/cubefs/util/btree"

	"github.com/cubefs/pbfs/devio"
	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/journal"
	"github.com/cubefs/pbfs/proto"
)

// RootIno is the inode number of the mount root directory.
const RootIno uint64 = 1

const btreeDegree = 32

// table is one chunked allocator: a free bitmap plus a packed record array
// per chunk, flattened over all chunks. Slot generations stay monotonic
// across free/reuse through lastBirth.
type table struct {
	kind      proto.MetaKind
	recSize   int
	perChunk  uint64
	nAll      uint64
	nFree     uint64
	bitmap    []uint64
	lastBirth []uint64
}

func newTable(kind proto.MetaKind, recSize int, perChunk, chunks uint64) *table {
	n := perChunk * chunks
	return &table{
		kind:      kind,
		recSize:   recSize,
		perChunk:  perChunk,
		nAll:      n,
		nFree:     n,
		bitmap:    make([]uint64, (n+63)/64),
		lastBirth: make([]uint64, n),
	}
}

func (t *table) shrink(chunks uint64) {
	n := t.perChunk * chunks
	for slot := n; slot < t.nAll; slot++ {
		if t.allocated(slot) {
			t.clear(slot)
		}
	}
	t.nFree -= t.nAll - n
	t.nAll = n
	t.bitmap = t.bitmap[:(n+63)/64]
	t.lastBirth = t.lastBirth[:n]
}

func (t *table) extend(chunks uint64) {
	n := t.perChunk * chunks
	grow := n - t.nAll
	t.nAll = n
	t.nFree += grow
	newBitmap := make([]uint64, (n+63)/64)
	copy(newBitmap, t.bitmap)
	t.bitmap = newBitmap
	newBirth := make([]uint64, n)
	copy(newBirth, t.lastBirth)
	t.lastBirth = newBirth
}

func (t *table) allocated(slot uint64) bool {
	return t.bitmap[slot/64]&(1<<(slot%64)) != 0
}

func (t *table) set(slot uint64) {
	if !t.allocated(slot) {
		t.bitmap[slot/64] |= 1 << (slot % 64)
		t.nFree--
	}
}

func (t *table) clear(slot uint64) {
	if t.allocated(slot) {
		t.bitmap[slot/64] &^= 1 << (slot % 64)
		t.nFree++
	}
}

// lowestFree scans the bitmap for the lowest clear bit.
func (t *table) lowestFree() (uint64, bool) {
	for w, word := range t.bitmap {
		if word == ^uint64(0) {
			continue
		}
		for b := 0; b < 64; b++ {
			slot := uint64(w*64 + b)
			if slot >= t.nAll {
				return 0, false
			}
			if word&(1<<b) == 0 {
				return slot, true
			}
		}
	}
	return 0, false
}

// dentryItem indexes directory entries by (parent, name).
type dentryItem struct {
	parentIno uint64
	name      string
	slot      uint64
}

func (d *dentryItem) Less(than btree.Item) bool {
	o := than.(*dentryItem)
	if d.parentIno != o.parentIno {
		return d.parentIno < o.parentIno
	}
	return d.name < o.name
}

func (d *dentryItem) Copy() btree.Item {
	c := *d
	return &c
}

// tagItem indexes block tags by (owner, logical block index).
type tagItem struct {
	ownerIno     uint64
	logicalIndex uint64
	slot         uint64
}

func (t *tagItem) Less(than btree.Item) bool {
	o := than.(*tagItem)
	if t.ownerIno != o.ownerIno {
		return t.ownerIno < o.ownerIno
	}
	return t.logicalIndex < o.logicalIndex
}

func (t *tagItem) Copy() btree.Item {
	c := *t
	return &c
}

// Store is the in-memory metadata index over the chunked allocators. The
// leader owns the authoritative copy and mutates it only through Tx under
// the meta write lock; followers hold a materialization rebuilt by journal
// replay.
type Store struct {
	sb  *proto.Superblock
	geo proto.Geometry
	dev devio.Device

	mu sync.RWMutex // the meta lock

	inodeTab  *table
	tagTab    *table
	dentryTab *table

	inodes   []proto.Inode
	tags     []proto.BlockTag
	dentries []proto.DirEntry

	dentryIdx *btree.BTree
	tagIdx    *btree.BTree

	birthClock uint64
	lastTxid   uint64
	chunkCount uint64

	inTx bool
}

func NewStore(dev devio.Device, sb *proto.Superblock) *Store {
	geo := sb.ChunkGeometry()
	chunks := uint64(sb.ChunkCount)
	s := &Store{
		sb:         sb,
		geo:        geo,
		dev:        dev,
		inodeTab:   newTable(proto.MetaInode, proto.InodeRecordSize, geo.InodesPerChunk, chunks),
		tagTab:     newTable(proto.MetaBlockTag, proto.BlockTagRecordSize, geo.TagsPerChunk, chunks),
		dentryTab:  newTable(proto.MetaDirEntry, proto.DirEntryRecordSize, geo.DentriesPerChunk, chunks),
		dentryIdx:  btree.New(btreeDegree),
		tagIdx:     btree.New(btreeDegree),
		chunkCount: chunks,
		birthClock: 1,
	}
	s.inodes = make([]proto.Inode, s.inodeTab.nAll)
	s.tags = make([]proto.BlockTag, s.tagTab.nAll)
	s.dentries = make([]proto.DirEntry, s.dentryTab.nAll)
	return s
}

func (s *Store) tableOf(kind proto.MetaKind) *table {
	switch kind {
	case proto.MetaInode:
		return s.inodeTab
	case proto.MetaBlockTag:
		return s.tagTab
	case proto.MetaDirEntry:
		return s.dentryTab
	default:
		return nil
	}
}

// RLock takes the meta read lock, for readers that never allocate.
func (s *Store) RLock()   { s.mu.RLock() }
func (s *Store) RUnlock() { s.mu.RUnlock() }

// chunkBase is the device offset of chunk c.
func (s *Store) chunkBase(c uint64) int64 {
	return int64(s.sb.ChunkOff + c*s.sb.ChunkSize)
}

// recordAddr is the device address of the home location of a slot.
func (s *Store) recordAddr(kind proto.MetaKind, slot uint64) int64 {
	t := s.tableOf(kind)
	c := slot / t.perChunk
	i := slot % t.perChunk
	var recOff uint64
	switch kind {
	case proto.MetaInode:
		recOff = s.geo.InodeRecordOff
	case proto.MetaBlockTag:
		recOff = s.geo.TagRecordOff
	case proto.MetaDirEntry:
		recOff = s.geo.DentryRecordOff
	}
	return s.chunkBase(c) + int64(recOff) + int64(i)*int64(t.recSize)
}

// bitmapAddr is the device address of the bitmap byte covering slot.
func (s *Store) bitmapAddr(kind proto.MetaKind, slot uint64) int64 {
	t := s.tableOf(kind)
	c := slot / t.perChunk
	i := slot % t.perChunk
	var bmOff uint64
	switch kind {
	case proto.MetaInode:
		bmOff = s.geo.InodeBitmapOff
	case proto.MetaBlockTag:
		bmOff = s.geo.TagBitmapOff
	case proto.MetaDirEntry:
		bmOff = s.geo.DentryBitmapOff
	}
	return s.chunkBase(c) + int64(bmOff) + int64(i/8)
}

// BlockAddr maps a physical block number to its device byte address.
func (s *Store) BlockAddr(blkno uint64) int64 {
	c := blkno / s.geo.BlocksPerChunk
	i := blkno % s.geo.BlocksPerChunk
	return s.chunkBase(c) + int64(s.geo.DataOff) + int64(i)*int64(s.sb.BlockSize)
}

// BlockSize returns the logical data block size.
func (s *Store) BlockSize() int64 { return int64(s.sb.BlockSize) }

// LastTxid returns the txid of the last applied transaction.
func (s *Store) LastTxid() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTxid
}

// Load rebuilds the in-memory index from the on-disk chunk metadata
// regions. Callers replay the journal tail afterwards.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := uint64(0); c < s.chunkCount; c++ {
		if err := s.loadChunk(ctx, c); err != nil {
			return errors.Info(err, "load chunk", c)
		}
	}
	s.rebuildIndexes()
	log.Infof("metastore loaded: %d chunks, %d/%d inodes free, %d/%d tags free",
		s.chunkCount, s.inodeTab.nFree, s.inodeTab.nAll, s.tagTab.nFree, s.tagTab.nAll)
	return nil
}

func (s *Store) loadChunk(ctx context.Context, c uint64) error {
	base := s.chunkBase(c)

	hdr := make([]byte, s.sb.FragSize)
	if err := s.dev.Pread(ctx, hdr, base, 0); err != nil {
		return err
	}
	le := binary.LittleEndian
	if le.Uint32(hdr[0:]) != proto.ChunkMagic || le.Uint64(hdr[8:]) != c {
		return proto.ErrInvalidRecord
	}

	if err := s.loadNode(ctx, c, s.inodeTab, s.geo.InodeBitmapOff, s.geo.InodeRecordOff); err != nil {
		return err
	}
	if err := s.loadNode(ctx, c, s.tagTab, s.geo.TagBitmapOff, s.geo.TagRecordOff); err != nil {
		return err
	}
	return s.loadNode(ctx, c, s.dentryTab, s.geo.DentryBitmapOff, s.geo.DentryRecordOff)
}

func (s *Store) loadNode(ctx context.Context, c uint64, t *table, bmOff, recOff uint64) error {
	base := s.chunkBase(c)

	bmLen := roundUpI64(int64((t.perChunk+7)/8), int64(s.sb.SectorSize))
	bm := make([]byte, bmLen)
	if err := s.dev.Pread(ctx, bm, base+int64(bmOff), 0); err != nil {
		return err
	}

	recLen := roundUpI64(int64(t.perChunk)*int64(t.recSize), int64(s.sb.SectorSize))
	recs := make([]byte, recLen)
	if err := s.dev.Pread(ctx, recs, base+int64(recOff), 0); err != nil {
		return err
	}

	for i := uint64(0); i < t.perChunk; i++ {
		if bm[i/8]&(1<<(i%8)) == 0 {
			continue
		}
		slot := c*t.perChunk + i
		raw := recs[i*uint64(t.recSize) : (i+1)*uint64(t.recSize)]
		if err := s.decodeInto(t.kind, slot, raw); err != nil {
			return errors.Info(err, "decode", t.kind.String(), slot)
		}
		t.set(slot)
		birth := s.birthOf(t.kind, slot)
		t.lastBirth[slot] = birth
		if birth >= s.birthClock {
			s.birthClock = birth + 1
		}
	}
	return nil
}

func (s *Store) decodeInto(kind proto.MetaKind, slot uint64, raw []byte) error {
	switch kind {
	case proto.MetaInode:
		return s.inodes[slot].Unmarshal(raw)
	case proto.MetaBlockTag:
		return s.tags[slot].Unmarshal(raw)
	case proto.MetaDirEntry:
		return s.dentries[slot].Unmarshal(raw)
	}
	return proto.ErrInvalidRecord
}

func (s *Store) birthOf(kind proto.MetaKind, slot uint64) uint64 {
	switch kind {
	case proto.MetaInode:
		return s.inodes[slot].BirthTime
	case proto.MetaBlockTag:
		return s.tags[slot].BirthTime
	case proto.MetaDirEntry:
		return s.dentries[slot].BirthTime
	}
	return 0
}

func (s *Store) rebuildIndexes() {
	s.dentryIdx = btree.New(btreeDegree)
	s.tagIdx = btree.New(btreeDegree)
	for slot := uint64(0); slot < s.dentryTab.nAll; slot++ {
		if s.dentryTab.allocated(slot) {
			de := &s.dentries[slot]
			s.dentryIdx.ReplaceOrInsert(&dentryItem{parentIno: de.ParentIno, name: de.Name, slot: slot})
		}
	}
	for slot := uint64(0); slot < s.tagTab.nAll; slot++ {
		if s.tagTab.allocated(slot) {
			bt := &s.tags[slot]
			s.tagIdx.ReplaceOrInsert(&tagItem{ownerIno: bt.OwnerIno, logicalIndex: bt.LogicalIndex, slot: slot})
		}
	}
}

// Reload drops the materialization and rebuilds it from disk, for
// followers the journal wrapped past. The superblock is re-read first so
// a growfs the follower missed is picked up.
func (s *Store) Reload(ctx context.Context) error {
	sbuf := make([]byte, proto.SuperblockSize)
	if err := s.dev.Pread(ctx, sbuf, 0, 0); err != nil {
		return err
	}
	var sb proto.Superblock
	if err := sb.Unmarshal(sbuf); err != nil {
		return errors.Info(err, "superblock reload")
	}

	s.mu.Lock()
	if uint64(sb.ChunkCount) > s.chunkCount {
		s.chunkCount = uint64(sb.ChunkCount)
		s.sb.ChunkCount = sb.ChunkCount
	}
	chunks := s.chunkCount
	s.inodeTab = newTable(proto.MetaInode, proto.InodeRecordSize, s.geo.InodesPerChunk, chunks)
	s.tagTab = newTable(proto.MetaBlockTag, proto.BlockTagRecordSize, s.geo.TagsPerChunk, chunks)
	s.dentryTab = newTable(proto.MetaDirEntry, proto.DirEntryRecordSize, s.geo.DentriesPerChunk, chunks)
	s.inodes = make([]proto.Inode, s.inodeTab.nAll)
	s.tags = make([]proto.BlockTag, s.tagTab.nAll)
	s.dentries = make([]proto.DirEntry, s.dentryTab.nAll)
	s.birthClock = 1
	s.mu.Unlock()
	return s.Load(ctx)
}

// ApplyRecord replays one journal record into the store. Entries are
// absolute record images, so replay is idempotent.
func (s *Store) ApplyRecord(rec *journal.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Txid <= s.lastTxid {
		return nil
	}
	for i := range rec.Entries {
		if err := s.applyEntry(&rec.Entries[i]); err != nil {
			return errors.Info(err, "apply entry", i, "txid", rec.Txid)
		}
	}
	s.lastTxid = rec.Txid
	return nil
}

func (s *Store) applyEntry(e *journal.Entry) error {
	if e.Kind == journal.EntryGrow {
		return s.applyGrow(uint64(e.Slot))
	}
	t := s.tableOf(e.MetaKind)
	if t == nil || uint64(e.Slot) >= t.nAll {
		return proto.ErrInvalidRecord
	}
	slot := uint64(e.Slot)
	switch e.Kind {
	case journal.EntryAlloc, journal.EntryUpdate:
		s.dropIndex(e.MetaKind, slot)
		if err := s.decodeInto(e.MetaKind, slot, e.Data); err != nil {
			return err
		}
		t.set(slot)
		t.lastBirth[slot] = e.BirthTime
		if e.BirthTime >= s.birthClock {
			s.birthClock = e.BirthTime + 1
		}
		s.addIndex(e.MetaKind, slot)
	case journal.EntryFree:
		s.dropIndex(e.MetaKind, slot)
		t.clear(slot)
		s.clearRecord(e.MetaKind, slot)
	default:
		return proto.ErrInvalidRecord
	}
	return nil
}

func (s *Store) applyGrow(chunks uint64) error {
	if chunks <= s.chunkCount {
		return nil
	}
	s.chunkCount = chunks
	s.sb.ChunkCount = uint32(chunks)
	s.inodeTab.extend(chunks)
	s.tagTab.extend(chunks)
	s.dentryTab.extend(chunks)
	ni := make([]proto.Inode, s.inodeTab.nAll)
	copy(ni, s.inodes)
	s.inodes = ni
	nt := make([]proto.BlockTag, s.tagTab.nAll)
	copy(nt, s.tags)
	s.tags = nt
	nd := make([]proto.DirEntry, s.dentryTab.nAll)
	copy(nd, s.dentries)
	s.dentries = nd
	return nil
}

// shrinkTo reverts an uncommitted growth. It runs as the last undo step of
// an aborted growfs transaction, after the per-slot undos already released
// anything allocated in the new region.
func (s *Store) shrinkTo(chunks uint64) {
	s.chunkCount = chunks
	s.sb.ChunkCount = uint32(chunks)
	s.inodeTab.shrink(chunks)
	s.tagTab.shrink(chunks)
	s.dentryTab.shrink(chunks)
	s.inodes = s.inodes[:s.inodeTab.nAll]
	s.tags = s.tags[:s.tagTab.nAll]
	s.dentries = s.dentries[:s.dentryTab.nAll]
}

func (s *Store) addIndex(kind proto.MetaKind, slot uint64) {
	switch kind {
	case proto.MetaDirEntry:
		de := &s.dentries[slot]
		s.dentryIdx.ReplaceOrInsert(&dentryItem{parentIno: de.ParentIno, name: de.Name, slot: slot})
	case proto.MetaBlockTag:
		bt := &s.tags[slot]
		s.tagIdx.ReplaceOrInsert(&tagItem{ownerIno: bt.OwnerIno, logicalIndex: bt.LogicalIndex, slot: slot})
	}
}

func (s *Store) dropIndex(kind proto.MetaKind, slot uint64) {
	switch kind {
	case proto.MetaDirEntry:
		if s.dentryTab.allocated(slot) {
			de := &s.dentries[slot]
			s.dentryIdx.Delete(&dentryItem{parentIno: de.ParentIno, name: de.Name})
		}
	case proto.MetaBlockTag:
		if s.tagTab.allocated(slot) {
			bt := &s.tags[slot]
			s.tagIdx.Delete(&tagItem{ownerIno: bt.OwnerIno, logicalIndex: bt.LogicalIndex})
		}
	}
}

func (s *Store) clearRecord(kind proto.MetaKind, slot uint64) {
	switch kind {
	case proto.MetaInode:
		s.inodes[slot] = proto.Inode{}
	case proto.MetaBlockTag:
		s.tags[slot] = proto.BlockTag{}
	case proto.MetaDirEntry:
		s.dentries[slot] = proto.DirEntry{}
	}
}

// writeThrough pushes a record image (or a freed slot's bitmap bit) to its
// home location. The device wants sector-aligned I/O, so edges go through
// a read-modify-write window.
func (s *Store) writeThrough(ctx context.Context, e *journal.Entry) error {
	if e.Kind == journal.EntryGrow {
		return nil // superblock rewritten by growfs itself
	}
	slot := uint64(e.Slot)
	switch e.Kind {
	case journal.EntryAlloc, journal.EntryUpdate:
		if err := s.rmwWrite(ctx, s.recordAddr(e.MetaKind, slot), e.Data); err != nil {
			return err
		}
	case journal.EntryFree:
		zero := make([]byte, s.tableOf(e.MetaKind).recSize)
		if err := s.rmwWrite(ctx, s.recordAddr(e.MetaKind, slot), zero); err != nil {
			return err
		}
	}
	return s.writeBitmapBit(ctx, e.MetaKind, slot, e.Kind != journal.EntryFree)
}

func (s *Store) writeBitmapBit(ctx context.Context, kind proto.MetaKind, slot uint64, set bool) error {
	addr := s.bitmapAddr(kind, slot)
	t := s.tableOf(kind)
	i := slot % t.perChunk
	var b [1]byte
	if err := s.rmwRead(ctx, addr, b[:]); err != nil {
		return err
	}
	if set {
		b[0] |= 1 << (i % 8)
	} else {
		b[0] &^= 1 << (i % 8)
	}
	return s.rmwWrite(ctx, addr, b[:])
}

// rmwWrite writes data at an arbitrary device offset through a
// sector-aligned window.
func (s *Store) rmwWrite(ctx context.Context, off int64, data []byte) error {
	sect := int64(s.sb.SectorSize)
	lo := off / sect * sect
	hi := roundUpI64(off+int64(len(data)), sect)
	buf := make([]byte, hi-lo)
	if err := s.dev.Pread(ctx, buf, lo, 0); err != nil {
		return err
	}
	copy(buf[off-lo:], data)
	return s.dev.Pwrite(ctx, buf, int64(len(buf)), lo, 0)
}

func (s *Store) rmwRead(ctx context.Context, off int64, data []byte) error {
	sect := int64(s.sb.SectorSize)
	lo := off / sect * sect
	hi := roundUpI64(off+int64(len(data)), sect)
	buf := make([]byte, hi-lo)
	if err := s.dev.Pread(ctx, buf, lo, 0); err != nil {
		return err
	}
	copy(data, buf[off-lo:])
	return nil
}

// GetInode returns a copy of an allocated inode, under the meta read lock.
func (s *Store) GetInode(ino uint64) (proto.Inode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getInodeLocked(ino)
}

func (s *Store) getInodeLocked(ino uint64) (proto.Inode, error) {
	if ino == 0 || ino > s.inodeTab.nAll {
		return proto.Inode{}, apierrors.ErrNotFound
	}
	slot := ino - 1
	if !s.inodeTab.allocated(slot) {
		return proto.Inode{}, apierrors.ErrNotFound
	}
	return s.inodes[slot], nil
}

// GetInodeLocked reads an inode while the caller already holds the meta
// lock, typically inside a transaction.
func (s *Store) GetInodeLocked(ino uint64) (proto.Inode, error) {
	return s.getInodeLocked(ino)
}

// GetTag returns a copy of an allocated block tag by oid.
func (s *Store) GetTag(oid uint64) (proto.BlockTag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTagLocked(oid)
}

func (s *Store) getTagLocked(oid uint64) (proto.BlockTag, error) {
	if oid == 0 || oid > s.tagTab.nAll {
		return proto.BlockTag{}, apierrors.ErrNotFound
	}
	slot := oid - 1
	if !s.tagTab.allocated(slot) {
		return proto.BlockTag{}, apierrors.ErrNotFound
	}
	return s.tags[slot], nil
}

// LookupTag finds the block tag of one logical block of a file.
func (s *Store) LookupTag(ino, logicalIndex uint64) (proto.BlockTag, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupTagLocked(ino, logicalIndex)
}

func (s *Store) lookupTagLocked(ino, logicalIndex uint64) (proto.BlockTag, bool) {
	it := s.tagIdx.Get(&tagItem{ownerIno: ino, logicalIndex: logicalIndex})
	if it == nil {
		return proto.BlockTag{}, false
	}
	return s.tags[it.(*tagItem).slot], true
}

// TagsOf returns the block tags of a file ordered by logical index.
func (s *Store) TagsOf(ino uint64) []proto.BlockTag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tagsOfLocked(ino)
}

func (s *Store) tagsOfLocked(ino uint64) []proto.BlockTag {
	var out []proto.BlockTag
	s.tagIdx.AscendGreaterOrEqual(&tagItem{ownerIno: ino}, func(it btree.Item) bool {
		ti := it.(*tagItem)
		if ti.ownerIno != ino {
			return false
		}
		out = append(out, s.tags[ti.slot])
		return true
	})
	return out
}

// LookupDentry finds a directory entry by (parent, name).
func (s *Store) LookupDentry(parentIno uint64, name string) (proto.DirEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupDentryLocked(parentIno, name)
}

func (s *Store) lookupDentryLocked(parentIno uint64, name string) (proto.DirEntry, bool) {
	it := s.dentryIdx.Get(&dentryItem{parentIno: parentIno, name: name})
	if it == nil {
		return proto.DirEntry{}, false
	}
	return s.dentries[it.(*dentryItem).slot], true
}

// DentriesOf lists the entries of a directory in name order, starting
// after the entry named start (exclusive; empty for the beginning), up to
// max entries. max <= 0 means all.
func (s *Store) DentriesOf(parentIno uint64, start string, max int) []proto.DirEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []proto.DirEntry
	pivot := &dentryItem{parentIno: parentIno, name: start}
	s.dentryIdx.AscendGreaterOrEqual(pivot, func(it btree.Item) bool {
		di := it.(*dentryItem)
		if di.parentIno != parentIno {
			return false
		}
		if start != "" && di.name == start {
			return true
		}
		out = append(out, s.dentries[di.slot])
		return max <= 0 || len(out) < max
	})
	return out
}

// HasChildren reports whether a directory has any entry.
func (s *Store) HasChildren(parentIno uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasChildrenLocked(parentIno)
}

func (s *Store) hasChildrenLocked(parentIno uint64) bool {
	found := false
	s.dentryIdx.AscendGreaterOrEqual(&dentryItem{parentIno: parentIno}, func(it btree.Item) bool {
		found = it.(*dentryItem).parentIno == parentIno
		return false
	})
	return found
}

// StatFS fills filesystem-wide counters from the allocators.
func (s *Store) StatFS() proto.StatFSInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return proto.StatFSInfo{
		BlockSize:   s.sb.BlockSize,
		TotalBlocks: s.tagTab.nAll,
		FreeBlocks:  s.tagTab.nFree,
		TotalInodes: s.inodeTab.nAll,
		FreeInodes:  s.inodeTab.nFree,
	}
}

// CheckInvariants verifies the committed-snapshot invariants over the whole
// store. Tx commit does not call it; commit checks only the touched slots
// (checkStaged).
func (s *Store) CheckInvariants() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkInvariantsLocked()
}

func (s *Store) checkInvariantsLocked() error {
	// no dangling block tag
	for slot := uint64(0); slot < s.tagTab.nAll; slot++ {
		if !s.tagTab.allocated(slot) {
			continue
		}
		bt := &s.tags[slot]
		owner := bt.OwnerIno
		if owner == 0 || owner > s.inodeTab.nAll || !s.inodeTab.allocated(owner-1) {
			return errors.Info(proto.ErrInvalidRecord, "dangling blocktag", bt.Oid)
		}
	}
	// every file's tag chain covers a contiguous index prefix at least as
	// long as the size demands
	counts := make(map[uint64]uint64)
	for slot := uint64(0); slot < s.tagTab.nAll; slot++ {
		if s.tagTab.allocated(slot) {
			counts[s.tags[slot].OwnerIno]++
		}
	}
	for slot := uint64(0); slot < s.inodeTab.nAll; slot++ {
		if !s.inodeTab.allocated(slot) {
			continue
		}
		in := &s.inodes[slot]
		if in.Kind != proto.KindFile {
			continue
		}
		n := counts[in.Ino]
		need := (uint64(in.Size) + s.sb.BlockSize - 1) / s.sb.BlockSize
		if n < need || n != in.Nblocks {
			return errors.Info(proto.ErrInvalidRecord, "tag chain length", in.Ino, n, need)
		}
		for i := uint64(0); i < n; i++ {
			if _, ok := s.lookupTagLocked(in.Ino, i); !ok {
				return errors.Info(proto.ErrInvalidRecord, "tag chain gap", in.Ino, i)
			}
		}
	}
	// no duplicate (parent, name); child points back at parent
	seen := make(map[uint64]map[string]bool)
	for slot := uint64(0); slot < s.dentryTab.nAll; slot++ {
		if !s.dentryTab.allocated(slot) {
			continue
		}
		de := &s.dentries[slot]
		m := seen[de.ParentIno]
		if m == nil {
			m = make(map[string]bool)
			seen[de.ParentIno] = m
		}
		if m[de.Name] {
			return errors.Info(proto.ErrInvalidRecord, "duplicate dentry", de.ParentIno, de.Name)
		}
		m[de.Name] = true
		child, err := s.getInodeLocked(de.ChildIno)
		if err != nil || child.ParentDirIno != de.ParentIno {
			return errors.Info(proto.ErrInvalidRecord, "dentry child mismatch", de.ParentIno, de.Name)
		}
	}
	// every directory's on-disk entry chain is acyclic and visits exactly
	// the allocated entries naming it as parent
	perParent := make(map[uint64]uint64)
	for slot := uint64(0); slot < s.dentryTab.nAll; slot++ {
		if s.dentryTab.allocated(slot) {
			perParent[s.dentries[slot].ParentIno]++
		}
	}
	for slot := uint64(0); slot < s.inodeTab.nAll; slot++ {
		if !s.inodeTab.allocated(slot) || s.inodes[slot].Kind != proto.KindDir {
			continue
		}
		dir := &s.inodes[slot]
		var walked uint64
		for oid := dir.FirstDentry; oid != 0; {
			if walked++; walked > s.dentryTab.nAll {
				return errors.Info(proto.ErrInvalidRecord, "dentry chain cycle", dir.Ino)
			}
			if oid > s.dentryTab.nAll || !s.dentryTab.allocated(oid-1) {
				return errors.Info(proto.ErrInvalidRecord, "dentry chain dangling", dir.Ino, oid)
			}
			de := &s.dentries[oid-1]
			if de.ParentIno != dir.Ino {
				return errors.Info(proto.ErrInvalidRecord, "dentry chain foreign entry", dir.Ino, oid)
			}
			oid = de.NextOid
		}
		if walked != perParent[dir.Ino] {
			return errors.Info(proto.ErrInvalidRecord, "dentry chain incomplete", dir.Ino, walked, perParent[dir.Ino])
		}
	}
	// bitmap agrees with record flags
	for _, kind := range []proto.MetaKind{proto.MetaInode, proto.MetaBlockTag, proto.MetaDirEntry} {
		t := s.tableOf(kind)
		for slot := uint64(0); slot < t.nAll; slot++ {
			var flags uint32
			switch kind {
			case proto.MetaInode:
				flags = s.inodes[slot].Flags
			case proto.MetaBlockTag:
				flags = s.tags[slot].Flags
			case proto.MetaDirEntry:
				flags = s.dentries[slot].Flags
			}
			if t.allocated(slot) != (flags&proto.RecordAllocated != 0) {
				return errors.Info(proto.ErrInvalidRecord, "bitmap/flag disagreement", kind.String(), slot)
			}
		}
	}
	return nil
}

func roundUpI64(n, align int64) int64 {
	return (n + align - 1) / align * align
}
