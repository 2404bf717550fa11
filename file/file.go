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

package file

import (
	"context"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/pbfs/blkio"
	"github.com/cubefs/pbfs/devio"
	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/journal"
	"github.com/cubefs/pbfs/meta"
	"github.com/cubefs/pbfs/proto"
)

// Seek whence values, matching the POSIX ones.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// handle is the per-open state. The rw lock is held R for I/O and W for
// close; offMu serializes the shared offset of non-positional I/O and
// O_APPEND.
type handle struct {
	slot int
	gen  uint32

	ino   uint64
	kind  proto.InodeKind
	flags uint32

	rw     sync.RWMutex
	offMu  sync.Mutex
	offset int64
	dirPos string // readdir cursor: last name handed out

	refs int32
	used bool
}

// Manager owns the open-file slab of one mount.
type Manager struct {
	store *meta.Store
	jnl   *journal.Journal
	bio   *blkio.BlockIO
	dev   devio.Device

	writable atomic.Bool

	mu      sync.Mutex
	handles []*handle
	free    []int
}

func NewManager(store *meta.Store, jnl *journal.Journal, bio *blkio.BlockIO, dev devio.Device, writable bool) *Manager {
	m := &Manager{
		store: store,
		jnl:   jnl,
		bio:   bio,
		dev:   dev,
	}
	m.writable.Store(writable)
	return m
}

// SetWritable flips the mount mode, used by remount and forced RW->RO.
func (m *Manager) SetWritable(on bool) { m.writable.Store(on) }

func (m *Manager) get(fd int32) (*handle, error) {
	slot, gen := splitFd(fd)
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot < 0 || slot >= len(m.handles) {
		return nil, apierrors.ErrBadFd
	}
	h := m.handles[slot]
	if h == nil || !h.used || h.gen != gen {
		return nil, apierrors.ErrBadFd
	}
	return h, nil
}

func (m *Manager) insert(h *handle) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var slot int
	if n := len(m.free); n > 0 {
		slot = m.free[n-1]
		m.free = m.free[:n-1]
		h.gen = (m.handles[slot].gen + 1) & fdGenMask
		if h.gen == 0 {
			h.gen = 1
		}
		h.slot = slot
		m.handles[slot] = h
	} else {
		if len(m.handles) >= MaxOpenFiles {
			return 0, apierrors.ErrTooManyFiles
		}
		slot = len(m.handles)
		h.slot = slot
		h.gen = 1
		m.handles = append(m.handles, h)
	}
	h.used = true
	return makeFd(slot, h.gen), nil
}

func (m *Manager) remove(h *handle) {
	m.mu.Lock()
	h.used = false
	m.free = append(m.free, h.slot)
	m.mu.Unlock()
}

// Open resolves path and returns a descriptor. O_CREAT allocates the
// inode, O_TRUNC empties it, O_EXCL insists on creating.
func (m *Manager) Open(ctx context.Context, path string, flags uint32, mode uint32) (int32, error) {
	span := trace.SpanFromContextSafe(ctx)

	ni, err := m.store.Resolve(path)
	if err != nil {
		return 0, err
	}

	accMode := flags & syscall.O_ACCMODE
	wantWrite := accMode != syscall.O_RDONLY
	if wantWrite && !m.writable.Load() {
		return 0, apierrors.ErrReadOnlyFS
	}

	var in proto.Inode
	switch {
	case ni.TargetIno == 0:
		if flags&syscall.O_CREAT == 0 {
			return 0, apierrors.ErrNotFound
		}
		if !m.writable.Load() {
			return 0, apierrors.ErrReadOnlyFS
		}
		tx := m.store.Begin(m.jnl)
		in, err = tx.CreateNode(ni.ParentIno, ni.FinalName, proto.KindFile)
		if err != nil {
			tx.Abort()
			return 0, err
		}
		in.Refcount++ // creation link + this open
		if err = tx.UpdateInode(in); err != nil {
			tx.Abort()
			return 0, err
		}
		if err = tx.Commit(ctx); err != nil {
			return 0, err
		}
		span.Debugf("created %s ino %d", path, in.Ino)
	default:
		if flags&syscall.O_CREAT != 0 && flags&syscall.O_EXCL != 0 {
			return 0, apierrors.ErrExist
		}
		if ni.TargetKind == proto.KindDir && wantWrite {
			return 0, apierrors.ErrIsDir
		}
		if ni.TargetKind == proto.KindFile && flags&syscall.O_DIRECTORY != 0 {
			return 0, apierrors.ErrNotDir
		}
		in, err = m.store.GetInode(ni.TargetIno)
		if err != nil {
			return 0, err
		}
		if m.writable.Load() && in.Kind == proto.KindFile {
			tx := m.store.Begin(m.jnl)
			if in, err = tx.AddOpenRef(in.Ino); err != nil {
				tx.Abort()
				return 0, err
			}
			if err = tx.Commit(ctx); err != nil {
				return 0, err
			}
		}
		if flags&syscall.O_TRUNC != 0 && in.Kind == proto.KindFile && wantWrite {
			if err = m.truncate(ctx, in.Ino, 0); err != nil {
				return 0, err
			}
		}
	}

	h := &handle{ino: in.Ino, kind: in.Kind, flags: flags, refs: 1}
	fd, err := m.insert(h)
	if err != nil {
		if in.Kind == proto.KindFile {
			m.dropRef(ctx, in.Ino)
		}
		return 0, err
	}
	return fd, nil
}

func (m *Manager) dropRef(ctx context.Context, ino uint64) {
	if !m.writable.Load() {
		return
	}
	tx := m.store.Begin(m.jnl)
	if err := tx.DropOpenRef(ino); err != nil {
		tx.Abort()
		return
	}
	if err := tx.Commit(ctx); err != nil {
		trace.SpanFromContextSafe(ctx).Errorf("drop open ref ino %d: %v", ino, err)
	}
}

// Close releases the descriptor. The last reference of an orphan inode
// frees it together with its blocks.
func (m *Manager) Close(ctx context.Context, fd int32) error {
	h, err := m.get(fd)
	if err != nil {
		return err
	}
	h.rw.Lock()
	defer h.rw.Unlock()
	if atomic.AddInt32(&h.refs, -1) > 0 {
		return nil
	}
	m.remove(h)
	if h.kind == proto.KindFile {
		m.dropRef(ctx, h.ino)
	}
	return nil
}

// Read reads into buf at off; UseHandleOffset consumes the handle offset.
func (m *Manager) Read(ctx context.Context, fd int32, buf []byte, off int64) (int64, error) {
	h, err := m.get(fd)
	if err != nil {
		return 0, err
	}
	if h.kind != proto.KindFile {
		return 0, apierrors.ErrIsDir
	}
	h.rw.RLock()
	defer h.rw.RUnlock()

	useHandle := off == proto.UseHandleOffset
	if useHandle {
		h.offMu.Lock()
		defer h.offMu.Unlock()
		off = h.offset
	}

	n, err := m.readAt(ctx, h.ino, buf, off)
	if err != nil {
		return 0, err
	}
	if useHandle {
		h.offset += n
	}
	return n, nil
}

func (m *Manager) readAt(ctx context.Context, ino uint64, buf []byte, off int64) (int64, error) {
	if off < 0 {
		return 0, apierrors.ErrInvalidArgs
	}
	in, err := m.store.GetInode(ino)
	if err != nil {
		return 0, err
	}
	if off >= in.Size {
		return 0, nil
	}
	if max := in.Size - off; int64(len(buf)) > max {
		buf = buf[:max]
	}

	blockSize := m.store.BlockSize()
	var done int64
	for done < int64(len(buf)) {
		pos := off + done
		idx := uint64(pos / blockSize)
		inBlk := pos % blockSize
		span := min64(blockSize-inBlk, int64(len(buf))-done)
		dst := buf[done : done+span]

		if bt, ok := m.store.LookupTag(ino, idx); ok {
			addr := m.store.BlockAddr(bt.PhysicalBlock)
			if err := m.bio.Read(ctx, dst, addr, inBlk); err != nil {
				return done, err
			}
		} else {
			for i := range dst {
				dst[i] = 0
			}
		}
		done += span
	}
	return done, nil
}

// Write stores buf at off; UseHandleOffset consumes the handle offset and
// O_APPEND writes at the size read inside the allocation transaction.
func (m *Manager) Write(ctx context.Context, fd int32, buf []byte, off int64) (int64, error) {
	h, err := m.get(fd)
	if err != nil {
		return 0, err
	}
	if h.kind != proto.KindFile {
		return 0, apierrors.ErrIsDir
	}
	if h.flags&syscall.O_ACCMODE == syscall.O_RDONLY {
		return 0, apierrors.ErrBadFd
	}
	if !m.writable.Load() {
		return 0, apierrors.ErrReadOnlyFS
	}
	h.rw.RLock()
	defer h.rw.RUnlock()

	useHandle := off == proto.UseHandleOffset
	appending := h.flags&syscall.O_APPEND != 0
	if useHandle || appending {
		h.offMu.Lock()
		defer h.offMu.Unlock()
		off = h.offset
	}

	n, newOff, err := m.writeAt(ctx, h.ino, buf, off, appending)
	if err != nil {
		return 0, err
	}
	if useHandle || appending {
		h.offset = newOff
	}
	return n, nil
}

// writeAt runs the allocation transaction before any data lands, so a
// crash between the two leaves zero-filled holes instead of stale bytes.
func (m *Manager) writeAt(ctx context.Context, ino uint64, buf []byte, off int64, appending bool) (int64, int64, error) {
	if off < 0 && !appending {
		return 0, 0, apierrors.ErrInvalidArgs
	}
	length := int64(len(buf))
	blockSize := m.store.BlockSize()

	tx := m.store.Begin(m.jnl)
	in, err := m.store.GetInodeLocked(ino)
	if err != nil {
		tx.Abort()
		return 0, 0, err
	}
	if appending {
		off = in.Size
	}
	if length > 0 {
		fromIdx := uint64(off / blockSize)
		toIdx := uint64((off + length - 1) / blockSize)
		if in, err = tx.AllocFileBlocks(in, fromIdx, toIdx); err != nil {
			tx.Abort()
			return 0, 0, err
		}
		if off+length > in.Size {
			in.Size = off + length
		}
		in.Mtime = nowNano()
		if err = tx.UpdateInode(in); err != nil {
			tx.Abort()
			return 0, 0, err
		}
		if err = tx.Commit(ctx); err != nil {
			return 0, 0, err
		}
	} else {
		tx.Abort()
		return 0, off, nil
	}

	var done int64
	for done < length {
		pos := off + done
		idx := uint64(pos / blockSize)
		inBlk := pos % blockSize
		span := min64(blockSize-inBlk, length-done)

		bt, ok := m.store.LookupTag(ino, idx)
		if !ok {
			return done, off + done, apierrors.ErrIO
		}
		addr := m.store.BlockAddr(bt.PhysicalBlock)
		if err := m.bio.Write(ctx, buf[done:done+span], span, addr, inBlk); err != nil {
			return done, off + done, err
		}
		done += span
	}
	return done, off + done, nil
}

// Lseek repositions the handle offset.
func (m *Manager) Lseek(ctx context.Context, fd int32, off int64, whence uint32) (int64, error) {
	h, err := m.get(fd)
	if err != nil {
		return 0, err
	}
	h.offMu.Lock()
	defer h.offMu.Unlock()

	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = h.offset
	case SeekEnd:
		in, err := m.store.GetInode(h.ino)
		if err != nil {
			return 0, err
		}
		base = in.Size
	default:
		return 0, apierrors.ErrInvalidArgs
	}
	pos := base + off
	if pos < 0 {
		return 0, apierrors.ErrInvalidArgs
	}
	h.offset = pos
	return pos, nil
}

func (m *Manager) truncate(ctx context.Context, ino uint64, size int64) error {
	blockSize := m.store.BlockSize()

	tx := m.store.Begin(m.jnl)
	in, err := m.store.GetInodeLocked(ino)
	if err != nil {
		tx.Abort()
		return err
	}
	if in.Kind != proto.KindFile {
		tx.Abort()
		return apierrors.ErrIsDir
	}
	oldSize := in.Size
	if in, err = tx.TruncateFile(in, size); err != nil {
		tx.Abort()
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}

	// zero the kept tail of the last block so a later re-extension reads
	// zeros instead of stale bytes
	if size < oldSize && size%blockSize != 0 {
		idx := uint64(size / blockSize)
		if bt, ok := m.store.LookupTag(ino, idx); ok {
			inBlk := size % blockSize
			addr := m.store.BlockAddr(bt.PhysicalBlock)
			if err := m.bio.Write(ctx, nil, blockSize-inBlk, addr, inBlk); err != nil {
				return err
			}
		}
	}
	return nil
}

// Ftruncate resizes the open file.
func (m *Manager) Ftruncate(ctx context.Context, fd int32, size int64) error {
	h, err := m.get(fd)
	if err != nil {
		return err
	}
	if h.kind != proto.KindFile {
		return apierrors.ErrIsDir
	}
	if !m.writable.Load() {
		return apierrors.ErrReadOnlyFS
	}
	if size < 0 {
		return apierrors.ErrInvalidArgs
	}
	h.rw.RLock()
	defer h.rw.RUnlock()
	return m.truncate(ctx, h.ino, size)
}

// Truncate resizes by path.
func (m *Manager) Truncate(ctx context.Context, path string, size int64) error {
	if !m.writable.Load() {
		return apierrors.ErrReadOnlyFS
	}
	if size < 0 {
		return apierrors.ErrInvalidArgs
	}
	ni, err := m.store.Resolve(path)
	if err != nil {
		return err
	}
	if ni.TargetIno == 0 {
		return apierrors.ErrNotFound
	}
	if ni.TargetKind != proto.KindFile {
		return apierrors.ErrIsDir
	}
	return m.truncate(ctx, ni.TargetIno, size)
}

// Fallocate preallocates blocks; FallocKeepSize leaves the size alone.
func (m *Manager) Fallocate(ctx context.Context, fd int32, mode uint32, off, length int64) error {
	h, err := m.get(fd)
	if err != nil {
		return err
	}
	if h.kind != proto.KindFile {
		return apierrors.ErrIsDir
	}
	if !m.writable.Load() {
		return apierrors.ErrReadOnlyFS
	}
	if off < 0 || length <= 0 {
		return apierrors.ErrInvalidArgs
	}
	h.rw.RLock()
	defer h.rw.RUnlock()

	blockSize := m.store.BlockSize()
	tx := m.store.Begin(m.jnl)
	in, err := m.store.GetInodeLocked(h.ino)
	if err != nil {
		tx.Abort()
		return err
	}
	fromIdx := uint64(off / blockSize)
	toIdx := uint64((off + length - 1) / blockSize)
	if in, err = tx.AllocFileBlocks(in, fromIdx, toIdx); err != nil {
		tx.Abort()
		return err
	}
	if mode&proto.FallocKeepSize == 0 && off+length > in.Size {
		in.Size = off + length
		in.Mtime = nowNano()
		if err = tx.UpdateInode(in); err != nil {
			tx.Abort()
			return err
		}
	}
	return tx.Commit(ctx)
}

// Fstat fills stat from the open handle's inode.
func (m *Manager) Fstat(ctx context.Context, fd int32) (proto.StatInfo, error) {
	h, err := m.get(fd)
	if err != nil {
		return proto.StatInfo{}, err
	}
	in, err := m.store.GetInode(h.ino)
	if err != nil {
		return proto.StatInfo{}, err
	}
	return statOf(in), nil
}

func statOf(in proto.Inode) proto.StatInfo {
	return proto.StatInfo{
		Ino:     in.Ino,
		Kind:    in.Kind,
		Size:    in.Size,
		Nblocks: in.Nblocks,
		Mtime:   in.Mtime,
		Ctime:   in.Ctime,
	}
}

// Stat resolves a path without opening it.
func (m *Manager) Stat(ctx context.Context, path string) (proto.StatInfo, error) {
	ni, err := m.store.Resolve(path)
	if err != nil {
		return proto.StatInfo{}, err
	}
	if ni.TargetIno == 0 {
		return proto.StatInfo{}, apierrors.ErrNotFound
	}
	in, err := m.store.GetInode(ni.TargetIno)
	if err != nil {
		return proto.StatInfo{}, err
	}
	return statOf(in), nil
}

// FMap returns the file-to-device mapping, one triple per allocated block,
// clamped at the file size.
func (m *Manager) FMap(ctx context.Context, fd int32, max int) ([]proto.FMapEntry, error) {
	h, err := m.get(fd)
	if err != nil {
		return nil, err
	}
	if h.kind != proto.KindFile {
		return nil, apierrors.ErrIsDir
	}
	in, err := m.store.GetInode(h.ino)
	if err != nil {
		return nil, err
	}
	blockSize := m.store.BlockSize()
	tags := m.store.TagsOf(h.ino)
	ents := make([]proto.FMapEntry, 0, len(tags))
	for _, bt := range tags {
		logical := int64(bt.LogicalIndex) * blockSize
		length := min64(blockSize, in.Size-logical)
		if length <= 0 {
			break
		}
		ents = append(ents, proto.FMapEntry{
			LogicalOffset:  logical,
			PhysicalOffset: m.store.BlockAddr(bt.PhysicalBlock),
			Length:         length,
		})
		if max > 0 && len(ents) >= max {
			break
		}
	}
	return ents, nil
}

// Opendir opens a directory handle for iteration.
func (m *Manager) Opendir(ctx context.Context, path string) (int32, error) {
	ni, err := m.store.Resolve(path)
	if err != nil {
		return 0, err
	}
	if ni.TargetIno == 0 {
		return 0, apierrors.ErrNotFound
	}
	if ni.TargetKind != proto.KindDir {
		return 0, apierrors.ErrNotDir
	}
	h := &handle{ino: ni.TargetIno, kind: proto.KindDir, refs: 1}
	return m.insert(h)
}

// Readdir returns up to max entries after the cursor. An empty result
// means end of directory.
func (m *Manager) Readdir(ctx context.Context, fd int32, max int) ([]proto.Dirent, error) {
	h, err := m.get(fd)
	if err != nil {
		return nil, err
	}
	if h.kind != proto.KindDir {
		return nil, apierrors.ErrNotDir
	}
	h.offMu.Lock()
	defer h.offMu.Unlock()

	des := m.store.DentriesOf(h.ino, h.dirPos, max)
	ents := make([]proto.Dirent, 0, len(des))
	for _, de := range des {
		kind := proto.KindFile
		if in, err := m.store.GetInode(de.ChildIno); err == nil {
			kind = in.Kind
		}
		ents = append(ents, proto.Dirent{Ino: de.ChildIno, Kind: kind, Name: de.Name})
	}
	if len(ents) > 0 {
		h.dirPos = ents[len(ents)-1].Name
	}
	return ents, nil
}

// Closedir releases a directory handle.
func (m *Manager) Closedir(ctx context.Context, fd int32) error {
	h, err := m.get(fd)
	if err != nil {
		return err
	}
	if h.kind != proto.KindDir {
		return apierrors.ErrNotDir
	}
	m.remove(h)
	return nil
}

// Fsync flushes the device write cache. Metadata durability comes from the
// transaction commit, not from fsync.
func (m *Manager) Fsync(ctx context.Context, fd int32) error {
	if _, err := m.get(fd); err != nil {
		return err
	}
	return m.dev.Flush(ctx)
}

// InvalidateAll releases every open handle, used by umount so stale
// descriptors fail with EBADF instead of touching recycled slots; a
// released slot gets the next generation when insert reuses it.
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handles {
		if h != nil && h.used {
			h.used = false
			m.free = append(m.free, h.slot)
		}
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func nowNano() int64 {
	return time.Now().UnixNano()
}
