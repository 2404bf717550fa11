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
	"time"

	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/proto"
)

func nowNano() int64 { return time.Now().UnixNano() }

// CreateNode allocates an inode and links it under parent with name. Used
// by O_CREAT and mkdir; the caller resolved the path and verified absence.
func (tx *Tx) CreateNode(parentIno uint64, name string, kind proto.InodeKind) (proto.Inode, error) {
	s := tx.s

	if _, dup := s.lookupDentryLocked(parentIno, name); dup {
		return proto.Inode{}, apierrors.ErrExist
	}
	parent, err := s.getInodeLocked(parentIno)
	if err != nil {
		return proto.Inode{}, err
	}
	if parent.Kind != proto.KindDir {
		return proto.Inode{}, apierrors.ErrNotDir
	}

	in, err := tx.AllocInode(kind, parentIno)
	if err != nil {
		return proto.Inode{}, err
	}
	de, err := tx.AllocDentry(parentIno, name, in.Ino)
	if err != nil {
		return proto.Inode{}, err
	}

	// link at the head of the parent's entry chain
	de.NextOid = parent.FirstDentry
	if err := tx.UpdateDentry(de); err != nil {
		return proto.Inode{}, err
	}
	parent.FirstDentry = de.Oid
	parent.Mtime = nowNano()
	if err := tx.UpdateInode(parent); err != nil {
		return proto.Inode{}, err
	}
	return in, nil
}

// unchainDentry removes a dentry from its parent's chain, updating either
// the parent's head pointer or the predecessor entry.
func (tx *Tx) unchainDentry(parent proto.Inode, de proto.DirEntry) (proto.Inode, error) {
	s := tx.s
	if parent.FirstDentry == de.Oid {
		parent.FirstDentry = de.NextOid
		return parent, nil
	}
	oid := parent.FirstDentry
	for oid != 0 {
		slot := oid - 1
		if !s.dentryTab.allocated(slot) {
			break
		}
		cur := s.dentries[slot]
		if cur.NextOid == de.Oid {
			cur.NextOid = de.NextOid
			if err := tx.UpdateDentry(cur); err != nil {
				return parent, err
			}
			return parent, nil
		}
		oid = cur.NextOid
	}
	return parent, apierrors.ErrNotFound
}

// removeDentry unlinks and frees the (parent, name) entry.
func (tx *Tx) removeDentry(parentIno uint64, de proto.DirEntry) error {
	parent, err := tx.s.getInodeLocked(parentIno)
	if err != nil {
		return err
	}
	parent, err = tx.unchainDentry(parent, de)
	if err != nil {
		return err
	}
	if err := tx.FreeDentry(de.Oid, de.BirthTime); err != nil {
		return err
	}
	parent.Mtime = nowNano()
	return tx.UpdateInode(parent)
}

// freeFileBlocks frees the whole tag chain of a file inode.
func (tx *Tx) freeFileBlocks(in proto.Inode) error {
	oid := in.FirstBlkTag
	for oid != 0 {
		bt, err := tx.s.getTagLocked(oid)
		if err != nil {
			return err
		}
		if err := tx.FreeTag(bt.Oid, bt.BirthTime); err != nil {
			return err
		}
		oid = bt.NextOid
	}
	return nil
}

// Unlink removes a file's directory entry. The inode is freed right away
// when no handle holds it; otherwise it goes orphan and the last close
// releases it.
func (tx *Tx) Unlink(ni *proto.NameInfo) error {
	s := tx.s
	de, ok := s.lookupDentryLocked(ni.ParentIno, ni.FinalName)
	if !ok {
		return apierrors.ErrNotFound
	}
	in, err := s.getInodeLocked(de.ChildIno)
	if err != nil {
		return err
	}
	if in.Kind == proto.KindDir {
		return apierrors.ErrIsDir
	}

	if err := tx.removeDentry(ni.ParentIno, de); err != nil {
		return err
	}

	in.Refcount--
	in.Ctime = nowNano()
	if in.Refcount == 0 {
		if err := tx.freeFileBlocks(in); err != nil {
			return err
		}
		return tx.FreeInode(in.Ino, in.BirthTime)
	}
	in.Flags |= proto.RecordOrphan
	in.ParentDirIno = 0
	return tx.UpdateInode(in)
}

// Mkdir creates an empty directory.
func (tx *Tx) Mkdir(parentIno uint64, name string) (proto.Inode, error) {
	return tx.CreateNode(parentIno, name, proto.KindDir)
}

// Rmdir removes an empty directory.
func (tx *Tx) Rmdir(ni *proto.NameInfo) error {
	s := tx.s
	de, ok := s.lookupDentryLocked(ni.ParentIno, ni.FinalName)
	if !ok {
		return apierrors.ErrNotFound
	}
	in, err := s.getInodeLocked(de.ChildIno)
	if err != nil {
		return err
	}
	if in.Kind != proto.KindDir {
		return apierrors.ErrNotDir
	}
	if s.hasChildrenLocked(in.Ino) {
		return apierrors.ErrNotEmpty
	}
	if err := tx.removeDentry(ni.ParentIno, de); err != nil {
		return err
	}
	return tx.FreeInode(in.Ino, in.BirthTime)
}

// Rename moves src to (dstParent, dstName). With noReplace an existing
// target fails with EEXIST; otherwise a file target is unlinked in the
// same transaction, which makes the whole move atomic to observers.
func (tx *Tx) Rename(src *proto.NameInfo, dstParentIno uint64, dstName string, noReplace bool) error {
	s := tx.s

	srcDe, ok := s.lookupDentryLocked(src.ParentIno, src.FinalName)
	if !ok {
		return apierrors.ErrNotFound
	}
	srcIn, err := s.getInodeLocked(srcDe.ChildIno)
	if err != nil {
		return err
	}

	if srcIn.Kind == proto.KindDir {
		// a directory must not move under its own subtree
		for cur := dstParentIno; cur != 0 && cur != RootIno; {
			if cur == srcIn.Ino {
				return apierrors.ErrInvalidArgs
			}
			p, err := s.getInodeLocked(cur)
			if err != nil {
				return err
			}
			cur = p.ParentDirIno
		}
		if dstParentIno == srcIn.Ino {
			return apierrors.ErrInvalidArgs
		}
	}

	if dstDe, exists := s.lookupDentryLocked(dstParentIno, dstName); exists {
		if noReplace {
			return apierrors.ErrExist
		}
		if dstDe.ChildIno == srcDe.ChildIno {
			return nil
		}
		dstIn, err := s.getInodeLocked(dstDe.ChildIno)
		if err != nil {
			return err
		}
		if dstIn.Kind == proto.KindDir {
			if srcIn.Kind != proto.KindDir {
				return apierrors.ErrIsDir
			}
			if s.hasChildrenLocked(dstIn.Ino) {
				return apierrors.ErrNotEmpty
			}
			if err := tx.removeDentry(dstParentIno, dstDe); err != nil {
				return err
			}
			if err := tx.FreeInode(dstIn.Ino, dstIn.BirthTime); err != nil {
				return err
			}
		} else {
			if srcIn.Kind == proto.KindDir {
				return apierrors.ErrNotDir
			}
			ni := proto.NameInfo{ParentIno: dstParentIno, FinalName: dstName}
			if err := tx.Unlink(&ni); err != nil {
				return err
			}
		}
	}

	// replacing the target may have respliced the source parent's chain;
	// the copy from before that is stale, re-read the source entry
	srcDe, ok = s.lookupDentryLocked(src.ParentIno, src.FinalName)
	if !ok {
		return apierrors.ErrNotFound
	}
	if err := tx.removeDentry(src.ParentIno, srcDe); err != nil {
		return err
	}

	dstParent, err := s.getInodeLocked(dstParentIno)
	if err != nil {
		return err
	}
	if dstParent.Kind != proto.KindDir {
		return apierrors.ErrNotDir
	}
	de, err := tx.AllocDentry(dstParentIno, dstName, srcIn.Ino)
	if err != nil {
		return err
	}
	de.NextOid = dstParent.FirstDentry
	if err := tx.UpdateDentry(de); err != nil {
		return err
	}
	dstParent.FirstDentry = de.Oid
	dstParent.Mtime = nowNano()
	if err := tx.UpdateInode(dstParent); err != nil {
		return err
	}

	// re-read: removeDentry may have touched the source inode's parent
	srcIn, err = s.getInodeLocked(srcIn.Ino)
	if err != nil {
		return err
	}
	srcIn.ParentDirIno = dstParentIno
	srcIn.Ctime = nowNano()
	return tx.UpdateInode(srcIn)
}

// AllocFileBlocks allocates every missing logical block in [fromIdx,
// toIdx], keeping the tag chain ordered by logical index. Returns the
// updated inode.
func (tx *Tx) AllocFileBlocks(in proto.Inode, fromIdx, toIdx uint64) (proto.Inode, error) {
	s := tx.s
	for idx := fromIdx; idx <= toIdx; idx++ {
		if _, ok := s.lookupTagLocked(in.Ino, idx); ok {
			continue
		}
		bt, err := tx.AllocTag(in.Ino, idx)
		if err != nil {
			return in, err
		}

		// find the chain predecessor: greatest logical index < idx
		var pred proto.BlockTag
		havePred := false
		oid := in.FirstBlkTag
		for oid != 0 && oid != bt.Oid {
			cur, err := s.getTagLocked(oid)
			if err != nil {
				return in, err
			}
			if cur.LogicalIndex < idx {
				pred = cur
				havePred = true
				oid = cur.NextOid
				continue
			}
			break
		}

		if !havePred {
			bt.NextOid = in.FirstBlkTag
			if err := tx.UpdateTag(bt); err != nil {
				return in, err
			}
			in.FirstBlkTag = bt.Oid
		} else {
			bt.NextOid = pred.NextOid
			if err := tx.UpdateTag(bt); err != nil {
				return in, err
			}
			pred.NextOid = bt.Oid
			if err := tx.UpdateTag(pred); err != nil {
				return in, err
			}
		}
		in.Nblocks++
	}
	if err := tx.UpdateInode(in); err != nil {
		return in, err
	}
	return in, nil
}

// TruncateFile shrinks or extends a file to newSize, freeing the trailing
// tag chain on shrink. Returns the updated inode.
func (tx *Tx) TruncateFile(in proto.Inode, newSize int64) (proto.Inode, error) {
	s := tx.s
	blockSize := int64(s.sb.BlockSize)
	keep := uint64((newSize + blockSize - 1) / blockSize)

	// cut the chain after the last kept tag
	var prevOid uint64
	oid := in.FirstBlkTag
	for oid != 0 {
		bt, err := s.getTagLocked(oid)
		if err != nil {
			return in, err
		}
		if bt.LogicalIndex >= keep {
			break
		}
		prevOid = oid
		oid = bt.NextOid
	}
	for cut := oid; cut != 0; {
		bt, err := s.getTagLocked(cut)
		if err != nil {
			return in, err
		}
		cut = bt.NextOid
		if err := tx.FreeTag(bt.Oid, bt.BirthTime); err != nil {
			return in, err
		}
		in.Nblocks--
	}
	if prevOid == 0 {
		in.FirstBlkTag = 0
	} else if oid != 0 {
		pred, err := s.getTagLocked(prevOid)
		if err != nil {
			return in, err
		}
		pred.NextOid = 0
		if err := tx.UpdateTag(pred); err != nil {
			return in, err
		}
	}

	in.Size = newSize
	now := nowNano()
	in.Mtime = now
	in.Ctime = now
	if err := tx.UpdateInode(in); err != nil {
		return in, err
	}
	return in, nil
}

// AddOpenRef bumps the journal-visible open reference of an inode.
func (tx *Tx) AddOpenRef(ino uint64) (proto.Inode, error) {
	in, err := tx.s.getInodeLocked(ino)
	if err != nil {
		return in, err
	}
	in.Refcount++
	if err := tx.UpdateInode(in); err != nil {
		return in, err
	}
	return in, nil
}

// DropOpenRef releases one open reference. An orphan inode with no
// remaining references is freed together with its block chain.
func (tx *Tx) DropOpenRef(ino uint64) error {
	in, err := tx.s.getInodeLocked(ino)
	if err != nil {
		return err
	}
	if in.Refcount == 0 {
		return apierrors.ErrInvalidArgs
	}
	in.Refcount--
	if in.Refcount == 0 && in.Flags&proto.RecordOrphan != 0 {
		if err := tx.freeFileBlocks(in); err != nil {
			return err
		}
		return tx.FreeInode(in.Ino, in.BirthTime)
	}
	return tx.UpdateInode(in)
}
