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
	"strings"

	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/proto"
)

// SplitPBD strips the leading "/<pbd>/" of an absolute path, returning the
// pbd name and the in-mount remainder.
func SplitPBD(path string) (pbd, rest string, err error) {
	if len(path) == 0 || path[0] != '/' {
		return "", "", apierrors.ErrInvalidArgs
	}
	trimmed := path[1:]
	i := strings.IndexByte(trimmed, '/')
	if i < 0 {
		return trimmed, "/", nil
	}
	if i == 0 {
		return "", "", apierrors.ErrInvalidArgs
	}
	return trimmed[:i], trimmed[i:], nil
}

// NormalizePath collapses "." and ".." components; ".." at the root is a
// no-op. The input must be mount-absolute. Component and path length
// violations surface as ENAMETOOLONG.
func NormalizePath(path string) ([]string, error) {
	if len(path) > proto.MaxPathLen {
		return nil, apierrors.ErrNameTooLong
	}
	var stack []string
	for _, comp := range strings.Split(path, "/") {
		switch comp {
		case "", ".":
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			if len(comp) > proto.MaxNameLen {
				return nil, apierrors.ErrNameTooLong
			}
			stack = append(stack, comp)
		}
	}
	return stack, nil
}

// Resolve walks a mount-absolute path under the meta read lock. The final
// component may be absent, in which case TargetIno is zero and the caller
// decides between ENOENT and create.
func (s *Store) Resolve(path string) (proto.NameInfo, error) {
	comps, err := NormalizePath(path)
	if err != nil {
		return proto.NameInfo{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveLocked(comps)
}

func (s *Store) resolveLocked(comps []string) (proto.NameInfo, error) {
	ni := proto.NameInfo{ParentIno: RootIno, TargetIno: RootIno, TargetKind: proto.KindDir}
	if len(comps) == 0 {
		root, err := s.getInodeLocked(RootIno)
		if err != nil {
			return ni, err
		}
		ni.BirthTime = root.BirthTime
		return ni, nil
	}

	dirIno := RootIno
	for i, comp := range comps {
		last := i == len(comps)-1
		de, ok := s.walkChainLocked(dirIno, comp)
		if !ok {
			if last {
				ni.ParentIno = dirIno
				ni.TargetIno = 0
				ni.TargetKind = proto.KindNone
				ni.FinalName = comp
				return ni, nil
			}
			return ni, apierrors.ErrNotFound
		}
		child, err := s.getInodeLocked(de.ChildIno)
		if err != nil {
			return ni, err
		}
		if last {
			ni.ParentIno = dirIno
			ni.TargetIno = child.Ino
			ni.TargetKind = child.Kind
			ni.BirthTime = child.BirthTime
			ni.DentryOid = de.Oid
			ni.FinalName = comp
			return ni, nil
		}
		if child.Kind != proto.KindDir {
			return ni, apierrors.ErrNotDir
		}
		dirIno = child.Ino
	}
	return ni, apierrors.ErrNotFound
}

// walkChainLocked follows the directory's on-disk entry chain, comparing
// the name hash first and the bytes exactly after.
func (s *Store) walkChainLocked(dirIno uint64, name string) (proto.DirEntry, bool) {
	dir, err := s.getInodeLocked(dirIno)
	if err != nil {
		return proto.DirEntry{}, false
	}
	h := proto.NameHash(name)
	oid := dir.FirstDentry
	for oid != 0 {
		slot := oid - 1
		if slot >= s.dentryTab.nAll || !s.dentryTab.allocated(slot) {
			return proto.DirEntry{}, false
		}
		de := s.dentries[slot]
		if de.Hash == h && de.Name == name {
			return de, true
		}
		oid = de.NextOid
	}
	return proto.DirEntry{}, false
}
