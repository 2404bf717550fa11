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

package proto

import (
	"encoding/binary"
	"errors"
)

var (
	ErrShortBuffer   = errors.New("buffer too short for record")
	ErrBadCrc        = errors.New("record crc mismatch")
	ErrInvalidRecord = errors.New("invalid record")
)

// Channel opcodes. Values are part of the shm wire protocol.
type OpCode uint32

const (
	OpConnect OpCode = iota + 1
	OpOpen
	OpClose
	OpRead
	OpWrite
	OpLseek
	OpTruncate
	OpFtruncate
	OpFallocate
	OpStat
	OpFstat
	OpStatFS
	OpUnlink
	OpMkdir
	OpRmdir
	OpRename
	OpOpendir
	OpReaddir
	OpClosedir
	OpAccess
	OpFsync
	OpFMap
	OpGrowfs
	OpUpdateMeta
)

func (op OpCode) String() string {
	switch op {
	case OpConnect:
		return "connect"
	case OpOpen:
		return "open"
	case OpClose:
		return "close"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpLseek:
		return "lseek"
	case OpTruncate:
		return "truncate"
	case OpFtruncate:
		return "ftruncate"
	case OpFallocate:
		return "fallocate"
	case OpStat:
		return "stat"
	case OpFstat:
		return "fstat"
	case OpStatFS:
		return "statfs"
	case OpUnlink:
		return "unlink"
	case OpMkdir:
		return "mkdir"
	case OpRmdir:
		return "rmdir"
	case OpRename:
		return "rename"
	case OpOpendir:
		return "opendir"
	case OpReaddir:
		return "readdir"
	case OpClosedir:
		return "closedir"
	case OpAccess:
		return "access"
	case OpFsync:
		return "fsync"
	case OpFMap:
		return "fmap"
	case OpGrowfs:
		return "growfs"
	case OpUpdateMeta:
		return "update_meta"
	default:
		return "unknown"
	}
}

const (
	RequestMagic uint32 = 0x50425251 // "PBRQ"

	RequestSize  = 128
	ResponseSize = 128

	// UseHandleOffset marks a read/write that consumes and advances the
	// handle offset instead of carrying an explicit one.
	UseHandleOffset int64 = -1

	// Rename flag, mirrors RENAME_NOREPLACE.
	RenameNoReplace uint32 = 1 << 0

	// Fallocate mode, mirrors FALLOC_FL_KEEP_SIZE.
	FallocKeepSize uint32 = 1 << 0
)

// Request is the fixed-size request header written into a channel slot.
// Path arguments travel in the slot's iobuf; Path2Off locates the second
// path of a rename inside it.
type Request struct {
	Magic      uint32
	Op         OpCode
	Pid        uint32
	HostID     uint32
	MountEpoch uint64
	MountID    uint64
	ReqID      uint64
	Fd         int32
	Flags      uint32
	Mode       uint32
	Whence     uint32
	Offset     int64
	Len        int64
	PathLen    uint32
	Path2Off   uint32
}

func (r *Request) Marshal(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], r.Magic)
	le.PutUint32(buf[4:], uint32(r.Op))
	le.PutUint32(buf[8:], r.Pid)
	le.PutUint32(buf[12:], r.HostID)
	le.PutUint64(buf[16:], r.MountEpoch)
	le.PutUint64(buf[24:], r.MountID)
	le.PutUint64(buf[32:], r.ReqID)
	le.PutUint32(buf[40:], uint32(r.Fd))
	le.PutUint32(buf[44:], r.Flags)
	le.PutUint32(buf[48:], r.Mode)
	le.PutUint32(buf[52:], r.Whence)
	le.PutUint64(buf[56:], uint64(r.Offset))
	le.PutUint64(buf[64:], uint64(r.Len))
	le.PutUint32(buf[72:], r.PathLen)
	le.PutUint32(buf[76:], r.Path2Off)
}

func (r *Request) Unmarshal(buf []byte) error {
	if len(buf) < RequestSize {
		return ErrShortBuffer
	}
	le := binary.LittleEndian
	r.Magic = le.Uint32(buf[0:])
	if r.Magic != RequestMagic {
		return ErrInvalidRecord
	}
	r.Op = OpCode(le.Uint32(buf[4:]))
	r.Pid = le.Uint32(buf[8:])
	r.HostID = le.Uint32(buf[12:])
	r.MountEpoch = le.Uint64(buf[16:])
	r.MountID = le.Uint64(buf[24:])
	r.ReqID = le.Uint64(buf[32:])
	r.Fd = int32(le.Uint32(buf[40:]))
	r.Flags = le.Uint32(buf[44:])
	r.Mode = le.Uint32(buf[48:])
	r.Whence = le.Uint32(buf[52:])
	r.Offset = int64(le.Uint64(buf[56:]))
	r.Len = int64(le.Uint64(buf[64:]))
	r.PathLen = le.Uint32(buf[72:])
	r.Path2Off = le.Uint32(buf[76:])
	return nil
}

// Response is the fixed-size response header. Errno is zero on success.
// Stat-shaped results ride inline; bulk results (readdir, fmap, read data)
// ride in the slot's iobuf with Len giving the byte count.
type Response struct {
	ReqID      uint64
	Errno      int32
	Ret        int64
	Len        int64
	MountEpoch uint64
	MountID    uint64
	Stat       StatInfo
	StatFS     StatFSInfo
}

func (r *Response) Marshal(buf []byte) {
	le := binary.LittleEndian
	le.PutUint64(buf[0:], r.ReqID)
	le.PutUint32(buf[8:], uint32(r.Errno))
	le.PutUint32(buf[12:], uint32(r.StatFS.BlockSize))
	le.PutUint64(buf[16:], uint64(r.Ret))
	le.PutUint64(buf[24:], uint64(r.Len))
	le.PutUint64(buf[32:], r.MountEpoch)
	le.PutUint64(buf[40:], r.MountID)
	le.PutUint64(buf[48:], r.Stat.Ino)
	buf[56] = byte(r.Stat.Kind)
	le.PutUint64(buf[64:], uint64(r.Stat.Size))
	le.PutUint64(buf[72:], r.Stat.Nblocks)
	le.PutUint64(buf[80:], uint64(r.Stat.Mtime))
	le.PutUint64(buf[88:], uint64(r.Stat.Ctime))
	le.PutUint64(buf[96:], r.StatFS.TotalBlocks)
	le.PutUint64(buf[104:], r.StatFS.FreeBlocks)
	le.PutUint64(buf[112:], r.StatFS.TotalInodes)
	le.PutUint64(buf[120:], r.StatFS.FreeInodes)
}

func (r *Response) Unmarshal(buf []byte) error {
	if len(buf) < ResponseSize {
		return ErrShortBuffer
	}
	le := binary.LittleEndian
	r.ReqID = le.Uint64(buf[0:])
	r.Errno = int32(le.Uint32(buf[8:]))
	r.StatFS.BlockSize = uint64(le.Uint32(buf[12:]))
	r.Ret = int64(le.Uint64(buf[16:]))
	r.Len = int64(le.Uint64(buf[24:]))
	r.MountEpoch = le.Uint64(buf[32:])
	r.MountID = le.Uint64(buf[40:])
	r.Stat.Ino = le.Uint64(buf[48:])
	r.Stat.Kind = InodeKind(buf[56])
	r.Stat.Size = int64(le.Uint64(buf[64:]))
	r.Stat.Nblocks = le.Uint64(buf[72:])
	r.Stat.Mtime = int64(le.Uint64(buf[80:]))
	r.Stat.Ctime = int64(le.Uint64(buf[88:]))
	r.StatFS.TotalBlocks = le.Uint64(buf[96:])
	r.StatFS.FreeBlocks = le.Uint64(buf[104:])
	r.StatFS.TotalInodes = le.Uint64(buf[112:])
	r.StatFS.FreeInodes = le.Uint64(buf[120:])
	return nil
}

// Dirent is one readdir result row, packed into the response iobuf.
type Dirent struct {
	Ino  uint64
	Kind InodeKind
	Name string
}

const direntFixed = 8 + 1 + 1 // ino, kind, namelen

// MarshalDirents packs dirents until buf is full, returning the bytes used
// and the number packed.
func MarshalDirents(buf []byte, ents []Dirent) (n int, packed int) {
	for _, e := range ents {
		need := direntFixed + len(e.Name)
		if n+need > len(buf) {
			break
		}
		binary.LittleEndian.PutUint64(buf[n:], e.Ino)
		buf[n+8] = byte(e.Kind)
		buf[n+9] = byte(len(e.Name))
		copy(buf[n+direntFixed:], e.Name)
		n += need
		packed++
	}
	return n, packed
}

func UnmarshalDirents(buf []byte) ([]Dirent, error) {
	var ents []Dirent
	for off := 0; off < len(buf); {
		if off+direntFixed > len(buf) {
			return nil, ErrShortBuffer
		}
		nameLen := int(buf[off+9])
		if off+direntFixed+nameLen > len(buf) {
			return nil, ErrShortBuffer
		}
		ents = append(ents, Dirent{
			Ino:  binary.LittleEndian.Uint64(buf[off:]),
			Kind: InodeKind(buf[off+8]),
			Name: string(buf[off+direntFixed : off+direntFixed+nameLen]),
		})
		off += direntFixed + nameLen
	}
	return ents, nil
}

const fmapEntrySize = 24

func MarshalFMapEntries(buf []byte, ents []FMapEntry) int {
	n := 0
	for _, e := range ents {
		if n+fmapEntrySize > len(buf) {
			break
		}
		le := binary.LittleEndian
		le.PutUint64(buf[n:], uint64(e.LogicalOffset))
		le.PutUint64(buf[n+8:], uint64(e.PhysicalOffset))
		le.PutUint64(buf[n+16:], uint64(e.Length))
		n += fmapEntrySize
	}
	return n
}

func UnmarshalFMapEntries(buf []byte) []FMapEntry {
	ents := make([]FMapEntry, 0, len(buf)/fmapEntrySize)
	for off := 0; off+fmapEntrySize <= len(buf); off += fmapEntrySize {
		le := binary.LittleEndian
		ents = append(ents, FMapEntry{
			LogicalOffset:  int64(le.Uint64(buf[off:])),
			PhysicalOffset: int64(le.Uint64(buf[off+8:])),
			Length:         int64(le.Uint64(buf[off+16:])),
		})
	}
	return ents
}
