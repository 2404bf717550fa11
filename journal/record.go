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

package journal

import (
	"encoding/binary"

	"github.com/cubefs/pbfs/proto"
)

const (
	recordMagic uint32 = 0x50424a4c // "PBJL"
	headerMagic uint32 = 0x50424a48 // "PBJH"

	// RecordAlign: every transaction record starts on a 4-KiB boundary.
	RecordAlign = 4096

	recordHeaderLen  = 32 // magic, crc_header, txid, host_id, epoch, n_entries
	recordTrailerLen = 4
	entryFixedLen    = 20 // kind, meta_kind, reserved, slot, birth_time, len
	entryCrcLen      = 4

	maxEntriesPerRecord = 4096
)

// EntryKind is the redo operation of one journal entry.
type EntryKind uint8

const (
	EntryAlloc EntryKind = iota + 1
	EntryFree
	EntryUpdate
	// EntryGrow extends the allocator tables to Slot chunks; it carries no
	// record image.
	EntryGrow
)

func (k EntryKind) String() string {
	switch k {
	case EntryAlloc:
		return "alloc"
	case EntryFree:
		return "free"
	case EntryUpdate:
		return "update"
	case EntryGrow:
		return "grow"
	default:
		return "unknown"
	}
}

// Entry is one redo step: an absolute record image (or a free marker) for
// one allocator slot.
type Entry struct {
	Kind      EntryKind
	MetaKind  proto.MetaKind
	Slot      uint32
	BirthTime uint64
	Data      []byte
}

func (e *Entry) wireLen() int {
	return entryFixedLen + len(e.Data) + entryCrcLen
}

func (e *Entry) marshal(buf []byte) int {
	le := binary.LittleEndian
	buf[0] = byte(e.Kind)
	buf[1] = byte(e.MetaKind)
	le.PutUint16(buf[2:], 0)
	le.PutUint32(buf[4:], e.Slot)
	le.PutUint64(buf[8:], e.BirthTime)
	le.PutUint32(buf[16:], uint32(len(e.Data)))
	copy(buf[entryFixedLen:], e.Data)
	n := entryFixedLen + len(e.Data)
	le.PutUint32(buf[n:], proto.Crc32c(buf[:n]))
	return n + entryCrcLen
}

func (e *Entry) unmarshal(buf []byte) (int, error) {
	if len(buf) < entryFixedLen {
		return 0, proto.ErrShortBuffer
	}
	le := binary.LittleEndian
	dataLen := int(le.Uint32(buf[16:]))
	total := entryFixedLen + dataLen + entryCrcLen
	if dataLen > len(buf) || total > len(buf) {
		return 0, proto.ErrShortBuffer
	}
	if le.Uint32(buf[entryFixedLen+dataLen:]) != proto.Crc32c(buf[:entryFixedLen+dataLen]) {
		return 0, proto.ErrBadCrc
	}
	e.Kind = EntryKind(buf[0])
	e.MetaKind = proto.MetaKind(buf[1])
	e.Slot = le.Uint32(buf[4:])
	e.BirthTime = le.Uint64(buf[8:])
	e.Data = append([]byte(nil), buf[entryFixedLen:entryFixedLen+dataLen]...)
	return total, nil
}

// Record is one committed transaction in the journal.
type Record struct {
	Txid    uint64
	HostID  uint32
	Epoch   uint32
	Entries []Entry
}

// WireLen is the 4-KiB-aligned on-disk length of the record.
func (r *Record) WireLen() int {
	n := recordHeaderLen
	for i := range r.Entries {
		n += r.Entries[i].wireLen()
	}
	n += recordTrailerLen
	return (n + RecordAlign - 1) / RecordAlign * RecordAlign
}

// Marshal lays the record out into a fresh aligned buffer.
func (r *Record) Marshal() []byte {
	buf := make([]byte, r.WireLen())
	le := binary.LittleEndian
	le.PutUint32(buf[0:], recordMagic)
	le.PutUint64(buf[8:], r.Txid)
	le.PutUint32(buf[16:], r.HostID)
	le.PutUint32(buf[20:], r.Epoch)
	le.PutUint32(buf[24:], uint32(len(r.Entries)))
	le.PutUint32(buf[4:], proto.Crc32c(buf[8:recordHeaderLen]))
	n := recordHeaderLen
	for i := range r.Entries {
		n += r.Entries[i].marshal(buf[n:])
	}
	le.PutUint32(buf[n:], proto.Crc32c(buf[:n]))
	return buf
}

// Unmarshal parses one record from buf, returning its aligned wire length.
// A magic mismatch returns errNoRecord; CRC damage anywhere returns
// proto.ErrBadCrc so the scanner stops at the torn tail.
func (r *Record) Unmarshal(buf []byte) (int, error) {
	if len(buf) < recordHeaderLen {
		return 0, proto.ErrShortBuffer
	}
	le := binary.LittleEndian
	if le.Uint32(buf[0:]) != recordMagic {
		return 0, errNoRecord
	}
	if le.Uint32(buf[4:]) != proto.Crc32c(buf[8:recordHeaderLen]) {
		return 0, proto.ErrBadCrc
	}
	r.Txid = le.Uint64(buf[8:])
	r.HostID = le.Uint32(buf[16:])
	r.Epoch = le.Uint32(buf[20:])
	nEntries := int(le.Uint32(buf[24:]))
	if nEntries > maxEntriesPerRecord {
		return 0, proto.ErrInvalidRecord
	}
	r.Entries = make([]Entry, 0, nEntries)
	n := recordHeaderLen
	for i := 0; i < nEntries; i++ {
		var e Entry
		used, err := e.unmarshal(buf[n:])
		if err != nil {
			return 0, err
		}
		r.Entries = append(r.Entries, e)
		n += used
	}
	if n+recordTrailerLen > len(buf) {
		return 0, proto.ErrShortBuffer
	}
	if le.Uint32(buf[n:]) != proto.Crc32c(buf[:n]) {
		return 0, proto.ErrBadCrc
	}
	n += recordTrailerLen
	return (n + RecordAlign - 1) / RecordAlign * RecordAlign, nil
}

// journalHeader is the checkpoint page at the head of the journal extent.
type journalHeader struct {
	HeadOff  uint64 // byte offset of the first record, relative to the record area
	HeadTxid uint64
}

func (h *journalHeader) marshal(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], headerMagic)
	le.PutUint64(buf[8:], h.HeadOff)
	le.PutUint64(buf[16:], h.HeadTxid)
	le.PutUint32(buf[4:], proto.Crc32c(buf[8:24]))
}

func (h *journalHeader) unmarshal(buf []byte) error {
	le := binary.LittleEndian
	if le.Uint32(buf[0:]) != headerMagic {
		return proto.ErrInvalidRecord
	}
	if le.Uint32(buf[4:]) != proto.Crc32c(buf[8:24]) {
		return proto.ErrBadCrc
	}
	h.HeadOff = le.Uint64(buf[8:])
	h.HeadTxid = le.Uint64(buf[16:])
	return nil
}
