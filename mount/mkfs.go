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

package mount

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/pbfs/devio"
	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/journal"
	"github.com/cubefs/pbfs/paxos"
	"github.com/cubefs/pbfs/proto"
	"github.com/cubefs/pbfs/util"
)

// MkfsConfig drives tool-mode formatting. The size-valued strings accept
// human-readable figures ("4MB", "10GB").
type MkfsConfig struct {
	DevDir  string `json:"dev_dir"`
	LockDir string `json:"lock_dir"`
	PBD     string `json:"pbd"`

	SectorSize uint32 `json:"sector_size"`
	FragSize   uint32 `json:"frag_size"`
	BlockSize  string `json:"block_size"`
	ChunkSize  string `json:"chunk_size"`
	JournalLen string `json:"journal_len"`
	MaxHosts   uint32 `json:"max_hosts"`
}

const defaultJournalLen = 64 << 20

func parseSize(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return 0, apierrors.ErrInvalidArgs
	}
	return v.Bytes(), nil
}

// Mkfs formats the volume under the whole-file tool lock (hostid 0).
func Mkfs(ctx context.Context, cfg *MkfsConfig) error {
	if cfg.SectorSize == 0 {
		cfg.SectorSize = proto.DefaultSectorSize
	}
	if cfg.FragSize == 0 {
		cfg.FragSize = proto.DefaultFragSize
	}
	if cfg.MaxHosts == 0 {
		cfg.MaxHosts = proto.MaxHosts
	}
	blockSize, err := parseSize(cfg.BlockSize, proto.DefaultBlockSize)
	if err != nil {
		return err
	}
	chunkSize, err := parseSize(cfg.ChunkSize, proto.DefaultChunkSize)
	if err != nil {
		return err
	}
	journalLen, err := parseSize(cfg.JournalLen, defaultJournalLen)
	if err != nil {
		return err
	}
	if !util.IsAligned(blockSize, uint64(cfg.FragSize)) ||
		!util.IsAligned(uint64(cfg.FragSize), uint64(cfg.SectorSize)) ||
		!util.IsAligned(journalLen, journal.RecordAlign) {
		return apierrors.ErrInvalidArgs
	}

	lockDir := cfg.LockDir
	if lockDir == "" {
		lockDir = paxos.DefaultLockDir
	}
	lock, err := paxos.LockHost(lockDir, cfg.PBD, 0)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	dev, err := devio.Open(&devio.Config{
		Path:       filepath.Join(cfg.DevDir, cfg.PBD),
		SectorSize: cfg.SectorSize,
	})
	if err != nil {
		return err
	}
	defer dev.Close()

	leaseOff := uint64(proto.SuperblockSize)
	leaseLen := paxos.LeaseRegionLen(cfg.SectorSize, cfg.MaxHosts)
	journalOff := util.RoundUp(leaseOff+leaseLen, journal.RecordAlign)
	chunkOff := util.RoundUp(journalOff+journalLen, blockSize)

	devSize := uint64(dev.Size())
	if devSize < chunkOff+chunkSize {
		return apierrors.ErrNoSpace
	}
	chunkCount := (devSize - chunkOff) / chunkSize

	sb := &proto.Superblock{
		Magic:      proto.SuperblockMagic,
		Version:    proto.Version,
		SectorSize: cfg.SectorSize,
		FragSize:   cfg.FragSize,
		BlockSize:  blockSize,
		ChunkSize:  chunkSize,
		ChunkCount: uint32(chunkCount),
		MaxHosts:   cfg.MaxHosts,
		LeaseOff:   leaseOff,
		JournalOff: journalOff,
		JournalLen: journalLen,
		ChunkOff:   chunkOff,
		FormatTime: time.Now().UnixNano(),
	}

	// lease slots start empty
	zero := make([]byte, util.RoundUp(leaseLen, uint64(cfg.SectorSize)))
	if err := dev.Pwrite(ctx, zero, int64(len(zero)), int64(leaseOff), 0); err != nil {
		return err
	}

	if err := journal.Format(ctx, dev, sb); err != nil {
		return err
	}

	for c := uint64(0); c < chunkCount; c++ {
		if err := formatChunk(ctx, dev, sb, c); err != nil {
			return err
		}
	}

	if err := writeRootInode(ctx, dev, sb); err != nil {
		return err
	}
	if err := writeSuperblock(ctx, dev, sb); err != nil {
		return err
	}
	if err := dev.Flush(ctx); err != nil {
		return err
	}
	log.Infof("mkfs %s: %d chunks of %s, block %s, journal %s",
		cfg.PBD, chunkCount, datasize.ByteSize(chunkSize).HR(),
		datasize.ByteSize(blockSize).HR(), datasize.ByteSize(journalLen).HR())
	return nil
}

func writeSuperblock(ctx context.Context, dev devio.Device, sb *proto.Superblock) error {
	buf := sb.Marshal()
	if err := dev.Pwrite(ctx, buf, int64(len(buf)), 0, 0); err != nil {
		return err
	}
	return dev.Flush(ctx)
}

// formatChunk writes the chunk header page and zeroes the three allocator
// bitmaps. Record areas stay as they are; the bitmaps are authoritative.
func formatChunk(ctx context.Context, dev devio.Device, sb *proto.Superblock, c uint64) error {
	geo := sb.ChunkGeometry()
	base := int64(sb.ChunkOff + c*sb.ChunkSize)
	frag := uint64(sb.FragSize)

	hdr := make([]byte, frag)
	binary.LittleEndian.PutUint32(hdr[0:], proto.ChunkMagic)
	binary.LittleEndian.PutUint64(hdr[8:], c)
	if err := dev.Pwrite(ctx, hdr, int64(len(hdr)), base, 0); err != nil {
		return err
	}

	for _, bm := range []struct{ off, slots uint64 }{
		{geo.InodeBitmapOff, geo.InodesPerChunk},
		{geo.TagBitmapOff, geo.TagsPerChunk},
		{geo.DentryBitmapOff, geo.DentriesPerChunk},
	} {
		n := util.RoundUp((bm.slots+7)/8, frag)
		zero := make([]byte, n)
		if err := dev.Pwrite(ctx, zero, int64(n), base+int64(bm.off), 0); err != nil {
			return err
		}
	}
	return nil
}

// writeRootInode stamps the root directory into chunk 0, slot 0.
func writeRootInode(ctx context.Context, dev devio.Device, sb *proto.Superblock) error {
	geo := sb.ChunkGeometry()
	base := int64(sb.ChunkOff)
	now := time.Now().UnixNano()

	root := proto.Inode{
		Ino:       1,
		Kind:      proto.KindDir,
		Mtime:     now,
		Ctime:     now,
		Refcount:  1,
		Flags:     proto.RecordAllocated,
		BirthTime: 1,
	}

	page := make([]byte, sb.SectorSize)
	if err := dev.Pread(ctx, page, base+int64(geo.InodeRecordOff), 0); err != nil {
		return err
	}
	copy(page, root.Marshal())
	if err := dev.Pwrite(ctx, page, int64(len(page)), base+int64(geo.InodeRecordOff), 0); err != nil {
		return err
	}

	bm := make([]byte, sb.SectorSize)
	if err := dev.Pread(ctx, bm, base+int64(geo.InodeBitmapOff), 0); err != nil {
		return err
	}
	bm[0] |= 1
	return dev.Pwrite(ctx, bm, int64(len(bm)), base+int64(geo.InodeBitmapOff), 0)
}
