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

package blkio

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/util/bytespool"

	"github.com/cubefs/pbfs/devio"
	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/metrics"
)

// BlockIO turns arbitrary-offset block reads and writes into sector-aligned
// device submissions. Unaligned edges go through a read-modify-write on a
// pooled bounce buffer; interior spans are issued directly, NOWAIT when the
// request covers at least two fragments.
type BlockIO struct {
	dev        devio.Device
	sectorSize int64
	fragSize   int64
	blockSize  int64
}

func New(dev devio.Device, fragSize, blockSize uint64) *BlockIO {
	return &BlockIO{
		dev:        dev,
		sectorSize: int64(dev.SectorSize()),
		fragSize:   int64(fragSize),
		blockSize:  int64(blockSize),
	}
}

// align computes the aligned window for one segment starting at bda with
// left bytes remaining. ioLen is the sector-aligned device I/O length,
// opLen the bytes of the caller's request consumed by this segment.
func (b *BlockIO) align(bda, left int64) (albda, ioLen, opLen int64) {
	sectOff := bda & (b.sectorSize - 1)
	fragOff := bda & (b.fragSize - 1)
	if sectOff != 0 {
		albda = bda - sectOff
		opLen = min64(b.sectorSize-sectOff, left)
		ioLen = b.sectorSize
	} else {
		albda = bda
		opLen = min64(b.fragSize-fragOff, left)
		ioLen = roundUp64(opLen, b.sectorSize)
	}
	return albda, ioLen, opLen
}

// Read reads len(buf) bytes from the block starting at device address
// blockAddr, at byte offset off within the block.
func (b *BlockIO) Read(ctx context.Context, buf []byte, blockAddr, off int64) error {
	if off < 0 || off+int64(len(buf)) > b.blockSize {
		return apierrors.ErrInvalidArgs
	}
	return b.execute(ctx, buf, blockAddr, off, int64(len(buf)), false, false)
}

// Write writes n bytes to the block starting at device address blockAddr,
// at byte offset off within the block. A nil buf writes zeros: device-side
// when the hardware advertises zero-fill, from a pooled zero page otherwise.
func (b *BlockIO) Write(ctx context.Context, buf []byte, n, blockAddr, off int64) error {
	if off < 0 || off+n > b.blockSize {
		return apierrors.ErrInvalidArgs
	}
	if buf != nil && int64(len(buf)) < n {
		return apierrors.ErrInvalidArgs
	}
	zero := buf == nil
	return b.execute(ctx, buf, blockAddr, off, n, true, zero)
}

func (b *BlockIO) execute(ctx context.Context, data []byte, blockAddr, off, length int64, write, zero bool) error {
	var flags devio.IOFlags
	nowait := length >= 2*b.fragSize && !zero
	if nowait {
		flags |= devio.IONoWait
	}

	// zero writes stay synchronous so a revoked zero-fill capability
	// surfaces inline and falls back to the zero page
	hwZero := false
	if zero {
		hwZero = b.dev.Capabilities().ZeroFill
	}
	var zbuf []byte
	if zero && !hwZero {
		zbuf = zeroPage(int(b.fragSize))
		defer bytespool.Free(zbuf)
	}

	var albuf []byte
	defer func() {
		if albuf != nil {
			bytespool.Free(albuf)
		}
	}()

	var err error
	left := length
	cursor := int64(0)
	for left > 0 {
		bda := blockAddr + off
		albda, ioLen, opLen := b.align(bda, left)

		if ioLen != opLen && albuf == nil {
			albuf = bytespool.Alloc(int(b.fragSize))
		}

		var seg []byte
		switch {
		case !zero:
			seg = data[cursor : cursor+opLen]
		case zbuf != nil:
			seg = zbuf[:opLen]
		}

		if write {
			err = b.writeSegment(ctx, albda, ioLen, albuf, bda, opLen, seg, flags, zero && hwZero)
			if err == apierrors.ErrNotSupported && zero && hwZero {
				// zero-fill capability revoked mid-run, fall back to
				// a zero page for this and the remaining segments
				hwZero = false
				zbuf = zeroPage(int(b.fragSize))
				defer bytespool.Free(zbuf)
				continue
			}
		} else {
			err = b.readSegment(ctx, albda, ioLen, albuf, bda, opLen, seg, flags)
		}
		if err != nil {
			break
		}

		cursor += opLen
		off += opLen
		left -= opLen
	}

	// the bounce buffer is never used by NOWAIT submissions, freeing it
	// before WaitIO is safe (deferred above)
	if nowait {
		if err1 := b.dev.WaitIO(ctx); err == nil {
			err = err1
		}
	}
	return err
}

// readSegment fills seg from the device. When the io window is wider than
// the operation, the whole window lands in the bounce buffer first.
func (b *BlockIO) readSegment(ctx context.Context, albda, ioLen int64, albuf []byte, bda, opLen int64, seg []byte, flags devio.IOFlags) error {
	if ioLen != opLen {
		metrics.UnalignedRead4K.Inc()
		if err := b.dev.Pread(ctx, albuf[:ioLen], albda, devio.IODMABuf); err != nil {
			return err
		}
		copy(seg, albuf[bda-albda:bda-albda+opLen])
		return nil
	}
	return b.dev.Pread(ctx, seg[:opLen], bda, flags)
}

// writeSegment stores seg to the device, read-modify-writing the enclosing
// window for unaligned edges so untouched bytes survive.
func (b *BlockIO) writeSegment(ctx context.Context, albda, ioLen int64, albuf []byte, bda, opLen int64, seg []byte, flags devio.IOFlags, hwZero bool) error {
	if ioLen != opLen {
		metrics.UnalignedWrite4K.Inc()
		if err := b.dev.Pread(ctx, albuf[:ioLen], albda, devio.IODMABuf); err != nil {
			return err
		}
		window := albuf[bda-albda : bda-albda+opLen]
		if hwZero {
			for i := range window {
				window[i] = 0
			}
		} else {
			copy(window, seg)
		}
		return b.dev.Pwrite(ctx, albuf[:ioLen], ioLen, albda, devio.IODMABuf)
	}
	if hwZero {
		return b.dev.Pwrite(ctx, nil, opLen, bda, flags|devio.IOZero)
	}
	return b.dev.Pwrite(ctx, seg, opLen, bda, flags)
}

func zeroPage(n int) []byte {
	buf := bytespool.Alloc(n)
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func roundUp64(n, align int64) int64 {
	return (n + align - 1) / align * align
}
