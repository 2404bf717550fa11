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

package devio

import (
	"context"
	"os"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"golang.org/x/sys/unix"

	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/util"
)

const submitQueueDepth = 256

type Config struct {
	Path       string `json:"path"`
	SectorSize uint32 `json:"sector_size"`
	// DisableZeroFill turns off the fallocate zero-range fast path.
	DisableZeroFill bool `json:"disable_zero_fill"`
}

type ioRequest struct {
	write bool
	buf   []byte
	n     int64
	off   int64
	zero  bool
}

// fileDevice backs a PBD with a regular file or a raw block device node.
// NOWAIT submissions run on a single io goroutine; sync submissions go
// straight to the kernel, which keeps them ordered per channel.
type fileDevice struct {
	f          *os.File
	size       int64
	sectorSize uint32

	mu       sync.Mutex
	inflight int
	ioErr    error
	done     *sync.Cond

	submit chan ioRequest
	closed chan struct{}

	capMu sync.Mutex
	caps  Capabilities
}

// Open opens the volume at cfg.Path. The size is captured at open time
// and refreshed by Expand after the volume grows.
func Open(cfg *Config) (Device, error) {
	if cfg.SectorSize == 0 {
		cfg.SectorSize = 512
	}
	if !util.IsAligned(uint64(cfg.SectorSize), 512) {
		return nil, apierrors.ErrInvalidArgs
	}
	f, err := os.OpenFile(cfg.Path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := st.Size()
	if st.Mode()&os.ModeDevice != 0 {
		if sz, err2 := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64); err2 == nil {
			size = int64(sz)
		}
	}
	d := &fileDevice{
		f:          f,
		size:       size,
		sectorSize: cfg.SectorSize,
		submit:     make(chan ioRequest, submitQueueDepth),
		closed:     make(chan struct{}),
		caps:       Capabilities{ZeroFill: !cfg.DisableZeroFill, DMA: false},
	}
	d.done = sync.NewCond(&d.mu)
	go d.ioLoop()
	return d, nil
}

func (d *fileDevice) ioLoop() {
	for {
		select {
		case req := <-d.submit:
			err := d.execute(req)
			d.mu.Lock()
			d.inflight--
			if err != nil && d.ioErr == nil {
				d.ioErr = err
			}
			if d.inflight == 0 {
				d.done.Broadcast()
			}
			d.mu.Unlock()
		case <-d.closed:
			return
		}
	}
}

func (d *fileDevice) execute(req ioRequest) error {
	if req.write {
		return d.doWrite(req.buf, req.n, req.off, req.zero)
	}
	return d.doRead(req.buf, req.off)
}

func (d *fileDevice) checkRange(n, off int64) error {
	if off < 0 || n < 0 || off+n > d.size {
		return apierrors.ErrInvalidArgs
	}
	if !util.IsAligned(uint64(off), uint64(d.sectorSize)) ||
		!util.IsAligned(uint64(n), uint64(d.sectorSize)) {
		return apierrors.ErrInvalidArgs
	}
	return nil
}

func (d *fileDevice) doRead(buf []byte, off int64) error {
	if _, err := d.f.ReadAt(buf, off); err != nil {
		log.Errorf("pread %s off %d len %d: %v", d.f.Name(), off, len(buf), err)
		return apierrors.ErrIO
	}
	return nil
}

func (d *fileDevice) doWrite(buf []byte, n, off int64, zero bool) error {
	if zero {
		return d.zeroRange(n, off)
	}
	if _, err := d.f.WriteAt(buf[:n], off); err != nil {
		log.Errorf("pwrite %s off %d len %d: %v", d.f.Name(), off, n, err)
		return apierrors.ErrIO
	}
	return nil
}

func (d *fileDevice) zeroRange(n, off int64) error {
	err := unix.Fallocate(int(d.f.Fd()),
		unix.FALLOC_FL_ZERO_RANGE|unix.FALLOC_FL_KEEP_SIZE, off, n)
	if err == nil {
		return nil
	}
	if err == unix.EOPNOTSUPP || err == unix.ENOTSUP || err == unix.EINVAL {
		d.capMu.Lock()
		d.caps.ZeroFill = false
		d.capMu.Unlock()
		log.Warnf("device %s lost zero-fill capability: %v", d.f.Name(), err)
		return apierrors.ErrNotSupported
	}
	log.Errorf("zero range %s off %d len %d: %v", d.f.Name(), off, n, err)
	return apierrors.ErrIO
}

func (d *fileDevice) Pread(ctx context.Context, buf []byte, off int64, flags IOFlags) error {
	if err := d.checkRange(int64(len(buf)), off); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return apierrors.ErrTimeout
	}
	if flags&IONoWait != 0 {
		d.enqueue(ioRequest{buf: buf, off: off})
		return nil
	}
	return d.doRead(buf, off)
}

func (d *fileDevice) Pwrite(ctx context.Context, buf []byte, n, off int64, flags IOFlags) error {
	zero := flags&IOZero != 0
	if zero {
		if buf != nil {
			return apierrors.ErrInvalidArgs
		}
		d.capMu.Lock()
		ok := d.caps.ZeroFill
		d.capMu.Unlock()
		if !ok {
			return apierrors.ErrNotSupported
		}
	} else if buf == nil || int64(len(buf)) < n {
		return apierrors.ErrInvalidArgs
	}
	if err := d.checkRange(n, off); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return apierrors.ErrTimeout
	}
	if flags&IONoWait != 0 {
		d.enqueue(ioRequest{write: true, buf: buf, n: n, off: off, zero: zero})
		return nil
	}
	return d.doWrite(buf, n, off, zero)
}

func (d *fileDevice) enqueue(req ioRequest) {
	d.mu.Lock()
	d.inflight++
	d.mu.Unlock()
	d.submit <- req
}

func (d *fileDevice) WaitIO(ctx context.Context) error {
	d.mu.Lock()
	for d.inflight > 0 {
		if ctx.Err() != nil {
			d.mu.Unlock()
			return apierrors.ErrTimeout
		}
		d.done.Wait()
	}
	err := d.ioErr
	d.ioErr = nil
	d.mu.Unlock()
	return err
}

func (d *fileDevice) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return apierrors.ErrTimeout
	}
	if err := d.f.Sync(); err != nil {
		log.Errorf("flush %s: %v", d.f.Name(), err)
		return apierrors.ErrIO
	}
	return nil
}

func (d *fileDevice) Capabilities() Capabilities {
	d.capMu.Lock()
	defer d.capMu.Unlock()
	return d.caps
}

func (d *fileDevice) Expand(ctx context.Context) (int64, error) {
	st, err := d.f.Stat()
	if err != nil {
		return 0, apierrors.ErrIO
	}
	size := st.Size()
	if st.Mode()&os.ModeDevice != 0 {
		if sz, err2 := unix.IoctlGetInt(int(d.f.Fd()), unix.BLKGETSIZE64); err2 == nil {
			size = int64(sz)
		}
	}
	d.mu.Lock()
	if size > d.size {
		d.size = size
	}
	size = d.size
	d.mu.Unlock()
	return size, nil
}

func (d *fileDevice) SectorSize() uint32 { return d.sectorSize }

func (d *fileDevice) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

func (d *fileDevice) Close() error {
	close(d.closed)
	return d.f.Close()
}
