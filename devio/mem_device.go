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
	"sync"

	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/util"
)

// MemDevice is a volatile Device for tests and tooling dry runs. All
// submissions complete synchronously; WaitIO reports the first queued
// error.
type MemDevice struct {
	mu     sync.Mutex
	data   []byte
	sector uint32
	caps   Capabilities
	ioErr  error

	// FailWrites makes every write fail with EIO, for error-path tests.
	FailWrites bool
}

func NewMemDevice(size int64, sectorSize uint32) *MemDevice {
	if sectorSize == 0 {
		sectorSize = 512
	}
	return &MemDevice{
		data:   make([]byte, size),
		sector: sectorSize,
		caps:   Capabilities{ZeroFill: true},
	}
}

func (d *MemDevice) check(n, off int64) error {
	if off < 0 || n < 0 || off+n > int64(len(d.data)) {
		return apierrors.ErrInvalidArgs
	}
	if !util.IsAligned(uint64(off), uint64(d.sector)) ||
		!util.IsAligned(uint64(n), uint64(d.sector)) {
		return apierrors.ErrInvalidArgs
	}
	return nil
}

func (d *MemDevice) Pread(ctx context.Context, buf []byte, off int64, flags IOFlags) error {
	if err := d.check(int64(len(buf)), off); err != nil {
		return err
	}
	d.mu.Lock()
	copy(buf, d.data[off:])
	d.mu.Unlock()
	return nil
}

func (d *MemDevice) Pwrite(ctx context.Context, buf []byte, n, off int64, flags IOFlags) error {
	if flags&IOZero != 0 {
		if buf != nil || !d.caps.ZeroFill {
			return apierrors.ErrInvalidArgs
		}
	} else if buf == nil || int64(len(buf)) < n {
		return apierrors.ErrInvalidArgs
	}
	if err := d.check(n, off); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailWrites {
		if flags&IONoWait != 0 {
			d.ioErr = apierrors.ErrIO
			return nil
		}
		return apierrors.ErrIO
	}
	if flags&IOZero != 0 {
		for i := off; i < off+n; i++ {
			d.data[i] = 0
		}
		return nil
	}
	copy(d.data[off:off+n], buf[:n])
	return nil
}

func (d *MemDevice) Flush(ctx context.Context) error { return nil }

func (d *MemDevice) WaitIO(ctx context.Context) error {
	d.mu.Lock()
	err := d.ioErr
	d.ioErr = nil
	d.mu.Unlock()
	return err
}

func (d *MemDevice) Capabilities() Capabilities { return d.caps }

// SetZeroFill toggles the hardware zero capability for tests.
func (d *MemDevice) SetZeroFill(on bool) { d.caps.ZeroFill = on }

func (d *MemDevice) Expand(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.data)), nil
}

func (d *MemDevice) SectorSize() uint32 { return d.sector }
func (d *MemDevice) Size() int64        { return int64(len(d.data)) }
func (d *MemDevice) Close() error       { return nil }

// Bytes exposes the backing array for test assertions.
func (d *MemDevice) Bytes() []byte { return d.data }
