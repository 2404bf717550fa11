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
)

// IOFlags modify a single Pread/Pwrite submission.
type IOFlags uint32

const (
	// IONoWait submits without waiting; the completion is collected by
	// WaitIO. Completions of queued submissions are unordered.
	IONoWait IOFlags = 1 << 0
	// IODMABuf marks buf as a registered DMA buffer; generic buffers are
	// bounce-copied by devices that care.
	IODMABuf IOFlags = 1 << 1
	// IOZero writes zeros device-side; buf must be nil and the device must
	// advertise the ZeroFill capability.
	IOZero IOFlags = 1 << 2
)

// Capabilities describes what the open device can do.
type Capabilities struct {
	// ZeroFill is set while the device accepts IOZero writes without a
	// caller buffer.
	ZeroFill bool
	// DMA is set when the device benefits from IODMABuf registered buffers.
	DMA bool
}

// Device is the async sector-granular block device under the filesystem.
// Offsets and lengths must be sector-aligned. Within one device, non-NOWAIT
// submissions complete in order.
type Device interface {
	// Pread reads len(buf) bytes at off.
	Pread(ctx context.Context, buf []byte, off int64, flags IOFlags) error
	// Pwrite writes n bytes at off. buf may be nil only with IOZero, in
	// which case n gives the zeroed length.
	Pwrite(ctx context.Context, buf []byte, n int64, off int64, flags IOFlags) error
	// Flush drains the device write cache.
	Flush(ctx context.Context) error
	// WaitIO collects all outstanding NOWAIT completions, returning the
	// first error among them.
	WaitIO(ctx context.Context) error
	// Expand re-queries the backing volume size after it grew, returning
	// the fresh size. Used by growfs.
	Expand(ctx context.Context) (int64, error)
	Capabilities() Capabilities
	SectorSize() uint32
	Size() int64
	Close() error
}
