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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/pbfs/errors"
)

func newTestDevice(t *testing.T, size int64) Device {
	path := filepath.Join(t.TempDir(), "vol")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())

	dev, err := Open(&Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestFileDeviceReadWrite(t *testing.T) {
	dev := newTestDevice(t, 1<<20)
	ctx := context.Background()

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = byte(i % 256)
	}
	require.NoError(t, dev.Pwrite(ctx, buf, 4096, 8192, 0))
	require.NoError(t, dev.Flush(ctx))

	got := make([]byte, 4096)
	require.NoError(t, dev.Pread(ctx, got, 8192, 0))
	require.Equal(t, buf, got)
}

func TestFileDeviceAlignment(t *testing.T) {
	dev := newTestDevice(t, 1<<20)
	ctx := context.Background()

	buf := make([]byte, 100)
	require.Equal(t, apierrors.ErrInvalidArgs, dev.Pread(ctx, buf, 0, 0))
	require.Equal(t, apierrors.ErrInvalidArgs, dev.Pread(ctx, make([]byte, 512), 100, 0))
	require.Equal(t, apierrors.ErrInvalidArgs, dev.Pwrite(ctx, nil, 512, 0, 0))
	require.Error(t, dev.Pread(ctx, make([]byte, 512), 1<<20, 0))
}

func TestFileDeviceNoWait(t *testing.T) {
	dev := newTestDevice(t, 1<<20)
	ctx := context.Background()

	bufs := make([][]byte, 8)
	for i := range bufs {
		bufs[i] = make([]byte, 4096)
		for j := range bufs[i] {
			bufs[i][j] = byte(i)
		}
		require.NoError(t, dev.Pwrite(ctx, bufs[i], 4096, int64(i)*4096, IONoWait))
	}
	require.NoError(t, dev.WaitIO(ctx))

	for i := range bufs {
		got := make([]byte, 4096)
		require.NoError(t, dev.Pread(ctx, got, int64(i)*4096, 0))
		require.Equal(t, bufs[i], got)
	}
}

func TestFileDeviceZeroFill(t *testing.T) {
	dev := newTestDevice(t, 1<<20)
	ctx := context.Background()

	fill := make([]byte, 8192)
	for i := range fill {
		fill[i] = 0xff
	}
	require.NoError(t, dev.Pwrite(ctx, fill, 8192, 0, 0))

	err := dev.Pwrite(ctx, nil, 4096, 0, IOZero)
	if err != nil {
		// the filesystem under the temp dir may not support zero-range;
		// the device must then have dropped the capability
		require.Equal(t, apierrors.ErrNotSupported, err)
		require.False(t, dev.Capabilities().ZeroFill)
		return
	}
	got := make([]byte, 8192)
	require.NoError(t, dev.Pread(ctx, got, 0, 0))
	for i := 0; i < 4096; i++ {
		require.Zero(t, got[i])
	}
	require.Equal(t, byte(0xff), got[5000])
}
