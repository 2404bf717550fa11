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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/pbfs/devio"
)

const (
	testFrag  = 4096
	testBlock = 64 << 10
)

func newTestIO(t *testing.T) (*BlockIO, *devio.MemDevice) {
	dev := devio.NewMemDevice(4*testBlock, 512)
	return New(dev, testFrag, testBlock), dev
}

func TestReadWriteRoundTrip(t *testing.T) {
	bio, _ := newTestIO(t)
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(1))

	cases := []struct{ off, n int64 }{
		{0, 1},
		{0, testBlock},
		{1, 511},
		{511, 2},
		{100, 10000},
		{testFrag - 1, testFrag + 2},
		{testBlock - 7, 7},
		{512, 4096},
	}
	for _, tc := range cases {
		buf := make([]byte, tc.n)
		rnd.Read(buf)
		require.NoError(t, bio.Write(ctx, buf, tc.n, 0, tc.off), "off %d n %d", tc.off, tc.n)

		got := make([]byte, tc.n)
		require.NoError(t, bio.Read(ctx, got, 0, tc.off))
		require.Equal(t, buf, got, "off %d n %d", tc.off, tc.n)
	}
}

func TestUnalignedWritePreservesNeighbors(t *testing.T) {
	bio, dev := newTestIO(t)
	ctx := context.Background()

	base := make([]byte, 1024)
	for i := range base {
		base[i] = byte(i)
	}
	require.NoError(t, bio.Write(ctx, base, 1024, 0, 0))

	patch := []byte{0xaa, 0xbb, 0xcc}
	require.NoError(t, bio.Write(ctx, patch, 3, 0, 100))

	want := append([]byte(nil), base...)
	copy(want[100:], patch)
	require.Equal(t, want, dev.Bytes()[:1024])
}

func TestZeroWrite(t *testing.T) {
	for _, hw := range []bool{true, false} {
		bio, dev := newTestIO(t)
		dev.SetZeroFill(hw)
		ctx := context.Background()

		fill := make([]byte, 2*testFrag)
		for i := range fill {
			fill[i] = 0xff
		}
		require.NoError(t, bio.Write(ctx, fill, int64(len(fill)), 0, 0))

		// zero an unaligned interior range
		require.NoError(t, bio.Write(ctx, nil, 5000, 0, 100))
		for i := 100; i < 5100; i++ {
			require.Zero(t, dev.Bytes()[i], "hw=%v byte %d", hw, i)
		}
		require.Equal(t, byte(0xff), dev.Bytes()[99])
		require.Equal(t, byte(0xff), dev.Bytes()[5100])
	}
}

func TestLargeWriteUsesNoWait(t *testing.T) {
	bio, _ := newTestIO(t)
	ctx := context.Background()

	buf := make([]byte, 3*testFrag)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	require.NoError(t, bio.Write(ctx, buf, int64(len(buf)), 0, 0))

	got := make([]byte, len(buf))
	require.NoError(t, bio.Read(ctx, got, 0, 0))
	require.Equal(t, buf, got)
}

func TestWriteErrorSurfaces(t *testing.T) {
	bio, dev := newTestIO(t)
	dev.FailWrites = true
	ctx := context.Background()

	buf := make([]byte, 512)
	require.Error(t, bio.Write(ctx, buf, 512, 0, 0))

	// NOWAIT path reports through WaitIO
	big := make([]byte, 3*testFrag)
	require.Error(t, bio.Write(ctx, big, int64(len(big)), 0, 0))
}

func TestBoundsChecked(t *testing.T) {
	bio, _ := newTestIO(t)
	ctx := context.Background()
	buf := make([]byte, 16)
	require.Error(t, bio.Read(ctx, buf, 0, testBlock-8))
	require.Error(t, bio.Write(ctx, buf, 16, 0, testBlock-8))
	require.Error(t, bio.Read(ctx, buf, 0, -1))
}
