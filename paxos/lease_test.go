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

package paxos

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/pbfs/devio"
	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/proto"
)

func testLeaseEnv(t *testing.T) (*devio.MemDevice, *proto.Superblock) {
	sb := &proto.Superblock{
		SectorSize: 512,
		MaxHosts:   8,
		LeaseOff:   4096,
	}
	dev := devio.NewMemDevice(4096+int64(LeaseRegionLen(512, 8)), 512)
	return dev, sb
}

func newLease(t *testing.T, dev devio.Device, sb *proto.Superblock, hostID uint32, auto bool) *Lease {
	l, err := NewLease(dev, sb, hostID, Config{
		AcquireTimeout:    2 * time.Second,
		LeaseTTL:          time.Minute,
		AutoIncreaseEpoch: auto,
	})
	require.NoError(t, err)
	return l
}

func TestLeaseAcquireRelease(t *testing.T) {
	dev, sb := testLeaseEnv(t)
	ctx := context.Background()

	l := newLease(t, dev, sb, 1, false)
	epoch, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), epoch)
	require.True(t, l.Held())

	require.NoError(t, l.Refresh(ctx))
	require.NoError(t, l.Release(ctx))
	require.False(t, l.Held())

	// a fresh round outbids the released epoch
	l2 := newLease(t, dev, sb, 2, false)
	epoch2, err := l2.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), epoch2)
}

func TestLeaseConflict(t *testing.T) {
	dev, sb := testLeaseEnv(t)
	ctx := context.Background()

	l1 := newLease(t, dev, sb, 1, false)
	_, err := l1.Acquire(ctx)
	require.NoError(t, err)

	// a live foreign leader blocks the second host
	l2 := newLease(t, dev, sb, 2, false)
	_, err = l2.Acquire(ctx)
	require.Equal(t, apierrors.ErrAccess, err)
}

func TestLeaseUsurp(t *testing.T) {
	dev, sb := testLeaseEnv(t)
	ctx := context.Background()

	l1 := newLease(t, dev, sb, 1, false)
	_, err := l1.Acquire(ctx)
	require.NoError(t, err)

	// auto-increase-epoch fences the stale writer
	l2 := newLease(t, dev, sb, 2, true)
	epoch2, err := l2.Acquire(ctx)
	require.NoError(t, err)
	require.Greater(t, epoch2, l1.Epoch())

	// the usurped leader notices on refresh
	require.Equal(t, apierrors.ErrAccess, l1.Refresh(ctx))
	require.False(t, l1.Held())
}

func TestLeaseExpiry(t *testing.T) {
	dev, sb := testLeaseEnv(t)
	ctx := context.Background()

	l1, err := NewLease(dev, sb, 1, Config{
		AcquireTimeout: time.Second,
		LeaseTTL:       10 * time.Millisecond,
	})
	require.NoError(t, err)
	_, err = l1.Acquire(ctx)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// the lease expired, a second host may take over without force
	l2 := newLease(t, dev, sb, 2, false)
	epoch2, err := l2.Acquire(ctx)
	require.NoError(t, err)
	require.Greater(t, epoch2, uint64(1))
}

func TestHostLockRanges(t *testing.T) {
	dir := t.TempDir()

	l1, err := LockHost(dir, "pbd1", 1)
	require.NoError(t, err)
	defer l1.Unlock()

	// fcntl record locks never conflict within one process, so this only
	// checks that the ranges of another id, prepare and tool can be taken
	l2, err := LockHost(dir, "pbd1", 2)
	require.NoError(t, err)
	require.NoError(t, l2.Unlock())

	prep, err := LockPrepare(dir, "pbd1")
	require.NoError(t, err)
	require.NoError(t, prep.Unlock())

	tool, err := LockTool(dir, "pbd1")
	require.NoError(t, err)
	require.NoError(t, tool.Unlock())
}
