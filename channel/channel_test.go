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

package channel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/proto"
)

func newTestChannel(t *testing.T) *Channel {
	path := filepath.Join(t.TempDir(), "pbfs-pbd1-0")
	ch, err := Create(path, 4, 8192)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestChannelCreateOpen(t *testing.T) {
	ch := newTestChannel(t)
	ch.SetMountInfo(7, 3)

	peer, err := Open(ch.PathName())
	require.NoError(t, err)
	defer peer.Close()

	require.Equal(t, 4, peer.NSlots())
	require.Equal(t, 8192, peer.IOBufSize())
	epoch, id := peer.MountInfo()
	require.Equal(t, uint64(7), epoch)
	require.Equal(t, uint64(3), id)
}

func TestSlotLifecycle(t *testing.T) {
	ch := newTestChannel(t)

	slot, ok := ch.AllocSlot(1234)
	require.True(t, ok)
	require.Equal(t, SlotLOwn, ch.State(slot))
	require.Equal(t, uint32(1234), ch.Owner(slot))

	req := proto.Request{Magic: proto.RequestMagic, Op: proto.OpStat, ReqID: 9}
	req.Marshal(ch.ReqBuf(slot))
	copy(ch.IOBuf(slot), "/x")
	ch.Post(slot)
	require.Equal(t, SlotDOwn, ch.State(slot))

	// daemon side sees exactly this slot
	var seen []int
	ch.TakeOwned(func(s int) { seen = append(seen, s) })
	require.Equal(t, []int{slot}, seen)

	var got proto.Request
	require.NoError(t, got.Unmarshal(ch.ReqBuf(slot)))
	require.Equal(t, proto.OpStat, got.Op)

	resp := proto.Response{ReqID: 9, Ret: 42}
	resp.Marshal(ch.RespBuf(slot))
	ch.CompleteRequest(slot)
	require.Equal(t, SlotLOwn, ch.State(slot))

	require.NoError(t, ch.WaitResponse(context.Background(), slot, time.Second))
	var rgot proto.Response
	require.NoError(t, rgot.Unmarshal(ch.RespBuf(slot)))
	require.Equal(t, int64(42), rgot.Ret)

	ch.FreeSlot(slot)
	require.Equal(t, SlotFree, ch.State(slot))
	require.Zero(t, ch.Owner(slot))
}

func TestSlotExhaustion(t *testing.T) {
	ch := newTestChannel(t)
	for i := 0; i < ch.NSlots(); i++ {
		_, ok := ch.AllocSlot(1)
		require.True(t, ok)
	}
	_, ok := ch.AllocSlot(1)
	require.False(t, ok)
}

func TestWaitResponseTimeout(t *testing.T) {
	ch := newTestChannel(t)
	slot, ok := ch.AllocSlot(1)
	require.True(t, ok)
	ch.Post(slot)

	err := ch.WaitResponse(context.Background(), slot, 10*time.Millisecond)
	require.Equal(t, apierrors.ErrTimeout, err)

	// the abandoned slot recycles when the daemon completes it
	ch.CompleteRequest(slot)
	require.Equal(t, SlotFree, ch.State(slot))
}

func TestZombieReclaim(t *testing.T) {
	ch := newTestChannel(t)

	slot, ok := ch.AllocSlot(424242)
	require.True(t, ok)
	ch.Post(slot)

	dead := func(pid uint32) bool { return false }

	// inside the grace period nothing happens
	require.Zero(t, ch.ReclaimZombies(time.Hour, dead, nil))
	require.Equal(t, SlotDOwn, ch.State(slot))

	// past the grace period the dead owner's slot is reclaimed
	require.Equal(t, 1, ch.ReclaimZombies(0, dead, nil))
	require.Equal(t, SlotFree, ch.State(slot))

	// a busy slot is left for the worker
	slot2, _ := ch.AllocSlot(424242)
	ch.Post(slot2)
	require.Zero(t, ch.ReclaimZombies(0, dead, func(int) bool { return true }))
}

func TestAbortByPid(t *testing.T) {
	ch := newTestChannel(t)

	s1, _ := ch.AllocSlot(100)
	s2, _ := ch.AllocSlot(100)
	s3, _ := ch.AllocSlot(200)

	require.Equal(t, 2, ch.Abort(100, nil))
	require.Equal(t, SlotFree, ch.State(s1))
	require.Equal(t, SlotFree, ch.State(s2))
	require.Equal(t, SlotLOwn, ch.State(s3))
}
