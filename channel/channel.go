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
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"golang.org/x/sys/unix"

	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/metrics"
	"github.com/cubefs/pbfs/proto"
)

// Slot ownership states. A request travels
// FREE -> L_OWN (library fills it) -> D_OWN (daemon serves it) -> L_OWN
// (library reads the response) -> FREE.
const (
	SlotFree uint32 = iota
	SlotLOwn
	SlotDOwn
)

const (
	shmMagic   uint32 = 0x5042534d // "PBSM"
	shmVersion uint32 = 1

	headerLen  = 4096
	slotHdrLen = 4096

	slotStateOff = 0
	slotOwnerOff = 4
	slotClaimOff = 8
	slotReqOff   = 64
	slotRespOff  = 512

	// DefaultIOBufSize is the per-slot data payload capacity.
	DefaultIOBufSize = 256 << 10
	// MaxIOSize caps a single request's payload.
	MaxIOSize = 4 << 20

	// DefaultPollSleep is the library-side response poll interval.
	DefaultPollSleep = 50 * time.Microsecond

	// DefaultRequestTimeout bounds one request round trip.
	DefaultRequestTimeout = 20 * time.Second
	// DefaultRemountTimeout is the long variant used while a remount may
	// stall the daemon.
	DefaultRemountTimeout = 2000 * time.Second
)

// Path names the shm file of one connection.
func Path(shmDir, pbd string, connID uint32) string {
	return filepath.Join(shmDir, fmt.Sprintf("pbfs-%s-%d", pbd, connID))
}

// Channel is one mmap'd iochannel slot array shared between the library
// and the daemon. Both sides open the same file; ownership of each slot
// moves through atomic state words inside the mapping.
type Channel struct {
	path      string
	f         *os.File
	data      []byte
	nslots    int
	iobufSize int
	creator   bool
}

func slotSize(iobufSize int) int { return slotHdrLen + iobufSize }

// Create builds and maps a fresh channel file; the daemon side does this.
func Create(path string, nslots, iobufSize int) (*Channel, error) {
	if nslots <= 0 || iobufSize <= 0 || iobufSize > MaxIOSize {
		return nil, apierrors.ErrInvalidArgs
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, err
	}
	size := headerLen + nslots*slotSize(iobufSize)
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, err
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	c := &Channel{path: path, f: f, data: data, nslots: nslots, iobufSize: iobufSize, creator: true}
	le := leHeader(data)
	le.putU32(0, shmMagic)
	le.putU32(4, shmVersion)
	le.putU32(8, uint32(nslots))
	le.putU32(12, uint32(iobufSize))
	return c, nil
}

// Open maps an existing channel file; the library side does this.
func Open(path string) (*Channel, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	le := leHeader(data)
	if le.u32(0) != shmMagic || le.u32(4) != shmVersion {
		unix.Munmap(data)
		f.Close()
		return nil, proto.ErrInvalidRecord
	}
	c := &Channel{
		path:      path,
		f:         f,
		data:      data,
		nslots:    int(le.u32(8)),
		iobufSize: int(le.u32(12)),
	}
	return c, nil
}

// leHeader gives bounds-checked little-endian access to the header page.
type leHeader []byte

func (h leHeader) u32(off int) uint32 {
	return uint32(h[off]) | uint32(h[off+1])<<8 | uint32(h[off+2])<<16 | uint32(h[off+3])<<24
}

func (h leHeader) putU32(off int, v uint32) {
	h[off] = byte(v)
	h[off+1] = byte(v >> 8)
	h[off+2] = byte(v >> 16)
	h[off+3] = byte(v >> 24)
}

func (c *Channel) u64Addr(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&c.data[off]))
}

func (c *Channel) u32Addr(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&c.data[off]))
}

// SetMountInfo publishes the daemon's current mount epoch and id in the
// header; the library reads them back after an ESTALE.
func (c *Channel) SetMountInfo(epoch, mountID uint64) {
	atomic.StoreUint64(c.u64Addr(16), epoch)
	atomic.StoreUint64(c.u64Addr(24), mountID)
}

func (c *Channel) MountInfo() (epoch, mountID uint64) {
	return atomic.LoadUint64(c.u64Addr(16)), atomic.LoadUint64(c.u64Addr(24))
}

func (c *Channel) NSlots() int      { return c.nslots }
func (c *Channel) IOBufSize() int   { return c.iobufSize }
func (c *Channel) PathName() string { return c.path }

func (c *Channel) slotOff(slot int) int {
	return headerLen + slot*slotSize(c.iobufSize)
}

func (c *Channel) stateAddr(slot int) *uint32 {
	return c.u32Addr(c.slotOff(slot) + slotStateOff)
}

func (c *Channel) ownerAddr(slot int) *uint32 {
	return c.u32Addr(c.slotOff(slot) + slotOwnerOff)
}

func (c *Channel) claimAddr(slot int) *uint64 {
	return c.u64Addr(c.slotOff(slot) + slotClaimOff)
}

// State reads a slot's ownership word.
func (c *Channel) State(slot int) uint32 {
	return atomic.LoadUint32(c.stateAddr(slot))
}

// Owner reads the pid that claimed the slot.
func (c *Channel) Owner(slot int) uint32 {
	return atomic.LoadUint32(c.ownerAddr(slot))
}

// ReqBuf exposes the request header area of a slot.
func (c *Channel) ReqBuf(slot int) []byte {
	off := c.slotOff(slot) + slotReqOff
	return c.data[off : off+proto.RequestSize]
}

// RespBuf exposes the response header area of a slot.
func (c *Channel) RespBuf(slot int) []byte {
	off := c.slotOff(slot) + slotRespOff
	return c.data[off : off+proto.ResponseSize]
}

// IOBuf exposes the data payload area of a slot.
func (c *Channel) IOBuf(slot int) []byte {
	off := c.slotOff(slot) + slotHdrLen
	return c.data[off : off+c.iobufSize]
}

// AllocSlot claims a free slot for pid.
func (c *Channel) AllocSlot(pid uint32) (int, bool) {
	for slot := 0; slot < c.nslots; slot++ {
		if atomic.CompareAndSwapUint32(c.stateAddr(slot), SlotFree, SlotLOwn) {
			atomic.StoreUint32(c.ownerAddr(slot), pid)
			atomic.StoreUint64(c.claimAddr(slot), uint64(time.Now().UnixNano()))
			return slot, true
		}
	}
	return 0, false
}

// Post hands a filled slot to the daemon.
func (c *Channel) Post(slot int) {
	atomic.StoreUint32(c.stateAddr(slot), SlotDOwn)
}

// WaitResponse polls until the daemon hands the slot back. On timeout the
// slot is abandoned: the owner word drops to zero so the worker (or the
// zombie sweep) recycles it once the response lands.
func (c *Channel) WaitResponse(ctx context.Context, slot int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if c.State(slot) == SlotLOwn {
			return nil
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			atomic.StoreUint32(c.ownerAddr(slot), 0)
			return apierrors.ErrTimeout
		}
		time.Sleep(DefaultPollSleep)
	}
}

// FreeSlot returns a slot to the pool.
func (c *Channel) FreeSlot(slot int) {
	atomic.StoreUint32(c.ownerAddr(slot), 0)
	atomic.StoreUint32(c.stateAddr(slot), SlotFree)
}

// CompleteRequest is the daemon's hand-back: an abandoned slot (owner 0)
// goes straight back to the free pool.
func (c *Channel) CompleteRequest(slot int) {
	if atomic.LoadUint32(c.ownerAddr(slot)) == 0 {
		atomic.StoreUint32(c.stateAddr(slot), SlotFree)
		return
	}
	atomic.StoreUint32(c.stateAddr(slot), SlotLOwn)
}

// TakeOwned visits every slot in D_OWN, including ones a worker already
// serves; claimed tracking is the daemon's business, the channel only
// reports state.
func (c *Channel) TakeOwned(visit func(slot int)) {
	for slot := 0; slot < c.nslots; slot++ {
		if c.State(slot) == SlotDOwn {
			visit(slot)
		}
	}
}

// ReclaimZombies frees slots whose owner died holding them. busy filters
// slots a worker is still serving.
func (c *Channel) ReclaimZombies(grace time.Duration, alive func(pid uint32) bool, busy func(slot int) bool) int {
	now := time.Now().UnixNano()
	n := 0
	for slot := 0; slot < c.nslots; slot++ {
		st := c.State(slot)
		if st == SlotFree {
			continue
		}
		pid := c.Owner(slot)
		if pid == 0 && st == SlotDOwn {
			continue // abandoned, worker will recycle
		}
		if pid != 0 && alive(pid) {
			continue
		}
		claimed := int64(atomic.LoadUint64(c.claimAddr(slot)))
		if now-claimed < grace.Nanoseconds() {
			continue
		}
		if busy != nil && busy(slot) {
			continue
		}
		c.FreeSlot(slot)
		metrics.ZombieReclaimTotal.Inc()
		n++
	}
	if n > 0 {
		log.Warnf("channel %s reclaimed %d zombie slots", c.path, n)
	}
	return n
}

// Abort releases every slot owned by pid.
func (c *Channel) Abort(pid uint32, busy func(slot int) bool) int {
	n := 0
	for slot := 0; slot < c.nslots; slot++ {
		if c.State(slot) == SlotFree || c.Owner(slot) != pid {
			continue
		}
		if busy != nil && busy(slot) {
			continue
		}
		c.FreeSlot(slot)
		n++
	}
	return n
}

// Close unmaps the channel; the creator also removes the file.
func (c *Channel) Close() error {
	if c.data != nil {
		unix.Munmap(c.data)
		c.data = nil
	}
	err := c.f.Close()
	if c.creator {
		os.Remove(c.path)
	}
	return err
}
