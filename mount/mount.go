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
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/pbfs/blkio"
	"github.com/cubefs/pbfs/devio"
	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/file"
	"github.com/cubefs/pbfs/journal"
	"github.com/cubefs/pbfs/meta"
	"github.com/cubefs/pbfs/paxos"
	"github.com/cubefs/pbfs/proto"
)

// Mount states.
type State int32

const (
	StateInit State = iota
	StatePreparing
	StateRO
	StateRW
	StateUmounting
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePreparing:
		return "preparing"
	case StateRO:
		return "ro"
	case StateRW:
		return "rw"
	case StateUmounting:
		return "umounting"
	default:
		return "unknown"
	}
}

type Config struct {
	// DevDir maps a pbd name onto its volume path <DevDir>/<pbd>.
	DevDir  string `json:"dev_dir"`
	LockDir string `json:"lock_dir"`

	PollIntervalMs int64 `json:"poll_interval_ms"`

	Paxos paxos.Config `json:"paxos"`
}

func (cfg *Config) fixup() {
	if cfg.LockDir == "" {
		cfg.LockDir = paxos.DefaultLockDir
	}
	if cfg.PollIntervalMs <= 0 {
		cfg.PollIntervalMs = journal.DefaultPollInterval.Milliseconds()
	}
}

// Environment owns the process-wide mount table. Tests build as many
// Environments as they like; one pbd mounts at most once per Environment.
type Environment struct {
	cfg Config

	mu     sync.Mutex
	mounts map[string]*Mount
	nextID uint64
}

func NewEnvironment(cfg *Config) *Environment {
	c := *cfg
	c.fixup()
	return &Environment{cfg: c, mounts: make(map[string]*Mount)}
}

// Mount is one mounted PBD: the device, the metadata engine, and the open
// file table. The rwmu is held R by I/O dispatch and W by umount/remount.
type Mount struct {
	Name   string
	ID     uint64
	HostID uint32

	state atomic.Int32
	epoch atomic.Uint64
	abort atomic.Bool

	rwmu sync.RWMutex

	dev      devio.Device
	sb       *proto.Superblock
	store    *meta.Store
	jnl      *journal.Journal
	bio      *blkio.BlockIO
	lease    *paxos.Lease
	hostLock *paxos.HostLock
	follower *journal.Follower

	Files *file.Manager

	keeperStop chan struct{}
	keeperWG   sync.WaitGroup
}

func (m *Mount) State() State                  { return State(m.state.Load()) }
func (m *Mount) Epoch() uint64                 { return m.epoch.Load() }
func (m *Mount) Writable() bool                { return m.State() == StateRW }
func (m *Mount) Aborted() bool                 { return m.abort.Load() }
func (m *Mount) Store() *meta.Store            { return m.store }
func (m *Mount) Journal() *journal.Journal     { return m.jnl }
func (m *Mount) Superblock() *proto.Superblock { return m.sb }

// RLockIO takes the per-mount lock for one dispatched operation; it fails
// once an umount is in progress.
func (m *Mount) RLockIO() error {
	m.rwmu.RLock()
	if m.State() == StateUmounting || m.abort.Load() {
		m.rwmu.RUnlock()
		return apierrors.ErrStaleMount
	}
	return nil
}

func (m *Mount) RUnlockIO() { m.rwmu.RUnlock() }

// Mount opens and joins a PBD. RW runs the fencing round and replays the
// journal as leader; RO builds a follower materialization that tracks the
// journal tail.
func (e *Environment) Mount(ctx context.Context, cluster, pbd string, hostID uint32, rw bool) (*Mount, error) {
	e.mu.Lock()
	if _, dup := e.mounts[pbd]; dup {
		e.mu.Unlock()
		return nil, apierrors.ErrBusy
	}
	e.nextID++
	id := e.nextID
	e.mu.Unlock()

	prep, err := paxos.LockPrepare(e.cfg.LockDir, pbd)
	if err != nil {
		return nil, err
	}
	defer prep.Unlock()

	hostLock, err := paxos.LockHost(e.cfg.LockDir, pbd, hostID)
	if err != nil {
		return nil, err
	}

	m := &Mount{Name: pbd, ID: id, HostID: hostID, hostLock: hostLock}
	m.state.Store(int32(StatePreparing))
	if err := e.prepare(ctx, m, rw); err != nil {
		hostLock.Unlock()
		return nil, err
	}

	e.mu.Lock()
	if _, dup := e.mounts[pbd]; dup {
		e.mu.Unlock()
		e.teardown(ctx, m)
		return nil, apierrors.ErrBusy
	}
	e.mounts[pbd] = m
	e.mu.Unlock()

	log.Infof("mounted %s host %d %s epoch %d", pbd, hostID, m.State(), m.Epoch())
	return m, nil
}

func (e *Environment) prepare(ctx context.Context, m *Mount, rw bool) error {
	dev, err := devio.Open(&devio.Config{Path: filepath.Join(e.cfg.DevDir, m.Name)})
	if err != nil {
		return errors.Info(err, "open device", m.Name)
	}
	m.dev = dev

	sb, err := readSuperblock(ctx, dev)
	if err != nil {
		dev.Close()
		return err
	}
	m.sb = sb

	if rw {
		lease, err := paxos.NewLease(dev, sb, m.HostID, e.cfg.Paxos)
		if err != nil {
			dev.Close()
			return err
		}
		epoch, err := lease.Acquire(ctx)
		if err != nil {
			dev.Close()
			return err
		}
		m.lease = lease
		m.epoch.Store(epoch)
	}

	jnl, err := journal.Open(ctx, dev, sb)
	if err != nil {
		m.releaseLease(ctx)
		dev.Close()
		return err
	}
	m.jnl = jnl

	store := meta.NewStore(dev, sb)
	if err := store.Load(ctx); err != nil {
		m.releaseLease(ctx)
		dev.Close()
		return err
	}
	if _, err := jnl.Recover(ctx, store.ApplyRecord); err != nil {
		m.releaseLease(ctx)
		dev.Close()
		return err
	}
	m.store = store

	m.bio = blkio.New(dev, uint64(sb.FragSize), sb.BlockSize)
	m.Files = file.NewManager(store, jnl, m.bio, dev, rw)

	if rw {
		jnl.SetIdentity(m.HostID, uint32(m.Epoch()))
		jnl.SetVerifyReadback(true)
		m.state.Store(int32(StateRW))
		m.startLeaseKeeper()
	} else {
		interval := time.Duration(e.cfg.PollIntervalMs) * time.Millisecond
		fol := journal.NewFollower(jnl, interval, store.ApplyRecord, func(ctx context.Context) error {
			return store.Reload(ctx)
		})
		pos, last := jnl.Position()
		fol.Seed(pos, last)
		fol.Start()
		m.follower = fol
		m.state.Store(int32(StateRO))
	}
	return nil
}

func readSuperblock(ctx context.Context, dev devio.Device) (*proto.Superblock, error) {
	buf := make([]byte, proto.SuperblockSize)
	if err := dev.Pread(ctx, buf, 0, 0); err != nil {
		return nil, err
	}
	sb := &proto.Superblock{}
	if err := sb.Unmarshal(buf); err != nil {
		return nil, errors.Info(err, "superblock")
	}
	if sb.Magic != proto.SuperblockMagic {
		return nil, apierrors.ErrInvalidArgs
	}
	if sb.Version != proto.Version {
		return nil, apierrors.ErrNotSupported
	}
	return sb, nil
}

func (m *Mount) releaseLease(ctx context.Context) {
	if m.lease != nil {
		if err := m.lease.Release(ctx); err != nil {
			log.Errorf("release lease %s: %v", m.Name, err)
		}
	}
}

// startLeaseKeeper refreshes the leader lease; losing it usurps the mount
// down to read-only.
func (m *Mount) startLeaseKeeper() {
	m.keeperStop = make(chan struct{})
	interval := paxos.DefaultLeaseTTL / 3
	m.keeperWG.Add(1)
	go func() {
		defer m.keeperWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.keeperStop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				err := m.lease.Refresh(ctx)
				cancel()
				if err == apierrors.ErrAccess {
					log.Errorf("mount %s lease usurped, dropping to read-only", m.Name)
					m.Files.SetWritable(false)
					m.state.Store(int32(StateRO))
					return
				}
				if err != nil {
					log.Errorf("mount %s lease refresh: %v", m.Name, err)
				}
			}
		}
	}()
}

func (m *Mount) stopLeaseKeeper() {
	if m.keeperStop != nil {
		close(m.keeperStop)
		m.keeperWG.Wait()
		m.keeperStop = nil
	}
}

// PollJournal runs one follower poll round, used by operations that must
// observe the freshest leader metadata (lseek SEEK_END on a follower).
func (m *Mount) PollJournal(ctx context.Context) error {
	if m.follower == nil {
		return nil
	}
	return m.follower.Poll(ctx)
}

// Get looks a mount up by pbd name.
func (e *Environment) Get(pbd string) (*Mount, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.mounts[pbd]
	if !ok {
		return nil, apierrors.ErrNotFound
	}
	return m, nil
}

// Umount tears the mount down. force aborts in-flight requests instead of
// draining them.
func (e *Environment) Umount(ctx context.Context, pbd string, force bool) error {
	e.mu.Lock()
	m, ok := e.mounts[pbd]
	if ok {
		delete(e.mounts, pbd)
	}
	e.mu.Unlock()
	if !ok {
		return apierrors.ErrNotFound
	}

	if force {
		m.abort.Store(true)
	}
	m.state.Store(int32(StateUmounting))

	m.rwmu.Lock()
	defer m.rwmu.Unlock()
	e.teardown(ctx, m)
	m.state.Store(int32(StateInit))
	log.Infof("umounted %s", pbd)
	return nil
}

func (e *Environment) teardown(ctx context.Context, m *Mount) {
	m.stopLeaseKeeper()
	if m.follower != nil {
		m.follower.Stop()
		m.follower = nil
	}
	if m.Files != nil {
		m.Files.InvalidateAll()
	}
	if m.dev != nil {
		if err := m.dev.Flush(ctx); err != nil {
			log.Errorf("umount flush %s: %v", m.Name, err)
		}
	}
	m.releaseLease(ctx)
	if m.dev != nil {
		m.dev.Close()
	}
	if m.hostLock != nil {
		m.hostLock.Unlock()
		m.hostLock = nil
	}
}

// Remount upgrades an RO mount to RW. The host id must match the original
// mount; the channel connection survives with its conn id.
func (e *Environment) Remount(ctx context.Context, pbd string, hostID uint32) error {
	m, err := e.Get(pbd)
	if err != nil {
		return err
	}
	if hostID != m.HostID {
		return apierrors.ErrInvalidArgs
	}

	m.rwmu.Lock()
	defer m.rwmu.Unlock()

	if m.State() != StateRO {
		return apierrors.ErrInvalidArgs
	}

	lease, err := paxos.NewLease(m.dev, m.sb, m.HostID, e.cfg.Paxos)
	if err != nil {
		return err
	}
	epoch, err := lease.Acquire(ctx)
	if err != nil {
		return err
	}

	if m.follower != nil {
		m.follower.Stop()
		m.follower = nil
	}
	// catch up with everything committed before the lease changed hands
	if _, err := m.jnl.Scan(ctx, m.store.LastTxid()+1, m.store.ApplyRecord); err != nil {
		return err
	}

	m.lease = lease
	m.epoch.Store(epoch)
	m.jnl.SetIdentity(m.HostID, uint32(epoch))
	m.jnl.SetVerifyReadback(true)
	m.Files.SetWritable(true)
	m.state.Store(int32(StateRW))
	m.startLeaseKeeper()
	log.Infof("remounted %s rw, epoch %d", pbd, epoch)
	return nil
}

// Growfs extends the filesystem over a grown volume: new chunks are
// formatted, then one transaction extends the allocator tables so
// followers pick the growth up from the journal.
func (e *Environment) Growfs(ctx context.Context, pbd string) error {
	m, err := e.Get(pbd)
	if err != nil {
		return err
	}
	if m.State() != StateRW {
		return apierrors.ErrReadOnlyFS
	}

	tool, err := paxos.LockTool(e.cfg.LockDir, pbd)
	if err != nil {
		return err
	}
	defer tool.Unlock()

	devSize, err := m.dev.Expand(ctx)
	if err != nil {
		return err
	}
	newCount := uint64(devSize-int64(m.sb.ChunkOff)) / m.sb.ChunkSize
	oldCount := uint64(m.sb.ChunkCount)
	if newCount <= oldCount {
		return apierrors.ErrInvalidArgs
	}

	// fresh chunks need headers and clean bitmaps before any allocator
	// hands their slots out
	for c := oldCount; c < newCount; c++ {
		if err := formatChunk(ctx, m.dev, m.sb, c); err != nil {
			return err
		}
	}
	if err := m.dev.Flush(ctx); err != nil {
		return err
	}

	tx := m.store.Begin(m.jnl)
	if err := tx.Grow(newCount); err != nil {
		tx.Abort()
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if err := writeSuperblock(ctx, m.dev, m.sb); err != nil {
		return err
	}
	log.Infof("growfs %s: %d -> %d chunks", pbd, oldCount, newCount)
	return nil
}
