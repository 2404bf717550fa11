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
	"encoding/binary"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/pbfs/devio"
	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/proto"
)

const (
	leaseMagic uint32 = 0x5042584c // "PBXL"

	// DefaultAcquireTimeout bounds one RW acquisition.
	DefaultAcquireTimeout = 30 * time.Second
	// DefaultLeaseTTL is how long a leader lease stays valid without a
	// refresh; an expired lease may be usurped.
	DefaultLeaseTTL = 60 * time.Second

	acquireRetryInterval = 200 * time.Millisecond

	leaseSlotLeader uint32 = 1 << 0
)

// LeaseSlot is one host's CRC-protected lease record in the reserved
// sector array.
type LeaseSlot struct {
	HostID   uint32
	Flags    uint32
	Epoch    uint64
	Proposal uint64
	ExpireAt int64
}

const leaseSlotPayload = 4 + 4 + 8 + 8 + 8

func (s *LeaseSlot) marshal(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], leaseMagic)
	le.PutUint32(buf[8:], s.HostID)
	le.PutUint32(buf[12:], s.Flags)
	le.PutUint64(buf[16:], s.Epoch)
	le.PutUint64(buf[24:], s.Proposal)
	le.PutUint64(buf[32:], uint64(s.ExpireAt))
	le.PutUint32(buf[4:], proto.Crc32c(buf[8:8+leaseSlotPayload]))
}

func (s *LeaseSlot) unmarshal(buf []byte) bool {
	le := binary.LittleEndian
	if le.Uint32(buf[0:]) != leaseMagic {
		return false
	}
	if le.Uint32(buf[4:]) != proto.Crc32c(buf[8:8+leaseSlotPayload]) {
		return false
	}
	s.HostID = le.Uint32(buf[8:])
	s.Flags = le.Uint32(buf[12:])
	s.Epoch = le.Uint64(buf[16:])
	s.Proposal = le.Uint64(buf[24:])
	s.ExpireAt = int64(le.Uint64(buf[32:]))
	return true
}

func (s *LeaseSlot) leader() bool { return s.Flags&leaseSlotLeader != 0 }

func (s *LeaseSlot) expired(now time.Time) bool {
	return s.ExpireAt <= now.UnixNano()
}

type Config struct {
	AcquireTimeout    time.Duration `json:"-"`
	LeaseTTL          time.Duration `json:"-"`
	AutoIncreaseEpoch bool          `json:"auto_increase_epoch"`
}

// Lease runs the hostid fencing discipline over the reserved lease region
// of the device.
type Lease struct {
	dev      devio.Device
	leaseOff int64
	maxHosts uint32
	hostID   uint32
	cfg      Config

	epoch    uint64
	proposal uint64
	held     bool
}

func NewLease(dev devio.Device, sb *proto.Superblock, hostID uint32, cfg Config) (*Lease, error) {
	if hostID == 0 || hostID > sb.MaxHosts {
		return nil, apierrors.ErrInvalidArgs
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	return &Lease{
		dev:      dev,
		leaseOff: int64(sb.LeaseOff),
		maxHosts: sb.MaxHosts,
		hostID:   hostID,
		cfg:      cfg,
	}, nil
}

func (l *Lease) slotOff(hostID uint32) int64 {
	return l.leaseOff + int64(hostID-1)*int64(l.dev.SectorSize())
}

func (l *Lease) readSlot(ctx context.Context, hostID uint32) (*LeaseSlot, error) {
	buf := make([]byte, l.dev.SectorSize())
	if err := l.dev.Pread(ctx, buf, l.slotOff(hostID), 0); err != nil {
		return nil, err
	}
	var s LeaseSlot
	if !s.unmarshal(buf) {
		return nil, nil // never written or torn, treated as empty
	}
	return &s, nil
}

func (l *Lease) writeSlot(ctx context.Context, s *LeaseSlot) error {
	buf := make([]byte, l.dev.SectorSize())
	s.marshal(buf)
	if err := l.dev.Pwrite(ctx, buf, int64(len(buf)), l.slotOff(s.HostID), 0); err != nil {
		return err
	}
	return l.dev.Flush(ctx)
}

// scan reads every slot, returning the highest epoch observed and the
// current unexpired leader slot, if any.
func (l *Lease) scan(ctx context.Context, now time.Time) (maxEpoch uint64, leader *LeaseSlot, err error) {
	for id := uint32(1); id <= l.maxHosts; id++ {
		s, err := l.readSlot(ctx, id)
		if err != nil {
			return 0, nil, err
		}
		if s == nil {
			continue
		}
		if s.Epoch > maxEpoch {
			maxEpoch = s.Epoch
		}
		if s.leader() && !s.expired(now) {
			if leader == nil || s.Epoch > leader.Epoch {
				leader = s
			}
		}
	}
	return maxEpoch, leader, nil
}

// Acquire runs paxos rounds until this host owns the leader lease or the
// timeout elapses. A live foreign leader fails the acquisition with EACCES
// unless auto-increase-epoch was requested, which fences it by outbidding
// its epoch.
func (l *Lease) Acquire(ctx context.Context) (uint64, error) {
	deadline := time.Now().Add(l.cfg.AcquireTimeout)
	for {
		if time.Now().After(deadline) {
			return 0, apierrors.ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return 0, apierrors.ErrTimeout
		}

		now := time.Now()
		maxEpoch, leader, err := l.scan(ctx, now)
		if err != nil {
			return 0, errors.Info(err, "lease scan")
		}
		if leader != nil && leader.HostID != l.hostID && !l.cfg.AutoIncreaseEpoch {
			log.Warnf("host %d lease held by host %d epoch %d", l.hostID, leader.HostID, leader.Epoch)
			return 0, apierrors.ErrAccess
		}

		l.proposal++
		next := &LeaseSlot{
			HostID:   l.hostID,
			Flags:    leaseSlotLeader,
			Epoch:    maxEpoch + 1,
			Proposal: l.proposal,
			ExpireAt: now.Add(l.cfg.LeaseTTL).UnixNano(),
		}
		if err := l.writeSlot(ctx, next); err != nil {
			return 0, errors.Info(err, "lease propose")
		}

		// read back: the round is won only if nobody outbid the epoch
		maxEpoch2, leader2, err := l.scan(ctx, time.Now())
		if err != nil {
			return 0, errors.Info(err, "lease verify")
		}
		if maxEpoch2 > next.Epoch || (leader2 != nil && leader2.HostID != l.hostID) {
			if !l.cfg.AutoIncreaseEpoch {
				return 0, apierrors.ErrAccess
			}
			time.Sleep(acquireRetryInterval)
			continue
		}

		l.epoch = next.Epoch
		l.held = true
		log.Infof("host %d acquired leader lease, epoch %d", l.hostID, l.epoch)
		return l.epoch, nil
	}
}

// Refresh extends the held lease. Refusal means the lease was usurped and
// the mount must drop to read-only.
func (l *Lease) Refresh(ctx context.Context) error {
	if !l.held {
		return apierrors.ErrInvalidArgs
	}
	s, err := l.readSlot(ctx, l.hostID)
	if err != nil {
		return err
	}
	if s == nil || s.Epoch != l.epoch || !s.leader() {
		l.held = false
		return apierrors.ErrAccess
	}
	maxEpoch, _, err := l.scan(ctx, time.Now())
	if err != nil {
		return err
	}
	if maxEpoch > l.epoch {
		l.held = false
		return apierrors.ErrAccess
	}
	s.ExpireAt = time.Now().Add(l.cfg.LeaseTTL).UnixNano()
	return l.writeSlot(ctx, s)
}

// Release drops the lease. The epoch stays in the slot so later rounds keep
// the monotonic epoch history.
func (l *Lease) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	s, err := l.readSlot(ctx, l.hostID)
	if err != nil {
		return err
	}
	if s != nil && s.HostID == l.hostID {
		s.Flags &^= leaseSlotLeader
		if err := l.writeSlot(ctx, s); err != nil {
			return err
		}
	}
	l.held = false
	log.Infof("host %d released leader lease, epoch %d", l.hostID, l.epoch)
	return nil
}

// Epoch returns the epoch of the held or last-held lease.
func (l *Lease) Epoch() uint64 { return l.epoch }

// Held reports whether this host believes it is leader.
func (l *Lease) Held() bool { return l.held }

// CurrentLeader reads the lease region without participating, for
// followers that need the active epoch.
func (l *Lease) CurrentLeader(ctx context.Context) (*LeaseSlot, error) {
	_, leader, err := l.scan(ctx, time.Now())
	return leader, err
}

// LeaseRegionLen is the byte length of the reserved lease region.
func LeaseRegionLen(sectorSize, maxHosts uint32) uint64 {
	return uint64(sectorSize) * uint64(maxHosts)
}
