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

package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	blberrors "github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/pbfs/devio"
	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/metrics"
	"github.com/cubefs/pbfs/proto"
)

var errNoRecord = errors.New("no record at position")

// DefaultPollInterval is how often followers look for new records.
const DefaultPollInterval = 500 * time.Millisecond

// Journal is the circular redo log living in the reserved extent of the
// PBD. The leader appends; followers and recovery scan. Records carry
// strictly increasing txids; the scan stops at the first record whose CRC
// fails or whose txid does not continue the ascending chain, which also
// truncates partial records at the tail.
type Journal struct {
	dev devio.Device

	regionOff int64 // device offset of the journal extent
	recordOff int64 // device offset of the record area (header page skipped)
	recordLen int64 // byte length of the record area

	mu       sync.Mutex
	head     journalHeader
	tailOff  int64 // next append position, relative to recordOff
	nextTxid uint64

	hostID uint32
	epoch  uint32

	verifyReadback bool
}

// Format initializes the journal extent: a fresh header page and an
// invalidated first record slot.
func Format(ctx context.Context, dev devio.Device, sb *proto.Superblock) error {
	buf := make([]byte, RecordAlign)
	h := journalHeader{HeadOff: 0, HeadTxid: 1}
	h.marshal(buf)
	if err := dev.Pwrite(ctx, buf, int64(len(buf)), int64(sb.JournalOff), 0); err != nil {
		return err
	}
	zero := make([]byte, RecordAlign)
	if err := dev.Pwrite(ctx, zero, int64(len(zero)), int64(sb.JournalOff)+RecordAlign, 0); err != nil {
		return err
	}
	return dev.Flush(ctx)
}

// Open reads the journal header. Call Recover (or a follower Poll) to find
// the tail before appending.
func Open(ctx context.Context, dev devio.Device, sb *proto.Superblock) (*Journal, error) {
	j := &Journal{
		dev:       dev,
		regionOff: int64(sb.JournalOff),
		recordOff: int64(sb.JournalOff) + RecordAlign,
		recordLen: int64(sb.JournalLen) - RecordAlign,
	}
	buf := make([]byte, RecordAlign)
	if err := dev.Pread(ctx, buf, j.regionOff, 0); err != nil {
		return nil, err
	}
	if err := j.head.unmarshal(buf); err != nil {
		return nil, blberrors.Info(err, "journal header")
	}
	j.tailOff = int64(j.head.HeadOff)
	j.nextTxid = j.head.HeadTxid
	return j, nil
}

// SetIdentity stamps subsequent records with the leader's host id and lease
// epoch.
func (j *Journal) SetIdentity(hostID uint32, epoch uint32) {
	j.mu.Lock()
	j.hostID = hostID
	j.epoch = epoch
	j.mu.Unlock()
}

// SetVerifyReadback enables the commit read-back check, used on the first
// mount after recovery.
func (j *Journal) SetVerifyReadback(on bool) {
	j.mu.Lock()
	j.verifyReadback = on
	j.mu.Unlock()
}

// NextTxid returns the txid the next append will use.
func (j *Journal) NextTxid() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextTxid
}

// Position returns the append position and the last committed txid, for
// seeding a follower after a full replay.
func (j *Journal) Position() (pos int64, lastTxid uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.tailOff, j.nextTxid - 1
}

// readRecordAt parses the record at pos (relative to the record area).
func (j *Journal) readRecordAt(ctx context.Context, pos int64) (*Record, int64, error) {
	if pos+RecordAlign > j.recordLen {
		return nil, 0, errNoRecord
	}
	first := make([]byte, RecordAlign)
	if err := j.dev.Pread(ctx, first, j.recordOff+pos, 0); err != nil {
		return nil, 0, err
	}
	var rec Record
	used, err := rec.Unmarshal(first)
	if err == nil {
		return &rec, int64(used), nil
	}
	if err != proto.ErrShortBuffer {
		return nil, 0, err
	}
	// record spans multiple pages: grow the window until it parses or the
	// region ends
	for span := int64(2 * RecordAlign); pos+span <= j.recordLen; span *= 2 {
		buf := make([]byte, span)
		if err := j.dev.Pread(ctx, buf, j.recordOff+pos, 0); err != nil {
			return nil, 0, err
		}
		used, err := rec.Unmarshal(buf)
		if err == nil {
			return &rec, int64(used), nil
		}
		if err != proto.ErrShortBuffer {
			return nil, 0, err
		}
	}
	return nil, 0, proto.ErrBadCrc
}

// Scan walks the committed chain from the head, invoking apply for every
// record with txid >= fromTxid. It returns the txid after the last record
// of the chain, whether or not that record was applied. The scan stops
// quietly at the torn tail.
func (j *Journal) Scan(ctx context.Context, fromTxid uint64, apply func(*Record) error) (uint64, error) {
	j.mu.Lock()
	pos := int64(j.head.HeadOff)
	last := j.head.HeadTxid
	j.mu.Unlock()

	next := last
	for {
		rec, used, err := j.readRecordAt(ctx, pos)
		if err != nil {
			if err == errNoRecord || err == proto.ErrBadCrc || err == proto.ErrInvalidRecord {
				break
			}
			return next, err
		}
		if rec.Txid < next {
			break // wrapped onto an older record
		}
		if rec.Txid >= fromTxid {
			if err := apply(rec); err != nil {
				return next, err
			}
			metrics.JournalReplayRecords.Inc()
		}
		next = rec.Txid + 1
		pos += used
		if pos+RecordAlign > j.recordLen {
			break
		}
	}

	j.mu.Lock()
	j.tailOff = pos
	j.nextTxid = next
	j.mu.Unlock()
	return next, nil
}

// Recover replays the whole committed chain, leaving the journal positioned
// for appending. Used by mount on both leader and follower.
func (j *Journal) Recover(ctx context.Context, apply func(*Record) error) (uint64, error) {
	return j.Scan(ctx, 0, apply)
}

// Append commits one transaction record: serialize after the tail,
// write-flush, optionally verify by read-back. Returns the assigned txid.
func (j *Journal) Append(ctx context.Context, entries []Entry) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec := &Record{
		Txid:    j.nextTxid,
		HostID:  j.hostID,
		Epoch:   j.epoch,
		Entries: entries,
	}
	buf := rec.Marshal()
	if int64(len(buf)) > j.recordLen {
		return 0, apierrors.ErrNoSpace
	}

	if j.tailOff+int64(len(buf)) > j.recordLen {
		// wrap: home locations were written through at every commit, so
		// overwriting the oldest records only needs a barrier flush
		if err := j.dev.Flush(ctx); err != nil {
			return 0, err
		}
		j.head = journalHeader{HeadOff: 0, HeadTxid: rec.Txid}
		hbuf := make([]byte, RecordAlign)
		j.head.marshal(hbuf)
		if err := j.dev.Pwrite(ctx, hbuf, int64(len(hbuf)), j.regionOff, 0); err != nil {
			return 0, err
		}
		if err := j.dev.Flush(ctx); err != nil {
			return 0, err
		}
		j.tailOff = 0
		log.Infof("journal wrapped, head txid %d", rec.Txid)
	}

	if err := j.dev.Pwrite(ctx, buf, int64(len(buf)), j.recordOff+j.tailOff, 0); err != nil {
		return 0, err
	}
	if err := j.dev.Flush(ctx); err != nil {
		return 0, err
	}

	if j.verifyReadback {
		chk := make([]byte, len(buf))
		if err := j.dev.Pread(ctx, chk, j.recordOff+j.tailOff, 0); err != nil {
			return 0, err
		}
		var rb Record
		if _, err := rb.Unmarshal(chk); err != nil || rb.Txid != rec.Txid {
			return 0, blberrors.Info(apierrors.ErrIO, "journal readback mismatch")
		}
		j.verifyReadback = false
	}

	j.tailOff += int64(len(buf))
	j.nextTxid = rec.Txid + 1
	return rec.Txid, nil
}

// Follower polls the journal tail and applies fresh records. reload is
// invoked when the chain was wrapped past the follower's position and the
// materialization must be rebuilt from the on-disk snapshot.
type Follower struct {
	j        *Journal
	interval time.Duration
	apply    func(*Record) error
	reload   func(ctx context.Context) error

	mu       sync.Mutex
	pos      int64
	lastTxid uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewFollower(j *Journal, interval time.Duration, apply func(*Record) error, reload func(ctx context.Context) error) *Follower {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Follower{
		j:        j,
		interval: interval,
		apply:    apply,
		reload:   reload,
		stop:     make(chan struct{}),
	}
}

// Seed positions the follower after an initial full replay.
func (f *Follower) Seed(pos int64, lastTxid uint64) {
	f.mu.Lock()
	f.pos = pos
	f.lastTxid = lastTxid
	f.mu.Unlock()
}

// Poll applies every record committed since the last poll. One round;
// Start runs it periodically.
func (f *Follower) Poll(ctx context.Context) error {
	f.mu.Lock()
	pos := f.pos
	last := f.lastTxid
	f.mu.Unlock()

	for {
		rec, used, err := f.j.readRecordAt(ctx, pos)
		if err != nil {
			if err == errNoRecord || err == proto.ErrBadCrc || err == proto.ErrInvalidRecord {
				// tail reached, or the leader wrapped past us
				if f.wrapped(ctx, last) {
					return f.rebuild(ctx)
				}
				return nil
			}
			return err
		}
		if rec.Txid <= last {
			if rec.Txid < last && f.wrapped(ctx, last) {
				return f.rebuild(ctx)
			}
			return nil
		}
		if rec.Txid != last+1 && last != 0 {
			// gap: wrapped chain, rebuild from snapshot
			return f.rebuild(ctx)
		}
		if err := f.apply(rec); err != nil {
			return err
		}
		last = rec.Txid
		pos += used
		f.mu.Lock()
		f.pos = pos
		f.lastTxid = last
		f.mu.Unlock()
	}
}

// wrapped reports whether the leader's head moved past our last txid.
func (f *Follower) wrapped(ctx context.Context, last uint64) bool {
	buf := make([]byte, RecordAlign)
	if err := f.j.dev.Pread(ctx, buf, f.j.regionOff, 0); err != nil {
		return false
	}
	var h journalHeader
	if err := h.unmarshal(buf); err != nil {
		return false
	}
	return h.HeadTxid > last+1
}

func (f *Follower) rebuild(ctx context.Context) error {
	log.Warn("journal wrapped past follower, rebuilding from snapshot")
	if err := f.reload(ctx); err != nil {
		return err
	}
	return nil
}

func (f *Follower) Start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-f.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), f.interval*10)
				if err := f.Poll(ctx); err != nil {
					log.Errorf("journal poll: %v", err)
				}
				cancel()
			}
		}
	}()
}

func (f *Follower) Stop() {
	close(f.stop)
	f.wg.Wait()
}
