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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/pbfs/devio"
	"github.com/cubefs/pbfs/proto"
)

func testJournal(t *testing.T, journalLen uint64) (*Journal, *devio.MemDevice, *proto.Superblock) {
	dev := devio.NewMemDevice(int64(4096+journalLen), 512)
	sb := &proto.Superblock{
		JournalOff: 4096,
		JournalLen: journalLen,
	}
	ctx := context.Background()
	require.NoError(t, Format(ctx, dev, sb))
	j, err := Open(ctx, dev, sb)
	require.NoError(t, err)
	j.SetIdentity(1, 1)
	return j, dev, sb
}

func entry(slot uint32, birth uint64, data string) Entry {
	return Entry{
		Kind:      EntryAlloc,
		MetaKind:  proto.MetaInode,
		Slot:      slot,
		BirthTime: birth,
		Data:      []byte(data),
	}
}

func TestRecordCodec(t *testing.T) {
	rec := &Record{
		Txid:   7,
		HostID: 2,
		Epoch:  3,
		Entries: []Entry{
			entry(1, 10, "hello"),
			{Kind: EntryFree, MetaKind: proto.MetaBlockTag, Slot: 9, BirthTime: 11},
			{Kind: EntryUpdate, MetaKind: proto.MetaDirEntry, Slot: 2, BirthTime: 12, Data: []byte("x")},
		},
	}
	buf := rec.Marshal()
	require.Zero(t, len(buf)%RecordAlign)

	var got Record
	n, err := got.Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, rec.Txid, got.Txid)
	require.Equal(t, rec.HostID, got.HostID)
	require.Equal(t, rec.Epoch, got.Epoch)
	require.Len(t, got.Entries, 3)
	require.Equal(t, []byte("hello"), got.Entries[0].Data)
	require.Nil(t, got.Entries[1].Data)

	// trailer damage is torn-record territory; the trailer follows the
	// header and the three entries (29, 24 and 25 bytes)
	buf[recordHeaderLen+29+24+25] ^= 0xff
	_, err = got.Unmarshal(buf)
	require.Error(t, err)
}

func TestAppendScan(t *testing.T) {
	j, _, _ := testJournal(t, 256<<10)
	ctx := context.Background()

	var want []uint64
	for i := 0; i < 5; i++ {
		txid, err := j.Append(ctx, []Entry{entry(uint32(i), uint64(i+1), "rec")})
		require.NoError(t, err)
		want = append(want, txid)
	}
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, want)

	var got []uint64
	next, err := j.Scan(ctx, 0, func(rec *Record) error {
		got = append(got, rec.Txid)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, uint64(6), next)
}

func TestScanIdempotent(t *testing.T) {
	j, _, _ := testJournal(t, 256<<10)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := j.Append(ctx, []Entry{entry(uint32(i), uint64(i+1), "rec")})
		require.NoError(t, err)
	}

	count := func() int {
		n := 0
		_, err := j.Scan(ctx, 0, func(*Record) error { n++; return nil })
		require.NoError(t, err)
		return n
	}
	require.Equal(t, 3, count())
	require.Equal(t, 3, count())
}

func TestScanStopsAtTornTail(t *testing.T) {
	j, dev, sb := testJournal(t, 256<<10)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := j.Append(ctx, []Entry{entry(uint32(i), uint64(i+1), "rec")})
		require.NoError(t, err)
	}

	// tear the third record's trailer, which follows the header and the
	// single 27-byte entry
	recArea := sb.JournalOff + RecordAlign
	dev.Bytes()[recArea+2*RecordAlign+recordHeaderLen+27] ^= 0xff

	j2, err := Open(ctx, dev, sb)
	require.NoError(t, err)
	n := 0
	next, err := j2.Scan(ctx, 0, func(*Record) error { n++; return nil })
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, uint64(3), next)

	// the recovered journal overwrites the torn tail
	j2.SetIdentity(1, 1)
	txid, err := j2.Append(ctx, []Entry{entry(9, 9, "fresh")})
	require.NoError(t, err)
	require.Equal(t, uint64(3), txid)
}

func TestAppendWraps(t *testing.T) {
	// room for three records plus the header page
	j, _, _ := testJournal(t, 4*RecordAlign)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := j.Append(ctx, []Entry{entry(uint32(i), uint64(i+1), "payload")})
		require.NoError(t, err)
	}

	var got []uint64
	_, err := j.Scan(ctx, 0, func(rec *Record) error {
		got = append(got, rec.Txid)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	require.Equal(t, uint64(10), got[len(got)-1])
	for i := 1; i < len(got); i++ {
		require.Equal(t, got[i-1]+1, got[i])
	}
}

func TestFollowerPoll(t *testing.T) {
	j, dev, sb := testJournal(t, 256<<10)
	ctx := context.Background()

	reader, err := Open(ctx, dev, sb)
	require.NoError(t, err)

	var applied []uint64
	fol := NewFollower(reader, DefaultPollInterval, func(rec *Record) error {
		applied = append(applied, rec.Txid)
		return nil
	}, func(context.Context) error { return nil })
	fol.Seed(0, 0)

	_, err = j.Append(ctx, []Entry{entry(1, 1, "one")})
	require.NoError(t, err)
	require.NoError(t, fol.Poll(ctx))
	require.Equal(t, []uint64{1}, applied)

	_, err = j.Append(ctx, []Entry{entry(2, 2, "two")})
	require.NoError(t, err)
	_, err = j.Append(ctx, []Entry{entry(3, 3, "three")})
	require.NoError(t, err)
	require.NoError(t, fol.Poll(ctx))
	require.Equal(t, []uint64{1, 2, 3}, applied)

	// no new records: poll is a no-op
	require.NoError(t, fol.Poll(ctx))
	require.Equal(t, []uint64{1, 2, 3}, applied)
}

func TestFollowerRebuildAfterWrap(t *testing.T) {
	j, dev, sb := testJournal(t, 4*RecordAlign)
	ctx := context.Background()

	reader, err := Open(ctx, dev, sb)
	require.NoError(t, err)

	rebuilt := false
	fol := NewFollower(reader, DefaultPollInterval, func(rec *Record) error {
		return nil
	}, func(context.Context) error {
		rebuilt = true
		return nil
	})
	fol.Seed(0, 0)

	_, err = j.Append(ctx, []Entry{entry(1, 1, "one")})
	require.NoError(t, err)
	require.NoError(t, fol.Poll(ctx))

	// wrap far past the follower
	for i := 0; i < 8; i++ {
		_, err := j.Append(ctx, []Entry{entry(uint32(i), uint64(i+2), "spam")})
		require.NoError(t, err)
	}
	require.NoError(t, fol.Poll(ctx))
	require.True(t, rebuilt)
}
