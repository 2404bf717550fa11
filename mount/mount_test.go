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

package mount_test

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/file"
	"github.com/cubefs/pbfs/mount"
	"github.com/cubefs/pbfs/paxos"
	"github.com/cubefs/pbfs/proto"
)

type testEnv struct {
	dir string
	pbd string
	env *mount.Environment
}

func newTestEnv(t *testing.T, devSize int64) *testEnv {
	dir := t.TempDir()
	pbd := "pbd1"
	path := filepath.Join(dir, pbd)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(devSize))
	require.NoError(t, f.Close())

	require.NoError(t, mount.Mkfs(context.Background(), &mount.MkfsConfig{
		DevDir:     dir,
		LockDir:    filepath.Join(dir, "lock"),
		PBD:        pbd,
		SectorSize: 512,
		FragSize:   4096,
		BlockSize:  "64KB",
		ChunkSize:  "1MB",
		JournalLen: "256KB",
	}))

	return &testEnv{dir: dir, pbd: pbd, env: newEnvAt(dir)}
}

func newEnvAt(dir string) *mount.Environment {
	return mount.NewEnvironment(&mount.Config{
		DevDir:         dir,
		LockDir:        filepath.Join(dir, "lock"),
		PollIntervalMs: 20,
		Paxos: paxos.Config{
			AcquireTimeout: 2 * time.Second,
		},
	})
}

func TestMountWriteReadBoundary(t *testing.T) {
	te := newTestEnv(t, 8<<20)
	ctx := context.Background()

	m, err := te.env.Mount(ctx, "", te.pbd, 1, true)
	require.NoError(t, err)
	require.Equal(t, mount.StateRW, m.State())

	fd, err := m.Files.Open(ctx, "/x", syscall.O_CREAT|syscall.O_RDWR, 0o644)
	require.NoError(t, err)

	payload := []byte("abcdefghijklmnopqrstuvwxyz")
	n, err := m.Files.Write(ctx, fd, payload, 0)
	require.NoError(t, err)
	require.Equal(t, int64(26), n)

	buf := make([]byte, 1024)
	n, err = m.Files.Read(ctx, fd, buf, 0)
	require.NoError(t, err)
	require.Equal(t, int64(26), n)
	require.Equal(t, payload, buf[:26])

	require.NoError(t, m.Files.Close(ctx, fd))
	require.NoError(t, te.env.Umount(ctx, te.pbd, false))
}

func TestMountTwiceBusy(t *testing.T) {
	te := newTestEnv(t, 8<<20)
	ctx := context.Background()

	_, err := te.env.Mount(ctx, "", te.pbd, 1, true)
	require.NoError(t, err)
	_, err = te.env.Mount(ctx, "", te.pbd, 1, true)
	require.Equal(t, apierrors.ErrBusy, err)
	require.NoError(t, te.env.Umount(ctx, te.pbd, false))
}

func TestSecondWriterFencedOut(t *testing.T) {
	te := newTestEnv(t, 8<<20)
	ctx := context.Background()

	_, err := te.env.Mount(ctx, "", te.pbd, 1, true)
	require.NoError(t, err)

	// a second host observes the live lease and is refused
	env2 := newEnvAt(te.dir)
	_, err = env2.Mount(ctx, "", te.pbd, 2, true)
	require.Equal(t, apierrors.ErrAccess, err)

	require.NoError(t, te.env.Umount(ctx, te.pbd, false))
}

func TestPersistenceAcrossRemount(t *testing.T) {
	te := newTestEnv(t, 8<<20)
	ctx := context.Background()

	payload := make([]byte, 1<<20)
	rand.New(rand.NewSource(3)).Read(payload)

	m, err := te.env.Mount(ctx, "", te.pbd, 1, true)
	require.NoError(t, err)
	fd, err := m.Files.Open(ctx, "/big", syscall.O_CREAT|syscall.O_RDWR, 0o644)
	require.NoError(t, err)
	n, err := m.Files.Write(ctx, fd, payload, 0)
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), n)
	require.NoError(t, m.Files.Close(ctx, fd))
	require.NoError(t, te.env.Umount(ctx, te.pbd, false))

	m, err = te.env.Mount(ctx, "", te.pbd, 1, true)
	require.NoError(t, err)
	fd, err = m.Files.Open(ctx, "/big", syscall.O_RDONLY, 0)
	require.NoError(t, err)
	got := make([]byte, len(payload))
	n, err = m.Files.Read(ctx, fd, got, 0)
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), n)
	require.True(t, bytes.Equal(payload, got))
	require.NoError(t, m.Files.Close(ctx, fd))
	require.NoError(t, te.env.Umount(ctx, te.pbd, false))
}

func TestUnlinkWhileOpen(t *testing.T) {
	te := newTestEnv(t, 8<<20)
	ctx := context.Background()

	m, err := te.env.Mount(ctx, "", te.pbd, 1, true)
	require.NoError(t, err)
	defer te.env.Umount(ctx, te.pbd, false)

	fd, err := m.Files.Open(ctx, "/x", syscall.O_CREAT|syscall.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = m.Files.Write(ctx, fd, []byte("keep me"), 0)
	require.NoError(t, err)

	// unlink while the handle stays open
	ni, err := m.Store().Resolve("/x")
	require.NoError(t, err)
	tx := m.Store().Begin(m.Journal())
	require.NoError(t, tx.Unlink(&ni))
	require.NoError(t, tx.Commit(ctx))

	_, err = m.Files.Stat(ctx, "/x")
	require.Equal(t, apierrors.ErrNotFound, err)

	// the open handle still reads and writes
	buf := make([]byte, 16)
	n, err := m.Files.Read(ctx, fd, buf, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("keep me"), buf[:n])
	_, err = m.Files.Write(ctx, fd, []byte("more"), 7)
	require.NoError(t, err)

	// the last close frees inode and blocks
	free := m.Store().StatFS().FreeInodes
	require.NoError(t, m.Files.Close(ctx, fd))
	require.Equal(t, free+1, m.Store().StatFS().FreeInodes)
	require.NoError(t, m.Store().CheckInvariants())
}

func TestTruncateZeroesTail(t *testing.T) {
	te := newTestEnv(t, 8<<20)
	ctx := context.Background()

	m, err := te.env.Mount(ctx, "", te.pbd, 1, true)
	require.NoError(t, err)
	defer te.env.Umount(ctx, te.pbd, false)

	fd, err := m.Files.Open(ctx, "/t", syscall.O_CREAT|syscall.O_RDWR, 0o644)
	require.NoError(t, err)

	fill := bytes.Repeat([]byte{0xee}, 4096)
	_, err = m.Files.Write(ctx, fd, fill, 0)
	require.NoError(t, err)

	// shrink, then extend back over the old bytes
	require.NoError(t, m.Files.Ftruncate(ctx, fd, 100))
	require.NoError(t, m.Files.Ftruncate(ctx, fd, 4096))

	got := make([]byte, 4096)
	n, err := m.Files.Read(ctx, fd, got, 0)
	require.NoError(t, err)
	require.Equal(t, int64(4096), n)
	require.Equal(t, fill[:100], got[:100])
	for i := 100; i < 4096; i++ {
		require.Zero(t, got[i], "byte %d not zeroed", i)
	}
	require.NoError(t, m.Files.Close(ctx, fd))
}

func TestAppendSerialized(t *testing.T) {
	te := newTestEnv(t, 8<<20)
	ctx := context.Background()

	m, err := te.env.Mount(ctx, "", te.pbd, 1, true)
	require.NoError(t, err)
	defer te.env.Umount(ctx, te.pbd, false)

	fd, err := m.Files.Open(ctx, "/log", syscall.O_CREAT|syscall.O_WRONLY|syscall.O_APPEND, 0o644)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err = m.Files.Write(ctx, fd, []byte("0123456789"), proto.UseHandleOffset)
		require.NoError(t, err)
	}
	st, err := m.Files.Fstat(ctx, fd)
	require.NoError(t, err)
	require.Equal(t, int64(100), st.Size)
	require.NoError(t, m.Files.Close(ctx, fd))
}

func TestLseekSemantics(t *testing.T) {
	te := newTestEnv(t, 8<<20)
	ctx := context.Background()

	m, err := te.env.Mount(ctx, "", te.pbd, 1, true)
	require.NoError(t, err)
	defer te.env.Umount(ctx, te.pbd, false)

	fd, err := m.Files.Open(ctx, "/s", syscall.O_CREAT|syscall.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = m.Files.Write(ctx, fd, make([]byte, 500), 0)
	require.NoError(t, err)

	pos, err := m.Files.Lseek(ctx, fd, 0, file.SeekEnd)
	require.NoError(t, err)
	require.Equal(t, int64(500), pos)

	pos, err = m.Files.Lseek(ctx, fd, 100, file.SeekSet)
	require.NoError(t, err)
	require.Equal(t, int64(100), pos)

	pos, err = m.Files.Lseek(ctx, fd, 50, file.SeekCur)
	require.NoError(t, err)
	require.Equal(t, int64(150), pos)

	_, err = m.Files.Lseek(ctx, fd, -1000, file.SeekCur)
	require.Equal(t, apierrors.ErrInvalidArgs, err)
	require.NoError(t, m.Files.Close(ctx, fd))
}

func TestFMap(t *testing.T) {
	te := newTestEnv(t, 8<<20)
	ctx := context.Background()

	m, err := te.env.Mount(ctx, "", te.pbd, 1, true)
	require.NoError(t, err)
	defer te.env.Umount(ctx, te.pbd, false)

	blockSize := m.Store().BlockSize()
	fd, err := m.Files.Open(ctx, "/m", syscall.O_CREAT|syscall.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = m.Files.Write(ctx, fd, make([]byte, blockSize+100), 0)
	require.NoError(t, err)

	ents, err := m.Files.FMap(ctx, fd, 0)
	require.NoError(t, err)
	require.Len(t, ents, 2)
	require.Equal(t, int64(0), ents[0].LogicalOffset)
	require.Equal(t, blockSize, ents[0].Length)
	require.Equal(t, blockSize, ents[1].LogicalOffset)
	require.Equal(t, int64(100), ents[1].Length)
	require.NotEqual(t, ents[0].PhysicalOffset, ents[1].PhysicalOffset)
	require.NoError(t, m.Files.Close(ctx, fd))
}

func TestReaddir(t *testing.T) {
	te := newTestEnv(t, 8<<20)
	ctx := context.Background()

	m, err := te.env.Mount(ctx, "", te.pbd, 1, true)
	require.NoError(t, err)
	defer te.env.Umount(ctx, te.pbd, false)

	names := []string{"alpha", "bravo", "charlie", "delta"}
	for _, n := range names {
		fd, err := m.Files.Open(ctx, "/"+n, syscall.O_CREAT|syscall.O_WRONLY, 0o644)
		require.NoError(t, err)
		require.NoError(t, m.Files.Close(ctx, fd))
	}

	dfd, err := m.Files.Opendir(ctx, "/")
	require.NoError(t, err)
	var got []string
	for {
		ents, err := m.Files.Readdir(ctx, dfd, 2)
		require.NoError(t, err)
		if len(ents) == 0 {
			break
		}
		for _, e := range ents {
			got = append(got, e.Name)
		}
	}
	require.Equal(t, names, got) // name order
	require.NoError(t, m.Files.Closedir(ctx, dfd))
}

func TestFollowerSeesLeaderChanges(t *testing.T) {
	te := newTestEnv(t, 8<<20)
	ctx := context.Background()

	leader, err := te.env.Mount(ctx, "", te.pbd, 1, true)
	require.NoError(t, err)
	defer te.env.Umount(ctx, te.pbd, false)

	env2 := newEnvAt(te.dir)
	follower, err := env2.Mount(ctx, "", te.pbd, 2, false)
	require.NoError(t, err)
	defer env2.Umount(ctx, te.pbd, false)
	require.Equal(t, mount.StateRO, follower.State())

	fd, err := leader.Files.Open(ctx, "/seen", syscall.O_CREAT|syscall.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = leader.Files.Write(ctx, fd, []byte("hello follower"), 0)
	require.NoError(t, err)
	require.NoError(t, leader.Files.Close(ctx, fd))

	require.NoError(t, follower.PollJournal(ctx))
	st, err := follower.Files.Stat(ctx, "/seen")
	require.NoError(t, err)
	require.Equal(t, int64(14), st.Size)

	// follower data read sees the leader's bytes
	rfd, err := follower.Files.Open(ctx, "/seen", syscall.O_RDONLY, 0)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := follower.Files.Read(ctx, rfd, buf, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello follower"), buf[:n])
	require.NoError(t, follower.Files.Close(ctx, rfd))

	// follower cannot write
	_, err = follower.Files.Open(ctx, "/nope", syscall.O_CREAT|syscall.O_WRONLY, 0o644)
	require.Equal(t, apierrors.ErrReadOnlyFS, err)
}

func TestRemountUpgrade(t *testing.T) {
	te := newTestEnv(t, 8<<20)
	ctx := context.Background()

	m, err := te.env.Mount(ctx, "", te.pbd, 1, false)
	require.NoError(t, err)
	require.Equal(t, mount.StateRO, m.State())

	require.NoError(t, te.env.Remount(ctx, te.pbd, 1))
	require.Equal(t, mount.StateRW, m.State())

	fd, err := m.Files.Open(ctx, "/after", syscall.O_CREAT|syscall.O_WRONLY, 0o644)
	require.NoError(t, err)
	require.NoError(t, m.Files.Close(ctx, fd))

	// host id mismatch is refused
	require.Equal(t, apierrors.ErrInvalidArgs, te.env.Remount(ctx, te.pbd, 2))
	require.NoError(t, te.env.Umount(ctx, te.pbd, false))
}

func TestGrowfs(t *testing.T) {
	te := newTestEnv(t, 8<<20)
	ctx := context.Background()

	m, err := te.env.Mount(ctx, "", te.pbd, 1, true)
	require.NoError(t, err)
	defer te.env.Umount(ctx, te.pbd, false)

	before := m.Store().StatFS()

	// grow the volume by two chunks
	require.NoError(t, os.Truncate(filepath.Join(te.dir, te.pbd), 10<<20))
	require.NoError(t, te.env.Growfs(ctx, te.pbd))

	after := m.Store().StatFS()
	require.Greater(t, after.TotalBlocks, before.TotalBlocks)
	require.Greater(t, after.TotalInodes, before.TotalInodes)
	require.NoError(t, m.Store().CheckInvariants())

	// the growth is durable
	require.NoError(t, te.env.Umount(ctx, te.pbd, false))
	m2, err := te.env.Mount(ctx, "", te.pbd, 1, true)
	require.NoError(t, err)
	require.Equal(t, after.TotalBlocks, m2.Store().StatFS().TotalBlocks)
	require.NoError(t, te.env.Umount(ctx, te.pbd, false))
}

func TestStaleFdAfterUmount(t *testing.T) {
	te := newTestEnv(t, 8<<20)
	ctx := context.Background()

	m, err := te.env.Mount(ctx, "", te.pbd, 1, true)
	require.NoError(t, err)
	fd, err := m.Files.Open(ctx, "/x", syscall.O_CREAT|syscall.O_RDWR, 0o644)
	require.NoError(t, err)
	require.NoError(t, te.env.Umount(ctx, te.pbd, false))

	_, err = m.Files.Read(ctx, fd, make([]byte, 8), 0)
	require.Equal(t, apierrors.ErrBadFd, err)
}
