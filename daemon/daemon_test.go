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

package daemon_test

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

	"github.com/cubefs/pbfs/daemon"
	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/mount"
	"github.com/cubefs/pbfs/paxos"
	"github.com/cubefs/pbfs/sdk"
)

func startDaemon(t *testing.T) (*daemon.Server, *sdk.Client) {
	dir := t.TempDir()
	pbd := "pbd1"
	path := filepath.Join(dir, pbd)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(8<<20))
	require.NoError(t, f.Close())

	ctx := context.Background()
	require.NoError(t, mount.Mkfs(ctx, &mount.MkfsConfig{
		DevDir:     dir,
		LockDir:    filepath.Join(dir, "lock"),
		PBD:        pbd,
		SectorSize: 512,
		FragSize:   4096,
		BlockSize:  "64KB",
		ChunkSize:  "1MB",
		JournalLen: "256KB",
	}))

	srv, err := daemon.NewServer(ctx, &daemon.Config{
		PBD:       pbd,
		Workers:   2,
		NSlots:    8,
		IOBufSize: 64 << 10,
		ShmDir:    filepath.Join(dir, "shm"),
		RunDir:    filepath.Join(dir, "run"),
		HostID:    1,
		Mount: mount.Config{
			DevDir:  dir,
			LockDir: filepath.Join(dir, "lock"),
			Paxos:   paxos.Config{AcquireTimeout: 2 * time.Second},
		},
	})
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Stop)

	cli, err := sdk.Connect(&sdk.Config{
		ShmDir: filepath.Join(dir, "shm"),
		PBD:    pbd,
	})
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })
	return srv, cli
}

func TestFDEncoding(t *testing.T) {
	require.True(t, sdk.FDIsValid(sdk.FDMake(0)))
	require.True(t, sdk.FDIsValid(sdk.FDMake(12345)))
	require.False(t, sdk.FDIsValid(3))
	require.False(t, sdk.FDIsValid(-1))
	require.Equal(t, int32(12345), sdk.FDRaw(sdk.FDMake(12345)))
}

func TestEndToEndWriteRead(t *testing.T) {
	_, cli := startDaemon(t)

	fd, err := cli.Open("/pbd1/x", syscall.O_CREAT|syscall.O_RDWR, 0o644)
	require.NoError(t, err)
	require.True(t, sdk.FDIsValid(fd))

	payload := []byte("abcdefghijklmnopqrstuvwxyz")
	n, err := cli.Pwrite(fd, payload, 0)
	require.NoError(t, err)
	require.Equal(t, 26, n)

	buf := make([]byte, 1024)
	n, err = cli.Pread(fd, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 26, n)
	require.Equal(t, payload, buf[:26])

	require.NoError(t, cli.Fsync(fd))
	require.NoError(t, cli.Close(fd))
}

func TestEndToEndLargeIO(t *testing.T) {
	_, cli := startDaemon(t)

	fd, err := cli.Open("/pbd1/big", syscall.O_CREAT|syscall.O_RDWR, 0o644)
	require.NoError(t, err)

	// larger than one iobuf, so the library splits the transfer
	payload := make([]byte, 200<<10)
	rand.New(rand.NewSource(5)).Read(payload)
	n, err := cli.Pwrite(fd, payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	got := make([]byte, len(payload))
	n, err = cli.Pread(fd, got, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.True(t, bytes.Equal(payload, got))
	require.NoError(t, cli.Close(fd))
}

func TestEndToEndNamespace(t *testing.T) {
	_, cli := startDaemon(t)

	require.NoError(t, cli.Mkdir("/pbd1/dir", 0o755))
	fd, err := cli.Creat("/pbd1/dir/a", 0o644)
	require.NoError(t, err)
	require.NoError(t, cli.Close(fd))

	st, err := cli.Stat("/pbd1/dir/a")
	require.NoError(t, err)
	require.Zero(t, st.Size)

	// rename with NOREPLACE refuses an existing target
	fd, err = cli.Creat("/pbd1/dir/b", 0o644)
	require.NoError(t, err)
	require.NoError(t, cli.Close(fd))
	err = cli.RenameNoReplace("/pbd1/dir/a", "/pbd1/dir/b")
	require.Equal(t, apierrors.ErrExist, err)
	_, err = cli.Stat("/pbd1/dir/a")
	require.NoError(t, err)

	require.NoError(t, cli.Rename("/pbd1/dir/a", "/pbd1/dir/c"))
	_, err = cli.Stat("/pbd1/dir/a")
	require.Equal(t, apierrors.ErrNotFound, err)

	d, err := cli.Opendir("/pbd1/dir")
	require.NoError(t, err)
	ents, err := d.Readdir(16)
	require.NoError(t, err)
	var names []string
	for _, e := range ents {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{"b", "c"}, names)
	require.NoError(t, d.Close())

	require.NoError(t, cli.Unlink("/pbd1/dir/b"))
	require.NoError(t, cli.Unlink("/pbd1/dir/c"))
	require.NoError(t, cli.Rmdir("/pbd1/dir"))
	_, err = cli.Stat("/pbd1/dir")
	require.Equal(t, apierrors.ErrNotFound, err)
}

func TestEndToEndWorkingDir(t *testing.T) {
	_, cli := startDaemon(t)

	require.NoError(t, cli.Mkdir("/pbd1/wd", 0o755))
	require.NoError(t, cli.Chdir("/pbd1/wd"))
	require.Equal(t, "/wd", cli.Getcwd())

	fd, err := cli.Creat("rel.txt", 0o644)
	require.NoError(t, err)
	require.NoError(t, cli.Close(fd))

	_, err = cli.Stat("/pbd1/wd/rel.txt")
	require.NoError(t, err)
	require.NoError(t, cli.Access("rel.txt", 0))

	// a foreign pbd name is another device
	_, err = cli.Stat("/other/x")
	require.Equal(t, apierrors.ErrCrossDevice, err)
}

func TestEndToEndStatFS(t *testing.T) {
	_, cli := startDaemon(t)

	st, err := cli.StatFS()
	require.NoError(t, err)
	require.NotZero(t, st.BlockSize)
	require.NotZero(t, st.TotalBlocks)
	require.NotZero(t, st.TotalInodes)

	before := st.FreeBlocks
	fd, err := cli.Creat("/pbd1/takes-space", 0o644)
	require.NoError(t, err)
	_, err = cli.Pwrite(fd, make([]byte, 100), 0)
	require.NoError(t, err)
	require.NoError(t, cli.Close(fd))

	st, err = cli.StatFS()
	require.NoError(t, err)
	require.Equal(t, before-1, st.FreeBlocks)
}

func TestEndToEndLseekAppend(t *testing.T) {
	_, cli := startDaemon(t)

	fd, err := cli.Open("/pbd1/log", syscall.O_CREAT|syscall.O_WRONLY|syscall.O_APPEND, 0o644)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		n, err := cli.Write(fd, []byte("entry\n"))
		require.NoError(t, err)
		require.Equal(t, 6, n)
	}
	require.NoError(t, cli.Close(fd))

	fd, err = cli.Open("/pbd1/log", syscall.O_RDONLY, 0)
	require.NoError(t, err)
	end, err := cli.Lseek(fd, 0, 2)
	require.NoError(t, err)
	require.Equal(t, int64(24), end)
	require.NoError(t, cli.Close(fd))
}

func TestEndToEndFMap(t *testing.T) {
	_, cli := startDaemon(t)

	fd, err := cli.Open("/pbd1/mapped", syscall.O_CREAT|syscall.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = cli.Pwrite(fd, make([]byte, 70<<10), 0)
	require.NoError(t, err)

	ents, err := cli.FMap(fd, 16)
	require.NoError(t, err)
	require.Len(t, ents, 2)
	require.Equal(t, int64(64<<10), ents[0].Length)
	require.NoError(t, cli.Close(fd))
}

func TestEndToEndNoops(t *testing.T) {
	_, cli := startDaemon(t)

	fd, err := cli.Creat("/pbd1/plain", 0o644)
	require.NoError(t, err)
	require.NoError(t, cli.Close(fd))

	require.NoError(t, cli.Chmod("/pbd1/plain", 0o600))
	require.NoError(t, cli.Chown("/pbd1/plain", 1, 1))
	_, err = cli.Readlink("/pbd1/plain")
	require.Error(t, err)
}

func TestEndToEndBadFd(t *testing.T) {
	_, cli := startDaemon(t)

	_, err := cli.Pread(3, make([]byte, 8), 0)
	require.Equal(t, apierrors.ErrBadFd, err)
	require.Equal(t, apierrors.ErrBadFd, cli.Close(77))

	// a stale-but-tagged descriptor is refused daemon-side
	err = cli.Close(sdk.FDMake(31000))
	require.Equal(t, apierrors.ErrBadFd, err)
}

func TestAbortRequests(t *testing.T) {
	srv, cli := startDaemon(t)
	_ = cli
	require.Zero(t, srv.AbortRequests(999999))
}
