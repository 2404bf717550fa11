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
	"os"
	"path/filepath"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"golang.org/x/sys/unix"

	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/proto"
)

// DefaultLockDir is where per-PBD hostid lock files live.
const DefaultLockDir = "/var/run/pbfs"

// HostLock is a byte-range fcntl lock inside the per-PBD hostid file. It
// keeps two processes on one host from claiming the same hostid; the
// prepare and tool ranges serialize mount preparation and mkfs/growfs.
type HostLock struct {
	f      *os.File
	start  int64
	length int64
}

func lockPath(dir, pbd string) string {
	return filepath.Join(dir, pbd+"-hostid")
}

// LockHost takes the exclusive range for hostID. hostID 0 locks the whole
// file and is reserved for tool-mode mkfs.
func LockHost(dir, pbd string, hostID uint32) (*HostLock, error) {
	start := int64(hostID) * proto.HostLockRegionLen
	length := int64(proto.HostLockRegionLen)
	if hostID == 0 {
		start, length = 0, 0 // whole file
	}
	return lockRange(dir, pbd, start, length)
}

// LockPrepare serializes mount preparation against growfs.
func LockPrepare(dir, pbd string) (*HostLock, error) {
	return lockRange(dir, pbd,
		int64(proto.HostLockPrepareID)*proto.HostLockRegionLen,
		proto.HostLockRegionLen)
}

// LockTool is the mkfs/growfs tool-mode range.
func LockTool(dir, pbd string) (*HostLock, error) {
	return lockRange(dir, pbd,
		int64(proto.HostLockToolID)*proto.HostLockRegionLen,
		proto.HostLockRegionLen)
}

func lockRange(dir, pbd string, start, length int64) (*HostLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(lockPath(dir, pbd), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	flk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: int16(os.SEEK_SET),
		Start:  start,
		Len:    length,
	}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flk); err != nil {
		f.Close()
		if err == unix.EACCES || err == unix.EAGAIN {
			return nil, apierrors.ErrBusy
		}
		log.Errorf("fcntl lock %s [%d,%d): %v", lockPath(dir, pbd), start, start+length, err)
		return nil, err
	}
	return &HostLock{f: f, start: start, length: length}, nil
}

func (l *HostLock) Unlock() error {
	flk := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: int16(os.SEEK_SET),
		Start:  l.start,
		Len:    l.length,
	}
	if err := unix.FcntlFlock(l.f.Fd(), unix.F_SETLK, &flk); err != nil {
		log.Errorf("fcntl unlock: %v", err)
	}
	return l.f.Close()
}
