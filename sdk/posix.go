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

package sdk

import (
	"syscall"
	"time"

	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/proto"
)

// Dir is an open directory iterator. It holds the daemon descriptor as is,
// without the PBFS tag bit; the daemon tells directory handles apart by the
// kind recorded in its handle table.
type Dir struct {
	c  *Client
	fd int32
}

func (c *Client) fdArg(fd int) (int32, error) {
	if !FDIsValid(fd) {
		return 0, apierrors.ErrBadFd
	}
	return FDRaw(fd), nil
}

// Open opens or creates a file, returning a descriptor with the PBFS tag
// bit set.
func (c *Client) Open(path string, flags uint32, mode uint32) (int, error) {
	p, err := c.resolvePath(path)
	if err != nil {
		return -1, err
	}
	resp, _, err := c.call(&callArgs{op: proto.OpOpen, path: p, flags: flags, mode: mode})
	if err != nil {
		return -1, err
	}
	return FDMake(int32(resp.Ret)), nil
}

// Creat is open with O_CREAT|O_WRONLY|O_TRUNC.
func (c *Client) Creat(path string, mode uint32) (int, error) {
	return c.Open(path, syscall.O_WRONLY|syscall.O_CREAT|syscall.O_TRUNC, mode)
}

func (c *Client) Close(fd int) error {
	raw, err := c.fdArg(fd)
	if err != nil {
		return err
	}
	_, _, err = c.call(&callArgs{op: proto.OpClose, fd: raw})
	return err
}

func (c *Client) maxIO() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.channels) == 0 {
		return 0
	}
	return c.channels[0].IOBufSize()
}

// Read advances the shared handle offset.
func (c *Client) Read(fd int, buf []byte) (int, error) {
	return c.readCommon(fd, buf, proto.UseHandleOffset)
}

// Pread reads at an explicit offset, leaving the handle offset alone.
func (c *Client) Pread(fd int, buf []byte, off int64) (int, error) {
	if off < 0 {
		return -1, apierrors.ErrInvalidArgs
	}
	return c.readCommon(fd, buf, off)
}

func (c *Client) readCommon(fd int, buf []byte, off int64) (int, error) {
	raw, err := c.fdArg(fd)
	if err != nil {
		return -1, err
	}
	chunk := c.maxIO()
	if chunk == 0 {
		return -1, apierrors.ErrStaleMount
	}
	total := 0
	for total < len(buf) {
		n := len(buf) - total
		if n > chunk {
			n = chunk
		}
		cur := off
		if off != proto.UseHandleOffset {
			cur = off + int64(total)
		}
		resp, _, err := c.call(&callArgs{
			op:     proto.OpRead,
			fd:     raw,
			offset: cur,
			length: int64(n),
			recv:   buf[total : total+n],
		})
		if err != nil {
			return total, err
		}
		total += int(resp.Ret)
		if resp.Ret < int64(n) {
			break // EOF
		}
	}
	return total, nil
}

// Readv fills the buffers in order.
func (c *Client) Readv(fd int, bufs [][]byte) (int, error) {
	total := 0
	for _, b := range bufs {
		n, err := c.Read(fd, b)
		total += n
		if err != nil {
			return total, err
		}
		if n < len(b) {
			break
		}
	}
	return total, nil
}

// Preadv reads the buffers in order starting at off.
func (c *Client) Preadv(fd int, bufs [][]byte, off int64) (int, error) {
	total := 0
	for _, b := range bufs {
		n, err := c.Pread(fd, b, off+int64(total))
		total += n
		if err != nil {
			return total, err
		}
		if n < len(b) {
			break
		}
	}
	return total, nil
}

// Write advances the shared handle offset (or appends under O_APPEND).
func (c *Client) Write(fd int, buf []byte) (int, error) {
	return c.writeCommon(fd, buf, proto.UseHandleOffset)
}

// Pwrite writes at an explicit offset.
func (c *Client) Pwrite(fd int, buf []byte, off int64) (int, error) {
	if off < 0 {
		return -1, apierrors.ErrInvalidArgs
	}
	return c.writeCommon(fd, buf, off)
}

func (c *Client) writeCommon(fd int, buf []byte, off int64) (int, error) {
	raw, err := c.fdArg(fd)
	if err != nil {
		return -1, err
	}
	chunk := c.maxIO()
	if chunk == 0 {
		return -1, apierrors.ErrStaleMount
	}
	total := 0
	for total < len(buf) || len(buf) == 0 {
		n := len(buf) - total
		if n > chunk {
			n = chunk
		}
		cur := off
		if off != proto.UseHandleOffset {
			cur = off + int64(total)
		}
		resp, _, err := c.call(&callArgs{
			op:     proto.OpWrite,
			fd:     raw,
			offset: cur,
			length: int64(n),
			send:   buf[total : total+n],
		})
		if err != nil {
			return total, err
		}
		total += int(resp.Ret)
		if len(buf) == 0 || resp.Ret < int64(n) {
			break
		}
	}
	return total, nil
}

func (c *Client) Writev(fd int, bufs [][]byte) (int, error) {
	total := 0
	for _, b := range bufs {
		n, err := c.Write(fd, b)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Client) Pwritev(fd int, bufs [][]byte, off int64) (int, error) {
	total := 0
	for _, b := range bufs {
		n, err := c.Pwrite(fd, b, off+int64(total))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Lseek repositions the handle offset. SEEK_END round-trips to the daemon
// so a follower reports the leader's freshest size.
func (c *Client) Lseek(fd int, off int64, whence uint32) (int64, error) {
	raw, err := c.fdArg(fd)
	if err != nil {
		return -1, err
	}
	resp, _, err := c.call(&callArgs{op: proto.OpLseek, fd: raw, offset: off, whence: whence})
	if err != nil {
		return -1, err
	}
	return resp.Ret, nil
}

func (c *Client) Truncate(path string, size int64) error {
	p, err := c.resolvePath(path)
	if err != nil {
		return err
	}
	_, _, err = c.call(&callArgs{op: proto.OpTruncate, path: p, offset: size})
	return err
}

func (c *Client) Ftruncate(fd int, size int64) error {
	raw, err := c.fdArg(fd)
	if err != nil {
		return err
	}
	_, _, err = c.call(&callArgs{op: proto.OpFtruncate, fd: raw, offset: size})
	return err
}

func (c *Client) Fallocate(fd int, mode uint32, off, length int64) error {
	raw, err := c.fdArg(fd)
	if err != nil {
		return err
	}
	_, _, err = c.call(&callArgs{op: proto.OpFallocate, fd: raw, mode: mode, offset: off, length: length})
	return err
}

// PosixFallocate is fallocate without KEEP_SIZE.
func (c *Client) PosixFallocate(fd int, off, length int64) error {
	return c.Fallocate(fd, 0, off, length)
}

func (c *Client) Stat(path string) (proto.StatInfo, error) {
	p, err := c.resolvePath(path)
	if err != nil {
		return proto.StatInfo{}, err
	}
	resp, _, err := c.call(&callArgs{op: proto.OpStat, path: p})
	if err != nil {
		return proto.StatInfo{}, err
	}
	return resp.Stat, nil
}

func (c *Client) Fstat(fd int) (proto.StatInfo, error) {
	raw, err := c.fdArg(fd)
	if err != nil {
		return proto.StatInfo{}, err
	}
	resp, _, err := c.call(&callArgs{op: proto.OpFstat, fd: raw})
	if err != nil {
		return proto.StatInfo{}, err
	}
	return resp.Stat, nil
}

func (c *Client) StatFS() (proto.StatFSInfo, error) {
	resp, _, err := c.call(&callArgs{op: proto.OpStatFS})
	if err != nil {
		return proto.StatFSInfo{}, err
	}
	return resp.StatFS, nil
}

// FstatFS matches statfs; the mount is the unit, not the descriptor.
func (c *Client) FstatFS(fd int) (proto.StatFSInfo, error) {
	if _, err := c.fdArg(fd); err != nil {
		return proto.StatFSInfo{}, err
	}
	return c.StatFS()
}

func (c *Client) Unlink(path string) error {
	p, err := c.resolvePath(path)
	if err != nil {
		return err
	}
	_, _, err = c.call(&callArgs{op: proto.OpUnlink, path: p})
	return err
}

func (c *Client) Mkdir(path string, mode uint32) error {
	p, err := c.resolvePath(path)
	if err != nil {
		return err
	}
	_, _, err = c.call(&callArgs{op: proto.OpMkdir, path: p, mode: mode})
	return err
}

func (c *Client) Rmdir(path string) error {
	p, err := c.resolvePath(path)
	if err != nil {
		return err
	}
	_, _, err = c.call(&callArgs{op: proto.OpRmdir, path: p})
	return err
}

// Rename moves oldPath to newPath, replacing an existing target.
func (c *Client) Rename(oldPath, newPath string) error {
	return c.rename(oldPath, newPath, 0)
}

// RenameNoReplace fails with EEXIST when the target exists.
func (c *Client) RenameNoReplace(oldPath, newPath string) error {
	return c.rename(oldPath, newPath, proto.RenameNoReplace)
}

func (c *Client) rename(oldPath, newPath string, flags uint32) error {
	po, err := c.resolvePath(oldPath)
	if err != nil {
		return err
	}
	pn, err := c.resolvePath(newPath)
	if err != nil {
		return err
	}
	_, _, err = c.call(&callArgs{op: proto.OpRename, path: po, path2: pn, flags: flags})
	return err
}

func (c *Client) Opendir(path string) (*Dir, error) {
	p, err := c.resolvePath(path)
	if err != nil {
		return nil, err
	}
	resp, _, err := c.call(&callArgs{op: proto.OpOpendir, path: p})
	if err != nil {
		return nil, err
	}
	return &Dir{c: c, fd: int32(resp.Ret)}, nil
}

// Readdir returns the next batch of entries; nil means end of directory.
func (d *Dir) Readdir(max int) ([]proto.Dirent, error) {
	if max <= 0 {
		max = 128
	}
	recv := make([]byte, d.c.maxIO())
	resp, data, err := d.c.call(&callArgs{op: proto.OpReaddir, fd: d.fd, length: int64(max), recv: recv})
	if err != nil {
		return nil, err
	}
	if resp.Ret == 0 {
		return nil, nil
	}
	return proto.UnmarshalDirents(data)
}

func (d *Dir) Close() error {
	_, _, err := d.c.call(&callArgs{op: proto.OpClosedir, fd: d.fd})
	return err
}

// Chdir sets the per-process working directory string.
func (c *Client) Chdir(path string) error {
	p, err := c.resolvePath(path)
	if err != nil {
		return err
	}
	resp, _, err := c.call(&callArgs{op: proto.OpStat, path: p})
	if err != nil {
		return err
	}
	if resp.Stat.Kind != proto.KindDir {
		return apierrors.ErrNotDir
	}
	c.wdMu.Lock()
	c.wd = p
	c.wdMu.Unlock()
	return nil
}

func (c *Client) Getcwd() string {
	c.wdMu.RLock()
	defer c.wdMu.RUnlock()
	return c.wd
}

// Access reports existence; mode bits are accepted and ignored, there are
// no per-user permissions.
func (c *Client) Access(path string, mode uint32) error {
	p, err := c.resolvePath(path)
	if err != nil {
		return err
	}
	_, _, err = c.call(&callArgs{op: proto.OpAccess, path: p, mode: mode})
	return err
}

// Fsync flushes the device write cache behind the file. It does NOT flush
// the metadata journal: metadata durability is established at transaction
// commit, which is a weaker contract than POSIX fsync.
func (c *Client) Fsync(fd int) error {
	raw, err := c.fdArg(fd)
	if err != nil {
		return err
	}
	_, _, err = c.call(&callArgs{op: proto.OpFsync, fd: raw})
	return err
}

// FMap returns up to max (logical, physical, length) triples of the file's
// device mapping.
func (c *Client) FMap(fd int, max int) ([]proto.FMapEntry, error) {
	raw, err := c.fdArg(fd)
	if err != nil {
		return nil, err
	}
	recv := make([]byte, c.maxIO())
	resp, data, err := c.call(&callArgs{op: proto.OpFMap, fd: raw, length: int64(max), recv: recv})
	if err != nil {
		return nil, err
	}
	if resp.Ret == 0 {
		return nil, nil
	}
	return proto.UnmarshalFMapEntries(data), nil
}

// Growfs extends the filesystem over a grown volume.
func (c *Client) Growfs() error {
	_, _, err := c.call(&callArgs{
		op:      proto.OpGrowfs,
		timeout: time.Duration(c.cfg.RemountTimeoutMs) * time.Millisecond,
	})
	return err
}

// Chmod succeeds without effect; there are no per-user permissions.
func (c *Client) Chmod(path string, mode uint32) error {
	p, err := c.resolvePath(path)
	if err != nil {
		return err
	}
	_, _, err = c.call(&callArgs{op: proto.OpAccess, path: p})
	return err
}

// Chown succeeds without effect.
func (c *Client) Chown(path string, uid, gid int) error {
	return c.Chmod(path, 0)
}

// Readlink always fails: symbolic links are not supported.
func (c *Client) Readlink(path string) (string, error) {
	return "", apierrors.ErrInvalidArgs
}
