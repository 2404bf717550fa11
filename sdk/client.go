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
	"context"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"golang.org/x/sync/singleflight"

	"github.com/cubefs/pbfs/channel"
	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/meta"
	"github.com/cubefs/pbfs/proto"
)

const (
	// eagainRetryMax bounds the transparent EAGAIN retry loop at the API
	// shim; an unbounded spin would turn version skew into a livelock.
	eagainRetryMax   = 256
	eagainRetrySleep = time.Millisecond

	staleRetryMax = 8

	slotWaitSleep = 100 * time.Microsecond
)

type Config struct {
	ShmDir string `json:"shm_dir"`
	PBD    string `json:"pbd"`

	RequestTimeoutMs int64 `json:"request_timeout_ms"`
	RemountTimeoutMs int64 `json:"remount_timeout_ms"`
}

// Client is the library side of one PBD connection: it maps the daemon's
// channels and speaks the slot protocol.
type Client struct {
	cfg Config
	pid uint32

	mu       sync.RWMutex
	channels []*channel.Channel

	mountEpoch atomic.Uint64
	mountID    atomic.Uint64

	wdMu sync.RWMutex
	wd   string

	sf     singleflight.Group
	reqSeq atomic.Uint64
	next   atomic.Uint32
}

// Connect maps every channel the daemon published for the pbd and runs the
// connect handshake.
func Connect(cfg *Config) (*Client, error) {
	if cfg.RequestTimeoutMs <= 0 {
		cfg.RequestTimeoutMs = channel.DefaultRequestTimeout.Milliseconds()
	}
	if cfg.RemountTimeoutMs <= 0 {
		cfg.RemountTimeoutMs = channel.DefaultRemountTimeout.Milliseconds()
	}
	c := &Client{cfg: *cfg, pid: uint32(os.Getpid()), wd: "/"}
	if err := c.openChannels(); err != nil {
		return nil, err
	}
	if err := c.connect(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) openChannels() error {
	var chans []*channel.Channel
	for i := uint32(0); ; i++ {
		path := channel.Path(c.cfg.ShmDir, c.cfg.PBD, i)
		if _, err := os.Stat(path); err != nil {
			break
		}
		ch, err := channel.Open(path)
		if err != nil {
			for _, o := range chans {
				o.Close()
			}
			return err
		}
		chans = append(chans, ch)
	}
	if len(chans) == 0 {
		return apierrors.ErrNotFound
	}
	c.mu.Lock()
	c.channels = chans
	c.mu.Unlock()
	return nil
}

func (c *Client) connect() error {
	resp, _, err := c.call(&callArgs{op: proto.OpConnect})
	if err != nil {
		return err
	}
	c.mountEpoch.Store(resp.MountEpoch)
	c.mountID.Store(resp.MountID)
	log.Infof("connected to pbfsd %s, mount id %d epoch %d", c.cfg.PBD, resp.MountID, resp.MountEpoch)
	return nil
}

// updateMeta refreshes the cached mount identity after an ESTALE, one
// in-flight refresh at a time.
func (c *Client) updateMeta() error {
	_, err, _ := c.sf.Do("update_meta", func() (interface{}, error) {
		resp, _, err := c.call(&callArgs{op: proto.OpUpdateMeta})
		if err != nil {
			return nil, err
		}
		c.mountEpoch.Store(resp.MountEpoch)
		c.mountID.Store(resp.MountID)
		return nil, nil
	})
	return err
}

// AfterForkChild reinitializes per-connection state in a forked child
// before any other method runs: fresh mappings, fresh pid, fresh locks.
func (c *Client) AfterForkChild() error {
	c.mu.Lock()
	old := c.channels
	c.channels = nil
	c.mu.Unlock()
	for _, ch := range old {
		ch.Close()
	}
	c.pid = uint32(os.Getpid())
	c.sf = singleflight.Group{}
	if err := c.openChannels(); err != nil {
		return err
	}
	return c.connect()
}

// AbortRequests releases channel slots claimed by pid, for crashed forked
// children.
func (c *Client) AbortRequests(pid uint32) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, ch := range c.channels {
		n += ch.Abort(pid, nil)
	}
	return n
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.channels {
		ch.Close()
	}
	c.channels = nil
	return nil
}

type callArgs struct {
	op      proto.OpCode
	fd      int32
	flags   uint32
	mode    uint32
	whence  uint32
	offset  int64
	length  int64
	path    string
	path2   string
	send    []byte
	recv    []byte
	timeout time.Duration
}

// call runs one request round trip, retrying transparently on ESTALE and
// (bounded) on EAGAIN.
func (c *Client) call(a *callArgs) (*proto.Response, []byte, error) {
	for stale := 0; ; stale++ {
		resp, data, err := c.callEagain(a)
		if err == apierrors.ErrStaleMount && stale < staleRetryMax {
			if uerr := c.updateMeta(); uerr != nil {
				return nil, nil, uerr
			}
			continue
		}
		return resp, data, err
	}
}

func (c *Client) callEagain(a *callArgs) (*proto.Response, []byte, error) {
	for try := 0; ; try++ {
		resp, data, err := c.callOnce(a)
		if err == apierrors.ErrAgain && try < eagainRetryMax {
			time.Sleep(eagainRetrySleep)
			continue
		}
		return resp, data, err
	}
}

func (c *Client) callOnce(a *callArgs) (*proto.Response, []byte, error) {
	c.mu.RLock()
	chans := c.channels
	c.mu.RUnlock()
	if len(chans) == 0 {
		return nil, nil, apierrors.ErrStaleMount
	}

	timeout := a.timeout
	if timeout == 0 {
		timeout = time.Duration(c.cfg.RequestTimeoutMs) * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	ch := chans[int(c.next.Add(1))%len(chans)]
	var slot int
	for {
		var ok bool
		if slot, ok = ch.AllocSlot(c.pid); ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, nil, apierrors.ErrTimeout
		}
		time.Sleep(slotWaitSleep)
	}

	iobuf := ch.IOBuf(slot)
	req := proto.Request{
		Magic:      proto.RequestMagic,
		Op:         a.op,
		Pid:        c.pid,
		MountEpoch: c.mountEpoch.Load(),
		MountID:    c.mountID.Load(),
		ReqID:      c.reqSeq.Add(1),
		Fd:         a.fd,
		Flags:      a.flags,
		Mode:       a.mode,
		Whence:     a.whence,
		Offset:     a.offset,
		Len:        a.length,
	}
	switch {
	case a.path2 != "":
		n := copy(iobuf, a.path)
		n2 := copy(iobuf[n:], a.path2)
		req.PathLen = uint32(n + n2)
		req.Path2Off = uint32(n)
	case a.path != "":
		req.PathLen = uint32(copy(iobuf, a.path))
	case len(a.send) > 0:
		if len(a.send) > len(iobuf) {
			return nil, nil, apierrors.ErrInvalidArgs
		}
		copy(iobuf, a.send)
	}
	req.Marshal(ch.ReqBuf(slot))

	ch.Post(slot)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	err := ch.WaitResponse(ctx, slot, time.Until(deadline))
	cancel()
	if err != nil {
		return nil, nil, err
	}

	var resp proto.Response
	if uerr := resp.Unmarshal(ch.RespBuf(slot)); uerr != nil {
		ch.FreeSlot(slot)
		return nil, nil, apierrors.ErrIO
	}

	var data []byte
	if a.recv != nil && resp.Len > 0 {
		n := resp.Len
		if n > int64(len(a.recv)) {
			n = int64(len(a.recv))
		}
		copy(a.recv, iobuf[:n])
		data = a.recv[:n]
	} else if resp.Len > 0 && a.recv == nil {
		data = append([]byte(nil), iobuf[:resp.Len]...)
	}
	ch.FreeSlot(slot)

	if resp.Errno != 0 {
		return &resp, data, apierrors.FromErrno(syscall.Errno(resp.Errno))
	}
	return &resp, data, nil
}

// resolvePath makes path mount-absolute: relative paths are joined onto
// the working directory, the "/<pbd>" prefix is verified and stripped.
func (c *Client) resolvePath(path string) (string, error) {
	if len(path) > proto.MaxPathLen {
		return "", apierrors.ErrNameTooLong
	}
	if len(path) == 0 {
		return "", apierrors.ErrInvalidArgs
	}
	if path[0] != '/' {
		c.wdMu.RLock()
		wd := c.wd
		c.wdMu.RUnlock()
		return joinPath(wd, path), nil
	}
	pbd, rest, err := meta.SplitPBD(path)
	if err != nil {
		return "", err
	}
	if pbd != c.cfg.PBD {
		return "", apierrors.ErrCrossDevice
	}
	return rest, nil
}

func joinPath(wd, rel string) string {
	if wd == "" || wd[len(wd)-1] == '/' {
		return wd + rel
	}
	return wd + "/" + rel
}
