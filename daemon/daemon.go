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

package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"golang.org/x/sys/unix"

	"github.com/cubefs/pbfs/channel"
	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/mount"
	"github.com/cubefs/pbfs/util/limiter"
)

const (
	// WorkerMax bounds -w, like the reference daemon.
	WorkerMax = 256

	zombieRecycleWait = 5 * time.Second
	zombieGrace       = 10 * time.Second
)

type Config struct {
	PBD      string `json:"pbd"`
	ServerID int    `json:"server_id"`

	Workers  int `json:"workers"`
	Pollers  int `json:"pollers"`
	UsleepUs int `json:"usleep_us"`

	ShmDir    string `json:"shm_dir"`
	RunDir    string `json:"run_dir"`
	NSlots    int    `json:"slots_per_channel"`
	IOBufSize int    `json:"iobuf_size"`

	HostID            uint32 `json:"host_id"`
	ReadOnly          bool   `json:"read_only"`
	AutoIncreaseEpoch bool   `json:"auto_increase_epoch"`

	Mount mount.Config   `json:"mount_config"`
	Limit limiter.Config `json:"limit_config"`
}

func (cfg *Config) fixup() error {
	if cfg.PBD == "" {
		return apierrors.ErrInvalidArgs
	}
	if cfg.Workers < 1 || cfg.Workers > WorkerMax {
		return apierrors.ErrInvalidArgs
	}
	if cfg.UsleepUs < 0 || cfg.UsleepUs > 1000 {
		return apierrors.ErrInvalidArgs
	}
	if cfg.Pollers <= 0 {
		cfg.Pollers = cfg.Workers
	}
	if cfg.NSlots <= 0 {
		cfg.NSlots = 32
	}
	if cfg.IOBufSize <= 0 {
		cfg.IOBufSize = channel.DefaultIOBufSize
	}
	if cfg.ShmDir == "" {
		cfg.ShmDir = "/dev/shm/pbfs"
	}
	if cfg.RunDir == "" {
		cfg.RunDir = "/var/run/pbfs"
	}
	if cfg.HostID == 0 {
		cfg.HostID = 1
	}
	cfg.Mount.Paxos.AutoIncreaseEpoch = cfg.AutoIncreaseEpoch
	return nil
}

// Server is the daemon: it owns the mount and serves library requests
// arriving over the shm channels.
type Server struct {
	cfg *Config
	env *mount.Environment
	mnt *mount.Mount
	lim limiter.Limiter

	channels []*channel.Channel
	busy     [][]int32 // per channel per slot, worker claim marks

	pool taskpool.TaskPool

	pidfile *os.File

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewServer mounts the PBD and builds one channel per worker.
func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	if err := cfg.fixup(); err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, stop: make(chan struct{}), lim: limiter.New(cfg.Limit)}
	if err := s.openPidfile(); err != nil {
		return nil, err
	}

	s.env = mount.NewEnvironment(&cfg.Mount)
	mnt, err := s.env.Mount(ctx, "", cfg.PBD, cfg.HostID, !cfg.ReadOnly)
	if err != nil {
		s.closePidfile()
		return nil, err
	}
	s.mnt = mnt

	for i := 0; i < cfg.Workers; i++ {
		ch, err := channel.Create(channel.Path(cfg.ShmDir, cfg.PBD, uint32(i)), cfg.NSlots, cfg.IOBufSize)
		if err != nil {
			s.teardown(ctx)
			return nil, errors.Info(err, "create channel", i)
		}
		ch.SetMountInfo(mnt.Epoch(), mnt.ID)
		s.channels = append(s.channels, ch)
		s.busy = append(s.busy, make([]int32, cfg.NSlots))
	}

	s.pool = taskpool.New(cfg.Workers, cfg.Workers)
	return s, nil
}

// pidfile keeps a second daemon off the same pbd on this host.
func (s *Server) openPidfile() error {
	if err := os.MkdirAll(s.cfg.RunDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.cfg.RunDir, fmt.Sprintf("pbfsd.%s.pid", s.cfg.PBD))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return apierrors.ErrBusy
	}
	f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	s.pidfile = f
	return nil
}

func (s *Server) closePidfile() {
	if s.pidfile != nil {
		os.Remove(s.pidfile.Name())
		s.pidfile.Close()
		s.pidfile = nil
	}
}

// Start launches the poller loops and the zombie recycler.
func (s *Server) Start() {
	for w := 0; w < len(s.channels); w++ {
		s.wg.Add(1)
		go s.pollLoop(w)
	}
	s.wg.Add(1)
	go s.mainLoop()
	log.Infof("pbfsd started: pbd %s, %d workers, %d slots each", s.cfg.PBD, s.cfg.Workers, s.cfg.NSlots)
}

// pollLoop scans one channel's slots with a bounded sleep, handing fresh
// requests to the worker pool.
func (s *Server) pollLoop(w int) {
	defer s.wg.Done()
	ch := s.channels[w]
	sleep := time.Duration(s.cfg.UsleepUs) * time.Microsecond
	if sleep == 0 {
		sleep = 10 * time.Microsecond
	}
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		found := false
		ch.TakeOwned(func(slot int) {
			if !atomic.CompareAndSwapInt32(&s.busy[w][slot], 0, 1) {
				return
			}
			found = true
			s.pool.Run(func() {
				s.serve(ch, slot)
				atomic.StoreInt32(&s.busy[w][slot], 0)
			})
		})
		if !found {
			time.Sleep(sleep)
		}
	}
}

// mainLoop recycles zombie slots whose owners died.
func (s *Server) mainLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(zombieRecycleWait)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for w, ch := range s.channels {
				w := w
				ch.ReclaimZombies(zombieGrace, pidAlive, func(slot int) bool {
					return atomic.LoadInt32(&s.busy[w][slot]) != 0
				})
			}
		}
	}
}

func pidAlive(pid uint32) bool {
	return syscall.Kill(int(pid), 0) == nil
}

// AbortRequests releases every slot owned by pid across all channels.
func (s *Server) AbortRequests(pid uint32) int {
	n := 0
	for w, ch := range s.channels {
		w := w
		n += ch.Abort(pid, func(slot int) bool {
			return atomic.LoadInt32(&s.busy[w][slot]) != 0
		})
	}
	return n
}

// Stop drains the daemon and unmounts.
func (s *Server) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.teardown(ctx)
	log.Info("pbfsd stopped")
}

func (s *Server) teardown(ctx context.Context) {
	for _, ch := range s.channels {
		ch.Close()
	}
	s.channels = nil
	if s.mnt != nil {
		if err := s.env.Umount(ctx, s.cfg.PBD, false); err != nil {
			log.Errorf("umount %s: %v", s.cfg.PBD, err)
		}
		s.mnt = nil
	}
	s.closePidfile()
}
