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

package limiter

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/time/rate"
)

var ErrLimited = errors.New("io concurrency limit reached")

type (
	// Limiter throttles the daemon's data path: a concurrency gate plus an
	// optional bytes-per-second budget per direction.
	Limiter interface {
		AcquireRead() error
		ReleaseRead()
		AcquireWrite() error
		ReleaseWrite()
		WaitRead(ctx context.Context, n int) error
		WaitWrite(ctx context.Context, n int) error
		Status() Status
	}

	Config struct {
		ReadConcurrency  int `json:"read_concurrency"`
		WriteConcurrency int `json:"write_concurrency"`
		ReadMBPS         int `json:"read_mbps"`
		WriteMBPS        int `json:"write_mbps"`
	}

	Status struct {
		Config       Config
		ReadRunning  int
		WriteRunning int
	}

	countGate struct {
		limit   int32
		running int32
	}

	limiter struct {
		config    Config
		readGate  *countGate
		writeGate *countGate
		readRate  *rate.Limiter
		writeRate *rate.Limiter
	}
)

func (g *countGate) acquire() error {
	if g == nil {
		return nil
	}
	if atomic.AddInt32(&g.running, 1) > atomic.LoadInt32(&g.limit) {
		atomic.AddInt32(&g.running, -1)
		return ErrLimited
	}
	return nil
}

func (g *countGate) release() {
	if g != nil {
		atomic.AddInt32(&g.running, -1)
	}
}

func (g *countGate) count() int {
	if g == nil {
		return 0
	}
	return int(atomic.LoadInt32(&g.running))
}

func New(cfg Config) Limiter {
	const mb = 1 << 20
	lim := &limiter{config: cfg}
	if cfg.ReadConcurrency > 0 {
		lim.readGate = &countGate{limit: int32(cfg.ReadConcurrency)}
	}
	if cfg.WriteConcurrency > 0 {
		lim.writeGate = &countGate{limit: int32(cfg.WriteConcurrency)}
	}
	if cfg.ReadMBPS > 0 {
		lim.readRate = rate.NewLimiter(rate.Limit(cfg.ReadMBPS*mb), cfg.ReadMBPS*mb)
	}
	if cfg.WriteMBPS > 0 {
		lim.writeRate = rate.NewLimiter(rate.Limit(cfg.WriteMBPS*mb), cfg.WriteMBPS*mb)
	}
	return lim
}

func (lim *limiter) AcquireRead() error  { return lim.readGate.acquire() }
func (lim *limiter) ReleaseRead()        { lim.readGate.release() }
func (lim *limiter) AcquireWrite() error { return lim.writeGate.acquire() }
func (lim *limiter) ReleaseWrite()       { lim.writeGate.release() }

func (lim *limiter) WaitRead(ctx context.Context, n int) error {
	if lim.readRate == nil {
		return nil
	}
	return lim.readRate.WaitN(ctx, n)
}

func (lim *limiter) WaitWrite(ctx context.Context, n int) error {
	if lim.writeRate == nil {
		return nil
	}
	return lim.writeRate.WaitN(ctx, n)
}

func (lim *limiter) Status() Status {
	return Status{
		Config:       lim.config,
		ReadRunning:  lim.readGate.count(),
		WriteRunning: lim.writeGate.count(),
	}
}
