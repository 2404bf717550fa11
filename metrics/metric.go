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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	UnalignedRead4K = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "PBFS",
		Name:      "unaligned_r_4k",
		Help:      "read sectors needing read-modify-window alignment",
	})
	UnalignedWrite4K = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "PBFS",
		Name:      "unaligned_w_4k",
		Help:      "written sectors needing read-modify-write alignment",
	})

	RequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "PBFS",
		Name:      "request_total",
		Help:      "channel requests served, by opcode",
	}, []string{"op"})

	RequestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "PBFS",
		Name:      "request_errors",
		Help:      "channel requests failed, by opcode",
	}, []string{"op"})

	TxCommitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "PBFS",
		Name:      "tx_commit_total",
		Help:      "committed metadata transactions",
	})
	TxAbortTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "PBFS",
		Name:      "tx_abort_total",
		Help:      "aborted metadata transactions",
	})

	JournalReplayRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "PBFS",
		Name:      "journal_replay_records",
		Help:      "journal records applied by replay",
	})

	ZombieReclaimTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "PBFS",
		Name:      "zombie_reclaim_total",
		Help:      "channel slots reclaimed from dead owners",
	})
)

func init() {
	Registry.MustRegister(
		UnalignedRead4K,
		UnalignedWrite4K,
		RequestTotal,
		RequestErrors,
		TxCommitTotal,
		TxAbortTotal,
		JournalReplayRecords,
		ZombieReclaimTotal,
	)
}
