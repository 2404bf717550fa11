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

package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cubefs/pbfs/daemon"
	"github.com/cubefs/pbfs/metrics"
)

// Config is the daemon process config; CLI flags override file values.
type Config struct {
	daemon.Config

	HttpBindPort  uint32    `json:"http_bind_port"`
	MaxProcessors int       `json:"max_processors"`
	LogLevel      log.Level `json:"log_level"`
	LogConfigPath string    `json:"log_config_path"`
}

var (
	flagForeground = flag.Bool("f", false, "run in foreground")
	flagDaemonize  = flag.Bool("d", false, "daemonize")
	flagWorkers    = flag.Int("w", 0, "worker threads")
	flagPollers    = flag.Int("r", 0, "poller threads")
	flagPBD        = flag.String("p", "", "pbd name")
	flagServerID   = flag.Int("e", 0, "server id")
	flagShmDir     = flag.String("a", "", "shm directory")
	flagLogCfg     = flag.String("c", "", "log config path")
	flagAutoEpoch  = flag.Bool("q", false, "auto increase epoch on rw mount")
)

func main() {
	config.Init("config", "", "pbfsd.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}
	applyFlags(cfg)

	if *flagDaemonize && !*flagForeground {
		redaemonize()
		return
	}

	modifyOpenFiles()
	log.SetOutputLevel(cfg.LogLevel)
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}

	srv, err := daemon.NewServer(context.Background(), &cfg.Config)
	if err != nil {
		log.Fatalf("pbfsd start failed: %s", errors.Detail(err))
	}
	srv.Start()

	if cfg.HttpBindPort > 0 {
		go serveMetrics(cfg.HttpBindPort)
	}

	// SIGINT stops, SIGHUP reloads the log config, SIGPIPE is ignored
	signal.Ignore(syscall.SIGPIPE)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	for sig := range ch {
		if sig == syscall.SIGHUP {
			reloadLogConfig(cfg.LogConfigPath)
			continue
		}
		break
	}

	srv.Stop()
}

func applyFlags(cfg *Config) {
	flag.Parse()
	if *flagPBD != "" {
		cfg.PBD = *flagPBD
	}
	if *flagWorkers > 0 {
		cfg.Workers = *flagWorkers
	}
	if *flagPollers > 0 {
		cfg.Pollers = *flagPollers
	}
	if *flagServerID != 0 {
		cfg.ServerID = *flagServerID
	}
	if *flagShmDir != "" {
		cfg.ShmDir = *flagShmDir
	}
	if *flagLogCfg != "" {
		cfg.LogConfigPath = *flagLogCfg
	}
	if *flagAutoEpoch {
		cfg.AutoIncreaseEpoch = true
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
}

// redaemonize re-execs the process detached, the Go stand-in for daemon(3).
func redaemonize() {
	args := append([]string{"-f"}, os.Args[1:]...)
	cmd := exec.Command(os.Args[0], args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		log.Fatalf("daemonize failed: %v", err)
	}
	os.Exit(0)
}

func serveMetrics(port uint32) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(":"+strconv.Itoa(int(port)), mux); err != nil {
		log.Errorf("metrics server: %v", err)
	}
}

// reloadLogConfig re-reads {"log_level": N} from the -c file.
func reloadLogConfig(path string) {
	if path == "" {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Errorf("reload log config %s: %v", path, err)
		return
	}
	var lc struct {
		LogLevel log.Level `json:"log_level"`
	}
	if err := json.Unmarshal(raw, &lc); err != nil {
		log.Errorf("parse log config %s: %v", path, err)
		return
	}
	log.SetOutputLevel(lc.LogLevel)
	log.Infof("log level reloaded: %d", lc.LogLevel)
}

func modifyOpenFiles() {
	var rLimit syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	if rLimit.Cur >= 102400 && rLimit.Max >= 102400 {
		return
	}
	rLimit.Cur = 1024000
	rLimit.Max = 1024000
	if err = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		log.Errorf("setting rlimit failed: %s", err)
	}
}
