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
	"flag"
	"fmt"
	"os"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/pbfs/mount"
	"github.com/cubefs/pbfs/paxos"
)

var (
	flagDevDir     = flag.String("dev_dir", "/dev/pbfs", "directory holding pbd volumes")
	flagLockDir    = flag.String("lock_dir", paxos.DefaultLockDir, "hostid lock directory")
	flagPBD        = flag.String("p", "", "pbd name")
	flagSectorSize = flag.Uint("sector_size", 0, "sector size in bytes")
	flagFragSize   = flag.Uint("frag_size", 0, "fragment size in bytes")
	flagBlockSize  = flag.String("block_size", "", "data block size, e.g. 4MB")
	flagChunkSize  = flag.String("chunk_size", "", "chunk size, e.g. 10GB")
	flagJournalLen = flag.String("journal_len", "", "journal extent length, e.g. 64MB")
	flagHostID     = flag.Uint("host_id", 1, "host id for growfs")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] mkfs|growfs\n", os.Args[0])
	flag.PrintDefaults()
	os.Exit(1)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 || *flagPBD == "" {
		usage()
	}

	ctx := context.Background()
	var err error
	switch flag.Arg(0) {
	case "mkfs":
		err = mount.Mkfs(ctx, &mount.MkfsConfig{
			DevDir:     *flagDevDir,
			LockDir:    *flagLockDir,
			PBD:        *flagPBD,
			SectorSize: uint32(*flagSectorSize),
			FragSize:   uint32(*flagFragSize),
			BlockSize:  *flagBlockSize,
			ChunkSize:  *flagChunkSize,
			JournalLen: *flagJournalLen,
		})
	case "growfs":
		err = growfs(ctx)
	default:
		usage()
	}
	if err != nil {
		log.Errorf("%s failed: %s", flag.Arg(0), errors.Detail(err))
		os.Exit(1)
	}
}

// growfs mounts RW for the duration of the extension.
func growfs(ctx context.Context) error {
	env := mount.NewEnvironment(&mount.Config{
		DevDir:  *flagDevDir,
		LockDir: *flagLockDir,
	})
	if _, err := env.Mount(ctx, "", *flagPBD, uint32(*flagHostID), true); err != nil {
		return err
	}
	defer env.Umount(ctx, *flagPBD, false)
	return env.Growfs(ctx, *flagPBD)
}
