/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# PBFS: a shared-block distributed filesystem

PBFS layers POSIX-like file and directory semantics over a raw block volume
(a "PBD") that several hosts see at once. One host mounts read-write and is
the leader; the others mount read-only and follow. All coordination goes
through the shared device itself: a lease-fenced hostid region elects the
leader, and a journaled redo log replicates every metadata transaction to
the followers.

## Data Model

* Superblock, the sector-0 descriptor: geometry, lease region, journal
  extent, chunk table.

* Chunk, a fixed-size slice of the volume carrying its own metadata header
  (three allocator nodes: Inode, BlockTag, DirEntry) plus the data blocks.

* Inode, ino --> {kind, size, nblocks, times, refcount, chain heads}

* BlockTag, <owner ino, logical block index> --> physical block; the tags
  of one file form a chain ordered by logical index.

* DirEntry, <parent ino, name> --> child ino, chained per directory and
  hashed by name.

* birth_time, the per-slot monotonic generation stamp that makes stale
  references detectable after a slot is freed and reused.

## Architecture

The deployment splits into two processes per host:

* pbfsd - the daemon; owns the mount, the metadata engine, and the device.

* the sdk - the user library; issues POSIX calls over shared-memory
  request rings served by the daemon's worker pool.

Metadata changes are single-writer transactions: staged under the meta
lock, committed to the journal with CRC-protected records, then pushed
through to their chunk home locations. Followers poll the journal tail and
replay. Data I/O bypasses all of that and goes straight from the block
mapping to sector-aligned device submissions.

## Building Blocks

* Prometheus
* blobstore common libraries (log, trace, taskpool, bytespool, config)
* btree

*/

package pbfs
