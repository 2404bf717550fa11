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
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/pbfs/channel"
	apierrors "github.com/cubefs/pbfs/errors"
	"github.com/cubefs/pbfs/file"
	"github.com/cubefs/pbfs/meta"
	"github.com/cubefs/pbfs/metrics"
	"github.com/cubefs/pbfs/proto"
)

// serve decodes one slot's request, runs it, and hands the slot back.
func (s *Server) serve(ch *channel.Channel, slot int) {
	span, ctx := trace.StartSpanFromContext(context.Background(), "pbfsd")

	var req proto.Request
	var resp proto.Response
	if err := req.Unmarshal(ch.ReqBuf(slot)); err != nil {
		resp.Errno = int32(syscall.EINVAL)
		s.finish(ch, slot, &req, &resp)
		return
	}
	resp.ReqID = req.ReqID

	metrics.RequestTotal.WithLabelValues(req.Op.String()).Inc()
	err := s.dispatch(ctx, ch, slot, &req, &resp)
	if err != nil {
		metrics.RequestErrors.WithLabelValues(req.Op.String()).Inc()
		resp.Errno = int32(apierrors.Errno(err))
		span.Debugf("op %s errno %d: %v", req.Op, resp.Errno, err)
	}
	s.finish(ch, slot, &req, &resp)
}

func (s *Server) finish(ch *channel.Channel, slot int, req *proto.Request, resp *proto.Response) {
	resp.MountEpoch = s.mnt.Epoch()
	resp.MountID = s.mnt.ID
	resp.Marshal(ch.RespBuf(slot))
	ch.CompleteRequest(slot)
}

func (s *Server) reqPath(ch *channel.Channel, slot int, req *proto.Request) (string, error) {
	if req.PathLen == 0 || int(req.PathLen) > ch.IOBufSize() {
		return "", apierrors.ErrInvalidArgs
	}
	return string(ch.IOBuf(slot)[:req.PathLen]), nil
}

func (s *Server) reqPath2(ch *channel.Channel, slot int, req *proto.Request) (string, string, error) {
	if req.Path2Off == 0 || req.Path2Off > req.PathLen {
		return "", "", apierrors.ErrInvalidArgs
	}
	buf := ch.IOBuf(slot)[:req.PathLen]
	return string(buf[:req.Path2Off]), string(buf[req.Path2Off:]), nil
}

func (s *Server) dispatch(ctx context.Context, ch *channel.Channel, slot int, req *proto.Request, resp *proto.Response) error {
	m := s.mnt

	switch req.Op {
	case proto.OpConnect, proto.OpUpdateMeta:
		ch.SetMountInfo(m.Epoch(), m.ID)
		resp.Ret = int64(slot)
		return nil
	}

	// fencing: requests carrying a stale mount view bounce with ESTALE so
	// the library refreshes and retries
	if req.MountID != m.ID || req.MountEpoch != m.Epoch() {
		return apierrors.ErrStaleMount
	}

	if err := m.RLockIO(); err != nil {
		return err
	}
	defer m.RUnlockIO()

	files := m.Files
	switch req.Op {
	case proto.OpOpen:
		path, err := s.reqPath(ch, slot, req)
		if err != nil {
			return err
		}
		fd, err := files.Open(ctx, path, req.Flags, req.Mode)
		if err != nil {
			return err
		}
		resp.Ret = int64(fd)

	case proto.OpClose:
		return files.Close(ctx, req.Fd)

	case proto.OpRead:
		if req.Len < 0 || req.Len > int64(ch.IOBufSize()) {
			return apierrors.ErrInvalidArgs
		}
		if err := s.lim.AcquireRead(); err != nil {
			return apierrors.ErrAgain
		}
		defer s.lim.ReleaseRead()
		if err := s.lim.WaitRead(ctx, int(req.Len)); err != nil {
			return apierrors.ErrTimeout
		}
		n, err := files.Read(ctx, req.Fd, ch.IOBuf(slot)[:req.Len], req.Offset)
		if err != nil {
			return err
		}
		resp.Ret = n
		resp.Len = n

	case proto.OpWrite:
		if req.Len < 0 || req.Len > int64(ch.IOBufSize()) {
			return apierrors.ErrInvalidArgs
		}
		if err := s.lim.AcquireWrite(); err != nil {
			return apierrors.ErrAgain
		}
		defer s.lim.ReleaseWrite()
		if err := s.lim.WaitWrite(ctx, int(req.Len)); err != nil {
			return apierrors.ErrTimeout
		}
		n, err := files.Write(ctx, req.Fd, ch.IOBuf(slot)[:req.Len], req.Offset)
		if err != nil {
			return err
		}
		resp.Ret = n

	case proto.OpLseek:
		if req.Whence == file.SeekEnd { // SEEK_END wants the freshest size
			if err := m.PollJournal(ctx); err != nil {
				return err
			}
		}
		pos, err := files.Lseek(ctx, req.Fd, req.Offset, req.Whence)
		if err != nil {
			return err
		}
		resp.Ret = pos

	case proto.OpTruncate:
		path, err := s.reqPath(ch, slot, req)
		if err != nil {
			return err
		}
		return files.Truncate(ctx, path, req.Offset)

	case proto.OpFtruncate:
		return files.Ftruncate(ctx, req.Fd, req.Offset)

	case proto.OpFallocate:
		return files.Fallocate(ctx, req.Fd, req.Mode, req.Offset, req.Len)

	case proto.OpStat, proto.OpAccess:
		path, err := s.reqPath(ch, slot, req)
		if err != nil {
			return err
		}
		st, err := files.Stat(ctx, path)
		if err != nil {
			return err
		}
		resp.Stat = st

	case proto.OpFstat:
		st, err := files.Fstat(ctx, req.Fd)
		if err != nil {
			return err
		}
		resp.Stat = st

	case proto.OpStatFS:
		resp.StatFS = m.Store().StatFS()

	case proto.OpUnlink:
		path, err := s.reqPath(ch, slot, req)
		if err != nil {
			return err
		}
		return s.unlink(ctx, path)

	case proto.OpMkdir:
		path, err := s.reqPath(ch, slot, req)
		if err != nil {
			return err
		}
		return s.mkdir(ctx, path)

	case proto.OpRmdir:
		path, err := s.reqPath(ch, slot, req)
		if err != nil {
			return err
		}
		return s.rmdir(ctx, path)

	case proto.OpRename:
		oldPath, newPath, err := s.reqPath2(ch, slot, req)
		if err != nil {
			return err
		}
		return s.rename(ctx, oldPath, newPath, req.Flags&proto.RenameNoReplace != 0)

	case proto.OpOpendir:
		path, err := s.reqPath(ch, slot, req)
		if err != nil {
			return err
		}
		fd, err := files.Opendir(ctx, path)
		if err != nil {
			return err
		}
		resp.Ret = int64(fd)

	case proto.OpReaddir:
		ents, err := files.Readdir(ctx, req.Fd, int(req.Len))
		if err != nil {
			return err
		}
		n, packed := proto.MarshalDirents(ch.IOBuf(slot), ents)
		resp.Len = int64(n)
		resp.Ret = int64(packed)

	case proto.OpClosedir:
		return files.Closedir(ctx, req.Fd)

	case proto.OpFsync:
		return files.Fsync(ctx, req.Fd)

	case proto.OpFMap:
		ents, err := files.FMap(ctx, req.Fd, int(req.Len))
		if err != nil {
			return err
		}
		resp.Len = int64(proto.MarshalFMapEntries(ch.IOBuf(slot), ents))
		resp.Ret = int64(len(ents))

	case proto.OpGrowfs:
		return s.env.Growfs(ctx, s.cfg.PBD)

	default:
		return apierrors.ErrNotSupported
	}
	return nil
}

// metadata-only namespace ops run their transaction here; the path was
// already made mount-absolute by the library.
func (s *Server) unlink(ctx context.Context, path string) error {
	m := s.mnt
	if !m.Writable() {
		return apierrors.ErrReadOnlyFS
	}
	ni, err := m.Store().Resolve(path)
	if err != nil {
		return err
	}
	if ni.TargetIno == 0 {
		return apierrors.ErrNotFound
	}
	tx := m.Store().Begin(m.Journal())
	if err := tx.Unlink(&ni); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit(ctx)
}

func (s *Server) mkdir(ctx context.Context, path string) error {
	m := s.mnt
	if !m.Writable() {
		return apierrors.ErrReadOnlyFS
	}
	ni, err := m.Store().Resolve(path)
	if err != nil {
		return err
	}
	if ni.TargetIno != 0 {
		return apierrors.ErrExist
	}
	tx := m.Store().Begin(m.Journal())
	if _, err := tx.Mkdir(ni.ParentIno, ni.FinalName); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit(ctx)
}

func (s *Server) rmdir(ctx context.Context, path string) error {
	m := s.mnt
	if !m.Writable() {
		return apierrors.ErrReadOnlyFS
	}
	ni, err := m.Store().Resolve(path)
	if err != nil {
		return err
	}
	if ni.TargetIno == 0 {
		return apierrors.ErrNotFound
	}
	if ni.TargetIno == meta.RootIno {
		return apierrors.ErrBusy
	}
	tx := m.Store().Begin(m.Journal())
	if err := tx.Rmdir(&ni); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit(ctx)
}

func (s *Server) rename(ctx context.Context, oldPath, newPath string, noReplace bool) error {
	m := s.mnt
	if !m.Writable() {
		return apierrors.ErrReadOnlyFS
	}
	src, err := m.Store().Resolve(oldPath)
	if err != nil {
		return err
	}
	if src.TargetIno == 0 {
		return apierrors.ErrNotFound
	}
	dst, err := m.Store().Resolve(newPath)
	if err != nil {
		return err
	}
	if dst.FinalName == "" {
		return apierrors.ErrInvalidArgs
	}
	tx := m.Store().Begin(m.Journal())
	if err := tx.Rename(&src, dst.ParentIno, dst.FinalName, noReplace); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit(ctx)
}
