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

package errors

import (
	"errors"
	"syscall"
	"testing"

	blberrors "github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/stretchr/testify/require"
)

func TestErrno(t *testing.T) {
	require.Equal(t, syscall.Errno(0), Errno(nil))
	require.Equal(t, syscall.ENOENT, Errno(ErrNotFound))
	require.Equal(t, syscall.EEXIST, Errno(ErrExist))
	require.Equal(t, syscall.EAGAIN, Errno(ErrAgain))
	require.Equal(t, syscall.ESTALE, Errno(ErrStaleMount))

	// wrapped errors keep their errno
	wrapped := blberrors.Info(ErrNoSpace, "allocating inode")
	require.Equal(t, syscall.ENOSPC, Errno(wrapped))

	// unknown errors degrade to EIO
	require.Equal(t, syscall.EIO, Errno(errors.New("boom")))
}

func TestFromErrnoRoundTrip(t *testing.T) {
	for _, e := range []*Error{
		ErrInvalidArgs, ErrBadFd, ErrNameTooLong, ErrNotFound, ErrExist,
		ErrNotDir, ErrIsDir, ErrNotEmpty, ErrNoSpace, ErrFileTooBig,
		ErrTooManyFiles, ErrNoMem, ErrAccess, ErrReadOnlyFS, ErrBusy,
		ErrCrossDevice, ErrAgain, ErrIO, ErrTimeout, ErrStaleMount,
		ErrNotSupported,
	} {
		require.Equal(t, e, FromErrno(e.Errno()))
	}
	require.NoError(t, FromErrno(0))
}

func TestIs(t *testing.T) {
	require.True(t, errors.Is(ErrNotFound, syscall.ENOENT))
	require.True(t, errors.Is(ErrNotFound, ErrNotFound))
	require.False(t, errors.Is(ErrNotFound, ErrExist))
}
