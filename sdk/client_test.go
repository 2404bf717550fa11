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
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/pbfs/errors"
)

func TestResolvePath(t *testing.T) {
	c := &Client{cfg: Config{PBD: "pbd1"}, wd: "/"}

	p, err := c.resolvePath("/pbd1/a/b")
	require.NoError(t, err)
	require.Equal(t, "/a/b", p)

	p, err = c.resolvePath("/pbd1")
	require.NoError(t, err)
	require.Equal(t, "/", p)

	// relative paths join onto the working directory
	c.wd = "/sub"
	p, err = c.resolvePath("x.txt")
	require.NoError(t, err)
	require.Equal(t, "/sub/x.txt", p)

	c.wd = "/"
	p, err = c.resolvePath("x.txt")
	require.NoError(t, err)
	require.Equal(t, "/x.txt", p)

	_, err = c.resolvePath("/otherpbd/a")
	require.Equal(t, apierrors.ErrCrossDevice, err)

	_, err = c.resolvePath("")
	require.Equal(t, apierrors.ErrInvalidArgs, err)
}
