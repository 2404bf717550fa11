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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConcurrencyGate(t *testing.T) {
	lim := New(Config{ReadConcurrency: 2})

	require.NoError(t, lim.AcquireRead())
	require.NoError(t, lim.AcquireRead())
	require.Equal(t, ErrLimited, lim.AcquireRead())

	lim.ReleaseRead()
	require.NoError(t, lim.AcquireRead())
	require.Equal(t, 2, lim.Status().ReadRunning)

	// writes have their own gate
	require.NoError(t, lim.AcquireWrite())
	lim.ReleaseWrite()
}

func TestUnlimited(t *testing.T) {
	lim := New(Config{})
	for i := 0; i < 100; i++ {
		require.NoError(t, lim.AcquireRead())
		require.NoError(t, lim.AcquireWrite())
	}
	require.NoError(t, lim.WaitRead(context.Background(), 1<<20))
	require.NoError(t, lim.WaitWrite(context.Background(), 1<<20))
}

func TestRateBudget(t *testing.T) {
	lim := New(Config{WriteMBPS: 1})
	// within the burst budget this returns without blocking
	require.NoError(t, lim.WaitWrite(context.Background(), 1<<20))
}
