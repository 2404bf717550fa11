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

package util

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// GenTmpPath creates a fresh scratch directory for tests and tooling.
func GenTmpPath() (string, error) {
	path := filepath.Join(os.TempDir(), "pbfs-"+uuid.NewString())
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// RoundUp rounds n up to a multiple of align. align must be non-zero.
func RoundUp(n, align uint64) uint64 {
	return (n + align - 1) / align * align
}

// RoundDown rounds n down to a multiple of align.
func RoundDown(n, align uint64) uint64 {
	return n / align * align
}

// IsAligned reports whether n is a multiple of align, align a power of two.
func IsAligned(n, align uint64) bool {
	return n&(align-1) == 0
}
