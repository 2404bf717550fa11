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

// Client-visible descriptors carry bit 30 so PBFS handles are told apart
// from kernel file descriptors.
const fdValidBit = 30

// FDMake tags a daemon descriptor as a PBFS one.
func FDMake(fd int32) int {
	return int(uint32(fd) | 1<<fdValidBit)
}

// FDIsValid reports whether fd carries the PBFS tag.
func FDIsValid(fd int) bool {
	return fd >= 0 && fd&(1<<fdValidBit) != 0
}

// FDRaw strips the tag back off.
func FDRaw(fd int) int32 {
	return int32(uint32(fd) &^ (1 << fdValidBit))
}
