// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hostarch

import (
	"fmt"
)

// Addr represents an address in the kernel address space.
type Addr uint64

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
//
//go:nosplit
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// The second half of the following check is needed in case uintptr is
	// smaller than 64 bits.
	ok = end >= v && uint64(end-v) == length
	return
}

// RoundDown returns the address rounded down to the nearest page boundary.
//
//go:nosplit
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
//
//go:nosplit
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// AlignDown returns the address rounded down to a multiple of align, which
// must be a power of two.
//
//go:nosplit
func (v Addr) AlignDown(align uint64) Addr {
	return v & ^Addr(align-1)
}

// IsAligned returns true if v is a multiple of align, which must be a power
// of two.
//
//go:nosplit
func (v Addr) IsAligned(align uint64) bool {
	return v&Addr(align-1) == 0
}

// IsPageAligned returns true if v is a multiple of the system page size.
//
//go:nosplit
func (v Addr) IsPageAligned() bool {
	return v.IsAligned(PageSize)
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// AlignUp rounds n up to a multiple of align, which must be a power of two.
//
//go:nosplit
func AlignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// PageRoundUp rounds n up to a multiple of the page size.
//
//go:nosplit
func PageRoundUp(n uint64) uint64 {
	return AlignUp(n, PageSize)
}
