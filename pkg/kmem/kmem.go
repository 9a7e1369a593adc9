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

// Package kmem provides the kernel address space of the emulated machine:
// a set of byte-backed regions (kernel stacks, per-CPU areas) indexed by
// address, through which the CPU reads and writes memory by address.
package kmem

import (
	"errors"
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/kcore/pkg/hostarch"
	"gvisor.dev/kcore/pkg/marshal"
	"gvisor.dev/kcore/pkg/sync"
)

var (
	// ErrBadAddress is returned for accesses that are not entirely within a
	// single mapped region.
	ErrBadAddress = errors.New("bad kernel address")

	// ErrExhausted is returned when the address space has no room left.
	ErrExhausted = errors.New("kernel address space exhausted")
)

const (
	// KernelBase is the default start of the kernel address space, the
	// first canonical address of the upper half.
	KernelBase hostarch.Addr = 0xffff800000000000

	// KernelLimit is the default end of the kernel address space. Kernel
	// text lives above it.
	KernelLimit hostarch.Addr = 0xffffffff80000000

	// btreeDegree is the degree of the region index.
	btreeDegree = 8
)

// Region is a contiguous mapped range of the kernel address space.
type Region struct {
	// Name identifies the region in diagnostics.
	Name string

	// Start is the first address of the region.
	Start hostarch.Addr

	mem []byte
}

// End returns the first address past the region.
func (r *Region) End() hostarch.Addr {
	return r.Start + hostarch.Addr(len(r.mem))
}

// Size returns the size of the region in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.mem))
}

// Contains returns true if [addr, addr+length) lies within the region.
func (r *Region) Contains(addr hostarch.Addr, length uint64) bool {
	end, ok := addr.AddLength(length)
	return ok && addr >= r.Start && end <= r.End()
}

// Slice returns the backing bytes of [addr, addr+length).
func (r *Region) Slice(addr hostarch.Addr, length uint64) ([]byte, error) {
	if !r.Contains(addr, length) {
		return nil, fmt.Errorf("%w: [%v, +%#x) outside %s [%v, %v)", ErrBadAddress, addr, length, r.Name, r.Start, r.End())
	}
	off := uint64(addr - r.Start)
	return r.mem[off : off+length], nil
}

func (r *Region) String() string {
	return fmt.Sprintf("%s[%v-%v]", r.Name, r.Start, r.End())
}

func regionLess(a, b *Region) bool {
	return a.Start < b.Start
}

// AddressSpace is the kernel address space.
//
// The region index is protected by mu. The contents of a region are not: a
// region's bytes are only accessed by the CPU that currently owns it (a
// thread's kernel stack is only touched by the CPU running or switching that
// thread).
type AddressSpace struct {
	mu sync.RWMutex

	// regions is indexed by start address.
	//
	// +checklocks:mu
	regions *btree.BTreeG[*Region]

	// next is the next free address.
	//
	// +checklocks:mu
	next hostarch.Addr

	limit hostarch.Addr
}

// NewAddressSpace returns an empty address space covering [base, limit).
func NewAddressSpace(base, limit hostarch.Addr) *AddressSpace {
	return &AddressSpace{
		regions: btree.NewG[*Region](btreeDegree, regionLess),
		next:    base.RoundDown(),
		limit:   limit,
	}
}

// Map maps a new zeroed region of at least size bytes. Regions are page
// aligned and separated by an unmapped guard page, so running off either end
// of a region faults instead of corrupting a neighbour.
func (as *AddressSpace) Map(name string, size uint64) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("mapping %q: zero size", name)
	}
	size = hostarch.PageRoundUp(size)

	as.mu.Lock()
	defer as.mu.Unlock()

	start, ok := as.next.AddLength(hostarch.PageSize)
	if !ok {
		return nil, ErrExhausted
	}
	end, ok := start.AddLength(size)
	if !ok || end > as.limit {
		return nil, fmt.Errorf("mapping %q (%#x bytes): %w", name, size, ErrExhausted)
	}
	r := &Region{
		Name:  name,
		Start: start,
		mem:   make([]byte, size),
	}
	as.regions.ReplaceOrInsert(r)
	as.next = end
	return r, nil
}

// Unmap removes the region. Its addresses are not reused.
func (as *AddressSpace) Unmap(r *Region) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.regions.Delete(r)
}

// Find returns the region containing addr, or nil.
func (as *AddressSpace) Find(addr hostarch.Addr) *Region {
	as.mu.RLock()
	defer as.mu.RUnlock()
	var found *Region
	as.regions.DescendLessOrEqual(&Region{Start: addr}, func(r *Region) bool {
		found = r
		return false
	})
	if found == nil || !found.Contains(addr, 1) {
		return nil
	}
	return found
}

// Regions returns all mapped regions in address order.
func (as *AddressSpace) Regions() []*Region {
	as.mu.RLock()
	defer as.mu.RUnlock()
	rs := make([]*Region, 0, as.regions.Len())
	as.regions.Ascend(func(r *Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// slice returns the bytes backing [addr, addr+length).
func (as *AddressSpace) slice(addr hostarch.Addr, length uint64) ([]byte, error) {
	r := as.Find(addr)
	if r == nil {
		return nil, fmt.Errorf("%w: %v is not mapped", ErrBadAddress, addr)
	}
	return r.Slice(addr, length)
}

// ReadUint64 reads the quadword at addr.
func (as *AddressSpace) ReadUint64(addr hostarch.Addr) (uint64, error) {
	b, err := as.slice(addr, 8)
	if err != nil {
		return 0, err
	}
	return hostarch.ByteOrder.Uint64(b), nil
}

// WriteUint64 writes the quadword at addr.
func (as *AddressSpace) WriteUint64(addr hostarch.Addr, v uint64) error {
	b, err := as.slice(addr, 8)
	if err != nil {
		return err
	}
	hostarch.ByteOrder.PutUint64(b, v)
	return nil
}

// CopyIn unmarshals m from the memory at addr.
func (as *AddressSpace) CopyIn(addr hostarch.Addr, m marshal.Marshallable) error {
	b, err := as.slice(addr, uint64(m.SizeBytes()))
	if err != nil {
		return err
	}
	m.UnmarshalBytes(b)
	return nil
}

// CopyOut marshals m into the memory at addr.
func (as *AddressSpace) CopyOut(addr hostarch.Addr, m marshal.Marshallable) error {
	b, err := as.slice(addr, uint64(m.SizeBytes()))
	if err != nil {
		return err
	}
	m.MarshalBytes(b)
	return nil
}
