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

// Package rand implements a cryptographically secure pseudorandom number
// generator, and a fast generator seeded from it once at boot.
package rand

import (
	"fmt"
	"io"
	mrand "math/rand/v2"

	"gvisor.dev/kcore/pkg/sync"
)

// Read reads from the default reader.
func Read(b []byte) (int, error) {
	return io.ReadFull(Reader, b)
}

// Fast is a fast pseudorandom generator for hardening decisions on hot paths
// (such as the kernel stack offset applied to every new thread) where a
// system call per draw is not acceptable. It is safe for concurrent use.
type Fast struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

// NewFast returns a Fast generator seeded with 32 bytes from src.
func NewFast(src io.Reader) (*Fast, error) {
	var seed [32]byte
	if _, err := io.ReadFull(src, seed[:]); err != nil {
		return nil, fmt.Errorf("reading seed: %w", err)
	}
	return &Fast{rng: mrand.New(mrand.NewChaCha8(seed))}, nil
}

// Uint64N returns a uniformly distributed value in [0, n). It panics if n is
// zero.
func (f *Fast) Uint64N(n uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rng.Uint64N(n)
}
