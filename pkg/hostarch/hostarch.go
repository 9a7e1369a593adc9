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

// Package hostarch contains architecture-specific constants and address
// arithmetic for the emulated amd64 machine.
package hostarch

import (
	"encoding/binary"
)

const (
	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// PageShift is the binary log of the system page size.
	PageShift = 12

	// WordSize is the size of a machine word in bytes.
	WordSize = 8

	// StackAlignment is the alignment required of a stack pointer at a call
	// boundary by the System V amd64 ABI.
	StackAlignment = 16
)

// ByteOrder is the native byte order (little endian).
var ByteOrder = binary.LittleEndian
