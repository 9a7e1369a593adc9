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

// Package marshal defines the Marshallable interface for serializing
// fixed-layout machine records to and from raw memory.
package marshal

// Marshallable represents a type that can be marshalled to and from memory
// with a fixed layout.
type Marshallable interface {
	// SizeBytes is the size of the memory representation of a type in
	// marshalled form.
	//
	// SizeBytes must handle a nil receiver.
	SizeBytes() int

	// MarshalBytes serializes a copy of a type to dst and returns the
	// remaining buffer. Precondition: dst must be at least SizeBytes() in
	// length.
	MarshalBytes(dst []byte) []byte

	// UnmarshalBytes deserializes a type from src and returns the remaining
	// buffer. Precondition: src must be at least SizeBytes() in length.
	UnmarshalBytes(src []byte) []byte
}
