// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drcheap

import "github.com/pkg/errors"

// Ref is a compact, copyable handle to a managed value.
//
// There are two disjoint encodings. If the low bit is set, the Ref is an
// inline small integer carrying a 31-bit payload in the remaining bits; it
// holds no heap state and the collector ignores it. Otherwise the Ref is a
// byte index into the heap's backing region, always nonzero and always a
// multiple of HeaderAlign.
//
// Copying a Ref never touches reference counts; count mutations are
// explicit Heap operations.
type Ref uint32

// NullRef is the reserved zero encoding. It is never a valid Ref, which is
// what lets the activations table use zeroed slots as "empty".
const NullRef Ref = 0

const smallIntTag = 1

// IsNull reports whether r is the reserved null encoding.
func (r Ref) IsNull() bool {
	return r == NullRef
}

// IsSmallInt reports whether r is an inline small integer rather than a
// heap index.
func (r Ref) IsSmallInt() bool {
	return r&smallIntTag != 0
}

// NewSmallInt return the inline encoding of a 31-bit signed integer.
func NewSmallInt(v int32) Ref {
	return Ref(uint32(v)<<1 | smallIntTag)
}

// SmallIntValue unpacks the integer payload of an inline small-integer
// ref. It panics if r is a heap index.
func (r Ref) SmallIntValue() int32 {
	if !r.IsSmallInt() {
		panic(errors.Errorf("ref %#x is a heap index, not an inline small integer", uint32(r)))
	}
	return int32(r) >> 1
}

// heapIndex unpacks the byte offset of r's object within the heap region.
// It panics if r does not name a heap object.
func (r Ref) heapIndex() uint32 {
	if r.IsNull() || r.IsSmallInt() {
		panic(errors.Errorf("ref %#x does not name a heap object", uint32(r)))
	}
	return uint32(r)
}

// refFromHeapIndex encodes a heap byte offset as a Ref. The index must be
// nonzero and HeaderAlign-aligned so it cannot collide with the null or
// small-integer encodings.
func refFromHeapIndex(index uint32) Ref {
	if index == 0 || index%HeaderAlign != 0 {
		panic(errors.Errorf("heap index %#x is not a valid ref encoding", index))
	}
	return Ref(index)
}

// refFromRaw decodes a raw 32-bit slot value. The zero value decodes to
// no ref at all.
func refFromRaw(raw uint32) (Ref, bool) {
	if raw == 0 {
		return NullRef, false
	}
	return Ref(raw), true
}
