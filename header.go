// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drcheap

import "github.com/pkg/errors"

// Kind represents a kind of managed heap object.
type Kind uint32

const (
	// KindStruct struct object with a type index and fixed fields.
	KindStruct Kind = 1
	// KindArray array object with a type index, a length and elements.
	KindArray Kind = 2
	// KindExternRef opaque host object identified by a host-data id.
	KindExternRef Kind = 3
)

// String implementations of fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindStruct:
		return "struct"
	case KindArray:
		return "array"
	case KindExternRef:
		return "externref"
	}
	return "unknown"
}

// TypeIndex identifies a type in the embedding VM's type registry.
type TypeIndex uint32

// Header represents the logical content of the common object header: the
// object kind and, for structs and arrays, the type index into the VM's
// type registry. ExternRefs carry no type index.
type Header struct {
	Kind Kind
	Type TypeIndex
}

// Common object header binary layout. Every managed object starts with
// these three fields, in this order, at these offsets. JIT-emitted code
// hard-codes the offsets, so they must never change without updating the
// code generator.
const (
	// HeaderKindAndTypeOffset packed kind-and-type word.
	HeaderKindAndTypeOffset = 0 //  [0:7] kind in the high 32 bits, type index in the low 32 bits
	// HeaderRefCountOffset 64-bit reference count.
	HeaderRefCountOffset = 8 //  [8:15] nonzero for every reachable object
	// HeaderObjectSizeOffset 32-bit size in bytes of the full allocation.
	HeaderObjectSizeOffset = 16 // [16:19] returned to the free list verbatim on deallocation

	// HeaderSize size in bytes of the common header, padding included.
	HeaderSize = 24
	// HeaderAlign alignment of the common header. Heap indices are always
	// multiples of this, which keeps the low Ref tag bit clear.
	HeaderAlign = 8
)

// Array object extension. The length lives immediately after the common
// header and elements follow the length.
const (
	// ArrayLengthOffset 32-bit element count.
	ArrayLengthOffset = HeaderSize // [24:27]
	// ArrayElemsOffset offset of element 0.
	ArrayElemsOffset = ArrayLengthOffset + 4 // [28:]
)

// ExternRef object extension.
const (
	externRefHostDataOffset = HeaderSize // [24:27] id of the companion entry in the host-data table
	externRefSize           = externRefHostDataOffset + 4
)

// packKindAndType packs the header kind and type index into the single
// word stored at HeaderKindAndTypeOffset.
func packKindAndType(hdr Header) uint64 {
	return uint64(hdr.Kind)<<32 | uint64(hdr.Type)
}

// unpackKindAndType is the inverse of packKindAndType.
func unpackKindAndType(word uint64) Header {
	return Header{
		Kind: Kind(word >> 32),
		Type: TypeIndex(word & 0xffffffff),
	}
}

// Layout describes the size and alignment of one allocation request.
type Layout struct {
	Size  uint32
	Align uint32
}

// externRefLayout is the fixed layout of every externref allocation.
func externRefLayout() Layout {
	return Layout{Size: externRefSize, Align: HeaderAlign}
}

// objectLayout reconstructs the allocation layout from a stored object
// size, for returning the exact allocation to the free list.
func objectLayout(objectSize uint32) Layout {
	return Layout{Size: objectSize, Align: HeaderAlign}
}

func checkObjectLayout(layout Layout) error {
	if layout.Size < HeaderSize {
		return errors.Errorf("object layout size %d is smaller than the common header (%d bytes)", layout.Size, HeaderSize)
	}
	if layout.Align < HeaderAlign {
		return errors.Errorf("object layout alignment %d is smaller than the common header alignment (%d)", layout.Align, HeaderAlign)
	}
	return nil
}
