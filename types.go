// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drcheap

// This file declares the interfaces of the collaborators the heap consumes
// from the embedding VM: the type registry, the stack walker's precise
// root iterator, the host-data side table for externrefs, and the linear
// memory provider backing the heap.

// TypeLayout describes how instances of one registered type are laid out
// in the heap, as reported by the embedding VM's type registry. It is
// either a StructTypeLayout or an ArrayTypeLayout.
type TypeLayout interface {
	isTypeLayout()
}

// FieldLayout represents a single field of a struct type.
type FieldLayout struct {
	// Offset byte offset of the field from the start of the object.
	Offset uint32
	// IsRef whether the field holds a managed reference.
	IsRef bool
}

// StructTypeLayout represents the layout of a struct type.
type StructTypeLayout struct {
	Fields []FieldLayout
}

func (StructTypeLayout) isTypeLayout() {}

// ArrayTypeLayout represents the layout of an array type.
type ArrayTypeLayout struct {
	// ElemsAreRefs whether the elements hold managed references.
	ElemsAreRefs bool
	// ElemSize size in bytes of one element.
	ElemSize uint32
}

func (ArrayTypeLayout) isTypeLayout() {}

// ElemOffset return the byte offset of element i from the start of the
// object. Reference elements are 4 bytes wide, so for them this is always
// ArrayElemsOffset + 4*i.
func (l ArrayTypeLayout) ElemOffset(i uint32) uint32 {
	return ArrayElemsOffset + i*l.ElemSize
}

// TypeRegistry supplies per-type layouts on demand. The registry outlives
// the heap; layouts for the same type index must never change.
type TypeRegistry interface {
	// Layout return the layout of the given type, or nil if the type has
	// never been registered. The heap treats a nil layout for an allocated
	// type index as a fatal embedding bug.
	Layout(ty TypeIndex) TypeLayout
}

// HostDataID identifies a companion record in the external host-data
// table paired with one externref object.
type HostDataID uint32

// HostDataTable is the external side table holding opaque host values for
// externref objects. The heap does not own it; it is passed in at every
// operation that may deallocate an externref.
type HostDataTable interface {
	// Dealloc drops the companion record for the given id.
	Dealloc(id HostDataID)
}

// Root is one precise root reported by the embedding's stack walker.
type Root struct {
	// Ref the managed reference held by this root.
	Ref Ref
	// OnMutatorStack whether the root lives in a mutator frame. Roots held
	// by host code are managed with plain reference counting and are not
	// part of the deferred scheme.
	OnMutatorStack bool
}

// RootsIter iterates the precise stack-map-derived roots at a safepoint.
type RootsIter interface {
	// Next return the next root, or ok=false when the iterator is
	// exhausted.
	Next() (root Root, ok bool)
}

// Memory is the linear-memory provider backing an attached heap. The
// region must not move while attached; growth happens by taking the
// memory, growing it, and handing it back via ReplaceMemory.
type Memory interface {
	// Bytes return the full backing byte region.
	Bytes() []byte
	// IsShared whether the region is shared with other agents. Shared
	// regions cannot back a heap.
	IsShared() bool
}

// MemoryDefinition is the flat, JIT-consumable descriptor of the attached
// byte region: the base address and current length in bytes.
type MemoryDefinition struct {
	Base          uintptr
	CurrentLength uintptr
}
