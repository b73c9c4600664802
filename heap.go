// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drcheap

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Heap is a deferred reference-counting (DRC) garbage-collected heap.
//
// Host code uses plain reference counting: cloning a ref increments its
// count, dropping it decrements. Refs handed to JIT-compiled mutator code
// skip per-operation count updates; instead every ref crossing into
// mutator-visible storage lands in the activations table, and a collection
// at a safepoint reconciles the table against the precise stack-map roots.
//
// There is no cycle collector: cycles between managed objects leak. The
// heap never moves live objects.
//
// A Heap is single-threaded. Its raw handles (the activations-table
// pointer and the memory definition) may be moved between goroutines by
// the embedding runtime, but at most one agent may operate on the heap at
// a time, and the Heap must not be relocated while mutator code runs.
type Heap struct {
	registry TypeRegistry
	logger   *zap.Logger

	// debugChecks enables the collection-time verification: every
	// on-stack root already has an activations-table entry and a nonzero
	// count, and every bump slot is zero after sweeping.
	debugChecks bool

	// traceInfos how to enumerate outgoing refs, per type allocated in
	// this heap. Survives detach: the same embedding reuses the same
	// types.
	traceInfos map[TypeIndex]traceInfo

	// noGCCount how many no-GC scopes are currently open.
	noGCCount uint64

	// activations bump table for refs entering the mutator stack. Behind
	// a pointer of its own so the captured JIT address stays valid even
	// if the Heap value moves.
	activations *ActivationsTable

	// memory the attached backing region, nil while detached.
	memory Memory
	// data cached byte slice of memory, kept in sync with it.
	data []byte
	// memdef cached flat descriptor of data for JIT consumption.
	memdef MemoryDefinition

	// freeList which ranges of the region are available. Nil while
	// detached, except inside a TakeMemory/ReplaceMemory growth window.
	freeList *FreeList

	// decRefWorklist explicit stack for the deallocation cascade, stored
	// here to reuse its capacity. decRefBusy guards against reentry.
	decRefWorklist []Ref
	decRefBusy     bool
}

// Option configures a Heap.
type Option func(*Heap)

// WithLogger sets the logger the heap emits trace events to. The default
// is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Heap) { h.logger = logger }
}

// WithDebugChecks toggles the expensive collection-time invariant checks.
// They are on by default.
func WithDebugChecks(enabled bool) Option {
	return func(h *Heap) { h.debugChecks = enabled }
}

// NewHeap return a new, detached heap. The registry supplies type layouts
// for every type index later passed to AllocStruct or AllocArray.
func NewHeap(registry TypeRegistry, opts ...Option) *Heap {
	h := &Heap{
		registry:    registry,
		logger:      zap.NewNop(),
		debugChecks: true,
		traceInfos:  make(map[TypeIndex]traceInfo),
		activations: newActivationsTable(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger.Debug("allocating new DRC heap")
	return h
}

// OutOfHeapError reports that the backing region had no free block for an
// allocation. The caller may grow the memory or collect and retry.
type OutOfHeapError struct {
	// BytesNeeded size of the failed request.
	BytesNeeded uint64
}

func (e *OutOfHeapError) Error() string {
	return fmt.Sprintf("out of heap memory: allocation of %d bytes failed", e.BytesNeeded)
}

// ---------------------------------------------------------------------------
// Lifecycle

// IsAttached whether the heap currently has a backing region.
func (h *Heap) IsAttached() bool {
	return h.memory != nil
}

func (h *Heap) mustAttached(op string) {
	if !h.IsAttached() {
		panic(errors.Errorf("%s on a detached heap", op))
	}
}

// Attach installs the backing byte region, builds the free list over its
// full length and caches the flat memory descriptor for JIT use. Shared
// regions are rejected; attaching twice is a fatal embedding bug.
func (h *Heap) Attach(m Memory) {
	if h.IsAttached() {
		panic(errors.New("attaching a memory to an already-attached heap"))
	}
	if m.IsShared() {
		panic(errors.New("a shared memory cannot back a GC heap"))
	}
	data := m.Bytes()
	h.freeList = newFreeList(uintptr(len(data)))
	h.memory = m
	h.data = data
	h.memdef = memoryDefinition(data)
	h.logger.Debug("attached heap memory", zap.Int("bytes", len(data)))
}

// Detach returns the backing memory and resets the heap to its detached
// state: the activations table and no-GC counter are cleared, the free
// list and cached descriptor dropped. The trace-info cache is retained,
// since the heap will only ever be reused with the same embedding.
func (h *Heap) Detach() Memory {
	h.mustAttached("detach")
	if h.decRefBusy {
		panic(errors.New("detaching mid deallocation cascade"))
	}
	h.noGCCount = 0
	h.activations.Reset()
	h.freeList = nil
	h.data = nil
	h.memdef = MemoryDefinition{}
	m := h.memory
	h.memory = nil
	h.logger.Debug("detached heap memory")
	return m
}

// TakeMemory hands the backing memory back to the embedding so it can be
// grown. Unlike Detach, all collector state stays live; the caller must
// follow up with ReplaceMemory before any other heap operation.
func (h *Heap) TakeMemory() Memory {
	h.mustAttached("taking the memory")
	h.data = nil
	h.memdef = MemoryDefinition{}
	m := h.memory
	h.memory = nil
	return m
}

// ReplaceMemory reinstalls the backing region after a grow and extends the
// free list by the number of bytes grown.
func (h *Heap) ReplaceMemory(m Memory, deltaBytesGrown uint64) {
	if h.memory != nil {
		panic(errors.New("replacing a memory that was never taken"))
	}
	if m.IsShared() {
		panic(errors.New("a shared memory cannot back a GC heap"))
	}
	data := m.Bytes()
	h.memory = m
	h.data = data
	h.memdef = memoryDefinition(data)
	h.freeList.addCapacity(uintptr(deltaBytesGrown))
	h.logger.Debug("replaced heap memory", zap.Uint64("grown", deltaBytesGrown))
}

// MemoryDefinition return the cached flat descriptor of the attached
// region.
func (h *Heap) MemoryDefinition() MemoryDefinition {
	h.mustAttached("reading the memory definition")
	return h.memdef
}

// VMCtxGCHeapData return the stable pointer JIT code uses to reach the
// activations table's bump fingers. Valid for as long as the heap exists.
func (h *Heap) VMCtxGCHeapData() unsafe.Pointer {
	return unsafe.Pointer(h.activations)
}

func memoryDefinition(data []byte) MemoryDefinition {
	if len(data) == 0 {
		return MemoryDefinition{}
	}
	return MemoryDefinition{
		Base:          uintptr(unsafe.Pointer(&data[0])),
		CurrentLength: uintptr(len(data)),
	}
}

// ---------------------------------------------------------------------------
// Object access

// checkRef bounds-checks r's object header against the attached region
// and return the heap index.
func (h *Heap) checkRef(r Ref) uint32 {
	h.mustAttached("dereferencing a ref")
	index := r.heapIndex()
	if uint64(index)+HeaderSize > uint64(len(h.data)) {
		panic(errors.Errorf("ref %#x is outside the %d-byte heap region", uint32(r), len(h.data)))
	}
	return index
}

// Header return the kind and type index of r's object.
func (h *Heap) Header(r Ref) Header {
	index := h.checkRef(r)
	return unpackKindAndType(readU64(h.data, index+HeaderKindAndTypeOffset))
}

// SetHeader overwrites the kind and type index of r's object.
func (h *Heap) SetHeader(r Ref, hdr Header) {
	index := h.checkRef(r)
	putU64(h.data, index+HeaderKindAndTypeOffset, packKindAndType(hdr))
}

// ObjectSize return the size in bytes of r's full allocation.
func (h *Heap) ObjectSize(r Ref) uint32 {
	index := h.checkRef(r)
	return readU32(h.data, index+HeaderObjectSizeOffset)
}

// ArrayLen return the element count of an array object.
func (h *Heap) ArrayLen(r Ref) uint32 {
	index := h.checkRef(r)
	if hdr := h.Header(r); hdr.Kind != KindArray {
		panic(errors.Errorf("reading the array length of a %s object", hdr.Kind))
	}
	return readU32(h.data, index+ArrayLengthOffset)
}

// ExternRefHostData return the host-data table id carried by an externref
// object.
func (h *Heap) ExternRefHostData(r Ref) HostDataID {
	index := h.checkRef(r)
	if hdr := h.Header(r); hdr.Kind != KindExternRef {
		panic(errors.Errorf("reading the host data of a %s object", hdr.Kind))
	}
	return HostDataID(readU32(h.data, index+externRefHostDataOffset))
}

// StructFieldRef projects the ref-typed field slot at the given offset of
// a struct object into a pointer usable as a WriteRef destination. The
// offset must come from the type's registered layout.
func (h *Heap) StructFieldRef(r Ref, offset uint32) *Ref {
	index := h.checkRef(r)
	if uint64(index)+uint64(offset)+slotSize > uint64(len(h.data)) {
		panic(errors.Errorf("field offset %d of ref %#x is outside the heap region", offset, uint32(r)))
	}
	return (*Ref)(unsafe.Pointer(&h.data[index+offset]))
}

// ArrayElemRef projects element i of a ref-element array into a pointer
// usable as a WriteRef destination.
func (h *Heap) ArrayElemRef(r Ref, i uint32) *Ref {
	if n := h.ArrayLen(r); i >= n {
		panic(errors.Errorf("array element %d out of range for length %d", i, n))
	}
	index := h.checkRef(r)
	return (*Ref)(unsafe.Pointer(&h.data[index+ArrayElemsOffset+i*slotSize]))
}

func (h *Heap) refCount(r Ref) uint64 {
	index := h.checkRef(r)
	return readU64(h.data, index+HeaderRefCountOffset)
}

// ---------------------------------------------------------------------------
// Reference counting

// incRef increments r's reference count. Inline small integers carry no
// heap state and pass through untouched.
func (h *Heap) incRef(r Ref) {
	if r.IsSmallInt() {
		return
	}
	index := h.checkRef(r)
	count := readU64(h.data, index+HeaderRefCountOffset)
	if count == 0 {
		panic(errors.Errorf("ref %#x is supposedly live but its ref count is zero", uint32(r)))
	}
	putU64(h.data, index+HeaderRefCountOffset, count+1)
	h.logger.Debug("increment ref count", zap.Uint32("ref", uint32(r)), zap.Uint64("count", count+1))
}

// decRef decrements r's reference count and reports whether it reached
// zero, meaning the object must be deallocated before any other managed
// operation can observe it.
func (h *Heap) decRef(r Ref) bool {
	if r.IsSmallInt() {
		return false
	}
	index := h.checkRef(r)
	count := readU64(h.data, index+HeaderRefCountOffset)
	if count == 0 {
		panic(errors.Errorf("ref %#x is supposedly live but its ref count is zero", uint32(r)))
	}
	count--
	putU64(h.data, index+HeaderRefCountOffset, count)
	h.logger.Debug("decrement ref count", zap.Uint32("ref", uint32(r)), zap.Uint64("count", count))
	return count == 0
}

// dealloc returns r's allocation to the free list without touching the
// refs it holds.
func (h *Heap) dealloc(r Ref) {
	index := h.checkRef(r)
	size := readU32(h.data, index+HeaderObjectSizeOffset)
	h.freeList.dealloc(index, objectLayout(size))
	h.logger.Debug("deallocated object", zap.Uint32("ref", uint32(r)), zap.Uint32("size", size))
}

// decRefAndMaybeDealloc decrements r's count and, when it reaches zero,
// deallocates the object, cascading into everything it referenced.
//
// The cascade runs over an explicit worklist rather than recursion so a
// long chain of objects cannot exhaust the call stack. The worklist is
// stored in the heap and taken for the duration of the walk, which also
// catches unexpected reentry.
func (h *Heap) decRefAndMaybeDealloc(hostData HostDataTable, r Ref) {
	if r.IsNull() {
		return
	}
	if h.decRefBusy {
		panic(errors.New("reentrant deallocation cascade"))
	}
	h.decRefBusy = true
	stack := h.decRefWorklist[:0]
	stack = append(stack, r)

	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !h.decRef(next) {
			continue
		}

		// The count reached zero. Enqueue everything the object
		// references, drop an externref's companion host data, then
		// return the allocation.
		stack = h.traceObject(next, stack)
		if hdr := h.Header(next); hdr.Kind == KindExternRef {
			id := h.ExternRefHostData(next)
			hostData.Dealloc(id)
			h.logger.Debug("dropped externref host data", zap.Uint32("id", uint32(id)))
		}
		h.dealloc(next)
	}

	h.decRefWorklist = stack[:0]
	h.decRefBusy = false
}

// ---------------------------------------------------------------------------
// Allocation

// AllocRaw carves a new object of the given layout and stamps its common
// header. The object is born with a reference count of one, owned by the
// caller; it is not inserted into the activations table.
//
// When no free block fits, the error is an *OutOfHeapError carrying the
// requested size so the embedding can grow the region or collect and retry.
func (h *Heap) AllocRaw(hdr Header, layout Layout) (Ref, error) {
	h.mustAttached("allocating")
	if err := checkObjectLayout(layout); err != nil {
		panic(err)
	}

	// Every type allocated in this heap needs trace info before its first
	// instance exists. ExternRefs carry no type index and have no edges.
	if hdr.Kind != KindExternRef {
		h.ensureTraceInfo(hdr.Type)
	}

	index, ok, err := h.freeList.alloc(layout)
	if err != nil {
		return NullRef, errors.Wrap(err, "gc heap allocation")
	}
	if !ok {
		return NullRef, &OutOfHeapError{BytesNeeded: uint64(layout.Size)}
	}

	putU64(h.data, index+HeaderKindAndTypeOffset, packKindAndType(hdr))
	putU64(h.data, index+HeaderRefCountOffset, 1)
	putU32(h.data, index+HeaderObjectSizeOffset, layout.Size)

	r := refFromHeapIndex(index)
	h.logger.Debug("new object", zap.Uint32("ref", uint32(r)), zap.Stringer("kind", hdr.Kind), zap.Uint32("size", layout.Size))
	return r, nil
}

// AllocStruct allocates an uninitialized struct object of the given type.
// The caller initializes the fields. The payload is not zeroed: a block
// reused after a deallocation still holds its previous contents.
func (h *Heap) AllocStruct(ty TypeIndex, layout Layout) (Ref, error) {
	return h.AllocRaw(Header{Kind: KindStruct, Type: ty}, layout)
}

// AllocArray allocates an uninitialized array object of the given type
// and stamps its length.
func (h *Heap) AllocArray(ty TypeIndex, length uint32, layout Layout) (Ref, error) {
	if layout.Size < ArrayLengthOffset+4 {
		panic(errors.Errorf("array layout size %d cannot hold the array header", layout.Size))
	}
	r, err := h.AllocRaw(Header{Kind: KindArray, Type: ty}, layout)
	if err != nil {
		return NullRef, err
	}
	putU32(h.data, r.heapIndex()+ArrayLengthOffset, length)
	return r, nil
}

// AllocExternRef allocates an externref object wrapping the given
// host-data table id.
func (h *Heap) AllocExternRef(hostData HostDataID) (Ref, error) {
	r, err := h.AllocRaw(Header{Kind: KindExternRef}, externRefLayout())
	if err != nil {
		return NullRef, err
	}
	putU32(h.data, r.heapIndex()+externRefHostDataOffset, uint32(hostData))
	return r, nil
}

// DeallocUninitStruct returns a struct allocation whose initialization
// could not complete. The object's refs are not walked.
func (h *Heap) DeallocUninitStruct(r Ref) {
	h.dealloc(r)
}

// DeallocUninitArray returns an array allocation whose initialization
// could not complete.
func (h *Heap) DeallocUninitArray(r Ref) {
	h.dealloc(r)
}

// DeallocUninitExternRef returns an externref allocation whose
// initialization could not complete. The host-data entry is not dropped.
func (h *Heap) DeallocUninitExternRef(r Ref) {
	h.dealloc(r)
}

// ---------------------------------------------------------------------------
// Barriers

// CloneRef return a copy of r after incrementing its reference count.
// Inline small integers pass through unchanged.
func (h *Heap) CloneRef(r Ref) Ref {
	h.incRef(r)
	return r
}

// WriteRef is the write barrier for ref-holding slots.
//
// The order is material: the source gains its count before the old
// destination loses one. Decrementing first would deallocate the object
// in the self-assignment case before it could be re-adopted.
func (h *Heap) WriteRef(hostData HostDataTable, dest *Ref, src Ref) {
	if !src.IsNull() {
		h.incRef(src)
	}
	if !dest.IsNull() {
		h.decRefAndMaybeDealloc(hostData, *dest)
	}
	*dest = src
}

// ExposeToMutator records that r is about to cross from host ownership
// into mutator-visible storage. The caller's reference count moves into
// the activations table; it is dropped again at the next collection.
func (h *Heap) ExposeToMutator(r Ref) {
	h.activations.InsertWithoutGC(r)
	h.logger.Debug("exposed ref to mutator", zap.Uint32("ref", uint32(r)))
}

// NeedGCBeforeEnteringMutator reports whether a mutator call that may
// insert up to numRefs refs would overflow the bump chunk, in which case
// the embedding should collect first.
func (h *Heap) NeedGCBeforeEnteringMutator(numRefs int) bool {
	return numRefs > int(h.activations.bumpCapacityRemaining()/slotSize)
}

// ---------------------------------------------------------------------------
// No-GC scopes

// EnterNoGCScope opens a scope during which collecting is forbidden.
// Scopes nest.
func (h *Heap) EnterNoGCScope() {
	h.noGCCount++
}

// ExitNoGCScope closes the innermost no-GC scope.
func (h *Heap) ExitNoGCScope() {
	if h.noGCCount == 0 {
		panic(errors.New("exiting a no-GC scope that was never entered"))
	}
	h.noGCCount--
}
