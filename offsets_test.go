// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drcheap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The code generator compiles the constants below into load/store
// sequences. These tests pin each one against the live layout so a drift
// fails loudly instead of corrupting the heap.

// objectHeaderMirror is the common object header as a native struct. The
// heap itself reads headers through byte offsets; this mirror exists so
// the offsets can be cross-checked against what the compiler would lay
// out.
type objectHeaderMirror struct {
	kindAndType uint64
	refCount    uint64
	objectSize  uint32
}

type arrayHeaderMirror struct {
	header objectHeaderMirror
	length uint32
}

type externRefMirror struct {
	header   objectHeaderMirror
	hostData uint32
}

func TestHeaderOffsetsMatchABI(t *testing.T) {
	var m objectHeaderMirror

	assert.Equal(t, uintptr(HeaderKindAndTypeOffset), unsafe.Offsetof(m.kindAndType))
	assert.Equal(t, uintptr(HeaderRefCountOffset), unsafe.Offsetof(m.refCount))
	assert.Equal(t, uintptr(HeaderObjectSizeOffset), unsafe.Offsetof(m.objectSize))
	assert.Equal(t, uintptr(HeaderSize), unsafe.Sizeof(m))
	assert.Equal(t, uintptr(HeaderAlign), unsafe.Alignof(m))
}

func TestArrayLengthOffsetMatchesABI(t *testing.T) {
	var m arrayHeaderMirror

	assert.Equal(t, uintptr(ArrayLengthOffset), unsafe.Offsetof(m.length))
	assert.Equal(t, uint32(ArrayLengthOffset+4), uint32(ArrayElemsOffset))
}

func TestExternRefHostDataOffsetMatchesABI(t *testing.T) {
	var m externRefMirror

	assert.Equal(t, uintptr(externRefHostDataOffset), unsafe.Offsetof(m.hostData))
	assert.Equal(t, uintptr(externRefSize), unsafe.Offsetof(m.hostData)+unsafe.Sizeof(m.hostData))
}

func TestActivationsTableFingerOffsetsMatchABI(t *testing.T) {
	table := newActivationsTable()

	// The bump substructure must be the table's first field and the
	// fingers must sit at the compiled-in offsets from the table pointer.
	assert.Zero(t, unsafe.Offsetof(table.alloc))
	assert.Equal(t, uintptr(ActivationsTableNextOffset), unsafe.Offsetof(table.alloc)+unsafe.Offsetof(table.alloc.next))
	assert.Equal(t, uintptr(ActivationsTableEndOffset), unsafe.Offsetof(table.alloc)+unsafe.Offsetof(table.alloc.end))
}

func TestVMCtxGCHeapDataReachesBumpFingers(t *testing.T) {
	h, _ := newTestHeap(t, 1<<12)
	hostData := &fakeHostData{}
	runGC(t, h, hostData, stackRoots())

	data := h.VMCtxGCHeapData()
	require.Equal(t, unsafe.Pointer(h.activations), data)

	// Reading through the raw pointer the way JIT code does must observe
	// the same fingers the table reports.
	next := *(*uintptr)(unsafe.Pointer(uintptr(data) + ActivationsTableNextOffset))
	end := *(*uintptr)(unsafe.Pointer(uintptr(data) + ActivationsTableEndOffset))
	assert.Equal(t, h.activations.alloc.next, next)
	assert.Equal(t, h.activations.alloc.end, end)
	assert.Equal(t, uintptr(activationsInitialCapacity*slotSize), end-next)

	// A mutator-style store through the finger is a table insertion.
	r, err := h.AllocStruct(tyNode, nodeLayout)
	require.NoError(t, err)
	*(*uint32)(unsafe.Pointer(next)) = uint32(r)
	*(*uintptr)(unsafe.Pointer(uintptr(data) + ActivationsTableNextOffset)) = next + slotSize

	assert.Equal(t, 1, h.activations.alloc.filled())
	var seen []Ref
	h.activations.elements(func(e Ref) { seen = append(seen, e) })
	assert.Equal(t, []Ref{r}, seen)
}

func TestMemoryDefinitionTracksRegion(t *testing.T) {
	mem := &sliceMemory{data: make([]byte, 1 << 12)}
	h := NewHeap(testRegistry())
	h.Attach(mem)

	def := h.MemoryDefinition()
	assert.Equal(t, uintptr(unsafe.Pointer(&mem.data[0])), def.Base)
	assert.Equal(t, uintptr(len(mem.data)), def.CurrentLength)
}
