// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drcheap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAlloc(t *testing.T, f *FreeList, layout Layout) uint32 {
	t.Helper()
	index, ok, err := f.alloc(layout)
	require.NoError(t, err)
	require.True(t, ok, "allocation of %d bytes should succeed", layout.Size)
	return index
}

func TestFreeListReservesZeroIndex(t *testing.T) {
	f := newFreeList(1 << 12)

	index := mustAlloc(t, f, Layout{Size: 24, Align: 8})
	assert.Equal(t, uint32(minAlign), index)
	assert.GreaterOrEqual(t, index, uint32(minAlign), "index 0 must never be handed out")
}

func TestFreeListExactFitBoundary(t *testing.T) {
	// Capacity 72 leaves exactly 64 usable bytes past the reserved
	// prefix.
	f := newFreeList(72)

	index := mustAlloc(t, f, Layout{Size: 64, Align: 8})
	assert.Equal(t, uint32(8), index)

	// The region is now completely full.
	_, ok, err := f.alloc(Layout{Size: 24, Align: 8})
	require.NoError(t, err)
	assert.False(t, ok)

	// One byte past the capacity never fits.
	g := newFreeList(72)
	_, ok, err = g.alloc(Layout{Size: 65, Align: 8})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFreeListMinimumsApply(t *testing.T) {
	f := newFreeList(1 << 12)
	before := f.availableBytes()

	// A tiny request still consumes a header-sized, header-aligned block.
	index := mustAlloc(t, f, Layout{Size: 1, Align: 1})
	assert.Zero(t, index%minAlign)
	assert.Equal(t, before-minBlockSize, f.availableBytes())

	f.dealloc(index, Layout{Size: 1, Align: 1})
	assert.Equal(t, before, f.availableBytes())
}

func TestFreeListAlignmentPadding(t *testing.T) {
	f := newFreeList(1 << 12)

	index := mustAlloc(t, f, Layout{Size: 24, Align: 64})
	assert.Zero(t, index%64)

	// The skipped front gap stays allocatable.
	small := mustAlloc(t, f, Layout{Size: 24, Align: 8})
	assert.Less(t, small, index)
}

func TestFreeListDeallocCoalesces(t *testing.T) {
	f := newFreeList(1 << 12)
	full := f.availableBytes()
	layout := Layout{Size: 64, Align: 8}

	a := mustAlloc(t, f, layout)
	b := mustAlloc(t, f, layout)
	c := mustAlloc(t, f, layout)

	// Free out of order so coalescing has to merge in both directions.
	f.dealloc(b, layout)
	f.dealloc(a, layout)
	f.dealloc(c, layout)

	assert.Equal(t, full, f.availableBytes())

	// A single maximal allocation proves the blocks merged back into one.
	index := mustAlloc(t, f, Layout{Size: uint32(full), Align: 8})
	assert.Equal(t, uint32(8), index)
}

func TestFreeListDoubleFreePanics(t *testing.T) {
	f := newFreeList(1 << 12)
	layout := Layout{Size: 64, Align: 8}

	index := mustAlloc(t, f, layout)
	f.dealloc(index, layout)
	require.Panics(t, func() { f.dealloc(index, layout) })
}

func TestFreeListAddCapacityExtends(t *testing.T) {
	f := newFreeList(72)
	mustAlloc(t, f, Layout{Size: 64, Align: 8})

	_, ok, err := f.alloc(Layout{Size: 64, Align: 8})
	require.NoError(t, err)
	require.False(t, ok)

	f.addCapacity(64)
	index := mustAlloc(t, f, Layout{Size: 64, Align: 8})
	assert.Equal(t, uint32(72), index)
}

func TestFreeListAddCapacityCoalescesWithFreeTail(t *testing.T) {
	f := newFreeList(72)
	f.addCapacity(56)

	// [8, 128) must be a single block, satisfiable in one allocation.
	index := mustAlloc(t, f, Layout{Size: 120, Align: 8})
	assert.Equal(t, uint32(8), index)
}

func TestFreeListInvalidAlignmentIsFatal(t *testing.T) {
	f := newFreeList(1 << 12)

	_, _, err := f.alloc(Layout{Size: 24, Align: 3})
	assert.Error(t, err)
}

func TestFreeListStableAddresses(t *testing.T) {
	f := newFreeList(1 << 12)
	layout := Layout{Size: 32, Align: 8}

	a := mustAlloc(t, f, layout)
	b := mustAlloc(t, f, layout)
	f.dealloc(a, layout)

	// Freeing a does not move b; the hole is simply reused.
	c := mustAlloc(t, f, layout)
	assert.Equal(t, a, c)
	assert.NotEqual(t, b, c)
}
