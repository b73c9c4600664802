// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drcheap

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// freeBlock is one contiguous range of unallocated heap bytes.
type freeBlock struct {
	index uint32 // byte offset of the block
	size  uint32 // length in bytes
}

// FreeList hands out stable, non-moving byte ranges of the heap region.
//
// Blocks are kept sorted by address; allocation is first fit with a split
// of the surviving remainder, deallocation coalesces with both neighbors.
// Index 0 is never handed out: the first minAlign bytes of the region are
// reserved so that every allocation index is a valid nonzero Ref encoding.
type FreeList struct {
	// capacity managed range is [0, capacity).
	capacity uint32
	// blocks free ranges, sorted by index, non-adjacent (always coalesced).
	blocks []freeBlock
}

const (
	// minAlign minimum alignment of every block handed out.
	minAlign = HeaderAlign
	// minBlockSize minimum size of every block handed out. Nothing smaller
	// than a common header is ever allocated, and deallocation hands the
	// same rounded size back. Split and alignment remainders smaller than
	// this are still kept as free blocks.
	minBlockSize = (HeaderSize + minAlign - 1) &^ (minAlign - 1)
)

// newFreeList return a free list managing [0, capacity) with the reserved
// zero-index prefix already carved off.
func newFreeList(capacity uintptr) *FreeList {
	f := &FreeList{}
	if capacity > math.MaxUint32 {
		capacity = math.MaxUint32 &^ (minAlign - 1)
	}
	f.capacity = uint32(capacity)
	if f.capacity > minAlign {
		f.blocks = append(f.blocks, freeBlock{index: minAlign, size: f.capacity - minAlign})
	}
	return f
}

// normalize clamps a requested layout to the list's minimums and validates
// it. The same normalization runs on alloc and dealloc so both sides agree
// on block sizes.
func (f *FreeList) normalize(layout Layout) (size, align uint32, err error) {
	if !isPowerOfTwo(layout.Align) {
		return 0, 0, errors.Errorf("allocation alignment %d is not a power of two", layout.Align)
	}
	align = layout.Align
	if align < minAlign {
		align = minAlign
	}
	size64 := alignUp(uint64(layout.Size), uint64(align))
	if size64 < minBlockSize {
		size64 = minBlockSize
	}
	if size64 > math.MaxUint32 {
		return 0, 0, errors.Errorf("allocation size %d overflows the heap index space", layout.Size)
	}
	return uint32(size64), align, nil
}

// alloc carves a block for the given layout. It returns ok=false when no
// free block fits; the caller reports the requested size through its
// out-of-memory path. A non-nil error means the layout itself is invalid
// and the request can never be satisfied.
func (f *FreeList) alloc(layout Layout) (index uint32, ok bool, err error) {
	size, align, err := f.normalize(layout)
	if err != nil {
		return 0, false, err
	}

	for i, b := range f.blocks {
		start := alignUp(uint64(b.index), uint64(align))
		end := start + uint64(size)
		if end > uint64(b.index)+uint64(b.size) {
			continue
		}

		// Carve [start, end) out of the block, keeping any remainders on
		// either side.
		repl := f.blocks[:i:i]
		if start > uint64(b.index) {
			repl = append(repl, freeBlock{index: b.index, size: uint32(start) - b.index})
		}
		if tail := uint64(b.index) + uint64(b.size) - end; tail > 0 {
			repl = append(repl, freeBlock{index: uint32(end), size: uint32(tail)})
		}
		f.blocks = append(repl, f.blocks[i+1:]...)
		return uint32(start), true, nil
	}

	return 0, false, nil
}

// dealloc returns the block at index to the list, coalescing with its
// neighbors. The layout must be the one the block was allocated with.
func (f *FreeList) dealloc(index uint32, layout Layout) {
	size, _, err := f.normalize(layout)
	if err != nil {
		panic(errors.Wrap(err, "deallocating with an invalid layout"))
	}
	if uint64(index)+uint64(size) > uint64(f.capacity) {
		panic(errors.Errorf("deallocating [%#x, %#x) outside the managed range [0, %#x)", index, index+size, f.capacity))
	}

	i := sort.Search(len(f.blocks), func(i int) bool { return f.blocks[i].index > index })

	// Overlap with either neighbor means a double free or a corrupted
	// object size.
	if i > 0 {
		if prev := f.blocks[i-1]; prev.index+prev.size > index {
			panic(errors.Errorf("block [%#x, %#x) is already free", index, index+size))
		}
	}
	if i < len(f.blocks) && index+size > f.blocks[i].index {
		panic(errors.Errorf("block [%#x, %#x) is already free", index, index+size))
	}

	blk := freeBlock{index: index, size: size}
	if i < len(f.blocks) && blk.index+blk.size == f.blocks[i].index {
		blk.size += f.blocks[i].size
		f.blocks = append(f.blocks[:i], f.blocks[i+1:]...)
	}
	if i > 0 && f.blocks[i-1].index+f.blocks[i-1].size == blk.index {
		f.blocks[i-1].size += blk.size
		return
	}
	f.blocks = append(f.blocks, freeBlock{})
	copy(f.blocks[i+1:], f.blocks[i:])
	f.blocks[i] = blk
}

// addCapacity extends the managed range by delta bytes after the backing
// region has grown.
func (f *FreeList) addCapacity(delta uintptr) {
	if delta == 0 {
		return
	}
	newCap := uint64(f.capacity) + uint64(delta)
	if newCap > math.MaxUint32 {
		newCap = math.MaxUint32 &^ (minAlign - 1)
	}
	grown := uint32(newCap) - f.capacity
	if grown == 0 {
		return
	}
	if n := len(f.blocks); n > 0 && f.blocks[n-1].index+f.blocks[n-1].size == f.capacity {
		f.blocks[n-1].size += grown
	} else {
		start := f.capacity
		if start < minAlign {
			start = minAlign
		}
		if start < f.capacity+grown {
			f.blocks = append(f.blocks, freeBlock{index: start, size: f.capacity + grown - start})
		}
	}
	f.capacity += grown
}

// availableBytes return the total number of free bytes. Fragmentation may
// keep an allocation of this size from succeeding.
func (f *FreeList) availableBytes() uint64 {
	var total uint64
	for _, b := range f.blocks {
		total += uint64(b.size)
	}
	return total
}
