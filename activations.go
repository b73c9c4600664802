// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drcheap

import (
	"unsafe"

	"github.com/pkg/errors"
)

// activationsAlloc is the bump region the mutator fast path writes into.
// JIT-emitted code loads and stores next and end through the raw table
// pointer obtained from Heap.VMCtxGCHeapData, so the field offsets below
// are ABI.
type activationsAlloc struct {
	// next bump finger: address of the next free slot. Written by the
	// mutator.
	next uintptr
	// end address one past the last slot. Not a valid place to insert.
	end uintptr
	// chunk backing slot array. Keeps the slots reachable for the Go
	// runtime while next and end alias into it. Not accessed by JIT code.
	chunk []uint32
}

// Offsets of the bump fingers within the activations table, compiled into
// JIT code.
const (
	// ActivationsTableNextOffset offset of the bump finger.
	ActivationsTableNextOffset = 0
	// ActivationsTableEndOffset offset of the bump limit.
	ActivationsTableEndOffset = 8
)

const (
	slotSize = 4 // sizeof one bump slot, a raw 32-bit Ref encoding

	// activationsInitialCapacity slot count of the first non-empty chunk
	// (4 KiB of slots).
	activationsInitialCapacity = 4 * 1024 / slotSize
	// activationsMaxCapacity slot count ceiling (128 MiB of slots).
	activationsMaxCapacity = 128 * 1024 * 1024 / slotSize
)

// ActivationsTable over-approximates the set of managed refs currently
// held on the mutator stack.
//
// The bump region admits duplicate entries and is written directly by the
// mutator without locking; refs that do not fit spill into the
// over-approximated hash set on the host slow path. Deduplication happens
// at collection time. The precise set is scratch space for the trace
// phase and is empty between collections.
//
// A heap owns its table exclusively and hands JIT code a raw pointer to
// it, so the table is always allocated behind a stable pointer and never
// moved while the heap is attached.
type ActivationsTable struct {
	// alloc must stay the first field: JIT code addresses next and end
	// relative to the table pointer.
	alloc activationsAlloc

	// overApproximatedStackRoots spill set. Unioned with the filled bump
	// slots it over-approximates the mutator's stack roots.
	overApproximatedStackRoots map[Ref]struct{}

	// preciseStackRoots exact roots discovered from stack maps during the
	// trace phase. Kept here only to reuse its capacity across cycles.
	preciseStackRoots map[Ref]struct{}
}

// newActivationsTable return an empty table. The chunk starts at zero
// capacity, forcing the first insertion onto the slow path; the first
// sweep allocates the real chunk.
func newActivationsTable() *ActivationsTable {
	return &ActivationsTable{
		overApproximatedStackRoots: make(map[Ref]struct{}),
		preciseStackRoots:          make(map[Ref]struct{}),
	}
}

// capacity return the chunk size in slots.
func (a *activationsAlloc) capacity() int {
	return len(a.chunk)
}

// filled return how many slots are occupied.
func (a *activationsAlloc) filled() int {
	unused := int(a.end-a.next) / slotSize
	return len(a.chunk) - unused
}

// resetFingers moves next and end back to the chunk bounds without
// touching slot contents. Callers must have zeroed the filled prefix
// first; slots at or past next are required to be zero.
func (a *activationsAlloc) resetFingers() {
	if len(a.chunk) == 0 {
		a.next = 0
		a.end = 0
		return
	}
	base := uintptr(unsafe.Pointer(&a.chunk[0]))
	a.next = base
	a.end = base + uintptr(len(a.chunk))*slotSize
}

// growBumpChunk doubles the chunk capacity, clamped into
// [activationsInitialCapacity, activationsMaxCapacity], and installs a
// zeroed chunk. The bump fingers are left stale; callers follow up with
// resetFingers.
func (a *activationsAlloc) growBumpChunk() {
	newCap := a.capacity() * 2
	if newCap > activationsMaxCapacity {
		newCap = activationsMaxCapacity
	}
	if newCap < activationsInitialCapacity {
		newCap = activationsInitialCapacity
	}
	// Failure to allocate a bigger chunk would not be fatal (the old chunk
	// keeps working); the Go allocator offers no recoverable failure path,
	// so there is no fallback branch here.
	a.chunk = make([]uint32, newCap)
}

// TryInsert writes r into the next free bump slot. It reports false, and
// mutates nothing, when the chunk is full. Reference counts are not
// touched: the caller's count moves into the table.
func (t *ActivationsTable) TryInsert(r Ref) bool {
	if t.alloc.next == t.alloc.end {
		return false
	}
	slot := (*uint32)(unsafe.Pointer(t.alloc.next))
	if *slot != 0 {
		panic(errors.Errorf("bump slot at %#x past the finger holds %#x, want zero", t.alloc.next, *slot))
	}
	*slot = uint32(r)
	t.alloc.next += slotSize
	return true
}

// InsertWithoutGC inserts r, spilling to the over-approximated set when
// the bump chunk is full. It never collects.
func (t *ActivationsTable) InsertWithoutGC(r Ref) {
	if !t.TryInsert(r) {
		t.insertSlow(r)
	}
}

func (t *ActivationsTable) insertSlow(r Ref) {
	t.overApproximatedStackRoots[r] = struct{}{}
}

// bumpCapacityRemaining return the free bump space in bytes.
func (t *ActivationsTable) bumpCapacityRemaining() uintptr {
	return t.alloc.end - t.alloc.next
}

// elements visits every table entry: the spill set first, then the filled
// prefix of the bump chunk.
func (t *ActivationsTable) elements(visit func(Ref)) {
	for r := range t.overApproximatedStackRoots {
		visit(r)
	}
	for _, raw := range t.alloc.chunk[:t.alloc.filled()] {
		if r, ok := refFromRaw(raw); ok {
			visit(r)
		}
	}
}

// Reset clears the table without dropping the chunk allocation: the
// filled slots are zeroed, the fingers return to the chunk start, and
// both sets are emptied.
func (t *ActivationsTable) Reset() {
	filled := t.alloc.filled()
	for i := range t.alloc.chunk[:filled] {
		t.alloc.chunk[i] = 0
	}
	t.alloc.resetFingers()
	clear(t.overApproximatedStackRoots)
	clear(t.preciseStackRoots)
}
