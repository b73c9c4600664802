// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drcheap

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Progress reports how far a collection has advanced after one increment.
type Progress int

const (
	// ProgressContinue more increments remain.
	ProgressContinue Progress = iota
	// ProgressComplete the collection finished.
	ProgressComplete
)

type collectionPhase int

const (
	phaseTrace collectionPhase = iota
	phaseSweep
	phaseDone
)

// Collection is one in-flight garbage collection, stepped by the host at
// a safepoint. The heap must not be mutated between increments.
type Collection struct {
	heap     *Heap
	roots    RootsIter
	hostData HostDataTable
	phase    collectionPhase
}

// GC begins a collection over the precise roots reported by the stack
// walker. The host drives it to completion with CollectIncrement. Fatal
// if called inside a no-GC scope or on a detached heap.
func (h *Heap) GC(roots RootsIter, hostData HostDataTable) *Collection {
	h.mustAttached("collecting")
	if h.noGCCount != 0 {
		panic(errors.Errorf("cannot GC inside a no-GC scope (%d open)", h.noGCCount))
	}
	return &Collection{
		heap:     h,
		roots:    roots,
		hostData: hostData,
		phase:    phaseTrace,
	}
}

// CollectIncrement runs the next phase of the collection: Trace, then
// Sweep. Calling it after completion is a no-op.
func (c *Collection) CollectIncrement() Progress {
	switch c.phase {
	case phaseTrace:
		c.heap.logger.Debug("begin GC trace")
		c.heap.trace(c.roots)
		c.heap.logger.Debug("end GC trace")
		c.phase = phaseSweep
		return ProgressContinue
	case phaseSweep:
		c.heap.logger.Debug("begin GC sweep")
		c.heap.sweep(c.hostData)
		c.heap.logger.Debug("end GC sweep")
		c.phase = phaseDone
		return ProgressComplete
	default:
		return ProgressComplete
	}
}

// trace walks the precise roots, re-adopting every live on-stack ref into
// the precise set with one reference-count increment each. The increment
// balances the decrement the sweep applies to every prior activations
// entry, so retained roots come out net unchanged.
func (h *Heap) trace(roots RootsIter) {
	table := h.activations
	if len(table.preciseStackRoots) != 0 {
		// The precise set is only ever populated between trace and sweep.
		panic(errors.Errorf("the precise root set holds %d stale entries at the start of a collection", len(table.preciseStackRoots)))
	}

	// Membership check: every ref visible on the mutator stack must have
	// had an activations-table entry placed when it was exposed. A miss
	// means either a missing ExposeToMutator call or a stack map reading
	// garbage.
	var tableSet map[Ref]struct{}
	if h.debugChecks {
		tableSet = make(map[Ref]struct{})
		table.elements(func(r Ref) {
			tableSet[r] = struct{}{}
		})
	}

	for roots != nil {
		root, ok := roots.Next()
		if !ok {
			break
		}
		if !root.OnMutatorStack {
			// Host-side roots are managed with plain reference counting
			// and take no part in the deferred scheme.
			continue
		}
		r := root.Ref
		if r.IsSmallInt() {
			continue
		}
		if h.debugChecks {
			if _, ok := tableSet[r]; !ok {
				panic(errors.Errorf("on-stack ref %#x has no activations-table entry", uint32(r)))
			}
			if h.refCount(r) == 0 {
				panic(errors.Errorf("on-stack ref %#x has a zero ref count", uint32(r)))
			}
		}

		h.logger.Debug("found ref on the mutator stack", zap.Uint32("ref", uint32(r)))
		if _, seen := table.preciseStackRoots[r]; !seen {
			table.preciseStackRoots[r] = struct{}{}
			h.incRef(r)
		}
	}
}

// sweep drops the previous over-approximation and installs the freshly
// traced precise set in its place.
//
// The bump chunk is swept before the spill set is drained: chunk entries
// may also appear in the spill set, and each prior activations entry must
// be decremented exactly once per cycle. The set swap sits between the
// two passes so retained roots keep the count they gained during trace.
func (h *Heap) sweep(hostData HostDataTable) {
	h.sweepBumpChunk(hostData)

	table := h.activations
	h.logger.Debug("sweeping spill set", zap.Int("stale", len(table.overApproximatedStackRoots)), zap.Int("precise", len(table.preciseStackRoots)))

	// The precise set becomes the over-approximation for the next cycle;
	// the old over-approximation becomes scratch to drain.
	table.preciseStackRoots, table.overApproximatedStackRoots =
		table.overApproximatedStackRoots, table.preciseStackRoots

	// Drain, keeping the map's capacity for the next collection.
	for r := range table.preciseStackRoots {
		delete(table.preciseStackRoots, r)
		h.decRefAndMaybeDealloc(hostData, r)
	}

	h.logger.Debug("swept spill set", zap.Int("live", len(table.overApproximatedStackRoots)))
}

// sweepBumpChunk decrements every filled bump slot, zeroing as it goes,
// then resets the bump fingers. A chunk that was at capacity is grown
// first so that collections triggered by bump exhaustion become rarer.
func (h *Heap) sweepBumpChunk(hostData HostDataTable) {
	alloc := &h.activations.alloc
	filled := alloc.filled()
	wasFull := filled == alloc.capacity()

	h.logger.Debug("sweeping bump chunk", zap.Int("filled", filled), zap.Bool("full", wasFull))

	for i := range alloc.chunk[:filled] {
		raw := alloc.chunk[i]
		alloc.chunk[i] = 0
		r, ok := refFromRaw(raw)
		if !ok {
			panic(errors.Errorf("filled bump slot %d holds the null encoding", i))
		}
		h.decRefAndMaybeDealloc(hostData, r)
	}

	if h.debugChecks {
		for i, raw := range alloc.chunk {
			if raw != 0 {
				panic(errors.Errorf("bump slot %d still holds %#x after sweeping", i, raw))
			}
		}
	}

	if wasFull {
		alloc.growBumpChunk()
	}
	alloc.resetFingers()
}
