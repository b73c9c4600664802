// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package drcheap implements a deferred reference-counting (DRC)
// garbage-collected heap for objects referenced by JIT-compiled guest
// code running inside a host virtual machine.
//
// Host code uses plain reference counting: cloning a ref increments its
// count and dropping it decrements. Doing the same for every guest-side
// local get/set or call would dominate execution time, so refs held by
// mutator code are counted differently. Whenever a ref crosses from the
// host into mutator-visible storage it is recorded in an activations
// table, an over-approximation of the refs live on the mutator stack: a
// bump-allocated slot array written directly by JIT code, spilling into a
// hash set when full. At a safepoint the host walks the stack, obtains
// the precise set of on-stack refs from stack maps, and collects: every
// precise root is re-adopted with one increment, every prior table entry
// is released with one decrement, and the precise set becomes the next
// over-approximation. Refs that were only in the over-approximation reach
// zero and are reclaimed.
//
// There is no tracing cycle collector: programs that build reference
// cycles between managed objects leak them. The heap never moves live
// objects and does not compact.
//
// The heap is backed by a caller-supplied linear byte region. Object
// placement is handled by a first-fit free list; every object carries a
// fixed common header (kind and type index, 64-bit reference count,
// 32-bit allocation size) whose field offsets are part of the JIT ABI and
// pinned by tests.
//
// A Heap instance is single-threaded: exactly one agent, host or mutator,
// may operate on it at a time. Collection happens only while the mutator
// is quiescent.
package drcheap
