// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drcheap

import "encoding/binary"

// The heap byte region is shared with JIT-compiled guest code, which reads
// and writes it with native little-endian loads and stores. Host-side
// accesses go through these helpers so both sides agree on the encoding.

// readU32 reads the 32-bit little-endian value at off.
func readU32(data []byte, off uint32) uint32 {
	return binary.LittleEndian.Uint32(data[off : off+4])
}

// putU32 writes the 32-bit little-endian value at off.
func putU32(data []byte, off uint32, v uint32) {
	binary.LittleEndian.PutUint32(data[off:off+4], v)
}

// readU64 reads the 64-bit little-endian value at off.
func readU64(data []byte, off uint32) uint64 {
	return binary.LittleEndian.Uint64(data[off : off+8])
}

// putU64 writes the 64-bit little-endian value at off.
func putU64(data []byte, off uint32, v uint64) {
	binary.LittleEndian.PutUint64(data[off:off+8], v)
}

// alignUp rounds n up to the next multiple of align. The alignment must be
// a power of two.
func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// isPowerOfTwo reports whether n is a nonzero power of two.
func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}
