// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drcheap

import "github.com/pkg/errors"

// traceInfo records how to enumerate the outgoing managed references of
// objects of one type: for arrays, whether the elements are refs; for
// structs, the offsets of the ref-typed fields. Non-ref fields are
// discarded at derivation time, the collector never looks at them.
type traceInfo struct {
	isArray      bool
	elemsAreRefs bool
	refOffsets   []uint32
}

// ensureTraceInfo derives and caches trace info for ty on first sight.
// Idempotent; runs before the first instance of ty is allocated so that
// tracing can never miss a type.
func (h *Heap) ensureTraceInfo(ty TypeIndex) {
	if _, ok := h.traceInfos[ty]; ok {
		return
	}

	layout := h.registry.Layout(ty)
	if layout == nil {
		panic(errors.Errorf("the type registry has no layout for type %d", ty))
	}

	var info traceInfo
	switch l := layout.(type) {
	case ArrayTypeLayout:
		if l.ElemsAreRefs && l.ElemOffset(0) != ArrayElemsOffset {
			panic(errors.Errorf("ref elements of type %d start at offset %d, want %d", ty, l.ElemOffset(0), ArrayElemsOffset))
		}
		info = traceInfo{isArray: true, elemsAreRefs: l.ElemsAreRefs}
	case StructTypeLayout:
		var offsets []uint32
		for _, f := range l.Fields {
			if f.IsRef {
				offsets = append(offsets, f.Offset)
			}
		}
		info = traceInfo{refOffsets: offsets}
	default:
		panic(errors.Errorf("unknown layout %T for type %d", layout, ty))
	}

	h.traceInfos[ty] = info
}

// traceObject appends every outgoing managed reference of r's object to
// stack and return it.
func (h *Heap) traceObject(r Ref, stack []Ref) []Ref {
	hdr := h.Header(r)
	if hdr.Kind == KindExternRef {
		// No type index and no outgoing edges.
		return stack
	}

	info, ok := h.traceInfos[hdr.Type]
	if !ok {
		panic(errors.Errorf("no trace info for allocated type %d", hdr.Type))
	}

	index := h.checkRef(r)
	switch {
	case !info.isArray:
		for _, offset := range info.refOffsets {
			if ref, ok := refFromRaw(readU32(h.data, index+offset)); ok {
				stack = append(stack, ref)
			}
		}
	case info.elemsAreRefs:
		length := readU32(h.data, index+ArrayLengthOffset)
		for i := uint32(0); i < length; i++ {
			if ref, ok := refFromRaw(readU32(h.data, index+ArrayElemsOffset+i*slotSize)); ok {
				stack = append(stack, ref)
			}
		}
	}
	return stack
}
