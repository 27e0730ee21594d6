package addrspace

// Span is one physically contiguous run of host memory backing part of a virtual range.
// TranslateRange returns spans in virtual address order; a range that straddles several
// blocks with discontiguous backings produces several spans.
//
// A sparse span resolves into the translator's shared zero placeholder rather than real
// backing: it reads as zeros and discards writes, and its size may exceed the
// placeholder buffer itself.
type Span struct {
	data   []byte
	size   uint64
	sparse bool
}

// Size returns the number of virtual bytes this span covers.
func (s Span) Size() uint64 {
	return s.size
}

// Sparse reports whether this span resolves into the shared zero placeholder.
func (s Span) Sparse() bool {
	return s.sparse
}

// Bytes returns the host memory view behind this span. For sparse spans the view is
// clamped to the placeholder buffer and must not be written to.
func (s Span) Bytes() []byte {
	if uint64(len(s.data)) > s.size {
		return s.data[:s.size]
	}
	return s.data
}

// CopyTo copies up to min(len(destination), Size()) bytes out of the span and returns
// the number of bytes copied. Sparse spans read as zeros.
func (s Span) CopyTo(destination []byte) int {
	n := len(destination)
	if uint64(n) > s.size {
		n = int(s.size)
	}

	if s.sparse {
		for i := range destination[:n] {
			destination[i] = 0
		}
		return n
	}

	return copy(destination[:n], s.data)
}

// CopyFrom copies up to min(len(source), Size()) bytes into the span and returns the
// number of bytes consumed. Writes to sparse spans are discarded.
func (s Span) CopyFrom(source []byte) int {
	n := len(source)
	if uint64(n) > s.size {
		n = int(s.size)
	}

	if s.sparse {
		return n
	}

	return copy(s.data, source[:n])
}
