package addrspace

import (
	"golang.org/x/exp/constraints"
)

// Physical describes the physical space that one AddressSpaceMap specialization resolves
// virtual addresses into. The memory translator uses byte offsets into a backing arena,
// the range allocator uses a bare occupancy flag.
type Physical[VA constraints.Unsigned, PA comparable] interface {
	// Unmapped returns the sentinel physical value that marks a run as a hole.
	Unmapped() PA
	// Advance moves a physical value forward by delta bytes. Specializations whose
	// physical values carry no position return the value unchanged.
	Advance(base PA, delta VA) PA
	// Contiguous reports whether physical values increase 1:1 with virtual addresses
	// inside a block. When true, the map merges physically adjacent runs on insertion
	// and rebases the physical value of fragments produced by a split.
	Contiguous() bool
}

// block is one contiguous mapped-or-unmapped run. A block's extent is implicit: it runs
// from virt up to the next stored block's virt, and the last stored block extends to the
// address space limit. Callers never see blocks directly, only range views derived from
// them.
type block[VA constraints.Unsigned, PA comparable, EX comparable] struct {
	virt  VA
	phys  PA
	extra EX
}
