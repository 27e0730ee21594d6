package addrspace

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slog"

	"github.com/Bruh8783/skyline"
)

// occupancySpace resolves virtual addresses to a bare occupancy flag. Flags carry no
// position, so adjacent allocations stay as separate blocks and splitting a run never
// rebases anything.
type occupancySpace[VA constraints.Unsigned] struct{}

func (occupancySpace[VA]) Unmapped() bool { return false }

func (occupancySpace[VA]) Advance(base bool, delta VA) bool { return base }

func (occupancySpace[VA]) Contiguous() bool { return false }

// RangeAllocator specializes AddressSpaceMap to hand out fresh virtual ranges. It
// allocates with an initial fast linear pass over untouched space and degrades to a
// first-fit search over freed gaps once the linear region is exhausted. The linear
// cursor never rewinds: space freed below it is only ever reclaimed by the search pass.
type RangeAllocator[VA constraints.Unsigned] struct {
	as   *AddressSpaceMap[VA, bool, struct{}]
	base VA

	// linearEnd is the end of the initial linear allocation pass; once it reaches the
	// limit the search pass takes over.
	linearEnd VA
}

// NewRangeAllocator creates an allocator handing out addresses in [base, limit).
func NewRangeAllocator[VA constraints.Unsigned](base VA, config Config[VA]) (*RangeAllocator[VA], error) {
	as, err := NewAddressSpaceMap[VA, bool, struct{}](occupancySpace[VA]{}, config)
	if err != nil {
		return nil, err
	}

	if base >= as.limit {
		return nil, errors.Newf("allocator base %#x is not below the limit %#x", uint64(base), uint64(as.limit))
	}

	return &RangeAllocator[VA]{
		as:        as,
		base:      base,
		linearEnd: base,
	}, nil
}

// Base returns the lowest virtual address the allocator hands out.
func (a *RangeAllocator[VA]) Base() VA {
	return a.base
}

// Limit returns the exclusive upper bound of the allocator's address space.
func (a *RangeAllocator[VA]) Limit() VA {
	return a.as.limit
}

// AddressSpace exposes the underlying map for diagnostics: statistics collection, json
// dumps, and validation. Structural edits must go through the allocator itself.
func (a *RangeAllocator[VA]) AddressSpace() *AddressSpaceMap[VA, bool, struct{}] {
	return a.as
}

// Allocate reserves a region of the given size and returns its address. A failed
// allocation surfaces skyline.ExhaustedError and leaves the address space unchanged.
func (a *RangeAllocator[VA]) Allocate(size VA) (VA, error) {
	if size == 0 {
		return 0, errors.New("allocation size must be greater than 0")
	}

	a.as.mutex.Lock()
	virt, err := a.allocate(size, 1)
	a.as.mutex.Unlock()

	skyline.DebugValidate(a.as)

	if err != nil {
		return 0, err
	}

	a.as.logger.Debug("RangeAllocator::Allocate", slog.Uint64("Virt", uint64(virt)), slog.Uint64("Size", uint64(size)))
	return virt, nil
}

// AllocateAligned reserves a region of the given size whose address is a multiple of
// alignment. Alignment must be a power of two; an alignment of 1 behaves like Allocate.
func (a *RangeAllocator[VA]) AllocateAligned(size, alignment VA) (VA, error) {
	if size == 0 {
		return 0, errors.New("allocation size must be greater than 0")
	}
	if err := skyline.CheckPow2(alignment, "alignment"); err != nil {
		return 0, err
	}

	a.as.mutex.Lock()
	virt, err := a.allocate(size, alignment)
	a.as.mutex.Unlock()

	skyline.DebugValidate(a.as)

	if err != nil {
		return 0, err
	}

	a.as.logger.Debug("RangeAllocator::AllocateAligned", slog.Uint64("Virt", uint64(virt)), slog.Uint64("Size", uint64(size)), slog.Uint64("Alignment", uint64(alignment)))
	return virt, nil
}

// allocate runs the two allocation passes. The instance lock must be held.
func (a *RangeAllocator[VA]) allocate(size, alignment VA) (VA, error) {
	virt := skyline.AlignUp(a.linearEnd, alignment)
	end := virt + size
	if virt >= a.linearEnd && end >= virt && end <= a.as.limit && !a.occupiedWithin(virt, end) {
		if err := a.as.update(virt, true, size, struct{}{}); err != nil {
			return 0, err
		}
		a.linearEnd = end
		return virt, nil
	}

	gap, ok := a.searchGap(size, alignment)
	if !ok {
		return 0, errors.Wrapf(skyline.ExhaustedError, "no gap of %#x bytes at or above %#x", uint64(size), uint64(a.base))
	}
	if err := a.as.update(gap, true, size, struct{}{}); err != nil {
		return 0, err
	}
	return gap, nil
}

// searchGap finds the first unmapped run at or above the allocator's base that can hold
// an aligned allocation of size bytes. The instance lock must be held.
func (a *RangeAllocator[VA]) searchGap(size, alignment VA) (VA, bool) {
	blocks := a.as.blocks

	if len(blocks) == 0 {
		return gapFits(a.base, a.as.limit, size, alignment)
	}

	// Space below the first block is an implicit gap.
	if blocks[0].virt > a.base {
		if virt, ok := gapFits(a.base, blocks[0].virt, size, alignment); ok {
			return virt, ok
		}
	}

	for i, b := range blocks {
		if b.phys {
			continue
		}

		gapStart := b.virt
		if gapStart < a.base {
			gapStart = a.base
		}

		gapEnd := a.as.limit
		if i+1 < len(blocks) {
			gapEnd = blocks[i+1].virt
		}

		if virt, ok := gapFits(gapStart, gapEnd, size, alignment); ok {
			return virt, ok
		}
	}

	return 0, false
}

// gapFits reports whether [gapStart, gapEnd) can hold an aligned allocation of size
// bytes, and the address it would live at.
func gapFits[VA constraints.Unsigned](gapStart, gapEnd, size, alignment VA) (VA, bool) {
	virt := skyline.AlignUp(gapStart, alignment)
	if virt < gapStart || virt >= gapEnd {
		return 0, false
	}
	if gapEnd-virt >= size {
		return virt, true
	}
	return 0, false
}

// AllocateFixed reserves the caller-chosen range [virt, virt+size), used for regions
// that must live at a fixed address. Requests overlapping an already-allocated range
// fail with skyline.RangeOccupiedError; a zero size is a no-op.
func (a *RangeAllocator[VA]) AllocateFixed(virt, size VA) error {
	if size == 0 {
		return nil
	}

	a.as.mutex.Lock()
	err := a.allocateFixed(virt, size)
	a.as.mutex.Unlock()

	skyline.DebugValidate(a.as)

	if err == nil {
		a.as.logger.Debug("RangeAllocator::AllocateFixed", slog.Uint64("Virt", uint64(virt)), slog.Uint64("Size", uint64(size)))
	}
	return err
}

// allocateFixed validates and commits a fixed reservation. The instance lock must be
// held.
func (a *RangeAllocator[VA]) allocateFixed(virt, size VA) error {
	end, err := a.as.checkRange(virt, size)
	if err != nil {
		return err
	}

	if a.occupiedWithin(virt, end) {
		return errors.Wrapf(skyline.RangeOccupiedError, "[%#x, %#x) overlaps an allocated range", uint64(virt), uint64(end))
	}

	return a.as.update(virt, true, size, struct{}{})
}

// occupiedWithin reports whether any address in [virt, end) is allocated. The instance
// lock must be held.
func (a *RangeAllocator[VA]) occupiedWithin(virt, end VA) bool {
	i, exact := a.as.lowerBound(virt)
	if !exact && i > 0 {
		// The preceding block covers virt.
		i--
	}

	for ; i < len(a.as.blocks) && a.as.blocks[i].virt < end; i++ {
		if a.as.blocks[i].phys {
			return true
		}
	}
	return false
}

// Free releases [virt, virt+size) back to the unmapped pool so the search pass can hand
// it out again. The linear cursor is deliberately not rewound.
func (a *RangeAllocator[VA]) Free(virt, size VA) error {
	return a.as.Unmap(virt, size)
}
