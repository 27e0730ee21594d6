package addrspace_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Bruh8783/skyline"
	"github.com/Bruh8783/skyline/addrspace"
)

func newTestAllocator(t *testing.T, base uint32, bits uint) *addrspace.RangeAllocator[uint32] {
	allocator, err := addrspace.NewRangeAllocator[uint32](base, addrspace.Config[uint32]{AddressSpaceBits: bits})
	require.NoError(t, err)
	return allocator
}

func TestAllocateIsLinearWhileSpaceIsFresh(t *testing.T) {
	allocator := newTestAllocator(t, 0x1000, 32)

	for i := 0; i < 8; i++ {
		virt, err := allocator.Allocate(0x1000)
		require.NoError(t, err)
		require.Equal(t, uint32(0x1000+i*0x1000), virt)
	}

	require.NoError(t, allocator.AddressSpace().Validate())
}

func TestAllocateZeroSizeFails(t *testing.T) {
	allocator := newTestAllocator(t, 0x1000, 32)

	_, err := allocator.Allocate(0)
	require.Error(t, err)
}

func TestAllocatePhaseTransition(t *testing.T) {
	// A 16-bit space: the limit is 0xFFFF, so 14 linear allocations of 0x1000 starting
	// at 0x1000 leave only a sub-page tail.
	allocator := newTestAllocator(t, 0x1000, 16)

	for i := 0; i < 14; i++ {
		virt, err := allocator.Allocate(0x1000)
		require.NoError(t, err)
		require.Equal(t, uint32(0x1000+i*0x1000), virt)
	}

	// Both passes are out of space now.
	_, err := allocator.Allocate(0x1000)
	require.ErrorIs(t, err, skyline.ExhaustedError)

	// Freed space below the linear cursor is found again by the search pass.
	require.NoError(t, allocator.Free(0x2000, 0x1000))
	virt, err := allocator.Allocate(0x1000)
	require.NoError(t, err)
	require.Equal(t, uint32(0x2000), virt)

	// The tail gap below the limit still serves smaller requests.
	virt, err = allocator.Allocate(0x800)
	require.NoError(t, err)
	require.Equal(t, uint32(0xF000), virt)

	require.NoError(t, allocator.AddressSpace().Validate())
}

func TestExhaustionLeavesTheSpaceUsable(t *testing.T) {
	allocator := newTestAllocator(t, 0x1000, 16)

	virt, err := allocator.Allocate(0xE000)
	require.NoError(t, err)
	require.Equal(t, uint32(0x1000), virt)

	var before skyline.Statistics
	allocator.AddressSpace().AddStatistics(&before)

	_, err = allocator.Allocate(0x4000)
	require.ErrorIs(t, err, skyline.ExhaustedError)

	var after skyline.Statistics
	allocator.AddressSpace().AddStatistics(&after)
	require.Equal(t, before, after)

	require.NoError(t, allocator.Free(0x1000, 0xE000))
	virt, err = allocator.Allocate(0x4000)
	require.NoError(t, err)
	require.Equal(t, uint32(0x1000), virt)
}

func TestFreeDoesNotRewindTheLinearCursor(t *testing.T) {
	allocator := newTestAllocator(t, 0x1000, 32)

	virt, err := allocator.Allocate(0x1000)
	require.NoError(t, err)
	require.Equal(t, uint32(0x1000), virt)

	require.NoError(t, allocator.Free(virt, 0x1000))

	// While linear space remains, freed space is not reused.
	virt, err = allocator.Allocate(0x1000)
	require.NoError(t, err)
	require.Equal(t, uint32(0x2000), virt)
}

func TestAllocateFixedReservesAndRejectsOverlap(t *testing.T) {
	allocator := newTestAllocator(t, 0x1000, 32)

	require.NoError(t, allocator.AllocateFixed(0x10000, 0x4000))

	err := allocator.AllocateFixed(0x12000, 0x4000)
	require.ErrorIs(t, err, skyline.RangeOccupiedError)

	err = allocator.AllocateFixed(0xF000, 0x2000)
	require.ErrorIs(t, err, skyline.RangeOccupiedError)

	require.NoError(t, allocator.AllocateFixed(0x14000, 0x1000))

	// Freed regions can be re-reserved.
	require.NoError(t, allocator.Free(0x10000, 0x4000))
	require.NoError(t, allocator.AllocateFixed(0x11000, 0x2000))

	// Zero-size reservations are no-ops.
	require.NoError(t, allocator.AllocateFixed(0x11000, 0))

	require.NoError(t, allocator.AddressSpace().Validate())
}

func TestAllocateAligned(t *testing.T) {
	allocator := newTestAllocator(t, 0x1000, 32)

	virt, err := allocator.Allocate(0x123)
	require.NoError(t, err)
	require.Equal(t, uint32(0x1000), virt)

	// The linear cursor sits at 0x1123 and gets rounded up.
	virt, err = allocator.AllocateAligned(0x1000, 0x1000)
	require.NoError(t, err)
	require.Equal(t, uint32(0x2000), virt)

	_, err = allocator.AllocateAligned(0x10, 0x300)
	require.ErrorIs(t, err, skyline.PowerOfTwoError)

	_, err = allocator.AllocateAligned(0, 0x1000)
	require.Error(t, err)

	require.NoError(t, allocator.AddressSpace().Validate())
}

func TestAllocateAlignedSearchesPastMisalignedGaps(t *testing.T) {
	allocator := newTestAllocator(t, 0x1000, 16)

	// Occupy the start of the linear region so the aligned request has to fall back to
	// the search pass, which rounds up within the gap above the reservation.
	require.NoError(t, allocator.AllocateFixed(0x1000, 0x800))

	virt, err := allocator.AllocateAligned(0x800, 0x1000)
	require.NoError(t, err)
	require.Equal(t, uint32(0x2000), virt)

	require.NoError(t, allocator.AddressSpace().Validate())
}

func TestAllocateSkipsFixedReservations(t *testing.T) {
	allocator := newTestAllocator(t, 0x1000, 16)

	// A fixed reservation in the untouched linear region must not be handed out again.
	require.NoError(t, allocator.AllocateFixed(0x1000, 0xE000))

	virt, err := allocator.Allocate(0x800)
	require.NoError(t, err)
	require.Equal(t, uint32(0xF000), virt)
}

func TestAllocateFixedBeyondLimitFails(t *testing.T) {
	allocator := newTestAllocator(t, 0x1000, 16)

	err := allocator.AllocateFixed(0xF000, 0x2000)
	require.ErrorIs(t, err, skyline.OutOfRangeError)
}

func TestFreeIsIdempotent(t *testing.T) {
	allocator := newTestAllocator(t, 0x1000, 32)

	virt, err := allocator.Allocate(0x2000)
	require.NoError(t, err)

	require.NoError(t, allocator.Free(virt, 0x2000))
	require.NoError(t, allocator.Free(virt, 0x2000))
	require.NoError(t, allocator.AddressSpace().Validate())
}

func TestAllocatorAccountsOccupancy(t *testing.T) {
	allocator := newTestAllocator(t, 0x1000, 16)

	virtA, err := allocator.Allocate(0x1000)
	require.NoError(t, err)
	_, err = allocator.Allocate(0x2000)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(virtA, 0x1000))

	var stats skyline.DetailedStatistics
	stats.Clear()
	allocator.AddressSpace().AddDetailedStatistics(&stats)

	require.Equal(t, 1, stats.MappedCount)
	require.Equal(t, uint64(0x2000), stats.MappedBytes)
	require.Equal(t, uint64(allocator.Limit())-0x2000, stats.UnmappedBytes)
}
