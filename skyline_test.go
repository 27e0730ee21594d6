package skyline_test

import (
	"math"
	"testing"

	"github.com/Bruh8783/skyline"
	"github.com/stretchr/testify/require"
)

func TestCheckPow2(t *testing.T) {
	require.NoError(t, skyline.CheckPow2(uint64(1), "alignment"))
	require.NoError(t, skyline.CheckPow2(uint64(0x1000), "alignment"))

	err := skyline.CheckPow2(uint64(0), "alignment")
	require.ErrorIs(t, err, skyline.PowerOfTwoError)
	require.ErrorContains(t, err, "alignment")

	err = skyline.CheckPow2(uint64(0x1001), "alignment")
	require.ErrorIs(t, err, skyline.PowerOfTwoError)
}

func TestAlign(t *testing.T) {
	require.Equal(t, uint64(0x2000), skyline.AlignUp(uint64(0x1001), 0x1000))
	require.Equal(t, uint64(0x1000), skyline.AlignUp(uint64(0x1000), 0x1000))
	require.Equal(t, uint64(0), skyline.AlignUp(uint64(0), 0x1000))

	require.Equal(t, uint64(0x1000), skyline.AlignDown(uint64(0x1FFF), 0x1000))
	require.Equal(t, uint64(0x1000), skyline.AlignDown(uint64(0x1000), 0x1000))
}

func TestDetailedStatisticsAccumulation(t *testing.T) {
	var stats skyline.DetailedStatistics
	stats.Clear()

	require.Equal(t, uint64(math.MaxUint64), stats.MappedRunSizeMin)
	require.Equal(t, uint64(math.MaxUint64), stats.HoleSizeMin)

	stats.AddMappedRun(0x1000)
	stats.AddMappedRun(0x4000)
	stats.AddHole(0x800)

	require.Equal(t, 2, stats.MappedCount)
	require.Equal(t, 1, stats.HoleCount)
	require.Equal(t, uint64(0x5000), stats.MappedBytes)
	require.Equal(t, uint64(0x800), stats.UnmappedBytes)
	require.Equal(t, uint64(0x1000), stats.MappedRunSizeMin)
	require.Equal(t, uint64(0x4000), stats.MappedRunSizeMax)
	require.Equal(t, uint64(0x800), stats.HoleSizeMin)
	require.Equal(t, uint64(0x800), stats.HoleSizeMax)
}

func TestAddDetailedStatistics(t *testing.T) {
	var total, partial skyline.DetailedStatistics
	total.Clear()
	partial.Clear()

	total.AddMappedRun(0x2000)
	total.AddHole(0x1000)

	partial.AddMappedRun(0x8000)
	partial.AddHole(0x200)

	total.AddDetailedStatistics(&partial)

	require.Equal(t, 2, total.MappedCount)
	require.Equal(t, 2, total.HoleCount)
	require.Equal(t, uint64(0xA000), total.MappedBytes)
	require.Equal(t, uint64(0x1200), total.UnmappedBytes)
	require.Equal(t, uint64(0x2000), total.MappedRunSizeMin)
	require.Equal(t, uint64(0x8000), total.MappedRunSizeMax)
	require.Equal(t, uint64(0x200), total.HoleSizeMin)
	require.Equal(t, uint64(0x1000), total.HoleSizeMax)
}
