package skyline

import "math"

// Statistics summarizes the mapping state of a single address space.
type Statistics struct {
	// BlockCount is the number of stored blocks, mapped or not
	BlockCount int
	// MappedCount is the number of stored blocks that carry a physical backing
	MappedCount int
	// MappedBytes is the total virtual extent, in bytes, resolving to a physical backing
	MappedBytes uint64
	// UnmappedBytes is the total virtual extent, in bytes, with no physical backing
	UnmappedBytes uint64
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.MappedCount = 0
	s.MappedBytes = 0
	s.UnmappedBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.MappedCount += other.MappedCount
	s.MappedBytes += other.MappedBytes
	s.UnmappedBytes += other.UnmappedBytes
}

// DetailedStatistics extends Statistics with per-run extremes, at the cost of a full walk
// over the block sequence.
type DetailedStatistics struct {
	Statistics
	HoleCount        int
	MappedRunSizeMin uint64
	MappedRunSizeMax uint64
	HoleSizeMin      uint64
	HoleSizeMax      uint64
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.HoleCount = 0
	s.MappedRunSizeMin = math.MaxUint64
	s.MappedRunSizeMax = 0
	s.HoleSizeMin = math.MaxUint64
	s.HoleSizeMax = 0
}

func (s *DetailedStatistics) AddMappedRun(size uint64) {
	s.MappedCount++
	s.MappedBytes += size

	if size < s.MappedRunSizeMin {
		s.MappedRunSizeMin = size
	}

	if size > s.MappedRunSizeMax {
		s.MappedRunSizeMax = size
	}
}

func (s *DetailedStatistics) AddHole(size uint64) {
	s.HoleCount++
	s.UnmappedBytes += size

	if size < s.HoleSizeMin {
		s.HoleSizeMin = size
	}

	if size > s.HoleSizeMax {
		s.HoleSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.HoleCount += other.HoleCount

	if other.HoleSizeMin < s.HoleSizeMin {
		s.HoleSizeMin = other.HoleSizeMin
	}

	if other.HoleSizeMax > s.HoleSizeMax {
		s.HoleSizeMax = other.HoleSizeMax
	}

	if other.MappedRunSizeMin < s.MappedRunSizeMin {
		s.MappedRunSizeMin = other.MappedRunSizeMin
	}

	if other.MappedRunSizeMax > s.MappedRunSizeMax {
		s.MappedRunSizeMax = other.MappedRunSizeMax
	}
}
