package addrspace

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"

	"github.com/Bruh8783/skyline"
	"github.com/Bruh8783/skyline/internal/utils"
)

// MaxVA returns the highest virtual address representable in an address space of the
// given width in bits.
func MaxVA[VA constraints.Unsigned](bits uint) VA {
	half := VA(1) << (bits - 1)
	return half + (half - 1)
}

// Config carries the construction parameters shared by every AddressSpaceMap
// specialization.
type Config[VA constraints.Unsigned] struct {
	// AddressSpaceBits is the width of the guest address space. The virtual address
	// type must be at least this wide.
	AddressSpaceBits uint

	// Limit is an exclusive soft upper bound on mapping ends. It may not exceed
	// MaxVA(AddressSpaceBits). A zero Limit selects MaxVA(AddressSpaceBits).
	Limit VA

	// OnUnmap, when non-nil, is invoked with the exact requested range after every
	// successful unmap of a non-zero size. It runs outside the instance lock, so it
	// may safely re-enter the map. Consumers use it to invalidate state derived from
	// virtual ranges.
	OnUnmap func(virt, size VA)

	// ExternallySynchronized disables the instance lock. The consumer must guarantee
	// that the map is used from only one goroutine at a time or is synchronized by
	// some other mechanism.
	ExternallySynchronized bool

	// Logger receives debug records for structural operations. A nil Logger selects
	// slog.Default().
	Logger *slog.Logger
}

// AddressSpaceMap tracks which virtual ranges of one guest address space are mapped and
// to which physical backing, using a sorted block sequence. The physical type and its
// contiguity behavior come from the Physical policy supplied at construction; see
// MemoryTranslator and RangeAllocator for the two specializations.
//
// All structural edits on one instance are linearized by a per-instance lock. Separate
// instances are fully independent.
type AddressSpaceMap[VA constraints.Unsigned, PA comparable, EX comparable] struct {
	mutex    utils.OptionalRWMutex
	space    Physical[VA, PA]
	unmapped PA
	blocks   []block[VA, PA, EX]
	limit    VA
	onUnmap  func(virt, size VA)
	logger   *slog.Logger
}

var _ skyline.Validatable = (*AddressSpaceMap[uint64, uint64, struct{}])(nil)

// NewAddressSpaceMap creates an empty address space over the given physical space
// policy. Every address reads as unmapped until the first call to Map.
func NewAddressSpaceMap[VA constraints.Unsigned, PA comparable, EX comparable](space Physical[VA, PA], config Config[VA]) (*AddressSpaceMap[VA, PA, EX], error) {
	var va VA
	vaBits := uint(unsafe.Sizeof(va)) * 8

	if config.AddressSpaceBits == 0 || config.AddressSpaceBits > vaBits {
		return nil, errors.Newf("an address space of %d bits cannot be held in a %d-bit virtual address type", config.AddressSpaceBits, vaBits)
	}

	maxVA := MaxVA[VA](config.AddressSpaceBits)
	limit := config.Limit
	if limit == 0 {
		limit = maxVA
	}
	if limit > maxVA {
		return nil, errors.Newf("limit %#x exceeds the maximum address %#x of a %d-bit address space", uint64(limit), uint64(maxVA), config.AddressSpaceBits)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &AddressSpaceMap[VA, PA, EX]{
		mutex:    utils.OptionalRWMutex{UseMutex: !config.ExternallySynchronized},
		space:    space,
		unmapped: space.Unmapped(),
		limit:    limit,
		onUnmap:  config.OnUnmap,
		logger:   logger,
	}, nil
}

// Limit returns the exclusive upper bound on mapping ends for this address space.
func (m *AddressSpaceMap[VA, PA, EX]) Limit() VA {
	return m.limit
}

// Map inserts a mapped run [virt, virt+size) backed by physical values starting at phys
// and increasing 1:1 with the virtual address when the physical space is contiguous.
// Existing blocks covered by the range are trimmed, split, or replaced. A run that is
// physically contiguous with its neighbors and carries identical extra info coalesces
// with them.
//
// Mapping the physical space's unmapped sentinel behaves like Unmap, except that no
// unmap notification fires.
func (m *AddressSpaceMap[VA, PA, EX]) Map(virt VA, phys PA, size VA, extra EX) error {
	m.mutex.Lock()
	err := m.update(virt, phys, size, extra)
	m.mutex.Unlock()

	skyline.DebugValidate(m)

	if err == nil {
		m.logger.Debug("AddressSpaceMap::Map", slog.Uint64("Virt", uint64(virt)), slog.Uint64("Size", uint64(size)))
	}
	return err
}

// Unmap marks [virt, virt+size) as unmapped, merging the new hole with any adjacent
// holes. Unmapping an already-unmapped range is legal and idempotent; unmapping a zero
// size is a no-op. After a successful unmap of a non-zero size, the configured unmap
// callback is invoked with the exact requested range, outside the instance lock.
func (m *AddressSpaceMap[VA, PA, EX]) Unmap(virt, size VA) error {
	var zero EX

	m.mutex.Lock()
	err := m.update(virt, m.unmapped, size, zero)
	m.mutex.Unlock()

	skyline.DebugValidate(m)

	if err != nil {
		return err
	}

	m.logger.Debug("AddressSpaceMap::Unmap", slog.Uint64("Virt", uint64(virt)), slog.Uint64("Size", uint64(size)))
	if size != 0 && m.onUnmap != nil {
		m.onUnmap(virt, size)
	}
	return nil
}

// checkRange validates [virt, virt+size) against the address space limit and returns
// the exclusive end of the range.
func (m *AddressSpaceMap[VA, PA, EX]) checkRange(virt, size VA) (VA, error) {
	end := virt + size
	if end < virt {
		return 0, errors.Wrapf(skyline.OutOfRangeError, "range [%#x, +%#x) wraps the virtual address type", uint64(virt), uint64(size))
	}
	if end > m.limit {
		return 0, errors.Wrapf(skyline.OutOfRangeError, "range [%#x, %#x) extends beyond the limit %#x", uint64(virt), uint64(end), uint64(m.limit))
	}
	return end, nil
}

// lowerBound returns the index of the first block whose start is not below va.
func (m *AddressSpaceMap[VA, PA, EX]) lowerBound(va VA) (int, bool) {
	return slices.BinarySearchFunc(m.blocks, va, func(b block[VA, PA, EX], target VA) int {
		if b.virt < target {
			return -1
		}
		if b.virt > target {
			return 1
		}
		return 0
	})
}

// merges reports whether a block starting at boundary directly after the run
// (virt, phys, extra) ending there would carry redundant state: either both sides are
// unmapped, or both are mapped, the physical space is contiguous, and the boundary
// block continues the run's physical progression with identical extra info.
func (m *AddressSpaceMap[VA, PA, EX]) merges(virt VA, phys PA, extra EX, boundary block[VA, PA, EX]) bool {
	runMapped := phys != m.unmapped
	boundaryMapped := boundary.phys != m.unmapped

	if !runMapped && !boundaryMapped {
		return true
	}
	if runMapped && boundaryMapped && m.space.Contiguous() &&
		boundary.phys == m.space.Advance(phys, boundary.virt-virt) && boundary.extra == extra {
		return true
	}
	return false
}

// update rewrites the block sequence so that [virt, virt+size) resolves to phys and
// extra, preserving strict ordering and minimality. The instance lock must be held.
func (m *AddressSpaceMap[VA, PA, EX]) update(virt VA, phys PA, size VA, extra EX) error {
	if size == 0 {
		return nil
	}
	end, err := m.checkRange(virt, size)
	if err != nil {
		return err
	}

	mapped := phys != m.unmapped

	// Blocks starting inside [virt, end) are replaced wholesale; a block reaching in
	// from the left is trimmed implicitly by the insertion of the new run's start.
	i, _ := m.lowerBound(virt)
	j, exactEnd := m.lowerBound(end)

	// Resolve what must follow the new run at address end. If a block already starts
	// exactly there it defines that state; otherwise the covering block's state is
	// carried over as a split fragment, rebased when the physical space tracks
	// positions. With no covering block, the space beyond is implicitly unmapped.
	var tail block[VA, PA, EX]
	haveTail := false
	keep := j

	if exactEnd {
		if m.merges(virt, phys, extra, m.blocks[j]) {
			keep = j + 1
		}
	} else if end == m.limit {
		// Nothing lies beyond the end of the address space, so no boundary is needed.
	} else if j > 0 {
		covering := m.blocks[j-1]
		tail = block[VA, PA, EX]{virt: end, phys: covering.phys, extra: covering.extra}
		if covering.phys != m.unmapped && m.space.Contiguous() {
			tail.phys = m.space.Advance(covering.phys, end-covering.virt)
		}
		haveTail = !m.merges(virt, phys, extra, tail)
	} else if mapped {
		// A mapped run bordering implicitly unmapped space needs an explicit hole
		// marker, or the run would appear to extend to the limit.
		tail = block[VA, PA, EX]{virt: end, phys: m.unmapped}
		haveTail = true
	}

	// Decide whether the run needs its own block at virt, or whether the predecessor
	// already expresses it.
	insertHead := true
	if i > 0 {
		pred := m.blocks[i-1]
		if m.merges(pred.virt, pred.phys, pred.extra, block[VA, PA, EX]{virt: virt, phys: phys, extra: extra}) {
			insertHead = false
		}
	} else if !mapped {
		// Nothing precedes the run, so it is already implicitly unmapped.
		insertHead = false
	}

	repl := make([]block[VA, PA, EX], 0, 2)
	if insertHead {
		repl = append(repl, block[VA, PA, EX]{virt: virt, phys: phys, extra: extra})
	}
	if haveTail {
		repl = append(repl, tail)
	}

	m.blocks = append(m.blocks[:i], append(repl, m.blocks[keep:]...)...)
	return nil
}

// VisitRanges calls the provided callback once for every stored block, in ascending
// virtual order, with the block's implicit extent resolved. Implicit unmapped space
// below the first block is not visited. The callback runs under the instance lock and
// must not re-enter the map.
func (m *AddressSpaceMap[VA, PA, EX]) VisitRanges(visit func(virt, size VA, phys PA, extra EX, mapped bool) error) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for i, b := range m.blocks {
		blockEnd := m.limit
		if i+1 < len(m.blocks) {
			blockEnd = m.blocks[i+1].virt
		}

		err := visit(b.virt, blockEnd-b.virt, b.phys, b.extra, b.phys != m.unmapped)
		if err != nil {
			return err
		}
	}

	return nil
}

// Validate performs internal consistency checks on the block sequence. When the
// implementation is functioning correctly it should not be possible for this method to
// return an error, but it may assist in diagnosing issues.
func (m *AddressSpaceMap[VA, PA, EX]) Validate() error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for i, b := range m.blocks {
		if b.virt >= m.limit {
			return errors.Newf("block %d starts at %#x, at or beyond the limit %#x", i, uint64(b.virt), uint64(m.limit))
		}

		if i == 0 {
			if b.phys == m.unmapped {
				return errors.Newf("the first stored block is an unmapped run at %#x, which should be implicit", uint64(b.virt))
			}
			continue
		}

		prev := m.blocks[i-1]
		if prev.virt >= b.virt {
			return errors.Newf("block %d at %#x does not start strictly after its predecessor at %#x", i, uint64(b.virt), uint64(prev.virt))
		}
		if m.merges(prev.virt, prev.phys, prev.extra, b) {
			return errors.Newf("blocks %d and %d around %#x carry redundant state and should have merged", i-1, i, uint64(b.virt))
		}
	}

	return nil
}

// AddStatistics sums this address space's mapping statistics into the statistics
// currently present in the provided skyline.Statistics object.
func (m *AddressSpaceMap[VA, PA, EX]) AddStatistics(stats *skyline.Statistics) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats.BlockCount += len(m.blocks)

	var mappedBytes uint64
	for i, b := range m.blocks {
		if b.phys == m.unmapped {
			continue
		}

		blockEnd := m.limit
		if i+1 < len(m.blocks) {
			blockEnd = m.blocks[i+1].virt
		}

		stats.MappedCount++
		mappedBytes += uint64(blockEnd - b.virt)
	}

	stats.MappedBytes += mappedBytes
	stats.UnmappedBytes += uint64(m.limit) - mappedBytes
}

// AddDetailedStatistics sums this address space's mapping statistics, including per-run
// extremes, into the provided skyline.DetailedStatistics object. Implicit unmapped
// space below the first block counts as a hole.
func (m *AddressSpaceMap[VA, PA, EX]) AddDetailedStatistics(stats *skyline.DetailedStatistics) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats.BlockCount += len(m.blocks)

	if len(m.blocks) == 0 {
		if m.limit != 0 {
			stats.AddHole(uint64(m.limit))
		}
		return
	}

	if m.blocks[0].virt != 0 {
		stats.AddHole(uint64(m.blocks[0].virt))
	}

	for i, b := range m.blocks {
		blockEnd := m.limit
		if i+1 < len(m.blocks) {
			blockEnd = m.blocks[i+1].virt
		}

		if b.phys == m.unmapped {
			stats.AddHole(uint64(blockEnd - b.virt))
		} else {
			stats.AddMappedRun(uint64(blockEnd - b.virt))
		}
	}
}

// WriteJson populates a json object with information about this address space.
func (m *AddressSpaceMap[VA, PA, EX]) WriteJson(json jwriter.ObjectState) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	m.writeJson(json)
}

func (m *AddressSpaceMap[VA, PA, EX]) writeJson(json jwriter.ObjectState) {
	json.Name("Limit").String(fmt.Sprintf("%#x", uint64(m.limit)))
	json.Name("Blocks").Int(len(m.blocks))

	ranges := json.Name("Ranges").Array()
	defer ranges.End()

	for i, b := range m.blocks {
		blockEnd := m.limit
		if i+1 < len(m.blocks) {
			blockEnd = m.blocks[i+1].virt
		}

		o := ranges.Object()
		o.Name("Virt").String(fmt.Sprintf("%#x", uint64(b.virt)))
		o.Name("Size").String(fmt.Sprintf("%#x", uint64(blockEnd-b.virt)))
		if b.phys != m.unmapped {
			o.Name("Phys").String(fmt.Sprintf("%v", b.phys))
			o.Name("Extra").String(fmt.Sprintf("%+v", b.extra))
		} else {
			o.Name("Unmapped").Bool(true)
		}
		o.End()
	}
}

// BuildStatsString writes a json description of the address space to the provided
// writer.
func (m *AddressSpaceMap[VA, PA, EX]) BuildStatsString(writer *jwriter.Writer) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	obj := writer.Object()
	defer obj.End()

	m.writeJson(obj)
}
