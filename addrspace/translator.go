package addrspace

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"

	"github.com/Bruh8783/skyline"
)

// UnmappedOffset is the physical sentinel used by MemoryTranslator to mark a hole.
const UnmappedOffset uint64 = math.MaxUint64

// DefaultSparseSize is the size of the zero placeholder buffer backing sparse mappings
// when TranslatorConfig does not override it. The placeholder stands in for arbitrarily
// large sparse regions; spans that outgrow it still read as zeros.
const DefaultSparseSize uint64 = 0x400000

// TranslateInfo is the per-block payload carried by MemoryTranslator mappings.
type TranslateInfo struct {
	// SparseMapped marks a range that is intentionally backed by the shared zero
	// placeholder instead of real memory.
	SparseMapped bool
}

// byteOffsetSpace resolves virtual addresses to byte offsets into a backing arena.
// Offsets advance 1:1 with virtual addresses, so physically adjacent runs merge.
type byteOffsetSpace[VA constraints.Unsigned] struct{}

func (byteOffsetSpace[VA]) Unmapped() uint64 { return UnmappedOffset }

func (byteOffsetSpace[VA]) Advance(base uint64, delta VA) uint64 { return base + uint64(delta) }

func (byteOffsetSpace[VA]) Contiguous() bool { return true }

// TranslatorConfig carries the construction parameters for a MemoryTranslator.
type TranslatorConfig[VA constraints.Unsigned] struct {
	Config[VA]

	// SparseSize overrides the size of the zero placeholder buffer backing sparse
	// mappings. A zero SparseSize selects DefaultSparseSize.
	SparseSize uint64
}

// MemoryTranslator specializes AddressSpaceMap to resolve virtual ranges into byte
// offsets of a caller-supplied backing arena, adding range translation, reads, and
// writes. The arena is only ever viewed, never reallocated or resized by the
// translator.
type MemoryTranslator[VA constraints.Unsigned] struct {
	as      *AddressSpaceMap[VA, uint64, TranslateInfo]
	backing []byte
	sparse  []byte
}

// NewMemoryTranslator creates a translator over the provided backing arena. The arena
// is the physical space: Map offsets index into it.
func NewMemoryTranslator[VA constraints.Unsigned](backing []byte, config TranslatorConfig[VA]) (*MemoryTranslator[VA], error) {
	as, err := NewAddressSpaceMap[VA, uint64, TranslateInfo](byteOffsetSpace[VA]{}, config.Config)
	if err != nil {
		return nil, err
	}

	sparseSize := config.SparseSize
	if sparseSize == 0 {
		sparseSize = DefaultSparseSize
	}

	return &MemoryTranslator[VA]{
		as:      as,
		backing: backing,
		sparse:  make([]byte, sparseSize),
	}, nil
}

// Limit returns the exclusive upper bound on mapping ends for this address space.
func (t *MemoryTranslator[VA]) Limit() VA {
	return t.as.Limit()
}

// AddressSpace exposes the underlying map for diagnostics: statistics collection, json
// dumps, and validation. Structural edits must go through the translator itself.
func (t *MemoryTranslator[VA]) AddressSpace() *AddressSpaceMap[VA, uint64, TranslateInfo] {
	return t.as
}

// Map inserts a mapped run [virt, virt+size) backed by the arena bytes starting at
// offset phys. The backing run must lie inside the arena.
func (t *MemoryTranslator[VA]) Map(virt VA, phys uint64, size VA) error {
	if phys == UnmappedOffset {
		return errors.Newf("%#x is the unmapped sentinel, not a backing offset", phys)
	}
	if phys+uint64(size) < phys || phys+uint64(size) > uint64(len(t.backing)) {
		return errors.Wrapf(skyline.OutOfRangeError, "backing run [%#x, +%#x) extends beyond the %#x-byte arena", phys, uint64(size), uint64(len(t.backing)))
	}

	return t.as.Map(virt, phys, size, TranslateInfo{})
}

// MapSparse inserts a mapped run [virt, virt+size) backed by the shared zero
// placeholder. Reads from the range return zeros and writes to it are discarded.
func (t *MemoryTranslator[VA]) MapSparse(virt, size VA) error {
	return t.as.Map(virt, 0, size, TranslateInfo{SparseMapped: true})
}

// Unmap marks [virt, virt+size) as unmapped. See AddressSpaceMap.Unmap.
func (t *MemoryTranslator[VA]) Unmap(virt, size VA) error {
	return t.as.Unmap(virt, size)
}

// Validate performs internal consistency checks on the block sequence.
func (t *MemoryTranslator[VA]) Validate() error {
	return t.as.Validate()
}

// TranslateRange resolves [virt, virt+size) into the ordered sequence of physical spans
// covering it. Crossing a genuinely unmapped hole fails with
// skyline.UnmappedAccessError; sparse regions resolve to placeholder spans instead.
func (t *MemoryTranslator[VA]) TranslateRange(virt, size VA) ([]Span, error) {
	t.as.mutex.RLock()
	defer t.as.mutex.RUnlock()

	return t.translate(virt, size)
}

// translate walks the block sequence emitting one span per overlapped block. The
// instance lock must be held.
func (t *MemoryTranslator[VA]) translate(virt, size VA) ([]Span, error) {
	if size == 0 {
		return nil, nil
	}
	if _, err := t.as.checkRange(virt, size); err != nil {
		return nil, err
	}

	i, exact := t.as.lowerBound(virt)
	if !exact {
		if i == 0 {
			return nil, errors.Wrapf(skyline.UnmappedAccessError, "nothing is mapped at %#x", uint64(virt))
		}
		i--
	}

	spans := make([]Span, 0, 4)
	cursor := virt
	remaining := size

	for ; remaining > 0; i++ {
		b := t.as.blocks[i]
		if b.phys == UnmappedOffset {
			return nil, errors.Wrapf(skyline.UnmappedAccessError, "nothing is mapped at %#x", uint64(cursor))
		}

		blockEnd := t.as.limit
		if i+1 < len(t.as.blocks) {
			blockEnd = t.as.blocks[i+1].virt
		}

		chunk := blockEnd - cursor
		if chunk > remaining {
			chunk = remaining
		}

		if b.extra.SparseMapped {
			spans = append(spans, Span{data: t.sparse, size: uint64(chunk), sparse: true})
		} else {
			offset := b.phys + uint64(cursor-b.virt)
			spans = append(spans, Span{data: t.backing[offset : offset+uint64(chunk)], size: uint64(chunk)})
		}

		cursor += chunk
		remaining -= chunk
	}

	return spans, nil
}

// Read copies len(destination) bytes out of the guest virtual range starting at virt.
// Crossing several physical spans is transparent to the caller.
func (t *MemoryTranslator[VA]) Read(destination []byte, virt VA) error {
	t.as.mutex.RLock()
	defer t.as.mutex.RUnlock()

	spans, err := t.translate(virt, VA(len(destination)))
	if err != nil {
		return err
	}

	for _, span := range spans {
		n := span.CopyTo(destination)
		destination = destination[n:]
	}
	return nil
}

// Write copies len(source) bytes into the guest virtual range starting at virt.
func (t *MemoryTranslator[VA]) Write(virt VA, source []byte) error {
	t.as.mutex.RLock()
	defer t.as.mutex.RUnlock()

	spans, err := t.translate(virt, VA(len(source)))
	if err != nil {
		return err
	}

	for _, span := range spans {
		n := span.CopyFrom(source)
		source = source[n:]
	}
	return nil
}

// ReadUint32 reads a little-endian 32-bit value from the guest virtual address.
func (t *MemoryTranslator[VA]) ReadUint32(virt VA) (uint32, error) {
	var buf [4]byte
	if err := t.Read(buf[:], virt); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadUint64 reads a little-endian 64-bit value from the guest virtual address.
func (t *MemoryTranslator[VA]) ReadUint64(virt VA) (uint64, error) {
	var buf [8]byte
	if err := t.Read(buf[:], virt); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint32 writes a little-endian 32-bit value to the guest virtual address.
func (t *MemoryTranslator[VA]) WriteUint32(virt VA, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return t.Write(virt, buf[:])
}

// WriteUint64 writes a little-endian 64-bit value to the guest virtual address.
func (t *MemoryTranslator[VA]) WriteUint64(virt VA, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return t.Write(virt, buf[:])
}
