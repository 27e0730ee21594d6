package addrspace

import (
	"sync"

	"github.com/dolthub/swiss"
	"golang.org/x/exp/constraints"
)

type rangeEntry[VA constraints.Unsigned, V any] struct {
	size  VA
	value V
}

// RangeCache indexes values derived from virtual ranges, such as state compiled from
// guest memory, keyed by the range's start address. InvalidateRange matches the unmap
// callback signature, so a cache can be dropped straight into Config.OnUnmap to evict
// entries whenever their source range is torn down.
type RangeCache[VA constraints.Unsigned, V any] struct {
	mutex    sync.RWMutex
	sizeHint uint32
	entries  *swiss.Map[VA, rangeEntry[VA, V]]
}

// NewRangeCache creates an empty cache sized for roughly sizeHint entries.
func NewRangeCache[VA constraints.Unsigned, V any](sizeHint uint32) *RangeCache[VA, V] {
	return &RangeCache[VA, V]{
		sizeHint: sizeHint,
		entries:  swiss.NewMap[VA, rangeEntry[VA, V]](sizeHint),
	}
}

// Put stores a value derived from the range [virt, virt+size), replacing any value
// already stored for the same start address.
func (c *RangeCache[VA, V]) Put(virt, size VA, value V) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries.Put(virt, rangeEntry[VA, V]{size: size, value: value})
}

// Get returns the value stored for the range starting at virt.
func (c *RangeCache[VA, V]) Get(virt VA) (V, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, ok := c.entries.Get(virt)
	return entry.value, ok
}

// Len returns the number of live entries.
func (c *RangeCache[VA, V]) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.entries.Count()
}

// InvalidateRange evicts every entry whose range overlaps [virt, virt+size). Its
// signature matches Config.OnUnmap.
func (c *RangeCache[VA, V]) InvalidateRange(virt, size VA) {
	end := virt + size
	if end < virt {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	var stale []VA
	c.entries.Iter(func(start VA, entry rangeEntry[VA, V]) bool {
		if start < end && virt < start+entry.size {
			stale = append(stale, start)
		}
		return false
	})

	for _, start := range stale {
		c.entries.Delete(start)
	}
}

// Clear evicts every entry.
func (c *RangeCache[VA, V]) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries = swiss.NewMap[VA, rangeEntry[VA, V]](c.sizeHint)
}
