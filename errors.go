package skyline

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfRangeError is the error returned when a requested virtual range would extend beyond an
// address space's configured limit, or would wrap the virtual address type. No structural change
// is made when this error is returned.
var OutOfRangeError error = errors.New("virtual range extends beyond the address space limit")

// ExhaustedError is the error returned when an allocator cannot find a free region large enough
// for a request after both the linear and the search pass. The address space is left unchanged
// and remains usable.
var ExhaustedError error = errors.New("no free region of the address space is large enough")

// UnmappedAccessError is the error returned when a translate, read, or write touches a virtual
// range that crosses a hole with no physical backing.
var UnmappedAccessError error = errors.New("virtual range crosses an unmapped region")

// RangeOccupiedError is the error returned when a fixed allocation overlaps a region that is
// already allocated.
var RangeOccupiedError error = errors.New("virtual range is already occupied")
