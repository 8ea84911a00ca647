package mm

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// PageAlignUp rounds size up to the nearest multiple of PageSize.
func PageAlignUp(size uintptr) uintptr {
	return (size + (PageSize - 1)) & ^(PageSize - 1)
}

// PageAlignDown rounds size down to the nearest multiple of PageSize.
func PageAlignDown(size uintptr) uintptr {
	return size & ^(PageSize - 1)
}
