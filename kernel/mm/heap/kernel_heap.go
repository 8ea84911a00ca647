package heap

import (
	"gopherkmem/kernel"
	"gopherkmem/kernel/kfmt"
)

const (
	// DefaultBase is the virtual address where the kernel heap starts
	// unless overridden by the boot command line.
	DefaultBase = uintptr(0xffffffff00000000)

	// DefaultPages is the initial size of the kernel heap in pages.
	DefaultPages = 16
)

var (
	// KernelHeap serves all dynamic allocations made by the kernel.
	KernelHeap Heap

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Init sets up the kernel heap at base using pageCount freshly mapped pages.
func Init(space AddressSpace, base uintptr, pageCount uint64) *kernel.Error {
	if err := KernelHeap.Init(space, base, pageCount); err != nil {
		return err
	}

	stats := KernelHeap.Stats()
	kfmt.Printf("[heap] kernel heap at 0x%x - 0x%x, free: %d bytes\n", stats.Start, stats.End, stats.FreeBytes)
	return nil
}

// Malloc allocates size bytes from the kernel heap. Running out of memory is
// fatal.
func Malloc(size uintptr) uintptr {
	ptr, err := KernelHeap.Malloc(size)
	if err != nil {
		panicFn(err)
	}
	return ptr
}

// Free releases a block allocated by Malloc. Freeing an invalid pointer or
// freeing a block twice is fatal.
func Free(ptr uintptr) {
	if err := KernelHeap.Free(ptr); err != nil {
		panicFn(err)
	}
}
