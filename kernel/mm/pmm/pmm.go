// Package pmm implements the physical frame allocator.
package pmm

import (
	"gopherkmem/kernel"
	"gopherkmem/kernel/mm"
	"gopherkmem/kernel/mm/physmem"
	"gopherkmem/multiboot"
)

var (
	// bitmapAllocator is the allocator used by the kernel for all frame
	// allocations.
	bitmapAllocator BitmapAllocator

	// The following functions are mocked by tests.
	setFrameAllocatorFn   = mm.SetFrameAllocator
	setFreeFrameCounterFn = mm.SetFreeFrameCounter
)

// Init sets up the kernel physical memory allocation sub-system using the
// memory map reported by the bootloader and registers the frame allocator
// with the mm package.
func Init(mem *physmem.Memory, kernelStart, kernelEnd uintptr) *kernel.Error {
	if err := bitmapAllocator.Init(mem, multiboot.MemRegions(), kernelStart, kernelEnd); err != nil {
		return err
	}

	setFrameAllocatorFn(bitmapAllocFrame)
	setFreeFrameCounterFn(FreeFrameCount)
	return nil
}

func bitmapAllocFrame() (mm.Frame, *kernel.Error) {
	return bitmapAllocator.AllocFrame()
}

// FreeFrameCount returns the number of frames that AllocFrame can still hand
// out.
func FreeFrameCount() uint64 {
	return uint64(bitmapAllocator.Stats().Free) >> mm.PageShift
}

// IsFrameInUse returns true if frame is handed out or reserved.
func IsFrameInUse(frame mm.Frame) bool {
	return bitmapAllocator.IsFrameInUse(frame)
}

// FrameBytes returns a view of the physical memory backing frame.
func FrameBytes(frame mm.Frame) []byte {
	return bitmapAllocator.FrameBytes(frame)
}

// AllocFrame reserves a free frame using the kernel frame allocator.
func AllocFrame() (mm.Frame, *kernel.Error) {
	return bitmapAllocator.AllocFrame()
}

// FreeFrame returns a frame obtained via AllocFrame to the kernel frame
// allocator.
func FreeFrame(frame mm.Frame) *kernel.Error {
	return bitmapAllocator.FreeFrame(frame)
}

// ReserveFrames removes a run of frames from the kernel frame allocator.
func ReserveFrames(start mm.Frame, count uint64) *kernel.Error {
	return bitmapAllocator.ReserveFrames(start, count)
}

// MemStats returns the kernel frame allocator counters.
func MemStats() Stats {
	return bitmapAllocator.Stats()
}

// PrintStats logs the kernel frame allocator counters.
func PrintStats() {
	bitmapAllocator.mutex.Acquire()
	defer bitmapAllocator.mutex.Release()
	bitmapAllocator.printStats()
}
