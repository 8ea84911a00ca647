package pmm

import (
	"sort"

	"gopherkmem/kernel"
	"gopherkmem/kernel/kfmt"
	"gopherkmem/kernel/mm"
	"gopherkmem/multiboot"
)

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
)

// frameRange describes the frames in [start, end).
type frameRange struct {
	start, end mm.Frame
}

func (r frameRange) contains(frame mm.Frame) bool {
	return frame >= r.start && frame < r.end
}

// usableFrames returns the frames that lie completely inside region and below
// limitFrame. Reported addresses may not be page-aligned so the start address
// is rounded up and the end address is rounded down.
func usableFrames(region multiboot.MemoryMapEntry, limitFrame mm.Frame) (frameRange, bool) {
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	r := frameRange{
		start: mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift),
		end:   mm.Frame((region.End() & ^pageSizeMinus1) >> mm.PageShift),
	}

	if r.end > limitFrame {
		r.end = limitFrame
	}
	return r, r.start < r.end
}

// coveredFrames returns every frame that region touches, even partially.
func coveredFrames(region multiboot.MemoryMapEntry) frameRange {
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	return frameRange{
		start: mm.Frame((region.PhysAddress & ^pageSizeMinus1) >> mm.PageShift),
		end:   mm.Frame(((region.End() + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift),
	}
}

// bootMemAllocator implements a rudimentary physical memory allocator which is
// used to find a home for the bitmap allocator's state.
//
// The allocator uses the memory region information provided by the bootloader
// to detect free memory blocks and returns the next available free frame. It
// never hands out frames that belong to the kernel image or frames that are
// not backed by installed memory. Allocated frames cannot be freed.
type bootMemAllocator struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame mm.Frame

	// limitFrame is the first frame past the installed memory.
	limitFrame mm.Frame

	// regions holds the available regions sorted by address.
	regions []multiboot.MemoryMapEntry

	// Keep track of kernel location so we exclude this region.
	kernelStartAddr, kernelEndAddr uintptr
	kernelFrames                   frameRange
}

// init sets up the boot memory allocator internal state.
func (alloc *bootMemAllocator) init(regions []multiboot.MemoryMapEntry, memSize, kernelStart, kernelEnd uintptr) {
	*alloc = bootMemAllocator{
		limitFrame:      mm.Frame(memSize >> mm.PageShift),
		kernelStartAddr: kernelStart,
		kernelEndAddr:   kernelEnd,
	}

	// round down kernel start to the nearest page and round up kernel end
	// to the nearest page.
	if kernelEnd > kernelStart {
		alloc.kernelFrames = frameRange{
			start: mm.FrameFromAddress(kernelStart),
			end:   mm.FrameFromAddress(mm.PageAlignUp(kernelEnd)),
		}
	}

	for _, region := range regions {
		if region.Type == multiboot.MemAvailable {
			alloc.regions = append(alloc.regions, region)
		}
	}
	sort.Slice(alloc.regions, func(i, j int) bool {
		return alloc.regions[i].PhysAddress < alloc.regions[j].PhysAddress
	})
}

// AllocFrame scans the available memory regions and reserves the next
// available free frame.
//
// AllocFrame returns an error if no more memory can be allocated.
func (alloc *bootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for _, region := range alloc.regions {
		frames, ok := usableFrames(region, alloc.limitFrame)
		if !ok {
			continue
		}

		next := frames.start
		if alloc.allocCount != 0 && alloc.lastAllocFrame >= next {
			next = alloc.lastAllocFrame + 1
		}

		// Jump over the kernel image
		if alloc.kernelFrames.contains(next) {
			next = alloc.kernelFrames.end
		}

		// The above adjustment might push next outside of the region end
		// (e.g kernel ends at last page in the region)
		if next >= frames.end {
			continue
		}

		alloc.allocCount++
		alloc.lastAllocFrame = next
		return next, nil
	}

	return mm.InvalidFrame, errBootAllocOutOfMemory
}

// allocContiguous allocates a run of count physically contiguous frames and
// returns the first one. Frames that were handed out while looking for the
// run are simply skipped; the bitmap allocator treats them as free.
func (alloc *bootMemAllocator) allocContiguous(count uint64) (mm.Frame, *kernel.Error) {
	var (
		runStart mm.Frame
		runLen   uint64
	)

	for runLen < count {
		frame, err := alloc.AllocFrame()
		if err != nil {
			return mm.InvalidFrame, err
		}

		if runLen == 0 || frame != runStart+mm.Frame(runLen) {
			runStart, runLen = frame, 0
		}
		runLen++
	}

	return runStart, nil
}

// printMemoryMap prints out the system's memory map as reported by the
// bootloader.
func (alloc *bootMemAllocator) printMemoryMap(regions []multiboot.MemoryMapEntry) {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree mm.Size
	for _, region := range regions {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.End(), region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
	}
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	kfmt.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
	kfmt.Printf("[boot_mem_alloc] size: %d bytes, reserved pages: %d\n",
		uint64(alloc.kernelEndAddr-alloc.kernelStartAddr),
		uint64(alloc.kernelFrames.end-alloc.kernelFrames.start),
	)
}
