package pmm

import (
	"math"
	"math/bits"

	"gopherkmem/kernel"
	"gopherkmem/kernel/kfmt"
	"gopherkmem/kernel/mm"
	"gopherkmem/kernel/mm/physmem"
	"gopherkmem/kernel/sync"
	"gopherkmem/multiboot"
)

var (
	errBitmapAllocOutOfMemory     = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "bitmap_alloc", Message: "frame not managed by this allocator"}
	errBitmapAllocDoubleFree      = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free"}
	errBitmapAllocFrameReserved   = &kernel.Error{Module: "bitmap_alloc", Message: "frame is reserved"}
	errBitmapAllocNoMemoryMap     = &kernel.Error{Module: "bitmap_alloc", Message: "no memory regions reported by the bootloader"}
)

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

// Stats is a snapshot of the allocator's byte counters. At any point in time
// Free + Used + Reserved equals Total.
type Stats struct {
	// Total is the size of physical memory, defined as the end address of
	// the highest memory map entry.
	Total mm.Size

	// Free tracks the bytes that can still be handed out.
	Free mm.Size

	// Used tracks the bytes handed out by AllocFrame.
	Used mm.Size

	// Reserved tracks bytes that can never be handed out: firmware regions,
	// holes in the memory map, the kernel image and the allocator's own
	// bitmap.
	Reserved mm.Size
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations using a bitmap with one bit per frame. A set bit marks a frame
// that is either in use or reserved. The bitmap itself lives in physical
// memory.
type BitmapAllocator struct {
	mutex sync.Spinlock

	mem *physmem.Memory

	// bitmapAddr is the physical address of the first bitmap word. Frame
	// f is tracked by bit (63 - f%64) of word f/64.
	bitmapAddr   uintptr
	bitmapFrames frameRange

	// totalFrames is the number of frames tracked by the bitmap.
	totalFrames mm.Frame

	// nextFrame is the frame where the next allocation scan starts.
	nextFrame mm.Frame

	// usable holds the frames reported as available that are backed by
	// installed memory. reserved holds frames that must never be handed
	// out even if they overlap a usable range.
	usable   []frameRange
	reserved []frameRange

	stats Stats
}

// Init sets up the allocator state for the supplied physical memory and
// memory map. The bitmap is placed at the first run of usable frames that
// does not overlap the kernel image. Init must be called before any other
// allocator method and is not safe for concurrent use.
func (alloc *BitmapAllocator) Init(mem *physmem.Memory, regions []multiboot.MemoryMapEntry, kernelStart, kernelEnd uintptr) *kernel.Error {
	if len(regions) == 0 {
		return errBitmapAllocNoMemoryMap
	}

	var total uint64
	for _, region := range regions {
		if end := region.End(); end > total {
			total = end
		}
	}

	*alloc = BitmapAllocator{
		mem:         mem,
		totalFrames: mm.Frame(mm.PageAlignUp(uintptr(total)) >> mm.PageShift),
		stats:       Stats{Total: mm.Size(total)},
	}

	var boot bootMemAllocator
	boot.init(regions, mem.Size(), kernelStart, kernelEnd)
	boot.printMemoryMap(regions)

	// To represent the bitmap we need totalFrames bits rounded up to a
	// multiple of 64 as the bitmap is accessed a 64-bit word at a time.
	bitmapBytes := uintptr(((alloc.totalFrames + 63) &^ 63) >> 3)
	bitmapFrameCount := mm.PageAlignUp(bitmapBytes) >> mm.PageShift
	bitmapStart, err := boot.allocContiguous(uint64(bitmapFrameCount))
	if err != nil {
		return err
	}

	alloc.bitmapAddr = bitmapStart.Address()
	alloc.bitmapFrames = frameRange{start: bitmapStart, end: bitmapStart + mm.Frame(bitmapFrameCount)}

	// Start with every frame marked as reserved and then release the
	// frames inside available regions.
	mem.Memset(alloc.bitmapAddr, 0xff, bitmapBytes)
	for _, region := range regions {
		if region.Type != multiboot.MemAvailable {
			continue
		}

		frames, ok := usableFrames(region, boot.limitFrame)
		if !ok {
			continue
		}

		alloc.usable = append(alloc.usable, frames)
		for frame := frames.start; frame < frames.end; frame++ {
			alloc.markFrame(frame, markFree)
		}
	}

	// Regions that are not available for use may overlap available ones.
	for _, region := range regions {
		if region.Type != multiboot.MemAvailable {
			alloc.reserveRange(coveredFrames(region))
		}
	}
	alloc.reserveRange(boot.kernelFrames)
	alloc.reserveRange(alloc.bitmapFrames)

	freeFrames := uint64(0)
	for word := uintptr(0); word < bitmapBytes>>3; word++ {
		freeFrames += uint64(bits.OnesCount64(^alloc.mem.Uint64(alloc.bitmapAddr + word<<3)))
	}
	alloc.stats.Free = mm.Size(freeFrames << mm.PageShift)
	alloc.stats.Reserved = alloc.stats.Total - alloc.stats.Free

	kfmt.Printf("[pmm] bitmap: %d bytes at 0x%x, tracking %d frames\n", uint64(bitmapBytes), alloc.bitmapAddr, uint64(alloc.totalFrames))
	alloc.printStats()
	return nil
}

// reserveRange marks the frames in r as reserved and records the range so
// that attempts to free them can be detected.
func (alloc *BitmapAllocator) reserveRange(r frameRange) {
	if r.end > alloc.totalFrames {
		r.end = alloc.totalFrames
	}
	if r.start >= r.end {
		return
	}

	alloc.reserved = append(alloc.reserved, r)
	for frame := r.start; frame < r.end; frame++ {
		alloc.markFrame(frame, markReserved)
	}
}

// markFrame updates the bitmap entry for the specified frame. Calling
// markFrame with a frame outside the tracked range is a no-op.
func (alloc *BitmapAllocator) markFrame(frame mm.Frame, flag markAs) {
	if frame >= alloc.totalFrames {
		return
	}

	wordAddr, mask := alloc.bitFor(frame)
	word := alloc.mem.Uint64(wordAddr)
	switch flag {
	case markFree:
		word &^= mask
	case markReserved:
		word |= mask
	}
	alloc.mem.PutUint64(wordAddr, word)
}

// bitFor returns the physical address of the bitmap word that tracks frame
// and the mask that selects the frame's bit.
func (alloc *BitmapAllocator) bitFor(frame mm.Frame) (uintptr, uint64) {
	return alloc.bitmapAddr + uintptr(frame>>6)<<3, uint64(1) << (63 - uint64(frame&63))
}

func (alloc *BitmapAllocator) frameInUse(frame mm.Frame) bool {
	wordAddr, mask := alloc.bitFor(frame)
	return alloc.mem.Uint64(wordAddr)&mask != 0
}

// isReserved returns true if frame can never be handed out by the allocator.
func (alloc *BitmapAllocator) isReserved(frame mm.Frame) bool {
	for _, r := range alloc.reserved {
		if r.contains(frame) {
			return true
		}
	}

	for _, r := range alloc.usable {
		if r.contains(frame) {
			return false
		}
	}

	return true
}

// findFree returns the first clear bit for a frame in [from, to) or
// mm.InvalidFrame if all frames in the range are in use.
func (alloc *BitmapAllocator) findFree(from, to mm.Frame) mm.Frame {
	for frame := from; frame < to; {
		offset := frame & 63
		wordAddr, _ := alloc.bitFor(frame)

		// Ignore the bits for frames before the scan start
		avail := ^alloc.mem.Uint64(wordAddr) & (uint64(math.MaxUint64) >> uint64(offset))
		if avail != 0 {
			if found := frame - offset + mm.Frame(bits.LeadingZeros64(avail)); found < to {
				return found
			}
			return mm.InvalidFrame
		}

		frame += 64 - offset
	}

	return mm.InvalidFrame
}

// AllocFrame reserves and returns the first free frame at or after the
// allocator's scan cursor, wrapping around once. It returns an error if no
// more memory can be allocated.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	frame := alloc.findFree(alloc.nextFrame, alloc.totalFrames)
	if !frame.Valid() {
		frame = alloc.findFree(0, alloc.nextFrame)
	}

	if !frame.Valid() {
		return mm.InvalidFrame, errBitmapAllocOutOfMemory
	}

	alloc.markFrame(frame, markReserved)
	alloc.nextFrame = frame + 1
	if alloc.nextFrame >= alloc.totalFrames {
		alloc.nextFrame = 0
	}

	alloc.stats.Free -= mm.Size(mm.PageSize)
	alloc.stats.Used += mm.Size(mm.PageSize)

	kfmt.Tracef("[pmm] alloc frame 0x%x\n", frame.Address())
	return frame, nil
}

// FreeFrame releases a frame previously obtained via AllocFrame. Freeing a
// frame that is already free, reserved or outside the tracked range returns
// an error and leaves the allocator state untouched.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if frame >= alloc.totalFrames {
		return errBitmapAllocFrameNotManaged
	}

	if alloc.isReserved(frame) {
		return errBitmapAllocFrameReserved
	}

	if !alloc.frameInUse(frame) {
		return errBitmapAllocDoubleFree
	}

	alloc.markFrame(frame, markFree)
	alloc.stats.Free += mm.Size(mm.PageSize)
	alloc.stats.Used -= mm.Size(mm.PageSize)

	kfmt.Tracef("[pmm] free frame 0x%x\n", frame.Address())
	return nil
}

// ReserveFrames permanently removes count frames starting at start from the
// pool of allocatable frames. It is used for boot-owned memory such as the
// active page tables. Frames that are currently free or in use are accounted
// as reserved from now on.
func (alloc *BitmapAllocator) ReserveFrames(start mm.Frame, count uint64) *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	end := start + mm.Frame(count)
	if end < start || end > alloc.totalFrames {
		return errBitmapAllocFrameNotManaged
	}

	for frame := start; frame < end; frame++ {
		if alloc.isReserved(frame) {
			continue
		}

		if alloc.frameInUse(frame) {
			alloc.stats.Used -= mm.Size(mm.PageSize)
		} else {
			alloc.stats.Free -= mm.Size(mm.PageSize)
		}
		alloc.stats.Reserved += mm.Size(mm.PageSize)
	}

	alloc.reserveRange(frameRange{start: start, end: end})
	return nil
}

// IsFrameInUse returns true if the frame is either handed out or reserved.
// Frames outside the tracked range are reported as in use.
func (alloc *BitmapAllocator) IsFrameInUse(frame mm.Frame) bool {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if frame >= alloc.totalFrames {
		return true
	}
	return alloc.frameInUse(frame)
}

// Stats returns a snapshot of the allocator counters.
func (alloc *BitmapAllocator) Stats() Stats {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.stats
}

// FrameBytes returns a view of the physical memory backing frame.
func (alloc *BitmapAllocator) FrameBytes(frame mm.Frame) []byte {
	return alloc.mem.Frame(frame)
}

func (alloc *BitmapAllocator) printStats() {
	kfmt.Printf("[pmm] free: %dKb, used: %dKb, reserved: %dKb\n",
		uint64(alloc.stats.Free/mm.Kb),
		uint64(alloc.stats.Used/mm.Kb),
		uint64(alloc.stats.Reserved/mm.Kb),
	)
}
