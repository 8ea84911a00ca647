// Package heap implements the kernel heap: a first-fit allocator that manages
// a page-mapped virtual region as an address-ordered, doubly linked list of
// segments which are split on allocation and coalesced on release.
package heap

import (
	"gopherkmem/kernel"
	"gopherkmem/kernel/kfmt"
	"gopherkmem/kernel/mm"
	"gopherkmem/kernel/sync"
)

const (
	// BlockSize is the allocation granularity. Requests are rounded up to
	// a multiple of BlockSize and a segment is only split if the remainder
	// can hold at least one block.
	BlockSize = 16
)

var (
	// The following functions are mocked by tests.
	allocFrameFn     = mm.AllocFrame
	freeFrameCountFn = mm.FreeFrameCount

	errUnalignedBase  = &kernel.Error{Module: "heap", Message: "heap base address must be page-aligned"}
	errZeroPages      = &kernel.Error{Module: "heap", Message: "heap must span at least one page"}
	errNotInitialized = &kernel.Error{Module: "heap", Message: "heap is not initialized"}
	errOutOfMemory    = &kernel.Error{Module: "heap", Message: "out of memory"}
	errSizeOverflow   = &kernel.Error{Module: "heap", Message: "allocation size overflows the address space"}
	errInvalidPointer = &kernel.Error{Module: "heap", Message: "pointer was not returned by Malloc"}
	errDoubleFree     = &kernel.Error{Module: "heap", Message: "segment is already free"}
	errHeapCorrupted  = &kernel.Error{Module: "heap", Message: "segment list is corrupted"}
	errAddressSpace   = &kernel.Error{Module: "heap", Message: "heap range runs past the end of the address space"}
)

// AddressSpace is the part of the page table manager used by the heap to map
// new pages and access segment headers.
type AddressSpace interface {
	MapPage(virtAddr, physAddr uintptr) *kernel.Error
	ReadUint64(virtAddr uintptr) uint64
	WriteUint64(virtAddr uintptr, value uint64)
	Memset(virtAddr uintptr, value byte, size uintptr)
}

// Heap manages the virtual region [start, end). The region is covered by
// contiguous segments; no two adjacent segments are ever both free.
type Heap struct {
	mutex sync.Spinlock

	space AddressSpace

	start uintptr
	end   uintptr

	// lastHeader is the address of the highest segment header. Growth
	// appends new segments after it.
	lastHeader uintptr
}

// Segment describes a heap segment.
type Segment struct {
	// Addr is the virtual address of the segment header.
	Addr uintptr

	// Size is the payload size in bytes excluding the header.
	Size uint64

	Free bool
}

// Stats summarizes the heap layout.
type Stats struct {
	Start, End   uintptr
	Segments     int
	FreeSegments int
	FreeBytes    uint64
	UsedBytes    uint64
}

// Init maps pageCount fresh frames at base and covers them with a single free
// segment.
func (h *Heap) Init(space AddressSpace, base uintptr, pageCount uint64) *kernel.Error {
	h.mutex.Acquire()
	defer h.mutex.Release()

	if base&(mm.PageSize-1) != 0 {
		return errUnalignedBase
	}

	if pageCount == 0 {
		return errZeroPages
	}

	if pageCount > pagesBelowTop(base) {
		return errAddressSpace
	}

	h.space = space
	h.start, h.end, h.lastHeader = base, base, 0

	mapped, err := h.mapPages(pageCount)
	if mapped == 0 {
		h.space = nil
		if err == nil {
			err = errOutOfMemory
		}
		return err
	}

	first := segmentHeader{addr: base, size: uint64(mapped) - headerSize, free: true}
	h.store(&first)
	h.lastHeader = base

	return err
}

// mapPages maps up to pageCount fresh frames at the heap end and returns the
// number of bytes that were mapped. If a frame cannot be allocated or mapped
// the pages mapped so far are kept and the error is returned.
func (h *Heap) mapPages(pageCount uint64) (uintptr, *kernel.Error) {
	var mapped uintptr
	for ; pageCount > 0; pageCount-- {
		frame, err := allocFrameFn()
		if err != nil {
			return mapped, err
		}

		if err = h.space.MapPage(h.end, frame.Address()); err != nil {
			return mapped, err
		}

		kfmt.Tracef("[heap] mapped frame 0x%x at 0x%x\n", frame.Address(), h.end)
		h.end += mm.PageSize
		mapped += mm.PageSize
	}

	return mapped, nil
}

// Malloc returns the address of a block of at least size bytes. Requests are
// served by the first free segment that is large enough; if none exists the
// heap is grown once and the search is retried. Malloc(0) returns 0 and no
// error.
func (h *Heap) Malloc(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, nil
	}

	if size > ^uintptr(0)-BlockSize-mm.PageSize {
		return 0, errSizeOverflow
	}

	h.mutex.Acquire()
	defer h.mutex.Release()

	if h.space == nil {
		return 0, errNotInitialized
	}

	size = (size + BlockSize - 1) &^ (BlockSize - 1)
	if addr := h.firstFit(uint64(size)); addr != 0 {
		return addr, nil
	}

	// The new segment needs room for its own header.
	if err := h.extend(size + headerSize); err != nil {
		return 0, err
	}

	if addr := h.firstFit(uint64(size)); addr != 0 {
		return addr, nil
	}
	return 0, errOutOfMemory
}

// firstFit allocates size bytes from the first free segment that can hold
// them and returns the payload address or 0 if no segment is large enough.
func (h *Heap) firstFit(size uint64) uintptr {
	for addr := h.start; addr != 0; {
		seg, _ := h.load(addr)
		if seg.free && seg.size >= size {
			// A remainder too small for a header and one block stays
			// with the allocation.
			if seg.size > size {
				h.split(&seg, size)
			}

			seg.free = false
			h.store(&seg)
			return seg.payload()
		}
		addr = seg.next
	}

	return 0
}

// Free releases a block returned by Malloc and coalesces it with its free
// neighbours. Pointers that do not refer to a live allocation are rejected
// without modifying the heap.
func (h *Heap) Free(ptr uintptr) *kernel.Error {
	h.mutex.Acquire()
	defer h.mutex.Release()

	if h.space == nil {
		return errNotInitialized
	}

	if ptr < h.start+headerSize || ptr >= h.end || (ptr-h.start)&(BlockSize-1) != 0 {
		return errInvalidPointer
	}

	seg, ok := h.load(ptr - headerSize)
	if !ok || !h.linked(&seg) {
		return errInvalidPointer
	}

	if seg.free {
		return errDoubleFree
	}

	seg.free = true
	h.store(&seg)

	// merge-next must run first so a segment between two free neighbours
	// collapses into a single one.
	h.mergeNext(&seg)
	h.mergePrev(&seg)
	return nil
}

// linked returns true if the neighbours of seg point back to it.
func (h *Heap) linked(seg *segmentHeader) bool {
	if seg.prev == 0 {
		if seg.addr != h.start {
			return false
		}
	} else if prev, ok := h.load(seg.prev); !ok || prev.next != seg.addr {
		return false
	}

	if seg.next == 0 {
		return seg.addr == h.lastHeader
	}

	next, ok := h.load(seg.next)
	return ok && next.prev == seg.addr && next.addr == seg.end()
}

// Calloc allocates a zeroed block for count elements of size bytes.
func (h *Heap) Calloc(count, size uintptr) (uintptr, *kernel.Error) {
	if count != 0 && size > ^uintptr(0)/count {
		return 0, errSizeOverflow
	}

	ptr, err := h.Malloc(count * size)
	if err != nil || ptr == 0 {
		return ptr, err
	}

	h.space.Memset(ptr, 0, count*size)
	return ptr, nil
}

// Extend grows the heap by size bytes rounded up to whole pages and appends
// the new space as a free segment.
func (h *Heap) Extend(size uintptr) *kernel.Error {
	h.mutex.Acquire()
	defer h.mutex.Release()

	if h.space == nil {
		return errNotInitialized
	}
	return h.extend(size)
}

func (h *Heap) extend(size uintptr) *kernel.Error {
	if size == 0 {
		return nil
	}

	if size > ^uintptr(0)-mm.PageSize {
		return errSizeOverflow
	}

	// Frames are never returned once mapped so a growth that cannot
	// complete is refused up front.
	pageCount := uint64(mm.PageAlignUp(size) >> mm.PageShift)
	if free, ok := freeFrameCountFn(); ok && pageCount > free {
		return errOutOfMemory
	}

	if pageCount > pagesBelowTop(h.end) {
		return errAddressSpace
	}

	segAddr := h.end
	mapped, err := h.mapPages(pageCount)
	if mapped == 0 {
		return err
	}

	seg := segmentHeader{
		addr: segAddr,
		size: uint64(mapped) - headerSize,
		prev: h.lastHeader,
		free: true,
	}
	h.store(&seg)
	h.setNext(h.lastHeader, seg.addr)
	h.lastHeader = seg.addr

	kfmt.Tracef("[heap] extended by %d bytes; heap end is now 0x%x\n", uint64(mapped), h.end)

	// Coalesce with a free tail so the old heap boundary does not leave a
	// permanent fragment behind.
	h.mergePrev(&seg)
	return err
}

// pagesBelowTop returns the number of pages that fit between the page-aligned
// addr and the top of the address space.
func pagesBelowTop(addr uintptr) uint64 {
	return uint64((^uintptr(0) - addr) >> mm.PageShift)
}

// Segments returns a snapshot of the segment list in address order.
func (h *Heap) Segments() []Segment {
	h.mutex.Acquire()
	defer h.mutex.Release()
	return h.segments()
}

func (h *Heap) segments() []Segment {
	if h.space == nil {
		return nil
	}

	var segments []Segment
	for addr := h.start; addr != 0; {
		seg, _ := h.load(addr)
		segments = append(segments, Segment{Addr: seg.addr, Size: seg.size, Free: seg.free})
		addr = seg.next
	}
	return segments
}

// Stats returns a summary of the heap layout.
func (h *Heap) Stats() Stats {
	h.mutex.Acquire()
	defer h.mutex.Release()

	stats := Stats{Start: h.start, End: h.end}
	for _, seg := range h.segments() {
		stats.Segments++
		if seg.Free {
			stats.FreeSegments++
			stats.FreeBytes += seg.Size
		} else {
			stats.UsedBytes += seg.Size
		}
	}
	return stats
}

// Check walks the segment list and verifies that segments carry a valid
// header, tile the heap without gaps, are correctly linked, that no two
// adjacent segments are free and that the last-header pointer is correct.
func (h *Heap) Check() *kernel.Error {
	h.mutex.Acquire()
	defer h.mutex.Release()

	if h.space == nil {
		return errNotInitialized
	}

	var (
		prev     uintptr
		prevFree bool
		expAddr  = h.start
	)

	for addr := h.start; addr != 0; {
		seg, ok := h.load(addr)
		switch {
		case !ok, addr != expAddr, seg.prev != prev, seg.end() > h.end:
			return errHeapCorrupted
		case seg.free && prevFree:
			return errHeapCorrupted
		}

		prev, prevFree, expAddr = addr, seg.free, seg.end()
		addr = seg.next
	}

	if expAddr != h.end || prev != h.lastHeader {
		return errHeapCorrupted
	}
	return nil
}
