package heap

const (
	// headerSize is the size of a segment header. The header is stored
	// right before the payload it describes.
	headerSize = 32

	// Header field offsets.
	sizeOffset  = 0
	nextOffset  = 8
	prevOffset  = 16
	flagsOffset = 24

	// segmentMagic tags the flags word of every live segment header so
	// that stray pointers passed to Free can be detected.
	segmentMagic = uint64(0x6b68656170000000)
	magicMask    = uint64(0xffffffffffff0000)
	flagFree     = uint64(1)
)

// segmentHeader is an in-memory copy of a heap segment header. Links are
// virtual addresses of other headers; 0 marks the end of the list.
type segmentHeader struct {
	addr uintptr

	size uint64
	next uintptr
	prev uintptr
	free bool
}

// payload returns the address of the first byte handed out to the caller.
func (s *segmentHeader) payload() uintptr {
	return s.addr + headerSize
}

// end returns the first address past the segment's payload.
func (s *segmentHeader) end() uintptr {
	return s.addr + headerSize + uintptr(s.size)
}

// load reads the segment header stored at addr. The second return value is
// false if the header does not carry the segment magic.
func (h *Heap) load(addr uintptr) (segmentHeader, bool) {
	flags := h.space.ReadUint64(addr + flagsOffset)
	seg := segmentHeader{
		addr: addr,
		size: h.space.ReadUint64(addr + sizeOffset),
		next: uintptr(h.space.ReadUint64(addr + nextOffset)),
		prev: uintptr(h.space.ReadUint64(addr + prevOffset)),
		free: flags&flagFree != 0,
	}
	return seg, flags&magicMask == segmentMagic
}

// store writes seg back to the heap.
func (h *Heap) store(seg *segmentHeader) {
	flags := segmentMagic
	if seg.free {
		flags |= flagFree
	}

	h.space.WriteUint64(seg.addr+sizeOffset, seg.size)
	h.space.WriteUint64(seg.addr+nextOffset, uint64(seg.next))
	h.space.WriteUint64(seg.addr+prevOffset, uint64(seg.prev))
	h.space.WriteUint64(seg.addr+flagsOffset, flags)
}

func (h *Heap) setPrev(addr, prev uintptr) {
	h.space.WriteUint64(addr+prevOffset, uint64(prev))
}

func (h *Heap) setNext(addr, next uintptr) {
	h.space.WriteUint64(addr+nextOffset, uint64(next))
}

// split carves firstPartSize bytes out of seg and turns the remainder into a
// new free segment that follows it. If the remainder cannot hold a header
// and at least one block, seg is left untouched and split returns false.
func (h *Heap) split(seg *segmentHeader, firstPartSize uint64) bool {
	if seg.size < firstPartSize+headerSize+BlockSize {
		return false
	}

	second := segmentHeader{
		addr: seg.addr + headerSize + uintptr(firstPartSize),
		size: seg.size - firstPartSize - headerSize,
		next: seg.next,
		prev: seg.addr,
		free: true,
	}

	if seg.next != 0 {
		h.setPrev(seg.next, second.addr)
	}
	h.store(&second)

	seg.next = second.addr
	seg.size = firstPartSize
	h.store(seg)

	if h.lastHeader == seg.addr {
		h.lastHeader = second.addr
	}
	return true
}

// mergeNext absorbs the segment following seg if it is free.
func (h *Heap) mergeNext(seg *segmentHeader) {
	if seg.next == 0 {
		return
	}

	next, _ := h.load(seg.next)
	if !next.free {
		return
	}

	if next.addr == h.lastHeader {
		h.lastHeader = seg.addr
	}
	if next.next != 0 {
		h.setPrev(next.next, seg.addr)
	}

	seg.size += headerSize + next.size
	seg.next = next.next
	h.store(seg)

	// The absorbed header is now part of seg's payload
	h.space.WriteUint64(next.addr+flagsOffset, 0)
}

// mergePrev asks the segment preceding seg to absorb it if that segment is
// free.
func (h *Heap) mergePrev(seg *segmentHeader) {
	if seg.prev == 0 {
		return
	}

	prev, _ := h.load(seg.prev)
	if prev.free {
		h.mergeNext(&prev)
	}
}
