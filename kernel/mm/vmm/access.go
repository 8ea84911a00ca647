package vmm

import (
	"gopherkmem/kernel/cpu"
	"gopherkmem/kernel/mm"
)

var (
	// the following functions are used by tests to observe the TLB.
	lookupTLBFn = cpu.LookupTLB
	fillTLBFn   = cpu.FillTLB
)

// physAddrFor resolves virtAddr the way the MMU would: when this PDT is active
// the TLB is consulted first and refilled after a successful walk. Addresses
// without a valid mapping trigger a page fault.
func (pdt *PageDirectoryTable) physAddrFor(virtAddr uintptr, code pageFaultCode) uintptr {
	active := pdt.IsActive()
	if active {
		if frameAddr, ok := lookupTLBFn(virtAddr); ok {
			return frameAddr + PageOffset(virtAddr)
		}
	}

	pdt.mutex.Acquire()
	pte, err := pdt.pteForAddress(virtAddr)
	pdt.mutex.Release()

	if err != nil {
		nonRecoverablePageFault(virtAddr, code, err)
	}

	if active {
		fillTLBFn(virtAddr, pte.Frame().Address())
	}
	return pte.Frame().Address() + PageOffset(virtAddr)
}

// ReadUint64 reads the 64-bit word stored at the supplied virtual address.
// The address must be 8-byte aligned.
func (pdt *PageDirectoryTable) ReadUint64(virtAddr uintptr) uint64 {
	return pdt.mem.Uint64(pdt.physAddrFor(virtAddr, faultReadNotPresent))
}

// WriteUint64 stores value at the supplied virtual address. The address must
// be 8-byte aligned.
func (pdt *PageDirectoryTable) WriteUint64(virtAddr uintptr, value uint64) {
	pdt.mem.PutUint64(pdt.physAddrFor(virtAddr, faultWriteNotPresent), value)
}

// Memset sets size bytes starting at the supplied virtual address to value.
// The region may span multiple pages which need not be physically contiguous.
func (pdt *PageDirectoryTable) Memset(virtAddr uintptr, value byte, size uintptr) {
	pdt.forEachChunk(virtAddr, size, faultWriteNotPresent, func(physAddr, _, chunk uintptr) {
		pdt.mem.Memset(physAddr, value, chunk)
	})
}

// Read copies len(buf) bytes starting at the supplied virtual address into
// buf.
func (pdt *PageDirectoryTable) Read(virtAddr uintptr, buf []byte) {
	pdt.forEachChunk(virtAddr, uintptr(len(buf)), faultReadNotPresent, func(physAddr, offset, chunk uintptr) {
		copy(buf[offset:offset+chunk], pdt.mem.Slice(physAddr, chunk))
	})
}

// Write copies data to the supplied virtual address.
func (pdt *PageDirectoryTable) Write(virtAddr uintptr, data []byte) {
	pdt.forEachChunk(virtAddr, uintptr(len(data)), faultWriteNotPresent, func(physAddr, offset, chunk uintptr) {
		copy(pdt.mem.Slice(physAddr, chunk), data[offset:offset+chunk])
	})
}

// forEachChunk splits [virtAddr, virtAddr+size) at page boundaries and
// invokes fn with the physical address, the offset from virtAddr and the
// length of each piece.
func (pdt *PageDirectoryTable) forEachChunk(virtAddr, size uintptr, code pageFaultCode, fn func(physAddr, offset, chunk uintptr)) {
	for offset := uintptr(0); offset < size; {
		cur := virtAddr + offset
		chunk := mm.PageSize - PageOffset(cur)
		if rem := size - offset; chunk > rem {
			chunk = rem
		}

		fn(pdt.physAddrFor(cur, code), offset, chunk)
		offset += chunk
	}
}
