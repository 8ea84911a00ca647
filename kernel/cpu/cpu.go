// Package cpu models the parts of the boot processor the memory manager
// talks to: the page directory root register, the translation lookaside
// buffer and the halt instruction.
package cpu

import (
	"os"

	"gopherkmem/kernel/sync"
)

// haltExitStatus is reported to the host when the simulated CPU halts.
const haltExitStatus = 3

var (
	// exitFn is mocked by tests.
	exitFn = os.Exit

	// pdtPhysAddr mirrors the CR3 register.
	pdtPhysAddr uintptr

	// tlb caches virtual page address -> physical frame address
	// translations for the active page directory.
	tlb     = make(map[uintptr]uintptr)
	tlbLock sync.Spinlock
)

// Halt stops instruction execution. On the simulated machine this terminates
// the host process.
func Halt() {
	exitFn(haltExitStatus)
}

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr {
	tlbLock.Acquire()
	defer tlbLock.Release()
	return pdtPhysAddr
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtAddr uintptr) {
	tlbLock.Acquire()
	pdtPhysAddr = pdtAddr
	for virtAddr := range tlb {
		delete(tlb, virtAddr)
	}
	tlbLock.Release()
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) {
	tlbLock.Acquire()
	delete(tlb, virtAddr&^pageMask)
	tlbLock.Release()
}

// LookupTLB returns the cached physical frame address for the page that
// contains virtAddr.
func LookupTLB(virtAddr uintptr) (uintptr, bool) {
	tlbLock.Acquire()
	defer tlbLock.Release()
	frameAddr, ok := tlb[virtAddr&^pageMask]
	return frameAddr, ok
}

// FillTLB caches the translation of the page containing virtAddr.
func FillTLB(virtAddr, frameAddr uintptr) {
	tlbLock.Acquire()
	tlb[virtAddr&^pageMask] = frameAddr &^ pageMask
	tlbLock.Release()
}

// pageMask selects the in-page offset bits of an address. It is duplicated
// here to keep the cpu package free of mm imports.
const pageMask = uintptr(1<<12) - 1
