package vmm

import (
	"gopherkmem/kernel"
	"gopherkmem/kernel/cpu"
	"gopherkmem/kernel/mm"
	"gopherkmem/kernel/mm/physmem"
	"gopherkmem/kernel/sync"
)

var (
	// activePDTFn is used by tests to override calls to cpu.ActivePDT.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to cpu.SwitchPDT.
	switchPDTFn = cpu.SwitchPDT

	errPDTOutsideMemory = &kernel.Error{Module: "vmm", Message: "page directory table frame is not backed by physical memory"}
)

// PageDirectoryTable describes the top-most table in a multi-level paging
// scheme. All tables of the hierarchy live in physical memory and are
// accessed through their physical addresses.
type PageDirectoryTable struct {
	mutex sync.Spinlock

	mem      *physmem.Memory
	pdtFrame mm.Frame
}

// Init sets up the page table directory stored at the supplied frame. If the
// supplied frame does not match the currently active PDT, then Init assumes
// that this is a new page table directory and clears its contents.
func (pdt *PageDirectoryTable) Init(mem *physmem.Memory, pdtFrame mm.Frame) *kernel.Error {
	if !mem.Contains(pdtFrame.Address(), mm.PageSize) {
		return errPDTOutsideMemory
	}

	pdt.mem = mem
	pdt.pdtFrame = pdtFrame

	// Check active PDT physical address. If it matches the input pdt then
	// nothing more needs to be done
	if pdtFrame.Address() == activePDTFn() {
		return nil
	}

	mem.Memset(pdtFrame.Address(), 0, mm.PageSize)
	return nil
}

// Frame returns the physical frame that holds the top-most table.
func (pdt *PageDirectoryTable) Frame() mm.Frame {
	return pdt.pdtFrame
}

// IsActive returns true if this PDT is loaded in the CPU's page directory
// root register.
func (pdt *PageDirectoryTable) IsActive() bool {
	return pdt.pdtFrame.Address() == activePDTFn()
}

// Activate enables this page directory table and flushes the TLB
func (pdt *PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}
