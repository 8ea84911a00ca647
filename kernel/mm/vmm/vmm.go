// Package vmm implements the page table manager: it builds and maintains the
// 4-level page table hierarchy and provides access to memory through virtual
// addresses.
package vmm

import (
	"gopherkmem/kernel"
	"gopherkmem/kernel/kfmt"
	"gopherkmem/kernel/mm"
	"gopherkmem/kernel/mm/physmem"
)

var (
	// kernelPDT is the page directory table that was active when Init was
	// invoked.
	kernelPDT PageDirectoryTable
)

// Init wraps the page directory table currently loaded in the CPU's page
// directory root register so that the kernel can extend it.
func Init(mem *physmem.Memory) *kernel.Error {
	pdtAddr := activePDTFn()
	if err := kernelPDT.Init(mem, mm.FrameFromAddress(pdtAddr)); err != nil {
		return err
	}

	kfmt.Printf("[vmm] using active page directory table at 0x%x\n", pdtAddr)
	return nil
}

// KernelPDT returns the kernel page directory table set up by Init.
func KernelPDT() *PageDirectoryTable {
	return &kernelPDT
}

// Map establishes a mapping between a virtual page and a physical memory frame
// using the kernel page directory table.
func Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return kernelPDT.Map(page, frame, flags)
}

// MapPage maps the page containing virtAddr to the frame containing physAddr
// using the kernel page directory table.
func MapPage(virtAddr, physAddr uintptr) *kernel.Error {
	return kernelPDT.MapPage(virtAddr, physAddr)
}

// Translate returns the physical address that corresponds to virtAddr in the
// kernel page directory table.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	return kernelPDT.Translate(virtAddr)
}
