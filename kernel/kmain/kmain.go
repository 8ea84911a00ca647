// Package kmain contains the kernel entry point that brings up the memory
// subsystem.
package kmain

import (
	"gopherkmem/kernel"
	"gopherkmem/kernel/kfmt"
	"gopherkmem/kernel/mm/heap"
	"gopherkmem/kernel/mm/physmem"
	"gopherkmem/kernel/mm/pmm"
	"gopherkmem/kernel/mm/vmm"
	"gopherkmem/multiboot"
)

var (
	// The following functions are mocked by tests.
	pmmInitFn  = pmm.Init
	vmmInitFn  = vmm.Init
	heapInitFn = heap.Init
	panicFn    = kfmt.Panic
)

// Boot initializes the memory subsystem. The multiboot info blob supplies the
// physical memory map and the boot command line; kernelStart and kernelEnd
// delimit the physical range occupied by the kernel image. The page directory
// root register must point to the page table that should be extended.
//
// Boot brings up the frame allocator, the page table manager and the kernel
// heap in that order and returns the first error it encounters.
func Boot(mem *physmem.Memory, info []byte, kernelStart, kernelEnd uintptr) *kernel.Error {
	multiboot.SetInfo(info)

	cfg, err := parseConfig(multiboot.GetBootCmdLine())
	if err != nil {
		return err
	}
	kfmt.SetTrace(cfg.Trace)

	if err = pmmInitFn(mem, kernelStart, kernelEnd); err != nil {
		return err
	} else if err = vmmInitFn(mem); err != nil {
		return err
	} else if err = heapInitFn(vmm.KernelPDT(), cfg.HeapBase, cfg.HeapPages); err != nil {
		return err
	}

	kfmt.Printf("[kmain] memory subsystem ready\n")
	pmm.PrintStats()
	return nil
}

// Kmain boots the memory subsystem and escalates any failure to a kernel
// panic. It returns once the kernel is ready to serve allocations.
func Kmain(mem *physmem.Memory, info []byte, kernelStart, kernelEnd uintptr) {
	Run(func() {
		if err := Boot(mem, info, kernelStart, kernelEnd); err != nil {
			panicFn(err)
		}
	})
}

// Run invokes fn and turns any runtime panic it raises, such as a page fault
// on an unmapped address, into a kernel panic.
func Run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			panicFn(r)
		}
	}()

	fn()
}
