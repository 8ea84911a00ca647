package kmain

import (
	"gopherkmem/kernel"
	"gopherkmem/kernel/cpu"
	"gopherkmem/kernel/mm"
	"gopherkmem/kernel/mm/physmem"
)

var (
	errNoRootTableFrame = &kernel.Error{Module: "kmain", Message: "kernel image has no frame to hold the root page table"}
)

// BootstrapPDT performs the part of the boot process that the bootloader and
// the rt0 code handle on real hardware: it places an empty top-most page table
// in the last frame of the kernel image and loads it into the page directory
// root register. Since the frame belongs to the kernel image the frame
// allocator never hands it out.
func BootstrapPDT(mem *physmem.Memory, kernelStart, kernelEnd uintptr) (mm.Frame, *kernel.Error) {
	if kernelEnd <= kernelStart {
		return mm.InvalidFrame, errNoRootTableFrame
	}

	rootFrame := mm.FrameFromAddress(mm.PageAlignDown(kernelEnd - 1))
	if !mem.Contains(rootFrame.Address(), mm.PageSize) {
		return mm.InvalidFrame, errNoRootTableFrame
	}

	mem.Memset(rootFrame.Address(), 0, mm.PageSize)
	cpu.SwitchPDT(rootFrame.Address())
	return rootFrame, nil
}
