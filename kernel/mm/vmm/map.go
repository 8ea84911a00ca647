package vmm

import (
	"gopherkmem/kernel"
	"gopherkmem/kernel/cpu"
	"gopherkmem/kernel/kfmt"
	"gopherkmem/kernel/mm"
)

var (
	// flushTLBEntryFn is used by tests to override calls to
	// cpu.FlushTLBEntry.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// allocFrameFn is used by tests to override calls to mm.AllocFrame.
	allocFrameFn = mm.AllocFrame

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// Map establishes a mapping between a virtual page and a physical memory frame
// using this page directory table. Calls to Map will use the registered
// physical frame allocator to initialize missing page tables at each paging
// level supported by the MMU. New tables are cleared and installed as present
// and writable; they are also flagged as user-accessible when flags asks for
// it so that the leaf permission is not masked by an upper level.
//
// The final entry is always overwritten with FlagPresent|FlagRW|flags, even
// if the page is already mapped.
func (pdt *PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	pdt.mutex.Acquire()
	defer pdt.mutex.Release()

	var (
		err        *kernel.Error
		tableFlags = FlagPresent | FlagRW | (flags & FlagUserAccessible)
	)

	pdt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | FlagRW | flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			newTableFrame, err = allocFrameFn()
			if err != nil {
				return false
			}

			pdt.mem.Memset(newTableFrame.Address(), 0, mm.PageSize)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(tableFlags)
			kfmt.Tracef("[vmm] new level %d table at 0x%x\n", pteLevel+1, newTableFrame.Address())
			return true
		}

		pte.SetFlags(tableFlags)
		return true
	})

	if err == nil {
		kfmt.Tracef("[vmm] map 0x%x -> 0x%x\n", page.Address(), frame.Address())
	}

	return err
}

// MapPage maps the page containing virtAddr to the frame containing physAddr
// with kernel read/write permissions.
func (pdt *PageDirectoryTable) MapPage(virtAddr, physAddr uintptr) *kernel.Error {
	return pdt.Map(mm.PageFromAddress(virtAddr), mm.FrameFromAddress(physAddr), FlagPresent|FlagRW)
}

// MapRegion establishes a mapping to the physical memory region which starts
// at the given frame and ends at frame + pages(size). The region is mapped at
// consecutive pages starting at page. The size argument is always rounded up
// to the nearest page boundary.
func (pdt *PageDirectoryTable) MapRegion(page mm.Page, frame mm.Frame, size uintptr, flags PageTableEntryFlag) *kernel.Error {
	pageCount := mm.PageAlignUp(size) >> mm.PageShift
	for ; pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := pdt.Map(page, frame, flags); err != nil {
			return err
		}
	}

	return nil
}
