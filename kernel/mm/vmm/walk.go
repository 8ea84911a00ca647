package vmm

import (
	"gopherkmem/kernel"
	"gopherkmem/kernel/mm"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and a copy of the page table entry
// for that level. Changes to the entry are written back to the page table
// before the walk continues. If the function returns false, then the page walk
// is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// entryIndex extracts the bits from virtAddr that correspond to the index in
// the page table for the specified level.
func entryIndex(virtAddr uintptr, level uint8) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

// walk performs a page table walk for the given virtual address starting at
// the top-most table of pdt. It calls the supplied walkFn with the page table
// entry that corresponds to each page table level. After visiting a non-leaf
// entry, walk follows the frame it points to into the next level.
func (pdt *PageDirectoryTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableAddr := pdt.pdtFrame.Address()
	for level := uint8(0); level < pageLevels; level++ {
		entryAddr := tableAddr + (entryIndex(virtAddr, level) << mm.PointerShift)
		orig := pageTableEntry(pdt.mem.Uint64(entryAddr))

		pte := orig
		ok := walkFn(level, &pte)
		if pte != orig {
			pdt.mem.PutUint64(entryAddr, uint64(pte))
		}

		if !ok {
			return
		}

		tableAddr = pte.Frame().Address()
	}
}

// pteForAddress returns the final page table entry that correspond to a
// particular virtual address. The function performs a page table walk till it
// reaches the final page table entry returning ErrInvalidMapping if the page
// is not present.
func (pdt *PageDirectoryTable) pteForAddress(virtAddr uintptr) (pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry pageTableEntry
	)

	pdt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = 0
			err = ErrInvalidMapping
			return false
		}

		if pteLevel < pageLevels-1 && pte.HasFlags(FlagHugePage) {
			entry = 0
			err = errNoHugePageSupport
			return false
		}

		entry = *pte
		return true
	})

	return entry, err
}
