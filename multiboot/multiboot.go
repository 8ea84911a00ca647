// Package multiboot decodes the boot information blob that a multiboot2
// compliant bootloader hands over to the kernel.
package multiboot

import (
	"encoding/binary"
	"strings"
)

var (
	infoData  []byte
	cmdLineKV map[string]string
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// infoHeaderSize is the size of the fixed header (total size and a
	// reserved dword) that precedes the first tag.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the type/size header that precedes
	// each tag.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the entry size/version header that
	// precedes the memory map entries.
	mmapHeaderSize = 8

	// mmapEntrySize is the size of a version 0 memory map entry.
	mmapEntrySize = 24
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// End returns the first physical address past this region.
func (e *MemoryMapEntry) End() uint64 {
	return e.PhysAddress + e.Length
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// SetInfo updates the multiboot information blob to the given value. This
// function must be invoked before invoking any other function exported by
// this package.
func SetInfo(data []byte) {
	infoData = data
	cmdLineKV = nil
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	offset, size := findTagByType(tagMemoryMap)
	if size < mmapHeaderSize {
		return
	}

	entrySize := binary.LittleEndian.Uint32(infoData[offset:])
	if entrySize < mmapEntrySize {
		return
	}

	var entry MemoryMapEntry
	for cur, end := offset+mmapHeaderSize, offset+size; end-cur >= mmapEntrySize; {
		entry.PhysAddress = binary.LittleEndian.Uint64(infoData[cur:])
		entry.Length = binary.LittleEndian.Uint64(infoData[cur+8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(infoData[cur+16:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}

		if entrySize > end-cur {
			return
		}
		cur += entrySize
	}
}

// MemRegions returns a copy of all memory regions reported by the bootloader.
func MemRegions() []MemoryMapEntry {
	var regions []MemoryMapEntry
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		regions = append(regions, *entry)
		return true
	})
	return regions
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)

	offset, size := findTagByType(tagBootCmdLine)
	if size != 0 {
		// The command line is a C-style NULL-terminated string
		cmdLine := infoData[offset : offset+size]
		if nul := strings.IndexByte(string(cmdLine), 0); nul >= 0 {
			cmdLine = cmdLine[:nul]
		}

		pairs := strings.Fields(string(cmdLine))
		for _, pair := range pairs {
			kv := strings.Split(pair, "=")
			switch len(kv) {
			case 2: // foo=bar
				cmdLineKV[kv[0]] = kv[1]
			case 1: // nofoo
				cmdLineKV[kv[0]] = kv[0]
			}
		}
	}

	return cmdLineKV
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns the offset of the tag contents and the content
// length excluding the tag header.
//
// If the tag is not present or the info data is truncated, findTagByType
// returns (0,0).
func findTagByType(wantType tagType) (uint32, uint32) {
	if len(infoData) < infoHeaderSize {
		return 0, 0
	}

	end := uint32(len(infoData))
	if totalSize := binary.LittleEndian.Uint32(infoData); totalSize >= infoHeaderSize && totalSize < end {
		end = totalSize
	}

	for cur := uint32(infoHeaderSize); cur <= end && end-cur >= tagHeaderSize; {
		curType := tagType(binary.LittleEndian.Uint32(infoData[cur:]))
		curSize := binary.LittleEndian.Uint32(infoData[cur+4:])
		if curType == tagMbSectionEnd || curSize < tagHeaderSize || curSize > end-cur {
			break
		}

		if curType == wantType {
			return cur + tagHeaderSize, curSize - tagHeaderSize
		}

		// Tags are aligned at 8-byte aligned addresses
		cur += (curSize + 7) & ^uint32(7)
	}

	return 0, 0
}
