// Package physmem models the machine's physical RAM as a flat byte arena.
//
// Every structure the memory manager keeps in physical memory (the frame
// bitmap, page tables, heap pages) is read and written through the typed
// accessors defined here so that address arithmetic is performed in exactly
// one place.
package physmem

import (
	"encoding/binary"
	"fmt"

	"gopherkmem/kernel"
	"gopherkmem/kernel/mm"
)

var (
	errAccessOutOfRange = &kernel.Error{Module: "physmem", Message: "physical address outside of installed memory"}
	errUnalignedAccess  = &kernel.Error{Module: "physmem", Message: "unaligned 64-bit physical memory access"}
)

// Memory is the physical RAM of the simulated machine. Physical address N
// corresponds to byte N of the arena.
type Memory struct {
	data    []byte
	release func([]byte) error
}

// New allocates size bytes of physical memory rounded up to the page size.
// On unix hosts the arena is an anonymous private mapping so untouched frames
// cost no host memory.
func New(size mm.Size) (*Memory, error) {
	if size == 0 {
		return nil, fmt.Errorf("physmem: memory size must be positive")
	}

	size = mm.Size(mm.PageAlignUp(uintptr(size)))
	data, err := mapAnonymous(int(size))
	if err != nil {
		return nil, fmt.Errorf("physmem: map %d bytes: %w", size, err)
	}

	return &Memory{data: data, release: unmapAnonymous}, nil
}

// Close releases the host memory backing the arena. The Memory must not be
// used afterwards.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return m.release(data)
}

// Size returns the installed memory size in bytes.
func (m *Memory) Size() uintptr {
	return uintptr(len(m.data))
}

// Contains returns true if the region [addr, addr+size) lies inside the
// installed memory.
func (m *Memory) Contains(addr, size uintptr) bool {
	end := addr + size
	return end >= addr && end <= uintptr(len(m.data))
}

// Uint64 reads the little-endian 64-bit word stored at addr.
func (m *Memory) Uint64(addr uintptr) uint64 {
	m.checkWord(addr)
	return binary.LittleEndian.Uint64(m.data[addr:])
}

// PutUint64 stores v as a little-endian 64-bit word at addr.
func (m *Memory) PutUint64(addr uintptr, v uint64) {
	m.checkWord(addr)
	binary.LittleEndian.PutUint64(m.data[addr:], v)
}

// Memset sets size bytes at the given address to the supplied value. Instead
// of a byte loop it performs log2(size) copy calls.
func (m *Memory) Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := m.Slice(addr, size)
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Slice returns a view of size bytes starting at addr. Writes to the
// returned slice modify physical memory.
func (m *Memory) Slice(addr, size uintptr) []byte {
	if !m.Contains(addr, size) {
		panic(errAccessOutOfRange)
	}
	return m.data[addr : addr+size : addr+size]
}

// Frame returns a view of the contents of a physical frame.
func (m *Memory) Frame(frame mm.Frame) []byte {
	return m.Slice(frame.Address(), mm.PageSize)
}

func (m *Memory) checkWord(addr uintptr) {
	if addr&((1<<mm.PointerShift)-1) != 0 {
		panic(errUnalignedAccess)
	}
	if !m.Contains(addr, 1<<mm.PointerShift) {
		panic(errAccessOutOfRange)
	}
}
