package multiboot

import "encoding/binary"

// Encode builds a multiboot2 information blob that contains a boot command
// line tag and a memory map tag describing regions. The simulated bootloader
// uses it to hand the machine description to the kernel in the same format a
// real bootloader would.
func Encode(regions []MemoryMapEntry, cmdLine string) []byte {
	var (
		cmdLineTagSize = uint32(tagHeaderSize + len(cmdLine) + 1)
		mmapTagSize    = uint32(tagHeaderSize + mmapHeaderSize + len(regions)*mmapEntrySize)
		totalSize      = infoHeaderSize + align8(cmdLineTagSize) + align8(mmapTagSize) + tagHeaderSize
		data           = make([]byte, totalSize)
		cur            = uint32(infoHeaderSize)
	)

	binary.LittleEndian.PutUint32(data, totalSize)

	binary.LittleEndian.PutUint32(data[cur:], uint32(tagBootCmdLine))
	binary.LittleEndian.PutUint32(data[cur+4:], cmdLineTagSize)
	copy(data[cur+tagHeaderSize:], cmdLine)
	cur += align8(cmdLineTagSize)

	binary.LittleEndian.PutUint32(data[cur:], uint32(tagMemoryMap))
	binary.LittleEndian.PutUint32(data[cur+4:], mmapTagSize)
	binary.LittleEndian.PutUint32(data[cur+8:], mmapEntrySize)
	entry := cur + tagHeaderSize + mmapHeaderSize
	for _, region := range regions {
		binary.LittleEndian.PutUint64(data[entry:], region.PhysAddress)
		binary.LittleEndian.PutUint64(data[entry+8:], region.Length)
		binary.LittleEndian.PutUint32(data[entry+16:], uint32(region.Type))
		entry += mmapEntrySize
	}

	// The trailing end tag (type 0, size 8) is already zeroed apart from its size.
	cur += align8(mmapTagSize)
	binary.LittleEndian.PutUint32(data[cur+4:], tagHeaderSize)

	return data
}

func align8(v uint32) uint32 {
	return (v + 7) & ^uint32(7)
}
