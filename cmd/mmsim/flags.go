package main

import (
	"fmt"
	"strconv"
	"strings"

	"gopherkmem/kernel/mm"
	"gopherkmem/multiboot"

	"github.com/spf13/pflag"
)

var (
	_ pflag.Value = (*sizeValue)(nil)
	_ pflag.Value = (*addrValue)(nil)
)

// sizeValue is a byte count flag accepting K, M and G suffixes.
type sizeValue mm.Size

func (s *sizeValue) String() string {
	size := mm.Size(*s)
	switch {
	case size >= mm.Gb && size%mm.Gb == 0:
		return strconv.FormatUint(uint64(size/mm.Gb), 10) + "G"
	case size >= mm.Mb && size%mm.Mb == 0:
		return strconv.FormatUint(uint64(size/mm.Mb), 10) + "M"
	case size >= mm.Kb && size%mm.Kb == 0:
		return strconv.FormatUint(uint64(size/mm.Kb), 10) + "K"
	}
	return strconv.FormatUint(uint64(size), 10)
}

func (s *sizeValue) Set(v string) error {
	size, err := parseSize(v)
	if err != nil {
		return err
	}
	*s = sizeValue(size)
	return nil
}

func (s *sizeValue) Type() string { return "size" }

// parseSize parses a byte count with an optional K, M or G suffix.
func parseSize(v string) (mm.Size, error) {
	unit := mm.Byte
	switch {
	case strings.HasSuffix(v, "K"):
		unit = mm.Kb
	case strings.HasSuffix(v, "M"):
		unit = mm.Mb
	case strings.HasSuffix(v, "G"):
		unit = mm.Gb
	}
	if unit != mm.Byte {
		v = v[:len(v)-1]
	}

	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", v)
	}
	return mm.Size(n) * unit, nil
}

// addrValue is an address flag printed in hex.
type addrValue uintptr

func (a *addrValue) String() string { return "0x" + strconv.FormatUint(uint64(*a), 16) }

func (a *addrValue) Set(v string) error {
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q", v)
	}
	*a = addrValue(n)
	return nil
}

func (a *addrValue) Type() string { return "address" }

// regionTypes maps the --region type names to memory map entry types.
var regionTypes = map[string]multiboot.MemoryEntryType{
	"available": multiboot.MemAvailable,
	"reserved":  multiboot.MemReserved,
	"acpi":      multiboot.MemAcpiReclaimable,
	"nvs":       multiboot.MemNvs,
}

// parseRegion parses a base:length:type memory map entry. Base and length
// accept the same syntax as --kernel-start and --ram respectively.
func parseRegion(v string) (multiboot.MemoryMapEntry, error) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return multiboot.MemoryMapEntry{}, fmt.Errorf("invalid region %q: expected base:length:type", v)
	}

	base, err := strconv.ParseUint(parts[0], 0, 64)
	if err != nil {
		return multiboot.MemoryMapEntry{}, fmt.Errorf("invalid region %q: bad base address", v)
	}

	length, err := parseSize(parts[1])
	if err != nil || length == 0 {
		return multiboot.MemoryMapEntry{}, fmt.Errorf("invalid region %q: bad length", v)
	}

	entryType, ok := regionTypes[parts[2]]
	if !ok {
		return multiboot.MemoryMapEntry{}, fmt.Errorf("invalid region %q: unknown type %q", v, parts[2])
	}

	return multiboot.MemoryMapEntry{PhysAddress: base, Length: uint64(length), Type: entryType}, nil
}
