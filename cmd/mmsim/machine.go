package main

import (
	"fmt"
	"io"
	"sort"

	"gopherkmem/kernel/kfmt"
	"gopherkmem/kernel/kmain"
	"gopherkmem/kernel/mm"
	"gopherkmem/kernel/mm/physmem"
	"gopherkmem/multiboot"
)

const (
	defaultRAMSize     = 16 * mm.Mb
	defaultKernelStart = uintptr(0x100000)
	defaultKernelEnd   = uintptr(0x200000)

	// Legacy PC layout: EBDA below 640K and the BIOS ROM below 1M.
	ebdaStart    = 0x9fc00
	ebdaEnd      = 0xa0000
	biosROMStart = 0xf0000
	lowMemEnd    = 0x100000
)

// machine is a booted simulated machine.
type machine struct {
	mem     *physmem.Memory
	regions []multiboot.MemoryMapEntry
	cfg     kmain.Config
}

// close releases the simulated physical memory and detaches the kernel log.
func (m *machine) close() {
	kfmt.SetOutputSink(nil)
	_ = m.mem.Close()
}

// defaultRegions returns a PC-style memory map covering ramSize bytes.
func defaultRegions(ramSize mm.Size) []multiboot.MemoryMapEntry {
	regions := []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: ebdaStart, Type: multiboot.MemAvailable},
		{PhysAddress: ebdaStart, Length: ebdaEnd - ebdaStart, Type: multiboot.MemReserved},
		{PhysAddress: biosROMStart, Length: lowMemEnd - biosROMStart, Type: multiboot.MemReserved},
	}
	if uint64(ramSize) > lowMemEnd {
		regions = append(regions, multiboot.MemoryMapEntry{
			PhysAddress: lowMemEnd,
			Length:      uint64(ramSize) - lowMemEnd,
			Type:        multiboot.MemAvailable,
		})
	}
	return regions
}

// memoryMap returns the memory map described by the --region flags or the
// default layout when none is given.
func (o *options) memoryMap() ([]multiboot.MemoryMapEntry, error) {
	if len(o.regions) == 0 {
		return defaultRegions(mm.Size(o.ram)), nil
	}

	regions := make([]multiboot.MemoryMapEntry, 0, len(o.regions))
	for _, v := range o.regions {
		region, err := parseRegion(v)
		if err != nil {
			return nil, err
		}
		regions = append(regions, region)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].PhysAddress < regions[j].PhysAddress })
	return regions, nil
}

// logSink returns the writer that receives the kernel log.
func (o *options) logSink() io.Writer {
	if o.quiet {
		return io.Discard
	}
	return &kfmt.PrefixWriter{Sink: o.errOut, Prefix: []byte("kernel: ")}
}

// bootMachine builds the simulated machine described by the global flags and
// boots the memory subsystem on it.
func (o *options) bootMachine() (*machine, error) {
	if o.kernelEnd <= o.kernelStart {
		return nil, fmt.Errorf("kernel image %s-%s is empty", o.kernelStart.String(), o.kernelEnd.String())
	}

	regions, err := o.memoryMap()
	if err != nil {
		return nil, err
	}

	cfg := kmain.Config{
		HeapBase:  uintptr(o.heapBase),
		HeapPages: o.heapPages,
		Trace:     o.trace,
	}

	mem, err := physmem.New(mm.Size(o.ram))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate physical memory: %w", err)
	}
	m := &machine{mem: mem, regions: regions, cfg: cfg}

	kfmt.SetOutputSink(o.logSink())

	if _, kerr := kmain.BootstrapPDT(mem, uintptr(o.kernelStart), uintptr(o.kernelEnd)); kerr != nil {
		m.close()
		return nil, fmt.Errorf("bootstrap failed: [%s] %w", kerr.Module, kerr)
	}

	info := multiboot.Encode(regions, cfg.CmdLine())
	if kerr := kmain.Boot(mem, info, uintptr(o.kernelStart), uintptr(o.kernelEnd)); kerr != nil {
		m.close()
		return nil, fmt.Errorf("boot failed: [%s] %w", kerr.Module, kerr)
	}

	return m, nil
}
