package main

import (
	"fmt"

	"gopherkmem/kernel/kmain"
	"gopherkmem/kernel/mm"
	"gopherkmem/kernel/mm/pmm"
	"gopherkmem/kernel/mm/vmm"

	"github.com/spf13/cobra"
)

const defaultMapAddress = uintptr(0x0000400000000000)

type mapOptions struct {
	virt  addrValue
	data  string
	flags []string
}

// mapFlags maps the --flag names to page table entry flags.
var mapFlags = map[string]vmm.PageTableEntryFlag{
	"user":    vmm.FlagUserAccessible,
	"nocache": vmm.FlagDoNotCache,
	"wt":      vmm.FlagWriteThroughCaching,
	"global":  vmm.FlagGlobal,
	"noexec":  vmm.FlagNoExecute,
}

func newMapCmd(opts *options) *cobra.Command {
	mOpts := &mapOptions{virt: addrValue(defaultMapAddress)}

	cmd := &cobra.Command{
		Use:   "map",
		Short: "Map a page, write through it and inspect the backing frame",
		Long: `The map command boots the memory subsystem, maps one virtual page to a
freshly allocated frame, writes --data through the virtual address and
shows the bytes read back from physical memory.

Example:
  mmsim map
  mmsim map --virt 0xffff800000001000 --data "hello" --flag user`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runMap(opts, mOpts)
		},
	}

	cmd.Flags().Var(&mOpts.virt, "virt", "Virtual address to map")
	cmd.Flags().StringVar(&mOpts.data, "data", "gopher", "Data written through the mapping")
	cmd.Flags().StringSliceVar(&mOpts.flags, "flag", nil, "Extra page flags (user, nocache, wt, global, noexec)")
	return cmd
}

type mapReport struct {
	Virt       uintptr `json:"virt"`
	Phys       uintptr `json:"phys"`
	Frame      uint64  `json:"frame"`
	FrameInUse bool    `json:"frame_in_use"`
	Data       string  `json:"data"`
	UsedAfter  uint64  `json:"used_after"`
}

func runMap(opts *options, mOpts *mapOptions) error {
	var flags vmm.PageTableEntryFlag
	for _, name := range mOpts.flags {
		flag, ok := mapFlags[name]
		if !ok {
			return fmt.Errorf("unknown page flag %q", name)
		}
		flags |= flag
	}

	// The page offset plus the data must stay within the mapped page
	virt := uintptr(mOpts.virt)
	if vmm.PageOffset(virt)+uintptr(len(mOpts.data)) > mm.PageSize {
		return fmt.Errorf("data does not fit in the page at 0x%x", virt)
	}

	m, err := opts.bootMachine()
	if err != nil {
		return err
	}
	defer m.close()

	frame, kerr := pmm.AllocFrame()
	if kerr != nil {
		return fmt.Errorf("alloc frame: [%s] %w", kerr.Module, kerr)
	}

	if kerr = vmm.Map(mm.PageFromAddress(virt), frame, flags); kerr != nil {
		_ = pmm.FreeFrame(frame)
		return fmt.Errorf("map 0x%x: [%s] %w", virt, kerr.Module, kerr)
	}

	var report mapReport
	kmain.Run(func() {
		vmm.KernelPDT().Write(virt, []byte(mOpts.data))

		physAddr, terr := vmm.Translate(virt)
		if terr != nil {
			err = fmt.Errorf("translate 0x%x: [%s] %w", virt, terr.Module, terr)
			return
		}

		offset := vmm.PageOffset(physAddr)
		report = mapReport{
			Virt:       virt,
			Phys:       physAddr,
			Frame:      uint64(frame),
			FrameInUse: pmm.IsFrameInUse(mm.FrameFromAddress(physAddr)),
			Data:       string(pmm.FrameBytes(frame)[offset : offset+uintptr(len(mOpts.data))]),
			UsedAfter:  uint64(pmm.MemStats().Used),
		}
	})
	if err != nil {
		return err
	}

	if opts.jsonOut {
		return opts.printJSON(report)
	}

	opts.printInfo("Mapped 0x%x -> 0x%x (frame %d)\n", report.Virt, report.Phys, report.Frame)
	opts.printInfo("Physical memory contents: %q\n", report.Data)
	opts.printInfo("Frames in use: %d bytes\n", report.UsedAfter)
	return nil
}
