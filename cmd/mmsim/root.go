package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopherkmem/kernel/mm/heap"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// options holds the global flags shared by all subcommands.
type options struct {
	ram         sizeValue
	regions     []string
	kernelStart addrValue
	kernelEnd   addrValue
	heapBase    addrValue
	heapPages   uint64
	trace       bool
	jsonOut     bool
	quiet       bool

	out    io.Writer
	errOut io.Writer
}

func newRootCmd() *cobra.Command {
	opts := &options{
		ram:         sizeValue(defaultRAMSize),
		kernelStart: addrValue(defaultKernelStart),
		kernelEnd:   addrValue(defaultKernelEnd),
		heapBase:    addrValue(heap.DefaultBase),
		heapPages:   heap.DefaultPages,
	}

	rootCmd := &cobra.Command{
		Use:   "mmsim",
		Short: "Boot the kernel memory subsystem on a simulated machine",
		Long: `mmsim builds a simulated machine (physical RAM plus a multiboot memory
map), boots the frame allocator, the page table manager and the kernel heap
on it and reports on their state.

Memory regions are given as base:length:type where type is one of
available, reserved, acpi or nvs. Without --region the machine gets a
PC-style layout covering all of --ram.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			opts.out = cmd.OutOrStdout()
			opts.errOut = cmd.ErrOrStderr()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.Var(&opts.ram, "ram", "Size of the simulated physical memory (e.g. 16M)")
	flags.StringArrayVar(&opts.regions, "region", nil, "Memory map entry as base:length:type (repeatable)")
	flags.Var(&opts.kernelStart, "kernel-start", "Physical start address of the kernel image")
	flags.Var(&opts.kernelEnd, "kernel-end", "Physical end address of the kernel image")
	flags.Var(&opts.heapBase, "heap-base", "Virtual address of the kernel heap")
	flags.Uint64Var(&opts.heapPages, "heap-pages", opts.heapPages, "Initial kernel heap size in pages")
	flags.BoolVar(&opts.trace, "trace", false, "Log every frame allocation and page mapping")
	flags.BoolVar(&opts.jsonOut, "json", false, "Output in JSON format")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress the kernel boot log")

	rootCmd.AddCommand(
		newBootCmd(opts),
		newStatsCmd(opts),
		newMapCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func execute() {
	if err := newRootCmd().Execute(); err != nil {
		printError(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// Helper functions for output

// printer formats numbers with thousands separators.
var printer = message.NewPrinter(language.English)

// printInfo prints a report line using locale-aware number formatting.
func (o *options) printInfo(format string, args ...interface{}) {
	_, _ = printer.Fprintf(o.out, format, args...)
}

// printError prints an error message
func printError(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, "Error: "+format, args...)
}

// printJSON outputs data as JSON
func (o *options) printJSON(v interface{}) error {
	encoder := json.NewEncoder(o.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
