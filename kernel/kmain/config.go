package kmain

import (
	"strconv"

	"gopherkmem/kernel"
	"gopherkmem/kernel/mm"
	"gopherkmem/kernel/mm/heap"
)

// Boot command line options understood by the kernel.
const (
	optHeapBase  = "heap.base"
	optHeapPages = "heap.pages"
	optTrace     = "mm.trace"
)

var (
	errInvalidHeapBase  = &kernel.Error{Module: "kmain", Message: "heap.base must be a page-aligned address"}
	errInvalidHeapPages = &kernel.Error{Module: "kmain", Message: "heap.pages must be a positive page count"}
	errInvalidTrace     = &kernel.Error{Module: "kmain", Message: "mm.trace must be a boolean"}
)

// Config holds the memory manager settings passed on the boot command line.
type Config struct {
	// HeapBase is the virtual address of the kernel heap.
	HeapBase uintptr

	// HeapPages is the number of pages mapped for the kernel heap at boot.
	HeapPages uint64

	// Trace enables per-page allocation and mapping logs.
	Trace bool
}

// DefaultConfig returns the settings used for options missing from the boot
// command line.
func DefaultConfig() Config {
	return Config{
		HeapBase:  heap.DefaultBase,
		HeapPages: heap.DefaultPages,
	}
}

// parseConfig extracts the memory manager settings from the boot command line
// key/value pairs. Numeric values may use a 0x prefix.
func parseConfig(cmdLine map[string]string) (Config, *kernel.Error) {
	cfg := DefaultConfig()

	if v, ok := cmdLine[optHeapBase]; ok {
		base, err := strconv.ParseUint(v, 0, 64)
		if err != nil || uintptr(base)&(mm.PageSize-1) != 0 {
			return cfg, errInvalidHeapBase
		}
		cfg.HeapBase = uintptr(base)
	}

	if v, ok := cmdLine[optHeapPages]; ok {
		pages, err := strconv.ParseUint(v, 0, 64)
		if err != nil || pages == 0 {
			return cfg, errInvalidHeapPages
		}
		cfg.HeapPages = pages
	}

	// A bare "mm.trace" flag is stored with its own name as the value
	if v, ok := cmdLine[optTrace]; ok {
		if v == optTrace {
			cfg.Trace = true
		} else {
			enabled, err := strconv.ParseBool(v)
			if err != nil {
				return cfg, errInvalidTrace
			}
			cfg.Trace = enabled
		}
	}

	return cfg, nil
}

// CmdLine renders cfg as boot command line options.
func (cfg Config) CmdLine() string {
	cmdLine := optHeapBase + "=0x" + strconv.FormatUint(uint64(cfg.HeapBase), 16) +
		" " + optHeapPages + "=" + strconv.FormatUint(cfg.HeapPages, 10)
	if cfg.Trace {
		cmdLine += " " + optTrace
	}
	return cmdLine
}
