package vmm

import (
	"gopherkmem/kernel"
	"gopherkmem/kernel/kfmt"
)

// pageFaultCode describes the kind of access that triggered a page fault.
type pageFaultCode uint8

const (
	faultReadNotPresent  pageFaultCode = 0
	faultWriteNotPresent pageFaultCode = 2
)

var (
	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page fault"}
)

// nonRecoverablePageFault reports an access to an address without a valid
// mapping and panics. The kernel does not implement demand paging so every
// fault is fatal.
func nonRecoverablePageFault(faultAddress uintptr, errorCode pageFaultCode, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch errorCode {
	case faultReadNotPresent:
		kfmt.Printf("read from non-present page")
	case faultWriteNotPresent:
		kfmt.Printf("write to non-present page")
	default:
		kfmt.Printf("unknown")
	}
	kfmt.Printf(" (%s)\n", err.Message)

	panic(errUnrecoverableFault)
}
