// Package kfmt implements the kernel's console logging facilities.
package kfmt

import (
	"fmt"
	"io"

	"gopherkmem/kernel/sync"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before
	// an output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// traceEnabled gates the output of Tracef.
	traceEnabled bool

	printLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	printLock.Acquire()
	defer printLock.Release()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// SetTrace enables or disables the output of Tracef.
func SetTrace(enabled bool) {
	printLock.Acquire()
	traceEnabled = enabled
	printLock.Release()
}

// TraceEnabled returns true if Tracef output is currently enabled.
func TraceEnabled() bool {
	printLock.Acquire()
	defer printLock.Release()
	return traceEnabled
}

// Printf formats according to a format specifier and writes the result to
// the active output sink. If no sink has been attached yet the output is
// buffered into a ring buffer and replayed by SetOutputSink.
func Printf(format string, args ...interface{}) {
	printLock.Acquire()
	defer printLock.Release()

	if outputSink == nil {
		Fprintf(&earlyPrintBuffer, format, args...)
		return
	}
	Fprintf(outputSink, format, args...)
}

// Tracef behaves like Printf but only produces output when tracing has been
// enabled via SetTrace. It is used for per-page diagnostics that are too
// noisy for regular boot logs.
func Tracef(format string, args ...interface{}) {
	if !TraceEnabled() {
		return
	}
	Printf(format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		return
	}
	_, _ = fmt.Fprintf(w, format, args...)
}
