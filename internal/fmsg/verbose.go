package fmsg

import "sync/atomic"

var verbose = new(atomic.Bool)

// Load returns whether verbose output is enabled.
func Load() bool { return verbose.Load() }

// Store sets whether verbose output is enabled.
func Store(v bool) { verbose.Store(v) }

func Verbose(v ...any) {
	if verbose.Load() {
		std.Println(v...)
	}
}

func Verbosef(format string, v ...any) {
	if verbose.Load() {
		std.Printf(format, v...)
	}
}
