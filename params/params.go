// Package params holds the flag-bound variables shared across subcommands.
package params

import "time"

var (
	// RunfUprobes is a comma-separated list of extra lib/bin files to
	// attach u[ret]probes to.
	RunfUprobes string

	// RunfSaveDb enables the Spanner sink.
	RunfSaveDb bool

	// RunfDb is the Spanner database path
	// (projects/p/instances/i/databases/d).
	RunfDb string

	// RunfDisableLogs disables verbose logs (for performance).
	RunfDisableLogs bool

	// RunfHTTPHeaderFilters is the HTTP response header selection DSL.
	RunfHTTPHeaderFilters string

	// RunfSamplingPeriodMs is the transfer tick period.
	RunfSamplingPeriodMs int

	// RunfPushPeriodMs is the downstream push period.
	RunfPushPeriodMs int

	// Per-protocol config mask bitfields.
	RunfHTTPMask  uint64
	RunfHTTP2Mask uint64
	RunfMySQLMask uint64

	// RunfStreamRetention caps idle stream retention (0 = unbounded).
	RunfStreamRetention time.Duration
)
