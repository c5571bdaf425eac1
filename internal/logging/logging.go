// Package logging provides device-manager-wide access to a
// v.io/x/lib/vlog logger, the same indirection the teacher's own
// x/ref/internal/logger package provides over the object bus's
// logging.Logger interface.
package logging

import "v.io/x/lib/vlog"

// Global returns the device manager's global logger. Every component
// that does not need a dedicated named logger uses this one, mirroring
// x/ref/internal/logger.Global().
func Global() *vlog.Logger {
	return vlog.Log
}

// New creates a named logger, one per major component (registry,
// launcher, federation, ...), so log lines can be filtered by
// subsystem the same way the teacher tags its own component loggers.
func New(name string) *vlog.Logger {
	return vlog.NewLogger(name)
}

// ConfigureFromArgs wires --log_dir/--logtostderr and friends the same
// way GenerateScript in the teacher arranges for deviced.sh to invoke
// the binary.
func ConfigureFromArgs(args ...string) error {
	return vlog.Log.ConfigureFromArgs(vlog.OverridePriorConfiguration(true))
}
