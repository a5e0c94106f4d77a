package detector

import "context"

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running. A non-nil
	// error means the check itself failed; callers must not read the bool
	// as either alive or dead in that case.
	Alive() (bool, error)
	// AliveContext is Alive bounded by ctx.
	AliveContext(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// ProcInfo is one row of the OS process table.
type ProcInfo struct {
	PID       int
	Name      string
	Cmdline   []string
	StartUnix int64
}

// Lister enumerates the OS process table.
type Lister interface {
	Processes(ctx context.Context) ([]ProcInfo, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context) ([]ProcInfo, error)

func (f ListerFunc) Processes(ctx context.Context) ([]ProcInfo, error) { return f(ctx) }

// StartUnix returns the start time of pid in Unix seconds, or 0 when unknown.
func StartUnix(pid int) int64 { return getProcStartUnix(pid) }
