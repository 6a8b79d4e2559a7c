// Package monitor defines the contract every telemetry monitor
// implements and the registry the supervisor instantiates them from.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whosneo/ebpf-monitor/internal/capability"
	"github.com/whosneo/ebpf-monitor/internal/config"
	"github.com/whosneo/ebpf-monitor/internal/output"
)

// State is the lifecycle position of a monitor.
type State int

const (
	StateNew State = iota
	StateLoaded
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Monitor pairs one in-kernel BPF program with a user-space drainer.
//
// The lifecycle is load -> attach -> run -> stop -> unload. Load is
// idempotent. Run returns after spawning the drain goroutines; they
// own the sink until the context is cancelled or an unrecoverable
// drain error occurs. Stop cancels and waits up to timeout. Unload
// must not be called while running.
type Monitor interface {
	Name() string
	Load() error
	Attach(caps *capability.Report) error
	Run(ctx context.Context, sink *output.SinkHandle, st StatusSink) error
	Stop(timeout time.Duration) error
	Unload() error

	// CSVHeader is the frozen column list for the monitor's CSV sink.
	CSVHeader() []string
	// ConsoleRow renders one encoded row for terminal echo, columnar
	// with padding. Distinct from the CSV encoding.
	ConsoleRow(cells []string) string
}

// StatusSink receives drain-side progress from monitors. The
// supervisor implements it over the status table; drain goroutines
// never touch the table directly.
type StatusSink interface {
	RecordTick(monitor string)
	RecordError(monitor string, err error)
	RecordLost(monitor string, n uint64)
}

// DrainError is a per-tick transient failure. The drain loop retries
// on the next tick; after the configured number of consecutive
// failures it records a final error and stops draining. The monitor's
// lifecycle state is not changed by this.
type DrainError struct {
	Monitor string
	Op      string
	Err     error
}

func (e *DrainError) Error() string {
	return fmt.Sprintf("drain %s: %s: %v", e.Monitor, e.Op, e.Err)
}

func (e *DrainError) Unwrap() error { return e.Err }

// Deps is everything a factory needs to build a monitor.
type Deps struct {
	Config  *config.Config
	Monitor config.MonitorConfig
	Log     *logrus.Entry
}

// Factory builds one monitor from its configuration.
type Factory func(deps Deps) (Monitor, error)

// Registration binds a monitor name to its factory. The registry is a
// compile-time table; there is no runtime reflection.
type Registration struct {
	Name string
	New  Factory
}

// Status is one monitor's externally visible state, kept in the
// supervisor's status table.
type Status struct {
	State        State
	Ticks        uint64
	LostEvents   uint64
	ErrorCount   uint64
	Consecutive  int
	LastError    string
	RowsWritten  uint64
	RowsDropped  uint64
}
