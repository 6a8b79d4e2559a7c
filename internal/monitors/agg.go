// Package monitors implements the eight concrete telemetry monitors.
// All except exec share the aggregating shape: an in-kernel stats map
// keyed by a monitor-specific tuple, swept and cleared on a periodic
// tick by the user-space drain loop.
package monitors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whosneo/ebpf-monitor/internal/bpfobj"
	"github.com/whosneo/ebpf-monitor/internal/capability"
	"github.com/whosneo/ebpf-monitor/internal/monitor"
	"github.com/whosneo/ebpf-monitor/internal/output"
	"github.com/whosneo/ebpf-monitor/internal/telemetry"
)

// aggSpec is what distinguishes one aggregating monitor from another.
type aggSpec struct {
	name     string
	statsMap string
	header   []string
	console  func([]string) string
	// points selects attach points given the capability report.
	points func(caps *capability.Report) ([]bpfobj.AttachPoint, error)
	// decode turns one raw map entry into CSV cells, or skips it when
	// a post-drain filter excludes the row.
	decode func(e bpfobj.Entry, tick Tick) ([]string, bool)
}

// aggMonitor drives one aggregating monitor through the shared
// lifecycle and drain loop.
type aggMonitor struct {
	deps monitor.Deps
	spec aggSpec

	interval       time.Duration
	maxDrainErrors int

	mu     sync.Mutex
	state  monitor.State
	obj    *bpfobj.Object
	cancel context.CancelFunc
	done   chan struct{}
}

func newAgg(deps monitor.Deps, spec aggSpec) *aggMonitor {
	return &aggMonitor{
		deps:           deps,
		spec:           spec,
		interval:       deps.Monitor.IntervalDuration(deps.Config.Defaults),
		maxDrainErrors: deps.Config.Defaults.MaxDrainErrors,
		state:          monitor.StateNew,
		done:           make(chan struct{}),
	}
}

func (m *aggMonitor) Name() string { return m.spec.name }

func (m *aggMonitor) CSVHeader() []string { return m.spec.header }

func (m *aggMonitor) ConsoleRow(cells []string) string { return m.spec.console(cells) }

// Load opens the compiled object and creates its maps. Idempotent.
func (m *aggMonitor) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state >= monitor.StateLoaded && m.state != monitor.StateFailed {
		return nil
	}
	obj, err := bpfobj.Load(m.spec.name, m.deps.Config.BPFObjectDir, bpfobj.LoadOptions{
		MapEntries: m.deps.Config.Defaults.MapEntries,
	}, m.deps.Log)
	if err != nil {
		m.state = monitor.StateFailed
		return err
	}
	m.obj = obj
	if err := m.seedFilters(); err != nil {
		obj.Close()
		m.obj = nil
		m.state = monitor.StateFailed
		return err
	}
	m.state = monitor.StateLoaded
	return nil
}

func (m *aggMonitor) seedFilters() error {
	if err := m.obj.SeedFilter("target_pids", 0, m.deps.Config.Filters.PIDs); err != nil {
		m.deps.Log.WithError(err).Debug("pid filter map not seeded")
	}
	if err := m.obj.SeedFilter("target_uids", 1, m.deps.Config.Filters.UIDs); err != nil {
		m.deps.Log.WithError(err).Debug("uid filter map not seeded")
	}
	return nil
}

// Attach binds the monitor's probes using the capability report.
func (m *aggMonitor) Attach(caps *capability.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != monitor.StateLoaded {
		return fmt.Errorf("%s: attach in state %s", m.spec.name, m.state)
	}
	points, err := m.spec.points(caps)
	if err != nil {
		m.state = monitor.StateFailed
		return err
	}
	if err := m.obj.Attach(points); err != nil {
		m.state = monitor.StateFailed
		return err
	}
	return nil
}

// Run spawns the drain loop and returns immediately.
func (m *aggMonitor) Run(ctx context.Context, sink *output.SinkHandle, st monitor.StatusSink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != monitor.StateLoaded {
		return fmt.Errorf("%s: run in state %s", m.spec.name, m.state)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state = monitor.StateRunning
	go m.drainLoop(runCtx, sink, st)
	return nil
}

// drainLoop sleeps until the next tick, then sweeps the stats map and
// emits one row per surviving key, all stamped with the tick start.
func (m *aggMonitor) drainLoop(ctx context.Context, sink *output.SinkHandle, st monitor.StatusSink) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := sink.Err(); err != nil {
			st.RecordError(m.spec.name, fmt.Errorf("%s: sink failed: %w", m.spec.name, err))
			return
		}

		start := time.Now()
		tick := stampAt(start)
		entries, err := m.obj.Sweep(m.spec.statsMap)
		if err != nil {
			consecutive++
			telemetry.DrainErrorsTotal.WithLabelValues(m.spec.name).Inc()
			st.RecordError(m.spec.name, &monitor.DrainError{Monitor: m.spec.name, Op: "sweep", Err: err})
			if consecutive >= m.maxDrainErrors {
				st.RecordError(m.spec.name, fmt.Errorf("%s: %d consecutive drain failures, giving up", m.spec.name, consecutive))
				return
			}
			continue
		}
		consecutive = 0

		for _, e := range entries {
			cells, ok := m.spec.decode(e, tick)
			if !ok {
				continue
			}
			sink.Submit(cells)
		}
		telemetry.SweepDuration.WithLabelValues(m.spec.name).Observe(time.Since(start).Seconds())
		st.RecordTick(m.spec.name)
	}
}

// Stop cancels the drain loop and waits up to timeout for it to exit.
func (m *aggMonitor) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if m.state != monitor.StateRunning {
		m.mu.Unlock()
		return nil
	}
	m.state = monitor.StateStopping
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(timeout):
		m.mu.Lock()
		m.state = monitor.StateFailed
		m.mu.Unlock()
		return fmt.Errorf("%s: drain did not stop within %s", m.spec.name, timeout)
	}

	m.mu.Lock()
	m.state = monitor.StateStopped
	m.mu.Unlock()
	return nil
}

// Unload detaches probes and closes maps. Must follow Stop.
func (m *aggMonitor) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == monitor.StateRunning || m.state == monitor.StateStopping {
		return fmt.Errorf("%s: unload while %s", m.spec.name, m.state)
	}
	if m.obj != nil {
		err := m.obj.Close()
		m.obj = nil
		return err
	}
	return nil
}
