// Package supervisor sequences monitor lifecycles and owns run-wide
// cancellation. Transitions happen in one order only: New -> Loaded ->
// Running -> Stopping -> Stopped, or into Failed from any state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/whosneo/ebpf-monitor/internal/bpfobj"
	"github.com/whosneo/ebpf-monitor/internal/capability"
	"github.com/whosneo/ebpf-monitor/internal/config"
	"github.com/whosneo/ebpf-monitor/internal/monitor"
	"github.com/whosneo/ebpf-monitor/internal/monitors"
	"github.com/whosneo/ebpf-monitor/internal/output"
	"github.com/whosneo/ebpf-monitor/internal/telemetry"
)

// ErrAllMonitorsFailed is returned when not a single configured
// monitor could load and attach.
var ErrAllMonitorsFailed = errors.New("all configured monitors failed to load")

// ErrPermission marks failures caused by missing privileges; the CLI
// maps it onto its own exit code.
var ErrPermission = errors.New("insufficient privilege to load BPF")

// Supervisor owns the monitor set for one collector run.
type Supervisor struct {
	cfg     *config.Config
	caps    *capability.Report
	out     *output.Controller
	log     *logrus.Entry
	session string
	summary io.Writer

	// lookup resolves a monitor name to its factory; defaults to the
	// compile-time registry.
	lookup func(string) (monitor.Registration, bool)

	mu       sync.Mutex // state lock: lifecycle transitions only
	running  map[string]monitor.Monitor
	statusMu sync.Mutex
	status   map[string]*monitor.Status
}

// New builds a supervisor over the enabled monitor set.
func New(cfg *config.Config, caps *capability.Report, out *output.Controller, log *logrus.Logger) *Supervisor {
	session := uuid.NewString()
	return &Supervisor{
		cfg:     cfg,
		caps:    caps,
		out:     out,
		log:     log.WithField("session", session),
		session: session,
		summary: os.Stdout,
		lookup:  monitors.Lookup,
		running: make(map[string]monitor.Monitor),
		status:  make(map[string]*monitor.Status),
	}
}

// Session returns the run's unique ID, carried in every supervisor and
// monitor log line.
func (s *Supervisor) Session() string { return s.session }

// Run drives the full lifecycle: instantiate, load, attach, run,
// block until cancellation (or signal), stop, unload, summarise.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// No live config reload.
	signal.Ignore(syscall.SIGHUP)

	tracer := telemetry.Tracer()
	ctx, span := tracer.Start(ctx, "supervisor.run")
	defer span.End()

	active, loadErrs := s.loadAll()
	if len(active) == 0 {
		for _, err := range loadErrs {
			var le *bpfobj.LoadError
			if errors.As(err, &le) && le.Kind == bpfobj.InsufficientPrivilege {
				return fmt.Errorf("%w: %v", ErrPermission, err)
			}
		}
		return ErrAllMonitorsFailed
	}

	s.out.SetActive(len(active))
	telemetry.ActiveMonitors.Set(float64(len(active)))

	sinks := make(map[string]*output.SinkHandle, len(active))
	for _, m := range active {
		sink, err := s.out.Open(m.Name(), m.CSVHeader(), m.ConsoleRow)
		if err != nil {
			s.log.WithError(err).WithField("monitor", m.Name()).Error("opening sink")
			s.setState(m.Name(), monitor.StateFailed, err)
			continue
		}
		sinks[m.Name()] = sink
	}

	// The state lock covers transitions only; it is released while
	// the monitors drain so lifecycle calls for one monitor never
	// block another's.
	started := 0
	for _, m := range active {
		sink, ok := sinks[m.Name()]
		if !ok {
			continue
		}
		if err := m.Run(ctx, sink, s); err != nil {
			s.log.WithError(err).WithField("monitor", m.Name()).Error("run failed")
			s.setState(m.Name(), monitor.StateFailed, err)
			continue
		}
		s.trackRunning(m)
		s.setState(m.Name(), monitor.StateRunning, nil)
		started++
	}
	if started == 0 {
		s.out.CloseAll(s.cfg.Defaults.StopTimeout.Std())
		return fmt.Errorf("no monitor reached the running state: %w", ErrAllMonitorsFailed)
	}

	s.log.WithField("monitors", started).Info("collector running")
	<-ctx.Done()
	s.log.Info("shutdown requested")

	s.stopAll()
	s.out.CloseAll(s.cfg.Defaults.StopTimeout.Std())
	s.unloadAll(active)
	s.finishStatus(sinks)
	s.printSummary()
	telemetry.ActiveMonitors.Set(0)
	return nil
}

// loadAll instantiates, loads and attaches every enabled monitor.
// Failures are per-monitor; the survivors are returned.
func (s *Supervisor) loadAll() ([]monitor.Monitor, map[string]error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []monitor.Monitor
	failures := make(map[string]error)

	for _, name := range s.cfg.Enabled() {
		reg, ok := s.lookup(name)
		if !ok {
			failures[name] = fmt.Errorf("monitor %q not registered", name)
			continue
		}
		m, err := reg.New(monitor.Deps{
			Config:  s.cfg,
			Monitor: s.cfg.Monitor(name),
			Log:     s.log.WithField("monitor", name),
		})
		if err != nil {
			s.log.WithError(err).WithField("monitor", name).Error("instantiate failed")
			failures[name] = err
			s.setState(name, monitor.StateFailed, err)
			continue
		}
		if err := m.Load(); err != nil {
			s.log.WithError(err).WithField("monitor", name).Error("load failed")
			failures[name] = err
			s.setState(name, monitor.StateFailed, err)
			continue
		}
		s.setState(name, monitor.StateLoaded, nil)
		if err := m.Attach(s.caps); err != nil {
			s.log.WithError(err).WithField("monitor", name).Error("attach failed")
			failures[name] = err
			s.setState(name, monitor.StateFailed, err)
			_ = m.Unload()
			continue
		}
		active = append(active, m)
	}
	return active, failures
}

// stopAll cancels every running monitor in parallel and waits up to
// the stop timeout for each drain to exit.
func (s *Supervisor) stopAll() {
	s.mu.Lock()
	runningNow := make([]monitor.Monitor, 0, len(s.running))
	for _, m := range s.running {
		runningNow = append(runningNow, m)
	}
	s.mu.Unlock()

	timeout := s.cfg.Defaults.StopTimeout.Std()
	var g errgroup.Group
	for _, m := range runningNow {
		m := m
		g.Go(func() error {
			s.setState(m.Name(), monitor.StateStopping, nil)
			if err := m.Stop(timeout); err != nil {
				s.log.WithError(err).WithField("monitor", m.Name()).Warn("stop timed out")
				s.setState(m.Name(), monitor.StateFailed, fmt.Errorf("stop timeout: %w", err))
				return nil
			}
			s.setState(m.Name(), monitor.StateStopped, nil)
			return nil
		})
	}
	_ = g.Wait()
}

// unloadAll detaches and closes every monitor, even those that failed
// to stop cleanly. Unload runs exactly once per monitor.
func (s *Supervisor) unloadAll(all []monitor.Monitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range all {
		if err := m.Unload(); err != nil {
			s.log.WithError(err).WithField("monitor", m.Name()).Warn("unload failed")
		}
		delete(s.running, m.Name())
	}
}

func (s *Supervisor) trackRunning(m monitor.Monitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[m.Name()] = m
}

// RecordTick implements monitor.StatusSink.
func (s *Supervisor) RecordTick(name string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.ensureStatus(name).Ticks++
	s.ensureStatus(name).Consecutive = 0
}

// RecordError implements monitor.StatusSink.
func (s *Supervisor) RecordError(name string, err error) {
	s.statusMu.Lock()
	st := s.ensureStatus(name)
	st.ErrorCount++
	st.Consecutive++
	st.LastError = err.Error()
	s.statusMu.Unlock()
	s.log.WithError(err).WithField("monitor", name).Warn("drain error")
}

// RecordLost implements monitor.StatusSink.
func (s *Supervisor) RecordLost(name string, n uint64) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.ensureStatus(name).LostEvents += n
}

// Status returns a copy of the status table.
func (s *Supervisor) Status() map[string]monitor.Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	out := make(map[string]monitor.Status, len(s.status))
	for name, st := range s.status {
		out[name] = *st
	}
	return out
}

func (s *Supervisor) ensureStatus(name string) *monitor.Status {
	st, ok := s.status[name]
	if !ok {
		st = &monitor.Status{}
		s.status[name] = st
	}
	return st
}

func (s *Supervisor) setState(name string, state monitor.State, err error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st := s.ensureStatus(name)
	st.State = state
	if err != nil {
		st.LastError = err.Error()
		st.ErrorCount++
	}
}

// finishStatus folds the sink counters into the table after writers
// have drained.
func (s *Supervisor) finishStatus(sinks map[string]*output.SinkHandle) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	for name, sink := range sinks {
		st := s.ensureStatus(name)
		st.RowsWritten = sink.Written()
		st.RowsDropped = sink.Dropped()
	}
}

// printSummary emits the one-line-per-monitor shutdown report.
func (s *Supervisor) printSummary() {
	status := s.Status()
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := status[name]
		fmt.Fprintf(s.summary,
			"%-15s state=%-8s rows=%d dropped=%d ticks=%d lost=%d errors=%d\n",
			name, st.State, st.RowsWritten, st.RowsDropped, st.Ticks, st.LostEvents, st.ErrorCount)
	}
}
