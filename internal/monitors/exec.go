package monitors

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/whosneo/ebpf-monitor/internal/bpfobj"
	"github.com/whosneo/ebpf-monitor/internal/capability"
	"github.com/whosneo/ebpf-monitor/internal/monitor"
	"github.com/whosneo/ebpf-monitor/internal/output"
	"github.com/whosneo/ebpf-monitor/internal/telemetry"
)

// execMode records which probe path attach selected. The CSV header
// follows the mode and does not change for the life of the run.
type execMode int

const (
	execTracepoint execMode = iota
	execKprobe
)

// execEvent mirrors struct exec_event in bpf/exec.bpf.c. On the
// kprobe path PPID and Ret are zero and Argv carries the filename; on
// the tracepoint path Argv carries up to 4 space-separated tokens of
// up to 15 bytes each, truncated, and Ret is the execve return code.
type execEvent struct {
	TsNs uint64
	UID  uint32
	PID  uint32
	PPID uint32
	Ret  int32
	Comm [16]byte
	Argv [64]byte
}

const execPollDeadline = 1000 * time.Millisecond

var (
	execHeaderTracepoint = []string{"timestamp", "time_str", "comm", "uid", "pid", "ppid", "ret", "argv"}
	execHeaderKprobe     = []string{"timestamp", "time_str", "uid", "pid", "comm", "filename"}
)

// execMonitor captures individual execve invocations through a
// per-CPU perf ring instead of a periodic sweep.
type execMonitor struct {
	deps monitor.Deps

	mu     sync.Mutex
	state  monitor.State
	mode   execMode
	obj    *bpfobj.Object
	poller *bpfobj.PerfPoller
	cancel context.CancelFunc
	done   chan struct{}

	maxDrainErrors int
}

// NewExec builds the exec event-stream monitor.
func NewExec(deps monitor.Deps) (monitor.Monitor, error) {
	return &execMonitor{
		deps:           deps,
		state:          monitor.StateNew,
		done:           make(chan struct{}),
		maxDrainErrors: deps.Config.Defaults.MaxDrainErrors,
	}, nil
}

func (m *execMonitor) Name() string { return "exec" }

func (m *execMonitor) CSVHeader() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == execKprobe {
		return execHeaderKprobe
	}
	return execHeaderTracepoint
}

func (m *execMonitor) ConsoleRow(cells []string) string {
	m.mu.Lock()
	mode := m.mode
	m.mu.Unlock()
	if mode == execKprobe {
		return columnar(14, 25, 6, 7, 16, 40)(cells)
	}
	return columnar(14, 25, 16, 6, 7, 7, 5, 40)(cells)
}

func (m *execMonitor) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state >= monitor.StateLoaded && m.state != monitor.StateFailed {
		return nil
	}
	obj, err := bpfobj.Load("exec", m.deps.Config.BPFObjectDir, bpfobj.LoadOptions{
		MapEntries: m.deps.Config.Defaults.MapEntries,
	}, m.deps.Log)
	if err != nil {
		m.state = monitor.StateFailed
		return err
	}
	m.obj = obj
	if err := obj.SeedFilter("target_pids", 0, m.deps.Config.Filters.PIDs); err != nil {
		m.deps.Log.WithError(err).Debug("pid filter map not seeded")
	}
	if err := obj.SeedFilter("target_uids", 1, m.deps.Config.Filters.UIDs); err != nil {
		m.deps.Log.WithError(err).Debug("uid filter map not seeded")
	}
	m.state = monitor.StateLoaded
	return nil
}

// chooseExecPath picks the probe path: the execve tracepoint pair when
// the kernel has it, otherwise a kprobe on the first execve symbol
// that exists, tried in x64 / ia32 / legacy order.
func chooseExecPath(caps *capability.Report) (execMode, []bpfobj.AttachPoint, error) {
	if caps.HasTracepoint("syscalls", "sys_enter_execve") && caps.HasTracepoint("syscalls", "sys_exit_execve") {
		return execTracepoint, []bpfobj.AttachPoint{
			{Kind: bpfobj.Tracepoint, Group: "syscalls", Name: "sys_enter_execve", Program: "trace_enter_execve"},
			{Kind: bpfobj.Tracepoint, Group: "syscalls", Name: "sys_exit_execve", Program: "trace_exit_execve"},
		}, nil
	}
	sym := caps.FirstKsym("__x64_sys_execve", "__ia32_sys_execve", "sys_execve")
	if sym == "" {
		return execKprobe, nil, &bpfobj.AttachError{
			Monitor: "exec",
			Point:   "execve",
			Err:     fmt.Errorf("no execve tracepoint or kprobe symbol available"),
		}
	}
	return execKprobe, []bpfobj.AttachPoint{
		{Kind: bpfobj.Kprobe, Symbols: []string{sym}, Program: "trace_execve_kprobe"},
	}, nil
}

func (m *execMonitor) Attach(caps *capability.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != monitor.StateLoaded {
		return fmt.Errorf("exec: attach in state %s", m.state)
	}

	mode, points, err := chooseExecPath(caps)
	if err != nil {
		m.state = monitor.StateFailed
		return err
	}
	m.mode = mode
	if mode == execKprobe {
		m.deps.Log.WithField("symbol", points[0].Symbols[0]).
			Warn("execve tracepoints unavailable, falling back to kprobe")
	}
	if err := m.obj.Attach(points); err != nil {
		m.state = monitor.StateFailed
		return err
	}
	return nil
}

func (m *execMonitor) Run(ctx context.Context, sink *output.SinkHandle, st monitor.StatusSink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != monitor.StateLoaded {
		return fmt.Errorf("exec: run in state %s", m.state)
	}
	poller, err := m.obj.Perf("exec_events", 8, execPollDeadline)
	if err != nil {
		m.state = monitor.StateFailed
		return &monitor.DrainError{Monitor: "exec", Op: "perf open", Err: err}
	}
	m.poller = poller

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state = monitor.StateRunning
	go m.drainLoop(runCtx, sink, st)
	return nil
}

// drainLoop polls the perf ring with a 1s deadline so cancellation is
// observed at least once a second. Lost-event callbacks count toward
// status but never abort the monitor.
func (m *execMonitor) drainLoop(ctx context.Context, sink *output.SinkHandle, st monitor.StatusSink) {
	defer close(m.done)
	defer m.poller.Close()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sample, lost, err := m.poller.Poll()
		if lost > 0 {
			st.RecordLost("exec", lost)
			telemetry.LostEventsTotal.WithLabelValues("exec").Add(float64(lost))
		}
		if err != nil {
			if err == bpfobj.ErrPollTimeout {
				continue
			}
			if bpfobj.Closed(err) {
				return
			}
			consecutive++
			telemetry.DrainErrorsTotal.WithLabelValues("exec").Inc()
			st.RecordError("exec", &monitor.DrainError{Monitor: "exec", Op: "perf read", Err: err})
			if consecutive >= m.maxDrainErrors {
				st.RecordError("exec", fmt.Errorf("exec: %d consecutive drain failures, giving up", consecutive))
				return
			}
			continue
		}
		consecutive = 0

		if len(sample) == 0 {
			continue
		}
		var ev execEvent
		if err := binary.Read(bytes.NewReader(sample), binary.LittleEndian, &ev); err != nil {
			st.RecordError("exec", &monitor.DrainError{Monitor: "exec", Op: "decode", Err: err})
			continue
		}
		sink.Submit(m.encode(ev, stampAt(time.Now())))
	}
}

// encode renders one event in the header order of the active mode.
func (m *execMonitor) encode(ev execEvent, tick Tick) []string {
	if m.mode == execKprobe {
		return []string{
			tick.TS, tick.TimeStr,
			fmtU64(uint64(ev.UID)),
			fmtU64(uint64(ev.PID)),
			comm(ev.Comm[:]),
			comm(ev.Argv[:]),
		}
	}
	return []string{
		tick.TS, tick.TimeStr,
		comm(ev.Comm[:]),
		fmtU64(uint64(ev.UID)),
		fmtU64(uint64(ev.PID)),
		fmtU64(uint64(ev.PPID)),
		fmt.Sprintf("%d", ev.Ret),
		comm(ev.Argv[:]),
	}
}

func (m *execMonitor) Stop(timeout time.Duration) error {
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
		return fmt.Errorf("exec: drain did not stop within %s", timeout)
	}

	m.mu.Lock()
	m.state = monitor.StateStopped
	m.mu.Unlock()
	return nil
}

func (m *execMonitor) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == monitor.StateRunning || m.state == monitor.StateStopping {
		return fmt.Errorf("exec: unload while %s", m.state)
	}
	if m.obj != nil {
		err := m.obj.Close()
		m.obj = nil
		return err
	}
	return nil
}
