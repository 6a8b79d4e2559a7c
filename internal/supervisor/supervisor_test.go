package supervisor

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whosneo/ebpf-monitor/internal/bpfobj"
	"github.com/whosneo/ebpf-monitor/internal/capability"
	"github.com/whosneo/ebpf-monitor/internal/config"
	"github.com/whosneo/ebpf-monitor/internal/monitor"
	"github.com/whosneo/ebpf-monitor/internal/output"
)

// fakeMonitor emits a numbered row every few milliseconds while
// running. It records whether lifecycle calls arrive in order.
type fakeMonitor struct {
	name     string
	loadErr  error
	header   []string
	interval time.Duration

	mu       sync.Mutex
	loaded   bool
	attached bool
	running  bool
	unloaded bool
	emitted  int
	cancel   context.CancelFunc
	done     chan struct{}
}

func (f *fakeMonitor) Name() string                 { return f.name }
func (f *fakeMonitor) CSVHeader() []string          { return f.header }
func (f *fakeMonitor) ConsoleRow(c []string) string { return strings.Join(c, " ") }

func (f *fakeMonitor) Load() error {
	if f.loadErr != nil {
		return f.loadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = true
	return nil
}

func (f *fakeMonitor) Attach(*capability.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded {
		return errors.New("attach before load")
	}
	f.attached = true
	return nil
}

func (f *fakeMonitor) Run(ctx context.Context, sink *output.SinkHandle, st monitor.StatusSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.attached {
		return errors.New("run before attach")
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	f.running = true

	go func() {
		defer close(f.done)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				f.mu.Lock()
				f.emitted++
				n := f.emitted
				f.mu.Unlock()
				sink.Submit([]string{fmt.Sprint(n), f.name})
				st.RecordTick(f.name)
			}
		}
	}()
	return nil
}

func (f *fakeMonitor) Stop(timeout time.Duration) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	cancel, done := f.cancel, f.done
	f.running = false
	f.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("stop timeout")
	}
}

func (f *fakeMonitor) Unload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return errors.New("unload while running")
	}
	f.unloaded = true
	return nil
}

func testSupervisor(t *testing.T, cfg *config.Config, fakes ...*fakeMonitor) *Supervisor {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	ctl := output.NewController(output.Options{
		Dir:           cfg.OutputDir,
		Host:          "testhost",
		FlushInterval: 20 * time.Millisecond,
	}, log.WithField("component", "output"))

	s := New(cfg, &capability.Report{}, ctl, log)
	s.summary = io.Discard
	s.lookup = func(name string) (monitor.Registration, bool) {
		for _, f := range fakes {
			if f.name == name {
				f := f
				return monitor.Registration{
					Name: name,
					New:  func(monitor.Deps) (monitor.Monitor, error) { return f, nil },
				}, true
			}
		}
		return monitor.Registration{}, false
	}
	return s
}

func testConfig(t *testing.T, names ...string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.OutputDir = t.TempDir()
	cfg.Defaults.StopTimeout = config.Duration(2 * time.Second)
	cfg.Monitors = config.MonitorConfigs{}
	for _, n := range names {
		cfg.Monitors[n] = config.MonitorConfig{Enabled: true}
	}
	return cfg
}

func csvRows(t *testing.T, dir, prefix string) [][]string {
	t.Helper()
	var path string
	filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && strings.HasPrefix(filepath.Base(p), prefix) {
			path = p
		}
		return nil
	})
	if path == "" {
		t.Fatalf("no csv for %s under %s", prefix, dir)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestRunLifecycle(t *testing.T) {
	cfg := testConfig(t, "exec", "syscall")
	f1 := &fakeMonitor{name: "exec", header: []string{"seq", "monitor"}, interval: 10 * time.Millisecond}
	f2 := &fakeMonitor{name: "syscall", header: []string{"seq", "monitor"}, interval: 10 * time.Millisecond}
	s := testSupervisor(t, cfg, f1, f2)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	time.Sleep(150 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	for _, f := range []*fakeMonitor{f1, f2} {
		if !f.loaded || !f.attached || !f.unloaded {
			t.Errorf("%s lifecycle incomplete: %+v", f.name, f)
		}
		if f.running {
			t.Errorf("%s still running after shutdown", f.name)
		}
	}

	rows := csvRows(t, cfg.OutputDir, "exec_")
	if len(rows) < 2 {
		t.Fatalf("expected header plus rows, got %d lines", len(rows))
	}
	if rows[0][0] != "seq" {
		t.Errorf("header missing: %v", rows[0])
	}
	// Every data line is complete: same arity as the header.
	for i, row := range rows {
		if len(row) != 2 {
			t.Errorf("line %d has %d fields", i, len(row))
		}
	}

	status := s.Status()
	if st := status["exec"]; st.State != monitor.StateStopped || st.Ticks == 0 {
		t.Errorf("exec status = %+v", st)
	}
}

func TestNoRowsAfterStop(t *testing.T) {
	cfg := testConfig(t, "exec")
	f := &fakeMonitor{name: "exec", header: []string{"seq", "monitor"}, interval: 5 * time.Millisecond}
	s := testSupervisor(t, cfg, f)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}

	before := len(csvRows(t, cfg.OutputDir, "exec_"))
	time.Sleep(100 * time.Millisecond)
	after := len(csvRows(t, cfg.OutputDir, "exec_"))
	if before != after {
		t.Errorf("rows appeared after stop: %d -> %d", before, after)
	}
}

func TestAllMonitorsFailed(t *testing.T) {
	cfg := testConfig(t, "exec")
	f := &fakeMonitor{name: "exec", loadErr: errors.New("verifier rejected")}
	s := testSupervisor(t, cfg, f)

	err := s.Run(context.Background())
	if !errors.Is(err, ErrAllMonitorsFailed) {
		t.Fatalf("err = %v, want ErrAllMonitorsFailed", err)
	}
}

func TestPartialLoadFailureKeepsOthersRunning(t *testing.T) {
	cfg := testConfig(t, "exec", "syscall")
	bad := &fakeMonitor{name: "exec", loadErr: errors.New("no such object")}
	good := &fakeMonitor{name: "syscall", header: []string{"seq", "monitor"}, interval: 10 * time.Millisecond}
	s := testSupervisor(t, cfg, bad, good)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run should succeed with one survivor: %v", err)
	}

	if rows := csvRows(t, cfg.OutputDir, "syscall_"); len(rows) < 2 {
		t.Error("surviving monitor wrote no rows")
	}
	if st := s.Status()["exec"]; st.State != monitor.StateFailed {
		t.Errorf("failed monitor state = %s", st.State)
	}
}

func TestPermissionErrorSurfaced(t *testing.T) {
	cfg := testConfig(t, "exec")
	f := &fakeMonitor{name: "exec", loadErr: &bpfobj.LoadError{
		Kind:    bpfobj.InsufficientPrivilege,
		Monitor: "exec",
		Err:     errors.New("operation not permitted"),
	}}
	s := testSupervisor(t, cfg, f)

	err := s.Run(context.Background())
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("err = %v, want ErrPermission", err)
	}
}

func TestSummaryOutput(t *testing.T) {
	cfg := testConfig(t, "exec")
	f := &fakeMonitor{name: "exec", header: []string{"seq", "monitor"}, interval: 10 * time.Millisecond}
	s := testSupervisor(t, cfg, f)
	var buf bytes.Buffer
	s.summary = &buf

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	time.Sleep(80 * time.Millisecond)
	cancel()
	<-errCh

	out := buf.String()
	if !strings.Contains(out, "exec") || !strings.Contains(out, "rows=") {
		t.Errorf("summary missing fields: %q", out)
	}
}
