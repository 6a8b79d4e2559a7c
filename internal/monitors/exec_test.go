package monitors

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/whosneo/ebpf-monitor/internal/bpfobj"
	"github.com/whosneo/ebpf-monitor/internal/capability"
)

func capsWithTracepoints(t *testing.T, tracepoints []string, syms ...string) *capability.Report {
	t.Helper()
	dir := t.TempDir()

	tracefs := filepath.Join(dir, "tracing")
	for _, tp := range tracepoints {
		if err := os.MkdirAll(filepath.Join(tracefs, "events", tp), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(tracefs, "events", tp, "id"), []byte("1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	kallsyms := filepath.Join(dir, "kallsyms")
	var content string
	for _, s := range syms {
		content += "ffffffff81000000 T " + s + "\n"
	}
	if err := os.WriteFile(kallsyms, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p := &capability.Prober{
		TracefsRoots: []string{tracefs},
		BTFPath:      filepath.Join(dir, "no-btf"),
		KallsymsPath: kallsyms,
		UnameRelease: "5.4.0-test",
	}
	r, err := p.Probe()
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestChooseExecPathPrefersTracepoints(t *testing.T) {
	caps := capsWithTracepoints(t,
		[]string{"syscalls/sys_enter_execve", "syscalls/sys_exit_execve"},
		"__x64_sys_execve")

	mode, points, err := chooseExecPath(caps)
	if err != nil {
		t.Fatal(err)
	}
	if mode != execTracepoint {
		t.Errorf("mode = %v, want tracepoint", mode)
	}
	if len(points) != 2 || points[0].Kind != bpfobj.Tracepoint {
		t.Errorf("points = %+v", points)
	}
}

func TestChooseExecPathFallsBackToKprobe(t *testing.T) {
	// Only the enter tracepoint exists: pairing is impossible, so the
	// kprobe path must win.
	caps := capsWithTracepoints(t,
		[]string{"syscalls/sys_enter_execve"},
		"sys_execve")

	mode, points, err := chooseExecPath(caps)
	if err != nil {
		t.Fatal(err)
	}
	if mode != execKprobe {
		t.Errorf("mode = %v, want kprobe", mode)
	}
	if len(points) != 1 || points[0].Symbols[0] != "sys_execve" {
		t.Errorf("points = %+v", points)
	}
}

func TestChooseExecPathSymbolOrder(t *testing.T) {
	caps := capsWithTracepoints(t, nil, "sys_execve", "__x64_sys_execve")
	_, points, err := chooseExecPath(caps)
	if err != nil {
		t.Fatal(err)
	}
	if points[0].Symbols[0] != "__x64_sys_execve" {
		t.Errorf("modern wrapper symbol should be preferred, got %q", points[0].Symbols[0])
	}
}

func TestChooseExecPathNothingAvailable(t *testing.T) {
	caps := capsWithTracepoints(t, nil)
	_, _, err := chooseExecPath(caps)
	if err == nil {
		t.Fatal("expected an error with no probe path")
	}
	if _, ok := err.(*bpfobj.AttachError); !ok {
		t.Errorf("expected *bpfobj.AttachError, got %T", err)
	}
}
