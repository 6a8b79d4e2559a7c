package bpfobj

import (
	"errors"
	"io/fs"
	"os"
	"testing"

	"github.com/cilium/ebpf"
)

func TestClassifyLoadError(t *testing.T) {
	cases := []struct {
		err  error
		kind LoadErrorKind
	}{
		{os.ErrPermission, InsufficientPrivilege},
		{ebpf.ErrNotSupported, KernelTooOld},
		{fs.ErrNotExist, MissingSymbol},
		{errors.New("something else"), MapCreate},
	}
	for _, c := range cases {
		le := classifyLoadError("test", c.err)
		if le.Kind != c.kind {
			t.Errorf("classify(%v) = %s, want %s", c.err, le.Kind, c.kind)
		}
		if !errors.Is(le, c.err) {
			t.Errorf("wrapped error lost: %v", le)
		}
	}
}

func TestAttachPointLabel(t *testing.T) {
	tp := AttachPoint{Kind: Tracepoint, Group: "sched", Name: "sched_switch"}
	if tp.Label() != "sched:sched_switch" {
		t.Errorf("label = %q", tp.Label())
	}
	kp := AttachPoint{Kind: Kprobe, Symbols: []string{"vfs_read", "ksys_read"}}
	if kp.Label() != "vfs_read" {
		t.Errorf("label = %q", kp.Label())
	}
}

func TestErrorStrings(t *testing.T) {
	le := &LoadError{Kind: BytecodeReject, Monitor: "bio", Err: errors.New("R0 invalid")}
	if got := le.Error(); got != "load bio: bytecode rejected: R0 invalid" {
		t.Errorf("LoadError string = %q", got)
	}
	ae := &AttachError{Monitor: "open", Point: "syscalls:sys_enter_openat", Err: errors.New("ENOENT")}
	if got := ae.Error(); got != "attach open: syscalls:sys_enter_openat not available: ENOENT" {
		t.Errorf("AttachError string = %q", got)
	}
}
