package bpfobj

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/cilium/ebpf"
)

// LoadErrorKind classifies why a BPF object failed to load.
type LoadErrorKind int

const (
	BytecodeReject LoadErrorKind = iota
	MapCreate
	MissingSymbol
	KernelTooOld
	InsufficientPrivilege
)

func (k LoadErrorKind) String() string {
	switch k {
	case BytecodeReject:
		return "bytecode rejected"
	case MapCreate:
		return "map creation failed"
	case MissingSymbol:
		return "missing symbol"
	case KernelTooOld:
		return "kernel too old"
	case InsufficientPrivilege:
		return "insufficient privilege"
	}
	return "unknown"
}

// LoadError is fatal for the affected monitor; others proceed.
type LoadError struct {
	Kind    LoadErrorKind
	Monitor string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s: %v", e.Monitor, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// AttachError reports a required attach point that could not bind.
type AttachError struct {
	Monitor string
	Point   string
	Err     error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach %s: %s not available: %v", e.Monitor, e.Point, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// classifyLoadError maps a cilium/ebpf load failure onto the taxonomy.
func classifyLoadError(monitor string, err error) *LoadError {
	kind := MapCreate
	var verr *ebpf.VerifierError
	switch {
	case errors.As(err, &verr):
		kind = BytecodeReject
	case errors.Is(err, os.ErrPermission), errors.Is(err, ebpf.ErrNotSupported):
		kind = InsufficientPrivilege
		if errors.Is(err, ebpf.ErrNotSupported) {
			kind = KernelTooOld
		}
	case errors.Is(err, fs.ErrNotExist):
		kind = MissingSymbol
	}
	return &LoadError{Kind: kind, Monitor: monitor, Err: err}
}
