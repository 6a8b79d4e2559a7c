package monitors

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/whosneo/ebpf-monitor/internal/bpfobj"
	"github.com/whosneo/ebpf-monitor/internal/capability"
	"github.com/whosneo/ebpf-monitor/internal/monitor"
)

// Open operations distinguished in the stats key.
const (
	opOpen   = 0
	opOpenat = 1
)

// openKey mirrors struct open_key in bpf/open.bpf.c. At ~276 bytes it
// exceeds the BPF stack cap, so the kernel side composes it in a
// per-CPU scratch slot before the map update.
type openKey struct {
	Comm     [16]byte
	Op       uint32
	Filename [256]byte
}

// openValue mirrors struct open_value. FlagsSummary is the OR of
// every flag set observed for this (comm, op, file).
type openValue struct {
	Count        uint64
	ErrorCount   uint64
	TotalLatNs   uint64
	MinLatNs     uint64
	MaxLatNs     uint64
	FlagsSummary uint64
}

var openHeader = []string{
	"timestamp", "time_str", "comm", "operation", "filename", "count",
	"errors", "error_rate", "avg_lat_us", "min_lat_us", "max_lat_us", "flags",
}

func openOpString(op uint32) string {
	if op == opOpenat {
		return "OPENAT"
	}
	return "OPEN"
}

// NewOpen builds the file-open latency monitor pairing the
// open/openat enter and exit tracepoints through a pid_tgid keyed
// tracking map.
func NewOpen(deps monitor.Deps) (monitor.Monitor, error) {
	return newAgg(deps, aggSpec{
		name:     "open",
		statsMap: "open_stats",
		header:   openHeader,
		console:  columnar(14, 25, 16, 8, 40, 7, 7, 10, 12, 12, 12, 10),
		points: func(caps *capability.Report) ([]bpfobj.AttachPoint, error) {
			// openat is required everywhere; plain open has been a
			// libc compatibility shim for years and is optional.
			if !caps.HasTracepoint("syscalls", "sys_enter_openat") {
				return nil, &bpfobj.AttachError{
					Monitor: "open",
					Point:   "syscalls:sys_enter_openat",
					Err:     fmt.Errorf("tracepoint not present"),
				}
			}
			return []bpfobj.AttachPoint{
				{Kind: bpfobj.Tracepoint, Group: "syscalls", Name: "sys_enter_openat", Program: "trace_enter_openat"},
				{Kind: bpfobj.Tracepoint, Group: "syscalls", Name: "sys_exit_openat", Program: "trace_exit_openat"},
				{Kind: bpfobj.Tracepoint, Group: "syscalls", Name: "sys_enter_open", Program: "trace_enter_open", Optional: true},
				{Kind: bpfobj.Tracepoint, Group: "syscalls", Name: "sys_exit_open", Program: "trace_exit_open", Optional: true},
			}, nil
		},
		decode: func(e bpfobj.Entry, tick Tick) ([]string, bool) {
			var key openKey
			var val openValue
			if err := binary.Read(bytes.NewReader(e.Key), binary.LittleEndian, &key); err != nil {
				return nil, false
			}
			if err := binary.Read(bytes.NewReader(e.Value), binary.LittleEndian, &val); err != nil {
				return nil, false
			}
			if val.Count == 0 {
				return nil, false
			}
			if deps.Monitor.MinCount > 0 && val.Count < deps.Monitor.MinCount {
				return nil, false
			}
			rate := float64(val.ErrorCount) / float64(val.Count)
			avgUs := float64(val.TotalLatNs) / float64(val.Count) / 1e3
			return []string{
				tick.TS, tick.TimeStr,
				comm(key.Comm[:]),
				openOpString(key.Op),
				comm(key.Filename[:]),
				fmtU64(val.Count),
				fmtU64(val.ErrorCount),
				fmtRate(rate),
				fmtUs(avgUs),
				fmtUs(float64(val.MinLatNs) / 1e3),
				fmtUs(float64(val.MaxLatNs) / 1e3),
				fmt.Sprintf("0x%x", val.FlagsSummary),
			}, true
		},
	}), nil
}
