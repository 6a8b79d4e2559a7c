package monitors

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/whosneo/ebpf-monitor/internal/bpfobj"
	"github.com/whosneo/ebpf-monitor/internal/capability"
	"github.com/whosneo/ebpf-monitor/internal/monitor"
)

// cswitchKey mirrors struct cswitch_key in bpf/context_switch.bpf.c.
type cswitchKey struct {
	Comm [16]byte
	CPU  uint32
}

// cswitchValue mirrors struct cswitch_value. The outgoing task is
// voluntary iff prev_state != TASK_RUNNING; the incoming task is
// always counted as an involuntary switch-in.
type cswitchValue struct {
	SwitchIn    uint64
	SwitchOut   uint64
	Voluntary   uint64
	Involuntary uint64
}

var cswitchHeader = []string{
	"timestamp", "time_str", "comm", "cpu", "switch_in", "switch_out",
	"voluntary", "involuntary",
}

// NewContextSwitch builds the scheduler churn monitor over
// sched:sched_switch.
func NewContextSwitch(deps monitor.Deps) (monitor.Monitor, error) {
	minSwitches := deps.Monitor.MinSwitches

	return newAgg(deps, aggSpec{
		name:     "context_switch",
		statsMap: "cswitch_stats",
		header:   cswitchHeader,
		console:  columnar(14, 25, 16, 4, 10, 11, 10, 12),
		points: func(caps *capability.Report) ([]bpfobj.AttachPoint, error) {
			if !caps.HasTracepoint("sched", "sched_switch") {
				return nil, &bpfobj.AttachError{
					Monitor: "context_switch",
					Point:   "sched:sched_switch",
					Err:     fmt.Errorf("tracepoint not present"),
				}
			}
			return []bpfobj.AttachPoint{
				{Kind: bpfobj.Tracepoint, Group: "sched", Name: "sched_switch", Program: "trace_sched_switch"},
			}, nil
		},
		decode: func(e bpfobj.Entry, tick Tick) ([]string, bool) {
			var key cswitchKey
			var val cswitchValue
			if err := binary.Read(bytes.NewReader(e.Key), binary.LittleEndian, &key); err != nil {
				return nil, false
			}
			if err := binary.Read(bytes.NewReader(e.Value), binary.LittleEndian, &val); err != nil {
				return nil, false
			}
			if minSwitches > 0 && val.SwitchIn+val.SwitchOut < minSwitches {
				return nil, false
			}
			return []string{
				tick.TS, tick.TimeStr,
				comm(key.Comm[:]),
				fmtU64(uint64(key.CPU)),
				fmtU64(val.SwitchIn),
				fmtU64(val.SwitchOut),
				fmtU64(val.Voluntary),
				fmtU64(val.Involuntary),
			}, true
		},
	}), nil
}
