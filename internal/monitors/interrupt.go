package monitors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/whosneo/ebpf-monitor/internal/bpfobj"
	"github.com/whosneo/ebpf-monitor/internal/capability"
	"github.com/whosneo/ebpf-monitor/internal/monitor"
)

// IRQ type bits. HARDWARE/SOFTWARE carry the source; the specialised
// bits are derived from the softirq vector.
const (
	irqHardware = 1 << iota
	irqSoftware
	irqTimer
	irqNetwork
	irqBlock
)

var irqFlagNames = []struct {
	bit  uint32
	name string
}{
	{irqHardware, "HARDWARE"}, {irqSoftware, "SOFTWARE"},
	{irqTimer, "TIMER"}, {irqNetwork, "NETWORK"}, {irqBlock, "BLOCK"},
}

func irqTypeString(t uint32) string {
	var parts []string
	for _, f := range irqFlagNames {
		if t&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(parts, "|")
}

// irqKey mirrors struct irq_key in bpf/interrupt.bpf.c.
type irqKey struct {
	Comm    [16]byte
	IrqType uint32
	CPU     uint32
}

type irqValue struct {
	Count uint64
}

var irqHeader = []string{
	"timestamp", "time_str", "comm", "irq_type", "irq_type_str", "cpu", "count",
}

// NewInterrupt builds the IRQ monitor over irq:irq_handler_exit and
// irq:softirq_exit.
func NewInterrupt(deps monitor.Deps) (monitor.Monitor, error) {
	return newAgg(deps, aggSpec{
		name:     "interrupt",
		statsMap: "irq_stats",
		header:   irqHeader,
		console:  columnar(14, 25, 16, 9, 17, 4, 8),
		points: func(caps *capability.Report) ([]bpfobj.AttachPoint, error) {
			if !caps.HasTracepoint("irq", "irq_handler_exit") && !caps.HasTracepoint("irq", "softirq_exit") {
				return nil, &bpfobj.AttachError{
					Monitor: "interrupt",
					Point:   "irq:*",
					Err:     fmt.Errorf("no irq tracepoints present"),
				}
			}
			return []bpfobj.AttachPoint{
				{Kind: bpfobj.Tracepoint, Group: "irq", Name: "irq_handler_exit", Program: "trace_irq_handler_exit", Optional: true},
				{Kind: bpfobj.Tracepoint, Group: "irq", Name: "softirq_exit", Program: "trace_softirq_exit", Optional: true},
			}, nil
		},
		decode: func(e bpfobj.Entry, tick Tick) ([]string, bool) {
			var key irqKey
			var val irqValue
			if err := binary.Read(bytes.NewReader(e.Key), binary.LittleEndian, &key); err != nil {
				return nil, false
			}
			if err := binary.Read(bytes.NewReader(e.Value), binary.LittleEndian, &val); err != nil {
				return nil, false
			}
			if deps.Monitor.MinCount > 0 && val.Count < deps.Monitor.MinCount {
				return nil, false
			}
			return []string{
				tick.TS, tick.TimeStr,
				comm(key.Comm[:]),
				fmtU64(uint64(key.IrqType)),
				irqTypeString(key.IrqType),
				fmtU64(uint64(key.CPU)),
				fmtU64(val.Count),
			}, true
		},
	}), nil
}
