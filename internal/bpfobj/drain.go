package bpfobj

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"
)

// Entry is one raw key/value pair snapshotted from a stats map.
type Entry struct {
	Key   []byte
	Value []byte
}

// Sweep snapshots and clears a stats map: it iterates every entry,
// copies the raw bytes, then deletes the collected keys. Keys the
// kernel re-inserts during the sweep are preserved for the next tick.
func Sweep(m *ebpf.Map) ([]Entry, error) {
	var (
		entries []Entry
		key     []byte
		value   []byte
	)
	iter := m.Iterate()
	for iter.Next(&key, &value) {
		e := Entry{
			Key:   make([]byte, len(key)),
			Value: make([]byte, len(value)),
		}
		copy(e.Key, key)
		copy(e.Value, value)
		entries = append(entries, e)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	for _, e := range entries {
		if err := m.Delete(e.Key); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return entries, fmt.Errorf("delete: %w", err)
		}
	}
	return entries, nil
}

// PerfPoller reads fixed-size records off a per-CPU perf ring with a
// poll deadline so cancellation is observed between wakeups.
type PerfPoller struct {
	rd       *perf.Reader
	deadline time.Duration
}

// ErrPollTimeout is returned when a poll deadline passes with no data.
var ErrPollTimeout = errors.New("perf poll timeout")

// NewPerfPoller opens a reader over the named perf event array.
func NewPerfPoller(m *ebpf.Map, perCPUPages int, deadline time.Duration) (*PerfPoller, error) {
	if perCPUPages <= 0 {
		perCPUPages = 8
	}
	rd, err := perf.NewReader(m, perCPUPages*os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("perf reader: %w", err)
	}
	return &PerfPoller{rd: rd, deadline: deadline}, nil
}

// Poll reads the next record. It returns ErrPollTimeout when the
// deadline elapses, perf.ErrClosed after Close, and the number of
// kernel-side lost samples alongside any record that carries them.
func (p *PerfPoller) Poll() (sample []byte, lost uint64, err error) {
	p.rd.SetDeadline(time.Now().Add(p.deadline))
	record, err := p.rd.Read()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, 0, ErrPollTimeout
		}
		return nil, 0, err
	}
	return record.RawSample, record.LostSamples, nil
}

// Sweep snapshots and clears the named stats map.
func (o *Object) Sweep(mapName string) ([]Entry, error) {
	m, err := o.Map(mapName)
	if err != nil {
		return nil, err
	}
	return Sweep(m)
}

// Perf opens a poller over the named perf event array.
func (o *Object) Perf(mapName string, perCPUPages int, deadline time.Duration) (*PerfPoller, error) {
	m, err := o.Map(mapName)
	if err != nil {
		return nil, err
	}
	return NewPerfPoller(m, perCPUPages, deadline)
}

// Closed reports whether err means the ring was shut down.
func Closed(err error) bool {
	return errors.Is(err, perf.ErrClosed)
}

// Close shuts the reader; a blocked Poll returns perf.ErrClosed.
func (p *PerfPoller) Close() error {
	return p.rd.Close()
}
