package output

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whosneo/ebpf-monitor/internal/telemetry"
)

// SinkHandle is the handle a monitor uses to submit rows. It owns a
// bounded channel and the drop counter; the writer goroutine on the
// other end owns the file. A handle has exactly one producing monitor.
type SinkHandle struct {
	name     string
	ch       chan []string
	blockFor time.Duration

	written atomic.Uint64
	dropped atomic.Uint64

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// Submit enqueues one encoded row. When the channel is full it blocks
// for up to half the flush interval, then drops the row and counts it.
// Backpressure therefore never stalls a drain loop for long.
func (s *SinkHandle) Submit(cells []string) {
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- cells:
		return
	default:
	}
	t := time.NewTimer(s.blockFor)
	defer t.Stop()
	select {
	case s.ch <- cells:
	case <-t.C:
		s.dropped.Add(1)
		telemetry.RowsDroppedTotal.WithLabelValues(s.name).Inc()
	}
}

// Written returns the number of rows flushed to the CSV file.
func (s *SinkHandle) Written() uint64 { return s.written.Load() }

// Dropped returns the number of rows lost to backpressure.
func (s *SinkHandle) Dropped() uint64 { return s.dropped.Load() }

// Err returns the sink's fatal write error, if any. Drain loops check
// it each tick; a set error is fatal for the monitor but not for the
// process.
func (s *SinkHandle) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *SinkHandle) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Close stops accepting rows, lets the writer drain what is buffered,
// and waits for the file to be flushed and closed.
func (s *SinkHandle) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.ch)
	})
	<-s.done
}

// CloseWithin closes like Close but gives up after d, accepting a
// partial tail. Used by the supervisor when a stop timeout expires.
func (s *SinkHandle) CloseWithin(d time.Duration) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.ch)
	})
	select {
	case <-s.done:
		return nil
	case <-time.After(d):
		return fmt.Errorf("sink %s: writer did not drain within %s", s.name, d)
	}
}
