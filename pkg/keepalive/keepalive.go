// Package keepalive implements the background scheduler that emits CTAP-HID
// KEEPALIVE status frames while a command is in flight.
//
// Grounded on original_source/security_key.py's send_keepalive/
// start_keepalive/stop_keepalive (a 100 ms cadence thread toggling a status
// byte, stopped before the response is written), translated into a
// goroutine paced by golang.org/x/time/rate the way pkg/presence paces its
// button poll, since both are the same "tick until told to stop" shape.
package keepalive

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Status byte values emitted in a KEEPALIVE frame.
const (
	StatusProcessing byte = 0x01
	StatusTUPNeeded  byte = 0x02
)

// Interval is the keep-alive cadence, per spec.md §4.4.
const Interval = 100 * time.Millisecond

// Writer emits one KEEPALIVE frame carrying status on channel. Implemented
// by the HID dispatcher's framer; kept as an interface here so this package
// has no dependency on the wire codec.
type Writer interface {
	WriteKeepalive(channel uint32, status byte) error
}

// Scheduler runs at most one keep-alive task at a time across the process,
// per spec.md §4.4's single-writer invariant. Callers obtain the shared
// instance via New once at startup.
type Scheduler struct {
	mu       sync.Mutex
	writer   Writer
	active   atomic.Bool
	interval time.Duration
}

// New builds a Scheduler that writes frames through writer.
func New(writer Writer) *Scheduler {
	return &Scheduler{writer: writer, interval: Interval}
}

// Status is swapped by the waiting command to reflect whether it is merely
// processing or blocked on user presence.
type Status struct {
	v atomic.Uint32
}

// NewStatus returns a Status initialized to StatusProcessing.
func NewStatus() *Status {
	s := &Status{}
	s.Set(StatusProcessing)
	return s
}

// Set updates the status the next tick will report.
func (s *Status) Set(status byte) { s.v.Store(uint32(status)) }

// Get reads the current status.
func (s *Status) Get() byte { return byte(s.v.Load()) }

// Start begins ticking KEEPALIVE frames for channel at Interval, reading the
// status to report from status on each tick, until ctx is cancelled or Stop
// is returned and called. It panics if another keep-alive task is already
// active, enforcing the at-most-one-at-a-time invariant; callers must Stop
// the previous task before starting a new one.
func (k *Scheduler) Start(ctx context.Context, channel uint32, status *Status) (stop func()) {
	if !k.active.CompareAndSwap(false, true) {
		panic("keepalive: a scheduler task is already active")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		limiter := rate.NewLimiter(rate.Every(k.interval), 1)
		for {
			if err := limiter.Wait(runCtx); err != nil {
				return
			}
			k.mu.Lock()
			err := k.writer.WriteKeepalive(channel, status.Get())
			k.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
		k.active.Store(false)
	}
}
