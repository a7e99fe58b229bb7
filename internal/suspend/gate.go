// Package suspend tracks whether the host is suspended or its screen is locked.
//
// A single Gate is constructed at startup and passed to every component that
// acquires proxy targets. Those components call Check before any I/O and fail
// fast with ErrSystemSuspended while the gate is closed.
package suspend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"clusterproxy/pkg/logging"
)

// ErrSystemSuspended is returned by Check while the host is suspended or locked.
// Callers should treat it as retryable once the system resumes.
var ErrSystemSuspended = errors.New("system is suspended/locked")

// PowerEvent is an OS power-management event.
type PowerEvent string

const (
	EventSuspend      PowerEvent = "suspend"
	EventResume       PowerEvent = "resume"
	EventLockScreen   PowerEvent = "lock-screen"
	EventUnlockScreen PowerEvent = "unlock-screen"
)

// ParsePowerEvent validates an event name received from outside the process.
func ParsePowerEvent(s string) (PowerEvent, error) {
	switch e := PowerEvent(s); e {
	case EventSuspend, EventResume, EventLockScreen, EventUnlockScreen:
		return e, nil
	default:
		return "", fmt.Errorf("unknown power event %q", s)
	}
}

// Source emits power events. The channel is closed when the source shuts down.
type Source interface {
	Events() <-chan PowerEvent
}

// Acker is implemented by sources that learn when each event was applied.
// The gate calls Ack once per received event, in order.
type Acker interface {
	Ack()
}

// Gate is the process-wide suspend flag. The zero value is usable and open.
type Gate struct {
	suspended atomic.Bool

	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	onChange []func(suspended bool)
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{}
}

// OnChange registers a callback invoked after every state flip.
func (g *Gate) OnChange(fn func(suspended bool)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onChange = append(g.onChange, fn)
}

// Init starts consuming events from src. Calling Init on an already
// initialized gate returns an error.
func (g *Gate) Init(src Source) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopCh != nil {
		return errors.New("suspend gate already initialized")
	}

	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})
	acker, _ := src.(Acker)
	go g.run(src.Events(), acker, g.stopCh, g.doneCh)
	return nil
}

// Dispose stops consuming events. The gate keeps its last state.
func (g *Gate) Dispose() {
	g.mu.Lock()
	stopCh, doneCh := g.stopCh, g.doneCh
	g.stopCh, g.doneCh = nil, nil
	g.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (g *Gate) run(events <-chan PowerEvent, acker Acker, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.Handle(ev)
			if acker != nil {
				acker.Ack()
			}
		}
	}
}

// Handle applies a single power event.
func (g *Gate) Handle(ev PowerEvent) {
	switch ev {
	case EventSuspend, EventLockScreen:
		g.set(true, ev)
	case EventResume, EventUnlockScreen:
		g.set(false, ev)
	default:
		logging.Warn("SuspendGate", "Ignoring unknown power event %q", ev)
	}
}

func (g *Gate) set(v bool, ev PowerEvent) {
	if g.suspended.Swap(v) == v {
		return
	}
	logging.Info("SuspendGate", "Power event %s, suspended=%t", ev, v)

	g.mu.Lock()
	callbacks := append([]func(bool){}, g.onChange...)
	g.mu.Unlock()
	for _, fn := range callbacks {
		fn(v)
	}
}

// Suspended reports the current state.
func (g *Gate) Suspended() bool {
	return g.suspended.Load()
}

// Check returns ErrSystemSuspended while the gate is closed.
func (g *Gate) Check() error {
	if g.suspended.Load() {
		return ErrSystemSuspended
	}
	return nil
}

// ChannelSource is a Source fed programmatically, for example by the admin
// API that receives power events from the desktop shell.
type ChannelSource struct {
	ch chan PowerEvent

	// sendMu keeps pending in the same order as ch.
	sendMu  sync.Mutex
	mu      sync.Mutex
	pending []chan struct{}
}

// NewChannelSource creates a source with the given buffer size.
func NewChannelSource(buffer int) *ChannelSource {
	return &ChannelSource{ch: make(chan PowerEvent, buffer)}
}

// Events implements Source.
func (s *ChannelSource) Events() <-chan PowerEvent {
	return s.ch
}

// Emit delivers an event without waiting for it to be applied, blocking if
// the buffer is full.
func (s *ChannelSource) Emit(ev PowerEvent) {
	_, _ = s.enqueue(context.Background(), ev)
}

// Deliver sends an event and waits until the consuming gate has applied it.
func (s *ChannelSource) Deliver(ctx context.Context, ev PowerEvent) error {
	applied, err := s.enqueue(ctx, ev)
	if err != nil {
		return err
	}
	select {
	case <-applied:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("power event %s not applied: %w", ev, ctx.Err())
	}
}

// Ack implements Acker.
func (s *ChannelSource) Ack() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return
	}
	close(s.pending[0])
	s.pending = s.pending[1:]
}

func (s *ChannelSource) enqueue(ctx context.Context, ev PowerEvent) (<-chan struct{}, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	applied := make(chan struct{})
	s.mu.Lock()
	s.pending = append(s.pending, applied)
	s.mu.Unlock()

	select {
	case s.ch <- ev:
		return applied, nil
	case <-ctx.Done():
		// Nothing was queued after this entry while sendMu is held.
		s.mu.Lock()
		s.pending = s.pending[:len(s.pending)-1]
		s.mu.Unlock()
		return nil, fmt.Errorf("power event %s not delivered: %w", ev, ctx.Err())
	}
}
