package facade

import (
	"sync"

	"github.com/cablefit/bleengine/internal/monitor"
	"github.com/cablefit/bleengine/internal/protocol"
)

// ConnectionState is the facade's connection state machine.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateScanning
	StateConnecting
	StateConnected
	StateError
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateScanning:
		return "Scanning"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateError:
		return "Error"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// StateObservation pairs a connection state with the error that caused it,
// when applicable (only meaningful for StateError).
type StateObservation struct {
	State ConnectionState
	Err   error
}

// stateCell is a single-value, always-readable watch cell: Set overwrites
// the current value and notifies at most one pending watcher per update
// (the metrics/rep/diagnostic streams below use the same shape with a
// different overflow policy).
type stateCell struct {
	mu      sync.RWMutex
	value   StateObservation
	watchCh chan StateObservation
}

func newStateCell(initial ConnectionState) *stateCell {
	return &stateCell{
		value:   StateObservation{State: initial},
		watchCh: make(chan StateObservation, 1),
	}
}

func (c *stateCell) Get() StateObservation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

func (c *stateCell) Set(obs StateObservation) {
	c.mu.Lock()
	c.value = obs
	c.mu.Unlock()

	// Watch-cell semantics: keep only the most recent observation pending.
	select {
	case c.watchCh <- obs:
	default:
		select {
		case <-c.watchCh:
		default:
		}
		select {
		case c.watchCh <- obs:
		default:
		}
	}
}

// Watch returns the channel of state updates. It always carries at most the
// single most recent observation.
func (c *stateCell) Watch() <-chan StateObservation {
	return c.watchCh
}

const (
	metricsBufferSize   = 64
	notificationBufSize = 16
)

// metricsStream implements the high-rate (~20 Hz), drop-oldest metrics
// publication. A full buffer means the consumer is falling behind; the
// oldest queued sample is discarded to make room, and onDropped (if set)
// is invoked on every drop so the caller can log it.
type metricsStream struct {
	ch        chan monitor.WorkoutMetric
	onDropped func()
}

func newMetricsStream() *metricsStream {
	return &metricsStream{ch: make(chan monitor.WorkoutMetric, metricsBufferSize)}
}

func (s *metricsStream) Chan() <-chan monitor.WorkoutMetric { return s.ch }

// Publish returns false (and drops the oldest queued value) when the buffer
// is full, matching the engine callback contract in §4.5/§4.6.
func (s *metricsStream) Publish(m monitor.WorkoutMetric) bool {
	select {
	case s.ch <- m:
		return true
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- m:
		default:
		}
		if s.onDropped != nil {
			s.onDropped()
		}
		return false
	}
}

// repEventStream is the low-rate, no-replay, no-drop rep-counter stream.
// Callers are expected to keep a consumer draining it promptly; Publish
// blocks rather than silently discarding a rep boundary.
type repEventStream struct {
	ch chan *protocol.RepPacket
}

func newRepEventStream() *repEventStream {
	return &repEventStream{ch: make(chan *protocol.RepPacket, notificationBufSize)}
}

func (s *repEventStream) Chan() <-chan *protocol.RepPacket { return s.ch }

func (s *repEventStream) Publish(pkt *protocol.RepPacket) {
	s.ch <- pkt
}

// notificationStream is the shared shape for modeChanges/versionInfo/
// diagnosticEvents: low-rate, notification-driven, drop-with-warning on a
// full buffer via a non-blocking send.
type notificationStream[T any] struct {
	ch     chan T
	onDrop func()
}

func newNotificationStream[T any](onDrop func()) *notificationStream[T] {
	return &notificationStream[T]{ch: make(chan T, notificationBufSize), onDrop: onDrop}
}

func (s *notificationStream[T]) Chan() <-chan T { return s.ch }

func (s *notificationStream[T]) Publish(v T) {
	select {
	case s.ch <- v:
	default:
		if s.onDrop != nil {
			s.onDrop()
		}
	}
}

// heuristicCell is the last-value-only heuristic data stream.
type heuristicCell struct {
	mu    sync.RWMutex
	value *protocol.HeuristicPacket
}

func (c *heuristicCell) Set(pkt *protocol.HeuristicPacket) {
	c.mu.Lock()
	c.value = pkt
	c.mu.Unlock()
}

func (c *heuristicCell) Get() *protocol.HeuristicPacket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}
