// Package engine implements the Metric Polling Engine: four independent
// concurrent tasks (monitor, diagnostic, heuristic, heartbeat) that poll a
// connected Peripheral's GATT characteristics through the operation queue
// and feed decoded samples into the Monitor Data Processor and the Handle
// State Detector.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cablefit/bleengine/internal/constants"
	"github.com/cablefit/bleengine/internal/diagnostics"
	"github.com/cablefit/bleengine/internal/handle"
	"github.com/cablefit/bleengine/internal/monitor"
	"github.com/cablefit/bleengine/internal/opqueue"
	"github.com/cablefit/bleengine/internal/protocol"
)

// TaskKind identifies one of the four polling tasks.
type TaskKind int

const (
	TaskMonitor TaskKind = iota
	TaskDiagnostic
	TaskHeuristic
	TaskHeartbeat
)

func (k TaskKind) String() string {
	switch k {
	case TaskMonitor:
		return "monitor"
	case TaskDiagnostic:
		return "diagnostic"
	case TaskHeuristic:
		return "heuristic"
	case TaskHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// taskHandle is the engine's private record of a running task goroutine.
// Touched only by engine control methods under mu (§5).
type taskHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Callbacks groups the engine's outward-facing hooks. Any may be nil.
type Callbacks struct {
	// OnMetric is invoked with each accepted monitor sample. It returns
	// false if the caller's consuming buffer was full, in which case the
	// engine logs a drop warning but keeps polling.
	OnMetric func(monitor.WorkoutMetric) bool

	// OnHeuristicData is invoked with each decoded heuristic packet.
	OnHeuristicData func(*protocol.HeuristicPacket)

	// OnDiagnostic is invoked with each decoded diagnostic packet.
	OnDiagnostic func(*protocol.DiagnosticPacket)

	// OnConnectionLost fires once MaxConsecutiveTimeouts is reached on the
	// monitor task. It runs on its own goroutine so it never blocks (and
	// is never blocked by) the task that raised it.
	OnConnectionLost func()
}

// Engine owns the four polling tasks and the shared processing pipeline
// they feed.
type Engine struct {
	queue     *opqueue.Queue
	processor *monitor.Processor
	detector  *handle.Detector
	diag      *diagnostics.Collector
	logger    *slog.Logger
	callbacks Callbacks

	mu         sync.Mutex
	tasks      map[TaskKind]*taskHandle
	peripheral Peripheral

	// monitorMu is held for the entire lifetime of a running monitor task
	// goroutine. startMonitorPolling never tries it non-blockingly: the
	// new task's goroutine blocks on Lock() until the outgoing task's
	// goroutine (cancelled, and therefore returning from its select loop)
	// releases it. There is deliberately no TryLock shortcut here -- a
	// restart must wait for the old task to actually stop, not skip the
	// work because the old one happened to still be holding the gate.
	monitorMu sync.Mutex

	consecutiveTimeouts atomic.Int32
	lastDiagnostic      atomic.Pointer[protocol.DiagnosticPacket]
}

// New constructs an Engine. logger may be nil, in which case slog.Default
// is used.
func New(queue *opqueue.Queue, processor *monitor.Processor, detector *handle.Detector, diag *diagnostics.Collector, logger *slog.Logger, callbacks Callbacks) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		queue:     queue,
		processor: processor,
		detector:  detector,
		diag:      diag,
		logger:    logger,
		callbacks: callbacks,
		tasks:     make(map[TaskKind]*taskHandle),
	}
}

// startTaskLocked cancels any existing handle for kind, installs a fresh
// one, and returns the new handle plus a derived context. Caller must hold
// e.mu and launch the goroutine after unlocking.
func (e *Engine) startTaskLocked(kind TaskKind) (context.Context, *taskHandle) {
	if existing, ok := e.tasks[kind]; ok {
		existing.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &taskHandle{cancel: cancel, done: make(chan struct{})}
	e.tasks[kind] = h
	return ctx, h
}

func (e *Engine) isActiveLocked(kind TaskKind) bool {
	_, ok := e.tasks[kind]
	return ok
}

// -------------------------------------------------------------------------
// Lifecycle
// -------------------------------------------------------------------------

// StartAll launches all four tasks against peripheral. Any task of the
// same kind already running is cancelled and replaced.
func (e *Engine) StartAll(peripheral Peripheral) {
	e.mu.Lock()
	e.peripheral = peripheral
	e.mu.Unlock()

	e.StartMonitorPolling(peripheral, false)
	e.StartDiagnosticPolling(peripheral)
	e.StartHeuristicPolling(peripheral)
	e.StartHeartbeat(peripheral)
}

// StartMonitorPolling (re)starts the monitor task. forAutoStart, when
// true, arms the Handle State Detector in "just lift waiting" mode for the
// new session and relaxes its grab-velocity threshold.
func (e *Engine) StartMonitorPolling(peripheral Peripheral, forAutoStart bool) {
	e.mu.Lock()
	e.peripheral = peripheral
	ctx, h := e.startTaskLocked(TaskMonitor)
	e.mu.Unlock()

	go e.runMonitorLoop(ctx, peripheral, forAutoStart, h)
}

// StartDiagnosticPolling (re)starts the diagnostic task.
func (e *Engine) StartDiagnosticPolling(peripheral Peripheral) {
	e.mu.Lock()
	ctx, h := e.startTaskLocked(TaskDiagnostic)
	e.mu.Unlock()

	go e.runDiagnosticLoop(ctx, peripheral, h)
}

// StartHeuristicPolling (re)starts the heuristic task.
func (e *Engine) StartHeuristicPolling(peripheral Peripheral) {
	e.mu.Lock()
	ctx, h := e.startTaskLocked(TaskHeuristic)
	e.mu.Unlock()

	go e.runHeuristicLoop(ctx, peripheral, h)
}

// StartHeartbeat (re)starts the heartbeat task.
func (e *Engine) StartHeartbeat(peripheral Peripheral) {
	e.mu.Lock()
	ctx, h := e.startTaskLocked(TaskHeartbeat)
	e.mu.Unlock()

	go e.runHeartbeatLoop(ctx, peripheral, h)
}

// StopAll cancels every running task, clears the borrowed peripheral
// reference, and resets the consecutive-timeout counter. It returns only
// after every cancelled task goroutine has exited (and so released
// monitorMu).
func (e *Engine) StopAll() {
	e.mu.Lock()
	handles := make([]*taskHandle, 0, len(e.tasks))
	for kind, h := range e.tasks {
		h.cancel()
		handles = append(handles, h)
		delete(e.tasks, kind)
	}
	e.peripheral = nil
	e.mu.Unlock()

	e.consecutiveTimeouts.Store(0)
	e.lastDiagnostic.Store(nil)

	for _, h := range handles {
		<-h.done
	}
}

// StopMonitorOnly cancels exactly the monitor task, leaving diagnostic,
// heuristic, and heartbeat running undisturbed. This is the engine's
// highest-priority invariant: a paused workout must not also silence
// telemetry that has nothing to do with rep counting.
func (e *Engine) StopMonitorOnly() {
	e.mu.Lock()
	h, ok := e.tasks[TaskMonitor]
	if ok {
		delete(e.tasks, TaskMonitor)
	}
	e.mu.Unlock()

	if !ok {
		return
	}
	h.cancel()
	<-h.done
}

// RestartDiagnosticAndHeartbeat restarts each of those two tasks that is
// not currently active, leaving monitor and heuristic untouched.
func (e *Engine) RestartDiagnosticAndHeartbeat(peripheral Peripheral) {
	e.mu.Lock()
	needDiagnostic := !e.isActiveLocked(TaskDiagnostic)
	needHeartbeat := !e.isActiveLocked(TaskHeartbeat)
	e.mu.Unlock()

	if needDiagnostic {
		e.StartDiagnosticPolling(peripheral)
	}
	if needHeartbeat {
		e.StartHeartbeat(peripheral)
	}
}

// RestartAll unconditionally restarts the monitor task and conditionally
// restarts diagnostic, heuristic, and heartbeat -- skipping any of the
// three that are already active. Calling RestartAll twice in a row without
// an intervening StopAll is therefore idempotent for those three: the
// second call observes them already running and leaves them alone.
func (e *Engine) RestartAll(peripheral Peripheral, forAutoStart bool) {
	e.mu.Lock()
	needDiagnostic := !e.isActiveLocked(TaskDiagnostic)
	needHeuristic := !e.isActiveLocked(TaskHeuristic)
	needHeartbeat := !e.isActiveLocked(TaskHeartbeat)
	e.mu.Unlock()

	e.StartMonitorPolling(peripheral, forAutoStart)
	if needDiagnostic {
		e.StartDiagnosticPolling(peripheral)
	}
	if needHeuristic {
		e.StartHeuristicPolling(peripheral)
	}
	if needHeartbeat {
		e.StartHeartbeat(peripheral)
	}
}

// IsActive reports whether a task of the given kind currently has a live
// handle. Exposed for diagnostics and tests.
func (e *Engine) IsActive(kind TaskKind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isActiveLocked(kind)
}

// -------------------------------------------------------------------------
// Monitor task
// -------------------------------------------------------------------------

func (e *Engine) runMonitorLoop(ctx context.Context, peripheral Peripheral, forAutoStart bool, h *taskHandle) {
	defer close(h.done)

	e.monitorMu.Lock()
	defer e.monitorMu.Unlock()

	e.diag.SetActiveTasks(TaskMonitor.String(), true)
	defer e.diag.SetActiveTasks(TaskMonitor.String(), false)

	e.processor.ResetForNewSession()
	if forAutoStart {
		e.detector.EnableJustLiftWaiting()
	}
	e.consecutiveTimeouts.Store(0)

	ticker := time.NewTicker(constants.MonitorPollInterval)
	defer ticker.Stop()

	lastPoll := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollMonitorOnce(ctx, peripheral, &lastPoll)
		}
	}
}

func (e *Engine) pollMonitorOnce(ctx context.Context, peripheral Peripheral, lastPoll *time.Time) {
	readCtx, cancel := context.WithTimeout(ctx, constants.MonitorReadTimeout)
	defer cancel()

	data, err := opqueue.WithLock(readCtx, e.queue, func(ctx context.Context) ([]byte, error) {
		return peripheral.ReadCharacteristic(ctx, constants.CharMonitorUUID)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		e.recordMonitorTimeout()
		return
	}
	e.recordMonitorSuccess()

	pkt, ok := protocol.ParseMonitorPacket(data)
	if !ok {
		e.logger.Warn("monitor packet too short to decode", slog.Int("len", len(data)))
		return
	}

	metric, ok := e.processor.Process(pkt)
	if !ok {
		e.diag.RecordRejectedSample(diagnostics.RejectReasonRange)
		return
	}

	e.detector.ProcessMetric(metric)

	if e.callbacks.OnMetric != nil && !e.callbacks.OnMetric(metric) {
		e.logger.Warn("metrics stream buffer full, dropping sample")
	}

	e.diag.RecordPoll(TaskMonitor.String(), time.Since(*lastPoll).Seconds())
	*lastPoll = time.Now()
}

// recordMonitorTimeout is the single entry point for counting a failed
// monitor read, whether it came from a real deadline or a simulated one
// (see SimulateMonitorTimeout). Reaching MaxConsecutiveTimeouts fires
// OnConnectionLost exactly once and resets the counter.
func (e *Engine) recordMonitorTimeout() {
	e.diag.RecordTimeout(TaskMonitor.String())
	n := e.consecutiveTimeouts.Add(1)
	if n >= constants.MaxConsecutiveTimeouts {
		e.consecutiveTimeouts.Store(0)
		if e.callbacks.OnConnectionLost != nil {
			go e.callbacks.OnConnectionLost()
		}
	}
}

func (e *Engine) recordMonitorSuccess() {
	e.consecutiveTimeouts.Store(0)
}

// ConsecutiveTimeouts returns the current run length of back-to-back
// monitor timeouts. Exposed for diagnostics and tests.
func (e *Engine) ConsecutiveTimeouts() int32 {
	return e.consecutiveTimeouts.Load()
}

// -------------------------------------------------------------------------
// Diagnostic task
// -------------------------------------------------------------------------

func (e *Engine) runDiagnosticLoop(ctx context.Context, peripheral Peripheral, h *taskHandle) {
	defer close(h.done)

	e.diag.SetActiveTasks(TaskDiagnostic.String(), true)
	defer e.diag.SetActiveTasks(TaskDiagnostic.String(), false)

	ticker := time.NewTicker(constants.DiagnosticPollInterval)
	defer ticker.Stop()

	lastPoll := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollDiagnosticOnce(ctx, peripheral, &lastPoll)
		}
	}
}

func (e *Engine) pollDiagnosticOnce(ctx context.Context, peripheral Peripheral, lastPoll *time.Time) {
	readCtx, cancel := context.WithTimeout(ctx, constants.MonitorReadTimeout)
	defer cancel()

	data, err := opqueue.WithLock(readCtx, e.queue, func(ctx context.Context) ([]byte, error) {
		return peripheral.ReadCharacteristic(ctx, constants.CharDiagnosticUUID)
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.diag.RecordTimeout(TaskDiagnostic.String())
		}
		return
	}

	pkt, ok := protocol.ParseDiagnosticPacket(data)
	if !ok {
		return
	}

	// Only forward to the caller's callback when the fault codes differ
	// from the last forwarded reading, since diagnostic faults are low-frequency state, not a
	// per-tick stream (§4.5 Diagnostics notes).
	prev := e.lastDiagnostic.Load()
	if prev == nil || prev.Faults != pkt.Faults {
		e.lastDiagnostic.Store(pkt)
		if e.callbacks.OnDiagnostic != nil {
			e.callbacks.OnDiagnostic(pkt)
		}
	}

	e.diag.RecordPoll(TaskDiagnostic.String(), time.Since(*lastPoll).Seconds())
	*lastPoll = time.Now()
}

// -------------------------------------------------------------------------
// Heuristic task
// -------------------------------------------------------------------------

func (e *Engine) runHeuristicLoop(ctx context.Context, peripheral Peripheral, h *taskHandle) {
	defer close(h.done)

	e.diag.SetActiveTasks(TaskHeuristic.String(), true)
	defer e.diag.SetActiveTasks(TaskHeuristic.String(), false)

	ticker := time.NewTicker(constants.HeuristicPollInterval)
	defer ticker.Stop()

	lastPoll := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollHeuristicOnce(ctx, peripheral, &lastPoll)
		}
	}
}

func (e *Engine) pollHeuristicOnce(ctx context.Context, peripheral Peripheral, lastPoll *time.Time) {
	readCtx, cancel := context.WithTimeout(ctx, constants.MonitorReadTimeout)
	defer cancel()

	data, err := opqueue.WithLock(readCtx, e.queue, func(ctx context.Context) ([]byte, error) {
		return peripheral.ReadCharacteristic(ctx, constants.CharHeuristicUUID)
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.diag.RecordTimeout(TaskHeuristic.String())
		}
		return
	}

	pkt, ok := protocol.ParseHeuristicPacket(data, time.Now().UnixMilli())
	if !ok {
		return
	}

	if e.callbacks.OnHeuristicData != nil {
		e.callbacks.OnHeuristicData(pkt)
	}

	e.diag.RecordPoll(TaskHeuristic.String(), time.Since(*lastPoll).Seconds())
	*lastPoll = time.Now()
}

// -------------------------------------------------------------------------
// Heartbeat task
// -------------------------------------------------------------------------

func (e *Engine) runHeartbeatLoop(ctx context.Context, peripheral Peripheral, h *taskHandle) {
	defer close(h.done)

	e.diag.SetActiveTasks(TaskHeartbeat.String(), true)
	defer e.diag.SetActiveTasks(TaskHeartbeat.String(), false)

	ticker := time.NewTicker(constants.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sendHeartbeatOnce(ctx, peripheral)
		}
	}
}

func (e *Engine) sendHeartbeatOnce(ctx context.Context, peripheral Peripheral) {
	writeCtx, cancel := context.WithTimeout(ctx, constants.MonitorReadTimeout)
	defer cancel()

	_, err := opqueue.WithLock(writeCtx, e.queue, func(ctx context.Context) (struct{}, error) {
		// A zero-length write, not an opcode: the heartbeat only needs to
		// keep the link warm, and emitting a real opcode here (INIT in
		// particular) risks the hardware side effects that opcode triggers
		// even when no workout is active (Issue #222). Some hardware
		// variants silently drop writes issued without a response, so the
		// heartbeat always requests one to surface a drop as a timeout
		// instead of going unnoticed.
		return struct{}{}, peripheral.WriteCharacteristic(ctx, constants.CharTXUUID, []byte{}, true)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Debug("heartbeat write failed", slog.String("error", err.Error()))
	}
}

// -------------------------------------------------------------------------
// Test-visible simulation helpers (§9). These bypass real BLE I/O so
// lifecycle and invariant tests can drive the engine deterministically.
// -------------------------------------------------------------------------

// SimulateMonitorTimeout records one monitor read timeout as if a real
// poll had missed its deadline, without touching the peripheral.
func (e *Engine) SimulateMonitorTimeout() {
	e.recordMonitorTimeout()
}

// SimulateMonitorSuccess resets the consecutive-timeout counter as if a
// real poll had just succeeded.
func (e *Engine) SimulateMonitorSuccess() {
	e.recordMonitorSuccess()
}

// SimulateTaskRunning installs a task handle of the given kind without
// starting a goroutine, for tests that only need IsActive/RestartAll
// bookkeeping to observe an already-running task.
func (e *Engine) SimulateTaskRunning(kind TaskKind) (stop func()) {
	e.mu.Lock()
	ctx, h := e.startTaskLocked(kind)
	e.mu.Unlock()

	_ = ctx
	return func() {
		e.mu.Lock()
		if cur, ok := e.tasks[kind]; ok && cur == h {
			delete(e.tasks, kind)
		}
		e.mu.Unlock()
		h.cancel()
		close(h.done)
	}
}
