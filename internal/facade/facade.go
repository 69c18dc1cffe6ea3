// Package facade implements the Connection Facade: the single boundary
// between the Metric Polling Engine and the rest of the world. It owns the
// peripheral, drives the connection state machine, wires the three
// notification characteristics, and runs the auto-reconnect policy.
package facade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cablefit/bleengine/internal/constants"
	"github.com/cablefit/bleengine/internal/diagnostics"
	"github.com/cablefit/bleengine/internal/engine"
	"github.com/cablefit/bleengine/internal/handle"
	"github.com/cablefit/bleengine/internal/monitor"
	"github.com/cablefit/bleengine/internal/opqueue"
	"github.com/cablefit/bleengine/internal/protocol"
)

// ErrNotConnected is returned by operations that require an active
// peripheral when none is held.
var ErrNotConnected = errors.New("facade: not connected")

// ErrInvalidTransition is returned when a lifecycle method is called from a
// connection state that does not permit it.
var ErrInvalidTransition = errors.New("facade: invalid state transition")

// ExerciseMode selects the workout-command framing (§6).
type ExerciseMode int

const (
	ModeCable ExerciseMode = iota
	ModeBodyweight
)

// WorkoutCommand describes one CONFIG/START sequence.
type WorkoutCommand struct {
	Mode          ExerciseMode
	WarmupReps    int
	ConfigPayload []byte
}

// ModeChange is a decoded MODE-characteristic echo notification.
type ModeChange struct {
	Raw byte
}

// VersionInfo is a decoded VERSION-characteristic notification.
type VersionInfo struct {
	Value string
}

// Facade is the Connection Facade.
type Facade struct {
	scanner Scanner
	central Central
	logger  *slog.Logger

	queue     *opqueue.Queue
	processor *monitor.Processor
	detector  *handle.Detector
	diag      *diagnostics.Collector
	engine    *engine.Engine

	state            *stateCell
	metrics          *metricsStream
	repEvents        *repEventStream
	heuristic        *heuristicCell
	modeChanges      *notificationStream[ModeChange]
	versionInfo      *notificationStream[VersionInfo]
	diagnosticEvents *notificationStream[*protocol.DiagnosticPacket]

	mu            sync.Mutex
	peripheral    ConnectedPeripheral
	workoutActive bool
	lastDevice    DiscoveredDevice
	scanCancel    context.CancelFunc
	subCancel     context.CancelFunc
}

// New constructs a Facade. logger may be nil.
func New(scanner Scanner, central Central, diag *diagnostics.Collector, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}

	f := &Facade{
		scanner:          scanner,
		central:          central,
		logger:           logger,
		diag:             diag,
		queue:            opqueue.New(logger),
		state:            newStateCell(StateDisconnected),
		metrics:          newMetricsStream(),
		repEvents:        newRepEventStream(),
		heuristic:        &heuristicCell{},
	}
	f.metrics.onDropped = func() { f.logger.Warn("metrics stream buffer full, dropping sample") }
	f.modeChanges = newNotificationStream[ModeChange](func() { f.logger.Warn("mode-change stream full, dropping notification") })
	f.versionInfo = newNotificationStream[VersionInfo](func() { f.logger.Warn("version-info stream full, dropping notification") })
	f.diagnosticEvents = newNotificationStream[*protocol.DiagnosticPacket](func() { f.logger.Warn("diagnostic-event stream full, dropping notification") })

	f.processor = monitor.New(f.onDeloadOccurred, f.onROMViolation, monitor.WithLogger(logger))
	f.detector = handle.New()
	f.engine = engine.New(f.queue, f.processor, f.detector, diag, logger, engine.Callbacks{
		OnMetric:        f.metrics.Publish,
		OnHeuristicData: f.heuristic.Set,
		OnDiagnostic:    f.diagnosticEvents.Publish,
		OnConnectionLost: f.onConnectionLost,
	})

	return f
}

// setState publishes a new connection-state observation and mirrors it onto
// the connection-state gauge, so a scrape always reflects the same value a
// ConnectionState() watcher would see.
func (f *Facade) setState(obs StateObservation) {
	f.state.Set(obs)
	if f.diag != nil {
		f.diag.SetConnectionState(int(obs.State))
	}
}

func (f *Facade) onDeloadOccurred() {
	f.logger.Info("deload occurred")
}

func (f *Facade) onROMViolation(kind monitor.ROMViolationKind) {
	f.logger.Info("range of motion violation", slog.String("kind", kind.String()))
}

// -------------------------------------------------------------------------
// Published streams
// -------------------------------------------------------------------------

func (f *Facade) ConnectionState() <-chan StateObservation           { return f.state.Watch() }
func (f *Facade) CurrentConnectionState() StateObservation           { return f.state.Get() }
func (f *Facade) Metrics() <-chan monitor.WorkoutMetric               { return f.metrics.Chan() }
func (f *Facade) RepEvents() <-chan *protocol.RepPacket               { return f.repEvents.Chan() }
func (f *Facade) HeuristicData() *protocol.HeuristicPacket            { return f.heuristic.Get() }
func (f *Facade) ModeChanges() <-chan ModeChange                      { return f.modeChanges.Chan() }
func (f *Facade) VersionInfo() <-chan VersionInfo                     { return f.versionInfo.Chan() }
func (f *Facade) DiagnosticEvents() <-chan *protocol.DiagnosticPacket { return f.diagnosticEvents.Chan() }

// -------------------------------------------------------------------------
// Scanning
// -------------------------------------------------------------------------

// StartScanning transitions Disconnected -> Scanning and streams advertising
// peripherals until ctx is cancelled or StopScanning is called.
func (f *Facade) StartScanning(ctx context.Context) (<-chan DiscoveredDevice, error) {
	f.mu.Lock()
	cur := f.state.Get().State
	if cur != StateDisconnected {
		f.mu.Unlock()
		return nil, fmt.Errorf("start scanning from %s: %w", cur, ErrInvalidTransition)
	}
	scanCtx, cancel := context.WithCancel(ctx)
	f.scanCancel = cancel
	f.mu.Unlock()

	results, err := f.scanner.Scan(scanCtx)
	if err != nil {
		cancel()
		f.setState(StateObservation{State: StateError, Err: err})
		return nil, fmt.Errorf("start scanning: %w", err)
	}

	f.setState(StateObservation{State: StateScanning})
	return results, nil
}

// StopScanning cancels an in-progress scan and returns to Disconnected.
func (f *Facade) StopScanning() {
	f.mu.Lock()
	cancel := f.scanCancel
	f.scanCancel = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if f.state.Get().State == StateScanning {
		f.setState(StateObservation{State: StateDisconnected})
	}
}

// -------------------------------------------------------------------------
// Connect / disconnect
// -------------------------------------------------------------------------

// Connect transitions Scanning|Disconnected|Reconnecting -> Connecting, establishes
// GATT, negotiates MTU, subscribes to the three notification
// characteristics, and on success transitions to Connected and starts the
// polling engine.
func (f *Facade) Connect(ctx context.Context, device DiscoveredDevice) error {
	cur := f.state.Get().State
	if cur != StateScanning && cur != StateDisconnected && cur != StateReconnecting {
		return fmt.Errorf("connect from %s: %w", cur, ErrInvalidTransition)
	}
	f.StopScanning()
	f.setState(StateObservation{State: StateConnecting})

	p, err := f.central.Connect(ctx, device)
	if err != nil {
		f.setState(StateObservation{State: StateError, Err: err})
		return fmt.Errorf("connect: %w", err)
	}

	if _, err := p.NegotiateMTU(ctx, constants.PreferredMTU); err != nil {
		f.logger.Warn("MTU negotiation failed, continuing with default", slog.String("error", err.Error()))
	}

	subCtx, subCancel := context.WithCancel(context.Background())
	if err := f.subscribeNotifications(subCtx, p); err != nil {
		subCancel()
		_ = p.Disconnect(ctx)
		f.setState(StateObservation{State: StateError, Err: err})
		return fmt.Errorf("connect: subscribe notifications: %w", err)
	}

	f.mu.Lock()
	f.peripheral = p
	f.lastDevice = device
	f.subCancel = subCancel
	f.mu.Unlock()

	f.setState(StateObservation{State: StateConnected})
	f.engine.StartAll(p)
	return nil
}

// subscribeNotifications arms the REPS, VERSION, and MODE characteristics
// concurrently with errgroup, failing the whole group on the first setup
// error.
func (f *Facade) subscribeNotifications(ctx context.Context, p ConnectedPeripheral) error {
	var g errgroup.Group

	g.Go(func() error {
		ch, err := p.Subscribe(ctx, constants.CharRepsUUID)
		if err != nil {
			return fmt.Errorf("subscribe reps: %w", err)
		}
		go f.pumpRepNotifications(ctx, ch)
		return nil
	})

	g.Go(func() error {
		ch, err := p.Subscribe(ctx, constants.CharVersionUUID)
		if err != nil {
			return fmt.Errorf("subscribe version: %w", err)
		}
		go f.pumpVersionNotifications(ctx, ch)
		return nil
	})

	g.Go(func() error {
		ch, err := p.Subscribe(ctx, constants.CharModeUUID)
		if err != nil {
			return fmt.Errorf("subscribe mode: %w", err)
		}
		go f.pumpModeNotifications(ctx, ch)
		return nil
	})

	return g.Wait()
}

func (f *Facade) pumpRepNotifications(ctx context.Context, ch <-chan []byte) {
	now := time.Now().UnixMilli()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			pkt, ok := protocol.ParseRepPacket(data, false, now)
			if !ok {
				continue
			}
			f.repEvents.Publish(pkt)
		}
	}
}

func (f *Facade) pumpVersionNotifications(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			f.versionInfo.Publish(VersionInfo{Value: string(data)})
		}
	}
}

func (f *Facade) pumpModeNotifications(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			if len(data) == 0 {
				continue
			}
			f.modeChanges.Publish(ModeChange{Raw: data[0]})
		}
	}
}

// Disconnect cancels polling, cancels notification subscriptions, sends a
// best-effort hardware STOP if a workout was active, tears down GATT, and
// transitions to Disconnected. Idempotent.
func (f *Facade) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	p := f.peripheral
	subCancel := f.subCancel
	workoutActive := f.workoutActive
	f.peripheral = nil
	f.subCancel = nil
	f.workoutActive = false
	f.mu.Unlock()

	if p == nil {
		f.setState(StateObservation{State: StateDisconnected})
		return nil
	}

	f.engine.StopAll()
	if subCancel != nil {
		subCancel()
	}

	if workoutActive {
		_, _ = opqueue.WithLock(ctx, f.queue, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, p.WriteCharacteristic(ctx, constants.CharTXUUID, []byte{constants.OpcodeStop}, true)
		})
	}

	err := p.Disconnect(ctx)
	f.setState(StateObservation{State: StateDisconnected})
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Thin polling wrappers
// -------------------------------------------------------------------------

func (f *Facade) currentPeripheral() (ConnectedPeripheral, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peripheral, f.peripheral != nil
}

// StopMonitorPollingOnly pauses only the rep-counting poll stream.
func (f *Facade) StopMonitorPollingOnly() {
	f.engine.StopMonitorOnly()
}

// RestartMonitorPolling resumes monitor polling against the current
// peripheral.
func (f *Facade) RestartMonitorPolling(forAutoStart bool) error {
	p, ok := f.currentPeripheral()
	if !ok {
		return ErrNotConnected
	}
	f.engine.StartMonitorPolling(p, forAutoStart)
	return nil
}

// RestartDiagnosticPolling resumes diagnostic polling against the current
// peripheral.
func (f *Facade) RestartDiagnosticPolling() error {
	p, ok := f.currentPeripheral()
	if !ok {
		return ErrNotConnected
	}
	f.engine.StartDiagnosticPolling(p)
	return nil
}

// StartActiveWorkoutPolling (re)starts monitor polling in auto-start mode,
// arming the Handle State Detector's just-lift-waiting behaviour for a
// fresh set.
func (f *Facade) StartActiveWorkoutPolling() error {
	return f.RestartMonitorPolling(true)
}

// -------------------------------------------------------------------------
// Workout commands
// -------------------------------------------------------------------------

// SendWorkoutCommand enqueues the canonical CONFIG/START sequence. For
// cable exercises, an INIT opcode precedes CONFIG and the warmup-rep count
// is forced to constants.WarmupRepCountCable regardless of cmd.WarmupReps;
// bodyweight exercises emit no INIT (emitting one historically caused the
// machine to treat the load as cable-based and send a hardware STOP).
// After CONFIG, one diagnostic read is performed to surface any fault the
// CONFIG provoked.
func (f *Facade) SendWorkoutCommand(ctx context.Context, cmd WorkoutCommand) error {
	p, ok := f.currentPeripheral()
	if !ok {
		return ErrNotConnected
	}

	if cmd.Mode == ModeCable {
		if _, err := opqueue.WithLock(ctx, f.queue, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, p.WriteCharacteristic(ctx, constants.CharTXUUID, []byte{constants.OpcodeInit}, true)
		}); err != nil {
			return fmt.Errorf("send workout command: init: %w", err)
		}
	}

	warmup := cmd.WarmupReps
	if cmd.Mode == ModeCable {
		warmup = constants.WarmupRepCountCable
	}
	configPayload := append([]byte{constants.OpcodeConfig, byte(warmup)}, cmd.ConfigPayload...)

	if _, err := opqueue.WithLock(ctx, f.queue, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.WriteCharacteristic(ctx, constants.CharTXUUID, configPayload, true)
	}); err != nil {
		return fmt.Errorf("send workout command: config: %w", err)
	}

	f.runPostConfigDiagnosticCheck(ctx, p)

	if _, err := opqueue.WithLock(ctx, f.queue, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.WriteCharacteristic(ctx, constants.CharTXUUID, []byte{constants.OpcodeStart}, true)
	}); err != nil {
		return fmt.Errorf("send workout command: start: %w", err)
	}

	f.mu.Lock()
	f.workoutActive = true
	f.mu.Unlock()

	return nil
}

func (f *Facade) runPostConfigDiagnosticCheck(ctx context.Context, p ConnectedPeripheral) {
	readCtx, cancel := context.WithTimeout(ctx, constants.MonitorReadTimeout)
	defer cancel()

	data, err := opqueue.WithLock(readCtx, f.queue, func(ctx context.Context) ([]byte, error) {
		return p.ReadCharacteristic(ctx, constants.CharDiagnosticUUID)
	})
	if err != nil {
		f.logger.Debug("post-config diagnostic read failed", slog.String("error", err.Error()))
		return
	}

	pkt, ok := protocol.ParseDiagnosticPacket(data)
	if !ok {
		return
	}
	if pkt.HasFaults {
		f.diagnosticEvents.Publish(pkt)
	}
}

// -------------------------------------------------------------------------
// Auto-reconnect
// -------------------------------------------------------------------------

// onConnectionLost is wired as the engine's OnConnectionLost callback. It
// runs on its own goroutine (per the engine's contract) and drives the
// bounded reconnect sequence against the last-known device.
func (f *Facade) onConnectionLost() {
	f.mu.Lock()
	p := f.peripheral
	device := f.lastDevice
	f.peripheral = nil
	subCancel := f.subCancel
	f.subCancel = nil
	f.mu.Unlock()

	if p == nil {
		return
	}

	if f.diag != nil {
		f.diag.RecordReconnect()
	}

	f.engine.StopAll()
	if subCancel != nil {
		subCancel()
	}
	_ = p.Disconnect(context.Background())

	f.setState(StateObservation{State: StateReconnecting})
	f.attemptReconnect(device)
}

// attemptReconnect retries connect against device a small fixed number of
// times with linear backoff, then gives up and transitions to Error. A
// single known peripheral at a known address does not warrant exponential
// backoff growth the way an unbounded fleet would.
func (f *Facade) attemptReconnect(device DiscoveredDevice) {
	var lastErr error
	for attempt := 1; attempt <= constants.ReconnectMaxAttempts; attempt++ {
		if attempt > 1 {
			// A failed Connect leaves the state at Error, from which Connect
			// refuses to start; return to Reconnecting before each retry.
			f.setState(StateObservation{State: StateReconnecting})
		}
		ctx, cancel := context.WithTimeout(context.Background(), constants.MonitorReadTimeout*4)
		err := f.Connect(ctx, device)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		f.logger.Warn("reconnect attempt failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))

		if attempt < constants.ReconnectMaxAttempts {
			time.Sleep(constants.ReconnectBaseBackoff * time.Duration(attempt))
		}
	}

	f.setState(StateObservation{State: StateError, Err: lastErr})
}
