package engine_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/cablefit/bleengine/internal/constants"
	"github.com/cablefit/bleengine/internal/diagnostics"
	"github.com/cablefit/bleengine/internal/engine"
	"github.com/cablefit/bleengine/internal/handle"
	"github.com/cablefit/bleengine/internal/monitor"
	"github.com/cablefit/bleengine/internal/opqueue"
	"github.com/prometheus/client_golang/prometheus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakePeripheral never blocks and always returns a minimal well-formed
// monitor packet, so tests exercise lifecycle and invariants without real
// BLE I/O timing.
type fakePeripheral struct{}

func (fakePeripheral) ReadCharacteristic(ctx context.Context, charUUID string) ([]byte, error) {
	return make([]byte, 20), nil
}

func (fakePeripheral) WriteCharacteristic(ctx context.Context, charUUID string, data []byte, withResponse bool) error {
	return nil
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	reg := prometheus.NewRegistry()
	diag := diagnostics.NewCollector(reg)
	processor := monitor.New(func() {}, func(monitor.ROMViolationKind) {})
	detector := handle.New()
	return engine.New(opqueue.New(nil), processor, detector, diag, nil, engine.Callbacks{})
}

// TestStopMonitorOnlyLeavesOthersRunning is (Engine.StopMonitorOnly): the
// monitor task is cancelled while the other three remain active.
func TestStopMonitorOnlyLeavesOthersRunning(t *testing.T) {
	e := newTestEngine(t)
	p := fakePeripheral{}

	e.StartAll(p)
	time.Sleep(10 * time.Millisecond)

	e.StopMonitorOnly()

	if e.IsActive(engine.TaskMonitor) {
		t.Fatal("monitor task still active after StopMonitorOnly")
	}
	if !e.IsActive(engine.TaskDiagnostic) {
		t.Fatal("diagnostic task was stopped by StopMonitorOnly")
	}
	if !e.IsActive(engine.TaskHeuristic) {
		t.Fatal("heuristic task was stopped by StopMonitorOnly")
	}
	if !e.IsActive(engine.TaskHeartbeat) {
		t.Fatal("heartbeat task was stopped by StopMonitorOnly")
	}

	e.StopAll()
}

// TestTimeoutDisconnectFiresAtThreshold is (Engine.TimeoutDisconnect): the
// connection-lost callback fires exactly once, exactly when consecutive
// monitor timeouts reach MaxConsecutiveTimeouts, and the counter resets
// afterward.
func TestTimeoutDisconnectFiresAtThreshold(t *testing.T) {
	reg := prometheus.NewRegistry()
	diag := diagnostics.NewCollector(reg)
	processor := monitor.New(func() {}, func(monitor.ROMViolationKind) {})
	detector := handle.New()

	lostCh := make(chan struct{}, 1)
	e := engine.New(opqueue.New(nil), processor, detector, diag, nil, engine.Callbacks{
		OnConnectionLost: func() { lostCh <- struct{}{} },
	})

	for i := 0; i < constants.MaxConsecutiveTimeouts-1; i++ {
		e.SimulateMonitorTimeout()
		select {
		case <-lostCh:
			t.Fatalf("connection-lost fired early at timeout %d", i+1)
		case <-time.After(10 * time.Millisecond):
		}
	}

	e.SimulateMonitorTimeout()

	select {
	case <-lostCh:
	case <-time.After(time.Second):
		t.Fatal("connection-lost did not fire at threshold")
	}

	if got := e.ConsecutiveTimeouts(); got != 0 {
		t.Fatalf("consecutive timeouts = %d, want 0 after firing", got)
	}
}

// TestTimeoutDisconnectResetsOnSuccess verifies a successful read between
// timeouts resets the run, so the threshold requires a truly consecutive
// run of failures.
func TestTimeoutDisconnectResetsOnSuccess(t *testing.T) {
	e := newTestEngine(t)

	for i := 0; i < constants.MaxConsecutiveTimeouts-1; i++ {
		e.SimulateMonitorTimeout()
	}
	e.SimulateMonitorSuccess()

	if got := e.ConsecutiveTimeouts(); got != 0 {
		t.Fatalf("consecutive timeouts = %d, want 0 after an intervening success", got)
	}
}

// TestRestartAllIsIdempotent is (Engine.RestartAll.Idempotent): calling
// RestartAll twice without an intervening StopAll does not touch the
// diagnostic, heuristic, or heartbeat tasks' identity the second time,
// though monitor is always unconditionally restarted.
func TestRestartAllIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	p := fakePeripheral{}

	e.StartAll(p)
	time.Sleep(10 * time.Millisecond)

	if !e.IsActive(engine.TaskMonitor) || !e.IsActive(engine.TaskDiagnostic) ||
		!e.IsActive(engine.TaskHeuristic) || !e.IsActive(engine.TaskHeartbeat) {
		t.Fatal("not all tasks active after StartAll")
	}

	e.RestartAll(p, false)
	time.Sleep(10 * time.Millisecond)

	if !e.IsActive(engine.TaskMonitor) || !e.IsActive(engine.TaskDiagnostic) ||
		!e.IsActive(engine.TaskHeuristic) || !e.IsActive(engine.TaskHeartbeat) {
		t.Fatal("not all tasks active after RestartAll")
	}

	e.StopAll()

	if e.IsActive(engine.TaskMonitor) || e.IsActive(engine.TaskDiagnostic) ||
		e.IsActive(engine.TaskHeuristic) || e.IsActive(engine.TaskHeartbeat) {
		t.Fatal("tasks still reported active after StopAll")
	}
}

// TestRestartAllSkipsAlreadyRunningTasks exercises the conditional half of
// RestartAll directly via the simulation helper, independent of real timer
// scheduling.
func TestRestartAllSkipsAlreadyRunningTasks(t *testing.T) {
	e := newTestEngine(t)
	p := fakePeripheral{}

	stopDiag := e.SimulateTaskRunning(engine.TaskDiagnostic)
	stopHeur := e.SimulateTaskRunning(engine.TaskHeuristic)
	stopHeart := e.SimulateTaskRunning(engine.TaskHeartbeat)
	defer stopDiag()
	defer stopHeur()
	defer stopHeart()

	e.RestartAll(p, false)
	time.Sleep(10 * time.Millisecond)

	// Monitor must have been started regardless.
	if !e.IsActive(engine.TaskMonitor) {
		t.Fatal("monitor task not started by RestartAll")
	}

	e.StopMonitorOnly()
}

// TestPartialStopThenResumeScenario drives the literal end-to-end
// scenario: start everything, pause only the rep-counting stream, confirm
// diagnostics keep flowing, then resume monitor polling.
func TestPartialStopThenResumeScenario(t *testing.T) {
	e := newTestEngine(t)
	p := fakePeripheral{}

	e.StartAll(p)
	time.Sleep(10 * time.Millisecond)

	e.StopMonitorOnly()
	if e.IsActive(engine.TaskMonitor) {
		t.Fatal("monitor still active after pause")
	}
	if !e.IsActive(engine.TaskDiagnostic) {
		t.Fatal("diagnostic stopped during a monitor-only pause")
	}

	e.StartMonitorPolling(p, false)
	time.Sleep(10 * time.Millisecond)
	if !e.IsActive(engine.TaskMonitor) {
		t.Fatal("monitor did not resume")
	}

	e.StopAll()
}

// TestTimeoutDisconnectScenario drives the timeout-disconnect scenario: a
// run of simulated consecutive timeouts that crosses the threshold exactly
// once.
func TestTimeoutDisconnectScenario(t *testing.T) {
	reg := prometheus.NewRegistry()
	diag := diagnostics.NewCollector(reg)
	processor := monitor.New(func() {}, func(monitor.ROMViolationKind) {})
	detector := handle.New()

	fired := 0
	e := engine.New(opqueue.New(nil), processor, detector, diag, nil, engine.Callbacks{
		OnConnectionLost: func() { fired++ },
	})

	for i := 0; i < constants.MaxConsecutiveTimeouts; i++ {
		e.SimulateMonitorTimeout()
	}

	time.Sleep(20 * time.Millisecond) // OnConnectionLost runs on its own goroutine
	if fired != 1 {
		t.Fatalf("OnConnectionLost fired %d times, want 1", fired)
	}
}
