package handle_test

import (
	"testing"
	"time"

	"github.com/cablefit/bleengine/internal/constants"
	"github.com/cablefit/bleengine/internal/handle"
	"github.com/cablefit/bleengine/internal/monitor"
)

func metric(t time.Time, posA, posB, velA, velB float64) monitor.WorkoutMetric {
	return monitor.WorkoutMetric{Timestamp: t, PosA: posA, PosB: posB, VelA: velA, VelB: velB}
}

// TestDwellFiresExactlyAtDwellDeadline asserts (Detector.Dwell): the
// transition fires at t = t0 + STATE_TRANSITION_DWELL_MS exactly, not
// before.
func TestDwellFiresExactlyAtDwellDeadline(t *testing.T) {
	t.Parallel()

	d := handle.New()
	d.Enable(false)

	base := time.Unix(0, 0)

	// Drive WaitingForRest -> Released by resting both handles.
	d.ProcessMetric(metric(base, 0, 0, 0, 0))
	state, _ := d.ProcessMetric(metric(base.Add(constants.StateTransitionDwell), 0, 0, 0, 0))
	if state != handle.Released {
		t.Fatalf("state = %v, want Released at dwell deadline", state)
	}

	// Now drive Released -> Grabbed: condition held continuously.
	t0 := base.Add(constants.StateTransitionDwell)
	grabMetric := func(ts time.Time) monitor.WorkoutMetric {
		return metric(ts, 50, 0, 100, 0) // delta=50 > GrabDeltaThreshold, vel=100 > VelocityThreshold
	}

	state, _ = d.ProcessMetric(grabMetric(t0))
	if state != handle.Released {
		t.Fatalf("state = %v, want still Released on first grab-condition frame", state)
	}

	beforeDeadline := t0.Add(constants.StateTransitionDwell - time.Millisecond)
	state, _ = d.ProcessMetric(grabMetric(beforeDeadline))
	if state != handle.Released {
		t.Fatalf("state = %v, want still Released one ms before dwell deadline", state)
	}

	atDeadline := t0.Add(constants.StateTransitionDwell)
	state, _ = d.ProcessMetric(grabMetric(atDeadline))
	if state != handle.Grabbed {
		t.Fatalf("state = %v, want Grabbed exactly at dwell deadline", state)
	}
}

// TestDwellResetsOnInterruption: any frame violating the sustained
// condition resets the dwell timer.
func TestDwellResetsOnInterruption(t *testing.T) {
	t.Parallel()

	d := handle.New()
	d.Enable(false)

	base := time.Unix(0, 0)
	d.ProcessMetric(metric(base, 0, 0, 0, 0))
	d.ProcessMetric(metric(base.Add(constants.StateTransitionDwell), 0, 0, 0, 0))

	t0 := base.Add(constants.StateTransitionDwell)
	grab := metric(t0, 50, 0, 100, 0)
	d.ProcessMetric(grab)

	// Interrupt with a frame that doesn't meet the grab condition.
	interrupted := metric(t0.Add(50*time.Millisecond), 0, 0, 0, 0)
	d.ProcessMetric(interrupted)

	// Resume the grab condition; dwell must restart from here, not from t0.
	resumeStart := t0.Add(100 * time.Millisecond)
	d.ProcessMetric(metric(resumeStart, 50, 0, 100, 0))

	notYet := resumeStart.Add(constants.StateTransitionDwell - time.Millisecond)
	state, _ := d.ProcessMetric(metric(notYet, 50, 0, 100, 0))
	if state != handle.Released {
		t.Fatalf("state = %v, want Released (dwell restarted, not yet expired)", state)
	}

	atNewDeadline := resumeStart.Add(constants.StateTransitionDwell)
	state, _ = d.ProcessMetric(metric(atNewDeadline, 50, 0, 100, 0))
	if state != handle.Grabbed {
		t.Fatalf("state = %v, want Grabbed at restarted dwell deadline", state)
	}
}

// TestBaselineRecapturedOnControlMethods covers (Detector.Baseline).
func TestBaselineRecapturedOnControlMethods(t *testing.T) {
	t.Parallel()

	d := handle.New()
	d.Enable(false)

	base := time.Unix(0, 0)
	d.ProcessMetric(metric(base, 0, 0, 0, 0))
	d.ProcessMetric(metric(base.Add(constants.StateTransitionDwell), 0, 0, 0, 0))
	if d.State() != handle.Released {
		t.Fatalf("precondition: expected Released, got %v", d.State())
	}

	// Reset, then recapture the baseline from fresh at-rest frames; the
	// detector must walk WaitingForRest -> Released again.
	d.Reset()
	if d.State() != handle.WaitingForRest {
		t.Fatalf("Reset must return to WaitingForRest, got %v", d.State())
	}

	base2 := base.Add(time.Second)
	d.ProcessMetric(metric(base2, 0, 0, 0, 0))
	d.ProcessMetric(metric(base2.Add(constants.StateTransitionDwell), 0, 0, 0, 0))
	if d.State() != handle.Released {
		t.Fatalf("expected Released after re-baseline cycle, got %v", d.State())
	}
}

func TestWaitingForRestTimeoutCapturesVirtualBaseline(t *testing.T) {
	t.Parallel()

	d := handle.New()
	d.Enable(false)

	base := time.Unix(0, 0)
	// Handles already elevated above HandleGrabbedThreshold at session start.
	high := metric(base, 100, 100, 0, 0)
	d.ProcessMetric(high)

	afterTimeout := base.Add(constants.WaitingForRestTimeout)
	state, _ := d.ProcessMetric(metric(afterTimeout, 100, 100, 0, 0))
	if state != handle.Released {
		t.Fatalf("state = %v, want Released after waiting-for-rest timeout", state)
	}
}

func TestDisabledDetectorIsNoOp(t *testing.T) {
	t.Parallel()

	d := handle.New()
	// Not enabled.
	state, _ := d.ProcessMetric(metric(time.Unix(0, 0), 100, 100, 100, 100))
	if state != handle.WaitingForRest {
		t.Fatalf("state = %v, want WaitingForRest (disabled detector is a no-op)", state)
	}
}

func TestPresenceDetectionIndependentOfState(t *testing.T) {
	t.Parallel()

	d := handle.New()
	_, detection := d.ProcessMetric(metric(time.Unix(0, 0), 100, 10, 0, 0))
	if !detection.LeftDetected {
		t.Error("LeftDetected = false, want true (position above presence threshold)")
	}
	if detection.RightDetected {
		t.Error("RightDetected = true, want false (position below presence threshold)")
	}
}
