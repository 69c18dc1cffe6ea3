// Package handle implements the Handle State Detector: a four-state
// machine that classifies the user's physical interaction with the cable
// handles from a stream of enriched monitor metrics, with dwell-gated
// transitions, baseline tracking, and a simpler two-flag presence vector.
//
// Unlike a discrete-event FSM, every transition here is a continuously
// evaluated condition (position/velocity relative to a baseline) that must
// hold for an unbroken dwell window before it fires -- any frame that
// breaks the condition resets the dwell clock. The state set and the
// transition conditions are still enumerated exhaustively, in the same
// spirit as a table-driven FSM: State.String() and the per-state transition
// rules in the evaluate* methods are kept in lock-step so a new state or condition cannot be
// silently ignored.
package handle

import (
	"time"

	"github.com/cablefit/bleengine/internal/constants"
	"github.com/cablefit/bleengine/internal/monitor"
)

// State is the four-valued classification of the user's interaction with
// the handles.
type State uint8

const (
	WaitingForRest State = iota
	Released
	Moving
	Grabbed
)

func (s State) String() string {
	switch s {
	case WaitingForRest:
		return "WaitingForRest"
	case Released:
		return "Released"
	case Moving:
		return "Moving"
	case Grabbed:
		return "Grabbed"
	default:
		return "Unknown"
	}
}

// Detection is the simple per-side presence vector, independent of State.
type Detection struct {
	LeftDetected  bool
	RightDetected bool
}

// Detector owns the Handle State Detector's private mutable state. It is
// touched only by the polling engine's monitor task (§5) and is therefore
// not internally synchronized.
type Detector struct {
	enabled   bool
	autoStart bool

	state State

	baselineA, baselineB float64

	// activeA/activeB record which handle(s) participated in the most
	// recent grab; only active handles are considered for the
	// release-dwell condition.
	activeA, activeB bool

	waitingSince time.Time

	// pendingTarget/pendingSince track the dwell window for whichever
	// transition condition is currently being continuously satisfied.
	// pendingValid == false means "no pending transition".
	pendingTarget State
	pendingSince  time.Time
	pendingValid  bool

	minPositionSeen float64
	maxPositionSeen float64
	haveSeenAny     bool
}

// New constructs a Detector in the initial WaitingForRest state, disabled.
func New() *Detector {
	d := &Detector{}
	d.reset()
	return d
}

// Enable arms the detector. If autoStart is true, grab-decisions use the
// relaxed AutoStartVelocityThreshold instead of VelocityThreshold.
func (d *Detector) Enable(autoStart bool) {
	d.reset()
	d.enabled = true
	d.autoStart = autoStart
}

// Disable arms a no-op: ProcessMetric becomes a no-op until re-enabled.
func (d *Detector) Disable() {
	d.reset()
	d.enabled = false
}

// Reset re-zeros the baseline, dwell timers and both state outputs without
// changing the enabled flag.
func (d *Detector) Reset() {
	enabled := d.enabled
	autoStart := d.autoStart
	d.reset()
	d.enabled = enabled
	d.autoStart = autoStart
}

// EnableJustLiftWaiting is a shortcut that resets to WaitingForRest and
// forces auto-start mode.
func (d *Detector) EnableJustLiftWaiting() {
	d.reset()
	d.enabled = true
	d.autoStart = true
}

func (d *Detector) reset() {
	d.enabled = false
	d.autoStart = false
	d.state = WaitingForRest
	d.baselineA = 0
	d.baselineB = 0
	d.activeA = false
	d.activeB = false
	d.waitingSince = time.Time{}
	d.pendingValid = false
	d.minPositionSeen = 0
	d.maxPositionSeen = 0
	d.haveSeenAny = false
}

// State returns the current handle state.
func (d *Detector) State() State {
	return d.state
}

// MinMaxPositionSeen returns diagnostic-only extrema, for logging.
func (d *Detector) MinMaxPositionSeen() (min, max float64) {
	return d.minPositionSeen, d.maxPositionSeen
}

// ProcessMetric consumes one enriched monitor metric. It is a no-op when
// the detector is disabled.
func (d *Detector) ProcessMetric(m monitor.WorkoutMetric) (State, Detection) {
	d.trackExtrema(m.PosA, m.PosB)

	detection := Detection{
		LeftDetected:  absf(m.PosA) > constants.PresenceThreshold,
		RightDetected: absf(m.PosB) > constants.PresenceThreshold,
	}

	if !d.enabled {
		return d.state, detection
	}

	now := m.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	switch d.state {
	case WaitingForRest:
		d.evaluateWaitingForRest(m, now)
	case Released:
		d.evaluateReleased(m, now)
	case Moving:
		d.evaluateMoving(m, now)
	case Grabbed:
		d.evaluateGrabbed(m, now)
	}

	return d.state, detection
}

func (d *Detector) trackExtrema(posA, posB float64) {
	lo, hi := posA, posA
	if posB < lo {
		lo = posB
	}
	if posB > hi {
		hi = posB
	}
	if !d.haveSeenAny {
		d.minPositionSeen, d.maxPositionSeen = lo, hi
		d.haveSeenAny = true
		return
	}
	if lo < d.minPositionSeen {
		d.minPositionSeen = lo
	}
	if hi > d.maxPositionSeen {
		d.maxPositionSeen = hi
	}
}

// -------------------------------------------------------------------------
// Transition conditions, one per source state.
// -------------------------------------------------------------------------

func (d *Detector) evaluateWaitingForRest(m monitor.WorkoutMetric, now time.Time) {
	bothAtRest := absf(m.PosA) < constants.HandleRestThreshold && absf(m.PosB) < constants.HandleRestThreshold

	if bothAtRest {
		if d.holdDwell(Released, now) {
			d.baselineA, d.baselineB = m.PosA, m.PosB
			d.transitionTo(Released)
		}
		return
	}
	d.clearDwell()

	if d.waitingSince.IsZero() {
		d.waitingSince = now
		return
	}
	if now.Sub(d.waitingSince) < constants.WaitingForRestTimeout {
		return
	}

	if absf(m.PosA) < constants.HandleGrabbedThreshold && absf(m.PosB) < constants.HandleGrabbedThreshold {
		d.baselineA, d.baselineB = m.PosA, m.PosB
	} else {
		d.baselineA, d.baselineB = 0, 0
	}
	d.transitionTo(Released)
}

func (d *Detector) evaluateReleased(m monitor.WorkoutMetric, now time.Time) {
	velThreshold := d.velocityThreshold()

	deltaA := m.PosA - d.baselineA
	deltaB := m.PosB - d.baselineB

	grabA := deltaA > constants.GrabDeltaThreshold && absf(m.VelA) > velThreshold
	grabB := deltaB > constants.GrabDeltaThreshold && absf(m.VelB) > velThreshold
	moveA := deltaA > constants.GrabDeltaThreshold
	moveB := deltaB > constants.GrabDeltaThreshold

	switch {
	case grabA || grabB:
		if d.holdDwell(Grabbed, now) {
			d.activeA, d.activeB = moveA, moveB
			d.transitionTo(Grabbed)
		}
	case moveA || moveB:
		if d.holdDwell(Moving, now) {
			d.activeA, d.activeB = moveA, moveB
			d.transitionTo(Moving)
		}
	default:
		d.clearDwell()
	}
}

func (d *Detector) evaluateMoving(m monitor.WorkoutMetric, now time.Time) {
	velThreshold := d.velocityThreshold()

	deltaA := m.PosA - d.baselineA
	deltaB := m.PosB - d.baselineB

	grabA := deltaA > constants.GrabDeltaThreshold && absf(m.VelA) > velThreshold
	grabB := deltaB > constants.GrabDeltaThreshold && absf(m.VelB) > velThreshold

	switch {
	case grabA || grabB:
		if d.holdDwell(Grabbed, now) {
			d.activeA = d.activeA || grabA
			d.activeB = d.activeB || grabB
			d.transitionTo(Grabbed)
		}
	case d.allActiveReleased(deltaA, deltaB):
		if d.holdDwell(Released, now) {
			d.transitionTo(Released)
		}
	default:
		d.clearDwell()
	}
}

func (d *Detector) evaluateGrabbed(m monitor.WorkoutMetric, now time.Time) {
	deltaA := m.PosA - d.baselineA
	deltaB := m.PosB - d.baselineB

	if d.allActiveReleased(deltaA, deltaB) {
		if d.holdDwell(Released, now) {
			d.transitionTo(Released)
		}
	} else {
		d.clearDwell()
	}
}

// allActiveReleased implements the "active handles" release rule: only
// handles that participated in the most recent grab are considered.
func (d *Detector) allActiveReleased(deltaA, deltaB float64) bool {
	if d.activeA && deltaA >= constants.ReleaseDeltaThreshold {
		return false
	}
	if d.activeB && deltaB >= constants.ReleaseDeltaThreshold {
		return false
	}
	// At least one handle must have been active to have a release
	// decision to make; if neither was ever active there is nothing to
	// release from (this only reaches Moving/Grabbed states which always
	// set at least one active flag on entry).
	return d.activeA || d.activeB
}

func (d *Detector) velocityThreshold() float64 {
	if d.autoStart {
		return constants.AutoStartVelocityThreshold
	}
	return constants.VelocityThreshold
}

// holdDwell returns true once the given target condition has been held
// continuously for StateTransitionDwell. Any call with a different target
// than the one currently pending resets the dwell clock (handled by the
// caller via clearDwell before switching targets, and here by detecting a
// target change).
func (d *Detector) holdDwell(target State, now time.Time) bool {
	if !d.pendingValid || d.pendingTarget != target {
		d.pendingValid = true
		d.pendingTarget = target
		d.pendingSince = now
		return false
	}
	return now.Sub(d.pendingSince) >= constants.StateTransitionDwell
}

func (d *Detector) clearDwell() {
	d.pendingValid = false
}

func (d *Detector) transitionTo(target State) {
	d.state = target
	d.clearDwell()
	d.waitingSince = time.Time{}
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
