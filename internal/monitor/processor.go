// Package monitor implements the Monitor Data Processor: per-sample
// validation, filtering, derived-velocity computation, status-flag
// dispatch, and construction of WorkoutMetric values from decoded monitor
// packets.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cablefit/bleengine/internal/constants"
	"github.com/cablefit/bleengine/internal/protocol"
)

// ROMViolationKind identifies which side of the calibrated range was
// violated.
type ROMViolationKind int

const (
	ROMOutsideHigh ROMViolationKind = iota
	ROMOutsideLow
)

func (k ROMViolationKind) String() string {
	switch k {
	case ROMOutsideHigh:
		return "OutsideHigh"
	case ROMOutsideLow:
		return "OutsideLow"
	default:
		return "Unknown"
	}
}

// WorkoutMetric is the enriched, validated output of a single monitor
// sample.
type WorkoutMetric struct {
	Timestamp time.Time
	PosA      float64
	PosB      float64
	VelA      float64
	VelB      float64
	LoadA     float64
	LoadB     float64
}

// Option configures a Processor at construction time.
type Option func(*Processor)

// WithLogger injects a structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithStrictValidation enables rejecting a range-violating sample while no
// last-good position exists yet. Once a last-good position exists, a
// range violation falls back to it in either mode.
func WithStrictValidation(strict bool) Option {
	return func(p *Processor) { p.strictValidationEnabled = strict }
}

// OnDeloadOccurred is invoked at most once per DeloadEventDebounceMS.
type OnDeloadOccurred func()

// OnROMViolation is invoked unconditionally per matching sample.
type OnROMViolation func(kind ROMViolationKind)

// Processor holds the per-session mutable state of the Monitor Data
// Processor. Its methods serialize on an internal mutex; the polling
// engine's monitor task is the sole writer (§5).
type Processor struct {
	mu sync.Mutex

	logger                  *slog.Logger
	strictValidationEnabled bool

	hasLastGood bool
	lastPosA    float64
	lastPosB    float64

	hasVelocitySeed bool
	velEMAA         float64
	velEMAB         float64

	lastDeloadAt time.Time

	notificationCount uint64

	minPositionSeen float64
	maxPositionSeen float64
	haveSeenAny     bool

	onDeloadOccurred OnDeloadOccurred
	onROMViolation   OnROMViolation
}

// New constructs a Processor with the given callbacks.
func New(onDeload OnDeloadOccurred, onROM OnROMViolation, opts ...Option) *Processor {
	p := &Processor{
		logger:           slog.Default(),
		onDeloadOccurred: onDeload,
		onROMViolation:   onROM,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NotificationCount returns the monotonically non-decreasing count of
// emitted metrics since the last resetForNewSession.
func (p *Processor) NotificationCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notificationCount
}

// MinMaxPositionSeen returns the diagnostic-only extrema observed across
// both sides since the last reset.
func (p *Processor) MinMaxPositionSeen() (min, max float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minPositionSeen, p.maxPositionSeen
}

// ResetForNewSession clears per-session tracking but preserves the
// last-good positions so a new session following a brief out-of-range blip
// still has a fallback.
func (p *Processor) ResetForNewSession() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.hasVelocitySeed = false
	p.velEMAA = 0
	p.velEMAB = 0
	p.lastDeloadAt = time.Time{}
	p.notificationCount = 0
	p.minPositionSeen = 0
	p.maxPositionSeen = 0
	p.haveSeenAny = false
	// lastPosA/B and hasLastGood are deliberately preserved.
}

// Process runs the full per-sample pipeline and returns the resulting
// WorkoutMetric, or ok=false if the sample was rejected.
func (p *Processor) Process(pkt *protocol.MonitorPacket) (WorkoutMetric, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	posA, posB, ok := p.rangeClamp(pkt)
	if !ok {
		return WorkoutMetric{}, false
	}

	if pkt.LoadA < 0 || pkt.LoadA > constants.MaxWeightKg ||
		pkt.LoadB < 0 || pkt.LoadB > constants.MaxWeightKg {
		return WorkoutMetric{}, false
	}

	if p.jumpFilter(posA, posB) {
		return WorkoutMetric{}, false
	}

	velA, velB := p.updateVelocity(pkt)

	p.dispatchStatus(pkt.Status)

	p.lastPosA, p.lastPosB = posA, posB
	p.hasLastGood = true
	p.trackExtrema(posA, posB)

	p.notificationCount++

	return WorkoutMetric{
		Timestamp: time.Now(),
		PosA:      posA,
		PosB:      posB,
		VelA:      velA,
		VelB:      velB,
		LoadA:     pkt.LoadA,
		LoadB:     pkt.LoadB,
	}, true
}

// rangeClamp implements step 1: pass-through with last-good fallback for
// position range violations; outright rejection for load violations is
// handled by the caller.
func (p *Processor) rangeClamp(pkt *protocol.MonitorPacket) (posA, posB float64, ok bool) {
	posA = pkt.PosA
	posB = pkt.PosB

	if !p.inRange(posA) {
		if p.hasLastGood {
			posA = p.lastPosA
		} else if p.strictValidationEnabled {
			return 0, 0, false
		}
	}
	if !p.inRange(posB) {
		if p.hasLastGood {
			posB = p.lastPosB
		} else if p.strictValidationEnabled {
			return 0, 0, false
		}
	}

	return posA, posB, true
}

func (p *Processor) inRange(pos float64) bool {
	return pos >= constants.MinPosition && pos <= constants.MaxPosition
}

// jumpFilter implements step 2, the Issue #210 regression guard. It always
// updates lastPosA/B to the rejected reading before signalling rejection,
// so a subsequent identical reading (delta == 0) passes.
func (p *Processor) jumpFilter(posA, posB float64) (rejected bool) {
	if !p.hasLastGood {
		return false
	}

	deltaA := posA - p.lastPosA
	deltaB := posB - p.lastPosB
	if deltaA < 0 {
		deltaA = -deltaA
	}
	if deltaB < 0 {
		deltaB = -deltaB
	}

	if deltaA > constants.PositionJumpThreshold || deltaB > constants.PositionJumpThreshold {
		p.lastPosA = posA
		p.lastPosB = posB
		p.hasLastGood = true
		return true
	}
	return false
}

// updateVelocity implements step 3: EMA over firmware velocity, seeded on
// the first sample.
func (p *Processor) updateVelocity(pkt *protocol.MonitorPacket) (velA, velB float64) {
	rawA := float64(pkt.FirmwareVelA) / 10.0
	rawB := float64(pkt.FirmwareVelB) / 10.0

	if !p.hasVelocitySeed {
		p.velEMAA = rawA
		p.velEMAB = rawB
		p.hasVelocitySeed = true
	} else {
		const alpha = constants.VelocityEMAAlpha
		p.velEMAA = alpha*rawA + (1-alpha)*p.velEMAA
		p.velEMAB = alpha*rawB + (1-alpha)*p.velEMAB
	}

	return p.velEMAA, p.velEMAB
}

// dispatchStatus implements step 4: deload debounce and unconditional ROM
// violation callbacks.
func (p *Processor) dispatchStatus(status uint16) {
	if status&constants.StatusDeloadOccurred != 0 {
		now := time.Now()
		if p.lastDeloadAt.IsZero() || now.Sub(p.lastDeloadAt) >= constants.DeloadEventDebounceMS {
			p.lastDeloadAt = now
			if p.onDeloadOccurred != nil {
				p.onDeloadOccurred()
			}
		}
	}

	if status&constants.StatusROMOutsideHigh != 0 && p.onROMViolation != nil {
		p.onROMViolation(ROMOutsideHigh)
	}
	if status&constants.StatusROMOutsideLow != 0 && p.onROMViolation != nil {
		p.onROMViolation(ROMOutsideLow)
	}
}

func (p *Processor) trackExtrema(posA, posB float64) {
	lo, hi := posA, posA
	if posB < lo {
		lo = posB
	}
	if posB > hi {
		hi = posB
	}

	if !p.haveSeenAny {
		p.minPositionSeen = lo
		p.maxPositionSeen = hi
		p.haveSeenAny = true
		return
	}
	if lo < p.minPositionSeen {
		p.minPositionSeen = lo
	}
	if hi > p.maxPositionSeen {
		p.maxPositionSeen = hi
	}
}
