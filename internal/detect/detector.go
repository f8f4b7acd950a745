// Package detect turns the per-frame skeleton stream into sparse motion
// events. A hysteresis state machine over a scalar motion-energy signal
// decides boundaries; the peak-energy frame inside each event becomes its
// keyframe.
package detect

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"example.com/motionscript/internal/config"
	"example.com/motionscript/internal/domain"
)

// Pair couples a closed motion event with its representative keyframe.
type Pair struct {
	Event    domain.MotionEvent
	Keyframe domain.Keyframe
}

// topJoints is how many of the fastest joints feed the energy signal.
// A pure mean across the full landmark set dilutes single-limb actions;
// a pure max is brittle against per-joint jitter.
const topJoints = 3

type state int

const (
	stateIdle state = iota
	stateMoving
)

// Detector consumes skeleton frames in timestamp order and emits closed
// events. It keeps only a small sliding window of frames; the full sequence
// stays with its owner.
type Detector struct {
	cfg config.DetectorConfig

	history []domain.SkeletonFrame // detected frames only, last Window+1

	st      state
	riseRun int
	fallRun int

	// Pending rise-run bookkeeping, valid while riseRun > 0.
	riseStart      time.Duration
	riseStartIndex int

	// Open-event bookkeeping, valid while st == stateMoving.
	trigger    domain.TriggerKind
	eventStart time.Duration
	fallStart  time.Duration
	peakEnergy float64
	peakFrame  domain.SkeletonFrame

	// firstEnergy is the index of the first frame with computable energy,
	// -1 until the finite-difference window fills. A rise run starting on
	// that frame means the motion predates the signal.
	firstEnergy int
	lastSeen    time.Duration
}

// New constructs a Detector with the supplied tuning.
func New(cfg config.DetectorConfig) *Detector {
	return &Detector{cfg: cfg, firstEnergy: -1, peakEnergy: math.Inf(-1)}
}

// Push feeds the next frame and returns any events closed by it. Frames
// without a detected skeleton carry unknown energy: they never advance or
// reset the hysteresis runs and are skipped for signal computation.
func (d *Detector) Push(f domain.SkeletonFrame) []Pair {
	d.lastSeen = f.Timestamp
	if !f.Detected {
		return nil
	}
	d.history = append(d.history, f)
	if len(d.history) > d.cfg.Window+1 {
		d.history = d.history[1:]
	}

	energy, ok := d.energy(f)
	if !ok {
		return nil
	}
	if d.firstEnergy < 0 {
		d.firstEnergy = f.Index
	}

	switch d.st {
	case stateIdle:
		return d.stepIdle(f, energy)
	case stateMoving:
		return d.stepMoving(f, energy)
	}
	return nil
}

func (d *Detector) stepIdle(f domain.SkeletonFrame, energy float64) []Pair {
	if energy <= d.cfg.UpperThreshold {
		d.riseRun = 0
		d.peakEnergy = math.Inf(-1)
		return nil
	}

	d.riseRun++
	if d.riseRun == 1 {
		d.riseStart = f.Timestamp
		d.riseStartIndex = f.Index
		d.peakEnergy = math.Inf(-1)
	}
	// The rise run belongs to the event, so its peak counts too. Strict
	// comparison keeps the earliest frame on ties.
	if energy > d.peakEnergy {
		d.peakEnergy = energy
		d.peakFrame = f
	}

	if d.riseRun < d.cfg.Hysteresis {
		return nil
	}

	d.st = stateMoving
	d.eventStart = d.riseStart
	d.trigger = domain.TriggerEnergyRise
	if d.riseStartIndex == d.firstEnergy {
		d.trigger = domain.TriggerClippedStart
	}
	d.riseRun = 0
	d.fallRun = 0
	return nil
}

func (d *Detector) stepMoving(f domain.SkeletonFrame, energy float64) []Pair {
	if energy > d.peakEnergy {
		d.peakEnergy = energy
		d.peakFrame = f
	}

	if energy >= d.cfg.LowerThreshold {
		d.fallRun = 0
		return nil
	}

	d.fallRun++
	if d.fallRun == 1 {
		d.fallStart = f.Timestamp
	}
	if d.fallRun < d.cfg.Hysteresis {
		return nil
	}

	// The event ends where the signal first dropped, not where the
	// hysteresis run completed.
	pair, ok := d.closeEvent(d.fallStart, d.trigger)
	d.st = stateIdle
	d.riseRun = 0
	d.fallRun = 0
	d.peakEnergy = math.Inf(-1)
	if !ok {
		return nil
	}
	return []Pair{pair}
}

// Flush closes any event still open at end of stream, clipped to the last
// seen timestamp. Call exactly once after the final Push.
func (d *Detector) Flush() []Pair {
	if d.st != stateMoving {
		return nil
	}
	d.st = stateIdle
	pair, ok := d.closeEvent(d.lastSeen, domain.TriggerClippedEnd)
	if !ok {
		return nil
	}
	return []Pair{pair}
}

func (d *Detector) closeEvent(end time.Duration, trigger domain.TriggerKind) (Pair, bool) {
	if end <= d.eventStart {
		// Degenerate interval, nothing worth reporting.
		return Pair{}, false
	}
	eventID := uuid.NewString()
	ev := domain.MotionEvent{
		ID:      eventID,
		Start:   d.eventStart,
		End:     end,
		Trigger: trigger,
	}
	kf := domain.Keyframe{
		ID:         uuid.NewString(),
		EventID:    eventID,
		Time:       d.peakFrame.Timestamp,
		FrameIndex: d.peakFrame.Index,
		Skeleton:   d.peakFrame,
		ImageRef:   d.peakFrame.ImageRef,
	}
	return Pair{Event: ev, Keyframe: kf}, true
}

// energy computes the scalar motion energy for the newest frame: per-joint
// speed by finite difference against the oldest frame in the window, then
// the mean of the fastest topJoints joints.
func (d *Detector) energy(cur domain.SkeletonFrame) (float64, bool) {
	if len(d.history) < 2 {
		return 0, false
	}
	ref := d.history[0]
	dt := (cur.Timestamp - ref.Timestamp).Seconds()
	if dt <= 0 {
		return 0, false
	}

	speeds := make([]float64, 0, len(cur.Joints))
	for name, j := range cur.Joints {
		prev, ok := ref.Joints[name]
		if !ok {
			continue
		}
		dx := j.X - prev.X
		dy := j.Y - prev.Y
		dz := j.Z - prev.Z
		speeds = append(speeds, math.Sqrt(dx*dx+dy*dy+dz*dz)/dt)
	}
	if len(speeds) == 0 {
		return 0, false
	}

	sort.Sort(sort.Reverse(sort.Float64Slice(speeds)))
	n := topJoints
	if len(speeds) < n {
		n = len(speeds)
	}
	sum := 0.0
	for _, s := range speeds[:n] {
		sum += s
	}
	return sum / float64(n), true
}
