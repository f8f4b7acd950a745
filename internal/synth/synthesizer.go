package synth

import (
	"fmt"
	"log"
	"time"

	"example.com/motionscript/internal/config"
	"example.com/motionscript/internal/domain"
	"example.com/motionscript/internal/observability"
)

// BoundsError reports a transformed waypoint whose clamp distance exceeded
// the configured tolerance. It names the offending segment and time so the
// operator can locate the motion in the source video.
type BoundsError struct {
	Label    domain.ActionLabel
	Time     time.Duration
	Distance float64
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("workspace bounds exceeded at %.3fs (segment %s): clamp distance %.3fm over tolerance",
		e.Time.Seconds(), e.Label, e.Distance)
}

// Warning records a recoverable synthesis anomaly for the audit trail.
type Warning struct {
	Time    time.Duration      `json:"time_seconds"`
	Label   domain.ActionLabel `json:"label"`
	Message string             `json:"message"`
}

// Synthesizer turns action segments plus the originating skeleton sequence
// into the final robot command list.
type Synthesizer struct {
	cfg    config.SynthesisConfig
	cal    *Calibration
	ws     Workspace
	logger *log.Logger

	warnings []Warning
}

// New builds a Synthesizer. An invalid calibration fails here, before any
// synthesis is attempted.
func New(cfg config.SynthesisConfig) (*Synthesizer, error) {
	cal, err := NewCalibration(cfg.Calibration)
	if err != nil {
		return nil, err
	}
	return NewWithCalibration(cfg, cal), nil
}

// NewWithCalibration builds a Synthesizer around an existing transform.
func NewWithCalibration(cfg config.SynthesisConfig, cal *Calibration) *Synthesizer {
	return &Synthesizer{
		cfg: cfg,
		cal: cal,
		ws: Workspace{
			Min: domain.Pose{X: cfg.WorkspaceMin[0], Y: cfg.WorkspaceMin[1], Z: cfg.WorkspaceMin[2]},
			Max: domain.Pose{X: cfg.WorkspaceMax[0], Y: cfg.WorkspaceMax[1], Z: cfg.WorkspaceMax[2]},
		},
		logger: log.New(log.Writer(), "[synth] ", log.LstdFlags),
	}
}

// Warnings returns the anomalies recorded during the last Synthesize call.
func (s *Synthesizer) Warnings() []Warning { return s.warnings }

// Synthesize emits one or more commands per segment, in strictly increasing
// start-time order. A bounds violation beyond tolerance either aborts the
// whole synthesis or skips the segment, per configuration.
func (s *Synthesizer) Synthesize(segments []domain.ActionSegment, seq *domain.SkeletonSequence) ([]domain.RobotCommand, error) {
	s.warnings = s.warnings[:0]

	var commands []domain.RobotCommand
	for i := range segments {
		seg := &segments[i]
		segCommands, err := s.synthesizeSegment(seg, seq)
		if err != nil {
			if s.cfg.OnBoundsViolation == config.BoundsSkip {
				s.warn(seg.Start, seg.Label, fmt.Sprintf("segment skipped: %v", err))
				continue
			}
			return nil, err
		}
		commands = append(commands, segCommands...)
	}

	for _, cmd := range commands {
		observability.RecordCommandEmitted(string(cmd.Kind))
	}
	return commands, nil
}

func (s *Synthesizer) synthesizeSegment(seg *domain.ActionSegment, seq *domain.SkeletonSequence) ([]domain.RobotCommand, error) {
	tmpl, ok := s.cfg.Templates[string(seg.Label)]
	if !ok {
		s.warn(seg.Start, seg.Label, "no command template for label, holding position")
		return []domain.RobotCommand{waitCommand(seg)}, nil
	}

	switch tmpl.Kind {
	case "wait":
		return []domain.RobotCommand{waitCommand(seg)}, nil
	case "move":
		return s.moveCommands(seg, seq, tmpl)
	case "gripper":
		return s.gripperCommands(seg, seq, tmpl)
	default:
		s.warn(seg.Start, seg.Label, fmt.Sprintf("unknown template kind %q, holding position", tmpl.Kind))
		return []domain.RobotCommand{waitCommand(seg)}, nil
	}
}

// moveCommands samples the reference joint's trajectory across the segment,
// smooths it, transforms every waypoint and emits one move per waypoint.
func (s *Synthesizer) moveCommands(seg *domain.ActionSegment, seq *domain.SkeletonSequence, tmpl config.CommandTemplate) ([]domain.RobotCommand, error) {
	points, times := s.trajectory(seg, seq, domain.JointName(tmpl.Joint))
	if len(points) == 0 {
		s.warn(seg.Start, seg.Label, fmt.Sprintf("no %s trajectory inside segment, holding position", tmpl.Joint))
		return []domain.RobotCommand{waitCommand(seg)}, nil
	}

	points = smooth(points, s.cfg.SmoothingWindow)

	var commands []domain.RobotCommand
	for i := range points {
		target, err := s.transform(points[i], times[i], seg.Label)
		if err != nil {
			return nil, err
		}
		duration := seg.End - times[i]
		if i+1 < len(points) {
			duration = times[i+1] - times[i]
		}
		commands = append(commands, domain.RobotCommand{
			Kind:     domain.CommandMove,
			Start:    times[i],
			Duration: duration,
			Target:   target,
			Segment:  seg,
		})
	}
	return commands, nil
}

// gripperCommands emits a move to the keyframe pose followed by the gripper
// action, splitting the segment between them.
func (s *Synthesizer) gripperCommands(seg *domain.ActionSegment, seq *domain.SkeletonSequence, tmpl config.CommandTemplate) ([]domain.RobotCommand, error) {
	point, ok := s.keyframePoint(seg, domain.JointName(tmpl.Joint))
	if !ok {
		s.warn(seg.Start, seg.Label, fmt.Sprintf("no %s position at keyframe, holding position", tmpl.Joint))
		return []domain.RobotCommand{waitCommand(seg)}, nil
	}

	target, err := s.transform(point, seg.Start, seg.Label)
	if err != nil {
		return nil, err
	}

	half := seg.Duration() / 2
	return []domain.RobotCommand{
		{
			Kind:     domain.CommandMove,
			Start:    seg.Start,
			Duration: half,
			Target:   target,
			Segment:  seg,
		},
		{
			Kind:     domain.CommandGripper,
			Start:    seg.Start + half,
			Duration: seg.Duration() - half,
			Target:   target,
			Action:   tmpl.Action,
			Segment:  seg,
		},
	}, nil
}

// transform maps one extractor-space point to the workspace, applying the
// clamp-and-tolerance safety rule.
func (s *Synthesizer) transform(p domain.Point, at time.Duration, label domain.ActionLabel) (domain.Pose, error) {
	pose := s.cal.Apply(p)
	clamped, dist := s.ws.Clamp(pose)
	if dist == 0 {
		return pose, nil
	}
	if dist > s.cfg.ClampTolerance {
		return domain.Pose{}, &BoundsError{Label: label, Time: at, Distance: dist}
	}
	observability.RecordClampedWaypoint()
	s.warn(at, label, fmt.Sprintf("waypoint clamped by %.3fm into workspace", dist))
	return clamped, nil
}

// trajectory samples the joint's positions over the segment's half-open
// window at the configured stride. The segment end is excluded so boundary
// frames never feed two segments.
func (s *Synthesizer) trajectory(seg *domain.ActionSegment, seq *domain.SkeletonSequence, joint domain.JointName) ([]domain.Point, []time.Duration) {
	stride := s.cfg.SampleStride
	if stride < 1 {
		stride = 1
	}

	var points []domain.Point
	var times []time.Duration
	kept := 0
	var lastTime time.Duration = -1
	for _, f := range seq.Slice(seg.Start, seg.End) {
		if f.Timestamp == seg.End {
			continue
		}
		p, ok := f.Position(joint)
		if !ok {
			continue
		}
		if kept%stride == 0 && f.Timestamp > lastTime {
			points = append(points, p)
			times = append(times, f.Timestamp)
			lastTime = f.Timestamp
		}
		kept++
	}
	return points, times
}

func (s *Synthesizer) keyframePoint(seg *domain.ActionSegment, joint domain.JointName) (domain.Point, bool) {
	for _, kf := range seg.Keyframes {
		if p, ok := kf.Skeleton.Position(joint); ok {
			return p, true
		}
	}
	return domain.Point{}, false
}

func (s *Synthesizer) warn(at time.Duration, label domain.ActionLabel, msg string) {
	s.logger.Printf("%.3fs %s: %s", at.Seconds(), label, msg)
	s.warnings = append(s.warnings, Warning{Time: at, Label: label, Message: msg})
}

func waitCommand(seg *domain.ActionSegment) domain.RobotCommand {
	return domain.RobotCommand{
		Kind:     domain.CommandWait,
		Start:    seg.Start,
		Duration: seg.Duration(),
		Segment:  seg,
	}
}

// smooth applies a centred moving average to reduce extractor jitter.
func smooth(points []domain.Point, window int) []domain.Point {
	if window < 2 || len(points) < 3 {
		return points
	}
	half := window / 2
	out := make([]domain.Point, len(points))
	for i := range points {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half
		if hi >= len(points) {
			hi = len(points) - 1
		}
		var acc domain.Point
		for _, p := range points[lo : hi+1] {
			acc.X += p.X
			acc.Y += p.Y
			acc.Z += p.Z
		}
		n := float64(hi - lo + 1)
		out[i] = domain.Point{X: acc.X / n, Y: acc.Y / n, Z: acc.Z / n}
	}
	return out
}
