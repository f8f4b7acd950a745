package domain

import "time"

// TriggerKind records why a motion event boundary exists.
type TriggerKind string

const (
	// TriggerEnergyRise marks an event opened by the energy signal crossing
	// the upper threshold for the configured hysteresis run.
	TriggerEnergyRise TriggerKind = "energy_rise"
	// TriggerClippedStart marks an event whose true beginning precedes the
	// first frame of the video.
	TriggerClippedStart TriggerKind = "clipped_start"
	// TriggerClippedEnd marks an event still open when the video ended.
	TriggerClippedEnd TriggerKind = "clipped_end"
)

// MotionEvent is a detected interval of non-trivial motion.
// Invariant: Start < End; events from one detector never overlap.
type MotionEvent struct {
	ID      string
	Start   time.Duration
	End     time.Duration
	Trigger TriggerKind
}

// Keyframe is the representative sample for one MotionEvent, chosen at the
// peak of the motion-energy signal inside the event window.
type Keyframe struct {
	ID         string
	EventID    string
	Time       time.Duration
	FrameIndex int
	Skeleton   SkeletonFrame
	ImageRef   string
}

// ActionLabel is the semantic class assigned to a motion event.
type ActionLabel string

// Work-action vocabulary recognised by the classifier, plus the two
// synthetic labels the pipeline itself assigns.
const (
	LabelIdle               ActionLabel = "idle"
	LabelUnclassified       ActionLabel = "unclassified"
	LabelConsultSheets      ActionLabel = "consult_sheets"
	LabelTurnSheets         ActionLabel = "turn_sheets"
	LabelTakeScrewdriver    ActionLabel = "take_screwdriver"
	LabelPutDownScrewdriver ActionLabel = "put_down_screwdriver"
	LabelPickingInFront     ActionLabel = "picking_in_front"
	LabelPickingLeft        ActionLabel = "picking_left"
	LabelTakeMeasuringRod   ActionLabel = "take_measuring_rod"
	LabelPutDownMeasuring   ActionLabel = "put_down_measuring_rod"
	LabelTakeSubsystem      ActionLabel = "take_subsystem"
	LabelPutDownSubsystem   ActionLabel = "put_down_subsystem"
	LabelAssembleSystem     ActionLabel = "assemble_system"
	LabelRaiseArm           ActionLabel = "raise_arm"
)

// KnownLabels lists every label the classifier may legitimately return.
var KnownLabels = []ActionLabel{
	LabelConsultSheets, LabelTurnSheets,
	LabelTakeScrewdriver, LabelPutDownScrewdriver,
	LabelPickingInFront, LabelPickingLeft,
	LabelTakeMeasuringRod, LabelPutDownMeasuring,
	LabelTakeSubsystem, LabelPutDownSubsystem,
	LabelAssembleSystem, LabelRaiseArm, LabelIdle,
}

// ClassificationResult is the classifier's verdict for one keyframe.
// A degraded result carries LabelUnclassified and zero confidence.
type ClassificationResult struct {
	Label            ActionLabel          `json:"label"`
	Confidence       float64              `json:"confidence"`
	Description      string               `json:"description"`
	JointAnnotations map[JointName]string `json:"joint_annotations,omitempty"`
}

// Unclassified is the sentinel result used when fusion exhausts its retries.
func Unclassified(reason string) ClassificationResult {
	return ClassificationResult{
		Label:       LabelUnclassified,
		Confidence:  0,
		Description: reason,
	}
}

// ActionSegment is one labeled interval of the reconciled timeline.
// Invariant: segments are ordered, non-overlapping, and collectively cover
// [0, videoDuration].
type ActionSegment struct {
	Start      time.Duration
	End        time.Duration
	Label      ActionLabel
	Confidence float64
	// Keyframes references (not copies) the contributing keyframes for
	// traceability. Empty for synthetic idle segments.
	Keyframes []*Keyframe
}

// Duration is the segment length.
func (s ActionSegment) Duration() time.Duration { return s.End - s.Start }

// CommandKind enumerates the robot instruction types the synthesizer emits.
type CommandKind string

const (
	CommandMove    CommandKind = "move"
	CommandWait    CommandKind = "wait"
	CommandGripper CommandKind = "gripper"
)

// Pose is a target position in robot workspace coordinates (metres).
type Pose struct {
	X, Y, Z float64
}

// RobotCommand is one statement of the output script. Every command traces
// to exactly one ActionSegment via Segment.
type RobotCommand struct {
	Kind     CommandKind
	Start    time.Duration
	Duration time.Duration
	Target   Pose
	// Gripper action for CommandGripper ("open"/"close"), empty otherwise.
	Action  string
	Segment *ActionSegment
}
