// Package domain holds the core data model shared by every pipeline stage.
// Values are immutable once published downstream.
package domain

import (
	"fmt"
	"sort"
	"time"
)

// JointName identifies one landmark in the pose-extractor skeleton.
type JointName string

// Landmark set produced by the pose extractor. Names follow the extractor's
// vocabulary so serialized skeletons round-trip without a mapping table.
const (
	JointNose          JointName = "nose"
	JointLeftShoulder  JointName = "left_shoulder"
	JointRightShoulder JointName = "right_shoulder"
	JointLeftElbow     JointName = "left_elbow"
	JointRightElbow    JointName = "right_elbow"
	JointLeftWrist     JointName = "left_wrist"
	JointRightWrist    JointName = "right_wrist"
	JointLeftHip       JointName = "left_hip"
	JointRightHip      JointName = "right_hip"
	JointLeftKnee      JointName = "left_knee"
	JointRightKnee     JointName = "right_knee"
	JointLeftAnkle     JointName = "left_ankle"
	JointRightAnkle    JointName = "right_ankle"
)

// Joint is a single 3D landmark with the extractor's visibility score.
type Joint struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

// Point is a raw 3D position in pose-extractor coordinate space.
type Point struct {
	X, Y, Z float64
}

// SkeletonFrame is the pose snapshot for one video frame. Detected is false
// when the extractor found no skeleton; Joints is nil in that case.
type SkeletonFrame struct {
	Index     int
	Timestamp time.Duration
	ImageRef  string
	Joints    map[JointName]Joint
	Detected  bool
}

// Position returns the joint's location as a Point. The boolean reports
// whether the joint is present in this frame.
func (f SkeletonFrame) Position(name JointName) (Point, bool) {
	if !f.Detected {
		return Point{}, false
	}
	j, ok := f.Joints[name]
	if !ok {
		return Point{}, false
	}
	return Point{X: j.X, Y: j.Y, Z: j.Z}, true
}

// SkeletonSequence is the append-only, time-ordered frame record for one
// video. The ingestion loop is its sole writer; everything downstream reads.
type SkeletonSequence struct {
	frames []SkeletonFrame
}

// Append adds a frame. Frames must arrive in timestamp order.
func (s *SkeletonSequence) Append(f SkeletonFrame) error {
	if n := len(s.frames); n > 0 && f.Timestamp < s.frames[n-1].Timestamp {
		return fmt.Errorf("frame %d out of order: %v before %v", f.Index, f.Timestamp, s.frames[n-1].Timestamp)
	}
	s.frames = append(s.frames, f)
	return nil
}

// Len reports the number of appended frames.
func (s *SkeletonSequence) Len() int { return len(s.frames) }

// Frames returns the underlying slice. Callers must not mutate it.
func (s *SkeletonSequence) Frames() []SkeletonFrame { return s.frames }

// Duration is the timestamp of the last frame, i.e. the video duration as
// far as the pipeline observed it.
func (s *SkeletonSequence) Duration() time.Duration {
	if len(s.frames) == 0 {
		return 0
	}
	return s.frames[len(s.frames)-1].Timestamp
}

// Interval estimates the frame spacing as the median inter-frame gap.
// Robust against the occasional dropped frame.
func (s *SkeletonSequence) Interval() time.Duration {
	if len(s.frames) < 2 {
		return 0
	}
	gaps := make([]time.Duration, 0, len(s.frames)-1)
	for i := 1; i < len(s.frames); i++ {
		gaps = append(gaps, s.frames[i].Timestamp-s.frames[i-1].Timestamp)
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	return gaps[len(gaps)/2]
}

// Slice returns the frames whose timestamps fall inside [from, to].
func (s *SkeletonSequence) Slice(from, to time.Duration) []SkeletonFrame {
	lo := sort.Search(len(s.frames), func(i int) bool { return s.frames[i].Timestamp >= from })
	hi := sort.Search(len(s.frames), func(i int) bool { return s.frames[i].Timestamp > to })
	return s.frames[lo:hi]
}
