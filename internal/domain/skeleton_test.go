package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func frame(index int, ts time.Duration) SkeletonFrame {
	return SkeletonFrame{
		Index:     index,
		Timestamp: ts,
		Joints: map[JointName]Joint{
			JointNose: {X: 0, Y: 1.6, Z: 0, Visibility: 1},
		},
		Detected: true,
	}
}

func TestSequenceRejectsOutOfOrderFrames(t *testing.T) {
	seq := &SkeletonSequence{}
	require.NoError(t, seq.Append(frame(0, 0)))
	require.NoError(t, seq.Append(frame(1, 100*time.Millisecond)))
	require.Error(t, seq.Append(frame(2, 50*time.Millisecond)))
	require.Equal(t, 2, seq.Len())
}

func TestSequenceIntervalIsMedianGap(t *testing.T) {
	seq := &SkeletonSequence{}
	// Regular 100ms spacing with one dropped frame (200ms gap); the median
	// must stay at 100ms.
	times := []time.Duration{0, 100, 200, 400, 500, 600}
	for i, ms := range times {
		require.NoError(t, seq.Append(frame(i, ms*time.Millisecond)))
	}
	require.Equal(t, 100*time.Millisecond, seq.Interval())
}

func TestSequenceSliceIsInclusive(t *testing.T) {
	seq := &SkeletonSequence{}
	for i := 0; i < 10; i++ {
		require.NoError(t, seq.Append(frame(i, time.Duration(i)*100*time.Millisecond)))
	}

	frames := seq.Slice(200*time.Millisecond, 500*time.Millisecond)
	require.Len(t, frames, 4)
	require.Equal(t, 2, frames[0].Index)
	require.Equal(t, 5, frames[len(frames)-1].Index)
}

func TestPositionOnUndetectedFrame(t *testing.T) {
	f := SkeletonFrame{Index: 3, Detected: false}
	_, ok := f.Position(JointNose)
	require.False(t, ok)
}

func TestUnclassifiedSentinel(t *testing.T) {
	res := Unclassified("retries exhausted")
	require.Equal(t, LabelUnclassified, res.Label)
	require.Equal(t, 0.0, res.Confidence)
	require.Equal(t, "retries exhausted", res.Description)
}
