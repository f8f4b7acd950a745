package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/motionscript/internal/config"
	"example.com/motionscript/internal/domain"
)

func newBuilder() *Builder {
	return NewBuilder(config.TimelineConfig{MergeGap: 300 * time.Millisecond})
}

func entry(start, end time.Duration, label domain.ActionLabel, confidence float64) Entry {
	return Entry{
		Event:  domain.MotionEvent{ID: "ev", Start: start, End: end, Trigger: domain.TriggerEnergyRise},
		Result: domain.ClassificationResult{Label: label, Confidence: confidence},
		Keyframe: &domain.Keyframe{
			ID:   "kf",
			Time: (start + end) / 2,
		},
	}
}

// requireCovering asserts the core timeline invariant: ordered segments,
// no gaps, no overlaps, spanning exactly [0, duration].
func requireCovering(t *testing.T, segs []domain.ActionSegment, duration time.Duration) {
	t.Helper()
	require.NotEmpty(t, segs)
	require.Equal(t, time.Duration(0), segs[0].Start)
	require.Equal(t, duration, segs[len(segs)-1].End)
	for i, seg := range segs {
		require.Greater(t, seg.End, seg.Start, "segment %d degenerate", i)
		if i > 0 {
			require.Equal(t, segs[i-1].End, seg.Start, "gap or overlap before segment %d", i)
		}
	}
}

func TestBuildStaticRaiseStaticScenario(t *testing.T) {
	duration := 5 * time.Second
	entries := []Entry{
		entry(2*time.Second, 3*time.Second, domain.LabelRaiseArm, 0.9),
	}

	segs := newBuilder().Build(entries, duration)
	requireCovering(t, segs, duration)

	require.Len(t, segs, 3)
	require.Equal(t, domain.LabelIdle, segs[0].Label)
	require.Equal(t, domain.LabelRaiseArm, segs[1].Label)
	require.Equal(t, domain.LabelIdle, segs[2].Label)
	require.Equal(t, 2*time.Second, segs[1].Start)
	require.Equal(t, 3*time.Second, segs[1].End)
	require.Equal(t, 1.0, segs[0].Confidence)
}

func TestBuildKeepsUnclassifiedSegments(t *testing.T) {
	duration := 4 * time.Second
	e := entry(1*time.Second, 2*time.Second, domain.LabelUnclassified, 0)
	segs := newBuilder().Build([]Entry{e}, duration)
	requireCovering(t, segs, duration)

	var found bool
	for _, seg := range segs {
		if seg.Label == domain.LabelUnclassified {
			found = true
			require.Equal(t, 0.0, seg.Confidence)
		}
	}
	require.True(t, found, "unclassified segment must not be dropped")
}

func TestBuildMergesAdjacentSameLabel(t *testing.T) {
	duration := 10 * time.Second
	entries := []Entry{
		entry(1*time.Second, 2*time.Second, domain.LabelAssembleSystem, 0.9),
		// 200ms gap, inside the 300ms tolerance.
		entry(2200*time.Millisecond, 3*time.Second, domain.LabelAssembleSystem, 0.7),
		// 2s gap, beyond tolerance: stays separate.
		entry(5*time.Second, 6*time.Second, domain.LabelAssembleSystem, 0.8),
	}

	segs := newBuilder().Build(entries, duration)
	requireCovering(t, segs, duration)

	var assemble []domain.ActionSegment
	for _, seg := range segs {
		if seg.Label == domain.LabelAssembleSystem {
			assemble = append(assemble, seg)
		}
	}
	require.Len(t, assemble, 2)
	require.Equal(t, 1*time.Second, assemble[0].Start)
	require.Equal(t, 3*time.Second, assemble[0].End)
	require.Equal(t, 0.7, assemble[0].Confidence, "merge takes the minimum confidence")
	require.Len(t, assemble[0].Keyframes, 2, "merged segment keeps both keyframes")
}

func TestMergeIsIdempotent(t *testing.T) {
	b := newBuilder()
	segs := []domain.ActionSegment{
		{Start: 0, End: 1 * time.Second, Label: domain.LabelIdle, Confidence: 1},
		{Start: 1 * time.Second, End: 2 * time.Second, Label: domain.LabelRaiseArm, Confidence: 0.8},
		{Start: 2100 * time.Millisecond, End: 3 * time.Second, Label: domain.LabelRaiseArm, Confidence: 0.6},
		{Start: 4 * time.Second, End: 5 * time.Second, Label: domain.LabelIdle, Confidence: 1},
	}

	once := b.Merge(segs)
	twice := b.Merge(once)
	require.Equal(t, once, twice)
}

func TestBuildResolvesOverlapsByConfidence(t *testing.T) {
	duration := 6 * time.Second
	entries := []Entry{
		entry(1*time.Second, 3*time.Second, domain.LabelPickingInFront, 0.9),
		entry(2*time.Second, 4*time.Second, domain.LabelTakeScrewdriver, 0.4),
	}

	segs := newBuilder().Build(entries, duration)
	requireCovering(t, segs, duration)

	for _, seg := range segs {
		switch seg.Label {
		case domain.LabelPickingInFront:
			// Higher confidence keeps its bounds.
			require.Equal(t, 1*time.Second, seg.Start)
			require.Equal(t, 3*time.Second, seg.End)
		case domain.LabelTakeScrewdriver:
			// Lower confidence is truncated to start after the winner.
			require.Equal(t, 3*time.Second, seg.Start)
			require.Equal(t, 4*time.Second, seg.End)
		}
	}
}

func TestBuildSplitsContainerAroundContainedHigherConfidence(t *testing.T) {
	duration := 6 * time.Second
	entries := []Entry{
		// Low-confidence candidate fully containing a high-confidence one:
		// the container must survive on both sides of the winner.
		entry(1*time.Second, 5*time.Second, domain.LabelAssembleSystem, 0.4),
		entry(2*time.Second, 3*time.Second, domain.LabelTakeScrewdriver, 0.9),
	}

	segs := newBuilder().Build(entries, duration)
	requireCovering(t, segs, duration)

	var assemble, take []domain.ActionSegment
	for _, seg := range segs {
		switch seg.Label {
		case domain.LabelAssembleSystem:
			assemble = append(assemble, seg)
		case domain.LabelTakeScrewdriver:
			take = append(take, seg)
		}
	}

	require.Len(t, take, 1)
	require.Equal(t, 2*time.Second, take[0].Start)
	require.Equal(t, 3*time.Second, take[0].End)

	require.Len(t, assemble, 2, "container keeps both its head and its tail")
	require.Equal(t, 1*time.Second, assemble[0].Start)
	require.Equal(t, 2*time.Second, assemble[0].End)
	require.Equal(t, 3*time.Second, assemble[1].Start)
	require.Equal(t, 5*time.Second, assemble[1].End)
	require.Equal(t, 0.4, assemble[1].Confidence)
}

func TestBuildClampsEventsToVideoBounds(t *testing.T) {
	duration := 3 * time.Second
	entries := []Entry{
		entry(2500*time.Millisecond, 4*time.Second, domain.LabelRaiseArm, 0.9),
	}
	segs := newBuilder().Build(entries, duration)
	requireCovering(t, segs, duration)
	require.Equal(t, duration, segs[len(segs)-1].End)
}

func TestBuildEmptyInputIsAllIdle(t *testing.T) {
	duration := 7 * time.Second
	segs := newBuilder().Build(nil, duration)
	requireCovering(t, segs, duration)
	require.Len(t, segs, 1)
	require.Equal(t, domain.LabelIdle, segs[0].Label)
	require.Equal(t, 1.0, segs[0].Confidence)
}
