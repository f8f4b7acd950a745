// Package timeline reconciles per-keyframe classifications into an ordered,
// gap-free, non-overlapping sequence of labeled action segments covering
// the whole video.
package timeline

import (
	"sort"
	"time"

	"example.com/motionscript/internal/config"
	"example.com/motionscript/internal/domain"
)

// Entry pairs a motion event with its resolved classification.
type Entry struct {
	Event    domain.MotionEvent
	Result   domain.ClassificationResult
	Keyframe *domain.Keyframe
}

// Builder turns entries into the covering segment sequence.
type Builder struct {
	mergeGap time.Duration
}

// NewBuilder constructs a Builder with the configured merge tolerance.
func NewBuilder(cfg config.TimelineConfig) *Builder {
	return &Builder{mergeGap: cfg.MergeGap}
}

// Build produces the final timeline: candidates at event bounds, overlap
// resolution, same-label merging, then idle gap fill. The result always
// covers [0, videoDuration] with no gaps or overlaps.
func (b *Builder) Build(entries []Entry, videoDuration time.Duration) []domain.ActionSegment {
	if videoDuration <= 0 {
		return nil
	}

	candidates := b.candidates(entries, videoDuration)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Start != candidates[j].Start {
			return candidates[i].Start < candidates[j].Start
		}
		return candidates[i].End < candidates[j].End
	})

	candidates = resolveOverlaps(candidates)
	candidates = b.Merge(candidates)
	return fillGaps(candidates, videoDuration)
}

// candidates clamps each event to the video bounds and drops degenerate
// intervals.
func (b *Builder) candidates(entries []Entry, videoDuration time.Duration) []domain.ActionSegment {
	out := make([]domain.ActionSegment, 0, len(entries))
	for _, e := range entries {
		start, end := e.Event.Start, e.Event.End
		if start < 0 {
			start = 0
		}
		if end > videoDuration {
			end = videoDuration
		}
		if end <= start {
			continue
		}
		seg := domain.ActionSegment{
			Start:      start,
			End:        end,
			Label:      e.Result.Label,
			Confidence: e.Result.Confidence,
		}
		if e.Keyframe != nil {
			seg.Keyframes = []*domain.Keyframe{e.Keyframe}
		}
		out = append(out, seg)
	}
	return out
}

// resolveOverlaps guards against overlapping candidates: the detector never
// produces them, but a malformed upstream must not corrupt the timeline.
// The higher-confidence segment keeps its bounds; the other is truncated,
// split around it when it fully contains the winner, or dropped if nothing
// remains.
func resolveOverlaps(segs []domain.ActionSegment) []domain.ActionSegment {
	out := make([]domain.ActionSegment, 0, len(segs))
	for _, next := range segs {
		if len(out) == 0 {
			out = append(out, next)
			continue
		}
		cur := &out[len(out)-1]
		if next.Start >= cur.End {
			out = append(out, next)
			continue
		}
		if cur.Confidence >= next.Confidence {
			next.Start = cur.End
			if next.End > next.Start {
				out = append(out, next)
			}
			continue
		}
		loser := *cur
		cur.End = next.Start
		if cur.End <= cur.Start {
			out = out[:len(out)-1]
		}
		out = append(out, next)
		if loser.End > next.End {
			// The loser extended past the winner; keep its remainder. Its
			// keyframes stay with the head so merging never duplicates them.
			out = append(out, domain.ActionSegment{
				Start:      next.End,
				End:        loser.End,
				Label:      loser.Label,
				Confidence: loser.Confidence,
			})
		}
	}
	return out
}

// Merge joins adjacent same-label segments whose gap is within tolerance,
// taking the minimum confidence of the pair. Exported because re-running it
// must be a no-op on already-merged input, which the tests assert.
func (b *Builder) Merge(segs []domain.ActionSegment) []domain.ActionSegment {
	if len(segs) == 0 {
		return segs
	}
	out := make([]domain.ActionSegment, 0, len(segs))
	out = append(out, segs[0])
	for _, next := range segs[1:] {
		cur := &out[len(out)-1]
		if next.Label == cur.Label && next.Start-cur.End <= b.mergeGap {
			cur.End = next.End
			if next.Confidence < cur.Confidence {
				cur.Confidence = next.Confidence
			}
			cur.Keyframes = append(cur.Keyframes, next.Keyframes...)
			continue
		}
		out = append(out, next)
	}
	return out
}

// fillGaps inserts idle segments (confidence 1) over every uncovered
// interval so the timeline spans [0, videoDuration] exactly.
func fillGaps(segs []domain.ActionSegment, videoDuration time.Duration) []domain.ActionSegment {
	out := make([]domain.ActionSegment, 0, 2*len(segs)+1)
	cursor := time.Duration(0)
	for _, seg := range segs {
		if seg.Start > cursor {
			out = append(out, idle(cursor, seg.Start))
		}
		out = append(out, seg)
		cursor = seg.End
	}
	if cursor < videoDuration {
		out = append(out, idle(cursor, videoDuration))
	}
	return out
}

func idle(start, end time.Duration) domain.ActionSegment {
	return domain.ActionSegment{
		Start:      start,
		End:        end,
		Label:      domain.LabelIdle,
		Confidence: 1.0,
	}
}
