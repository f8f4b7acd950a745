package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"example.com/motionscript/internal/domain"
)

// DirSource reads pre-extracted frame images from a directory, ordered by
// filename. The decode step itself lives outside this module; upstream
// tooling dumps one image per frame (frame_000001.jpg, ...).
type DirSource struct {
	frames []string
	fps    float64
	next   int
}

// NewDirSource scans dir for frame images. fps converts frame index into
// the video timestamp.
func NewDirSource(dir string, fps float64) (*DirSource, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("fps must be positive, got %g", fps)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}
	var frames []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			frames = append(frames, filepath.Join(dir, e.Name()))
		}
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frame images in %s", dir)
	}
	sort.Strings(frames)
	return &DirSource{frames: frames, fps: fps}, nil
}

// FrameCount implements FrameCounter for progress reporting.
func (s *DirSource) FrameCount() int { return len(s.frames) }

// Next implements FrameSource.
func (s *DirSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.next >= len(s.frames) {
		return Frame{}, ErrEndOfVideo
	}
	path := s.frames[s.next]
	index := s.next
	s.next++

	if _, err := os.Stat(path); err != nil {
		return Frame{}, fmt.Errorf("%w: %s: %v", ErrFrameUnreadable, path, err)
	}
	return Frame{
		Index:     index,
		Timestamp: time.Duration(float64(index) / s.fps * float64(time.Second)),
		ImageRef:  path,
	}, nil
}

// Close implements FrameSource.
func (s *DirSource) Close() error { return nil }

// SidecarExtractor reads pose snapshots produced by the external pose model
// as sidecar JSON files next to each frame image (frame_000001.pose.json).
// A missing sidecar means the model found no skeleton in that frame.
type SidecarExtractor struct{}

type sidecarPose struct {
	Joints map[domain.JointName]domain.Joint `json:"joints"`
}

// Extract implements PoseExtractor.
func (SidecarExtractor) Extract(ctx context.Context, frame Frame) (domain.SkeletonFrame, error) {
	if err := ctx.Err(); err != nil {
		return domain.SkeletonFrame{}, err
	}

	base := strings.TrimSuffix(frame.ImageRef, filepath.Ext(frame.ImageRef))
	data, err := os.ReadFile(base + ".pose.json")
	if err != nil {
		if os.IsNotExist(err) {
			return domain.SkeletonFrame{}, ErrNoPose
		}
		return domain.SkeletonFrame{}, fmt.Errorf("read pose sidecar: %w", err)
	}

	var pose sidecarPose
	if err := json.Unmarshal(data, &pose); err != nil {
		return domain.SkeletonFrame{}, fmt.Errorf("parse pose sidecar for frame %d: %w", frame.Index, err)
	}
	if len(pose.Joints) == 0 {
		return domain.SkeletonFrame{}, ErrNoPose
	}

	return domain.SkeletonFrame{
		Index:     frame.Index,
		Timestamp: frame.Timestamp,
		ImageRef:  frame.ImageRef,
		Joints:    pose.Joints,
		Detected:  true,
	}, nil
}
