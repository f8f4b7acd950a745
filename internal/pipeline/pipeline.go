// Package pipeline wires the processing stages together: frame ingestion,
// pose extraction, event detection, classification fusion, timeline
// reconciliation and script synthesis. Stages 1-3 run sequentially in the
// ingestion loop; only the fusion pool is concurrent.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/google/uuid"

	"example.com/motionscript/internal/audit"
	"example.com/motionscript/internal/config"
	"example.com/motionscript/internal/detect"
	"example.com/motionscript/internal/domain"
	"example.com/motionscript/internal/fusion"
	"example.com/motionscript/internal/observability"
	"example.com/motionscript/internal/synth"
	"example.com/motionscript/internal/timeline"
)

var (
	// ErrEndOfVideo is returned by a FrameSource once every frame has been
	// delivered.
	ErrEndOfVideo = errors.New("end of video")
	// ErrFrameUnreadable marks a frame that could not be decoded. The
	// pipeline skips it and continues.
	ErrFrameUnreadable = errors.New("frame unreadable")
	// ErrNoPose is returned by a PoseExtractor when no skeleton was found.
	ErrNoPose = errors.New("no pose detected")
)

// Frame is one decoded video frame reference handed to pose extraction.
type Frame struct {
	Index     int
	Timestamp time.Duration
	ImageRef  string
}

// FrameSource supplies ordered frames. Implementations wrap the video
// decoder, which is outside this module's scope.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// FrameCounter is optionally implemented by sources that know the total
// frame count up front; it enables the progress bar.
type FrameCounter interface {
	FrameCount() int
}

// PoseExtractor maps a frame to its skeleton snapshot. ErrNoPose is the
// expected miss; any other error is treated the same way after logging.
type PoseExtractor interface {
	Extract(ctx context.Context, frame Frame) (domain.SkeletonFrame, error)
}

// Options carries the pipeline's collaborators.
type Options struct {
	Source     FrameSource
	Extractor  PoseExtractor
	Classifier fusion.Classifier

	// ScriptWriter receives the rendered robot program.
	ScriptWriter io.Writer
	// AuditLog receives classification and synthesis records. Optional.
	AuditLog *audit.Log
	// Publisher mirrors audit records to Kafka. Optional.
	Publisher *audit.Publisher

	VideoPath string
	Progress  bool
}

// Summary reports what one run produced.
type Summary struct {
	RunID         string
	VideoPath     string
	Duration      time.Duration
	Frames        int
	SkippedFrames int
	NoPoseFrames  int
	Events        int
	Segments      []domain.ActionSegment
	Commands      int
}

// Pipeline executes one video end to end.
type Pipeline struct {
	cfg    config.Config
	opts   Options
	synth  *synth.Synthesizer
	logger *log.Logger
	runID  string
}

// New validates fatal preconditions (calibration above all) and assembles
// the pipeline.
func New(cfg config.Config, opts Options) (*Pipeline, error) {
	if opts.Source == nil || opts.Extractor == nil || opts.Classifier == nil {
		return nil, errors.New("pipeline requires a source, extractor and classifier")
	}
	synthesizer, err := synth.New(cfg.Synthesis)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:    cfg,
		opts:   opts,
		synth:  synthesizer,
		logger: log.New(log.Writer(), "[pipeline] ", log.LstdFlags),
		runID:  uuid.NewString(),
	}, nil
}

// RunID identifies this pipeline execution across script, audit and archive.
func (p *Pipeline) RunID() string { return p.runID }

// Run processes the whole video and emits the script. Frame-level problems
// are recovered locally; calibration and bounds failures abort with a
// diagnostic error.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: p.runID, VideoPath: p.opts.VideoPath}

	pool := fusion.NewPool(p.cfg.Fusion, p.opts.Classifier)
	pool.Start(ctx)

	// Collector: drains outcomes in keyframe time order, records the audit
	// trail and accumulates timeline entries.
	entriesCh := make(chan []timeline.Entry, 1)
	go func() {
		var entries []timeline.Entry
		for outcome := range pool.Results() {
			p.recordOutcome(ctx, outcome)
			entries = append(entries, timeline.Entry{
				Event:    outcome.Event,
				Result:   outcome.Result,
				Keyframe: outcome.Keyframe,
			})
		}
		entriesCh <- entries
	}()

	seq := &domain.SkeletonSequence{}
	ingestErr := p.ingest(ctx, seq, pool, &summary)

	pool.Close()
	entries := <-entriesCh

	if ingestErr != nil {
		return summary, ingestErr
	}

	summary.Duration = seq.Duration()
	summary.Events = len(entries)

	builder := timeline.NewBuilder(p.cfg.Timeline)
	segments := builder.Build(entries, seq.Duration())
	summary.Segments = segments

	commands, err := p.synth.Synthesize(segments, seq)
	if err != nil {
		return summary, fmt.Errorf("synthesis failed: %w", err)
	}
	for _, w := range p.synth.Warnings() {
		p.auditWarning(ctx, w)
	}
	summary.Commands = len(commands)

	if p.opts.ScriptWriter != nil {
		header := synth.Header{RunID: p.runID, Video: p.opts.VideoPath, Generated: time.Now()}
		if err := synth.WriteScript(p.opts.ScriptWriter, header, commands); err != nil {
			return summary, fmt.Errorf("write script: %w", err)
		}
	}
	return summary, nil
}

// ingest runs stages 1-3: frames through pose extraction into the detector,
// submitting each closed event's keyframe to the fusion pool.
func (p *Pipeline) ingest(ctx context.Context, seq *domain.SkeletonSequence, pool *fusion.Pool, summary *Summary) error {
	detector := detect.New(p.cfg.Detector)

	var bar *pb.ProgressBar
	if counter, ok := p.opts.Source.(FrameCounter); ok && p.opts.Progress {
		bar = pb.StartNew(counter.FrameCount())
		defer bar.Finish()
	}

	for {
		frame, err := p.opts.Source.Next(ctx)
		switch {
		case errors.Is(err, ErrEndOfVideo):
			for _, pair := range detector.Flush() {
				if err := p.submit(ctx, pool, pair); err != nil {
					return err
				}
			}
			return nil
		case errors.Is(err, ErrFrameUnreadable):
			p.logger.Printf("skipping unreadable frame: %v", err)
			observability.RecordFrameSkipped()
			summary.SkippedFrames++
			continue
		case err != nil:
			return fmt.Errorf("frame source: %w", err)
		}

		if bar != nil {
			bar.Increment()
		}

		skeleton, err := p.opts.Extractor.Extract(ctx, frame)
		if err != nil {
			if !errors.Is(err, ErrNoPose) {
				p.logger.Printf("pose extraction failed on frame %d: %v", frame.Index, err)
			}
			observability.RecordNoPose()
			summary.NoPoseFrames++
			skeleton = domain.SkeletonFrame{
				Index:     frame.Index,
				Timestamp: frame.Timestamp,
				ImageRef:  frame.ImageRef,
				Detected:  false,
			}
		}

		if err := seq.Append(skeleton); err != nil {
			return fmt.Errorf("sequence: %w", err)
		}
		observability.RecordFrameProcessed(frame.Timestamp)
		summary.Frames++

		for _, pair := range detector.Push(skeleton) {
			if err := p.submit(ctx, pool, pair); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) submit(ctx context.Context, pool *fusion.Pool, pair detect.Pair) error {
	observability.RecordEventDetected()
	kf := pair.Keyframe
	return pool.Submit(ctx, fusion.Task{Event: pair.Event, Keyframe: &kf})
}

func (p *Pipeline) recordOutcome(ctx context.Context, outcome fusion.Outcome) {
	rec := audit.Record{
		Kind:          audit.KindClassification,
		RunID:         p.runID,
		RecordedAt:    time.Now().UTC(),
		KeyframeID:    outcome.Keyframe.ID,
		EventID:       outcome.Event.ID,
		EventStart:    outcome.Event.Start.Seconds(),
		EventEnd:      outcome.Event.End.Seconds(),
		Label:         outcome.Result.Label,
		Confidence:    outcome.Result.Confidence,
		Description:   outcome.Result.Description,
		Attempts:      outcome.Attempts,
		CoalescedWith: outcome.CoalescedWith,
	}
	if outcome.Err != nil {
		rec.Error = outcome.Err.Error()
	}
	p.emit(ctx, rec)
}

func (p *Pipeline) auditWarning(ctx context.Context, w synth.Warning) {
	p.emit(ctx, audit.Record{
		Kind:       audit.KindSynthWarning,
		RunID:      p.runID,
		RecordedAt: time.Now().UTC(),
		Label:      w.Label,
		EventStart: w.Time.Seconds(),
		Message:    w.Message,
	})
}

// emit writes a record to the configured sinks. Audit failures never stop
// the pipeline; they are logged and dropped.
func (p *Pipeline) emit(ctx context.Context, rec audit.Record) {
	if p.opts.AuditLog != nil {
		if err := p.opts.AuditLog.Append(rec); err != nil {
			p.logger.Printf("audit append failed: %v", err)
		}
	}
	if p.opts.Publisher != nil {
		if err := p.opts.Publisher.Publish(ctx, rec); err != nil {
			p.logger.Printf("audit publish failed: %v", err)
		}
	}
}
