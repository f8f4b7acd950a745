package fusion

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"example.com/motionscript/internal/config"
	"example.com/motionscript/internal/domain"
	"example.com/motionscript/internal/observability"
)

// Task is one unit of classification work: a motion event and its keyframe.
type Task struct {
	Event    domain.MotionEvent
	Keyframe *domain.Keyframe
}

// Outcome is the resolved classification for one task. When retries were
// exhausted, Result is the unclassified sentinel and Err holds the final
// error. CoalescedWith names the anchor keyframe when this task shared an
// earlier request's result.
type Outcome struct {
	Task
	Result        domain.ClassificationResult
	Attempts      int
	CoalescedWith string
	Err           error
}

// request is the unit handed to workers: an anchor task plus any tasks
// coalesced onto it before the worker finished.
type request struct {
	seq    int
	anchor Task

	mu        sync.Mutex
	done      bool
	coalesced []Task
}

// attach adds a task to the request unless its result has already been
// published. Returns false when the caller must issue a fresh request.
func (r *request) attach(t Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return false
	}
	r.coalesced = append(r.coalesced, t)
	return true
}

// finish marks the request complete and returns the coalesced snapshot.
func (r *request) finish() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	return r.coalesced
}

type completed struct {
	seq      int
	outcomes []Outcome
}

// Pool runs classification tasks on a bounded worker pool and publishes
// outcomes re-sequenced by submission order (which is keyframe time order).
//
// Usage: Start, Submit for every task in time order, Close, then drain
// Results. Submit and the Results reader may run concurrently; there must
// be exactly one submitter.
type Pool struct {
	cfg        config.FusionConfig
	classifier Classifier
	logger     *log.Logger

	queue    chan *request
	doneCh   chan completed
	results  chan Outcome
	workerWg sync.WaitGroup

	mu      sync.Mutex
	last    *request
	nextSeq int
	started bool
}

// Option configures optional behaviour for the Pool.
type Option func(*Pool)

// WithLogger overrides the logger used to report retries and degradations.
func WithLogger(logger *log.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// NewPool constructs a Pool over the given classifier.
func NewPool(cfg config.FusionConfig, classifier Classifier, opts ...Option) *Pool {
	p := &Pool{
		cfg:        cfg,
		classifier: classifier,
		logger:     log.New(log.Writer(), "[fusion] ", log.LstdFlags),
		queue:      make(chan *request, cfg.QueueSize),
		doneCh:     make(chan completed, cfg.Workers),
		results:    make(chan Outcome, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers and the reordering collector.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.cfg.Workers; i++ {
		p.workerWg.Add(1)
		go p.worker(ctx)
	}
	go p.collect()
}

// Submit enqueues a task, coalescing it onto the previous request when the
// keyframes fall within the configured minimum interval. Blocks while the
// bounded queue is full.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	if p.last != nil && task.Keyframe.Time-p.last.anchor.Keyframe.Time <= p.cfg.CoalesceInterval {
		if p.last.attach(task) {
			p.mu.Unlock()
			observability.RecordCoalescedKeyframe()
			return nil
		}
	}
	req := &request{seq: p.nextSeq, anchor: task}
	p.nextSeq++
	p.last = req
	p.mu.Unlock()

	select {
	case p.queue <- req:
		observability.SetFusionQueueDepth(len(p.queue))
		return nil
	case <-ctx.Done():
		// The collector is still owed this sequence number; publish the
		// cancellation outcome directly so draining terminates.
		p.doneCh <- completed{seq: req.seq, outcomes: []Outcome{{
			Task:   task,
			Result: domain.Unclassified(ctx.Err().Error()),
			Err:    ctx.Err(),
		}}}
		return ctx.Err()
	}
}

// Close signals that no further tasks will be submitted. Safe to call once;
// results must still be drained afterwards.
func (p *Pool) Close() {
	close(p.queue)
	go func() {
		p.workerWg.Wait()
		close(p.doneCh)
	}()
}

// Results yields outcomes strictly in keyframe time order. The channel
// closes once every submitted task has resolved or definitively failed.
func (p *Pool) Results() <-chan Outcome {
	return p.results
}

func (p *Pool) worker(ctx context.Context) {
	defer p.workerWg.Done()
	for req := range p.queue {
		observability.SetFusionQueueDepth(len(p.queue))

		result, attempts, err := p.classify(ctx, req.anchor)
		coalesced := req.finish()

		if err != nil {
			p.logger.Printf("keyframe %s degraded to unclassified after %d attempts: %v",
				req.anchor.Keyframe.ID, attempts, err)
			observability.RecordClassificationFailure()
		}

		outcomes := make([]Outcome, 0, 1+len(coalesced))
		outcomes = append(outcomes, Outcome{
			Task:     req.anchor,
			Result:   result,
			Attempts: attempts,
			Err:      err,
		})
		for _, t := range coalesced {
			outcomes = append(outcomes, Outcome{
				Task:          t,
				Result:        result,
				Attempts:      attempts,
				CoalescedWith: req.anchor.Keyframe.ID,
				Err:           err,
			})
		}
		p.doneCh <- completed{seq: req.seq, outcomes: outcomes}
	}
}

// collect releases outcomes in sequence order. Every sequence number is
// eventually published (success, degradation or cancellation), so the
// buffer always drains.
func (p *Pool) collect() {
	defer close(p.results)
	buffer := make(map[int][]Outcome)
	next := 0
	for c := range p.doneCh {
		buffer[c.seq] = c.outcomes
		for {
			outs, ok := buffer[next]
			if !ok {
				break
			}
			delete(buffer, next)
			for _, o := range outs {
				p.results <- o
			}
			next++
		}
	}
}

// classify runs the external call with per-attempt timeout and exponential
// backoff, degrading to the unclassified sentinel once MaxAttempts is
// exhausted.
func (p *Pool) classify(ctx context.Context, task Task) (domain.ClassificationResult, int, error) {
	var result domain.ClassificationResult
	attempts := 0

	operation := func() error {
		attempts++
		observability.RecordClassificationAttempt()
		if attempts > 1 {
			observability.RecordClassificationRetry()
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()

		res, err := p.classifier.Classify(attemptCtx, task.Keyframe)
		if err != nil {
			return fmt.Errorf("attempt %d: %w", attempts, err)
		}
		result = res
		return nil
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = p.cfg.BaseDelay

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(schedule, uint64(p.cfg.MaxAttempts-1)), ctx))
	if err != nil {
		return domain.Unclassified(err.Error()), attempts, err
	}
	return result, attempts, nil
}
