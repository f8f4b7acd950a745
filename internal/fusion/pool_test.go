package fusion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/motionscript/internal/config"
	"example.com/motionscript/internal/domain"
)

func poolConfig() config.FusionConfig {
	return config.FusionConfig{
		Workers:          2,
		QueueSize:        8,
		RequestTimeout:   time.Second,
		MaxAttempts:      3,
		BaseDelay:        time.Millisecond,
		CoalesceInterval: 200 * time.Millisecond,
	}
}

func task(id string, at time.Duration) Task {
	return Task{
		Event: domain.MotionEvent{
			ID:    "ev-" + id,
			Start: at - 100*time.Millisecond,
			End:   at + 100*time.Millisecond,
		},
		Keyframe: &domain.Keyframe{ID: "kf-" + id, EventID: "ev-" + id, Time: at},
	}
}

// stubClassifier fails the first failures calls, then answers with a fixed
// label. An optional gate blocks calls until released.
type stubClassifier struct {
	mu       sync.Mutex
	calls    int
	failures int
	label    domain.ActionLabel
	gate     chan struct{}
}

func (s *stubClassifier) Classify(ctx context.Context, kf *domain.Keyframe) (domain.ClassificationResult, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return domain.ClassificationResult{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return domain.ClassificationResult{}, errors.New("transient failure")
	}
	return domain.ClassificationResult{Label: s.label, Confidence: 0.9}, nil
}

func (s *stubClassifier) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func drain(t *testing.T, p *Pool) []Outcome {
	t.Helper()
	var out []Outcome
	timeout := time.After(5 * time.Second)
	for {
		select {
		case o, ok := <-p.Results():
			if !ok {
				return out
			}
			out = append(out, o)
		case <-timeout:
			t.Fatal("timed out draining pool results")
		}
	}
}

func TestPoolRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	classifier := &stubClassifier{failures: 1, label: domain.LabelRaiseArm}

	p := NewPool(poolConfig(), classifier)
	p.Start(ctx)
	require.NoError(t, p.Submit(ctx, task("a", time.Second)))
	p.Close()

	outcomes := drain(t, p)
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	require.Equal(t, domain.LabelRaiseArm, outcomes[0].Result.Label)
	require.Equal(t, 2, outcomes[0].Attempts)
}

func TestPoolDegradesToUnclassifiedWhenRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	cfg := poolConfig()
	cfg.MaxAttempts = 2
	classifier := &stubClassifier{failures: 100, label: domain.LabelRaiseArm}

	p := NewPool(cfg, classifier)
	p.Start(ctx)
	require.NoError(t, p.Submit(ctx, task("a", time.Second)))
	p.Close()

	outcomes := drain(t, p)
	require.Len(t, outcomes, 1)
	require.Error(t, outcomes[0].Err)
	require.Equal(t, domain.LabelUnclassified, outcomes[0].Result.Label)
	require.Equal(t, 0.0, outcomes[0].Result.Confidence)
	require.Equal(t, 2, outcomes[0].Attempts, "exactly MaxAttempts calls")
	require.Equal(t, 2, classifier.callCount())
}

func TestPoolDoesNotDegradeBeforeRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	cfg := poolConfig()
	cfg.MaxAttempts = 3
	classifier := &stubClassifier{failures: 2, label: domain.LabelPickingLeft}

	p := NewPool(cfg, classifier)
	p.Start(ctx)
	require.NoError(t, p.Submit(ctx, task("a", time.Second)))
	p.Close()

	outcomes := drain(t, p)
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	require.NotEqual(t, domain.LabelUnclassified, outcomes[0].Result.Label)
}

func TestPoolReordersOutOfOrderCompletions(t *testing.T) {
	ctx := context.Background()

	// The first request stays blocked until the second has completed, so
	// completions arrive out of order and the collector must restore it.
	gateA := make(chan struct{})
	classifier := &orderedClassifier{gates: map[string]chan struct{}{"kf-a": gateA}}

	p := NewPool(poolConfig(), classifier)
	p.Start(ctx)
	require.NoError(t, p.Submit(ctx, task("a", 1*time.Second)))
	require.NoError(t, p.Submit(ctx, task("b", 10*time.Second)))

	go func() {
		classifier.wait("kf-b")
		close(gateA)
	}()
	p.Close()

	outcomes := drain(t, p)
	require.Len(t, outcomes, 2)
	require.Equal(t, "kf-a", outcomes[0].Keyframe.ID)
	require.Equal(t, "kf-b", outcomes[1].Keyframe.ID)
}

// orderedClassifier blocks keyframes that have a gate and records which
// keyframes have finished.
type orderedClassifier struct {
	mu    sync.Mutex
	done  []string
	gates map[string]chan struct{}
}

func (o *orderedClassifier) Classify(ctx context.Context, kf *domain.Keyframe) (domain.ClassificationResult, error) {
	if gate, ok := o.gates[kf.ID]; ok {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.ClassificationResult{}, ctx.Err()
		}
	}
	o.mu.Lock()
	o.done = append(o.done, kf.ID)
	o.mu.Unlock()
	return domain.ClassificationResult{Label: domain.LabelIdle, Confidence: 1}, nil
}

func (o *orderedClassifier) wait(id string) {
	for {
		o.mu.Lock()
		for _, d := range o.done {
			if d == id {
				o.mu.Unlock()
				return
			}
		}
		o.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoolCoalescesCloseKeyframes(t *testing.T) {
	ctx := context.Background()
	cfg := poolConfig()
	cfg.Workers = 1

	gate := make(chan struct{})
	classifier := &stubClassifier{label: domain.LabelAssembleSystem, gate: gate}

	p := NewPool(cfg, classifier)
	p.Start(ctx)

	// Anchor is picked up by the single worker and blocks; the second
	// keyframe lands 100ms after it, inside the 200ms coalesce interval.
	require.NoError(t, p.Submit(ctx, task("a", 1*time.Second)))
	require.NoError(t, p.Submit(ctx, task("b", 1100*time.Millisecond)))
	close(gate)
	p.Close()

	outcomes := drain(t, p)
	require.Len(t, outcomes, 2)
	require.Equal(t, 1, classifier.callCount(), "coalesced keyframe must not issue its own call")

	require.Equal(t, "kf-a", outcomes[0].Keyframe.ID)
	require.Empty(t, outcomes[0].CoalescedWith)
	require.Equal(t, "kf-b", outcomes[1].Keyframe.ID)
	require.Equal(t, "kf-a", outcomes[1].CoalescedWith)
	require.Equal(t, outcomes[0].Result, outcomes[1].Result, "coalesced keyframes share the result")
}

func TestPoolFarApartKeyframesAreNotCoalesced(t *testing.T) {
	ctx := context.Background()
	classifier := &stubClassifier{label: domain.LabelIdle}

	p := NewPool(poolConfig(), classifier)
	p.Start(ctx)
	require.NoError(t, p.Submit(ctx, task("a", 1*time.Second)))
	require.NoError(t, p.Submit(ctx, task("b", 5*time.Second)))
	p.Close()

	outcomes := drain(t, p)
	require.Len(t, outcomes, 2)
	require.Equal(t, 2, classifier.callCount())
}

func TestPoolCancellationReleasesEverything(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gate := make(chan struct{})
	classifier := &stubClassifier{label: domain.LabelIdle, gate: gate}

	cfg := poolConfig()
	cfg.Workers = 1
	cfg.CoalesceInterval = 0

	p := NewPool(cfg, classifier)
	p.Start(ctx)
	require.NoError(t, p.Submit(ctx, task("a", 1*time.Second)))
	require.NoError(t, p.Submit(ctx, task("b", 10*time.Second)))

	cancel()
	p.Close()

	outcomes := drain(t, p)
	require.Len(t, outcomes, 2, "every submitted task must resolve")
	for _, o := range outcomes {
		if o.Err != nil {
			require.Equal(t, domain.LabelUnclassified, o.Result.Label)
		}
	}
}

func TestPoolOutcomeCarriesEvent(t *testing.T) {
	ctx := context.Background()
	classifier := &stubClassifier{label: domain.LabelTurnSheets}

	p := NewPool(poolConfig(), classifier)
	p.Start(ctx)

	want := task("a", 2*time.Second)
	require.NoError(t, p.Submit(ctx, want))
	p.Close()

	outcomes := drain(t, p)
	require.Len(t, outcomes, 1)
	require.Equal(t, want.Event.ID, outcomes[0].Event.ID)
	require.Equal(t, want.Event.Start, outcomes[0].Event.Start)
	require.Equal(t, fmt.Sprintf("kf-%s", "a"), outcomes[0].Keyframe.ID)
}
