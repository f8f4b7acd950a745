// Package observability registers and updates the pipeline's Prometheus
// metrics. Components call the Record helpers; the CLI serves the registry.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	framesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "motionscript",
		Subsystem: "pipeline",
		Name:      "frames_processed_total",
		Help:      "Frames decoded and fed through pose extraction.",
	})
	framesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "motionscript",
		Subsystem: "pipeline",
		Name:      "frames_skipped_total",
		Help:      "Frames skipped because they could not be decoded.",
	})
	framesNoPose = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "motionscript",
		Subsystem: "pipeline",
		Name:      "frames_no_pose_total",
		Help:      "Frames where the pose extractor found no skeleton.",
	})
	lastFrameGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "motionscript",
		Subsystem: "pipeline",
		Name:      "last_frame_timestamp_seconds",
		Help:      "Video timestamp of the most recently processed frame.",
	})

	eventsDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "motionscript",
		Subsystem: "detect",
		Name:      "events_total",
		Help:      "Motion events closed by the detector.",
	})

	classificationAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "motionscript",
		Subsystem: "fusion",
		Name:      "classification_attempts_total",
		Help:      "Calls issued to the external classifier, including retries.",
	})
	classificationRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "motionscript",
		Subsystem: "fusion",
		Name:      "classification_retries_total",
		Help:      "Classifier calls that were retries of a failed attempt.",
	})
	classificationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "motionscript",
		Subsystem: "fusion",
		Name:      "classification_failures_total",
		Help:      "Keyframes degraded to unclassified after exhausting retries.",
	})
	coalescedKeyframes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "motionscript",
		Subsystem: "fusion",
		Name:      "coalesced_keyframes_total",
		Help:      "Keyframes merged onto an earlier request instead of issued.",
	})
	fusionQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "motionscript",
		Subsystem: "fusion",
		Name:      "queue_depth",
		Help:      "Requests waiting in the bounded classification queue.",
	})

	commandsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "motionscript",
		Subsystem: "synth",
		Name:      "commands_total",
		Help:      "Robot commands emitted, by kind.",
	}, []string{"kind"})
	clampedWaypoints = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "motionscript",
		Subsystem: "synth",
		Name:      "clamped_waypoints_total",
		Help:      "Waypoints clamped back inside the workspace safe volume.",
	})
)

func init() {
	prometheus.MustRegister(
		framesProcessed, framesSkipped, framesNoPose, lastFrameGauge,
		eventsDetected,
		classificationAttempts, classificationRetries, classificationFailures,
		coalescedKeyframes, fusionQueueDepth,
		commandsEmitted, clampedWaypoints,
	)
}

// RecordFrameProcessed updates the frame counter and timestamp watermark.
func RecordFrameProcessed(ts time.Duration) {
	framesProcessed.Inc()
	lastFrameGauge.Set(ts.Seconds())
}

// RecordFrameSkipped counts an undecodable frame.
func RecordFrameSkipped() { framesSkipped.Inc() }

// RecordNoPose counts a frame without a detected skeleton.
func RecordNoPose() { framesNoPose.Inc() }

// RecordEventDetected counts a closed motion event.
func RecordEventDetected() { eventsDetected.Inc() }

// RecordClassificationAttempt counts one external classifier call.
func RecordClassificationAttempt() { classificationAttempts.Inc() }

// RecordClassificationRetry counts a retried classifier call.
func RecordClassificationRetry() { classificationRetries.Inc() }

// RecordClassificationFailure counts a keyframe degraded to unclassified.
func RecordClassificationFailure() { classificationFailures.Inc() }

// RecordCoalescedKeyframe counts a keyframe merged onto an earlier request.
func RecordCoalescedKeyframe() { coalescedKeyframes.Inc() }

// SetFusionQueueDepth publishes the current bounded-queue occupancy.
func SetFusionQueueDepth(depth int) { fusionQueueDepth.Set(float64(depth)) }

// RecordCommandEmitted counts an emitted robot command by kind.
func RecordCommandEmitted(kind string) { commandsEmitted.WithLabelValues(kind).Inc() }

// RecordClampedWaypoint counts a waypoint pulled back inside the workspace.
func RecordClampedWaypoint() { clampedWaypoints.Inc() }
