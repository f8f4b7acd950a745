// Package config centralises configuration parsing for the motionscript
// pipeline. Values come from an optional YAML file, with environment
// variables taking precedence for deployment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every tunable of the pipeline. It is built once at startup
// and passed into components as an immutable value.
type Config struct {
	Detector  DetectorConfig  `yaml:"detector"`
	Fusion    FusionConfig    `yaml:"fusion"`
	Timeline  TimelineConfig  `yaml:"timeline"`
	Synthesis SynthesisConfig `yaml:"synthesis"`
	Audit     AuditConfig     `yaml:"audit"`
	Archive   ArchiveConfig   `yaml:"archive"`

	MetricsAddress string `yaml:"metrics_address"`
}

// DetectorConfig tunes the motion-event state machine.
type DetectorConfig struct {
	// Window is the finite-difference span W, in frames.
	Window int `yaml:"window"`
	// UpperThreshold opens an event; LowerThreshold closes one. Units are
	// extractor-space distance per second.
	UpperThreshold float64 `yaml:"upper_threshold"`
	LowerThreshold float64 `yaml:"lower_threshold"`
	// Hysteresis is the consecutive-frame count K required on either side
	// of a state change.
	Hysteresis int `yaml:"hysteresis"`
}

// FusionConfig tunes the classification worker pool and its external client.
type FusionConfig struct {
	Workers          int           `yaml:"workers"`
	QueueSize        int           `yaml:"queue_size"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	CoalesceInterval time.Duration `yaml:"coalesce_interval"`

	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// TimelineConfig tunes segment reconciliation.
type TimelineConfig struct {
	// MergeGap is the maximum gap between same-label segments that are
	// treated as one continuous action.
	MergeGap time.Duration `yaml:"merge_gap"`
}

// BoundsPolicy selects behaviour when a command exceeds the workspace clamp
// tolerance: abort the whole synthesis, or skip the offending segment.
type BoundsPolicy string

const (
	BoundsAbort BoundsPolicy = "abort"
	BoundsSkip  BoundsPolicy = "skip"
)

// CommandTemplate maps an action label onto a robot command shape.
type CommandTemplate struct {
	Kind string `yaml:"kind"` // move | wait | gripper
	// Joint is the reference joint whose trajectory drives move commands.
	Joint string `yaml:"joint"`
	// Action is the gripper action for gripper templates.
	Action string `yaml:"action"`
}

// SynthesisConfig tunes script generation.
type SynthesisConfig struct {
	// Calibration is the 4x4 affine transform from extractor space to robot
	// workspace coordinates, row-major.
	Calibration [][]float64 `yaml:"calibration"`

	WorkspaceMin [3]float64 `yaml:"workspace_min"`
	WorkspaceMax [3]float64 `yaml:"workspace_max"`

	// ClampTolerance is the maximum out-of-bounds distance (metres) that is
	// silently clamped. Beyond it the bounds policy applies.
	ClampTolerance    float64      `yaml:"clamp_tolerance"`
	OnBoundsViolation BoundsPolicy `yaml:"on_bounds_violation"`

	// SampleStride emits one waypoint every N trajectory frames.
	SampleStride int `yaml:"sample_stride"`
	// SmoothingWindow is the moving-average span applied to trajectories.
	SmoothingWindow int `yaml:"smoothing_window"`

	Templates map[string]CommandTemplate `yaml:"templates"`
}

// AuditConfig controls the classification audit trail.
type AuditConfig struct {
	Dir          string   `yaml:"dir"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

// ArchiveConfig controls the optional Postgres run archive.
type ArchiveConfig struct {
	PostgresURL string `yaml:"postgres_url"`
}

// Default returns the baseline configuration used when no file is supplied.
func Default() Config {
	return Config{
		Detector: DetectorConfig{
			Window:         5,
			UpperThreshold: 0.60,
			LowerThreshold: 0.25,
			Hysteresis:     3,
		},
		Fusion: FusionConfig{
			Workers:          4,
			QueueSize:        32,
			RequestTimeout:   20 * time.Second,
			MaxAttempts:      3,
			BaseDelay:        500 * time.Millisecond,
			CoalesceInterval: 400 * time.Millisecond,
			Endpoint:         "https://generativelanguage.googleapis.com/v1beta/models",
			Model:            "gemini-2.5-flash",
		},
		Timeline: TimelineConfig{
			MergeGap: 300 * time.Millisecond,
		},
		Synthesis: SynthesisConfig{
			WorkspaceMin:      [3]float64{-0.5, -0.5, 0.0},
			WorkspaceMax:      [3]float64{0.5, 0.5, 0.8},
			ClampTolerance:    0.05,
			OnBoundsViolation: BoundsAbort,
			SampleStride:      3,
			SmoothingWindow:   5,
			Templates:         defaultTemplates(),
		},
		Audit: AuditConfig{
			Dir:        "results",
			KafkaTopic: "motionscript_audit",
		},
		MetricsAddress: ":9104",
	}
}

func defaultTemplates() map[string]CommandTemplate {
	move := CommandTemplate{Kind: "move", Joint: "right_wrist"}
	return map[string]CommandTemplate{
		"idle":                   {Kind: "wait"},
		"unclassified":           {Kind: "wait"},
		"raise_arm":              move,
		"consult_sheets":         {Kind: "wait"},
		"turn_sheets":            move,
		"take_screwdriver":       {Kind: "gripper", Joint: "right_wrist", Action: "close"},
		"put_down_screwdriver":   {Kind: "gripper", Joint: "right_wrist", Action: "open"},
		"picking_in_front":       move,
		"picking_left":           {Kind: "move", Joint: "left_wrist"},
		"take_measuring_rod":     {Kind: "gripper", Joint: "right_wrist", Action: "close"},
		"put_down_measuring_rod": {Kind: "gripper", Joint: "right_wrist", Action: "open"},
		"take_subsystem":         {Kind: "gripper", Joint: "right_wrist", Action: "close"},
		"put_down_subsystem":     {Kind: "gripper", Joint: "right_wrist", Action: "open"},
		"assemble_system":        move,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Detector.Window = getIntEnv("MOTIONSCRIPT_DETECTOR_WINDOW", cfg.Detector.Window)
	cfg.Detector.UpperThreshold = getFloatEnv("MOTIONSCRIPT_DETECTOR_UPPER_THRESHOLD", cfg.Detector.UpperThreshold)
	cfg.Detector.LowerThreshold = getFloatEnv("MOTIONSCRIPT_DETECTOR_LOWER_THRESHOLD", cfg.Detector.LowerThreshold)
	cfg.Detector.Hysteresis = getIntEnv("MOTIONSCRIPT_DETECTOR_HYSTERESIS", cfg.Detector.Hysteresis)

	cfg.Timeline.MergeGap = getDurationEnv("MOTIONSCRIPT_TIMELINE_MERGE_GAP", cfg.Timeline.MergeGap)

	cfg.Synthesis.ClampTolerance = getFloatEnv("MOTIONSCRIPT_SYNTH_CLAMP_TOLERANCE", cfg.Synthesis.ClampTolerance)
	cfg.Synthesis.OnBoundsViolation = BoundsPolicy(getEnv("MOTIONSCRIPT_SYNTH_BOUNDS_POLICY", string(cfg.Synthesis.OnBoundsViolation)))
	cfg.Synthesis.SampleStride = getIntEnv("MOTIONSCRIPT_SYNTH_SAMPLE_STRIDE", cfg.Synthesis.SampleStride)
	cfg.Synthesis.SmoothingWindow = getIntEnv("MOTIONSCRIPT_SYNTH_SMOOTHING_WINDOW", cfg.Synthesis.SmoothingWindow)

	cfg.Fusion.Endpoint = getEnv("MOTIONSCRIPT_CLASSIFIER_ENDPOINT", cfg.Fusion.Endpoint)
	cfg.Fusion.APIKey = getEnv("MOTIONSCRIPT_CLASSIFIER_API_KEY", cfg.Fusion.APIKey)
	cfg.Fusion.Model = getEnv("MOTIONSCRIPT_CLASSIFIER_MODEL", cfg.Fusion.Model)
	cfg.Fusion.Workers = getIntEnv("MOTIONSCRIPT_FUSION_WORKERS", cfg.Fusion.Workers)
	cfg.Fusion.QueueSize = getIntEnv("MOTIONSCRIPT_FUSION_QUEUE_SIZE", cfg.Fusion.QueueSize)
	cfg.Fusion.MaxAttempts = getIntEnv("MOTIONSCRIPT_FUSION_MAX_ATTEMPTS", cfg.Fusion.MaxAttempts)
	cfg.Fusion.RequestTimeout = getDurationEnv("MOTIONSCRIPT_FUSION_TIMEOUT", cfg.Fusion.RequestTimeout)
	cfg.Fusion.BaseDelay = getDurationEnv("MOTIONSCRIPT_FUSION_BASE_DELAY", cfg.Fusion.BaseDelay)
	cfg.Fusion.CoalesceInterval = getDurationEnv("MOTIONSCRIPT_FUSION_COALESCE_INTERVAL", cfg.Fusion.CoalesceInterval)

	cfg.Audit.Dir = getEnv("MOTIONSCRIPT_AUDIT_DIR", cfg.Audit.Dir)
	cfg.Audit.KafkaTopic = getEnv("MOTIONSCRIPT_AUDIT_TOPIC", cfg.Audit.KafkaTopic)
	if brokers := getEnv("MOTIONSCRIPT_KAFKA_BROKERS", ""); brokers != "" {
		cfg.Audit.KafkaBrokers = splitAndTrim(brokers)
	}

	cfg.Archive.PostgresURL = getEnv("MOTIONSCRIPT_POSTGRES_URL", cfg.Archive.PostgresURL)
	cfg.MetricsAddress = getEnv("MOTIONSCRIPT_METRICS_ADDRESS", cfg.MetricsAddress)
}

// Validate rejects configurations the pipeline cannot run with. Calibration
// shape problems are caught here; singularity is caught when the transform
// is built.
func (c Config) Validate() error {
	var errs []error

	if c.Detector.Window < 1 {
		errs = append(errs, fmt.Errorf("detector.window must be >= 1, got %d", c.Detector.Window))
	}
	if c.Detector.Hysteresis < 1 {
		errs = append(errs, fmt.Errorf("detector.hysteresis must be >= 1, got %d", c.Detector.Hysteresis))
	}
	if c.Detector.LowerThreshold >= c.Detector.UpperThreshold {
		errs = append(errs, fmt.Errorf("detector thresholds inverted: lower %.3f >= upper %.3f",
			c.Detector.LowerThreshold, c.Detector.UpperThreshold))
	}
	if c.Fusion.Workers < 1 {
		errs = append(errs, fmt.Errorf("fusion.workers must be >= 1, got %d", c.Fusion.Workers))
	}
	if c.Fusion.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("fusion.max_attempts must be >= 1, got %d", c.Fusion.MaxAttempts))
	}
	if len(c.Synthesis.Calibration) != 4 {
		errs = append(errs, fmt.Errorf("synthesis.calibration must be a 4x4 matrix, got %d rows", len(c.Synthesis.Calibration)))
	} else {
		for i, row := range c.Synthesis.Calibration {
			if len(row) != 4 {
				errs = append(errs, fmt.Errorf("synthesis.calibration row %d has %d columns, want 4", i, len(row)))
			}
		}
	}
	for axis := 0; axis < 3; axis++ {
		if c.Synthesis.WorkspaceMin[axis] >= c.Synthesis.WorkspaceMax[axis] {
			errs = append(errs, fmt.Errorf("workspace bounds inverted on axis %d: min %.3f >= max %.3f",
				axis, c.Synthesis.WorkspaceMin[axis], c.Synthesis.WorkspaceMax[axis]))
		}
	}
	switch c.Synthesis.OnBoundsViolation {
	case BoundsAbort, BoundsSkip:
	default:
		errs = append(errs, fmt.Errorf("synthesis.on_bounds_violation must be %q or %q, got %q",
			BoundsAbort, BoundsSkip, c.Synthesis.OnBoundsViolation))
	}

	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloatEnv(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
