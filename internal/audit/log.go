// Package audit writes the per-keyframe classification trail: a JSONL file
// for local inspection, optionally mirrored to a Kafka topic for downstream
// consumers.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"example.com/motionscript/internal/domain"
)

// Record kinds.
const (
	KindClassification = "classification"
	KindSynthWarning   = "synthesis_warning"
)

// Record is one audit entry. Classification records carry the full verdict;
// synthesis warnings carry only the message fields.
type Record struct {
	Kind          string             `json:"kind"`
	RunID         string             `json:"run_id"`
	RecordedAt    time.Time          `json:"recorded_at"`
	KeyframeID    string             `json:"keyframe_id,omitempty"`
	EventID       string             `json:"event_id,omitempty"`
	EventStart    float64            `json:"event_start_seconds,omitempty"`
	EventEnd      float64            `json:"event_end_seconds,omitempty"`
	Label         domain.ActionLabel `json:"label,omitempty"`
	Confidence    float64            `json:"confidence"`
	Description   string             `json:"description,omitempty"`
	Attempts      int                `json:"attempts,omitempty"`
	CoalescedWith string             `json:"coalesced_with,omitempty"`
	Error         string             `json:"error,omitempty"`
	Message       string             `json:"message,omitempty"`
}

// Log appends records as JSON lines. Safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewLog opens (or truncates) the audit file at path.
func NewLog(path string) (*Log, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create audit log: %w", err)
	}
	return &Log{w: f, closer: f}, nil
}

// NewLogWriter wraps an arbitrary writer, used by tests.
func NewLogWriter(w io.Writer) *Log {
	return &Log{w: w}
}

// Append writes one record as a JSON line.
func (l *Log) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file, if any.
func (l *Log) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
