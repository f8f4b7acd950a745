package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/motionscript/internal/domain"
)

func sampleRecord() Record {
	return Record{
		Kind:        KindClassification,
		RunID:       "run-1",
		RecordedAt:  time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC),
		KeyframeID:  "kf-1",
		EventID:     "ev-1",
		EventStart:  2.0,
		EventEnd:    3.0,
		Label:       domain.LabelRaiseArm,
		Confidence:  0.85,
		Description: "worker raises the right arm",
		Attempts:    1,
	}
}

func TestLogAppendsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogWriter(&buf)

	require.NoError(t, l.Append(sampleRecord()))

	degraded := sampleRecord()
	degraded.KeyframeID = "kf-2"
	degraded.Label = domain.LabelUnclassified
	degraded.Confidence = 0
	degraded.Error = "attempt 3: timeout"
	require.NoError(t, l.Append(degraded))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	require.Equal(t, domain.LabelRaiseArm, first.Label)
	require.Empty(t, first.Error)
	require.Equal(t, domain.LabelUnclassified, second.Label)
	require.Equal(t, "attempt 3: timeout", second.Error)
}

type stubWriter struct {
	messages []kafka.Message
	closed   bool
}

func (w *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *stubWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublisherSetsHeadersAndKey(t *testing.T) {
	writer := &stubWriter{}
	p := newPublisherWithWriter(writer)

	require.NoError(t, p.Publish(context.Background(), sampleRecord()))
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	require.Equal(t, []byte("run-1"), msg.Key)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, "motionscript.classification", headers["event_type"])
	require.Equal(t, "run-1", headers["run_id"])

	var rec Record
	require.NoError(t, json.Unmarshal(msg.Value, &rec))
	require.Equal(t, domain.LabelRaiseArm, rec.Label)

	require.NoError(t, p.Close())
	require.True(t, writer.closed)
}
