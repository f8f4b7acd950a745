// Package fusion packages keyframes into requests against the external
// multimodal classifier and manages concurrency, retries, coalescing and
// result reordering so downstream stages see a clean time-ordered stream.
package fusion

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"example.com/motionscript/internal/config"
	"example.com/motionscript/internal/domain"
)

// Classifier is the narrow interface over the external multimodal model.
// Implementations must be safe for concurrent use.
type Classifier interface {
	Classify(ctx context.Context, kf *domain.Keyframe) (domain.ClassificationResult, error)
}

// GeminiClassifier calls a Gemini-style generateContent endpoint with the
// serialized skeleton, the keyframe image and a fixed task prompt that pins
// the response to a strict JSON schema.
type GeminiClassifier struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

// NewGeminiClassifier constructs a classifier for the configured endpoint.
func NewGeminiClassifier(cfg config.FusionConfig) (*GeminiClassifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("classifier API key required")
	}
	return &GeminiClassifier{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		client:   &http.Client{},
	}, nil
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiRequest struct {
	Contents []struct {
		Parts []geminiPart `json:"parts"`
	} `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Classify implements Classifier. Transport failures, non-2xx statuses and
// schema violations all come back as errors; the pool decides whether to
// retry.
func (g *GeminiClassifier) Classify(ctx context.Context, kf *domain.Keyframe) (domain.ClassificationResult, error) {
	parts := []geminiPart{{Text: buildPrompt(kf)}}
	if img := loadImagePart(kf.ImageRef); img != nil {
		parts = append(parts, *img)
	}

	var reqBody geminiRequest
	reqBody.Contents = append(reqBody.Contents, struct {
		Parts []geminiPart `json:"parts"`
	}{Parts: parts})

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", g.endpoint, g.model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return domain.ClassificationResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("classifier call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.ClassificationResult{}, fmt.Errorf("classifier status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("decode envelope: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return domain.ClassificationResult{}, fmt.Errorf("empty classifier response")
	}

	return parseResult(parsed.Candidates[0].Content.Parts[0].Text)
}

// buildPrompt serializes the skeleton compactly and states the output
// contract. The label vocabulary is enumerated so the model cannot invent
// classes.
func buildPrompt(kf *domain.Keyframe) string {
	skeleton, _ := json.Marshal(kf.Skeleton.Joints)

	labels := make([]string, 0, len(domain.KnownLabels))
	for _, l := range domain.KnownLabels {
		labels = append(labels, string(l))
	}

	return fmt.Sprintf(`You are analysing one frame of a recorded assembly-line worker video.

SKELETON (3D joint coordinates with visibility, extractor space):
%s

FRAME TIME: %.3f seconds

TASK:
Classify the worker's action at this instant. Choose exactly one label from:
%s

Return ONLY a JSON object of this exact shape, no prose, no markdown:
{"label": "<one label>", "confidence": <0..1>, "description": "<one sentence>", "joint_annotations": {"<joint>": "<note>"}}`,
		skeleton, kf.Time.Seconds(), strings.Join(labels, ", "))
}

// parseResult decodes the model's JSON verdict, tolerating markdown fences
// around it. A missing label or unparseable body is a malformed (retryable)
// response.
func parseResult(text string) (domain.ClassificationResult, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var result domain.ClassificationResult
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("malformed classifier output: %w", err)
	}
	if result.Label == "" {
		return domain.ClassificationResult{}, fmt.Errorf("classifier output missing label")
	}
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	return result, nil
}

// loadImagePart reads the keyframe image for inline attachment. A missing
// or unreadable image degrades to a skeleton-only request rather than
// failing the classification.
func loadImagePart(ref string) *geminiPart {
	if ref == "" {
		return nil
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil
	}
	mime := "image/jpeg"
	if strings.EqualFold(filepath.Ext(ref), ".png") {
		mime = "image/png"
	}
	return &geminiPart{InlineData: &geminiInlineData{
		MimeType: mime,
		Data:     base64.StdEncoding.EncodeToString(data),
	}}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
