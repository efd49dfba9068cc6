package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"

	"golang.org/x/sync/semaphore"
)

// maxConcurrent bounds simultaneous forward passes through the model.
const maxConcurrent = 4

// OllamaEmbedder implements Embedder against a local Ollama server.
// One instance per process; callers beyond the concurrency cap block
// on the internal semaphore rather than being dropped.
type OllamaEmbedder struct {
	baseURL string
	model   string
	client  *http.Client
	sem     *semaphore.Weighted
}

// NewOllamaEmbedder creates an embedder for the given server and model.
func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaEmbedder{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{},
		sem:     semaphore.NewWeighted(maxConcurrent),
	}
}

// Embed implements Embedder. Input longer than MaxInputChars is
// middle-truncated; the output is unit-normalised.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer o.sem.Release(1)

	payload := map[string]any{
		"model":  o.model,
		"prompt": Truncate(text, MaxInputChars),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/api/embeddings", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(result.Embedding) != Dim {
		return nil, fmt.Errorf("model returned %d dims, want %d", len(result.Embedding), Dim)
	}

	return Normalize(result.Embedding), nil
}

// Truncate middle-truncates s to at most max bytes, preserving the head
// and the tail in equal halves joined by a "\n...\n" marker that is not
// counted in max.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	half := max / 2
	head := s[:half]
	tail := s[len(s)-(max-half):]
	// Avoid splitting runes at the cut points.
	for len(head) > 0 && head[len(head)-1]&0xC0 == 0x80 {
		head = head[:len(head)-1]
	}
	for len(tail) > 0 && tail[0]&0xC0 == 0x80 {
		tail = tail[1:]
	}
	return head + "\n...\n" + tail
}

// Normalize converts to float32 and scales to unit length. A zero
// vector stays zero.
func Normalize(v []float64) []float32 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(x / norm)
	}
	return out
}

// ZeroVector is committed when embedding fails; the row is flagged for
// re-embedding on the next pass.
func ZeroVector() []float32 {
	return make([]float32, Dim)
}
