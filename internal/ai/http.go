package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPGateway talks to an inference sidecar exposing POST /classify and
// POST /generate.
type HTTPGateway struct {
	BaseURL string
	Client  *http.Client
}

type classifyRequest struct {
	Prompt string          `json:"prompt"`
	Schema json.RawMessage `json:"schema"`
	Name   string          `json:"schema_name"`
}

type classifyResponse struct {
	Result json.RawMessage `json:"result"`
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Text string `json:"text"`
}

type RateLimitError struct {
	RetryAfter time.Duration
}

func (r RateLimitError) Error() string {
	if r.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", r.RetryAfter)
	}
	return "rate limited"
}

// StatusError is a non-2xx reply from the sidecar. The body is kept out of
// the message so it never reaches an end caller.
type StatusError struct {
	Code int
}

func (e StatusError) Error() string {
	return fmt.Sprintf("inference http error: %d", e.Code)
}

func (h HTTPGateway) Classify(ctx context.Context, prompt string, schema *Schema) (json.RawMessage, error) {
	var out classifyResponse
	req := classifyRequest{Prompt: prompt, Schema: json.RawMessage(schema.Document), Name: schema.Name}
	if err := h.post(ctx, "/classify", req, &out); err != nil {
		return nil, err
	}
	if len(out.Result) == 0 {
		return nil, fmt.Errorf("empty classification response")
	}
	return out.Result, nil
}

func (h HTTPGateway) Generate(ctx context.Context, prompt string) (string, error) {
	var out generateResponse
	if err := h.post(ctx, "/generate", generateRequest{Prompt: prompt}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", fmt.Errorf("empty generation response")
	}
	return out.Text, nil
}

func (h HTTPGateway) post(ctx context.Context, path string, payload, out any) error {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := strings.TrimRight(h.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		var errBody map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if d := extractRetryAfter(errBody); d > 0 {
			return RateLimitError{RetryAfter: d}
		}
		if d, err := time.ParseDuration(resp.Header.Get("Retry-After") + "s"); err == nil && d > 0 {
			return RateLimitError{RetryAfter: d}
		}
		return RateLimitError{}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return StatusError{Code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func extractRetryAfter(errBody map[string]any) time.Duration {
	errObj, ok := errBody["error"].(map[string]any)
	if !ok {
		return 0
	}
	details, ok := errObj["details"].([]any)
	if !ok {
		return 0
	}
	for _, d := range details {
		m, ok := d.(map[string]any)
		if !ok {
			continue
		}
		if t, ok := m["@type"].(string); ok && strings.Contains(t, "RetryInfo") {
			if s, ok := m["retryDelay"].(string); ok {
				if dur, err := time.ParseDuration(s); err == nil {
					return dur
				}
			}
		}
	}
	return 0
}
