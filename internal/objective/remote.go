package objective

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EvaluateRequest is the body posted to a remote evaluator.
type EvaluateRequest struct {
	Positions [][]float64 `json:"positions"`
}

// EvaluateResponse is the body returned by a remote evaluator, one value per
// requested position.
type EvaluateResponse struct {
	Values []float64 `json:"values"`
}

// Remote evaluates batches of positions by posting them as JSON to an HTTP
// endpoint.
type Remote struct {
	URL    string
	Client *http.Client
}

// NewRemote creates a remote evaluator for url. A zero timeout leaves
// requests bounded by their context only.
func NewRemote(url string, timeout time.Duration) *Remote {
	return &Remote{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

// Evaluate posts positions to the endpoint and returns their values. It
// matches batch.BatchFunc.
func (r *Remote) Evaluate(ctx context.Context, positions [][]float64) ([]float64, error) {
	body, err := json.Marshal(EvaluateRequest{Positions: positions})
	if err != nil {
		return nil, fmt.Errorf("failed to encode positions: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach evaluator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("evaluator returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var out EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode evaluator response: %w", err)
	}
	if len(out.Values) != len(positions) {
		return nil, fmt.Errorf("evaluator returned %d values for %d positions", len(out.Values), len(positions))
	}
	return out.Values, nil
}
