// Package moderation scores text for toxicity before it is published.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultPerspectiveURL = "https://commentanalyzer.googleapis.com/v1alpha1"

// Perspective scores text with the Perspective comment analyzer API.
type Perspective struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// PerspectiveOption configures a Perspective client.
type PerspectiveOption func(*Perspective)

// WithBaseURL sets a custom API base URL.
func WithBaseURL(u string) PerspectiveOption {
	return func(p *Perspective) { p.baseURL = u }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) PerspectiveOption {
	return func(p *Perspective) { p.client = c }
}

// NewPerspective creates a Perspective client authenticated with apiKey.
func NewPerspective(apiKey string, opts ...PerspectiveOption) *Perspective {
	p := &Perspective{
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: defaultPerspectiveURL,
		apiKey:  apiKey,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Toxicity returns the TOXICITY summary score of text, between 0 and 1.
func (p *Perspective) Toxicity(ctx context.Context, text string) (float64, error) {
	body := analyzeRequest{
		Comment:             analyzeComment{Text: text},
		RequestedAttributes: map[string]struct{}{"TOXICITY": {}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("perspective: marshal: %w", err)
	}

	endpoint := p.baseURL + "/comments:analyze?key=" + url.QueryEscape(p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("perspective: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("perspective: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("perspective: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("perspective: api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var out analyzeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return 0, fmt.Errorf("perspective: unmarshal response: %w", err)
	}
	score, ok := out.AttributeScores["TOXICITY"]
	if !ok {
		return 0, fmt.Errorf("perspective: response has no TOXICITY score")
	}
	return score.SummaryScore.Value, nil
}

// --- wire format ---

type analyzeRequest struct {
	Comment             analyzeComment      `json:"comment"`
	RequestedAttributes map[string]struct{} `json:"requestedAttributes"`
}

type analyzeComment struct {
	Text string `json:"text"`
}

type analyzeResponse struct {
	AttributeScores map[string]attributeScore `json:"attributeScores"`
}

type attributeScore struct {
	SummaryScore struct {
		Value float64 `json:"value"`
	} `json:"summaryScore"`
}
