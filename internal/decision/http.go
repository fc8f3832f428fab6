package decision

import (
	"context"
	"fmt"
	"time"

	"antigravity/internal/batch"
	"antigravity/internal/remote"
)

// HTTP asks a remote service. The request body is a batch.DecisionRequest
// and the response a batch.Decision, both JSON. proceed is mandatory, and
// requested_count is mandatory when proceeding.
type HTTP struct {
	client *remote.Client
}

func NewHTTP(url, token string, timeout time.Duration) *HTTP {
	return &HTTP{client: remote.New(url, token, timeout).Strict()}
}

type wireDecision struct {
	Proceed        *bool    `json:"proceed"`
	RequestedCount *int     `json:"requested_count"`
	Platforms      []string `json:"platforms"`
	Niche          string   `json:"niche"`
	Reasoning      string   `json:"reasoning"`
}

func (h *HTTP) Decide(ctx context.Context, req batch.DecisionRequest) (batch.Decision, error) {
	var w wireDecision
	if err := h.client.PostJSON(ctx, req, &w); err != nil {
		return batch.Decision{}, fmt.Errorf("decision service: %w", err)
	}
	if w.Proceed == nil {
		return batch.Decision{}, fmt.Errorf("decision service: %w: missing proceed", batch.ErrMalformedDecision)
	}
	d := batch.Decision{
		Proceed:   *w.Proceed,
		Platforms: w.Platforms,
		Niche:     w.Niche,
		Reasoning: w.Reasoning,
	}
	switch {
	case w.RequestedCount != nil:
		d.RequestedCount = *w.RequestedCount
	case d.Proceed:
		return batch.Decision{}, fmt.Errorf("decision service: %w: missing requested_count", batch.ErrMalformedDecision)
	}
	return d, nil
}
