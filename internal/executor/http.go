package executor

import (
	"context"
	"time"

	"antigravity/internal/batch"
	"antigravity/internal/remote"
)

// HTTP posts each batch.ItemRequest and expects a batch.ItemResponse.
type HTTP struct {
	client *remote.Client
}

func NewHTTP(url, token string, timeout time.Duration) *HTTP {
	return &HTTP{client: remote.New(url, token, timeout)}
}

func (h *HTTP) Execute(ctx context.Context, req batch.ItemRequest) (batch.ItemResponse, error) {
	var resp batch.ItemResponse
	if err := h.client.PostJSON(ctx, req, &resp); err != nil {
		return batch.ItemResponse{}, err
	}
	return resp, nil
}
