// Package ollama implements embed.Client against a locally-hosted Ollama
// server.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"github.com/peerscope/backend/pkg/embed"
)

// Client calls an Ollama server for embeddings.
type Client struct {
	model  string
	client *api.Client
}

// NewClientParams contains configuration for creating a Client.
type NewClientParams struct {
	Model   string
	BaseURL string
}

// NewClient creates an Ollama-backed embedding client.
func NewClient(params NewClientParams) (*Client, error) {
	baseURL, err := url.Parse(params.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama base url: %w", err)
	}
	return &Client{
		model:  params.Model,
		client: api.NewClient(baseURL, http.DefaultClient),
	}, nil
}

// Embed generates one vector per input in a single request.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	res, err := c.client.Embed(ctx, &api.EmbedRequest{
		Model: c.model,
		Input: inputs,
	})
	if err != nil {
		return nil, &embed.ServiceError{Err: err}
	}
	if len(res.Embeddings) != len(inputs) {
		return nil, &embed.ServiceError{
			Err: fmt.Errorf("result size mismatch: got %d want %d", len(res.Embeddings), len(inputs)),
		}
	}

	out := make([][]float32, len(inputs))
	for i, vec := range res.Embeddings {
		if len(vec) == 0 {
			return nil, &embed.ServiceError{Err: fmt.Errorf("empty embedding for input %d", i)}
		}
		converted := make([]float32, len(vec))
		for j, v := range vec {
			converted[j] = float32(v)
		}
		out[i] = converted
	}
	return out, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}
