// Package openai implements embed.Client against any OpenAI-compatible
// embeddings endpoint.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/peerscope/backend/pkg/embed"
)

// Client calls an OpenAI-compatible embeddings API.
type Client struct {
	model  string
	client openai.Client
}

// NewClientParams contains configuration for creating a Client.
type NewClientParams struct {
	Model   string
	BaseURL string
	APIKey  string
}

// NewClient creates an OpenAI-backed embedding client.
func NewClient(params NewClientParams) *Client {
	opts := []option.RequestOption{option.WithAPIKey(params.APIKey)}
	if params.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(params.BaseURL))
	}
	return &Client{
		model:  params.Model,
		client: openai.NewClient(opts...),
	}
}

// Embed generates one vector per input in a single request. Results are
// re-ordered by the response index so they align with the inputs.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	response, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
		Model: c.model,
	})
	if err != nil {
		return nil, &embed.ServiceError{Err: err}
	}
	if len(response.Data) != len(inputs) {
		return nil, &embed.ServiceError{
			Err: fmt.Errorf("result size mismatch: got %d want %d", len(response.Data), len(inputs)),
		}
	}

	out := make([][]float32, len(inputs))
	for _, item := range response.Data {
		idx := int(item.Index)
		if idx < 0 || idx >= len(inputs) {
			return nil, &embed.ServiceError{Err: fmt.Errorf("embedding index out of range: %d", idx)}
		}
		vec := make([]float32, 0, len(item.Embedding))
		for _, v := range item.Embedding {
			vec = append(vec, float32(v))
		}
		out[idx] = vec
	}
	for i, vec := range out {
		if len(vec) == 0 {
			return nil, &embed.ServiceError{Err: fmt.Errorf("empty embedding for input %d", i)}
		}
	}
	return out, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}
