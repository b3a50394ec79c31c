// Package embed turns textual summaries of profiles and posts into
// fixed-length vectors. Two backends implement the Client contract: an
// OpenAI-compatible endpoint and a locally-hosted Ollama server, selected by
// the AI_ADAPTER configuration at startup.
package embed

import (
	"context"
	"fmt"
)

// Client generates embeddings for batches of input texts. The returned
// slice is index-aligned with the inputs.
type Client interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	Model() string
}

// ServiceError is returned when the embedding service call fails or yields
// an empty vector. Callers never persist a terminal embedded state on this
// error; they record the message and leave the record retryable.
type ServiceError struct {
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("embedding service: %v", e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}
