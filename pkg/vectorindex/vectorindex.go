// Package vectorindex adapts an external nearest-neighbor index over HTTP.
// The index is partitioned into namespaces (profile vectors vs. post
// vectors) and keyed by the same external identifiers as the relational
// store; it is a derived projection, rebuildable from there.
package vectorindex

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

// Namespaces used by the pipeline. Post ids carry PostIDPrefix so the two
// id spaces can never collide.
const (
	NamespaceProfiles = "profiles"
	NamespacePosts    = "posts"
	PostIDPrefix      = "post:"
)

// Vector is one upsert payload entry.
type Vector struct {
	ID       string         `json:"id"`
	Values   []float32      `json:"values"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Match is one ranked query result.
type Match struct {
	ID       string         `json:"id"`
	Score    float32        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// IndexError is returned for any non-2xx index response.
type IndexError struct {
	Status int
	Body   string
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("vector index error: status %d: %s", e.Status, e.Body)
}

// Index is the contract the workers consume.
type Index interface {
	Upsert(ctx context.Context, namespace string, vectors []Vector) error
	Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error)
	Exists(ctx context.Context, namespace, id string) (bool, error)
}

// HTTPIndex implements Index against the index's HTTP API.
type HTTPIndex struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Index = (*HTTPIndex)(nil)

// NewHTTPIndexParams contains configuration for creating an HTTPIndex.
type NewHTTPIndexParams struct {
	BaseURL string
	APIKey  string
}

// NewHTTPIndex creates a client for the external vector index.
func NewHTTPIndex(params NewHTTPIndexParams) *HTTPIndex {
	return &HTTPIndex{
		baseURL:    params.BaseURL,
		apiKey:     params.APIKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type upsertRequest struct {
	Vectors   []Vector `json:"vectors"`
	Namespace string   `json:"namespace"`
}

type queryRequest struct {
	Vector          []float32 `json:"vector"`
	TopK            int       `json:"topK"`
	Namespace       string    `json:"namespace"`
	IncludeMetadata bool      `json:"includeMetadata"`
}

type queryResponse struct {
	Matches []Match `json:"matches"`
}

type fetchResponse struct {
	Vectors map[string]struct {
		ID     string    `json:"id"`
		Values []float32 `json:"values"`
	} `json:"vectors"`
}

// Upsert writes vectors into a namespace. Re-upserting an id overwrites it.
func (x *HTTPIndex) Upsert(ctx context.Context, namespace string, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	return x.post(ctx, "/vectors/upsert", upsertRequest{
		Vectors:   vectors,
		Namespace: namespace,
	}, nil)
}

// Query returns the topK nearest vectors in a namespace, ranked by score.
func (x *HTTPIndex) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error) {
	var response queryResponse
	err := x.post(ctx, "/query", queryRequest{
		Vector:          vector,
		TopK:            topK,
		Namespace:       namespace,
		IncludeMetadata: true,
	}, &response)
	if err != nil {
		return nil, err
	}
	return response.Matches, nil
}

// Exists reports whether the namespace already holds a non-empty vector for
// id. Used to skip redundant embedding work.
func (x *HTTPIndex) Exists(ctx context.Context, namespace, id string) (bool, error) {
	query := url.Values{}
	query.Set("ids", id)
	query.Set("namespace", namespace)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		x.baseURL+"/vectors/fetch?"+query.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Api-Key", x.apiKey)

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, &IndexError{Status: resp.StatusCode, Body: string(body)}
	}

	var response fetchResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return false, fmt.Errorf("decode fetch response: %w", err)
	}
	vec, ok := response.Vectors[id]
	return ok && len(vec.Values) > 0, nil
}

func (x *HTTPIndex) post(ctx context.Context, path string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Api-Key", x.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &IndexError{Status: resp.StatusCode, Body: string(body)}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
