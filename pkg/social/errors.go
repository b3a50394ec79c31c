package social

import "fmt"

// APIError is returned for any non-2xx, non-429 upstream response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream api error: status %d: %s", e.Status, e.Body)
}

// RateLimitError is returned once the bounded 429 retry budget is spent.
type RateLimitError struct {
	Attempts int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit retries exhausted after %d attempts", e.Attempts)
}
