package social

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/araddon/dateparse"

	"github.com/peerscope/backend/pkg/logger"
)

const (
	maxRateLimitRetries = 5
	defaultBaseBackoff  = 2 * time.Second
	defaultPageSize     = 100
)

// HTTPClient implements Client against the upstream HTTP API.
type HTTPClient struct {
	baseURL     string
	bearerToken string
	pageSize    int
	baseBackoff time.Duration
	httpClient  *http.Client
}

// NewHTTPClientParams contains configuration for creating an HTTPClient.
type NewHTTPClientParams struct {
	BaseURL     string
	BearerToken string

	// PageSize caps results per page; zero means the client default.
	PageSize int
	// BaseBackoff is the first 429 retry delay; zero means the client default.
	BaseBackoff time.Duration
}

// NewHTTPClient creates a client for the upstream social-graph API.
func NewHTTPClient(params NewHTTPClientParams) *HTTPClient {
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	backoff := params.BaseBackoff
	if backoff <= 0 {
		backoff = defaultBaseBackoff
	}
	return &HTTPClient{
		baseURL:     params.BaseURL,
		bearerToken: params.BearerToken,
		pageSize:    pageSize,
		baseBackoff: backoff,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

type profileEnvelope struct {
	Data *struct {
		ID              string `json:"id"`
		Username        string `json:"username"`
		Name            string `json:"name"`
		Description     string `json:"description"`
		Location        string `json:"location"`
		Verified        bool   `json:"verified"`
		VerifiedType    string `json:"verified_type"`
		ProfileImageURL string `json:"profile_image_url"`
		PublicMetrics   struct {
			FollowersCount int `json:"followers_count"`
			FollowingCount int `json:"following_count"`
			PostCount      int `json:"tweet_count"`
		} `json:"public_metrics"`
	} `json:"data"`
}

type followingEnvelope struct {
	Data []struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"data"`
	Meta struct {
		NextToken string `json:"next_token"`
	} `json:"meta"`
}

type postsEnvelope struct {
	Data []struct {
		ID              string `json:"id"`
		Text            string `json:"text"`
		Lang            string `json:"lang"`
		AuthorID        string `json:"author_id"`
		CreatedAt       string `json:"created_at"`
		ConversationID  string `json:"conversation_id"`
		InReplyToUserID string `json:"in_reply_to_user_id"`
		PublicMetrics   struct {
			LikeCount   int `json:"like_count"`
			RepostCount int `json:"retweet_count"`
			ReplyCount  int `json:"reply_count"`
			QuoteCount  int `json:"quote_count"`
		} `json:"public_metrics"`
	} `json:"data"`
	Meta struct {
		NextToken string `json:"next_token"`
	} `json:"meta"`
}

// GetProfileByHandle resolves a handle to a full profile. A handle that does
// not exist upstream returns (nil, nil).
func (c *HTTPClient) GetProfileByHandle(ctx context.Context, handle string) (*Profile, error) {
	path := fmt.Sprintf("/users/by/username/%s", url.PathEscape(handle))
	body, status, err := c.get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}

	var envelope profileEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode profile response: %w", err)
	}
	if envelope.Data == nil {
		return nil, nil
	}

	d := envelope.Data
	return &Profile{
		ID:          d.ID,
		Username:    d.Username,
		Name:        d.Name,
		Description: d.Description,
		Location:    d.Location,
		Metrics: PublicMetrics{
			Followers: d.PublicMetrics.FollowersCount,
			Following: d.PublicMetrics.FollowingCount,
			Posts:     d.PublicMetrics.PostCount,
		},
		Verified:        d.Verified,
		VerifiedType:    d.VerifiedType,
		ProfileImageURL: d.ProfileImageURL,
	}, nil
}

// GetFollowing returns one page of the entity's outgoing follow edges.
func (c *HTTPClient) GetFollowing(ctx context.Context, userID string, cursor string) (*EdgePage, error) {
	query := url.Values{}
	query.Set("max_results", strconv.Itoa(c.pageSize))
	if cursor != "" {
		query.Set("pagination_token", cursor)
	}

	path := fmt.Sprintf("/users/%s/following", url.PathEscape(userID))
	body, status, err := c.get(ctx, path, query)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return &EdgePage{}, nil
	}

	var envelope followingEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode following response: %w", err)
	}

	page := &EdgePage{NextCursor: envelope.Meta.NextToken}
	for _, d := range envelope.Data {
		page.Targets = append(page.Targets, EdgeTarget{ID: d.ID, Username: d.Username})
	}
	return page, nil
}

// GetPosts returns one page of the entity's public posts, newest first.
func (c *HTTPClient) GetPosts(ctx context.Context, userID string, cursor string) (*PostPage, error) {
	query := url.Values{}
	query.Set("max_results", strconv.Itoa(c.pageSize))
	query.Set("tweet.fields", "created_at,lang,public_metrics,conversation_id,in_reply_to_user_id")
	if cursor != "" {
		query.Set("pagination_token", cursor)
	}

	path := fmt.Sprintf("/users/%s/tweets", url.PathEscape(userID))
	body, status, err := c.get(ctx, path, query)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return &PostPage{}, nil
	}

	var envelope postsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode posts response: %w", err)
	}

	page := &PostPage{NextCursor: envelope.Meta.NextToken}
	for _, d := range envelope.Data {
		post := Post{
			ID:              d.ID,
			AuthorID:        d.AuthorID,
			Text:            d.Text,
			Lang:            d.Lang,
			ConversationID:  d.ConversationID,
			InReplyToUserID: d.InReplyToUserID,
			Metrics: PostMetrics{
				Likes:   d.PublicMetrics.LikeCount,
				Reposts: d.PublicMetrics.RepostCount,
				Replies: d.PublicMetrics.ReplyCount,
				Quotes:  d.PublicMetrics.QuoteCount,
			},
		}
		if d.CreatedAt != "" {
			// Upstream timestamp formats drift; parse leniently.
			parsed, err := dateparse.ParseAny(d.CreatedAt)
			if err == nil {
				post.CreatedAt = parsed.UTC()
			}
		}
		page.Posts = append(page.Posts, post)
	}
	return page, nil
}

// get performs one logical GET with a bounded 429 retry loop. It returns the
// body and status for 2xx and 404 responses; everything else is an error.
func (c *HTTPClient) get(ctx context.Context, path string, query url.Values) ([]byte, int, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	for attempt := 0; attempt <= maxRateLimitRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, 0, fmt.Errorf("execute request: %w", err)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, 0, fmt.Errorf("read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if attempt == maxRateLimitRetries {
				return nil, resp.StatusCode, &RateLimitError{Attempts: attempt + 1}
			}
			delay := c.backoffDelay(resp, attempt)
			logger.Debug("[Social] Rate limited, backing off", "path", path, "attempt", attempt+1, "delay", delay)
			if err := sleep(ctx, delay); err != nil {
				return nil, resp.StatusCode, err
			}
		case resp.StatusCode == http.StatusNotFound:
			return body, resp.StatusCode, nil
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, resp.StatusCode, &APIError{Status: resp.StatusCode, Body: string(body)}
		default:
			return body, resp.StatusCode, nil
		}
	}

	return nil, 0, &RateLimitError{Attempts: maxRateLimitRetries + 1}
}

// backoffDelay honors an upstream Retry-After hint before falling back to
// exponential backoff from the base delay.
func (c *HTTPClient) backoffDelay(resp *http.Response, attempt int) time.Duration {
	if hint := resp.Header.Get("Retry-After"); hint != "" {
		if seconds, err := strconv.Atoi(hint); err == nil && seconds >= 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return c.baseBackoff * (1 << attempt)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
