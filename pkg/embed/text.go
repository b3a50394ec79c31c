package embed

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

// maxInputTokens bounds every embedding input. The limit is below the
// smallest context of the supported embedding models.
const maxInputTokens = 8000

// ProfileInput carries the profile fields that feed the embedding text.
type ProfileInput struct {
	Name        string
	Handle      string
	Summary     string
	Description string
	Topics      []string
	Location    string
}

// PostInput carries the post fields that feed the embedding text. Handle
// falls back to EntityID when the author has no stored handle.
type PostInput struct {
	Handle   string
	EntityID string
	PostedAt time.Time
	Text     string
}

// ProfileText builds the embedding input for a profile. Field order is
// fixed so that identical profiles always produce identical inputs.
func ProfileText(in ProfileInput) string {
	var b strings.Builder
	if in.Name != "" {
		fmt.Fprintf(&b, "Name: %s\n", in.Name)
	}
	if in.Handle != "" {
		fmt.Fprintf(&b, "Handle: @%s\n", in.Handle)
	}
	if in.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", in.Summary)
	}
	if in.Description != "" {
		fmt.Fprintf(&b, "Bio: %s\n", in.Description)
	}
	if len(in.Topics) > 0 {
		fmt.Fprintf(&b, "Topics: %s\n", strings.Join(in.Topics, ", "))
	}
	if in.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", in.Location)
	}
	return TruncateTokens(strings.TrimRight(b.String(), "\n"))
}

// PostText builds the embedding input for a post: an author/timestamp
// header followed by the raw text.
func PostText(in PostInput) string {
	author := in.Handle
	if author != "" {
		author = "@" + author
	} else {
		author = in.EntityID
	}

	header := author
	if !in.PostedAt.IsZero() {
		header = fmt.Sprintf("%s · %s", author, in.PostedAt.UTC().Format(time.RFC3339))
	}
	return TruncateTokens(header + "\n" + in.Text)
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// TruncateTokens bounds text to the embedding input budget. When the
// tokenizer is unavailable the text passes through unchanged; the backend
// rejects oversized inputs anyway.
func TruncateTokens(text string) string {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return text
	}

	tokens := encoding.Encode(text, nil, nil)
	if len(tokens) <= maxInputTokens {
		return text
	}
	return encoding.Decode(tokens[:maxInputTokens])
}
