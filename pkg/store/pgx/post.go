package pgx

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/peerscope/backend/internal/util"
	"github.com/peerscope/backend/pkg/store"
)

// UpsertPosts inserts or overwrites posts by external post id. The embedding
// status is cleared only when the stored text differs from the new text;
// engagement-count changes alone never invalidate an embedding.
func (s *Storage) UpsertPosts(ctx context.Context, posts []store.Post) (int, error) {
	if len(posts) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, post := range posts {
		batch.Queue(`
			INSERT INTO posts (
				external_id, entity_id, author_external_id, text, lang, posted_at,
				like_count, repost_count, reply_count, quote_count,
				conversation_id, in_reply_to_user_id
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), NULLIF($12, ''))
			ON CONFLICT (external_id) DO UPDATE SET
				entity_id = EXCLUDED.entity_id,
				author_external_id = EXCLUDED.author_external_id,
				lang = EXCLUDED.lang,
				posted_at = EXCLUDED.posted_at,
				like_count = EXCLUDED.like_count,
				repost_count = EXCLUDED.repost_count,
				reply_count = EXCLUDED.reply_count,
				quote_count = EXCLUDED.quote_count,
				conversation_id = EXCLUDED.conversation_id,
				in_reply_to_user_id = EXCLUDED.in_reply_to_user_id,
				embedded_at = CASE WHEN posts.text IS DISTINCT FROM EXCLUDED.text
					THEN NULL ELSE posts.embedded_at END,
				embedding_error = CASE WHEN posts.text IS DISTINCT FROM EXCLUDED.text
					THEN NULL ELSE posts.embedding_error END,
				embedding_version = CASE WHEN posts.text IS DISTINCT FROM EXCLUDED.text
					THEN NULL ELSE posts.embedding_version END,
				embedding = CASE WHEN posts.text IS DISTINCT FROM EXCLUDED.text
					THEN NULL ELSE posts.embedding END,
				text = EXCLUDED.text,
				updated_at = now()`,
			post.ExternalID,
			post.EntityID,
			post.AuthorExternalID,
			util.SanitizePostgresText(post.Text),
			post.Lang,
			post.PostedAt,
			post.Likes,
			post.Reposts,
			post.Replies,
			post.Quotes,
			post.ConversationID,
			post.InReplyToUserID)
	}

	results := s.conn.SendBatch(ctx, batch)
	defer results.Close()

	written := 0
	for range posts {
		tag, err := results.Exec()
		if err != nil {
			return written, err
		}
		written += int(tag.RowsAffected())
	}
	return written, nil
}

// UnembeddedPosts returns posts not yet embedded, newest first, joined
// with the author's handle for embedding-text construction. Posts whose
// last batch failed are included, so a re-run retries them.
func (s *Storage) UnembeddedPosts(ctx context.Context, limit int) ([]store.PendingPost, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT p.external_id, p.entity_id, COALESCE(e.username, ''), p.text, p.posted_at
		FROM posts p
		JOIN entities e ON e.id = p.entity_id
		WHERE p.embedded_at IS NULL
		ORDER BY p.posted_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []store.PendingPost
	for rows.Next() {
		var p store.PendingPost
		if err := rows.Scan(&p.ExternalID, &p.EntityID, &p.Username, &p.Text, &p.PostedAt); err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// MarkPostsEmbedded records the terminal embedded state together with the
// vectors, keeping the relational store able to rebuild the vector index.
func (s *Storage) MarkPostsEmbedded(ctx context.Context, ids []string, model string, vectors map[string][]float32) error {
	if len(ids) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, id := range ids {
		var embedding any
		if vec, ok := vectors[id]; ok {
			embedding = pgvector.NewVector(vec)
		}
		batch.Queue(`
			UPDATE posts SET
				embedded_at = now(),
				embedding_version = $2,
				embedding_error = NULL,
				embedding = COALESCE($3, embedding),
				updated_at = now()
			WHERE external_id = $1`,
			id, model, embedding)
	}

	results := s.conn.SendBatch(ctx, batch)
	defer results.Close()

	for range ids {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// MarkPostsEmbedFailed records the failure without touching embedded_at, so
// the posts stay retryable after an operator re-run.
func (s *Storage) MarkPostsEmbedFailed(ctx context.Context, ids []string, message string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.conn.Exec(ctx, `
		UPDATE posts SET
			embedding_error = $2,
			updated_at = now()
		WHERE external_id = ANY($1)`,
		ids, util.SanitizePostgresText(message))
	return err
}
