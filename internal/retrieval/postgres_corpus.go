package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresCorpus stores documents in the documents table and ranks them
// with Postgres full-text search. Scores use the same coverage formula as
// Score (share of query terms matched, nudged by session-context terms),
// with English stemming, so MinScore and epsilon mean the same thing on
// both corpora. ts_rank only breaks ties between equal coverage.
type PostgresCorpus struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresCorpus(db *sql.DB) *PostgresCorpus {
	return &PostgresCorpus{db: db, now: time.Now}
}

func (c *PostgresCorpus) Index(ctx context.Context, doc Document) error {
	if err := ValidateDocument(doc); err != nil {
		return err
	}
	if doc.SourceLabel == "" {
		doc.SourceLabel = doc.ID
	}
	if doc.IndexedAt.IsZero() {
		doc.IndexedAt = c.now().UTC()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO documents (id, source_label, tier, content, indexed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET source_label = EXCLUDED.source_label,
		    tier = EXCLUDED.tier,
		    content = EXCLUDED.content,
		    indexed_at = EXCLUDED.indexed_at`,
		doc.ID, doc.SourceLabel, string(doc.Tier), doc.Content, doc.IndexedAt)
	if err != nil {
		return fmt.Errorf("index document %s: %w", doc.ID, err)
	}
	return nil
}

// Query terms are alphanumeric, so the OR'd to_tsquery needs no escaping.
const searchQuery = `
	WITH q AS (
		SELECT
			ARRAY(SELECT plainto_tsquery('english', t) FROM unnest($1::text[]) AS t
			      WHERE numnode(plainto_tsquery('english', t)) > 0) AS qt,
			ARRAY(SELECT plainto_tsquery('english', t) FROM unnest($2::text[]) AS t
			      WHERE numnode(plainto_tsquery('english', t)) > 0) AS ct
	), scored AS (
		SELECT d.id, d.source_label, d.tier, d.content, d.indexed_at,
		       (SELECT count(*) FROM unnest(q.qt) AS x WHERE d.search @@ x)::float8
		           / greatest(cardinality(q.qt), 1) AS qf,
		       (SELECT count(*) FROM unnest(q.ct) AS x WHERE d.search @@ x)::float8
		           / greatest(cardinality(q.ct), 1) AS cf,
		       ts_rank(d.search, to_tsquery('english', $3), 32) AS rank
		FROM documents d, q
		WHERE d.search @@ to_tsquery('english', $3)
		  AND ($4 OR d.tier <> 'upload')
	)
	SELECT id, source_label, tier, content, indexed_at,
	       qf + $5 * cf * (1 - qf) AS score
	FROM scored
	WHERE qf > 0
	ORDER BY score DESC, rank DESC, id
	LIMIT $6`

func (c *PostgresCorpus) Search(ctx context.Context, req SearchRequest) ([]Entry, error) {
	query := terms(req.Text)
	if len(query) == 0 {
		return nil, nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	around := contextTerms(query, req.Context)
	if around == nil {
		around = []string{}
	}
	rows, err := c.db.QueryContext(ctx, searchQuery,
		pq.Array(query), pq.Array(around), strings.Join(query, " | "), req.IncludeUploads, contextWeight, limit)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			tier    string
			content string
		)
		if err := rows.Scan(&e.SourceID, &e.SourceLabel, &tier, &content, &e.IndexedAt, &e.Score); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		e.Tier = Tier(tier)
		e.Snippet = Snippet(req.Text, content, snippetRunes)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}
