package databases

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pgSearch is the lexical leg of the hybrid retriever. It queries the
// "chunks" table bootstrapped by internal/statestore (chunk_id, doc_id,
// tenant_id, text, metadata, generated tsvector "ts" column), so it shares
// its pool with the state store rather than bootstrapping a separate
// documents table.
type pgSearch struct{ pool *pgxpool.Pool }

// NewPostgresSearch wraps an existing pool (normally the same one used by
// internal/statestore) as a FullTextSearch backend over the chunks table.
func NewPostgresSearch(pool *pgxpool.Pool) FullTextSearch {
	return &pgSearch{pool: pool}
}

// Index is a no-op: rows land in "chunks" via internal/statestore's
// UpsertChunks during the chunk_embed stage; the search backend only reads.
func (p *pgSearch) Index(context.Context, string, string, map[string]string) error { return nil }

// Remove is a no-op for the same reason; deletion happens via
// internal/statestore's cascade delete.
func (p *pgSearch) Remove(context.Context, string) error { return nil }

func (p *pgSearch) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `
SELECT chunk_id, ts_rank(ts, plainto_tsquery('simple',$1)) AS score,
       left(text, 200) AS snippet, metadata
FROM chunks
WHERE ts @@ plainto_tsquery('simple',$1)
ORDER BY score DESC
LIMIT $2
`, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]SearchResult, 0, limit)
	for rows.Next() {
		var r SearchResult
		var md map[string]string
		if err := rows.Scan(&r.ID, &r.Score, &r.Snippet, &md); err != nil {
			return nil, err
		}
		r.Metadata = md
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *pgSearch) Close() { /* pool lifecycle owned by internal/statestore */ }
