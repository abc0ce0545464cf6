// Package similarity maintains the pgvector embedding index over page
// content and answers nearest-neighbor queries against it.
//
// Each published page is represented by one embedding row per content
// chunk, keyed by (page, revision, chunk index). Search returns at most one
// match per page: the chunk closest to the query.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/entropywiki/entropy/internal/log"
)

const (
	// VectorDimension is the embedding width stored in page_embeddings.
	// gemini-embedding-001 is truncated to this via OutputDimensionality.
	VectorDimension = 768

	// DefaultThreshold is the minimum similarity for ad-hoc page search.
	DefaultThreshold = 0.3

	// RoutingThreshold is the (looser) minimum similarity when collecting
	// routing candidates. Routing wants marginal matches too, the model
	// decides whether they are relevant.
	RoutingThreshold = 0.2

	// RoutingCandidates caps how many candidate pages routing considers.
	RoutingCandidates = 5

	// searchTimeout bounds a single vector search round trip.
	searchTimeout = 10 * time.Second
)

// Match is a similarity search result: the best-matching chunk of one page.
type Match struct {
	PageID     uuid.UUID
	Slug       string
	Title      string
	ChunkIndex int
	Chunk      string
	Similarity float64
}

// Index manages page embeddings in PostgreSQL with pgvector.
//
// Index is safe for concurrent use by multiple goroutines.
type Index struct {
	pool     *pgxpool.Pool
	embedder ai.Embedder
	logger   log.Logger
}

// NewIndex creates an embedding index backed by the given pool and embedder.
func NewIndex(pool *pgxpool.Pool, embedder ai.Embedder, logger log.Logger) *Index {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Index{pool: pool, embedder: embedder, logger: logger}
}

// embed generates one vector per input text.
func (ix *Index) embed(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		docs[i] = ai.DocumentFromText(t, nil)
	}

	resp, err := ix.embedder.Embed(ctx, &ai.EmbedRequest{Input: docs})
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(resp.Embeddings), len(texts))
	}

	vectors := make([]pgvector.Vector, len(texts))
	for i, e := range resp.Embeddings {
		if len(e.Embedding) == 0 {
			return nil, errors.New("empty embedding returned")
		}
		vectors[i] = pgvector.NewVector(e.Embedding)
	}
	return vectors, nil
}

// IndexRevision replaces the page's embeddings with chunks of the given
// revision content. Stale rows from earlier revisions are removed so search
// only ever sees the current revision.
func (ix *Index) IndexRevision(ctx context.Context, pageID, revisionID uuid.UUID, content string) error {
	chunks := Chunk(content)
	if len(chunks) == 0 {
		if _, err := ix.pool.Exec(ctx,
			`DELETE FROM page_embeddings WHERE page_id = $1`, pageID); err != nil {
			return fmt.Errorf("clearing embeddings for page %s: %w", pageID, err)
		}
		return nil
	}

	vectors, err := ix.embed(ctx, chunks)
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, ix.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM page_embeddings WHERE page_id = $1`, pageID); err != nil {
			return fmt.Errorf("clearing embeddings for page %s: %w", pageID, err)
		}

		for i, chunk := range chunks {
			_, err := tx.Exec(ctx,
				`INSERT INTO page_embeddings (page_id, revision_id, chunk_index, content, embedding)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (page_id, revision_id, chunk_index)
				 DO UPDATE SET content = EXCLUDED.content, embedding = EXCLUDED.embedding`,
				pageID, revisionID, i, chunk, vectors[i])
			if err != nil {
				return fmt.Errorf("inserting embedding chunk %d for page %s: %w", i, pageID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	ix.logger.Debug("page indexed",
		"page_id", pageID, "revision_id", revisionID, "chunks", len(chunks))
	return nil
}

// Search embeds the query and returns the best-matching published pages
// with similarity >= minSimilarity, ordered by similarity descending. Each
// page appears at most once, represented by its closest chunk.
func (ix *Index) Search(ctx context.Context, query string, limit int, minSimilarity float64) ([]Match, error) {
	if limit <= 0 {
		limit = RoutingCandidates
	}

	queryCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	vectors, err := ix.embed(queryCtx, []string{query})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("embedding generation timeout: %w", err)
		}
		return nil, err
	}

	// DISTINCT ON keeps the closest chunk per page; the outer query orders
	// pages by that best similarity.
	rows, err := ix.pool.Query(queryCtx,
		`SELECT id, slug, title, chunk_index, content, similarity FROM (
		     SELECT DISTINCT ON (p.id)
		            p.id, p.slug, p.title, e.chunk_index, e.content,
		            1 - (e.embedding <=> $1) AS similarity
		     FROM page_embeddings e
		     JOIN pages p ON p.id = e.page_id
		     WHERE p.status = 'published'
		     ORDER BY p.id, e.embedding <=> $1
		 ) best
		 WHERE similarity >= $2
		 ORDER BY similarity DESC
		 LIMIT $3`,
		vectors[0], minSimilarity, limit)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("search query timeout: %w", err)
		}
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.PageID, &m.Slug, &m.Title, &m.ChunkIndex, &m.Chunk, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	return matches, nil
}

// CandidatesForRouting returns up to RoutingCandidates pages for the routing
// stage, using the looser RoutingThreshold.
func (ix *Index) CandidatesForRouting(ctx context.Context, query string) ([]Match, error) {
	return ix.Search(ctx, query, RoutingCandidates, RoutingThreshold)
}

// DeletePage removes all embeddings for a page.
func (ix *Index) DeletePage(ctx context.Context, pageID uuid.UUID) error {
	if _, err := ix.pool.Exec(ctx,
		`DELETE FROM page_embeddings WHERE page_id = $1`, pageID); err != nil {
		return fmt.Errorf("deleting embeddings for page %s: %w", pageID, err)
	}
	return nil
}

// Backfill indexes every published page whose current published revision
// has no embeddings yet. Returns the number of pages indexed. Individual
// page failures are logged and skipped so one bad page cannot block the
// rest of the backfill.
func (ix *Index) Backfill(ctx context.Context) (int, error) {
	rows, err := ix.pool.Query(ctx,
		`SELECT p.id, p.current_published_revision_id, r.content_md
		 FROM pages p
		 JOIN page_revisions r ON r.id = p.current_published_revision_id
		 WHERE p.status = 'published'
		   AND NOT EXISTS (
		       SELECT 1 FROM page_embeddings e
		       WHERE e.page_id = p.id
		         AND e.revision_id = p.current_published_revision_id
		   )`)
	if err != nil {
		return 0, fmt.Errorf("listing pages for backfill: %w", err)
	}

	type pending struct {
		pageID     uuid.UUID
		revisionID uuid.UUID
		content    string
	}
	var work []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.pageID, &p.revisionID, &p.content); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning backfill row: %w", err)
		}
		work = append(work, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("listing pages for backfill: %w", err)
	}

	indexed := 0
	for _, p := range work {
		if err := ix.IndexRevision(ctx, p.pageID, p.revisionID, p.content); err != nil {
			ix.logger.Warn("backfill failed for page", "page_id", p.pageID, "error", err)
			continue
		}
		indexed++
	}

	ix.logger.Info("embedding backfill completed", "indexed", indexed, "candidates", len(work))
	return indexed, nil
}
