package wiki

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/entropywiki/entropy/internal/log"
)

// querier is the subset of pgx operations the store needs. Both
// *pgxpool.Pool and pgx.Tx satisfy it, so every read helper works inside and
// outside a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store manages pages and revisions in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewStore creates a page store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

const pageColumns = `id, slug, title, status, current_published_revision_id,
	current_draft_revision_id, parent_id, sort_order, created_at, updated_at`

func scanPage(row pgx.Row) (Page, error) {
	var p Page
	err := row.Scan(&p.ID, &p.Slug, &p.Title, &p.Status,
		&p.PublishedRevisionID, &p.DraftRevisionID,
		&p.ParentID, &p.SortOrder, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// GetByID returns the page with the given ID.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (Page, error) {
	return s.getByID(ctx, s.pool, id)
}

func (s *Store) getByID(ctx context.Context, q querier, id uuid.UUID) (Page, error) {
	p, err := scanPage(q.QueryRow(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Page{}, fmt.Errorf("%w: id %s", ErrPageNotFound, id)
	}
	if err != nil {
		return Page{}, fmt.Errorf("getting page %s: %w", id, err)
	}
	return p, nil
}

// GetBySlug returns the page with the given slug.
func (s *Store) GetBySlug(ctx context.Context, slug string) (Page, error) {
	p, err := scanPage(s.pool.QueryRow(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE slug = $1`, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return Page{}, fmt.Errorf("%w: slug %q", ErrPageNotFound, slug)
	}
	if err != nil {
		return Page{}, fmt.Errorf("getting page %q: %w", slug, err)
	}
	return p, nil
}

// List returns pages ordered by sort order then title. If status is
// non-empty only pages with that status are returned.
func (s *Store) List(ctx context.Context, status string, limit, offset int) ([]Page, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + pageColumns + ` FROM pages`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY sort_order, title LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pages: %w", err)
	}
	defer rows.Close()

	var pages []Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning page: %w", err)
		}
		pages = append(pages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing pages: %w", err)
	}
	return pages, nil
}

// SlugExists reports whether any page already uses the given slug.
func (s *Store) SlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM pages WHERE slug = $1)`, slug).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking slug existence: %w", err)
	}
	return exists, nil
}

// GetRevision returns the revision with the given ID.
func (s *Store) GetRevision(ctx context.Context, id uuid.UUID) (Revision, error) {
	var r Revision
	err := s.pool.QueryRow(ctx,
		`SELECT id, page_id, content_md, author_type, created_at
		 FROM page_revisions WHERE id = $1`, id).
		Scan(&r.ID, &r.PageID, &r.ContentMD, &r.AuthorType, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Revision{}, fmt.Errorf("%w: id %s", ErrRevisionNotFound, id)
	}
	if err != nil {
		return Revision{}, fmt.Errorf("getting revision %s: %w", id, err)
	}
	return r, nil
}

// Content returns the page's current markdown, preferring the draft revision
// over the published one so pending AI additions are not overwritten by the
// next merge.
func (s *Store) Content(ctx context.Context, pageID uuid.UUID) (string, error) {
	p, err := s.GetByID(ctx, pageID)
	if err != nil {
		return "", err
	}

	revID := p.DraftRevisionID
	if revID == nil {
		revID = p.PublishedRevisionID
	}
	if revID == nil {
		return "", fmt.Errorf("%w: page %s", ErrNoContent, pageID)
	}

	rev, err := s.GetRevision(ctx, *revID)
	if err != nil {
		return "", err
	}
	return rev.ContentMD, nil
}

// PublishedContent returns the markdown of the page's published revision.
func (s *Store) PublishedContent(ctx context.Context, pageID uuid.UUID) (string, error) {
	p, err := s.GetByID(ctx, pageID)
	if err != nil {
		return "", err
	}
	if p.PublishedRevisionID == nil {
		return "", fmt.Errorf("%w: page %s has no published revision", ErrNoContent, pageID)
	}
	rev, err := s.GetRevision(ctx, *p.PublishedRevisionID)
	if err != nil {
		return "", err
	}
	return rev.ContentMD, nil
}

// CreateParams describes a new page with its first revision.
type CreateParams struct {
	Slug       string
	Title      string
	ContentMD  string
	AuthorType string
	Publish    bool // true sets status=published and the published pointer
}

// Create inserts a page and its first revision atomically. The revision
// always becomes the draft pointer; when Publish is set the page is
// published and the published pointer is set as well.
func (s *Store) Create(ctx context.Context, params CreateParams) (Page, Revision, error) {
	var page Page
	var rev Revision

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		status := StatusDraft
		if params.Publish {
			status = StatusPublished
		}

		p, err := scanPage(tx.QueryRow(ctx,
			`INSERT INTO pages (slug, title, status)
			 VALUES ($1, $2, $3)
			 RETURNING `+pageColumns, params.Slug, params.Title, status))
		if err != nil {
			return fmt.Errorf("inserting page: %w", err)
		}

		r, err := insertRevision(ctx, tx, p.ID, params.ContentMD, params.AuthorType)
		if err != nil {
			return err
		}

		if err := setRevisionPointers(ctx, tx, p.ID, r.ID, params.Publish); err != nil {
			return err
		}

		page, err = s.getByID(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		rev = r
		return nil
	})
	if err != nil {
		return Page{}, Revision{}, err
	}

	s.logger.Info("page created",
		"page_id", page.ID, "slug", page.Slug, "status", page.Status)
	return page, rev, nil
}

// AddRevision appends a revision to an existing page atomically. The new
// revision becomes the draft pointer; when publish is set the published
// pointer moves too and the page status becomes published.
func (s *Store) AddRevision(ctx context.Context, pageID uuid.UUID, contentMD, authorType string, publish bool) (Revision, error) {
	var rev Revision

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := s.getByID(ctx, tx, pageID); err != nil {
			return err
		}

		r, err := insertRevision(ctx, tx, pageID, contentMD, authorType)
		if err != nil {
			return err
		}

		if err := setRevisionPointers(ctx, tx, pageID, r.ID, publish); err != nil {
			return err
		}

		rev = r
		return nil
	})
	if err != nil {
		return Revision{}, err
	}

	s.logger.Info("revision added",
		"page_id", pageID, "revision_id", rev.ID, "published", publish)
	return rev, nil
}

// Publish promotes the page's draft revision to published.
func (s *Store) Publish(ctx context.Context, pageID uuid.UUID) (Page, error) {
	var page Page

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := s.getByID(ctx, tx, pageID)
		if err != nil {
			return err
		}
		if p.DraftRevisionID == nil {
			return fmt.Errorf("%w: page %s has no draft to publish", ErrNoContent, pageID)
		}

		if err := setRevisionPointers(ctx, tx, pageID, *p.DraftRevisionID, true); err != nil {
			return err
		}

		page, err = s.getByID(ctx, tx, pageID)
		return err
	})
	if err != nil {
		return Page{}, err
	}

	s.logger.Info("page published", "page_id", pageID)
	return page, nil
}

// Delete removes a page and, via cascading constraints, its revisions and
// embeddings.
func (s *Store) Delete(ctx context.Context, pageID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pages WHERE id = $1`, pageID)
	if err != nil {
		return fmt.Errorf("deleting page %s: %w", pageID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %s", ErrPageNotFound, pageID)
	}
	return nil
}

func insertRevision(ctx context.Context, tx pgx.Tx, pageID uuid.UUID, contentMD, authorType string) (Revision, error) {
	if authorType == "" {
		authorType = AuthorHuman
	}

	var r Revision
	err := tx.QueryRow(ctx,
		`INSERT INTO page_revisions (page_id, content_md, author_type)
		 VALUES ($1, $2, $3)
		 RETURNING id, page_id, content_md, author_type, created_at`,
		pageID, contentMD, authorType).
		Scan(&r.ID, &r.PageID, &r.ContentMD, &r.AuthorType, &r.CreatedAt)
	if err != nil {
		return Revision{}, fmt.Errorf("inserting revision: %w", err)
	}
	return r, nil
}

func setRevisionPointers(ctx context.Context, tx pgx.Tx, pageID, revisionID uuid.UUID, publish bool) error {
	var err error
	if publish {
		_, err = tx.Exec(ctx,
			`UPDATE pages
			 SET current_draft_revision_id = $2,
			     current_published_revision_id = $2,
			     status = $3,
			     updated_at = $4
			 WHERE id = $1`,
			pageID, revisionID, StatusPublished, time.Now().UTC())
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE pages
			 SET current_draft_revision_id = $2,
			     updated_at = $3
			 WHERE id = $1`,
			pageID, revisionID, time.Now().UTC())
	}
	if err != nil {
		return fmt.Errorf("updating revision pointers: %w", err)
	}
	return nil
}
