// Package wiki manages pages and their revision history.
//
// A page never stores content directly. Content lives in immutable
// revisions; the page carries two pointers, one to the current published
// revision and one to the current draft. Publishing moves the published
// pointer, it never rewrites history.
package wiki

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Page statuses.
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
)

// Revision author types.
const (
	AuthorHuman = "human"
	AuthorAI    = "ai"
)

var (
	// ErrPageNotFound indicates no page matches the given ID or slug.
	ErrPageNotFound = errors.New("page not found")

	// ErrRevisionNotFound indicates no revision matches the given ID.
	ErrRevisionNotFound = errors.New("revision not found")

	// ErrNoContent indicates a page has no revision to read content from.
	ErrNoContent = errors.New("page has no content")

	// ErrSlugExhausted indicates no unique slug could be derived from a title.
	ErrSlugExhausted = errors.New("slug namespace exhausted")
)

// Page is a wiki page. Content is reachable only through the revision
// pointers.
type Page struct {
	ID                  uuid.UUID
	Slug                string
	Title               string
	Status              string
	PublishedRevisionID *uuid.UUID
	DraftRevisionID     *uuid.UUID
	ParentID            *uuid.UUID
	SortOrder           int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Revision is an immutable content snapshot of a page.
type Revision struct {
	ID         uuid.UUID
	PageID     uuid.UUID
	ContentMD  string
	AuthorType string
	CreatedAt  time.Time
}
