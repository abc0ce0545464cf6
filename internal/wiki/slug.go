package wiki

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// maxSlugLength bounds generated slugs. Longer titles are truncated before
// collision suffixes are appended.
const maxSlugLength = 100

// maxSlugAttempts bounds the numeric collision suffix before falling back to
// a timestamp suffix.
const maxSlugAttempts = 100

// Slugify derives a URL slug from a title: lowercase, runs of
// non-alphanumeric characters collapse to a single hyphen, leading and
// trailing hyphens are trimmed, and the result is capped at maxSlugLength.
// An empty or all-symbol title yields "untitled".
func Slugify(title string) string {
	var b strings.Builder
	b.Grow(len(title))

	prevHyphen := false
	for _, r := range strings.ToLower(title) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		switch {
		case isAlnum:
			b.WriteRune(r)
			prevHyphen = false
		case !prevHyphen && b.Len() > 0:
			b.WriteByte('-')
			prevHyphen = true
		}
	}

	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLength {
		slug = strings.Trim(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		return "untitled"
	}
	return slug
}

// UniqueSlug returns a slug derived from title that no existing page uses.
// Collisions get a numeric suffix (-2, -3, ...); after maxSlugAttempts the
// current Unix millisecond timestamp is appended instead.
func (s *Store) UniqueSlug(ctx context.Context, title string) (string, error) {
	base := Slugify(title)

	slug := base
	for i := 1; i <= maxSlugAttempts; i++ {
		if i > 1 {
			slug = fmt.Sprintf("%s-%d", base, i)
		}
		exists, err := s.SlugExists(ctx, slug)
		if err != nil {
			return "", fmt.Errorf("checking slug %q: %w", slug, err)
		}
		if !exists {
			return slug, nil
		}
	}

	slug = fmt.Sprintf("%s-%d", base, time.Now().UnixMilli())
	exists, err := s.SlugExists(ctx, slug)
	if err != nil {
		return "", fmt.Errorf("checking slug %q: %w", slug, err)
	}
	if exists {
		return "", fmt.Errorf("%w: %q", ErrSlugExhausted, base)
	}
	return slug, nil
}
