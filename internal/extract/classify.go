package extract

import (
	"net/url"
	"strings"
)

// ClassifyURL decides which extraction strategy handles a URL.
//
//	github.com issue/PR paths -> KindIssue
//	github.com blob paths     -> KindFile
//	other github.com paths    -> KindRepo
//	twitter.com / x.com       -> KindSocial
//	everything else           -> KindArticle
func ClassifyURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return KindArticle
	}

	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	path := u.Path

	switch host {
	case "github.com":
		if strings.Contains(path, "/issues/") || strings.Contains(path, "/pull/") {
			return KindIssue
		}
		if strings.Contains(path, "/blob/") {
			return KindFile
		}
		return KindRepo
	case "twitter.com", "x.com":
		return KindSocial
	}
	return KindArticle
}
