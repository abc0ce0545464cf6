package extract

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/gocolly/colly/v2"
)

// extractArticle extracts a general web page: Open Graph metadata from the
// head, readable body text via readability. Confidence is 0.8 when body
// content was found, 0.3 when only metadata survived.
func (x *Extractor) extractArticle(ctx context.Context, rawURL string) Extraction {
	if err := x.validator.Validate(rawURL); err != nil {
		return failure(KindArticle, rawURL, err)
	}
	if err := x.limiter.Wait(ctx); err != nil {
		return failure(KindArticle, rawURL, err)
	}

	var (
		body     []byte
		ogTitle  string
		ogDesc   string
		docTitle string
		topics   []string
	)

	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.MaxDepth(1),
	)
	c.WithTransport(x.validator.SafeTransport())
	c.SetRequestTimeout(x.timeout)

	c.OnResponse(func(r *colly.Response) {
		body = r.Body
	})
	c.OnHTML("head", func(e *colly.HTMLElement) {
		ogTitle = e.ChildAttr(`meta[property="og:title"]`, "content")
		ogDesc = e.ChildAttr(`meta[property="og:description"]`, "content")
		if ogDesc == "" {
			ogDesc = e.ChildAttr(`meta[name="description"]`, "content")
		}
		docTitle = strings.TrimSpace(e.ChildText("title"))
		e.DOM.Find(`meta[property="article:tag"]`).Each(func(_ int, s *goquery.Selection) {
			if tag, ok := s.Attr("content"); ok && tag != "" {
				topics = append(topics, tag)
			}
		})
	})

	if err := c.Visit(rawURL); err != nil {
		return failure(KindArticle, rawURL, fmt.Errorf("fetching %s: %w", rawURL, err))
	}
	c.Wait()

	if len(body) == 0 {
		return failure(KindArticle, rawURL, fmt.Errorf("empty response from %s", rawURL))
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return failure(KindArticle, rawURL, err)
	}

	content := ""
	readTitle := ""
	if article, err := readability.FromReader(bytes.NewReader(body), parsedURL); err == nil {
		content = strings.TrimSpace(article.TextContent)
		readTitle = strings.TrimSpace(article.Title)
	}

	title := firstNonEmpty(ogTitle, readTitle, docTitle)
	summary := ogDesc
	if summary == "" {
		summary = firstParagraph(content, 200)
	}

	confidence := 0.8
	if content == "" {
		// Metadata only; still useful for routing but flag the gap
		confidence = 0.3
		content = summary
	}

	return Extraction{
		Title:      title,
		Summary:    summary,
		Content:    content,
		Topics:     topics,
		SourceURL:  rawURL,
		Kind:       KindArticle,
		Confidence: confidence,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
