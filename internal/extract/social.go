package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// oembedEndpoint resolves tweet URLs without API credentials.
const oembedEndpoint = "https://publish.twitter.com/oembed"

// extractSocial extracts a tweet via the public oEmbed endpoint.
func (x *Extractor) extractSocial(ctx context.Context, rawURL string) Extraction {
	endpoint := fmt.Sprintf("%s?url=%s&omit_script=true", oembedEndpoint, url.QueryEscape(rawURL))
	body, err := x.get(ctx, endpoint, nil)
	if err != nil {
		return failure(KindSocial, rawURL, err)
	}

	var oembed struct {
		HTML       string `json:"html"`
		AuthorName string `json:"author_name"`
	}
	if err := json.Unmarshal(body, &oembed); err != nil {
		return failure(KindSocial, rawURL, fmt.Errorf("parsing oembed response: %w", err))
	}

	text := strings.TrimSpace(stripTags(oembed.HTML))
	if text == "" {
		return failure(KindSocial, rawURL, fmt.Errorf("empty oembed content for %s", rawURL))
	}

	title := "Post"
	if oembed.AuthorName != "" {
		title = fmt.Sprintf("Post by %s", oembed.AuthorName)
	}

	return Extraction{
		Title:      title,
		Summary:    firstParagraph(text, 200),
		Content:    text,
		SourceURL:  rawURL,
		Kind:       KindSocial,
		Confidence: 0.85,
		Entities:   map[string]string{"author": oembed.AuthorName},
	}
}

// stripTags extracts the visible text from an HTML fragment.
func stripTags(fragment string) string {
	var b strings.Builder
	tokenizer := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(tokenizer.Text())
			b.WriteByte(' ')
		}
	}
}
