// Package extract turns submitted sources (URLs, raw text) into structured
// content for routing: a title, a summary, markdown content, topics, and a
// confidence score.
//
// Extraction is deliberately forgiving. A fetch or parse failure does not
// abort the pipeline; it produces a zero-confidence result carrying the
// error, and downstream stages decide what to do with it.
package extract

// Source kinds recognized by the extractor.
const (
	KindArticle = "article"
	KindRepo    = "repo"
	KindFile    = "file"
	KindIssue   = "issue"
	KindSocial  = "social"
	KindText    = "text"
)

// Extraction is the structured result of extracting one source.
type Extraction struct {
	Title      string            `json:"title"`
	Summary    string            `json:"summary"`
	Content    string            `json:"content"`
	Topics     []string          `json:"topics,omitempty"`
	SourceURL  string            `json:"source_url,omitempty"`
	Kind       string            `json:"kind"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities,omitempty"`
}

// Failed reports whether the extraction produced nothing usable.
func (e Extraction) Failed() bool {
	return e.Confidence == 0
}

// failure builds a zero-confidence extraction recording why.
func failure(kind, sourceURL string, err error) Extraction {
	return Extraction{
		Kind:       kind,
		SourceURL:  sourceURL,
		Confidence: 0,
		Entities:   map[string]string{"error": err.Error()},
	}
}
