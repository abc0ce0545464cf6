package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
)

const githubAPI = "https://api.github.com"

// githubHeaders returns API headers, including auth when a token is
// configured.
func (x *Extractor) githubHeaders(accept string) map[string]string {
	h := map[string]string{"Accept": accept}
	if x.githubToken != "" {
		h["Authorization"] = "Bearer " + x.githubToken
	}
	return h
}

// splitGitHubPath returns the path segments of a github.com URL.
func splitGitHubPath(rawURL string) ([]string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) < 2 || segs[0] == "" || segs[1] == "" {
		return nil, fmt.Errorf("not a repository URL: %s", rawURL)
	}
	return segs, nil
}

// extractRepo extracts repository metadata plus README content.
func (x *Extractor) extractRepo(ctx context.Context, rawURL string) Extraction {
	segs, err := splitGitHubPath(rawURL)
	if err != nil {
		return failure(KindRepo, rawURL, err)
	}
	owner, repo := segs[0], segs[1]

	body, err := x.get(ctx, fmt.Sprintf("%s/repos/%s/%s", githubAPI, owner, repo),
		x.githubHeaders("application/vnd.github+json"))
	if err != nil {
		return failure(KindRepo, rawURL, err)
	}

	var meta struct {
		FullName    string   `json:"full_name"`
		Description string   `json:"description"`
		Topics      []string `json:"topics"`
		Language    string   `json:"language"`
		Stars       int      `json:"stargazers_count"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return failure(KindRepo, rawURL, fmt.Errorf("parsing repo metadata: %w", err))
	}

	// README is best-effort; the repo metadata alone is already useful
	content := meta.Description
	readme, err := x.get(ctx, fmt.Sprintf("%s/repos/%s/%s/readme", githubAPI, owner, repo),
		x.githubHeaders("application/vnd.github.raw+json"))
	if err == nil && len(readme) > 0 {
		content = string(readme)
	}

	topics := meta.Topics
	if meta.Language != "" {
		topics = append(topics, strings.ToLower(meta.Language))
	}

	return Extraction{
		Title:      meta.FullName,
		Summary:    meta.Description,
		Content:    content,
		Topics:     topics,
		SourceURL:  rawURL,
		Kind:       KindRepo,
		Confidence: 0.95,
		Entities: map[string]string{
			"owner": owner,
			"repo":  repo,
			"stars": fmt.Sprintf("%d", meta.Stars),
		},
	}
}

// extractFile extracts a single file from a github.com blob URL by fetching
// the raw content.
func (x *Extractor) extractFile(ctx context.Context, rawURL string) Extraction {
	segs, err := splitGitHubPath(rawURL)
	if err != nil {
		return failure(KindFile, rawURL, err)
	}
	// Expected: owner/repo/blob/ref/path...
	if len(segs) < 5 || segs[2] != "blob" {
		return failure(KindFile, rawURL, fmt.Errorf("not a file URL: %s", rawURL))
	}
	owner, repo, ref := segs[0], segs[1], segs[3]
	filePath := strings.Join(segs[4:], "/")

	rawFileURL := fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/%s",
		owner, repo, ref, filePath)
	body, err := x.get(ctx, rawFileURL, nil)
	if err != nil {
		return failure(KindFile, rawURL, err)
	}

	content, topics := fileContent(filePath, string(body))

	return Extraction{
		Title:      path.Base(filePath),
		Summary:    fmt.Sprintf("Source file %s from %s/%s", filePath, owner, repo),
		Content:    content,
		Topics:     topics,
		SourceURL:  rawURL,
		Kind:       KindFile,
		Confidence: 0.9,
		Entities: map[string]string{
			"owner": owner,
			"repo":  repo,
			"path":  filePath,
		},
	}
}

// fileContent shapes a fetched file for the pipeline. Markdown goes in
// as-is; anything else is fenced so code never reads as prose downstream.
// The file extension doubles as a topic hint.
func fileContent(filePath, body string) (string, []string) {
	ext := strings.TrimPrefix(path.Ext(filePath), ".")
	topics := []string{"file"}
	if ext != "" {
		topics = []string{ext}
	}
	if ext == "md" || ext == "markdown" {
		return body, topics
	}
	return "```" + ext + "\n" + body + "\n```", topics
}

// extractIssue extracts an issue or pull request. The issues API serves
// both; PR numbers resolve through it transparently.
func (x *Extractor) extractIssue(ctx context.Context, rawURL string) Extraction {
	segs, err := splitGitHubPath(rawURL)
	if err != nil {
		return failure(KindIssue, rawURL, err)
	}
	// Expected: owner/repo/issues/N or owner/repo/pull/N
	if len(segs) < 4 {
		return failure(KindIssue, rawURL, fmt.Errorf("not an issue URL: %s", rawURL))
	}
	owner, repo, number := segs[0], segs[1], segs[3]

	body, err := x.get(ctx, fmt.Sprintf("%s/repos/%s/%s/issues/%s", githubAPI, owner, repo, number),
		x.githubHeaders("application/vnd.github+json"))
	if err != nil {
		return failure(KindIssue, rawURL, err)
	}

	var issue struct {
		Title  string `json:"title"`
		Body   string `json:"body"`
		State  string `json:"state"`
		User   struct{ Login string }
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	}
	if err := json.Unmarshal(body, &issue); err != nil {
		return failure(KindIssue, rawURL, fmt.Errorf("parsing issue: %w", err))
	}

	topics := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		topics = append(topics, l.Name)
	}

	return Extraction{
		Title:      fmt.Sprintf("%s/%s#%s: %s", owner, repo, number, issue.Title),
		Summary:    firstParagraph(issue.Body, 200),
		Content:    issue.Body,
		Topics:     topics,
		SourceURL:  rawURL,
		Kind:       KindIssue,
		Confidence: 0.95,
		Entities: map[string]string{
			"owner":  owner,
			"repo":   repo,
			"number": number,
			"state":  issue.State,
			"author": issue.User.Login,
		},
	}
}
