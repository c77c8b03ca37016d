// Package search indexes the main head of every project and answers
// full-text queries restricted to the projects a caller may read.
package search

import (
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"inkwell/engine/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Project store.ProjectRef `json:"project"`
	Title   string           `json:"title"`
	Snippet string           `json:"snippet"`
	Head    string           `json:"head"`
	Status  string           `json:"status"`
}

// Query describes a search request. Projects bounds the result set; an
// empty Projects matches nothing.
type Query struct {
	Text     string
	Projects []store.ProjectRef
	Status   string
	Limit    int
	Offset   int
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ProjectRecord is what we index for a project head.
type ProjectRecord struct {
	ID         string   `json:"id"`
	ProjectKey string   `json:"projectKey"`
	Folder     string   `json:"folder"`
	ProjectID  string   `json:"projectId"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Tags       []string `json:"tags"`
	Status     string   `json:"status"`
	Head       string   `json:"head"`
	Author     string   `json:"author"`
	UpdatedAt  int64    `json:"updatedAt"`
}

const maxBodyRunes = 20000

// RecordID hex-encodes the project key, so distinct keys never share a
// Meilisearch document id.
func RecordID(ref store.ProjectRef) string {
	return hex.EncodeToString([]byte(ref.Key()))
}

// NewRecord builds the index record for a project whose main head holds body.
func NewRecord(p store.Project, head, author, body string) ProjectRecord {
	if runes := []rune(body); len(runes) > maxBodyRunes {
		body = string(runes[:maxBodyRunes])
	}
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	return ProjectRecord{
		ID:         RecordID(p.Ref),
		ProjectKey: p.Ref.Key(),
		Folder:     p.Ref.Folder,
		ProjectID:  p.Ref.ID,
		Title:      p.Title,
		Body:       body,
		Tags:       tags,
		Status:     string(p.Status),
		Head:       head,
		Author:     author,
		UpdatedAt:  p.LastModified.Unix(),
	}
}

func snippet(body, text string, width int) string {
	runes := []rune(body)
	start := 0
	if text != "" {
		lowered := strings.ToLower(body)
		if idx := strings.Index(lowered, strings.ToLower(text)); idx >= 0 {
			start = utf8.RuneCountInString(lowered[:idx]) - width/4
			if start < 0 {
				start = 0
			}
		}
	}
	end := start + width
	if start > len(runes) {
		start = len(runes)
	}
	if end > len(runes) {
		end = len(runes)
	}
	return strings.TrimSpace(string(runes[start:end]))
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
