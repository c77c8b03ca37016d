package search

import (
	"context"
	"sort"
	"strings"
)

// Loader returns the records of the given projects, read from primary storage.
type Loader func(ctx context.Context, q Query) ([]ProjectRecord, error)

// Scan answers queries by loading records and matching them in memory. It
// backs search when Meilisearch is not configured or unhealthy.
type Scan struct {
	load Loader
}

func NewScan(load Loader) *Scan {
	return &Scan{load: load}
}

func (s *Scan) Healthy() bool {
	return s.load != nil
}

func matches(rec ProjectRecord, terms []string) bool {
	haystack := strings.ToLower(rec.Title + "\n" + rec.Body + "\n" + strings.Join(rec.Tags, " "))
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

func (s *Scan) Search(q Query) ([]Result, int, error) {
	return s.SearchContext(context.Background(), q)
}

func (s *Scan) SearchContext(ctx context.Context, q Query) ([]Result, int, error) {
	if len(q.Projects) == 0 {
		return nil, 0, nil
	}
	records, err := s.load(ctx, q)
	if err != nil {
		return nil, 0, err
	}

	terms := strings.Fields(strings.ToLower(q.Text))
	var hits []ProjectRecord
	for _, rec := range records {
		if q.Status != "" && rec.Status != q.Status {
			continue
		}
		if matches(rec, terms) {
			hits = append(hits, rec)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].UpdatedAt != hits[j].UpdatedAt {
			return hits[i].UpdatedAt > hits[j].UpdatedAt
		}
		return hits[i].ProjectKey < hits[j].ProjectKey
	})

	total := len(hits)
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	var first string
	if len(terms) > 0 {
		first = terms[0]
	}
	results := make([]Result, 0, end-offset)
	for _, rec := range hits[offset:end] {
		r := Result{
			Title:   rec.Title,
			Snippet: snippet(rec.Body, first, 160),
			Head:    rec.Head,
			Status:  rec.Status,
		}
		r.Project.Folder = rec.Folder
		r.Project.ID = rec.ProjectID
		results = append(results, r)
	}
	return results, total, nil
}
