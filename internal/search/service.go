package search

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"inkwell/engine/internal/branch"
	"inkwell/engine/internal/events"
	"inkwell/engine/internal/logging"
	"inkwell/engine/internal/store"
)

var (
	_ Searcher = (*Meili)(nil)
	_ Searcher = (*Scan)(nil)
)

// Service is the facade that tries Meilisearch first and falls back to a scan
// of primary storage.
type Service struct {
	repo     store.Repository
	branches *branch.Manager
	meili    *Meili
	scan     *Scan
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(repo store.Repository, branches *branch.Manager, meili *Meili, logger *zap.Logger) *Service {
	s := &Service{
		repo:     repo,
		branches: branches,
		meili:    meili,
		logger:   logging.OrNop(logger),
	}
	s.scan = NewScan(s.loadRecords)
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to scan", zap.Error(err))
	}

	results, total, err := s.scan.SearchContext(ctx, q)
	if err != nil {
		s.logger.Warn("scan search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Record builds the index record of ref from its main head. ok is false
// when main has no versions yet.
func (s *Service) Record(ctx context.Context, ref store.ProjectRef) (ProjectRecord, bool, error) {
	p, err := s.repo.GetProject(ctx, ref)
	if err != nil {
		return ProjectRecord{}, false, fmt.Errorf("get project: %w", err)
	}
	head, err := s.branches.HeadOf(ctx, ref, branch.Main)
	if err != nil || head == "" {
		return ProjectRecord{}, false, err
	}
	v, err := s.branches.Get(ctx, ref, head)
	if err != nil {
		return ProjectRecord{}, false, err
	}
	return NewRecord(p, head, v.Author, string(v.Content)), true, nil
}

func (s *Service) loadRecords(ctx context.Context, q Query) ([]ProjectRecord, error) {
	records := make([]ProjectRecord, 0, len(q.Projects))
	for _, ref := range q.Projects {
		rec, ok, err := s.Record(ctx, ref)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// HandleCommit is an events.Handler that reindexes main heads.
func (s *Service) HandleCommit(ctx context.Context, ev events.CommitEvent) {
	if ev.Branch != branch.Main || s.meili == nil || !s.meili.Healthy() {
		return
	}
	s.Reindex(ctx, ev.Project)
}

// Reindex pushes the current main head of refs to Meilisearch.
func (s *Service) Reindex(ctx context.Context, refs ...store.ProjectRef) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	records := make([]ProjectRecord, 0, len(refs))
	for _, ref := range refs {
		rec, ok, err := s.Record(ctx, ref)
		if err != nil {
			s.logger.Warn("search record failed", zap.String("project", ref.Key()), zap.Error(err))
			continue
		}
		if ok {
			records = append(records, rec)
		}
	}
	if err := s.meili.IndexProjects(records); err != nil {
		s.logger.Warn("search index failed", zap.Int("records", len(records)), zap.Error(err))
	}
}

// ReindexAll reads every project and pushes it to Meilisearch.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	projects, err := s.repo.ListProjects(ctx)
	if err != nil {
		s.logger.Warn("reindex load failed", zap.Error(err))
		return
	}
	refs := make([]store.ProjectRef, 0, len(projects))
	for _, p := range projects {
		refs = append(refs, p.Ref)
	}
	s.Reindex(ctx, refs...)
}

func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
