// Package metadata derives per-project snapshots (text statistics,
// collaborators, engagement) from committed versions.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"inkwell/engine/internal/branch"
	"inkwell/engine/internal/errdefs"
	"inkwell/engine/internal/events"
	"inkwell/engine/internal/logging"
	"inkwell/engine/internal/store"
	"inkwell/engine/internal/util"
)

const WordsPerMinute = 200

type Stats struct {
	Words          int
	Chars          int
	ReadingMinutes float64
	ReadingTime    string
}

func TextStats(text string) Stats {
	words := len(strings.Fields(text))
	minutes := float64(words) / WordsPerMinute
	return Stats{
		Words:          words,
		Chars:          utf8.RuneCountInString(text),
		ReadingMinutes: math.Round(minutes*10) / 10,
		ReadingTime:    fmt.Sprintf("%.1f min", minutes),
	}
}

type Aggregator struct {
	repo     store.Repository
	branches *branch.Manager
	cache    Cache
	clock    util.Clock
	group    singleflight.Group
	logger   *zap.Logger
}

func NewAggregator(repo store.Repository, branches *branch.Manager, cache Cache, clock util.Clock, logger *zap.Logger) *Aggregator {
	if cache == nil {
		cache = NopCache{}
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Aggregator{
		repo:     repo,
		branches: branches,
		cache:    cache,
		clock:    clock,
		logger:   logging.OrNop(logger),
	}
}

// HandleCommit is an events.Handler. Failures are logged and dropped.
func (a *Aggregator) HandleCommit(ctx context.Context, ev events.CommitEvent) {
	if _, err := a.Recompute(ctx, ev.Project); err != nil {
		a.logger.Warn("metadata recompute failed",
			zap.String("project", ev.Project.Key()),
			zap.String("head", ev.Head),
			zap.Error(err),
		)
	}
}

// Recompute rebuilds the snapshot of ref. Concurrent calls for the same
// project share one computation.
func (a *Aggregator) Recompute(ctx context.Context, ref store.ProjectRef) (store.Metadata, error) {
	v, err, _ := a.group.Do(ref.Key(), func() (any, error) {
		return a.recompute(ctx, ref)
	})
	if err != nil {
		return store.Metadata{}, err
	}
	return v.(store.Metadata), nil
}

// sourceBranch picks main when it has a head, otherwise the most recently
// moved branch.
func (a *Aggregator) sourceBranch(ctx context.Context, ref store.ProjectRef) (string, string, error) {
	head, err := a.branches.HeadOf(ctx, ref, branch.Main)
	if err != nil {
		return "", "", err
	}
	if head != "" {
		return branch.Main, head, nil
	}
	branches, err := a.branches.Branches(ctx, ref)
	if err != nil {
		return "", "", err
	}
	var latest store.Branch
	for _, b := range branches {
		if b.Head == "" {
			continue
		}
		if latest.Head == "" || b.UpdatedAt.After(latest.UpdatedAt) {
			latest = b
		}
	}
	return latest.Name, latest.Head, nil
}

func (a *Aggregator) recompute(ctx context.Context, ref store.ProjectRef) (store.Metadata, error) {
	p, err := a.repo.GetProject(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return store.Metadata{}, errdefs.NotFound("project not found", map[string]any{"project": ref.Key()})
	}
	if err != nil {
		return store.Metadata{}, fmt.Errorf("get project: %w", err)
	}

	name, head, err := a.sourceBranch(ctx, ref)
	if err != nil {
		return store.Metadata{}, err
	}
	var text string
	if head != "" {
		v, err := a.branches.Get(ctx, ref, head)
		if err != nil {
			return store.Metadata{}, err
		}
		text = string(v.Content)
	}
	stats := TextStats(text)

	collaborators := make([]string, 0, len(p.Collaborators))
	for user := range p.Collaborators {
		collaborators = append(collaborators, user)
	}
	sort.Strings(collaborators)

	m := store.Metadata{
		Branch:         name,
		Head:           head,
		WordCount:      stats.Words,
		CharCount:      stats.Chars,
		ReadingMinutes: stats.ReadingMinutes,
		ReadingTime:    stats.ReadingTime,
		Collaborators:  collaborators,
		Engagement:     a.engagement(ctx, p),
		UpdatedAt:      util.Stamp(a.clock.Now()),
	}

	if _, err := a.repo.UpdateProject(ctx, ref, func(p *store.Project) error {
		p.Metadata = &m
		return nil
	}); err != nil {
		return store.Metadata{}, fmt.Errorf("store metadata: %w", err)
	}
	if err := a.cache.SetMetadata(ctx, ref, m); err != nil {
		a.logger.Warn("metadata cache write failed", zap.String("project", ref.Key()), zap.Error(err))
	}
	a.logger.Debug("metadata recomputed",
		zap.String("project", ref.Key()),
		zap.String("branch", name),
		zap.String("head", head),
		zap.Int("words", stats.Words),
	)
	return m, nil
}

func (a *Aggregator) engagement(ctx context.Context, p store.Project) store.Engagement {
	e, err := a.cache.GetEngagement(ctx, p.Ref)
	if err == nil {
		return e
	}
	if !errors.Is(err, ErrCacheMiss) {
		a.logger.Warn("engagement cache read failed", zap.String("project", p.Ref.Key()), zap.Error(err))
	}
	if p.Engagement != nil {
		return *p.Engagement
	}
	return store.Engagement{}
}

// Snapshot returns the cached snapshot, then the stored one, computing it
// only when neither exists.
func (a *Aggregator) Snapshot(ctx context.Context, ref store.ProjectRef) (store.Metadata, error) {
	m, err := a.cache.GetMetadata(ctx, ref)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		a.logger.Warn("metadata cache read failed", zap.String("project", ref.Key()), zap.Error(err))
	}

	p, err := a.repo.GetProject(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return store.Metadata{}, errdefs.NotFound("project not found", map[string]any{"project": ref.Key()})
	}
	if err != nil {
		return store.Metadata{}, fmt.Errorf("get project: %w", err)
	}
	if p.Metadata != nil {
		return *p.Metadata, nil
	}
	return a.Recompute(ctx, ref)
}

// RecordEngagement stores figures supplied by the analytics collaborator.
func (a *Aggregator) RecordEngagement(ctx context.Context, ref store.ProjectRef, e store.Engagement) (store.Engagement, error) {
	e.UpdatedAt = util.Stamp(a.clock.Now())
	p, err := a.repo.UpdateProject(ctx, ref, func(p *store.Project) error {
		p.Engagement = &e
		if p.Metadata != nil {
			p.Metadata.Engagement = e
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return store.Engagement{}, errdefs.NotFound("project not found", map[string]any{"project": ref.Key()})
	}
	if err != nil {
		return store.Engagement{}, fmt.Errorf("store engagement: %w", err)
	}

	if err := a.cache.SetEngagement(ctx, ref, e); err != nil {
		a.logger.Warn("engagement cache write failed", zap.String("project", ref.Key()), zap.Error(err))
	}
	if p.Metadata != nil {
		if err := a.cache.SetMetadata(ctx, ref, *p.Metadata); err != nil {
			a.logger.Warn("metadata cache write failed", zap.String("project", ref.Key()), zap.Error(err))
		}
	}
	return e, nil
}

func (a *Aggregator) Engagement(ctx context.Context, ref store.ProjectRef) (store.Engagement, error) {
	p, err := a.repo.GetProject(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return store.Engagement{}, errdefs.NotFound("project not found", map[string]any{"project": ref.Key()})
	}
	if err != nil {
		return store.Engagement{}, fmt.Errorf("get project: %w", err)
	}
	return a.engagement(ctx, p), nil
}
