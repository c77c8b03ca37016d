package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"inkwell/engine/internal/access"
	"inkwell/engine/internal/branch"
	"inkwell/engine/internal/commit"
	"inkwell/engine/internal/errdefs"
	"inkwell/engine/internal/rbac"
	"inkwell/engine/internal/store"
	"inkwell/engine/internal/util"
)

const maxProjectIDAttempts = 5

type CreateProjectInput struct {
	Folder  string
	Title   string
	Content []byte
	Tags    []string
	Author  string
}

type ProjectSummary struct {
	Ref          store.ProjectRef `json:"project"`
	Title        string           `json:"title"`
	Owner        string           `json:"owner"`
	Status       store.Status     `json:"status"`
	Tags         []string         `json:"tags"`
	Role         rbac.Role        `json:"role"`
	CreatedAt    time.Time        `json:"createdAt"`
	LastModified time.Time        `json:"lastModified"`
}

func summarize(p store.Project, role rbac.Role) ProjectSummary {
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	return ProjectSummary{
		Ref:          p.Ref,
		Title:        p.Title,
		Owner:        p.Owner,
		Status:       p.Status,
		Tags:         tags,
		Role:         role,
		CreatedAt:    p.CreatedAt,
		LastModified: p.LastModified,
	}
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// CreateProject allocates "{unix}_{title}" in folder, makes author the owner
// and commits content to main as "Initial commit".
func (s *Service) CreateProject(ctx context.Context, in CreateProjectInput) (ProjectSummary, branch.Version, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = "Untitled Project"
	}
	now := util.Stamp(s.clock.Now())

	folder := strings.TrimSpace(in.Folder)
	base := util.ProjectID(title, now)
	initial := commit.Request{
		Project: store.ProjectRef{Folder: folder, ID: base},
		Branch:  branch.Main,
		Author:  in.Author,
		Content: in.Content,
		Label:   "Initial commit",
	}
	if err := initial.Validate(); err != nil {
		return ProjectSummary{}, branch.Version{}, err
	}

	var (
		p   store.Project
		v   branch.Version
		err error
	)
	for attempt := 1; ; attempt++ {
		id := base
		if attempt > 1 {
			id = base + "_" + strconv.Itoa(attempt)
		}
		p = store.Project{
			Ref:           store.ProjectRef{Folder: folder, ID: id},
			Title:         title,
			Owner:         in.Author,
			CreatedAt:     now,
			LastModified:  now,
			Status:        store.StatusIdea,
			Tags:          normalizeTags(in.Tags),
			Collaborators: map[string]rbac.Role{in.Author: rbac.RoleDeveloper},
		}
		v, err = s.commits.Create(ctx, p, initial)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrConflict) || attempt == maxProjectIDAttempts {
			return ProjectSummary{}, branch.Version{}, err
		}
	}
	if v.Timestamp.After(p.LastModified) {
		p.LastModified = v.Timestamp
	}
	return summarize(p, rbac.RoleDeveloper), v, nil
}

func (s *Service) Project(ctx context.Context, ref store.ProjectRef, actor string) (ProjectSummary, error) {
	p, err := s.access.Project(ctx, ref)
	if err != nil {
		return ProjectSummary{}, err
	}
	role := s.access.RoleIn(p, actor)
	if !rbac.Can(role, rbac.CapRead) {
		return ProjectSummary{}, access.Forbidden(rbac.CapRead, role)
	}
	return summarize(p, role), nil
}

// ListProjects returns the projects actor may read, most recently modified
// first. An empty folder lists every folder.
func (s *Service) ListProjects(ctx context.Context, actor, folder string) ([]ProjectSummary, error) {
	projects, err := s.repo.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	out := make([]ProjectSummary, 0, len(projects))
	for _, p := range projects {
		if folder != "" && p.Ref.Folder != folder {
			continue
		}
		role := s.access.RoleIn(p, actor)
		if !rbac.Can(role, rbac.CapRead) {
			continue
		}
		out = append(out, summarize(p, role))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastModified.Equal(out[j].LastModified) {
			return out[i].LastModified.After(out[j].LastModified)
		}
		return out[i].Ref.Key() < out[j].Ref.Key()
	})
	return out, nil
}

func (s *Service) Folders(ctx context.Context, actor string) ([]string, error) {
	projects, err := s.ListProjects(ctx, actor, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	folders := make([]string, 0)
	for _, p := range projects {
		if _, ok := seen[p.Ref.Folder]; ok {
			continue
		}
		seen[p.Ref.Folder] = struct{}{}
		folders = append(folders, p.Ref.Folder)
	}
	sort.Strings(folders)
	return folders, nil
}

func (s *Service) updateProject(ctx context.Context, ref store.ProjectRef, actor string, fn func(*store.Project) error) (ProjectSummary, error) {
	if err := s.access.Authorize(ctx, ref, actor, rbac.CapWriteMain); err != nil {
		return ProjectSummary{}, err
	}
	p, err := s.repo.UpdateProject(ctx, ref, func(p *store.Project) error {
		if err := fn(p); err != nil {
			return err
		}
		p.LastModified = util.Stamp(s.clock.Now())
		return nil
	})
	if err != nil {
		return ProjectSummary{}, fmt.Errorf("update project: %w", err)
	}
	return s.Project(ctx, p.Ref, actor)
}

func (s *Service) SetStatus(ctx context.Context, ref store.ProjectRef, actor string, status store.Status) (ProjectSummary, error) {
	if !store.ValidStatus(status) {
		return ProjectSummary{}, errdefs.InvalidArgument(fmt.Sprintf("unknown status %q", status), map[string]any{"status": string(status)})
	}
	summary, err := s.updateProject(ctx, ref, actor, func(p *store.Project) error {
		p.Status = status
		return nil
	})
	if err == nil {
		s.logger.Info("project status changed",
			zap.String("project", ref.Key()),
			zap.String("status", string(status)),
			zap.String("actor", actor),
		)
		s.search.Reindex(ctx, ref)
	}
	return summary, err
}

// Archive is the only way a project leaves circulation; projects are never deleted.
func (s *Service) Archive(ctx context.Context, ref store.ProjectRef, actor string) (ProjectSummary, error) {
	return s.SetStatus(ctx, ref, actor, store.StatusArchival)
}

func (s *Service) SetTags(ctx context.Context, ref store.ProjectRef, actor string, tags []string) (ProjectSummary, error) {
	normalized := normalizeTags(tags)
	summary, err := s.updateProject(ctx, ref, actor, func(p *store.Project) error {
		p.Tags = normalized
		return nil
	})
	if err == nil {
		s.search.Reindex(ctx, ref)
	}
	return summary, err
}
