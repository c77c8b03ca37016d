package app

import (
	"context"
	"sort"

	"inkwell/engine/internal/rbac"
	"inkwell/engine/internal/search"
	"inkwell/engine/internal/sharelink"
	"inkwell/engine/internal/store"
)

type Member struct {
	User  string    `json:"user"`
	Role  rbac.Role `json:"role"`
	Owner bool      `json:"owner"`
}

func (s *Service) Team(ctx context.Context, ref store.ProjectRef, actor string) ([]Member, error) {
	team, err := s.access.Team(ctx, ref, actor)
	if err != nil {
		return nil, err
	}
	p, err := s.access.Project(ctx, ref)
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(team))
	for user, role := range team {
		members = append(members, Member{User: user, Role: role, Owner: user == p.Owner})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].User < members[j].User })
	return members, nil
}

func (s *Service) Grant(ctx context.Context, ref store.ProjectRef, actor, user string, role rbac.Role) (rbac.Role, error) {
	return s.access.Grant(ctx, ref, actor, user, role)
}

func (s *Service) Revoke(ctx context.Context, ref store.ProjectRef, actor, user string) error {
	return s.access.Revoke(ctx, ref, actor, user)
}

func (s *Service) EffectiveRole(ctx context.Context, ref store.ProjectRef, user string) (rbac.Role, error) {
	return s.access.EffectiveRole(ctx, ref, user)
}

func (s *Service) IssueLink(ctx context.Context, ref store.ProjectRef, issuer string, role rbac.Role) (sharelink.Issued, error) {
	return s.links.Issue(ctx, ref, issuer, role)
}

func (s *Service) RedeemLink(ctx context.Context, token, user string) (rbac.Role, error) {
	return s.links.Redeem(ctx, token, user)
}

func (s *Service) DeactivateLink(ctx context.Context, token, actor string) error {
	return s.links.Deactivate(ctx, token, actor)
}

func (s *Service) DeactivateLinkByID(ctx context.Context, ref store.ProjectRef, id, actor string) error {
	return s.links.DeactivateByID(ctx, ref, id, actor)
}

func (s *Service) ListLinks(ctx context.Context, ref store.ProjectRef, actor string) ([]store.ShareLink, error) {
	return s.links.List(ctx, ref, actor)
}

// Metadata returns the derived snapshot. Engagement figures are blanked for
// readers without ViewMetrics.
func (s *Service) Metadata(ctx context.Context, ref store.ProjectRef, actor string) (store.Metadata, error) {
	if err := s.access.Authorize(ctx, ref, actor, rbac.CapRead); err != nil {
		return store.Metadata{}, err
	}
	role, err := s.access.EffectiveRole(ctx, ref, actor)
	if err != nil {
		return store.Metadata{}, err
	}
	m, err := s.meta.Snapshot(ctx, ref)
	if err != nil {
		return store.Metadata{}, err
	}
	if !rbac.Can(role, rbac.CapViewMetrics) {
		m.Engagement = store.Engagement{}
	}
	return m, nil
}

// RefreshMetadata recomputes the snapshot synchronously.
func (s *Service) RefreshMetadata(ctx context.Context, ref store.ProjectRef, actor string) (store.Metadata, error) {
	if err := s.access.Authorize(ctx, ref, actor, rbac.CapRead); err != nil {
		return store.Metadata{}, err
	}
	if _, err := s.meta.Recompute(ctx, ref); err != nil {
		return store.Metadata{}, err
	}
	return s.Metadata(ctx, ref, actor)
}

func (s *Service) Engagement(ctx context.Context, ref store.ProjectRef, actor string) (store.Engagement, error) {
	if err := s.access.Authorize(ctx, ref, actor, rbac.CapViewMetrics); err != nil {
		return store.Engagement{}, err
	}
	return s.meta.Engagement(ctx, ref)
}

// RecordEngagement stores figures reported by the analytics collaborator,
// which acts as a configured admin or a project owner.
func (s *Service) RecordEngagement(ctx context.Context, ref store.ProjectRef, actor string, e store.Engagement) (store.Engagement, error) {
	if err := s.access.Authorize(ctx, ref, actor, rbac.CapWriteMain); err != nil {
		return store.Engagement{}, err
	}
	return s.meta.RecordEngagement(ctx, ref, e)
}

type SearchInput struct {
	Text   string
	Folder string
	Status store.Status
	Limit  int
	Offset int
}

// Search runs a full-text query over the main heads actor may read.
func (s *Service) Search(ctx context.Context, actor string, in SearchInput) (search.Response, error) {
	projects, err := s.ListProjects(ctx, actor, in.Folder)
	if err != nil {
		return search.Response{}, err
	}
	refs := make([]store.ProjectRef, 0, len(projects))
	for _, p := range projects {
		refs = append(refs, p.Ref)
	}
	return s.search.Search(ctx, search.Query{
		Text:     in.Text,
		Projects: refs,
		Status:   string(in.Status),
		Limit:    in.Limit,
		Offset:   in.Offset,
	}), nil
}
