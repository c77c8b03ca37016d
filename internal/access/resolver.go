// Package access resolves a user's effective role on a project and enforces
// capability checks.
package access

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"inkwell/engine/internal/branch"
	"inkwell/engine/internal/errdefs"
	"inkwell/engine/internal/logging"
	"inkwell/engine/internal/rbac"
	"inkwell/engine/internal/store"
)

type Resolver struct {
	repo   store.Repository
	admins map[string]struct{}
	logger *zap.Logger
}

func New(repo store.Repository, admins []string, logger *zap.Logger) *Resolver {
	set := make(map[string]struct{}, len(admins))
	for _, name := range admins {
		set[name] = struct{}{}
	}
	return &Resolver{repo: repo, admins: set, logger: logging.OrNop(logger)}
}

func (r *Resolver) IsAdmin(username string) bool {
	_, ok := r.admins[username]
	return ok
}

// Project loads the project, translating a miss into NotFound.
func (r *Resolver) Project(ctx context.Context, ref store.ProjectRef) (store.Project, error) {
	p, err := r.repo.GetProject(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return store.Project{}, errdefs.NotFound("project not found", map[string]any{"project": ref.Key()})
	}
	if err != nil {
		return store.Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// RoleIn resolves username against an already loaded project.
func (r *Resolver) RoleIn(p store.Project, username string) rbac.Role {
	if r.IsAdmin(username) {
		return rbac.RoleAdmin
	}
	if role, ok := p.Collaborators[username]; ok && rbac.Valid(role) {
		return role
	}
	return rbac.RoleNoAccess
}

func (r *Resolver) EffectiveRole(ctx context.Context, ref store.ProjectRef, username string) (rbac.Role, error) {
	p, err := r.Project(ctx, ref)
	if err != nil {
		return rbac.RoleNoAccess, err
	}
	return r.RoleIn(p, username), nil
}

// Forbidden reports that role lacks required.
func Forbidden(required rbac.Capability, role rbac.Role) error {
	return forbidden(fmt.Sprintf("role %s lacks %s", role, required), required, role)
}

func forbidden(message string, required rbac.Capability, role rbac.Role) error {
	return errdefs.Forbidden(message, required.String(), string(rbac.MinimumRole(required)), string(role))
}

func (r *Resolver) Authorize(ctx context.Context, ref store.ProjectRef, username string, required rbac.Capability) error {
	role, err := r.EffectiveRole(ctx, ref, username)
	if err != nil {
		return err
	}
	if !rbac.Can(role, required) {
		return Forbidden(required, role)
	}
	return nil
}

// AuthorizeWrite checks a commit to name: main needs WriteMain, a side
// branch must belong to username and needs WriteOwnBranch.
func (r *Resolver) AuthorizeWrite(ctx context.Context, ref store.ProjectRef, name, username string) error {
	if name == branch.Main {
		return r.Authorize(ctx, ref, username, rbac.CapWriteMain)
	}
	owner, ok := branch.SideOwner(name)
	if !ok || owner != username {
		return errdefs.InvalidBranch(name)
	}
	return r.Authorize(ctx, ref, username, rbac.CapWriteOwnBranch)
}

// Grant sets username's role outright, replacing any weaker or stronger
// entry. The owner's entry is fixed.
func (r *Resolver) Grant(ctx context.Context, ref store.ProjectRef, actor, username string, role rbac.Role) (rbac.Role, error) {
	if !rbac.Grantable(role) {
		return "", errdefs.InvalidArgument(fmt.Sprintf("role %s cannot be granted", role), map[string]any{"role": string(role)})
	}
	p, err := r.Project(ctx, ref)
	if err != nil {
		return "", err
	}
	if actorRole := r.RoleIn(p, actor); !rbac.Can(actorRole, rbac.CapManageTeam) {
		return "", Forbidden(rbac.CapManageTeam, actorRole)
	}
	if username == p.Owner {
		return "", forbidden("the owner's role cannot be changed", rbac.CapManageTeam, r.RoleIn(p, actor))
	}

	granted, err := r.repo.UpsertCollaborator(ctx, ref, username, func(rbac.Role, bool) (rbac.Role, bool, error) {
		return role, true, nil
	})
	if err != nil {
		return "", fmt.Errorf("grant role: %w", err)
	}
	r.logger.Info("role granted",
		zap.String("project", ref.Key()),
		zap.String("actor", actor),
		zap.String("user", username),
		zap.String("role", string(granted)),
	)
	return granted, nil
}

func (r *Resolver) Revoke(ctx context.Context, ref store.ProjectRef, actor, username string) error {
	p, err := r.Project(ctx, ref)
	if err != nil {
		return err
	}
	if actorRole := r.RoleIn(p, actor); !rbac.Can(actorRole, rbac.CapManageTeam) {
		return Forbidden(rbac.CapManageTeam, actorRole)
	}
	if username == p.Owner {
		return forbidden("the owner cannot be removed", rbac.CapManageTeam, r.RoleIn(p, actor))
	}

	err = r.repo.RemoveCollaborator(ctx, ref, username)
	if errors.Is(err, store.ErrNotFound) {
		return errdefs.NotFound("collaborator not found", map[string]any{"user": username})
	}
	if err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	r.logger.Info("role revoked",
		zap.String("project", ref.Key()),
		zap.String("actor", actor),
		zap.String("user", username),
	)
	return nil
}

// Upsert records role for username unless the existing entry already
// dominates it. Incomparable roles are replaced by role.
func (r *Resolver) Upsert(ctx context.Context, ref store.ProjectRef, username string, role rbac.Role) (rbac.Role, error) {
	result, err := r.repo.UpsertCollaborator(ctx, ref, username, func(current rbac.Role, exists bool) (rbac.Role, bool, error) {
		if exists && rbac.Dominates(current, role) {
			return current, false, nil
		}
		return role, true, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return "", errdefs.NotFound("project not found", map[string]any{"project": ref.Key()})
	}
	if err != nil {
		return "", fmt.Errorf("upsert role: %w", err)
	}
	return result, nil
}

// Team returns the collaborator map; any reader may see it.
func (r *Resolver) Team(ctx context.Context, ref store.ProjectRef, actor string) (map[string]rbac.Role, error) {
	p, err := r.Project(ctx, ref)
	if err != nil {
		return nil, err
	}
	if role := r.RoleIn(p, actor); !rbac.Can(role, rbac.CapRead) {
		return nil, Forbidden(rbac.CapRead, role)
	}
	return p.Collaborators, nil
}
