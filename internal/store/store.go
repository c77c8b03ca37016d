// Package store persists projects, collaborator maps, versions, branch heads
// and share links. Postgres and Badger back the same Repository.
package store

import (
	"context"
	"errors"
	"time"

	"inkwell/engine/internal/rbac"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// CollaboratorFunc decides the role to record for a user given the current
// entry. Returning write=false leaves the entry untouched. It may be invoked
// more than once when a backend retries, so it must not have side effects.
type CollaboratorFunc func(current rbac.Role, exists bool) (next rbac.Role, write bool, err error)

type Repository interface {
	// CreateProject fails with ErrConflict when the ref is taken. The
	// collaborators on p are stored alongside the project.
	CreateProject(ctx context.Context, p Project) error
	// CreateProjectWithVersion stores p and records v as the head of
	// v.Branch in one transaction, so a project never exists without its
	// first version. ErrConflict when the ref is taken.
	CreateProjectWithVersion(ctx context.Context, p Project, v Version) error
	GetProject(ctx context.Context, ref ProjectRef) (Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	// UpdateProject applies fn to the stored project under a row lock.
	// Collaborators are not populated and changes to them are ignored.
	UpdateProject(ctx context.Context, ref ProjectRef, fn func(*Project) error) (Project, error)

	UpsertCollaborator(ctx context.Context, ref ProjectRef, username string, fn CollaboratorFunc) (rbac.Role, error)
	RemoveCollaborator(ctx context.Context, ref ProjectRef, username string) error

	GetVersion(ctx context.Context, ref ProjectRef, hash string) (Version, error)
	// GetHead returns "" when the branch does not exist yet.
	GetHead(ctx context.Context, ref ProjectRef, branch string) (string, error)
	ListBranches(ctx context.Context, ref ProjectRef) ([]Branch, error)
	// AdvanceHead records v and moves the branch from expected to v.Hash in
	// one transaction. expected == "" creates the branch. ErrConflict when the
	// stored head differs.
	AdvanceHead(ctx context.Context, ref ProjectRef, branch, expected string, v Version) error
	// SetHead moves or creates a branch pointer without recording a version.
	SetHead(ctx context.Context, ref ProjectRef, branch, expected, head string, at time.Time) error

	InsertShareLink(ctx context.Context, link ShareLink) error
	GetShareLink(ctx context.Context, id string) (ShareLink, error)
	GetShareLinkByDigest(ctx context.Context, digest string) (ShareLink, error)
	ListShareLinks(ctx context.Context, ref ProjectRef) ([]ShareLink, error)
	// DeactivateShareLink is idempotent; an already inactive link keeps its
	// original deactivation record.
	DeactivateShareLink(ctx context.Context, id, actor string, at time.Time) error

	Ping(ctx context.Context) error
	Close() error
}
