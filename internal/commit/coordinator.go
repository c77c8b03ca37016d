// Package commit turns an authorised write into a new version at a branch head.
package commit

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"inkwell/engine/internal/access"
	"inkwell/engine/internal/branch"
	"inkwell/engine/internal/content"
	"inkwell/engine/internal/errdefs"
	"inkwell/engine/internal/events"
	"inkwell/engine/internal/logging"
	"inkwell/engine/internal/metrics"
	"inkwell/engine/internal/rbac"
	"inkwell/engine/internal/store"
	"inkwell/engine/internal/util"
	"inkwell/engine/internal/validation"
)

const (
	MaxContentBytes = 5 << 20
	MaxLabelBytes   = 4 << 10
)

type Request struct {
	Project      store.ProjectRef
	Branch       string `validate:"required,branchname"`
	Author       string `validate:"required,username"`
	ExpectedHead string `validate:"omitempty,hexadecimal,len=64"`
	Content      []byte `validate:"max=5242880"`
	Label        string `validate:"max=4096"`
}

func (r Request) Validate() error {
	if err := r.Project.Validate(); err != nil {
		return errdefs.InvalidArgument(err.Error(), map[string]any{"project": r.Project.Key()})
	}
	return validation.Struct(r)
}

// Publisher receives commit events; delivery is best effort.
type Publisher interface {
	Publish(ev events.CommitEvent) bool
}

type Options struct {
	Clock  util.Clock
	IDs    util.IDGenerator
	Events Publisher
	Logger *zap.Logger
}

type Coordinator struct {
	repo     store.Repository
	blobs    content.Store
	branches *branch.Manager
	access   *access.Resolver
	clock    util.Clock
	ids      util.IDGenerator
	events   Publisher
	logger   *zap.Logger
}

func New(repo store.Repository, blobs content.Store, branches *branch.Manager, resolver *access.Resolver, opts Options) *Coordinator {
	c := &Coordinator{
		repo:     repo,
		blobs:    blobs,
		branches: branches,
		access:   resolver,
		clock:    opts.Clock,
		ids:      opts.IDs,
		events:   opts.Events,
		logger:   logging.OrNop(opts.Logger),
	}
	if c.clock == nil {
		c.clock = util.RealClock{}
	}
	if c.ids == nil {
		c.ids = util.UUIDGenerator{}
	}
	return c
}

func branchKind(name string) string {
	if name == branch.Main {
		return "main"
	}
	return "side"
}

// Commit writes req.Content as a new version whose parent is
// req.ExpectedHead. It never retries and never merges: a moved head is
// reported as Conflict with the current head. The first commit to an unknown
// project creates it with the author as owner.
func (c *Coordinator) Commit(ctx context.Context, req Request) (branch.Version, error) {
	v, err := c.commit(ctx, req)
	metrics.RecordCommit(branchKind(req.Branch), outcome(err), len(req.Content))
	return v, err
}

// Create stores p and commits req to it as the project's first version in
// one step. A taken ref fails with store.ErrConflict and writes nothing.
func (c *Coordinator) Create(ctx context.Context, p store.Project, req Request) (branch.Version, error) {
	req.Project = p.Ref
	v, err := c.create(ctx, p, req)
	metrics.RecordCommit(branchKind(req.Branch), outcome(err), len(req.Content))
	return v, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, errdefs.ErrConflict), errors.Is(err, store.ErrConflict):
		return metrics.OutcomeConflict
	case errors.Is(err, errdefs.ErrForbidden):
		return metrics.OutcomeForbidden
	case errors.Is(err, errdefs.ErrInvalidArgument), errors.Is(err, errdefs.ErrInvalidBranch):
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeError
	}
}

func (c *Coordinator) commit(ctx context.Context, req Request) (branch.Version, error) {
	if err := req.Validate(); err != nil {
		return branch.Version{}, err
	}
	_, err := c.repo.GetProject(ctx, req.Project)
	switch {
	case errors.Is(err, store.ErrNotFound):
		v, err := c.create(ctx, c.firstProject(req), req)
		if !errors.Is(err, store.ErrConflict) {
			return v, err
		}
		// Another first commit created the project; continue as an ordinary writer.
	case err != nil:
		return branch.Version{}, fmt.Errorf("get project: %w", err)
	}
	return c.advance(ctx, req)
}

func (c *Coordinator) advance(ctx context.Context, req Request) (branch.Version, error) {
	if err := c.access.AuthorizeWrite(ctx, req.Project, req.Branch, req.Author); err != nil {
		return branch.Version{}, err
	}

	// Cheap pre-check so a stale writer fails before any bytes are stored.
	head, err := c.branches.HeadOf(ctx, req.Project, req.Branch)
	if err != nil {
		return branch.Version{}, err
	}
	if head != req.ExpectedHead {
		return branch.Version{}, errdefs.Conflict(fmt.Sprintf("branch %s moved", req.Branch), head)
	}

	v, err := c.store(ctx, req)
	if err != nil {
		return branch.Version{}, err
	}
	if err := c.branches.Advance(ctx, req.Project, req.Branch, req.Author, req.ExpectedHead, v); err != nil {
		return branch.Version{}, err
	}
	c.committed(ctx, req.Project, v)
	return v, nil
}

func (c *Coordinator) firstProject(req Request) store.Project {
	now := util.Stamp(c.clock.Now())
	return store.Project{
		Ref:           req.Project,
		Title:         req.Project.ID,
		Owner:         req.Author,
		CreatedAt:     now,
		LastModified:  now,
		Status:        store.StatusIdea,
		Tags:          []string{},
		Collaborators: map[string]rbac.Role{req.Author: rbac.RoleDeveloper},
	}
}

// create runs every check a commit to a brand new project can fail before
// writing, then stores the project, its first version and the branch head
// in one repository transaction.
func (c *Coordinator) create(ctx context.Context, p store.Project, req Request) (branch.Version, error) {
	if err := req.Validate(); err != nil {
		return branch.Version{}, err
	}
	if req.Branch != branch.Main {
		if owner, ok := branch.SideOwner(req.Branch); !ok || owner != req.Author {
			return branch.Version{}, errdefs.InvalidBranch(req.Branch)
		}
	}
	if req.ExpectedHead != "" {
		return branch.Version{}, errdefs.Conflict(fmt.Sprintf("branch %s moved", req.Branch), "")
	}

	v, err := c.store(ctx, req)
	if err != nil {
		return branch.Version{}, err
	}
	if err := c.repo.CreateProjectWithVersion(ctx, p, v.Record()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return branch.Version{}, fmt.Errorf("create project %s: %w", p.Ref.Key(), err)
		}
		return branch.Version{}, fmt.Errorf("create project: %w", err)
	}
	c.logger.Info("project created", zap.String("project", p.Ref.Key()), zap.String("owner", p.Owner))
	c.committed(ctx, req.Project, v)
	return v, nil
}

func (c *Coordinator) store(ctx context.Context, req Request) (branch.Version, error) {
	if _, err := c.blobs.Put(ctx, req.Content, content.Meta{Project: req.Project.Key(), Author: req.Author}); err != nil {
		return branch.Version{}, fmt.Errorf("store content: %w", err)
	}
	return branch.NewVersion(req.ExpectedHead, req.Branch, req.Author, c.clock.Now(), req.Content, req.Label), nil
}

func (c *Coordinator) committed(ctx context.Context, ref store.ProjectRef, v branch.Version) {
	c.logger.Info("version committed",
		zap.String("project", ref.Key()),
		zap.String("branch", v.Branch),
		zap.String("hash", v.Hash),
		zap.String("author", v.Author),
	)
	c.afterCommit(ctx, ref, v)
}

func (c *Coordinator) afterCommit(ctx context.Context, ref store.ProjectRef, v branch.Version) {
	_, err := c.repo.UpdateProject(ctx, ref, func(p *store.Project) error {
		if v.Timestamp.After(p.LastModified) {
			p.LastModified = v.Timestamp
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("bump last modified failed", zap.String("project", ref.Key()), zap.Error(err))
	}

	if c.events == nil {
		return
	}
	c.events.Publish(events.CommitEvent{
		ID:          c.ids.New(),
		Project:     ref,
		Branch:      v.Branch,
		Head:        v.Hash,
		ParentHash:  v.ParentHash,
		Author:      v.Author,
		ContentSize: int64(len(v.Content)),
		At:          v.Timestamp,
	})
}

// Rollback commits the content of target, an ancestor of the branch head, as
// a new version on top of expectedHead.
func (c *Coordinator) Rollback(ctx context.Context, ref store.ProjectRef, name, actor, expectedHead, target string) (branch.Version, error) {
	if err := c.access.Authorize(ctx, ref, actor, rbac.CapRead); err != nil {
		return branch.Version{}, err
	}
	head, err := c.branches.HeadOf(ctx, ref, name)
	if err != nil {
		return branch.Version{}, err
	}
	reachable := false
	if target != "" && head != "" {
		reachable, err = c.branches.IsAncestor(ctx, ref, target, head)
		if err != nil {
			return branch.Version{}, err
		}
	}
	if !reachable {
		return branch.Version{}, errdefs.NotFound(fmt.Sprintf("version %s is not in the history of %s", target, name), map[string]any{
			"hash":   target,
			"branch": name,
		})
	}

	old, err := c.branches.Get(ctx, ref, target)
	if err != nil {
		return branch.Version{}, err
	}
	return c.Commit(ctx, Request{
		Project:      ref,
		Branch:       name,
		Author:       actor,
		ExpectedHead: expectedHead,
		Content:      old.Content,
		Label:        "rollback to " + target,
	})
}
