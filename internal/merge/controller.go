// Package merge copies a source branch head onto a target branch.
//
// Merges are last-writer-wins: the target receives the source content as a
// new version. Divergence is reported, never resolved.
package merge

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"inkwell/engine/internal/access"
	"inkwell/engine/internal/branch"
	"inkwell/engine/internal/commit"
	"inkwell/engine/internal/errdefs"
	"inkwell/engine/internal/logging"
	"inkwell/engine/internal/metrics"
	"inkwell/engine/internal/rbac"
	"inkwell/engine/internal/store"
	"inkwell/engine/internal/validation"
)

type Request struct {
	Project store.ProjectRef
	Source  string `validate:"required,branchname"`
	Target  string `validate:"omitempty,branchname"`
	Actor   string `validate:"required,username"`
	Message string `validate:"max=1024"`
}

type Result struct {
	Version    branch.Version
	SourceHead string
	TargetHead string
	// Divergent is set when the target had versions the source never saw;
	// they remain in the target's history but not in its content.
	Divergent bool
}

type Controller struct {
	branches *branch.Manager
	access   *access.Resolver
	commits  *commit.Coordinator
	logger   *zap.Logger
}

func New(branches *branch.Manager, resolver *access.Resolver, commits *commit.Coordinator, logger *zap.Logger) *Controller {
	return &Controller{
		branches: branches,
		access:   resolver,
		commits:  commits,
		logger:   logging.OrNop(logger),
	}
}

func Label(source, sourceHead, message string) string {
	label := fmt.Sprintf("merge from %s\nsource=%s\nsource_hash=%s", source, source, sourceHead)
	if message != "" {
		label += "\n\n" + message
	}
	return label
}

// ParseLabel extracts the source branch and head recorded by a merge.
func ParseLabel(label string) (source, sourceHash string, ok bool) {
	if !strings.HasPrefix(label, "merge from ") {
		return "", "", false
	}
	for _, line := range strings.Split(label, "\n") {
		if value, found := strings.CutPrefix(line, "source="); found {
			source = value
		}
		if value, found := strings.CutPrefix(line, "source_hash="); found {
			sourceHash = value
		}
	}
	return source, sourceHash, source != "" && sourceHash != ""
}

func (c *Controller) Merge(ctx context.Context, req Request) (Result, error) {
	if err := req.Project.Validate(); err != nil {
		return Result{}, errdefs.InvalidArgument(err.Error(), map[string]any{"project": req.Project.Key()})
	}
	if err := validation.Struct(req); err != nil {
		return Result{}, err
	}
	if req.Target == "" {
		req.Target = branch.Main
	}
	if req.Source == req.Target {
		return Result{}, errdefs.InvalidBranch(req.Source)
	}
	if err := c.access.Authorize(ctx, req.Project, req.Actor, rbac.CapMerge); err != nil {
		return Result{}, err
	}

	sourceHead, err := c.branches.HeadOf(ctx, req.Project, req.Source)
	if err != nil {
		return Result{}, err
	}
	if sourceHead == "" {
		return Result{}, errdefs.NotFound(fmt.Sprintf("branch %s has no versions", req.Source), map[string]any{"branch": req.Source})
	}
	targetHead, err := c.branches.HeadOf(ctx, req.Project, req.Target)
	if err != nil {
		return Result{}, err
	}

	source, err := c.branches.Get(ctx, req.Project, sourceHead)
	if err != nil {
		return Result{}, err
	}

	divergent := false
	if targetHead != "" {
		contained, err := c.branches.IsAncestor(ctx, req.Project, targetHead, sourceHead)
		if err != nil {
			return Result{}, err
		}
		divergent = !contained
	}

	v, err := c.commits.Commit(ctx, commit.Request{
		Project:      req.Project,
		Branch:       req.Target,
		Author:       req.Actor,
		ExpectedHead: targetHead,
		Content:      source.Content,
		Label:        Label(req.Source, sourceHead, req.Message),
	})
	if err != nil {
		return Result{}, err
	}

	metrics.RecordMerge(divergent)
	fields := []zap.Field{
		zap.String("project", req.Project.Key()),
		zap.String("source", req.Source),
		zap.String("target", req.Target),
		zap.String("sourceHead", sourceHead),
		zap.String("targetHead", targetHead),
		zap.String("actor", req.Actor),
	}
	if divergent {
		c.logger.Warn("merge overwrote divergent target", fields...)
	} else {
		c.logger.Info("branch merged", fields...)
	}

	return Result{
		Version:    v,
		SourceHead: sourceHead,
		TargetHead: targetHead,
		Divergent:  divergent,
	}, nil
}
