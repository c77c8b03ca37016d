package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"inkwell/engine/internal/branch"
	"inkwell/engine/internal/commit"
	"inkwell/engine/internal/errdefs"
	"inkwell/engine/internal/merge"
	"inkwell/engine/internal/rbac"
	"inkwell/engine/internal/store"
	"inkwell/engine/internal/textdiff"
)

type CommitInput struct {
	Project      store.ProjectRef
	Branch       string
	Author       string
	ExpectedHead string
	Content      []byte
	Label        string
}

func (in CommitInput) request() commit.Request {
	return commit.Request{
		Project:      in.Project,
		Branch:       in.Branch,
		Author:       in.Author,
		ExpectedHead: in.ExpectedHead,
		Content:      in.Content,
		Label:        in.Label,
	}
}

// Attribution identifies machine-generated content. It is recorded in the
// version label.
type Attribution struct {
	Source string
	Model  string
	Params map[string]string
}

func (a Attribution) label() string {
	parts := []string{"generated-by:"}
	if a.Source != "" {
		parts = append(parts, "source="+a.Source)
	}
	if a.Model != "" {
		parts = append(parts, "model="+a.Model)
	}
	keys := make([]string, 0, len(a.Params))
	for k := range a.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+a.Params[k])
	}
	return strings.Join(parts, " ")
}

type VersionInfo struct {
	Hash        string    `json:"hash"`
	ParentHash  string    `json:"parentHash"`
	Branch      string    `json:"branch"`
	Author      string    `json:"author"`
	Timestamp   time.Time `json:"timestamp"`
	ContentHash string    `json:"contentHash"`
	Size        int       `json:"size"`
	Label       string    `json:"label"`
}

func NewVersionInfo(v branch.Version) VersionInfo {
	return VersionInfo{
		Hash:        v.Hash,
		ParentHash:  v.ParentHash,
		Branch:      v.Branch,
		Author:      v.Author,
		Timestamp:   v.Timestamp,
		ContentHash: v.ContentHash,
		Size:        len(v.Content),
		Label:       v.Label,
	}
}

func (s *Service) Commit(ctx context.Context, in CommitInput) (branch.Version, error) {
	return s.commits.Commit(ctx, in.request())
}

// CommitGenerated commits content produced by an external generator with
// its attribution appended to the label.
func (s *Service) CommitGenerated(ctx context.Context, in CommitInput, by Attribution) (branch.Version, error) {
	if strings.TrimSpace(by.Source) == "" {
		return branch.Version{}, errdefs.InvalidArgument("attribution source is required", map[string]any{"Source": "required"})
	}
	req := in.request()
	if req.Label == "" {
		req.Label = by.label()
	} else {
		req.Label = req.Label + "\n" + by.label()
	}
	return s.commits.Commit(ctx, req)
}

func (s *Service) Merge(ctx context.Context, ref store.ProjectRef, source, target, actor, message string) (merge.Result, error) {
	return s.merges.Merge(ctx, merge.Request{
		Project: ref,
		Source:  source,
		Target:  target,
		Actor:   actor,
		Message: message,
	})
}

// Fork starts branches/{actor} at the head of from.
func (s *Service) Fork(ctx context.Context, ref store.ProjectRef, actor, from string) (string, error) {
	if from == "" {
		from = branch.Main
	}
	if err := s.access.Authorize(ctx, ref, actor, rbac.CapWriteOwnBranch); err != nil {
		return "", err
	}
	return s.branches.Fork(ctx, ref, branch.SideBranch(actor), actor, from)
}

func (s *Service) Rollback(ctx context.Context, ref store.ProjectRef, name, actor, expectedHead, target string) (branch.Version, error) {
	return s.commits.Rollback(ctx, ref, name, actor, expectedHead, target)
}

func (s *Service) Branches(ctx context.Context, ref store.ProjectRef, actor string) ([]store.Branch, error) {
	if err := s.access.Authorize(ctx, ref, actor, rbac.CapRead); err != nil {
		return nil, err
	}
	return s.branches.Branches(ctx, ref)
}

// Head returns the version at the head of name with its content.
func (s *Service) Head(ctx context.Context, ref store.ProjectRef, name, actor string) (branch.Version, error) {
	if err := s.access.Authorize(ctx, ref, actor, rbac.CapRead); err != nil {
		return branch.Version{}, err
	}
	if !branch.ValidName(name) {
		return branch.Version{}, errdefs.InvalidBranch(name)
	}
	head, err := s.branches.HeadOf(ctx, ref, name)
	if err != nil {
		return branch.Version{}, err
	}
	if head == "" {
		return branch.Version{}, errdefs.NotFound(fmt.Sprintf("branch %s has no versions", name), map[string]any{"branch": name})
	}
	return s.branches.Get(ctx, ref, head)
}

func (s *Service) Version(ctx context.Context, ref store.ProjectRef, hash, actor string) (branch.Version, error) {
	if err := s.access.Authorize(ctx, ref, actor, rbac.CapRead); err != nil {
		return branch.Version{}, err
	}
	return s.branches.Get(ctx, ref, hash)
}

// History lists at most limit versions of name, newest first. limit <= 0
// walks to the root.
func (s *Service) History(ctx context.Context, ref store.ProjectRef, name, actor string, limit int) ([]VersionInfo, error) {
	if err := s.access.Authorize(ctx, ref, actor, rbac.CapRead); err != nil {
		return nil, err
	}
	if !branch.ValidName(name) {
		return nil, errdefs.InvalidBranch(name)
	}
	seq, err := s.branches.History(ctx, ref, name)
	if err != nil {
		return nil, err
	}
	out := make([]VersionInfo, 0)
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, NewVersionInfo(v))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Service) Verify(ctx context.Context, ref store.ProjectRef, name, actor string) (branch.VerifyReport, error) {
	if err := s.access.Authorize(ctx, ref, actor, rbac.CapRead); err != nil {
		return branch.VerifyReport{}, err
	}
	if !branch.ValidName(name) {
		return branch.VerifyReport{}, errdefs.InvalidBranch(name)
	}
	return s.branches.Verify(ctx, ref, name)
}

type Comparison struct {
	From string `json:"from"`
	To   string `json:"to"`
	textdiff.Result
}

func (s *Service) Compare(ctx context.Context, ref store.ProjectRef, fromHash, toHash, actor string) (Comparison, error) {
	if err := s.access.Authorize(ctx, ref, actor, rbac.CapRead); err != nil {
		return Comparison{}, err
	}
	from, err := s.branches.Get(ctx, ref, fromHash)
	if err != nil {
		return Comparison{}, err
	}
	to, err := s.branches.Get(ctx, ref, toHash)
	if err != nil {
		return Comparison{}, err
	}
	return Comparison{
		From:   fromHash,
		To:     toHash,
		Result: textdiff.Lines(string(from.Content), string(to.Content)),
	}, nil
}
