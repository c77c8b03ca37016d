// Package branch maintains per-project branch heads over the append-only
// version chain.
package branch

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"inkwell/engine/internal/content"
	"inkwell/engine/internal/errdefs"
	"inkwell/engine/internal/logging"
	"inkwell/engine/internal/store"
	"inkwell/engine/internal/util"
)

type Manager struct {
	repo   store.Repository
	blobs  content.Store
	clock  util.Clock
	logger *zap.Logger
}

func New(repo store.Repository, blobs content.Store, clock util.Clock, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Manager{
		repo:   repo,
		blobs:  blobs,
		clock:  clock,
		logger: logging.OrNop(logger),
	}
}

// HeadOf returns "" for a branch that has no versions yet.
func (m *Manager) HeadOf(ctx context.Context, ref store.ProjectRef, name string) (string, error) {
	head, err := m.repo.GetHead(ctx, ref, name)
	if err != nil {
		return "", fmt.Errorf("read head %s: %w", name, err)
	}
	return head, nil
}

// checkWritable rejects names outside main and branches/{user}, and the
// creation of a side branch on behalf of another user.
func checkWritable(name, actor, expected string) error {
	if name == Main {
		return nil
	}
	owner, ok := SideOwner(name)
	if !ok {
		return errdefs.InvalidBranch(name)
	}
	if expected == "" && owner != actor {
		return errdefs.InvalidBranch(name)
	}
	return nil
}

// Advance moves name from expectedParent to v.Hash. A concurrent winner turns
// into a Conflict carrying the head that won.
func (m *Manager) Advance(ctx context.Context, ref store.ProjectRef, name, actor, expectedParent string, v Version) error {
	if err := checkWritable(name, actor, expectedParent); err != nil {
		return err
	}
	if v.Branch != name || v.ParentHash != expectedParent {
		return errdefs.InvalidArgument("version does not extend the expected head", map[string]any{
			"branch":         name,
			"expectedParent": expectedParent,
			"parentHash":     v.ParentHash,
		})
	}
	if !v.Valid() {
		return errdefs.Integrity("version hash does not match its fields", map[string]any{"hash": v.Hash})
	}

	err := m.repo.AdvanceHead(ctx, ref, name, expectedParent, v.Record())
	if errors.Is(err, store.ErrConflict) {
		current, headErr := m.HeadOf(ctx, ref, name)
		if headErr != nil {
			return headErr
		}
		m.logger.Debug("head advance lost",
			zap.String("project", ref.Key()),
			zap.String("branch", name),
			zap.String("expected", expectedParent),
			zap.String("current", current),
		)
		return errdefs.Conflict(fmt.Sprintf("branch %s moved", name), current)
	}
	if err != nil {
		return fmt.Errorf("advance %s: %w", name, err)
	}
	return nil
}

// Fork creates branches/{actor} pointing at the current head of fromBranch.
// No version is copied.
func (m *Manager) Fork(ctx context.Context, ref store.ProjectRef, name, actor, fromBranch string) (string, error) {
	if owner, ok := SideOwner(name); !ok || owner != actor {
		return "", errdefs.InvalidBranch(name)
	}
	if !ValidName(fromBranch) {
		return "", errdefs.InvalidBranch(fromBranch)
	}
	head, err := m.HeadOf(ctx, ref, fromBranch)
	if err != nil {
		return "", err
	}
	if head == "" {
		return "", errdefs.NotFound(fmt.Sprintf("branch %s has no versions", fromBranch), map[string]any{"branch": fromBranch})
	}

	err = m.repo.SetHead(ctx, ref, name, "", head, util.Stamp(m.clock.Now()))
	if errors.Is(err, store.ErrConflict) {
		current, headErr := m.HeadOf(ctx, ref, name)
		if headErr != nil {
			return "", headErr
		}
		return "", errdefs.Conflict(fmt.Sprintf("branch %s already exists", name), current)
	}
	if err != nil {
		return "", fmt.Errorf("fork %s: %w", name, err)
	}
	return head, nil
}

// Get loads a version with its content and checks both digests.
func (m *Manager) Get(ctx context.Context, ref store.ProjectRef, hash string) (Version, error) {
	rec, err := m.record(ctx, ref, hash)
	if err != nil {
		return Version{}, err
	}
	data, err := m.blobs.Get(ctx, rec.ContentHash)
	if err != nil {
		return Version{}, fmt.Errorf("load content of %s: %w", hash, err)
	}
	v := fromRecord(rec, data)
	if !v.Valid() {
		return Version{}, errdefs.Integrity("version hash mismatch", map[string]any{"hash": hash})
	}
	return v, nil
}

func (m *Manager) record(ctx context.Context, ref store.ProjectRef, hash string) (store.Version, error) {
	rec, err := m.repo.GetVersion(ctx, ref, hash)
	if errors.Is(err, store.ErrNotFound) {
		return store.Version{}, errdefs.NotFound("version not found", map[string]any{"hash": hash, "project": ref.Key()})
	}
	if err != nil {
		return store.Version{}, fmt.Errorf("get version %s: %w", hash, err)
	}
	return rec, nil
}

func (m *Manager) Branches(ctx context.Context, ref store.ProjectRef) ([]store.Branch, error) {
	items, err := m.repo.ListBranches(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	return items, nil
}

// History walks from the head observed at call time towards the root,
// newest first. Versions are loaded as the caller iterates; a revisited hash
// ends the walk with an Integrity error.
func (m *Manager) History(ctx context.Context, ref store.ProjectRef, name string) (iter.Seq2[Version, error], error) {
	head, err := m.HeadOf(ctx, ref, name)
	if err != nil {
		return nil, err
	}
	return func(yield func(Version, error) bool) {
		seen := map[string]struct{}{}
		for hash := head; hash != ""; {
			if _, ok := seen[hash]; ok {
				yield(Version{}, errdefs.Integrity("cycle in version chain", map[string]any{"hash": hash}))
				return
			}
			seen[hash] = struct{}{}

			v, err := m.Get(ctx, ref, hash)
			if err != nil {
				yield(Version{}, err)
				return
			}
			if !yield(v, nil) {
				return
			}
			hash = v.ParentHash
		}
	}, nil
}

// IsAncestor reports whether ancestor is reachable from descendant through
// parent links. A version is its own ancestor.
func (m *Manager) IsAncestor(ctx context.Context, ref store.ProjectRef, ancestor, descendant string) (bool, error) {
	if ancestor == "" {
		return true, nil
	}
	seen := map[string]struct{}{}
	for hash := descendant; hash != ""; {
		if hash == ancestor {
			return true, nil
		}
		if _, ok := seen[hash]; ok {
			return false, errdefs.Integrity("cycle in version chain", map[string]any{"hash": hash})
		}
		seen[hash] = struct{}{}
		rec, err := m.record(ctx, ref, hash)
		if err != nil {
			return false, err
		}
		hash = rec.ParentHash
	}
	return false, nil
}

type Problem struct {
	Hash   string `json:"hash"`
	Reason string `json:"reason"`
}

type VerifyReport struct {
	Branch   string    `json:"branch"`
	Head     string    `json:"head"`
	Checked  int       `json:"checked"`
	Root     string    `json:"root"`
	Problems []Problem `json:"problems"`
}

func (r VerifyReport) OK() bool {
	return len(r.Problems) == 0
}

// Verify recomputes every digest on the chain behind name and reports the
// versions that fail instead of stopping at the first one.
func (m *Manager) Verify(ctx context.Context, ref store.ProjectRef, name string) (VerifyReport, error) {
	head, err := m.HeadOf(ctx, ref, name)
	if err != nil {
		return VerifyReport{}, err
	}
	report := VerifyReport{Branch: name, Head: head}
	seen := map[string]struct{}{}

	for hash := head; hash != ""; {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, ok := seen[hash]; ok {
			report.Problems = append(report.Problems, Problem{Hash: hash, Reason: "cycle"})
			break
		}
		seen[hash] = struct{}{}

		rec, err := m.repo.GetVersion(ctx, ref, hash)
		if errors.Is(err, store.ErrNotFound) {
			report.Problems = append(report.Problems, Problem{Hash: hash, Reason: "missing version"})
			break
		}
		if err != nil {
			return report, fmt.Errorf("get version %s: %w", hash, err)
		}
		report.Checked++
		report.Root = hash

		data, err := m.blobs.Get(ctx, rec.ContentHash)
		switch {
		case errors.Is(err, errdefs.ErrNotFound):
			report.Problems = append(report.Problems, Problem{Hash: hash, Reason: "missing content"})
		case errors.Is(err, errdefs.ErrIntegrity):
			report.Problems = append(report.Problems, Problem{Hash: hash, Reason: "content digest mismatch"})
		case err != nil:
			return report, fmt.Errorf("load content of %s: %w", hash, err)
		default:
			if !fromRecord(rec, data).Valid() {
				report.Problems = append(report.Problems, Problem{Hash: hash, Reason: "version hash mismatch"})
			}
		}
		hash = rec.ParentHash
	}

	if !report.OK() {
		m.logger.Warn("version chain failed verification",
			zap.String("project", ref.Key()),
			zap.String("branch", name),
			zap.Int("problems", len(report.Problems)),
		)
	}
	return report, nil
}
