package merge

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"inkwell/engine/internal/access"
	"inkwell/engine/internal/branch"
	"inkwell/engine/internal/commit"
	"inkwell/engine/internal/errdefs"
	"inkwell/engine/internal/rbac"
	"inkwell/engine/internal/store"
	"inkwell/engine/internal/testutil"
)

var project = store.ProjectRef{Folder: "blog", ID: "p1"}

type fixture struct {
	access   *access.Resolver
	branches *branch.Manager
	commits  *commit.Coordinator
	merges   *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := store.DefaultBadgerConfig(filepath.Join(t.TempDir(), "db"))
	cfg.GCInterval = 0
	cfg.SyncWrites = false
	repo, err := store.OpenBadger(cfg)
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	clock := testutil.SteppingClock(time.Second)
	branches := branch.New(repo, repo.Blobs(), clock, nil)
	resolver := access.New(repo, nil, nil)
	commits := commit.New(repo, repo.Blobs(), branches, resolver, commit.Options{Clock: clock})
	return &fixture{
		access:   resolver,
		branches: branches,
		commits:  commits,
		merges:   New(branches, resolver, commits, nil),
	}
}

func (f *fixture) commit(t *testing.T, name, author, expected, text string) branch.Version {
	t.Helper()
	v, err := f.commits.Commit(context.Background(), commit.Request{
		Project:      project,
		Branch:       name,
		Author:       author,
		ExpectedHead: expected,
		Content:      []byte(text),
	})
	if err != nil {
		t.Fatalf("Commit(%s by %s) error = %v", name, author, err)
	}
	return v
}

func TestLabelRoundTrip(t *testing.T) {
	label := Label("branches/bob", "abc123", "ship it")
	source, hash, ok := ParseLabel(label)
	if !ok || source != "branches/bob" || hash != "abc123" {
		t.Fatalf("ParseLabel() = %q, %q, %v", source, hash, ok)
	}
	if _, _, ok := ParseLabel("plain commit"); ok {
		t.Fatal("ParseLabel(plain) = ok")
	}
}

// alice owns the project, bob edits on his branch, carol merges.
func TestBobCarolScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := f.commit(t, "main", "alice", "", "base text")
	if _, err := f.access.Upsert(ctx, project, "bob", rbac.RoleEditor); err != nil {
		t.Fatalf("Upsert(bob) error = %v", err)
	}
	if _, err := f.access.Upsert(ctx, project, "carol", rbac.RoleCoDeveloper); err != nil {
		t.Fatalf("Upsert(carol) error = %v", err)
	}

	if _, err := f.branches.Fork(ctx, project, "branches/bob", "bob", "main"); err != nil {
		t.Fatalf("Fork() error = %v", err)
	}
	bobHead := f.commit(t, "branches/bob", "bob", base.Hash, "bob's rewrite")

	if _, err := f.merges.Merge(ctx, Request{Project: project, Source: "branches/bob", Actor: "bob"}); !errors.Is(err, errdefs.ErrForbidden) {
		t.Fatalf("Merge() by editor error = %v, want forbidden", err)
	}

	res, err := f.merges.Merge(ctx, Request{Project: project, Source: "branches/bob", Actor: "carol"})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if res.Divergent {
		t.Fatal("fast-forward merge reported divergent")
	}
	if res.SourceHead != bobHead.Hash || res.TargetHead != base.Hash {
		t.Fatalf("Merge() heads = %s/%s", res.SourceHead, res.TargetHead)
	}
	if string(res.Version.Content) != "bob's rewrite" || res.Version.ParentHash != base.Hash {
		t.Fatalf("merged version = %+v", res.Version)
	}
	_, recorded, ok := ParseLabel(res.Version.Label)
	if !ok || recorded != bobHead.Hash {
		t.Fatalf("merge label = %q", res.Version.Label)
	}

	head, err := f.branches.HeadOf(ctx, project, "main")
	if err != nil || head != res.Version.Hash {
		t.Fatalf("main head = %s, %v", head, err)
	}
}

func TestDivergentMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := f.commit(t, "main", "alice", "", "base")
	if _, err := f.branches.Fork(ctx, project, "branches/alice", "alice", "main"); err != nil {
		t.Fatalf("Fork() error = %v", err)
	}
	f.commit(t, "branches/alice", "alice", base.Hash, "side edit")
	mainEdit := f.commit(t, "main", "alice", base.Hash, "main edit")

	res, err := f.merges.Merge(ctx, Request{Project: project, Source: "branches/alice", Actor: "alice", Message: "take side"})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if !res.Divergent {
		t.Fatal("expected divergent merge")
	}
	if res.Version.ParentHash != mainEdit.Hash || string(res.Version.Content) != "side edit" {
		t.Fatalf("merged version = %+v", res.Version)
	}
}

func TestMergeRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, "main", "alice", "", "base")

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{name: "same branch", req: Request{Project: project, Source: "main", Actor: "alice"}, want: errdefs.ErrInvalidBranch},
		{name: "empty source", req: Request{Project: project, Source: "branches/nobody", Actor: "alice"}, want: errdefs.ErrNotFound},
		{name: "unknown project", req: Request{Project: store.ProjectRef{Folder: "x", ID: "y"}, Source: "branches/a", Actor: "alice"}, want: errdefs.ErrNotFound},
		{name: "bad source name", req: Request{Project: project, Source: "release", Actor: "alice"}, want: errdefs.ErrInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.merges.Merge(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("Merge() error = %v, want %v", err, tc.want)
			}
		})
	}
}
