package sharelink

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	repo    *store.BadgerStore
	access  *access.Resolver
	commits *commit.Coordinator
	links   *Issuer
}

// newFixture seeds a project owned by bob.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := store.DefaultBadgerConfig(filepath.Join(t.TempDir(), "db"))
	cfg.GCInterval = 0
	cfg.SyncWrites = false
	repo, err := store.OpenBadger(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	clock := testutil.SteppingClock(time.Second)
	resolver := access.New(repo, nil, nil)
	branches := branch.New(repo, repo.Blobs(), clock, nil)
	f := &fixture{
		repo:    repo,
		access:  resolver,
		commits: commit.New(repo, repo.Blobs(), branches, resolver, commit.Options{Clock: clock}),
		links:   New(repo, resolver, clock, nil),
	}
	_, err = f.commits.Commit(context.Background(), commit.Request{
		Project: project,
		Branch:  "main",
		Author:  "bob",
		Content: []byte("draft"),
	})
	require.NoError(t, err)
	return f
}

func TestIssueStoresDigestOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.links.Issue(ctx, project, "bob", rbac.RoleEditor)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Token)
	assert.Equal(t, Digest(issued.Token), issued.Link.TokenDigest)
	assert.NotEqual(t, issued.Token, issued.Link.TokenDigest)

	stored, err := f.repo.GetShareLink(ctx, issued.Link.ID)
	require.NoError(t, err)
	assert.Equal(t, Digest(issued.Token), stored.TokenDigest)
	assert.True(t, stored.Active)

	listed, err := f.links.List(ctx, project, "bob")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Empty(t, listed[0].TokenDigest)
}

func TestIssueRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.access.Upsert(ctx, project, "eve", rbac.RoleEditor)
	require.NoError(t, err)

	_, err = f.links.Issue(ctx, project, "eve", rbac.RoleViewer)
	assert.True(t, errors.Is(err, errdefs.ErrForbidden), "editor issuing: %v", err)

	_, err = f.links.Issue(ctx, project, "bob", rbac.RoleDeveloper)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument), "developer link: %v", err)

	_, err = f.links.Issue(ctx, store.ProjectRef{Folder: "x", ID: "y"}, "bob", rbac.RoleViewer)
	assert.True(t, errors.Is(err, errdefs.ErrNotFound), "unknown project: %v", err)
}

func TestBobCarolScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.links.Issue(ctx, project, "bob", rbac.RoleEditor)
	require.NoError(t, err)

	role, err := f.links.Redeem(ctx, issued.Token, "carol")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleEditor, role)

	effective, err := f.access.EffectiveRole(ctx, project, "carol")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleEditor, effective)

	root, err := f.commits.Commit(ctx, commit.Request{
		Project: project,
		Branch:  "branches/carol",
		Author:  "carol",
		Content: []byte("carol's take"),
	})
	require.NoError(t, err)
	assert.Empty(t, root.ParentHash)

	head, err := f.repo.GetHead(ctx, project, "main")
	require.NoError(t, err)
	_, err = f.commits.Commit(ctx, commit.Request{
		Project:      project,
		Branch:       "main",
		Author:       "carol",
		ExpectedHead: head,
		Content:      []byte("carol on main"),
	})
	assert.True(t, errors.Is(err, errdefs.ErrForbidden), "carol on main: %v", err)
}

func TestRedeemNeverLowersRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	viewer, err := f.links.Issue(ctx, project, "bob", rbac.RoleViewer)
	require.NoError(t, err)
	analyst, err := f.links.Issue(ctx, project, "bob", rbac.RoleAnalyst)
	require.NoError(t, err)
	editor, err := f.links.Issue(ctx, project, "bob", rbac.RoleEditor)
	require.NoError(t, err)

	steps := []struct {
		token string
		want  rbac.Role
	}{
		{token: editor.Token, want: rbac.RoleEditor},
		{token: editor.Token, want: rbac.RoleEditor},
		{token: viewer.Token, want: rbac.RoleEditor},
		// Analyst and Editor are incomparable: the redeemed role wins.
		{token: analyst.Token, want: rbac.RoleAnalyst},
	}
	for _, step := range steps {
		got, err := f.links.Redeem(ctx, step.token, "dave")
		require.NoError(t, err)
		assert.Equal(t, step.want, got)
	}

	role, err := f.links.Redeem(ctx, viewer.Token, "bob")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleDeveloper, role, "owner keeps Developer")
}

func TestDeactivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.links.Issue(ctx, project, "bob", rbac.RoleViewer)
	require.NoError(t, err)
	_, err = f.links.Redeem(ctx, issued.Token, "carol")
	require.NoError(t, err)

	err = f.links.Deactivate(ctx, issued.Token, "carol")
	assert.True(t, errors.Is(err, errdefs.ErrForbidden), "viewer deactivating: %v", err)

	require.NoError(t, f.links.Deactivate(ctx, issued.Token, "bob"))
	require.NoError(t, f.links.Deactivate(ctx, issued.Token, "bob"), "deactivate is idempotent")

	_, err = f.links.Redeem(ctx, issued.Token, "dave")
	assert.True(t, errors.Is(err, errdefs.ErrInactiveLink), "redeem after deactivate: %v", err)

	role, err := f.access.EffectiveRole(ctx, project, "carol")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleViewer, role, "past grants survive deactivation")

	stored, err := f.repo.GetShareLink(ctx, issued.Link.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.Equal(t, "bob", stored.DeactivatedBy)
}

func TestDeactivateByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.links.Issue(ctx, project, "bob", rbac.RoleViewer)
	require.NoError(t, err)

	err = f.links.DeactivateByID(ctx, store.ProjectRef{Folder: "other", ID: "p"}, issued.Link.ID, "bob")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound), "wrong project: %v", err)

	require.NoError(t, f.links.DeactivateByID(ctx, project, issued.Link.ID, "bob"))
	_, err = f.links.Redeem(ctx, issued.Token, "carol")
	assert.True(t, errors.Is(err, errdefs.ErrInactiveLink))
}

func TestRedeemInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, token := range []string{"", "not-a-token"} {
		_, err := f.links.Redeem(ctx, token, "carol")
		assert.True(t, errors.Is(err, errdefs.ErrInvalidLink), "token %q: %v", token, err)
	}
}

func TestConcurrentRedemptionsKeepEveryGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued, err := f.links.Issue(ctx, project, "bob", rbac.RoleViewer)
	require.NoError(t, err)

	users := []string{"u1", "u2", "u3", "u4", "u5", "u6"}
	var wg sync.WaitGroup
	errs := make(chan error, len(users))
	for _, user := range users {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := f.links.Redeem(ctx, issued.Token, user)
			errs <- err
		}(user)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	team, err := f.access.Team(ctx, project, "bob")
	require.NoError(t, err)
	for _, user := range users {
		assert.Equal(t, rbac.RoleViewer, team[user], user)
	}
}
