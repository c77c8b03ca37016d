package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkwell/engine/internal/errdefs"
	"inkwell/engine/internal/merge"
	"inkwell/engine/internal/metadata"
	"inkwell/engine/internal/rbac"
	"inkwell/engine/internal/store"
	"inkwell/engine/internal/testutil"
)

func newTestService(t *testing.T, admins ...string) *Service {
	t.Helper()
	return newTestServiceWith(t, func(d *Deps) { d.Admins = admins })
}

func newTestServiceWith(t *testing.T, configure func(*Deps)) *Service {
	t.Helper()
	cfg := store.DefaultBadgerConfig(filepath.Join(t.TempDir(), "db"))
	cfg.GCInterval = 0
	cfg.SyncWrites = false
	repo, err := store.OpenBadger(cfg)
	require.NoError(t, err)

	redis := miniredis.RunT(t)
	cache, err := metadata.NewRedisCache("redis://" + redis.Addr())
	require.NoError(t, err)

	deps := Deps{
		Repo:        repo,
		Blobs:       repo.Blobs(),
		Cache:       cache,
		Clock:       testutil.SteppingClock(time.Second),
		IDs:         testutil.NewStubIDGenerator(),
		EventBuffer: 64,
	}
	configure(&deps)
	svc := New(deps)
	svc.closers = append(svc.closers, repo.Close)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func createProject(t *testing.T, svc *Service, owner, title, text string) (store.ProjectRef, string) {
	t.Helper()
	summary, v, err := svc.CreateProject(context.Background(), CreateProjectInput{
		Folder:  "blog",
		Title:   title,
		Content: []byte(text),
		Author:  owner,
	})
	require.NoError(t, err)
	return summary.Ref, v.Hash
}

func TestCreateProject(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	summary, v, err := svc.CreateProject(ctx, CreateProjectInput{
		Folder:  "blog",
		Title:   "Launch plan: Q3!",
		Content: []byte("first draft"),
		Tags:    []string{"launch", " launch ", ""},
		Author:  "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "1705314600_Launch_plan__Q3_", summary.Ref.ID)
	assert.Equal(t, store.StatusIdea, summary.Status)
	assert.Equal(t, []string{"launch"}, summary.Tags)
	assert.Equal(t, rbac.RoleDeveloper, summary.Role)
	assert.Equal(t, "Initial commit", v.Label)
	assert.Empty(t, v.ParentHash)

	head, err := svc.Head(ctx, summary.Ref, "main", "alice")
	require.NoError(t, err)
	assert.Equal(t, v.Hash, head.Hash)
	assert.Equal(t, "first draft", string(head.Content))

	_, _, err = svc.CreateProject(ctx, CreateProjectInput{Folder: "a/b", Title: "x", Author: "alice"})
	assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument), "bad folder: %v", err)
	_, _, err = svc.CreateProject(ctx, CreateProjectInput{Folder: "blog", Title: "x"})
	assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument), "missing author: %v", err)
}

func TestCreateProjectIDCollision(t *testing.T) {
	svc := newTestService(t)
	svc.clock = testutil.FixedClock()
	ctx := context.Background()

	first, _, err := svc.CreateProject(ctx, CreateProjectInput{Folder: "blog", Title: "Same", Author: "alice"})
	require.NoError(t, err)
	second, _, err := svc.CreateProject(ctx, CreateProjectInput{Folder: "blog", Title: "Same", Author: "alice"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Ref, second.Ref)
	assert.True(t, strings.HasSuffix(second.Ref.ID, "_2"), second.Ref.ID)
}

func TestRejectedFirstCommitDoesNotClaimRef(t *testing.T) {
	svc := newTestService(t, "root")
	ctx := context.Background()
	ref := store.ProjectRef{Folder: "blog", ID: "unclaimed"}

	_, err := svc.Commit(ctx, CommitInput{Project: ref, Branch: "branches/bob", Author: "mallory", Content: []byte("x")})
	require.ErrorIs(t, err, errdefs.ErrInvalidBranch)
	_, err = svc.Commit(ctx, CommitInput{Project: ref, Branch: "main", Author: "mallory", ExpectedHead: strings.Repeat("0", 64), Content: []byte("x")})
	require.ErrorIs(t, err, errdefs.ErrConflict)

	_, err = svc.Project(ctx, ref, "root")
	require.ErrorIs(t, err, errdefs.ErrNotFound)

	v, err := svc.Commit(ctx, CommitInput{Project: ref, Branch: "main", Author: "bob", Content: []byte("mine")})
	require.NoError(t, err)
	summary, err := svc.Project(ctx, ref, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", summary.Owner)
	assert.Equal(t, rbac.RoleDeveloper, summary.Role)
	assert.False(t, summary.LastModified.Before(v.Timestamp))
}

func TestListProjectsAndFolders(t *testing.T) {
	svc := newTestService(t, "root")
	ctx := context.Background()

	older, _ := createProject(t, svc, "alice", "Older", "a")
	newer, _ := createProject(t, svc, "alice", "Newer", "b")
	_, _, err := svc.CreateProject(ctx, CreateProjectInput{Folder: "notes", Title: "Private", Author: "bob"})
	require.NoError(t, err)

	list, err := svc.ListProjects(ctx, "alice", "")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer, list[0].Ref)
	assert.Equal(t, older, list[1].Ref)

	folders, err := svc.Folders(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"blog"}, folders)

	folders, err = svc.Folders(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, []string{"blog", "notes"}, folders)

	none, err := svc.ListProjects(ctx, "mallory", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBobCarolScenario(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	ref, base := createProject(t, svc, "bob", "Shared", "bob's text")

	link, err := svc.IssueLink(ctx, ref, "bob", rbac.RoleEditor)
	require.NoError(t, err)
	role, err := svc.RedeemLink(ctx, link.Token, "carol")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleEditor, role)

	effective, err := svc.EffectiveRole(ctx, ref, "carol")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleEditor, effective)

	root, err := svc.Commit(ctx, CommitInput{Project: ref, Branch: "branches/carol", Author: "carol", Content: []byte("carol's text")})
	require.NoError(t, err)
	assert.Empty(t, root.ParentHash)

	_, err = svc.Commit(ctx, CommitInput{Project: ref, Branch: "main", Author: "carol", ExpectedHead: base, Content: []byte("x")})
	assert.True(t, errors.Is(err, errdefs.ErrForbidden), "carol on main: %v", err)
	assert.Equal(t, StatusForbidden, Describe(err).Status)

	_, err = svc.Merge(ctx, ref, "branches/carol", "", "carol", "")
	assert.True(t, errors.Is(err, errdefs.ErrForbidden), "carol merging: %v", err)

	res, err := svc.Merge(ctx, ref, "branches/carol", "", "bob", "take carol's version")
	require.NoError(t, err)
	assert.True(t, res.Divergent, "carol's root does not contain main")
	source, hash, ok := merge.ParseLabel(res.Version.Label)
	require.True(t, ok)
	assert.Equal(t, "branches/carol", source)
	assert.Equal(t, root.Hash, hash)

	head, err := svc.Head(ctx, ref, "main", "carol")
	require.NoError(t, err)
	assert.Equal(t, "carol's text", string(head.Content))
}

func TestConcurrentCommitsThroughService(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	ref, base := createProject(t, svc, "alice", "Race", "v0")

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners, conflicts int
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Commit(ctx, CommitInput{
				Project:      ref,
				Branch:       "main",
				Author:       "alice",
				ExpectedHead: base,
				Content:      []byte(fmt.Sprintf("v1 from writer %d", i)),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, errdefs.ErrConflict):
				conflicts++
				assert.NotEqual(t, base, errdefs.Details(err)["currentHead"])
			default:
				t.Errorf("Commit() error = %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Equal(t, writers-1, conflicts)

	history, err := svc.History(ctx, ref, "main", "alice", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestCommitGenerated(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	ref, base := createProject(t, svc, "alice", "Gen", "seed")

	v, err := svc.CommitGenerated(ctx, CommitInput{
		Project:      ref,
		Branch:       "main",
		Author:       "alice",
		ExpectedHead: base,
		Content:      []byte("generated text"),
		Label:        "tone rewrite",
	}, Attribution{Source: "rewrite", Model: "m1", Params: map[string]string{"tone": "formal", "audience": "dev"}})
	require.NoError(t, err)
	assert.Equal(t, "tone rewrite\ngenerated-by: source=rewrite model=m1 audience=dev tone=formal", v.Label)

	_, err = svc.CommitGenerated(ctx, CommitInput{Project: ref, Branch: "main", Author: "alice", ExpectedHead: v.Hash}, Attribution{})
	assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument))
}

func TestStatusAndTags(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	ref, _ := createProject(t, svc, "alice", "Lifecycle", "text")
	_, err := svc.Grant(ctx, ref, "alice", "ed", rbac.RoleEditor)
	require.NoError(t, err)

	summary, err := svc.SetStatus(ctx, ref, "alice", store.StatusReview)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReview, summary.Status)

	_, err = svc.SetStatus(ctx, ref, "alice", store.Status("Shipped"))
	assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument))
	_, err = svc.SetStatus(ctx, ref, "ed", store.StatusDraft)
	assert.True(t, errors.Is(err, errdefs.ErrForbidden))

	summary, err = svc.SetTags(ctx, ref, "alice", []string{"b", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, summary.Tags)

	summary, err = svc.Archive(ctx, ref, "alice")
	require.NoError(t, err)
	assert.Equal(t, store.StatusArchival, summary.Status)
}

func TestHistoryCompareRollbackVerify(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	ref, v0 := createProject(t, svc, "alice", "Hist", "line one\n")

	v1, err := svc.Commit(ctx, CommitInput{Project: ref, Branch: "main", Author: "alice", ExpectedHead: v0, Content: []byte("line one\nline two\n")})
	require.NoError(t, err)

	cmp, err := svc.Compare(ctx, ref, v0, v1.Hash, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, cmp.Added)
	assert.Equal(t, 0, cmp.Removed)
	assert.True(t, cmp.Changed)

	back, err := svc.Rollback(ctx, ref, "main", "alice", v1.Hash, v0)
	require.NoError(t, err)
	assert.Equal(t, "line one\n", string(back.Content))
	assert.Equal(t, "rollback to "+v0, back.Label)

	history, err := svc.History(ctx, ref, "main", "alice", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, back.Hash, history[0].Hash)
	assert.Equal(t, v1.Hash, history[1].Hash)

	report, err := svc.Verify(ctx, ref, "main", "alice")
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, v0, report.Root)

	_, err = svc.History(ctx, ref, "main", "mallory", 0)
	assert.True(t, errors.Is(err, errdefs.ErrForbidden))
	_, err = svc.History(ctx, ref, "dev", "alice", 0)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidBranch))
}

func TestForkFromMain(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	ref, base := createProject(t, svc, "alice", "Fork", "text")
	_, err := svc.Grant(ctx, ref, "alice", "ed", rbac.RoleEditor)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, ref, "alice", "val", rbac.RoleViewer)
	require.NoError(t, err)

	head, err := svc.Fork(ctx, ref, "ed", "")
	require.NoError(t, err)
	assert.Equal(t, base, head)

	_, err = svc.Fork(ctx, ref, "val", "")
	assert.True(t, errors.Is(err, errdefs.ErrForbidden))

	branches, err := svc.Branches(ctx, ref, "val")
	require.NoError(t, err)
	assert.Len(t, branches, 2)
}

func TestMetadataAndEngagement(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	ref, _ := createProject(t, svc, "alice", "Meta", "one two three four")
	_, err := svc.Grant(ctx, ref, "alice", "ana", rbac.RoleAnalyst)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, ref, "alice", "val", rbac.RoleViewer)
	require.NoError(t, err)

	_, err = svc.RecordEngagement(ctx, ref, "alice", store.Engagement{Likes: 45, Comments: 8, Score: 62, PredictedReach: "Medium"})
	require.NoError(t, err)
	_, err = svc.RecordEngagement(ctx, ref, "ana", store.Engagement{Likes: 1})
	assert.True(t, errors.Is(err, errdefs.ErrForbidden))

	// The first refresh may join the recompute queued by the initial commit.
	_, err = svc.RefreshMetadata(ctx, ref, "alice")
	require.NoError(t, err)
	m, err := svc.RefreshMetadata(ctx, ref, "ana")
	require.NoError(t, err)
	assert.Equal(t, 4, m.WordCount)
	assert.Equal(t, "0.0 min", m.ReadingTime)
	assert.Equal(t, []string{"alice", "ana", "val"}, m.Collaborators)
	assert.Equal(t, 45, m.Engagement.Likes)

	m, err = svc.Metadata(ctx, ref, "val")
	require.NoError(t, err)
	assert.Equal(t, 4, m.WordCount)
	assert.Zero(t, m.Engagement.Likes, "viewers do not see engagement")

	_, err = svc.Engagement(ctx, ref, "val")
	assert.True(t, errors.Is(err, errdefs.ErrForbidden))
	e, err := svc.Engagement(ctx, ref, "ana")
	require.NoError(t, err)
	assert.Equal(t, "Medium", e.PredictedReach)
}

func TestTeamAndLinks(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	ref, _ := createProject(t, svc, "alice", "Team", "text")

	_, err := svc.Grant(ctx, ref, "alice", "bob", rbac.RoleCoDeveloper)
	require.NoError(t, err)
	link, err := svc.IssueLink(ctx, ref, "bob", rbac.RoleViewer)
	require.NoError(t, err)

	links, err := svc.ListLinks(ctx, ref, "alice")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "bob", links[0].Issuer)

	require.NoError(t, svc.DeactivateLinkByID(ctx, ref, link.Link.ID, "alice"))
	_, err = svc.RedeemLink(ctx, link.Token, "carol")
	assert.True(t, errors.Is(err, errdefs.ErrInactiveLink))
	assert.Equal(t, StatusInactiveLink, Describe(err).Status)

	team, err := svc.Team(ctx, ref, "bob")
	require.NoError(t, err)
	assert.Equal(t, []Member{
		{User: "alice", Role: rbac.RoleDeveloper, Owner: true},
		{User: "bob", Role: rbac.RoleCoDeveloper},
	}, team)

	require.NoError(t, svc.Revoke(ctx, ref, "alice", "bob"))
	err = svc.Revoke(ctx, ref, "alice", "alice")
	assert.True(t, errors.Is(err, errdefs.ErrForbidden))
}

func TestSearchReadableOnly(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	mine, _ := createProject(t, svc, "alice", "Mine", "the rocket launch")
	_, _, err := svc.CreateProject(ctx, CreateProjectInput{Folder: "blog", Title: "Theirs", Content: []byte("another launch"), Author: "bob"})
	require.NoError(t, err)

	resp, err := svc.Search(ctx, "alice", SearchInput{Text: "launch"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, mine, resp.Results[0].Project)
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{err: errdefs.Conflict("moved", "abc"), status: StatusConflict, code: "CONFLICT"},
		{err: fmt.Errorf("wrap: %w", errdefs.InvalidBranch("dev")), status: StatusInvalid, code: "INVALID_BRANCH"},
		{err: errdefs.InvalidLink(), status: StatusInvalidLink, code: "INVALID_LINK"},
		{err: errdefs.Integrity("bad", nil), status: StatusIntegrity, code: "INTEGRITY"},
		{err: errors.New("disk on fire"), status: StatusInternal, code: "INTERNAL"},
	}
	for _, tc := range cases {
		got := Describe(tc.err)
		if got.Status != tc.status || got.Code != tc.code {
			t.Fatalf("Describe(%v) = %+v", tc.err, got)
		}
	}
	if Describe(nil) != nil {
		t.Fatal("Describe(nil) != nil")
	}
	if details, ok := Describe(errdefs.Conflict("moved", "abc")).Details.(map[string]any); !ok || details["currentHead"] != "abc" {
		t.Fatal("conflict details lost")
	}
}
