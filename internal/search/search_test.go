package search

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"inkwell/engine/internal/access"
	"inkwell/engine/internal/branch"
	"inkwell/engine/internal/commit"
	"inkwell/engine/internal/store"
	"inkwell/engine/internal/testutil"
)

func TestRecordID(t *testing.T) {
	valid := regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	refs := []store.ProjectRef{
		{Folder: "blog", ID: "1700000000_Hello"},
		{Folder: "a.b", ID: "x"},
		{Folder: "a-b", ID: "x"},
		{Folder: "a_b", ID: "x"},
		{Folder: "my notes", ID: "a.b"},
		{Folder: "my-notes", ID: "a-b"},
	}
	seen := map[string]store.ProjectRef{}
	for _, ref := range refs {
		id := RecordID(ref)
		if !valid.MatchString(id) {
			t.Fatalf("RecordID(%v) = %q, not a valid document id", ref, id)
		}
		if other, ok := seen[id]; ok {
			t.Fatalf("RecordID(%v) = RecordID(%v) = %q", ref, other, id)
		}
		seen[id] = ref
	}
	if got := RecordID(store.ProjectRef{Folder: "blog", ID: "p1"}); got != "626c6f672f7031" {
		t.Fatalf("RecordID(blog/p1) = %q", got)
	}
}

func TestNewRecordTruncatesBody(t *testing.T) {
	p := store.Project{Ref: store.ProjectRef{Folder: "blog", ID: "p1"}, Title: "T", Status: store.StatusIdea}
	rec := NewRecord(p, "h", "alice", strings.Repeat("é", maxBodyRunes+10))
	if got := len([]rune(rec.Body)); got != maxBodyRunes {
		t.Fatalf("body runes = %d", got)
	}
	if rec.Tags == nil || rec.ProjectKey != "blog/p1" {
		t.Fatalf("NewRecord() = %+v", rec)
	}
}

func TestFilterFor(t *testing.T) {
	got := filterFor(Query{
		Projects: []store.ProjectRef{{Folder: "blog", ID: "p1"}, {Folder: "blog", ID: "p2"}},
		Status:   "Draft",
	})
	want := []string{`projectKey IN ["blog/p1", "blog/p2"]`, `status = "Draft"`}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("filterFor() = %v", got)
	}
}

func TestHitToResult(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}
	hit := meili.Hit{
		"folder":     raw("blog"),
		"projectId":  raw("p1"),
		"title":      raw("Launch"),
		"body":       raw("plain body"),
		"head":       raw("abc"),
		"_formatted": raw(map[string]any{"body": " the <mark>launch</mark> plan ", "tags": []string{"x"}}),
	}
	r := hitToResult(hit)
	if r.Project.Key() != "blog/p1" || r.Title != "Launch" || r.Head != "abc" {
		t.Fatalf("hitToResult() = %+v", r)
	}
	if r.Snippet != "the <mark>launch</mark> plan" {
		t.Fatalf("Snippet = %q", r.Snippet)
	}
}

func TestScan(t *testing.T) {
	records := []ProjectRecord{
		{ProjectKey: "blog/a", Folder: "blog", ProjectID: "a", Title: "Go tips", Body: "channels and goroutines", Status: "Draft", UpdatedAt: 1},
		{ProjectKey: "blog/b", Folder: "blog", ProjectID: "b", Title: "Rust", Body: "ownership", Tags: []string{"go"}, Status: "Idea", UpdatedAt: 2},
		{ProjectKey: "blog/c", Folder: "blog", ProjectID: "c", Title: "Cooking", Body: "pasta", Status: "Draft", UpdatedAt: 3},
	}
	scan := NewScan(func(context.Context, Query) ([]ProjectRecord, error) { return records, nil })
	all := []store.ProjectRef{{Folder: "blog", ID: "a"}}

	cases := []struct {
		name  string
		q     Query
		want  []string
		total int
	}{
		{name: "term in title or tags", q: Query{Text: "GO", Projects: all}, want: []string{"blog/b", "blog/a"}, total: 2},
		{name: "all terms required", q: Query{Text: "go channels", Projects: all}, want: []string{"blog/a"}, total: 1},
		{name: "status filter", q: Query{Text: "", Status: "Draft", Projects: all}, want: []string{"blog/c", "blog/a"}, total: 2},
		{name: "paged", q: Query{Projects: all, Limit: 1, Offset: 1}, want: []string{"blog/b"}, total: 3},
		{name: "no projects", q: Query{Text: "go"}, want: nil, total: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			results, total, err := scan.Search(tc.q)
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			var got []string
			for _, r := range results {
				got = append(got, r.Project.Key())
			}
			if total != tc.total || strings.Join(got, ",") != strings.Join(tc.want, ",") {
				t.Fatalf("Search() = %v (%d), want %v (%d)", got, total, tc.want, tc.total)
			}
		})
	}

	failing := NewScan(func(context.Context, Query) ([]ProjectRecord, error) { return nil, errors.New("boom") })
	if _, _, err := failing.Search(Query{Projects: all}); err == nil {
		t.Fatal("expected loader error")
	}
}

func TestSnippetCentersOnMatch(t *testing.T) {
	body := strings.Repeat("x ", 200) + "needle " + strings.Repeat("y ", 200)
	got := snippet(body, "needle", 40)
	if !strings.Contains(got, "needle") {
		t.Fatalf("snippet() = %q", got)
	}
	if got := snippet("short", "absent", 40); got != "short" {
		t.Fatalf("snippet() = %q", got)
	}
}

func TestServiceFallsBackToScan(t *testing.T) {
	cfg := store.DefaultBadgerConfig(filepath.Join(t.TempDir(), "db"))
	cfg.GCInterval = 0
	cfg.SyncWrites = false
	repo, err := store.OpenBadger(cfg)
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	clock := testutil.SteppingClock(time.Second)
	resolver := access.New(repo, nil, nil)
	branches := branch.New(repo, repo.Blobs(), clock, nil)
	commits := commit.New(repo, repo.Blobs(), branches, resolver, commit.Options{Clock: clock})
	ctx := context.Background()

	mainRef := store.ProjectRef{Folder: "blog", ID: "p1"}
	sideRef := store.ProjectRef{Folder: "blog", ID: "p2"}
	if _, err := commits.Commit(ctx, commit.Request{Project: mainRef, Branch: "main", Author: "alice", Content: []byte("the launch plan")}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if _, err := commits.Commit(ctx, commit.Request{Project: sideRef, Branch: "branches/alice", Author: "alice", Content: []byte("launch draft")}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	svc := NewService(repo, branches, nil, nil)
	defer svc.Close()
	resp := svc.Search(ctx, Query{Text: "launch", Projects: []store.ProjectRef{mainRef, sideRef, {Folder: "gone", ID: "x"}}})
	if resp.Total != 1 || len(resp.Results) != 1 || resp.Results[0].Project != mainRef {
		t.Fatalf("Search() = %+v", resp)
	}
	if resp.Results[0].Snippet != "the launch plan" {
		t.Fatalf("Snippet = %q", resp.Results[0].Snippet)
	}

	empty := svc.Search(ctx, Query{Text: "launch"})
	if empty.Results == nil || empty.Total != 0 {
		t.Fatalf("Search(no projects) = %+v", empty)
	}
}
