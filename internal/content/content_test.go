package content

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"inkwell/engine/internal/errdefs"
)

func TestDigest(t *testing.T) {
	// sha256 of the empty string.
	const empty = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := Digest(nil); got != empty {
		t.Fatalf("Digest(nil) = %s", got)
	}
	if !ValidDigest(empty) {
		t.Fatal("ValidDigest(empty digest) = false")
	}
	for _, bad := range []string{"", "abc", strings.ToUpper(empty), empty[:63] + "g"} {
		if ValidDigest(bad) {
			t.Fatalf("ValidDigest(%q) = true", bad)
		}
	}
	if err := Verify(empty, []byte("x")); !errors.Is(err, errdefs.ErrIntegrity) {
		t.Fatalf("Verify() error = %v, want integrity", err)
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	hash, err := store.Put(ctx, []byte("hello world"), Meta{Project: "blog/p1", Author: "alice"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if hash != Digest([]byte("hello world")) {
		t.Fatalf("Put() hash = %s", hash)
	}

	again, err := store.Put(ctx, []byte("hello world"), Meta{Project: "blog/p2", Author: "bob"})
	if err != nil {
		t.Fatalf("Put() again error = %v", err)
	}
	if again != hash {
		t.Fatalf("Put() not idempotent: %s vs %s", again, hash)
	}

	data, err := store.Get(ctx, hash)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("Get() = %q", data)
	}

	ok, err := store.Has(ctx, hash)
	if err != nil || !ok {
		t.Fatalf("Has() = %v, %v", ok, err)
	}

	missing := Digest([]byte("never stored"))
	if _, err := store.Get(ctx, missing); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want not found", err)
	}
	if ok, err := store.Has(ctx, missing); err != nil || ok {
		t.Fatalf("Has(missing) = %v, %v", ok, err)
	}

	empty, err := store.Put(ctx, []byte{}, Meta{})
	if err != nil {
		t.Fatalf("Put(empty) error = %v", err)
	}
	if data, err := store.Get(ctx, empty); err != nil || len(data) != 0 {
		t.Fatalf("Get(empty) = %q, %v", data, err)
	}
}

func TestGitStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blobs.git")
	store, err := OpenGitStore(dir)
	if err != nil {
		t.Fatalf("OpenGitStore() error = %v", err)
	}
	exerciseStore(t, store)

	if _, err := store.Get(context.Background(), "not-a-digest"); !errors.Is(err, errdefs.ErrInvalidArgument) {
		t.Fatalf("Get(malformed) error = %v", err)
	}

	reopened, err := OpenGitStore(dir)
	if err != nil {
		t.Fatalf("OpenGitStore() reopen error = %v", err)
	}
	data, err := reopened.Get(context.Background(), Digest([]byte("hello world")))
	if err != nil || string(data) != "hello world" {
		t.Fatalf("Get() after reopen = %q, %v", data, err)
	}
}

func TestMinioStore(t *testing.T) {
	endpoint := strings.TrimSpace(os.Getenv("INKWELL_TEST_MINIO_ENDPOINT"))
	if endpoint == "" {
		t.Skip("INKWELL_TEST_MINIO_ENDPOINT is not set")
	}
	store, err := NewMinioStore(context.Background(), MinioConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("INKWELL_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("INKWELL_TEST_MINIO_SECRET_KEY"),
		Bucket:    "inkwell-test",
	})
	if err != nil {
		t.Fatalf("NewMinioStore() error = %v", err)
	}
	exerciseStore(t, store)
}
