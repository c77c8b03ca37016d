package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// GitStore keeps blobs in a bare git object database. Git addresses objects
// by sha1 of a header plus the bytes, so a reference refs/blobs/<aa>/<digest>
// maps the sha256 content address to the git object.
type GitStore struct {
	mu   sync.Mutex
	repo *git.Repository
}

func OpenGitStore(path string) (*GitStore, error) {
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create blob repo dir: %w", err)
		}
		repo, err = git.PlainInit(path, true)
		if err != nil {
			return nil, fmt.Errorf("init blob repo: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open blob repo: %w", err)
	}
	return &GitStore{repo: repo}, nil
}

func blobRef(hash string) plumbing.ReferenceName {
	return plumbing.ReferenceName("refs/blobs/" + shard(hash))
}

func (s *GitStore) Put(ctx context.Context, data []byte, _ Meta) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	hash := Digest(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.repo.Reference(blobRef(hash), false); err == nil {
		return hash, nil
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", fmt.Errorf("resolve blob ref: %w", err)
	}

	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(data)))
	writer, err := obj.Writer()
	if err != nil {
		return "", fmt.Errorf("open blob writer: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close blob writer: %w", err)
	}
	objHash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("store blob object: %w", err)
	}
	if err := s.repo.Storer.SetReference(plumbing.NewHashReference(blobRef(hash), objHash)); err != nil {
		return "", fmt.Errorf("set blob ref: %w", err)
	}
	return hash, nil
}

func (s *GitStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidDigest(hash) {
		return nil, invalidDigest(hash)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ref, err := s.repo.Reference(blobRef(hash), false)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, NotFound(hash)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve blob ref: %w", err)
	}
	blob, err := s.repo.BlobObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load blob object: %w", err)
	}
	reader, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("open blob reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read blob bytes: %w", err)
	}
	if err := Verify(hash, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *GitStore) Has(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !ValidDigest(hash) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.repo.Reference(blobRef(hash), false)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve blob ref: %w", err)
	}
	return true, nil
}
