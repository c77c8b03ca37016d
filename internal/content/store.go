// Package content stores immutable byte blobs addressed by their sha256 digest.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"inkwell/engine/internal/errdefs"
)

// Meta travels with a Put for backends that can record it.
type Meta struct {
	Project     string
	Author      string
	ContentType string
}

// Store is the content-addressed blob store. Put is idempotent: identical
// bytes yield the identical address and are written once.
type Store interface {
	Put(ctx context.Context, data []byte, meta Meta) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Has(ctx context.Context, hash string) (bool, error)
}

func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidDigest reports whether hash is a lowercase hex sha256 digest.
func ValidDigest(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Verify fails with an integrity error when data does not hash to hash.
func Verify(hash string, data []byte) error {
	if got := Digest(data); got != hash {
		return errdefs.Integrity("content digest mismatch", map[string]any{
			"expected": hash,
			"actual":   got,
		})
	}
	return nil
}

func NotFound(hash string) error {
	return errdefs.NotFound("content not found", map[string]any{"contentHash": hash})
}

func invalidDigest(hash string) error {
	return errdefs.InvalidArgument("malformed content hash", map[string]any{"contentHash": hash})
}

// shard spreads objects over 256 directories the way git does.
func shard(hash string) string {
	return hash[:2] + "/" + hash
}
