package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"inkwell/engine/internal/content"
)

// BadgerBlobs is a content.Store sharing the repository's Badger files.
type BadgerBlobs struct {
	db *badger.DB
}

func (s *BadgerStore) Blobs() *BadgerBlobs {
	return &BadgerBlobs{db: s.db}
}

var _ content.Store = (*BadgerBlobs)(nil)

func blobKey(hash string) []byte {
	return []byte(prefixBlob + hash)
}

func (b *BadgerBlobs) Put(ctx context.Context, data []byte, _ content.Meta) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	hash := content.Digest(data)
	err := b.db.Update(func(txn *badger.Txn) error {
		found, err := exists(txn, blobKey(hash))
		if err != nil || found {
			return err
		}
		return txn.Set(blobKey(hash), data)
	})
	// A concurrent writer of the same digest stored identical bytes.
	if errors.Is(err, badger.ErrConflict) {
		return hash, nil
	}
	if err != nil {
		return "", fmt.Errorf("put blob: %w", err)
	}
	return hash, nil
}

func (b *BadgerBlobs) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(hash))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, content.NotFound(hash)
	}
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	if err := content.Verify(hash, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (b *BadgerBlobs) Has(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = exists(txn, blobKey(hash))
		return err
	})
	return found, err
}
