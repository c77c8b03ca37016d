package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"inkwell/engine/internal/rbac"
)

// Badger key layout:
//
//	project/<folder>/<id>                 project record (no collaborators)
//	collab/<folder>/<id>/<user>           role
//	version/<folder>/<id>/<hash>          version record
//	branch/<folder>/<id>/<name>           branch record
//	link/<id>                             share link
//	linkdigest/<digest>                   share link id
//	linkproject/<folder>/<id>/<id>        index entry
//	blob/<digest>                         content bytes
const (
	prefixProject     = "project/"
	prefixCollab      = "collab/"
	prefixVersion     = "version/"
	prefixBranch      = "branch/"
	prefixLink        = "link/"
	prefixLinkDigest  = "linkdigest/"
	prefixLinkProject = "linkproject/"
	prefixBlob        = "blob/"
)

const maxUpsertAttempts = 8

type BadgerConfig struct {
	Path string
	// InMemory keeps everything in RAM; Path is ignored.
	InMemory       bool
	SyncWrites     bool
	Logger         *zap.Logger
	GCInterval     time.Duration
	GCDiscardRatio float64
}

func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger dir %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.Sugar()})
	} else {
		logger = zap.NewNop()
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &BadgerStore{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log gc failed", zap.Error(err))
			}
		}
	}
}

// DB exposes the underlying handle for blob storage sharing the same files.
func (s *BadgerStore) DB() *badger.DB {
	return s.db
}

func (s *BadgerStore) Close() error {
	s.once.Do(func() {
		if s.stopGC != nil {
			close(s.stopGC)
			<-s.gcDone
		}
	})
	return s.db.Close()
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: closed")
	}
	return ctx.Err()
}

func projectKey(ref ProjectRef) []byte {
	return []byte(prefixProject + ref.Key())
}

func collabPrefix(ref ProjectRef) []byte {
	return []byte(prefixCollab + ref.Key() + "/")
}

func collabKey(ref ProjectRef, user string) []byte {
	return []byte(prefixCollab + ref.Key() + "/" + user)
}

func versionKey(ref ProjectRef, hash string) []byte {
	return []byte(prefixVersion + ref.Key() + "/" + hash)
}

func branchPrefix(ref ProjectRef) []byte {
	return []byte(prefixBranch + ref.Key() + "/")
}

func branchKey(ref ProjectRef, name string) []byte {
	return []byte(prefixBranch + ref.Key() + "/" + name)
}

func linkKey(id string) []byte {
	return []byte(prefixLink + id)
}

func linkDigestKey(digest string) []byte {
	return []byte(prefixLinkDigest + digest)
}

func linkProjectPrefix(ref ProjectRef) []byte {
	return []byte(prefixLinkProject + ref.Key() + "/")
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// mapTxnError turns Badger's optimistic-concurrency failure into ErrConflict.
func mapTxnError(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}
	return err
}

func (s *BadgerStore) CreateProject(ctx context.Context, p Project) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return createProjectTxn(txn, p)
	})
	return mapTxnError(err)
}

func (s *BadgerStore) CreateProjectWithVersion(ctx context.Context, p Project, v Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := createProjectTxn(txn, p); err != nil {
			return err
		}
		if err := swapHeadTxn(txn, p.Ref, v.Branch, "", v.Hash, v.Timestamp); err != nil {
			return err
		}
		return setJSON(txn, versionKey(p.Ref, v.Hash), v)
	})
	return mapTxnError(err)
}

func createProjectTxn(txn *badger.Txn, p Project) error {
	found, err := exists(txn, projectKey(p.Ref))
	if err != nil {
		return err
	}
	if found {
		return ErrConflict
	}
	for username, role := range p.Collaborators {
		if err := txn.Set(collabKey(p.Ref, username), []byte(role)); err != nil {
			return err
		}
	}
	record := p
	record.Collaborators = nil
	return setJSON(txn, projectKey(p.Ref), record)
}

func (s *BadgerStore) loadCollaborators(txn *badger.Txn, ref ProjectRef) (map[string]rbac.Role, error) {
	prefix := collabPrefix(ref)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
	defer it.Close()

	out := map[string]rbac.Role{}
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		username := strings.TrimPrefix(string(item.Key()), string(prefix))
		role, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		out[username] = rbac.Role(role)
	}
	return out, nil
}

func (s *BadgerStore) GetProject(ctx context.Context, ref ProjectRef) (Project, error) {
	if err := ctx.Err(); err != nil {
		return Project{}, err
	}
	var p Project
	err := s.db.View(func(txn *badger.Txn) error {
		if err := getJSON(txn, projectKey(ref), &p); err != nil {
			return err
		}
		collaborators, err := s.loadCollaborators(txn, ref)
		if err != nil {
			return err
		}
		p.Collaborators = collaborators
		return nil
	})
	return p, err
}

func (s *BadgerStore) ListProjects(ctx context.Context) ([]Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var items []Project
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixProject), PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var p Project
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &p) }); err != nil {
				return err
			}
			collaborators, err := s.loadCollaborators(txn, p.Ref)
			if err != nil {
				return err
			}
			p.Collaborators = collaborators
			items = append(items, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].LastModified.Equal(items[j].LastModified) {
			return items[i].LastModified.After(items[j].LastModified)
		}
		return items[i].Ref.Key() < items[j].Ref.Key()
	})
	return items, nil
}

func (s *BadgerStore) UpdateProject(ctx context.Context, ref ProjectRef, fn func(*Project) error) (Project, error) {
	var out Project
	err := s.retry(ctx, func(txn *badger.Txn) error {
		var p Project
		if err := getJSON(txn, projectKey(ref), &p); err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		p.Ref = ref
		p.Collaborators = nil
		out = p
		return setJSON(txn, projectKey(ref), p)
	})
	return out, err
}

// retry runs fn in a read-write transaction, re-running it when a concurrent
// writer invalidated the snapshot.
func (s *BadgerStore) retry(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return mapTxnError(err)
}

func (s *BadgerStore) UpsertCollaborator(ctx context.Context, ref ProjectRef, username string, fn CollaboratorFunc) (rbac.Role, error) {
	var result rbac.Role
	err := s.retry(ctx, func(txn *badger.Txn) error {
		found, err := exists(txn, projectKey(ref))
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}

		var current rbac.Role
		ok := true
		item, err := txn.Get(collabKey(ref, username))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			ok = false
		case err != nil:
			return err
		default:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			current = rbac.Role(raw)
		}

		next, write, err := fn(current, ok)
		if err != nil {
			return err
		}
		if !write {
			result = current
			return nil
		}
		result = next
		return txn.Set(collabKey(ref, username), []byte(next))
	})
	return result, err
}

func (s *BadgerStore) RemoveCollaborator(ctx context.Context, ref ProjectRef, username string) error {
	return s.retry(ctx, func(txn *badger.Txn) error {
		found, err := exists(txn, collabKey(ref, username))
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		return txn.Delete(collabKey(ref, username))
	})
}

func (s *BadgerStore) GetVersion(ctx context.Context, ref ProjectRef, hash string) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}
	var v Version
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, versionKey(ref, hash), &v)
	})
	return v, err
}

func (s *BadgerStore) GetHead(ctx context.Context, ref ProjectRef, branch string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var b Branch
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, branchKey(ref, branch), &b)
	})
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return b.Head, err
}

func (s *BadgerStore) ListBranches(ctx context.Context, ref ProjectRef) ([]Branch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var items []Branch
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: branchPrefix(ref), PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var b Branch
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &b) }); err != nil {
				return err
			}
			items = append(items, b)
		}
		return nil
	})
	return items, err
}

func swapHeadTxn(txn *badger.Txn, ref ProjectRef, branch, expected, head string, at time.Time) error {
	var current Branch
	err := getJSON(txn, branchKey(ref, branch), &current)
	switch {
	case errors.Is(err, ErrNotFound):
		if expected != "" {
			return ErrConflict
		}
	case err != nil:
		return err
	default:
		if current.Head != expected {
			return ErrConflict
		}
	}
	return setJSON(txn, branchKey(ref, branch), Branch{Name: branch, Head: head, UpdatedAt: at})
}

func (s *BadgerStore) AdvanceHead(ctx context.Context, ref ProjectRef, branch, expected string, v Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := swapHeadTxn(txn, ref, branch, expected, v.Hash, v.Timestamp); err != nil {
			return err
		}
		return setJSON(txn, versionKey(ref, v.Hash), v)
	})
	return mapTxnError(err)
}

func (s *BadgerStore) SetHead(ctx context.Context, ref ProjectRef, branch, expected, head string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return swapHeadTxn(txn, ref, branch, expected, head, at)
	})
	return mapTxnError(err)
}

func (s *BadgerStore) InsertShareLink(ctx context.Context, link ShareLink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range [][]byte{linkKey(link.ID), linkDigestKey(link.TokenDigest)} {
			found, err := exists(txn, key)
			if err != nil {
				return err
			}
			if found {
				return ErrConflict
			}
		}
		if err := setJSON(txn, linkKey(link.ID), link); err != nil {
			return err
		}
		if err := txn.Set(linkDigestKey(link.TokenDigest), []byte(link.ID)); err != nil {
			return err
		}
		return txn.Set(append(linkProjectPrefix(link.Project), link.ID...), nil)
	})
	return mapTxnError(err)
}

func (s *BadgerStore) GetShareLink(ctx context.Context, id string) (ShareLink, error) {
	if err := ctx.Err(); err != nil {
		return ShareLink{}, err
	}
	var link ShareLink
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, linkKey(id), &link)
	})
	return link, err
}

func (s *BadgerStore) GetShareLinkByDigest(ctx context.Context, digest string) (ShareLink, error) {
	if err := ctx.Err(); err != nil {
		return ShareLink{}, err
	}
	var link ShareLink
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(linkDigestKey(digest))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, linkKey(string(id)), &link)
	})
	return link, err
}

func (s *BadgerStore) ListShareLinks(ctx context.Context, ref ProjectRef) ([]ShareLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var items []ShareLink
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := linkProjectPrefix(ref)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			id := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			var link ShareLink
			if err := getJSON(txn, linkKey(id), &link); err != nil {
				return err
			}
			items = append(items, link)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (s *BadgerStore) DeactivateShareLink(ctx context.Context, id, actor string, at time.Time) error {
	return s.retry(ctx, func(txn *badger.Txn) error {
		var link ShareLink
		if err := getJSON(txn, linkKey(id), &link); err != nil {
			return err
		}
		if !link.Active {
			return nil
		}
		link.Active = false
		link.DeactivatedAt = &at
		link.DeactivatedBy = actor
		return setJSON(txn, linkKey(id), link)
	})
}
