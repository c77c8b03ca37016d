// Package app composes the engine components into the single facade an
// embedding layer (CLI, RPC server) talks to.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"inkwell/engine/internal/access"
	"inkwell/engine/internal/branch"
	"inkwell/engine/internal/commit"
	"inkwell/engine/internal/config"
	"inkwell/engine/internal/content"
	"inkwell/engine/internal/events"
	"inkwell/engine/internal/logging"
	"inkwell/engine/internal/merge"
	"inkwell/engine/internal/metadata"
	"inkwell/engine/internal/search"
	"inkwell/engine/internal/sharelink"
	"inkwell/engine/internal/store"
	"inkwell/engine/internal/util"
)

// Deps are the backends a Service runs on. Open builds them from config;
// tests build them directly.
type Deps struct {
	Repo        store.Repository
	Blobs       content.Store
	Cache       metadata.Cache
	Meili       *search.Meili
	Clock       util.Clock
	IDs         util.IDGenerator
	Admins      []string
	EventBuffer int
	Logger      *zap.Logger
}

type Service struct {
	repo     store.Repository
	clock    util.Clock
	access   *access.Resolver
	branches *branch.Manager
	commits  *commit.Coordinator
	merges   *merge.Controller
	links    *sharelink.Issuer
	meta     *metadata.Aggregator
	search   *search.Service
	bus      *events.Bus
	cache    metadata.Cache
	closers  []func() error
	logger   *zap.Logger
}

func New(deps Deps) *Service {
	logger := logging.OrNop(deps.Logger)
	clock := deps.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	cache := deps.Cache
	if cache == nil {
		cache = metadata.NopCache{}
	}

	bus := events.NewBus(deps.EventBuffer, logger.Named("events"))
	resolver := access.New(deps.Repo, deps.Admins, logger.Named("access"))
	branches := branch.New(deps.Repo, deps.Blobs, clock, logger.Named("branch"))
	commits := commit.New(deps.Repo, deps.Blobs, branches, resolver, commit.Options{
		Clock:  clock,
		IDs:    deps.IDs,
		Events: bus,
		Logger: logger.Named("commit"),
	})
	aggregator := metadata.NewAggregator(deps.Repo, branches, cache, clock, logger.Named("metadata"))
	searcher := search.NewService(deps.Repo, branches, deps.Meili, logger.Named("search"))

	bus.Subscribe(aggregator.HandleCommit)
	bus.Subscribe(searcher.HandleCommit)

	return &Service{
		repo:     deps.Repo,
		clock:    clock,
		access:   resolver,
		branches: branches,
		commits:  commits,
		merges:   merge.New(branches, resolver, commits, logger.Named("merge")),
		links:    sharelink.New(deps.Repo, resolver, clock, logger.Named("sharelink")),
		meta:     aggregator,
		search:   searcher,
		bus:      bus,
		cache:    cache,
		logger:   logger,
	}
}

// Open connects every backend selected by cfg.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger)
	deps := Deps{
		Admins:      cfg.Admins,
		EventBuffer: cfg.EventBuffer,
		Logger:      logger,
	}
	var closers []func() error
	fail := func(err error) (*Service, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	var badgerStore *store.BadgerStore
	switch cfg.Store {
	case "postgres":
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("open postgres: %w", err))
		}
		closers = append(closers, pg.Close)
		deps.Repo = pg
	default:
		bcfg := store.DefaultBadgerConfig(filepath.Join(cfg.DataDir, "badger"))
		bcfg.Logger = logger.Named("badger")
		bs, err := store.OpenBadger(bcfg)
		if err != nil {
			return fail(fmt.Errorf("open badger: %w", err))
		}
		closers = append(closers, bs.Close)
		badgerStore = bs
		deps.Repo = bs
	}

	switch cfg.Blobs {
	case "git":
		gs, err := content.OpenGitStore(filepath.Join(cfg.DataDir, "blobs.git"))
		if err != nil {
			return fail(err)
		}
		deps.Blobs = gs
	case "minio":
		ms, err := content.NewMinioStore(ctx, content.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fail(err)
		}
		deps.Blobs = ms
	default:
		if badgerStore == nil {
			return fail(errors.New("badger blobs require the badger store"))
		}
		deps.Blobs = badgerStore.Blobs()
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err := metadata.NewRedisCache(cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		deps.Cache = cache
		logger.Info("using redis for metadata cache")
	}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		deps.Meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Named("meili"))
	}

	svc := New(deps)
	svc.closers = closers
	return svc, nil
}

// Close drains pending commit events, then releases every backend.
func (s *Service) Close() error {
	s.bus.Close()
	s.search.Close()
	errs := []error{s.cache.Close()}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	if err := s.cache.Ping(ctx); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

// Reindex rebuilds the search index from primary storage.
func (s *Service) Reindex(ctx context.Context) {
	s.search.ReindexAll(ctx)
}
