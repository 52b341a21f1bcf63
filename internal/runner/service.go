package runner

import (
	"context"
	"errors"
	"log/slog"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"

	"cmipdiag/internal/catalog"
	"cmipdiag/internal/config"
	"cmipdiag/internal/db"
	"cmipdiag/internal/export"
	"cmipdiag/internal/graph"
	"cmipdiag/internal/metrics"
	"cmipdiag/internal/pipeline"
	"cmipdiag/internal/regrid"
	"cmipdiag/internal/store"
)

// Service bundles the long-lived collaborators built from configuration.
// Entry points build one at startup and Close it on shutdown.
type Service struct {
	Runner   *Runner
	Registry catalog.Registry
	Resolver *store.Resolver
	AWS      aws.Config

	pool   *pgxpool.Pool
	cache  *store.ChunkCache
	opener *store.Opener
	gcs    *storage.Client
}

// NewService wires the object stores, registry, pipeline and run history
// described by cfg.
func NewService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{Resolver: store.NewResolver()}
	ok := false
	defer func() {
		if !ok {
			svc.Close()
		}
	}()

	var err error
	if cfg.Store.EnableCache {
		svc.cache, err = store.OpenChunkCache(store.CacheConfig{
			Dir:         cfg.Store.CacheDir,
			MaxMemoryMB: cfg.Store.CacheMaxMB,
			TTL:         cfg.Store.CacheTTL,
		}, logger)
		if err != nil {
			return nil, err
		}
	}

	svc.AWS, err = cfg.LoadAWS(ctx)
	if err != nil {
		return nil, err
	}
	svc.Resolver.Register(store.SchemeS3, store.S3Factory(s3.NewFromConfig(svc.AWS, cfg.S3Options()...), svc.cache))

	svc.gcs, err = cfg.NewGCSClient(ctx)
	if err != nil {
		return nil, err
	}
	svc.Resolver.Register(store.SchemeGCS, store.GCSFactory(svc.gcs, svc.cache))

	var runs RunStore
	if cfg.Database.URL.IsSet() {
		svc.pool, err = db.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx, svc.pool); err != nil {
			return nil, err
		}
		runs = db.NewRunRepository(svc.pool)
	}

	if cfg.Catalog.FromDatabase {
		svc.Registry = db.NewCatalogRepository(svc.pool)
	} else {
		svc.Registry, err = catalog.Load(ctx, svc.Resolver, cfg.Catalog.URL, logger)
		if err != nil {
			return nil, err
		}
	}

	svc.opener = store.NewOpener(svc.Resolver, logger)
	p := pipeline.New(svc.Registry, svc.opener, graph.NewPoolExecutor(cfg.Pipeline.Concurrency, logger), logger)
	p.Regrid = regrid.NewCache(cfg.Pipeline.RegridCacheSize)
	p.Metrics = metrics.NoopMetrics{}
	if cfg.Observability.EnableMetrics {
		p.Metrics = metrics.NewCloudWatchRunMetrics(cloudwatch.NewFromConfig(svc.AWS), cfg.Observability.MetricNamespace)
	}

	svc.Runner = New(p, export.NewSink(svc.Resolver, logger), runs, cfg.Pipeline.OutputURL, logger)
	ok = true
	return svc, nil
}

// CatalogRepository returns the database registry, or nil when run history
// is disabled.
func (s *Service) CatalogRepository() *db.CatalogRepository {
	if s.pool == nil {
		return nil
	}
	return db.NewCatalogRepository(s.pool)
}

// Ping checks the database when run history is enabled.
func (s *Service) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Close releases the pool, scratch files, clients and cache.
func (s *Service) Close() error {
	var errs []error
	if s.opener != nil {
		errs = append(errs, s.opener.Close())
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.gcs != nil {
		errs = append(errs, s.gcs.Close())
	}
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	return errors.Join(errs...)
}
