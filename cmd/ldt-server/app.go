package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/ldtgate/internal/config"
	"github.com/ehr/ldtgate/internal/domain/dedup"
	"github.com/ehr/ldtgate/internal/domain/ingest"
	"github.com/ehr/ldtgate/internal/domain/matching"
	"github.com/ehr/ldtgate/internal/domain/quarantine"
	"github.com/ehr/ldtgate/internal/platform/archive"
	"github.com/ehr/ldtgate/internal/platform/db"
	"github.com/ehr/ldtgate/internal/platform/ldt"
	"github.com/ehr/ldtgate/internal/platform/lease"
	"github.com/ehr/ldtgate/internal/platform/metrics"
	"github.com/ehr/ldtgate/internal/platform/middleware"
	"github.com/ehr/ldtgate/internal/platform/phi"
	"github.com/ehr/ldtgate/internal/platform/sqlitedb"
	"github.com/ehr/ldtgate/migrations"
)

var version = "dev"

// stores is one driver's set of repositories.
type stores struct {
	ledger     dedup.Ledger
	results    ingest.ResultStore
	quarantine quarantine.Store
	directory  matching.Store
	checks     []db.Check
	close      func()
}

// app holds the wired gateway.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	parser    *ldt.Parser
	pipeline  *ingest.Pipeline
	manager   *quarantine.Manager
	scheduler *quarantine.Scheduler
	checks    []db.Check
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(stdout).With().Timestamp().Logger()
}

func newParser(cfg *config.Config) (*ldt.Parser, error) {
	if cfg.LDTCharset != "" {
		if _, err := ldt.LookupCharset(cfg.LDTCharset); err != nil {
			return nil, fmt.Errorf("LDT_CHARSET: %w", err)
		}
	}
	table, err := ldt.LoadTable(cfg.LDTFieldTable)
	if err != nil {
		return nil, err
	}
	return ldt.NewParser(
		ldt.WithTable(table),
		ldt.WithCharset(cfg.LDTCharset),
		ldt.WithPolicy(ldt.Policy{MaxDecodeFailureRatio: cfg.LDTMaxDecodeFailureRatio}),
	), nil
}

func openStores(ctx context.Context, cfg *config.Config, sealer phi.Sealer) (*stores, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		return postgresStores(pool, sealer), nil
	case config.DriverSQLite:
		d, err := sqlitedb.Open(ctx, cfg.SQLitePath, migrations.SQLite())
		if err != nil {
			return nil, err
		}
		return &stores{
			ledger:     dedup.NewLedgerSQLite(d),
			results:    ingest.NewResultStoreSQLite(d),
			quarantine: quarantine.NewStoreSQLite(d, sealer),
			directory:  matching.NewDirectorySQLite(d),
			checks:     []db.Check{{Name: "sqlite", Ping: d.Ping}},
			close:      func() { _ = d.Close() },
		}, nil
	default:
		return &stores{
			ledger:     dedup.NewMemoryLedger(),
			results:    ingest.NewMemoryResultStore(),
			quarantine: quarantine.NewMemoryStore(),
			directory:  matching.NewMemoryDirectory(),
			close:      func() {},
		}, nil
	}
}

func postgresStores(pool *pgxpool.Pool, sealer phi.Sealer) *stores {
	return &stores{
		ledger:     dedup.NewLedgerPG(pool),
		results:    ingest.NewResultStorePG(pool),
		quarantine: quarantine.NewStorePG(pool, sealer),
		directory:  matching.NewDirectoryPG(pool),
		checks:     []db.Check{db.PoolCheck("postgres", pool)},
		close:      pool.Close,
	}
}

// seedDirectory upserts every entry of a YAML seed file.
func seedDirectory(ctx context.Context, dir matching.Store, path string) (int, error) {
	entries, err := matching.LoadSeed(path)
	if err != nil {
		return 0, err
	}
	for _, c := range entries {
		if err := dir.Upsert(ctx, c); err != nil {
			return 0, fmt.Errorf("upsert %s: %w", c.EntityID, err)
		}
	}
	return len(entries), nil
}

func newArchive(ctx context.Context, cfg *config.Config) (archive.Archive, error) {
	if cfg.ArchiveS3Bucket == "" {
		return archive.Discard(), nil
	}
	return archive.NewS3(ctx, archive.S3Config{
		Bucket:   cfg.ArchiveS3Bucket,
		Region:   cfg.ArchiveS3Region,
		Endpoint: cfg.ArchiveS3Endpoint,
		Prefix:   cfg.ArchivePrefix,
	})
}

func newLease(ctx context.Context, cfg *config.Config) (lease.Lease, *redis.Client, error) {
	if cfg.RedisURL == "" {
		return lease.Local(), nil, nil
	}
	client, err := lease.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return lease.NewRedis(client, lease.DefaultPrefix), client, nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	parser, err := newParser(cfg)
	if err != nil {
		return nil, err
	}
	a.parser = parser

	sealer, err := phi.NewSealer(cfg.PHIEncryptionKey)
	if err != nil {
		return nil, err
	}

	st, err := openStores(ctx, cfg, sealer)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	a.closers = append(a.closers, st.close)
	a.checks = append(a.checks, st.checks...)

	if cfg.DirectoryFile != "" {
		n, err := seedDirectory(ctx, st.directory, cfg.DirectoryFile)
		if err != nil {
			return nil, err
		}
		logger.Info().Int("entities", n).Msg("directory seeded")
	}

	arch, err := newArchive(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}

	l, rdb, err := newLease(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if rdb != nil {
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		a.checks = append(a.checks, db.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	matcher := matching.NewMatcher(st.directory, matching.Config{
		FuzzyThreshold: cfg.MatchFuzzyThreshold,
		LookupTimeout:  cfg.MatchLookupTimeout,
	})

	a.manager = quarantine.NewManager(st.quarantine, quarantine.Config{
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		MaxAttempts: cfg.RetryMaxAttempts,
		BatchSize:   cfg.RetryBatchSize,
		Concurrency: cfg.RetryConcurrency,
		StaleAfter:  cfg.QuarantineStaleAfter,
	},
		quarantine.WithMetrics(a.metrics),
		quarantine.WithLogger(logger.With().Str("component", "quarantine").Logger()),
	)

	a.pipeline = ingest.NewPipeline(parser, matcher, dedup.NewGate(st.ledger), st.results, a.manager,
		ingest.WithArchive(arch),
		ingest.WithMetrics(a.metrics),
		ingest.WithLogger(logger.With().Str("component", "ingest").Logger()),
	)

	a.scheduler = quarantine.NewScheduler(a.manager, l, cfg.RetryInterval,
		logger.With().Str("component", "sweeper").Logger())

	ok = true
	return a, nil
}

// router builds the HTTP surface.
func (a *app) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(a.cfg.LDTMaxBodyBytes))
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout))

	e.GET("/health", db.HealthHandler(version, a.checks...))
	e.GET("/metrics", a.metrics.Handler())

	api := e.Group("/api/v1")
	ldt.NewHandler(a.parser).RegisterRoutes(api)
	ingest.NewHandler(a.pipeline).RegisterRoutes(api)
	quarantine.NewHandler(a.manager).RegisterRoutes(api)

	e.RouteNotFound("/*", func(c echo.Context) error {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	})
	return e
}

const shutdownTimeout = 10 * time.Second
