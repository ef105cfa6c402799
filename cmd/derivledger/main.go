package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"DerivLedger/internal/archive"
	"DerivLedger/internal/cache"
	"DerivLedger/internal/config"
	"DerivLedger/internal/core"
	"DerivLedger/internal/external"
	"DerivLedger/internal/ingestion"
	"DerivLedger/internal/observability"
	"DerivLedger/internal/persistence"
	"DerivLedger/internal/projection"
	"DerivLedger/internal/query"
	"DerivLedger/internal/server"
	"DerivLedger/migrations"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "derivledger.toml", "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := observability.ParseLogLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)
	logger := observability.NewLoggerTo(os.Stdout, "main", level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("derivledger stopped")
	}
	logger.Info().Msg("derivledger shutdown complete")
}

// contractRuntime is one recovered contract and the pieces that outlive its
// actor.
type contractRuntime struct {
	core  *core.DeterministicCore
	actor *core.Actor
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}

	if cfg.Postgres.RunMigrations {
		if err := persistence.NewMigrator(db, migrations.FS, logger).Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	defer pool.Close()

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()
	health.Register("postgres", db.PingContext)

	g, gctx := errgroup.WithContext(ctx)

	// --- Redis: price feed, oracle, leases, storage cache ---
	var (
		redisClient *cache.Client
		feed        external.PriceFeed
		oracle      external.Oracle
		prices      ingestion.PricePublisher
		resolver    ingestion.OracleResolver
	)
	if cfg.Redis.Enabled {
		redisClient, err = cache.New(ctx, cache.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer redisClient.Close()
		health.Register("redis", redisClient.Ping)

		redisFeed := cache.NewRedisPriceFeed(redisClient)
		redisOracle := cache.NewRedisOracle(redisClient)
		feed, prices = redisFeed, redisFeed
		oracle, resolver = redisOracle, redisOracle

		locks := cache.NewLockManager(redisClient)
		for _, cc := range cfg.Contracts {
			lease, err := locks.Acquire(ctx, "contract:"+cc.ID, cfg.Redis.LeaseTTL.Duration)
			if err != nil {
				return fmt.Errorf("lease %s: %w", cc.ID, err)
			}
			g.Go(func() error { return lease.Hold(gctx) })
		}
	} else {
		memFeed := external.NewMemoryPriceFeed()
		feed, prices = memFeed, memoryPrices{memFeed}
		oracle = external.NewMemoryOracle()
		logger.Warn().Msg("redis disabled: using in-process price feed and oracle")
	}

	// --- Core outputs ---
	persistChan := make(chan core.CoreOutput, cfg.Engine.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Engine.ProjectionChanSize)
	forwardChan := make(chan core.CoreOutput, cfg.Engine.ForwardChanSize)

	coreLogger := observability.NewLogger("core")
	coreCfg := core.CoreConfig{
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		Metrics:        metrics,
		Logger:         &coreLogger,
	}

	// --- Recovery ---
	snapshots := persistence.NewSnapshotManager(db)
	recoverer := persistence.NewRecoverer(snapshots, observability.NewLogger("recovery"))
	registry := core.NewRegistry()
	contracts := make([]contractRuntime, 0, len(cfg.Contracts))

	for _, cc := range cfg.Contracts {
		params, err := cc.Params()
		if err != nil {
			return fmt.Errorf("contract %s: %w", cc.ID, err)
		}
		cur := external.NewMemoryCurrency(common.HexToAddress(cc.MarginCurrency))
		for who, amount := range cc.Wallets {
			cur.Fund(common.HexToAddress(who), amount)
		}
		ext := external.Collaborators{
			Feed:   feed,
			Oracle: oracle,
			Store: &external.MemoryStore{
				Addr:            common.HexToAddress(cc.Store),
				OraclePerSecond: cc.Fees.OraclePerSecond,
				WeeklyDelay:     cc.Fees.WeeklyDelay,
				Final:           map[common.Address]decimal.Decimal{cur.Address(): cc.Fees.Final},
			},
			Currency: cur,
			Whitelist: external.StaticWhitelist{
				cur.Address():           true,
				params.ReturnCalculator: true,
			},
		}

		c, err := recoverer.Recover(ctx, cc.ID, ext, coreCfg, func(ctx context.Context) (*core.DeterministicCore, error) {
			return core.NewDerivative(ctx, params, ext, coreCfg)
		})
		if err != nil {
			return fmt.Errorf("recover %s: %w", cc.ID, err)
		}

		// The simulated currency starts empty; give custody what the
		// recovered record says the contract holds.
		s := c.Storage()
		cur.Gift(s.LongBalance.Add(s.ShortBalance).Add(s.EscrowBalance()))

		actor := core.NewActor(c, cfg.Engine.ActorQueue)
		if err := registry.Register(actor); err != nil {
			return err
		}
		contracts = append(contracts, contractRuntime{core: c, actor: actor})
		logger.Info().
			Str("contract", cc.ID).
			Int64("sequence", c.GetSequence()).
			Str("state", s.State.String()).
			Msg("contract ready")
	}

	for _, rt := range contracts {
		rt := rt
		g.Go(func() error { return rt.actor.Run(gctx) })
	}

	// --- Persistence and projections ---
	persistLogger := observability.NewLogger("persistence")
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, persistence.WorkerConfig{
		BatchSize:    cfg.Engine.PersistBatchSize,
		FlushTimeout: cfg.Engine.PersistFlushTimeout.Duration,
		Forward:      forwardChan,
		Metrics:      metrics,
		Logger:       &persistLogger,
	})
	g.Go(func() error { return persistWorker.Run(gctx) })

	history := projection.NewNoticeHistory(cfg.Engine.NoticeHistory)
	projWorker := projection.NewProjectionWorker(pool, projectionChan, history, metrics, observability.NewLogger("projection"))
	g.Go(func() error { return projWorker.Run(gctx) })

	// --- Outbound sinks ---
	hub := server.NewWSHub(observability.NewLogger("ws"))
	g.Go(func() error { return hub.Run(gctx) })
	sinks := []ingestion.Sink{hub}

	if redisClient != nil {
		sinks = append(sinks, cache.NewStorageCache(redisClient, cfg.Redis.StorageTTL.Duration))
	}

	if cfg.Kafka.Enabled {
		kp, err := ingestion.NewKafkaPublisher(ingestion.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			RequiredAcks: cfg.Kafka.RequiredAcks,
			Compression:  cfg.Kafka.Compression,
			MaxRetries:   cfg.Kafka.MaxRetries,
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer kp.Close()
		sinks = append(sinks, kp)
	}

	if cfg.S3.Enabled {
		s3c, err := archive.New(ctx, archive.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fmt.Errorf("s3: %w", err)
		}
		health.Register("s3", s3c.Health)
		sinks = append(sinks, archive.NewArchiver(s3c.S3(), s3c.Bucket(), snapshots, metrics, observability.NewLogger("archive")))
	}

	// --- NATS: inbound calls and outbound notices ---
	if cfg.NATS.Enabled {
		natsLogger := observability.NewLogger("nats")
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, natsLogger)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		health.Register("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return fmt.Errorf("ensure call stream: %w", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return fmt.Errorf("ensure notice stream: %w", err)
		}
		sinks = append(sinks, ingestion.NewNATSPublisher(js))

		rawChan := make(chan ingestion.RawEvent, 4096)
		subscriber := ingestion.NewNATSSubscriber(js, rawChan, natsLogger)
		if err := subscriber.Subscribe(ctx, ingestion.SubjectsFor(registry.IDs())); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		defer subscriber.Stop()

		router := ingestion.NewCallRouter(registry, rawChan, metrics, observability.NewLogger("router"))
		g.Go(func() error { return router.Run(gctx) })
	}

	dispatcher := ingestion.NewDispatcher(forwardChan, sinks, metrics, observability.NewLogger("dispatch"))
	g.Go(func() error { return dispatcher.Run(gctx) })

	// --- HTTP and gRPC ---
	deps := server.Deps{
		Registry: registry,
		Admin:    ingestion.NewAdminService(registry, prices, resolver),
		Query:    query.NewQueryService(db),
		History:  history,
		Hub:      hub,
		Health:   health,
		Metrics:  metrics,
		Logger:   observability.NewLogger("api"),
	}
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.Server.HTTPAddr, server.NewRouter(deps), deps.Logger)
	})
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, deps)
	g.Go(func() error { return grpcServer.Start(gctx) })

	// --- Periodic snapshots ---
	g.Go(func() error {
		runPeriodicSnapshots(gctx, contracts, snapshots, cfg.Engine.SnapshotInterval.Duration, metrics, logger)
		return nil
	})

	health.SetReady(true)
	logger.Info().
		Int("contracts", len(contracts)).
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Msg("derivledger ready")

	err = g.Wait()
	health.SetReady(false)

	// Actors have stopped and the persistence worker flushed on exit, so the
	// cores can be read directly.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, rt := range contracts {
		if serr := takeSnapshot(shutdownCtx, rt.core.CreateSnapshotState(), snapshots, metrics); serr != nil {
			logger.Error().Err(serr).Str("contract", rt.core.ContractID()).Msg("final snapshot failed")
		}
	}
	return err
}

// memoryPrices adapts the in-process feed to the admin price endpoint.
type memoryPrices struct {
	feed *external.MemoryPriceFeed
}

func (m memoryPrices) Publish(_ context.Context, product string, t time.Time, price decimal.Decimal) error {
	return m.feed.Push(product, t, price)
}

// runPeriodicSnapshots snapshots every contract that advanced since its last
// snapshot.
func runPeriodicSnapshots(
	ctx context.Context,
	contracts []contractRuntime,
	snapshots *persistence.SnapshotManager,
	interval time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	last := make(map[string]int64, len(contracts))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, rt := range contracts {
				id := rt.actor.ContractID()
				snap, err := rt.actor.Snapshot(ctx)
				if err != nil {
					logger.Warn().Err(err).Str("contract", id).Msg("snapshot capture failed")
					continue
				}
				if snap.Sequence == last[id] {
					continue
				}
				if err := takeSnapshot(ctx, snap, snapshots, metrics); err != nil {
					logger.Warn().Err(err).Str("contract", id).Msg("periodic snapshot failed")
					continue
				}
				last[id] = snap.Sequence
				logger.Info().Str("contract", id).Int64("sequence", snap.Sequence).Msg("periodic snapshot")
			}
		}
	}
}

// takeSnapshot saves snap and verifies it against the call log. A snapshot
// whose call is not yet persisted stays unverified and is ignored by
// recovery.
func takeSnapshot(ctx context.Context, snap *core.SnapshotState, snapshots *persistence.SnapshotManager, metrics *observability.Metrics) error {
	start := time.Now()
	size, err := snapshots.SaveSnapshot(ctx, snap)
	if err != nil {
		return err
	}
	if _, err := snapshots.Verify(ctx, snap); err != nil {
		return err
	}
	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
	}
	return nil
}
