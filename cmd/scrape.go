package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rallyscraper/internal/api"
	"github.com/JakeFAU/rallyscraper/internal/clock/system"
	"github.com/JakeFAU/rallyscraper/internal/config"
	"github.com/JakeFAU/rallyscraper/internal/extract"
	"github.com/JakeFAU/rallyscraper/internal/fetcher"
	collyfetcher "github.com/JakeFAU/rallyscraper/internal/fetcher/colly"
	"github.com/JakeFAU/rallyscraper/internal/fetcher/headless"
	"github.com/JakeFAU/rallyscraper/internal/id/uuid"
	"github.com/JakeFAU/rallyscraper/internal/identity"
	"github.com/JakeFAU/rallyscraper/internal/metrics"
	"github.com/JakeFAU/rallyscraper/internal/pipeline"
	pubsubpublisher "github.com/JakeFAU/rallyscraper/internal/publisher/pubsub"
	"github.com/JakeFAU/rallyscraper/internal/rally"
	"github.com/JakeFAU/rallyscraper/internal/storage"
	"github.com/JakeFAU/rallyscraper/internal/storage/gcs"
	"github.com/JakeFAU/rallyscraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/rallyscraper/internal/storage/memory"
	"github.com/JakeFAU/rallyscraper/internal/storage/postgres"
	"github.com/JakeFAU/rallyscraper/internal/telemetry"
)

const (
	ipCheckTimeout = 10 * time.Second
	pushTimeout    = 10 * time.Second
)

// runScrape wires every component from cfg and scrapes one season. Only a
// failure to reach the database aborts; optional sinks degrade to disabled.
func runScrape(ctx context.Context, cfg config.Config, season int, logger *zap.Logger) error {
	metrics.Init()
	clock := system.New()

	var spanSink io.Writer
	if cfg.Tracing.Stdout {
		spanSink = os.Stderr
	}
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
		SampleRatio: cfg.Tracing.SampleRatio,
		Export:      spanSink,
	})
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer func() {
			if serr := shutdownTracing(context.WithoutCancel(ctx)); serr != nil {
				logger.Warn("tracing shutdown failed", zap.Error(serr))
			}
		}()
	}

	reconciler, err := postgres.NewReconciler(ctx, postgres.Config{
		DSN:         cfg.DB.DSN,
		TablePrefix: cfg.DB.TablePrefix,
		MaxConns:    cfg.DB.MaxConns,
	}, logger.Named("postgres"))
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer reconciler.Close()

	provider, proxies := buildIdentityProvider(cfg.Identity, clock, logger.Named("identity"))
	rotator := identity.NewRotator(provider, clock, identity.Config{
		Pool:   cfg.Identity.Pool,
		Settle: cfg.Identity.Settle,
	}, logger.Named("identity"), identity.WithAddressLookup(identity.NewIPChecker(cfg.Identity.IPCheckURL, ipCheckTimeout)))
	defer func() {
		if cerr := rotator.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("identity teardown failed", zap.Error(cerr))
		}
	}()

	transport, resetConns, closeTransport := buildTransport(cfg.Fetch, proxies)
	defer closeTransport()

	controller := fetcher.New(transport, &resettingRotator{Rotator: rotator, reset: resetConns}, clock, fetcher.Config{
		MaxAttempts:       cfg.Fetch.MaxAttempts,
		RotateEvery:       cfg.Fetch.RotateEvery,
		PacingMin:         cfg.Fetch.PacingMin,
		PacingMax:         cfg.Fetch.PacingMax,
		RateLimitCooldown: cfg.Fetch.RateLimitCooldown,
		Backoff:           cfg.Fetch.Backoff,
		Headers:           cfg.RequestHeaders(),
	}, logger.Named("fetcher"))

	archive, closeArchive := buildArchive(ctx, cfg.Archive, logger)
	defer closeArchive()

	publisher, closePublisher := buildPublisher(ctx, cfg.Publish, logger)
	defer closePublisher()

	runner := pipeline.New(
		controller,
		extract.NewHeuristic(logger.Named("extract")),
		reconciler,
		archive,
		publisher,
		clock,
		uuid.New(),
		pipeline.Config{SeasonURL: cfg.SeasonURL, Topic: cfg.Publish.Topic},
		logger.Named("pipeline"),
	)

	if cfg.Server.ListenAddr != "" {
		stopServer := startOpsServer(ctx, cfg.Server.ListenAddr, runner, reconciler.Ping, logger.Named("api"))
		defer stopServer()
	}

	if cfg.Identity.ConnectOnStart && cfg.Identity.Backend != config.IdentityNoop {
		ip := rotator.SeedAddress(ctx)
		logger.Info("establishing initial identity", zap.String("ip", ip))
		rotateErr := rotator.Rotate(ctx, "")
		metrics.ObserveRotation(metrics.TriggerStartup, rotateErr == nil)
	}

	summary, err := runner.Run(ctx, season)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("run season %d: %w", season, err)
		}
		logger.Warn("scrape interrupted", zap.Error(err))
	}

	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
	defer cancel()
	if perr := metrics.Push(pushCtx, cfg.Metrics.PushURL, cfg.Metrics.Job, summary.RunID); perr != nil {
		logger.Warn("metrics push failed", zap.Error(perr))
	}

	logger.Info("scrape finished",
		zap.String("run_id", summary.RunID),
		zap.Int("season", summary.Season),
		zap.Int("rallies", summary.Rallies),
		zap.Int("rallies_failed", summary.RalliesFailed),
		zap.Int("persisted", summary.Persisted),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("duration", summary.Duration),
	)
	return nil
}

// buildIdentityProvider returns the configured provider and, for the proxy
// backend, the pool whose active proxy the transports must follow.
func buildIdentityProvider(cfg config.IdentityConfig, clock rally.Clock, logger *zap.Logger) (identity.Provider, *identity.ProxyPool) {
	switch cfg.Backend {
	case config.IdentityOpenVPN:
		return identity.NewOpenVPN(identity.OpenVPNConfig{
			ConfigDir:      cfg.ConfigDir,
			ConfigSuffix:   cfg.ConfigSuffix,
			AuthFile:       cfg.AuthFile,
			UseSudo:        cfg.UseSudo,
			TeardownSettle: cfg.TeardownSettle,
		}, nil, clock, logger), nil
	case config.IdentityProxy:
		pool := identity.NewProxyPool()
		return pool, pool
	default:
		return identity.NewNoop(), nil
	}
}

// buildTransport returns the transport, a hook that drops pooled
// connections after a rotation, and a close func.
func buildTransport(cfg config.FetchConfig, proxies *identity.ProxyPool) (rally.Transport, func(), func()) {
	if cfg.Transport == config.TransportHeadless {
		hcfg := headless.Config{NavigationTimeout: cfg.HeadlessNavTimeout}
		if proxies != nil {
			hcfg.Proxy = func() string {
				if u := proxies.Active(); u != nil {
					return u.String()
				}
				return ""
			}
		}
		f := headless.NewChromedp(hcfg)
		return f, func() {}, f.Close
	}

	ccfg := collyfetcher.Config{Timeout: cfg.Timeout}
	if proxies != nil {
		ccfg.Proxy = proxies.ProxyFunc
	}
	f := collyfetcher.New(ccfg)
	return f, f.CloseIdleConnections, f.CloseIdleConnections
}

// resettingRotator drops keep-alive connections after every rotation so the
// next request leaves through the new identity.
type resettingRotator struct {
	*identity.Rotator
	reset func()
}

func (r *resettingRotator) Rotate(ctx context.Context, target string) error {
	err := r.Rotator.Rotate(ctx, target)
	if r.reset != nil {
		r.reset()
	}
	return err
}

// buildArchive opens the configured archive backend. Archiving is optional,
// so a backend that cannot be opened is logged and disabled.
func buildArchive(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (*storage.Archive, func()) {
	noop := func() {}
	switch cfg.Backend {
	case config.ArchiveMemory:
		return storage.NewArchive(memorystorage.NewBlobStore(), cfg.Prefix), noop
	case config.ArchiveLocal:
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			logger.Warn("local archive unavailable; archiving disabled", zap.Error(err))
			return nil, noop
		}
		return storage.NewArchive(store, cfg.Prefix), noop
	case config.ArchiveGCS:
		store, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			logger.Warn("gcs archive unavailable; archiving disabled", zap.Error(err))
			return nil, noop
		}
		return storage.NewArchive(store, cfg.Prefix), func() {
			if cerr := store.Close(); cerr != nil {
				logger.Warn("close gcs client", zap.Error(cerr))
			}
		}
	default:
		return nil, noop
	}
}

// buildPublisher opens Pub/Sub when a topic is configured.
func buildPublisher(ctx context.Context, cfg config.PublishConfig, logger *zap.Logger) (rally.Publisher, func()) {
	if cfg.Topic == "" {
		return nil, func() {}
	}
	pub, err := pubsubpublisher.Open(ctx, cfg.ProjectID)
	if err != nil {
		logger.Warn("pubsub unavailable; events disabled", zap.Error(err))
		return nil, func() {}
	}
	return pub, func() {
		if cerr := pub.Close(); cerr != nil {
			logger.Warn("close pubsub client", zap.Error(cerr))
		}
	}
}

// startOpsServer serves the ops endpoints until the returned stop func runs.
func startOpsServer(ctx context.Context, addr string, progress api.ProgressSource, ready api.ReadinessCheck, logger *zap.Logger) func() {
	srvCtx, cancel := context.WithCancel(ctx)
	srv := api.NewServer(progress, ready, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(srvCtx, addr); err != nil {
			logger.Error("ops server stopped", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
