package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/timegate/config"
	"github.com/mohammad-safakhou/timegate/internal/cdx"
	"github.com/mohammad-safakhou/timegate/internal/exclusion"
	"github.com/mohammad-safakhou/timegate/internal/replay"
	"github.com/mohammad-safakhou/timegate/internal/resource"
	"github.com/mohammad-safakhou/timegate/internal/resource/remote"
	"github.com/mohammad-safakhou/timegate/internal/resource/warcdir"
	"github.com/mohammad-safakhou/timegate/internal/runtime"
)

// app holds the shared dependencies built from configuration.
type app struct {
	cfg        *config.Config
	index      cdx.Index
	cache      *cdx.Cache
	store      *resource.Federation
	exclusions *exclusion.Policy
	rules      *exclusion.SQLStore
	engine     *replay.Engine
	telemetry  *runtime.Telemetry

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	tele, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceVersion: version})
	if err != nil {
		return nil, err
	}
	a.telemetry = tele

	if a.store, err = openStore(cfg); err != nil {
		return nil, err
	}
	if err = a.openIndex(ctx); err != nil {
		return nil, err
	}
	if err = a.openExclusions(ctx); err != nil {
		return nil, err
	}

	opts := []replay.Option{
		replay.WithPolicy(replay.Policy{
			MaxRedirectAttempts: cfg.Replay.MaxRedirectAttempts,
			TimestampSearch:     cfg.Replay.TimestampSearch,
			NarrowLimit:         cfg.Replay.NarrowLimit,
		}),
		replay.WithExclusions(a.exclusions),
		replay.WithLogger(runtime.NewLogger("REPLAY", cfg.General)),
		replay.WithTracer(tracer),
	}
	if cfg.Replay.LiveWebPrefix != "" {
		opts = append(opts, replay.WithLiveFallback(replay.LiveRedirect{Prefix: cfg.Replay.LiveWebPrefix}))
	}
	if a.engine, err = replay.NewEngine(a.index, a.store, opts...); err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

// openStore builds the backend federation. Each backend's type selects a
// registry scheme; remote backends may carry their own token.
func openStore(cfg *config.Config) (*resource.Federation, error) {
	logger := runtime.NewLogger("FEDERATION", cfg.General)
	tokens := make(map[string]string)
	reg := resource.NewRegistry()
	reg.Register(warcdir.Scheme, warcdir.Factory(runtime.NewLogger("WARCDIR", cfg.General)))
	remoteFactory := func(spec string) (resource.Store, error) {
		return remote.New(spec,
			remote.WithToken(tokens[spec]),
			remote.WithLogger(runtime.NewLogger("REMOTE", cfg.General)))
	}
	reg.Register("http", remoteFactory)
	reg.Register("https", remoteFactory)

	backends := make([]resource.Backend, 0, len(cfg.Storage.Backends))
	for _, b := range cfg.Storage.Backends {
		spec := backendSpec(b)
		if b.Token != "" {
			tokens[spec] = b.Token
		}
		backend, err := reg.Open(b.Name, spec)
		if err != nil {
			return nil, err
		}
		backends = append(backends, backend)
	}
	return resource.NewFederation(backends,
		resource.WithTimeout(cfg.Storage.Timeout),
		resource.WithBreaker(resource.BreakerSettings{
			FailureThreshold: cfg.Storage.Breaker.FailureThreshold,
			CoolDown:         cfg.Storage.Breaker.CoolDown,
			HalfOpenRequests: cfg.Storage.Breaker.HalfOpenRequests,
		}),
		resource.WithLogger(logger),
	)
}

func backendSpec(b config.BackendConfig) string {
	switch b.Type {
	case "remote":
		return b.Spec
	default:
		return b.Type + ":" + b.Spec
	}
}

func (a *app) openIndex(ctx context.Context) error {
	cfg := a.cfg
	format, err := cdx.ParseFormat(cfg.Index.Format)
	if err != nil {
		return err
	}
	logger := runtime.NewLogger("CDX", cfg.General)
	client, err := cdx.NewClient(cfg.Index.Endpoint,
		cdx.WithFormat(format),
		cdx.WithTimeout(cfg.Index.Timeout),
		cdx.WithRetries(cfg.Index.Retries, cfg.Index.Backoff),
		cdx.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	a.index = client
	if cfg.Index.CacheTTL <= 0 || !cfg.Redis.Enabled() {
		return nil
	}

	rdb, err := openRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Warn("index cache disabled", "err", err)
		return nil
	}
	a.closers = append(a.closers, rdb.Close)
	a.cache = cdx.NewCache(client, rdb, cfg.Index.CacheTTL, logger,
		cdx.WithFetchTimeout(cfg.Index.Timeout*time.Duration(cfg.Index.Retries+1)))
	a.index = a.cache
	return nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
		ReadTimeout: cfg.Timeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Addr(), err)
	}
	return rdb, nil
}

func (a *app) openExclusions(ctx context.Context) error {
	cfg := a.cfg.Exclusion
	static := make([]exclusion.Rule, 0, len(cfg.Rules))
	for _, s := range cfg.Rules {
		r, err := exclusion.ParseRule(s)
		if err != nil {
			return fmt.Errorf("exclusion.rules: %w", err)
		}
		static = append(static, r)
	}

	var source exclusion.Source
	if cfg.DSN != "" {
		rules, err := exclusion.OpenSQL(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return fmt.Errorf("exclusion store: %w", err)
		}
		a.rules = rules
		a.closers = append(a.closers, rules.Close)
		source = rules
	}

	policy, err := exclusion.NewPolicy(static, source, runtime.NewLogger("EXCLUSION", a.cfg.General))
	if err != nil {
		return err
	}
	if err := policy.Refresh(ctx); err != nil {
		return fmt.Errorf("load exclusions: %w", err)
	}
	a.exclusions = policy
	return nil
}

// runExclusionRefresh keeps the SQL rules current until ctx is done.
func (a *app) runExclusionRefresh(ctx context.Context, logger *log.Logger) {
	if a.rules == nil {
		return
	}
	go func() {
		err := a.exclusions.Run(ctx, a.cfg.Exclusion.Refresh)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("exclusion refresh stopped", "err", err)
		}
	}()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
	if a.telemetry != nil {
		_ = a.telemetry.Shutdown(context.Background())
	}
}
