package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ent0n29/rtrelay/internal/auth"
	"github.com/ent0n29/rtrelay/internal/config"
	"github.com/ent0n29/rtrelay/internal/eventlog"
	"github.com/ent0n29/rtrelay/internal/httpapi"
	"github.com/ent0n29/rtrelay/internal/observability"
	"github.com/ent0n29/rtrelay/internal/realtime"
	"github.com/ent0n29/rtrelay/internal/relay"
	"github.com/ent0n29/rtrelay/internal/session"
	"github.com/ent0n29/rtrelay/internal/token"
	"github.com/ent0n29/rtrelay/internal/tools"
)

const janitorInterval = 30 * time.Second

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Registry
	Relay    *relay.Relay
	Events   eventlog.Store
	Tokens   token.Store
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (Redis, Postgres).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetricsWithRegistry(cfg.MetricsNamespace, reg, reg)

	var (
		rdb  *redis.Client
		pool *pgxpool.Pool
	)
	switch {
	case cfg.RedisURL != "":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
	case cfg.DatabaseURL != "":
		p, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres pool init failed: %w", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("postgres ping failed: %w", err)
		}
		pool = p
	}
	closeClients := func() error {
		if rdb != nil {
			return rdb.Close()
		}
		if pool != nil {
			pool.Close()
		}
		return nil
	}

	events, err := eventlog.NewStore(ctx, rdb, pool, eventlog.Options{
		TTL:           cfg.EventLogTTL,
		MaxPerSession: cfg.EventLogMaxPerSession,
	})
	if err != nil {
		_ = closeClients()
		return nil, fmt.Errorf("event log init failed: %w", err)
	}
	tokens, err := token.NewStore(ctx, rdb, pool)
	if err != nil {
		_ = closeClients()
		return nil, fmt.Errorf("token store init failed: %w", err)
	}

	sessions := session.NewRegistry(cfg.SessionInactivityTimeout, cfg.ConfigRetention)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		logger.Info().Str("session_id", s.ID).Msg("session expired after inactivity")
	})

	injector := realtime.NewInjector(sessions, logger)
	dialer := relay.NewWSDialer(relay.UpstreamConfig{
		URL:         cfg.RealtimeURL,
		Model:       cfg.RealtimeModel,
		APIKey:      cfg.OpenAIAPIKey,
		DialTimeout: cfg.UpstreamDialTimeout,
		Attempts:    cfg.UpstreamDialAttempts,
	}, logger)

	var toolbox *tools.Registry
	if cfg.ServerTools {
		toolbox = tools.Default(nil)
	}
	rl := relay.New(sessions, injector, events, dialer, toolbox, metrics, logger)

	api := httpapi.New(httpapi.Deps{
		Config:   cfg,
		Sessions: sessions,
		Relay:    rl,
		Injector: injector,
		Events:   events,
		Tokens:   tokens,
		Auth:     auth.StaticToken{Token: cfg.APIToken},
		Metrics:  metrics,
		Logger:   logger,
	})

	cleanup := func() error {
		var errs []string
		if err := events.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := tokens.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := closeClients(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Relay:    rl,
		Events:   events,
		Tokens:   tokens,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}

// StartJanitors runs the periodic sweeps until ctx is done. Redis expires
// keys on its own and needs none.
func (b *BuildResult) StartJanitors(ctx context.Context, logger zerolog.Logger) {
	b.Sessions.StartJanitor(ctx, 5*time.Second)

	switch s := b.Events.(type) {
	case *eventlog.InMemoryStore:
		s.StartJanitor(ctx, janitorInterval)
	case *eventlog.PostgresStore:
		s.StartJanitor(ctx, janitorInterval)
	}

	if s, ok := b.Tokens.(*token.PostgresStore); ok {
		go func() {
			ticker := time.NewTicker(janitorInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := s.Sweep(ctx); err != nil {
						b.Metrics.StoreErrors.WithLabelValues("postgres", "sweep").Inc()
						logger.Warn().Err(err).Msg("token sweep failed")
					}
				}
			}
		}()
	}
}
