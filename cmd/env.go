package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enforcement-cli/internal/events"
	"github.com/sells-group/enforcement-cli/internal/identity"
	"github.com/sells-group/enforcement-cli/internal/reconcile"
	"github.com/sells-group/enforcement-cli/internal/resilience"
	"github.com/sells-group/enforcement-cli/internal/review"
	"github.com/sells-group/enforcement-cli/internal/session"
	"github.com/sells-group/enforcement-cli/internal/store"
	"github.com/sells-group/enforcement-cli/pkg/companieshouse"
)

// appEnv holds the store, matching, reconciliation and session machinery
// the commands share.
type appEnv struct {
	Store      store.Store
	Bus        *events.Bus
	Redis      *redis.Client // may be nil
	Resolver   *identity.Resolver
	Reconciler *reconcile.Reconciler
	Reviews    *review.Queue
	Tracker    *session.Tracker
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates the configuration for mode, opens the store and wires
// the pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	var sinks []events.Sink
	if cfg.Events.RedisURL != "" {
		client, err := events.DialRedis(ctx, cfg.Events.RedisURL)
		if err != nil {
			// Progress still reaches in-process subscribers.
			zap.L().Warn("redis unavailable, events stay in process", zap.Error(err))
		} else {
			env.Redis = client
			sinks = append(sinks, events.NewRedisSink(client, cfg.Events.RedisChannel))
			zap.L().Info("publishing events to redis", zap.String("channel", cfg.Events.RedisChannel))
		}
	}
	env.Bus = events.NewBus(cfg.Events.Buffer, sinks...)

	resolver, err := initResolver()
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Resolver = resolver

	env.Reconciler = reconcile.New(st, nil)
	env.Reviews = review.NewQueue(st, env.Reconciler, env.Bus)
	env.Reconciler.SetReviewQueue(env.Reviews)
	env.Tracker = session.NewTracker(st, resolver, env.Reconciler, env.Bus)

	return env, nil
}

// initResolver builds the identity resolver, adding the Companies House
// registry behind a circuit breaker when configured.
func initResolver() (*identity.Resolver, error) {
	var opts []identity.Option
	switch cfg.Matching.ExternalRegistry {
	case identity.RegistryCompaniesHouse:
		ch := cfg.CompaniesHouse
		client := companieshouse.NewClient(ch.APIKey,
			companieshouse.WithBaseURL(ch.BaseURL),
			companieshouse.WithHTTPClient(&http.Client{Timeout: time.Duration(ch.TimeoutMs) * time.Millisecond}),
			companieshouse.WithMinInterval(time.Duration(ch.RateLimitDelayMs)*time.Millisecond),
		)
		breaker := resilience.NewCircuitBreaker(
			cfg.Matching.BreakerThreshold,
			time.Duration(cfg.Matching.BreakerCooldownSecs)*time.Second,
		)
		opts = append(opts, identity.WithRegistry(identity.NewCompaniesHouse(client, ch.SearchLimit, ch.ActiveOnly), breaker))
		zap.L().Info("companies house registry enabled", zap.Int("search_limit", ch.SearchLimit))
	case "":
		zap.L().Debug("no external registry configured, matching locally only")
	default:
		return nil, eris.Errorf("unsupported external registry: %s", cfg.Matching.ExternalRegistry)
	}

	resolver, err := identity.New(cfg.Matching.Config, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "init resolver")
	}
	return resolver, nil
}
