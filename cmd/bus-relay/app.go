package main

import (
	"context"
	"time"

	"github.com/BearBump/BusBox/config"
	"github.com/BearBump/BusBox/internal/broker/kafka"
	"github.com/BearBump/BusBox/internal/cache/rediscache"
	"github.com/BearBump/BusBox/internal/services/relay"
	"github.com/BearBump/BusBox/internal/storage/pgbooking"
	"go.uber.org/zap"
)

type relayFactories struct {
	newStorage     func(cfg *config.Config) (repo relay.Repository, closeFn func(), err error)
	newProducer    func(cfg *config.Config) (relay.Producer, func())
	newRateLimiter func(cfg *config.Config) (relay.RateLimiter, func())
}

func defaultRelayFactories() relayFactories {
	return relayFactories{
		newStorage: func(cfg *config.Config) (relay.Repository, func(), error) {
			st, err := pgbooking.New(cfg.Database.ConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) (relay.Producer, func()) {
			p := kafka.NewProducer(cfg.Kafka.Brokers())
			return p, func() { _ = p.Close() }
		},
		newRateLimiter: func(cfg *config.Config) (relay.RateLimiter, func()) {
			if cfg.Redis.Host == "" {
				return nil, func() {}
			}
			rl := rediscache.NewRateLimiter(cfg.Redis.Addr())
			return rl, func() { _ = rl.Close() }
		},
	}
}

type relaySettings struct {
	pollInterval time.Duration
	batchSize    int
	concurrency  int
	lease        time.Duration
	rlPerMin     int64
	httpAddr     string
	planner      relay.PlannerConfig
}

func relaySettingsFrom(cfg *config.Config) relaySettings {
	b := cfg.BusBox
	s := relaySettings{
		pollInterval: time.Duration(b.RelayPollIntervalSeconds) * time.Second,
		batchSize:    b.RelayBatchSize,
		concurrency:  b.RelayConcurrency,
		lease:        time.Duration(b.RelayLeaseSeconds) * time.Second,
		rlPerMin:     int64(b.RelayRateLimitPerMinute),
		httpAddr:     b.RelayHTTPAddr,
		planner: relay.PlannerConfig{
			Backoff1: time.Duration(b.RelayBackoff1Seconds) * time.Second,
			Backoff2: time.Duration(b.RelayBackoff2Seconds) * time.Second,
			Backoff3: time.Duration(b.RelayBackoff3Seconds) * time.Second,
			Backoff4: time.Duration(b.RelayBackoff4Seconds) * time.Second,
		},
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 2 * time.Second
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	if s.concurrency <= 0 {
		s.concurrency = 10
	}
	if s.lease <= 0 {
		s.lease = 120 * time.Second
	}
	if s.rlPerMin <= 0 {
		s.rlPerMin = 600
	}
	if s.httpAddr == "" {
		s.httpAddr = ":8082"
	}
	def := relay.DefaultPlannerConfig()
	if s.planner.Backoff1 <= 0 {
		s.planner.Backoff1 = def.Backoff1
	}
	if s.planner.Backoff2 <= 0 {
		s.planner.Backoff2 = def.Backoff2
	}
	if s.planner.Backoff3 <= 0 {
		s.planner.Backoff3 = def.Backoff3
	}
	if s.planner.Backoff4 <= 0 {
		s.planner.Backoff4 = def.Backoff4
	}
	return s
}

func RunBusRelay(ctx context.Context, cfg *config.Config, swaggerPath string, f relayFactories, log *zap.Logger) error {
	s := relaySettingsFrom(cfg)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}
	producer, closeProducer := f.newProducer(cfg)
	defer closeProducer()
	rl, closeRL := f.newRateLimiter(cfg)
	defer closeRL()

	r := relay.New(repo, producer, rl).
		WithSettings(s.pollInterval, s.batchSize, s.concurrency, s.lease, s.rlPerMin).
		WithPlanner(s.planner).
		WithLogger(log.Named("relay"))

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runRelayHTTPServer(ctx, relayHTTPOpts{
			httpAddr:    s.httpAddr,
			swaggerPath: swaggerPath,
			relay:       r,
			settings:    s,
			log:         log,
		})
	}()

	log.Info("outbox relay started",
		zap.Duration("poll_interval", s.pollInterval), zap.Int("batch_size", s.batchSize), zap.Int("concurrency", s.concurrency))
	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()

	select {
	case err := <-runErr:
		return err
	case err := <-httpErr:
		if err != nil && ctx.Err() == nil {
			return err
		}
		return <-runErr
	}
}
