package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/BusBox/config"
	"github.com/BearBump/BusBox/internal/api/bookingapi"
	"github.com/BearBump/BusBox/internal/broker/kafka"
	"github.com/BearBump/BusBox/internal/cache"
	"github.com/BearBump/BusBox/internal/cache/rediscache"
	"github.com/BearBump/BusBox/internal/logger"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/services/history"
	"github.com/BearBump/BusBox/internal/services/packages"
	"github.com/BearBump/BusBox/internal/services/schedule"
	"github.com/BearBump/BusBox/internal/services/seats"
	"github.com/BearBump/BusBox/internal/services/tickets"
	"github.com/BearBump/BusBox/internal/services/trips"
	"github.com/BearBump/BusBox/internal/storage"
	"github.com/BearBump/BusBox/internal/storage/memstore"
	"github.com/BearBump/BusBox/internal/storage/pgbooking"
	"go.uber.org/zap"
)

type apiSettings struct {
	httpAddr       string
	storageDriver  string
	topic          string
	consumerGroup  string
	conflictBuffer time.Duration
	minLead        time.Duration
	cacheTTL       time.Duration
	actorLimit     int64
}

func apiSettingsFrom(cfg *config.Config) apiSettings {
	s := apiSettings{
		httpAddr:       cfg.BusBox.HTTPAddr,
		storageDriver:  cfg.BusBox.StorageDriver,
		topic:          cfg.Kafka.StateChangedTopicName,
		consumerGroup:  cfg.BusBox.KafkaConsumerGroup,
		conflictBuffer: time.Duration(cfg.BusBox.ConflictBufferMinutes) * time.Minute,
		minLead:        time.Duration(cfg.BusBox.MinLeadMinutes) * time.Minute,
		cacheTTL:       time.Duration(cfg.BusBox.CurrentStateTTLSeconds) * time.Second,
		actorLimit:     int64(cfg.BusBox.ActorRateLimitPerMinute),
	}
	if s.httpAddr == "" {
		s.httpAddr = ":8080"
	}
	if s.storageDriver == "" {
		s.storageDriver = "postgres"
	}
	if s.topic == "" {
		s.topic = history.DefaultTopic
	}
	if s.consumerGroup == "" {
		s.consumerGroup = "bus-api"
	}
	if s.conflictBuffer <= 0 {
		s.conflictBuffer = schedule.DefaultBuffer
	}
	if s.minLead <= 0 {
		s.minLead = trips.DefaultMinLead
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = 10 * time.Minute
	}
	if s.actorLimit <= 0 {
		s.actorLimit = 600
	}
	return s
}

// apiFactories isolates everything that dials out, so tests can swap it.
type apiFactories struct {
	newStore       func(cfg *config.Config, s apiSettings, log *zap.Logger) (storage.Store, func(), error)
	newCache       func(cfg *config.Config) (cache.BytesCache, func())
	newRateLimiter func(cfg *config.Config) (bookingapi.RateLimiter, func())
	newConsumer    func(cfg *config.Config, s apiSettings) (kafkaConsumer, func())
}

func defaultAPIFactories() apiFactories {
	return apiFactories{
		newStore: func(cfg *config.Config, s apiSettings, log *zap.Logger) (storage.Store, func(), error) {
			switch s.storageDriver {
			case "memory":
				st := memstore.New()
				seedDemo(st, log)
				return st, func() {}, nil
			case "postgres":
				st, err := openPostgresWithRetry(cfg.Database.ConnString(), 60*time.Second)
				if err != nil {
					return nil, nil, err
				}
				return st, st.Close, nil
			}
			return nil, nil, fmt.Errorf("unknown storage driver %q", s.storageDriver)
		},
		newCache: func(cfg *config.Config) (cache.BytesCache, func()) {
			if cfg.Redis.Host == "" {
				return nil, func() {}
			}
			rc := rediscache.New(cfg.Redis.Addr())
			return rc, func() { _ = rc.Close() }
		},
		newRateLimiter: func(cfg *config.Config) (bookingapi.RateLimiter, func()) {
			if cfg.Redis.Host == "" {
				return nil, func() {}
			}
			rl := rediscache.NewRateLimiter(cfg.Redis.Addr())
			return rl, func() { _ = rl.Close() }
		},
		newConsumer: func(cfg *config.Config, s apiSettings) (kafkaConsumer, func()) {
			if cfg.Kafka.Host == "" {
				return nil, func() {}
			}
			c := kafka.NewConsumer(cfg.Kafka.Brokers(), s.topic, s.consumerGroup)
			return c, func() { _ = c.Close() }
		},
	}
}

func openPostgresWithRetry(connString string, wait time.Duration) (*pgbooking.Storage, error) {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgbooking.New(connString)
		if err == nil {
			return st, nil
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	return nil, fmt.Errorf("postgres is not ready after %s: %w", wait, lastErr)
}

// services is the wired service graph behind the HTTP API.
type services struct {
	trips    *trips.Service
	tickets  *tickets.Service
	packages *packages.Service
	seats    *seats.Allocator
}

func buildServices(s apiSettings, store storage.Store, c cache.BytesCache, log *zap.Logger) services {
	ledger := history.New(store, s.topic)
	pk := packages.New(store, ledger).WithCache(c, s.cacheTTL).WithLogger(log.Named("packages"))
	return services{
		trips: trips.New(store, ledger, schedule.New(s.conflictBuffer), pk).
			WithCache(c, s.cacheTTL).
			WithMinLead(s.minLead).
			WithLogger(log.Named("trips")),
		tickets:  tickets.New(store, ledger).WithLogger(log.Named("tickets")),
		packages: pk,
		seats:    seats.New(store).WithLogger(log.Named("seats")),
	}
}

func (sv services) api(rl bookingapi.RateLimiter, perMinute int64, log *zap.Logger) *bookingapi.API {
	return bookingapi.New(sv.trips, sv.tickets, sv.packages, sv.seats).
		WithRateLimit(rl, perMinute).
		WithLogger(log.Named("http"))
}

// seedDemo fills an empty in-memory store with reference data so the API can
// be exercised locally.
func seedDemo(st *memstore.Store, log *zap.Logger) {
	admin := st.AddUser("admin", models.RoleAdmin)
	secretary := st.AddUser("secretary", models.RoleSecretary)
	driver := st.AddUser("driver", models.RoleDriver)
	assistant := st.AddUser("assistant", models.RoleAssistant)
	bus, seatIDs := st.AddBus("BUS-001", 40)
	route := st.AddRoute("Central - Airport")
	alice := st.AddClient("Alice")
	bob := st.AddClient("Bob")
	log.Info("memory store seeded",
		zap.Int64("admin_id", admin), zap.Int64("secretary_id", secretary),
		zap.Int64("driver_id", driver), zap.Int64("assistant_id", assistant),
		zap.Int64("bus_id", bus), zap.Int("seats", len(seatIDs)), zap.Int64("route_id", route),
		zap.Int64s("client_ids", []int64{alice, bob}))
}

type busAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     busAPIOpts
	svc      services
	api      *bookingapi.API
	consumer kafkaConsumer
	closers  []func()
	log      *zap.Logger
}

func mustBootstrapBusAPI(cfgPath, swaggerPath string) *busAPIApp {
	if cfgPath == "" {
		panic("--config flag or configPath env var is required")
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	log, err := logger.New("bus-api")
	if err != nil {
		panic(err)
	}
	app, err := bootstrapBusAPI(cfg, swaggerPath, defaultAPIFactories(), log)
	if err != nil {
		log.Fatal("bootstrap", zap.Error(err))
	}
	return app
}

func bootstrapBusAPI(cfg *config.Config, swaggerPath string, f apiFactories, log *zap.Logger) (*busAPIApp, error) {
	s := apiSettingsFrom(cfg)

	store, closeStore, err := f.newStore(cfg, s, log)
	if err != nil {
		return nil, err
	}
	c, closeCache := f.newCache(cfg)
	rl, closeRL := f.newRateLimiter(cfg)
	consumer, closeConsumer := f.newConsumer(cfg, s)

	sv := buildServices(s, store, c, log)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	return &busAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: busAPIOpts{
			httpAddr:      s.httpAddr,
			swaggerPath:   swaggerPath,
			topic:         s.topic,
			consumerGroup: s.consumerGroup,
		},
		svc:      sv,
		api:      sv.api(rl, s.actorLimit, log),
		consumer: consumer,
		closers:  []func(){closeConsumer, closeRL, closeCache, closeStore},
		log:      log,
	}, nil
}

func (a *busAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for _, c := range a.closers {
		if c != nil {
			c()
		}
	}
	_ = a.log.Sync()
}

func (a *busAPIApp) Run() error {
	handler := kafka.StateChangedHandler(a.ctx, a.log.Named("consumer"), a.svc.trips, a.svc.packages)
	return runBusAPI(a.ctx, a.opts, a.api, a.consumer, handler, a.log)
}
