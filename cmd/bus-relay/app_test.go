package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/BusBox/config"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/services/history"
	"github.com/BearBump/BusBox/internal/services/relay"
	"github.com/BearBump/BusBox/internal/storage"
	"github.com/BearBump/BusBox/internal/storage/memstore"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingProducer struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, string(key))
	return nil
}

func (p *recordingProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

func TestRelaySettingsFrom_Defaults(t *testing.T) {
	s := relaySettingsFrom(&config.Config{})
	require.Equal(t, 2*time.Second, s.pollInterval)
	require.Equal(t, 100, s.batchSize)
	require.Equal(t, 10, s.concurrency)
	require.Equal(t, 120*time.Second, s.lease)
	require.Equal(t, int64(600), s.rlPerMin)
	require.Equal(t, ":8082", s.httpAddr)
	require.Equal(t, relay.DefaultPlannerConfig().Backoff1, s.planner.Backoff1)
	require.Equal(t, relay.DefaultPlannerConfig().Backoff4, s.planner.Backoff4)

	s = relaySettingsFrom(&config.Config{BusBox: config.BusBoxConfig{RelayBackoff2Seconds: 30, RelayBatchSize: 5}})
	require.Equal(t, 30*time.Second, s.planner.Backoff2)
	require.Equal(t, 5, s.batchSize)
}

func TestDefaultRelayFactories_NonNil(t *testing.T) {
	f := defaultRelayFactories()
	cfg := &config.Config{
		Kafka: config.KafkaConfig{Host: "localhost", Port: 9092},
		Redis: config.RedisConfig{Host: "localhost", Port: 6379},
	}
	p, closeP := f.newProducer(cfg)
	require.NotNil(t, p)
	closeP()
	rl, closeRL := f.newRateLimiter(cfg)
	require.NotNil(t, rl)
	closeRL()

	rl, closeRL = f.newRateLimiter(&config.Config{})
	require.Nil(t, rl)
	closeRL()
}

func TestRunBusRelay_PublishesOutbox(t *testing.T) {
	st := memstore.New()
	ledger := history.New(st, "")
	err := st.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		_, err := ledger.Record(ctx, tx, history.Change{Subject: models.SubjectTrip, SubjectID: 4, New: "scheduled"})
		return err
	})
	require.NoError(t, err)

	prod := &recordingProducer{}
	calledClose := false
	f := relayFactories{
		newStorage: func(cfg *config.Config) (relay.Repository, func(), error) {
			return st, func() { calledClose = true }, nil
		},
		newProducer:    func(cfg *config.Config) (relay.Producer, func()) { return prod, func() {} },
		newRateLimiter: func(cfg *config.Config) (relay.RateLimiter, func()) { return nil, func() {} },
	}
	cfg := &config.Config{BusBox: config.BusBoxConfig{RelayPollIntervalSeconds: 1, RelayHTTPAddr: "127.0.0.1:0"}}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- RunBusRelay(ctx, cfg, "", f, zap.NewNop()) }()

	require.Eventually(t, func() bool {
		return prod.count() == 1 && st.Events()[0].PublishedAt != nil
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.True(t, calledClose)
}

func TestRelayHTTP_Endpoints(t *testing.T) {
	r := relay.New(memstore.New(), &recordingProducer{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runRelayHTTPServer(ctx, relayHTTPOpts{
			httpAddr: "127.0.0.1:0",
			onListen: func(a string) { addrCh <- a },
			relay:    r,
			settings: relaySettingsFrom(&config.Config{}),
		})
	}()
	base := "http://" + <-addrCh

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Post(base+"/trigger", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	resp, err = http.Get(base + "/stats")
	require.NoError(t, err)
	var stats relay.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	_ = resp.Body.Close()
	require.NotNil(t, stats.LastTriggerAt)

	resp, err = http.Get(base + "/config")
	require.NoError(t, err)
	var conf map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conf))
	_ = resp.Body.Close()
	require.EqualValues(t, 100, conf["batchSize"])
	require.EqualValues(t, 300, conf["backoff1Seconds"])

	resp, err = http.Get(base + "/docs/index.html")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	cancel()
	require.ErrorIs(t, <-errCh, http.ErrServerClosed)
}
