package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/BusBox/internal/broker/messages"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/services/history"
	"github.com/BearBump/BusBox/internal/storage"
	"github.com/BearBump/BusBox/internal/storage/memstore"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	mu    sync.Mutex
	calls int
	err   error
	got   []published
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return p.err
	}
	p.got = append(p.got, published{topic: topic, key: string(key), value: value})
	return nil
}

type fakeRL struct {
	allowed bool
	count   int64
	err     error
	keys    []string
	mu      sync.Mutex
}

func (r *fakeRL) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	r.mu.Lock()
	r.keys = append(r.keys, key)
	r.mu.Unlock()
	return r.allowed, r.count, r.err
}

var t0 = time.Date(2030, 1, 2, 3, 4, 0, 0, time.UTC)

func seedEvents(t *testing.T, st *memstore.Store, n int) {
	t.Helper()
	ledger := history.New(st, "").WithClock(func() time.Time { return t0 })
	for i := 1; i <= n; i++ {
		id := int64(i)
		err := st.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
			_, err := ledger.Record(ctx, tx, history.Change{
				Subject: models.SubjectTrip, SubjectID: id, New: "scheduled",
			})
			return err
		})
		require.NoError(t, err)
	}
}

func TestRelay_PublishesAndMarks(t *testing.T) {
	st := memstore.New()
	seedEvents(t, st, 3)

	fp := &fakeProducer{}
	rl := &fakeRL{allowed: true}
	r := New(st, fp, rl).WithClock(func() time.Time { return t0 })
	r.RunOnce(context.Background())

	require.Len(t, fp.got, 3)
	for _, p := range fp.got {
		require.Equal(t, history.DefaultTopic, p.topic)
		var msg messages.StateChanged
		require.NoError(t, json.Unmarshal(p.value, &msg))
		require.Equal(t, "trip", msg.SubjectType)
		require.Equal(t, "trip:"+strconv.FormatInt(msg.SubjectID, 10), p.key)
	}
	for _, e := range st.Events() {
		require.NotNil(t, e.PublishedAt)
	}
	require.Contains(t, rl.keys, "rl:relay:"+history.DefaultTopic+":203001020304")

	stats := r.Stats()
	require.Equal(t, int64(3), stats.TotalClaimed)
	require.Equal(t, int64(3), stats.TotalPublished)
	require.NotNil(t, stats.LastCycleAt)

	// nothing left to claim
	r.RunOnce(context.Background())
	require.Equal(t, 3, fp.calls)
}

func TestRelay_FailureSchedulesRetry(t *testing.T) {
	st := memstore.New()
	seedEvents(t, st, 1)

	fp := &fakeProducer{err: errors.New("broker down")}
	r := New(st, fp, nil).WithClock(func() time.Time { return t0 }).WithPublish(2, 0)
	r.RunOnce(context.Background())

	require.Equal(t, 2, fp.calls)
	ev := st.Events()[0]
	require.Nil(t, ev.PublishedAt)
	require.Equal(t, int32(1), ev.Attempts)
	require.Equal(t, "broker down", *ev.LastError)
	require.True(t, ev.NextAttemptAt.Equal(t0.Add(5*time.Minute)))
	require.Equal(t, int64(1), r.Stats().TotalErrors)
	require.Equal(t, "broker down", r.Stats().LastError)

	// second failure backs off further
	later := t0.Add(5 * time.Minute)
	r.WithClock(func() time.Time { return later }).RunOnce(context.Background())
	ev = st.Events()[0]
	require.Equal(t, int32(2), ev.Attempts)
	require.True(t, ev.NextAttemptAt.Equal(later.Add(15*time.Minute)))

	fp.err = nil
	final := later.Add(15 * time.Minute)
	r.WithClock(func() time.Time { return final }).RunOnce(context.Background())
	require.NotNil(t, st.Events()[0].PublishedAt)
}

func TestRelay_RateLimitedStillPublishes(t *testing.T) {
	st := memstore.New()
	seedEvents(t, st, 1)

	fp := &fakeProducer{}
	r := New(st, fp, &fakeRL{allowed: false, count: 1000}).WithClock(func() time.Time { return t0 }).WithPublish(1, time.Millisecond)
	r.RunOnce(context.Background())
	require.Len(t, fp.got, 1)
}

func TestRelay_RateLimiterErrorIgnored(t *testing.T) {
	st := memstore.New()
	seedEvents(t, st, 1)

	fp := &fakeProducer{}
	r := New(st, fp, &fakeRL{err: errors.New("redis down")}).WithClock(func() time.Time { return t0 })
	r.RunOnce(context.Background())
	require.Len(t, fp.got, 1)
}

func TestRelay_WithSettings(t *testing.T) {
	r := New(nil, &fakeProducer{}, nil).
		WithSettings(5*time.Second, 7, 9, 11*time.Second, 13)
	require.Equal(t, 5*time.Second, r.pollInterval)
	require.Equal(t, 7, r.batchSize)
	require.Equal(t, 9, r.concurrency)
	require.Equal(t, 11*time.Second, r.lease)
	require.Equal(t, int64(13), r.rateLimitPerMinute)
}

type fakeRepo struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRepo) ClaimDueEvents(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil, nil
}

func (r *fakeRepo) MarkEventPublished(ctx context.Context, id int64, at time.Time) error { return nil }

func (r *fakeRepo) MarkEventFailed(ctx context.Context, id int64, reason string, next time.Time) error {
	return nil
}

func TestRelay_Run_StopsOnContextCancel(t *testing.T) {
	repo := &fakeRepo{}
	r := New(repo, &fakeProducer{}, nil).WithSettings(5*time.Millisecond, 1, 1, time.Second, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.GreaterOrEqual(t, repo.calls, 1)
}

type blockingProducer struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (p *blockingProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	p.started <- struct{}{}
	<-p.release
	return nil
}

func TestRelay_RunOnce_StopsDispatchingOnCancel(t *testing.T) {
	st := memstore.New()
	seedEvents(t, st, 3)

	bp := &blockingProducer{started: make(chan struct{}, 3), release: make(chan struct{})}
	r := New(st, bp, nil).
		WithSettings(time.Hour, 10, 1, time.Minute, 0).
		WithClock(func() time.Time { return t0 })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.RunOnce(ctx)
		close(done)
	}()

	<-bp.started
	cancel()
	// let the dispatch loop observe the cancellation while the only slot is busy
	time.Sleep(50 * time.Millisecond)
	close(bp.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunOnce did not return after cancel")
	}
	bp.mu.Lock()
	defer bp.mu.Unlock()
	require.Equal(t, 1, bp.calls)
	require.EqualValues(t, 3, r.Stats().TotalClaimed)
}

func TestRelay_Trigger(t *testing.T) {
	repo := &fakeRepo{}
	r := New(repo, &fakeProducer{}, nil).WithSettings(time.Hour, 1, 1, time.Second, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.Trigger()
	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.calls >= 1
	}, time.Second, 5*time.Millisecond)
	require.NotNil(t, r.Stats().LastTriggerAt)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
