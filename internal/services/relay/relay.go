// Package relay publishes committed outbox events to the broker. Events are
// claimed under a lease, so several relays can share one outbox and a crashed
// relay's claims come back once the lease runs out.
package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/BusBox/internal/models"
	"go.uber.org/zap"
)

type Repository interface {
	ClaimDueEvents(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.OutboxEvent, error)
	MarkEventPublished(ctx context.Context, id int64, at time.Time) error
	MarkEventFailed(ctx context.Context, id int64, reason string, nextAttemptAt time.Time) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Relay struct {
	repo     Repository
	producer Producer
	rl       RateLimiter

	planner *Planner
	now     func() time.Time
	log     *zap.Logger

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64
	publishAttempts    int
	throttle           time.Duration

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalPublished      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, producer Producer, rl RateLimiter) *Relay {
	return &Relay{
		repo: repo, producer: producer, rl: rl,
		planner:            DefaultPlanner(),
		now:                func() time.Time { return time.Now().UTC() },
		log:                zap.NewNop(),
		pollInterval:       2 * time.Second,
		batchSize:          100,
		concurrency:        10,
		lease:              120 * time.Second,
		rateLimitPerMinute: 600,
		publishAttempts:    3,
		throttle:           500 * time.Millisecond,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func DefaultPlanner() *Planner {
	return NewPlanner(DefaultPlannerConfig(), nil)
}

func (r *Relay) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Relay {
	if pollInterval > 0 {
		r.pollInterval = pollInterval
	}
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	if concurrency > 0 {
		r.concurrency = concurrency
	}
	if lease > 0 {
		r.lease = lease
	}
	if rlPerMin > 0 {
		r.rateLimitPerMinute = rlPerMin
	}
	return r
}

// WithPublish sets how many times one claim tries the producer and how long
// it backs off when the rate limit is exceeded.
func (r *Relay) WithPublish(attempts int, throttle time.Duration) *Relay {
	if attempts > 0 {
		r.publishAttempts = attempts
	}
	if throttle >= 0 {
		r.throttle = throttle
	}
	return r
}

func (r *Relay) WithPlanner(cfg PlannerConfig) *Relay {
	r.planner = NewPlanner(cfg, nil)
	return r
}

func (r *Relay) WithClock(now func() time.Time) *Relay {
	if now != nil {
		r.now = now
	}
	return r
}

func (r *Relay) WithLogger(l *zap.Logger) *Relay {
	if l != nil {
		r.log = l
	}
	return r
}

// Trigger forces an immediate relay cycle (best-effort, non-blocking).
func (r *Relay) Trigger() {
	r.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalPublished int64      `json:"totalPublished"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (r *Relay) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalClaimed:   r.totalClaimed.Load(),
		TotalPublished: r.totalPublished.Load(),
		TotalErrors:    r.totalErrors.Load(),
		InFlight:       r.inFlight.Load(),
	}
	if n := r.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := r.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.RunOnce(ctx)
		case <-r.triggerCh:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce claims one batch and publishes it.
func (r *Relay) RunOnce(ctx context.Context) {
	now := r.now()
	r.lastCycleUnixNano.Store(time.Now().UTC().UnixNano())

	events, err := r.repo.ClaimDueEvents(ctx, now, r.batchSize, r.lease)
	if err != nil {
		r.log.Error("claim due events", zap.Error(err))
		r.setLastError(err)
		return
	}
	r.totalClaimed.Add(int64(len(events)))

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	// Events left unstarted on cancel keep their lease and are claimed again
	// once it expires.
dispatch:
	for _, ev := range events {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break dispatch
		}
		wg.Add(1)
		r.inFlight.Add(1)
		go func(ev *models.OutboxEvent) {
			defer func() {
				r.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := r.processOne(ctx, ev); err != nil {
				r.totalErrors.Add(1)
				r.setLastError(err)
				r.log.Error("publish outbox event",
					zap.Int64("outbox_id", ev.ID), zap.String("event_id", ev.EventID), zap.Error(err))
				return
			}
			r.totalPublished.Add(1)
		}(ev)
	}
	wg.Wait()
}

func (r *Relay) processOne(ctx context.Context, ev *models.OutboxEvent) error {
	now := r.now()

	if r.rl != nil && r.rateLimitPerMinute > 0 {
		minuteKey := fmt.Sprintf("rl:relay:%s:%s", ev.Topic, now.Format("200601021504"))
		allowed, n, err := r.rl.Allow(ctx, minuteKey, r.rateLimitPerMinute, 70*time.Second)
		if err != nil {
			r.log.Warn("rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			// Слишком много событий в минуту: чуть притормозим брокер.
			r.log.Warn("rate limit exceeded", zap.String("topic", ev.Topic), zap.Int64("count", n))
			time.Sleep(r.throttle)
		}
	}

	// Брокер может быть не готов сразу после старта docker compose.
	var pubErr error
	for i := 0; i < r.publishAttempts; i++ {
		if pubErr = r.producer.Publish(ctx, ev.Topic, []byte(ev.Key), ev.Payload); pubErr == nil {
			break
		}
		if i+1 < r.publishAttempts {
			time.Sleep(time.Duration(150*(i+1)) * time.Millisecond)
		}
	}
	if pubErr != nil {
		next := now.Add(r.planner.RetryDelay(ev.Attempts + 1))
		if err := r.repo.MarkEventFailed(ctx, ev.ID, pubErr.Error(), next); err != nil {
			r.log.Error("mark outbox event failed", zap.Int64("outbox_id", ev.ID), zap.Error(err))
		}
		return pubErr
	}
	return r.repo.MarkEventPublished(ctx, ev.ID, now)
}

func (r *Relay) setLastError(err error) {
	r.lastErrorMu.Lock()
	r.lastError = err.Error()
	r.lastErrorMu.Unlock()
}
