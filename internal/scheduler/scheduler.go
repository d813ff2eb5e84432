// Package scheduler is the additive always-on loop mode ("stolos serve"):
// robfig/cron entries that invoke runner.Iteration repeatedly for a
// configured set of apps, grounded on the teacher's Scheduler/ScheduleConfig
// (scheduler.go), narrowed from the teacher's cron-or-event dual dispatch
// down to cron-only since Stolos has no event-bus input.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	"github.com/swarmguard/stolos/internal/resilience"
	"github.com/swarmguard/stolos/internal/runner"
	"github.com/swarmguard/stolos/internal/store"
)

// bucketSchedules is the same bucket name the teacher uses for its
// persisted ScheduleConfig rows.
var bucketSchedules = []byte("schedules")

// ScheduleConfig is one app's poll schedule: how often to run an iteration
// and the Options each iteration uses.
type ScheduleConfig struct {
	App       string        `json:"app"`
	CronExpr  string        `json:"cron_expr"`
	Enabled   bool          `json:"enabled"`
	RateLimit float64       `json:"rate_limit_per_sec"`
	Options   runner.Options `json:"-"`
}

// Scheduler runs a cron.Cron that fires runner.Iteration for each enabled
// schedule, rate-limited per app so a misconfigured sub-second cron
// expression cannot hammer the coordination store.
type Scheduler struct {
	cron     *cron.Cron
	db       *bbolt.DB
	runner   *runner.Runner
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*resilience.CircuitBreaker
}

// New builds a Scheduler backed by db for schedule persistence and r for
// running iterations. bucketSchedules is created on demand by AddSchedule
// and by Start, so db needs no preparation beyond internal/store's own
// buckets.
func New(db *bbolt.DB, r *runner.Runner) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		db:       db,
		runner:   r,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// Start begins the cron loop and restores any schedules persisted from a
// previous run.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.ensureBucket(); err != nil {
		return err
	}
	if err := s.restore(ctx); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("scheduler started")
	return nil
}

// Stop gracefully drains in-flight cron jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) ensureBucket() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSchedules)
		return err
	})
}

// AddSchedule registers and persists cfg, so its app, cron expression,
// enabled flag and rate limit survive a process restart. cfg.Options is not
// persisted: a schedule restored by Start runs with zero-value Options.
func (s *Scheduler) AddSchedule(ctx context.Context, cfg ScheduleConfig) error {
	if cfg.CronExpr == "" {
		return fmt.Errorf("scheduler: cron_expr required for app %s", cfg.App)
	}

	if _, err := s.cron.AddFunc(cfg.CronExpr, func() {
		s.runOnce(context.Background(), cfg)
	}); err != nil {
		return fmt.Errorf("scheduler: add cron entry for %s: %w", cfg.App, err)
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketSchedules)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(cfg.App), data)
	}); err != nil {
		return fmt.Errorf("scheduler: persist schedule for %s: %w", cfg.App, err)
	}

	slog.Info("schedule added", "app", cfg.App, "cron", cfg.CronExpr)
	return nil
}

func (s *Scheduler) limiterFor(app string, perSec float64) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[app]
	if !ok {
		if perSec <= 0 {
			perSec = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSec), 1)
		s.limiters[app] = lim
	}
	return lim
}

// breakerFor returns the per-app circuit breaker: a 2 minute window in 12
// buckets, tripping once at least 5 ticks are recorded and half or more of
// them failed, and staying open for 30s before probing again — so an app
// whose plugin is consistently broken stops getting hit every single cron
// tick.
func (s *Scheduler) breakerFor(app string) *resilience.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[app]
	if !ok {
		b = resilience.NewCircuitBreaker(2*time.Minute, 12, 5, 0.5, 30*time.Second, 1)
		s.breakers[app] = b
	}
	return b
}

func (s *Scheduler) runOnce(ctx context.Context, cfg ScheduleConfig) {
	if !s.limiterFor(cfg.App, cfg.RateLimit).Allow() {
		slog.Debug("schedule skipped, rate limited", "app", cfg.App)
		return
	}

	breaker := s.breakerFor(cfg.App)
	if !breaker.Allow() {
		slog.Debug("schedule skipped, circuit open", "app", cfg.App)
		return
	}

	outcome, err := s.runner.Iteration(ctx, cfg.App, cfg.Options)
	if err != nil {
		breaker.RecordResult(false)
		slog.Warn("scheduled iteration error", "app", cfg.App, "error", err)
		return
	}
	if outcome.NoWork {
		slog.Debug("scheduled iteration: no work", "app", cfg.App)
		return
	}
	breaker.RecordResult(outcome.State != store.StateFailed)
	slog.Info("scheduled iteration", "app", cfg.App, "job_id", outcome.JobID, "state", outcome.State)
}

func (s *Scheduler) restore(ctx context.Context) error {
	var configs []ScheduleConfig
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var cfg ScheduleConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return nil
			}
			configs = append(configs, cfg)
			return nil
		})
	})
	if err != nil {
		return err
	}

	restored := 0
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if _, err := s.cron.AddFunc(cfg.CronExpr, func(c ScheduleConfig) func() {
			return func() { s.runOnce(context.Background(), c) }
		}(cfg)); err != nil {
			slog.Error("failed to restore schedule", "app", cfg.App, "error", err)
			continue
		}
		restored++
	}
	slog.Info("schedules restored", "count", restored)
	return nil
}
