package main

import (
	"context"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/swarmguard/stolos/internal/runner"
	"github.com/swarmguard/stolos/internal/scheduler"
)

// scheduleFile is the on-disk shape of a --schedules document: one entry per
// app this scheduler process should poll.
type scheduleFile struct {
	Schedules []scheduleEntry `yaml:"schedules"`
}

type scheduleEntry struct {
	App              string  `yaml:"app"`
	CronExpr         string  `yaml:"cron_expr"`
	Enabled          bool    `yaml:"enabled"`
	RateLimitPerSec  float64 `yaml:"rate_limit_per_sec"`
	MaxRetry         *int    `yaml:"max_retry"`
	TimeoutSec       int     `yaml:"timeout_sec"`
	Bash             string  `yaml:"bash"`
	RedirectToStderr bool    `yaml:"redirect_to_stderr"`
}

// loadSchedules reads path and registers every enabled entry with sched.
func loadSchedules(ctx context.Context, sched *scheduler.Scheduler, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var file scheduleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}

	for _, e := range file.Schedules {
		if !e.Enabled {
			continue
		}
		opts := runner.Options{
			MaxRetryOverride: e.MaxRetry,
			BashCmd:          e.Bash,
			RedirectToStderr: e.RedirectToStderr,
		}
		if e.TimeoutSec > 0 {
			opts.Timeout = time.Duration(e.TimeoutSec) * time.Second
		}
		cfg := scheduler.ScheduleConfig{
			App:       e.App,
			CronExpr:  e.CronExpr,
			Enabled:   e.Enabled,
			RateLimit: e.RateLimitPerSec,
			Options:   opts,
		}
		if err := sched.AddSchedule(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}
