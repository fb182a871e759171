// Package scheduler drives the periodic jobs: refresh, daily summaries,
// retention pruning, and provider health probes.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/agrometeo/metgo/internal/ingest"
	"github.com/agrometeo/metgo/internal/store"
	"github.com/agrometeo/metgo/internal/weather"
)

// Job names, also the keys in the job_state table.
const (
	JobPeriodicRefresh = "periodic_refresh"
	JobDailySummarize  = "daily_summarize"
	JobRetentionPurge  = "retention_purge"
	JobProviderHealth  = "provider_health"
)

const (
	healthProbeMinutes = 5
	stopGrace          = 30 * time.Second

	jobBackoffBase = time.Minute
	jobBackoffMax  = 30 * time.Minute
)

// Options configures the scheduled jobs.
type Options struct {
	RefreshMinutes int
	RetentionDays  int
	Location       *time.Location // local time for the daily jobs
}

// Scheduler owns the gocron timer and a shared lifecycle context that
// Stop cancels so in-flight jobs unwind.
type Scheduler struct {
	scheduler   *gocron.Scheduler
	coordinator *ingest.Coordinator
	store       *store.Store
	stations    []weather.Station
	opts        Options
	log         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Per-job backoff state for store outages. Guarded by failMu.
	failMu     sync.Mutex
	failures   map[string]int
	deferUntil map[string]time.Time
}

func New(c *ingest.Coordinator, st *store.Store, stations []weather.Station, opts Options, log *zap.Logger) *Scheduler {
	if opts.RefreshMinutes <= 0 {
		opts.RefreshMinutes = 15
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 365
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler:   gocron.NewScheduler(opts.Location),
		coordinator: c,
		store:       st,
		stations:    stations,
		opts:        opts,
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
		failures:    map[string]int{},
		deferUntil:  map[string]time.Time{},
	}
}

// Start registers all jobs, performs at most one catch-up run per job that
// missed its window while the process was down, and starts the timer.
func (s *Scheduler) Start() error {
	if _, err := s.scheduler.Every(s.opts.RefreshMinutes).Minutes().Do(func() {
		s.runJob(JobPeriodicRefresh, s.refresh)
	}); err != nil {
		return err
	}
	if _, err := s.scheduler.Every(1).Day().At("00:30").Do(func() {
		s.runJob(JobDailySummarize, s.summarizeYesterday)
	}); err != nil {
		return err
	}
	if _, err := s.scheduler.Every(1).Day().At("01:00").Do(func() {
		s.runJob(JobRetentionPurge, s.purge)
	}); err != nil {
		return err
	}
	if _, err := s.scheduler.Every(healthProbeMinutes).Minutes().Do(func() {
		s.runJob(JobProviderHealth, s.probeHealth)
	}); err != nil {
		return err
	}

	s.catchUp()
	s.scheduler.StartAsync()
	s.log.Info("scheduler started",
		zap.Int("refresh_minutes", s.opts.RefreshMinutes),
		zap.Int("retention_days", s.opts.RetentionDays),
		zap.String("timezone", s.opts.Location.String()))
	return nil
}

// Stop halts the timer and waits up to the grace period for in-flight
// jobs to finish.
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		s.log.Warn("scheduler stop grace period elapsed with jobs still running")
	}
}

// catchUp runs each job at most once if its last recorded run is older
// than one period. Extra missed intervals are skipped.
func (s *Scheduler) catchUp() {
	now := time.Now().UTC()
	checks := []struct {
		name   string
		period time.Duration
		fn     func(context.Context) error
	}{
		{JobPeriodicRefresh, time.Duration(s.opts.RefreshMinutes) * time.Minute, s.refresh},
		{JobDailySummarize, 24 * time.Hour, s.summarizeYesterday},
		{JobRetentionPurge, 24 * time.Hour, s.purge},
	}
	for _, c := range checks {
		last, known, err := s.store.JobLastRun(c.name)
		if err != nil {
			s.log.Warn("reading job state", zap.String("job", c.name), zap.Error(err))
			continue
		}
		if known && now.Sub(last) <= c.period {
			continue
		}
		s.log.Info("catch-up run", zap.String("job", c.name), zap.Time("last_run", last))
		s.runJob(c.name, c.fn)
	}
}

func (s *Scheduler) runJob(name string, fn func(context.Context) error) {
	if s.ctx.Err() != nil {
		return
	}
	if s.inBackoff(name) {
		s.log.Warn("job deferred, store backoff active", zap.String("job", name))
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	start := time.Now()
	err := fn(s.ctx)
	if err != nil {
		if errors.Is(err, weather.ErrStoreUnavailable) {
			delay := s.extendBackoff(name)
			s.log.Error("job failed, backing off", zap.String("job", name),
				zap.Duration("retry_in", delay), zap.Error(err))
			return
		}
		s.log.Error("job failed", zap.String("job", name),
			zap.Duration("took", time.Since(start)), zap.Error(err))
		return
	}
	s.clearBackoff(name)
	if err := s.store.SetJobLastRun(name, time.Now().UTC()); err != nil {
		s.log.Warn("recording job state", zap.String("job", name), zap.Error(err))
	}
	s.log.Info("job completed", zap.String("job", name), zap.Duration("took", time.Since(start)))
}

func (s *Scheduler) inBackoff(name string) bool {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return time.Now().Before(s.deferUntil[name])
}

// extendBackoff doubles the deferral per consecutive store failure,
// capped at jobBackoffMax, and returns the chosen delay.
func (s *Scheduler) extendBackoff(name string) time.Duration {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.failures[name]++
	delay := jobBackoffBase
	for i := 1; i < s.failures[name] && delay < jobBackoffMax; i++ {
		delay *= 2
	}
	if delay > jobBackoffMax {
		delay = jobBackoffMax
	}
	s.deferUntil[name] = time.Now().Add(delay)
	return delay
}

func (s *Scheduler) clearBackoff(name string) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	delete(s.failures, name)
	delete(s.deferUntil, name)
}

func (s *Scheduler) refresh(ctx context.Context) error {
	now := time.Now().UTC()
	reports := s.coordinator.Refresh(ctx, s.stations, now.Add(-time.Hour), now)
	for _, r := range reports {
		if len(r.Errors) > 0 {
			s.log.Warn("refresh finished with errors",
				zap.String("station", r.StationID),
				zap.String("provider", r.ProviderUsed),
				zap.Strings("errors", r.Errors))
		}
	}
	return nil
}

// summarizeYesterday writes yesterday's rollup per station. Underlying
// observation rows stay until the retention purge reaches them.
func (s *Scheduler) summarizeYesterday(ctx context.Context) error {
	yesterday := time.Now().In(s.opts.Location).AddDate(0, 0, -1)
	day := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, time.UTC)
	for _, st := range s.stations {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.store.SummarizeDay(st.ID, day); err != nil {
			return err
		}
	}
	return nil
}

// purge summarizes every station-day beyond the retention horizon, then
// deletes the raw rows. Summaries are written first so no day loses its
// rollup.
func (s *Scheduler) purge(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.opts.RetentionDays)

	pending, err := s.store.StationDaysBefore(cutoff)
	if err != nil {
		return err
	}
	for stationID, days := range pending {
		for _, day := range days {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := s.store.SummarizeDay(stationID, day); err != nil {
				return err
			}
		}
	}

	removed, err := s.store.PurgeOlderThan(cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.log.Info("retention purge", zap.Int64("rows_removed", removed), zap.Time("cutoff", cutoff))
	}
	return nil
}

func (s *Scheduler) probeHealth(ctx context.Context) error {
	health := s.coordinator.ProbeHealth(ctx)
	for name, h := range health {
		if h != weather.HealthOK {
			s.log.Warn("provider degraded", zap.String("provider", name), zap.String("health", string(h)))
		}
	}
	s.coordinator.ReorderByHealth(health)
	return nil
}
