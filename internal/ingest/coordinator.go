// Package ingest orchestrates fetch → validate → persist across the ordered
// adapter chain.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agrometeo/metgo/internal/store"
	"github.com/agrometeo/metgo/internal/validate"
	"github.com/agrometeo/metgo/internal/weather"
)

// Options tunes the coordinator.
type Options struct {
	// Workers bounds concurrent per-station refreshes. Default 4.
	Workers int
	// KeepRejected stores records the validator flagged incomplete.
	// Default false: rejected records are dropped.
	KeepRejected bool
	// SyntheticFallback permits the synthetic generator when the whole
	// chain fails permanently or yields nothing.
	SyntheticFallback bool
	// OutlierCapping enables the validator's IQR pass.
	OutlierCapping bool
	OutlierFactor  float64
	// RetryBackoff defers the next scheduled attempt for a station after
	// an all-transient cycle. Default 2 minutes.
	RetryBackoff time.Duration
}

// Coordinator owns the adapter chain and the per-station write serialization.
type Coordinator struct {
	store *store.Store
	log   *zap.Logger
	opts  Options

	mu        sync.Mutex
	chain     []weather.Adapter // priority order, synthetic excluded
	synthetic weather.Adapter
	disabled  map[string]bool // MissingCredential: disabled for process lifetime

	locksMu      sync.Mutex
	stationLocks map[string]*sync.Mutex
	retryAfter   map[string]time.Time
}

// New builds a coordinator. A synthetic adapter anywhere in adapters is
// pulled out of the chain and kept as the fallback.
func New(st *store.Store, adapters []weather.Adapter, log *zap.Logger, opts Options) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Minute
	}

	c := &Coordinator{
		store:        st,
		log:          log,
		opts:         opts,
		disabled:     map[string]bool{},
		stationLocks: map[string]*sync.Mutex{},
		retryAfter:   map[string]time.Time{},
	}
	for _, a := range adapters {
		if a.Source() == weather.SourceSynthetic {
			c.synthetic = a
			continue
		}
		c.chain = append(c.chain, a)
	}
	return c
}

// Adapters returns the current priority chain (synthetic excluded).
func (c *Coordinator) Adapters() []weather.Adapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]weather.Adapter, len(c.chain))
	copy(out, c.chain)
	return out
}

// ReorderByHealth stably partitions the chain so healthier adapters come
// first; the configured order is preserved within each health class.
func (c *Coordinator) ReorderByHealth(health map[string]weather.Health) {
	rank := func(a weather.Adapter) int {
		switch health[a.Name()] {
		case weather.HealthDegraded:
			return 1
		case weather.HealthDown:
			return 2
		default:
			return 0
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var reordered []weather.Adapter
	for class := 0; class <= 2; class++ {
		for _, a := range c.chain {
			if rank(a) == class {
				reordered = append(reordered, a)
			}
		}
	}
	c.chain = reordered
}

func (c *Coordinator) stationLock(id string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.stationLocks[id]
	if !ok {
		l = &sync.Mutex{}
		c.stationLocks[id] = l
	}
	return l
}

// InBackoff reports whether a scheduled refresh should skip the station
// because its last cycle failed transiently across the whole chain.
func (c *Coordinator) InBackoff(stationID string) bool {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	return time.Now().Before(c.retryAfter[stationID])
}

func (c *Coordinator) setBackoff(stationID string) {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	c.retryAfter[stationID] = time.Now().Add(c.opts.RetryBackoff)
}

func (c *Coordinator) clearBackoff(stationID string) {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	delete(c.retryAfter, stationID)
}

// Refresh ingests the window for every station, bounded by the worker pool.
// Distinct stations proceed in parallel; refreshes of the same station are
// serialized by a per-station lock. Each station yields one report; reports
// are persisted to the ingestion log and returned.
func (c *Coordinator) Refresh(ctx context.Context, stations []weather.Station, from, to time.Time) []weather.IngestionReport {
	sem := make(chan struct{}, c.opts.Workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	reports := make([]weather.IngestionReport, 0, len(stations))

	for _, st := range stations {
		st := st
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			report := c.RefreshStation(ctx, st, from, to)
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return reports
}

// RefreshStation runs one fetch → validate → persist cycle for one station.
func (c *Coordinator) RefreshStation(ctx context.Context, st weather.Station, from, to time.Time) weather.IngestionReport {
	lock := c.stationLock(st.ID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	report := weather.IngestionReport{
		ID:        uuid.NewString(),
		StationID: st.ID,
		At:        start.UTC(),
	}

	records, provider, allTransient := c.fetchChain(ctx, st, from, to, &report)

	if records == nil && c.opts.SyntheticFallback && c.synthetic != nil && !allTransient {
		synthetic, err := c.synthetic.FetchRange(ctx, st, from, to)
		if err == nil && len(synthetic) > 0 {
			records = synthetic
			provider = c.synthetic.Name()
			report.Fallback = true
			c.log.Warn("falling back to synthetic records",
				zap.String("station", st.ID),
				zap.Strings("chain_errors", report.Errors))
		}
	}

	if records == nil {
		if allTransient {
			c.setBackoff(st.ID)
			c.log.Warn("all adapters failed transiently; store untouched",
				zap.String("station", st.ID),
				zap.Duration("retry_after", c.opts.RetryBackoff))
		}
		report.DurationMs = time.Since(start).Milliseconds()
		c.persistReport(report)
		return report
	}

	report.ProviderUsed = provider
	report.RecordsIn = len(records)

	cleaned := make([]weather.Observation, 0, len(records))
	for _, rec := range records {
		window, err := c.store.RecentWindow(rec.StationID, rec.Timestamp, 25)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("window: %v", err))
		}
		res := validate.Clean(validate.FromObservation(rec), window, validate.Options{
			OutlierCapping: c.opts.OutlierCapping,
			OutlierFactor:  c.opts.OutlierFactor,
		})
		if len(res.Repairs) > 0 {
			report.RecordsRepaired++
			report.Repairs = append(report.Repairs, res.Repairs...)
		}
		if res.Rejected {
			report.RecordsRejected++
			if !c.opts.KeepRejected {
				continue
			}
		}
		cleaned = append(cleaned, res.Record)
	}

	if len(cleaned) > 0 {
		counts, err := c.store.BulkUpsert(cleaned)
		if err != nil {
			// ConstraintViolation and StoreUnavailable abort the batch.
			report.Errors = append(report.Errors, err.Error())
			c.log.Error("bulk upsert failed",
				zap.String("station", st.ID), zap.Error(err))
		} else {
			report.RecordsAccepted = counts.Inserted + counts.Replaced
			c.clearBackoff(st.ID)
		}
	}

	report.DurationMs = time.Since(start).Milliseconds()
	c.persistReport(report)
	return report
}

// fetchChain tries adapters in priority order. The first adapter returning
// at least one record wins. Returns nil records when the whole chain failed;
// allTransient is true only when every failure was transient.
func (c *Coordinator) fetchChain(ctx context.Context, st weather.Station, from, to time.Time, report *weather.IngestionReport) ([]weather.Observation, string, bool) {
	attempted := 0
	transientFailures := 0

	for _, a := range c.Adapters() {
		c.mu.Lock()
		skip := c.disabled[a.Name()]
		c.mu.Unlock()
		if skip {
			continue
		}

		attempted++
		records, err := a.FetchRange(ctx, st, from, to)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", a.Name(), err))
			switch {
			case errors.Is(err, weather.ErrMissingCredential):
				c.mu.Lock()
				c.disabled[a.Name()] = true
				c.mu.Unlock()
				c.log.Warn("adapter disabled for process lifetime",
					zap.String("adapter", a.Name()), zap.Error(err))
			case errors.Is(err, weather.ErrAdapterTransient):
				transientFailures++
			}
			continue
		}
		if len(records) == 0 {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: no records for window", a.Name()))
			continue
		}
		return records, a.Name(), false
	}

	allTransient := attempted > 0 && transientFailures == attempted
	return nil, "", allTransient
}

// Forecast fetches forward-looking observations from the first adapter in
// the chain that supports forecasting, falling back to synthetic when
// permitted. Forecast records are never persisted.
func (c *Coordinator) Forecast(ctx context.Context, st weather.Station, horizon time.Duration) ([]weather.Observation, error) {
	var lastErr error
	for _, a := range c.Adapters() {
		c.mu.Lock()
		skip := c.disabled[a.Name()]
		c.mu.Unlock()
		if skip {
			continue
		}
		records, err := a.FetchForecast(ctx, st, horizon)
		if err != nil {
			lastErr = err
			continue
		}
		if len(records) > 0 {
			return records, nil
		}
	}
	if c.opts.SyntheticFallback && c.synthetic != nil {
		return c.synthetic.FetchForecast(ctx, st, horizon)
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: no forecast-capable adapter available", weather.ErrAdapterPermanent)
}

// ProbeHealth checks every adapter in the chain.
func (c *Coordinator) ProbeHealth(ctx context.Context) map[string]weather.Health {
	out := map[string]weather.Health{}
	for _, a := range c.Adapters() {
		out[a.Name()] = a.HealthCheck(ctx)
	}
	return out
}

func (c *Coordinator) persistReport(r weather.IngestionReport) {
	if err := c.store.AppendReport(r); err != nil {
		c.log.Error("persisting ingestion report", zap.String("station", r.StationID), zap.Error(err))
	}
}
