package weather

import (
	"context"
	"time"
)

// Health is the result of probing an adapter's upstream.
type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// Adapter abstracts one observation provider (public API, local file, or
// the synthetic generator). Implementations translate upstream payloads
// into canonical Observations and classify failures with
// ErrAdapterTransient / ErrAdapterPermanent / ErrMissingCredential.
type Adapter interface {
	Name() string
	Source() Source

	// FetchCurrent returns the most recent observation for the station.
	FetchCurrent(ctx context.Context, st Station) (Observation, error)

	// FetchRange returns observations within [from, to], ordered by timestamp.
	FetchRange(ctx context.Context, st Station, from, to time.Time) ([]Observation, error)

	// FetchForecast returns forward-looking observations up to horizon.
	// Adapters without forecast support return ErrAdapterPermanent.
	FetchForecast(ctx context.Context, st Station, horizon time.Duration) ([]Observation, error)

	// HealthCheck probes the upstream without mutating any state.
	HealthCheck(ctx context.Context) Health
}
