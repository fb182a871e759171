// Package query is the read-only façade every consumer goes through:
// dashboards, the CLI, the HTTP API, and the derivation layer.
package query

import (
	"fmt"
	"time"

	"github.com/agrometeo/metgo/internal/store"
	"github.com/agrometeo/metgo/internal/weather"
)

// Granularity selects the shape of a series.
type Granularity string

const (
	GranularityRaw    Granularity = "raw"
	GranularityHourly Granularity = "hourly"
	GranularityDaily  Granularity = "daily"
)

// ParseGranularity validates a user-supplied granularity string.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case GranularityRaw, GranularityHourly, GranularityDaily:
		return Granularity(s), nil
	}
	return "", fmt.Errorf("invalid granularity %q (want raw, hourly, or daily)", s)
}

// SeriesPoint is one element of a series: raw and hourly series carry
// observations, daily series carry summaries.
type SeriesPoint struct {
	Observation *weather.Observation  `json:"observation,omitempty"`
	Daily       *weather.DailySummary `json:"daily,omitempty"`
}

// Service serves normalized reads. Safe for concurrent use; it never
// returns nil slices and never errors on "no data".
type Service struct {
	store     *store.Store
	retention time.Duration
}

// New builds the query service. retentionDays decides where daily series
// switch from on-the-fly aggregation to the daily_summary table.
func New(st *store.Store, retentionDays int) *Service {
	if retentionDays <= 0 {
		retentionDays = 365
	}
	return &Service{store: st, retention: time.Duration(retentionDays) * 24 * time.Hour}
}

// Latest returns the most recent observation per station; stations with no
// rows are absent from the map.
func (s *Service) Latest(stationIDs []string) (map[string]weather.Observation, error) {
	out := map[string]weather.Observation{}
	for _, id := range stationIDs {
		obs, err := s.store.Latest(id)
		if err != nil {
			return nil, err
		}
		if obs != nil {
			out[id] = *obs
		}
	}
	return out, nil
}

// Stations lists the declared stations.
func (s *Service) Stations() ([]weather.Station, error) {
	return s.store.Stations()
}

// Series returns a time series for the stations within [from, to] at the
// requested granularity, ordered by (station_id, timestamp). For daily
// granularity, days older than the retention window come from the
// daily_summary table and newer days are aggregated from raw rows; the
// splice point is invisible to the caller.
func (s *Service) Series(stationIDs []string, from, to time.Time, g Granularity) ([]SeriesPoint, error) {
	switch g {
	case GranularityRaw:
		return s.rawSeries(stationIDs, from, to)
	case GranularityHourly:
		return s.hourlySeries(stationIDs, from, to)
	case GranularityDaily:
		return s.dailySeries(stationIDs, from, to)
	default:
		return nil, fmt.Errorf("invalid granularity %q", g)
	}
}

func (s *Service) rawSeries(stationIDs []string, from, to time.Time) ([]SeriesPoint, error) {
	records, err := s.store.Query(stationIDs, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]SeriesPoint, 0, len(records))
	for i := range records {
		out = append(out, SeriesPoint{Observation: &records[i]})
	}
	return out, nil
}

func (s *Service) hourlySeries(stationIDs []string, from, to time.Time) ([]SeriesPoint, error) {
	records, err := s.store.Query(stationIDs, from, to)
	if err != nil {
		return nil, err
	}

	out := []SeriesPoint{}
	// Records arrive ordered by (station, ts); buckets close as the hour
	// advances within each station.
	var bucket []weather.Observation
	var curStation string
	var curHour time.Time

	flush := func() {
		if len(bucket) == 0 {
			return
		}
		agg := aggregateHour(bucket)
		out = append(out, SeriesPoint{Observation: &agg})
		bucket = bucket[:0]
	}

	for _, rec := range records {
		hour := rec.Timestamp.Truncate(time.Hour)
		if rec.StationID != curStation || !hour.Equal(curHour) {
			flush()
			curStation, curHour = rec.StationID, hour
		}
		bucket = append(bucket, rec)
	}
	flush()
	return out, nil
}

// aggregateHour averages measurements within one station-hour, summing
// precipitation. Single-record buckets pass through unchanged.
func aggregateHour(bucket []weather.Observation) weather.Observation {
	if len(bucket) == 1 {
		return bucket[0]
	}

	agg := weather.Observation{
		StationID: bucket[0].StationID,
		Timestamp: bucket[0].Timestamp.Truncate(time.Hour),
		Source:    weather.SourceDerived,
	}
	agg.TempMean = meanOf(bucket, func(o weather.Observation) *float64 { return o.TempMean })
	agg.TempMax = maxOf(bucket, func(o weather.Observation) *float64 { return o.TempMax })
	agg.TempMin = minOf(bucket, func(o weather.Observation) *float64 { return o.TempMin })
	agg.Humidity = meanOf(bucket, func(o weather.Observation) *float64 { return o.Humidity })
	agg.Pressure = meanOf(bucket, func(o weather.Observation) *float64 { return o.Pressure })
	agg.Precipitation = sumOf(bucket, func(o weather.Observation) *float64 { return o.Precipitation })
	agg.WindSpeed = meanOf(bucket, func(o weather.Observation) *float64 { return o.WindSpeed })
	agg.CloudCover = meanOf(bucket, func(o weather.Observation) *float64 { return o.CloudCover })
	agg.UVIndex = meanOf(bucket, func(o weather.Observation) *float64 { return o.UVIndex })
	agg.SolarRadiation = meanOf(bucket, func(o weather.Observation) *float64 { return o.SolarRadiation })
	agg.DewPoint = meanOf(bucket, func(o weather.Observation) *float64 { return o.DewPoint })
	agg.Visibility = meanOf(bucket, func(o weather.Observation) *float64 { return o.Visibility })
	return agg
}

func (s *Service) dailySeries(stationIDs []string, from, to time.Time) ([]SeriesPoint, error) {
	cutoff := time.Now().UTC().Add(-s.retention)
	cutoffDay := time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, time.UTC)

	out := []SeriesPoint{}
	for _, id := range stationIDs {
		// Old days: authoritative summaries.
		if from.Before(cutoffDay) {
			summaryTo := to
			if summaryTo.After(cutoffDay) {
				summaryTo = cutoffDay.Add(-24 * time.Hour)
			}
			summaries, err := s.store.DailySummaries([]string{id}, from, summaryTo)
			if err != nil {
				return nil, err
			}
			for i := range summaries {
				out = append(out, SeriesPoint{Daily: &summaries[i]})
			}
		}

		// Recent days: aggregate raw rows on the fly.
		day := dayOf(from)
		if day.Before(cutoffDay) {
			day = cutoffDay
		}
		for ; !day.After(dayOf(to)); day = day.Add(24 * time.Hour) {
			summary, err := s.store.AggregateDay(id, day)
			if err != nil {
				return nil, err
			}
			if summary != nil {
				out = append(out, SeriesPoint{Daily: summary})
			}
		}
	}
	return out, nil
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func meanOf(bucket []weather.Observation, get func(weather.Observation) *float64) *float64 {
	var sum float64
	var n int
	for _, o := range bucket {
		if v := get(o); v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return weather.Float(sum / float64(n))
}

func sumOf(bucket []weather.Observation, get func(weather.Observation) *float64) *float64 {
	var sum float64
	var n int
	for _, o := range bucket {
		if v := get(o); v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return weather.Float(sum)
}

func maxOf(bucket []weather.Observation, get func(weather.Observation) *float64) *float64 {
	var best *float64
	for _, o := range bucket {
		if v := get(o); v != nil && (best == nil || *v > *best) {
			best = weather.Float(*v)
		}
	}
	return best
}

func minOf(bucket []weather.Observation, get func(weather.Observation) *float64) *float64 {
	var best *float64
	for _, o := range bucket {
		if v := get(o); v != nil && (best == nil || *v < *best) {
			best = weather.Float(*v)
		}
	}
	return best
}
