package providers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agrometeo/metgo/internal/weather"
)

func TestSyntheticDeterministicPerStationDay(t *testing.T) {
	p := NewSyntheticAdapter()
	st := weather.Station{ID: "quillota_centro", Lat: -32.88, Lon: -71.25}
	from := time.Date(2025, 7, 10, 6, 0, 0, 0, time.UTC)
	to := from.Add(5 * time.Hour)

	first, err := p.FetchRange(context.Background(), st, from, to)
	require.NoError(t, err)
	second, err := p.FetchRange(context.Background(), st, from, to)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, first, 6)

	// A different station diverges even for the same window.
	other, err := p.FetchRange(context.Background(), weather.Station{ID: "la_cruz"}, from, to)
	require.NoError(t, err)
	require.NotEqual(t, *first[0].TempMean, *other[0].TempMean)
}

func TestSyntheticSeasonalEnvelope(t *testing.T) {
	p := NewSyntheticAdapter()
	st := weather.Station{ID: "quillota_centro"}

	// Southern hemisphere: mid-January afternoons run warm, mid-July cold.
	summer := p.observationAt(st, time.Date(2025, 1, 15, 17, 0, 0, 0, time.UTC))
	winter := p.observationAt(st, time.Date(2025, 7, 15, 17, 0, 0, 0, time.UTC))
	require.Greater(t, *summer.TempMean, *winter.TempMean)
	require.Greater(t, *summer.TempMean, 15.0)
	require.Less(t, *winter.TempMean, 20.0)

	for _, obs := range []weather.Observation{summer, winter} {
		require.Equal(t, weather.SourceSynthetic, obs.Source)
		require.GreaterOrEqual(t, *obs.Humidity, 15.0)
		require.LessOrEqual(t, *obs.Humidity, 100.0)
		require.GreaterOrEqual(t, *obs.Precipitation, 0.0)
		require.GreaterOrEqual(t, *obs.WindDirDeg, 0.0)
		require.Less(t, *obs.WindDirDeg, 360.0)
		require.LessOrEqual(t, *obs.TempMin, *obs.TempMean)
		require.LessOrEqual(t, *obs.TempMean, *obs.TempMax)
		require.LessOrEqual(t, *obs.DewPoint, *obs.TempMean)
	}
}

func TestSyntheticForecastWindow(t *testing.T) {
	p := NewSyntheticAdapter()
	st := weather.Station{ID: "quillota_centro"}

	records, err := p.FetchForecast(context.Background(), st, 24*time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, records)

	now := time.Now().UTC()
	for _, obs := range records {
		require.True(t, obs.Timestamp.After(now.Add(-time.Hour)))
		require.True(t, obs.Timestamp.Before(now.Add(25*time.Hour)))
	}
}
