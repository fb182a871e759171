package providers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agrometeo/metgo/internal/weather"
)

func writeDump(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestManualCSVDump(t *testing.T) {
	path := writeDump(t, "backfill.csv", `station_id,timestamp,temp_mean,temp_min,temp_max,humidity,precipitation,wind_direction_deg
quillota_centro,2024-11-02 09:00:00,14.2,8.1,21.0,72,0,NW
quillota_centro,2024-11-02 08:00:00,13.1,8.1,21.0,75,0.4,310
la_cruz,2024-11-02 09:00:00,15.0,9.0,22.0,70,0,225
quillota_centro,bad-timestamp,1,1,1,1,1,1
`)
	p := NewManualAdapter(ManualConfig{Path: path})
	st := weather.Station{ID: "quillota_centro"}

	from := time.Date(2024, 11, 2, 0, 0, 0, 0, time.UTC)
	records, err := p.FetchRange(context.Background(), st, from, from.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Sorted chronologically, scoped to the station, marked manual.
	require.True(t, records[0].Timestamp.Before(records[1].Timestamp))
	for _, obs := range records {
		require.Equal(t, "quillota_centro", obs.StationID)
		require.Equal(t, weather.SourceManual, obs.Source)
	}

	// Cardinal wind directions coerce to degrees.
	require.InDelta(t, 315, *records[1].WindDirDeg, 1e-9)
	require.InDelta(t, 310, *records[0].WindDirDeg, 1e-9)
	require.InDelta(t, 0.4, *records[0].Precipitation, 1e-9)
}

func TestManualJSONDump(t *testing.T) {
	path := writeDump(t, "backfill.json", `[
		{"station_id": "quillota_centro", "timestamp": "2024-11-02T09:00:00Z", "temp_mean": 14.2, "humidity": 72},
		{"station_id": "la_cruz", "timestamp": "2024-11-02T09:00:00Z", "temp_mean": 15.0}
	]`)
	p := NewManualAdapter(ManualConfig{Path: path})

	records, err := p.FetchRange(context.Background(), weather.Station{ID: "quillota_centro"},
		time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 11, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.InDelta(t, 14.2, *records[0].TempMean, 1e-9)
	require.Equal(t, weather.SourceManual, records[0].Source)
}

func TestManualTZOffsetShiftsToUTC(t *testing.T) {
	// Santiago winter time is UTC-4; a 09:00 local reading is 13:00 UTC.
	path := writeDump(t, "backfill.csv", `station_id,timestamp,temp_mean,humidity
quillota_centro,2024-07-02 09:00:00,8.4,80
`)
	p := NewManualAdapter(ManualConfig{Path: path, TZOffsetMinutes: -240})

	records, err := p.FetchRange(context.Background(), weather.Station{ID: "quillota_centro"},
		time.Date(2024, 7, 2, 0, 0, 0, 0, time.UTC), time.Date(2024, 7, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, time.Date(2024, 7, 2, 13, 0, 0, 0, time.UTC), records[0].Timestamp)
}

func TestManualMissingFile(t *testing.T) {
	p := NewManualAdapter(ManualConfig{Path: "/nonexistent/dump.csv"})
	_, err := p.FetchRange(context.Background(), weather.Station{ID: "quillota_centro"},
		time.Now().Add(-time.Hour), time.Now())
	require.ErrorIs(t, err, weather.ErrAdapterPermanent)
	require.Equal(t, weather.HealthDown, p.HealthCheck(context.Background()))
}

func TestManualNoForecast(t *testing.T) {
	path := writeDump(t, "backfill.csv", "station_id,timestamp,temp_mean\n")
	p := NewManualAdapter(ManualConfig{Path: path})
	_, err := p.FetchForecast(context.Background(), weather.Station{ID: "quillota_centro"}, 24*time.Hour)
	require.ErrorIs(t, err, weather.ErrAdapterPermanent)
}
