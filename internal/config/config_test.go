package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agrometeo/metgo/internal/weather"
)

const validYAML = `
stations:
  - id: quillota_centro
    name: Quillota Centro
    lat: -32.8833
    lon: -71.2667
    elevation_m: 462
    sector: centro_valle
    crops: [palto, citricos]
providers:
  - kind: openmeteo
  - kind: openweathermap
    api_key: test-key
  - kind: synthetic
retention_days: 90
refresh_minutes: 10
crops:
  palto:
    frost_critical_c: 0
    growing_degree_base_c: 10
    target_gdd: 1200
pests:
  arana_roja:
    temp_favorable_c: [25, 35]
    humidity_favorable_pct: [30, 60]
    level_thresholds: {warn: 0.4, critical: 0.7}
unknown_key: ignored
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metgo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvDBPath, "/tmp/metgo-test.db")
	t.Setenv(EnvLogLevel, "")

	cfg, err := LoadFile(writeConfig(t, validYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Stations, 1)
	require.Equal(t, "quillota_centro", cfg.Stations[0].ID)
	require.Equal(t, []string{"palto", "citricos"}, cfg.Stations[0].Crops)

	require.Len(t, cfg.Providers, 3)
	require.Equal(t, "openmeteo", cfg.Providers[0].Kind)
	require.Equal(t, "test-key", cfg.Providers[1].APIKey)

	// Explicit values kept, gaps defaulted.
	require.Equal(t, 90, cfg.RetentionDays)
	require.Equal(t, 10, cfg.RefreshMinutes)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, "America/Santiago", cfg.Timezone)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "info", cfg.LogLevel)
	require.NotNil(t, cfg.SyntheticFallback)
	require.True(t, *cfg.SyntheticFallback)

	require.InDelta(t, 0, cfg.Crops["palto"].FrostCriticalC, 1e-9)
	require.Equal(t, []float64{25, 35}, cfg.Pests["arana_roja"].TempFavorableC)
}

func TestLoadFileMissingStations(t *testing.T) {
	t.Setenv(EnvDBPath, "/tmp/metgo-test.db")
	_, err := LoadFile(writeConfig(t, "providers:\n  - kind: synthetic\n"))
	require.ErrorIs(t, err, weather.ErrConfig)
}

func TestLoadFileBadProviderKind(t *testing.T) {
	t.Setenv(EnvDBPath, "/tmp/metgo-test.db")
	_, err := LoadFile(writeConfig(t, `
stations:
  - id: s
    name: S
providers:
  - kind: carrier_pigeon
`))
	require.ErrorIs(t, err, weather.ErrConfig)
}

func TestLoadFileRequiresDBPath(t *testing.T) {
	t.Setenv(EnvDBPath, "")
	_, err := LoadFile(writeConfig(t, validYAML))
	require.ErrorIs(t, err, weather.ErrConfig)
}

func TestLoadFileBadReferenceDate(t *testing.T) {
	t.Setenv(EnvDBPath, "/tmp/metgo-test.db")
	_, err := LoadFile(writeConfig(t, `
stations:
  - id: s
    name: S
providers:
  - kind: synthetic
crops:
  palto:
    reference_date: not-a-date
`))
	require.ErrorIs(t, err, weather.ErrConfig)
}

func TestLoadRequiresConfigPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	_, err := Load()
	require.ErrorIs(t, err, weather.ErrConfig)
}

func TestStationLookup(t *testing.T) {
	t.Setenv(EnvDBPath, "/tmp/metgo-test.db")
	cfg, err := LoadFile(writeConfig(t, validYAML))
	require.NoError(t, err)

	st, ok := cfg.Station("quillota_centro")
	require.True(t, ok)
	require.Equal(t, "Quillota Centro", st.Name)

	_, ok = cfg.Station("nope")
	require.False(t, ok)

	require.Equal(t, "America/Santiago", cfg.Location().String())
}
