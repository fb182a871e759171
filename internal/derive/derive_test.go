package derive

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agrometeo/metgo/internal/config"
	"github.com/agrometeo/metgo/internal/query"
	"github.com/agrometeo/metgo/internal/store"
	"github.com/agrometeo/metgo/internal/weather"
)

type stubForecaster struct {
	records []weather.Observation
	err     error
}

func (f *stubForecaster) Forecast(ctx context.Context, st weather.Station, horizon time.Duration) ([]weather.Observation, error) {
	return f.records, f.err
}

func testCrops() map[string]config.CropConfig {
	return map[string]config.CropConfig{
		"palto": {FrostCriticalC: 0, GrowingDegreeBaseC: 10, TargetGDD: 100},
	}
}

func newDeriveService(t *testing.T, f Forecaster, pests map[string]config.PestConfig) (*Service, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(query.New(s, 365), f, testCrops(), pests), s
}

func seedHistory(t *testing.T, s *store.Store, station string, hours int, tempMin, tempMean, humidity float64) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Hour)
	for h := 1; h <= hours; h++ {
		_, err := s.UpsertObservation(weather.Observation{
			StationID: station,
			Timestamp: now.Add(-time.Duration(h) * time.Hour),
			TempMin:   weather.Float(tempMin),
			TempMean:  weather.Float(tempMean),
			Humidity:  weather.Float(humidity),
			Source:    weather.SourceOpenMeteo,
		})
		require.NoError(t, err)
	}
}

func TestFrostRiskCritical(t *testing.T) {
	forecast := &stubForecaster{records: []weather.Observation{
		{TempMin: weather.Float(1.0)},
		{TempMin: weather.Float(-1.5)},
		{TempMin: weather.Float(0.5)},
	}}
	svc, s := newDeriveService(t, forecast, nil)
	st := weather.Station{ID: "quillota_centro", Crops: []string{"palto"}}
	seedHistory(t, s, st.ID, 24, 3.0, 12.0, 70)

	ind, err := svc.FrostRisk(context.Background(), st, "palto")
	require.NoError(t, err)
	require.Equal(t, "frost", ind.Kind)
	require.Equal(t, weather.LevelCritical, ind.Level)
	require.GreaterOrEqual(t, ind.Score, 0.7)
	require.Contains(t, ind.Explanation, "-1.5")
	require.NotEmpty(t, ind.Contributing)
}

func TestFrostRiskMildForecastIsInfo(t *testing.T) {
	forecast := &stubForecaster{records: []weather.Observation{
		{TempMin: weather.Float(8.0)},
	}}
	svc, s := newDeriveService(t, forecast, nil)
	st := weather.Station{ID: "quillota_centro", Crops: []string{"palto"}}
	seedHistory(t, s, st.ID, 24, 9.0, 15.0, 60)

	ind, err := svc.FrostRisk(context.Background(), st, "palto")
	require.NoError(t, err)
	require.Equal(t, weather.LevelInfo, ind.Level)
	require.Less(t, ind.Score, 0.4)
}

func TestFrostRiskExcludesSyntheticHistory(t *testing.T) {
	svc, s := newDeriveService(t, &stubForecaster{err: fmt.Errorf("upstream down")}, nil)
	st := weather.Station{ID: "quillota_centro", Crops: []string{"palto"}}

	now := time.Now().UTC().Truncate(time.Hour)
	// Only synthetic minima on record: with the forecast failing too, the
	// indicator degrades to insufficient data instead of trusting them.
	for h := 1; h <= 10; h++ {
		_, err := s.UpsertObservation(weather.Observation{
			StationID: st.ID,
			Timestamp: now.Add(-time.Duration(h) * time.Hour),
			TempMin:   weather.Float(-5),
			TempMean:  weather.Float(2),
			Source:    weather.SourceSynthetic,
		})
		require.NoError(t, err)
	}

	ind, err := svc.FrostRisk(context.Background(), st, "palto")
	require.NoError(t, err)
	require.Equal(t, weather.LevelInfo, ind.Level)
	require.True(t, strings.HasPrefix(ind.Explanation, "insufficient data"))
}

func TestFrostRiskUnknownCrop(t *testing.T) {
	svc, _ := newDeriveService(t, nil, nil)
	_, err := svc.FrostRisk(context.Background(), weather.Station{ID: "s"}, "mango")
	require.Error(t, err)
}

func TestPestFavorability(t *testing.T) {
	pests := map[string]config.PestConfig{
		"arana_roja": {
			TempFavorableC:       []float64{25, 35},
			HumidityFavorablePct: []float64{30, 60},
			LevelThresholds:      map[string]float64{"warn": 0.4, "critical": 0.7},
			WindowHours:          72,
		},
	}
	svc, s := newDeriveService(t, nil, pests)
	st := weather.Station{ID: "quillota_centro"}

	now := time.Now().UTC().Truncate(time.Hour)
	for h := 1; h <= 10; h++ {
		temp, hum := 30.0, 45.0
		if h%5 == 0 {
			temp = 12.0 // two unfavorable hours
		}
		_, err := s.UpsertObservation(weather.Observation{
			StationID: st.ID,
			Timestamp: now.Add(-time.Duration(h) * time.Hour),
			TempMean:  weather.Float(temp),
			Humidity:  weather.Float(hum),
			Source:    weather.SourceOpenMeteo,
		})
		require.NoError(t, err)
	}

	ind, err := svc.PestFavorability(context.Background(), st, "arana_roja")
	require.NoError(t, err)
	require.Equal(t, "pest_arana_roja", ind.Kind)
	require.InDelta(t, 0.8, ind.Score, 1e-9)
	require.Equal(t, weather.LevelCritical, ind.Level)
	require.Len(t, ind.Contributing, 8)
}

func TestPestFavorabilityExcludesSynthetic(t *testing.T) {
	pests := map[string]config.PestConfig{
		"arana_roja": {TempFavorableC: []float64{25, 35}, HumidityFavorablePct: []float64{30, 60}},
	}
	svc, s := newDeriveService(t, nil, pests)
	st := weather.Station{ID: "quillota_centro"}

	// A fully favorable window, but every record is synthetic.
	now := time.Now().UTC().Truncate(time.Hour)
	for h := 1; h <= 10; h++ {
		_, err := s.UpsertObservation(weather.Observation{
			StationID: st.ID,
			Timestamp: now.Add(-time.Duration(h) * time.Hour),
			TempMean:  weather.Float(30),
			Humidity:  weather.Float(45),
			Source:    weather.SourceSynthetic,
		})
		require.NoError(t, err)
	}

	ind, err := svc.PestFavorability(context.Background(), st, "arana_roja")
	require.NoError(t, err)
	require.Equal(t, weather.LevelInfo, ind.Level)
	require.Zero(t, ind.Score)
	require.Contains(t, ind.Explanation, "insufficient data")
}

func TestPestFavorabilityNoData(t *testing.T) {
	pests := map[string]config.PestConfig{
		"arana_roja": {TempFavorableC: []float64{25, 35}, HumidityFavorablePct: []float64{30, 60}},
	}
	svc, _ := newDeriveService(t, nil, pests)

	ind, err := svc.PestFavorability(context.Background(), weather.Station{ID: "s"}, "arana_roja")
	require.NoError(t, err)
	require.Equal(t, weather.LevelInfo, ind.Level)
	require.Zero(t, ind.Score)
}

func TestHarvestReadiness(t *testing.T) {
	svc, s := newDeriveService(t, nil, nil)
	st := weather.Station{ID: "quillota_centro"}

	// Five full days at 30 °C mean against base 10 accumulate 100 GDD.
	today := time.Now().UTC().Truncate(24 * time.Hour)
	for d := 1; d <= 5; d++ {
		day := today.AddDate(0, 0, -d)
		for _, h := range []int{6, 12, 18} {
			_, err := s.UpsertObservation(weather.Observation{
				StationID: st.ID,
				Timestamp: day.Add(time.Duration(h) * time.Hour),
				TempMean:  weather.Float(30),
				Source:    weather.SourceOpenMeteo,
			})
			require.NoError(t, err)
		}
	}

	crops := testCrops()
	palto := crops["palto"]
	palto.ReferenceDate = today.AddDate(0, 0, -5).Format("2006-01-02")
	crops["palto"] = palto
	svc = New(query.New(s, 365), nil, crops, nil)

	ind, err := svc.HarvestReadiness(context.Background(), st, "palto")
	require.NoError(t, err)
	require.Equal(t, "harvest_palto", ind.Kind)
	require.InDelta(t, 1.0, ind.Score, 1e-9)
	require.Equal(t, weather.LevelCritical, ind.Level)
}

func TestHarvestReadinessBands(t *testing.T) {
	_, s := newDeriveService(t, nil, nil)
	st := weather.Station{ID: "quillota_centro"}

	// Five full days at 25 °C mean against base 10 accumulate 75 GDD.
	today := time.Now().UTC().Truncate(24 * time.Hour)
	for d := 1; d <= 5; d++ {
		day := today.AddDate(0, 0, -d)
		for _, h := range []int{6, 12, 18} {
			_, err := s.UpsertObservation(weather.Observation{
				StationID: st.ID,
				Timestamp: day.Add(time.Duration(h) * time.Hour),
				TempMean:  weather.Float(25),
				Source:    weather.SourceOpenMeteo,
			})
			require.NoError(t, err)
		}
	}

	ref := today.AddDate(0, 0, -5).Format("2006-01-02")
	crops := map[string]config.CropConfig{
		// 75 of 100 GDD: past the 70% crossing, short of 90%.
		"palto": {GrowingDegreeBaseC: 10, TargetGDD: 100, ReferenceDate: ref},
		// 75 of 400 GDD: below the first band.
		"chirimoya": {GrowingDegreeBaseC: 10, TargetGDD: 400, ReferenceDate: ref},
	}
	svc := New(query.New(s, 365), nil, crops, nil)

	ind, err := svc.HarvestReadiness(context.Background(), st, "palto")
	require.NoError(t, err)
	require.InDelta(t, 0.75, ind.Score, 1e-9)
	require.Equal(t, weather.LevelInfo, ind.Level)

	ind, err = svc.HarvestReadiness(context.Background(), st, "chirimoya")
	require.NoError(t, err)
	require.InDelta(t, 0.188, ind.Score, 1e-9)
	require.Equal(t, weather.LevelNone, ind.Level)
}

func TestComputeDispatch(t *testing.T) {
	pests := map[string]config.PestConfig{
		"arana_roja": {TempFavorableC: []float64{25, 35}, HumidityFavorablePct: []float64{30, 60}},
	}
	forecast := &stubForecaster{records: []weather.Observation{{TempMin: weather.Float(10)}}}
	svc, s := newDeriveService(t, forecast, pests)
	st := weather.Station{ID: "quillota_centro", Crops: []string{"palto"}}
	seedHistory(t, s, st.ID, 12, 9, 15, 55)

	for _, kind := range []string{"frost", "pest_arana_roja", "harvest_palto"} {
		ind, err := svc.Compute(context.Background(), st, kind)
		require.NoError(t, err, kind)
		require.Equal(t, kind, ind.Kind)
	}

	_, err := svc.Compute(context.Background(), st, "locusts")
	require.Error(t, err)
}
