// Package derive computes ephemeral agronomic indicators from stored
// series. Indicators are returned to callers and never persisted.
package derive

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/agrometeo/metgo/internal/common"
	"github.com/agrometeo/metgo/internal/config"
	"github.com/agrometeo/metgo/internal/query"
	"github.com/agrometeo/metgo/internal/validate"
	"github.com/agrometeo/metgo/internal/weather"
)

// Frost probability tuning. The logistic slope and the forecast/history
// blend were calibrated against valley frost events: a −1.5 °C forecast
// minimum against a 0 °C critical temperature with mild recent history
// must still land above the critical threshold.
const (
	frostLogisticScale  = 0.8
	frostForecastWeight = 0.85
	frostHistoryWeight  = 0.15

	frostCriticalProb = 0.7
	frostWarnProb     = 0.4
)

const defaultPestWindowHours = 72

// Forecaster supplies forward-looking observations. The ingest coordinator
// satisfies it; nil means indicators fall back to history alone.
type Forecaster interface {
	Forecast(ctx context.Context, st weather.Station, horizon time.Duration) ([]weather.Observation, error)
}

// Service computes indicators on demand. Stateless and safe for
// concurrent use.
type Service struct {
	query      *query.Service
	forecaster Forecaster
	crops      map[string]config.CropConfig
	pests      map[string]config.PestConfig
}

func New(q *query.Service, f Forecaster, crops map[string]config.CropConfig, pests map[string]config.PestConfig) *Service {
	return &Service{query: q, forecaster: f, crops: crops, pests: pests}
}

// Compute dispatches an indicator by kind: "frost", "pest_<name>", or
// "harvest_<crop>". For "frost" the worst case across the station's
// declared crops wins.
func (s *Service) Compute(ctx context.Context, st weather.Station, kind string) (*weather.Indicator, error) {
	switch {
	case kind == "frost":
		return s.frostWorstCase(ctx, st)
	case strings.HasPrefix(kind, "pest_"):
		return s.PestFavorability(ctx, st, strings.TrimPrefix(kind, "pest_"))
	case strings.HasPrefix(kind, "harvest_"):
		return s.HarvestReadiness(ctx, st, strings.TrimPrefix(kind, "harvest_"))
	}
	return nil, fmt.Errorf("unknown indicator kind %q", kind)
}

func (s *Service) frostWorstCase(ctx context.Context, st weather.Station) (*weather.Indicator, error) {
	crops := st.Crops
	if len(crops) == 0 {
		for id := range s.crops {
			crops = append(crops, id)
		}
	}
	var worst *weather.Indicator
	for _, crop := range crops {
		if _, ok := s.crops[crop]; !ok {
			continue
		}
		ind, err := s.FrostRisk(ctx, st, crop)
		if err != nil {
			return nil, err
		}
		if worst == nil || ind.Score > worst.Score {
			worst = ind
		}
	}
	if worst == nil {
		return nil, fmt.Errorf("no configured crop for station %s", st.ID)
	}
	return worst, nil
}

// FrostRisk estimates the probability that temp_min drops below the crop's
// critical temperature within the next 24 hours. The forecast minimum
// drives the estimate, shrunk toward the recent-history mean minimum;
// imputed and synthetic minima are excluded from the history.
func (s *Service) FrostRisk(ctx context.Context, st weather.Station, cropID string) (*weather.Indicator, error) {
	crop, ok := s.crops[cropID]
	if !ok {
		return nil, fmt.Errorf("unknown crop %q", cropID)
	}

	now := time.Now().UTC()
	ind := &weather.Indicator{
		Kind:      "frost",
		StationID: st.ID,
		ValidFrom: now,
		ValidTo:   now.Add(24 * time.Hour),
	}

	points, err := s.query.Series([]string{st.ID}, now.Add(-48*time.Hour), now, query.GranularityRaw)
	if err != nil {
		return nil, err
	}

	var histSum float64
	var histN int
	for _, p := range points {
		o := p.Observation
		if o == nil || o.TempMin == nil {
			continue
		}
		if o.Source == weather.SourceSynthetic || o.Derived(validate.FieldTempMin) {
			continue
		}
		histSum += *o.TempMin
		histN++
		ind.Contributing = append(ind.Contributing, o.Key())
	}

	forecastMin, haveForecast := s.forecastMinimum(ctx, st, ind)

	if !haveForecast && histN == 0 {
		ind.Level = weather.LevelInfo
		ind.Explanation = "insufficient data: no forecast and no recent minimum temperatures"
		return ind, nil
	}

	histMean := forecastMin
	if histN > 0 {
		histMean = histSum / float64(histN)
	}
	if !haveForecast {
		forecastMin = histMean
	}

	blended := frostForecastWeight*forecastMin + frostHistoryWeight*histMean
	prob := logistic((crop.FrostCriticalC - blended) / frostLogisticScale)

	ind.Score = common.Round(prob, 3)
	switch {
	case prob >= frostCriticalProb && forecastMin <= 0:
		ind.Level = weather.LevelCritical
	case prob >= frostWarnProb:
		ind.Level = weather.LevelWarn
	default:
		ind.Level = weather.LevelInfo
	}
	ind.Explanation = fmt.Sprintf(
		"forecast minimum %.1f °C in the next 24 h against critical %.1f °C for %s (recent mean minimum %.1f °C)",
		forecastMin, crop.FrostCriticalC, cropID, histMean)
	return ind, nil
}

// forecastMinimum fetches the next-24 h forecast and returns its lowest
// temp_min. Forecast failures degrade to history-only, they never fail
// the indicator.
func (s *Service) forecastMinimum(ctx context.Context, st weather.Station, ind *weather.Indicator) (float64, bool) {
	if s.forecaster == nil {
		return 0, false
	}
	forecast, err := s.forecaster.Forecast(ctx, st, 24*time.Hour)
	if err != nil {
		return 0, false
	}
	min := math.Inf(1)
	for _, o := range forecast {
		v := o.TempMin
		if v == nil {
			v = o.TempMean
		}
		if v != nil && *v < min {
			min = *v
		}
	}
	if math.IsInf(min, 1) {
		return 0, false
	}
	return min, true
}

// PestFavorability scores how much of the rolling window sat inside the
// pest's favorable temperature/humidity rectangle.
func (s *Service) PestFavorability(ctx context.Context, st weather.Station, pestID string) (*weather.Indicator, error) {
	pest, ok := s.pests[pestID]
	if !ok {
		return nil, fmt.Errorf("unknown pest %q", pestID)
	}
	window := pest.WindowHours
	if window <= 0 {
		window = defaultPestWindowHours
	}

	now := time.Now().UTC()
	ind := &weather.Indicator{
		Kind:      "pest_" + pestID,
		StationID: st.ID,
		ValidFrom: now.Add(-time.Duration(window) * time.Hour),
		ValidTo:   now,
	}

	points, err := s.query.Series([]string{st.ID}, ind.ValidFrom, now, query.GranularityRaw)
	if err != nil {
		return nil, err
	}

	var favorable, total int
	for _, p := range points {
		o := p.Observation
		if o == nil || o.TempMean == nil || o.Humidity == nil {
			continue
		}
		if o.Source == weather.SourceSynthetic || o.Derived(validate.FieldTempMean) || o.Derived(validate.FieldHumidity) {
			continue
		}
		total++
		if inRange(*o.TempMean, pest.TempFavorableC) && inRange(*o.Humidity, pest.HumidityFavorablePct) {
			favorable++
			ind.Contributing = append(ind.Contributing, o.Key())
		}
	}
	if total == 0 {
		ind.Level = weather.LevelInfo
		ind.Explanation = fmt.Sprintf("insufficient data: no usable observations in the last %d h", window)
		return ind, nil
	}

	score := float64(favorable) / float64(total)
	ind.Score = common.Round(score, 3)
	ind.Level = pestLevel(score, pest.LevelThresholds)
	ind.Explanation = fmt.Sprintf(
		"%d of %d observations in the last %d h inside %s's favorable envelope (%.0f–%.0f °C, %.0f–%.0f%% RH)",
		favorable, total, window, pestID,
		pest.TempFavorableC[0], pest.TempFavorableC[1],
		pest.HumidityFavorablePct[0], pest.HumidityFavorablePct[1])
	return ind, nil
}

func pestLevel(score float64, thresholds map[string]float64) weather.IndicatorLevel {
	warn, critical := frostWarnProb, frostCriticalProb
	if v, ok := thresholds["warn"]; ok {
		warn = v
	}
	if v, ok := thresholds["critical"]; ok {
		critical = v
	}
	switch {
	case score >= critical:
		return weather.LevelCritical
	case score >= warn:
		return weather.LevelWarn
	}
	return weather.LevelInfo
}

// HarvestReadiness accumulates growing-degree-days from the crop's
// reference date and maps maturity onto the 70/90/100% bands.
func (s *Service) HarvestReadiness(ctx context.Context, st weather.Station, cropID string) (*weather.Indicator, error) {
	crop, ok := s.crops[cropID]
	if !ok {
		return nil, fmt.Errorf("unknown crop %q", cropID)
	}
	if crop.TargetGDD <= 0 {
		return nil, fmt.Errorf("crop %q has no target_gdd configured", cropID)
	}

	ref := time.Now().UTC().AddDate(0, -6, 0)
	if crop.ReferenceDate != "" {
		parsed, err := time.Parse("2006-01-02", crop.ReferenceDate)
		if err != nil {
			return nil, fmt.Errorf("crop %q reference_date: %w", cropID, err)
		}
		ref = parsed
	}

	now := time.Now().UTC()
	points, err := s.query.Series([]string{st.ID}, ref, now, query.GranularityDaily)
	if err != nil {
		return nil, err
	}

	var gdd float64
	var days int
	for _, p := range points {
		d := p.Daily
		if d == nil || d.TempMean == nil {
			continue
		}
		if delta := *d.TempMean - crop.GrowingDegreeBaseC; delta > 0 {
			gdd += delta
		}
		days++
	}

	maturity := gdd / crop.TargetGDD
	if maturity > 1 {
		maturity = 1
	}

	ind := &weather.Indicator{
		Kind:      "harvest_" + cropID,
		StationID: st.ID,
		ValidFrom: ref,
		ValidTo:   now,
		Score:     common.Round(maturity, 3),
	}
	switch {
	case maturity >= 1.0:
		ind.Level = weather.LevelCritical
	case maturity >= 0.9:
		ind.Level = weather.LevelWarn
	case maturity >= 0.7:
		ind.Level = weather.LevelInfo
	default:
		ind.Level = weather.LevelNone
	}
	ind.Explanation = fmt.Sprintf(
		"%.0f of %.0f growing-degree-days accumulated since %s over %d days (maturity %.0f%%)",
		gdd, crop.TargetGDD, ref.Format("2006-01-02"), days, maturity*100)
	return ind, nil
}

func inRange(v float64, bounds []float64) bool {
	return len(bounds) == 2 && v >= bounds[0] && v <= bounds[1]
}

func logistic(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

