package providers

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/agrometeo/metgo/internal/common"
	"github.com/agrometeo/metgo/internal/weather"
)

// SyntheticAdapter generates climatologically plausible observations for the
// Quillota valley. It is the last-resort fallback: consumers never see empty
// responses during provider outages, and every record carries
// source=synthetic so downstream logic can filter it out.
//
// The generator is deterministic per (station_id, date): a repeated fallback
// within the same day reproduces identical values, which keeps ingestion
// idempotent.
type SyntheticAdapter struct{}

func NewSyntheticAdapter() *SyntheticAdapter { return &SyntheticAdapter{} }

func (p *SyntheticAdapter) Name() string           { return "synthetic" }
func (p *SyntheticAdapter) Source() weather.Source { return weather.SourceSynthetic }

func (p *SyntheticAdapter) FetchCurrent(ctx context.Context, st weather.Station) (weather.Observation, error) {
	now := time.Now().UTC().Truncate(time.Hour)
	return p.observationAt(st, now), nil
}

func (p *SyntheticAdapter) FetchRange(ctx context.Context, st weather.Station, from, to time.Time) ([]weather.Observation, error) {
	var out []weather.Observation
	for ts := from.UTC().Truncate(time.Hour); !ts.After(to.UTC()); ts = ts.Add(time.Hour) {
		out = append(out, p.observationAt(st, ts))
	}
	return out, nil
}

func (p *SyntheticAdapter) FetchForecast(ctx context.Context, st weather.Station, horizon time.Duration) ([]weather.Observation, error) {
	now := time.Now().UTC().Truncate(time.Hour)
	return p.FetchRange(ctx, st, now.Add(time.Hour), now.Add(horizon))
}

func (p *SyntheticAdapter) HealthCheck(ctx context.Context) weather.Health {
	return weather.HealthOK
}

// dayRand returns the deterministic generator for one station-day.
func dayRand(stationID string, day time.Time) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(stationID))
	h.Write([]byte("|"))
	h.Write([]byte(day.Format("2006-01-02")))
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

// observationAt synthesizes one hourly record inside the mediterranean
// seasonal envelope of the valley: warm dry summers peaking mid-January,
// cool winters with most rain June through August.
func (p *SyntheticAdapter) observationAt(st weather.Station, ts time.Time) weather.Observation {
	ts = ts.UTC().Truncate(time.Hour)
	day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	rng := dayRand(st.ID, day)

	doy := float64(day.YearDay())
	// Seasonal phase: 0 at the mid-January thermal maximum.
	season := math.Cos(2 * math.Pi * (doy - 15) / 365.25)

	dailyMean := 15.5 + 6.0*season + rng.NormFloat64()*1.2
	amplitude := 6.5 + 2.0*season + rng.Float64()
	// Hourly samples share the day's parameters; only the diurnal phase varies.
	hour := float64(ts.Hour())
	// Diurnal cycle peaking at 14:00 local solar time.
	temp := dailyMean + amplitude*math.Cos(2*math.Pi*(hour-14)/24)

	tMin := dailyMean - amplitude
	tMax := dailyMean + amplitude

	humidity := common.Clamp(70-2.2*(temp-dailyMean)+rng.NormFloat64()*5, 15, 100)
	pressure := 1015 - 4*season + rng.NormFloat64()*3

	// Winter rainfall: a wet day roughly one time in four mid-winter,
	// almost never in summer.
	rainChance := common.Clamp(0.25-0.23*season, 0.01, 0.35)
	precip := 0.0
	if rng.Float64() < rainChance {
		precip = math.Round(rng.Float64()*4*100) / 100
	}

	windSpeed := common.Clamp(4+8*math.Max(0, math.Sin(math.Pi*(hour-10)/12))+rng.NormFloat64()*2, 0, 40)
	windDir := math.Mod(225+rng.NormFloat64()*30+360, 360) // prevailing SW valley breeze

	cloud := common.Clamp(20+50*rainChance*4*rng.Float64(), 0, 100)
	uv := common.Clamp((6+4.5*season)*math.Max(0, math.Sin(math.Pi*(hour-7)/12)), 0, 13)
	solar := common.Clamp(900*math.Max(0, math.Sin(math.Pi*(hour-7)/12))*(1-cloud/160), 0, 1400)
	dew := temp - (100-humidity)/5
	visibility := common.Clamp(25-cloud/8+rng.NormFloat64()*2, 2, 60)

	return weather.Observation{
		StationID:      st.ID,
		Timestamp:      ts,
		Source:         weather.SourceSynthetic,
		TempMean:       weather.Float(common.Round(temp, 1)),
		TempMin:        weather.Float(common.Round(tMin, 1)),
		TempMax:        weather.Float(common.Round(tMax, 1)),
		Humidity:       weather.Float(common.Round(humidity, 1)),
		Pressure:       weather.Float(common.Round(pressure, 1)),
		Precipitation:  weather.Float(precip),
		WindSpeed:      weather.Float(common.Round(windSpeed, 1)),
		WindDirDeg:     weather.Float(common.Round(windDir, 1)),
		CloudCover:     weather.Float(common.Round(cloud, 1)),
		UVIndex:        weather.Float(common.Round(uv, 1)),
		SolarRadiation: weather.Float(common.Round(solar, 1)),
		DewPoint:       weather.Float(common.Round(dew, 1)),
		Visibility:     weather.Float(common.Round(visibility, 1)),
	}
}
