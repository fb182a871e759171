package providers

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agrometeo/metgo/internal/validate"
	"github.com/agrometeo/metgo/internal/weather"
)

// ManualAdapter reads a local CSV or JSON dump for back-fills. Records pass
// through the validator at the coordinator like any other provider's.
type ManualAdapter struct {
	path string
	// tzOffset shifts naive timestamps in the file into UTC. Back-filled
	// exports often carry unmarked local time; the offset is configuration,
	// not a guess.
	tzOffset time.Duration
}

// ManualConfig locates the dump file.
type ManualConfig struct {
	Path            string
	TZOffsetMinutes int
}

func NewManualAdapter(cfg ManualConfig) *ManualAdapter {
	return &ManualAdapter{
		path:     cfg.Path,
		tzOffset: time.Duration(cfg.TZOffsetMinutes) * time.Minute,
	}
}

func (p *ManualAdapter) Name() string           { return "manual" }
func (p *ManualAdapter) Source() weather.Source { return weather.SourceManual }

func (p *ManualAdapter) FetchCurrent(ctx context.Context, st weather.Station) (weather.Observation, error) {
	records, err := p.load(st.ID)
	if err != nil {
		return weather.Observation{}, err
	}
	if len(records) == 0 {
		return weather.Observation{}, fmt.Errorf("%w: no records for station %s in %s", weather.ErrAdapterPermanent, st.ID, p.path)
	}
	return records[len(records)-1], nil
}

func (p *ManualAdapter) FetchRange(ctx context.Context, st weather.Station, from, to time.Time) ([]weather.Observation, error) {
	records, err := p.load(st.ID)
	if err != nil {
		return nil, err
	}
	var out []weather.Observation
	for _, obs := range records {
		if !obs.Timestamp.Before(from.UTC()) && !obs.Timestamp.After(to.UTC()) {
			out = append(out, obs)
		}
	}
	return out, nil
}

// FetchForecast is unsupported: a static dump holds no future data.
func (p *ManualAdapter) FetchForecast(ctx context.Context, st weather.Station, horizon time.Duration) ([]weather.Observation, error) {
	return nil, fmt.Errorf("%w: manual adapter has no forecast data", weather.ErrAdapterPermanent)
}

func (p *ManualAdapter) HealthCheck(ctx context.Context) weather.Health {
	if _, err := os.Stat(p.path); err != nil {
		return weather.HealthDown
	}
	return weather.HealthOK
}

func (p *ManualAdapter) load(stationID string) ([]weather.Observation, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", weather.ErrAdapterPermanent, p.path, err)
	}
	defer f.Close()

	var records []weather.Observation
	switch strings.ToLower(filepath.Ext(p.path)) {
	case ".json":
		records, err = decodeJSONDump(f)
	default:
		records, err = decodeCSVDump(f)
	}
	if err != nil {
		return nil, err
	}

	var out []weather.Observation
	for _, obs := range records {
		if obs.StationID != stationID {
			continue
		}
		obs.Timestamp = obs.Timestamp.Add(-p.tzOffset).UTC()
		obs.Source = weather.SourceManual
		out = append(out, obs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func decodeJSONDump(r io.Reader) ([]weather.Observation, error) {
	var records []weather.Observation
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: decoding json dump: %v", weather.ErrAdapterPermanent, err)
	}
	return records, nil
}

// decodeCSVDump reads a header-first CSV whose columns use the canonical
// field names plus station_id and timestamp. Cells are coerced leniently;
// non-numeric measurement cells become nulls.
func decodeCSVDump(r io.Reader) ([]weather.Observation, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading csv header: %v", weather.ErrAdapterPermanent, err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["station_id"]; !ok {
		return nil, fmt.Errorf("%w: csv dump lacks station_id column", weather.ErrAdapterPermanent)
	}
	if _, ok := col["timestamp"]; !ok {
		return nil, fmt.Errorf("%w: csv dump lacks timestamp column", weather.ErrAdapterPermanent)
	}

	var out []weather.Observation
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading csv row: %v", weather.ErrAdapterPermanent, err)
		}

		cell := func(name string) string {
			i, ok := col[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		ts, err := parseDumpTimestamp(cell("timestamp"))
		if err != nil {
			continue
		}

		obs := weather.Observation{StationID: cell("station_id"), Timestamp: ts}
		num := func(field string) *float64 {
			s := cell(field)
			if s == "" {
				return nil
			}
			if v, ok := validate.CoerceField(field, s); ok {
				return &v
			}
			return nil
		}
		obs.TempMean = num(validate.FieldTempMean)
		obs.TempMax = num(validate.FieldTempMax)
		obs.TempMin = num(validate.FieldTempMin)
		obs.Humidity = num(validate.FieldHumidity)
		obs.Pressure = num(validate.FieldPressure)
		obs.Precipitation = num(validate.FieldPrecipitation)
		obs.WindSpeed = num(validate.FieldWindSpeed)
		obs.WindDirDeg = num(validate.FieldWindDirection)
		obs.CloudCover = num(validate.FieldCloudCover)
		obs.UVIndex = num(validate.FieldUVIndex)
		obs.SolarRadiation = num(validate.FieldSolarRadiation)
		obs.DewPoint = num(validate.FieldDewPoint)
		obs.Visibility = num(validate.FieldVisibility)

		out = append(out, obs)
	}
	return out, nil
}

func parseDumpTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
