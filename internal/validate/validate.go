// Package validate implements the deterministic repair pipeline applied to
// every raw record before it reaches the store. It performs no I/O, so the
// same logic runs on live ingestion and on historical back-fills.
package validate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agrometeo/metgo/internal/weather"
)

// Field names as used in repairs, raw records, and the store schema.
const (
	FieldTempMean       = "temp_mean"
	FieldTempMax        = "temp_max"
	FieldTempMin        = "temp_min"
	FieldHumidity       = "humidity"
	FieldPressure       = "pressure"
	FieldPrecipitation  = "precipitation"
	FieldWindSpeed      = "wind_speed"
	FieldWindDirection  = "wind_direction"
	FieldCloudCover     = "cloud_cover"
	FieldUVIndex        = "uv_index"
	FieldSolarRadiation = "solar_radiation"
	FieldDewPoint       = "dew_point"
	FieldVisibility     = "visibility"
)

// trackedFields is the order fields are coerced and counted for completeness.
var trackedFields = []string{
	FieldTempMean, FieldTempMax, FieldTempMin,
	FieldHumidity, FieldPressure, FieldPrecipitation,
	FieldWindSpeed, FieldWindDirection, FieldCloudCover,
	FieldUVIndex, FieldSolarRadiation, FieldDewPoint, FieldVisibility,
}

type bounds struct{ lo, hi float64 }

var fieldBounds = map[string]bounds{
	FieldTempMean:       {-50, 55},
	FieldTempMax:        {-50, 55},
	FieldTempMin:        {-50, 55},
	FieldHumidity:       {0, 100},
	FieldPressure:       {850, 1100},
	FieldPrecipitation:  {0, 500},
	FieldWindSpeed:      {0, 250},
	FieldCloudCover:     {0, 100},
	FieldUVIndex:        {0, 15},
	FieldSolarRadiation: {0, 1400},
	FieldDewPoint:       {-60, 50},
	FieldVisibility:     {0, 100},
}

var cardinalDegrees = map[string]float64{
	"N": 0, "NNE": 22.5, "NE": 45, "ENE": 67.5,
	"E": 90, "ESE": 112.5, "SE": 135, "SSE": 157.5,
	"S": 180, "SSW": 202.5, "SW": 225, "WSW": 247.5,
	"W": 270, "WNW": 292.5, "NW": 315, "NNW": 337.5,
}

// Raw is a loosely-typed record as produced at an adapter boundary.
// Field values may be float64, int, numeric strings, cardinal wind
// directions, or nil.
type Raw struct {
	StationID string
	Timestamp time.Time
	Source    weather.Source
	Fields    map[string]any
}

// FromObservation converts an already-typed observation into a Raw record
// so historical rows can be re-run through the pipeline.
func FromObservation(o weather.Observation) Raw {
	fields := map[string]any{}
	put := func(name string, v *float64) {
		if v != nil {
			fields[name] = *v
		}
	}
	put(FieldTempMean, o.TempMean)
	put(FieldTempMax, o.TempMax)
	put(FieldTempMin, o.TempMin)
	put(FieldHumidity, o.Humidity)
	put(FieldPressure, o.Pressure)
	put(FieldPrecipitation, o.Precipitation)
	put(FieldWindSpeed, o.WindSpeed)
	put(FieldWindDirection, o.WindDirDeg)
	put(FieldCloudCover, o.CloudCover)
	put(FieldUVIndex, o.UVIndex)
	put(FieldSolarRadiation, o.SolarRadiation)
	put(FieldDewPoint, o.DewPoint)
	put(FieldVisibility, o.Visibility)
	return Raw{StationID: o.StationID, Timestamp: o.Timestamp, Source: o.Source, Fields: fields}
}

// Options controls the optional passes of the pipeline.
type Options struct {
	// OutlierCapping enables pass 4 (IQR whisker clamping).
	OutlierCapping bool
	// OutlierFactor multiplies the inter-quartile range; 1.5 when zero.
	OutlierFactor float64
}

// Result carries the cleaned record together with everything the
// coordinator needs to account for it.
type Result struct {
	Record   weather.Observation
	Repairs  []weather.Repair
	Rejected bool
}

// Clean runs the full pipeline on one raw record. window supplies up to 25
// recent observations for the same station, oldest first; it is only read
// when outlier capping is enabled.
func Clean(raw Raw, window []weather.Observation, opts Options) Result {
	obs := weather.Observation{
		StationID: raw.StationID,
		Timestamp: raw.Timestamp.UTC(),
		Source:    raw.Source,
	}
	var repairs []weather.Repair

	// Pass 1: type coercion.
	values := map[string]*float64{}
	for _, name := range trackedFields {
		v, ok := raw.Fields[name]
		if !ok || v == nil {
			continue
		}
		f, err := coerce(name, v)
		if err != nil {
			repairs = append(repairs, weather.Repair{
				Kind:     weather.RepairCoerce,
				Field:    name,
				Original: fmt.Sprintf("%v", v),
			})
			continue
		}
		values[name] = &f
	}

	// Pass 2: range clamp.
	for _, name := range trackedFields {
		v := values[name]
		if v == nil {
			continue
		}
		if name == FieldWindDirection {
			if *v < 0 || *v >= 360 {
				orig := *v
				norm := normDegrees(orig)
				values[name] = &norm
				repairs = append(repairs, rangeRepair(name, orig))
			}
			continue
		}
		b := fieldBounds[name]
		if *v < b.lo {
			orig := *v
			lo := b.lo
			values[name] = &lo
			repairs = append(repairs, rangeRepair(name, orig))
		} else if *v > b.hi {
			orig := *v
			hi := b.hi
			values[name] = &hi
			repairs = append(repairs, rangeRepair(name, orig))
		}
	}

	// Pass 3: cross-field consistency.
	tmin, tmax := values[FieldTempMin], values[FieldTempMax]
	if tmin != nil && tmax != nil && *tmin > *tmax {
		repairs = append(repairs,
			weather.Repair{Kind: weather.RepairConsistency, Field: FieldTempMin, Original: formatFloat(*tmin)},
			weather.Repair{Kind: weather.RepairConsistency, Field: FieldTempMax, Original: formatFloat(*tmax)},
		)
		values[FieldTempMin], values[FieldTempMax] = tmax, tmin
	}
	if mean, lo, hi := values[FieldTempMean], values[FieldTempMin], values[FieldTempMax]; mean != nil && lo != nil && hi != nil && (*mean < *lo || *mean > *hi) {
		// A mean outside the extremes is untrustworthy; null it and let
		// the fill below re-derive the midpoint.
		repairs = append(repairs, weather.Repair{
			Kind: weather.RepairConsistency, Field: FieldTempMean, Original: formatFloat(*mean),
		})
		values[FieldTempMean] = nil
	}
	if values[FieldTempMean] == nil && values[FieldTempMin] != nil && values[FieldTempMax] != nil {
		mean := (*values[FieldTempMin] + *values[FieldTempMax]) / 2
		values[FieldTempMean] = &mean
		obs.DerivedFields = append(obs.DerivedFields, FieldTempMean)
	}
	if dp, tm := values[FieldDewPoint], values[FieldTempMean]; dp != nil && tm != nil && *dp > *tm {
		repairs = append(repairs, weather.Repair{
			Kind: weather.RepairConsistency, Field: FieldDewPoint, Original: formatFloat(*dp),
		})
		values[FieldDewPoint] = nil
	}

	// Pass 4: outlier capping against the rolling window.
	if opts.OutlierCapping && len(window) >= 5 {
		factor := opts.OutlierFactor
		if factor <= 0 {
			factor = 1.5
		}
		capOutlier(values, FieldTempMean, windowValues(window, FieldTempMean), factor, &repairs)
		capOutlier(values, FieldHumidity, windowValues(window, FieldHumidity), factor, &repairs)
		capOutlier(values, FieldPressure, windowValues(window, FieldPressure), factor, &repairs)
		capOutlier(values, FieldWindSpeed, windowValues(window, FieldWindSpeed), factor, &repairs)
	}

	// Pass 5: completeness.
	present := 0
	for _, name := range trackedFields {
		if values[name] != nil {
			present++
		}
	}
	rejected := present < (len(trackedFields)+1)/2

	obs.TempMean = values[FieldTempMean]
	obs.TempMax = values[FieldTempMax]
	obs.TempMin = values[FieldTempMin]
	obs.Humidity = values[FieldHumidity]
	obs.Pressure = values[FieldPressure]
	obs.Precipitation = values[FieldPrecipitation]
	obs.WindSpeed = values[FieldWindSpeed]
	obs.WindDirDeg = values[FieldWindDirection]
	obs.CloudCover = values[FieldCloudCover]
	obs.UVIndex = values[FieldUVIndex]
	obs.SolarRadiation = values[FieldSolarRadiation]
	obs.DewPoint = values[FieldDewPoint]
	obs.Visibility = values[FieldVisibility]
	if obs.WindDirDeg != nil {
		obs.WindCardinal = weather.Cardinal(*obs.WindDirDeg)
	}

	return Result{Record: obs, Repairs: repairs, Rejected: rejected}
}

// CoerceField converts a raw cell value for the named field into a float,
// accepting numeric strings and 16-point cardinal wind directions. ok is
// false when the value cannot be interpreted.
func CoerceField(name string, v any) (float64, bool) {
	f, err := coerce(name, v)
	return f, err == nil
}

func coerce(name string, v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		s := strings.TrimSpace(x)
		if name == FieldWindDirection {
			if deg, ok := cardinalDegrees[strings.ToUpper(s)]; ok {
				return deg, nil
			}
		}
		return strconv.ParseFloat(s, 64)
	default:
		return 0, fmt.Errorf("cannot coerce %T", v)
	}
}

func normDegrees(deg float64) float64 {
	d := deg
	for d < 0 {
		d += 360
	}
	for d >= 360 {
		d -= 360
	}
	return d
}

func rangeRepair(field string, orig float64) weather.Repair {
	return weather.Repair{Kind: weather.RepairRange, Field: field, Original: formatFloat(orig)}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func windowValues(window []weather.Observation, field string) []float64 {
	var out []float64
	for _, o := range window {
		var v *float64
		switch field {
		case FieldTempMean:
			v = o.TempMean
		case FieldHumidity:
			v = o.Humidity
		case FieldPressure:
			v = o.Pressure
		case FieldWindSpeed:
			v = o.WindSpeed
		}
		if v != nil {
			out = append(out, *v)
		}
	}
	return out
}

// capOutlier clamps values[field] to the Tukey whiskers of the window.
func capOutlier(values map[string]*float64, field string, window []float64, factor float64, repairs *[]weather.Repair) {
	v := values[field]
	if v == nil || len(window) < 5 {
		return
	}
	sorted := append([]float64(nil), window...)
	sort.Float64s(sorted)
	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1
	lo := q1 - factor*iqr
	hi := q3 + factor*iqr
	if *v < lo {
		orig := *v
		values[field] = &lo
		*repairs = append(*repairs, weather.Repair{Kind: weather.RepairOutlier, Field: field, Original: formatFloat(orig)})
	} else if *v > hi {
		orig := *v
		values[field] = &hi
		*repairs = append(*repairs, weather.Repair{Kind: weather.RepairOutlier, Field: field, Original: formatFloat(orig)})
	}
}

// quantile linearly interpolates q in a sorted slice.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}
