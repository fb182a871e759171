package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agrometeo/metgo/internal/weather"
)

func rawRecord(fields map[string]any) Raw {
	return Raw{
		StationID: "quillota_centro",
		Timestamp: time.Date(2026, 7, 14, 12, 0, 0, 0, time.UTC),
		Source:    weather.SourceManual,
		Fields:    fields,
	}
}

func TestCleanBackfillRepairs(t *testing.T) {
	// Swapped extremes, impossible humidity, negative precipitation.
	res := Clean(rawRecord(map[string]any{
		FieldTempMin:       25.0,
		FieldTempMax:       10.0,
		FieldHumidity:      150.0,
		FieldPrecipitation: -2.0,
		FieldPressure:      1013.0,
		FieldWindSpeed:     12.0,
		FieldCloudCover:    40.0,
	}), nil, Options{})

	require.False(t, res.Rejected)
	require.Len(t, res.Repairs, 4)

	rec := res.Record
	require.InDelta(t, 10, *rec.TempMin, 1e-9)
	require.InDelta(t, 25, *rec.TempMax, 1e-9)
	require.InDelta(t, 100, *rec.Humidity, 1e-9)
	require.InDelta(t, 0, *rec.Precipitation, 1e-9)

	// Missing mean is filled from the corrected extremes and flagged.
	require.NotNil(t, rec.TempMean)
	require.InDelta(t, 17.5, *rec.TempMean, 1e-9)
	require.True(t, rec.Derived(FieldTempMean))
}

func TestCleanEqualExtremesUnchanged(t *testing.T) {
	res := Clean(rawRecord(map[string]any{
		FieldTempMin:    10.0,
		FieldTempMax:    10.0,
		FieldTempMean:   10.0,
		FieldHumidity:   70.0,
		FieldPressure:   1015.0,
		FieldWindSpeed:  5.0,
		FieldCloudCover: 0.0,
	}), nil, Options{})

	require.False(t, res.Rejected)
	require.Empty(t, res.Repairs)
	require.InDelta(t, 10, *res.Record.TempMin, 1e-9)
	require.InDelta(t, 10, *res.Record.TempMax, 1e-9)
}

func TestCleanNegativePrecipSingleRangeRepair(t *testing.T) {
	res := Clean(rawRecord(map[string]any{
		FieldTempMean:      18.0,
		FieldHumidity:      60.0,
		FieldPressure:      1013.0,
		FieldPrecipitation: -3.5,
		FieldWindSpeed:     8.0,
		FieldCloudCover:    20.0,
		FieldVisibility:    25.0,
	}), nil, Options{})

	require.False(t, res.Rejected)
	require.Len(t, res.Repairs, 1)
	require.Equal(t, weather.RepairRange, res.Repairs[0].Kind)
	require.Equal(t, FieldPrecipitation, res.Repairs[0].Field)
	require.Equal(t, "-3.5", res.Repairs[0].Original)
	require.InDelta(t, 0, *res.Record.Precipitation, 1e-9)
}

func TestCleanRejectsSparseRecord(t *testing.T) {
	res := Clean(rawRecord(map[string]any{
		FieldTempMean: 18.0,
	}), nil, Options{})
	require.True(t, res.Rejected)

	res = Clean(rawRecord(map[string]any{}), nil, Options{})
	require.True(t, res.Rejected)
}

func TestCleanCoercion(t *testing.T) {
	res := Clean(rawRecord(map[string]any{
		FieldTempMean:      "18.4",
		FieldHumidity:      55,
		FieldPressure:      "1013",
		FieldWindSpeed:     3.2,
		FieldWindDirection: "NW",
		FieldCloudCover:    "80",
		FieldPrecipitation: 0.0,
	}), nil, Options{})

	require.False(t, res.Rejected)
	require.Empty(t, res.Repairs)
	require.InDelta(t, 18.4, *res.Record.TempMean, 1e-9)
	require.InDelta(t, 55, *res.Record.Humidity, 1e-9)
	require.InDelta(t, 315, *res.Record.WindDirDeg, 1e-9)
	require.Equal(t, "NW", res.Record.WindCardinal)
}

func TestCleanUninterpretableValue(t *testing.T) {
	res := Clean(rawRecord(map[string]any{
		FieldTempMean:      "not-a-number",
		FieldTempMin:       10.0,
		FieldTempMax:       20.0,
		FieldHumidity:      60.0,
		FieldPressure:      1010.0,
		FieldWindSpeed:     4.0,
		FieldCloudCover:    10.0,
		FieldPrecipitation: 0.0,
	}), nil, Options{})

	require.False(t, res.Rejected)

	var coerced bool
	for _, r := range res.Repairs {
		if r.Kind == weather.RepairCoerce && r.Field == FieldTempMean {
			coerced = true
		}
	}
	require.True(t, coerced)
	// The bad cell is dropped; the mean comes back from the extremes.
	require.InDelta(t, 15, *res.Record.TempMean, 1e-9)
	require.True(t, res.Record.Derived(FieldTempMean))
}

func TestCleanMeanOutsideExtremes(t *testing.T) {
	res := Clean(rawRecord(map[string]any{
		FieldTempMin:    5.0,
		FieldTempMax:    10.0,
		FieldTempMean:   20.0,
		FieldHumidity:   55.0,
		FieldPressure:   1014.0,
		FieldWindSpeed:  6.0,
		FieldCloudCover: 30.0,
	}), nil, Options{})

	require.False(t, res.Rejected)
	require.Len(t, res.Repairs, 1)
	require.Equal(t, weather.RepairConsistency, res.Repairs[0].Kind)
	require.Equal(t, FieldTempMean, res.Repairs[0].Field)
	require.Equal(t, "20", res.Repairs[0].Original)

	// The discarded mean is re-derived from the extremes and flagged.
	rec := res.Record
	require.InDelta(t, 5, *rec.TempMin, 1e-9)
	require.InDelta(t, 10, *rec.TempMax, 1e-9)
	require.InDelta(t, 7.5, *rec.TempMean, 1e-9)
	require.True(t, rec.Derived(FieldTempMean))
}

func TestCleanDewPointAboveMean(t *testing.T) {
	res := Clean(rawRecord(map[string]any{
		FieldTempMean:      15.0,
		FieldDewPoint:      19.0,
		FieldHumidity:      90.0,
		FieldPressure:      1008.0,
		FieldWindSpeed:     2.0,
		FieldCloudCover:    100.0,
		FieldPrecipitation: 1.2,
	}), nil, Options{})

	require.Nil(t, res.Record.DewPoint)
	var consistency bool
	for _, r := range res.Repairs {
		if r.Kind == weather.RepairConsistency && r.Field == FieldDewPoint {
			consistency = true
		}
	}
	require.True(t, consistency)
}

func TestCleanWindDirectionNormalized(t *testing.T) {
	res := Clean(rawRecord(map[string]any{
		FieldTempMean:      18.0,
		FieldHumidity:      60.0,
		FieldPressure:      1013.0,
		FieldWindSpeed:     8.0,
		FieldWindDirection: 450.0,
		FieldCloudCover:    20.0,
		FieldPrecipitation: 0.0,
	}), nil, Options{})

	require.InDelta(t, 90, *res.Record.WindDirDeg, 1e-9)
	require.Equal(t, "E", res.Record.WindCardinal)
	require.Len(t, res.Repairs, 1)
	require.Equal(t, weather.RepairRange, res.Repairs[0].Kind)
}

func TestCleanOutlierCapping(t *testing.T) {
	window := make([]weather.Observation, 0, 10)
	base := time.Date(2026, 7, 13, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		window = append(window, weather.Observation{
			StationID: "quillota_centro",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			TempMean:  weather.Float(14 + float64(i%3)),
			Source:    weather.SourceOpenMeteo,
		})
	}

	fields := map[string]any{
		FieldTempMean:      40.0, // far outside the window spread
		FieldHumidity:      60.0,
		FieldPressure:      1013.0,
		FieldWindSpeed:     8.0,
		FieldCloudCover:    20.0,
		FieldPrecipitation: 0.0,
		FieldVisibility:    25.0,
	}

	capped := Clean(rawRecord(fields), window, Options{OutlierCapping: true})
	require.Less(t, *capped.Record.TempMean, 40.0)
	var outlier bool
	for _, r := range capped.Repairs {
		if r.Kind == weather.RepairOutlier && r.Field == FieldTempMean {
			outlier = true
		}
	}
	require.True(t, outlier)

	// Disabled by default.
	plain := Clean(rawRecord(fields), window, Options{})
	require.InDelta(t, 40.0, *plain.Record.TempMean, 1e-9)
}

func TestFromObservationRoundTrip(t *testing.T) {
	obs := weather.Observation{
		StationID:     "la_cruz",
		Timestamp:     time.Date(2026, 7, 14, 12, 0, 0, 0, time.UTC),
		TempMean:      weather.Float(18),
		TempMin:       weather.Float(9),
		TempMax:       weather.Float(26),
		Humidity:      weather.Float(60),
		Pressure:      weather.Float(1013),
		WindSpeed:     weather.Float(10),
		Precipitation: weather.Float(0),
		Source:        weather.SourceOpenMeteo,
	}
	res := Clean(FromObservation(obs), nil, Options{})
	require.False(t, res.Rejected)
	require.Empty(t, res.Repairs)
	require.InDelta(t, 18, *res.Record.TempMean, 1e-9)
	require.Equal(t, weather.SourceOpenMeteo, res.Record.Source)
}
