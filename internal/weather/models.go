package weather

import (
	"time"
)

// Source identifies where an observation originated.
type Source string

const (
	SourceOpenMeteo      Source = "openmeteo"
	SourceOpenWeatherMap Source = "openweathermap"
	SourceSynthetic      Source = "synthetic"
	SourceManual         Source = "manual"
	SourceDerived        Source = "derived"
)

// Station is a fixed observation site in the valley. Stations are declared
// in configuration and immutable for the process lifetime; the store
// references them by ID only.
type Station struct {
	ID         string   `json:"id" mapstructure:"id" validate:"required"`
	Name       string   `json:"name" mapstructure:"name" validate:"required"`
	Lat        float64  `json:"lat" mapstructure:"lat" validate:"gte=-90,lte=90"`
	Lon        float64  `json:"lon" mapstructure:"lon" validate:"gte=-180,lte=180"`
	ElevationM float64  `json:"elevation_m" mapstructure:"elevation_m"`
	Sector     string   `json:"sector" mapstructure:"sector"`
	Crops      []string `json:"crops" mapstructure:"crops"`
	FrostClass string   `json:"frost_class,omitempty" mapstructure:"frost_class"`
}

// Observation is the canonical weather record, keyed by (StationID, Timestamp).
// Measurement fields are pointers: nil means the upstream provider did not
// report the field. Timestamps are always UTC at this boundary.
type Observation struct {
	StationID string    `json:"station_id"`
	Timestamp time.Time `json:"timestamp"`

	TempMean       *float64 `json:"temp_mean,omitempty"`
	TempMax        *float64 `json:"temp_max,omitempty"`
	TempMin        *float64 `json:"temp_min,omitempty"`
	Humidity       *float64 `json:"humidity,omitempty"`
	Pressure       *float64 `json:"pressure,omitempty"`
	Precipitation  *float64 `json:"precipitation,omitempty"`
	WindSpeed      *float64 `json:"wind_speed,omitempty"`
	WindDirDeg     *float64 `json:"wind_direction_deg,omitempty"`
	WindCardinal   string   `json:"wind_cardinal,omitempty"`
	CloudCover     *float64 `json:"cloud_cover,omitempty"`
	UVIndex        *float64 `json:"uv_index,omitempty"`
	SolarRadiation *float64 `json:"solar_radiation,omitempty"`
	DewPoint       *float64 `json:"dew_point,omitempty"`
	Visibility     *float64 `json:"visibility,omitempty"`

	Source Source `json:"source"`

	// DerivedFields names fields the validator imputed rather than the
	// provider reporting them. Provenance-sensitive consumers skip them.
	DerivedFields []string `json:"derived_fields,omitempty"`
}

// Derived reports whether the named field was imputed by the validator.
func (o Observation) Derived(field string) bool {
	for _, f := range o.DerivedFields {
		if f == field {
			return true
		}
	}
	return false
}

// Key returns the canonical identity of the observation.
func (o Observation) Key() ObservationRef {
	return ObservationRef{StationID: o.StationID, Timestamp: o.Timestamp}
}

// ObservationRef identifies a stored observation without carrying its payload.
type ObservationRef struct {
	StationID string    `json:"station_id"`
	Timestamp time.Time `json:"timestamp"`
}

// DailySummary is the per-station-day rollup written before retention
// pruning. Beyond the retention horizon it is authoritative.
type DailySummary struct {
	StationID string    `json:"station_id"`
	Date      time.Time `json:"date"` // midnight UTC

	TempMin        *float64 `json:"temp_min,omitempty"`
	TempMean       *float64 `json:"temp_mean,omitempty"`
	TempMax        *float64 `json:"temp_max,omitempty"`
	PrecipTotal    *float64 `json:"precip_total,omitempty"`
	HumidityMean   *float64 `json:"humidity_mean,omitempty"`
	WindMean       *float64 `json:"wind_mean,omitempty"`
	Observations   int      `json:"observations"`
	DominantSource Source   `json:"dominant_source"`
}

// RepairKind classifies a deterministic correction made by the validator.
type RepairKind string

const (
	RepairCoerce      RepairKind = "coerce"
	RepairRange       RepairKind = "range"
	RepairConsistency RepairKind = "consistency"
	RepairOutlier     RepairKind = "outlier"
)

// Repair records one correction applied to a raw record.
type Repair struct {
	Kind     RepairKind `json:"kind"`
	Field    string     `json:"field"`
	Original string     `json:"original"`
}

// IngestionReport summarizes one refresh attempt for one station.
type IngestionReport struct {
	ID              string    `json:"id"`
	StationID       string    `json:"station_id"`
	ProviderUsed    string    `json:"provider_used"`
	RecordsIn       int       `json:"records_in"`
	RecordsAccepted int       `json:"records_accepted"`
	RecordsRepaired int       `json:"records_repaired"`
	RecordsRejected int       `json:"records_rejected"`
	Fallback        bool      `json:"fallback"`
	DurationMs      int64     `json:"duration_ms"`
	Errors          []string  `json:"errors,omitempty"`
	Repairs         []Repair  `json:"repairs,omitempty"`
	At              time.Time `json:"at"`
}

// IndicatorLevel grades an indicator for display and alerting.
type IndicatorLevel string

const (
	// LevelNone marks an indicator below its first reporting band.
	LevelNone     IndicatorLevel = "none"
	LevelInfo     IndicatorLevel = "info"
	LevelWarn     IndicatorLevel = "warn"
	LevelCritical IndicatorLevel = "critical"
)

// Indicator is an ephemeral agronomic risk result. Indicators are computed
// on demand and never persisted.
type Indicator struct {
	Kind         string           `json:"kind"`
	StationID    string           `json:"station_id"`
	ValidFrom    time.Time        `json:"valid_from"`
	ValidTo      time.Time        `json:"valid_to"`
	Level        IndicatorLevel   `json:"level"`
	Score        float64          `json:"score"`
	Explanation  string           `json:"explanation"`
	Contributing []ObservationRef `json:"contributing,omitempty"`
}

// Float returns a pointer to v; convenience for building optional fields.
func Float(v float64) *float64 { return &v }

// Cardinal maps wind direction degrees onto the 16-point compass rose.
func Cardinal(deg float64) string {
	points := []string{
		"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE",
		"S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW",
	}
	for deg < 0 {
		deg += 360
	}
	idx := int((deg+11.25)/22.5) % 16
	return points[idx]
}
