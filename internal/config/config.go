package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/agrometeo/metgo/internal/weather"
)

// Environment variable names.
const (
	EnvConfigPath = "METGO_CONFIG_PATH"
	EnvDBPath     = "METGO_DB_PATH"
	EnvLogLevel   = "METGO_LOG_LEVEL"
)

var validate = validator.New()

// ProviderConfig declares one adapter in the priority chain.
type ProviderConfig struct {
	Kind            string `mapstructure:"kind" validate:"required,oneof=openmeteo openweathermap synthetic manual"`
	APIKey          string `mapstructure:"api_key"`
	BaseURL         string `mapstructure:"base_url"`
	Path            string `mapstructure:"path"` // manual dumps
	TZOffsetMinutes int    `mapstructure:"tz_offset_minutes"`
	RequestsPerMin  int    `mapstructure:"requests_per_min"`
}

// CropConfig holds per-crop agronomic parameters.
type CropConfig struct {
	FrostCriticalC     float64 `mapstructure:"frost_critical_c"`
	GrowingDegreeBaseC float64 `mapstructure:"growing_degree_base_c"`
	TargetGDD          float64 `mapstructure:"target_gdd"`
	ReferenceDate      string  `mapstructure:"reference_date"` // YYYY-MM-DD
}

// PestConfig describes one pest's favorable envelope.
type PestConfig struct {
	TempFavorableC       []float64          `mapstructure:"temp_favorable_c" validate:"len=2"`
	HumidityFavorablePct []float64          `mapstructure:"humidity_favorable_pct" validate:"len=2"`
	LevelThresholds      map[string]float64 `mapstructure:"level_thresholds"`
	WindowHours          int                `mapstructure:"window_hours"`
}

// OutlierConfig controls the validator's optional IQR pass.
type OutlierConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Factor  float64 `mapstructure:"factor"`
}

// Config is the single immutable configuration document. Loaded once at
// startup; changing it requires a restart.
type Config struct {
	Stations  []weather.Station `mapstructure:"stations" validate:"required,min=1,dive"`
	Providers []ProviderConfig  `mapstructure:"providers" validate:"required,min=1,dive"`

	RetentionDays     int           `mapstructure:"retention_days"`
	RefreshMinutes    int           `mapstructure:"refresh_minutes"`
	Workers           int           `mapstructure:"workers"`
	KeepRejected      bool          `mapstructure:"keep_rejected"`
	SyntheticFallback *bool         `mapstructure:"synthetic_fallback"`
	Outlier           OutlierConfig `mapstructure:"outlier"`
	Timezone          string        `mapstructure:"timezone"`
	Port              string        `mapstructure:"port"`

	Crops map[string]CropConfig `mapstructure:"crops"`
	Pests map[string]PestConfig `mapstructure:"pests"`

	// From environment, not the file.
	DBPath   string `validate:"required"`
	LogLevel string
}

// Load reads the configuration file named by METGO_CONFIG_PATH, applies
// defaults, and validates. Unknown keys in the file are ignored; missing
// required keys fail with a descriptive ConfigError.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		return nil, fmt.Errorf("%w: %s is required", weather.ErrConfig, EnvConfigPath)
	}
	return LoadFile(path)
}

// LoadFile reads and validates the configuration document at path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", weather.ErrConfig, path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", weather.ErrConfig, path, err)
	}

	cfg.DBPath = os.Getenv(EnvDBPath)
	cfg.LogLevel = os.Getenv(EnvLogLevel)
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	applyDefaults(cfg)

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", weather.ErrConfig, err)
	}
	for id, crop := range cfg.Crops {
		if crop.ReferenceDate != "" {
			if _, err := time.Parse("2006-01-02", crop.ReferenceDate); err != nil {
				return nil, fmt.Errorf("%w: crop %s reference_date: %v", weather.ErrConfig, id, err)
			}
		}
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", weather.ErrConfig, cfg.Timezone, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 365
	}
	if cfg.RefreshMinutes <= 0 {
		cfg.RefreshMinutes = 15
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SyntheticFallback == nil {
		enabled := true
		cfg.SyntheticFallback = &enabled
	}
	if cfg.Outlier.Factor <= 0 {
		cfg.Outlier.Factor = 1.5
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "America/Santiago"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
}

// Location returns the configured local timezone; validated at load time.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Station looks a station up by id.
func (c *Config) Station(id string) (weather.Station, bool) {
	for _, st := range c.Stations {
		if st.ID == id {
			return st, true
		}
	}
	return weather.Station{}, false
}
