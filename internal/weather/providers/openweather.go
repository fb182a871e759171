package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/agrometeo/metgo/internal/weather"
)

// OpenWeatherMapAdapter speaks the OpenWeatherMap current-weather and 5-day
// forecast endpoints. Requires an API key; without one every call fails with
// MissingCredential and the coordinator disables the adapter for the process
// lifetime.
type OpenWeatherMapAdapter struct {
	apiKey  string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

// OpenWeatherMapConfig tunes the adapter; zero values take defaults.
type OpenWeatherMapConfig struct {
	APIKey         string
	BaseURL        string // default https://api.openweathermap.org/data/2.5
	RequestsPerMin int    // default 60
}

func NewOpenWeatherMapAdapter(client *http.Client, cfg OpenWeatherMapConfig) *OpenWeatherMapAdapter {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.openweathermap.org/data/2.5"
	}
	return &OpenWeatherMapAdapter{
		apiKey:  cfg.APIKey,
		baseURL: base,
		httpCfg: defaultHTTPConfig(client, cfg.RequestsPerMin),
		circuit: newBreaker("openweathermap"),
	}
}

func (p *OpenWeatherMapAdapter) Name() string           { return "openweathermap" }
func (p *OpenWeatherMapAdapter) Source() weather.Source { return weather.SourceOpenWeatherMap }

type openWeatherEntry struct {
	Dt   int64 `json:"dt"`
	Main struct {
		Temp     *float64 `json:"temp"`
		TempMin  *float64 `json:"temp_min"`
		TempMax  *float64 `json:"temp_max"`
		Humidity *float64 `json:"humidity"`
		Pressure *float64 `json:"pressure"`
	} `json:"main"`
	Wind struct {
		Speed *float64 `json:"speed"` // m/s with units=metric
		Deg   *float64 `json:"deg"`
	} `json:"wind"`
	Clouds struct {
		All *float64 `json:"all"`
	} `json:"clouds"`
	Rain struct {
		OneH   *float64 `json:"1h"`
		ThreeH *float64 `json:"3h"`
	} `json:"rain"`
	Visibility *float64 `json:"visibility"` // metres
}

func (e openWeatherEntry) toObservation(stationID string) weather.Observation {
	obs := weather.Observation{
		StationID:  stationID,
		Timestamp:  time.Unix(e.Dt, 0).UTC(),
		Source:     weather.SourceOpenWeatherMap,
		TempMean:   e.Main.Temp,
		TempMin:    e.Main.TempMin,
		TempMax:    e.Main.TempMax,
		Humidity:   e.Main.Humidity,
		Pressure:   e.Main.Pressure,
		WindDirDeg: e.Wind.Deg,
		CloudCover: e.Clouds.All,
	}
	if e.Wind.Speed != nil {
		obs.WindSpeed = weather.Float(*e.Wind.Speed * 3.6) // m/s to km/h
	}
	if e.Rain.OneH != nil {
		obs.Precipitation = e.Rain.OneH
	} else if e.Rain.ThreeH != nil {
		obs.Precipitation = e.Rain.ThreeH
	}
	if e.Visibility != nil {
		obs.Visibility = weather.Float(*e.Visibility / 1000.0)
	}
	return obs
}

func (p *OpenWeatherMapAdapter) FetchCurrent(ctx context.Context, st weather.Station) (weather.Observation, error) {
	if p.apiKey == "" {
		return weather.Observation{}, fmt.Errorf("%w: openweathermap api key not configured", weather.ErrMissingCredential)
	}

	body, err := fetchWithResilience(ctx, p.httpCfg, p.circuit, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, p.endpoint("/weather", st), nil)
	})
	if err != nil {
		return weather.Observation{}, err
	}

	var entry openWeatherEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return weather.Observation{}, fmt.Errorf("%w: decoding openweathermap payload: %v", weather.ErrAdapterPermanent, err)
	}
	return entry.toObservation(st.ID), nil
}

// FetchRange covers only windows that include the present moment: the free
// tier exposes no historical endpoint, so a purely past window is a
// permanent failure and the chain falls through.
func (p *OpenWeatherMapAdapter) FetchRange(ctx context.Context, st weather.Station, from, to time.Time) ([]weather.Observation, error) {
	now := time.Now().UTC()
	if to.Before(now.Add(-time.Hour)) {
		return nil, fmt.Errorf("%w: openweathermap has no historical endpoint", weather.ErrAdapterPermanent)
	}
	obs, err := p.FetchCurrent(ctx, st)
	if err != nil {
		return nil, err
	}
	if obs.Timestamp.Before(from) || obs.Timestamp.After(to) {
		return []weather.Observation{}, nil
	}
	return []weather.Observation{obs}, nil
}

func (p *OpenWeatherMapAdapter) FetchForecast(ctx context.Context, st weather.Station, horizon time.Duration) ([]weather.Observation, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("%w: openweathermap api key not configured", weather.ErrMissingCredential)
	}

	body, err := fetchWithResilience(ctx, p.httpCfg, p.circuit, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, p.endpoint("/forecast", st), nil)
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		List []openWeatherEntry `json:"list"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: decoding openweathermap forecast: %v", weather.ErrAdapterPermanent, err)
	}

	cutoff := time.Now().UTC().Add(horizon)
	var out []weather.Observation
	for _, e := range payload.List {
		obs := e.toObservation(st.ID)
		if obs.Timestamp.After(cutoff) {
			break
		}
		out = append(out, obs)
	}
	return out, nil
}

func (p *OpenWeatherMapAdapter) HealthCheck(ctx context.Context) weather.Health {
	if p.apiKey == "" {
		return weather.HealthDown
	}
	u := fmt.Sprintf("%s/weather?lat=-32.88&lon=-71.27&appid=%s", p.baseURL, p.apiKey)
	return probe(ctx, p.httpCfg.Client, u)
}

func (p *OpenWeatherMapAdapter) endpoint(path string, st weather.Station) string {
	values := url.Values{}
	values.Set("lat", fmt.Sprintf("%f", st.Lat))
	values.Set("lon", fmt.Sprintf("%f", st.Lon))
	values.Set("units", "metric")
	values.Set("appid", p.apiKey)
	return fmt.Sprintf("%s%s?%s", p.baseURL, path, values.Encode())
}
