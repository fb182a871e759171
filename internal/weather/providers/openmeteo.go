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

const openMeteoHourlyVars = "temperature_2m,relative_humidity_2m,surface_pressure," +
	"precipitation,wind_speed_10m,wind_direction_10m,cloud_cover,uv_index," +
	"shortwave_radiation,dew_point_2m,visibility"

// OpenMeteoAdapter speaks the Open-Meteo forecast API. No credential is
// required; the local token bucket keeps us inside the free-tier budget.
type OpenMeteoAdapter struct {
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

// OpenMeteoConfig tunes the adapter; zero values take defaults.
type OpenMeteoConfig struct {
	BaseURL        string // default https://api.open-meteo.com/v1/forecast
	RequestsPerMin int    // default 60
}

func NewOpenMeteoAdapter(client *http.Client, cfg OpenMeteoConfig) *OpenMeteoAdapter {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.open-meteo.com/v1/forecast"
	}
	return &OpenMeteoAdapter{
		baseURL: base,
		httpCfg: defaultHTTPConfig(client, cfg.RequestsPerMin),
		circuit: newBreaker("openmeteo"),
	}
}

func (p *OpenMeteoAdapter) Name() string           { return "openmeteo" }
func (p *OpenMeteoAdapter) Source() weather.Source { return weather.SourceOpenMeteo }

type openMeteoHourly struct {
	Time           []string   `json:"time"`
	Temperature    []*float64 `json:"temperature_2m"`
	Humidity       []*float64 `json:"relative_humidity_2m"`
	Pressure       []*float64 `json:"surface_pressure"`
	Precipitation  []*float64 `json:"precipitation"`
	WindSpeed      []*float64 `json:"wind_speed_10m"`
	WindDirection  []*float64 `json:"wind_direction_10m"`
	CloudCover     []*float64 `json:"cloud_cover"`
	UVIndex        []*float64 `json:"uv_index"`
	SolarRadiation []*float64 `json:"shortwave_radiation"`
	DewPoint       []*float64 `json:"dew_point_2m"`
	Visibility     []*float64 `json:"visibility"` // metres upstream
}

func (p *OpenMeteoAdapter) FetchCurrent(ctx context.Context, st weather.Station) (weather.Observation, error) {
	now := time.Now().UTC().Truncate(time.Hour)
	obs, err := p.fetchHourly(ctx, st, now, now)
	if err != nil {
		return weather.Observation{}, err
	}
	if len(obs) == 0 {
		return weather.Observation{}, fmt.Errorf("%w: empty hourly payload", weather.ErrAdapterTransient)
	}
	return obs[len(obs)-1], nil
}

func (p *OpenMeteoAdapter) FetchRange(ctx context.Context, st weather.Station, from, to time.Time) ([]weather.Observation, error) {
	return p.fetchHourly(ctx, st, from, to)
}

func (p *OpenMeteoAdapter) FetchForecast(ctx context.Context, st weather.Station, horizon time.Duration) ([]weather.Observation, error) {
	now := time.Now().UTC()
	return p.fetchHourly(ctx, st, now, now.Add(horizon))
}

func (p *OpenMeteoAdapter) HealthCheck(ctx context.Context) weather.Health {
	u := fmt.Sprintf("%s?latitude=-32.88&longitude=-71.27&current=temperature_2m", p.baseURL)
	return probe(ctx, p.httpCfg.Client, u)
}

func (p *OpenMeteoAdapter) fetchHourly(ctx context.Context, st weather.Station, from, to time.Time) ([]weather.Observation, error) {
	from, to = from.UTC(), to.UTC()

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("latitude", fmt.Sprintf("%f", st.Lat))
		values.Set("longitude", fmt.Sprintf("%f", st.Lon))
		values.Set("hourly", openMeteoHourlyVars)
		values.Set("timezone", "UTC")
		values.Set("start_date", from.Format("2006-01-02"))
		values.Set("end_date", to.Format("2006-01-02"))
		return http.NewRequest(http.MethodGet, fmt.Sprintf("%s?%s", p.baseURL, values.Encode()), nil)
	}

	body, err := fetchWithResilience(ctx, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Hourly openMeteoHourly `json:"hourly"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: decoding open-meteo payload: %v", weather.ErrAdapterPermanent, err)
	}

	var out []weather.Observation
	for i, raw := range payload.Hourly.Time {
		ts, err := time.Parse("2006-01-02T15:04", raw)
		if err != nil {
			// Some deployments return full RFC3339.
			ts, err = time.Parse(time.RFC3339, raw)
			if err != nil {
				continue
			}
		}
		ts = ts.UTC()
		if ts.Before(from) || ts.After(to) {
			continue
		}

		obs := weather.Observation{
			StationID:      st.ID,
			Timestamp:      ts,
			Source:         weather.SourceOpenMeteo,
			TempMean:       at(payload.Hourly.Temperature, i),
			Humidity:       at(payload.Hourly.Humidity, i),
			Pressure:       at(payload.Hourly.Pressure, i),
			Precipitation:  at(payload.Hourly.Precipitation, i),
			WindSpeed:      at(payload.Hourly.WindSpeed, i),
			WindDirDeg:     at(payload.Hourly.WindDirection, i),
			CloudCover:     at(payload.Hourly.CloudCover, i),
			UVIndex:        at(payload.Hourly.UVIndex, i),
			SolarRadiation: at(payload.Hourly.SolarRadiation, i),
			DewPoint:       at(payload.Hourly.DewPoint, i),
		}
		if v := at(payload.Hourly.Visibility, i); v != nil {
			obs.Visibility = weather.Float(*v / 1000.0) // metres to km
		}
		out = append(out, obs)
	}
	return out, nil
}

// at safely indexes a nullable hourly series.
func at(series []*float64, i int) *float64 {
	if i >= len(series) || series[i] == nil {
		return nil
	}
	v := *series[i]
	return &v
}
