package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/agrometeo/metgo/internal/common"
	"github.com/agrometeo/metgo/internal/weather"
)

// BackoffConfig controls exponential backoff behaviour between attempts.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// HTTPClientConfig bundles HTTP client, per-call timeout, backoff, and the
// adapter's local token bucket.
type HTTPClientConfig struct {
	Client  *http.Client
	Timeout time.Duration
	Backoff BackoffConfig
	Limiter *rate.Limiter
}

// defaultHTTPConfig applies the adapter defaults: 10 s per call, 1 s / 2 s /
// 4 s backoff, 60 requests per minute.
func defaultHTTPConfig(client *http.Client, reqPerMin int) HTTPClientConfig {
	if reqPerMin <= 0 {
		reqPerMin = 60
	}
	return HTTPClientConfig{
		Client:  client,
		Timeout: 10 * time.Second,
		Backoff: BackoffConfig{
			MaxRetries:      3,
			InitialInterval: 1 * time.Second,
			MaxInterval:     4 * time.Second,
		},
		Limiter: rate.NewLimiter(rate.Limit(float64(reqPerMin)/60.0), reqPerMin),
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})
}

var (
	errRateLimited = errors.New("rate limited")
	errServerError = errors.New("server error")
	errCircuitOpen = errors.New("circuit breaker open")
)

// fetchWithResilience executes the request with the token bucket, per-call
// timeout, bounded exponential backoff, and the adapter's circuit breaker,
// returning the response body. Errors come back classified as transient or
// permanent.
func fetchWithResilience(
	ctx context.Context,
	cfg HTTPClientConfig,
	cb *gobreaker.CircuitBreaker,
	buildRequest func() (*http.Request, error),
) ([]byte, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("%w: http client not configured", weather.ErrAdapterPermanent)
	}

	var attempt int
	var lastErr error

	for {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", weather.ErrAdapterTransient, ctx.Err())
		}

		if cfg.Limiter != nil {
			if err := cfg.Limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: rate limit wait: %v", weather.ErrAdapterTransient, err)
			}
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return doOnce(ctx, cfg, buildRequest)
		})

		if err == nil {
			body, ok := result.([]byte)
			if !ok {
				return nil, fmt.Errorf("%w: unexpected result type from circuit breaker", weather.ErrAdapterPermanent)
			}
			return body, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", weather.ErrAdapterTransient, errCircuitOpen)
		}

		// Permanent failures are not worth another attempt.
		if errors.Is(err, weather.ErrAdapterPermanent) || errors.Is(err, weather.ErrMissingCredential) {
			return nil, err
		}

		lastErr = err
		if attempt >= cfg.Backoff.MaxRetries {
			return nil, lastErr
		}

		delay := cfg.Backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
		if cfg.Backoff.MaxInterval > 0 && delay > cfg.Backoff.MaxInterval {
			delay = cfg.Backoff.MaxInterval
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", weather.ErrAdapterTransient, ctx.Err())
		case <-timer.C:
		}

		attempt++
	}
}

// doOnce runs a single bounded request and fully consumes the body.
func doOnce(ctx context.Context, cfg HTTPClientConfig, buildRequest func() (*http.Request, error)) ([]byte, error) {
	req, err := buildRequest()
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", weather.ErrAdapterPermanent, err)
	}

	if cfg.Timeout > 0 {
		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		ctx = callCtx
	}
	req = req.WithContext(ctx)

	resp, err := cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", weather.ErrAdapterTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %v", weather.ErrAdapterTransient, errRateLimited)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: %v (%d)", weather.ErrAdapterTransient, errServerError, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyAPIError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", weather.ErrAdapterTransient, err)
	}
	return body, nil
}

// classifyAPIError decides whether a 4xx response is a credential problem or
// a permanent schema/request problem.
func classifyAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.ToLower(string(body))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden ||
		common.HasAny(msg, "api key", "invalid key", "unauthorized") {
		return fmt.Errorf("%w: upstream rejected credentials (%d)", weather.ErrMissingCredential, resp.StatusCode)
	}
	return fmt.Errorf("%w: unexpected status %d: %s", weather.ErrAdapterPermanent, resp.StatusCode, strings.TrimSpace(string(body)))
}

// probe performs a single uncounted request for health checks.
func probe(ctx context.Context, client *http.Client, url string) weather.Health {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return weather.HealthDown
	}
	resp, err := client.Do(req)
	if err != nil {
		return weather.HealthDown
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return weather.HealthOK
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return weather.HealthDegraded
	default:
		return weather.HealthDown
	}
}
