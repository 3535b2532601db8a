// Package pathfinder queries an OSRM-compatible routing service for
// driving paths between two coordinates.
package pathfinder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrUnavailable covers timeouts, transport failures, non-2xx replies
// and empty route sets. Callers fall back to local estimation.
var ErrUnavailable = errors.New("pathfinder unavailable")

type Config struct {
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitBreaker
}

// Path is a routed geometry. Coordinates are [longitude, latitude]
// pairs as returned by the service.
type Path struct {
	Coordinates [][2]float64
	DurationSec float64
	DistanceM   float64
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("pathfinder base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: newCircuitBreaker(5, 30*time.Second),
	}, nil
}

func (c *Client) Route(ctx context.Context, fromLat, fromLon, toLat, toLon float64) (Path, error) {
	if c == nil || c.http == nil {
		return Path{}, ErrUnavailable
	}
	if c.breaker.Open() {
		return Path{}, ErrUnavailable
	}

	endpoint := fmt.Sprintf("%s/route/v1/driving/%f,%f;%f,%f?overview=full&geometries=geojson",
		c.baseURL, fromLon, fromLat, toLon, toLat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Path{}, ErrUnavailable
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Fail()
		return Path{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.breaker.Fail()
		return Path{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out struct {
		Routes []struct {
			Duration float64 `json:"duration"`
			Distance float64 `json:"distance"`
			Geometry struct {
				Coordinates [][2]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.breaker.Fail()
		return Path{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(out.Routes) == 0 || len(out.Routes[0].Geometry.Coordinates) == 0 {
		c.breaker.Fail()
		return Path{}, fmt.Errorf("%w: no routes", ErrUnavailable)
	}

	c.breaker.Success()
	best := out.Routes[0]
	return Path{
		Coordinates: best.Geometry.Coordinates,
		DurationSec: best.Duration,
		DistanceM:   best.Distance,
	}, nil
}

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
