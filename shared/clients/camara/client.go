// Package camara talks to a CAMARA Population Density Data API over
// OAuth2 client credentials.
package camara

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"urban-density-analytics/shared/tokenx"
)

// ErrLocationDisabled means no location endpoint is configured for this
// client.
var ErrLocationDisabled = errors.New("device location retrieval is not configured")

type Config struct {
	BaseURL string
	// LocationURL is the location-retrieval product endpoint. Empty
	// disables RetrieveLocation.
	LocationURL string
	Scopes      []string
	Audience    string
	Timeout     time.Duration
}

type Client struct {
	cfg    Config
	tokens *tokenx.Cache
	http   *http.Client
}

type BoundaryPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type AreaRequest struct {
	AreaType string          `json:"areaType"`
	Boundary []BoundaryPoint `json:"boundary"`
}

type DensityRequest struct {
	Area      AreaRequest `json:"area"`
	StartTime time.Time   `json:"startTime"`
	EndTime   time.Time   `json:"endTime"`
	Precision int         `json:"precision,omitempty"`
}

type DensityResponse struct {
	TimedPopulationDensityData []TimedInterval `json:"timedPopulationDensityData"`
}

type TimedInterval struct {
	StartTime                 time.Time `json:"startTime"`
	EndTime                   time.Time `json:"endTime"`
	CellPopulationDensityData []Cell    `json:"cellPopulationDensityData"`
}

type Cell struct {
	Geohash       string   `json:"geohash"`
	DataType      string   `json:"dataType"`
	PplDensity    *float64 `json:"pplDensity,omitempty"`
	MaxPplDensity *float64 `json:"maxPplDensity,omitempty"`
	MinPplDensity *float64 `json:"minPplDensity,omitempty"`
}

type LocationRequest struct {
	Device Device `json:"device"`
}

type Device struct {
	PhoneNumber string `json:"phoneNumber"`
}

// LocationResponse covers both shapes the location-retrieval API
// returns: an area with a center and radius, or bare coordinates with
// an accuracy.
type LocationResponse struct {
	Latitude  float64       `json:"latitude"`
	Longitude float64       `json:"longitude"`
	Accuracy  float64       `json:"accuracy"`
	Area      *LocationArea `json:"area,omitempty"`
}

type LocationArea struct {
	Center BoundaryPoint `json:"center"`
	Radius float64       `json:"radius"`
}

func New(cfg Config, tokens *tokenx.Cache) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("density base url is required")
	}
	if tokens == nil {
		return nil, errors.New("token cache is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// RetrieveDensity fetches timed population density intervals for a
// polygon area.
func (c *Client) RetrieveDensity(ctx context.Context, req DensityRequest) (DensityResponse, error) {
	if c == nil || c.http == nil {
		return DensityResponse{}, errors.New("density client not initialized")
	}
	token, err := c.tokens.Token(ctx, c.cfg.Scopes, c.cfg.Audience)
	if err != nil {
		return DensityResponse{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return DensityResponse{}, err
	}
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/retrieve"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return DensityResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return DensityResponse{}, fmt.Errorf("density request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.tokens.Invalidate(c.cfg.Scopes, c.cfg.Audience)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return DensityResponse{}, fmt.Errorf("density endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out DensityResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return DensityResponse{}, fmt.Errorf("decode density response: %w", err)
	}
	return out, nil
}

// RetrieveLocation fetches the last known network position of a device.
func (c *Client) RetrieveLocation(ctx context.Context, deviceID string) (LocationResponse, error) {
	if c == nil || c.http == nil {
		return LocationResponse{}, errors.New("density client not initialized")
	}
	if c.cfg.LocationURL == "" {
		return LocationResponse{}, ErrLocationDisabled
	}
	token, err := c.tokens.Token(ctx, c.cfg.Scopes, c.cfg.Audience)
	if err != nil {
		return LocationResponse{}, err
	}

	body, err := json.Marshal(LocationRequest{Device: Device{PhoneNumber: deviceID}})
	if err != nil {
		return LocationResponse{}, err
	}
	endpoint := strings.TrimRight(c.cfg.LocationURL, "/") + "/retrieve"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return LocationResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return LocationResponse{}, fmt.Errorf("location request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.tokens.Invalidate(c.cfg.Scopes, c.cfg.Audience)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return LocationResponse{}, fmt.Errorf("location endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out LocationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return LocationResponse{}, fmt.Errorf("decode location response: %w", err)
	}
	return out, nil
}
