// Package location resolves last known device positions, either from a
// live CAMARA location provider or from a synthetic generator.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"urban-density-analytics/api/internal/models"
	"urban-density-analytics/shared/clients/camara"
	"urban-density-analytics/shared/logx"
	"urban-density-analytics/shared/metricsx"
)

// ErrInvalidDeviceID rejects identifiers too short to be a phone number
// or device handle.
var ErrInvalidDeviceID = errors.New("device id must be at least 3 characters")

const (
	minDeviceIDLen = 3

	// Synthetic positions scatter around the city center.
	baseLat   = 44.4268
	baseLon   = 26.1025
	latJitter = 0.02
	lonJitter = 0.03

	accuracyMinM = 10
	accuracyMaxM = 200
)

// LiveSource is the upstream location provider. *camara.Client satisfies it.
type LiveSource interface {
	RetrieveLocation(ctx context.Context, deviceID string) (camara.LocationResponse, error)
}

type Config struct {
	Live   LiveSource
	Logger logx.Logger
}

// Locator answers device location lookups. A failed live lookup surfaces
// as an error and never degrades to synthetic data.
type Locator struct {
	cfg    Config
	logger logx.Logger

	mu  sync.Mutex
	rnd *rand.Rand

	now func() time.Time
}

func NewLocator(cfg Config) *Locator {
	logger := cfg.Logger
	if logger == (logx.Logger{}) {
		logger = logx.Discard()
	}
	return &Locator{
		cfg:    cfg,
		logger: logger,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
}

// Locate returns the device's position. Without a live provider a
// synthetic position near the city center is generated.
func (l *Locator) Locate(ctx context.Context, deviceID string) (models.DeviceLocation, error) {
	if len(deviceID) < minDeviceIDLen {
		return models.DeviceLocation{}, ErrInvalidDeviceID
	}

	if l.cfg.Live == nil {
		metricsx.IncLocationQuery("synthetic")
		return l.synthetic(deviceID), nil
	}

	resp, err := l.cfg.Live.RetrieveLocation(ctx, deviceID)
	if err != nil {
		l.logger.Warn(ctx, "location.live_failed", "live location retrieval failed",
			slog.String("device_id", deviceID),
			slog.String("error", err.Error()))
		return models.DeviceLocation{}, fmt.Errorf("device location: %w", err)
	}
	metricsx.IncLocationQuery("live")

	lat, lon, accuracy := resp.Latitude, resp.Longitude, resp.Accuracy
	if resp.Area != nil {
		lat = resp.Area.Center.Latitude
		lon = resp.Area.Center.Longitude
		accuracy = resp.Area.Radius
	}
	return models.DeviceLocation{
		DeviceID:       deviceID,
		Location:       models.LatLon{Lat: lat, Lon: lon},
		AccuracyMeters: int(math.Round(accuracy)),
		Timestamp:      l.now().UTC(),
		Source:         models.LocationSourceNetwork,
	}, nil
}

func (l *Locator) synthetic(deviceID string) models.DeviceLocation {
	source := models.LocationSourceGPS
	if l.float(0, 1) > 0.6 {
		source = models.LocationSourceNetwork
	}
	return models.DeviceLocation{
		DeviceID: deviceID,
		Location: models.LatLon{
			Lat: baseLat + l.float(-latJitter, latJitter),
			Lon: baseLon + l.float(-lonJitter, lonJitter),
		},
		AccuracyMeters: int(math.Round(l.float(accuracyMinM, accuracyMaxM))),
		Timestamp:      l.now().UTC(),
		Source:         source,
	}
}

func (l *Locator) float(lo, hi float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return lo + l.rnd.Float64()*(hi-lo)
}
