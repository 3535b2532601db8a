// Package density aggregates device density observations over spatial
// areas, either from a live population density provider or from a
// synthetic generator.
package density

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"urban-density-analytics/api/internal/geo"
	"urban-density-analytics/api/internal/models"
	"urban-density-analytics/shared/clients/camara"
	"urban-density-analytics/shared/logx"
	"urban-density-analytics/shared/metricsx"
)

// ErrDataUnavailable means the caller named an area the aggregator has
// never seen and no default area is configured.
var ErrDataUnavailable = errors.New("density data unavailable for area")

const (
	// DefaultAreaID is the pre-registered city-center area.
	DefaultAreaID = "downtown"

	cellDataTypeDensity = "DENSITY_ESTIMATION"
	flowIntervalMinutes = 15
	// Live flow queries span whole hours, so the provider buckets hourly.
	liveFlowIntervalMinutes = 60
)

// DefaultArea is a rectangle over central Bucharest.
var DefaultArea = geo.Rectangle(geo.BBox{
	MinLat: 44.41, MinLon: 26.08,
	MaxLat: 44.44, MaxLon: 26.12,
})

// LiveSource is the upstream density provider. *camara.Client satisfies it.
type LiveSource interface {
	RetrieveDensity(ctx context.Context, req camara.DensityRequest) (camara.DensityResponse, error)
}

type Config struct {
	Live          LiveSource
	Precision     int
	WindowMinutes int
	FlowHours     int
	// DefaultAreaEnabled pre-registers DefaultAreaID so flow queries
	// work before any snapshot has been taken.
	DefaultAreaEnabled bool
	Logger             logx.Logger
}

// Aggregator resolves density snapshots and flow series per area. It
// remembers every area it has been queried with, keyed by area id, so
// later flow queries can reuse the geometry.
type Aggregator struct {
	cfg    Config
	logger logx.Logger
	synth  *synthesizer

	mu    sync.Mutex
	areas map[string]models.Area

	now func() time.Time
}

func NewAggregator(cfg Config) *Aggregator {
	if cfg.Precision <= 0 {
		cfg.Precision = 7
	}
	if cfg.WindowMinutes <= 0 {
		cfg.WindowMinutes = 60
	}
	if cfg.FlowHours <= 0 {
		cfg.FlowHours = 6
	}
	logger := cfg.Logger
	if logger == (logx.Logger{}) {
		logger = logx.Discard()
	}
	a := &Aggregator{
		cfg:    cfg,
		logger: logger,
		synth:  newSynthesizer(),
		areas:  make(map[string]models.Area),
		now:    time.Now,
	}
	if cfg.DefaultAreaEnabled {
		a.areas[DefaultAreaID] = DefaultArea
	}
	return a
}

// RegisterArea makes an area addressable by id for flow queries.
func (a *Aggregator) RegisterArea(areaID string, area models.Area) {
	if areaID == "" || area == nil {
		return
	}
	a.mu.Lock()
	a.areas[areaID] = geo.Normalize(area)
	a.mu.Unlock()
}

func (a *Aggregator) lookupArea(areaID string) (models.Area, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	area, ok := a.areas[areaID]
	return area, ok
}

// Snapshot returns the current device density over the area. The area
// is registered under areaID for later flow queries. Live provider
// failures degrade to synthetic data rather than failing the call.
// precision overrides the configured grid precision; zero keeps the
// default.
func (a *Aggregator) Snapshot(ctx context.Context, areaID string, area models.Area, precision int) (models.DensitySnapshot, error) {
	if area == nil {
		registered, ok := a.lookupArea(areaID)
		if !ok {
			return models.DensitySnapshot{}, ErrDataUnavailable
		}
		area = registered
	} else {
		area = geo.Normalize(area)
		a.RegisterArea(areaID, area)
	}

	if a.cfg.Live == nil {
		metricsx.IncDensityQuery("synthetic")
		return a.synth.snapshot(areaID, area, a.now()), nil
	}

	snap, err := a.liveSnapshot(ctx, areaID, area, precision)
	if err != nil {
		a.logger.Warn(ctx, "density.live_failed", "live density retrieval failed, serving synthetic data",
			slog.String("area_id", areaID),
			slog.String("error", err.Error()))
		metricsx.IncDensityQuery("synthetic")
		return a.synth.snapshot(areaID, area, a.now()), nil
	}
	metricsx.IncDensityQuery("live")
	return snap, nil
}

// Flow returns the device count time series for a known area over the
// configured lookback. Synthetic series use 15 minute steps; live series
// follow the provider's bucketing.
func (a *Aggregator) Flow(ctx context.Context, areaID string) (models.FlowSeries, error) {
	area, ok := a.lookupArea(areaID)
	if !ok {
		return models.FlowSeries{}, ErrDataUnavailable
	}

	if a.cfg.Live == nil {
		metricsx.IncDensityQuery("synthetic")
		return a.synth.flow(areaID, a.cfg.FlowHours, a.now()), nil
	}

	series, err := a.liveFlow(ctx, areaID, area)
	if err != nil {
		a.logger.Warn(ctx, "density.live_failed", "live flow retrieval failed, serving synthetic data",
			slog.String("area_id", areaID),
			slog.String("error", err.Error()))
		metricsx.IncDensityQuery("synthetic")
		return a.synth.flow(areaID, a.cfg.FlowHours, a.now()), nil
	}
	metricsx.IncDensityQuery("live")
	return series, nil
}

func (a *Aggregator) liveSnapshot(ctx context.Context, areaID string, area models.Area, precision int) (models.DensitySnapshot, error) {
	if precision <= 0 {
		precision = a.cfg.Precision
	}
	end := a.now().UTC()
	start := end.Add(-time.Duration(a.cfg.WindowMinutes) * time.Minute)
	resp, err := a.cfg.Live.RetrieveDensity(ctx, a.densityRequest(area, start, end, precision))
	if err != nil {
		return models.DensitySnapshot{}, err
	}

	intervals := resp.TimedPopulationDensityData
	if len(intervals) == 0 {
		return models.DensitySnapshot{AreaID: areaID, Timestamp: end, Points: []models.DensityPoint{}}, nil
	}

	// The last interval is the most recent observation.
	latest := intervals[len(intervals)-1]
	points := make([]models.DensityPoint, 0, len(latest.CellPopulationDensityData))
	total := 0
	for _, cell := range latest.CellPopulationDensityData {
		if cell.DataType != cellDataTypeDensity {
			continue
		}
		lat, lon := geohash.DecodeCenter(cell.Geohash)
		count := cellCount(cell)
		points = append(points, models.DensityPoint{Lat: lat, Lon: lon, Count: count})
		total += count
	}

	ts := latest.EndTime
	if ts.IsZero() {
		ts = end
	}
	return models.DensitySnapshot{
		AreaID:       areaID,
		Timestamp:    ts,
		TotalDevices: total,
		Points:       points,
	}, nil
}

func (a *Aggregator) liveFlow(ctx context.Context, areaID string, area models.Area) (models.FlowSeries, error) {
	end := a.now().UTC()
	start := end.Add(-time.Duration(a.cfg.FlowHours) * time.Hour)
	resp, err := a.cfg.Live.RetrieveDensity(ctx, a.densityRequest(area, start, end, a.cfg.Precision))
	if err != nil {
		return models.FlowSeries{}, err
	}

	samples := make([]models.FlowSample, 0, len(resp.TimedPopulationDensityData))
	for _, interval := range resp.TimedPopulationDensityData {
		total := 0
		for _, cell := range interval.CellPopulationDensityData {
			if cell.DataType != cellDataTypeDensity {
				continue
			}
			total += cellCount(cell)
		}
		ts := interval.EndTime
		if ts.IsZero() {
			ts = interval.StartTime
		}
		samples = append(samples, models.FlowSample{Timestamp: ts, TotalDevices: total})
	}
	return models.FlowSeries{
		AreaID:          areaID,
		IntervalMinutes: flowInterval(resp.TimedPopulationDensityData),
		Series:          samples,
	}, nil
}

// flowInterval derives the interval length from the provider's buckets,
// falling back to the hourly granularity the request asked for.
func flowInterval(intervals []camara.TimedInterval) int {
	for _, iv := range intervals {
		if !iv.StartTime.IsZero() && iv.EndTime.After(iv.StartTime) {
			if m := int(math.Round(iv.EndTime.Sub(iv.StartTime).Minutes())); m > 0 {
				return m
			}
		}
	}
	return liveFlowIntervalMinutes
}

func (a *Aggregator) densityRequest(area models.Area, start, end time.Time, precision int) camara.DensityRequest {
	polygon := geo.BoundaryPolygon(area)
	boundary := make([]camara.BoundaryPoint, 0, len(polygon.Boundary))
	for _, p := range polygon.Boundary {
		boundary = append(boundary, camara.BoundaryPoint{Latitude: p.Latitude, Longitude: p.Longitude})
	}
	return camara.DensityRequest{
		Area:      camara.AreaRequest{AreaType: "POLYGON", Boundary: boundary},
		StartTime: start,
		EndTime:   end,
		Precision: precision,
	}
}

// cellCount resolves a cell's device count: the point estimate when
// present, otherwise the midpoint of the min/max range, otherwise zero.
func cellCount(cell camara.Cell) int {
	if cell.PplDensity != nil {
		return int(math.Round(*cell.PplDensity))
	}
	if cell.MaxPplDensity != nil && cell.MinPplDensity != nil {
		return int(math.Round((*cell.MaxPplDensity + *cell.MinPplDensity) / 2))
	}
	return 0
}
