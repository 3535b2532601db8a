// Package routing plans point-to-point routes and scores them against
// current crowd density and geofence activity.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"urban-density-analytics/api/internal/geo"
	"urban-density-analytics/api/internal/models"
	"urban-density-analytics/shared/clients/pathfinder"
	"urban-density-analytics/shared/logx"
	"urban-density-analytics/shared/metricsx"
)

const (
	// Density is probed at this many evenly spaced points along the path.
	sampleCount   = 10
	sampleRadiusM = 200

	// ETA multipliers by average sampled device count.
	bandHeavy    = 3000
	bandElevated = 1500
	bandBusy     = 800
	bandModerate = 300

	hotspotCutoff = 2000

	fallbackPoints  = 11
	fallbackJitter  = 0.0008
	baseSpeedKmh    = 30.0
	longRouteKm     = 15.0
	zoneDelayMin    = 2
	advisoryClear   = "Route clear"
	advisoryCrowded = "Avoid main boulevard due to crowding"
)

// PathSource resolves a drivable path. *pathfinder.Client satisfies it.
type PathSource interface {
	Route(ctx context.Context, fromLat, fromLon, toLat, toLon float64) (pathfinder.Path, error)
}

// DensitySource probes current density around a point.
type DensitySource interface {
	Snapshot(ctx context.Context, areaID string, area models.Area, precision int) (models.DensitySnapshot, error)
}

// RuleSource exposes the geofence rules a route may cross.
type RuleSource interface {
	ListRules() []models.GeofenceRule
}

type Config struct {
	Paths   PathSource
	Density DensitySource
	Rules   RuleSource
	// CriticalZoneLimit marks rules with thresholds above it as
	// high-capacity zones that warrant a reroute advisory.
	CriticalZoneLimit int
	Logger            logx.Logger
}

type Scorer struct {
	cfg    Config
	logger logx.Logger

	mu  sync.Mutex
	rnd *rand.Rand

	now func() time.Time
}

func NewScorer(cfg Config) *Scorer {
	if cfg.CriticalZoneLimit <= 0 {
		cfg.CriticalZoneLimit = 5000
	}
	logger := cfg.Logger
	if logger == (logx.Logger{}) {
		logger = logx.Discard()
	}
	return &Scorer{
		cfg:    cfg,
		logger: logger,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
}

// PlanRoute always produces a plan. An unreachable path service falls
// back to a locally estimated route.
func (s *Scorer) PlanRoute(ctx context.Context, from, to models.Point) models.RoutePlan {
	path, durationSec, live := s.resolvePath(ctx, from, to)

	distanceKm := geo.PathLengthKm(path)
	var etaMin float64
	var advisories []string

	if live {
		metricsx.IncRoutePlan("live")
		etaMin = s.liveETA(ctx, path, durationSec, distanceKm, &advisories)
	} else {
		metricsx.IncRoutePlan("fallback")
		etaMin, advisories = s.fallbackETA(distanceKm)
	}

	if len(advisories) == 0 {
		advisories = []string{advisoryClear}
	}
	eta := int(math.Round(etaMin))
	if eta < 0 {
		eta = 0
	}
	return models.RoutePlan{
		From:       from,
		To:         to,
		Path:       path,
		ETAMinutes: eta,
		Advisories: advisories,
	}
}

func (s *Scorer) resolvePath(ctx context.Context, from, to models.Point) ([]models.Point, float64, bool) {
	if s.cfg.Paths != nil {
		routed, err := s.cfg.Paths.Route(ctx, from.Latitude, from.Longitude, to.Latitude, to.Longitude)
		if err == nil && len(routed.Coordinates) >= 2 {
			path := make([]models.Point, 0, len(routed.Coordinates))
			for _, c := range routed.Coordinates {
				path = append(path, models.Point{Latitude: c[1], Longitude: c[0]})
			}
			return path, routed.DurationSec, true
		}
		if err != nil {
			s.logger.Warn(ctx, "routing.path_fallback", "path service unavailable, using direct estimate",
				slog.String("error", err.Error()))
		}
	}
	return s.directPath(from, to), 0, false
}

// directPath interpolates a straight line with light jitter on the
// intermediate points.
func (s *Scorer) directPath(from, to models.Point) []models.Point {
	path := make([]models.Point, fallbackPoints)
	for i := 0; i < fallbackPoints; i++ {
		t := float64(i) / float64(fallbackPoints-1)
		pt := models.Point{
			Latitude:  from.Latitude + (to.Latitude-from.Latitude)*t,
			Longitude: from.Longitude + (to.Longitude-from.Longitude)*t,
		}
		if i > 0 && i < fallbackPoints-1 {
			pt.Latitude += s.float(-fallbackJitter, fallbackJitter)
			pt.Longitude += s.float(-fallbackJitter, fallbackJitter)
		}
		path[i] = pt
	}
	return path
}

func (s *Scorer) fallbackETA(distanceKm float64) (float64, []string) {
	congestion := s.float(0.8, 1.6)
	speed := baseSpeedKmh / congestion
	eta := distanceKm / speed * 60

	var advisories []string
	if congestion > 1.2 {
		advisories = append(advisories, advisoryCrowded)
	} else {
		advisories = append(advisories, advisoryClear)
	}
	if distanceKm > longRouteKm {
		advisories = append(advisories, fmt.Sprintf("Long route (%.1f km). Plan for a rest stop.", distanceKm))
	}
	return eta, advisories
}

// liveETA turns the routed duration into minutes and inflates it with
// geofence crossings, sampled density and time of day. The zone delay
// is added before the rush multiplier so rush hour scales it too.
func (s *Scorer) liveETA(ctx context.Context, path []models.Point, durationSec, distanceKm float64, advisories *[]string) float64 {
	eta := durationSec / 60
	if eta <= 0 {
		eta = distanceKm / baseSpeedKmh * 60
	}

	criticalZones, denseZones := s.crossedZones(path)
	if criticalZones > 0 {
		*advisories = append(*advisories, fmt.Sprintf("Route crosses %d critical alert zone(s). Consider rerouting.", criticalZones))
	}
	if denseZones > 0 {
		*advisories = append(*advisories, fmt.Sprintf("Route crosses %d high-density alert zone(s).", denseZones))
	}

	avg, maxSample, maxAt, sampled := s.sampleDensity(ctx, path)
	if sampled > 0 {
		switch {
		case avg > bandHeavy:
			eta *= 1.5
			*advisories = append(*advisories, "Severe crowding along route. Expect significant delays.")
		case avg > bandElevated:
			eta *= 1.3
			*advisories = append(*advisories, "Heavy crowding along route. Consider delaying departure.")
		case avg > bandBusy:
			eta *= 1.15
			*advisories = append(*advisories, "Elevated crowd levels along route.")
		case avg > bandModerate:
			*advisories = append(*advisories, "Moderate activity along route.")
		}
		if maxSample > hotspotCutoff {
			*advisories = append(*advisories, fmt.Sprintf("Crowd hotspot near %.4f, %.4f.", maxAt.Latitude, maxAt.Longitude))
		}
	}

	eta += float64((criticalZones + denseZones) * zoneDelayMin)

	hour := s.now().Hour()
	switch {
	case hour >= 7 && hour < 9:
		eta *= 1.25
		*advisories = append(*advisories, "Morning rush hour. Expect slower traffic.")
	case hour >= 16 && hour < 19:
		eta *= 1.35
		*advisories = append(*advisories, "Evening rush hour. Expect slower traffic.")
	case hour >= 22 || hour < 5:
		*advisories = append(*advisories, "Night conditions. Traffic is light.")
	}

	if distanceKm > longRouteKm {
		*advisories = append(*advisories, fmt.Sprintf("Long route (%.1f km). Plan for a rest stop.", distanceKm))
	}
	return eta
}

func (s *Scorer) sampleDensity(ctx context.Context, path []models.Point) (avg float64, maxSample int, maxAt models.Point, sampled int) {
	if s.cfg.Density == nil || len(path) == 0 {
		return 0, 0, models.Point{}, 0
	}
	step := len(path) / sampleCount
	if step < 1 {
		step = 1
	}
	total := 0
	for i := 0; i < len(path) && sampled < sampleCount; i += step {
		pt := path[i]
		snap, err := s.cfg.Density.Snapshot(ctx, "route-sample", models.Circle{Center: pt, RadiusM: sampleRadiusM}, 0)
		if err != nil {
			continue
		}
		total += snap.TotalDevices
		if snap.TotalDevices > maxSample {
			maxSample = snap.TotalDevices
			maxAt = pt
		}
		sampled++
	}
	if sampled == 0 {
		return 0, 0, models.Point{}, 0
	}
	return float64(total) / float64(sampled), maxSample, maxAt, sampled
}

// crossedZones counts active geofence areas the path passes through,
// split into critical (threshold above the limit) and high-density.
func (s *Scorer) crossedZones(path []models.Point) (critical int, dense int) {
	if s.cfg.Rules == nil {
		return 0, 0
	}
	for _, rule := range s.cfg.Rules.ListRules() {
		if !rule.Active {
			continue
		}
		for _, pt := range path {
			if geo.Contains(rule.Area, pt) {
				if rule.ThresholdDevices > s.cfg.CriticalZoneLimit {
					critical++
				} else {
					dense++
				}
				break
			}
		}
	}
	return critical, dense
}

func (s *Scorer) float(lo, hi float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + s.rnd.Float64()*(hi-lo)
}
