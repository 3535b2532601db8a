package density

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"urban-density-analytics/api/internal/geo"
	"urban-density-analytics/api/internal/models"
)

const (
	syntheticPointCount = 200
	walkStep            = 400
	walkFloor           = 500
)

// synthesizer produces plausible density data when no live provider is
// wired or the provider is down.
type synthesizer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newSynthesizer() *synthesizer {
	return &synthesizer{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (s *synthesizer) float(lo, hi float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + s.rnd.Float64()*(hi-lo)
}

// snapshot scatters points over the area's bounding box, keeping only
// those inside the geometry. Roughly half the points get a cluster
// multiplier so the distribution shows hotspots.
func (s *synthesizer) snapshot(areaID string, area models.Area, now time.Time) models.DensitySnapshot {
	box := geo.Bound(area)
	points := make([]models.DensityPoint, 0, syntheticPointCount)
	total := 0
	for attempts := 0; len(points) < syntheticPointCount && attempts < syntheticPointCount*10; attempts++ {
		pt := models.Point{
			Latitude:  s.float(box.MinLat, box.MaxLat),
			Longitude: s.float(box.MinLon, box.MaxLon),
		}
		if !geo.Contains(area, pt) {
			continue
		}
		factor := 1.0
		if s.float(0, 1) < 0.5 {
			factor = s.float(1, 3)
		}
		count := int(math.Round(s.float(1, 50) * factor))
		points = append(points, models.DensityPoint{Lat: pt.Latitude, Lon: pt.Longitude, Count: count})
		total += count
	}
	return models.DensitySnapshot{
		AreaID:       areaID,
		Timestamp:    now.UTC(),
		TotalDevices: total,
		Points:       points,
	}
}

// flow is a bounded random walk over 15 minute steps ending at now.
func (s *synthesizer) flow(areaID string, hours int, now time.Time) models.FlowSeries {
	steps := hours * 60 / flowIntervalMinutes
	if steps <= 0 {
		steps = 1
	}
	samples := make([]models.FlowSample, 0, steps)
	level := s.float(1000, 5000)
	start := now.UTC().Add(-time.Duration((steps-1)*flowIntervalMinutes) * time.Minute)
	for i := 0; i < steps; i++ {
		level += s.float(-walkStep, walkStep)
		if level < walkFloor {
			level = walkFloor
		}
		samples = append(samples, models.FlowSample{
			Timestamp:    start.Add(time.Duration(i*flowIntervalMinutes) * time.Minute),
			TotalDevices: int(math.Round(level)),
		})
	}
	return models.FlowSeries{
		AreaID:          areaID,
		IntervalMinutes: flowIntervalMinutes,
		Series:          samples,
	}
}
