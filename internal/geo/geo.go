package geo

import (
	"math"
	"sync"

	"github.com/example/accessible-dispatch/internal/models"
)

// RegionResolver maps a point to the dispatch region containing it.
type RegionResolver interface {
	RegionForPoint(lat, lon float64) (models.RegionID, bool)
}

type region struct {
	id      models.RegionID
	polygon []models.Coord
	minLat  float64
	maxLat  float64
	minLon  float64
	maxLon  float64
}

// Index is an in-memory polygon index of dispatch regions.
type Index struct {
	mu      sync.RWMutex
	regions []region
}

func NewIndex() *Index {
	return &Index{}
}

// Upsert replaces the polygon for id. Polygons need at least three vertices
// and are treated as closed.
func (g *Index) Upsert(id models.RegionID, polygon []models.Coord) bool {
	if len(polygon) < 3 {
		return false
	}
	r := region{id: id, polygon: append([]models.Coord(nil), polygon...), minLat: 90, maxLat: -90, minLon: 180, maxLon: -180}
	for _, p := range polygon {
		r.minLat = math.Min(r.minLat, p.Lat)
		r.maxLat = math.Max(r.maxLat, p.Lat)
		r.minLon = math.Min(r.minLon, p.Lon)
		r.maxLon = math.Max(r.maxLon, p.Lon)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.regions {
		if g.regions[i].id == id {
			g.regions[i] = r
			return true
		}
	}
	g.regions = append(g.regions, r)
	return true
}

// RegionForPoint returns the first registered region containing the point.
func (g *Index) RegionForPoint(lat, lon float64) (models.RegionID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.regions {
		if lat < r.minLat || lat > r.maxLat || lon < r.minLon || lon > r.maxLon {
			continue
		}
		if contains(r.polygon, lat, lon) {
			return r.id, true
		}
	}
	return "", false
}

// ray casting; points on an edge may land either side
func contains(poly []models.Coord, lat, lon float64) bool {
	in := false
	j := len(poly) - 1
	for i := 0; i < len(poly); i++ {
		pi, pj := poly[i], poly[j]
		if (pi.Lat > lat) != (pj.Lat > lat) {
			x := (pj.Lon-pi.Lon)*(lat-pi.Lat)/(pj.Lat-pi.Lat) + pi.Lon
			if lon < x {
				in = !in
			}
		}
		j = i
	}
	return in
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}
