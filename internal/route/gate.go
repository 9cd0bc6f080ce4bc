package route

import "backend-routetrack/internal/shared/geo"

// MinDistanceMeters is the default spacing between consecutive route points.
const MinDistanceMeters = 100.0

// Gate forwards a sample only when it lies at least minMeters away from the
// last forwarded sample. The first sample is always forwarded, including the
// first one after a restart: a new Gate knows nothing of the route stored so
// far. A Gate is not safe for concurrent use; each subscription pipeline owns
// its own.
type Gate struct {
	minMeters     float64
	lastForwarded *LocationPoint
}

func NewGate(minMeters float64) *Gate {
	if minMeters <= 0 {
		minMeters = MinDistanceMeters
	}
	return &Gate{minMeters: minMeters}
}

// Offer reports whether p passes the gate and, if so, remembers it.
func (g *Gate) Offer(p LocationPoint) (LocationPoint, bool) {
	if g.lastForwarded != nil {
		d := geo.DistanceMeters(g.lastForwarded.Latitude, g.lastForwarded.Longitude, p.Latitude, p.Longitude)
		if d < g.minMeters {
			return LocationPoint{}, false
		}
	}
	last := p
	g.lastForwarded = &last
	return p, true
}

func (g *Gate) MinMeters() float64 {
	return g.minMeters
}
