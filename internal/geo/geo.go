package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/site-logistics/internal/models"
)

const (
	earthRadiusMeters = 6371000.0
	metersPerMile     = 1609.344
)

// Locator indexes the latest driver position of every tracked ticket, per project.
type Locator interface {
	Upsert(projectID, ticketID string, loc models.Coordinate) error
	Remove(projectID, ticketID string) error
	Nearest(projectID string, center models.Coordinate, radiusMiles float64, limit int) ([]Hit, error)
}

// Hit is one ticket returned by a Nearest query.
type Hit struct {
	TicketID      string            `json:"ticket_id"`
	Loc           models.Coordinate `json:"loc"`
	DistanceMiles float64           `json:"distance_mi"`
}

type entry struct {
	loc     models.Coordinate
	updated time.Time
}

type Index struct {
	mu       sync.RWMutex
	projects map[string]map[string]entry
}

func NewIndex() *Index {
	return &Index{projects: make(map[string]map[string]entry)}
}

func (g *Index) Upsert(projectID, ticketID string, loc models.Coordinate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	tickets, ok := g.projects[projectID]
	if !ok {
		tickets = make(map[string]entry)
		g.projects[projectID] = tickets
	}
	tickets[ticketID] = entry{loc: loc, updated: time.Now()}
	return nil
}

func (g *Index) Remove(projectID, ticketID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.projects[projectID], ticketID)
	return nil
}

// naive scan; a project rarely has more than a few dozen trucks in flight
func (g *Index) Nearest(projectID string, center models.Coordinate, radiusMiles float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	hits := make([]Hit, 0, len(g.projects[projectID]))
	for id, e := range g.projects[projectID] {
		d := DistanceMiles(center, e.loc)
		if radiusMiles > 0 && d > radiusMiles {
			continue
		}
		hits = append(hits, Hit{TicketID: id, Loc: e.loc, DistanceMiles: d})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceMiles == hits[j].DistanceMiles {
			return hits[i].TicketID < hits[j].TicketID
		}
		return hits[i].DistanceMiles < hits[j].DistanceMiles
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can leave a just outside [0,1] near antipodes
	a = math.Max(0, math.Min(1, a))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// DistanceMiles is the great-circle distance between a and b in statute miles.
func DistanceMiles(a, b models.Coordinate) float64 {
	return MetersToMiles(Haversine(a.Lat, a.Lng, b.Lat, b.Lng))
}

func MetersToMiles(m float64) float64 { return m / metersPerMile }

func MilesToMeters(mi float64) float64 { return mi * metersPerMile }
