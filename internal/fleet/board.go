package fleet

import (
	"sort"
	"strings"
	"time"

	"github.com/example/site-logistics/internal/eta"
	"github.com/example/site-logistics/internal/models"
)

// UnspecifiedDivision is the bucket for tickets without a division. It always sorts last.
const UnspecifiedDivision = "Unspecified"

// LiveEntry is a ticket that is currently reporting positions.
type LiveEntry struct {
	Ticket        models.Ticket `json:"ticket"`
	DistanceMiles float64       `json:"distance_mi"`
	ETA           eta.Estimate  `json:"eta"`
}

// Group holds the waiting and unclaimed tickets of one division.
type Group struct {
	Division string          `json:"division"`
	Tickets  []models.Ticket `json:"tickets"`
}

type MarkerStyle struct {
	Color string `json:"color"`
	Size  int    `json:"size"`
}

type Marker struct {
	TicketID string            `json:"ticket_id"`
	Code     string            `json:"code"`
	Loc      models.Coordinate `json:"loc"`
	Status   models.Status     `json:"status"`
	Style    MarkerStyle       `json:"style"`
}

// Board is the dispatcher view of one project.
type Board struct {
	ProjectID   string            `json:"project_id"`
	Destination models.Coordinate `json:"destination"`
	Live        []LiveEntry       `json:"live"`
	Groups      []Group           `json:"groups"`
	Markers     []Marker          `json:"markers"`
	Degraded    bool              `json:"degraded"`
	Error       string            `json:"error,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

var markerStyles = map[models.VehicleClass]MarkerStyle{
	models.VehiclePickup:   {Color: "#2e7d32", Size: 8},
	models.VehicleBoxTruck: {Color: "#1565c0", Size: 10},
	models.VehicleFlatbed:  {Color: "#ef6c00", Size: 12},
	models.VehicleSemi:     {Color: "#c62828", Size: 14},
}

// StyleFor maps a vehicle class to its marker style.
func StyleFor(v models.VehicleClass) MarkerStyle {
	if s, ok := markerStyles[v]; ok {
		return s
	}
	return MarkerStyle{Color: "#616161", Size: 9}
}

// Build renders a board from the full ticket set of a project. Arrived tickets
// are not shown.
func Build(project models.Project, tickets []models.Ticket, speedMph float64, now time.Time) *Board {
	b := &Board{
		ProjectID:   project.ID,
		Destination: project.Destination,
		Live:        []LiveEntry{},
		Groups:      []Group{},
		Markers:     []Marker{},
		UpdatedAt:   now,
	}
	loc := project.Location()
	byDivision := make(map[string][]models.Ticket)

	for _, t := range tickets {
		if t.ProjectID != project.ID {
			continue
		}
		switch {
		case t.Status == models.StatusClaimedTracking && t.DriverLocation != nil:
			est := eta.Compute(now, *t.DriverLocation, project.Destination, speedMph, t.AnticipatedTime, loc)
			b.Live = append(b.Live, LiveEntry{Ticket: t, DistanceMiles: est.DistanceMiles, ETA: est})
		// a tracking ticket without a fix yet waits with its division
		case t.Status == models.StatusClaimedTracking, t.Status == models.StatusClaimedUntracking, t.Status == models.StatusUnclaimed:
			div := models.NormalizeDivision(t.Division)
			if strings.EqualFold(div, UnspecifiedDivision) {
				div = ""
			}
			byDivision[div] = append(byDivision[div], t)
		}
		if t.DriverLocation != nil && t.Status.Claimed() {
			b.Markers = append(b.Markers, Marker{
				TicketID: t.ID,
				Code:     t.Code,
				Loc:      *t.DriverLocation,
				Status:   t.Status,
				Style:    StyleFor(t.VehicleClass),
			})
		}
	}

	sort.SliceStable(b.Live, func(i, j int) bool {
		if b.Live[i].DistanceMiles != b.Live[j].DistanceMiles {
			return b.Live[i].DistanceMiles < b.Live[j].DistanceMiles
		}
		return b.Live[i].Ticket.ID < b.Live[j].Ticket.ID
	})

	divisions := make([]string, 0, len(byDivision))
	for d := range byDivision {
		divisions = append(divisions, d)
	}
	sort.Slice(divisions, func(i, j int) bool {
		if divisions[i] == "" || divisions[j] == "" {
			return divisions[j] == "" && divisions[i] != ""
		}
		return divisions[i] < divisions[j]
	})
	for _, d := range divisions {
		ts := byDivision[d]
		sort.SliceStable(ts, func(i, j int) bool {
			if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
				return ts[i].CreatedAt.Before(ts[j].CreatedAt)
			}
			return ts[i].ID < ts[j].ID
		})
		name := d
		if name == "" {
			name = UnspecifiedDivision
		}
		b.Groups = append(b.Groups, Group{Division: name, Tickets: ts})
	}

	sort.Slice(b.Markers, func(i, j int) bool { return b.Markers[i].TicketID < b.Markers[j].TicketID })
	return b
}
