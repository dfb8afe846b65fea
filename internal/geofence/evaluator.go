// Package geofence classifies a driver's distance from the job site into alert
// tiers and decides when a delivery has arrived.
package geofence

import (
	"fmt"
	"time"

	"github.com/example/site-logistics/internal/geo"
	"github.com/example/site-logistics/internal/models"
)

type Config struct {
	FarMiles     float64
	NearMiles    float64
	FinalMiles   float64
	ArrivalMiles float64

	// Retroactive fires outer tiers that were skipped when the first sample
	// (or a jump) lands inside an inner band.
	Retroactive bool
	// ArriveOnFinalTier treats entering the final band as arrival. When false the
	// final band raises a one-shot alert and only ArrivalMiles marks arrival.
	ArriveOnFinalTier bool
}

func DefaultConfig() Config {
	return Config{
		FarMiles:          30,
		NearMiles:         15,
		FinalMiles:        5,
		ArrivalMiles:      0.03,
		Retroactive:       true,
		ArriveOnFinalTier: true,
	}
}

func (c Config) Validate() error {
	if !(c.FarMiles > c.NearMiles && c.NearMiles > c.FinalMiles && c.FinalMiles > 0) {
		return fmt.Errorf("tier thresholds must be strictly descending and positive: far=%v near=%v final=%v", c.FarMiles, c.NearMiles, c.FinalMiles)
	}
	if c.ArrivalMiles < 0 {
		return fmt.Errorf("arrival threshold must be >= 0: %v", c.ArrivalMiles)
	}
	return nil
}

type EventKind string

const (
	EventAlert   EventKind = "alert"
	EventArrived EventKind = "arrived"
)

type Event struct {
	Kind          EventKind   `json:"kind"`
	TicketID      string      `json:"ticket_id"`
	ProjectID     string      `json:"project_id"`
	Tier          models.Tier `json:"tier,omitempty"`
	Message       string      `json:"message"`
	DistanceMiles float64     `json:"distance_mi"`
	At            time.Time   `json:"at"`
}

type Evaluator struct {
	cfg Config
}

func New(cfg Config) *Evaluator { return &Evaluator{cfg: cfg} }

func (e *Evaluator) Config() Config { return e.cfg }

// Classify returns the innermost tier containing d, or "" outside every band.
func (e *Evaluator) Classify(d float64) models.Tier {
	switch {
	case d < e.cfg.FinalMiles:
		return models.TierFinal
	case d < e.cfg.NearMiles:
		return models.TierNear
	case d < e.cfg.FarMiles:
		return models.TierFar
	}
	return ""
}

// Evaluate applies one sample to the ticket's geofence state. It never mutates t;
// the returned ticket carries the updated alert log and, on arrival, the arrived status.
func (e *Evaluator) Evaluate(t models.Ticket, s models.Sample, dest models.Coordinate) (models.Ticket, []Event) {
	out := t.Clone()
	if out.Status == models.StatusArrived || !s.Loc.Valid() {
		return out, nil
	}
	if out.Alerts == nil {
		out.Alerts = models.AlertLog{}
	}

	d := geo.DistanceMiles(s.Loc, dest)
	at := s.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	var events []Event
	for _, tier := range e.alertTiers() {
		if out.Alerts.Fired(tier) || !e.inBand(tier, d) {
			continue
		}
		out.Alerts[tier] = models.AlertFired
		events = append(events, Event{
			Kind:          EventAlert,
			TicketID:      out.ID,
			ProjectID:     out.ProjectID,
			Tier:          tier,
			Message:       Message(tier, out),
			DistanceMiles: d,
			At:            at,
		})
	}

	arrived := d < e.cfg.ArrivalMiles || (e.cfg.ArriveOnFinalTier && d < e.cfg.FinalMiles)
	if arrived && out.Status.CanTransition(models.StatusArrived) {
		out.Status = models.StatusArrived
		out.ArrivedAt = &at
		events = append(events, Event{
			Kind:          EventArrived,
			TicketID:      out.ID,
			ProjectID:     out.ProjectID,
			Tier:          models.TierFinal,
			Message:       Message(models.TierFinal, out),
			DistanceMiles: d,
			At:            at,
		})
	}
	return out, events
}

func (e *Evaluator) alertTiers() []models.Tier {
	if e.cfg.ArriveOnFinalTier {
		return []models.Tier{models.TierFar, models.TierNear}
	}
	return models.Tiers
}

// inBand reports whether d should fire tier. With retroactive firing every band
// is open-ended towards the site.
func (e *Evaluator) inBand(tier models.Tier, d float64) bool {
	var outer, inner float64
	switch tier {
	case models.TierFar:
		outer, inner = e.cfg.FarMiles, e.cfg.NearMiles
	case models.TierNear:
		outer, inner = e.cfg.NearMiles, e.cfg.FinalMiles
	case models.TierFinal:
		outer, inner = e.cfg.FinalMiles, 0
	default:
		return false
	}
	if d >= outer {
		return false
	}
	return e.cfg.Retroactive || d >= inner
}

// Message is the dispatcher-facing text for a tier alert on t.
func Message(tier models.Tier, t models.Ticket) string {
	switch tier {
	case models.TierFar:
		if t.RequiresEquipment {
			return "30 MIN OUT - FORKLIFT NEEDED"
		}
		return "30 MIN OUT"
	case models.TierNear:
		return "15 MIN OUT - PREPARE UNLOAD"
	case models.TierFinal:
		return "5 MIN OUT / ARRIVED"
	}
	return ""
}
