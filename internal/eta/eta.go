package eta

import (
	"math"
	"time"

	"github.com/example/site-logistics/internal/geo"
	"github.com/example/site-logistics/internal/models"
)

// DefaultSpeedMph is the flat average road speed used for straight-line ETAs.
const DefaultSpeedMph = 30.0

// SevereDelayMinutes is the lateness beyond which a delivery is flagged severe.
const SevereDelayMinutes = 15

type DelayTier string

const (
	DelayOnTime DelayTier = "on-time"
	DelayBehind DelayTier = "behind"
	DelaySevere DelayTier = "severe"
)

// Estimate is a straight-line arrival estimate. It is not a routing result.
type Estimate struct {
	DistanceMiles float64   `json:"distance_mi"`
	Minutes       int       `json:"eta_minutes"`
	ExpectedAt    time.Time `json:"expected_at"`
	DelayMinutes  *int      `json:"delay_minutes,omitempty"`
	Delay         DelayTier `json:"delay,omitempty"`
}

// Minutes converts a distance into whole minutes at speedMph.
func Minutes(distanceMiles, speedMph float64) int {
	if speedMph <= 0 {
		speedMph = DefaultSpeedMph
	}
	if distanceMiles <= 0 {
		return 0
	}
	return int(math.Round(distanceMiles / speedMph * 60))
}

// Delay compares the projected arrival against the anticipated wall-clock time.
// Positive minutes mean late. The comparison wraps around midnight so a 11:50 PM
// target is not read as almost a day early at 12:10 AM.
func Delay(now time.Time, etaMinutes int, anticipated models.TimeOfDay, loc *time.Location) (int, DelayTier) {
	if loc == nil {
		loc = time.UTC
	}
	expected := now.Add(time.Duration(etaMinutes) * time.Minute)
	target := anticipated.On(now, loc)
	diff := expected.Sub(target)
	switch {
	case diff > 12*time.Hour:
		diff -= 24 * time.Hour
	case diff < -12*time.Hour:
		diff += 24 * time.Hour
	}
	late := int(math.Round(diff.Minutes()))
	return late, Tier(late)
}

func Tier(lateMinutes int) DelayTier {
	switch {
	case lateMinutes > SevereDelayMinutes:
		return DelaySevere
	case lateMinutes > 0:
		return DelayBehind
	default:
		return DelayOnTime
	}
}

// Compute builds an Estimate from a position to a destination.
// anticipated may be nil, in which case no delay is reported.
func Compute(now time.Time, from, to models.Coordinate, speedMph float64, anticipated *models.TimeOfDay, loc *time.Location) Estimate {
	d := geo.DistanceMiles(from, to)
	mins := Minutes(d, speedMph)
	e := Estimate{
		DistanceMiles: d,
		Minutes:       mins,
		ExpectedAt:    now.Add(time.Duration(mins) * time.Minute),
	}
	if anticipated != nil {
		late, tier := Delay(now, mins, *anticipated, loc)
		e.DelayMinutes = &late
		e.Delay = tier
	}
	return e
}
