package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether both components are finite and inside the WGS84 ranges.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

func (c Coordinate) String() string { return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng) }

// Sample is one normalized device fix.
type Sample struct {
	Loc       Coordinate `json:"loc"`
	Accuracy  *float64   `json:"accuracy,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type Status string

const (
	StatusUnclaimed         Status = "unclaimed"
	StatusClaimedUntracking Status = "claimed-untracking"
	StatusClaimedTracking   Status = "claimed-tracking"
	StatusArrived           Status = "arrived"
)

var transitions = map[Status][]Status{
	StatusUnclaimed:         {StatusClaimedUntracking},
	StatusClaimedUntracking: {StatusClaimedTracking, StatusArrived},
	StatusClaimedTracking:   {StatusClaimedUntracking, StatusArrived},
}

func (s Status) Valid() bool {
	switch s {
	case StatusUnclaimed, StatusClaimedUntracking, StatusClaimedTracking, StatusArrived:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is an allowed lifecycle step.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Claimed() bool {
	return s == StatusClaimedUntracking || s == StatusClaimedTracking
}

type VehicleClass string

const (
	VehicleUnknown  VehicleClass = ""
	VehiclePickup   VehicleClass = "pickup"
	VehicleBoxTruck VehicleClass = "box-truck"
	VehicleFlatbed  VehicleClass = "flatbed"
	VehicleSemi     VehicleClass = "semi"
)

func (v VehicleClass) Valid() bool {
	switch v {
	case VehicleUnknown, VehiclePickup, VehicleBoxTruck, VehicleFlatbed, VehicleSemi:
		return true
	}
	return false
}

// Tier identifies a geofence distance band around the destination.
type Tier string

const (
	TierFar   Tier = "far"
	TierNear  Tier = "near"
	TierFinal Tier = "final"
)

// Tiers lists every geofence tier, outermost first.
var Tiers = []Tier{TierFar, TierNear, TierFinal}

type AlertState string

const (
	AlertNotFired     AlertState = "not-fired"
	AlertFired        AlertState = "fired"
	AlertAcknowledged AlertState = "acknowledged"
)

// AlertLog records, per tier, whether the alert fired and whether a dispatcher view surfaced it.
type AlertLog map[Tier]AlertState

func (l AlertLog) State(t Tier) AlertState {
	if s, ok := l[t]; ok {
		return s
	}
	return AlertNotFired
}

func (l AlertLog) Fired(t Tier) bool { return l.State(t) != AlertNotFired }

// Pending reports a fired alert that has not been acknowledged yet.
func (l AlertLog) Pending(t Tier) bool { return l.State(t) == AlertFired }

func (l AlertLog) Clone() AlertLog {
	out := make(AlertLog, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

type Project struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Address     string     `json:"address"`
	Destination Coordinate `json:"destination"`
	Timezone    string     `json:"timezone"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Location resolves the project's timezone, falling back to UTC.
func (p Project) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Ticket struct {
	ID                string       `json:"id"`
	Code              string       `json:"code"`
	ProjectID         string       `json:"project_id"`
	Material          string       `json:"material"`
	Quantity          string       `json:"quantity"`
	Division          string       `json:"division,omitempty"`
	VehicleClass      VehicleClass `json:"vehicle_class,omitempty"`
	RequiresEquipment bool         `json:"requires_equipment"`
	Destination       Coordinate   `json:"destination"`
	Status            Status       `json:"status"`
	DriverLocation    *Coordinate  `json:"driver_location,omitempty"`
	Alerts            AlertLog     `json:"alerts"`
	AnticipatedTime   *TimeOfDay   `json:"anticipated_time,omitempty"`
	ClaimedBy         string       `json:"claimed_by,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	ClaimedAt         *time.Time   `json:"claimed_at,omitempty"`
	ArrivedAt         *time.Time   `json:"arrived_at,omitempty"`
	LastUpdate        *time.Time   `json:"last_update,omitempty"`
}

// Notified30 and Notified5 are the legacy one-shot flags, derived from the alert log.
func (t Ticket) Notified30() bool { return t.Alerts.Fired(TierFar) }
func (t Ticket) Notified5() bool  { return t.Alerts.Fired(TierNear) }
func (t Ticket) Shown30() bool    { return t.Alerts.State(TierFar) == AlertAcknowledged }
func (t Ticket) Shown5() bool     { return t.Alerts.State(TierNear) == AlertAcknowledged }

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (t Ticket) Clone() Ticket {
	out := t
	if t.DriverLocation != nil {
		c := *t.DriverLocation
		out.DriverLocation = &c
	}
	if t.AnticipatedTime != nil {
		tod := *t.AnticipatedTime
		out.AnticipatedTime = &tod
	}
	out.ClaimedAt = cloneTime(t.ClaimedAt)
	out.ArrivedAt = cloneTime(t.ArrivedAt)
	out.LastUpdate = cloneTime(t.LastUpdate)
	out.Alerts = t.Alerts.Clone()
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// NormalizeDivision maps blank divisions to the empty sentinel.
func NormalizeDivision(d string) string { return strings.TrimSpace(d) }
