package models

import (
	"math"
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusUnclaimed, StatusClaimedUntracking, true},
		{StatusUnclaimed, StatusClaimedTracking, false},
		{StatusUnclaimed, StatusArrived, false},
		{StatusClaimedUntracking, StatusClaimedTracking, true},
		{StatusClaimedUntracking, StatusArrived, true},
		{StatusClaimedTracking, StatusClaimedUntracking, true},
		{StatusClaimedTracking, StatusArrived, true},
		{StatusArrived, StatusClaimedTracking, false},
		{StatusArrived, StatusUnclaimed, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("%s -> %s: expected %v, got %v", c.from, c.to, c.ok, got)
		}
	}
}

func TestCoordinateValid(t *testing.T) {
	if !(Coordinate{Lat: 30.2672, Lng: -97.7431}).Valid() {
		t.Fatal("expected Austin to be valid")
	}
	if !(Coordinate{Lat: 90, Lng: -180}).Valid() {
		t.Fatal("boundary coordinate should be valid")
	}
	bad := []Coordinate{
		{Lat: 91, Lng: 0},
		{Lat: 0, Lng: -181},
		{Lat: math.NaN(), Lng: 0},
		{Lat: 0, Lng: math.Inf(1)},
	}
	for _, c := range bad {
		if c.Valid() {
			t.Errorf("expected %+v to be invalid", c)
		}
	}
}

func TestAlertLogStates(t *testing.T) {
	var l AlertLog
	if l.Fired(TierFar) || l.Pending(TierFar) {
		t.Fatal("nil log should report nothing fired")
	}
	l = AlertLog{TierFar: AlertFired, TierNear: AlertAcknowledged}
	if !l.Pending(TierFar) || l.Pending(TierNear) || !l.Fired(TierNear) {
		t.Fatalf("unexpected states %+v", l)
	}
	tk := Ticket{Alerts: l}
	if !tk.Notified30() || tk.Shown30() || !tk.Shown5() {
		t.Fatalf("unexpected derived flags for %+v", l)
	}
}

func TestTicketCloneDoesNotAlias(t *testing.T) {
	now := time.Now()
	orig := Ticket{
		ID:             "t1",
		DriverLocation: &Coordinate{Lat: 1, Lng: 2},
		Alerts:         AlertLog{TierFar: AlertFired},
		ClaimedAt:      &now,
	}
	c := orig.Clone()
	c.DriverLocation.Lat = 9
	c.Alerts[TierNear] = AlertFired
	*c.ClaimedAt = now.Add(time.Hour)

	if orig.DriverLocation.Lat != 1 {
		t.Fatal("location aliased")
	}
	if orig.Alerts.Fired(TierNear) {
		t.Fatal("alert log aliased")
	}
	if !orig.ClaimedAt.Equal(now) {
		t.Fatal("claimed_at aliased")
	}
}

func TestNormalizeDivision(t *testing.T) {
	if NormalizeDivision("  Steel ") != "Steel" || NormalizeDivision("   ") != "" {
		t.Fatal("unexpected normalization")
	}
}
