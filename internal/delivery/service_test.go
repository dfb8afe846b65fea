package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/site-logistics/internal/eta"
	"github.com/example/site-logistics/internal/geofence"
	"github.com/example/site-logistics/internal/ingest"
	"github.com/example/site-logistics/internal/models"
	"github.com/example/site-logistics/internal/storage"
)

var site = models.Coordinate{Lat: 30.0, Lng: -97.0}

func newService(t *testing.T) (*Service, *storage.MemoryStore, *models.Project) {
	t.Helper()
	store := storage.NewMemoryStore()
	svc := &Service{Store: store, SpeedMph: 30, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	p, err := svc.CreateProject(context.Background(), NewProject{Name: "Tower", Destination: site, Timezone: "UTC"})
	if err != nil {
		t.Fatal(err)
	}
	return svc, store, p
}

func TestCreateProjectValidates(t *testing.T) {
	svc, _, _ := newService(t)
	if _, err := svc.CreateProject(context.Background(), NewProject{Destination: models.Coordinate{Lat: 91}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.CreateProject(context.Background(), NewProject{Destination: site, Timezone: "Mars/Olympus"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for timezone, got %v", err)
	}
}

func TestCreateTicket(t *testing.T) {
	svc, _, p := newService(t)
	tk, err := svc.CreateTicket(context.Background(), NewTicket{
		ProjectID:       p.ID,
		Material:        "Rebar #5",
		Division:        "  Concrete ",
		VehicleClass:    models.VehicleFlatbed,
		AnticipatedTime: "10:30 AM",
	})
	if err != nil {
		t.Fatal(err)
	}
	if tk.Status != models.StatusUnclaimed || len(tk.Code) != codeLength || tk.Division != "Concrete" {
		t.Fatalf("unexpected ticket %+v", tk)
	}
	if tk.Destination != site {
		t.Fatalf("expected project destination, got %v", tk.Destination)
	}
	if tk.AnticipatedTime == nil || tk.AnticipatedTime.Hour != 10 || tk.AnticipatedTime.Minute != 30 {
		t.Fatalf("unexpected anticipated time %+v", tk.AnticipatedTime)
	}
	byCode, err := svc.GetTicketByCode(context.Background(), " "+tk.Code+" ")
	if err != nil || byCode.ID != tk.ID {
		t.Fatalf("lookup by code failed: %v %+v", err, byCode)
	}
}

func TestCreateTicketRejectsBadInput(t *testing.T) {
	svc, _, p := newService(t)
	cases := []NewTicket{
		{ProjectID: p.ID, AnticipatedTime: "25:00 PM"},
		{ProjectID: p.ID, VehicleClass: "spaceship"},
	}
	for _, in := range cases {
		if _, err := svc.CreateTicket(context.Background(), in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for %+v, got %v", in, err)
		}
	}
	if _, err := svc.CreateTicket(context.Background(), NewTicket{ProjectID: "nope"}); !errors.Is(err, storage.ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}

func TestClaimTicket(t *testing.T) {
	svc, _, p := newService(t)
	tk, _ := svc.CreateTicket(context.Background(), NewTicket{ProjectID: p.ID})

	claimed, err := svc.ClaimTicket(context.Background(), tk.ID, "driver-7")
	if err != nil {
		t.Fatal(err)
	}
	if claimed.Status != models.StatusClaimedUntracking || claimed.ClaimedAt == nil || claimed.ClaimedBy != "driver-7" {
		t.Fatalf("unexpected claimed ticket %+v", claimed)
	}
	if claimed.DriverLocation != nil {
		t.Fatal("claiming must not set a driver location")
	}
	if _, err := svc.ClaimTicket(context.Background(), tk.ID, "driver-8"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on re-claim, got %v", err)
	}
	if _, err := svc.ClaimTicket(context.Background(), "missing", "x"); !errors.Is(err, storage.ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
}

type stopRecorder struct{ stopped []string }

func (s *stopRecorder) StopTicket(id string) bool {
	s.stopped = append(s.stopped, id)
	return true
}

func TestConfirmArrival(t *testing.T) {
	svc, _, p := newService(t)
	stops := &stopRecorder{}
	svc.Watches = stops
	tk, _ := svc.CreateTicket(context.Background(), NewTicket{ProjectID: p.ID})

	if _, err := svc.ConfirmArrival(context.Background(), tk.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for unclaimed, got %v", err)
	}
	_, _ = svc.ClaimTicket(context.Background(), tk.ID, "d")
	arrived, err := svc.ConfirmArrival(context.Background(), tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if arrived.Status != models.StatusArrived || arrived.ArrivedAt == nil {
		t.Fatalf("unexpected ticket %+v", arrived)
	}
	if len(stops.stopped) != 1 || stops.stopped[0] != tk.ID {
		t.Fatalf("expected the watch to be stopped, got %v", stops.stopped)
	}
	again, err := svc.ConfirmArrival(context.Background(), tk.ID)
	if err != nil || !again.ArrivedAt.Equal(*arrived.ArrivedAt) {
		t.Fatalf("second confirmation should be a no-op: %v %+v", err, again)
	}
}

func TestTicketETA(t *testing.T) {
	svc, store, p := newService(t)
	tk, _ := svc.CreateTicket(context.Background(), NewTicket{ProjectID: p.ID, AnticipatedTime: "9:00 AM"})
	if _, err := svc.TicketETA(context.Background(), tk.ID); !errors.Is(err, ErrNoLocation) {
		t.Fatalf("expected ErrNoLocation, got %v", err)
	}
	loc := models.Coordinate{Lat: site.Lat + 15/69.05, Lng: site.Lng}
	if _, err := store.UpdateTicket(context.Background(), tk.ID, storage.Patch{DriverLocation: &loc}); err != nil {
		t.Fatal(err)
	}
	est, err := svc.TicketETA(context.Background(), tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if est.Minutes != 30 {
		t.Fatalf("expected 30 minutes for 15mi at 30mph, got %d", est.Minutes)
	}
	if est.DelayMinutes == nil || est.Delay == "" {
		t.Fatalf("expected a delay with an anticipated time, got %+v", est)
	}
	if est.Delay != eta.Tier(*est.DelayMinutes) {
		t.Fatalf("delay tier %s does not match %d minutes", est.Delay, *est.DelayMinutes)
	}
}

func TestClaimThenFirstSample(t *testing.T) {
	svc, store, p := newService(t)
	tk, _ := svc.CreateTicket(context.Background(), NewTicket{ProjectID: p.ID})

	unclaimed, _ := store.ListTickets(context.Background(), storage.Query{ProjectID: p.ID, Statuses: []models.Status{models.StatusUnclaimed}})
	if len(unclaimed) != 1 {
		t.Fatalf("expected ticket in the unclaimed bucket, got %d", len(unclaimed))
	}
	if _, err := svc.ClaimTicket(context.Background(), tk.ID, "d"); err != nil {
		t.Fatal(err)
	}
	waiting, _ := store.ListTickets(context.Background(), storage.Query{ProjectID: p.ID, Statuses: []models.Status{models.StatusClaimedUntracking}})
	if len(waiting) != 1 || waiting[0].DriverLocation != nil {
		t.Fatalf("expected ticket waiting without a location, got %+v", waiting)
	}

	hub := ingest.NewHub()
	tr := &ingest.Tracker{Source: hub, Store: store, Evaluator: geofence.New(geofence.DefaultConfig()), Logger: svc.Logger}
	t.Cleanup(tr.Close)
	if _, err := tr.StartWatch(context.Background(), tk.ID); err != nil {
		t.Fatal(err)
	}
	if err := hub.Push(tk.ID, ingest.RawSample{Lat: site.Lat + 40/69.05, Lng: site.Lng}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got *models.Ticket
	for time.Now().Before(deadline) {
		got, _ = store.GetTicket(context.Background(), tk.ID)
		if got.Status == models.StatusClaimedTracking {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got.Status != models.StatusClaimedTracking || got.DriverLocation == nil {
		t.Fatalf("expected tracking with a location, got %+v", got)
	}
}
