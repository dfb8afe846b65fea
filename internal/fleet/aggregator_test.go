package fleet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/site-logistics/internal/models"
	"github.com/example/site-logistics/internal/storage"
)

var (
	site    = models.Coordinate{Lat: 30.0, Lng: -97.0}
	project = models.Project{ID: "p1", Name: "Tower", Destination: site}
)

func at(miles float64) *models.Coordinate {
	return &models.Coordinate{Lat: site.Lat + miles/69.05, Lng: site.Lng}
}

func tracking(id string, miles float64) models.Ticket {
	return models.Ticket{ID: id, ProjectID: "p1", Destination: site, Status: models.StatusClaimedTracking, DriverLocation: at(miles)}
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *alertRecorder) PublishAlerts(_ string, alerts []Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alerts...)
}

func (r *alertRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestBuildSortsLiveByDistance(t *testing.T) {
	tickets := []models.Ticket{tracking("a", 12.0), tracking("b", 3.5), tracking("c", 8.0)}
	b := Build(project, tickets, 30, time.Now())
	if len(b.Live) != 3 {
		t.Fatalf("expected 3 live entries, got %d", len(b.Live))
	}
	want := []string{"b", "c", "a"}
	for i, id := range want {
		if b.Live[i].Ticket.ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, b.Live[i].Ticket.ID)
		}
	}
	if d := b.Live[0].DistanceMiles; d < 3.45 || d > 3.55 {
		t.Fatalf("unexpected distance %.3f", d)
	}
	if b.Live[0].ETA.Minutes != 7 {
		t.Fatalf("expected 7 minute eta at 30mph, got %d", b.Live[0].ETA.Minutes)
	}
}

func TestBuildBreaksTiesByID(t *testing.T) {
	b := Build(project, []models.Ticket{tracking("z", 5), tracking("m", 5)}, 30, time.Now())
	if b.Live[0].Ticket.ID != "m" {
		t.Fatalf("expected tie broken by id, got %s first", b.Live[0].Ticket.ID)
	}
}

func TestBuildGroupsByDivisionWithUnspecifiedLast(t *testing.T) {
	now := time.Now()
	tickets := []models.Ticket{
		{ID: "1", ProjectID: "p1", Status: models.StatusUnclaimed, Division: "Steel", CreatedAt: now},
		{ID: "2", ProjectID: "p1", Status: models.StatusClaimedUntracking, CreatedAt: now},
		{ID: "3", ProjectID: "p1", Status: models.StatusUnclaimed, Division: " Concrete ", CreatedAt: now},
		{ID: "4", ProjectID: "p1", Status: models.StatusClaimedUntracking, Division: "Concrete", CreatedAt: now.Add(-time.Minute)},
		{ID: "5", ProjectID: "p1", Status: models.StatusArrived, Division: "Concrete", CreatedAt: now},
	}
	b := Build(project, tickets, 30, now)
	var names []string
	for _, g := range b.Groups {
		names = append(names, g.Division)
	}
	want := []string{"Concrete", "Steel", UnspecifiedDivision}
	if len(names) != len(want) {
		t.Fatalf("expected groups %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected groups %v, got %v", want, names)
		}
	}
	concrete := b.Groups[0].Tickets
	if len(concrete) != 2 || concrete[0].ID != "4" || concrete[1].ID != "3" {
		t.Fatalf("unexpected concrete group %+v", concrete)
	}
}

func TestBuildFoldsLiteralUnspecifiedDivision(t *testing.T) {
	now := time.Now()
	tickets := []models.Ticket{
		{ID: "1", ProjectID: "p1", Status: models.StatusUnclaimed, Division: "unspecified", CreatedAt: now},
		{ID: "2", ProjectID: "p1", Status: models.StatusUnclaimed, CreatedAt: now.Add(-time.Minute)},
		{ID: "3", ProjectID: "p1", Status: models.StatusUnclaimed, Division: "Zoning", CreatedAt: now},
	}
	b := Build(project, tickets, 30, now)
	if len(b.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %+v", b.Groups)
	}
	if b.Groups[0].Division != "Zoning" || b.Groups[1].Division != UnspecifiedDivision {
		t.Fatalf("unexpected group order %s, %s", b.Groups[0].Division, b.Groups[1].Division)
	}
	if ts := b.Groups[1].Tickets; len(ts) != 2 || ts[0].ID != "2" || ts[1].ID != "1" {
		t.Fatalf("unexpected unspecified bucket %+v", ts)
	}
}

func TestBuildMeasuresToProjectSite(t *testing.T) {
	tk := tracking("t1", 6)
	tk.Destination = models.Coordinate{Lat: 45, Lng: -120}
	b := Build(project, []models.Ticket{tk}, 30, time.Now())
	if d := b.Live[0].DistanceMiles; d < 5.95 || d > 6.05 {
		t.Fatalf("expected distance to the project site, got %.2f", d)
	}
}

func TestBuildMarkers(t *testing.T) {
	untracked := models.Ticket{ID: "u", ProjectID: "p1", Status: models.StatusClaimedUntracking, DriverLocation: at(2), VehicleClass: models.VehicleSemi}
	noFix := models.Ticket{ID: "n", ProjectID: "p1", Status: models.StatusClaimedUntracking}
	arrived := models.Ticket{ID: "x", ProjectID: "p1", Status: models.StatusArrived, DriverLocation: at(0)}
	live := tracking("t", 4)
	live.VehicleClass = models.VehiclePickup

	b := Build(project, []models.Ticket{untracked, noFix, arrived, live}, 30, time.Now())
	if len(b.Markers) != 2 {
		t.Fatalf("expected 2 markers, got %+v", b.Markers)
	}
	if b.Markers[0].TicketID != "t" || b.Markers[0].Style != StyleFor(models.VehiclePickup) {
		t.Fatalf("unexpected marker %+v", b.Markers[0])
	}
	if b.Markers[1].TicketID != "u" || b.Markers[1].Style != StyleFor(models.VehicleSemi) {
		t.Fatalf("unexpected marker %+v", b.Markers[1])
	}
	if StyleFor(models.VehicleUnknown) == StyleFor(models.VehicleSemi) {
		t.Fatal("unknown vehicles should use the default style")
	}
}

func seeded(t *testing.T, tickets ...models.Ticket) *storage.MemoryStore {
	t.Helper()
	s := storage.NewMemoryStore()
	ctx := context.Background()
	if err := s.CreateProject(ctx, &project); err != nil {
		t.Fatal(err)
	}
	for i := range tickets {
		if err := s.CreateTicket(ctx, &tickets[i]); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestObserveSameSnapshotTwiceDoesNotDuplicate(t *testing.T) {
	tk := tracking("t1", 20)
	tk.Code = "ABC123"
	tk.RequiresEquipment = true
	tk.Alerts = models.AlertLog{models.TierFar: models.AlertFired}
	store := seeded(t, tk)
	rec := &alertRecorder{}
	agg := NewAggregator(store, 30, quietLogger())
	agg.Alerts = []AlertSink{rec}

	snap := storage.Snapshot{Tickets: []models.Ticket{tk}, At: time.Now()}
	_, first := agg.Observe(context.Background(), project, snap)
	_, second := agg.Observe(context.Background(), project, snap)

	if len(first) != 1 || len(second) != 0 {
		t.Fatalf("expected one alert then none, got %d and %d", len(first), len(second))
	}
	if first[0].Message != "30 MIN OUT - FORKLIFT NEEDED" {
		t.Fatalf("unexpected message %q", first[0].Message)
	}
	if n := len(agg.Feed("p1")); n != 1 {
		t.Fatalf("expected feed of 1, got %d", n)
	}
	if rec.count() != 1 {
		t.Fatalf("expected sink to see 1 alert, got %d", rec.count())
	}
	stored, _ := store.GetTicket(context.Background(), "t1")
	if !stored.Shown30() || !stored.Notified30() {
		t.Fatalf("expected far alert acknowledged in store, got %+v", stored.Alerts)
	}
}

func TestObserveNewClaimEpisodeSurfacesAgain(t *testing.T) {
	first := time.Now().Add(-time.Hour)
	tk := tracking("t1", 20)
	tk.ClaimedAt = &first
	tk.Alerts = models.AlertLog{models.TierFar: models.AlertFired}
	agg := NewAggregator(seeded(t, tk), 30, quietLogger())
	agg.Observe(context.Background(), project, storage.Snapshot{Tickets: []models.Ticket{tk}})

	again := time.Now()
	tk.ClaimedAt = &again
	_, fresh := agg.Observe(context.Background(), project, storage.Snapshot{Tickets: []models.Ticket{tk}})
	if len(fresh) != 1 {
		t.Fatalf("expected the new episode to surface, got %d", len(fresh))
	}
}

func TestObserveForgetsAcknowledgedArrivals(t *testing.T) {
	claimed := time.Now().Add(-time.Hour)
	tk := tracking("t1", 20)
	tk.ClaimedAt = &claimed
	tk.Alerts = models.AlertLog{models.TierFar: models.AlertFired}
	agg := NewAggregator(seeded(t, tk), 30, quietLogger())
	agg.Observe(context.Background(), project, storage.Snapshot{Tickets: []models.Ticket{tk}})
	if len(agg.acked) != 1 {
		t.Fatalf("expected one tracked ticket, got %d", len(agg.acked))
	}

	// the arriving sample fired near after far was acknowledged
	tk.Status = models.StatusArrived
	tk.Alerts = models.AlertLog{models.TierFar: models.AlertAcknowledged, models.TierNear: models.AlertFired}
	_, fresh := agg.Observe(context.Background(), project, storage.Snapshot{Tickets: []models.Ticket{tk}})
	if len(fresh) != 1 || fresh[0].Tier != models.TierNear {
		t.Fatalf("expected the near alert to surface on arrival, got %+v", fresh)
	}
	if len(agg.acked) != 1 {
		t.Fatal("pending alerts must keep the ticket tracked")
	}

	tk.Alerts = models.AlertLog{models.TierFar: models.AlertAcknowledged, models.TierNear: models.AlertAcknowledged}
	_, fresh = agg.Observe(context.Background(), project, storage.Snapshot{Tickets: []models.Ticket{tk}})
	if len(fresh) != 0 {
		t.Fatalf("nothing should surface, got %+v", fresh)
	}
	if len(agg.acked) != 0 {
		t.Fatalf("expected arrived ticket to be forgotten, got %d entries", len(agg.acked))
	}
}

func TestObserveDegradedKeepsStaleBoard(t *testing.T) {
	agg := NewAggregator(seeded(t), 30, quietLogger())
	agg.Observe(context.Background(), project, storage.Snapshot{Tickets: []models.Ticket{tracking("t1", 9)}})

	b, _ := agg.Observe(context.Background(), project, storage.Snapshot{Err: errors.New("listener lost")})
	if !b.Degraded || b.Error == "" {
		t.Fatalf("expected degraded board, got %+v", b)
	}
	if len(b.Live) != 1 || b.Live[0].Ticket.ID != "t1" {
		t.Fatalf("expected stale live data retained, got %+v", b.Live)
	}

	b, _ = agg.Observe(context.Background(), project, storage.Snapshot{Tickets: nil})
	if b.Degraded {
		t.Fatal("a good snapshot should clear the degraded flag")
	}
}

func TestRunFollowsStore(t *testing.T) {
	store := seeded(t, models.Ticket{ID: "t1", ProjectID: "p1", Destination: site, Status: models.StatusClaimedUntracking})
	rec := &alertRecorder{}
	agg := NewAggregator(store, 30, quietLogger())
	agg.Alerts = []AlertSink{rec}
	t.Cleanup(agg.Close)

	if err := agg.Ensure("p1"); err != nil {
		t.Fatal(err)
	}
	if err := agg.Ensure("p1"); err != nil {
		t.Fatal(err)
	}
	if err := agg.Ensure("missing"); !errors.Is(err, storage.ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}

	tracked := models.StatusClaimedTracking
	if _, err := store.UpdateTicket(context.Background(), "t1", storage.Patch{
		Status:         &tracked,
		DriverLocation: at(12),
		Alerts:         models.AlertLog{models.TierFar: models.AlertFired, models.TierNear: models.AlertFired},
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b, ok := agg.Board("p1")
		if ok && len(b.Live) == 1 && rec.count() == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	b, ok := agg.Board("p1")
	if !ok || len(b.Live) != 1 {
		t.Fatalf("board not updated from the change feed: %+v", b)
	}
	if rec.count() != 2 {
		t.Fatalf("expected 2 alerts surfaced, got %d", rec.count())
	}
	// the acknowledgement writes feed back through the subscription without re-surfacing
	time.Sleep(30 * time.Millisecond)
	if rec.count() != 2 {
		t.Fatalf("alerts duplicated after acknowledgement: %d", rec.count())
	}
}

func TestCurrentBuildsWithoutFeed(t *testing.T) {
	agg := NewAggregator(seeded(t, tracking("t1", 3)), 30, quietLogger())
	b, err := agg.Current(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Live) != 1 {
		t.Fatalf("expected one live ticket, got %+v", b)
	}
	if _, err := agg.Current(context.Background(), "nope"); !errors.Is(err, storage.ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}
