package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/site-logistics/internal/ingest"
	"github.com/example/site-logistics/internal/models"
)

// fakeWriter implements GeoWriter for tests
type fakeWriter struct {
	failUpsert  int // number of times to fail Upsert before succeeding
	upsertCalls int
	removeCalls int
}

func (f *fakeWriter) Upsert(projectID, ticketID string, loc models.Coordinate) error {
	f.upsertCalls++
	if f.upsertCalls <= f.failUpsert {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeWriter) Remove(projectID, ticketID string) error {
	f.removeCalls++
	return nil
}

func msg(status models.Status) ingest.LocationMessage {
	return ingest.LocationMessage{TicketID: "t1", ProjectID: "p1", Loc: models.Coordinate{Lat: 1, Lng: 2}, Status: status}
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeWriter{failUpsert: 2}
	start := time.Now()
	if err := applyWithRetry(context.Background(), f, msg(models.StatusClaimedTracking), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.upsertCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.upsertCalls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected backoff between attempts")
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeWriter{failUpsert: 5}
	if err := applyWithRetry(context.Background(), f, msg(models.StatusClaimedTracking), 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.upsertCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.upsertCalls)
	}
}

func TestApplyWithRetry_NonTrackingRemoves(t *testing.T) {
	for _, status := range []models.Status{models.StatusArrived, models.StatusClaimedUntracking} {
		f := &fakeWriter{}
		if err := applyWithRetry(context.Background(), f, msg(status), 3, time.Millisecond); err != nil {
			t.Fatal(err)
		}
		if f.removeCalls != 1 || f.upsertCalls != 0 {
			t.Fatalf("%s: expected a removal, got upserts=%d removes=%d", status, f.upsertCalls, f.removeCalls)
		}
	}
}

func TestApplyWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeWriter{failUpsert: 10}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := applyWithRetry(ctx, f, msg(models.StatusClaimedTracking), 5, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDecodeLocation(t *testing.T) {
	if _, err := decodeLocation([]byte(`{"ticket_id":"t1","project_id":"p1","loc":{"lat":30,"lng":-97},"status":"claimed-tracking"}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := decodeLocation([]byte(`{"ticket_id":"t1","project_id":"p1","loc":{"lat":95,"lng":0}}`)); !errors.Is(err, errBadLocation) {
		t.Fatalf("expected errBadLocation, got %v", err)
	}
	if _, err := decodeLocation([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}
