// Package ingest turns a device location stream into validated samples for one
// ticket, persists them and runs the geofence evaluator on each accepted fix.
package ingest

import (
	"errors"
	"time"

	"github.com/example/site-logistics/internal/models"
)

var (
	ErrUnsupported      = errors.New("location source unavailable")
	ErrPermissionDenied = errors.New("location permission denied")
	ErrSampleTimeout    = errors.New("no location fix within timeout")
	ErrNoActiveWatch    = errors.New("no active watch for ticket")
	ErrNotClaimed       = errors.New("ticket is not claimed")
	ErrTicketArrived    = errors.New("ticket already arrived")
)

// WatchOptions mirror the device geolocation API knobs.
type WatchOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaxAge       time.Duration
}

// RawSample is a fix as reported by the device.
type RawSample struct {
	Lat         float64  `json:"lat"`
	Lng         float64  `json:"lng"`
	Accuracy    *float64 `json:"accuracy,omitempty"`
	TimestampMs int64    `json:"timestamp_ms,omitempty"`
}

// Source is a device location source. Watch must not invoke the callbacks
// synchronously before returning. Calling cancel more than once is allowed.
type Source interface {
	Watch(ticketID string, opts WatchOptions, onSample func(RawSample), onError func(error)) (cancel func(), err error)
}

// Normalize validates a raw fix. A zero timestamp is stamped with now.
func Normalize(raw RawSample, now time.Time) (models.Sample, bool) {
	loc := models.Coordinate{Lat: raw.Lat, Lng: raw.Lng}
	if !loc.Valid() {
		return models.Sample{}, false
	}
	ts := now
	if raw.TimestampMs > 0 {
		ts = time.UnixMilli(raw.TimestampMs).UTC()
	}
	return models.Sample{Loc: loc, Accuracy: raw.Accuracy, Timestamp: ts}, true
}
