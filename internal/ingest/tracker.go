package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/site-logistics/internal/geo"
	"github.com/example/site-logistics/internal/geofence"
	"github.com/example/site-logistics/internal/models"
	"github.com/example/site-logistics/internal/observability"
	"github.com/example/site-logistics/internal/storage"
)

const (
	defaultQueueSize = 16
	writeTimeout     = 5 * time.Second
)

// LocationMirror receives every accepted sample after it has been persisted, in
// order per watch, followed by one closing message carrying the final status.
type LocationMirror interface {
	PublishLocation(msg LocationMessage) error
}

// EventSink receives geofence events produced by a watch.
type EventSink interface {
	Publish(events []geofence.Event)
}

// LocationMessage is the mirrored form of an accepted sample.
type LocationMessage struct {
	TicketID  string            `json:"ticket_id"`
	ProjectID string            `json:"project_id"`
	Loc       models.Coordinate `json:"loc"`
	Status    models.Status     `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
}

// Tracker owns the live watches of one process. At most one watch per ticket is active.
type Tracker struct {
	Source    Source
	Store     storage.Store
	Evaluator *geofence.Evaluator
	Locator   geo.Locator    // optional
	Mirror    LocationMirror // optional
	Sink      EventSink      // optional
	Logger    *slog.Logger
	Watch     WatchOptions
	QueueSize int

	mu     sync.Mutex
	active map[string]*Handle
}

// StartWatch begins tracking ticketID. Starting a ticket that already has an active
// watch returns the existing handle.
func (t *Tracker) StartWatch(ctx context.Context, ticketID string) (*Handle, error) {
	if t.Source == nil {
		return nil, ErrUnsupported
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		t.active = make(map[string]*Handle)
	}
	if h, ok := t.active[ticketID]; ok && h.Active() {
		return h, nil
	}

	tk, err := t.Store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("start watch %s: %w", ticketID, err)
	}
	switch tk.Status {
	case models.StatusUnclaimed:
		return nil, ErrNotClaimed
	case models.StatusArrived:
		return nil, ErrTicketArrived
	}

	size := t.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	h := &Handle{
		TicketID: ticketID,
		tracker:  t,
		ticket:   *tk,
		queue:    make(chan models.Sample, size),
		errs:     make(chan error, 4),
		done:     make(chan struct{}),
		logger:   t.logger().With("ticket_id", ticketID, "project_id", tk.ProjectID),
	}
	if t.Mirror != nil {
		h.mirror = make(chan LocationMessage, 2*size)
	}
	cancel, err := t.Source.Watch(ticketID, t.Watch, h.onSample, h.onError)
	if err != nil {
		return nil, err
	}
	h.cancelSource = cancel
	t.active[ticketID] = h
	observability.ActiveWatches.Inc()
	if h.mirror != nil {
		go h.drainMirror()
	}
	go h.loop()
	h.logger.Info("watch started")
	return h, nil
}

// StopWatch cancels h. It is safe to call repeatedly or with a stopped handle.
func (t *Tracker) StopWatch(h *Handle) {
	if h == nil {
		return
	}
	h.Stop()
}

// StopTicket stops the active watch for ticketID, if any.
func (t *Tracker) StopTicket(ticketID string) bool {
	h, ok := t.Lookup(ticketID)
	if !ok {
		return false
	}
	h.Stop()
	return true
}

func (t *Tracker) Lookup(ticketID string) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.active[ticketID]
	if !ok || !h.Active() {
		return nil, false
	}
	return h, true
}

// Close stops every active watch.
func (t *Tracker) Close() {
	t.mu.Lock()
	handles := make([]*Handle, 0, len(t.active))
	for _, h := range t.active {
		handles = append(handles, h)
	}
	t.mu.Unlock()
	for _, h := range handles {
		h.Stop()
	}
}

func (t *Tracker) release(h *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.active[h.TicketID]; ok && cur == h {
		delete(t.active, h.TicketID)
	}
}

func (t *Tracker) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

type handleState int

const (
	stateActive handleState = iota
	stateCancelled
)

// Handle is one watch session. The event loop goroutine owns ticket; mu serializes
// store writes against Stop so no write starts once Stop has returned.
type Handle struct {
	TicketID string

	tracker      *Tracker
	ticket       models.Ticket
	queue        chan models.Sample
	errs         chan error
	mirror       chan LocationMessage
	mirrored     models.Status
	done         chan struct{}
	cancelSource func()
	logger       *slog.Logger

	mu       sync.Mutex
	state    handleState
	err      error
	stopOnce sync.Once
}

func (h *Handle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateActive
}

// Done is closed once the watch has stopped for any reason.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports why the watch ended on its own (permission revoked, platform
// unsupported). It is nil for explicit stops and arrivals.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) Stop() { h.finish(nil, true) }

func (h *Handle) onSample(raw RawSample) {
	s, ok := Normalize(raw, time.Now().UTC())
	if !ok {
		observability.SamplesDropped.WithLabelValues("malformed").Inc()
		return
	}
	if !h.Active() {
		observability.SamplesDropped.WithLabelValues("stopped").Inc()
		return
	}
	select {
	case h.queue <- s:
	default:
		observability.SamplesDropped.WithLabelValues("queue_full").Inc()
		h.logger.Warn("sample queue full, dropping fix")
	}
}

func (h *Handle) onError(err error) {
	select {
	case h.errs <- err:
	case <-h.done:
	default:
		h.logger.Warn("source error dropped", "error", err)
	}
}

func (h *Handle) loop() {
	for {
		select {
		case <-h.done:
			return
		case err := <-h.errs:
			h.handleSourceError(err)
		case s := <-h.queue:
			if h.process(s) {
				h.finish(nil, false)
				return
			}
		}
	}
}

func (h *Handle) handleSourceError(err error) {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		observability.SourceErrors.WithLabelValues("permission_denied").Inc()
		h.logger.Error("location permission denied, stopping watch")
		h.finish(err, true)
	case errors.Is(err, ErrUnsupported):
		observability.SourceErrors.WithLabelValues("unsupported").Inc()
		h.logger.Error("location unsupported, stopping watch")
		h.finish(err, true)
	case errors.Is(err, ErrSampleTimeout):
		observability.SourceErrors.WithLabelValues("timeout").Inc()
		h.logger.Warn("location fix timed out")
	default:
		observability.SourceErrors.WithLabelValues("other").Inc()
		h.logger.Warn("location source error", "error", err)
	}
}

// process persists one sample and evaluates the geofence. It reports whether the
// ticket reached a terminal state and the watch should end.
func (h *Handle) process(s models.Sample) bool {
	h.mu.Lock()
	if h.state != stateActive {
		h.mu.Unlock()
		observability.SamplesDropped.WithLabelValues("stopped").Inc()
		return false
	}
	observability.SamplesAccepted.Inc()

	now := time.Now().UTC()
	loc := s.Loc
	cur := h.ticket
	cur.DriverLocation = &loc
	tracking := models.StatusClaimedTracking
	cur.Status = tracking

	next, events := h.tracker.Evaluator.Evaluate(cur, s, cur.Destination)

	patch := storage.Patch{
		IfStatus:       []models.Status{models.StatusClaimedUntracking, models.StatusClaimedTracking},
		Status:         &next.Status,
		DriverLocation: &loc,
		LastUpdate:     &now,
	}
	for _, tier := range models.Tiers {
		if next.Alerts.State(tier) != cur.Alerts.State(tier) {
			if patch.Alerts == nil {
				patch.Alerts = models.AlertLog{}
			}
			patch.Alerts[tier] = next.Alerts.State(tier)
		}
	}
	if next.Status == models.StatusArrived {
		patch.ArrivedAt = next.ArrivedAt
	}

	terminal := false
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	_, err := h.tracker.Store.UpdateTicket(ctx, h.TicketID, patch)
	cancel()
	switch {
	case err == nil:
		observability.StoreWrites.Inc()
		h.ticket = next
		if next.Status == models.StatusArrived {
			terminal = true
			observability.Arrivals.WithLabelValues("geofence").Inc()
		}
	case errors.Is(err, storage.ErrStatusConflict), errors.Is(err, storage.ErrTicketNotFound):
		// arrived manually or released elsewhere; nothing left to track
		h.logger.Info("ticket no longer trackable, ending watch", "reason", err)
		h.mu.Unlock()
		h.finish(nil, false)
		return false
	default:
		// not retried; the next fix supersedes this one
		observability.StoreWriteFailures.Inc()
		h.logger.Error("persist sample failed", "error", err)
		events = nil
	}
	if err == nil && h.tracker.Locator != nil {
		if lerr := h.tracker.Locator.Upsert(h.ticket.ProjectID, h.TicketID, loc); lerr != nil {
			h.logger.Warn("geo index update failed", "error", lerr)
		}
	}
	if err == nil {
		h.mirrorLocked(LocationMessage{TicketID: h.TicketID, ProjectID: h.ticket.ProjectID, Loc: loc, Status: next.Status, Timestamp: s.Timestamp})
	}
	h.mu.Unlock()

	if err != nil {
		return false
	}
	for _, ev := range events {
		if ev.Kind == geofence.EventAlert {
			observability.AlertsFired.WithLabelValues(string(ev.Tier)).Inc()
			h.logger.Info("geofence alert", "tier", ev.Tier, "distance_mi", ev.DistanceMiles)
		}
	}
	if len(events) > 0 && h.tracker.Sink != nil {
		h.tracker.Sink.Publish(events)
	}
	return terminal
}

// mirrorLocked queues msg for the mirror goroutine. Callers hold h.mu.
func (h *Handle) mirrorLocked(msg LocationMessage) {
	if h.mirror == nil {
		return
	}
	select {
	case h.mirror <- msg:
		h.mirrored = msg.Status
	default:
		observability.SamplesDropped.WithLabelValues("mirror_full").Inc()
		h.logger.Warn("mirror queue full, dropping location", "status", msg.Status)
	}
}

// drainMirror publishes queued locations one at a time so a ticket's messages
// reach the topic in the order they were accepted.
func (h *Handle) drainMirror() {
	for msg := range h.mirror {
		if err := h.tracker.Mirror.PublishLocation(msg); err != nil {
			h.logger.Warn("mirror location failed", "status", msg.Status, "error", err)
		}
	}
}

// finish cancels the watch exactly once. With regress set, a tracking ticket is
// moved back to claimed-untracking before finish returns.
func (h *Handle) finish(cause error, regress bool) {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.state = stateCancelled
		h.err = cause
		if h.cancelSource != nil {
			h.cancelSource()
		}
		if regress && h.ticket.Status == models.StatusClaimedTracking {
			untracking := models.StatusClaimedUntracking
			now := time.Now().UTC()
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			_, err := h.tracker.Store.UpdateTicket(ctx, h.TicketID, storage.Patch{
				IfStatus:   []models.Status{models.StatusClaimedTracking},
				Status:     &untracking,
				LastUpdate: &now,
			})
			cancel()
			switch {
			case err == nil:
				observability.StoreWrites.Inc()
				h.ticket.Status = untracking
			case errors.Is(err, storage.ErrStatusConflict):
			default:
				observability.StoreWriteFailures.Inc()
				h.logger.Error("persist tracking stop failed", "error", err)
			}
		}
		if h.tracker.Locator != nil && h.ticket.DriverLocation != nil {
			if err := h.tracker.Locator.Remove(h.ticket.ProjectID, h.TicketID); err != nil {
				h.logger.Warn("geo index removal failed", "error", err)
			}
		}
		if h.mirror != nil {
			// consumers drop the ticket from their index on any non-tracking status
			if h.ticket.DriverLocation != nil && h.mirrored == models.StatusClaimedTracking {
				final := h.ticket.Status
				if final == models.StatusClaimedTracking {
					final = models.StatusClaimedUntracking
				}
				msg := LocationMessage{
					TicketID:  h.TicketID,
					ProjectID: h.ticket.ProjectID,
					Loc:       *h.ticket.DriverLocation,
					Status:    final,
					Timestamp: time.Now().UTC(),
				}
				select {
				case h.mirror <- msg:
				case <-time.After(writeTimeout):
					h.logger.Warn("mirror queue stuck, closing message lost")
				}
			}
			close(h.mirror)
		}
		h.mu.Unlock()
		close(h.done)
		h.tracker.release(h)
		observability.ActiveWatches.Dec()
		h.logger.Info("watch stopped", "cause", cause)
	})
}
