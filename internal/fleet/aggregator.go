package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/site-logistics/internal/eta"
	"github.com/example/site-logistics/internal/geofence"
	"github.com/example/site-logistics/internal/models"
	"github.com/example/site-logistics/internal/observability"
	"github.com/example/site-logistics/internal/storage"
)

const (
	defaultFeedLimit = 200
	ackTimeout       = 5 * time.Second
)

// Alert is one entry of a project's outward alert feed.
type Alert struct {
	ID        string        `json:"id"`
	TicketID  string        `json:"ticket_id"`
	Code      string        `json:"code"`
	ProjectID string        `json:"project_id"`
	Tier      models.Tier   `json:"tier"`
	Message   string        `json:"message"`
	Status    models.Status `json:"status"`
	At        time.Time     `json:"at"`
}

// AlertSink receives alerts the first time they are surfaced.
type AlertSink interface {
	PublishAlerts(projectID string, alerts []Alert)
}

// BoardSink receives every rebuilt board.
type BoardSink interface {
	PublishBoard(b *Board)
}

// Aggregator keeps the dispatcher board and alert feed of each watched project.
type Aggregator struct {
	Store     storage.Store
	SpeedMph  float64
	Logger    *slog.Logger
	FeedLimit int
	Alerts    []AlertSink
	Boards    []BoardSink

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	boards  map[string]*Board
	feeds   map[string][]Alert
	acked   map[string]ackState
	running map[string]bool
	wg      sync.WaitGroup
}

func NewAggregator(store storage.Store, speedMph float64, logger *slog.Logger) *Aggregator {
	ctx, cancel := context.WithCancel(context.Background())
	if speedMph <= 0 {
		speedMph = eta.DefaultSpeedMph
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		Store:    store,
		SpeedMph: speedMph,
		Logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		boards:   make(map[string]*Board),
		feeds:    make(map[string][]Alert),
		acked:    make(map[string]ackState),
		running:  make(map[string]bool),
	}
}

// Ensure starts following projectID's change feed unless it is already followed.
func (a *Aggregator) Ensure(projectID string) error {
	if _, err := a.Store.GetProject(a.ctx, projectID); err != nil {
		return err
	}
	a.mu.Lock()
	if a.running[projectID] {
		a.mu.Unlock()
		return nil
	}
	a.running[projectID] = true
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := a.Run(a.ctx, projectID)
		a.mu.Lock()
		delete(a.running, projectID)
		a.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("project feed stopped", "project_id", projectID, "error", err)
		}
	}()
	return nil
}

// Run follows the change feed of one project until ctx is done or the feed closes.
func (a *Aggregator) Run(ctx context.Context, projectID string) error {
	project, err := a.Store.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("aggregate %s: %w", projectID, err)
	}
	// every status, so alerts fired on the sample that also arrived are still surfaced
	sub, err := a.Store.Subscribe(ctx, storage.Query{ProjectID: projectID})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", projectID, err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-sub.C:
			if !ok {
				return nil
			}
			a.Observe(ctx, *project, snap)
		}
	}
}

// Observe folds one change-feed snapshot into the project's board and surfaces
// every fired alert that has not been acknowledged yet. A failed snapshot marks the
// board degraded and keeps the previous data. Observing the same snapshot twice
// surfaces nothing new.
func (a *Aggregator) Observe(ctx context.Context, project models.Project, snap storage.Snapshot) (*Board, []Alert) {
	if snap.Err != nil {
		observability.FeedDegraded.WithLabelValues(project.ID).Set(1)
		a.Logger.Warn("change feed degraded", "project_id", project.ID, "error", snap.Err)
		a.mu.Lock()
		b, ok := a.boards[project.ID]
		if !ok {
			b = Build(project, nil, a.SpeedMph, a.now())
		} else {
			cp := *b
			b = &cp
		}
		b.Degraded = true
		b.Error = snap.Err.Error()
		a.boards[project.ID] = b
		a.mu.Unlock()
		a.publishBoard(b)
		return b, nil
	}

	start := time.Now()
	b := Build(project, snap.Tickets, a.SpeedMph, a.now())
	observability.BoardBuildLatency.Observe(time.Since(start).Seconds())
	observability.FeedDegraded.WithLabelValues(project.ID).Set(0)

	var fresh []Alert
	var toAck []Alert
	a.mu.Lock()
	a.boards[project.ID] = b
	for _, t := range snap.Tickets {
		if a.pruneLocked(t) {
			continue
		}
		for _, tier := range models.Tiers {
			if !t.Alerts.Pending(tier) {
				continue
			}
			key := alertKey(t, tier)
			st := a.acked[t.ID]
			if st.episode != episodeOf(t) || st.tiers == nil {
				st = ackState{episode: episodeOf(t), tiers: make(map[models.Tier]struct{})}
				a.acked[t.ID] = st
			}
			if _, seen := st.tiers[tier]; seen {
				continue
			}
			st.tiers[tier] = struct{}{}
			al := Alert{
				ID:        key,
				TicketID:  t.ID,
				Code:      t.Code,
				ProjectID: project.ID,
				Tier:      tier,
				Message:   geofence.Message(tier, t),
				Status:    t.Status,
				At:        a.now(),
			}
			fresh = append(fresh, al)
			toAck = append(toAck, al)
		}
	}
	if len(fresh) > 0 {
		feed := append(a.feeds[project.ID], fresh...)
		if limit := a.feedLimit(); len(feed) > limit {
			feed = feed[len(feed)-limit:]
		}
		a.feeds[project.ID] = feed
	}
	a.mu.Unlock()

	for _, al := range toAck {
		a.acknowledge(ctx, al)
	}
	if len(fresh) > 0 {
		observability.AlertsSurfaced.Add(float64(len(fresh)))
		for _, s := range a.Alerts {
			s.PublishAlerts(project.ID, fresh)
		}
	}
	a.publishBoard(b)
	return b, fresh
}

// acknowledge persists the shown flag. The local ack set already prevents a
// duplicate if this write fails.
func (a *Aggregator) acknowledge(ctx context.Context, al Alert) {
	ctx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	_, err := a.Store.UpdateTicket(ctx, al.TicketID, storage.Patch{
		IfStatus: []models.Status{models.StatusClaimedUntracking, models.StatusClaimedTracking, models.StatusArrived},
		Alerts:   models.AlertLog{al.Tier: models.AlertAcknowledged},
	})
	if err != nil {
		a.Logger.Warn("acknowledge alert failed", "ticket_id", al.TicketID, "tier", al.Tier, "error", err)
	}
}

// Board returns the last board built for projectID.
func (a *Aggregator) Board(projectID string) (*Board, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.boards[projectID]
	return b, ok
}

// Current returns the cached board, or builds one from a direct read when the
// project's feed has not delivered yet.
func (a *Aggregator) Current(ctx context.Context, projectID string) (*Board, error) {
	if b, ok := a.Board(projectID); ok {
		return b, nil
	}
	project, err := a.Store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	tickets, err := a.Store.ListTickets(ctx, storage.Query{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	return Build(*project, tickets, a.SpeedMph, a.now()), nil
}

// Feed returns the surfaced alerts of projectID, oldest first.
func (a *Aggregator) Feed(projectID string) []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Alert, len(a.feeds[projectID]))
	copy(out, a.feeds[projectID])
	return out
}

// Close stops every project feed started by Ensure.
func (a *Aggregator) Close() {
	a.cancel()
	a.wg.Wait()
}

func (a *Aggregator) publishBoard(b *Board) {
	for _, s := range a.Boards {
		s.PublishBoard(b)
	}
}

func (a *Aggregator) feedLimit() int {
	if a.FeedLimit > 0 {
		return a.FeedLimit
	}
	return defaultFeedLimit
}

func (a *Aggregator) now() time.Time { return time.Now().UTC() }

// ackState is the set of tiers already surfaced for one claim episode of a ticket.
type ackState struct {
	episode int64
	tiers   map[models.Tier]struct{}
}

// pruneLocked forgets the surfaced tiers of a ticket that can no longer fire:
// arrived with nothing pending, or released back to unclaimed. It reports
// whether the ticket has nothing left to surface.
func (a *Aggregator) pruneLocked(t models.Ticket) bool {
	switch t.Status {
	case models.StatusUnclaimed:
		delete(a.acked, t.ID)
		return true
	case models.StatusArrived:
		for _, tier := range models.Tiers {
			if t.Alerts.Pending(tier) {
				return false
			}
		}
		delete(a.acked, t.ID)
		return true
	}
	return false
}

func episodeOf(t models.Ticket) int64 {
	if t.ClaimedAt == nil {
		return 0
	}
	return t.ClaimedAt.UnixNano()
}

// alertKey identifies an alert within one claim episode.
func alertKey(t models.Ticket, tier models.Tier) string {
	return fmt.Sprintf("%s/%s/%d", t.ID, tier, episodeOf(t))
}
