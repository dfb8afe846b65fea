package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/site-logistics/internal/models"
)

var (
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrProjectNotFound = errors.New("project not found")
	ErrDuplicateCode   = errors.New("ticket code already in use")
	// ErrStatusConflict is returned when a Patch precondition on status does not hold.
	ErrStatusConflict = errors.New("ticket status changed concurrently")
)

// Store is the shared real-time document store for projects and tickets.
type Store interface {
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)

	CreateTicket(ctx context.Context, t *models.Ticket) error
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	GetTicketByCode(ctx context.Context, code string) (*models.Ticket, error)
	UpdateTicket(ctx context.Context, id string, p Patch) (*models.Ticket, error)
	ListTickets(ctx context.Context, q Query) ([]models.Ticket, error)

	// Subscribe delivers the full result set of q once immediately and again after
	// every change that may affect it, until ctx is done or the subscription is closed.
	Subscribe(ctx context.Context, q Query) (*Subscription, error)
}

// Query selects tickets by project equality and status membership.
// An empty Statuses slice matches every status.
type Query struct {
	ProjectID string
	Statuses  []models.Status
}

func (q Query) Matches(t models.Ticket) bool {
	if q.ProjectID != "" && t.ProjectID != q.ProjectID {
		return false
	}
	if len(q.Statuses) == 0 {
		return true
	}
	for _, s := range q.Statuses {
		if t.Status == s {
			return true
		}
	}
	return false
}

// Patch is a partial ticket update. Nil fields are left untouched; Alerts entries
// are merged per tier. Last write wins per field.
type Patch struct {
	IfStatus []models.Status

	Status         *models.Status
	DriverLocation *models.Coordinate
	LastUpdate     *time.Time
	ClaimedBy      *string
	ClaimedAt      *time.Time
	ArrivedAt      *time.Time
	ResetAlerts    bool
	Alerts         models.AlertLog
}

func (p Patch) Empty() bool {
	return p.Status == nil && p.DriverLocation == nil && p.LastUpdate == nil && p.ClaimedBy == nil &&
		p.ClaimedAt == nil && p.ArrivedAt == nil && !p.ResetAlerts && len(p.Alerts) == 0
}

// Apply checks the precondition and mutates t in place.
func (p Patch) Apply(t *models.Ticket) error {
	if len(p.IfStatus) > 0 {
		ok := false
		for _, s := range p.IfStatus {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return ErrStatusConflict
		}
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.DriverLocation != nil {
		loc := *p.DriverLocation
		t.DriverLocation = &loc
	}
	if p.LastUpdate != nil {
		v := *p.LastUpdate
		t.LastUpdate = &v
	}
	if p.ClaimedBy != nil {
		t.ClaimedBy = *p.ClaimedBy
	}
	if p.ClaimedAt != nil {
		v := *p.ClaimedAt
		t.ClaimedAt = &v
	}
	if p.ArrivedAt != nil {
		v := *p.ArrivedAt
		t.ArrivedAt = &v
	}
	if p.ResetAlerts || t.Alerts == nil {
		t.Alerts = models.AlertLog{}
	}
	for tier, state := range p.Alerts {
		t.Alerts[tier] = state
	}
	return nil
}

// Snapshot is one delivery of a subscription. Err is set when the feed failed to
// refresh; consumers should keep their previous data.
type Snapshot struct {
	Tickets []models.Ticket
	Err     error
	At      time.Time
}

type Subscription struct {
	C     <-chan Snapshot
	close func()
}

func (s *Subscription) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

// offer replaces any undelivered snapshot so slow readers only see the latest state.
func offer(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
