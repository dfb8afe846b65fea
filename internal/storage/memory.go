package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/site-logistics/internal/models"
)

type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*models.Project
	tickets  map[string]*models.Ticket
	codes    map[string]string

	subMu  sync.Mutex
	nextID int
	subs   map[int]*memSub
}

type memSub struct {
	q    Query
	ch   chan Snapshot
	done chan struct{}
	once sync.Once
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]*models.Project),
		tickets:  make(map[string]*models.Ticket),
		codes:    make(map[string]string),
		subs:     make(map[int]*memSub),
	}
}

func (m *MemoryStore) CreateProject(ctx context.Context, p *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) CreateTicket(ctx context.Context, t *models.Ticket) error {
	m.mu.Lock()
	if _, ok := m.projects[t.ProjectID]; !ok {
		m.mu.Unlock()
		return ErrProjectNotFound
	}
	if t.Code != "" {
		if _, taken := m.codes[t.Code]; taken {
			m.mu.Unlock()
			return ErrDuplicateCode
		}
		m.codes[t.Code] = t.ID
	}
	cp := t.Clone()
	m.tickets[t.ID] = &cp
	m.mu.Unlock()

	m.notify(t.ProjectID)
	return nil
}

func (m *MemoryStore) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, ErrTicketNotFound
	}
	cp := t.Clone()
	return &cp, nil
}

func (m *MemoryStore) GetTicketByCode(ctx context.Context, code string) (*models.Ticket, error) {
	m.mu.RLock()
	id, ok := m.codes[code]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrTicketNotFound
	}
	return m.GetTicket(ctx, id)
}

func (m *MemoryStore) UpdateTicket(ctx context.Context, id string, p Patch) (*models.Ticket, error) {
	m.mu.Lock()
	t, ok := m.tickets[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrTicketNotFound
	}
	next := t.Clone()
	if err := p.Apply(&next); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.tickets[id] = &next
	out := next.Clone()
	m.mu.Unlock()

	m.notify(out.ProjectID)
	return &out, nil
}

func (m *MemoryStore) ListTickets(ctx context.Context, q Query) ([]models.Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(q), nil
}

func (m *MemoryStore) listLocked(q Query) []models.Ticket {
	out := make([]models.Ticket, 0)
	for _, t := range m.tickets {
		if q.Matches(*t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	s := &memSub{q: q, ch: make(chan Snapshot, 1), done: make(chan struct{})}

	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = s
	m.mu.RLock()
	offer(s.ch, Snapshot{Tickets: m.listLocked(q), At: time.Now()})
	m.mu.RUnlock()
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
		s.once.Do(func() {
			close(s.ch)
			close(s.done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-s.done:
		}
	}()
	return &Subscription{C: s.ch, close: cancel}, nil
}

// notify pushes a fresh result set to every subscriber whose query covers projectID.
func (m *MemoryStore) notify(projectID string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	for _, s := range m.subs {
		if s.q.ProjectID != "" && s.q.ProjectID != projectID {
			continue
		}
		offer(s.ch, Snapshot{Tickets: m.listLocked(s.q), At: now})
	}
}
