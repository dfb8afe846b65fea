package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/site-logistics/internal/fleet"
	"github.com/example/site-logistics/internal/geofence"
	"github.com/example/site-logistics/internal/observability"
)

const writeWait = 5 * time.Second

var ErrNoSession = errors.New("no war-room session for project")

// Envelope is the frame sent to dispatcher sessions.
type Envelope struct {
	Type   string           `json:"type"`
	Board  *fleet.Board     `json:"board,omitempty"`
	Alerts []fleet.Alert    `json:"alerts,omitempty"`
	Events []geofence.Event `json:"events,omitempty"`
}

// Session is one connected dispatcher view.
type Session struct {
	ProjectID string

	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) Send(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(env)
}

// WarRoom holds dispatcher sessions per project and fans boards and alerts out to them.
type WarRoom struct {
	Logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
}

func NewWarRoom(logger *slog.Logger) *WarRoom {
	if logger == nil {
		logger = slog.Default()
	}
	return &WarRoom{Logger: logger, sessions: make(map[string]map[*Session]struct{})}
}

func (w *WarRoom) Add(projectID string, conn *websocket.Conn) *Session {
	s := &Session{ProjectID: projectID, conn: conn}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessions[projectID] == nil {
		w.sessions[projectID] = make(map[*Session]struct{})
	}
	w.sessions[projectID][s] = struct{}{}
	observability.WarRoomSessions.Inc()
	return s
}

// Remove drops s and closes its connection. Removing twice is a no-op.
func (w *WarRoom) Remove(s *Session) {
	w.mu.Lock()
	set := w.sessions[s.ProjectID]
	_, ok := set[s]
	if ok {
		delete(set, s)
		if len(set) == 0 {
			delete(w.sessions, s.ProjectID)
		}
	}
	w.mu.Unlock()
	if ok {
		observability.WarRoomSessions.Dec()
		_ = s.conn.Close()
	}
}

func (w *WarRoom) Count(projectID string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.sessions[projectID])
}

// Broadcast sends env to every session of projectID, dropping sessions that fail.
func (w *WarRoom) Broadcast(projectID string, env Envelope) error {
	w.mu.RLock()
	targets := make([]*Session, 0, len(w.sessions[projectID]))
	for s := range w.sessions[projectID] {
		targets = append(targets, s)
	}
	w.mu.RUnlock()
	if len(targets) == 0 {
		return ErrNoSession
	}
	for _, s := range targets {
		if err := s.Send(env); err != nil {
			w.Logger.Warn("war-room send failed, dropping session", "project_id", projectID, "error", err)
			w.Remove(s)
		}
	}
	return nil
}

func (w *WarRoom) PublishAlerts(projectID string, alerts []fleet.Alert) {
	_ = w.Broadcast(projectID, Envelope{Type: "alerts", Alerts: alerts})
}

func (w *WarRoom) PublishBoard(b *fleet.Board) {
	_ = w.Broadcast(b.ProjectID, Envelope{Type: "board", Board: b})
}

// Publish forwards raw geofence events (alerts and arrivals) as they happen, ahead
// of the board rebuild that follows the store write.
func (w *WarRoom) Publish(events []geofence.Event) {
	byProject := make(map[string][]geofence.Event)
	for _, ev := range events {
		byProject[ev.ProjectID] = append(byProject[ev.ProjectID], ev)
	}
	for projectID, evs := range byProject {
		_ = w.Broadcast(projectID, Envelope{Type: "events", Events: evs})
	}
}
