package dispatch

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/site-logistics/internal/fleet"
	"github.com/example/site-logistics/internal/models"
)

func newRoomServer(t *testing.T, room *WarRoom) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		room.Add(r.URL.Query().Get("project"), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, project string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?project=" + project
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitSessions(t *testing.T, room *WarRoom, project string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if room.Count(project) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d sessions for %s, got %d", n, project, room.Count(project))
}

func TestWarRoomFansOutPerProject(t *testing.T) {
	room := NewWarRoom(slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := newRoomServer(t, room)
	a1 := dial(t, srv, "p1")
	a2 := dial(t, srv, "p1")
	other := dial(t, srv, "p2")
	waitSessions(t, room, "p1", 2)
	waitSessions(t, room, "p2", 1)

	room.PublishAlerts("p1", []fleet.Alert{{ID: "t1/far/0", TicketID: "t1", Tier: models.TierFar, Message: "30 MIN OUT"}})

	for _, c := range []*websocket.Conn{a1, a2} {
		_ = c.SetReadDeadline(time.Now().Add(time.Second))
		var env Envelope
		if err := c.ReadJSON(&env); err != nil {
			t.Fatal(err)
		}
		if env.Type != "alerts" || len(env.Alerts) != 1 || env.Alerts[0].Message != "30 MIN OUT" {
			t.Fatalf("unexpected envelope %+v", env)
		}
	}

	_ = other.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	var env Envelope
	if err := other.ReadJSON(&env); err == nil {
		t.Fatalf("other project received %+v", env)
	}
}

func TestWarRoomBoardAndRemove(t *testing.T) {
	room := NewWarRoom(nil)
	srv := newRoomServer(t, room)
	c := dial(t, srv, "p1")
	waitSessions(t, room, "p1", 1)

	room.PublishBoard(&fleet.Board{ProjectID: "p1", Live: []fleet.LiveEntry{}})
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	var env Envelope
	if err := c.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Type != "board" || env.Board == nil || env.Board.ProjectID != "p1" {
		t.Fatalf("unexpected envelope %+v", env)
	}

	room.mu.RLock()
	var s *Session
	for sess := range room.sessions["p1"] {
		s = sess
	}
	room.mu.RUnlock()
	room.Remove(s)
	room.Remove(s)
	if room.Count("p1") != 0 {
		t.Fatal("session not removed")
	}
	if err := room.Broadcast("p1", Envelope{Type: "board"}); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}
