package httpapi

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/site-logistics/internal/dispatch"
	"github.com/example/site-logistics/internal/ingest"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// errSocketAttached refuses a second driver socket for a ticket; closing either
// one would otherwise end the shared watch.
var errSocketAttached = errors.New("a tracking socket is already attached to this ticket")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// trackFrame is sent to the driver device when its session ends.
type trackFrame struct {
	Type     string `json:"type"`
	TicketID string `json:"ticket_id"`
	Error    string `json:"error,omitempty"`
}

// handleTrackWS starts a watch for the ticket, feeds every frame the device sends
// into the hub and stops the watch when the socket closes.
func (s *Server) handleTrackWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ticket_id"]
	if !s.attachTrackSocket(id) {
		s.writeError(w, errSocketAttached)
		return
	}
	defer s.detachTrackSocket(id)

	h, err := s.deps.Tracker.StartWatch(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.requestLogger(r.Context()).Warn("track upgrade failed", "ticket_id", id, "error", err)
		h.Stop()
		return
	}
	defer conn.Close()
	// devices report at their own cadence; the server read timeout must not apply
	_ = conn.SetReadDeadline(time.Time{})
	logger := s.requestLogger(r.Context()).With("ticket_id", id)

	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}
	_ = send(trackFrame{Type: "started", TicketID: id})

	go func() {
		<-h.Done()
		frame := trackFrame{Type: "stopped", TicketID: id}
		if err := h.Err(); err != nil {
			frame.Error = err.Error()
		}
		_ = send(frame)
		_ = conn.Close()
	}()

	for {
		var req sampleRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("track socket closed", "error", err)
			}
			break
		}
		if err := s.validate.Struct(req); err != nil {
			_ = send(trackFrame{Type: "rejected", TicketID: id, Error: err.Error()})
			continue
		}
		if err := s.push(id, req); err != nil {
			if errors.Is(err, ingest.ErrNoActiveWatch) {
				break
			}
			logger.Warn("push sample failed", "error", err)
		}
	}
	h.Stop()
}

func (s *Server) attachTrackSocket(ticketID string) bool {
	s.socketMu.Lock()
	defer s.socketMu.Unlock()
	if _, ok := s.trackSockets[ticketID]; ok {
		return false
	}
	s.trackSockets[ticketID] = struct{}{}
	return true
}

func (s *Server) detachTrackSocket(ticketID string) {
	s.socketMu.Lock()
	defer s.socketMu.Unlock()
	delete(s.trackSockets, ticketID)
}

// handleWarRoomWS streams the project's board and alert feed to a dispatcher.
func (s *Server) handleWarRoomWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["project_id"]
	if err := s.deps.Fleet.Ensure(id); err != nil {
		s.writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.requestLogger(r.Context()).Warn("war-room upgrade failed", "project_id", id, "error", err)
		return
	}
	session := s.deps.WarRoom.Add(id, conn)
	defer s.deps.WarRoom.Remove(session)

	if b, err := s.deps.Fleet.Current(r.Context(), id); err == nil {
		_ = session.Send(dispatch.Envelope{Type: "board", Board: b})
	}
	if feed := s.deps.Fleet.Feed(id); len(feed) > 0 {
		_ = session.Send(dispatch.Envelope{Type: "alerts", Alerts: feed})
	}

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	// dispatcher sessions are receive-only; reads only detect the close
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
