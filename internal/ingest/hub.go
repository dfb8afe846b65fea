package ingest

import (
	"sync"
	"time"
)

// Hub is the server-side Source: device samples pushed over HTTP or websocket
// are routed to whichever watch is registered for the ticket.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	watches map[string]*hubWatch
}

type hubWatch struct {
	id       uint64
	ticketID string
	opts     WatchOptions
	onSample func(RawSample)
	onError  func(error)
	timer    *time.Timer
}

func NewHub() *Hub {
	return &Hub{watches: make(map[string]*hubWatch)}
}

func (h *Hub) Watch(ticketID string, opts WatchOptions, onSample func(RawSample), onError func(error)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	w := &hubWatch{id: h.seq, ticketID: ticketID, opts: opts, onSample: onSample, onError: onError}
	if old, ok := h.watches[ticketID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	h.watches[ticketID] = w
	h.armLocked(w)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if cur, ok := h.watches[ticketID]; ok && cur.id == w.id {
				if cur.timer != nil {
					cur.timer.Stop()
				}
				delete(h.watches, ticketID)
			}
		})
	}, nil
}

// Push delivers a device sample to the ticket's watch.
func (h *Hub) Push(ticketID string, s RawSample) error {
	h.mu.Lock()
	w, ok := h.watches[ticketID]
	if !ok {
		h.mu.Unlock()
		return ErrNoActiveWatch
	}
	if w.opts.MaxAge > 0 && s.TimestampMs > 0 && time.Since(time.UnixMilli(s.TimestampMs)) > w.opts.MaxAge {
		h.mu.Unlock()
		return nil
	}
	h.armLocked(w)
	cb := w.onSample
	h.mu.Unlock()

	cb(s)
	return nil
}

// Fail reports a device-side error (for example a revoked permission) to the watch.
func (h *Hub) Fail(ticketID string, err error) error {
	h.mu.Lock()
	w, ok := h.watches[ticketID]
	h.mu.Unlock()
	if !ok {
		return ErrNoActiveWatch
	}
	w.onError(err)
	return nil
}

func (h *Hub) Active(ticketID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.watches[ticketID]
	return ok
}

// armLocked (re)starts the fix timeout. A timeout is reported and re-armed so the
// watch keeps waiting for the next fix.
func (h *Hub) armLocked(w *hubWatch) {
	if w.opts.Timeout <= 0 {
		return
	}
	if w.timer != nil {
		w.timer.Reset(w.opts.Timeout)
		return
	}
	w.timer = time.AfterFunc(w.opts.Timeout, func() {
		h.mu.Lock()
		if cur, ok := h.watches[w.ticketID]; !ok || cur != w {
			h.mu.Unlock()
			return
		}
		w.timer.Reset(w.opts.Timeout)
		h.mu.Unlock()
		w.onError(ErrSampleTimeout)
	})
}
