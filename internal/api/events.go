package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weirdion/weirdion/internal/watch"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeWait = 5 * time.Second

// ProfileEvent is pushed to websocket clients when a profile document
// changes on disk.
type ProfileEvent struct {
	Type  string   `json:"type"`
	File  string   `json:"file"`
	Op    watch.Op `json:"op"`
	Valid bool     `json:"valid"`
	Error string   `json:"error,omitempty"`
}

// Checker reports whether a profile document is currently valid.
// Implemented by profile.Store.
type Checker interface {
	Check(file string) error
}

// Hub fans profile events out to subscribed websocket clients. Slow clients
// miss events rather than block the hub.
type Hub struct {
	mu      sync.Mutex
	clients map[chan ProfileEvent]struct{}
	logger  *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[chan ProfileEvent]struct{}),
		logger:  slog.Default(),
	}
}

// Subscribe registers a client and returns its event channel together with
// a function that unregisters it and closes the channel.
func (h *Hub) Subscribe() (<-chan ProfileEvent, func()) {
	ch := make(chan ProfileEvent, 16)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Clients returns the number of subscribed clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast delivers ev to every client with room in its buffer.
func (h *Hub) Broadcast(ev ProfileEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("dropping profile event for slow client", "file", ev.File)
		}
	}
}

// Forward checks each watcher event against checker and broadcasts the
// result until events is closed or ctx is cancelled.
func (h *Hub) Forward(ctx context.Context, events <-chan watch.Event, checker Checker) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			out := ProfileEvent{Type: "profiles_changed", File: ev.File, Op: ev.Op, Valid: true}
			if err := checker.Check(ev.File); err != nil {
				out.Valid = false
				out.Error = err.Error()
			}
			h.logger.Info("profile document changed", "file", ev.File, "op", ev.Op, "valid", out.Valid)
			h.Broadcast(out)
		}
	}
}

func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Hub == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "profile events are not enabled")
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		events, unsubscribe := deps.Hub.Subscribe()
		defer unsubscribe()
		deps.Metrics.clientConnected(1)
		defer deps.Metrics.clientConnected(-1)

		// Reads only detect the client going away; incoming messages are ignored.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}
}
