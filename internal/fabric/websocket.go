// websocket stream of domain events for operator consoles.

package fabric

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

// EventStream upgrades HTTP requests to websockets and pushes every event
// from the bus to each connected console.
type EventStream struct {
	bus      EventBus
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewEventStream subscribes to every event type on bus.
func NewEventStream(bus EventBus) *EventStream {
	s := &EventStream{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(),
		},
		clients: make(map[*streamClient]struct{}),
	}
	for _, t := range AllEventTypes {
		bus.Subscribe(t, s.fanOut)
	}
	return s
}

// buildCheckOrigin allows every origin unless ISOSIM_ALLOWED_ORIGINS lists
// the accepted ones.
func buildCheckOrigin() func(r *http.Request) bool {
	allowedRaw := os.Getenv("ISOSIM_ALLOWED_ORIGINS")
	if allowedRaw == "" {
		return func(*http.Request) bool { return true }
	}

	allowed := make(map[string]bool)
	for _, origin := range strings.Split(allowedRaw, ",") {
		allowed[strings.TrimSpace(origin)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

// ServeHTTP handles GET /ws/events.
func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[EventStream] Upgrade failed", "error", err)
		return
	}

	c := &streamClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	slog.Info("[EventStream] Console attached", "remote", conn.RemoteAddr().String())

	go s.writePump(c)
	go s.readPump(c)
}

// Clients returns the number of attached consoles.
func (s *EventStream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *EventStream) fanOut(_ context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			slog.Warn("[EventStream] Console too slow, dropping event", "type", event.Type)
		}
	}
	return nil
}

func (s *EventStream) remove(c *streamClient) {
	c.once.Do(func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

// writePump is the only goroutine writing to the connection.
func (s *EventStream) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.remove(c)
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump drains control frames and notices when the console goes away.
func (s *EventStream) readPump(c *streamClient) {
	defer s.remove(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[EventStream] Console error", "error", err)
			}
			return
		}
	}
}
