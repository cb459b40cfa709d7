package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-tman/internal/bus"
)

const wsWriteTimeout = 5 * time.Second

// HelloMessage is the first frame sent on /ws.
type HelloMessage struct {
	Type  string `json:"type"`
	RunID string `json:"run_id,omitempty"`
	Tick  uint64 `json:"tick"`
	Tasks int    `json:"tasks"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, payload)
}

// handleWS streams bus events to a websocket client. The optional topic
// query parameter is a topic prefix, e.g. "deadline.". The optional task
// parameter keeps only events about that task.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	topic := r.URL.Query().Get("topic")
	task := r.URL.Query().Get("task")

	c := &client{conn: conn}
	sub := s.cfg.Bus.Subscribe(topic)
	s.addClient(c)
	s.logger.Info("ws: client connected", "topic", topic, "task", task)
	defer func() {
		s.cfg.Bus.Unsubscribe(sub)
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting", "dropped", sub.Dropped())
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// The stream is one-way; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	hello := HelloMessage{Type: "hello", RunID: s.cfg.RunID}
	if s.cfg.Source != nil {
		hello.Tick = s.cfg.Source.CurrentTick()
		hello.Tasks = len(s.cfg.Source.Snapshot())
	}
	if err := c.write(ctx, hello); err != nil {
		return
	}
	s.forwardBusEvents(ctx, c, sub, task)
}

// forwardBusEvents writes every matching event on sub to c until ctx is done
// or a write fails.
func (s *Server) forwardBusEvents(ctx context.Context, c *client, sub *bus.Subscription, task string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if task != "" && eventTask(ev.Payload) != task {
				continue
			}
			if err := c.write(ctx, ev); err != nil {
				s.logger.Debug("ws: write failed", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}

// handleEvents serves the same stream as /ws over server-sent events for
// clients that cannot speak websocket.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	task := r.URL.Query().Get("task")
	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if task != "" && eventTask(ev.Payload) != task {
				continue
			}
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				s.logger.Error("sse: marshal event", "topic", ev.Topic, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func eventTask(payload any) string {
	switch p := payload.(type) {
	case bus.TaskEvent:
		return p.Task
	case bus.DeadlineEvent:
		return p.Task
	default:
		return ""
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}
