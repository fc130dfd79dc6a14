package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/boxstream/ingest"
	"github.com/c360/boxstream/measurement"
)

const (
	liveWriteTimeout = 10 * time.Second
	livePingInterval = 30 * time.Second
	liveSendBuffer   = 64
)

// Hub fans accepted measurements out to live websocket tails, one client set
// per box. It observes ingestion through a post-ingestion hook, so only
// measurements that were actually persisted reach a tail.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *Metrics

	mu    sync.Mutex
	boxes map[string]map[*liveClient]struct{}
}

type liveClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func newHub(logger *slog.Logger, metrics *Metrics) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger:  logger.With("component", "live"),
		metrics: metrics,
		boxes:   make(map[string]map[*liveClient]struct{}),
	}
}

// Hook returns the post-ingestion hook broadcasting accepted measurements.
func (h *Hub) Hook() ingest.Hook {
	return func(boxID string, accepted []measurement.Measurement) {
		h.mu.Lock()
		clients := h.boxes[boxID]
		if len(clients) == 0 {
			h.mu.Unlock()
			return
		}
		targets := make([]*liveClient, 0, len(clients))
		for c := range clients {
			targets = append(targets, c)
		}
		h.mu.Unlock()

		data, err := json.Marshal(accepted)
		if err != nil {
			h.logger.Error("marshal live broadcast", "box", boxID, "error", err)
			return
		}

		for _, c := range targets {
			select {
			case c.send <- data:
			default:
				// Slow consumer; the tail is best-effort, drop the frame.
			}
		}
	}
}

// ClientCount returns the number of tails attached to a box.
func (h *Hub) ClientCount(boxID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.boxes[boxID])
}

// CloseAll disconnects every tail, used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*liveClient
	for _, clients := range h.boxes {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.boxes = make(map[string]map[*liveClient]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}

func (h *Hub) register(boxID string, c *liveClient) {
	h.mu.Lock()
	if h.boxes[boxID] == nil {
		h.boxes[boxID] = make(map[*liveClient]struct{})
	}
	h.boxes[boxID][c] = struct{}{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.liveClients.Inc()
	}
}

func (h *Hub) unregister(boxID string, c *liveClient) {
	h.mu.Lock()
	if clients, ok := h.boxes[boxID]; ok {
		if _, present := clients[c]; present {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.boxes, boxID)
			}
			if h.metrics != nil {
				h.metrics.liveClients.Dec()
			}
		}
	}
	h.mu.Unlock()

	c.close()
}

// close shuts the connection. The send channel is never closed: the hook may
// still hold a reference and push a frame after teardown, which must be a
// harmless no-op rather than a panic.
func (c *liveClient) close() {
	c.once.Do(func() {
		_ = c.conn.Close()
	})
}

// serve pumps broadcast frames to the client and watches the read side for
// the close handshake. Returns when either side goes away.
func (h *Hub) serve(boxID string, c *liveClient) {
	defer h.unregister(boxID, c)

	readClosed := make(chan struct{})
	go func() {
		defer close(readClosed)
		for {
			// Tails are one-way; reads only detect disconnect.
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(livePingInterval)
	defer ping.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readClosed:
			return
		}
	}
}

// handleLive upgrades the request and attaches the tail to the box's client
// set.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	const route = "live"
	boxID := r.PathValue("boxID")

	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		s.countRequest(route, http.StatusBadRequest)
		return
	}
	s.countRequest(route, http.StatusSwitchingProtocols)

	c := &liveClient{conn: conn, send: make(chan []byte, liveSendBuffer)}
	s.hub.register(boxID, c)
	go s.hub.serve(boxID, c)
}
