package rpc

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/0xphantomotr/ndchat/pkg/history"
)

const (
	eventBuffer      = 64
	wsPingInterval   = 30 * time.Second
	wsWriteTimeout   = 5 * time.Second
	wsReadLimit      = 512
	wsCloseGracetime = time.Second
)

// eventHub streams history entries to websocket clients. A client whose
// buffer fills up is disconnected.
type eventHub struct {
	backend  Backend
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool
}

type eventClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *eventClient) stop() {
	c.once.Do(func() { close(c.done) })
}

func newEventHub(backend Backend, logger *slog.Logger) *eventHub {
	return &eventHub{
		backend: backend,
		log:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// origin checks are left to the CORS handler
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*eventClient]struct{}),
	}
}

func (h *eventHub) handle(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	client := &eventClient{
		send: make(chan []byte, eventBuffer),
		done: make(chan struct{}),
	}
	// subscribe before the upgrade completes so no entry is missed
	unsubscribe := h.backend.Subscribe(func(e history.Entry) {
		payload, err := json.Marshal(e)
		if err != nil {
			h.log.Error("encode event", "seq", e.Seq, "err", err)
			return
		}
		select {
		case client.send <- payload:
		default:
			h.log.Warn("event client too slow, disconnecting", "remote", r.RemoteAddr)
			client.stop()
		}
	})
	defer unsubscribe()

	if !h.add(client) {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.remove(client)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	client.conn = conn

	go h.readLoop(client)
	h.writeLoop(client)
}

func (h *eventHub) add(c *eventClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *eventHub) remove(c *eventClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// readLoop drains client frames so close and pong messages are processed.
func (h *eventHub) readLoop(c *eventClient) {
	defer c.stop()
	c.conn.SetReadLimit(wsReadLimit)
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *eventHub) writeLoop(c *eventClient) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGracetime))
			return
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*eventClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.stop()
	}
}
