package server

import (
	"sync"

	"chat_sync/internal/model"
	"chat_sync/internal/utils/log"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type (
	client struct {
		identity string
		conn     *websocket.Conn
		writeMu  sync.Mutex
	}

	// hub tracks the websocket clients connected to this process.
	hub struct {
		broadcast bool

		mu      sync.RWMutex
		clients map[*client]struct{}
	}
)

func newHub(broadcast bool) *hub {
	return &hub{
		broadcast: broadcast,
		clients:   make(map[*client]struct{}),
	}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// deliver sends m as a receive_message event to the clients it concerns:
// everyone when broadcasting, otherwise only sender and receiver.
func (h *hub) deliver(m model.Message) {
	ev, err := model.NewEvent(model.EventReceiveMessage, m)
	if err != nil {
		log.Error("encode event failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := lo.Filter(lo.Keys(h.clients), func(c *client, _ int) bool {
		return h.broadcast || c.identity == m.Sender || c.identity == m.Receiver
	})
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(ev); err != nil {
			log.Debug("write to client failed", zap.String("identity", c.identity), zap.Error(err))
		}
	}
}

// closeAll disconnects every client. Their read loops then unregister them.
func (h *hub) closeAll() {
	h.mu.RLock()
	clients := lo.Keys(h.clients)
	h.mu.RUnlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (h *hub) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) write(ev model.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(&ev)
}
