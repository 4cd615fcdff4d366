package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"detectx/internal/cropcache"
	"detectx/internal/pipeline"
)

// sendBuffer is how many messages may wait for a slow client before it starts losing them
const sendBuffer = 32

type client struct {
	conn  *websocket.Conn
	send  chan []byte
	label string // empty = all labels
	crops bool
	once  sync.Once
}

func (c *client) wants(label string) bool {
	return c.label == "" || c.label == label
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans pipeline transitions and crops out to websocket clients.
// Broadcasting never blocks: each client has its own buffered queue.
type Hub struct {
	device  string
	mu      sync.RWMutex
	clients map[*client]struct{}
	dropped atomic.Uint64
}

// NewHub creates a hub for device
func NewHub(device string) *Hub {
	return &Hub{
		device:  device,
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	log.Debug().Str("component", "ws").Str("label", c.label).Int("total", total).Msg("Client registered")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		c.close()
		log.Debug().Str("component", "ws").Msg("Client unregistered")
	}
}

// OnTransition implements pipeline.TransitionHandler
func (h *Hub) OnTransition(t pipeline.Transition) {
	h.broadcast(t.Label, false, NewTransitionMessage(h.device, t))
}

// OnCrop implements pipeline.CropHandler
func (h *Hub) OnCrop(e cropcache.Entry) {
	h.broadcast(e.Label, true, NewCropMessage(e))
}

func (h *Hub) broadcast(label string, crop bool, msg any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Str("component", "ws").Err(err).Msg("Error marshaling message")
		return
	}

	for c := range h.clients {
		if !c.wants(label) || (crop && !c.crops) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages slow clients have missed
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}
