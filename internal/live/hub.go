// Package live streams check-in window events to connected teacher screens.
package live

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"qrattend/internal/attendance"
)

// Bus fans window events out across API instances.
type Bus interface {
	Publish(ctx context.Context, token string, payload []byte) error
	Subscribe(token string, handler func(payload []byte)) (cancel func(), err error)
}

// Hub keeps window token -> connected clients. With a Bus every event goes
// through it, and each instance delivers to its own clients from its
// subscription; without one, events are delivered locally.
type Hub struct {
	windows map[string]map[string]*Client
	subs    map[string]func()
	mu      sync.RWMutex
	bus     Bus
	origins map[string]struct{}
	logger  *zap.Logger
}

// NewHub creates a hub. bus may be nil for a single instance. An empty
// allowedOrigins accepts any websocket origin.
func NewHub(bus Bus, allowedOrigins []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	return &Hub{
		windows: make(map[string]map[string]*Client),
		subs:    make(map[string]func()),
		bus:     bus,
		origins: origins,
		logger:  logger,
	}
}

// Publish implements attendance.Publisher. Failures are logged and dropped.
func (h *Hub) Publish(ctx context.Context, evt attendance.Event) {
	data, err := json.Marshal(WSMessage{Event: evt.Type, Data: mustJSON(evt)})
	if err != nil {
		return
	}
	if h.bus != nil {
		err := h.bus.Publish(ctx, evt.Token, data)
		if err == nil {
			return
		}
		h.logger.Warn("live bus publish failed, delivering locally", zap.String("token", evt.Token), zap.Error(err))
	}
	h.Broadcast(evt.Token, data)
}

// Register adds a client, subscribing to the window's channel for the first one.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.windows[c.Token] == nil {
		h.windows[c.Token] = make(map[string]*Client)
		if h.bus != nil {
			token := c.Token
			cancel, err := h.bus.Subscribe(token, func(payload []byte) { h.Broadcast(token, payload) })
			if err != nil {
				h.logger.Warn("live subscribe failed", zap.String("token", token), zap.Error(err))
			} else {
				h.subs[token] = cancel
			}
		}
	}
	h.windows[c.Token][c.ID] = c
	h.logger.Debug("live client joined", zap.String("client_id", c.ID), zap.String("token", c.Token))
}

// Unregister removes a client, dropping the subscription with the last one.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.windows[c.Token]
	if !ok {
		return
	}
	if _, ok := m[c.ID]; !ok {
		return
	}
	delete(m, c.ID)
	close(c.send)
	if len(m) == 0 {
		delete(h.windows, c.Token)
		if cancel, ok := h.subs[c.Token]; ok {
			cancel()
			delete(h.subs, c.Token)
		}
	}
	h.logger.Debug("live client left", zap.String("client_id", c.ID), zap.String("token", c.Token))
}

// Broadcast delivers an encoded message to this instance's clients of token.
// Slow clients whose buffer is full miss the message.
func (h *Hub) Broadcast(token string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.windows[token] {
		select {
		case c.send <- data:
		default:
		}
	}
}

// ClientCount returns the number of local clients watching token.
func (h *Hub) ClientCount(token string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.windows[token])
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
