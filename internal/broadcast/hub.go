package broadcast

import (
	"sync"
	"time"
)

// Hub connects channels inside one process.
type Hub struct {
	mu    sync.Mutex
	peers map[string][]*HubChannel
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{peers: make(map[string][]*HubChannel)}
}

// Open joins the named channel with a fresh origin.
func (h *Hub) Open(name string) *HubChannel {
	c := &HubChannel{hub: h, name: name, origin: NewOrigin(), out: newFanout()}
	h.mu.Lock()
	h.peers[name] = append(h.peers[name], c)
	h.mu.Unlock()
	return c
}

func (h *Hub) leave(c *HubChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.peers[c.name]
	for i, p := range peers {
		if p == c {
			h.peers[c.name] = append(peers[:i:i], peers[i+1:]...)
			break
		}
	}
}

func (h *Hub) send(from *HubChannel, msg Message) {
	h.mu.Lock()
	peers := append([]*HubChannel(nil), h.peers[from.name]...)
	h.mu.Unlock()
	for _, p := range peers {
		if p != from {
			p.out.deliver(msg)
		}
	}
}

// HubChannel is one member of a hub channel.
type HubChannel struct {
	hub    *Hub
	name   string
	origin string
	out    *fanout

	mu     sync.Mutex
	closed bool
}

// Origin implements Channel.
func (c *HubChannel) Origin() string { return c.origin }

// Publish implements Channel.
func (c *HubChannel) Publish(msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	msg.Origin = c.origin
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	c.hub.send(c, msg)
	return nil
}

// Subscribe implements Channel.
func (c *HubChannel) Subscribe() (<-chan Message, func()) {
	return c.out.subscribe()
}

// Close implements Channel.
func (c *HubChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.hub.leave(c)
	c.out.close()
	return nil
}
