// Package broadcast carries best-effort notifications between agents that
// share a terminal. Delivery is unordered and may drop messages; receivers
// treat every message as a hint to re-check their own state.
package broadcast

import (
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TypeStateSync announces a committed connectivity state.
const TypeStateSync = "STATE_SYNC"

// ErrClosed is returned when publishing on a closed channel.
var ErrClosed = errors.New("broadcast channel closed")

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Message is one broadcast envelope.
type Message struct {
	Type   string          `json:"type"`
	Origin string          `json:"origin"`
	SentAt time.Time       `json:"sent_at"`
	State  json.RawMessage `json:"state,omitempty"`
}

// Channel is a named broadcast channel. A channel never delivers its own
// messages back to itself.
type Channel interface {
	// Origin identifies this end of the channel.
	Origin() string
	Publish(msg Message) error
	Subscribe() (<-chan Message, func())
	Close() error
}

// NewOrigin returns a fresh origin id.
func NewOrigin() string {
	return ulid.Make().String()
}

// fanout delivers messages to local subscribers, dropping for any that are
// full.
type fanout struct {
	mu     sync.Mutex
	subs   map[int]chan Message
	next   int
	closed bool
}

func newFanout() *fanout {
	return &fanout{subs: make(map[int]chan Message)}
}

func (f *fanout) subscribe() (<-chan Message, func()) {
	ch := make(chan Message, 8)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(c)
		}
	}
}

func (f *fanout) deliver(msg Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
