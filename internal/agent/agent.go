// Package agent is the composition root of a terminal: it owns the worker
// bridge, the connectivity manager and the warm reference cache, and
// drains the work queue whenever the terminal comes back online.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/possync/internal/bridge"
	"github.com/hyperengineering/possync/internal/connectivity"
	"github.com/hyperengineering/possync/internal/protocol"
)

// EventConnectivity is the agent event carrying a connectivity transition.
const EventConnectivity = "CONNECTIVITY_CHANGED"

// Event is something that happened on the terminal: a worker event or a
// connectivity transition.
type Event struct {
	Type    string          `json:"type"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Options assembles an Agent from its parts.
type Options struct {
	Bridge       *bridge.Bridge
	Connectivity *connectivity.Manager

	// Network, when set, feeds host network changes to Connectivity.
	Network *connectivity.NetworkMonitor

	// SyncOnOverrideLift drains when lifting the manual override brings the
	// terminal online.
	SyncOnOverrideLift bool

	Version string
	Logger  *slog.Logger
}

// Agent is one terminal's sync engine.
type Agent struct {
	bridge             *bridge.Bridge
	conn               *connectivity.Manager
	network            *connectivity.NetworkMonitor
	memory             *Memory
	syncOnOverrideLift bool
	version            string
	logger             *slog.Logger

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int

	drainWG sync.WaitGroup

	runMu  sync.Mutex
	runCtx context.Context
}

// New creates an Agent. Nothing runs until Run is called.
func New(opts Options) (*Agent, error) {
	if opts.Bridge == nil {
		return nil, errors.New("agent: bridge is required")
	}
	if opts.Connectivity == nil {
		return nil, errors.New("agent: connectivity manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Agent{
		bridge:             opts.Bridge,
		conn:               opts.Connectivity,
		network:            opts.Network,
		memory:             NewMemory(),
		syncOnOverrideLift: opts.SyncOnOverrideLift,
		version:            opts.Version,
		logger:             opts.Logger.With("component", "agent"),
		subs:               make(map[int]chan Event),
	}, nil
}

// Memory returns the warm reference cache.
func (a *Agent) Memory() *Memory { return a.memory }

// Run starts the worker and the connectivity manager and blocks until ctx
// is cancelled. The bridge is closed on return.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.runMu.Lock()
	a.runCtx = ctx
	a.runMu.Unlock()

	transitions, stopTransitions := a.conn.Subscribe()
	defer stopTransitions()
	events, stopEvents := a.bridge.Subscribe(64)
	defer stopEvents()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = a.conn.Run(ctx)
	}()
	if a.network != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.network.Run(ctx)
		}()
	}

	if err := a.bridge.Start(ctx); err != nil && ctx.Err() == nil {
		// The bridge keeps restarting on its own; calls degrade if it gives up.
		a.logger.Warn("worker did not start", "action", "startup", "error", err)
	}
	a.logger.Info("agent started", "version", a.version, "bridge", a.bridge.Health())

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopping", "reason", "context_cancelled")
			cancel()
			wg.Wait()
			a.drainWG.Wait()
			err := a.bridge.Close()
			a.closeSubscribers()
			return err

		case t, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			a.emit(EventConnectivity, t)
			a.onTransition(ctx, t)

		case msg, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			a.onWorkerEvent(msg)
		}
	}
}

// onTransition drains on every delivered offline to online transition.
// The manager only delivers changes of the effective flag, so each
// online transition is a genuine reconnection.
func (a *Agent) onTransition(ctx context.Context, t connectivity.Transition) {
	if !t.Online() {
		a.logger.Info("terminal offline", "cause", t.Cause)
		return
	}
	if t.Cause == connectivity.CauseOverride && !a.syncOnOverrideLift {
		a.logger.Info("terminal online after override lift, sync skipped", "cause", t.Cause)
		return
	}
	a.logger.Info("terminal online, draining queue", "action", "reconnect_drain", "cause", t.Cause)
	a.drainInBackground(ctx, "reconnect")
}

func (a *Agent) onWorkerEvent(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeCacheRefreshed, protocol.TypeReady:
		a.memory.Reset()
	}
	a.emitRaw(string(msg.Type), msg.Payload)
}

// lifetime returns the context of the running agent, so work started by
// a request is not cancelled with it.
func (a *Agent) lifetime() context.Context {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.runCtx == nil {
		return context.Background()
	}
	return a.runCtx
}

// drainInBackground starts a drain that outlives the caller's request.
func (a *Agent) drainInBackground(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	a.drainWG.Add(1)
	go func() {
		defer a.drainWG.Done()
		res, err := a.Sync(ctx)
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Warn("background drain failed", "trigger", trigger, "error", err)
			}
			return
		}
		a.logger.Info("background drain finished",
			"trigger", trigger,
			"synced", res.Synced,
			"duplicates", res.Duplicates,
			"retrying", res.Retrying,
			"failed", res.Failed,
		)
	}()
}

// Subscribe returns a channel of agent events and a function ending the
// subscription. Slow subscribers lose events.
func (a *Agent) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	a.subMu.Lock()
	id := a.nextID
	a.nextID++
	a.subs[id] = ch
	a.subMu.Unlock()

	return ch, func() {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		if c, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(c)
		}
	}
}

func (a *Agent) emit(typ string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		a.logger.Warn("event encode failed", "type", typ, "error", err)
		return
	}
	a.emitRaw(typ, data)
}

func (a *Agent) emitRaw(typ string, payload json.RawMessage) {
	ev := Event{Type: typ, At: time.Now().UTC(), Payload: payload}
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, ch := range a.subs {
		select {
		case ch <- ev:
		default:
			a.logger.Warn("event subscriber behind, dropping", "type", typ)
		}
	}
}

func (a *Agent) closeSubscribers() {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for id, ch := range a.subs {
		delete(a.subs, id)
		close(ch)
	}
}
