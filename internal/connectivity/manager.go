package connectivity

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/possync/internal/broadcast"
	"github.com/sethvargo/go-retry"
)

// Prober checks whether the backend is reachable and returns the latency.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (time.Duration, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) (time.Duration, error) { return f(ctx) }

// Config tunes a Manager. Zero values take the defaults.
type Config struct {
	FastInterval    time.Duration // 5s
	StableInterval  time.Duration // 30s
	HiddenInterval  time.Duration // 60s
	MaxInterval     time.Duration // 2m
	Threshold       int           // 2
	ProbeAttempts   int           // 3
	ProbeRetryDelay time.Duration // 500ms
	Debounce        time.Duration // 150ms
	LatencySamples  int           // 10

	// Channel, when set, receives every delivered state and is listened to
	// for hints from sibling agents.
	Channel broadcast.Channel
	Logger  *slog.Logger
}

func (c *Config) setDefaults() {
	if c.FastInterval <= 0 {
		c.FastInterval = 5 * time.Second
	}
	if c.StableInterval <= 0 {
		c.StableInterval = 30 * time.Second
	}
	if c.HiddenInterval <= 0 {
		c.HiddenInterval = 60 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 2 * time.Minute
	}
	if c.Threshold <= 0 {
		c.Threshold = 2
	}
	if c.ProbeAttempts <= 0 {
		c.ProbeAttempts = 3
	}
	if c.ProbeRetryDelay <= 0 {
		c.ProbeRetryDelay = 500 * time.Millisecond
	}
	if c.Debounce <= 0 {
		c.Debounce = 150 * time.Millisecond
	}
	if c.LatencySamples <= 0 {
		c.LatencySamples = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type inputKind int

const (
	inputNetwork inputKind = iota
	inputVisible
	inputOverride
	inputNudge
)

type input struct {
	kind  inputKind
	value bool
}

type probeResult struct {
	latency time.Duration
	err     error
}

// Manager owns the connectivity state.
type Manager struct {
	prober Prober
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	state State

	inputs  chan input
	stopped chan struct{}

	subMu sync.Mutex
	subs  map[int]chan Transition
	next  int
}

// NewManager creates a manager. It starts offline and does nothing until
// Run is called.
func NewManager(p Prober, cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		prober:  p,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "connectivity"),
		state:   initialState(time.Now().UTC()),
		inputs:  make(chan input, 16),
		stopped: make(chan struct{}),
		subs:    make(map[int]chan Transition),
	}
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.clone()
}

// Offline reports the effective offline flag.
func (m *Manager) Offline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Offline()
}

// SetNetworkReachable records the host's own view of the network and
// probes the backend out of band.
func (m *Manager) SetNetworkReachable(v bool) { m.send(input{kind: inputNetwork, value: v}) }

// SetVisible switches between the visible and hidden probe cadence.
func (m *Manager) SetVisible(v bool) { m.send(input{kind: inputVisible, value: v}) }

// SetManualOverride forces the terminal offline while on. Probing stops
// until it is lifted.
func (m *Manager) SetManualOverride(on bool) { m.send(input{kind: inputOverride, value: on}) }

// Nudge asks for an immediate probe, e.g. after a network quality change.
func (m *Manager) Nudge() { m.send(input{kind: inputNudge}) }

func (m *Manager) send(in input) {
	select {
	case m.inputs <- in:
	case <-m.stopped:
	}
}

// Subscribe returns a channel of delivered transitions and a function to
// end the subscription.
func (m *Manager) Subscribe() (<-chan Transition, func()) {
	ch := make(chan Transition, 8)
	m.subMu.Lock()
	id := m.next
	m.next++
	m.subs[id] = ch
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

func (m *Manager) deliver(t Transition) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
			m.logger.Warn("transition subscriber behind, dropping", "offline", t.Offline)
		}
	}
}

// mutate applies fn to the state under the write lock. Only the Run
// goroutine calls it.
func (m *Manager) mutate(fn func(s *State)) {
	m.mu.Lock()
	fn(&m.state)
	m.mu.Unlock()
}

func (m *Manager) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(m.cfg.MaxInterval,
		retry.WithJitterPercent(20, retry.NewExponential(m.cfg.FastInterval)))
}

// nextInterval picks the delay before the next scheduled probe. ok is false
// while the manual override is on.
func (m *Manager) nextInterval(s State, offlineBackoff retry.Backoff) (time.Duration, bool) {
	switch {
	case s.ManualOverride:
		return 0, false
	case !s.Visible:
		return m.cfg.HiddenInterval, true
	case s.ServerReachable && s.ConsecutiveFailures == 0:
		return m.cfg.StableInterval, true
	case !s.ServerReachable && s.ConsecutiveFailures >= m.cfg.Threshold:
		d, _ := offlineBackoff.Next()
		return d, true
	default:
		return m.cfg.FastInterval, true
	}
}

// probe scores one scheduled probe, trying up to ProbeAttempts times.
func (m *Manager) probe(ctx context.Context) probeResult {
	var latency time.Duration
	b := retry.WithMaxRetries(uint64(m.cfg.ProbeAttempts-1), retry.NewConstant(m.cfg.ProbeRetryDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		l, err := m.prober.Probe(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		latency = l
		return nil
	})
	return probeResult{latency: latency, err: err}
}

// Run owns the state until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.stopped)

	var hints <-chan broadcast.Message
	if m.cfg.Channel != nil {
		ch, stop := m.cfg.Channel.Subscribe()
		defer stop()
		hints = ch
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	results := make(chan probeResult, 1)
	probing := false
	offlineBackoff := m.newBackoff()
	delivered := m.state.Offline()
	var cause Cause

	startProbe := func() {
		if probing || m.state.ManualOverride {
			return
		}
		probing = true
		go func() { results <- m.probe(ctx) }()
	}
	schedule := func() {
		timer.Stop()
		if d, ok := m.nextInterval(m.state, offlineBackoff); ok {
			timer.Reset(d)
		}
	}
	// commit restarts the debounce window. The window keeps its strongest
	// cause so an override lift landing beside a real recovery is not
	// reported as override-only.
	commit := func(c Cause) {
		m.mutate(func(s *State) { s.ChangedAt = time.Now().UTC() })
		if c.outranks(cause) {
			cause = c
		}
		debounce.Reset(m.cfg.Debounce)
	}

	m.logger.Info("connectivity manager started", "threshold", m.cfg.Threshold)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("connectivity manager stopped", "reason", "context_cancelled")
			return nil

		case <-timer.C:
			startProbe()

		case r := <-results:
			probing = false
			if ctx.Err() != nil {
				continue
			}
			ok := r.err == nil
			var committed bool
			m.mutate(func(s *State) {
				s.LastProbeAt = time.Now().UTC()
				if !ok {
					s.LastError = r.err.Error()
				}
				committed = applyProbe(s, ok, r.latency, m.cfg.Threshold, m.cfg.LatencySamples)
			})
			if ok {
				offlineBackoff = m.newBackoff()
			}
			if committed {
				m.logger.Info("server reachability committed",
					"action", "commit",
					"server_reachable", m.state.ServerReachable,
					"latency_ms", r.latency.Milliseconds(),
				)
				commit(CauseProbe)
			}
			schedule()

		case in := <-m.inputs:
			switch in.kind {
			case inputNetwork:
				if m.state.NetworkReachable != in.value {
					m.mutate(func(s *State) { s.NetworkReachable = in.value })
					commit(CauseNetwork)
				}
				startProbe()
			case inputVisible:
				m.mutate(func(s *State) { s.Visible = in.value })
				if in.value {
					startProbe()
				}
				if !probing {
					schedule()
				}
			case inputOverride:
				if m.state.ManualOverride != in.value {
					m.mutate(func(s *State) { s.ManualOverride = in.value })
					commit(CauseOverride)
				}
				if !in.value {
					startProbe()
				}
				if !probing {
					schedule()
				}
			case inputNudge:
				startProbe()
			}

		case msg, ok := <-hints:
			if !ok {
				hints = nil
				continue
			}
			if msg.Type == broadcast.TypeStateSync && msg.Origin != m.cfg.Channel.Origin() {
				m.logger.Debug("state hint from sibling, probing", "origin", msg.Origin)
				startProbe()
			}

		case <-debounce.C:
			c := cause
			cause = ""
			offline := m.state.Offline()
			if offline == delivered {
				continue
			}
			delivered = offline
			t := Transition{Offline: offline, Cause: c, State: m.Snapshot()}
			m.logger.Info("connectivity changed",
				"action", "transition",
				"offline", offline,
				"cause", c,
			)
			m.deliver(t)
			m.publish(t.State)
		}
	}
}

func (m *Manager) publish(s State) {
	if m.cfg.Channel == nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := m.cfg.Channel.Publish(broadcast.Message{Type: broadcast.TypeStateSync, State: data}); err != nil {
		m.logger.Warn("state broadcast failed", "error", err)
	}
}
