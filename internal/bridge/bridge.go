// Package bridge connects the agent to its background worker. Calls are
// correlated by message id, retried with their original payload when the
// failure kind allows it, and survive worker crashes through bounded
// restarts. When restarts are exhausted the bridge degrades: read-style
// calls get fixed defaults and write-style calls fail.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/possync/internal/fault"
	"github.com/hyperengineering/possync/internal/protocol"
	"github.com/sethvargo/go-retry"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("bridge closed")

// DefaultRetryCeiling is the number of resends allowed for message types
// without their own ceiling.
const DefaultRetryCeiling = 3

var retryCeilings = map[protocol.Type]int{
	protocol.TypeSyncDrain:    1,
	protocol.TypeCacheRefresh: 2,
}

// RetryCeiling returns how many times a call of type t is resent after a
// retryable failure.
func RetryCeiling(t protocol.Type) int {
	if n, ok := retryCeilings[t]; ok {
		return n
	}
	return DefaultRetryCeiling
}

// Launcher starts a worker and returns the stream to talk to it. Closing
// the stream must stop the worker.
type Launcher interface {
	Launch(ctx context.Context) (io.ReadWriteCloser, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context) (io.ReadWriteCloser, error) {
	return f(ctx)
}

// Config tunes a Bridge. Zero values take the defaults.
type Config struct {
	HandshakeTimeout time.Duration // 5s
	CallTimeout      time.Duration // 30s per attempt
	HangTimeout      time.Duration // 2m
	LivenessInterval time.Duration // 15s
	MaxRestarts      int           // 3 consecutive, reset once a worker answers a call
	RestartDelay     time.Duration // 1s, doubled per restart
	RetryDelay       time.Duration // 250ms, doubled per resend
	Logger           *slog.Logger
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.HangTimeout <= 0 {
		c.HangTimeout = 2 * time.Minute
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = 15 * time.Second
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Health describes the bridge for status reporting.
type Health struct {
	Running       bool      `json:"running"`
	Degraded      bool      `json:"degraded"`
	Restarts      int       `json:"restarts"` // since the bridge was created
	SchemaVersion int       `json:"schema_version"`
	TerminalID    string    `json:"terminal_id,omitempty"`
	LastCrash     string    `json:"last_crash,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
}

type reply struct {
	msg protocol.Message
	err error
}

// pendingCall is one outstanding request. The payload is kept verbatim so
// a resend carries exactly what the caller asked for.
type pendingCall struct {
	typ     protocol.Type
	payload json.RawMessage
	attempt int
	link    *link
	reply   chan reply
}

// link is one worker incarnation.
type link struct {
	conn        *protocol.Conn
	rwc         io.ReadWriteCloser
	ready       chan struct{}
	readyOnce   sync.Once
	done        chan struct{}
	dead        bool
	answered    bool
	lastInbound atomic.Int64
	started     time.Time
}

func (l *link) touch() { l.lastInbound.Store(time.Now().UnixNano()) }

func (l *link) idle() time.Duration {
	return time.Since(time.Unix(0, l.lastInbound.Load()))
}

// Bridge is the agent side of the worker protocol. It is safe for
// concurrent use.
type Bridge struct {
	launcher Launcher
	cfg      Config
	logger   *slog.Logger
	nextID   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	cur            *link
	changed        chan struct{}
	pending        map[int64]*pendingCall
	restarting     bool
	restarts       int
	failures       int
	restartBackoff retry.Backoff
	degraded       bool
	closed         bool
	lastCrash      string
	schemaVersion  int
	terminalID     string

	subMu  sync.Mutex
	subs   map[int]chan protocol.Message
	nextSu int
}

// New creates a bridge. The worker is not started until the first call.
func New(l Launcher, cfg Config) *Bridge {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		launcher:       l,
		cfg:            cfg,
		logger:         cfg.Logger.With("component", "bridge"),
		ctx:            ctx,
		cancel:         cancel,
		changed:        make(chan struct{}),
		pending:        make(map[int64]*pendingCall),
		restartBackoff: newRestartBackoff(cfg.RestartDelay),
		subs:           make(map[int]chan protocol.Message),
	}
	go b.liveness()
	return b
}

func newRestartBackoff(base time.Duration) retry.Backoff {
	return retry.WithCappedDuration(time.Minute, retry.NewExponential(base))
}

// Call sends a request and waits for its reply. Retryable failures resend
// the original payload under a new id until the type's ceiling is used up.
// In degraded mode read-style calls return their default result.
func (b *Bridge) Call(ctx context.Context, typ protocol.Type, payload any) (json.RawMessage, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, string(typ), err)
		}
		raw = data
	}

	ceiling := RetryCeiling(typ)
	backoff := retry.WithMaxRetries(uint64(ceiling),
		retry.WithCappedDuration(b.cfg.CallTimeout, retry.NewExponential(b.cfg.RetryDelay)))

	var result json.RawMessage
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := b.attempt(ctx, typ, raw, attempt)
		attempt++
		if err == nil {
			result = res
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrClosed) || fault.Is(err, fault.KindUnavailable) || !fault.IsRetryable(err) {
			return err
		}
		b.logger.Debug("call failed, will resend",
			"type", typ,
			"attempt", attempt,
			"ceiling", ceiling,
			"error", err,
		)
		return retry.RetryableError(err)
	})
	if err == nil {
		return result, nil
	}

	if fault.Is(err, fault.KindUnavailable) {
		if def, ok := protocol.DefaultFor(typ); ok {
			return def, nil
		}
		return nil, err
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil, fault.Wrap(fault.KindTimeout, string(typ), err)
	}
	if fault.IsRetryable(err) && attempt > ceiling {
		b.logger.Warn("call failed after retries",
			"action", "retry_exhausted",
			"type", typ,
			"attempts", attempt,
			"error", err,
		)
		return nil, &fault.Error{
			Kind:    fault.KindOf(err),
			Op:      string(typ),
			Message: fmt.Sprintf("gave up after %d attempts: %s", attempt, fault.Message(err)),
			Err:     err,
		}
	}
	return nil, err
}

// CallInto is Call followed by decoding the result into v.
func (b *Bridge) CallInto(ctx context.Context, typ protocol.Type, payload, v any) error {
	raw, err := b.Call(ctx, typ, payload)
	if err != nil {
		return err
	}
	if v == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fault.Wrap(fault.KindInternal, string(typ), fmt.Errorf("decode result: %w", err))
	}
	return nil
}

// attempt sends one request and waits up to CallTimeout for the reply,
// including any wait for the worker to become ready.
func (b *Bridge) attempt(ctx context.Context, typ protocol.Type, payload json.RawMessage, n int) (json.RawMessage, error) {
	actx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	l, err := b.ensure(actx, typ)
	if err != nil {
		return nil, b.waitError(ctx, typ, err)
	}

	id := b.nextID.Add(1)
	pc := &pendingCall{typ: typ, payload: payload, attempt: n, link: l, reply: make(chan reply, 1)}

	b.mu.Lock()
	if l.dead {
		b.mu.Unlock()
		return nil, fault.New(fault.KindBackgroundCrash, string(typ), "worker stopped before send")
	}
	b.pending[id] = pc
	b.mu.Unlock()
	defer b.forget(id)

	if err := l.conn.Send(protocol.Message{Type: typ, ID: id, Payload: pc.payload}); err != nil {
		b.crash(l, fmt.Sprintf("send %s: %v", typ, err))
		return nil, fault.Wrap(fault.KindBackgroundCrash, string(typ), err)
	}

	select {
	case r := <-pc.reply:
		if r.err != nil {
			return nil, r.err
		}
		if r.msg.Type == protocol.TypeError {
			var ep protocol.ErrorPayload
			if err := r.msg.Decode(&ep); err != nil {
				return nil, fault.Wrap(fault.KindInternal, string(typ), err)
			}
			return nil, ep.Err()
		}
		return r.msg.Payload, nil
	case <-actx.Done():
		return nil, b.waitError(ctx, typ, actx.Err())
	}
}

// waitError classifies a failed wait: the caller's own deadline ends the
// call, the per-attempt deadline is a retryable timeout.
func (b *Bridge) waitError(ctx context.Context, typ protocol.Type, err error) error {
	var fe *fault.Error
	if errors.As(err, &fe) || errors.Is(err, ErrClosed) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fault.New(fault.KindTimeout, string(typ), fmt.Sprintf("no reply within %s", b.cfg.CallTimeout))
}

func (b *Bridge) forget(id int64) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// ensure returns a ready link, starting the worker when none is running
// and waiting out a scheduled restart.
func (b *Bridge) ensure(ctx context.Context, typ protocol.Type) (*link, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		if b.degraded {
			b.mu.Unlock()
			return nil, b.unavailable(typ)
		}
		if b.cur == nil && !b.restarting {
			b.startLocked()
		}
		l, changed := b.cur, b.changed
		b.mu.Unlock()

		if l == nil {
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		select {
		case <-l.ready:
			return l, nil
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Bridge) unavailable(typ protocol.Type) error {
	return fault.New(fault.KindUnavailable, string(typ),
		fmt.Sprintf("background worker unavailable after %d restarts", b.cfg.MaxRestarts))
}

// notifyLocked wakes everything waiting for a state change.
func (b *Bridge) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// startLocked launches a new worker incarnation. b.mu must be held.
func (b *Bridge) startLocked() {
	l := &link{
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		started: time.Now(),
	}
	l.touch()
	b.cur = l
	b.notifyLocked()

	b.logger.Info("starting worker", "action", "start", "restarts", b.restarts)

	time.AfterFunc(b.cfg.HandshakeTimeout, func() {
		select {
		case <-l.ready:
		default:
			b.crash(l, fmt.Sprintf("no READY within %s", b.cfg.HandshakeTimeout))
		}
	})

	go func() {
		rwc, err := b.launcher.Launch(b.ctx)
		if err != nil {
			b.crash(l, fmt.Sprintf("launch: %v", err))
			return
		}
		b.mu.Lock()
		if l.dead {
			b.mu.Unlock()
			_ = rwc.Close()
			return
		}
		l.rwc = rwc
		l.conn = protocol.NewConn(rwc)
		b.mu.Unlock()
		b.readLoop(l)
	}()
}

func (b *Bridge) readLoop(l *link) {
	for {
		msg, err := l.conn.Receive()
		if err != nil {
			b.crash(l, fmt.Sprintf("read: %v", err))
			return
		}
		l.touch()

		switch {
		case msg.Type == protocol.TypeReady:
			var rp protocol.ReadyPayload
			if len(msg.Payload) > 0 {
				_ = msg.Decode(&rp)
			}
			b.mu.Lock()
			b.schemaVersion = rp.SchemaVersion
			if rp.TerminalID != "" {
				b.terminalID = rp.TerminalID
			}
			b.mu.Unlock()
			l.readyOnce.Do(func() { close(l.ready) })
			b.logger.Info("worker ready",
				"action", "ready",
				"schema_version", rp.SchemaVersion,
				"requeued", rp.Requeued,
				"duration_ms", time.Since(l.started).Milliseconds(),
			)
			b.publish(msg)
		case msg.Type == protocol.TypeCrash:
			var cp protocol.CrashPayload
			if len(msg.Payload) > 0 {
				_ = msg.Decode(&cp)
			}
			b.publish(msg)
			b.crash(l, "worker reported crash: "+cp.Reason)
			return
		case msg.Type.IsEvent():
			b.publish(msg)
		case msg.Type.IsReply():
			b.resolve(msg)
		default:
			b.crash(l, fmt.Sprintf("unexpected %s message from worker", msg.Type))
			return
		}
	}
}

func (b *Bridge) resolve(msg protocol.Message) {
	b.mu.Lock()
	pc, ok := b.pending[msg.ID]
	if ok {
		delete(b.pending, msg.ID)
	}
	reset := false
	if ok && !pc.link.answered {
		pc.link.answered = true
		if b.failures > 0 {
			reset = true
			b.failures = 0
			b.restartBackoff = newRestartBackoff(b.cfg.RestartDelay)
		}
	}
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("dropping reply for unknown call", "id", msg.ID)
		return
	}
	if reset {
		b.logger.Info("worker answering, restart budget reset", "action", "stable")
	}
	pc.reply <- reply{msg: msg}
}

// crash tears down l, rejects its pending calls and schedules a restart or
// enters degraded mode. Only crashes since the last worker that answered a
// call count against MaxRestarts. Repeated calls for the same link are
// no-ops.
func (b *Bridge) crash(l *link, reason string) {
	b.mu.Lock()
	if l.dead {
		b.mu.Unlock()
		return
	}
	l.dead = true
	close(l.done)
	if l.rwc != nil {
		_ = l.rwc.Close()
	}
	if b.cur == l {
		b.cur = nil
	}

	var rejected int
	for id, pc := range b.pending {
		if pc.link != l {
			continue
		}
		delete(b.pending, id)
		pc.reply <- reply{err: fault.New(fault.KindBackgroundCrash, string(pc.typ), reason)}
		rejected++
	}

	if b.closed {
		b.notifyLocked()
		b.mu.Unlock()
		return
	}

	b.lastCrash = reason
	b.restarts++
	b.failures++
	if b.failures > b.cfg.MaxRestarts {
		b.degraded = true
		b.notifyLocked()
		b.mu.Unlock()
		b.logger.Error("worker unavailable, entering degraded mode",
			"action", "degraded",
			"reason", reason,
			"restarts", b.failures-1,
			"rejected", rejected,
		)
		return
	}

	delay, _ := b.restartBackoff.Next()
	b.restarting = true
	b.notifyLocked()
	b.mu.Unlock()

	b.logger.Warn("worker crashed, restarting",
		"action", "crash",
		"reason", reason,
		"rejected", rejected,
		"restart", b.failures,
		"delay_ms", delay.Milliseconds(),
	)

	time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.restarting = false
		if b.closed || b.degraded || b.cur != nil {
			b.notifyLocked()
			return
		}
		b.startLocked()
	})
}

// liveness declares a crash when a ready worker has said nothing for
// HangTimeout while calls are waiting on it.
func (b *Bridge) liveness() {
	ticker := time.NewTicker(b.cfg.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		}

		b.mu.Lock()
		l := b.cur
		outstanding := 0
		if l != nil {
			for _, pc := range b.pending {
				if pc.link == l {
					outstanding++
				}
			}
		}
		b.mu.Unlock()

		if l == nil || outstanding == 0 {
			continue
		}
		select {
		case <-l.ready:
		default:
			continue
		}
		if idle := l.idle(); idle > b.cfg.HangTimeout {
			b.crash(l, fmt.Sprintf("worker silent for %s with %d calls outstanding", idle.Round(time.Second), outstanding))
		}
	}
}

// Start launches the worker now instead of on the first call and waits for
// its READY.
func (b *Bridge) Start(ctx context.Context) error {
	_, err := b.ensure(ctx, protocol.TypePing)
	return err
}

// Subscribe returns a channel receiving worker events and a function that
// ends the subscription. Events are dropped for subscribers that fall
// behind.
func (b *Bridge) Subscribe(buffer int) (<-chan protocol.Message, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan protocol.Message, buffer)

	b.subMu.Lock()
	id := b.nextSu
	b.nextSu++
	b.subs[id] = ch
	b.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.subMu.Lock()
			defer b.subMu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

func (b *Bridge) publish(msg protocol.Message) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.logger.Warn("event subscriber behind, dropping event", "type", msg.Type)
		}
	}
}

// Health reports the bridge state.
func (b *Bridge) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := Health{
		Degraded:      b.degraded,
		Restarts:      b.restarts,
		SchemaVersion: b.schemaVersion,
		TerminalID:    b.terminalID,
		LastCrash:     b.lastCrash,
	}
	if l := b.cur; l != nil {
		select {
		case <-l.ready:
			h.Running = true
			h.StartedAt = l.started
		default:
		}
	}
	return h
}

// Close stops the worker and fails every outstanding call with ErrClosed.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	l := b.cur
	b.cur = nil
	for id, pc := range b.pending {
		delete(b.pending, id)
		pc.reply <- reply{err: ErrClosed}
	}
	b.notifyLocked()
	b.mu.Unlock()

	b.cancel()
	if l != nil {
		b.crash(l, "bridge closed")
	}

	b.subMu.Lock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.subMu.Unlock()
	return nil
}
