// Package worker is the background execution context. It owns the
// persistent store and the sync protocol and is reachable only through
// framed protocol messages.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/possync/internal/outbox"
	"github.com/hyperengineering/possync/internal/protocol"
	"github.com/hyperengineering/possync/internal/snapshot"
	"github.com/hyperengineering/possync/internal/store"
	"github.com/hyperengineering/possync/internal/types"
	"github.com/hyperengineering/possync/internal/validation"
)

// ErrCrashed is returned by Serve when a handler panicked.
var ErrCrashed = errors.New("worker crashed")

// Backend is the remote API the worker drains to and refreshes from.
type Backend interface {
	outbox.Backend
	ReferenceSource
}

// Config configures a Server.
type Config struct {
	Store   store.Options
	Backend Backend
	Drain   outbox.Config

	SweepInterval   time.Duration
	RefreshInterval time.Duration

	SnapshotDir string
	Uploader    snapshot.Uploader
	TerminalID  string

	Logger *slog.Logger
}

// Server serves worker sessions.
type Server struct {
	cfg       Config
	validator *validation.DocumentValidator
	logger    *slog.Logger
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, errors.New("worker: backend is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.Drain.Retention <= 0 {
		cfg.Drain.Retention = outbox.DefaultRetention
	}
	if cfg.Store.Logger == nil {
		cfg.Store.Logger = cfg.Logger
	}
	if cfg.SnapshotDir == "" {
		cfg.SnapshotDir = filepath.Join(filepath.Dir(cfg.Store.Path), "snapshots")
	}
	v, err := validation.NewDocumentValidator()
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	return &Server{
		cfg:       cfg,
		validator: v,
		logger:    cfg.Logger.With("component", "worker"),
	}, nil
}

// session is the state of one connection. It lives until the stream
// closes or a handler panics.
type session struct {
	srv       *Server
	conn      *protocol.Conn
	store     *store.SQLiteStore
	drainer   *outbox.Drainer
	refresher *CacheRefresher
	exporter  *SnapshotExporter
	logger    *slog.Logger

	draining  atomic.Bool
	crashed   atomic.Bool
	lastDrain atomic.Pointer[time.Time]
}

// Serve runs one session over rwc. It opens the store, announces READY and
// handles requests until the stream closes or ctx is cancelled. Failing to
// open the store is reported as a CRASH event.
func (s *Server) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	conn := protocol.NewConn(rwc)
	defer conn.Close()

	st, err := store.Open(ctx, s.cfg.Store)
	if err != nil {
		s.logger.Error("store open failed", "action", "startup", "error", err)
		_ = conn.Emit(protocol.TypeCrash, protocol.CrashPayload{Reason: "open store: " + err.Error()})
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	requeued, err := st.RequeueInterrupted(ctx)
	if err != nil {
		_ = conn.Emit(protocol.TypeCrash, protocol.CrashPayload{Reason: "requeue interrupted: " + err.Error()})
		return fmt.Errorf("requeue interrupted: %w", err)
	}

	terminalID, err := resolveTerminalID(ctx, st, s.cfg.TerminalID)
	if err != nil {
		_ = conn.Emit(protocol.TypeCrash, protocol.CrashPayload{Reason: "terminal id: " + err.Error()})
		return fmt.Errorf("terminal id: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	sess := s.newSession(conn, st, terminalID)

	wg.Add(2)
	go func() {
		defer wg.Done()
		NewRetentionSweeper(st, s.cfg.Drain.Retention, s.cfg.SweepInterval, s.cfg.Logger).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sess.refresher.Run(ctx)
	}()

	// Receive does not observe ctx; closing the stream unblocks it.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	if err := conn.Emit(protocol.TypeReady, protocol.ReadyPayload{
		SchemaVersion: st.SchemaVersion(),
		Recovery:      st.Recovery(),
		Requeued:      requeued,
		TerminalID:    terminalID,
	}); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}
	s.logger.Info("worker ready",
		"action", "ready",
		"schema_version", st.SchemaVersion(),
		"requeued", requeued,
		"terminal_id", terminalID,
	)

	for {
		msg, err := conn.Receive()
		if err != nil {
			if sess.crashed.Load() {
				return ErrCrashed
			}
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				s.logger.Info("worker session ended", "action", "shutdown")
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		if msg.Type.IsEvent() || msg.Type.IsReply() {
			s.logger.Warn("ignoring unexpected message", "type", msg.Type)
			continue
		}

		wg.Add(1)
		go func(msg protocol.Message) {
			defer wg.Done()
			sess.handle(ctx, msg)
		}(msg)
	}
}

// TerminalIDKey is the setting holding the generated terminal id.
const TerminalIDKey = "terminal_id"

// resolveTerminalID returns the configured id, or the one kept in settings,
// generating and storing it on first start.
func resolveTerminalID(ctx context.Context, st *store.SQLiteStore, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	id, err := st.GetSetting(ctx, TerminalIDKey)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	id = ulid.Make().String()
	if err := st.SetSetting(ctx, TerminalIDKey, id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Server) newSession(conn *protocol.Conn, st *store.SQLiteStore, terminalID string) *session {
	sess := &session{
		srv:    s,
		conn:   conn,
		store:  st,
		logger: s.logger,
	}

	drainCfg := s.cfg.Drain
	drainCfg.Observer = sess.drainFinished
	sess.drainer = outbox.NewDrainer(st, s.cfg.Backend, drainCfg, s.cfg.Logger)
	sess.refresher = NewCacheRefresher(st, s.cfg.Backend, s.cfg.RefreshInterval, sess.cacheRefreshed, s.cfg.Logger)
	sess.exporter = NewSnapshotExporter(st, s.cfg.SnapshotDir, s.cfg.Uploader, terminalID, s.cfg.Logger)
	return sess
}

// handle runs one request. A panic is reported as a CRASH event and ends
// the session.
func (sess *session) handle(ctx context.Context, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			sess.crashed.Store(true)
			sess.logger.Error("handler panic",
				"action", "crash",
				"type", msg.Type,
				"panic", fmt.Sprint(r),
			)
			_ = sess.conn.Emit(protocol.TypeCrash, protocol.CrashPayload{Reason: fmt.Sprintf("%s: %v", msg.Type, r)})
			_ = sess.conn.Close()
		}
	}()

	start := time.Now()
	result, err := sess.dispatch(ctx, msg)
	if err != nil {
		sess.logger.Debug("request failed",
			"type", msg.Type,
			"id", msg.ID,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		_ = sess.conn.ReplyError(msg.ID, err)
		return
	}
	_ = sess.conn.Reply(msg.ID, result)
}

func (sess *session) drainFinished(res types.DrainResult, err error) {
	now := time.Now().UTC()
	sess.lastDrain.Store(&now)
	if err != nil {
		_ = sess.conn.Emit(protocol.TypeSyncFailed, protocol.SyncFailedPayload{Error: protocol.ErrorFrom(err)})
		return
	}
	_ = sess.conn.Emit(protocol.TypeSyncCompleted, res)
}

func (sess *session) cacheRefreshed(res types.RefreshResult) {
	_ = sess.conn.Emit(protocol.TypeCacheRefreshed, res)
}
