package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hyperengineering/possync/internal/worker"
)

// InprocLauncher runs the worker as a goroutine on the far end of an
// in-memory pipe. A new session is not started until the previous one has
// released the store.
type InprocLauncher struct {
	Server *worker.Server
	Logger *slog.Logger

	mu   sync.Mutex
	prev chan struct{}
}

// Launch implements Launcher.
func (l *InprocLauncher) Launch(ctx context.Context) (io.ReadWriteCloser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.prev != nil {
		select {
		case <-l.prev:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	agentEnd, workerEnd := net.Pipe()
	done := make(chan struct{})
	l.prev = done
	go func() {
		defer close(done)
		if err := l.Server.Serve(ctx, workerEnd); err != nil {
			logger.Warn("worker session ended with error", "component", "bridge", "error", err)
		}
	}()
	return agentEnd, nil
}

// ProcessLauncher runs the worker as a child process speaking the protocol
// over its stdin and stdout.
type ProcessLauncher struct {
	// Path is the executable, usually os.Executable().
	Path string
	// Args are passed to the executable, e.g. ["worker"].
	Args []string
	// Env is appended to the parent environment.
	Env []string
	// Stderr receives the worker's logs. Defaults to os.Stderr.
	Stderr io.Writer
	// StopTimeout bounds the wait for a clean exit before the child is
	// killed. Defaults to 5s.
	StopTimeout time.Duration
}

// Launch implements Launcher.
func (p *ProcessLauncher) Launch(ctx context.Context) (io.ReadWriteCloser, error) {
	if p.Path == "" {
		return nil, errors.New("process launcher: executable path is required")
	}
	cmd := exec.Command(p.Path, p.Args...)
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Stderr = p.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	stop := p.StopTimeout
	if stop <= 0 {
		stop = 5 * time.Second
	}
	return &processConn{cmd: cmd, w: stdin, r: stdout, stopTimeout: stop}, nil
}

// processConn is the agent's view of a worker process.
type processConn struct {
	cmd         *exec.Cmd
	w           io.WriteCloser
	r           io.ReadCloser
	stopTimeout time.Duration

	once sync.Once
	err  error
}

func (c *processConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *processConn) Write(p []byte) (int, error) { return c.w.Write(p) }

// Close closes the worker's stdin, which ends its session, and waits for
// the process to exit. A worker that does not exit in time is killed.
func (c *processConn) Close() error {
	c.once.Do(func() {
		_ = c.w.Close()

		exited := make(chan error, 1)
		go func() { exited <- c.cmd.Wait() }()

		select {
		case err := <-exited:
			c.err = ignoreExit(err)
		case <-time.After(c.stopTimeout):
			_ = c.cmd.Process.Kill()
			c.err = ignoreExit(<-exited)
		}
	})
	return c.err
}

func ignoreExit(err error) error {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return nil
	}
	return err
}
