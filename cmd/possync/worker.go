package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/possync/internal/agent"
)

// workerCmd is the background context in process bridge mode. The agent
// starts it with the protocol on stdin/stdout; stdout must carry frames
// only, so logs go to stderr.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run the background worker over stdio",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.Log).With("process", "worker")

	client, err := agent.NewBackendClient(cfg, Version)
	if err != nil {
		return err
	}
	srv, err := agent.NewWorkerServer(cfg, client, logger)
	if err != nil {
		return err
	}

	err = srv.Serve(ctx, stdio{Reader: os.Stdin, Writer: os.Stdout})
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// stdio joins the process's standard streams into one connection.
type stdio struct {
	io.Reader
	io.Writer
}

// Close closes whichever halves are closers.
func (s stdio) Close() error {
	var errs []error
	for _, half := range []any{s.Reader, s.Writer} {
		if c, ok := half.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
