package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/possync/internal/protocol"
	"github.com/hyperengineering/possync/internal/snapshot"
)

// SnapshotStore defines the store operation needed for support snapshots.
type SnapshotStore interface {
	Snapshot(ctx context.Context, dest string) error
}

// SnapshotExporter writes support snapshots of the database and optionally
// uploads them.
type SnapshotExporter struct {
	store      SnapshotStore
	dir        string
	uploader   snapshot.Uploader
	terminalID string
	logger     *slog.Logger
	now        func() time.Time
}

// NewSnapshotExporter creates an exporter. A nil uploader keeps snapshots
// local.
func NewSnapshotExporter(s SnapshotStore, dir string, uploader snapshot.Uploader, terminalID string, logger *slog.Logger) *SnapshotExporter {
	if uploader == nil {
		uploader = &snapshot.NoopUploader{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotExporter{
		store:      s,
		dir:        dir,
		uploader:   uploader,
		terminalID: terminalID,
		logger:     logger.With("component", "worker", "worker", "snapshot-exporter"),
		now:        time.Now,
	}
}

// Export writes a snapshot file. When upload is set and storage is
// configured the file is uploaded too and a pre-signed download link is
// attached. Upload failures are reported in the result but are not fatal,
// the local snapshot remains valid.
func (e *SnapshotExporter) Export(ctx context.Context, upload bool) (protocol.SnapshotResult, error) {
	name := fmt.Sprintf("possync-%s.db", e.now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(e.dir, name)

	e.logger.Info("snapshot export started", "action", "snapshot_start", "path", path)
	if err := e.store.Snapshot(ctx, path); err != nil {
		e.logger.Warn("snapshot export failed", "action", "snapshot_failed", "error", err)
		return protocol.SnapshotResult{}, err
	}

	res := protocol.SnapshotResult{Path: path}
	if info, err := os.Stat(path); err == nil {
		res.Bytes = info.Size()
	}

	if !upload || !e.uploader.Enabled() {
		return res, nil
	}

	key, err := e.uploader.Upload(ctx, e.terminalID, path)
	if err != nil {
		e.logger.Warn("snapshot upload failed",
			"action", "snapshot_upload_failed",
			"path", path,
			"error", err,
		)
		res.UploadError = err.Error()
		return res, nil
	}
	res.Uploaded = true
	res.Key = key
	e.logger.Info("snapshot uploaded", "action", "snapshot_uploaded", "key", key)

	link, expiry, err := e.uploader.PresignedURL(ctx, key)
	if err != nil {
		e.logger.Warn("snapshot link failed", "action", "snapshot_presign_failed", "key", key, "error", err)
		return res, nil
	}
	res.DownloadURL = link
	res.URLExpiresAt = &expiry
	return res, nil
}
