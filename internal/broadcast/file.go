package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oklog/ulid/v2"
)

// DefaultMessageTTL is how long a published message file is kept before a
// later publish removes it.
const DefaultMessageTTL = time.Minute

// FileChannel is a channel shared by processes through a directory. Every
// publish drops one JSON file into <dir>/<name>; every member watches the
// directory and delivers new files written by other origins.
type FileChannel struct {
	dir     string
	origin  string
	ttl     time.Duration
	watcher *fsnotify.Watcher
	out     *fanout
	logger  *slog.Logger

	mu     sync.Mutex
	seen   map[string]time.Time
	closed bool
	done   chan struct{}
}

// OpenFileChannel joins the named channel rooted at dir.
func OpenFileChannel(dir, name string, logger *slog.Logger) (*FileChannel, error) {
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("invalid channel name %q", name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create channel directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	c := &FileChannel{
		dir:     path,
		origin:  NewOrigin(),
		ttl:     DefaultMessageTTL,
		watcher: w,
		out:     newFanout(),
		logger:  logger.With("component", "broadcast", "channel", name),
		seen:    make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	go c.watch()
	return c, nil
}

// Origin implements Channel.
func (c *FileChannel) Origin() string { return c.origin }

// Dir returns the directory backing the channel.
func (c *FileChannel) Dir() string { return c.dir }

// Publish implements Channel. The file appears atomically under its final
// name so watchers never read a partial message.
func (c *FileChannel) Publish(msg Message) error {
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
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	name := ulid.Make().String() + ".json"
	c.markSeen(name)

	tmp := filepath.Join(c.dir, ".tmp-"+name)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(c.dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish message: %w", err)
	}

	c.expire()
	return nil
}

// Subscribe implements Channel.
func (c *FileChannel) Subscribe() (<-chan Message, func()) {
	return c.out.subscribe()
}

// Close implements Channel.
func (c *FileChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.watcher.Close()
	<-c.done
	c.out.close()
	return err
}

func (c *FileChannel) watch() {
	defer close(c.done)
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			c.receive(ev.Name)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("watch error", "error", err)
		}
	}
}

func (c *FileChannel) receive(path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
		return
	}
	if !c.markSeen(name) {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		// Expired and removed by a publisher before we got to it.
		return
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("ignoring malformed message", "file", name, "error", err)
		return
	}
	if msg.Origin == c.origin {
		return
	}
	c.out.deliver(msg)
}

// markSeen records name and reports whether it was new.
func (c *FileChannel) markSeen(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[name]; ok {
		return false
	}
	c.seen[name] = time.Now()
	return true
}

// expire removes message files and seen entries older than the TTL.
func (c *FileChannel) expire() {
	cutoff := time.Now().Add(-c.ttl)

	c.mu.Lock()
	for name, at := range c.seen {
		if at.Before(cutoff) {
			delete(c.seen, name)
		}
	}
	c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(c.dir, e.Name()))
	}
}
