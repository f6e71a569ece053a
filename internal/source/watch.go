package source

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/tbergin/freshet/internal/model"
)

// DirWatcher converts file creation in a local drop directory into
// FileEvents. It is the dev/test stand-in for a cloud notification
// transport: delivery is at-least-once (a retried emit after ErrQueueFull
// re-delivers the same event) and unordered.
type DirWatcher struct {
	dir      string
	listener *Listener
	log      zerolog.Logger

	// debounce lets a file settle before it is hashed and emitted;
	// a write racing the emit just produces another event later.
	debounce time.Duration
}

// NewDirWatcher creates a watcher over dir that feeds the listener.
func NewDirWatcher(dir string, l *Listener, log zerolog.Logger) *DirWatcher {
	return &DirWatcher{
		dir:      dir,
		listener: l,
		log:      log,
		debounce: 500 * time.Millisecond,
	}
}

// Run blocks until the context is cancelled.
func (w *DirWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info().Str("dir", w.dir).Msg("watching drop directory")

	timers := make(map[string]*time.Timer)
	var mu sync.Mutex

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			path := event.Name

			mu.Lock()
			if t, exists := timers[path]; exists {
				t.Stop()
			}
			timers[path] = time.AfterFunc(w.debounce, func() {
				w.emit(ctx, path)
				mu.Lock()
				delete(timers, path)
				mu.Unlock()
			})
			mu.Unlock()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

// emit stats and hashes the file, then hands the event to the listener.
// On queue backpressure the emit is retried after the debounce interval.
func (w *DirWatcher) emit(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}

	stat, err := os.Stat(path)
	if err != nil || stat.IsDir() {
		return
	}

	sum, err := fileHash(path)
	if err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("hash failed, skipping file")
		return
	}

	ev := model.FileEvent{
		Path:      filepath.Clean(path),
		Size:      stat.Size(),
		Checksum:  sum,
		EventTime: time.Now(),
	}

	switch err := w.listener.Handle(ctx, ev); err {
	case nil:
	case ErrQueueFull:
		w.log.Info().Str("path", path).Msg("queue full, retrying event later")
		time.AfterFunc(w.debounce, func() { w.emit(ctx, path) })
	default:
		w.log.Error().Err(err).Str("path", path).Msg("event handling failed")
	}
}

// fileHash computes the hex-encoded SHA-256 of the file at path.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for hash: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
