// Package watcher detects out-of-band changes to the archive trees so
// the catalog can be reconciled without waiting for the next scheduled
// pass.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event represents a file system event in one driver's archive tree.
type Event struct {
	Path      string
	Driver    string
	Operation Operation
}

// Operation represents the type of file operation.
type Operation int

// File operation types.
const (
	OpCreate Operation = iota
	OpModify
	OpDelete
)

// String returns the string representation of the operation.
func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Handler is called when a relevant file event occurs.
type Handler func(ctx context.Context, event Event) error

// Matcher reports whether a path belongs to a driver's catalog (asset
// or product filename) and names the driver.
type Matcher func(path string) (driver string, ok bool)

// pendingEvent holds a debounced event with its operation.
type pendingEvent struct {
	timestamp time.Time
	driver    string
	op        Operation
}

// Watcher watches driver archive trees for file changes. Archive
// trees are nested, so new date directories are added to the watch as
// they appear.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	handler   Handler
	matcher   Matcher
	logger    *slog.Logger
	roots     []string
	debounce  time.Duration
	mu        sync.Mutex
	pending   map[string]*pendingEvent
}

// Config holds watcher configuration.
type Config struct {
	// Roots are the per-driver tile roots to watch recursively.
	Roots    []string
	Debounce time.Duration
}

// New creates a new archive watcher.
func New(cfg Config, matcher Matcher, handler Handler, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if cfg.Debounce == 0 {
		cfg.Debounce = 500 * time.Millisecond
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		handler:   handler,
		matcher:   matcher,
		logger:    logger,
		roots:     cfg.Roots,
		debounce:  cfg.Debounce,
		pending:   make(map[string]*pendingEvent),
	}, nil
}

// Start starts watching the configured archive roots.
func (w *Watcher) Start(ctx context.Context) error {
	for _, root := range w.roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			w.logger.Warn("invalid watch root", "path", root, "error", err)
			continue
		}

		if err := w.addTree(absRoot); err != nil {
			w.logger.Warn("failed to watch tree", "path", absRoot, "error", err)
			continue
		}

		w.logger.Info("watching archive tree", "path", absRoot)
	}

	// Start event loop
	go w.eventLoop(ctx)

	// Start debounce processor
	go w.debounceLoop(ctx)

	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.fsWatcher.Close()
}

// addTree registers every directory under root, including root itself.
// A root that does not exist yet is skipped silently; it is picked up
// when a parent watch sees it created.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.fsWatcher.Add(path)
	})
}

// eventLoop processes fsnotify events.
func (w *Watcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// handleFsEvent processes a single fsnotify event.
func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	// New tile or date directories must join the watch before files
	// land in them.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
	}

	driver, ok := w.matcher(event.Name)
	if !ok {
		return
	}

	w.logger.Debug("file event", "path", event.Name, "driver", driver, "op", event.Op.String())

	op := fsnotifyOpToOperation(event.Op)

	// Add to pending events for debouncing
	w.mu.Lock()
	defer w.mu.Unlock()

	existing, exists := w.pending[event.Name]
	if !exists {
		w.pending[event.Name] = &pendingEvent{
			timestamp: time.Now(),
			driver:    driver,
			op:        op,
		}
		return
	}

	w.updatePendingEvent(existing, op)
}

// updatePendingEvent updates an existing pending event based on the new operation.
func (w *Watcher) updatePendingEvent(existing *pendingEvent, newOp Operation) {
	existing.timestamp = time.Now()

	switch {
	case existing.op == OpDelete && newOp == OpCreate:
		// File was deleted then recreated - use create operation
		existing.op = OpCreate
	case newOp == OpDelete:
		// New delete event always takes precedence
		existing.op = OpDelete
		// For other cases (modify after modify, etc), just update timestamp
	}
}

// debounceLoop processes debounced events.
func (w *Watcher) debounceLoop(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.processPending(ctx)
		}
	}
}

// processPending processes pending debounced events.
func (w *Watcher) processPending(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	for path, pending := range w.pending {
		if now.Sub(pending.timestamp) < w.debounce {
			continue
		}

		delete(w.pending, path)

		event := Event{
			Path:      path,
			Driver:    pending.driver,
			Operation: pending.op,
		}

		w.logger.Info("processing file event",
			"path", path,
			"driver", pending.driver,
			"operation", pending.op.String(),
		)

		// Call handler in goroutine to not block
		go func(e Event) {
			if err := w.handler(ctx, e); err != nil {
				w.logger.Error("handler error",
					"path", e.Path,
					"driver", e.Driver,
					"operation", e.Operation.String(),
					"error", err,
				)
			}
		}(event)
	}
}

// fsnotifyOpToOperation converts fsnotify.Op to our Operation type.
func fsnotifyOpToOperation(op fsnotify.Op) Operation {
	switch {
	case op.Has(fsnotify.Remove):
		return OpDelete
	case op.Has(fsnotify.Rename):
		// Rename is treated as delete (the file is gone from original location)
		return OpDelete
	case op.Has(fsnotify.Create):
		return OpCreate
	default:
		// Write, Chmod, etc. are treated as modify
		return OpModify
	}
}
