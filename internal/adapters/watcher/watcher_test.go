package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestFsnotifyOpToOperation(t *testing.T) {
	tests := []struct {
		name     string
		op       fsnotify.Op
		expected Operation
	}{
		{
			name:     "Remove returns OpDelete",
			op:       fsnotify.Remove,
			expected: OpDelete,
		},
		{
			name:     "Rename returns OpDelete",
			op:       fsnotify.Rename,
			expected: OpDelete,
		},
		{
			name:     "Create returns OpCreate",
			op:       fsnotify.Create,
			expected: OpCreate,
		},
		{
			name:     "Write returns OpModify",
			op:       fsnotify.Write,
			expected: OpModify,
		},
		{
			name:     "Chmod returns OpModify",
			op:       fsnotify.Chmod,
			expected: OpModify,
		},
		{
			name:     "Remove takes precedence over Write",
			op:       fsnotify.Remove | fsnotify.Write,
			expected: OpDelete,
		},
		{
			name:     "Rename takes precedence over Create",
			op:       fsnotify.Rename | fsnotify.Create,
			expected: OpDelete,
		},
		{
			name:     "Create takes precedence over Write",
			op:       fsnotify.Create | fsnotify.Write,
			expected: OpCreate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := fsnotifyOpToOperation(tt.op)
			if result != tt.expected {
				t.Errorf("fsnotifyOpToOperation(%v) = %v, want %v", tt.op, result, tt.expected)
			}
		})
	}
}

func TestOperationString(t *testing.T) {
	tests := []struct {
		op       Operation
		expected string
	}{
		{OpCreate, "create"},
		{OpModify, "modify"},
		{OpDelete, "delete"},
		{Operation(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.op.String(); got != tt.expected {
				t.Errorf("Operation.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestWatcherReportsMatchingFile(t *testing.T) {
	root := t.TempDir()
	dateDir := filepath.Join(root, "AB", "2021032")
	if err := os.MkdirAll(dateDir, 0750); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var events []Event
	handler := func(_ context.Context, e Event) error {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		return nil
	}
	matcher := func(path string) (string, bool) {
		if strings.HasSuffix(path, ".hdf") {
			return "modax", true
		}
		return "", false
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	w, err := New(Config{Roots: []string{root}, Debounce: 50 * time.Millisecond}, matcher, handler, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = w.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dateDir, "MX_AB_2021032_raw.hdf"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dateDir, "notes.txt"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no event received")
		case <-time.After(20 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, e := range events {
		if e.Driver != "modax" {
			t.Errorf("event driver = %q", e.Driver)
		}
		if !strings.HasSuffix(e.Path, ".hdf") {
			t.Errorf("non-matching path reported: %q", e.Path)
		}
	}
}
