package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestWatchDogReportsCreatedFiles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	notify := make(chan string, 8)
	wd, err := NewWatchDogFactory(zaptest.NewLogger(t)).New(ctx, notify, func(p string) bool {
		return !strings.HasSuffix(p, "README.txt")
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := wd.AddDir(dir); err != nil {
		t.Fatalf("AddDir: %v", err)
	}
	if err := wd.AddDir(dir); err != nil || wd.Watching() != 1 {
		t.Fatalf("re-adding a directory should be a no-op: %v, %d", err, wd.Watching())
	}

	for _, name := range []string{"README.txt", "id:000000,sig:11"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case got := <-notify:
		if filepath.Base(got) != "id:000000,sig:11" {
			t.Fatalf("unexpected file reported: %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for file event")
	}

	cancel()
	select {
	case <-wd.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
	for range notify {
	}
}

func TestWatchDogAddDirErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wd, err := NewWatchDogFactory(zaptest.NewLogger(t)).New(ctx, make(chan string), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := wd.AddDir(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for a missing directory")
	}

	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := wd.AddDir(file); err == nil {
		t.Error("expected error for a regular file")
	}
}
