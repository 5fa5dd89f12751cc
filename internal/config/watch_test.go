package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWatchReloadsOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf.json")
	if err := os.WriteFile(path, []byte(`{"allow_cors": ["a.com"]}`), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	base := defaults()
	base.ConfigPath = path

	received := make(chan Config, 1)
	watcher, err := Watch(path, base, zap.NewNop(), func(cfg Config) {
		received <- cfg
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer watcher.Close()

	// Give the watcher's goroutine time to register the directory watch
	// before we mutate the file.
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"allow_cors": ["a.com", "b.com"]}`), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-received:
		if len(cfg.AllowCORS) != 2 {
			t.Errorf("AllowCORS after reload = %v, want 2 origins", cfg.AllowCORS)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}
