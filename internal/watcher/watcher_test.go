package watcher

import (
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

// waitForCount polls until counter reaches want or the deadline passes
func waitForCount(counter *int32, want int32, timeout time.Duration) int32 {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if n := atomic.LoadInt32(counter); n >= want {
			return n
		}
		time.Sleep(10 * time.Millisecond)
	}
	return atomic.LoadInt32(counter)
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestNewConfigWatcher(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	writeConfig(t, configPath, "llm:\n  default_provider: ollama\n")

	w := NewConfigWatcher(configPath, 100*time.Millisecond)
	if w == nil {
		t.Fatal("NewConfigWatcher returned nil")
	}
	if w.Path() != configPath {
		t.Errorf("path = %q, want %q", w.Path(), configPath)
	}
	if w.debounce != 100*time.Millisecond {
		t.Errorf("debounce = %v, want 100ms", w.debounce)
	}
}

func TestNewConfigWatcher_DefaultDebounce(t *testing.T) {
	w := NewConfigWatcher(filepath.Join(t.TempDir(), "config.yaml"), 0)
	if w.debounce != DefaultDebounce {
		t.Errorf("debounce = %v, want %v", w.debounce, DefaultDebounce)
	}
}

func TestConfigWatcher_DetectsChange(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configPath, "default_provider: ollama")

	var callbackCount int32
	w := NewConfigWatcher(configPath, 30*time.Millisecond)
	w.SetCallback(func() { atomic.AddInt32(&callbackCount, 1) })

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	writeConfig(t, configPath, "default_provider: openai")

	if waitForCount(&callbackCount, 1, 2*time.Second) == 0 {
		t.Error("Callback should have been called after file change")
	}
}

func TestConfigWatcher_NoCallbackIfUnchanged(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configPath, "default_provider: ollama")

	var callbackCount int32
	w := NewConfigWatcher(configPath, 30*time.Millisecond)
	w.SetCallback(func() { atomic.AddInt32(&callbackCount, 1) })

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	// Unrelated files in the same directory are ignored
	writeConfig(t, filepath.Join(filepath.Dir(configPath), "other.yaml"), "x: 1")
	time.Sleep(200 * time.Millisecond)

	if count := atomic.LoadInt32(&callbackCount); count != 0 {
		t.Errorf("Callback should not be called without changes, got %d calls", count)
	}
}

func TestConfigWatcher_DebouncesBursts(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configPath, "v: 0")

	var callbackCount int32
	w := NewConfigWatcher(configPath, 150*time.Millisecond)
	w.SetCallback(func() { atomic.AddInt32(&callbackCount, 1) })

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	for i := 1; i <= 5; i++ {
		writeConfig(t, configPath, "v: "+strconv.Itoa(i*11))
	}

	waitForCount(&callbackCount, 1, 2*time.Second)
	time.Sleep(300 * time.Millisecond)

	if count := atomic.LoadInt32(&callbackCount); count != 1 {
		t.Errorf("burst of writes should reload once, got %d calls", count)
	}
}

func TestConfigWatcher_AtomicRename(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	writeConfig(t, configPath, "default_provider: ollama")

	var callbackCount int32
	w := NewConfigWatcher(configPath, 30*time.Millisecond)
	w.SetCallback(func() { atomic.AddInt32(&callbackCount, 1) })

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	tmp := filepath.Join(dir, "config.yaml.tmp")
	writeConfig(t, tmp, "default_provider: anthropic\n")
	if err := os.Rename(tmp, configPath); err != nil {
		t.Fatal(err)
	}

	if waitForCount(&callbackCount, 1, 2*time.Second) == 0 {
		t.Error("Callback should fire when the file is replaced by rename")
	}
}

func TestConfigWatcher_Stop(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configPath, "v: 1")

	var callbackCount int32
	w := NewConfigWatcher(configPath, 30*time.Millisecond)
	w.SetCallback(func() { atomic.AddInt32(&callbackCount, 1) })

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	w.Stop()
	w.Stop() // second Stop is a no-op

	writeConfig(t, configPath, "v: 22")
	time.Sleep(150 * time.Millisecond)

	if count := atomic.LoadInt32(&callbackCount); count != 0 {
		t.Errorf("Callback should not be called after Stop, got %d calls", count)
	}
}

func TestConfigWatcher_MissingFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nonexistent.yaml")

	var callbackCount int32
	w := NewConfigWatcher(configPath, 30*time.Millisecond)
	w.SetCallback(func() { atomic.AddInt32(&callbackCount, 1) })

	// Should not fail with missing file
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	writeConfig(t, configPath, "v: 1")

	if waitForCount(&callbackCount, 1, 2*time.Second) == 0 {
		t.Error("Callback should be called when file appears")
	}
}

func TestConfigWatcher_MultipleChanges(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configPath, "v: 1")

	var callbackCount int32
	w := NewConfigWatcher(configPath, 20*time.Millisecond)
	w.SetCallback(func() { atomic.AddInt32(&callbackCount, 1) })

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	for i := 2; i <= 4; i++ {
		writeConfig(t, configPath, "v: "+strconv.Itoa(i*100))
		waitForCount(&callbackCount, int32(i-1), time.Second)
	}

	if count := atomic.LoadInt32(&callbackCount); count < 3 {
		t.Errorf("Callback should be called for each change, got %d calls", count)
	}
}

func TestConfigWatcher_PollFallback(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configPath, "v: 1")

	var callbackCount int32
	w := NewConfigWatcher(configPath, 10*time.Millisecond)
	w.pollInterval = 20 * time.Millisecond
	w.SetCallback(func() { atomic.AddInt32(&callbackCount, 1) })
	w.updateFileState()

	w.wg.Add(1)
	go w.poll()
	defer w.Stop()

	writeConfig(t, configPath, "v: 12345")

	if waitForCount(&callbackCount, 1, 2*time.Second) == 0 {
		t.Error("polling loop should detect the change")
	}
}

func TestDefaults(t *testing.T) {
	if DefaultPollInterval != 5*time.Second {
		t.Errorf("DefaultPollInterval = %v, want 5s", DefaultPollInterval)
	}
	if DefaultDebounce != 250*time.Millisecond {
		t.Errorf("DefaultDebounce = %v, want 250ms", DefaultDebounce)
	}
}
