package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, dbPath
}

func TestSQLiteStore_CreateAndClose(t *testing.T) {
	_, dbPath := newTestStore(t)

	// Verify database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestSQLiteStore_CreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "usage.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Errorf("parent directory not created: %v", err)
	}
}

func TestSQLiteStore_SaveAndLoadUsage(t *testing.T) {
	store, _ := newTestStore(t)

	rec := &UsageRecord{
		Provider: "ollama",
		Model:    "mistral",
		Task:     "chat",
		Tokens:   42,
		Latency:  250 * time.Millisecond,
	}
	if err := store.SaveUsage(rec); err != nil {
		t.Fatalf("failed to save usage: %v", err)
	}
	if rec.ID == "" {
		t.Error("expected ID to be generated")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	records, err := store.RecentUsage(10)
	if err != nil {
		t.Fatalf("failed to load usage: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	got := records[0]
	if got.ID != rec.ID {
		t.Errorf("id mismatch: got %s, want %s", got.ID, rec.ID)
	}
	if got.Provider != "ollama" || got.Model != "mistral" || got.Task != "chat" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Tokens != 42 {
		t.Errorf("tokens mismatch: got %d, want 42", got.Tokens)
	}
	if got.Latency != 250*time.Millisecond {
		t.Errorf("latency mismatch: got %v", got.Latency)
	}
	if got.Cached {
		t.Error("expected cached=false")
	}
}

func TestSQLiteStore_RecentUsageOrderAndLimit(t *testing.T) {
	store, _ := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i, provider := range []string{"openai", "anthropic", "ollama"} {
		err := store.SaveUsage(&UsageRecord{Provider: provider, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
		if err != nil {
			t.Fatalf("failed to save: %v", err)
		}
	}

	records, err := store.RecentUsage(2)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Provider != "ollama" || records[1].Provider != "anthropic" {
		t.Errorf("unexpected order: %s, %s", records[0].Provider, records[1].Provider)
	}
}

func TestSQLiteStore_Summary(t *testing.T) {
	store, _ := newTestStore(t)

	now := time.Now()
	records := []*UsageRecord{
		{Provider: "ollama", Tokens: 10, Latency: 100 * time.Millisecond, CreatedAt: now},
		{Provider: "ollama", Tokens: 30, Latency: 300 * time.Millisecond, CreatedAt: now},
		{Provider: "ollama", Cached: true, CreatedAt: now},
		{Provider: "openai", ErrorKind: "rate_limit", CreatedAt: now},
		{Provider: "openai", Tokens: 99, CreatedAt: now.Add(-48 * time.Hour)},
	}
	for _, r := range records {
		if err := store.SaveUsage(r); err != nil {
			t.Fatalf("failed to save: %v", err)
		}
	}

	summary, err := store.Summary(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("failed to summarize: %v", err)
	}
	if len(summary) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(summary))
	}

	ollama := summary[0]
	if ollama.Provider != "ollama" {
		t.Fatalf("expected ollama first, got %s", ollama.Provider)
	}
	if ollama.Requests != 2 || ollama.Tokens != 40 || ollama.CacheHits != 1 || ollama.Errors != 0 {
		t.Errorf("unexpected ollama summary: %+v", ollama)
	}
	if ollama.AvgLatencyMS != 200 {
		t.Errorf("expected avg latency 200, got %v", ollama.AvgLatencyMS)
	}

	openai := summary[1]
	if openai.Requests != 0 || openai.Errors != 1 || openai.Tokens != 0 {
		t.Errorf("old rows must be excluded, got %+v", openai)
	}
}

func TestSQLiteStore_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store1, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store1.SaveUsage(&UsageRecord{Provider: "anthropic", Tokens: 5}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	store1.Close()

	store2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer store2.Close()

	records, err := store2.RecentUsage(10)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(records) != 1 || records[0].Provider != "anthropic" {
		t.Errorf("record did not persist: %+v", records)
	}
}

func TestSQLiteStore_CleanOldUsage(t *testing.T) {
	store, _ := newTestStore(t)

	now := time.Now()
	_ = store.SaveUsage(&UsageRecord{Provider: "ollama", CreatedAt: now.Add(-72 * time.Hour)})
	_ = store.SaveUsage(&UsageRecord{Provider: "ollama", CreatedAt: now.Add(-48 * time.Hour)})
	_ = store.SaveUsage(&UsageRecord{Provider: "ollama", CreatedAt: now})

	removed, err := store.CleanOldUsage(24 * time.Hour)
	if err != nil {
		t.Fatalf("failed to clean: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}

	records, _ := store.RecentUsage(10)
	if len(records) != 1 {
		t.Errorf("expected 1 remaining record, got %d", len(records))
	}
}

func TestDefaultDBPath(t *testing.T) {
	path := DefaultDBPath()
	if filepath.Base(path) != "usage.db" {
		t.Errorf("unexpected default path %s", path)
	}
	if filepath.Base(filepath.Dir(path)) != ".qitops" {
		t.Errorf("expected ~/.qitops parent, got %s", path)
	}
}
