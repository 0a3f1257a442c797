package usage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/qitops/qitops-agent/internal/llm"
	"github.com/qitops/qitops-agent/internal/store"
)

type memorySink struct {
	mu      sync.Mutex
	records []*store.UsageRecord
	err     error
}

func (s *memorySink) SaveUsage(r *store.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, r)
	return nil
}

func TestNewTracker(t *testing.T) {
	tracker := NewTracker(nil)
	if tracker == nil {
		t.Fatal("NewTracker returned nil")
	}
}

func TestTrackerRecordRequest(t *testing.T) {
	tracker := NewTracker(nil)

	tracker.RecordRequest("ollama", "mistral", "chat", 200*time.Millisecond, 150)

	stats := tracker.Get("ollama")
	if stats.TotalTokens != 150 {
		t.Errorf("TotalTokens = %d, want 150", stats.TotalTokens)
	}
	if stats.RequestCount != 1 {
		t.Errorf("RequestCount = %d, want 1", stats.RequestCount)
	}
	if stats.AvgLatency() != 200*time.Millisecond {
		t.Errorf("AvgLatency = %v, want 200ms", stats.AvgLatency())
	}
	if stats.FirstRequest.IsZero() || stats.LastRequest.IsZero() {
		t.Error("request timestamps should be set")
	}
}

func TestTrackerMultipleRecords(t *testing.T) {
	tracker := NewTracker(nil)

	tracker.RecordRequest("openai", "gpt-4", "chat", 100*time.Millisecond, 150)
	tracker.RecordRequest("openai", "gpt-4", "batch", 300*time.Millisecond, 300)
	tracker.RecordRequest("openai", "gpt-3.5-turbo", "chat", 200*time.Millisecond, 225)

	stats := tracker.Get("openai")
	if stats.TotalTokens != 675 {
		t.Errorf("TotalTokens = %d, want 675", stats.TotalTokens)
	}
	if stats.RequestCount != 3 {
		t.Errorf("RequestCount = %d, want 3", stats.RequestCount)
	}
	if stats.AvgLatency() != 200*time.Millisecond {
		t.Errorf("AvgLatency = %v, want 200ms", stats.AvgLatency())
	}
	if stats.ModelsUsed["gpt-4"] != 2 || stats.ModelsUsed["gpt-3.5-turbo"] != 1 {
		t.Errorf("unexpected models: %v", stats.ModelsUsed)
	}
	if stats.TasksUsed["chat"] != 2 || stats.TasksUsed["batch"] != 1 {
		t.Errorf("unexpected tasks: %v", stats.TasksUsed)
	}
}

func TestTrackerCacheAndErrors(t *testing.T) {
	tracker := NewTracker(nil)

	tracker.RecordCacheMiss("ollama")
	tracker.RecordCacheHit("ollama")
	tracker.RecordCacheHit("ollama")
	tracker.RecordError("ollama", "chat", llm.ErrServer)

	stats := tracker.Get("ollama")
	if stats.CacheHits != 2 {
		t.Errorf("CacheHits = %d, want 2", stats.CacheHits)
	}
	if stats.CacheMisses != 1 {
		t.Errorf("CacheMisses = %d, want 1", stats.CacheMisses)
	}
	if stats.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", stats.ErrorCount)
	}
	if stats.RequestCount != 0 {
		t.Errorf("RequestCount = %d, want 0", stats.RequestCount)
	}
}

func TestTrackerReset(t *testing.T) {
	tracker := NewTracker(nil)

	tracker.RecordRequest("ollama", "mistral", "chat", time.Millisecond, 150)
	tracker.Reset("ollama")

	stats := tracker.Get("ollama")
	if stats.TotalTokens != 0 {
		t.Errorf("TotalTokens = %d, want 0 after reset", stats.TotalTokens)
	}
	if stats.RequestCount != 0 {
		t.Errorf("RequestCount = %d, want 0 after reset", stats.RequestCount)
	}
}

func TestTrackerProvidersIsolated(t *testing.T) {
	tracker := NewTracker(nil)

	tracker.RecordRequest("ollama", "mistral", "chat", time.Millisecond, 150)
	tracker.RecordRequest("anthropic", "claude-3-haiku", "chat", time.Millisecond, 300)

	if got := tracker.Get("ollama").TotalTokens; got != 150 {
		t.Errorf("ollama TotalTokens = %d, want 150", got)
	}
	if got := tracker.Get("anthropic").TotalTokens; got != 300 {
		t.Errorf("anthropic TotalTokens = %d, want 300", got)
	}

	providers := tracker.Providers()
	if len(providers) != 2 || providers[0] != "anthropic" || providers[1] != "ollama" {
		t.Errorf("Providers = %v", providers)
	}
}

func TestTrackerGetReturnsCopy(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.RecordRequest("ollama", "mistral", "chat", time.Millisecond, 1)

	stats := tracker.Get("ollama")
	stats.ModelsUsed["mistral"] = 100
	stats.TotalTokens = 100

	again := tracker.Get("ollama")
	if again.ModelsUsed["mistral"] != 1 || again.TotalTokens != 1 {
		t.Error("mutating a returned Stats must not affect the tracker")
	}
}

func TestTrackerGlobal(t *testing.T) {
	tracker := NewTracker(nil)

	tracker.RecordRequest("ollama", "mistral", "chat", time.Millisecond, 10)
	tracker.RecordRequest("openai", "gpt-4", "chat", time.Millisecond, 20)
	tracker.RecordCacheHit("openai")

	global := tracker.GetGlobal()
	if global.TotalTokens != 30 {
		t.Errorf("TotalTokens = %d, want 30", global.TotalTokens)
	}
	if global.RequestCount != 2 {
		t.Errorf("RequestCount = %d, want 2", global.RequestCount)
	}
	if global.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", global.CacheHits)
	}
	if global.TasksUsed["chat"] != 2 {
		t.Errorf("TasksUsed[chat] = %d, want 2", global.TasksUsed["chat"])
	}
}

func TestTrackerPersistsToSink(t *testing.T) {
	sink := &memorySink{}
	tracker := NewTracker(sink)

	tracker.RecordRequest("ollama", "mistral", "chat", 50*time.Millisecond, 7)
	tracker.RecordCacheHit("ollama")
	tracker.RecordCacheMiss("ollama")
	tracker.RecordError("openai", "batch", fmt.Errorf("call: %w", llm.ErrAuth))

	if len(sink.records) != 3 {
		t.Fatalf("expected 3 persisted records, got %d", len(sink.records))
	}
	if r := sink.records[0]; r.Provider != "ollama" || r.Tokens != 7 || r.Latency != 50*time.Millisecond || r.Task != "chat" {
		t.Errorf("unexpected request record: %+v", r)
	}
	if !sink.records[1].Cached {
		t.Error("cache hit record should be marked cached")
	}
	if r := sink.records[2]; r.ErrorKind != "auth" || r.Task != "batch" {
		t.Errorf("unexpected error record: %+v", r)
	}
}

func TestTrackerSinkFailureKeepsCounting(t *testing.T) {
	tracker := NewTracker(&memorySink{err: errors.New("disk full")})
	tracker.RecordRequest("ollama", "mistral", "chat", time.Millisecond, 3)

	if got := tracker.Get("ollama").RequestCount; got != 1 {
		t.Errorf("RequestCount = %d, want 1", got)
	}
}

func TestTrackerWithSQLiteStore(t *testing.T) {
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()

	tracker := NewTracker(db)
	tracker.RecordRequest("ollama", "mistral", "chat", 10*time.Millisecond, 12)
	tracker.RecordCacheHit("ollama")

	summary, err := db.Summary(time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if len(summary) != 1 || summary[0].Requests != 1 || summary[0].CacheHits != 1 || summary[0].Tokens != 12 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestStatsString(t *testing.T) {
	stats := &Stats{
		TotalTokens:  150,
		RequestCount: 3,
		CacheHits:    2,
		ModelsUsed: map[string]int{
			"mistral": 2,
			"gpt-4":   1,
		},
		TasksUsed: map[string]int{"chat": 3},
	}

	str := stats.String()
	if !strings.Contains(str, "150") {
		t.Error("Should contain total tokens")
	}
	if !strings.Contains(str, "Requests: 3") {
		t.Error("Should contain request count")
	}
	if !strings.Contains(str, "2 hits") {
		t.Error("Should contain cache hits")
	}
	if strings.Index(str, "gpt-4") > strings.Index(str, "mistral") {
		t.Error("Models should be listed in sorted order")
	}
}

func TestStatsStringEmpty(t *testing.T) {
	if got := newStats().String(); got != "No usage recorded yet." {
		t.Errorf("unexpected empty string: %q", got)
	}
}

func TestGetNonExistent(t *testing.T) {
	tracker := NewTracker(nil)

	stats := tracker.Get("gemini")
	if stats == nil {
		t.Fatal("Get should return empty stats, not nil")
	}
	if stats.TotalTokens != 0 {
		t.Error("Unknown provider should have 0 tokens")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{2 * time.Hour, "2h"},
		{2*time.Hour + 15*time.Minute, "2h 15m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
