package usage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qitops/qitops-agent/internal/llm"
	"github.com/qitops/qitops-agent/internal/logger"
	"github.com/qitops/qitops-agent/internal/store"
)

// Stats holds usage statistics for one provider
type Stats struct {
	TotalTokens  int
	RequestCount int
	CacheHits    int
	CacheMisses  int
	ErrorCount   int
	TotalLatency time.Duration
	ModelsUsed   map[string]int
	TasksUsed    map[string]int
	FirstRequest time.Time
	LastRequest  time.Time
}

func newStats() *Stats {
	return &Stats{
		ModelsUsed: make(map[string]int),
		TasksUsed:  make(map[string]int),
	}
}

// AvgLatency returns the mean latency of successful requests
func (s *Stats) AvgLatency() time.Duration {
	if s.RequestCount == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.RequestCount)
}

// String returns a human-readable summary of usage
func (s *Stats) String() string {
	if s.RequestCount == 0 && s.CacheHits == 0 && s.ErrorCount == 0 {
		return "No usage recorded yet."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Total tokens: %d\n", s.TotalTokens)
	fmt.Fprintf(&sb, "Requests: %d (avg %s)\n", s.RequestCount, s.AvgLatency().Round(time.Millisecond))
	fmt.Fprintf(&sb, "Cache: %d hits, %d misses\n", s.CacheHits, s.CacheMisses)
	if s.ErrorCount > 0 {
		fmt.Fprintf(&sb, "Errors: %d\n", s.ErrorCount)
	}

	if len(s.ModelsUsed) > 0 {
		sb.WriteString("Models:\n")
		for _, model := range sortedKeys(s.ModelsUsed) {
			fmt.Fprintf(&sb, "  • %s: %d requests\n", model, s.ModelsUsed[model])
		}
	}
	if len(s.TasksUsed) > 0 {
		sb.WriteString("Tasks:\n")
		for _, task := range sortedKeys(s.TasksUsed) {
			fmt.Fprintf(&sb, "  • %s: %d requests\n", task, s.TasksUsed[task])
		}
	}

	if !s.FirstRequest.IsZero() {
		fmt.Fprintf(&sb, "Active for: %s\n", formatDuration(time.Since(s.FirstRequest)))
	}

	return sb.String()
}

func (s *Stats) clone() *Stats {
	c := *s
	c.ModelsUsed = make(map[string]int, len(s.ModelsUsed))
	for k, v := range s.ModelsUsed {
		c.ModelsUsed[k] = v
	}
	c.TasksUsed = make(map[string]int, len(s.TasksUsed))
	for k, v := range s.TasksUsed {
		c.TasksUsed[k] = v
	}
	return &c
}

// Sink persists individual usage records
type Sink interface {
	SaveUsage(r *store.UsageRecord) error
}

// Tracker aggregates router activity per provider. It implements llm.Reporter.
type Tracker struct {
	stats map[string]*Stats
	mu    sync.RWMutex
	sink  Sink
	log   *logger.Logger
	now   func() time.Time
}

var _ llm.Reporter = (*Tracker)(nil)

// NewTracker creates a new usage tracker. A nil sink keeps usage in memory only.
func NewTracker(sink Sink) *Tracker {
	return &Tracker{
		stats: make(map[string]*Stats),
		sink:  sink,
		log:   logger.Component("usage"),
		now:   time.Now,
	}
}

// statsFor returns the entry for provider, creating it. Caller holds mu.
func (t *Tracker) statsFor(provider string) *Stats {
	stats, exists := t.stats[provider]
	if !exists {
		stats = newStats()
		t.stats[provider] = stats
	}
	return stats
}

// RecordRequest records a successful provider call
func (t *Tracker) RecordRequest(provider, model, task string, latency time.Duration, tokens int) {
	now := t.now()

	t.mu.Lock()
	stats := t.statsFor(provider)
	if stats.FirstRequest.IsZero() {
		stats.FirstRequest = now
	}
	stats.TotalTokens += tokens
	stats.RequestCount++
	stats.TotalLatency += latency
	stats.LastRequest = now
	if model != "" {
		stats.ModelsUsed[model]++
	}
	if task != "" {
		stats.TasksUsed[task]++
	}
	t.mu.Unlock()

	t.persist(&store.UsageRecord{
		Provider:  provider,
		Model:     model,
		Task:      task,
		Tokens:    tokens,
		Latency:   latency,
		CreatedAt: now,
	})
}

// RecordCacheHit records a response served from cache
func (t *Tracker) RecordCacheHit(provider string) {
	now := t.now()

	t.mu.Lock()
	t.statsFor(provider).CacheHits++
	t.mu.Unlock()

	t.persist(&store.UsageRecord{Provider: provider, Cached: true, CreatedAt: now})
}

// RecordCacheMiss records a cache lookup that went to the provider
func (t *Tracker) RecordCacheMiss(provider string) {
	t.mu.Lock()
	t.statsFor(provider).CacheMisses++
	t.mu.Unlock()
}

// RecordError records a failed request
func (t *Tracker) RecordError(provider, task string, err error) {
	now := t.now()

	t.mu.Lock()
	t.statsFor(provider).ErrorCount++
	t.mu.Unlock()

	t.persist(&store.UsageRecord{Provider: provider, Task: task, ErrorKind: llm.ErrorKind(err), CreatedAt: now})
}

func (t *Tracker) persist(r *store.UsageRecord) {
	if t.sink == nil {
		return
	}
	if err := t.sink.SaveUsage(r); err != nil {
		t.log.Warn("failed to persist usage for %s: %v", r.Provider, err)
	}
}

// Get retrieves usage stats for a provider
func (t *Tracker) Get(provider string) *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats, exists := t.stats[provider]
	if !exists {
		return newStats()
	}
	// Return a copy to avoid race conditions
	return stats.clone()
}

// Providers returns the providers with recorded usage, sorted
func (t *Tracker) Providers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedKeys(t.stats)
}

// Reset clears usage stats for a provider
func (t *Tracker) Reset(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stats, provider)
}

// GetGlobal returns aggregated stats across all providers
func (t *Tracker) GetGlobal() *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	global := newStats()
	for _, stats := range t.stats {
		global.TotalTokens += stats.TotalTokens
		global.RequestCount += stats.RequestCount
		global.CacheHits += stats.CacheHits
		global.CacheMisses += stats.CacheMisses
		global.ErrorCount += stats.ErrorCount
		global.TotalLatency += stats.TotalLatency

		if global.FirstRequest.IsZero() || (!stats.FirstRequest.IsZero() && stats.FirstRequest.Before(global.FirstRequest)) {
			global.FirstRequest = stats.FirstRequest
		}
		if stats.LastRequest.After(global.LastRequest) {
			global.LastRequest = stats.LastRequest
		}

		for model, count := range stats.ModelsUsed {
			global.ModelsUsed[model] += count
		}
		for task, count := range stats.TasksUsed {
			global.TasksUsed[task] += count
		}
	}

	return global
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatDuration formats a duration in human-readable form
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	if mins > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dh", hours)
}
