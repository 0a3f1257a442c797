package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qitops/qitops-agent/internal/llm"
)

// counterVec is a set of counters keyed by a label value
type counterVec struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
}

func newCounterVec() *counterVec {
	return &counterVec{counters: make(map[string]*atomic.Int64)}
}

func (v *counterVec) add(label string, n int64) {
	v.mu.RLock()
	counter, ok := v.counters[label]
	v.mu.RUnlock()
	if !ok {
		v.mu.Lock()
		counter, ok = v.counters[label]
		if !ok {
			counter = &atomic.Int64{}
			v.counters[label] = counter
		}
		v.mu.Unlock()
	}
	counter.Add(n)
}

func (v *counterVec) snapshot() map[string]int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	result := make(map[string]int64, len(v.counters))
	for label, counter := range v.counters {
		result[label] = counter.Load()
	}
	return result
}

// Collector holds all router metrics. It implements llm.Reporter.
type Collector struct {
	requests    *counterVec // by provider
	errors      *counterVec // by provider|kind
	tokens      *counterVec // by provider
	latencyMS   *counterVec // by provider, sum
	cacheHits   *counterVec // by provider
	cacheMisses *counterVec // by provider
	inFlight    atomic.Int64
}

var _ llm.Reporter = (*Collector)(nil)

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		requests:    newCounterVec(),
		errors:      newCounterVec(),
		tokens:      newCounterVec(),
		latencyMS:   newCounterVec(),
		cacheHits:   newCounterVec(),
		cacheMisses: newCounterVec(),
	}
}

// RecordCacheHit counts a response served from cache
func (c *Collector) RecordCacheHit(provider string) {
	c.cacheHits.add(provider, 1)
}

// RecordCacheMiss counts a cache lookup that went to the provider
func (c *Collector) RecordCacheMiss(provider string) {
	c.cacheMisses.add(provider, 1)
}

// RecordRequest counts a successful provider call
func (c *Collector) RecordRequest(provider, model, task string, latency time.Duration, tokens int) {
	c.requests.add(provider, 1)
	c.tokens.add(provider, int64(tokens))
	c.latencyMS.add(provider, latency.Milliseconds())
}

// RecordError counts a failed request by provider and error kind
func (c *Collector) RecordError(provider, task string, err error) {
	c.errors.add(provider+"|"+llm.ErrorKind(err), 1)
}

// SetInFlight sets the number of requests currently being processed
func (c *Collector) SetInFlight(n int) {
	c.inFlight.Store(int64(n))
}

// AddInFlight adjusts the in-flight gauge by delta
func (c *Collector) AddInFlight(delta int) {
	c.inFlight.Add(int64(delta))
}

// GetRequests returns successful requests by provider
func (c *Collector) GetRequests() map[string]int64 {
	return c.requests.snapshot()
}

// GetTokens returns tokens by provider
func (c *Collector) GetTokens() map[string]int64 {
	return c.tokens.snapshot()
}

// GetErrors returns errors keyed by "provider|kind"
func (c *Collector) GetErrors() map[string]int64 {
	return c.errors.snapshot()
}

// GetCache returns cache hits and misses by provider
func (c *Collector) GetCache() (hits, misses map[string]int64) {
	return c.cacheHits.snapshot(), c.cacheMisses.snapshot()
}

// GetInFlight returns the in-flight gauge
func (c *Collector) GetInFlight() int64 {
	return c.inFlight.Load()
}

// WritePrometheus writes metrics in Prometheus text format
func (c *Collector) WritePrometheus(w io.Writer) {
	writeCounter(w, "qitops_llm_requests_total", "Successful LLM requests by provider", "provider", c.GetRequests())
	fmt.Fprintln(w)

	writeCounter(w, "qitops_llm_tokens_total", "Tokens reported by providers", "provider", c.GetTokens())
	fmt.Fprintln(w)

	writeCounter(w, "qitops_llm_request_latency_ms_sum", "Total provider latency in milliseconds", "provider", c.latencyMS.snapshot())
	fmt.Fprintln(w)

	// Errors carry two labels
	fmt.Fprintln(w, "# HELP qitops_llm_errors_total Failed LLM requests by provider and kind")
	fmt.Fprintln(w, "# TYPE qitops_llm_errors_total counter")
	errs := c.GetErrors()
	for _, key := range sortedKeys(errs) {
		provider, kind, _ := strings.Cut(key, "|")
		fmt.Fprintf(w, "qitops_llm_errors_total{provider=%q,kind=%q} %d\n", provider, kind, errs[key])
	}
	fmt.Fprintln(w)

	hits, misses := c.GetCache()
	writeCounter(w, "qitops_llm_cache_hits_total", "Responses served from cache", "provider", hits)
	fmt.Fprintln(w)
	writeCounter(w, "qitops_llm_cache_misses_total", "Cache lookups that reached a provider", "provider", misses)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "# HELP qitops_llm_in_flight Requests currently in flight")
	fmt.Fprintln(w, "# TYPE qitops_llm_in_flight gauge")
	fmt.Fprintf(w, "qitops_llm_in_flight %d\n", c.GetInFlight())
}

func writeCounter(w io.Writer, name, help, label string, values map[string]int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, k := range sortedKeys(values) {
		fmt.Fprintf(w, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
}

// sortedKeys returns sorted keys of a map
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Handler returns an HTTP handler for the metrics endpoint
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WritePrometheus(w)
	}
}

// Global collector instance
var defaultCollector = NewCollector()

// Default returns the default metrics collector
func Default() *Collector {
	return defaultCollector
}

// Handler returns the default collector's HTTP handler
func Handler() http.HandlerFunc {
	return defaultCollector.Handler()
}
