package llm

import "time"

// Reporter receives routing outcomes. Implementations must be safe for
// concurrent use.
type Reporter interface {
	RecordCacheHit(provider string)
	RecordCacheMiss(provider string)
	RecordRequest(provider, model, task string, latency time.Duration, tokens int)
	RecordError(provider, task string, err error)
}

// MultiReporter fans every event out to each reporter in order.
type MultiReporter []Reporter

func (m MultiReporter) RecordCacheHit(provider string) {
	for _, r := range m {
		r.RecordCacheHit(provider)
	}
}

func (m MultiReporter) RecordCacheMiss(provider string) {
	for _, r := range m {
		r.RecordCacheMiss(provider)
	}
}

func (m MultiReporter) RecordRequest(provider, model, task string, latency time.Duration, tokens int) {
	for _, r := range m {
		r.RecordRequest(provider, model, task, latency, tokens)
	}
}

func (m MultiReporter) RecordError(provider, task string, err error) {
	for _, r := range m {
		r.RecordError(provider, task, err)
	}
}

type nopReporter struct{}

func (nopReporter) RecordCacheHit(string) {}
func (nopReporter) RecordCacheMiss(string) {}
func (nopReporter) RecordRequest(string, string, string, time.Duration, int) {}
func (nopReporter) RecordError(string, string, error) {}
