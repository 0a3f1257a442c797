package llm

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/qitops/qitops-agent/internal/config"
	"github.com/qitops/qitops-agent/internal/logger"
)

// Router picks a provider for each request, serves repeated requests from
// the response cache and falls back to another live provider when the
// chosen one is unavailable. It is safe for concurrent use.
type Router struct {
	cfg             config.RouterConfig
	clients         map[string]Client
	order           []string
	models          map[string]string
	defaultProvider string

	cacheMu sync.Mutex
	cache   *ResponseCache

	reporter Reporter
	log      *logger.Logger
	injected map[string]Client
}

// Option configures a Router.
type Option func(*Router)

// WithReporter sets the sink for cache, request and error events.
func WithReporter(rep Reporter) Option {
	return func(r *Router) {
		if rep != nil {
			r.reporter = rep
		}
	}
}

// WithLogger replaces the router's logger.
func WithLogger(l *logger.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClients supplies ready-made clients. A configured provider whose type
// matches a client's Name uses that client instead of building one.
func WithClients(clients ...Client) Option {
	return func(r *Router) {
		for _, c := range clients {
			r.injected[c.Name()] = c
		}
	}
}

// NewRouter builds a client for every configured provider, checks them in
// order and picks the default. It fails with a *ConfigError when no
// provider is configured or none is live.
func NewRouter(ctx context.Context, cfg config.RouterConfig, opts ...Option) (*Router, error) {
	r := &Router{
		cfg:      cfg,
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		reporter: nopReporter{},
		log:      logger.Component("llm"),
		injected: make(map[string]Client),
	}
	for _, opt := range opts {
		opt(r)
	}

	if len(cfg.Providers) == 0 {
		return nil, &ConfigError{Reason: "no LLM providers configured"}
	}

	var diagnostics []string
	for _, p := range cfg.Providers {
		if _, dup := r.clients[p.Type]; dup {
			diagnostics = append(diagnostics, fmt.Sprintf("%s: configured more than once, keeping the first entry", p.Type))
			continue
		}

		client, err := r.buildClient(ctx, p)
		if err != nil {
			r.log.Warn("failed to initialize %s client: %v", p.Type, err)
			diagnostics = append(diagnostics, err.Error())
			continue
		}
		r.clients[p.Type] = client
		r.order = append(r.order, p.Type)
		r.models[p.Type] = p.DefaultModel
	}

	var live []string
	for _, name := range r.order {
		if r.clients[name].IsAvailable(ctx) {
			live = append(live, name)
			continue
		}
		diagnostics = append(diagnostics, fmt.Sprintf("%s: provider is not available", name))
	}

	if len(live) == 0 {
		return nil, &ConfigError{Reason: ErrProviderNotAvailable.Error(), Diagnostics: diagnostics}
	}

	if slices.Contains(live, cfg.DefaultProvider) {
		r.defaultProvider = cfg.DefaultProvider
	} else {
		r.defaultProvider = live[0]
		if cfg.DefaultProvider != "" {
			r.log.Warn("default provider %s is not available, using %s", cfg.DefaultProvider, r.defaultProvider)
		}
	}

	if cfg.Cache.Enabled {
		cache, err := NewResponseCache(cfg.Cache)
		if err != nil {
			r.log.Warn("failed to initialize cache, continuing without it: %v", err)
		} else {
			r.cache = cache
		}
	}

	r.log.Info("router ready: default=%s live=%v cache=%t", r.defaultProvider, live, r.cache != nil)
	return r, nil
}

func (r *Router) buildClient(ctx context.Context, p config.ProviderConfig) (Client, error) {
	if c, ok := r.injected[p.Type]; ok {
		return c, nil
	}
	return NewClient(ctx, p)
}

// Send routes req to the provider mapped to task, or to the default.
func (r *Router) Send(ctx context.Context, req *Request, task string) (*Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, ErrEmptyRequest
	}

	provider := r.providerForTask(task)
	log := r.log.WithRequestID("").With("provider", provider)
	if task != "" {
		log = log.With("task", task)
	}

	req = req.Clone()
	if needsTruncation(provider) {
		if n := truncateForLocal(req); n > 0 {
			log.Warn("truncated %d oversized message(s) to %d characters", n, MaxLocalPromptChars)
		}
	}
	modelDefaulted := req.Model == ""
	if modelDefaulted {
		req.Model = r.models[provider]
	}

	useCache := req.UseCache && r.cache != nil
	if useCache {
		r.cacheMu.Lock()
		cached, ok := r.cache.Get(req, provider)
		r.cacheMu.Unlock()
		if ok {
			log.Debug("cache hit")
			r.reporter.RecordCacheHit(provider)
			return cached.WithCached(true), nil
		}
		r.reporter.RecordCacheMiss(provider)
	}

	client, serving := r.availableClient(ctx, provider)
	if client == nil {
		err := fmt.Errorf("%w: %s and every fallback are unavailable", ErrProviderNotAvailable, provider)
		r.reporter.RecordError(provider, task, err)
		return nil, err
	}
	if serving != provider {
		log.Warn("provider unavailable, falling back to %s", serving)
		if modelDefaulted {
			req.Model = r.models[serving]
		}
	}

	log.Debug("sending request model=%s messages=%d", req.Model, len(req.Messages))
	start := time.Now()
	resp, err := client.Send(ctx, req)
	if err != nil {
		r.reporter.RecordError(serving, task, err)
		return nil, err
	}
	latency := time.Since(start)
	resp.WithLatency(latency.Milliseconds())

	r.reporter.RecordRequest(serving, resp.Model, task, latency, resp.Tokens())
	log.Info("response from %s in %dms (%d tokens)", serving, latency.Milliseconds(), resp.Tokens())

	if useCache {
		r.cacheMu.Lock()
		err := r.cache.Put(req, serving, resp)
		r.cacheMu.Unlock()
		if err != nil {
			log.Warn("failed to cache response: %v", err)
		}
	}

	return resp, nil
}

func (r *Router) providerForTask(task string) string {
	if task != "" {
		if p, ok := r.cfg.TaskProviders[task]; ok && p != "" {
			return p
		}
	}
	return r.defaultProvider
}

// availableClient returns the preferred client when it is live, otherwise
// the first live client in configuration order.
func (r *Router) availableClient(ctx context.Context, preferred string) (Client, string) {
	if c, ok := r.clients[preferred]; ok && c.IsAvailable(ctx) {
		return c, preferred
	}
	for _, name := range r.order {
		if name == preferred {
			continue
		}
		if c := r.clients[name]; c.IsAvailable(ctx) {
			return c, name
		}
	}
	return nil, ""
}

// GetValidProvider resolves a provider without sending anything: preferred
// if live, then the default if live, then the first live provider. It
// returns the provider and its configured default model.
func (r *Router) GetValidProvider(ctx context.Context, preferred string) (string, string, error) {
	candidates := make([]string, 0, len(r.order)+2)
	if preferred != "" {
		candidates = append(candidates, preferred)
	}
	candidates = append(candidates, r.defaultProvider)
	candidates = append(candidates, r.order...)

	for _, name := range candidates {
		if c, ok := r.clients[name]; ok && c.IsAvailable(ctx) {
			return name, r.models[name], nil
		}
	}
	return "", "", ErrProviderNotAvailable
}

// AvailableProviders lists the live providers in configuration order.
func (r *Router) AvailableProviders(ctx context.Context) []string {
	var live []string
	for _, name := range r.order {
		if r.clients[name].IsAvailable(ctx) {
			live = append(live, name)
		}
	}
	return live
}

// Providers lists every provider with a client, in configuration order.
func (r *Router) Providers() []string {
	return slices.Clone(r.order)
}

// DefaultProvider returns the provider chosen at construction.
func (r *Router) DefaultProvider() string {
	return r.defaultProvider
}

// DefaultModelFor returns the configured default model of provider.
func (r *Router) DefaultModelFor(provider string) (string, bool) {
	m, ok := r.models[provider]
	return m, ok
}

// DefaultModel returns the default provider's default model.
func (r *Router) DefaultModel() string {
	return r.models[r.defaultProvider]
}

// Client returns the client for provider.
func (r *Router) Client(provider string) (Client, bool) {
	c, ok := r.clients[provider]
	return c, ok
}

// CacheStats returns the cache counters. ok is false when caching is off.
func (r *Router) CacheStats() (stats CacheStats, ok bool) {
	if r.cache == nil {
		return CacheStats{}, false
	}
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	return r.cache.Stats(), true
}

// ClearCache drops every cached response.
func (r *Router) ClearCache() error {
	if r.cache == nil {
		return nil
	}
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	return r.cache.Clear()
}

// CleanExpiredCache removes expired entries and returns how many were dropped.
func (r *Router) CleanExpiredCache() (int, error) {
	if r.cache == nil {
		return 0, nil
	}
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	return r.cache.CleanExpired()
}

// RunCacheJanitor calls CleanExpiredCache every interval until ctx is done.
func (r *Router) RunCacheJanitor(ctx context.Context, interval time.Duration) {
	if r.cache == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.CleanExpiredCache()
			if err != nil {
				r.log.Warn("cache cleanup failed: %v", err)
			} else if n > 0 {
				r.log.Debug("removed %d expired cache entries", n)
			}
		}
	}
}

// Close releases clients that hold connections.
func (r *Router) Close() error {
	var firstErr error
	for _, name := range r.order {
		if c, ok := r.clients[name].(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
