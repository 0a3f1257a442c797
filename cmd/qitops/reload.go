package main

import (
	"context"
	"sync"
	"time"

	"github.com/qitops/qitops-agent/internal/config"
	"github.com/qitops/qitops-agent/internal/llm"
	"github.com/qitops/qitops-agent/internal/logger"
	"github.com/qitops/qitops-agent/internal/watcher"
)

// routerBuilder constructs a router from a freshly loaded config
type routerBuilder func(ctx context.Context, cfg config.RouterConfig) (*llm.Router, error)

// reloadingRouter serves requests through the current router and swaps in a
// new one whenever the config file changes. A config that fails to load or
// yields no live provider leaves the current router in place.
type reloadingRouter struct {
	mu      sync.RWMutex
	current *llm.Router
	build   routerBuilder
	path    string
	watcher *watcher.ConfigWatcher
	log     *logger.Logger
	ctx     context.Context
}

func newReloadingRouter(ctx context.Context, initial *llm.Router, path string, build routerBuilder) *reloadingRouter {
	return &reloadingRouter{
		current: initial,
		build:   build,
		path:    path,
		log:     logger.Component("reload"),
		ctx:     ctx,
	}
}

// Watch starts reloading on changes to the config file
func (r *reloadingRouter) Watch() error {
	w := watcher.NewConfigWatcher(r.path, watcher.DefaultDebounce)
	w.SetCallback(r.reload)
	if err := w.Start(); err != nil {
		return err
	}
	r.watcher = w
	return nil
}

func (r *reloadingRouter) reload() {
	cfg, err := config.Load(r.path)
	if err != nil {
		r.log.Warn("config reload failed, keeping current providers: %v", err)
		return
	}
	if res := cfg.Validate(); !res.IsValid() {
		r.log.Warn("config reload rejected: %s", res.Errors[0])
		return
	}

	next, err := r.build(r.ctx, cfg.LLM)
	if err != nil {
		r.log.Warn("router rebuild failed, keeping current providers: %v", err)
		return
	}

	r.mu.Lock()
	prev := r.current
	r.current = next
	r.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	r.log.Info("config reloaded, default provider %s", next.DefaultProvider())
}

func (r *reloadingRouter) router() *llm.Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func (r *reloadingRouter) Send(ctx context.Context, req *llm.Request, task string) (*llm.Response, error) {
	return r.router().Send(ctx, req, task)
}

func (r *reloadingRouter) DefaultProvider() string {
	return r.router().DefaultProvider()
}

func (r *reloadingRouter) DefaultModel() string {
	return r.router().DefaultModel()
}

func (r *reloadingRouter) AvailableProviders(ctx context.Context) []string {
	return r.router().AvailableProviders(ctx)
}

func (r *reloadingRouter) CacheStats() (llm.CacheStats, bool) {
	return r.router().CacheStats()
}

// RunCacheJanitor removes expired cache entries of whichever router is
// current, every interval until ctx is done.
func (r *reloadingRouter) RunCacheJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.router().CleanExpiredCache(); err != nil {
				r.log.Warn("cache cleanup failed: %v", err)
			} else if n > 0 {
				r.log.Debug("removed %d expired cache entries", n)
			}
		}
	}
}

// Close stops watching and closes the current router
func (r *reloadingRouter) Close() error {
	if r.watcher != nil {
		r.watcher.Stop()
	}
	return r.router().Close()
}
