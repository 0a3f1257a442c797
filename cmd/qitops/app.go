package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/qitops/qitops-agent/internal/config"
	"github.com/qitops/qitops-agent/internal/llm"
	"github.com/qitops/qitops-agent/internal/logger"
	"github.com/qitops/qitops-agent/internal/metrics"
	"github.com/qitops/qitops-agent/internal/store"
	"github.com/qitops/qitops-agent/internal/usage"
)

// app holds what every command shares: the loaded config and the
// reporting sinks the router feeds.
type app struct {
	cfg     *config.Config
	cfgPath string
	log     *logger.Logger
	metrics *metrics.Collector
	usage   *usage.Tracker
	db      *store.SQLiteStore
}

// loadApp reads the config and applies the log level. A missing config
// file is not an error.
func loadApp() (*app, error) {
	cfg, path, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logger.SetLevel(logger.ParseLevel(level))

	a := &app{
		cfg:     cfg,
		cfgPath: path,
		log:     logger.Component("cli"),
		metrics: metrics.Default(),
	}
	a.log.Debug("using config %s", path)

	for _, w := range cfg.Validate().Warnings {
		a.log.Debug("config: %s", w)
	}
	return a, nil
}

// openUsage opens the usage database when enabled. Failure to open it only
// disables persistence.
func (a *app) openUsage() {
	if a.usage != nil {
		return
	}
	if a.cfg.Usage.Enabled {
		path := a.cfg.Usage.DBPath
		if path == "" {
			path = store.DefaultDBPath()
		}
		db, err := store.NewSQLiteStore(path)
		if err != nil {
			a.log.Warn("usage persistence disabled: %v", err)
		} else {
			a.db = db
		}
	}

	if a.db != nil {
		a.usage = usage.NewTracker(a.db)
	} else {
		a.usage = usage.NewTracker(nil)
	}
}

func (a *app) reporter() llm.Reporter {
	a.openUsage()
	return llm.MultiReporter{a.metrics, a.usage}
}

// newRouter builds a router over cfg with the app's reporters attached
func (a *app) newRouter(ctx context.Context, cfg config.RouterConfig) (*llm.Router, error) {
	return llm.NewRouter(ctx, cfg,
		llm.WithReporter(a.reporter()),
		llm.WithLogger(logger.Component("router")),
	)
}

// save writes the config back to where it was loaded from
func (a *app) save() error {
	if res := a.cfg.Validate(); !res.IsValid() {
		return fmt.Errorf("refusing to save invalid config: %s", res.Errors[0])
	}
	return config.Save(a.cfg, a.cfgPath)
}

func (a *app) close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("failed to close usage database: %v", err)
		}
	}
}

// serveMetrics starts the Prometheus endpoint until ctx is done. An empty
// addr disables it.
func (a *app) serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	path := a.cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		a.log.Info("metrics listening on http://%s%s", addr, path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server failed: %v", err)
		}
	}()
}

// printConfigError prints every diagnostic of a router construction failure
func printConfigError(w io.Writer, cfgErr *llm.ConfigError) {
	fmt.Fprintln(w, errorStyle.Render("Error: ")+cfgErr.Reason)
	for _, d := range cfgErr.Diagnostics {
		fmt.Fprintln(w, "  "+warn(d))
	}
}
