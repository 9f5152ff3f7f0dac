package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/cwygoda/fetcher/internal/adapter/hook"
	httpAdapter "github.com/cwygoda/fetcher/internal/adapter/http"
	"github.com/cwygoda/fetcher/internal/adapter/sqlite"
	"github.com/cwygoda/fetcher/internal/config"
	"github.com/cwygoda/fetcher/internal/delivery"
	"github.com/cwygoda/fetcher/internal/domain"
	"github.com/cwygoda/fetcher/internal/downloader"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	history, closeHistory, err := openHistory(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open history", "db", cfg.DBPath, "error", err)
		return 1
	}
	defer closeHistory()

	hooks, err := openHooks(cfg, logger)
	if err != nil {
		logger.Error("invalid hook config", "error", err)
		return 2
	}
	if hooks != nil {
		defer hooks.Wait()
	}

	a := &app{cfg: cfg, history: history, hooks: hooks, logger: logger}
	if len(cfg.URLs) > 0 {
		return a.runOnce(ctx)
	}
	return a.serve(ctx)
}

// app carries the shared pieces both modes build a manager from.
type app struct {
	cfg     *config.Config
	history *domain.HistoryService
	hooks   *hook.Listener
	logger  *slog.Logger
}

// openHooks returns nil when no hooks are configured.
func openHooks(cfg *config.Config, logger *slog.Logger) (*hook.Listener, error) {
	if len(cfg.Hooks) == 0 {
		return nil, nil
	}
	registry, err := hook.FromConfig(cfg.Hooks)
	if err != nil {
		return nil, err
	}
	logger.Debug("hooks enabled", "count", registry.Len())
	return hook.NewListener(registry, cfg.Workers, logger), nil
}

// openHistory opens the history store unless disabled. The returned service
// is nil when history is off.
func openHistory(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*domain.HistoryService, func(), error) {
	if cfg.NoHistory {
		return nil, func() {}, nil
	}

	repo, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	svc := domain.NewHistoryService(repo, uuid.New().String(), logger)

	if recovered, err := svc.RecoverStale(ctx); err != nil {
		logger.Warn("failed to recover stale history", "error", err)
	} else if recovered > 0 {
		logger.Info("marked interrupted downloads from previous run", "count", recovered)
	}
	logger.Debug("history enabled", "db", cfg.DBPath, "session", svc.Session())

	return svc, func() { repo.Close() }, nil
}

func (a *app) newManager(extra domain.Listener) *downloader.Manager {
	listeners := domain.MultiListener{delivery.NewLogListener(a.logger)}
	if a.history != nil {
		listeners = append(listeners, a.history)
	}
	if a.hooks != nil {
		listeners = append(listeners, a.hooks)
	}
	if extra != nil {
		listeners = append(listeners, extra)
	}
	return downloader.New(downloader.Options{
		Workers:   a.cfg.Workers,
		QueueSize: a.cfg.QueueSize,
		DestDir:   a.cfg.DownloadDir,
		Listener:  listeners,
		Worker:    a.cfg.WorkerOptions(),
		Logger:    a.logger,
	})
}

func (a *app) serve(ctx context.Context) int {
	cfg, logger := a.cfg, a.logger
	mgr := a.newManager(nil)

	var hist httpAdapter.History
	if a.history != nil {
		hist = a.history
	}
	srv := httpAdapter.NewServer(mgr, hist, httpAdapter.Options{
		Addr:             fmt.Sprintf(":%d", cfg.Port),
		Secret:           cfg.Secret,
		DownloadDir:      cfg.DownloadDir,
		Retries:          cfg.Retries,
		ProgressInterval: cfg.ProgressInterval,
		Logger:           logger,
	})

	logger.Info("starting fetcher", "addr", srv.Addr(), "dir", cfg.DownloadDir, "workers", cfg.Workers)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("HTTP server error", "error", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		logger.Error("download manager shutdown error", "error", err)
		code = 1
	}

	logger.Info("shutdown complete")
	return code
}

// result is the terminal outcome of one download in one-shot mode.
type result struct {
	id      int64
	url     string
	path    string
	outcome domain.Outcome
	code    int
	message string
}

// collector turns terminal events into results.
type collector struct {
	domain.BaseListener
	results chan result
}

func (c *collector) OnSuccess(id int64, url, path string) {
	c.results <- result{id: id, url: url, path: path, outcome: domain.OutcomeSuccess}
}

func (c *collector) OnFailure(id int64, url, path string, code int, msg string) {
	c.results <- result{id: id, url: url, path: path, outcome: domain.OutcomeFailure, code: code, message: msg}
}

func (c *collector) OnCancel(id int64, url, path string) {
	c.results <- result{id: id, url: url, path: path, outcome: domain.OutcomeCanceled}
}

func (c *collector) OnStop(id int64, url, path string) {
	c.results <- result{id: id, url: url, path: path, outcome: domain.OutcomeStopped}
}

func (a *app) runOnce(ctx context.Context) int {
	cfg, logger := a.cfg, a.logger
	// Every admitted job posts exactly one terminal event, so the buffer
	// never fills.
	col := &collector{results: make(chan result, len(cfg.URLs))}
	mgr := a.newManager(col)

	admitted := 0
	failed := false
	for _, u := range cfg.URLs {
		job, err := domain.NewJob(u,
			domain.WithRetries(cfg.Retries),
			domain.WithProgressInterval(cfg.ProgressInterval),
		)
		if err == nil {
			_, err = mgr.Add(job)
		}
		if err != nil {
			logger.Error("skipping download", "url", u, "error", err)
			failed = true
			continue
		}
		admitted++
	}

	results := make([]result, 0, admitted)
	interrupted := false
	for len(results) < admitted {
		select {
		case r := <-col.results:
			results = append(results, r)
		case <-ctx.Done():
			if !interrupted {
				interrupted = true
				logger.Info("interrupted, stopping downloads")
				mgr.StopAll()
			}
			ctx = context.Background()
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Close(shutdownCtx); err != nil {
		logger.Error("download manager shutdown error", "error", err)
	}

	for _, r := range results {
		if r.outcome != domain.OutcomeSuccess {
			failed = true
		}
		printResult(r)
	}
	if failed {
		return 1
	}
	return 0
}

func printResult(r result) {
	switch r.outcome {
	case domain.OutcomeSuccess:
		size := ""
		if info, err := os.Stat(r.path); err == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}
		fmt.Printf("ok       %s -> %s (%s)\n", r.url, r.path, size)
	case domain.OutcomeFailure:
		fmt.Printf("failed   %s: %s (code %d)\n", r.url, r.message, r.code)
	default:
		fmt.Printf("%-8s %s\n", r.outcome, r.url)
	}
}
