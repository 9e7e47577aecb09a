package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vidfriends/relationships/internal/config"
	"github.com/vidfriends/relationships/internal/handlers"
	"github.com/vidfriends/relationships/internal/httpserver"
	"github.com/vidfriends/relationships/internal/logging"
	"github.com/vidfriends/relationships/internal/middleware"
	"github.com/vidfriends/relationships/internal/models"
	"github.com/vidfriends/relationships/internal/relationships"
)

// Run bootstraps the relationships service.
func Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("expected command: serve, migrate, sweep, or export")
	}

	switch args[0] {
	case "serve":
		return serve(ctx)
	case "migrate":
		return runMigrations(ctx, args[1:])
	case "sweep":
		return runSweep(ctx, os.Stdout)
	case "export":
		return runExport(ctx, os.Stdout)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true, Level: lvl}))
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), httpserver.ShutdownTimeout)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Error("release dependencies", "error", err)
		}
	}()

	reconciler := rt.newReconciler()
	svc := rt.newService(reconciler)

	scheduler, err := scheduleSweeps(cfg.SweepSchedule, reconciler, logger)
	if err != nil {
		_ = reconciler.Shutdown(context.Background())
		return err
	}

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, buildDependencies(rt, svc, reconciler))

	handler := middleware.RequestLogger(logger)(mux)

	srv := httpserver.New(cfg.AppPort, handler)

	logger.Info("starting http server", "port", cfg.AppPort, "store", cfg.Store)

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start()
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("context canceled, shutting down server")
	case sig := <-signalCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpserver.ShutdownTimeout)
	defer cancel()

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	if err := reconciler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("reconciler did not drain before shutdown", "error", err)
	}

	return runErr
}

// sweeper is the slice of the reconciler the scheduler drives.
type sweeper interface {
	Sweep(ctx context.Context) (relationships.SweepReport, error)
}

// scheduleSweeps runs a full reconciliation pass on schedule. An empty schedule disables it.
func scheduleSweeps(schedule string, rec sweeper, logger *slog.Logger) (*cron.Cron, error) {
	if strings.TrimSpace(schedule) == "" {
		return nil, nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		ctx := logging.WithLogger(context.Background(), logger)
		report, err := rec.Sweep(ctx)
		if err != nil {
			logger.Error("scheduled sweep failed", "error", err)
			return
		}
		logger.Info("scheduled sweep finished", "pairs", report.Pairs, "changed", report.Changed, "failed", report.Failed)
	})
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}

	c.Start()
	return c, nil
}

func runSweep(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	return sweepOnce(logging.WithLogger(ctx, logger), rt, out)
}

func sweepOnce(ctx context.Context, rt *runtime, out io.Writer) error {
	reconciler := rt.newReconciler()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpserver.ShutdownTimeout)
		defer cancel()
		_ = reconciler.Shutdown(shutdownCtx)
	}()

	report, err := reconciler.Sweep(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// snapshot is the shape written by the export command.
type snapshot struct {
	ExportedAt time.Time              `json:"exportedAt"`
	Friends    map[string][]string    `json:"friends"`
	Requests   []models.FriendRequest `json:"requests"`
}

func runExport(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	return exportSnapshot(ctx, rt.repo, out)
}

func exportSnapshot(ctx context.Context, repo *relationships.Repository, out io.Writer) error {
	friends, err := repo.FriendSets(ctx)
	if err != nil {
		return fmt.Errorf("export friend sets: %w", err)
	}

	snap := snapshot{ExportedAt: time.Now().UTC(), Friends: friends, Requests: []models.FriendRequest{}}
	for _, status := range []models.RequestStatus{models.RequestPending, models.RequestAccepted, models.RequestRejected} {
		reqs, err := repo.RequestsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("export %s requests: %w", status, err)
		}
		snap.Requests = append(snap.Requests, reqs...)
	}
	sort.Slice(snap.Requests, func(i, j int) bool {
		return snap.Requests[i].CreatedAt.Before(snap.Requests[j].CreatedAt)
	})

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
