package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/modpack-downloader/internal/archive"
	"github.com/MimeLyc/modpack-downloader/internal/config"
	"github.com/MimeLyc/modpack-downloader/internal/httpapi"
	"github.com/MimeLyc/modpack-downloader/internal/jobs"
	"github.com/MimeLyc/modpack-downloader/internal/persistence"
	"github.com/MimeLyc/modpack-downloader/internal/service"
	"github.com/MimeLyc/modpack-downloader/internal/source"
	"github.com/MimeLyc/modpack-downloader/pkg/log"
)

var (
	cfg *config.Config

	flagEnvFiles []string
	flagLogLevel string
)

func main() {
	rootCmd.PersistentFlags().StringSliceVar(&flagEnvFiles, "env-file", []string{".env"}, "env files to load before reading the environment")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "overrides LOG_LEVEL")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initApp
	rootCmd.RunE = doServe

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error("modpack-downloader failed: %v", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "modpack-downloader",
	Short:        "Downloads batches of mods and serves them as one archive",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the HTTP service",
	RunE:  doServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "run one retention pass over the data dir and exit",
	RunE:  doSweep,
}

func initApp(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(flagEnvFiles...); err != nil {
		return err
	}

	level := flagLogLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	log.InitLogger(log.ParseLevel(level))

	var opts []config.Option
	if path := strings.TrimSpace(os.Getenv("SETTINGS_FILE")); path != "" {
		settings, err := config.LoadRuntimeSettingsFile(path)
		switch {
		case err == nil:
			opts = append(opts, config.WithRuntimeSettings(settings))
		case errors.Is(err, fs.ErrNotExist):
			log.Info("Settings file %s does not exist yet", path)
		default:
			return fmt.Errorf("load settings file: %w", err)
		}
	}

	loaded, err := config.NewFromEnv(opts...)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg = loaded
	return nil
}

type app struct {
	server      *httpapi.Server
	runner      *jobs.Runner
	maintenance *service.MaintenanceService
	cron        *cron.Cron
	history     *persistence.SQLiteStore
}

func (a *app) Close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			log.Warn("Close history store: %v", err)
		}
	}
}

// newApp wires the components described by cfg.
func newApp(cfg *config.Config) (*app, error) {
	for _, dir := range []string{cfg.DownloadsDir(), cfg.UploadsDir(), cfg.WorkspacesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	a := &app{cron: cron.New()}
	if cfg.System.HistoryDBPath != "" {
		store, err := persistence.NewSQLiteStore(cfg.System.HistoryDBPath)
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
		a.history = store
	}

	modrinth := source.NewModrinthClient(
		cfg.Modrinth.APIURL,
		source.WithHTTPClient(&http.Client{Timeout: cfg.Modrinth.Timeout}),
		source.WithUserAgent(cfg.Modrinth.UserAgent),
		source.WithRateLimit(cfg.Modrinth.RPS, 1),
	)
	sweeper := service.NewDefaultSweeper(*cfg)
	registry := jobs.NewRegistry()
	hub := jobs.NewHub()

	runnerOpts := []jobs.RunnerOption{jobs.WithSweeper(sweeper)}
	serverOpts := []httpapi.Option{
		httpapi.WithSearch(modrinth),
		httpapi.WithDirs(cfg.UploadsDir(), cfg.DownloadsDir()),
		httpapi.WithMaxUploadBytes(cfg.HTTP.MaxUploadBytes),
		httpapi.WithSinkBuffer(cfg.Jobs.SinkBuffer),
		httpapi.WithRateLimit(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst),
		httpapi.WithCORS(cfg.HTTP.CORSOrigins),
	}
	var maintenanceOpts []service.Option
	if a.history != nil {
		runnerOpts = append(runnerOpts, jobs.WithHistory(a.history))
		serverOpts = append(serverOpts, httpapi.WithHistory(a.history))
		maintenanceOpts = append(maintenanceOpts, service.WithHistory(a.history))
	}

	a.runner = jobs.NewRunner(
		jobs.RunnerConfig{
			WorkspaceRoot:    cfg.WorkspacesDir(),
			AdmissionTimeout: cfg.Jobs.AdmissionTimeout,
			ItemDelay:        cfg.Jobs.ItemDelay,
			FetchTimeout:     cfg.Jobs.FetchTimeout,
			ArtifactURL:      cfg.ArtifactURL,
		},
		registry,
		hub,
		source.NewResolver(modrinth),
		archive.NewPackager(cfg.DownloadsDir()),
		runnerOpts...,
	)

	maintenanceOpts = append(maintenanceOpts, service.WithRunner(a.runner))
	if cfg.System.SettingsFile != "" {
		maintenanceOpts = append(maintenanceOpts, service.WithSettingsFile(cfg.System.SettingsFile))
	}
	a.maintenance = service.NewMaintenanceService(*cfg, a.cron, sweeper, registry, maintenanceOpts...)

	serverOpts = append(serverOpts, httpapi.WithSettings(a.maintenance))
	a.server = httpapi.NewServer(a.runner, registry, hub, serverOpts...)
	return a, nil
}

func doServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// clear leftovers from a previous run before taking traffic
	a.maintenance.RunOnce(ctx)
	return runWithComponents(ctx, cfg, a.maintenance, a.cron, a.server, a.runner)
}

func doSweep(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	report := a.maintenance.RunOnce(cmd.Context())
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

type scheduler interface {
	Schedule(ctx context.Context) error
}

type cronEngine interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

type jobWaiter interface {
	Wait()
}

const (
	shutdownTimeout = 10 * time.Second
	drainTimeout    = 30 * time.Second
)

// runWithComponents serves until ctx is done, then shuts the HTTP server
// down and gives running jobs a bounded time to finish.
func runWithComponents(
	ctx context.Context,
	cfg *config.Config,
	scheduler scheduler,
	cronEngine cronEngine,
	httpSrv httpServer,
	running jobWaiter,
) error {
	if err := scheduler.Schedule(ctx); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	cronEngine.Start()
	defer cronEngine.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening on %s", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	err := g.Wait()

	if running != nil {
		done := make(chan struct{})
		go func() {
			running.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(drainTimeout):
			log.Warn("Jobs still running after %s, exiting", drainTimeout)
		}
	}
	return err
}
