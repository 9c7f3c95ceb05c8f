package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/urfave/cli/v2"

	"github.com/nexusgpu/nexus/internal/auth"
	"github.com/nexusgpu/nexus/internal/config"
	"github.com/nexusgpu/nexus/internal/gpuprobe"
	"github.com/nexusgpu/nexus/internal/handlers"
	"github.com/nexusgpu/nexus/internal/jobengine"
	"github.com/nexusgpu/nexus/internal/notifier"
	"github.com/nexusgpu/nexus/internal/scheduler"
	"github.com/nexusgpu/nexus/internal/serverlog"
	"github.com/nexusgpu/nexus/internal/sessionrunner"
	"github.com/nexusgpu/nexus/internal/store"
)

// ServeCommand runs the Nexus server: the HTTP Surface and the
// scheduler's tick loop share one process (spec §2), unlike the
// teacher's split serve/worker commands.
var ServeCommand = &cli.Command{
	Name:  "serve",
	Usage: "Run the Nexus server",
	Action: func(ctx *cli.Context) error {
		return Serve()
	},
}

func Serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ring := serverlog.NewRing(1000)
	logging.Log.AddHook(ring)

	db, err := store.Open(cfg.JobsDBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	gpus := gpuprobe.New(cfg.GPUCacheTTL)

	runner, err := sessionrunner.FromEnv()
	if err != nil {
		return fmt.Errorf("select session runner %q: %w", cfg.Runner, err)
	}

	gate, err := auth.Open(cfg.TokenPath(), cfg.AuthorizedKeysPath())
	if err != nil {
		return fmt.Errorf("open auth gate: %w", err)
	}

	engine := &jobengine.Engine{Runner: runner, Artifacts: db, HomeDir: cfg.HomeDir}

	var notif notifier.Notifier = notifier.Noop{}
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscord(cfg.DiscordWebhookURL, cfg.ExternalCallTimeout)
	}

	sched := scheduler.New(db, engine, gpus, runner, notif, cfg.RefreshRate, cfg.SchedulerConcurrency, cfg.ExternalCallTimeout, cfg.WandbSearchMaxAge)

	schedCtx, cancelSched := context.WithCancel(context.Background())
	sched.Start(schedCtx)

	deps := &handlers.Deps{
		Store:     db,
		Engine:    engine,
		GPUs:      gpus,
		Gate:      gate,
		Logs:      ring,
		NodeName:  cfg.NodeName,
		StartedAt: nowSeconds(),
	}
	router := handlers.NewRouter(deps)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logging.Log.Infof("nexus: listening on %s (node=%s runner=%s)", srv.Addr, cfg.NodeName, cfg.Runner)
		serveErrCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Log.WithField("signal", sig.String()).Info("nexus: shutting down")
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			logging.Log.WithError(err).Error("nexus: http server exited")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Log.WithError(err).Warn("nexus: http shutdown did not complete cleanly")
	}

	cancelSched()
	sched.Stop()

	return nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
