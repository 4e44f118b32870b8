package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/keepawake/keepawake/internal/config"
	"github.com/keepawake/keepawake/internal/daemon"
	"github.com/keepawake/keepawake/internal/database"
	"github.com/keepawake/keepawake/internal/logging"
	"github.com/keepawake/keepawake/internal/tracker"
	"github.com/keepawake/keepawake/internal/web"
	"github.com/keepawake/keepawake/pkg/detector"
)

var foreground bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the wake lock daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return launch(false)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the daemon with the web API",
	Long: `Start the daemon with the web API and dashboard.

The request, release and destroy commands talk to this API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return launch(true)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		dm := daemon.New(cfg.Daemon.PIDFile)
		running, pid, err := dm.IsRunning()
		if err != nil {
			return fmt.Errorf("failed to check daemon status: %w", err)
		}
		if !running {
			fmt.Println("Daemon is not running")
			return nil
		}

		fmt.Printf("Stopping daemon (PID: %d)...\n", pid)
		if err := dm.Stop(); err != nil {
			return fmt.Errorf("failed to stop daemon: %w", err)
		}
		fmt.Println("Daemon stopped successfully")
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{startCmd, serveCmd} {
		cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "run in the foreground and log to stderr")
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(stopCmd)
}

func launch(withWeb bool) error {
	dm := daemon.New(cfg.Daemon.PIDFile)
	running, pid, err := dm.IsRunning()
	if err != nil {
		return fmt.Errorf("failed to check daemon status: %w", err)
	}
	if running {
		return fmt.Errorf("daemon is already running (PID: %d)", pid)
	}

	if foreground || daemon.IsChild() {
		return runDaemon(cfg, dm, withWeb)
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	childPID, err := daemon.Spawn(executable, os.Args)
	if err != nil {
		return err
	}

	fmt.Printf("Daemon started successfully (PID: %d)\n", childPID)
	if withWeb {
		fmt.Printf("Web API available at: http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	}
	fmt.Printf("Logs: %s\n", cfg.Daemon.LogFile)
	return nil
}

func runDaemon(cfg *config.Config, dm *daemon.Daemon, withWeb bool) error {
	logCfg := logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		MaxBackups: 3,
	}
	if daemon.IsChild() {
		logCfg.File = cfg.Daemon.LogFile
	}
	logger, logCloser := logging.New(logCfg)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithContext(ctx, logger)

	db, err := database.Connect(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	opts := detectorOptions(cfg)
	provider, err := detector.NewProvider(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to initialize wake lock backend: %w", err)
	}
	defer provider.Close()

	watcher, err := detector.NewVisibility(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to initialize visibility source: %w", err)
	}
	defer watcher.Close()

	logger.Info().
		Str("backend", provider.Name()).
		Bool("supported", provider.Supported()).
		Str("visibility", watcher.State().String()).
		Msg("platform integrations initialized")

	if err := dm.WritePID(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer dm.RemovePID()

	repo := database.NewRepository(db)
	trackerSvc := tracker.NewService(ctx, cfg, repo, provider, watcher)

	logger.Info().Msg("starting keepawake daemon")
	logger.Debug().Msg(cfg.String())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(watcher.Run(gctx))
	})

	g.Go(func() error {
		return ignoreCanceled(trackerSvc.Start(gctx))
	})

	if withWeb {
		webServer := web.NewServer(cfg, repo, trackerSvc, logger, 0)
		logger.Info().Str("addr", webServer.GetAddress()).Msg("web API available")

		g.Go(func() error {
			if err := webServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("web server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return webServer.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("daemon stopped with error")
		return err
	}

	logger.Info().Msg("daemon stopped successfully")
	return nil
}

func detectorOptions(cfg *config.Config) detector.Options {
	return detector.Options{
		Backend:      cfg.Lock.Backend,
		Visibility:   cfg.Visibility.Source,
		Display:      os.Getenv("DISPLAY"),
		AppName:      cfg.Lock.AppName,
		Reason:       cfg.Lock.Reason,
		PollInterval: cfg.Visibility.PollInterval,
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
