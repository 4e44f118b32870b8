package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/keepawake/keepawake/internal/logging"
	"github.com/keepawake/keepawake/pkg/detector"
	"github.com/keepawake/keepawake/pkg/integrations/hybrid"
	"github.com/keepawake/keepawake/pkg/wakelock"
)

var (
	duration time.Duration
	acquire  bool
	backend  string
	source   string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:          "keepawake-probe",
	Short:        "Probe wake lock backends and watch display visibility",
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         run,
}

func main() {
	rootCmd.Flags().DurationVarP(&duration, "duration", "d", 30*time.Second, "how long to watch visibility")
	rootCmd.Flags().BoolVarP(&acquire, "acquire", "a", false, "hold a screen wake lock while watching")
	rootCmd.Flags().StringVar(&backend, "backend", detector.BackendAuto, "wake lock backend (auto, portal, freedesktop, x11, none)")
	rootCmd.Flags().StringVar(&source, "visibility", detector.SourceAuto, "visibility source (auto, logind, x11, none)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logCfg := logging.DefaultConfig()
	if verbose {
		logCfg.Level = "debug"
	}
	logger, closer := logging.New(logCfg)
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithContext(ctx, logger)

	fmt.Println("Probing wake lock backends")
	fmt.Println("==========================")

	opts := detector.Options{
		Backend:      backend,
		Visibility:   source,
		Display:      os.Getenv("DISPLAY"),
		AppName:      "keepawake-probe",
		Reason:       "Probing wake lock support",
		PollInterval: time.Second,
	}

	provider, err := detector.NewProvider(ctx, opts)
	if err != nil {
		return err
	}
	defer provider.Close()

	fmt.Printf("\nDisplay Server: %s\n", detector.DetectDisplayServer())
	fmt.Printf("Backend: %s (supported: %v)\n", provider.Name(), provider.Supported())
	if h, ok := provider.(*hybrid.Provider); ok {
		fmt.Printf("Candidates: %s\n", h.Describe())
	}

	watcher, err := detector.NewVisibility(ctx, opts)
	if err != nil {
		return err
	}
	defer watcher.Close()
	fmt.Printf("Visibility: %s\n\n", watcher.State())

	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("visibility watcher stopped")
		}
	}()

	start := time.Now()
	elapsed := func() string { return time.Since(start).Truncate(time.Millisecond).String() }

	unsubscribe := watcher.Subscribe(func() {
		fmt.Printf("[%s] visibility: %s\n", elapsed(), watcher.State())
	})
	defer unsubscribe()

	var controller *wakelock.Controller
	if acquire {
		controller = wakelock.New(ctx, provider, watcher, wakelock.Options{
			OnError: func(err error) {
				fmt.Printf("[%s] wake lock error: %v\n", elapsed(), err)
			},
			OnRequest: func() {
				fmt.Printf("[%s] wake lock acquired\n", elapsed())
			},
			OnRelease: func(ev wakelock.ReleaseEvent) {
				fmt.Printf("[%s] wake lock released: %s\n", elapsed(), ev.Reason)
			},
		})
		controller.Request(ctx, wakelock.KindScreen)
	}

	fmt.Printf("Watching for %s; blank or lock the screen to test detection\n\n", duration)

	select {
	case <-time.After(duration):
	case <-ctx.Done():
	}

	if controller != nil && controller.Snapshot().Active {
		controller.Destroy(context.WithoutCancel(ctx))
	}

	fmt.Println("\nProbe completed!")
	return nil
}
