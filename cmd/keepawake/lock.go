package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/keepawake/keepawake/internal/daemon"
	"github.com/keepawake/keepawake/internal/database"
	"github.com/keepawake/keepawake/internal/models"
	"github.com/keepawake/keepawake/internal/reporter"
	"github.com/keepawake/keepawake/internal/tracker"
	"github.com/keepawake/keepawake/internal/web"
	"github.com/keepawake/keepawake/pkg/detector"
	"github.com/keepawake/keepawake/pkg/utils"
)

var (
	eventsPeriod string
	eventsLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and the current wake lock",
	RunE:  runStatus,
}

var requestCmd = &cobra.Command{
	Use:   "request [kind]",
	Short: "Ask the running daemon to acquire a wake lock",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := cfg.Lock.Kind
		if len(args) == 1 {
			kind = args[0]
		}
		status, err := newClient().Request(cmd.Context(), kind)
		return printLockResult(status, err)
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release the wake lock, keeping it tracked for re-acquisition",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := newClient().Release(cmd.Context())
		return printLockResult(status, err)
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Release the wake lock and stop tracking it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := newClient().Destroy(cmd.Context())
		return printLockResult(status, err)
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recent wake lock events",
	Args:  cobra.NoArgs,
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().StringVarP(&eventsPeriod, "period", "p", "", "period to list (day, week, month); default last 24h")
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 20, "maximum number of events")

	rootCmd.AddCommand(statusCmd, requestCmd, releaseCmd, destroyCmd, eventsCmd)
}

func newClient() *web.Client {
	return web.NewClient(cfg.Web.Host, cfg.Web.Port)
}

func runStatus(cmd *cobra.Command, args []string) error {
	dm := daemon.New(cfg.Daemon.PIDFile)
	running, pid, err := dm.IsRunning()
	if err != nil {
		return fmt.Errorf("failed to check daemon status: %w", err)
	}

	if !running {
		fmt.Println("Status: Not running")
	} else {
		fmt.Printf("Status: Running (PID: %d)\n", pid)
		fmt.Printf("Sample Interval: %v\n", cfg.Tracker.SampleInterval)
		fmt.Printf("Database: %s\n", cfg.Database.Path)

		ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
		defer cancel()
		if status, err := newClient().Status(ctx); err == nil {
			printStatus(status)
			return nil
		}
		fmt.Println("\nWeb API not reachable; start the daemon with 'serve' to control the lock")
	}

	opts := detectorOptions(cfg)
	provider, err := detector.NewProvider(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer provider.Close()

	fmt.Printf("\nPlatform:\n")
	fmt.Printf("  Display Server: %s\n", detector.DetectDisplayServer())
	fmt.Printf("  Backend: %s (supported: %v)\n", provider.Name(), provider.Supported())

	if watcher, err := detector.NewVisibility(cmd.Context(), opts); err == nil {
		fmt.Printf("  Visibility: %s\n", watcher.State())
		watcher.Close()
	}
	return nil
}

func printStatus(s *tracker.Status) {
	fmt.Printf("\nWake Lock:\n")
	fmt.Printf("  Backend: %s (supported: %v)\n", s.Backend, s.Supported)
	fmt.Printf("  Active: %v\n", s.Active)
	if s.Active {
		fmt.Printf("  Kind: %s\n", s.Kind)
		fmt.Printf("  Handle: %s\n", s.HandleID)
	}
	fmt.Printf("  Released: %s\n", s.Released)
	fmt.Printf("  Visibility: %s\n", s.Visibility)
	if s.LastError != "" {
		fmt.Printf("  Last Error: %s\n", s.LastError)
	}
}

func printLockResult(status *tracker.Status, err error) error {
	var apiErr *web.APIError
	if errors.As(err, &apiErr) && apiErr.Lock != nil {
		printStatus(apiErr.Lock)
	} else if err == nil {
		printStatus(status)
	}
	return err
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()

	events, err := newClient().Events(ctx, eventsPeriod, eventsLimit)
	if err != nil {
		// the daemon may run without the web API; read the log directly
		events, err = readEvents()
		if err != nil {
			return err
		}
	}

	if len(events) == 0 {
		fmt.Println("No events recorded for this period.")
		return nil
	}

	fmt.Printf("%-20s %-10s %-8s %-12s %-10s %s\n", "Time", "Action", "Kind", "Backend", "Handle", "Detail")
	for _, ev := range events {
		detail := ev.Reason
		if ev.ErrorMsg != "" {
			detail = ev.ErrorMsg
		}
		fmt.Printf("%-20s %-10s %-8s %-12s %-10s %s\n",
			ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
			ev.Action,
			ev.Kind,
			ev.Backend,
			utils.Truncate(ev.HandleID, 10),
			detail)
	}
	return nil
}

func readEvents() ([]*models.LockEvent, error) {
	db, err := database.Connect(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	since := time.Now().Add(-24 * time.Hour)
	if eventsPeriod != "" {
		period, err := reporter.GetPeriod(eventsPeriod, time.Now().In(cfg.Location()))
		if err != nil {
			return nil, err
		}
		since = period.Start
	}

	return database.NewRepository(db).GetEventsSince(since, eventsLimit)
}
