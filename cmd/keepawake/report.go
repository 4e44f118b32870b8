package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keepawake/keepawake/internal/database"
	"github.com/keepawake/keepawake/internal/reporter"
	"github.com/keepawake/keepawake/version"
)

var (
	reportJSON bool
	clearYes   bool
)

var reportCmd = &cobra.Command{
	Use:       "report [day|week|month]",
	Short:     "Generate a wake lock time report",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"day", "today", "week", "month"},
	RunE: func(cmd *cobra.Command, args []string) error {
		periodType := "day"
		if len(args) == 1 {
			periodType = args[0]
		}

		db, err := database.Connect(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		if err := db.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}

		rep := reporter.New(cfg, database.NewRepository(db))
		report, err := rep.GenerateReport(periodType)
		if err != nil {
			return fmt.Errorf("failed to generate report: %w", err)
		}

		if reportJSON {
			jsonStr, err := rep.FormatReportJSON(report)
			if err != nil {
				return err
			}
			fmt.Println(jsonStr)
			return nil
		}

		fmt.Println(rep.FormatReportText(report))
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear all tracking data from the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearYes {
			fmt.Print("This will delete all tracking data. Are you sure? (yes/no): ")
			response, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			response = strings.TrimSpace(strings.ToLower(response))
			if response != "yes" && response != "y" {
				fmt.Println("Operation cancelled")
				return nil
			}
		}

		db, err := database.Connect(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		if err := db.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}

		if err := database.NewRepository(db).Clear(); err != nil {
			return fmt.Errorf("failed to clear database: %w", err)
		}
		fmt.Println("Database cleared successfully")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("version: %s\n", version.Version)
		fmt.Printf("built  : %s\n", version.Date)
	},
}

func init() {
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "print the report as JSON")
	clearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "do not ask for confirmation")

	rootCmd.AddCommand(reportCmd, clearCmd, versionCmd)
}
