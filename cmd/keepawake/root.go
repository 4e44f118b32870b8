package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keepawake/keepawake/internal/config"
	"github.com/keepawake/keepawake/version"
)

const appName = "keepawake"

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Keep the display awake while you need it",
	Long: `keepawake holds a screen wake lock through the desktop session and
re-acquires it when the display comes back after being blanked or locked.

Configuration is read from $XDG_CONFIG_HOME/keepawake/config.toml (or the
file named by --config / KEEPAWAKE_CONFIG) and KEEPAWAKE_* environment
variables, e.g. KEEPAWAKE_LOCK_BACKEND=portal or KEEPAWAKE_WEB_PORT=8080.`,
	SilenceUsage: true,
	Version:      version.Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			cfg = config.New()
			return nil
		}

		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/keepawake/config.toml)")
	rootCmd.SetVersionTemplate(fmt.Sprintf("%s {{.Version}}\n", appName))
}
