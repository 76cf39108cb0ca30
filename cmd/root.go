// Package cmd implements the command line interface of the control plane.
package cmd

import (
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/techulus/cloud-control/app"
	"github.com/techulus/cloud-control/config"
	"github.com/techulus/cloud-control/logging"
)

var (
	configPath    string
	colorDisabled bool

	appCtx *app.App
)

var rootCmd = &cobra.Command{
	Use:   "cloud-control",
	Short: "Control plane for a self-hosted container platform",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initColors()

		cfg, err := config.NewConfigFromFile(configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %s", err)
		}
		if logging.LogLevel.IsSet() {
			cfg.LogLevel = logging.LogLevel.String()
		}
		logging.InitLogging(cfg.LogLevel)

		appCtx, err = app.New(cfg)
		if err != nil {
			log.Fatalf("Failed to initialize: %s", err)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "f", "", "Path to configuration file")
	rootCmd.PersistentFlags().VarP(logging.LogLevel, "log-level", "l", "Log level (debug, info, warning, error)")
	rootCmd.PersistentFlags().BoolVarP(&colorDisabled, "no-color", "c", false, "Disable colored output")

	rootCmd.AddCommand(newCmdServer())
	rootCmd.AddCommand(newCmdToken())
	rootCmd.AddCommand(newCmdServers())
}
