package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Hermes/internal/logger"
	"github.com/wehubfusion/Hermes/pkg/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hermes",
	Short: "Interface integration gateway",
	Long: `hermes receives inbound requests, runs the configured workflow of
HTTP, SOAP and SQL calls with parameter mapping between them, and returns the
merged result as JSON or XML.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); HERMES_* variables override it")
	rootCmd.PersistentFlags().String("log-level", "", "override log.level")

	rootCmd.AddCommand(serveCmd, dispatchCmd, versionCmd)
}

// loadConfig reads the config file and applies flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Development: cfg.Log.Development,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
