package main

import (
	"os"

	"classmesh/pkg/config"
	"classmesh/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "classroom",
	Short: "Headless participant for peer-to-peer video classrooms",
	Long: `classroom joins a room as a teacher or student, negotiates a WebRTC
session with every other participant and exposes a local control API.

Examples:
  classroom join --name "Ms. Frizzle" --role teacher --room BUS42
  classroom join --name Arnold --role student --room BUS42 --listen 127.0.0.1:8091
  classroom roster --room BUS42`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "configs/config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(rosterCmd)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.SugaredLogger, func()) {
	base := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	return base.Sugar(), func() { _ = base.Sync() }
}
