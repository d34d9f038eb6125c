package cmd

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/zlnvch/boardsync/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "boardsync",
	Short: "Real-time whiteboard sync server",
	Long:  `WebSocket rooms, drawing persistence and UDP presence. Commands: serve, heartbeat, token.`,
	RunE:  runServe, // default: same as "boardsync serve"
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "optional config file (yaml, json or toml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(heartbeatCmd)
	rootCmd.AddCommand(tokenCmd)
}

// Execute runs the root command and returns the error (for main to log.Fatal).
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return cfg, nil
}
