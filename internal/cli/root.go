package cli

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"quiz-sync-relay/internal/config"
)

var (
	port       string
	configPath string
	logLevel   string
)

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	envConfig := os.Getenv("CONFIG_PATH")
	if envConfig == "" {
		envConfig = "config/config.yaml"
	}

	cmd := &cobra.Command{
		Use:           "quiz-sync-relay",
		Short:         "Classroom quiz answer relay and peer sync client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Msg("could not load .env file")
			}
			cfg, err := config.LoadOptional(configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg, logLevel)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&port, "port", "", "port to listen on (overrides config and PORT)")
	cmd.PersistentFlags().StringVar(&configPath, "config", envConfig, "path to YAML config")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.AddCommand(NewStartCmd(&configPath, &port))
	cmd.AddCommand(NewMigrateCmd(&configPath))
	cmd.AddCommand(NewImportCmd(&configPath))
	cmd.AddCommand(NewExportCmd(&configPath))
	cmd.AddCommand(NewPullCmd(&configPath))
	cmd.AddCommand(NewWatchCmd(&configPath))
	cmd.AddCommand(NewAnswerCmd(&configPath))
	cmd.AddCommand(NewPushCmd(&configPath))
	cmd.AddCommand(NewProgressCmd(&configPath))
	cmd.AddCommand(NewBadgeCmd(&configPath))
	return cmd
}

func setupLogging(cfg config.Config, flagLevel string) {
	if !strings.EqualFold(cfg.Log.Format, "json") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	raw := flagLevel
	if raw == "" {
		raw = cfg.Log.Level
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil || raw == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
