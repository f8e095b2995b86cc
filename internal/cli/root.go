// Package cli implements the deskagent command line.
package cli

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/harun/deskagent/internal/config"
	"github.com/harun/deskagent/internal/daemon"
	"github.com/harun/deskagent/internal/logger"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
	envFile  string
)

// extraOptions are appended to every daemon built by a command.
var extraOptions []daemon.Option

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "deskagent",
	Short: "Deskagent - privacy-first desktop assistant",
	Long: `Deskagent is a desktop assistant that plans and executes requests over
your email, calendar, documents and the web. Personal data is redacted
before it reaches the model and restored in the artifacts it produces.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("failed to load env file: %w", err)
			}
			return nil
		}
		// A missing .env in the working directory is fine.
		_ = godotenv.Load()
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.deskagent/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file instead of ./.env")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. Interactive commands keep the
// console quiet unless a level was asked for.
func newLogger(cfg *config.Config, interactive bool) (*logger.Logger, error) {
	lc := logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	}
	if interactive && logLevel == "" {
		lc.Level = "warn"
	}
	return logger.New(lc)
}

// openDaemon loads config and assembles the agent. The returned close
// function releases the daemon and the logger.
func openDaemon(interactive bool, opts ...daemon.Option) (*daemon.Daemon, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log, err := newLogger(cfg, interactive)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	d, err := daemon.New(cfg, log, append(opts, extraOptions...)...)
	if err != nil {
		_ = log.Close()
		return nil, nil, err
	}
	return d, func() {
		_ = d.Close()
		_ = log.Close()
	}, nil
}
