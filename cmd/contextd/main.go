package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/illmade-knight/go-contextstore/pkg/config"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}
	return fmt.Sprintf("%s (%s) %s", version, short, date)
}

// flags holds command-line overrides for values in the config file.
type flags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	HTTPPort   string
	DataDir    string
	Persist    bool
}

func main() {
	if err := setupLogger("info", "console", os.Stderr); err != nil {
		panic(err)
	}

	f := &flags{}
	app := newApp(f, func(ctx context.Context, c *cli.Command) error {
		cfg, err := loadConfig(f, c)
		if err != nil {
			return err
		}
		if err := setupLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		return run(ctx, cfg, log.Logger)
	})

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("contextd exited with error.")
		os.Exit(1)
	}
}

// newApp builds the root command. action runs after flags are parsed.
func newApp(f *flags, action cli.ActionFunc) *cli.Command {
	return &cli.Command{
		Name:    "contextd",
		Usage:   "Serve a key/value context store with TTLs and live change streams",
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("CONTEXTD_CONFIG"),
				Value:       "contextd.yaml",
				Destination: &f.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error, fatal, panic)",
				Sources:     cli.EnvVars("CONTEXTD_LOG_LEVEL"),
				Destination: &f.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "log output format (console, json)",
				Sources:     cli.EnvVars("CONTEXTD_LOG_FORMAT"),
				Destination: &f.LogFormat,
			},
			&cli.StringFlag{
				Name:        "http-port",
				Usage:       "HTTP listen address, e.g. :8080",
				Sources:     cli.EnvVars("CONTEXTD_HTTP_PORT"),
				Destination: &f.HTTPPort,
			},
			&cli.StringFlag{
				Name:        "data-dir",
				Usage:       "directory holding the snapshot file",
				Sources:     cli.EnvVars("CONTEXTD_DATA_DIR"),
				Destination: &f.DataDir,
			},
			&cli.BoolFlag{
				Name:        "persist",
				Usage:       "enable periodic snapshots to the data directory",
				Sources:     cli.EnvVars("CONTEXTD_PERSIST"),
				Destination: &f.Persist,
			},
		},
		Action: action,
	}
}

// loadConfig reads the config file and applies any flags that were set.
func loadConfig(f *flags, c *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if c.IsSet("log-level") {
		cfg.LogLevel = f.LogLevel
	}
	if c.IsSet("log-format") {
		cfg.LogFormat = f.LogFormat
	}
	if c.IsSet("http-port") {
		cfg.HTTPPort = f.HTTPPort
	}
	if c.IsSet("data-dir") {
		cfg.Context.StoragePath = f.DataDir
	}
	if c.IsSet("persist") {
		cfg.Context.EnablePersistence = f.Persist
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setupLogger(level, format string, out io.Writer) error {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var output = out
	if strings.ToLower(format) != "json" {
		output = zerolog.ConsoleWriter{Out: out}
	}

	log.Logger = zerolog.New(output).Level(parsedLevel).With().Timestamp().Logger()
	return nil
}
