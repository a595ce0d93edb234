package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

var version = "0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:    "narratord",
		Usage:   "long-form text to speech with block-level progress",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to configuration file",
				Value: "narrator.yaml",
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "path to dotenv file with NARRATOR_ overrides",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API and bus relay",
				Action: serveAction,
			},
			{
				Name:  "render",
				Usage: "synthesize one text file locally",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "text-file", Usage: "UTF-8 text to narrate", Required: true},
					&cli.StringFlag{Name: "voice", Usage: "reference voice recording", Required: true},
					&cli.StringFlag{Name: "lang", Usage: "language code"},
					&cli.IntFlag{Name: "block", Usage: "block size in characters"},
					&cli.IntFlag{Name: "pause", Usage: "pause between blocks in milliseconds", Value: -1},
					&cli.BoolFlag{Name: "no-normalize", Usage: "only collapse whitespace"},
					&cli.StringFlag{Name: "out", Usage: "output wav path", Value: "narration.wav"},
				},
				Action: renderAction,
			},
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(_ context.Context, cmd *cli.Command) error {
					_, err := cmd.Root().Writer.Write([]byte(version + "\n"))
					return err
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the dotenv file, then the YAML config. A missing default
// config file is tolerated so the daemon runs on defaults and environment.
func loadConfig(cmd *cli.Command) (config.Config, *slog.Logger, error) {
	if err := config.LoadEnvFile(cmd.String("env")); err != nil {
		return config.Config{}, nil, err
	}
	path := cmd.String("config")
	if !cmd.IsSet("config") {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, newLogger(cfg.Telemetry.LogLevel), nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
