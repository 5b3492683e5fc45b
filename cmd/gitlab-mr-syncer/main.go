// Package main is the CLI entry point for gitlab-mr-syncer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/config"
	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/ingest"
	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/syncer"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	app := &cli.Command{
		Name:    "gitlab-mr-syncer",
		Usage:   "Sync GitLab merge requests into a persistent store on a schedule",
		Version: version,
		Commands: []*cli.Command{
			runCommand(),
			syncCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to YAML configuration file",
			Value:   "",
			Sources: cli.EnvVars("GMS_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "gitlab-url",
			Usage:   "GitLab instance URL",
			Sources: cli.EnvVars("GMS_GITLAB_URL"),
		},
		&cli.StringFlag{
			Name:    "gitlab-token",
			Usage:   "GitLab personal access token",
			Sources: cli.EnvVars("GMS_GITLAB_TOKEN"),
		},
		&cli.StringFlag{
			Name:    "project",
			Usage:   "GitLab project to sync (numeric ID or full path)",
			Sources: cli.EnvVars("GMS_GITLAB_PROJECT"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (trace, debug, info, warn, error, fatal, panic)",
			Value:   "info",
			Sources: cli.EnvVars("GMS_LOG_LEVEL"),
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start the syncer daemon (scheduled runs + HTTP server)",
		Flags: append(commonFlags(),
			&cli.StringFlag{
				Name:    "listen-address",
				Usage:   "HTTP listen address (e.g. :8080)",
				Sources: cli.EnvVars("GMS_LISTEN_ADDRESS"),
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			if v := cmd.String("listen-address"); v != "" {
				cfg.Server.ListenAddress = v
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			log.WithFields(logrus.Fields{
				"version": version,
				"commit":  commit,
			}).Info("starting gitlab-mr-syncer")

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := syncer.New(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("initializing syncer: %w", err)
			}

			return s.Run(ctx)
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run a single sync and exit (exit code 0 success, 2 partial, 1 failed)",
		Flags: commonFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := syncer.New(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("initializing syncer: %w", err)
			}
			defer s.Close()

			sum := s.RunOnce(ctx)
			switch sum.Outcome {
			case ingest.OutcomeSuccess:
				return nil
			case ingest.OutcomePartial:
				return cli.Exit(fmt.Sprintf("sync partially failed: %d of %d records not persisted", sum.Failed, sum.Fetched), 2)
			default:
				return cli.Exit(fmt.Sprintf("sync failed: %v", sum.Err), 1)
			}
		},
	}
}

// setup configures logging and loads the layered configuration: file,
// environment, then CLI flags. Validation is left to the caller so it runs
// after all layers are applied.
func setup(cmd *cli.Command) (*logrus.Entry, *config.Config, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cmd.String("log-level"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	log := logger.WithField("app", "gitlab-mr-syncer")

	var cfg *config.Config
	if configPath := cmd.String("config"); configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("loading config from %s: %w", configPath, err)
		}
	} else {
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
		config.ApplyEnv(cfg)
	}

	if cfg.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if v := cmd.String("gitlab-url"); v != "" {
		cfg.GitLab.URL = v
	}
	if v := cmd.String("gitlab-token"); v != "" {
		cfg.GitLab.Token = v
	}
	if v := cmd.String("project"); v != "" {
		cfg.GitLab.Project = v
	}

	return log, cfg, nil
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(_ context.Context, _ *cli.Command) error {
			fmt.Printf("gitlab-mr-syncer %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}
