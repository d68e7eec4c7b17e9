package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"eventsync/internal/app"
	"eventsync/internal/config"
	"eventsync/internal/google"
	"eventsync/internal/storage/migrations"

	"github.com/golang-migrate/migrate/v4"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
	_ "modernc.org/sqlite"
)

func main() {
	cliApp := &cli.App{
		Name:  "eventsync",
		Usage: "Shared events with capacity-limited sign-up and calendar invitations.",
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			authCommand(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API, the metrics endpoint and the notification workers.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dry-run", Usage: "Log notifications instead of sending them."},
			&cli.StringFlag{Name: "addr", Usage: "Listen address, overrides HTTP_ADDRESS."},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if c.IsSet("addr") {
				cfg.HTTP.Address = c.String("addr")
			}

			logger := setupLogger(cfg.Env, cfg.LogLevel)
			logger.Info("Starting eventsync.", "env", cfg.Env, "storage", cfg.Storage.Driver, "calendar", cfg.CalendarProvider)

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, logger, cfg, c.Bool("dry-run"))
			if err != nil {
				return fmt.Errorf("failed to initialise application: %w", err)
			}

			return application.Run(ctx)
		},
	}
}

func migrateCommand() *cli.Command {
	run := func(apply func(*migrate.Migrate) error) cli.ActionFunc {
		return func(c *cli.Context) error {
			cfg, err := config.Parse()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Env, cfg.LogLevel)

			m, err := newMigrator(cfg.Storage)
			if err != nil {
				return fmt.Errorf("failed to create migrator: %w", err)
			}
			defer m.Close()

			if err := apply(m); err != nil {
				return err
			}

			version, dirty, err := m.Version()
			if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
				return fmt.Errorf("failed to read schema version: %w", err)
			}
			logger.Info("Migrations applied.", "command", c.Command.Name, "version", version, "dirty", dirty)
			return nil
		}
	}

	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply or revert the database schema.",
		Subcommands: []*cli.Command{
			{Name: "up", Usage: "Apply every pending migration.", Action: run(migrations.Up)},
			{Name: "down", Usage: "Revert every applied migration.", Action: run(migrations.Down)},
		},
	}
}

func newMigrator(cfg config.Storage) (*migrate.Migrate, error) {
	if cfg.Driver == config.DriverPostgres {
		return migrations.NewPostgres(cfg.DSN)
	}

	db, err := sql.Open("sqlite", "file:"+cfg.Path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	m, err := migrations.NewSQLite(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			cfg, err := config.Parse()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Env, "info")
			logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(cfg.Google.ClientID, cfg.Google.ClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(context.Background(), oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			if err := google.SaveToken(cfg.Google.TokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", cfg.Google.TokenFile)
			return nil
		},
	}
}

// setupLogger writes text logs locally and JSON everywhere else.
func setupLogger(env, level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if env == config.EnvLocal {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
