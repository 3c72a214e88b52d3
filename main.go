package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"conversation-service/internal/auth"
	"conversation-service/internal/config"
	"conversation-service/internal/db"
	"conversation-service/internal/logging"
	"conversation-service/internal/models"
)

const version = "0.3.0"

func main() {
	app := &cli.App{
		Name:    "conversation-service",
		Usage:   "Real-time partner/user conversations with presence",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"CONVO_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			tokenCommand(),
		},
		Action: func(c *cli.Context) error {
			return runServe(c)
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Start the HTTP, websocket and gRPC health servers",
		Action: runServe,
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or update the Postgres schema",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrate requires the postgres driver, got %q", cfg.Database.Driver)
			}
			log := logging.New(cfg.Log.Env, cfg.Log.Level, cfg.Service.Name)

			ctx, cancel := context.WithTimeout(c.Context, time.Minute)
			defer cancel()
			database, err := db.Connect(ctx, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer database.Close()
			return db.Migrate(ctx, database, log)
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue a signed token for local testing",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "identity id", Required: true},
			&cli.StringFlag{Name: "kind", Usage: "partner or user", Value: string(models.KindUser)},
			&cli.DurationFlag{Name: "ttl", Usage: "token lifetime", Value: 24 * time.Hour},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			kind, err := models.ParseKind(c.String("kind"))
			if err != nil {
				return err
			}
			token, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret).Issue(models.NewIdentity(c.String("id"), kind), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, token)
			return nil
		},
	}
}
