package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/ecashlabs/nutgate/gate"
	"github.com/ecashlabs/nutgate/kv"
)

func main() {
	// a missing .env is fine, the environment may be set directly
	godotenv.Load()

	app := &cli.App{
		Name:  "nutgate",
		Usage: "payment-metered reverse proxy for LLM chat-completion APIs",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the gate server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "db",
						Usage: "path to the bbolt database file",
					},
				},
				Action: serve,
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(ctx *cli.Context) error {
	config, err := gate.ConfigFromEnv()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if config.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     logLevel,
	}))

	store, err := openStore(ctx.String("db"))
	if err != nil {
		return err
	}

	g := gate.New(config, store, logger)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.Shutdown(drainCtx); err != nil {
			logger.Error("shutdown failed", "error", err.Error())
		}
	}()

	return g.Start()
}

func openStore(path string) (kv.Store, error) {
	if path == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dataDir := filepath.Join(dir, ".nutgate")
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return nil, err
		}
		path = filepath.Join(dataDir, "nutgate.db")
	}
	store, err := kv.OpenBolt(path)
	if err != nil {
		return nil, err
	}
	return store, nil
}
