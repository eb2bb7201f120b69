package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lifebuffer/lifebuffer/internal/auth"
	"github.com/lifebuffer/lifebuffer/internal/config"
	"github.com/lifebuffer/lifebuffer/internal/logging"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := run(ctx, &cli{
		io:         appIO{in: os.Stdin, out: os.Stdout, err: os.Stderr},
		loadConfig: config.Load,
		newLogger: func(cfg *config.Config) *slog.Logger {
			return logging.NewLogger(cfg.IsProduction(), cfg.LogLevel)
		},
		nav: auth.NewBrowserNavigator(os.Stderr),
	}, os.Args[1:])
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
