package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-agent/internal/app"
	"github.com/shehryarbajwa/browser-agent/internal/config"
	"github.com/shehryarbajwa/browser-agent/internal/logging"
)

func main() {
	mock := flag.Bool("mock", false, "use the simulated in-process browser")
	headless := flag.Bool("headless", false, "run the browser without a window")
	flag.Parse()

	v := viper.New()
	if *mock {
		v.Set(config.KeyMode, config.ModeMock)
	}
	if *headless {
		v.Set(config.KeyHeadless, true)
	}

	cfg, err := config.Load(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to create logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to assemble server", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}
