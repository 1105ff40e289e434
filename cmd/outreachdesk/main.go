package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/agentworkforce/outreachdesk/internal/config"
	"github.com/agentworkforce/outreachdesk/internal/logging"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("OUTREACHDESK_CONFIG")), "path to a YAML config file")
	flag.Parse()

	boot := logging.New(os.Stderr, "text", "info")
	cfg, err := config.Load(*configPath, boot)
	if err != nil {
		boot.Error(context.Background(), "failed to load configuration", "error", err)
		os.Exit(2)
	}
	logger := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, unix.SIGHUP)
	defer signal.Stop(hangup)

	d, err := newDaemon(cfg, logger)
	if err != nil {
		logger.Error(rootCtx, "failed to initialize", "error", err)
		os.Exit(1)
	}
	if err := d.run(rootCtx, hangup, nil); err != nil {
		logger.Error(rootCtx, "daemon stopped with error", "error", err)
		os.Exit(1)
	}
}
