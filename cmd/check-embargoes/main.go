// Command check-embargoes runs one sanction deadline sweep and exits. Schedule
// it from cron; pass -dry to print what would change.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/noah-isme/sanction-engine/internal/bootstrap"
	"github.com/noah-isme/sanction-engine/internal/service"
	"github.com/noah-isme/sanction-engine/pkg/config"
	"github.com/noah-isme/sanction-engine/pkg/logger"
)

func main() {
	dry := flag.Bool("dry", false, "report the sweep without changing anything")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("bootstrap failed", zap.Error(err))
	}

	report, err := app.Reconcile.Run(ctx, service.RunOptions{DryRun: *dry})
	if err != nil {
		_ = app.Close()
		logr.Fatal("sweep failed", zap.Error(err))
	}
	if closeErr := app.Close(); closeErr != nil {
		logr.Warn("shutdown incomplete", zap.Error(closeErr))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logr.Error("write report", zap.Error(err))
	}
	if report.Failed > 0 {
		os.Exit(1)
	}
}
