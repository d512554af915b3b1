// tickvaultd is the market data ingestion daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtxerr/tickvault/internal/logging"
	"github.com/xtxerr/tickvault/internal/storage"
	"github.com/xtxerr/tickvault/internal/storage/config"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "", "config file path (defaults and environment only when empty)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the environment overrides")
	rolloverNow := flag.Bool("rollover-now", false, "roll the live buffer over, apply retention and exit")
	recoverNow := flag.Bool("recover-now", false, "run one recovery pass and exit")
	flag.Parse()

	if err := run(*cfgPath, *envFile, *rolloverNow, *recoverNow); err != nil {
		fmt.Fprintf(os.Stderr, "tickvaultd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, envFile string, rolloverNow, recoverNow bool) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	jsonFormat := logging.AutoFormat()
	switch cfg.Logging.Format {
	case "json":
		jsonFormat = true
	case "text":
		jsonFormat = false
	}
	logging.Init(logging.ParseLevel(cfg.Logging.Level), jsonFormat)
	log := logging.Component("main")
	log.Info("tickvaultd starting", "version", Version, "config", cfgPath)

	svc, err := storage.New(cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// =========================================================================
	// One-shot operations
	// =========================================================================

	if recoverNow {
		report, err := svc.RecoverNow(ctx)
		log.Info("recovery pass done",
			"recovered", report.Recovered,
			"skipped", report.Skipped,
			"failed", report.Failed)
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
	}

	if rolloverNow {
		res, err := svc.RolloverNow(ctx)
		if err != nil {
			return err
		}
		log.Info("rollover done",
			"empty", res.Empty,
			"ticks", res.Ticks,
			"bars", res.Bars,
			"partitions", len(res.Partitions))
	}

	if recoverNow || rolloverNow {
		return nil
	}

	// =========================================================================
	// Daemon
	// =========================================================================

	if err := svc.Run(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	log.Info("tickvaultd stopped")
	return nil
}
