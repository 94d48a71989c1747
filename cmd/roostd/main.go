// Package main is the roost daemon entry point. It hosts the agent
// mediator runtime behind a local RPC socket; agent runtimes plug in
// behind the agent.Coordinator seam (the built-in mock runtime echoes
// turns, which is enough for local development against the dev channel).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/agent"
	"github.com/roostlabs/roostd/internal/common/config"
	"github.com/roostlabs/roostd/internal/common/logger"
	"github.com/roostlabs/roostd/internal/daemon"
	"github.com/roostlabs/roostd/internal/rpc"
	"github.com/roostlabs/roostd/internal/shutdown"
)

// version is stamped by the release build.
var version = "dev"

// hardInterruptWindow is how long after a first SIGINT a second one
// escalates to a hard shutdown.
const hardInterruptWindow = 3 * time.Second

type flags struct {
	configPath  string
	socket      string
	logLevel    string
	dataDir     string
	guidanceDir string
}

func main() {
	f := &flags{}
	root := &cobra.Command{
		Use:           "roostd",
		Short:         "roostd mediates chat channels, agent sessions, and local RPC clients",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	root.Flags().StringVar(&f.configPath, "config", "", "directory containing config.yaml")
	root.Flags().StringVarP(&f.socket, "socket", "s", "", "daemon socket path")
	root.Flags().StringVarP(&f.logLevel, "log-level", "l", "", "log level (trace, debug, info, warn, error)")
	root.Flags().StringVarP(&f.dataDir, "data", "d", "", "data directory")
	root.Flags().StringVarP(&f.guidanceDir, "guidance", "g", "", "guidance directory")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "roostd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f *flags) error {
	cfg, err := config.LoadWithPath(f.configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	applyOverrides(cfg, f)

	// The log core mirrors entries to subscribe.logs clients; it must be
	// part of the logger from the start so nothing is missed.
	logCore := rpc.NewLogCore()
	log, err := logger.NewLoggerWithCores(cfg.Logging, logCore)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	ctrl := daemon.New(daemon.Options{
		Config:       cfg,
		Coordinator:  agent.NewMockCoordinator(),
		ModelFactory: &agent.MockModelFactory{},
		Logger:       log,
		LogCore:      logCore,
		Version:      version,
	})

	if err := ctrl.Start(ctx); err != nil {
		log.Error("daemon failed to start", zap.Error(err))
		return err
	}

	return waitForShutdown(ctx, ctrl, log)
}

// applyOverrides lays command-line flags over the loaded configuration.
func applyOverrides(cfg *config.Config, f *flags) {
	if f.socket != "" {
		cfg.Socket = f.socket
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.dataDir != "" {
		cfg.Data.Dir = f.dataDir
	}
	if f.guidanceDir != "" {
		cfg.Data.GuidanceDir = f.guidanceDir
	}
}

// waitForShutdown blocks until the daemon stops. A first SIGINT or a
// SIGTERM requests a graceful stop; a second SIGINT inside the escalation
// window switches the stop to hard mode and exits non-zero once the
// remaining groups drain. SIGUSR1 (where the platform has it) triggers a
// config reload.
func waitForShutdown(ctx context.Context, ctrl *daemon.Controller, log *logger.Logger) error {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	notifyReload(sigs)
	defer signal.Stop(sigs)

	var firstInterrupt time.Time
	requested := false
	escalated := false

	for {
		select {
		case <-ctrl.Done():
			if escalated {
				return errors.New("terminated by hard shutdown")
			}
			return nil

		case <-ctx.Done():
			if !requested {
				requested = true
				ctrl.RequestShutdown(shutdown.ModeGraceful)
			}

		case sig := <-sigs:
			switch {
			case isReloadSignal(sig):
				log.Info("reload signal received")
				ctrl.Reload()

			case sig == syscall.SIGINT:
				now := time.Now()
				if requested && now.Sub(firstInterrupt) <= hardInterruptWindow {
					if !escalated {
						log.Warn("second interrupt, escalating to hard shutdown")
						ctrl.Escalate()
						escalated = true
					}
					continue
				}
				firstInterrupt = now
				if requested {
					log.Warn("shutdown already in progress")
					continue
				}
				requested = true
				log.Info("interrupt received, shutting down gracefully")
				ctrl.RequestShutdown(shutdown.ModeGraceful)

			case sig == syscall.SIGTERM:
				if requested {
					log.Warn("shutdown already in progress")
					continue
				}
				requested = true
				log.Info("termination signal received, shutting down gracefully")
				ctrl.RequestShutdown(shutdown.ModeGraceful)
			}
		}
	}
}
