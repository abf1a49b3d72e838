// Package cmd hosts the process entrypoint glue: config resolution, signal
// handling, and the run loop around the assembled application.
package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	coreconfig "github.com/m3rciful/wagate/core/config"
	"github.com/m3rciful/wagate/core/logger"
	"log/slog"
)

// App is an assembled gateway. Run blocks until ctx is cancelled and returns
// after the application has drained.
type App interface {
	Run(ctx context.Context) error
}

// Options describe how to load configuration and assemble the application.
type Options struct {
	ConfigEnvVar      string
	DefaultConfigPath string

	LoadConfig func(path string) (*coreconfig.Config, error)
	Build      func(cfg *coreconfig.Config) (App, error)

	ShutdownLogger func() error
}

// Run loads configuration, assembles the app, and drives it until SIGINT or
// SIGTERM.
func Run(opts Options) error {
	if opts.Build == nil {
		return fmt.Errorf("cmd: Build is required")
	}

	env := opts.ConfigEnvVar
	if env == "" {
		env = "CONFIG_PATH"
	}
	cfgPath := os.Getenv(env)
	if cfgPath == "" {
		cfgPath = opts.DefaultConfigPath
	}
	if cfgPath == "" {
		return fmt.Errorf("cmd: config path not provided via %s or DefaultConfigPath", env)
	}

	loadConfig := opts.LoadConfig
	if loadConfig == nil {
		loadConfig = coreconfig.Load
	}
	log.Printf("loading config: %s", cfgPath)
	startedAt := time.Now()
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("cmd: failed to load config: %w", err)
	}

	application, err := opts.Build(cfg)
	if err != nil {
		return fmt.Errorf("cmd: build failed: %w", err)
	}

	shutdownLogger := opts.ShutdownLogger
	if shutdownLogger == nil {
		shutdownLogger = logger.Shutdown
	}
	defer func() {
		if err := shutdownLogger(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info(ctx, "app", "app.ready",
		slog.String("status", "ok"),
		slog.Duration("startup_duration", logger.RoundMS(time.Since(startedAt))),
	)
	go func() {
		<-ctx.Done()
		logger.Info(logger.Background(), "app", "app.shutdown")
	}()

	return application.Run(ctx)
}
