// Command wagate runs the messaging gateway: it restores persisted sessions,
// serves the pairing control plane, and dispatches inbound commands.
package main

import (
	"context"
	"log"
	"time"

	"github.com/m3rciful/wagate/core/bootstrap"
	"github.com/m3rciful/wagate/core/cache"
	"github.com/m3rciful/wagate/core/cmd"
	coreconfig "github.com/m3rciful/wagate/core/config"
	coredatabase "github.com/m3rciful/wagate/core/database"
	"github.com/m3rciful/wagate/core/creds"
	"github.com/m3rciful/wagate/core/dispatch"
	"github.com/m3rciful/wagate/core/httpapi"
	"github.com/m3rciful/wagate/core/logger"
	"github.com/m3rciful/wagate/core/plugins"
	"github.com/m3rciful/wagate/core/protocol"
	"github.com/m3rciful/wagate/core/session"
	"github.com/m3rciful/wagate/core/store"
	"log/slog"
)

func main() {
	if err := cmd.Run(cmd.Options{
		DefaultConfigPath: "config.yaml",
		Build:             build,
	}); err != nil {
		log.Fatalf("wagate: %v", err)
	}
}

// app holds the assembled gateway and tears it down in reverse order.
type app struct {
	cfg     *coreconfig.Config
	boot    *bootstrap.Result
	store   *store.Store
	cache   *cache.Cache
	manager *session.Manager
	orch    *session.Orchestrator
	server  *httpapi.Server
}

func build(cfg *coreconfig.Config) (cmd.App, error) {
	dbCfg, err := coredatabase.FromEnv()
	if err != nil {
		return nil, err
	}
	boot, err := bootstrap.Run(bootstrap.Options{
		Config:   cfg,
		Database: dbCfg,
	})
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.Dir, store.Options{
		JournalMaxEntries: cfg.Store.JournalMaxEntries,
		CompactInterval:   time.Duration(cfg.Store.CompactIntervalMS) * time.Millisecond,
		Durable:           cfg.Store.Durable,
	})
	if err != nil {
		_ = boot.DB.Close()
		return nil, err
	}

	manager := session.NewManager()
	orch := session.New(manager, protocol.NewDialer(cfg.Bridge), st, boot.Sessions, session.Options{
		AuthDir:            cfg.Gateway.AuthDir,
		Prefix:             cfg.Gateway.Prefix,
		WorkType:           cfg.Gateway.WorkType,
		ReconnectBackoff:   time.Duration(cfg.Gateway.ReconnectBackoffMS) * time.Millisecond,
		PairTimeout:        time.Duration(cfg.Gateway.PairTimeoutMS) * time.Millisecond,
		RestoreConcurrency: cfg.Gateway.RestoreConcurrency,
		RestoreDelay:       time.Duration(cfg.Gateway.RestoreDelayMS) * time.Millisecond,
		Persist: creds.Options{
			Attempts:    cfg.Persist.Attempts,
			BackoffBase: time.Duration(cfg.Persist.BackoffBaseMS) * time.Millisecond,
			MaxBytes:    cfg.Persist.MaxBytes,
		},
	})

	reg := plugins.NewRegistry()
	reg.AddLoader(plugins.Builtin(cfg.Gateway.Prefix))
	orch.OnMessage(dispatch.Handler(reg, st, cfg.Gateway.Prefix))

	c := cache.New(cfg.Cache)
	return &app{
		cfg:     cfg,
		boot:    boot,
		store:   st,
		cache:   c,
		manager: manager,
		orch:    orch,
		server:  httpapi.New(orch, manager, boot.Sessions, c, cfg.Server),
	}, nil
}

// Run serves until ctx is cancelled, then drains sessions and storage.
func (a *app) Run(ctx context.Context) error {
	go func() {
		if err := a.orch.RestoreAll(ctx); err != nil && ctx.Err() == nil {
			logger.Error(ctx, "app", "session.restore_all",
				slog.String("status", "fail"),
				slog.String("err", err.Error()),
			)
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Run() }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "app", "http.shutdown",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
	}

	for _, e := range a.manager.All() {
		_ = e.Conn.Close()
	}
	a.orch.Wait()

	if err := a.store.Close(); err != nil {
		logger.Warn(shutdownCtx, "app", "store.close",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
	}
	_ = a.cache.Close()
	_ = a.boot.DB.Close()
	return runErr
}
