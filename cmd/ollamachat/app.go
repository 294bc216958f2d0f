package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/comigor/ollamachat/internal/agent"
	"github.com/comigor/ollamachat/internal/config"
	"github.com/comigor/ollamachat/internal/events"
	"github.com/comigor/ollamachat/internal/history"
	"github.com/comigor/ollamachat/internal/llm"
	"github.com/comigor/ollamachat/internal/logger"
	"github.com/comigor/ollamachat/internal/service"
)

// app is one wired instance: storage, event bus and orchestrator.
type app struct {
	cfg   *config.Config
	store history.Store
	bus   *events.Bus
	agent *agent.Orchestrator
}

func openStore(ctx context.Context, cfg config.StorageConfig) (history.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return history.OpenSQLite(ctx, cfg.Path)
	case config.DriverFile:
		return history.OpenFileStore(cfg.Path)
	case config.DriverMemory:
		return history.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	logger.L.Debug("storage opened", "driver", cfg.Storage.Driver, "path", cfg.Storage.Path)

	repo := history.NewRepository(store, history.WithMaxBytes(cfg.Storage.MaxBytes))
	bus := events.NewBus()
	o := agent.New(repo, llm.Factory(cfg.LLM),
		agent.WithPublisher(bus),
		agent.WithPartialRate(cfg.Events.PartialRateHz),
		agent.WithDefaults(cfg.Settings()),
	)

	a := &app{cfg: cfg, store: store, bus: bus, agent: o}
	if err := o.Load(ctx); err != nil {
		return nil, multierror.Append(fmt.Errorf("load conversations: %w", err), a.Close())
	}
	return a, nil
}

// watchService reloads the cache on foreign writes, when the store supports it.
func (a *app) watchService() (service.Service, bool) {
	w, ok := a.store.(history.Watcher)
	if !ok || !a.cfg.Storage.Watch {
		return nil, false
	}
	return service.Func{ServiceName: "store-watch", Fn: func(ctx context.Context) error {
		return a.agent.WatchStore(ctx, w)
	}}, true
}

// Close stops any running turn and releases the bus and store.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if shutdownErr := a.agent.Shutdown(ctx); shutdownErr != nil {
		err = multierror.Append(err, fmt.Errorf("stop turn: %w", shutdownErr))
	}
	if busErr := a.bus.Close(); busErr != nil {
		err = multierror.Append(err, fmt.Errorf("close bus: %w", busErr))
	}
	if storeErr := a.store.Close(); storeErr != nil {
		err = multierror.Append(err, fmt.Errorf("close store: %w", storeErr))
	}
	return err
}
