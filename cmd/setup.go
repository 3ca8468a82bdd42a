package cmd

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skein-dev/skein/internal/engine"
	"github.com/skein-dev/skein/internal/persistence"
	memorydb "github.com/skein-dev/skein/internal/persistence/memory"
	"github.com/skein-dev/skein/internal/persistence/sqlite"
	"github.com/skein-dev/skein/internal/runner"
	"github.com/skein-dev/skein/internal/state"
	memorystate "github.com/skein-dev/skein/internal/state/memory"
	redisstate "github.com/skein-dev/skein/internal/state/redis"
	"github.com/skein-dev/skein/internal/telemetry"
)

// deps is everything a command needs, wired from the loaded config.
type deps struct {
	repo   persistence.Repository
	states state.Store
	eng    *engine.Engine

	closers []func() error
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

// setup builds the repository, state store and engine. An empty db path
// selects the in-memory repository; an empty redis address the in-memory
// state store.
func setup(ctx context.Context) (*deps, error) {
	d := &deps{}

	if cfg.DB.Path != "" {
		store, err := sqlite.Open(ctx, cfg.DB.Path)
		if err != nil {
			return nil, err
		}
		d.repo = store
		d.closers = append(d.closers, store.Close)
	} else {
		d.repo = memorydb.New()
	}

	if cfg.Redis.Addr != "" {
		store, err := redisstate.New(ctx, redisstate.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			d.close()
			return nil, err
		}
		d.states = store
		d.closers = append(d.closers, store.Close)
	} else {
		d.states = memorystate.New()
	}

	metrics := telemetry.New(prometheus.NewRegistry())
	d.eng = engine.New(d.repo, d.states, &runner.CommandRunner{}, metrics, engine.Config{
		MaxConcurrentExecutions: cfg.MaxConcurrentExecutions,
		Workers:                 cfg.Workers,
		StateTTL:                cfg.StateTTL(),
	})
	return d, nil
}
