// Package app wires the workspace database, store, bus and orchestrator
// into one runnable unit shared by the CLI and the server.
package app

import (
	"database/sql"

	"devflow/internal/bus"
	"devflow/internal/collab"
	"devflow/internal/config"
	"devflow/internal/db"
	"devflow/internal/migrate"
	"devflow/internal/pipeline"
	"devflow/internal/store"
)

type App struct {
	DB       *sql.DB
	Config   *config.Config
	Store    *store.Store
	Bus      *bus.Bus
	Pipeline *pipeline.Orchestrator
}

// Options control construction. Collaborators default to the local
// deterministic set.
type Options struct {
	Workspace     string
	Collaborators *collab.Set
}

// Open opens the workspace database, applies migrations and wires the
// core. The caller owns Close.
func Open(opts Options) (*App, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	st := store.New(conn)
	b := bus.New(conn)
	set := collab.NewLocalSet()
	if opts.Collaborators != nil {
		set = *opts.Collaborators
	}
	pipeline.RegisterHandlers(b, set)
	orch := pipeline.New(st, b)
	orch.Async = cfg.Pipeline.Async

	return &App{
		DB:       conn,
		Config:   cfg,
		Store:    st,
		Bus:      b,
		Pipeline: orch,
	}, nil
}

// Close waits for in-flight pipelines and closes the database.
func (a *App) Close() error {
	a.Pipeline.Wait()
	return a.DB.Close()
}
