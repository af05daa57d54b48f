package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/pullsmith/pullsmith/agent"
	"github.com/pullsmith/pullsmith/agent/llm"
	"github.com/pullsmith/pullsmith/config"
	"github.com/pullsmith/pullsmith/forge"
	"github.com/pullsmith/pullsmith/forge/gh"
	"github.com/pullsmith/pullsmith/pipeline"
	"github.com/pullsmith/pullsmith/queue"
	"github.com/pullsmith/pullsmith/store"
)

// App wires the daemon together: broker, storage plane, agent, forge,
// and the pipeline over them.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	embeddedServer *server.Server
	natsConn       *nats.Conn
	db             *sqlx.DB

	queues   *queue.Manager
	pipeline *pipeline.Pipeline
}

// NewApp creates an application instance. Nothing connects until Start.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// Start connects the broker and database and brings the pipeline up.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	db, err := store.Open(ctx, a.cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.db = db

	if a.cfg.Database.EnsureSchema {
		if err := store.EnsureSchema(ctx, db); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	tdb, err := store.NewTenantDB(ctx, db, store.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("initialize tenant scoping: %w", err)
	}

	a.queues = queue.NewManager("", a.cfg.QueueConfig(),
		queue.WithConn(a.natsConn),
		queue.WithManagerLogger(a.logger),
	)

	a.pipeline = pipeline.New(pipeline.Deps{
		Jobs:   store.NewJobStore(tdb),
		Repos:  store.NewRepoStore(tdb),
		Agent:  a.buildAgent(),
		Opener: a.buildOpener(),
		Queues: a.queues,
		Config: a.cfg.PipelineConfig(),
		Logger: a.logger,
	}, a.queues)

	if err := a.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	return nil
}

func (a *App) startNATS() error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
		return nil
	}

	a.logger.Info("starting embedded NATS server")
	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("embedded NATS server failed to start")
	}
	a.embeddedServer = ns

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return fmt.Errorf("connect to embedded NATS: %w", err)
	}
	a.natsConn = conn
	return nil
}

func (a *App) buildAgent() agent.Agent {
	if a.cfg.Agent.Mock {
		a.logger.Warn("using mock agent; jobs will produce synthetic changes")
		return &agent.MockAgent{Delay: a.cfg.Agent.MockDelay}
	}
	client := llm.NewClient(a.cfg.Agent.Endpoints, llm.WithLogger(a.logger))
	return llm.NewAgent(client, a.logger)
}

func (a *App) buildOpener() forge.Opener {
	return gh.NewOpener(a.cfg.Forge.WorkDir)
}

// Shutdown stops the pipeline, drains the queues, and closes every
// connection. Safe to call after a partial Start.
func (a *App) Shutdown(timeout time.Duration) {
	a.logger.Info("shutting down")

	if a.pipeline != nil {
		if err := a.pipeline.Stop(timeout); err != nil {
			a.logger.Error("pipeline stop", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("close database", "error", err)
		}
	}
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.logger.Error("drain NATS connection", "error", err)
		}
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}

	a.logger.Info("shutdown complete")
}
