package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/campuspulse/backend/internal/db"
	"github.com/campuspulse/backend/internal/handlers"
	"github.com/campuspulse/backend/internal/observability"
	"github.com/campuspulse/backend/internal/platform/logger"
	"github.com/campuspulse/backend/internal/realtime"
	"github.com/campuspulse/backend/internal/realtime/bus"
	"github.com/campuspulse/backend/internal/statsync"
	"github.com/campuspulse/backend/internal/store"
)

type App struct {
	Log     *logger.Logger
	Cfg     Config
	Store   store.Store
	Bus     bus.Bus
	Engine  *statsync.Engine
	Hub     *realtime.Hub
	Router  *gin.Engine
	Metrics *observability.Metrics

	cancel context.CancelFunc
}

func New() (*App, error) {
	cfg := LoadConfig()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	metrics := observability.Init(log)

	b, err := wireBus(log, cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}

	st, err := wireStore(log, cfg, b)
	if err != nil {
		b.Close()
		log.Sync()
		return nil, err
	}

	schema, err := loadSchema(log, cfg)
	if err != nil {
		b.Close()
		log.Sync()
		return nil, err
	}

	engine := statsync.NewEngine(log, st, metrics, statsync.Config{
		QueueSize:     cfg.QueueSize,
		CacheTTL:      cfg.CacheTTL,
		SweepInterval: cfg.SweepInterval,
		SweepBatch:    cfg.SweepBatch,
		Schema:        schema,
	})

	hub := realtime.NewHub(log)

	statsHandler := handlers.NewStatsHandler(log, engine)
	realtimeHandler := handlers.NewRealtimeHandler(log, hub, engine)
	router := wireRouter(cfg, metrics, statsHandler, realtimeHandler)

	return &App{
		Log:     log,
		Cfg:     cfg,
		Store:   st,
		Bus:     b,
		Engine:  engine,
		Hub:     hub,
		Router:  router,
		Metrics: metrics,
	}, nil
}

func wireBus(log *logger.Logger, cfg Config) (bus.Bus, error) {
	if cfg.RedisAddr == "" {
		log.Info("using in-process change bus")
		return bus.NewMemoryBus(log), nil
	}
	b, err := bus.NewRedisBus(log, cfg.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("init redis bus: %w", err)
	}
	return b, nil
}

func wireStore(log *logger.Logger, cfg Config, b bus.Bus) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		log.Info("using in-memory document store")
		return store.NewMemoryStore(log, b), nil
	case "postgres":
		pg, err := db.NewPostgresService(log)
		if err != nil {
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		st, err := store.NewGormStore(pg.DB(), log, b)
		if err != nil {
			return nil, fmt.Errorf("init document store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.Engine.Start(ctx)
	if a.Metrics != nil && a.Cfg.MetricsAddr != "" {
		a.Metrics.StartServer(ctx, a.Log, a.Cfg.MetricsAddr)
	}
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
		a.Engine.Stop()
	}
	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil {
			a.Log.Warn("bus close failed", "error", err)
		}
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
