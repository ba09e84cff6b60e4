package dependencies

import (
	"context"
	"fmt"
	"log/slog"

	"TallySync/internal/backend/metrics"
	"TallySync/internal/backend/models"
	"TallySync/internal/backend/services"
	"TallySync/internal/backend/storage"
	"TallySync/internal/backend/transport"
	"TallySync/internal/config"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Container держит все зависимости backend: хранилища, сервисы, транспорт.
// Инициализация по слоям, Close в обратном порядке.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	DB           *pgxpool.Pool
	TaskStore    storage.SyncTaskStore
	SessionStore storage.SessionStore
	Triggers     storage.TriggerQueue

	Registry     *services.RegistryService
	Orchestrator *services.Orchestrator
	SyncService  *services.SyncService
	Hub          *transport.Hub
}

func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}

	container := &Container{
		Config: cfg,
		Logger: logger,
	}

	if err := container.initDatabase(ctx); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}

	if err := container.initRedis(); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to init redis: %w", err)
	}

	container.initStorage()
	container.initServices()

	metrics.Register()

	return container, nil
}

func (c *Container) initDatabase(ctx context.Context) error {
	pool, err := storage.NewPostgres(ctx, &c.Config.Database, c.Logger)
	if err != nil {
		return err
	}

	c.DB = pool
	return nil
}

func (c *Container) initRedis() error {
	queue, err := storage.NewRedisTriggerQueue(&c.Config.Redis, c.Logger)
	if err != nil {
		return err
	}

	c.Triggers = queue
	return nil
}

func (c *Container) initStorage() {
	policy := models.RetryPolicy{
		MaxAttempts: c.Config.Sync.MaxAttempts,
		Base:        c.Config.Sync.BackoffBase,
		Cap:         c.Config.Sync.BackoffCap,
	}

	c.TaskStore = storage.NewSyncTaskStore(c.DB, policy)
	c.SessionStore = storage.NewSessionStore(c.DB)
}

func (c *Container) initServices() {
	c.Registry = services.NewRegistryService(c.SessionStore, services.RegistryConfig{
		HeartbeatInterval: c.Config.Transport.HeartbeatInterval,
	}, c.Logger)

	c.Hub = transport.NewHub(c.Registry, c.Config.Transport, c.Config.Security.AgentTokenSecret, c.Logger)

	c.Orchestrator = services.NewOrchestrator(
		c.TaskStore,
		c.Registry,
		c.Hub,
		c.Triggers,
		services.OrchestratorConfig{
			Interval:    c.Config.Sync.Interval,
			BatchSize:   c.Config.Sync.BatchSize,
			TaskTimeout: c.Config.Sync.TaskTimeout,
			Company:     c.Config.Tally.Company,
		},
		c.Logger,
	)

	// Разрыв сессии откатывает in-progress задачи этой сессии
	c.Registry.Subscribe(c.Orchestrator)

	c.SyncService = services.NewSyncService(c.TaskStore, c.Triggers, c.Registry, c.Orchestrator, c.Logger)
}

// Close освобождает ресурсы в обратном порядке инициализации
func (c *Container) Close() {
	if c.Triggers != nil {
		if err := c.Triggers.Close(); err != nil {
			c.Logger.Error("failed to close trigger queue", "error", err)
		}
	}

	if c.DB != nil {
		c.DB.Close()
	}

	c.Logger.Info("dependency container closed")
}
