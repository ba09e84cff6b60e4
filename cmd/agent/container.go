package main

import (
	"log"
	"log/slog"
	"os"
	"runtime"

	clients "TallySync/internal/agent/clients"
	handler "TallySync/internal/agent/handlers"
	"TallySync/internal/agent/tally"
	"TallySync/internal/config"
	"TallySync/internal/shared/models"
	pkglogger "TallySync/pkg/logger"
	"TallySync/pkg/uuidutil"
)

type Container struct {
	agentID      string
	Logger       *slog.Logger
	Config       *config.Config
	TallyClient  *tally.Client
	TallyAdapter *tally.Adapter
	WSClient     *clients.WSClient
	SyncHandler  *handler.SyncHandler
	AgentHandler *handler.AgentHandler
}

func GetContainer() *Container {
	container := &Container{}

	container.initConfig()
	container.initLogger()
	container.initTally()
	container.initWSClient()
	container.initHandlers()

	return container
}

func (c *Container) initConfig() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config %s", err)
	}

	c.Config = cfg
}

func (c *Container) initLogger() {
	c.Logger = pkglogger.Setup(pkglogger.Config{
		Level:  c.Config.Logging.Level,
		Format: c.Config.Logging.Format,
	})
}

func (c *Container) initTally() {
	c.TallyClient = tally.NewClient(&c.Config.Tally, c.Logger)
	c.TallyAdapter = tally.NewAdapter(c.TallyClient, c.Config.Tally.Company)
}

func (c *Container) initWSClient() {
	agentID := getEnv("AGENT_ID", "")
	if agentID == "" {
		agentID = uuidutil.New()
	}
	c.agentID = agentID

	identity := clients.Identity{
		AgentID:  agentID,
		TenantID: getEnv("TENANT_ID", ""),
		Token:    getEnv("AGENT_TOKEN", ""),
		Version:  c.Config.App.Version,
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
		Capabilities: []string{
			models.CapabilityBulkOps,
			models.CapabilityRealtimeSync,
		},
	}

	c.WSClient = clients.NewWSClient(c.Config.Transport, identity, c.Logger)
	c.SyncHandler = handler.NewSyncHandler(c.TallyAdapter, agentID, c.Logger)
}

func (c *Container) initHandlers() {
	c.AgentHandler = handler.NewAgentHandler(c.Logger, c.WSClient, c.SyncHandler, c.agentID)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
