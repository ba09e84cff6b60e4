package handlers

import (
	"log/slog"

	"TallySync/internal/backend/dependencies"
	"TallySync/internal/backend/services"
	"TallySync/internal/backend/transport"
)

type Handlers struct {
	syncService *services.SyncService
	registry    *services.RegistryService
	hub         *transport.Hub
	logger      *slog.Logger
}

func NewHandlers(container *dependencies.Container) *Handlers {
	return &Handlers{
		syncService: container.SyncService,
		registry:    container.Registry,
		hub:         container.Hub,
		logger:      slog.Default(),
	}
}
