package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"log/slog"
)

var wg = sync.WaitGroup{}
var logger *slog.Logger

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	run(ctx)
	stop()
}

func run(ctx context.Context) {
	container := GetContainer()
	logger = container.Logger
	logger.Info("Agent service initialized",
		"backend_url", container.Config.Transport.BackendURL,
		"tally_addr", container.Config.Tally.Host,
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer container.TallyClient.Close()

		if err := container.AgentHandler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Agent handler terminated", "error", err)
		}
	}()
}

func stop() {
	wg.Wait()
	logger.Info("Agent service stopped")
}
