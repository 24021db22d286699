package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lihuazhang/aicowork/pkg/api"
	"github.com/lihuazhang/aicowork/pkg/bridge"
	"github.com/lihuazhang/aicowork/pkg/config"
	"github.com/lihuazhang/aicowork/pkg/dingtalk"
	"github.com/lihuazhang/aicowork/pkg/eventbus"
	"github.com/lihuazhang/aicowork/pkg/events"
	"github.com/lihuazhang/aicowork/pkg/logger"
	"github.com/lihuazhang/aicowork/pkg/runner"
	"github.com/lihuazhang/aicowork/pkg/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "aicowork:", err)
		os.Exit(1)
	}
}

func run() error {
	settings, err := config.Load()
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(settings.LogLevel))

	if err := os.MkdirAll(settings.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := session.NewSQLiteStore(settings.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	bus := eventbus.New()
	defer bus.Close()
	bus.SubscribeAll(func(ev events.Event) {
		logger.DebugCF("events", ev.Type, map[string]any{"source": ev.Source})
	})

	agent := runner.NewAnthropicRunner(runner.AnthropicConfig{
		APIKey: settings.AnthropicAPIKey,
		Model:  settings.Model,
	})
	dt := dingtalk.NewClient(dingtalk.WithTimeout(settings.HTTPTimeout))
	bots := config.NewBotStore(settings.BotsFile)

	registry := bridge.NewRegistry(store, agent, dt, bus, bots)

	apiCtx, cancelAPI := context.WithCancel(context.Background())
	defer cancelAPI()
	if settings.APIAddr != "" {
		server := api.NewServer(settings.APIAddr, settings.APIKey, registry, store, bus)
		if err := server.Start(apiCtx); err != nil {
			return err
		}
		defer server.Stop()
	}

	registry.AutoConnectAll()
	logger.InfoCF("main", "aicowork started", map[string]any{
		"data_dir": settings.DataDir,
		"bots":     settings.BotsFile,
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.InfoC("main", "Shutting down")
	registry.DisconnectAll()
	return nil
}
