package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaystack.local/relay-gateway/internal/agent"
	"relaystack.local/relay-gateway/internal/backends"
	"relaystack.local/relay-gateway/internal/config"
	"relaystack.local/relay-gateway/internal/creds"
	"relaystack.local/relay-gateway/internal/gateway"
	"relaystack.local/relay-gateway/internal/httpapi"
	"relaystack.local/relay-gateway/internal/store"
	"relaystack.local/relay-gateway/internal/syncengine"
)

func main() {
	logger := log.New(os.Stdout, "relay ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)
	cfg, err := config.FromYAMLAndEnv()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	st, err := store.NewGormStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatalf("failed to initialize store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Printf("store close error: %v", err)
		}
	}()

	engine := syncengine.New(logger, st)
	hydrateCtx, hydrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := engine.Hydrate(hydrateCtx); err != nil {
		hydrateCancel()
		logger.Fatalf("failed to hydrate from store: %v", err)
	}
	hydrateCancel()

	registry := agent.NewRegistry()
	service := gateway.NewService(logger, registry, engine, cfg.MachineID, cfg.QueueSize)
	registerAgents(logger, registry, cfg, service)
	if names := registry.Names(); len(names) == 0 {
		logger.Printf("warning: no agent backends registered, set an api key or install a cli agent")
	} else {
		logger.Printf("registered agents: %v", names)
	}

	heartbeatCtx, heartbeatCancel := context.WithCancel(context.Background())
	defer heartbeatCancel()
	go announceMachine(heartbeatCtx, engine, cfg.MachineID)

	srv := httpapi.NewServer(logger, cfg.HTTPAddr, service, cfg.AuthToken)
	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server crashed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("http server shutdown error: %v", err)
	}
	service.Close()
}

// announceMachine publishes this machine's presence immediately and then on a
// heartbeat, so cross-machine subscribers see it come and stay alive.
func announceMachine(ctx context.Context, engine *syncengine.Engine, machineID string) {
	hostname, _ := os.Hostname()
	announce := func() {
		engine.UpdateMachine(syncengine.Machine{ID: machineID, Name: hostname})
	}
	announce()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			announce()
		}
	}
}

// registerAgents wires every backend whose credentials or binary are
// available. API keys resolve from config first, the environment second.
func registerAgents(logger *log.Logger, registry *agent.Registry, cfg config.Config, service *gateway.Service) {
	keys := creds.NewEnvStore()

	openRouterKey := cfg.OpenRouterAPIKey
	if openRouterKey == "" {
		if token, err := keys.GetToken("openrouter"); err == nil {
			openRouterKey = token
		}
	}
	if openRouterKey != "" {
		registry.Register("openrouter", backends.NewOpenRouterBackend(logger, openRouterKey))
	}

	nvidiaKey := cfg.NVIDIAAPIKey
	if nvidiaKey == "" {
		if token, err := keys.GetToken("nvidia"); err == nil {
			nvidiaKey = token
		}
	}
	if nvidiaKey != "" {
		registry.Register("nim", backends.NewNIMBackend(logger, nvidiaKey))
	}

	cursorOpts := []backends.CursorOption{
		backends.WithCursorPermissionRequests(service.HandlePermissionRequest),
	}
	if cfg.CursorCommand != "" {
		cursorOpts = append(cursorOpts, backends.WithCursorCommand(cfg.CursorCommand))
	}
	// Cursor's tighter built-in grace stands unless the operator changed
	// the knob away from the global default.
	if cfg.CancelGrace != config.DefaultCancelGrace {
		cursorOpts = append(cursorOpts, backends.WithCursorCancelGrace(cfg.CancelGrace))
	}
	registry.RegisterFactory("cursor", func() agent.Backend {
		return backends.NewCursorBackend(logger, cursorOpts...)
	})

	aiderOpts := []backends.AiderOption{
		backends.WithAiderCancelGrace(cfg.CancelGrace),
	}
	if cfg.AiderCommand != "" {
		aiderOpts = append(aiderOpts, backends.WithAiderCommand(cfg.AiderCommand))
	}
	registry.RegisterFactory("aider", func() agent.Backend {
		return backends.NewAiderBackend(logger, aiderOpts...)
	})
}
