// Command governanced wires the governance-core components with a
// representative HTTP surface into one running process: config loading,
// telemetry and structured logging, the Redis-backed bus/semantic store,
// the key pool, agent/capability/policy stack, the sandboxed executor,
// and the thin HTTP/WebSocket API. Grounded on the teacher's cmd/example
// and examples/agent-with-telemetry/main.go startup sequence: validate
// config first, init telemetry before anything else, build the
// long-lived components, then block on a signal-driven graceful
// shutdown. The Model Allocator (allocator) and Task State Machine
// (taskfsm) are deliberately not constructed here — neither is reachable
// from any endpoint this process exposes — a deployment that adds
// task-assignment or model-routing endpoints wires them there instead.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	dockerclient "github.com/docker/docker/client"

	"github.com/agentium/governance-core/agent"
	"github.com/agentium/governance-core/ai"
	"github.com/agentium/governance-core/audit"
	"github.com/agentium/governance-core/bus"
	"github.com/agentium/governance-core/capabilities"
	"github.com/agentium/governance-core/core"
	"github.com/agentium/governance-core/critic"
	"github.com/agentium/governance-core/executor"
	"github.com/agentium/governance-core/governanceapi"
	"github.com/agentium/governance-core/keypool"
	"github.com/agentium/governance-core/orchestrator"
	"github.com/agentium/governance-core/policy"
	"github.com/agentium/governance-core/sandbox"
	"github.com/agentium/governance-core/semantic"
	"github.com/agentium/governance-core/telemetry"
	"github.com/agentium/governance-core/tier"
)

func main() {
	cfg, err := core.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Enabled {
		provider, err := telemetry.NewOTelProvider(ctx, telemetry.Options{
			ServiceName: cfg.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			UseStdout:   cfg.Telemetry.Endpoint == "",
		})
		if err != nil {
			logger.Error("telemetry initialization failed, continuing without it", map[string]interface{}{"error": err.Error()})
		} else {
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := provider.Shutdown(shutdownCtx); err != nil {
					logger.Warn("telemetry shutdown error", map[string]interface{}{"error": err.Error()})
				}
			}()
		}
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Error("invalid redis url", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	redisOpts.DialTimeout = cfg.Redis.DialTimeout
	redisOpts.PoolSize = cfg.Redis.PoolSize
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		logger.Error("redis connection failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	pingCancel()

	messageBus := bus.New(bus.Options{Redis: redisClient, MaxInboxLen: cfg.Redis.InboxMaxLen})
	recorder := audit.NewInMemoryRecorder(logger)
	registry := agent.NewInMemoryRegistry()

	if err := seedHead(ctx, registry); err != nil {
		logger.Error("failed to seed head agent", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	sealKey, err := keypoolSealKey()
	if err != nil {
		logger.Error("invalid keypool seal key", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	keyPool, err := keypool.New(sealKey, auditAlertSink{recorder}, logger)
	if err != nil {
		logger.Error("keypool initialization failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	registerKeysFromEnv(keyPool, logger)

	var aiClient ai.Client
	if aiCfg := aiConfigFromPool(keyPool, logger); aiCfg != nil {
		aiClient, err = ai.NewClient(aiCfg)
		if err != nil {
			logger.Warn("ai client initialization failed, semantic enrichment will be skipped", map[string]interface{}{"error": err.Error()})
		}
	}
	var semanticStore *semantic.Store
	if aiClient != nil {
		semanticStore = semantic.New(redisClient, aiClient, logger)
	} else {
		logger.Warn("no AI provider configured, running without semantic context enrichment", nil)
	}

	guard := policy.New(semanticStore, nil, recorder, logger)
	capRegistry := capabilities.New(registry, recorder, logger)

	criticPipeline := critic.New(recorder, critic.DefaultMaxRetries)

	docker, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		logger.Error("docker client initialization failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	sandboxes := sandbox.New(docker, logger)
	remoteExecutor := executor.New(sandboxes, executor.NewInMemoryStore(), logger, cfg.Sandbox.Image)

	orch := orchestrator.New(registry, messageBus, semanticStore, guard, recorder, logger)

	srv := governanceapi.New(governanceapi.Options{
		Orchestrator: orch,
		Executor:     remoteExecutor,
		Critics:      criticPipeline,
		Capabilities: capRegistry,
		Logger:       logger,
		Auth:         bearerTokenParser(),
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down", nil)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown error", map[string]interface{}{"error": err.Error()})
		}
		cancel()
	}()

	logger.Info("governance-core listening", map[string]interface{}{"address": httpServer.Addr, "environment": cfg.Environment})
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

// seedHead registers the single fixed Head agent every tier hierarchy
// routes through; tier.HeadID is a well-known constant, not a discovered
// value.
func seedHead(ctx context.Context, registry agent.Registry) error {
	return registry.Put(ctx, agent.NewHead())
}

// registerKeysFromEnv seeds pool from whichever provider API keys are
// present in the environment, priority 0 (highest) each — a deployment
// wanting prioritized failover across multiple keys per provider calls
// pool.AddKey directly instead of relying on this convenience path.
func registerKeysFromEnv(pool *keypool.Pool, logger core.Logger) {
	for _, provider := range []struct{ env, name string }{
		{"ANTHROPIC_API_KEY", string(ai.ProviderAnthropic)},
		{"OPENAI_API_KEY", string(ai.ProviderOpenAI)},
	} {
		if key := os.Getenv(provider.env); key != "" {
			if err := pool.AddKey(provider.name+"-env", provider.name, key, 0, 0); err != nil {
				logger.Warn("failed to register api key", map[string]interface{}{"provider": provider.name, "error": err.Error()})
			}
		}
	}
}

// aiConfigFromPool draws the highest-priority healthy key for whichever
// provider has one registered and builds an AIConfig around it; the
// Semantic Context Store resolves its backing ai.Client this way rather
// than reading provider secrets directly.
func aiConfigFromPool(pool *keypool.Pool, logger core.Logger) *ai.AIConfig {
	for _, provider := range []ai.Provider{ai.ProviderAnthropic, ai.ProviderOpenAI} {
		key := pool.GetActiveKey(string(provider), 0)
		if key == nil {
			continue
		}
		secret, err := pool.Reveal(key)
		if err != nil {
			logger.Warn("failed to reveal api key", map[string]interface{}{"provider": provider, "error": err.Error()})
			continue
		}
		return &ai.AIConfig{Provider: provider, APIKey: secret, Logger: logger}
	}
	return nil
}

// keypoolSealKey reads a base64-encoded 32-byte chacha20poly1305 key from
// GOVCORE_KEYPOOL_SEAL_KEY, generating an ephemeral one when unset, which
// makes sealed keys unrecoverable across restarts — acceptable for local
// development, not for production. The fallback is silent: no warning is
// logged.
func keypoolSealKey() ([]byte, error) {
	if encoded := os.Getenv("GOVCORE_KEYPOOL_SEAL_KEY"); encoded != "" {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("GOVCORE_KEYPOOL_SEAL_KEY must be base64: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("GOVCORE_KEYPOOL_SEAL_KEY must decode to 32 bytes, got %d", len(key))
		}
		return key, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// auditAlertSink forwards keypool alerts into the shared audit trail,
// matching AlertSink's documented wiring (see keypool.AlertSink).
type auditAlertSink struct {
	recorder audit.Recorder
}

func (s auditAlertSink) Alert(ctx context.Context, a keypool.Alert) {
	_, _ = s.recorder.Record(ctx, audit.Event{
		Component: "keypool", Kind: audit.KindKeyPoolAlert, Severity: audit.SeverityCritical,
		Action:  "keypool alert",
		AgentID: a.AgentID,
		Detail:  map[string]interface{}{"kind": a.Kind, "provider": a.Provider},
	})
}

// bearerTokenParser is the one-line stub governanceapi.Options.Auth
// expects a deployment to replace with its real identity provider; left
// here as the default so governanced runs out of the box against a
// single shared operator token.
func bearerTokenParser() governanceapi.TokenParser {
	operatorToken := os.Getenv("GOVCORE_OPERATOR_TOKEN")
	return func(token string) (*governanceapi.Identity, error) {
		if operatorToken == "" || token != operatorToken {
			return nil, core.ErrNotAuthorized
		}
		return &governanceapi.Identity{Subject: "operator", UserID: tier.HeadID, Role: "operator", IsAdmin: true}, nil
	}
}
