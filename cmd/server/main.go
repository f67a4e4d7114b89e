// Command server runs the orchestration engine: the durable task queue and
// dispatcher, the planner/worker state machines, the session router, and
// the HTTP/WebSocket surface.
//
// # Configuration
//
// Environment variables:
//
//	OPENAI_API_KEY / ANTHROPIC_API_KEY / GEMINI_API_KEY - LLM providers
//	PORT                    - HTTP listen port (default: "8080")
//	ROUTER_MODEL            - router-role model (default: "gpt-4o-mini")
//	PLANNER_MODEL           - planner-role model (default: "gpt-4o")
//	WORKER_MODEL            - worker-role model (default: "gpt-4o")
//	FAILED_TASK_LIMIT       - planner failure budget (default: 3)
//	MAX_RETRY_TASKS         - per-worker retry budget (default: 5)
//	COLLATERALS_BASE_PATH   - artefact store root (default: "./data/collaterals")
//	STORE_BACKEND           - "memory" or "mongo" (default: "memory")
//	MONGO_URI, MONGO_DATABASE - MongoDB connection when STORE_BACKEND=mongo
//	NOTIFIER_BACKEND        - "inmemory" or "pulse" (default: "inmemory")
//	REDIS_URL               - Redis address when NOTIFIER_BACKEND=pulse
//
// # Example
//
//	OPENAI_API_KEY=sk-... go run ./cmd/server
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodrv "go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agentcore/planrunner/internal/artefact"
	"github.com/agentcore/planrunner/internal/config"
	"github.com/agentcore/planrunner/internal/dispatcher"
	"github.com/agentcore/planrunner/internal/handlers"
	"github.com/agentcore/planrunner/internal/llm"
	llmanthropic "github.com/agentcore/planrunner/internal/llm/anthropic"
	llmopenai "github.com/agentcore/planrunner/internal/llm/openai"
	"github.com/agentcore/planrunner/internal/notifier"
	"github.com/agentcore/planrunner/internal/notifier/inmemory"
	notifierpulse "github.com/agentcore/planrunner/internal/notifier/pulse"
	"github.com/agentcore/planrunner/internal/planner"
	"github.com/agentcore/planrunner/internal/router"
	"github.com/agentcore/planrunner/internal/sandbox"
	"github.com/agentcore/planrunner/internal/server"
	"github.com/agentcore/planrunner/internal/store"
	storememory "github.com/agentcore/planrunner/internal/store/memory"
	storemongo "github.com/agentcore/planrunner/internal/store/mongo"
	"github.com/agentcore/planrunner/internal/telemetry"
	"github.com/agentcore/planrunner/internal/toolregistry"
	"github.com/agentcore/planrunner/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Store backend.
	var st store.Store
	switch cfg.StoreBackend {
	case "mongo":
		client, err := mongodrv.Connect(mongoopts.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer func() { _ = client.Disconnect(context.Background()) }()
		st = storemongo.New(client.Database(cfg.MongoDB))
	default:
		st = storememory.New()
	}

	artefacts := artefact.New(cfg.CollateralsBasePath)

	// LLM provider: OpenAI when configured, Anthropic otherwise.
	var provider llm.Provider
	switch {
	case cfg.OpenAIAPIKey != "":
		p, err := llmopenai.New(cfg.OpenAIAPIKey)
		if err != nil {
			return err
		}
		provider = p
	case cfg.AnthropicAPIKey != "":
		p, err := llmanthropic.New(cfg.AnthropicAPIKey)
		if err != nil {
			return err
		}
		provider = p
	default:
		return errors.New("no LLM provider configured: set OPENAI_API_KEY or ANTHROPIC_API_KEY")
	}
	usage := llm.NewUsageLog()
	client := llm.New(provider, logger)
	client.Usage = usage

	// Notifier backend.
	events := inmemory.New()
	var notif notifier.Notifier = events
	if cfg.NotifierBackend == "pulse" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		defer func() { _ = rdb.Close() }()
		pn, err := notifierpulse.New(notifierpulse.Options{Redis: rdb}, logger)
		if err != nil {
			return err
		}
		notif = pn
	}

	tools := toolregistry.New()
	box := sandbox.NewLocal(cfg.SandboxTimeout)

	// Handlers and dispatcher.
	registry := handlers.NewRegistry()
	if err := planner.Register(registry, &planner.Deps{
		Store:           st,
		Artefacts:       artefacts,
		LLM:             client,
		Tools:           tools,
		Notifier:        notif,
		Logger:          logger,
		Model:           cfg.PlannerModel,
		Temperature:     0.2,
		FailedTaskLimit: cfg.FailedTaskLimit,
	}); err != nil {
		return err
	}
	if err := worker.Register(registry, &worker.Deps{
		Store:       st,
		Artefacts:   artefacts,
		LLM:         client,
		Sandbox:     box,
		Tools:       tools,
		Notifier:    notif,
		Logger:      logger,
		Model:       cfg.WorkerModel,
		Temperature: 0.2,
		MaxRetry:    cfg.MaxRetryTasks,
	}); err != nil {
		return err
	}

	disp := dispatcher.New(st, registry, logger, metrics, cfg.DispatcherPollInterval)
	if err := disp.Start(ctx); err != nil {
		return err
	}

	// Session router: resume interrupted planners, then run the completion
	// pump that relays finalised answers.
	rt := router.New(st, client, notif, logger, cfg.RouterModel, 0.7)
	seedDelivered(ctx, st, rt, logger)
	if err := rt.ResumePending(ctx); err != nil {
		return err
	}
	go rt.RunCompletionPump(ctx, time.Second)

	// HTTP/WebSocket surface.
	srv := &server.Server{
		Store:  st,
		Router: rt,
		Events: events,
		LLM:    client,
		Usage:  usage,
		Logger: logger,
	}
	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "server started", "port", cfg.Port, "store", cfg.StoreBackend, "notifier", cfg.NotifierBackend)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	disp.Wait()
	return nil
}

// seedDelivered marks already-terminal planners as delivered so a restart
// does not replay answers that were relayed before the crash.
func seedDelivered(ctx context.Context, st store.Store, rt *router.Router, logger telemetry.Logger) {
	terminal, err := st.ListPlannersByStatus(ctx, store.PlannerStatusCompleted, store.PlannerStatusFailed)
	if err != nil {
		logger.Error(ctx, "seed delivered planners", "err", err)
		return
	}
	for _, p := range terminal {
		rt.MarkDelivered(p.ID)
	}
}
