package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/venueos/mailflow/internal/engine"
	"github.com/venueos/mailflow/internal/expressions"
	"github.com/venueos/mailflow/internal/guardrail"
	"github.com/venueos/mailflow/internal/handlers"
	"github.com/venueos/mailflow/internal/logging"
	"github.com/venueos/mailflow/internal/scheduler"
	"github.com/venueos/mailflow/internal/store"
	"github.com/venueos/mailflow/internal/streaming"
	"github.com/venueos/mailflow/pkg/mcp"
)

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		runServe(false)
	case "mcp":
		runServe(true)
	case "version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected serve, mcp, or version)\n", cmd)
		os.Exit(2)
	}
}

// runServe wires the full engine and runs either the HTTP/WebSocket server
// or the MCP stdio transport.
func runServe(mcpMode bool) {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	app, err := buildApp(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer app.store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !cfg.SchedulerOff {
		if err := app.scheduler.RecoverMissed(ctx); err != nil {
			logger.Warn("missed-trigger recovery failed", "error", err)
		}
		if err := app.scheduler.Start(ctx); err != nil {
			logger.Error("scheduler start failed", "error", err)
			os.Exit(1)
		}
		defer app.scheduler.Stop()
	}

	if mcpMode {
		logger.Info("mailflow mcp server started")
		if err := app.mcpServer.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("mcp server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", streaming.NewWSGateway(app.hub, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("mailflow server started", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// app holds the wired components.
type app struct {
	store     store.Store
	hub       streaming.EventHub
	executor  engine.Executor
	scheduler *scheduler.Scheduler
	mcpServer *mcp.MailflowServer
}

func buildApp(cfg Config, logger *slog.Logger) (*app, error) {
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	eventLog := store.NewEventLog(st)
	hub := streaming.NewMemoryHub()

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("cel engine: %w", err)
	}

	agentClient := newHTTPAgentClient(cfg.AgentEndpoint)
	mailbox := newHTTPMailbox(cfg.MailboxEndpoint)
	evaluator := guardrail.NewEvaluator(&agentJudge{client: agentClient}, logger)

	registry := handlers.NewRegistry()
	registry.Register(handlers.NewTriggerHandler())
	registry.Register(handlers.NewConditionHandler(celEngine, expressions.NewExprEngine()))
	registry.Register(handlers.NewAgentHandler(agentClient, expressions.NewJQTransformer()))
	registry.Register(handlers.NewGuardrailHandler(st, evaluator))
	registry.Register(handlers.NewMoveHandler(mailbox))
	registry.Register(handlers.NewExitHandler())

	executor := engine.NewExecutor(st, eventLog, registry, hub, logger, engine.ExecutorConfig{})

	sched := scheduler.NewScheduler(st, &templateRunner{store: st, executor: executor}, logger)

	mcpServer := mcp.NewMailflowServer(mcp.MailflowServerDeps{
		Executor: executor,
		Store:    st,
		Hub:      hub,
		Logger:   logger,
	})

	return &app{
		store:     st,
		hub:       hub,
		executor:  executor,
		scheduler: sched,
		mcpServer: mcpServer,
	}, nil
}

// templateRunner adapts the executor to the scheduler's TemplateRunner port.
type templateRunner struct {
	store    store.Store
	executor engine.Executor
}

func (r *templateRunner) RunTemplate(ctx context.Context, templateID, organizationID, venueID string, trigger map[string]any) error {
	tpl, err := r.store.GetTemplate(ctx, templateID)
	if err != nil {
		return err
	}
	if !tpl.Enabled {
		return fmt.Errorf("template %s is disabled", templateID)
	}
	_, err = r.executor.Start(ctx, &tpl.Definition, trigger, engine.StartOptions{
		OrganizationID: organizationID,
		VenueID:        venueID,
	})
	return err
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
