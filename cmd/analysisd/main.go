// analysisd is the agentic analysis runtime's server: it wires together the
// event store, analytical DB, capacity pools, sandbox manager, turn engine,
// job scheduler and subagent coordinator behind a thin HTTP surface.
// Grounded on the teacher's cmd/tarsy/main.go composition sequence: flag
// parsing, .env loading, gin mode selection, then service construction in
// dependency order.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/ssh-vom/analysisd/internal/analyticaldb"
	"github.com/ssh-vom/analysisd/internal/capacity"
	"github.com/ssh-vom/analysisd/internal/config"
	"github.com/ssh-vom/analysisd/internal/coordinator"
	"github.com/ssh-vom/analysisd/internal/httpapi"
	"github.com/ssh-vom/analysisd/internal/llm"
	"github.com/ssh-vom/analysisd/internal/model"
	"github.com/ssh-vom/analysisd/internal/sandbox"
	"github.com/ssh-vom/analysisd/internal/scheduler"
	"github.com/ssh-vom/analysisd/internal/store"
	"github.com/ssh-vom/analysisd/internal/subagent"
	"github.com/ssh-vom/analysisd/internal/timeline"
	"github.com/ssh-vom/analysisd/internal/tooling"
	"github.com/ssh-vom/analysisd/internal/toolexec"
	"github.com/ssh-vom/analysisd/internal/turn"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		log.Info("loaded environment file", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "release"))

	ctx := context.Background()

	dbConfig, err := store.LoadConfigFromEnv()
	if err != nil {
		log.Error("failed to load database config", "error", err)
		os.Exit(1)
	}
	st, err := store.Open(ctx, dbConfig)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.DB.Close() }()
	log.Info("connected to postgres and applied migrations")

	dataRoot := getEnv("ANALYTICALDB_DATA_ROOT", "./data")
	analyticalDB := analyticaldb.New(dataRoot)

	tl := timeline.New(st, analyticalDB)

	capCfg := config.DefaultCapacityConfig()
	capController := capacity.NewController(
		capCfg.TurnMaxConcurrency, capCfg.TurnMaxQueue,
		capCfg.SubagentMaxConcurrency, capCfg.SubagentMaxQueue,
		capCfg.PythonMaxConcurrency, capCfg.PythonMaxQueue,
	)
	capacity.SetFactory(func() *capacity.Controller { return capController })

	sandboxCfg := config.DefaultSandboxConfig()
	sandboxRunner := sandbox.NewProcessRunner(getEnv("SANDBOX_RUNNER_COMMAND", "python3"))
	sandboxManager := sandbox.New(sandboxRunner, sandboxCfg.MaxSandboxes, sandboxCfg.MaxQueue, log)
	go runSandboxReaper(ctx, sandboxManager, sandboxCfg.ReaperInterval, sandboxCfg.IdleTTL, log)
	defer func() { sandboxManager.ShutdownAll(context.Background()) }()

	llmCfg := config.DefaultLLMConfig()
	llmClient, err := llm.NewGRPCClient(getEnv("LLM_SERVICE_ADDR", "localhost:7070"))
	if err != nil {
		log.Error("failed to create llm client", "error", err)
		os.Exit(1)
	}
	defer func() { _ = llmClient.Close() }()

	sqlExecutor := &toolexec.SQLExecutor{DB: analyticalDB, Timeline: tl}
	pythonExecutor := &toolexec.PythonExecutor{Sandbox: sandboxManager, Timeline: tl, Artifacts: st.Artifacts}

	coord := coordinator.New()

	dispatcher := &tooling.Dispatcher{
		SQL:      sqlExecutor,
		Python:   pythonExecutor,
		Timeline: tl,
	}

	engine := &turn.Engine{
		LLM:        llmClient,
		Dispatcher: dispatcher,
		Timeline:   tl,
		Artifacts:  st.Artifacts,
		MaxTokens:  4096,
		Provider:   llmCfg.Provider,
		Model:      llmCfg.Model,
	}

	subagentRunner := subagent.New(tl, llmClient, capController, coord, func(ctx context.Context, worldlineID, message string, maxIterations int, allowTools bool) (string, []*model.Event, error) {
		result, err := engine.RunTurnWithOptions(ctx, worldlineID, message, turn.TurnOptions{
			MaxIterations: maxIterations,
			AllowTools:    allowTools,
		})
		if err != nil {
			return "", nil, err
		}
		return result.ActiveWorldlineID, result.Events, nil
	}, log)
	subagentRunner.Artifacts = st.Artifacts
	subagentRunner.DB = analyticalDB
	dispatcher.Subagent = subagentRunner

	sched := scheduler.New(st.Jobs, coord, capController.Turn, engine, log)
	if err := sched.Start(ctx); err != nil {
		log.Error("failed to start job scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Shutdown()

	server := &httpapi.Server{
		Engine:     engine,
		Dispatcher: dispatcher,
		Scheduler:  sched,
		Jobs:       st.Jobs,
		DB:         st.DB,
	}

	router := server.Router()
	log.Info("http server listening", "port", httpPort)
	if err := router.Run(":" + httpPort); err != nil {
		log.Error("http server exited", "error", err)
		os.Exit(1)
	}
}

// runSandboxReaper periodically reaps sandboxes idle past ttl until ctx is
// cancelled, matching the reaper cadence original_source/backend/sandbox/
// manager.py runs as a background asyncio task.
func runSandboxReaper(ctx context.Context, mgr *sandbox.Manager, interval, ttl time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reaped := mgr.ReapIdle(ctx, ttl); len(reaped) > 0 {
				log.Info("reaped idle sandboxes", "count", len(reaped))
			}
		}
	}
}
