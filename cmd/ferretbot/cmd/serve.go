package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferretbot/ferretbot/internal/agent"
	"github.com/ferretbot/ferretbot/internal/bus"
	"github.com/ferretbot/ferretbot/internal/checks"
	"github.com/ferretbot/ferretbot/internal/config"
	"github.com/ferretbot/ferretbot/internal/contextasm"
	"github.com/ferretbot/ferretbot/internal/ipc"
	"github.com/ferretbot/ferretbot/internal/logging"
	"github.com/ferretbot/ferretbot/internal/memory/sqlite"
	"github.com/ferretbot/ferretbot/internal/provider"
	"github.com/ferretbot/ferretbot/internal/registry"
	"github.com/ferretbot/ferretbot/internal/skills"
	"github.com/ferretbot/ferretbot/internal/telemetry"
	"github.com/ferretbot/ferretbot/internal/tools"
	"github.com/ferretbot/ferretbot/internal/workflow"
	"github.com/ferretbot/ferretbot/internal/workspace"
)

var serveNoTelemetry bool

// agentBashTimeout bounds how long an agent step's bash tool calls may run
// before being killed; not yet exposed as a flag since no workflow has
// needed a longer-running command.
const agentBashTimeout = 2 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the FerretBot daemon",
	Long: `Start the event bus, the workflow engine, and the IPC gateway as one
process. The engine subscribes itself to workflow:run:* commands and
user:input events on startup; the gateway bridges connected clients to
those same bus events.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoTelemetry, "no-telemetry", false, "disable OpenTelemetry tracer/meter providers")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	dir, err := getWorkDir()
	if err != nil {
		return err
	}

	cfg, err := config.LoadFromDir(dir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if socketPath != "" {
		cfg.IPC.Socket = socketPath
	}
	if tcpHost != "" {
		cfg.IPC.Host = tcpHost
		cfg.IPC.Port = tcpPort
	}

	logger, closer, err := logging.NewFromConfig(cfg, dir)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !serveNoTelemetry {
		_, shutdown, err := telemetry.Init(ctx, "ferretbot")
		if err != nil {
			logger.Warn("telemetry init failed, continuing without it", "error", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	b := bus.New(logger)
	defer b.Close()

	reg := registry.New()
	workflowDir := cfg.WorkflowDir(dir)
	if err := reg.LoadAll(workflowDir); err != nil {
		logger.Warn("failed to load some workflow definitions", "dir", workflowDir, "error", err)
	}

	ws, err := workspace.New(cfg.WorkspaceDir(dir))
	if err != nil {
		return fmt.Errorf("setting up workspace: %w", err)
	}

	evaluator := checks.NewEvaluator()
	engine := workflow.NewEngine(b, reg, evaluator, ws, cfg.StorageDir(dir), logger)
	defer engine.Close()

	prov, err := newProvider(cfg.Provider)
	if err != nil {
		logger.Warn("provider unavailable, agent steps will fail until configured", "error", err)
	} else {
		toolRegistry := tools.New()
		tools.RegisterBash(toolRegistry, ws.BaseDir(), agentBashTimeout)
		tools.RegisterFileTools(toolRegistry, ws)

		memDB := filepath.Join(cfg.StorageDir(dir), "memory.db")
		sessionMemory, err := sqlite.Open(ctx, memDB)
		if err != nil {
			return fmt.Errorf("opening session memory store: %w", err)
		}

		budgets := contextasm.Budgets{
			ContextLimit:           cfg.Context.ContextLimit,
			OutputReserve:          cfg.Context.ResolveOutputReserve(),
			CompletionSafetyBuffer: cfg.Context.SafetyBuffer(),
		}
		budgets.CharsPerToken, budgets.SafetyMargin = cfg.Context.EstimatorDefaults()

		loop := agent.New(b, engine, prov, toolRegistry, skills.NewLoader(), sessionMemory, budgets, agent.Options{
			Model:       cfg.Provider.Model,
			MaxTokens:   cfg.Provider.MaxTokens,
			Temperature: cfg.Provider.Temperature,
		}, logger)
		defer loop.Close()
	}

	var unixGateway, tcpGateway *ipc.Gateway
	if sock := cfg.SocketPath(dir); sock != "" {
		if err := os.MkdirAll(filepath.Dir(sock), 0755); err != nil {
			return fmt.Errorf("creating socket directory: %w", err)
		}
		os.Remove(sock)
		unixGateway = ipc.NewGateway("unix", sock, b, logger)
		if err := unixGateway.StartAsync(ctx); err != nil {
			return fmt.Errorf("starting unix gateway: %w", err)
		}
		defer unixGateway.Shutdown()
		logger.Info("ipc gateway listening", "network", "unix", "address", sock)
	}
	if cfg.IPC.Host != "" {
		addr := fmt.Sprintf("%s:%d", cfg.IPC.Host, cfg.IPC.Port)
		tcpGateway = ipc.NewGateway("tcp", addr, b, logger)
		if err := tcpGateway.StartAsync(ctx); err != nil {
			return fmt.Errorf("starting tcp gateway: %w", err)
		}
		defer tcpGateway.Shutdown()
		logger.Info("ipc gateway listening", "network", "tcp", "address", addr)
	}
	if unixGateway == nil && tcpGateway == nil {
		return fmt.Errorf("no ipc listener configured: set ipc.socket or ipc.host/ipc.port")
	}

	logger.Info("ferretbot serving", "workdir", dir)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// newProvider builds the configured LLM backend from its environment API
// key. Returning an error (rather than falling back to a stub) is
// deliberate: a misconfigured provider should be visible in the logs, not
// silently swallowed into agent steps that hang forever.
func newProvider(cfg config.ProviderConfig) (provider.Provider, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%s is not set", cfg.APIKeyEnv)
	}
	switch cfg.Kind {
	case config.ProviderOpenAI:
		return provider.NewOpenAIFromAPIKey(apiKey, cfg.Model)
	default:
		return provider.NewAnthropicFromAPIKey(apiKey, cfg.Model)
	}
}
