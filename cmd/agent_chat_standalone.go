package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/contextbuilder"
	"github.com/nextlevelbuilder/goclaw/internal/intent"
	"github.com/nextlevelbuilder/goclaw/internal/mcp"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/sandbox"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/skills"
	"github.com/nextlevelbuilder/goclaw/internal/snapshot"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/store/file"
	"github.com/nextlevelbuilder/goclaw/internal/store/intentcache"
	"github.com/nextlevelbuilder/goclaw/internal/store/pg"
	"github.com/nextlevelbuilder/goclaw/internal/tools"
	"github.com/nextlevelbuilder/goclaw/internal/tracing"
)

func runStandaloneMode(cfg *config.Config, agentName, message, sessionKey string) {
	executor, sessStore, agentCfg, msgBus := bootstrapStandaloneAgent(cfg, agentName)

	chatFn := func(msg string) (string, error) {
		turnID := fmt.Sprintf("cli-%s", uuid.NewString()[:8])
		result, err := executor.Run(context.Background(), agent.TurnRequest{
			ConversationID: sessionKey,
			SessionID:      sessionKey,
			Message:        msg,
			AgentID:        agentName,
			TurnID:         turnID,
		})
		if err != nil {
			return "", err
		}
		return result.Content, nil
	}

	_ = sessStore // kept alive via the executor's Sessions dependency

	if message != "" {
		resp, err := chatFn(message)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(resp)
		return
	}

	fmt.Fprintf(os.Stderr, "\nGoClaw Interactive Chat — Standalone Mode\n")
	fmt.Fprintf(os.Stderr, "Agent: %s | Model: %s\n", agentName, agentCfg.Model)
	fmt.Fprintf(os.Stderr, "Session: %s\n", sessionKey)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/new\" for new session\n\n")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Print subagent results (spawn tool) as they're announced back into
	// this session, rather than blocking the REPL on them.
	go func() {
		for {
			msg, ok := msgBus.ConsumeInbound(ctx)
			if !ok {
				return
			}
			fmt.Printf("\n[%s] %s\n\nYou: ", msg.SenderID, msg.Content)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nGoodbye!")
			return
		default:
		}

		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return
		}
		if input == "/new" {
			sessionKey = sessions.BuildSessionKey(agentName, "cli", sessions.PeerDirect, uuid.NewString()[:8])
			fmt.Fprintf(os.Stderr, "New session: %s\n\n", sessionKey)
			continue
		}

		resp, err := chatFn(input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", resp)
	}
}

// bootstrapStandaloneAgent wires one Executor for CLI usage: a provider, a
// file-backed session store, the built-in tool set behind a policy-gated
// dispatcher, a snapshot manager rooted in the workspace, the context
// builder, and the intent analyzer.
func bootstrapStandaloneAgent(cfg *config.Config, agentName string) (*agent.Executor, store.SessionStore, config.AgentDefaults, *bus.MessageBus) {
	agentCfg := cfg.ResolveAgent(agentName)
	workspace := config.ExpandHome(agentCfg.Workspace)
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	if err := os.MkdirAll(workspace, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create workspace %s: %v\n", workspace, err)
		os.Exit(1)
	}

	providerReg := providers.NewRegistry()
	registerProviders(providerReg, cfg)

	provider, err := providerReg.Get(agentCfg.Provider)
	if err != nil {
		names := providerReg.List()
		if len(names) == 0 {
			fmt.Fprintf(os.Stderr, "Error: no providers configured. Set an API key under \"providers\" in config.json.\n")
			os.Exit(1)
		}
		provider, _ = providerReg.Get(names[0])
		slog.Warn("configured provider not found, using fallback", "wanted", agentCfg.Provider, "using", names[0])
	}

	var sessStore store.SessionStore
	if cfg.IsManagedMode() {
		pgStores, err := pg.NewPGStores(store.StoreConfig{PostgresDSN: cfg.Database.PostgresDSN})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot connect to postgres: %v\n", err)
			os.Exit(1)
		}
		sessStore = pgStores.Sessions
	} else {
		sessStorage := config.ExpandHome(cfg.Sessions.Storage)
		sessStore = file.NewFileSessionStore(sessions.NewManager(sessStorage))
	}

	msgBus := bus.NewMessageBus(64)

	var sandboxMgr sandbox.Manager
	if agentCfg.Sandbox != nil {
		sbCfg := agentCfg.Sandbox.ToSandboxConfig()
		if sbCfg.Mode != sandbox.ModeOff {
			mgr, err := sandbox.NewDockerManager(sbCfg)
			if err != nil {
				slog.Warn("sandbox unavailable, tools will execute directly on the host", "error", err)
			} else {
				sandboxMgr = mgr
			}
		}
	}

	coreCfg := cfg.Core.WithDefaults()
	toolTimeout := time.Duration(coreCfg.ToolTimeoutMS) * time.Millisecond

	toolsReg := tools.NewRegistry()
	toolsReg.Register(tools.NewSandboxedReadFileTool(workspace, agentCfg.RestrictToWorkspace, sandboxMgr))
	toolsReg.Register(tools.NewSandboxedWriteFileTool(workspace, agentCfg.RestrictToWorkspace, sandboxMgr))
	toolsReg.Register(tools.NewListFilesTool(workspace, agentCfg.RestrictToWorkspace))
	execTool := tools.NewSandboxedExecTool(workspace, agentCfg.RestrictToWorkspace, sandboxMgr)
	execTool.SetTimeout(toolTimeout)
	toolsReg.Register(execTool)
	toolsReg.Register(tools.NewCreateImageTool(providerReg))
	toolsReg.Register(tools.NewReadImageTool(providerReg))

	if webSearchTool := tools.NewWebSearchTool(tools.WebSearchConfig{
		BraveEnabled: cfg.Tools.Web.Brave.Enabled,
		BraveAPIKey:  cfg.Tools.Web.Brave.APIKey,
		DDGEnabled:   cfg.Tools.Web.DuckDuckGo.Enabled,
	}); webSearchTool != nil {
		toolsReg.Register(webSearchTool)
	}
	toolsReg.Register(tools.NewWebFetchTool(tools.WebFetchConfig{}))

	globalSkillsDir := filepath.Join(config.ExpandHome("~/.goclaw"), "skills")
	skillsLoader := skills.NewLoader(filepath.Join(workspace, "skills"), globalSkillsDir, "")
	toolsReg.Register(tools.NewSkillSearchTool(skillsLoader))

	if readTool, ok := toolsReg.Get("read_file"); ok {
		if rt, ok := readTool.(*tools.ReadFileTool); ok {
			rt.AllowPaths(globalSkillsDir)
		}
	}

	setupSubagents(toolsReg, provider, providerReg, agentCfg, workspace, msgBus, toolTimeout)

	if len(cfg.Tools.McpServers) > 0 {
		mcpMgr := mcp.NewManager(toolsReg, mcp.WithConfigs(cfg.Tools.McpServers))
		if err := mcpMgr.Start(context.Background()); err != nil {
			slog.Warn("some configured MCP servers failed to connect", "error", err)
		}
	}

	policyEngine := tools.NewPolicyEngine(&cfg.Tools)

	snapshotDir := filepath.Join(workspace, ".goclaw", "snapshots")
	snapshotMgr, err := snapshot.NewManager(snapshotDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot initialize snapshot manager: %v\n", err)
		os.Exit(1)
	}
	if orphans, err := snapshotMgr.RecoverOnStart(); err != nil {
		slog.Warn("snapshot recovery failed", "error", err)
	} else if len(orphans) > 0 {
		slog.Info("recovered orphaned snapshots from a prior crash", "count", len(orphans))
	}

	dispatcher := tools.NewDispatcher(toolsReg, policyEngine, snapshotMgr)

	builder := contextbuilder.New()

	classifier := intent.NewProviderClassifier(provider, agentCfg.Model)
	intentOpts := []intent.Option{}
	if cfg.IntentCache.Enabled {
		cachePath := cfg.IntentCache.Path
		if cachePath == "" {
			cachePath = filepath.Join(workspace, ".goclaw", "intent_cache.db")
		}
		if err := os.MkdirAll(filepath.Dir(cachePath), 0755); err != nil {
			slog.Warn("intent cache directory unavailable, continuing without persistence", "error", err)
		} else if cacheStore, err := intentcache.Open(cachePath); err != nil {
			slog.Warn("intent cache unavailable, continuing without persistence", "error", err)
		} else {
			intentOpts = append(intentOpts, intent.WithPersistentCache(cacheStore))
		}
	}
	intentAnalyzer := intent.New(classifier, intentOpts...)

	collectorOpts := []tracing.Option{tracing.WithServiceName("goclaw-agent-" + agentName)}
	if cfg.IsManagedMode() {
		if db, err := pg.OpenDB(cfg.Database.PostgresDSN); err != nil {
			slog.Warn("tracing persistence unavailable, continuing without a trace store", "error", err)
		} else {
			collectorOpts = append(collectorOpts, tracing.WithStore(pg.NewPGTracingStore(db)))
		}
	}
	traceCollector, err := tracing.NewCollector(context.Background(), collectorOpts...)
	if err != nil {
		slog.Warn("tracing collector unavailable, continuing without traces", "error", err)
		traceCollector = nil
	}

	systemPrompt := standaloneSystemPrompt(workspace, agentName)

	executor := agent.NewExecutor(agent.ExecutorConfig{
		ID:            agentName,
		Provider:      provider,
		Model:         agentCfg.Model,
		ContextWindow: agentCfg.ContextWindow,
		Workspace:     workspace,
		Registry:      toolsReg,
		Dispatcher:    dispatcher,
		Sessions:      sessStore,
		Snapshots:     snapshotMgr,
		Builder:       builder,
		Intent:        intentAnalyzer,
		Core:          cfg.Core,
		TraceCollector: traceCollector,
		SystemPrompt:  systemPrompt,
	})

	return executor, sessStore, agentCfg, msgBus
}

// standaloneSystemPrompt reads an optional AGENTS.md persona file from the
// workspace root, falling back to a minimal default.
func standaloneSystemPrompt(workspace, agentName string) string {
	data, err := os.ReadFile(filepath.Join(workspace, "AGENTS.md"))
	if err != nil {
		return fmt.Sprintf("You are %s, an AI assistant with access to file and shell tools in %s.", agentName, workspace)
	}
	return strings.TrimSpace(string(data))
}
