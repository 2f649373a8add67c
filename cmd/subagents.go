package cmd

import (
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/tools"
)

// setupSubagents wires the spawn/subagent delegation tools into reg (always;
// agentCfg.Subagents only overrides the limits), batching completed subagents' results back into
// msgBus via an announce queue. toolTimeout is the configured exec tool
// timeout (CoreConfig.ToolTimeoutMS), applied to each subagent's own exec tool.
func setupSubagents(reg *tools.Registry, provider providers.Provider, providerReg *providers.Registry, agentCfg config.AgentDefaults, workspace string, msgBus *bus.MessageBus, toolTimeout time.Duration) {
	subCfg := tools.DefaultSubagentConfig()
	if agentCfg.Subagents != nil {
		if agentCfg.Subagents.MaxConcurrent > 0 {
			subCfg.MaxConcurrent = agentCfg.Subagents.MaxConcurrent
		}
		if agentCfg.Subagents.MaxSpawnDepth > 0 {
			subCfg.MaxSpawnDepth = agentCfg.Subagents.MaxSpawnDepth
		}
		if agentCfg.Subagents.MaxChildrenPerAgent > 0 {
			subCfg.MaxChildrenPerAgent = agentCfg.Subagents.MaxChildrenPerAgent
		}
		if agentCfg.Subagents.ArchiveAfterMinutes > 0 {
			subCfg.ArchiveAfterMinutes = agentCfg.Subagents.ArchiveAfterMinutes
		}
		if agentCfg.Subagents.Model != "" {
			subCfg.Model = agentCfg.Subagents.Model
		}
	}

	createTools := func() *tools.Registry {
		sub := tools.NewRegistry()
		sub.Register(tools.NewReadFileTool(workspace, agentCfg.RestrictToWorkspace))
		sub.Register(tools.NewWriteFileTool(workspace, agentCfg.RestrictToWorkspace))
		sub.Register(tools.NewListFilesTool(workspace, agentCfg.RestrictToWorkspace))
		subExecTool := tools.NewExecTool(workspace, agentCfg.RestrictToWorkspace)
		subExecTool.SetTimeout(toolTimeout)
		sub.Register(subExecTool)
		sub.Register(tools.NewReadImageTool(providerReg))
		return sub
	}

	subagentMgr := tools.NewSubagentManager(provider, agentCfg.Model, msgBus, createTools, subCfg)

	announceQueue := tools.NewAnnounceQueue(1000, 20,
		func(sessionKey string, items []tools.AnnounceQueueItem, meta tools.AnnounceMetadata) {
			remainingActive := subagentMgr.CountRunningForParent(meta.ParentAgent)
			content := tools.FormatBatchedAnnounce(items, remainingActive)
			msgBus.PublishInbound(bus.InboundMessage{
				Channel:  "system",
				SenderID: "subagent",
				ChatID:   meta.OriginChatID,
				Content:  content,
				UserID:   meta.OriginUserID,
				Metadata: map[string]string{
					"origin_channel":      meta.OriginChannel,
					"origin_peer_kind":    meta.OriginPeerKind,
					"parent_agent":        meta.ParentAgent,
					"origin_trace_id":     meta.OriginTraceID,
					"origin_root_span_id": meta.OriginRootSpanID,
				},
			})
		},
		func(parentID string) int { return subagentMgr.CountRunningForParent(parentID) },
	)
	subagentMgr.SetAnnounceQueue(announceQueue)

	reg.Register(tools.NewSpawnTool(subagentMgr, "default", 0))
	reg.Register(tools.NewSubagentTool(subagentMgr, "default", 0))
	slog.Info("subagent system enabled", "maxConcurrent", subCfg.MaxConcurrent, "maxSpawnDepth", subCfg.MaxSpawnDepth)
}
