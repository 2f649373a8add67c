package tools

import "context"

// SpawnTool lets an agent delegate a task to a background subagent: it
// returns immediately with an acknowledgement, and the subagent's eventual
// result is announced back into the parent's session via the announce queue
// (or a direct publish) rather than returned from this call.
type SpawnTool struct {
	mgr      *SubagentManager
	agentID  string
	depth    int
}

func NewSpawnTool(mgr *SubagentManager, agentID string, depth int) *SpawnTool {
	return &SpawnTool{mgr: mgr, agentID: agentID, depth: depth}
}

func (t *SpawnTool) Name() string { return "spawn" }
func (t *SpawnTool) Description() string {
	return "Delegate a task to a background subagent. Returns immediately; the result is announced back into this conversation once the subagent finishes."
}
func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task":  map[string]interface{}{"type": "string", "description": "The task for the subagent to complete"},
			"label": map[string]interface{}{"type": "string", "description": "Short label for tracking this subagent (optional)"},
			"model": map[string]interface{}{"type": "string", "description": "Model override for this subagent (optional)"},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	task, _ := args["task"].(string)
	if task == "" {
		return ErrorResult("task is required")
	}
	label, _ := args["label"].(string)
	model, _ := args["model"].(string)

	channel := ToolChannelFromCtx(ctx)
	chatID := ToolChatIDFromCtx(ctx)
	peerKind := ToolPeerKindFromCtx(ctx)
	callback := ToolAsyncCBFromCtx(ctx)

	msg, err := t.mgr.Spawn(ctx, t.agentID, t.depth, task, label, model, channel, chatID, peerKind, callback)
	if err != nil {
		return ErrorResult(err.Error()).WithErrorKind(ErrorKindInvalidArgs)
	}
	return SilentResult(msg)
}

// SubagentTool runs a subagent synchronously, blocking the calling turn
// until it completes and returning its result directly.
type SubagentTool struct {
	mgr     *SubagentManager
	agentID string
	depth   int
}

func NewSubagentTool(mgr *SubagentManager, agentID string, depth int) *SubagentTool {
	return &SubagentTool{mgr: mgr, agentID: agentID, depth: depth}
}

func (t *SubagentTool) Name() string { return "subagent" }
func (t *SubagentTool) Description() string {
	return "Run a subagent synchronously and wait for its result. Use for a task whose answer you need before continuing."
}
func (t *SubagentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task":  map[string]interface{}{"type": "string", "description": "The task for the subagent to complete"},
			"label": map[string]interface{}{"type": "string", "description": "Short label for tracking this subagent (optional)"},
		},
		"required": []string{"task"},
	}
}

func (t *SubagentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	task, _ := args["task"].(string)
	if task == "" {
		return ErrorResult("task is required")
	}
	label, _ := args["label"].(string)
	channel := ToolChannelFromCtx(ctx)
	chatID := ToolChatIDFromCtx(ctx)

	result, iterations, err := t.mgr.RunSync(ctx, t.agentID, t.depth, task, label, channel, chatID)
	if err != nil {
		return ErrorResult(err.Error())
	}
	_ = iterations
	return SilentResult(result)
}
