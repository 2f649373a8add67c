package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/goclaw/internal/tools"
)

// BridgeTool adapts one tool discovered on a remote MCP server into this
// module's tools.Tool interface, so the dispatcher can invoke it exactly
// like a built-in tool.
type BridgeTool struct {
	serverName string
	origName   string
	prefixed   string
	desc       string
	schema     map[string]interface{}
	client     *mcpclient.Client
	timeoutSec int
	connected  *atomic.Bool
}

// NewBridgeTool wraps mcpTool, discovered on serverName, for registration
// into the local tool registry. toolPrefix, if set, is prepended to the
// tool's name to avoid collisions across servers.
func NewBridgeTool(serverName string, mcpTool mcpgo.Tool, client *mcpclient.Client, toolPrefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	name := mcpTool.Name
	if toolPrefix != "" {
		name = toolPrefix + "_" + name
	}
	return &BridgeTool{
		serverName: serverName,
		origName:   mcpTool.Name,
		prefixed:   name,
		desc:       mcpTool.Description,
		schema:     toolInputSchemaToMap(mcpTool.InputSchema),
		client:     client,
		timeoutSec: timeoutSec,
		connected:  connected,
	}
}

func (t *BridgeTool) Name() string        { return t.prefixed }
func (t *BridgeTool) Description() string { return fmt.Sprintf("[mcp:%s] %s", t.serverName, t.desc) }
func (t *BridgeTool) Parameters() map[string]interface{} { return t.schema }

// OriginalName returns the tool's name as declared by the remote server,
// before any toolPrefix was applied — used by allow/deny grant filtering.
func (t *BridgeTool) OriginalName() string { return t.origName }

func (t *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if t.connected != nil && !t.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("mcp server %q is disconnected", t.serverName)).WithErrorKind(tools.ErrorKindTransient)
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.origName
	req.Params.Arguments = args

	if t.timeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t.timeoutSec)*time.Second)
		defer cancel()
	}

	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("mcp tool %q call failed: %v", t.prefixed, err)).WithErrorKind(tools.ErrorKindTransient)
	}

	text := renderCallToolResult(res)
	if res.IsError {
		return tools.ErrorResult(text).WithErrorKind(tools.ErrorKindLogicError)
	}
	return tools.NewResult(text)
}

func renderCallToolResult(res *mcpgo.CallToolResult) string {
	if res == nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range res.Content {
		switch v := c.(type) {
		case mcpgo.TextContent:
			sb.WriteString(v.Text)
		default:
			sb.WriteString(fmt.Sprintf("%v", v))
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

func toolInputSchemaToMap(schema mcpgo.ToolInputSchema) map[string]interface{} {
	m := map[string]interface{}{
		"type": "object",
	}
	if len(schema.Properties) > 0 {
		m["properties"] = schema.Properties
	} else {
		m["properties"] = map[string]interface{}{}
	}
	if len(schema.Required) > 0 {
		m["required"] = schema.Required
	}
	return m
}
