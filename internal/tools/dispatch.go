package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/goclaw/internal/snapshot"
)

// ErrPolicyDenied is returned (wrapped in an Outcome, never as a bare error
// from Dispatch) to callers that want to errors.Is-check a denial.
var ErrPolicyDenied = errors.New("tools: call denied by policy")

// ToolUse is one tool invocation requested by the LLM, already decoded from
// the provider's wire format.
type ToolUse struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// Outcome is the result of dispatching a single ToolUse.
type Outcome struct {
	Result    *Result
	ErrorKind ErrorKind // empty on success
	Op        Operation
}

// ExecRule is one line of the policy engine's shell command allow/deny list,
// matched against the fully rendered command string.
type ExecRule struct {
	Pattern string `json:"pattern"` // glob-style, matched with filepath.Match semantics against the command
	Action  string `json:"action"`  // "allow" or "deny"
}

// ExecPolicy is the loaded contents of exec-policy.json: an ordered list of
// rules evaluated top-to-bottom against the command string of an exec or
// process call; first match wins, default is allow.
type ExecPolicy struct {
	Rules []ExecRule `json:"rules"`
}

// LoadExecPolicy reads an exec-policy.json file from disk. A missing file is
// not an error: it means "no rules configured, default allow."
func LoadExecPolicy(path string) (*ExecPolicy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ExecPolicy{}, nil
		}
		return nil, fmt.Errorf("tools: read exec policy: %w", err)
	}
	var p ExecPolicy
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("tools: parse exec policy: %w", err)
	}
	return &p, nil
}

// evaluate returns (allowed, matched) for a rendered command string.
func (p *ExecPolicy) evaluate(command string) (bool, bool) {
	for _, r := range p.Rules {
		if ok, _ := filepath.Match(r.Pattern, command); ok {
			return r.Action != "deny", true
		}
		// Substring fallback for patterns without glob metacharacters,
		// e.g. "rm -rf" as a literal prefix ban.
		if !strings.ContainsAny(r.Pattern, "*?[") && strings.Contains(command, r.Pattern) {
			return r.Action != "deny", true
		}
	}
	return true, false
}

// commandArg extracts the rendered shell command from a tool call's
// arguments, if the tool is a run_command-family tool.
func commandArg(args map[string]interface{}) (string, bool) {
	for _, key := range []string{"command", "cmd", "script"} {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

// Dispatcher resolves tool names against the registry, applies the exec
// policy, snapshots mutating writes, invokes the tool and classifies the
// outcome. The call's Operation record is returned in Outcome.Op; the
// Dispatcher keeps no OperationLog and appends it to none. Tool calls within a turn are
// dispatched sequentially, in the order the LLM emitted them — the core
// performs no intra-turn tool parallelism (see DESIGN.md Open Questions).
type Dispatcher struct {
	registry    *Registry
	policy      *PolicyEngine
	execPolicy  *ExecPolicy
	snapshots   *snapshot.Manager
	limiter     *rate.Limiter
	rateLimited map[string]bool // tool names subject to the limiter
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithExecPolicy sets the shell-command allow/deny policy.
func WithExecPolicy(p *ExecPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.execPolicy = p }
}

// WithRateLimit applies a token-bucket limiter to the named tools (e.g.
// "web_search", "web_fetch"), bounding outbound call rate.
func WithRateLimit(r rate.Limit, burst int, tools ...string) DispatcherOption {
	return func(d *Dispatcher) {
		d.limiter = rate.NewLimiter(r, burst)
		if d.rateLimited == nil {
			d.rateLimited = make(map[string]bool)
		}
		for _, t := range tools {
			d.rateLimited[t] = true
		}
	}
}

// NewDispatcher creates a Dispatcher over registry, using policy for
// allow/deny evaluation and snapshots for pre-image capture of mutating
// tool calls.
func NewDispatcher(registry *Registry, policy *PolicyEngine, snapshots *snapshot.Manager, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:   registry,
		policy:     policy,
		snapshots:  snapshots,
		execPolicy: &ExecPolicy{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch resolves, snapshots, invokes, and classifies one tool call.
// handle is the turn's snapshot handle (zero value if no snapshot manager
// is wired, e.g. in unit tests that never mutate files).
func (d *Dispatcher) Dispatch(ctx context.Context, handle snapshot.Handle, call ToolUse) Outcome {
	now := time.Now().UTC()
	canonical := resolveAlias(call.Name)

	if denied, kind := d.checkPolicy(canonical, call.Arguments); denied {
		res := ErrorResult(fmt.Sprintf("tool %q denied by policy", call.Name)).WithErrorKind(kind).WithError(ErrPolicyDenied)
		return Outcome{
			Result:    res,
			ErrorKind: kind,
			Op: Operation{
				Kind: OperationKindOther, ToolName: call.Name, ToolCallID: call.ID,
				ErrorKind: kind, At: now,
			},
		}
	}

	tool, ok := d.registry.Get(canonical)
	if !ok {
		res := ErrorResult(fmt.Sprintf("unknown tool %q", call.Name)).WithErrorKind(ErrorKindNotFound)
		return Outcome{
			Result: res, ErrorKind: ErrorKindNotFound,
			Op: Operation{Kind: OperationKindOther, ToolName: call.Name, ToolCallID: call.ID, ErrorKind: ErrorKindNotFound, At: now},
		}
	}

	if d.rateLimited[canonical] && d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			res := ErrorResult("rate limited: " + err.Error()).WithErrorKind(ErrorKindTransient)
			return Outcome{Result: res, ErrorKind: ErrorKindTransient}
		}
	}

	opKind := OperationKindRead
	var capturedPath string
	if mt, ok := tool.(MutatingTool); ok {
		opKind = OperationKindWrite
		for _, p := range mt.MutatedPaths(call.Arguments) {
			if d.snapshots != nil {
				if err := d.snapshots.Capture(handle, p); err != nil {
					kind := classifyCaptureError(err)
					res := ErrorResult(fmt.Sprintf("snapshot capture failed for %s: %v", p, err)).WithErrorKind(kind)
					return Outcome{Result: res, ErrorKind: kind}
				}
			}
			capturedPath = p
		}
	}

	result := tool.Execute(ctx, call.Arguments)
	kind := classify(result)
	if result.IsError && result.ErrorKind == "" {
		result.ErrorKind = kind
	}

	op := Operation{
		Kind: opKind, ToolName: call.Name, ToolCallID: call.ID,
		Target: capturedPath, ErrorKind: kind, At: now,
	}
	if capturedPath != "" {
		op.Inverse = Inverse{SnapshotPath: capturedPath}
	}

	return Outcome{Result: result, ErrorKind: kind, Op: op}
}

// checkPolicy evaluates the exec-policy shell pattern rules for
// run_command-family tools (exec, process). The capability allowlist
// (PolicyEngine.FilterTools) is not consulted here.
func (d *Dispatcher) checkPolicy(name string, args map[string]interface{}) (denied bool, kind ErrorKind) {
	if name == "exec" || name == "process" {
		if cmd, ok := commandArg(args); ok {
			if allowed, matched := d.execPolicy.evaluate(cmd); matched && !allowed {
				slog.Info("tools.dispatch.policy_denied", "tool", name, "command", cmd)
				return true, ErrorKindPolicyDenied
			}
		}
	}
	return false, ""
}

// classify maps a Result to its ErrorKind. Explicit classification already
// set by the tool wins; otherwise the result is inspected heuristically.
func classify(r *Result) ErrorKind {
	if !r.IsError {
		return ""
	}
	if r.ErrorKind != "" {
		return r.ErrorKind
	}
	if r.Err != nil {
		switch {
		case os.IsNotExist(r.Err):
			return ErrorKindNotFound
		case os.IsPermission(r.Err):
			return ErrorKindPermissionDenied
		}
	}
	msg := strings.ToLower(r.ForLLM)
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return ErrorKindTransient
	case strings.Contains(msg, "429") || strings.Contains(msg, "503") || strings.Contains(msg, "rate limit"):
		return ErrorKindTransient
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "forbidden"):
		return ErrorKindPermissionDenied
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such file"):
		return ErrorKindNotFound
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "bad argument"):
		return ErrorKindInvalidArgs
	default:
		return ErrorKindLogicError
	}
}

func classifyCaptureError(err error) ErrorKind {
	if os.IsNotExist(err) {
		return ErrorKindNotFound
	}
	if os.IsPermission(err) {
		return ErrorKindPermissionDenied
	}
	return ErrorKindFatal
}
