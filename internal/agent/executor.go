// Package agent implements the Executor: the RVR-B (React → Validate →
// Reflect → Backtrack) loop that drives one conversational turn to
// completion, coordinating the SnapshotManager, ToolDispatcher,
// ContextBuilder, IntentAnalyzer, PlanManager, and TerminationController.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/contextbuilder"
	"github.com/nextlevelbuilder/goclaw/internal/core"
	"github.com/nextlevelbuilder/goclaw/internal/cron"
	"github.com/nextlevelbuilder/goclaw/internal/intent"
	"github.com/nextlevelbuilder/goclaw/internal/plan"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/snapshot"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/termination"
	"github.com/nextlevelbuilder/goclaw/internal/tools"
	"github.com/nextlevelbuilder/goclaw/internal/tracing"
)

// TurnError wraps a turn-ending failure with the ErrorKind that caused it,
// so callers (and the emitted EventTurnFailed) can distinguish a user abort
// (e.g. an expired hitl_timeout_ms) from a budget or transport failure.
type TurnError struct {
	Kind tools.ErrorKind
	Err  error
}

func (e *TurnError) Error() string { return e.Err.Error() }
func (e *TurnError) Unwrap() error { return e.Err }

// turnErrorKind returns the ErrorKind carried by err if it is a *TurnError,
// or "" otherwise.
func turnErrorKind(err error) string {
	var te *TurnError
	if errors.As(err, &te) {
		return string(te.Kind)
	}
	return ""
}

// HITLConfirmFunc asks the user a confirmation question and blocks until a
// response arrives (or ctx is cancelled / the hitl_timeout_ms elapses,
// whichever the transport-layer implementation enforces). A nil func means
// there is nobody to ask, so an hitl_confirm decision resolves straight to
// UserAbort.
type HITLConfirmFunc func(ctx context.Context, question string) (response string, err error)

// LongRunConfirmFunc asks whether a turn that has hit its complexity's turn
// budget should keep going. A nil func means no, always stop.
type LongRunConfirmFunc func(ctx context.Context, turnsSoFar int) bool

// ExecutorConfig configures a new Executor.
type ExecutorConfig struct {
	ID            string
	Provider      providers.Provider
	Model         string
	ContextWindow int
	Workspace     string

	Registry   *tools.Registry
	Dispatcher *tools.Dispatcher
	Sessions   store.SessionStore
	Snapshots  *snapshot.Manager
	Builder    *contextbuilder.Builder
	Intent     *intent.Analyzer

	Core config.CoreConfig

	Sink           core.Sink // nil is valid: events are simply dropped
	TraceCollector *tracing.Collector

	LogicErrorClassifier LogicErrorClassifier
	OnHITLConfirm        HITLConfirmFunc
	OnLongRunConfirm     LongRunConfirmFunc

	SystemPrompt string

	// RetryPolicy backs transient-error backoff: continue with a small
	// backoff retry up to N attempts. Zero value uses cron.DefaultRetryConfig().
	RetryPolicy cron.RetryConfig
}

// Executor drives turns for one agent instance.
type Executor struct {
	id            string
	provider      providers.Provider
	model         string
	contextWindow int
	workspace     string

	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	sessions   store.SessionStore
	snapshots  *snapshot.Manager
	builder    *contextbuilder.Builder
	intentA    *intent.Analyzer

	coreCfg config.CoreConfig

	sink           core.Sink
	traceCollector *tracing.Collector

	logicClassifier  LogicErrorClassifier
	onHITLConfirm    HITLConfirmFunc
	onLongRunConfirm LongRunConfirmFunc

	systemPrompt string
	retryPolicy  cron.RetryConfig

	activeRuns  sync.WaitGroup
	summarizeMu sync.Map // sessionKey -> *sync.Mutex, guards maybeSummarize
}

// NewExecutor builds an Executor from cfg.
func NewExecutor(cfg ExecutorConfig) *Executor {
	retryPolicy := cfg.RetryPolicy
	if retryPolicy.MaxRetries <= 0 {
		retryPolicy = cron.DefaultRetryConfig()
	}
	return &Executor{
		id:               cfg.ID,
		provider:         cfg.Provider,
		model:            cfg.Model,
		contextWindow:    cfg.ContextWindow,
		workspace:        cfg.Workspace,
		registry:         cfg.Registry,
		dispatcher:       cfg.Dispatcher,
		sessions:         cfg.Sessions,
		snapshots:        cfg.Snapshots,
		builder:          cfg.Builder,
		intentA:          cfg.Intent,
		coreCfg:          cfg.Core.WithDefaults(),
		sink:             cfg.Sink,
		traceCollector:   cfg.TraceCollector,
		logicClassifier:  cfg.LogicErrorClassifier,
		onHITLConfirm:    cfg.OnHITLConfirm,
		onLongRunConfirm: cfg.OnLongRunConfirm,
		systemPrompt:     cfg.SystemPrompt,
		retryPolicy:      retryPolicy,
	}
}

// TurnRequest is one inbound user request (content_blocks collapsed to a
// single text message plus local attachment paths; multi-block structured
// content is a transport-layer concern this module does not own).
type TurnRequest struct {
	ConversationID string
	SessionID      string
	UserID         string
	Message        string
	Attachments    []string // local file paths, already resolved by the transport layer
	AgentID        string
	Variables      map[string]string
	TurnID         string // unique turn identifier; generated if empty
	HistoryLimit   int
	Stream         bool // not read by Run: each LLM call is a non-streaming Chat and no content deltas are emitted
}

// TurnResult is the outcome of a completed (or cleanly suspended) turn.
type TurnResult struct {
	Content    string
	TurnID     string
	Iterations int
	Usage      providers.Usage
	Media      []MediaResult
	Suspended  bool   // true if the turn is awaiting a long_run_confirm response
	Reason     termination.Reason
}

// MediaResult is a media file produced by a tool during the turn, detected
// via the MEDIA: result convention.
type MediaResult struct {
	Path        string
	ContentType string
	AsVoice     bool
}

// Run drives turnID (request) through the RVR-B loop to completion.
func (e *Executor) Run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	e.activeRuns.Add(1)
	defer e.activeRuns.Done()

	turnID := req.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}
	seq := &core.SeqCounter{}

	ctx, traceID := e.startTrace(ctx, req, turnID)
	turnStart := time.Now().UTC()

	result, err := e.runTurn(ctx, req, turnID, seq)

	if traceID != uuid.Nil {
		e.emitTurnSpan(ctx, turnStart, result, err)
		status := store.TraceStatusCompleted
		detail := ""
		if result != nil {
			detail = truncateStr(result.Content, 500)
		}
		if err != nil {
			status = store.TraceStatusError
			detail = err.Error()
		}
		if ferr := e.traceCollector.FinishTrace(ctx, traceID, status, turnStart, detail); ferr != nil {
			slog.Warn("tracing: failed to finish trace", "error", ferr)
		}
	}

	if err != nil {
		e.emitEvent(ctx, seq, turnID, core.EventTurnFailed, core.TurnFailedPayload{Reason: err.Error(), ErrorKind: turnErrorKind(err)})
		return nil, err
	}
	return result, nil
}

func (e *Executor) startTrace(ctx context.Context, req TurnRequest, turnID string) (context.Context, uuid.UUID) {
	if e.traceCollector == nil {
		return ctx, uuid.Nil
	}
	traceID := store.GenNewID()
	now := time.Now().UTC()
	t := &store.TraceData{
		ID:           traceID,
		RunID:        turnID,
		SessionKey:   req.SessionID,
		UserID:       req.UserID,
		InputPreview: truncateStr(req.Message, 500),
		Status:       store.TraceStatusRunning,
		StartTime:    now,
		CreatedAt:    now,
		Name:         "turn " + e.id,
	}
	if err := e.traceCollector.CreateTrace(ctx, t); err != nil {
		slog.Warn("tracing: failed to create trace", "error", err)
		return ctx, uuid.Nil
	}
	ctx = tracing.WithTraceID(ctx, traceID)
	ctx = tracing.WithCollector(ctx, e.traceCollector)
	ctx = tracing.WithParentSpanID(ctx, store.GenNewID())
	return ctx, traceID
}

// runTurn implements one full React → Validate → Reflect → Backtrack pass.
func (e *Executor) runTurn(ctx context.Context, req TurnRequest, turnID string, seq *core.SeqCounter) (*TurnResult, error) {
	e.sessions.GetOrCreate(req.SessionID)
	history := e.sessions.GetHistory(req.SessionID)
	summary := e.sessions.GetSummary(req.SessionID)

	sig := intent.ConversationSignature(req.ConversationID, len(history))
	fp, layer := e.intentA.Analyze(ctx, sig, req.Message, recentTurnTexts(history, 6), nil, time.Now())
	slog.Debug("executor.intent", "turn", turnID, "layer", layer, "complexity", fp.Complexity)

	if fp.WantsToStop {
		e.emitEvent(ctx, seq, turnID, core.EventTurnComplete, nil)
		return &TurnResult{TurnID: turnID, Reason: termination.ReasonWantsToStop}, nil
	}

	budget := termination.DeriveBudget(string(fp.Complexity), e.coreCfg.MaxTurnsPerComplexity, e.coreCfg.TokenBudgetTotal, 0, e.coreCfg.LongRunConfirmAtTurn, time.Now())

	var todoPlan *plan.Plan
	if fp.PlanningDepth == intent.PlanningFull {
		todoPlan = plan.New(func(u plan.UpdateEvent) {
			e.emitEvent(ctx, seq, turnID, core.EventPlanUpdate, u)
		})
		if _, err := todoPlan.Create([]plan.TodoDraft{{Content: req.Message}}); err != nil {
			slog.Warn("executor.plan.create_failed", "error", err)
			todoPlan = nil
		}
	}

	var handle snapshot.Handle
	if e.snapshots != nil {
		var err error
		handle, err = e.snapshots.Begin(turnID)
		if err != nil {
			return nil, fmt.Errorf("agent: begin snapshot: %w", err)
		}
	}

	tracker := newBacktrackTracker(e.coreCfg.BacktrackCapPerTodo)

	var (
		turnMessages []providers.Message // assistant/tool messages produced so far this turn, not yet persisted
		totalUsage   providers.Usage
		mediaResults []MediaResult
		finalContent string
		iteration    int
		failErr      error
	)

	turnMessages = append(turnMessages, providers.Message{Role: "user", Content: req.Message})

outer:
	for {
		state := termination.State{
			TurnCount:        iteration,
			TotalTokens:      uint64(totalUsage.TotalTokens),
			Now:              time.Now(),
			WantsToStop:      false,
			NoToolUseEmitted: false,
			PendingPlanTodo:  planHasPending(todoPlan),
		}
		decision := termination.ShouldStop(budget, state)
		if decision.Stop {
			if decision.NeedsLongRunAsk {
				if e.onLongRunConfirm != nil && e.onLongRunConfirm(ctx, iteration) {
					budget.UserConfirmedContinue = true
					continue
				}
				return &TurnResult{TurnID: turnID, Content: finalContent, Iterations: iteration, Usage: totalUsage, Suspended: true, Reason: decision.Reason}, nil
			}
			// Natural end (no tool use, nothing pending) is detected directly
			// below when the LLM responds with zero tool calls, so the only
			// way ShouldStop itself reports Stop here is a budget/abort rule.
			failErr = fmt.Errorf("agent: turn stopped: %s", decision.Reason)
			break outer
		}

		iteration++

		live := contextbuilder.LiveTurn{UserMessage: req.Message, ToolResultsSoFar: turnMessages[1:]}
		cbBudget := contextbuilder.Budget{
			TotalTokens:          e.contextWindow,
			ReserveForOutput:     e.coreCfg.ContextReserveForOutput,
			HistoryKeepFullTurns: e.coreCfg.HistoryKeepFullTurns,
		}
		messages := e.builder.Build(contextbuilder.StablePrefix{SystemPrompt: e.systemPrompt}, history, summary, live, cbBudget)

		toolDefs := make([]providers.ToolDefinition, 0)
		for _, name := range allowedToolNames(e.registry, fp.ToolAllowlist) {
			if t, ok := e.registry.Get(name); ok {
				toolDefs = append(toolDefs, tools.ToProviderDef(t))
			}
		}

		llmStart := time.Now().UTC()
		llmCtx, llmCancel := context.WithTimeout(ctx, time.Duration(e.coreCfg.LLMTimeoutMS)*time.Millisecond)
		resp, err := e.provider.Chat(llmCtx, providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Model:    e.model,
			Options: map[string]interface{}{
				"max_tokens":  8192,
				"temperature": 0.7,
			},
		})
		llmCancel()
		e.emitLLMSpan(ctx, llmStart, iteration, resp, err)
		if err != nil {
			failErr = fmt.Errorf("agent: llm call failed (iteration %d): %w", iteration, err)
			break outer
		}
		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break outer
		}

		assistantMsg := providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		turnMessages = append(turnMessages, assistantMsg)

		for _, tc := range resp.ToolCalls {
			e.emitEvent(ctx, seq, turnID, core.EventToolCall, core.ToolCallPayload{ToolCallID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})

			toolStart := time.Now().UTC()
			toolCtx, toolCancel := context.WithTimeout(ctx, time.Duration(e.coreCfg.ToolTimeoutMS)*time.Millisecond)
			outcome := e.dispatcher.Dispatch(toolCtx, handle, tools.ToolUse{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
			toolCancel()
			e.emitToolSpan(ctx, toolStart, tc.Name, tc.ID, fmt.Sprintf("%v", tc.Arguments), outcome.Result)

			e.emitEvent(ctx, seq, turnID, core.EventToolResult, core.ToolResultPayload{
				ToolCallID: tc.ID, ForUser: outcome.Result.ForUser, IsError: outcome.Result.IsError, ErrorKind: string(outcome.ErrorKind),
			})

			if mr := parseMediaResult(outcome.Result.ForLLM); mr != nil {
				mediaResults = append(mediaResults, *mr)
			}

			toolMsg := providers.Message{Role: "tool", Content: outcome.Result.ForLLM, ToolCallID: tc.ID}
			turnMessages = append(turnMessages, toolMsg)

			if todoPlan != nil && !outcome.Result.IsError {
				tickPlan(todoPlan)
			}

			if outcome.ErrorKind == "" {
				continue
			}

			todoKey := planTodoKey(todoPlan, tc.Name)
			btDecision := reflect(ctx, outcome, e.logicClassifier, tracker, todoKey)
			switch btDecision {
			case DecisionContinue, DecisionParamAdjust, DecisionToolReplace:
				// The LLM sees the tool error in its own tool_result message
				// (already appended above) and decides the next action on
				// its next turn through the loop — no extra plumbing needed
				// for these three variants beyond recording the backtrack.
				if outcome.ErrorKind == tools.ErrorKindTransient {
					if delay := e.retryPolicy.Delay(tracker.attempt(todoKey)); delay > 0 {
						select {
						case <-ctx.Done():
						case <-time.After(delay):
						}
					}
				}
			case DecisionContextEnrich:
				turnMessages = append(turnMessages, providers.Message{
					Role:    "user",
					Content: "[System: the previous tool result referenced something not found. Gather more context before retrying.]",
				})
			case DecisionPlanReplan:
				if todoPlan != nil {
					if _, err := todoPlan.Replan(plan.Diff{}); err != nil {
						slog.Warn("executor.plan.replan_failed", "error", err)
					}
				}
			case DecisionIntentClarify:
				question := fmt.Sprintf("I need your confirmation before continuing: %s", outcome.Result.ForUser)
				e.emitEvent(ctx, seq, turnID, core.EventHITLConfirm, core.HITLConfirmPayload{Question: question})
				if e.onHITLConfirm == nil {
					failErr = &TurnError{Kind: tools.ErrorKindUserAbort, Err: fmt.Errorf("agent: hitl confirmation required but no confirm handler configured")}
					break outer
				}
				hitlCtx, hitlCancel := context.WithTimeout(ctx, time.Duration(e.coreCfg.HITLTimeoutMS)*time.Millisecond)
				userAnswer, herr := e.onHITLConfirm(hitlCtx, question)
				timedOut := hitlCtx.Err() == context.DeadlineExceeded
				hitlCancel()
				if herr != nil {
					kind := tools.ErrorKindFatal
					if timedOut || errors.Is(herr, context.DeadlineExceeded) {
						kind = tools.ErrorKindUserAbort
						herr = fmt.Errorf("hitl_timeout_ms elapsed before the user responded: %w", herr)
					}
					failErr = &TurnError{Kind: kind, Err: fmt.Errorf("agent: hitl confirmation aborted: %w", herr)}
					break outer
				}
				turnMessages = append(turnMessages, providers.Message{Role: "tool", Content: userAnswer, ToolCallID: tc.ID})
			case DecisionAbort:
				failErr = &TurnError{Kind: outcome.ErrorKind, Err: fmt.Errorf("agent: aborted on tool %q: %s", tc.Name, outcome.ErrorKind)}
				break outer
			}
		}
	}

	if failErr != nil {
		if e.snapshots != nil {
			if _, rerr := e.snapshots.Rollback(handle, snapshot.ScopeAll()); rerr != nil {
				slog.Warn("executor.rollback_failed", "turn", turnID, "error", rerr)
			}
		}
		e.emitEvent(ctx, seq, turnID, core.EventTurnFailed, core.TurnFailedPayload{Reason: failErr.Error(), ErrorKind: turnErrorKind(failErr)})
		return nil, failErr
	}

	finalContent = SanitizeAssistantContent(finalContent)
	silent := IsSilentReply(finalContent)
	if finalContent == "" {
		finalContent = "..."
	}

	turnMessages = append(turnMessages, providers.Message{Role: "assistant", Content: finalContent})
	for _, msg := range turnMessages {
		e.sessions.AddMessage(req.SessionID, msg)
	}
	e.sessions.UpdateMetadata(req.SessionID, e.model, e.provider.Name(), "")
	e.sessions.AccumulateTokens(req.SessionID, int64(totalUsage.PromptTokens), int64(totalUsage.CompletionTokens))
	if err := e.sessions.Save(req.SessionID); err != nil {
		slog.Warn("executor.session_save_failed", "turn", turnID, "error", err)
	}

	if e.snapshots != nil {
		if err := e.snapshots.Commit(handle); err != nil {
			slog.Warn("executor.commit_failed", "turn", turnID, "error", err)
		}
	}

	e.intentA.NoteTurnOutcome(sig, fp, time.Now())

	if silent {
		finalContent = ""
	}

	e.maybeSummarize(ctx, req.SessionID)

	e.emitEvent(ctx, seq, turnID, core.EventTurnComplete, nil)

	return &TurnResult{
		Content:    finalContent,
		TurnID:     turnID,
		Iterations: iteration,
		Usage:      totalUsage,
		Media:      mediaResults,
		Reason:     termination.ReasonNaturalEnd,
	}, nil
}

func (e *Executor) emitEvent(ctx context.Context, seq *core.SeqCounter, turnID string, kind core.EventKind, payload interface{}) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Emit(ctx, core.Event{Kind: kind, Seq: seq.Next(), TurnID: turnID, Payload: payload}); err != nil {
		slog.Warn("executor.emit_failed", "kind", kind, "error", err)
	}
}

// recentTurnTexts returns up to n of the most recent user message contents,
// oldest first, for the IntentAnalyzer's classifier prompt.
func recentTurnTexts(history []providers.Message, n int) []string {
	var out []string
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		if history[i].Role == "user" {
			out = append([]string{history[i].Content}, out...)
		}
	}
	return out
}

// allowedToolNames intersects the registry's tools with fp's allowlist. An
// empty allowlist means "all registered tools" (no restriction).
func allowedToolNames(registry *tools.Registry, allowlist []string) []string {
	all := registry.List()
	if len(allowlist) == 0 {
		return all
	}
	allowed := make(map[string]bool, len(allowlist))
	for _, a := range allowlist {
		allowed[a] = true
	}
	var out []string
	for _, name := range all {
		if allowed[name] {
			out = append(out, name)
		}
	}
	return out
}

func planHasPending(p *plan.Plan) bool {
	if p == nil {
		return false
	}
	for _, t := range p.Snapshot() {
		if t.Status == plan.StatusPending || t.Status == plan.StatusInProgress {
			return true
		}
	}
	return false
}

// tickPlan advances the first pending todo that has all its deps satisfied:
// start it if not started, complete it otherwise. A single-todo draft (the
// only shape Run currently creates) only ever has one node to advance, but
// this generalizes to a richer draft_from(request, fp) implementation.
func tickPlan(p *plan.Plan) {
	for _, t := range p.Snapshot() {
		switch t.Status {
		case plan.StatusPending:
			_ = p.Start(t.ID)
			return
		case plan.StatusInProgress:
			_ = p.Complete(t.ID, "")
			return
		}
	}
}

func planTodoKey(p *plan.Plan, toolName string) string {
	if p == nil {
		return toolName
	}
	for _, t := range p.Snapshot() {
		if t.Status == plan.StatusInProgress {
			return fmt.Sprintf("todo-%d", t.ID)
		}
	}
	return toolName
}

// parseMediaResult extracts a MediaResult from a tool result string
// containing a MEDIA: prefix (and optionally an [[audio_as_voice]] tag).
func parseMediaResult(toolOutput string) *MediaResult {
	s := toolOutput
	asVoice := false
	if strings.Contains(s, "[[audio_as_voice]]") {
		asVoice = true
		s = strings.TrimSpace(strings.ReplaceAll(s, "[[audio_as_voice]]", ""))
	}
	idx := strings.Index(s, "MEDIA:")
	if idx < 0 {
		return nil
	}
	path := strings.TrimSpace(s[idx+6:])
	if path == "" {
		return nil
	}
	if nl := strings.IndexByte(path, '\n'); nl >= 0 {
		path = strings.TrimSpace(path[:nl])
	}
	return &MediaResult{Path: path, ContentType: mimeFromExt(path), AsVoice: asVoice}
}

func mimeFromExt(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	case strings.HasSuffix(lower, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(lower, ".ogg"), strings.HasSuffix(lower, ".opus"):
		return "audio/ogg"
	case strings.HasSuffix(lower, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(lower, ".wav"):
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
