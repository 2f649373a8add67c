package tools

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/snapshot"
)

type fakeTool struct {
	name    string
	result  *Result
}

func (f *fakeTool) Name() string                                   { return f.name }
func (f *fakeTool) Description() string                            { return "fake" }
func (f *fakeTool) Parameters() map[string]interface{}              { return map[string]interface{}{} }
func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) *Result { return f.result }

func newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "ok_tool", result: NewResult("done")})
	reg.Register(&fakeTool{name: "exec", result: NewResult("ran")})
	pe := NewPolicyEngine(&config.ToolsConfig{})
	return NewDispatcher(reg, pe, nil)
}

func TestDispatchUnknownToolIsNotFound(t *testing.T) {
	d := newDispatcher(t)
	out := d.Dispatch(context.Background(), zeroHandle(t), ToolUse{ID: "1", Name: "nope"})
	if out.ErrorKind != ErrorKindNotFound {
		t.Fatalf("expected not_found, got %s", out.ErrorKind)
	}
	if !out.Result.IsError {
		t.Fatalf("expected error result")
	}
}

func TestDispatchSuccess(t *testing.T) {
	d := newDispatcher(t)
	out := d.Dispatch(context.Background(), zeroHandle(t), ToolUse{ID: "1", Name: "ok_tool"})
	if out.ErrorKind != "" {
		t.Fatalf("expected no error, got %s", out.ErrorKind)
	}
	if out.Result.ForLLM != "done" {
		t.Fatalf("unexpected result: %+v", out.Result)
	}
}

func TestExecPolicyDeniesBlockedCommand(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "exec", result: NewResult("ran")})
	pe := NewPolicyEngine(&config.ToolsConfig{})
	d := NewDispatcher(reg, pe, nil, WithExecPolicy(&ExecPolicy{
		Rules: []ExecRule{{Pattern: "rm -rf", Action: "deny"}},
	}))

	out := d.Dispatch(context.Background(), zeroHandle(t), ToolUse{
		ID: "1", Name: "exec", Arguments: map[string]interface{}{"command": "rm -rf /tmp/x"},
	})
	if out.ErrorKind != ErrorKindPolicyDenied {
		t.Fatalf("expected policy_denied, got %s", out.ErrorKind)
	}
}

func TestExecPolicyAllowsUnmatchedCommand(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "exec", result: NewResult("ran")})
	pe := NewPolicyEngine(&config.ToolsConfig{})
	d := NewDispatcher(reg, pe, nil, WithExecPolicy(&ExecPolicy{
		Rules: []ExecRule{{Pattern: "rm -rf", Action: "deny"}},
	}))

	out := d.Dispatch(context.Background(), zeroHandle(t), ToolUse{
		ID: "1", Name: "exec", Arguments: map[string]interface{}{"command": "ls -la"},
	})
	if out.ErrorKind != "" {
		t.Fatalf("expected no error, got %s", out.ErrorKind)
	}
}

func TestClassifyHeuristics(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorKind
	}{
		{"request timed out", ErrorKindTransient},
		{"got 503 from upstream", ErrorKindTransient},
		{"permission denied for /etc/shadow", ErrorKindPermissionDenied},
		{"no such file or directory", ErrorKindNotFound},
		{"invalid argument: path", ErrorKindInvalidArgs},
		{"something bizarre happened", ErrorKindLogicError},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			r := ErrorResult(tt.msg)
			if got := classify(r); got != tt.want {
				t.Fatalf("classify(%q) = %s, want %s", tt.msg, got, tt.want)
			}
		})
	}
}

// zeroHandle returns an empty snapshot.Handle — fine for dispatcher tests
// that never exercise a MutatingTool.
func zeroHandle(t *testing.T) snapshot.Handle {
	t.Helper()
	return snapshot.Handle{}
}
