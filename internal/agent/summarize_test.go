package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// fakeSessionStore is a minimal in-memory store.SessionStore for exercising
// maybeSummarize without a real file or Postgres backend.
type fakeSessionStore struct {
	mu        sync.Mutex
	history   map[string][]providers.Message
	summary   map[string]string
	compacted map[string]int
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		history:   make(map[string][]providers.Message),
		summary:   make(map[string]string),
		compacted: make(map[string]int),
	}
}

func (f *fakeSessionStore) GetOrCreate(key string) *store.SessionData { return &store.SessionData{Key: key} }
func (f *fakeSessionStore) AddMessage(key string, msg providers.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[key] = append(f.history[key], msg)
}
func (f *fakeSessionStore) GetHistory(key string) []providers.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]providers.Message, len(f.history[key]))
	copy(out, f.history[key])
	return out
}
func (f *fakeSessionStore) GetSummary(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summary[key]
}
func (f *fakeSessionStore) SetSummary(key, summary string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summary[key] = summary
}
func (f *fakeSessionStore) SetLabel(key, label string)                              {}
func (f *fakeSessionStore) SetAgentInfo(key string, agentUUID uuid.UUID, userID string) {}
func (f *fakeSessionStore) UpdateMetadata(key, model, provider, channel string)      {}
func (f *fakeSessionStore) AccumulateTokens(key string, input, output int64)         {}
func (f *fakeSessionStore) IncrementCompaction(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compacted[key]++
}
func (f *fakeSessionStore) GetCompactionCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.compacted[key]
}
func (f *fakeSessionStore) GetMemoryFlushCompactionCount(key string) int { return 0 }
func (f *fakeSessionStore) SetMemoryFlushDone(key string)                {}
func (f *fakeSessionStore) SetSpawnInfo(key, spawnedBy string, depth int) {}
func (f *fakeSessionStore) SetContextWindow(key string, cw int)          {}
func (f *fakeSessionStore) GetContextWindow(key string) int             { return 0 }
func (f *fakeSessionStore) SetLastPromptTokens(key string, tokens, msgCount int) {}
func (f *fakeSessionStore) GetLastPromptTokens(key string) (int, int)    { return 0, 0 }
func (f *fakeSessionStore) TruncateHistory(key string, keepLast int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.history[key]
	if len(h) > keepLast {
		f.history[key] = append([]providers.Message{}, h[len(h)-keepLast:]...)
	}
}
func (f *fakeSessionStore) Reset(key string)          {}
func (f *fakeSessionStore) Delete(key string) error   { return nil }
func (f *fakeSessionStore) List(agentID string) []store.SessionInfo { return nil }
func (f *fakeSessionStore) ListPaged(opts store.SessionListOpts) store.SessionListResult {
	return store.SessionListResult{}
}
func (f *fakeSessionStore) Save(key string) error { return nil }
func (f *fakeSessionStore) LastUsedChannel(agentID string) (string, string) { return "", "" }

// fakeSummarizeProvider returns a fixed summary content for every Chat call.
type fakeSummarizeProvider struct {
	content string
	calls   int
	mu      sync.Mutex
}

func (p *fakeSummarizeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return &providers.ChatResponse{Content: p.content}, nil
}
func (p *fakeSummarizeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}
func (p *fakeSummarizeProvider) DefaultModel() string { return "fake-model" }
func (p *fakeSummarizeProvider) Name() string         { return "fake" }

func (p *fakeSummarizeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestMaybeSummarizeCollapsesOldHistoryOnceThresholdCrossed(t *testing.T) {
	sessions := newFakeSessionStore()
	provider := &fakeSummarizeProvider{content: "concise running summary"}

	const sessionKey = "sess-1"
	for i := 0; i < 60; i++ {
		sessions.AddMessage(sessionKey, providers.Message{Role: "user", Content: fmt.Sprintf("message %d", i)})
	}

	e := NewExecutor(ExecutorConfig{
		Sessions:      sessions,
		Provider:      provider,
		Model:         "fake-model",
		ContextWindow: 100,
		Core: config.CoreConfig{
			SummarizeHistoryShare:     0.1,
			SummarizeMinMessages:      10,
			SummarizeKeepLastMessages: 4,
		},
	})

	e.maybeSummarize(context.Background(), sessionKey)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if provider.callCount() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if provider.callCount() == 0 {
		t.Fatalf("expected summarization to call the provider at least once")
	}
	if got := sessions.GetSummary(sessionKey); got != "concise running summary" {
		t.Fatalf("expected summary to be persisted, got %q", got)
	}
	if got := len(sessions.GetHistory(sessionKey)); got != e.coreCfg.SummarizeKeepLastMessages {
		t.Fatalf("expected history truncated to %d messages, got %d", e.coreCfg.SummarizeKeepLastMessages, got)
	}
}

func TestMaybeSummarizeSkipsBelowThreshold(t *testing.T) {
	sessions := newFakeSessionStore()
	provider := &fakeSummarizeProvider{content: "should not be used"}

	const sessionKey = "sess-2"
	sessions.AddMessage(sessionKey, providers.Message{Role: "user", Content: "hi"})

	e := NewExecutor(ExecutorConfig{Sessions: sessions, Provider: provider, Model: "fake-model", ContextWindow: 100_000})
	e.maybeSummarize(context.Background(), sessionKey)

	time.Sleep(50 * time.Millisecond)
	if provider.callCount() != 0 {
		t.Fatalf("expected no summarization call for a short history, got %d calls", provider.callCount())
	}
}
