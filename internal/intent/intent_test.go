package intent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/core"
)

type fakeClassifier struct {
	calls int
	next  Fingerprint
	err   error
}

func (f *fakeClassifier) Classify(ctx context.Context, userText string, recentTurns []string, skills []core.SkillDoc) (Fingerprint, error) {
	f.calls++
	if f.err != nil {
		return Fingerprint{}, f.err
	}
	return f.next, nil
}

type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func TestAnalyzeExactMatchHitsCacheWithoutSecondClassifyCall(t *testing.T) {
	cl := &fakeClassifier{next: Fingerprint{Complexity: ComplexitySimple}}
	a := New(cl)
	now := time.Now()

	_, layer1 := a.Analyze(context.Background(), "conv:1", "hello", nil, nil, now)
	if layer1 != LayerMiss {
		t.Fatalf("expected first call to miss, got %s", layer1)
	}
	_, layer2 := a.Analyze(context.Background(), "conv:1", "hello", nil, nil, now)
	if layer2 != LayerExact {
		t.Fatalf("expected second identical call to hit exact cache, got %s", layer2)
	}
	if cl.calls != 1 {
		t.Fatalf("expected classifier called exactly once, got %d", cl.calls)
	}
}

func TestAnalyzeSemanticCacheHitsOnSimilarEmbedding(t *testing.T) {
	cl := &fakeClassifier{next: Fingerprint{Complexity: ComplexityComplex}}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"first phrasing":  {1, 0, 0},
		"second phrasing": {0.99, 0.01, 0},
	}}
	a := New(cl, WithEmbeddingClient(embedder), WithSemanticCache(16, 0.9))
	now := time.Now()

	_, layer1 := a.Analyze(context.Background(), "conv:1", "first phrasing", nil, nil, now)
	if layer1 != LayerMiss {
		t.Fatalf("expected first call to miss, got %s", layer1)
	}
	fp, layer2 := a.Analyze(context.Background(), "conv:1", "second phrasing", nil, nil, now)
	if layer2 != LayerSemantic {
		t.Fatalf("expected similar phrasing to hit semantic cache, got %s", layer2)
	}
	if fp.Complexity != ComplexityComplex {
		t.Fatalf("expected semantic hit to reuse cached fingerprint, got %+v", fp)
	}
	if cl.calls != 1 {
		t.Fatalf("expected classifier called exactly once, got %d", cl.calls)
	}
}

func TestAnalyzeFollowupHeuristicReusesLastFingerprintAfterConcretePlan(t *testing.T) {
	cl := &fakeClassifier{next: Fingerprint{Complexity: ComplexityComplex, PlanningDepth: PlanningFull}}
	a := New(cl, WithFollowupHeuristic(60, 5*time.Minute))
	now := time.Now()

	fp, _ := a.Analyze(context.Background(), "conv:1", "please do the big multi-step migration", nil, nil, now)
	a.NoteTurnOutcome("conv:1", fp, now)

	later := now.Add(time.Minute)
	got, layer := a.Analyze(context.Background(), "conv:1", "yes continue", nil, nil, later)
	if layer != LayerFollowup {
		t.Fatalf("expected short follow-up message to hit followup layer, got %s", layer)
	}
	if got.Complexity != ComplexityComplex {
		t.Fatalf("expected followup hit to reuse prior fingerprint, got %+v", got)
	}
	if cl.calls != 1 {
		t.Fatalf("expected classifier called exactly once, got %d", cl.calls)
	}
}

func TestAnalyzeSemanticWinsOverFollowupOnTie(t *testing.T) {
	cl := &fakeClassifier{next: Fingerprint{Complexity: ComplexityComplex, PlanningDepth: PlanningFull}}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"please do the big multi-step migration": {1, 0, 0},
		"ok":                                      {1, 0, 0},
	}}
	a := New(cl, WithEmbeddingClient(embedder), WithSemanticCache(16, 0.9), WithFollowupHeuristic(60, 5*time.Minute))
	now := time.Now()

	fp, _ := a.Analyze(context.Background(), "conv:1", "please do the big multi-step migration", nil, nil, now)
	a.NoteTurnOutcome("conv:1", fp, now)

	later := now.Add(time.Minute)
	_, layer := a.Analyze(context.Background(), "conv:1", "ok", nil, nil, later)
	if layer != LayerSemantic {
		t.Fatalf("expected semantic cache to win tie-break over followup, got %s", layer)
	}
}

func TestAnalyzeFallsBackToDefaultFingerprintOnClassifierError(t *testing.T) {
	cl := &fakeClassifier{err: errors.New("malformed json")}
	a := New(cl)

	fp, layer := a.Analyze(context.Background(), "conv:1", "do something", nil, nil, time.Now())
	if layer != LayerMiss {
		t.Fatalf("expected miss layer even on classifier error, got %s", layer)
	}
	want := DefaultFingerprint()
	if fp.Complexity != want.Complexity || fp.PlanningDepth != want.PlanningDepth {
		t.Fatalf("expected default fingerprint on classify error, got %+v", fp)
	}
}

type fakePersistentCache struct {
	mu       sync.Mutex
	exact    map[string]Fingerprint
	semantic []SemanticRecord
}

func newFakePersistentCache() *fakePersistentCache {
	return &fakePersistentCache{exact: make(map[string]Fingerprint)}
}

func (f *fakePersistentCache) LoadExact(ctx context.Context) (map[string]Fingerprint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]Fingerprint, len(f.exact))
	for k, v := range f.exact {
		out[k] = v
	}
	return out, nil
}

func (f *fakePersistentCache) SaveExact(ctx context.Context, key string, fp Fingerprint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exact[key] = fp
	return nil
}

func (f *fakePersistentCache) LoadSemantic(ctx context.Context) ([]SemanticRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SemanticRecord, len(f.semantic))
	copy(out, f.semantic)
	return out, nil
}

func (f *fakePersistentCache) SaveSemantic(ctx context.Context, rec SemanticRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.semantic = append(f.semantic, rec)
	return nil
}

func (f *fakePersistentCache) snapshotExact() map[string]Fingerprint {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]Fingerprint, len(f.exact))
	for k, v := range f.exact {
		out[k] = v
	}
	return out
}

func TestNewLoadsExactCacheFromPersistentCache(t *testing.T) {
	pc := newFakePersistentCache()
	pc.exact[cacheKey("hello", "conv:1")] = Fingerprint{Complexity: ComplexitySimple}

	cl := &fakeClassifier{next: Fingerprint{Complexity: ComplexityComplex}}
	a := New(cl, WithPersistentCache(pc))

	fp, layer := a.Analyze(context.Background(), "conv:1", "hello", nil, nil, time.Now())
	if layer != LayerExact {
		t.Fatalf("expected preloaded persistent entry to hit exact cache, got %s", layer)
	}
	if fp.Complexity != ComplexitySimple {
		t.Fatalf("expected preloaded fingerprint, got %+v", fp)
	}
	if cl.calls != 0 {
		t.Fatalf("expected classifier not called when persistent cache already warm, got %d calls", cl.calls)
	}
}

func TestRememberPersistsNewExactEntryInBackground(t *testing.T) {
	pc := newFakePersistentCache()
	cl := &fakeClassifier{next: Fingerprint{Complexity: ComplexityMedium}}
	a := New(cl, WithPersistentCache(pc))

	key := cacheKey("a fresh message", "conv:1")
	a.Analyze(context.Background(), "conv:1", "a fresh message", nil, nil, time.Now())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := pc.snapshotExact()[key]; ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the new cache entry to be persisted to the backing store")
}

func TestMarshalUnmarshalFingerprintRoundTrips(t *testing.T) {
	fp := Fingerprint{IntentKind: "edit", Complexity: ComplexityMedium, SelectedSkills: []string{"a"}, ToolAllowlist: []string{"group:fs"}, PlanningDepth: PlanningFull}
	b, err := MarshalFingerprint(fp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalFingerprint(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.IntentKind != fp.IntentKind || got.Complexity != fp.Complexity {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, fp)
	}
}
