// Package intent implements the IntentAnalyzer: a single LLM call at turn
// start producing an IntentFingerprint, backed by a four-layer cache
// (exact-match, semantic, follow-up, LLM miss).
package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/core"
)

// Complexity governs the turn budget and default planning depth.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// PlanningDepth hints PlanManager whether and how deeply to plan.
type PlanningDepth string

const (
	PlanningNone    PlanningDepth = "none"
	PlanningMinimal PlanningDepth = "minimal"
	PlanningFull    PlanningDepth = "full"
)

// Fingerprint is the compact per-turn configuration derived from one LLM
// call. Produced once per turn; immutable thereafter.
type Fingerprint struct {
	IntentKind     string        `json:"intent_kind"`
	Complexity     Complexity    `json:"complexity"`
	SelectedSkills []string      `json:"selected_skills"`
	ToolAllowlist  []string      `json:"tool_allowlist"`
	WantsToStop    bool          `json:"wants_to_stop"`
	PlanningDepth  PlanningDepth `json:"planning_depth"`
	CacheKey       string        `json:"cache_key"`
}

// DefaultFingerprint is returned when the LLM call fails or returns
// malformed JSON.
func DefaultFingerprint() Fingerprint {
	return Fingerprint{
		Complexity:    ComplexityMedium,
		ToolAllowlist: []string{"group:fs", "group:runtime"},
		PlanningDepth: PlanningMinimal,
	}
}

// CacheLayer identifies which layer satisfied (or missed) a lookup, for
// observability.
type CacheLayer string

const (
	LayerExact    CacheLayer = "exact"
	LayerSemantic CacheLayer = "semantic"
	LayerFollowup CacheLayer = "followup"
	LayerMiss     CacheLayer = "miss"
)

// Classifier performs the single LLM call on a cache miss.
type Classifier interface {
	Classify(ctx context.Context, userText string, recentTurns []string, skills []core.SkillDoc) (Fingerprint, error)
}

// SemanticRecord is one persisted layer-2 cache row.
type SemanticRecord struct {
	Conversation string
	Embedding    []float32
	Fingerprint  Fingerprint
}

// PersistentCache is optional durable backing for the exact-match and
// semantic cache layers (layers 1 and 2), implemented by
// internal/store/intentcache.Store. It is loaded once at Analyzer
// construction and written to in the background on every new entry;
// persistence failures never affect turn correctness, only how warm the
// cache is after a restart.
type PersistentCache interface {
	LoadExact(ctx context.Context) (map[string]Fingerprint, error)
	SaveExact(ctx context.Context, key string, fp Fingerprint) error
	LoadSemantic(ctx context.Context) ([]SemanticRecord, error)
	SaveSemantic(ctx context.Context, rec SemanticRecord) error
}

// semanticEntry is one row of the layer-2 embedding cache.
type semanticEntry struct {
	embedding    []float32
	fingerprint  Fingerprint
	conversation string
}

// Analyzer implements the four-layer cache around a Classifier.
type Analyzer struct {
	classifier Classifier
	embedder   core.EmbeddingClient

	mu        sync.RWMutex
	exact     map[string]Fingerprint // hash(user_text, conv_signature) -> fingerprint
	semantic  []semanticEntry        // bounded LRU, most-recent last
	semanticCap int
	simThreshold float64

	followupMaxChars int
	followupMaxGap   time.Duration

	lastFingerprint   map[string]Fingerprint // conversation_signature -> last fingerprint, for follow-up reuse
	lastTurnAt        map[string]time.Time
	hadConcretePlan   map[string]bool

	persist PersistentCache
}

// Option configures an Analyzer.
type Option func(*Analyzer)

func WithEmbeddingClient(c core.EmbeddingClient) Option {
	return func(a *Analyzer) { a.embedder = c }
}

func WithSemanticCache(capacity int, threshold float64) Option {
	return func(a *Analyzer) { a.semanticCap = capacity; a.simThreshold = threshold }
}

func WithFollowupHeuristic(maxChars int, maxGap time.Duration) Option {
	return func(a *Analyzer) { a.followupMaxChars = maxChars; a.followupMaxGap = maxGap }
}

// WithPersistentCache backs layers 1 and 2 with durable storage (typically
// internal/store/intentcache.Store), so the cache survives a restart. New
// loads it synchronously once; remember() persists new entries in the
// background.
func WithPersistentCache(pc PersistentCache) Option {
	return func(a *Analyzer) { a.persist = pc }
}

// New creates an Analyzer wrapping classifier.
func New(classifier Classifier, opts ...Option) *Analyzer {
	a := &Analyzer{
		classifier:       classifier,
		exact:            make(map[string]Fingerprint),
		semanticCap:      256,
		simThreshold:     0.92,
		followupMaxChars: 60,
		followupMaxGap:   5 * time.Minute,
		lastFingerprint:  make(map[string]Fingerprint),
		lastTurnAt:       make(map[string]time.Time),
		hadConcretePlan:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.persist != nil {
		a.loadPersisted()
	}
	return a
}

// loadPersisted best-effort warms the exact and semantic caches from the
// persistent store at startup. A failure here just means a cold cache, not
// a broken one.
func (a *Analyzer) loadPersisted() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if exact, err := a.persist.LoadExact(ctx); err != nil {
		slog.Warn("intent.persist.load_exact_failed", "error", err)
	} else {
		a.mu.Lock()
		for k, fp := range exact {
			a.exact[k] = fp
		}
		a.mu.Unlock()
	}

	if semantic, err := a.persist.LoadSemantic(ctx); err != nil {
		slog.Warn("intent.persist.load_semantic_failed", "error", err)
	} else {
		a.mu.Lock()
		for _, rec := range semantic {
			a.semantic = append(a.semantic, semanticEntry{embedding: rec.Embedding, fingerprint: rec.Fingerprint, conversation: rec.Conversation})
		}
		if len(a.semantic) > a.semanticCap {
			a.semantic = a.semantic[len(a.semantic)-a.semanticCap:]
		}
		a.mu.Unlock()
	}
}

func cacheKey(userText, conversationSignature string) string {
	h := sha256.Sum256([]byte(conversationSignature + "\x00" + userText))
	return hex.EncodeToString(h[:])
}

// Analyze produces a Fingerprint for one turn, checking the four cache
// layers in order before falling back to the LLM. now is injected for
// deterministic tests.
func (a *Analyzer) Analyze(ctx context.Context, conversationSignature, userText string, recentTurns []string, skills []core.SkillDoc, now time.Time) (Fingerprint, CacheLayer) {
	key := cacheKey(userText, conversationSignature)

	// Layer 1: exact match.
	a.mu.RLock()
	if fp, ok := a.exact[key]; ok {
		a.mu.RUnlock()
		slog.Debug("intent.cache.hit", "layer", LayerExact)
		fp.CacheKey = key
		return fp, LayerExact
	}
	a.mu.RUnlock()

	// Layer 2: semantic cache, only if an embedder is configured.
	var emb []float32
	if a.embedder != nil {
		if e, err := a.embedder.Embed(ctx, userText); err == nil {
			emb = e
			if fp, ok := a.semanticLookup(conversationSignature, emb); ok {
				slog.Debug("intent.cache.hit", "layer", LayerSemantic)
				fp.CacheKey = key
				a.remember(key, conversationSignature, fp, emb, now)
				return fp, LayerSemantic
			}
		}
	}

	// Layer 3: follow-up detection — a short message shortly after a turn
	// that established a concrete plan reuses the prior fingerprint
	// verbatim. Per DESIGN.md's tie-break resolution, layer 2 (semantic)
	// is checked first and wins on a simultaneous match; this layer is
	// reached only once layer 2 has already missed.
	a.mu.RLock()
	lastAt, hasLast := a.lastTurnAt[conversationSignature]
	lastFP, hasFP := a.lastFingerprint[conversationSignature]
	concrete := a.hadConcretePlan[conversationSignature]
	a.mu.RUnlock()
	if hasLast && hasFP && concrete && len(userText) <= a.followupMaxChars && now.Sub(lastAt) <= a.followupMaxGap {
		slog.Debug("intent.cache.hit", "layer", LayerFollowup)
		lastFP.CacheKey = key
		a.remember(key, conversationSignature, lastFP, nil, now)
		return lastFP, LayerFollowup
	}

	// Layer 4: miss — single LLM call.
	fp, err := a.classifier.Classify(ctx, userText, recentTurns, skills)
	if err != nil {
		slog.Warn("intent.classify.failed", "error", err)
		fp = DefaultFingerprint()
	}
	fp.CacheKey = key
	a.remember(key, conversationSignature, fp, emb, now)
	return fp, LayerMiss
}

// NoteTurnOutcome records whether this turn's plan was "concrete" (full
// planning depth) for follow-up detection on the next turn.
func (a *Analyzer) NoteTurnOutcome(conversationSignature string, fp Fingerprint, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastFingerprint[conversationSignature] = fp
	a.lastTurnAt[conversationSignature] = at
	a.hadConcretePlan[conversationSignature] = fp.PlanningDepth == PlanningFull
}

func (a *Analyzer) remember(key, conversationSignature string, fp Fingerprint, embedding []float32, now time.Time) {
	a.mu.Lock()
	a.exact[key] = fp
	if embedding != nil {
		a.semantic = append(a.semantic, semanticEntry{embedding: embedding, fingerprint: fp, conversation: conversationSignature})
		if len(a.semantic) > a.semanticCap {
			a.semantic = a.semantic[len(a.semantic)-a.semanticCap:]
		}
	}
	a.mu.Unlock()

	if a.persist == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.persist.SaveExact(ctx, key, fp); err != nil {
			slog.Warn("intent.persist.save_exact_failed", "error", err)
		}
		if embedding != nil {
			if err := a.persist.SaveSemantic(ctx, SemanticRecord{Conversation: conversationSignature, Embedding: embedding, Fingerprint: fp}); err != nil {
				slog.Warn("intent.persist.save_semantic_failed", "error", err)
			}
		}
	}()
}

func (a *Analyzer) semanticLookup(conversationSignature string, embedding []float32) (Fingerprint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var best Fingerprint
	bestScore := -1.0
	bestIdx := -1
	for i, e := range a.semantic {
		if e.conversation != conversationSignature {
			continue
		}
		score := cosineSimilarity(e.embedding, embedding)
		if score > bestScore {
			bestScore = score
			best = e.fingerprint
			bestIdx = i
		}
	}
	if bestIdx < 0 || bestScore < a.simThreshold {
		return Fingerprint{}, false
	}
	// Move the hit to the most-recent end so eviction drops the least recently used entry.
	hit := a.semantic[bestIdx]
	a.semantic = append(a.semantic[:bestIdx], a.semantic[bestIdx+1:]...)
	a.semantic = append(a.semantic, hit)
	return best, true
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// ConversationSignature derives a stable signature for the cache key from a
// conversation id and its current message count, so the cache naturally
// invalidates as the conversation grows.
func ConversationSignature(conversationID string, messageCount int) string {
	return fmt.Sprintf("%s:%d", conversationID, messageCount)
}

// MarshalFingerprint is a helper for persistence layers (internal/store/intentcache).
func MarshalFingerprint(fp Fingerprint) ([]byte, error) { return json.Marshal(fp) }

// UnmarshalFingerprint is the inverse of MarshalFingerprint.
func UnmarshalFingerprint(b []byte) (Fingerprint, error) {
	var fp Fingerprint
	err := json.Unmarshal(b, &fp)
	return fp, err
}
