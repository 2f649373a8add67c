package intentcache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/intent"
)

func TestSaveAndLoadExactRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intent_cache.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	fp := intent.Fingerprint{IntentKind: "edit_file", Complexity: intent.ComplexityMedium, CacheKey: "k1"}
	if err := s.SaveExact(ctx, "k1", fp); err != nil {
		t.Fatalf("save exact: %v", err)
	}

	loaded, err := s.LoadExact(ctx)
	if err != nil {
		t.Fatalf("load exact: %v", err)
	}
	got, ok := loaded["k1"]
	if !ok {
		t.Fatalf("expected key k1 in loaded exact cache, got %+v", loaded)
	}
	if got.IntentKind != fp.IntentKind || got.Complexity != fp.Complexity {
		t.Fatalf("round-tripped fingerprint mismatch: got %+v, want %+v", got, fp)
	}
}

func TestSaveExactUpsertsOnConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intent_cache.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.SaveExact(ctx, "k1", intent.Fingerprint{IntentKind: "first"}); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	if err := s.SaveExact(ctx, "k1", intent.Fingerprint{IntentKind: "second"}); err != nil {
		t.Fatalf("save 2: %v", err)
	}

	loaded, err := s.LoadExact(ctx)
	if err != nil {
		t.Fatalf("load exact: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected exactly one row after upsert, got %d", len(loaded))
	}
	if loaded["k1"].IntentKind != "second" {
		t.Fatalf("expected upsert to overwrite, got %q", loaded["k1"].IntentKind)
	}
}

func TestSaveAndLoadSemanticRoundTripsEmbedding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intent_cache.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	rec := intent.SemanticRecord{
		Conversation: "conv:1",
		Embedding:    []float32{0.1, -0.2, 0.3, 1.0},
		Fingerprint:  intent.Fingerprint{IntentKind: "ask_question"},
	}
	if err := s.SaveSemantic(ctx, rec); err != nil {
		t.Fatalf("save semantic: %v", err)
	}

	loaded, err := s.LoadSemantic(ctx)
	if err != nil {
		t.Fatalf("load semantic: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 semantic row, got %d", len(loaded))
	}
	got := loaded[0]
	if got.Conversation != rec.Conversation || got.Fingerprint.IntentKind != rec.Fingerprint.IntentKind {
		t.Fatalf("semantic record mismatch: got %+v, want %+v", got, rec)
	}
	if len(got.Embedding) != len(rec.Embedding) {
		t.Fatalf("embedding length mismatch: got %d, want %d", len(got.Embedding), len(rec.Embedding))
	}
	for i := range rec.Embedding {
		if got.Embedding[i] != rec.Embedding[i] {
			t.Fatalf("embedding[%d] mismatch: got %v, want %v", i, got.Embedding[i], rec.Embedding[i])
		}
	}
}

func TestOpenReusesExistingFileAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intent_cache.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	if err := s1.SaveExact(context.Background(), "persisted", intent.Fingerprint{IntentKind: "persisted"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer s2.Close()

	loaded, err := s2.LoadExact(context.Background())
	if err != nil {
		t.Fatalf("load exact: %v", err)
	}
	if _, ok := loaded["persisted"]; !ok {
		t.Fatalf("expected entry saved by a prior Store instance to survive reopen, got %+v", loaded)
	}
}
