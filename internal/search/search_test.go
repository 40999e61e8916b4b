package search

import (
	"context"
	"testing"
	"time"

	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/internal/storage"
	"github.com/nexuscore/agentengine/pkg/models"
)

// stubEmbedder maps fixed strings to fixed vectors so tests can assert
// deterministic similarity without depending on any real model.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0}, nil
}

func (s *stubEmbedder) Dimension() int { return 3 }

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	log := observability.NewLogger(observability.LogConfig{})
	store, err := storage.NewSQLiteStore(context.Background(), ":memory:", log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSearch_FallsBackToTextOnlyWithoutEmbedder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateMemory(ctx, &models.Memory{MemoryType: models.MemoryFact, Content: "the rocket launched at dawn", Importance: 5}); err != nil {
		t.Fatalf("create memory: %v", err)
	}

	log := observability.NewLogger(observability.LogConfig{})
	engine := New(store, nil, log, Config{})

	results, err := engine.Search(ctx, "rocket", storage.MemoryFilters{}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestSearch_BlendsTextAndVectorScores(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mem := &models.Memory{MemoryType: models.MemoryFact, Content: "rockets are fast", Importance: 5}
	if err := store.CreateMemory(ctx, mem); err != nil {
		t.Fatalf("create memory: %v", err)
	}
	if err := store.UpsertEmbedding(ctx, "memory", mem.MemoryID, []float32{1, 0, 0}); err != nil {
		t.Fatalf("upsert embedding: %v", err)
	}

	embedder := &stubEmbedder{vectors: map[string][]float32{"rockets": {1, 0, 0}}}
	log := observability.NewLogger(observability.LogConfig{})
	engine := New(store, embedder, log, Config{})

	results, err := engine.Search(ctx, "rockets", storage.MemoryFilters{}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 blended result, got %d", len(results))
	}
	if results[0].Score <= 0 {
		t.Fatalf("expected positive blended score, got %f", results[0].Score)
	}
}

func TestSearch_IncludesVectorOnlyHits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mem := &models.Memory{MemoryType: models.MemoryFact, Content: "unrelated text entirely", Importance: 5}
	if err := store.CreateMemory(ctx, mem); err != nil {
		t.Fatalf("create memory: %v", err)
	}
	if err := store.UpsertEmbedding(ctx, "memory", mem.MemoryID, []float32{0, 1, 0}); err != nil {
		t.Fatalf("upsert embedding: %v", err)
	}

	embedder := &stubEmbedder{vectors: map[string][]float32{"query": {0, 1, 0}}}
	log := observability.NewLogger(observability.LogConfig{})
	engine := New(store, embedder, log, Config{})

	results, err := engine.Search(ctx, "query", storage.MemoryFilters{}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected the vector-only hit to be hydrated, got %d results", len(results))
	}
	if results[0].Memory.MemoryID != mem.MemoryID {
		t.Fatalf("unexpected memory returned: %+v", results[0])
	}
}

func TestRunAssociationPass_LinksSimilarMemories(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &models.Memory{MemoryType: models.MemoryFact, Content: "alpha", Importance: 5}
	b := &models.Memory{MemoryType: models.MemoryFact, Content: "beta", Importance: 5}
	if err := store.CreateMemory(ctx, a); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := store.CreateMemory(ctx, b); err != nil {
		t.Fatalf("create b: %v", err)
	}

	embedder := &stubEmbedder{vectors: map[string][]float32{
		"alpha": {1, 0, 0},
		"beta":  {0.99, 0.01, 0},
	}}
	log := observability.NewLogger(observability.LogConfig{})
	engine := New(store, embedder, log, Config{AssociationThreshold: 0.5})

	if err := engine.RunAssociationPass(ctx); err != nil {
		t.Fatalf("association pass: %v", err)
	}

	remaining, err := store.MemoriesWithoutAssociations(ctx, 10)
	if err != nil {
		t.Fatalf("memories without associations: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected both memories to gain associations, %d remain unlinked", len(remaining))
	}
}

func TestStartStop_BackgroundLoopsExitCleanly(t *testing.T) {
	store := newTestStore(t)
	log := observability.NewLogger(observability.LogConfig{})
	engine := New(store, nil, log, Config{AssociationInterval: time.Millisecond, DecayInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	time.Sleep(5 * time.Millisecond)
	engine.Stop()
}
