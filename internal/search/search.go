// Package search implements the Hybrid Search Engine (C6): memory
// retrieval combining BM25 full-text ranking with cosine-similarity vector
// ranking, plus two background passes over the memory corpus — discovering
// associations between related memories, and decaying/pruning stale ones.
package search

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/internal/storage"
	"github.com/nexuscore/agentengine/pkg/models"
)

// Embedder generates vector embeddings for text. Injected rather than
// implemented here: embedding model internals are out of scope for this
// engine, which only ranks and stores the resulting vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Config tunes the combination weights and background pass cadence.
type Config struct {
	// TextWeight and VectorWeight blend the two ranking legs; an even
	// split is used by default.
	TextWeight   float64
	VectorWeight float64

	// AssociationBatchSize bounds how many unlinked memories the
	// association loop processes per pass.
	AssociationBatchSize int
	// AssociationTopM is the number of nearest neighbors linked per memory.
	AssociationTopM int
	// AssociationThreshold is the minimum cosine similarity to link.
	AssociationThreshold float64
	// AssociationInterval is how often the association loop runs.
	AssociationInterval time.Duration

	// DecayInterval is how often the decay/prune pass runs (spec: 6h).
	DecayInterval time.Duration
	// DecayDelta is how much importance drops per pass.
	DecayDelta float64
	// DecayMinImportance is the floor above which importance decays.
	DecayMinImportance int
}

func (c Config) withDefaults() Config {
	if c.TextWeight == 0 && c.VectorWeight == 0 {
		c.TextWeight, c.VectorWeight = 0.5, 0.5
	}
	if c.AssociationBatchSize == 0 {
		c.AssociationBatchSize = 50
	}
	if c.AssociationTopM == 0 {
		c.AssociationTopM = 5
	}
	if c.AssociationThreshold == 0 {
		c.AssociationThreshold = 0.30
	}
	if c.AssociationInterval == 0 {
		c.AssociationInterval = 15 * time.Minute
	}
	if c.DecayInterval == 0 {
		c.DecayInterval = 6 * time.Hour
	}
	if c.DecayDelta == 0 {
		c.DecayDelta = 1
	}
	if c.DecayMinImportance == 0 {
		c.DecayMinImportance = 1
	}
	return c
}

// Engine is the Hybrid Search Engine.
type Engine struct {
	store    storage.Store
	embedder Embedder
	log      *observability.Logger
	cfg      Config

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs an Engine. embedder may be nil, in which case Search falls
// back to FTS-only ranking and the association loop never runs.
func New(store storage.Store, embedder Embedder, log *observability.Logger, cfg Config) *Engine {
	return &Engine{
		store:    store,
		embedder: embedder,
		log:      log,
		cfg:      cfg.withDefaults(),
		stopCh:   make(chan struct{}),
	}
}

// Search combines FTS BM25 ranking over content with cosine-similarity
// ranking over embeddings, returning memories sorted by the blended score.
func (e *Engine) Search(ctx context.Context, query string, filters storage.MemoryFilters, limit int) ([]models.ScoredMemory, error) {
	textHits, err := e.store.SearchMemories(ctx, query, filters, limit)
	if err != nil {
		return nil, err
	}
	if e.embedder == nil {
		return textHits, nil
	}

	queryVec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.log.Warn(ctx, "embedding query failed, falling back to text-only search", "error", err)
		return textHits, nil
	}
	vectorHits, err := e.store.VectorSearch(ctx, "memory", queryVec, limit)
	if err != nil {
		e.log.Warn(ctx, "vector search failed, falling back to text-only search", "error", err)
		return textHits, nil
	}

	return e.blend(ctx, textHits, vectorHits, limit)
}

// blend normalizes each leg's scores into [0,1], combines them by the
// configured weights, and returns the top `limit` results.
func (e *Engine) blend(ctx context.Context, textHits []models.ScoredMemory, vectorHits []storage.VectorMatch, limit int) ([]models.ScoredMemory, error) {
	combined := make(map[string]*models.ScoredMemory, len(textHits)+len(vectorHits))

	if maxText := maxScore(textHits); maxText > 0 {
		for _, hit := range textHits {
			mem := hit.Memory
			combined[mem.MemoryID] = &models.ScoredMemory{Memory: mem, Score: e.cfg.TextWeight * (hit.Score / maxText)}
		}
	}

	if maxVec := maxVectorScore(vectorHits); maxVec > 0 {
		for _, hit := range vectorHits {
			normalized := e.cfg.VectorWeight * (hit.Score / maxVec)
			if existing, ok := combined[hit.ID]; ok {
				existing.Score += normalized
				continue
			}
			mem, err := e.store.GetMemory(ctx, hit.ID)
			if err != nil {
				continue // pruned between embedding and lookup; skip rather than fail the whole query
			}
			combined[hit.ID] = &models.ScoredMemory{Memory: *mem, Score: normalized}
		}
	}

	out := make([]models.ScoredMemory, 0, len(combined))
	for _, sm := range combined {
		out = append(out, *sm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func maxScore(hits []models.ScoredMemory) float64 {
	var max float64
	for _, h := range hits {
		if h.Score > max {
			max = h.Score
		}
	}
	return max
}

func maxVectorScore(hits []storage.VectorMatch) float64 {
	var max float64
	for _, h := range hits {
		if h.Score > max {
			max = h.Score
		}
	}
	return max
}

// Start launches the background association and decay loops. Stop (or
// cancelling ctx) ends both.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(2)
	go e.associationLoop(ctx)
	go e.decayLoop(ctx)
}

// Stop ends the background loops and waits for them to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *Engine) associationLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.AssociationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.RunAssociationPass(ctx); err != nil {
				e.log.Warn(ctx, "association pass failed", "error", err)
			}
		}
	}
}

func (e *Engine) decayLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.DecayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			updated, pruned, err := e.store.DecayAndPrune(ctx, e.cfg.DecayDelta, e.cfg.DecayMinImportance, time.Now())
			if err != nil {
				e.log.Warn(ctx, "decay pass failed", "error", err)
				continue
			}
			e.log.Info(ctx, "decay pass complete", "updated", updated, "pruned", pruned)
		}
	}
}

// RunAssociationPass picks up to AssociationBatchSize recently-updated
// memories without outgoing edges, embeds them if needed, and links each to
// its top-M nearest neighbors above AssociationThreshold. Idempotent:
// CreateMemoryAssociation upserts on conflict, so re-running a partially
// completed pass (e.g. after a crash mid-batch) just re-derives the same
// edges.
func (e *Engine) RunAssociationPass(ctx context.Context) error {
	if e.embedder == nil {
		return nil
	}

	candidates, err := e.store.MemoriesWithoutAssociations(ctx, e.cfg.AssociationBatchSize)
	if err != nil {
		return err
	}

	// Embed the whole batch before searching, so memories in the same batch
	// can be linked to each other.
	vecs := make([][]float32, len(candidates))
	for i, mem := range candidates {
		vec, err := e.embedder.Embed(ctx, mem.Content)
		if err != nil {
			e.log.Warn(ctx, "embedding memory for association pass failed", "memory_id", mem.MemoryID, "error", err)
			continue
		}
		if err := e.store.UpsertEmbedding(ctx, "memory", mem.MemoryID, vec); err != nil {
			return err
		}
		vecs[i] = vec
	}

	for i, mem := range candidates {
		vec := vecs[i]
		if vec == nil {
			continue
		}
		matches, err := e.store.VectorSearch(ctx, "memory", vec, e.cfg.AssociationTopM+1)
		if err != nil {
			return err
		}
		for _, match := range matches {
			if match.ID == mem.MemoryID || match.Score < e.cfg.AssociationThreshold {
				continue
			}
			assoc := models.MemoryAssociation{
				SourceMemory:    mem.MemoryID,
				TargetMemory:    match.ID,
				AssociationType: "similar",
				Strength:        match.Score,
			}
			if err := e.store.CreateMemoryAssociation(ctx, assoc); err != nil {
				return err
			}
		}
	}
	return nil
}
