// Package sessioncache implements the Active Session Cache (C2): a
// bounded, write-behind in-memory layer in front of the Durable Store
// (internal/storage) so the dispatcher's hot path never blocks on a row
// write mid-turn. Entries are held under a single RWMutex-guarded map with
// a per-entry dirty flag instead of a bare TTL: a background flusher
// persists dirty entries on an interval and evicts ones that have gone
// stale.
package sessioncache

import (
	"context"
	"sync"
	"time"

	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/internal/storage"
	"github.com/nexuscore/agentengine/pkg/models"
)

// Config tunes flush and eviction cadence.
type Config struct {
	// FlushInterval is how often the background loop persists dirty entries.
	FlushInterval time.Duration
	// StaleAfter is how long an entry may sit untouched before eviction.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	return c
}

type entry struct {
	session      models.ChatSession
	agentContext *models.AgentContext
	dirty        bool
	lastAccess   time.Time
}

// Cache is the Active Session Cache. All entries key on ChatSession.SessionID.
type Cache struct {
	cfg     Config
	store   storage.Store
	log     *observability.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	entries map[int64]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Cache in front of store. Call Start to begin the
// background flush/evict loop.
func New(store storage.Store, log *observability.Logger, cfg Config) *Cache {
	return &Cache{
		cfg:     cfg.withDefaults(),
		store:   store,
		log:     log,
		entries: make(map[int64]*entry),
		stopCh:  make(chan struct{}),
	}
}

// SetMetrics wires a Metrics collector for flush/evict counters. Optional;
// a Cache with no Metrics set simply doesn't record them.
func (c *Cache) SetMetrics(metrics *observability.Metrics) {
	c.metrics = metrics
}

// Start launches the background flush/evict loop. It returns immediately;
// call Shutdown to stop it and flush remaining dirty entries.
func (c *Cache) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

func (c *Cache) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.FlushAllDirty(ctx); err != nil {
				c.log.Error(ctx, "session cache flush failed", "error", err)
			}
			evicted := c.EvictStale(c.cfg.StaleAfter)
			if evicted > 0 {
				c.log.Debug(ctx, "session cache evicted stale entries", "count", evicted)
			}
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops the background loop and flushes every dirty entry before
// returning, so a graceful shutdown never loses a pending write.
func (c *Cache) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.FlushAllDirty(ctx)
}

// LoadSession returns the active session for the (channelType, channelID,
// chatID) tuple, creating one in the Durable Store if none exists, and
// seeds the cache entry.
func (c *Cache) LoadSession(ctx context.Context, channelType, channelID, chatID string, scope models.SessionScope) (*models.ChatSession, error) {
	sess, err := c.store.GetOrCreateChatSession(ctx, channelType, channelID, chatID, scope)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	e, ok := c.entries[sess.SessionID]
	if !ok {
		e = &entry{session: *sess}
		c.entries[sess.SessionID] = e
	}
	e.lastAccess = time.Now()
	snapshot := e.session
	c.mu.Unlock()

	return &snapshot, nil
}

// GetSession returns the cached session without touching the Durable Store.
// Callers that need a cold session not yet loaded should use LoadSession.
func (c *Cache) GetSession(sessionID int64) (*models.ChatSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sessionID]
	if !ok {
		return nil, false
	}
	e.lastAccess = time.Now()
	snapshot := e.session
	return &snapshot, true
}

// UpdateSession applies mutate to the cached session and marks the entry
// dirty for the next flush cycle. It does not write through synchronously.
func (c *Cache) UpdateSession(sessionID int64, mutate func(*models.ChatSession)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sessionID]
	if !ok {
		return observability.NotFound("session not cached")
	}
	mutate(&e.session)
	e.session.UpdatedAt = time.Now()
	e.dirty = true
	e.lastAccess = time.Now()
	return nil
}

// UpdateCompletionStatus sets the cached session's completion status and
// marks it dirty.
func (c *Cache) UpdateCompletionStatus(sessionID int64, status models.CompletionStatus) error {
	return c.UpdateSession(sessionID, func(s *models.ChatSession) {
		s.CompletionStatus = status
	})
}

// UpdateContextTokens sets the cached session's token usage and marks it dirty.
func (c *Cache) UpdateContextTokens(sessionID int64, tokens int) error {
	return c.UpdateSession(sessionID, func(s *models.ChatSession) {
		s.ContextTokens = tokens
	})
}

// SaveAgentContext stores the per-turn AgentContext scratch for sessionID.
// AgentContext lives cache-side only; it is dispatcher working state, not a
// Durable Store row, so saving it never marks the entry dirty for flush.
func (c *Cache) SaveAgentContext(sessionID int64, actx *models.AgentContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sessionID]
	if !ok {
		return observability.NotFound("session not cached")
	}
	e.agentContext = actx
	e.lastAccess = time.Now()
	return nil
}

// LoadAgentContext returns the cached AgentContext for sessionID, if any.
// Reading it never touches the dirty flag or the Durable Store.
func (c *Cache) LoadAgentContext(sessionID int64) (*models.AgentContext, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[sessionID]
	if !ok || e.agentContext == nil {
		return nil, false
	}
	cp := *e.agentContext
	return &cp, true
}

// FlushAllDirty persists every dirty entry to the Durable Store and clears
// their dirty flags. Entries are snapshotted under the lock and written
// outside it so a slow store write never blocks cache reads.
func (c *Cache) FlushAllDirty(ctx context.Context) error {
	c.mu.Lock()
	var toFlush []int64
	snapshots := make(map[int64]models.ChatSession, len(c.entries))
	for id, e := range c.entries {
		if e.dirty {
			toFlush = append(toFlush, id)
			snapshots[id] = e.session
		}
	}
	c.mu.Unlock()

	var firstErr error
	for _, id := range toFlush {
		sess := snapshots[id]
		if err := c.store.UpdateSessionCompletionStatus(ctx, id, sess.CompletionStatus); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := c.store.UpdateSessionContextTokens(ctx, id, sess.ContextTokens); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.mu.Lock()
		if e, ok := c.entries[id]; ok {
			e.dirty = false
		}
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.CacheFlushTotal.Inc()
		}
	}
	return firstErr
}

// EvictStale removes entries untouched for longer than maxAge, flushing
// each one first if it is still dirty so no pending write is lost. It
// returns the number of entries evicted.
func (c *Cache) EvictStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	c.mu.Lock()
	var stale []int64
	for id, e := range c.entries {
		if e.lastAccess.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	evicted := 0
	for _, id := range stale {
		if err := c.FlushAndEvict(context.Background(), id); err == nil {
			evicted++
			if c.metrics != nil {
				c.metrics.CacheEvictTotal.Inc()
			}
		}
	}
	return evicted
}

// FlushAndEvict persists sessionID's entry if dirty, then removes it from
// the cache (the entry will be recreated on the next LoadSession). If the
// flush fails, the entry stays cached and the store error is returned.
func (c *Cache) FlushAndEvict(ctx context.Context, sessionID int64) error {
	c.mu.Lock()
	e, ok := c.entries[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	dirty := e.dirty
	sess := e.session
	c.mu.Unlock()

	if dirty {
		if err := c.store.UpdateSessionCompletionStatus(ctx, sessionID, sess.CompletionStatus); err != nil {
			return err
		}
		if err := c.store.UpdateSessionContextTokens(ctx, sessionID, sess.ContextTokens); err != nil {
			return err
		}
	}

	c.mu.Lock()
	delete(c.entries, sessionID)
	c.mu.Unlock()
	return nil
}

// ForceEvict removes sessionID's entry without flushing, discarding any
// pending write. Used when a session is known to be superseded (e.g. after
// CompleteAndRotateSession at the Durable Store).
func (c *Cache) ForceEvict(sessionID int64) {
	c.mu.Lock()
	delete(c.entries, sessionID)
	c.mu.Unlock()
}

// Len reports the number of sessions currently cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
