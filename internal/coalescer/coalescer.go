// Package coalescer implements the Message Coalescer (C8): per
// (channel_id, user_id) debouncing of rapid-fire inbound messages so the
// dispatcher sees one merged turn instead of several fragments.
package coalescer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nexuscore/agentengine/internal/observability"
)

// Config tunes debounce behavior.
type Config struct {
	// Enabled controls whether coalescing happens at all; when false,
	// AddMessage always flushes immediately.
	Enabled bool
	// DebounceInterval is how long to wait after the last message in a
	// batch before flushing it.
	DebounceInterval time.Duration
	// MaxWait is the hard ceiling on how long a batch can accumulate
	// before being force-flushed, regardless of debounce quiet time.
	MaxWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.DebounceInterval == 0 {
		c.DebounceInterval = 500 * time.Millisecond
	}
	if c.MaxWait == 0 {
		c.MaxWait = 2 * time.Second
	}
	return c
}

type batch struct {
	messages     []string
	firstArrival time.Time
	lastArrival  time.Time
}

// Flushed is one batch handed back by CheckTimeouts or Start's callback.
type Flushed struct {
	Key  string
	Text string
}

// Coalescer batches inbound messages per key until a quiet period or a max
// wait elapses, merging them into one turn.
type Coalescer struct {
	cfg     Config
	metrics *observability.Metrics

	mu      sync.Mutex
	batches map[string]*batch

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Coalescer.
func New(cfg Config) *Coalescer {
	return &Coalescer{
		cfg:     cfg.withDefaults(),
		batches: make(map[string]*batch),
		stopCh:  make(chan struct{}),
	}
}

// SetMetrics wires a Metrics collector for per-batch size observations.
// Optional; a Coalescer with no Metrics set simply doesn't record them.
func (c *Coalescer) SetMetrics(metrics *observability.Metrics) {
	c.metrics = metrics
}

// Key builds the coalescing key for a (channel_id, user_id) pair.
func Key(channelID, userID string) string {
	return channelID + ":" + userID
}

// AddMessage records text for key. It returns (mergedText, true) if
// coalescing is disabled or the batch has hit MaxWait (flush now), else
// ("", false) to indicate the caller should wait for a later flush.
func (c *Coalescer) AddMessage(channelID, userID, text string) (string, bool) {
	if !c.cfg.Enabled {
		return text, true
	}

	key := Key(channelID, userID)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	b, exists := c.batches[key]
	if !exists {
		b = &batch{firstArrival: now}
		c.batches[key] = b
	}
	b.messages = append(b.messages, text)
	b.lastArrival = now

	if now.Sub(b.firstArrival) >= c.cfg.MaxWait {
		delete(c.batches, key)
		return merge(b.messages), true
	}
	return "", false
}

// CheckTimeouts flushes every batch whose quiet period has elapsed and
// returns the merged text for each. Safe to call on a ticker.
func (c *Coalescer) CheckTimeouts() []Flushed {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Flushed
	for key, b := range c.batches {
		if now.Sub(b.lastArrival) >= c.cfg.DebounceInterval {
			if c.metrics != nil {
				c.metrics.CoalescerBatch.Observe(float64(len(b.messages)))
			}
			out = append(out, Flushed{Key: key, Text: merge(b.messages)})
			delete(c.batches, key)
		}
	}
	return out
}

// PendingCount returns the number of keys with an in-flight batch.
func (c *Coalescer) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

// Start runs CheckTimeouts on a ticker no less often than DebounceInterval,
// invoking onFlush for each batch it flushes, until ctx is cancelled or
// Stop is called.
func (c *Coalescer) Start(ctx context.Context, onFlush func(Flushed)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.DebounceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				for _, f := range c.CheckTimeouts() {
					onFlush(f)
				}
			}
		}
	}()
}

// Stop ends the background ticker started by Start and waits for it to exit.
func (c *Coalescer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func merge(messages []string) string {
	if len(messages) == 1 {
		return messages[0]
	}
	return strings.Join(messages, "\n\n")
}
