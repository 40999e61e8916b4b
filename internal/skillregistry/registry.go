package skillregistry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/internal/storage"
	"github.com/nexuscore/agentengine/pkg/models"
)

// Registry is the Skill Registry: disk under Dir is authoritative, the
// Durable Store holds a synced, indexed copy, and an in-memory map serves
// fast concurrent lookups between reloads.
type Registry struct {
	dir   string
	store storage.Store
	log   *observability.Logger

	mu     sync.RWMutex
	skills map[string]models.Skill

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Registry rooted at dir. Call Reload to perform the
// initial disk scan and Watch to begin hot-reloading on file changes.
func New(dir string, store storage.Store, log *observability.Logger) *Registry {
	return &Registry{
		dir:    dir,
		store:  store,
		log:    log,
		skills: make(map[string]models.Skill),
		stopCh: make(chan struct{}),
	}
}

// Reload rescans Dir, syncs every discovered skill to the Durable Store,
// and atomically swaps the in-memory index. Skills previously known but no
// longer present on disk are disabled (not deleted) in the store, since an
// admin may be mid-edit rather than intentionally removing the skill.
func (r *Registry) Reload(ctx context.Context) error {
	var parseErrs []error
	found, err := discoverDir(r.dir, &parseErrs)
	if err != nil {
		return observability.Internal(err)
	}
	for _, pe := range parseErrs {
		r.log.Warn(ctx, "skipping invalid skill file", "error", pe)
	}

	next := make(map[string]models.Skill, len(found))
	for _, skill := range found {
		skill.Enabled = true
		if err := r.store.UpsertSkill(ctx, skill); err != nil {
			r.log.Error(ctx, "failed to sync skill to store", "skill", skill.Name, "error", err)
			continue
		}
		next[skill.Name] = skill
	}

	r.mu.Lock()
	previouslyKnown := make(map[string]bool, len(r.skills))
	for name := range r.skills {
		previouslyKnown[name] = true
	}
	r.skills = next
	r.mu.Unlock()

	for name := range previouslyKnown {
		if _, stillPresent := next[name]; !stillPresent {
			if err := r.store.SetSkillEnabled(ctx, name, false); err != nil {
				r.log.Warn(ctx, "failed to disable removed skill", "skill", name, "error", err)
			}
		}
	}

	r.log.Info(ctx, "skill registry reloaded", "count", len(next))
	return nil
}

// Get returns a skill by name from the in-memory index.
func (r *Registry) Get(name string) (models.Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// List returns every currently loaded skill.
func (r *Registry) List() []models.Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	return out
}

// Len reports how many skills are currently loaded.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.skills)
}

// Watch starts an fsnotify watch on Dir (and its immediate subdirectories)
// and triggers Reload, debounced by settleDelay, whenever a file changes.
// It returns immediately; call Close to stop.
func (r *Registry) Watch(ctx context.Context, settleDelay time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return observability.Internal(err)
	}
	if err := w.Add(r.dir); err != nil {
		_ = w.Close()
		return observability.Internal(err)
	}
	if entries, err := os.ReadDir(r.dir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = w.Add(filepath.Join(r.dir, e.Name()))
			}
		}
	}
	r.watcher = w

	r.wg.Add(1)
	go r.watchLoop(ctx, settleDelay)
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, settleDelay time.Duration) {
	defer r.wg.Done()
	if settleDelay <= 0 {
		settleDelay = 500 * time.Millisecond
	}

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(settleDelay)
			timerCh = timer.C
		case <-timerCh:
			if err := r.Reload(ctx); err != nil {
				r.log.Error(ctx, "skill hot-reload failed", "error", err)
			}
			timerCh = nil
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn(ctx, "skill watcher error", "error", err)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the watcher and background loop, if running.
func (r *Registry) Close() error {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	if r.watcher != nil {
		_ = r.watcher.Close()
	}
	r.wg.Wait()
	return nil
}
