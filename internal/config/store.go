package config

import "sync/atomic"

// Store holds a live Config behind an atomic pointer so concurrent readers
// (the dispatcher, scheduler, etc.) never observe a torn update. Hot-reload
// (e.g. a modify_bot_config-style admin tool) calls Set; the dispatcher
// reads the new values starting with its next turn, never mid-turn —
// BuildContext snapshots Get() once per turn.
type Store struct {
	v atomic.Pointer[Config]
}

// NewStore seeds a Store with the given initial config.
func NewStore(initial Config) *Store {
	s := &Store{}
	s.v.Store(&initial)
	return s
}

// Get returns the current config snapshot.
func (s *Store) Get() Config {
	return *s.v.Load()
}

// Set atomically replaces the live config.
func (s *Store) Set(cfg Config) {
	s.v.Store(&cfg)
}
