package config

import "sync/atomic"

// Store publishes the current configuration snapshot. Readers never block;
// writers replace the snapshot wholesale.
type Store struct {
	cur atomic.Pointer[Config]
}

// NewStore returns a Store holding cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.cur.Store(cfg)
	return s
}

// Load returns the current snapshot.
func (s *Store) Load() *Config {
	return s.cur.Load()
}

// Swap publishes cfg and returns the previous snapshot.
func (s *Store) Swap(cfg *Config) *Config {
	return s.cur.Swap(cfg)
}
