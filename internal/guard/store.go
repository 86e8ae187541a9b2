// Package guard holds the per-process protective state for outbound source
// calls: a circuit breaker per named resource and a bounded in-memory rate
// limiter. The state lives in an injectable Store rather than package-level
// globals, so each worker process initializes exactly one and tests get
// clean isolation.
package guard

import (
	"sync"
	"time"
)

type Config struct {
	// breaker
	FailureThreshold int           // consecutive failures before the circuit opens
	OpenFor          time.Duration // how long an open circuit denies calls before a probe

	// rate limiter
	SoftLimit     int           // entry count that triggers LRU eviction
	HardCap       int           // entry count never exceeded
	EntryTTL      time.Duration // stale entries older than this are prunable
	PruneInterval time.Duration // 0 disables the background pruner
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenFor:          30 * time.Second,
		SoftLimit:        1000,
		HardCap:          2000,
		EntryTTL:         10 * time.Minute,
		PruneInterval:    time.Minute,
	}
}

type Store struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*breaker
	limits   map[string]*limitEntry
	closed   bool
	stop     chan struct{}

	// now is injectable for tests.
	now func() time.Time
}

// NewStore initializes the store and, when configured, its background
// pruner. Call Shutdown on process exit.
func NewStore(cfg Config) *Store {
	s := &Store{
		cfg:      cfg,
		breakers: make(map[string]*breaker),
		limits:   make(map[string]*limitEntry),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
	if cfg.PruneInterval > 0 {
		go s.pruneLoop()
	}
	return s
}

// Shutdown stops the pruner and clears all entries. Safe to call twice.
func (s *Store) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stop)
	s.breakers = make(map[string]*breaker)
	s.limits = make(map[string]*limitEntry)
}

func (s *Store) pruneLoop() {
	t := time.NewTicker(s.cfg.PruneInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.Prune()
		}
	}
}
