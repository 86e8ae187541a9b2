package guard

import "time"

type breaker struct {
	failures int
	openedAt time.Time
	open     bool
}

// CanExecute reports whether calls to the named resource may proceed.
// A closed circuit always allows; an open one denies until OpenFor has
// elapsed, after which a probe call is let through.
func (s *Store) CanExecute(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[name]
	if !ok || !b.open {
		return true
	}
	return s.now().Sub(b.openedAt) >= s.cfg.OpenFor
}

// RecordFailure counts a consecutive failure against the named resource and
// opens the circuit at the configured threshold. A failure while open
// (a failed probe) restarts the open window.
func (s *Store) RecordFailure(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[name]
	if !ok {
		b = &breaker{}
		s.breakers[name] = b
	}
	b.failures++
	if b.open {
		b.openedAt = s.now()
		return
	}
	if b.failures >= s.cfg.FailureThreshold {
		b.open = true
		b.openedAt = s.now()
	}
}

// RecordSuccess closes the circuit and resets the consecutive-failure count.
func (s *Store) RecordSuccess(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[name]
	if !ok {
		return
	}
	b.failures = 0
	b.open = false
}
