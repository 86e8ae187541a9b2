package guard

import "time"

type limitEntry struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

// Allow records a hit for key and reports whether it stays within limit
// hits per window. The entry map is bounded: crossing SoftLimit evicts the
// least-recently-used entries, and HardCap is never exceeded even under
// adversarial key cardinality (an eviction always precedes the insert).
func (s *Store) Allow(key string, limit int, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	e, ok := s.limits[key]
	if !ok {
		if len(s.limits) >= s.cfg.SoftLimit {
			s.evictOldest(len(s.limits) - s.cfg.SoftLimit + 1)
		}
		if len(s.limits) >= s.cfg.HardCap {
			s.evictOldest(len(s.limits) - s.cfg.HardCap + 1)
		}
		e = &limitEntry{windowStart: now}
		s.limits[key] = e
	}

	if now.Sub(e.windowStart) >= window {
		e.count = 0
		e.windowStart = now
	}
	e.lastSeen = now
	e.count++
	return e.count <= limit
}

// Prune drops entries idle longer than EntryTTL.
func (s *Store) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.cfg.EntryTTL)
	for k, e := range s.limits {
		if e.lastSeen.Before(cutoff) {
			delete(s.limits, k)
		}
	}
}

// evictOldest removes the n least-recently-seen entries. Linear scan: the
// map is small (bounded by HardCap) and eviction is rare.
func (s *Store) evictOldest(n int) {
	for i := 0; i < n && len(s.limits) > 0; i++ {
		var oldestKey string
		var oldest time.Time
		first := true
		for k, e := range s.limits {
			if first || e.lastSeen.Before(oldest) {
				oldestKey, oldest = k, e.lastSeen
				first = false
			}
		}
		delete(s.limits, oldestKey)
	}
}
