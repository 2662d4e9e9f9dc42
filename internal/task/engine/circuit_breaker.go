package engine

import (
	"sync"
	"time"
)

// circuitState counts consecutive failures of one task name. Once failures
// reach the trip threshold the task is rejected for an exponentially growing
// cooldown; a success closes it again.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// getLocked requires mu.
func (s *circuitStore) getLocked(key string) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[key]
	if st == nil {
		st = &circuitState{}
		s.m[key] = st
	}
	return st
}

func resetIfStale(st *circuitState, now time.Time, cfg Config) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cfg.CircuitResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (s *Service) circuitIsOpen(now time.Time, name string, cfg Config) (bool, time.Time) {
	if cfg.CircuitTripFailures < 0 {
		return false, time.Time{}
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	st := s.circuits.getLocked(name)
	resetIfStale(st, now, cfg)
	if now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *Service) circuitRecordResult(now time.Time, name string, cfg Config, err error) {
	if cfg.CircuitTripFailures < 0 {
		return
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	st := s.circuits.getLocked(name)
	resetIfStale(st, now, cfg)

	if err == nil {
		*st = circuitState{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < cfg.CircuitTripFailures {
		return
	}
	d := cfg.CircuitBaseDelay
	for i := cfg.CircuitTripFailures; i < st.fails && d < cfg.CircuitMaxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, cfg.CircuitMaxDelay))
}

func (s *Service) circuitOpenCount(now time.Time, cfg Config) int {
	if cfg.CircuitTripFailures < 0 {
		return 0
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	n := 0
	for _, st := range s.circuits.m {
		if now.Before(st.openUntil) {
			n++
		}
	}
	return n
}
