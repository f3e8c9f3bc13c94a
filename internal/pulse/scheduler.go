// Package pulse tracks short-lived "just changed" markers for order items.
package pulse

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultWindow is how long a confirmation stays visible.
const DefaultWindow = 1500 * time.Millisecond

// Scheduler holds at most one expiry per catalog id. Pulsing an id that is
// already active restarts its window.
type Scheduler struct {
	mu       sync.Mutex
	window   time.Duration
	expires  map[string]time.Time
	clock    func() time.Time
	onExpire func(id string)
}

func New(window time.Duration) *Scheduler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Scheduler{
		window:  window,
		expires: make(map[string]time.Time),
		clock:   time.Now,
	}
}

// OnExpire registers a callback invoked, outside the lock, for every id
// whose pulse lapses during a prune.
func (s *Scheduler) OnExpire(fn func(id string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExpire = fn
}

// Pulse inserts or resets the pulse for id and returns its expiry.
func (s *Scheduler) Pulse(id string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.clock().Add(s.window)
	s.expires[id] = at
	return at
}

// ActiveIDs returns a sorted snapshot of unexpired ids.
func (s *Scheduler) ActiveIDs() []string {
	s.prune()
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.expires))
	for id := range s.expires {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Active reports whether id currently has a pulse.
func (s *Scheduler) Active(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.expires[id]
	return ok && s.clock().Before(at)
}

// Run prunes on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		return
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune()
		}
	}
}

func (s *Scheduler) prune() {
	s.mu.Lock()
	now := s.clock()
	var expired []string
	for id, at := range s.expires {
		if !now.Before(at) {
			delete(s.expires, id)
			expired = append(expired, id)
		}
	}
	fn := s.onExpire
	s.mu.Unlock()

	if fn != nil {
		for _, id := range expired {
			fn(id)
		}
	}
}
