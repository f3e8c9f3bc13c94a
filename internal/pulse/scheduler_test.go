package pulse

import (
	"context"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newScheduler(clock *manualClock) *Scheduler {
	s := New(DefaultWindow)
	s.clock = clock.Now
	return s
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func TestPulseExpiry(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	s := newScheduler(clock)
	s.Pulse("1")

	clock.Advance(1000 * time.Millisecond)
	if !contains(s.ActiveIDs(), "1") {
		t.Fatal("expected pulse present at T+1000ms")
	}
	clock.Advance(500*time.Millisecond + time.Millisecond)
	if contains(s.ActiveIDs(), "1") {
		t.Fatal("expected pulse gone at T+1500ms+e")
	}
}

func TestPulseResetsInsteadOfStacking(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	s := newScheduler(clock)
	s.Pulse("3")
	clock.Advance(1200 * time.Millisecond)
	s.Pulse("3")

	clock.Advance(1000 * time.Millisecond)
	ids := s.ActiveIDs()
	if len(ids) != 1 || ids[0] != "3" {
		t.Fatalf("expected single restarted pulse, got %v", ids)
	}
	clock.Advance(501 * time.Millisecond)
	if len(s.ActiveIDs()) != 0 {
		t.Fatal("expected restarted pulse to expire one window after the reset")
	}
}

func TestRunPrunesAndNotifies(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	s := newScheduler(clock)
	expired := make(chan string, 1)
	s.OnExpire(func(id string) { expired <- id })
	s.Pulse("7")
	clock.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, 5*time.Millisecond)

	select {
	case id := <-expired:
		if id != "7" {
			t.Fatalf("unexpected expired id %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("expected ticker to prune the lapsed pulse")
	}
	if s.Active("7") {
		t.Fatal("expected pulse inactive")
	}
}
