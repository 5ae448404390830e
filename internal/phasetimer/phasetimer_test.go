package phasetimer

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestPoll_FiresOnExpireOnceDeadlineElapses(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	var expired []string
	var mu sync.Mutex
	r := &Registry{
		clock:    clk,
		onExpire: func(gameID string) { mu.Lock(); expired = append(expired, gameID); mu.Unlock() },
		entries:  make(map[string]entry),
		done:     make(chan struct{}),
	}

	r.Arm("g1", clk.Now().Add(5*time.Second))
	r.poll()
	mu.Lock()
	n := len(expired)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("must not expire before the deadline, got %d expirations", n)
	}

	clk.advance(6 * time.Second)
	r.poll()
	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0] != "g1" {
		t.Fatalf("want exactly one expiration for g1, got %v", expired)
	}
}

func TestPoll_OnUpdateReportsRemainingDurationForArmedGames(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	var gotGame string
	var gotRemaining time.Duration
	r := &Registry{
		clock:    clk,
		onUpdate: func(gameID string, remaining time.Duration) { gotGame = gameID; gotRemaining = remaining },
		entries:  make(map[string]entry),
		done:     make(chan struct{}),
	}

	r.Arm("g1", clk.Now().Add(10*time.Second))
	r.poll()

	if gotGame != "g1" {
		t.Fatalf("want onUpdate called for g1, got %q", gotGame)
	}
	if gotRemaining <= 0 || gotRemaining > 10*time.Second {
		t.Fatalf("want remaining in (0, 10s], got %v", gotRemaining)
	}
}

func TestCancel_RemovesAnArmedDeadline(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	r := &Registry{clock: clk, entries: make(map[string]entry), done: make(chan struct{})}

	r.Arm("g1", clk.Now().Add(time.Minute))
	if _, armed := r.Armed("g1"); !armed {
		t.Fatalf("want g1 armed after Arm")
	}
	r.Cancel("g1")
	if _, armed := r.Armed("g1"); armed {
		t.Fatalf("want g1 not armed after Cancel")
	}
}

func TestCancel_OfUnarmedGameIsNoop(t *testing.T) {
	r := &Registry{entries: make(map[string]entry), done: make(chan struct{})}
	r.Cancel("ghost") // must not panic
}

func TestArm_ReplacesAnyPriorDeadline(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	r := &Registry{clock: clk, entries: make(map[string]entry), done: make(chan struct{})}

	r.Arm("g1", clk.Now().Add(time.Minute))
	r.Arm("g1", clk.Now().Add(2*time.Minute))

	endsAt, armed := r.Armed("g1")
	if !armed {
		t.Fatalf("want g1 armed")
	}
	if endsAt.Sub(clk.Now()) < 90*time.Second {
		t.Fatalf("want the later deadline to win, got endsAt %v from now", endsAt.Sub(clk.Now()))
	}
}
