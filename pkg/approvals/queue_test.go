package approvals

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Vleonone/aeonsage-sub000/pkg/models"
	"github.com/Vleonone/aeonsage-sub000/pkg/threat"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testOp(agent, command string) models.Operation {
	return models.Operation{AgentID: agent, Host: "gateway", Command: command, Cwd: "/work", GateID: "shell-exec"}
}

func TestEnqueueSetsDeadline(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	q := NewQueue(time.Minute, WithClock(clock.Now))
	req, err := q.Enqueue(testOp("a1", "rm -rf /"), "shell-exec", threat.Scan("rm -rf /"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if req.ID == "" || req.Status != StatusPending {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.ExpiresAtMs <= req.CreatedAtMs {
		t.Fatalf("expected expiry after creation: %d <= %d", req.ExpiresAtMs, req.CreatedAtMs)
	}
	if req.ExpiresAtMs-req.CreatedAtMs != time.Minute.Milliseconds() {
		t.Fatalf("expected one-minute TTL, got %dms", req.ExpiresAtMs-req.CreatedAtMs)
	}
	if !req.Report.Detected || req.Report.MaxLevel != threat.LevelCritical {
		t.Fatalf("expected attached critical report, got %+v", req.Report)
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	t.Parallel()

	q := NewQueue(time.Minute)
	first, err := q.Enqueue(testOp("a1", "rm -rf ./x"), "shell-exec", threat.Report{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Same agent+host+command+cwd: formatting differences fold away.
	dup, err := q.Enqueue(testOp("a1", "rm  -rf   ./x"), "shell-exec", threat.Report{})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if dup.ID != first.ID {
		t.Fatalf("duplicate must return existing id %q, got %q", first.ID, dup.ID)
	}
	// A different command is a separate request.
	other, err := q.Enqueue(testOp("a1", "rm -rf ./y"), "shell-exec", threat.Report{})
	if err != nil {
		t.Fatalf("enqueue distinct: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("distinct commands must not share a request")
	}
}

func TestDecideExactlyOnce(t *testing.T) {
	t.Parallel()

	q := NewQueue(time.Minute)
	req, err := q.Enqueue(testOp("a1", "git push --force"), "shell-exec", threat.Report{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	decided, err := q.Decide(req.ID, Decision{Kind: DecideDeny, ActorID: "op-1"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != StatusDenied || decided.Decision == nil || decided.Decision.ActorID != "op-1" {
		t.Fatalf("unexpected decided state %+v", decided)
	}

	again, err := q.Decide(req.ID, Decision{Kind: DecideAllowOnce, ActorID: "op-2"})
	if !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
	if again.Status != StatusDenied || again.Decision.ActorID != "op-1" {
		t.Fatalf("retry must not mutate the request: %+v", again)
	}
}

func TestDecideUnknownAndInvalid(t *testing.T) {
	t.Parallel()

	q := NewQueue(time.Minute)
	if _, err := q.Decide("missing", Decision{Kind: DecideDeny}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	req, _ := q.Enqueue(testOp("a1", "ls"), "shell-exec", threat.Report{})
	if _, err := q.Decide(req.ID, Decision{Kind: "maybe"}); !errors.Is(err, ErrBadDecision) {
		t.Fatalf("expected ErrBadDecision, got %v", err)
	}
}

func TestExpiryFailsClosed(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	q := NewQueue(time.Minute, WithClock(clock.Now))
	req, err := q.Enqueue(testOp("a1", "rm -rf /data"), "shell-exec", threat.Report{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	clock.Advance(time.Minute + time.Second)
	expired := q.SweepExpired()
	if len(expired) != 1 || expired[0].ID != req.ID || expired[0].Status != StatusExpired {
		t.Fatalf("expected one expired request, got %+v", expired)
	}
	// The transition happened exactly once.
	if again := q.SweepExpired(); len(again) != 0 {
		t.Fatalf("second sweep must be empty, got %+v", again)
	}
	if _, err := q.Decide(req.ID, Decision{Kind: DecideAllowOnce, ActorID: "op"}); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	got, ok := q.Get(req.ID)
	if !ok || got.Status != StatusExpired || got.Decision != nil {
		t.Fatalf("expired request must stay expired and undecided: %+v", got)
	}
}

func TestLazyExpiryOnAccess(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	q := NewQueue(time.Minute, WithClock(clock.Now))
	req, _ := q.Enqueue(testOp("a1", "ls"), "shell-exec", threat.Report{})

	clock.Advance(2 * time.Minute)
	// No explicit sweep: Get alone must observe the expiry.
	got, ok := q.Get(req.ID)
	if !ok || got.Status != StatusExpired {
		t.Fatalf("expected lazy expiry, got %+v", got)
	}
	// The slot is free again for a fresh identical request.
	if _, err := q.Enqueue(testOp("a1", "ls"), "shell-exec", threat.Report{}); err != nil {
		t.Fatalf("re-enqueue after expiry: %v", err)
	}
}

func TestPendingFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue(time.Minute)
	commands := []string{"cmd one", "cmd two", "cmd three"}
	ids := make([]string, 0, len(commands))
	for _, cmd := range commands {
		req, err := q.Enqueue(testOp("a1", cmd), "shell-exec", threat.Report{})
		if err != nil {
			t.Fatalf("enqueue %q: %v", cmd, err)
		}
		ids = append(ids, req.ID)
	}
	pending := q.Pending()
	if len(pending) != len(ids) {
		t.Fatalf("expected %d pending, got %d", len(ids), len(pending))
	}
	for i, req := range pending {
		if req.ID != ids[i] {
			t.Fatalf("FIFO violated at %d: expected %q got %q", i, ids[i], req.ID)
		}
	}

	if _, err := q.Decide(ids[1], Decision{Kind: DecideAllowOnce, ActorID: "op"}); err != nil {
		t.Fatalf("decide middle: %v", err)
	}
	pending = q.Pending()
	if len(pending) != 2 || pending[0].ID != ids[0] || pending[1].ID != ids[2] {
		t.Fatalf("unexpected pending order after decide: %+v", pending)
	}
}

func TestTTLClamped(t *testing.T) {
	t.Parallel()

	if got := NewQueue(0).TTL(); got != DefaultTTL {
		t.Fatalf("expected default TTL, got %v", got)
	}
	if got := NewQueue(time.Millisecond).TTL(); got != MinTTL {
		t.Fatalf("expected clamp to MinTTL, got %v", got)
	}
	if got := NewQueue(48 * time.Hour).TTL(); got != MaxTTL {
		t.Fatalf("expected clamp to MaxTTL, got %v", got)
	}
}

func TestConcurrentDecideSingleWinner(t *testing.T) {
	t.Parallel()

	q := NewQueue(time.Minute)
	req, _ := q.Enqueue(testOp("a1", "terraform destroy"), "shell-exec", threat.Report{})

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan Decision, workers)
	for i := 0; i < workers; i++ {
		kind := DecideAllowOnce
		if i%2 == 0 {
			kind = DecideDeny
		}
		wg.Add(1)
		go func(k DecisionKind) {
			defer wg.Done()
			if decided, err := q.Decide(req.ID, Decision{Kind: k, ActorID: "op"}); err == nil {
				wins <- *decided.Decision
			}
		}(kind)
	}
	wg.Wait()
	close(wins)
	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one winning decision, got %d", count)
	}
}

func TestTerminalRequestsPrunedAfterRetention(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	q := NewQueue(time.Minute, WithClock(clock.Now), WithRetention(10*time.Minute))

	decided, err := q.Enqueue(testOp("a1", "rm -rf /"), "shell-exec", threat.Scan("rm -rf /"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Decide(decided.ID, Decision{Kind: DecideDeny, ActorID: "op-1"}); err != nil {
		t.Fatalf("decide: %v", err)
	}
	expired, err := q.Enqueue(testOp("a2", "kill -9 1"), "shell-exec", threat.Scan("kill -9 1"))
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if got := len(q.SweepExpired()); got != 1 {
		t.Fatalf("expired %d requests; want 1", got)
	}

	// Inside the retention window both stay queryable with their terminal
	// answers.
	clock.Advance(5 * time.Minute)
	if _, err := q.Decide(decided.ID, Decision{Kind: DecideAllowOnce, ActorID: "op-2"}); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("retry inside retention err = %v; want ErrAlreadyDecided", err)
	}
	if _, err := q.Decide(expired.ID, Decision{Kind: DecideAllowOnce, ActorID: "op-2"}); !errors.Is(err, ErrExpired) {
		t.Fatalf("expired retry err = %v; want ErrExpired", err)
	}

	// Past the window both are forgotten.
	clock.Advance(10 * time.Minute)
	if _, ok := q.Get(decided.ID); ok {
		t.Fatal("decided request retained past retention")
	}
	if _, err := q.Decide(expired.ID, Decision{Kind: DecideAllowOnce, ActorID: "op-2"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pruned retry err = %v; want ErrNotFound", err)
	}

	// Pending requests are never pruned by retention.
	fresh, err := q.Enqueue(testOp("a3", "ls"), "shell-exec", threat.Scan("ls"))
	if err != nil {
		t.Fatalf("enqueue fresh: %v", err)
	}
	if _, ok := q.Get(fresh.ID); !ok {
		t.Fatal("pending request missing")
	}
}
