package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryWindow(t *testing.T) {
	t.Parallel()
	l := NewInMemory(time.Minute)
	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 1; i <= 3; i++ {
		d := l.Allow("agent-1", 3)
		if !d.Allowed || d.Count != i || d.Remaining != 3-i {
			t.Fatalf("call %d: %+v", i, d)
		}
	}
	d := l.Allow("agent-1", 3)
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("over-limit call: %+v", d)
	}

	// Other keys are unaffected.
	if d := l.Allow("agent-2", 3); !d.Allowed || d.Count != 1 {
		t.Fatalf("other key: %+v", d)
	}

	// The window resets.
	base = base.Add(2 * time.Minute)
	if d := l.Allow("agent-1", 3); !d.Allowed || d.Count != 1 {
		t.Fatalf("after reset: %+v", d)
	}
}

func TestRedisLimiterSharedWindow(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := NewRedis(client, time.Minute)
	b := NewRedis(client, time.Minute)

	if d := a.Allow("agent-1", 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("first: %+v", d)
	}
	// The second replica sees the first replica's count.
	if d := b.Allow("agent-1", 2); !d.Allowed || d.Count != 2 {
		t.Fatalf("second replica: %+v", d)
	}
	if d := a.Allow("agent-1", 2); d.Allowed {
		t.Fatalf("third call should be limited: %+v", d)
	}

	mr.FastForward(2 * time.Minute)
	if d := a.Allow("agent-1", 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("after window: %+v", d)
	}
}

func TestRedisLimiterFallsBack(t *testing.T) {
	t.Parallel()
	l := NewRedis(nil, time.Minute)
	if d := l.Allow("agent-1", 1); !d.Allowed {
		t.Fatalf("fallback first call: %+v", d)
	}
	if d := l.Allow("agent-1", 1); d.Allowed {
		t.Fatalf("fallback second call should be limited: %+v", d)
	}
}
