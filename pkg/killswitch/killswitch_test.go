package killswitch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Vleonone/aeonsage-sub000/pkg/store"
)

type failingCache struct{}

func (failingCache) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("cache down")
}
func (failingCache) Get(context.Context, string) (string, error) {
	return "", errors.New("cache down")
}
func (failingCache) Set(context.Context, string, string, time.Duration) error {
	return errors.New("cache down")
}
func (failingCache) Del(context.Context, string) error { return errors.New("cache down") }

func TestActivateAndResume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := New(ctx, store.NewMemoryCache())

	if c.Active() {
		t.Fatal("fresh controller should start inactive")
	}
	rec, err := c.Activate(ctx, "operator-1", "suspected runaway agent")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if rec.ActorID != "operator-1" || rec.ActivatedAt == 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !c.Active() {
		t.Fatal("controller should be active after Activate")
	}

	// Re-activation keeps the original record.
	again, err := c.Activate(ctx, "operator-2", "me too")
	if err != nil {
		t.Fatalf("second Activate: %v", err)
	}
	if again.ActorID != "operator-1" {
		t.Fatalf("second Activate record actor = %q; want operator-1", again.ActorID)
	}

	if err := c.Resume(ctx, "operator-1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if c.Active() {
		t.Fatal("controller should be inactive after Resume")
	}
	if err := c.Resume(ctx, "operator-1"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Resume when inactive err = %v; want ErrNotActive", err)
	}
}

func TestLatchSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := store.NewRedisCache(client)

	first := New(ctx, cache)
	if _, err := first.Activate(ctx, "operator-1", "drill"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// A new controller over the same cache models a process restart.
	second := New(ctx, cache)
	if !second.Active() {
		t.Fatal("restarted controller should load the latch")
	}
	st := second.CurrentStatus()
	if st.Record == nil || st.Record.ActorID != "operator-1" || st.Record.Reason != "drill" {
		t.Fatalf("restarted record = %+v", st.Record)
	}

	if err := second.Resume(ctx, "operator-1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	third := New(ctx, cache)
	if third.Active() {
		t.Fatal("controller after resume+restart should start inactive")
	}
}

func TestUnreadableLatchFailsClosed(t *testing.T) {
	t.Parallel()
	c := New(context.Background(), failingCache{})
	if !c.Active() {
		t.Fatal("controller with unreadable latch store must start active")
	}
	st := c.CurrentStatus()
	if st.Record == nil || st.Record.ActorID != "system" {
		t.Fatalf("fail-closed record = %+v", st.Record)
	}
}

func TestResumeKeepsLatchWhenDeleteFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := New(ctx, store.NewMemoryCache())
	if _, err := c.Activate(ctx, "operator-1", "drill"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	c.cache = failingCache{}
	if err := c.Resume(ctx, "operator-1"); err == nil {
		t.Fatal("Resume should fail when the persisted latch cannot be cleared")
	}
	if !c.Active() {
		t.Fatal("latch must stay set after a failed Resume")
	}
}

func TestActivateSetsLatchEvenIfPersistFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := New(ctx, store.NewMemoryCache())
	c.cache = failingCache{}
	if _, err := c.Activate(ctx, "operator-1", "drill"); err == nil {
		t.Fatal("Activate should surface the persistence failure")
	}
	if !c.Active() {
		t.Fatal("latch must flip on even when the cache write fails")
	}
}
