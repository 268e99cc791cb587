// Package killswitch holds the global emergency stop latch. Activation is a
// one-way hardware-style latch: any caller can flip it on, only the guarded
// control path can clear it, and an unreadable latch store counts as active.
package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Vleonone/aeonsage-sub000/pkg/store"
)

const latchKey = "aeonsage:killswitch:latch"

// ErrNotActive is returned by Resume when the switch is already off.
var ErrNotActive = errors.New("kill switch not active")

// Record captures who pulled the switch and why. The first activation wins;
// later activations while active do not overwrite the forensic record.
type Record struct {
	ActorID     string `json:"actor_id"`
	Reason      string `json:"reason"`
	ActivatedAt int64  `json:"activated_at_ms"`
}

// Status is the externally visible latch state.
type Status struct {
	Active bool    `json:"active"`
	Record *Record `json:"record,omitempty"`
}

// Controller serializes latch transitions and mirrors the latch into the
// cache with no TTL so that a restart comes back killed, not running.
type Controller struct {
	mu     sync.RWMutex
	active bool
	record *Record

	cache store.Cache
	now   func() time.Time
}

// New loads the persisted latch. A cache miss means the switch is off; any
// other read failure latches the controller active, since an unknown latch
// state must not let operations through.
func New(ctx context.Context, cache store.Cache) *Controller {
	c := &Controller{cache: cache, now: time.Now}
	raw, err := cache.Get(ctx, latchKey)
	switch {
	case err == nil:
		c.active = true
		var rec Record
		if jsonErr := json.Unmarshal([]byte(raw), &rec); jsonErr == nil {
			c.record = &rec
		}
		log.Printf("killswitch: persisted latch found, starting killed")
	case errors.Is(err, store.ErrCacheMiss):
		// clean start
	default:
		c.active = true
		c.record = &Record{
			ActorID:     "system",
			Reason:      "latch store unreadable at startup",
			ActivatedAt: c.now().UnixMilli(),
		}
		log.Printf("killswitch: latch read failed (%v), failing closed", err)
	}
	return c
}

// Active reports the latch without touching the cache.
func (c *Controller) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// CurrentStatus returns the latch state and a copy of the forensic record.
func (c *Controller) CurrentStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{Active: c.active}
	if c.record != nil {
		rec := *c.record
		st.Record = &rec
	}
	return st
}

// Activate flips the latch on. Re-activating while active is a no-op that
// returns the original record. The in-memory latch flips before the cache
// write, so the switch takes effect even if persistence fails.
func (c *Controller) Activate(ctx context.Context, actorID, reason string) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		if c.record != nil {
			return *c.record, nil
		}
		return Record{}, nil
	}
	rec := Record{
		ActorID:     actorID,
		Reason:      reason,
		ActivatedAt: c.now().UnixMilli(),
	}
	c.active = true
	c.record = &rec

	payload, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("encode latch record: %w", err)
	}
	if err := c.cache.Set(ctx, latchKey, string(payload), 0); err != nil {
		log.Printf("killswitch: latch persist failed: %v", err)
		return rec, fmt.Errorf("persist latch: %w", err)
	}
	return rec, nil
}

// Resume clears the latch. It refuses to clear an inactive switch and keeps
// the latch set if the persisted copy cannot be deleted, so a restart cannot
// silently resurrect an approval the operator thought they had given.
func (c *Controller) Resume(ctx context.Context, actorID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return ErrNotActive
	}
	if err := c.cache.Del(ctx, latchKey); err != nil {
		return fmt.Errorf("clear persisted latch: %w", err)
	}
	log.Printf("killswitch: resumed by %s", actorID)
	c.active = false
	c.record = nil
	return nil
}

// Guard is the evaluator-facing view of the controller.
type Guard interface {
	Active() bool
}

var _ Guard = (*Controller)(nil)
