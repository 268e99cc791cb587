// Package approvals holds operations waiting on a human decision. Every
// pending request carries a deadline, and a request that reaches its
// deadline without a decision expires — expiry is treated exactly like a
// deny by every caller.
package approvals

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Vleonone/aeonsage-sub000/pkg/models"
	"github.com/Vleonone/aeonsage-sub000/pkg/policydoc"
	"github.com/Vleonone/aeonsage-sub000/pkg/threat"
)

var (
	ErrNotFound       = errors.New("approval request not found")
	ErrAlreadyDecided = errors.New("approval request already decided")
	ErrExpired        = errors.New("approval request expired")
	ErrDuplicate      = errors.New("duplicate pending approval request")
	ErrBadDecision    = errors.New("invalid decision")
)

// TTL bounds. The TTL is operator configuration, never caller input, and is
// clamped so a misconfigured deployment cannot hold requests open for days.
const (
	MinTTL     = 10 * time.Second
	MaxTTL     = time.Hour
	DefaultTTL = 5 * time.Minute
)

// DefaultRetention is how long a terminal request keeps answering lookups
// and retried decisions before it is pruned. Without pruning a long-lived
// process grows without bound.
const DefaultRetention = time.Hour

// Request is one operation awaiting a decision. Immutable except for its
// terminal transition.
type Request struct {
	ID           string        `json:"id"`
	AgentID      string        `json:"agent_id"`
	SessionKey   string        `json:"session_key,omitempty"`
	Host         string        `json:"host"`
	Command      string        `json:"command"`
	Cwd          string        `json:"cwd,omitempty"`
	ResolvedPath string        `json:"resolved_path,omitempty"`
	GateID       string        `json:"gate_id"`
	Report       threat.Report `json:"threat_report"`
	CreatedAtMs  int64         `json:"created_at_ms"`
	ExpiresAtMs  int64         `json:"expires_at_ms"`
	Status       Status        `json:"status"`
	Decision     *Decision     `json:"decision,omitempty"`

	// deadline keeps the monotonic reading of the creation clock so wall
	// clock adjustments cannot stretch or shrink a request's lifetime.
	deadline time.Time
	// terminalAt is set on the terminal transition and drives retention
	// pruning.
	terminalAt time.Time
	seq        uint64
}

// Queue is the in-process authority for pending approvals. State does not
// survive a restart; the engine fails closed, so losing pending requests
// only ever converts them into denials.
type Queue struct {
	mu        sync.Mutex
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
	newID     func() string
	seq       uint64

	byID    map[string]*Request
	pending map[string]string // dedupe key -> request id
	order   []string          // FIFO of pending ids
}

type Option func(*Queue)

// WithClock substitutes the queue's clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithIDGenerator substitutes request id generation, for tests.
func WithIDGenerator(gen func() string) Option {
	return func(q *Queue) {
		if gen != nil {
			q.newID = gen
		}
	}
}

// WithRetention bounds how long terminal requests stay queryable.
func WithRetention(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.retention = d
		}
	}
}

func NewQueue(ttl time.Duration, opts ...Option) *Queue {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl < MinTTL {
		ttl = MinTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	q := &Queue{
		ttl:       ttl,
		retention: DefaultRetention,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		byID:      map[string]*Request{},
		pending:   map[string]string{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// TTL reports the effective (clamped) request lifetime.
func (q *Queue) TTL() time.Duration { return q.ttl }

func dedupeKey(op models.Operation) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s", op.AgentID, op.Host, policydoc.CommandSignature(op.Command), op.Cwd)
}

// Enqueue inserts a pending request for op. If an identical request (same
// agent, host, command and cwd) is already pending, the existing request is
// returned together with ErrDuplicate and nothing new is created.
func (q *Queue) Enqueue(op models.Operation, gateID string, report threat.Report) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sweepLocked(q.now())

	key := dedupeKey(op)
	if id, ok := q.pending[key]; ok {
		return *q.byID[id], ErrDuplicate
	}

	now := q.now()
	q.seq++
	req := &Request{
		ID:           q.newID(),
		AgentID:      op.AgentID,
		SessionKey:   op.SessionKey,
		Host:         op.Host,
		Command:      op.Command,
		Cwd:          op.Cwd,
		ResolvedPath: op.ResolvedPath,
		GateID:       gateID,
		Report:       report,
		CreatedAtMs:  now.UnixMilli(),
		ExpiresAtMs:  now.Add(q.ttl).UnixMilli(),
		Status:       StatusPending,
		deadline:     now.Add(q.ttl),
		seq:          q.seq,
	}
	q.byID[req.ID] = req
	q.pending[key] = req.ID
	q.order = append(q.order, req.ID)
	return *req, nil
}

// Decide resolves a pending request exactly once. Terminal requests report
// ErrExpired or ErrAlreadyDecided and are left untouched, so retried
// decision calls are safe to ignore.
func (q *Queue) Decide(requestID string, decision Decision) (Request, error) {
	if !decision.Kind.Valid() {
		return Request{}, fmt.Errorf("%w: %q", ErrBadDecision, decision.Kind)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sweepLocked(q.now())

	req, ok := q.byID[requestID]
	if !ok {
		return Request{}, ErrNotFound
	}
	if req.Status == StatusExpired {
		return *req, ErrExpired
	}
	if IsTerminal(req.Status) {
		return *req, ErrAlreadyDecided
	}
	target := decision.Kind.status()
	if !CanTransition(req.Status, target) {
		return *req, ErrAlreadyDecided
	}
	if decision.DecidedAt == 0 {
		decision.DecidedAt = q.now().UnixMilli()
	}
	req.Status = target
	req.Decision = &decision
	req.terminalAt = q.now()
	q.dropPendingLocked(req)
	return *req, nil
}

// Get returns a snapshot of a request, sweeping first so callers observe
// expiry promptly.
func (q *Queue) Get(requestID string) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sweepLocked(q.now())
	req, ok := q.byID[requestID]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// Pending lists pending requests in FIFO order by creation.
func (q *Queue) Pending() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sweepLocked(q.now())
	out := make([]Request, 0, len(q.order))
	for _, id := range q.order {
		if req, ok := q.byID[id]; ok && req.Status == StatusPending {
			out = append(out, *req)
		}
	}
	return out
}

// SweepExpired forces an expiry pass and returns the requests that newly
// expired, so callers can audit and publish them.
func (q *Queue) SweepExpired() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sweepLocked(q.now())
}

func (q *Queue) sweepLocked(now time.Time) []Request {
	var expired []Request
	for _, id := range q.order {
		req, ok := q.byID[id]
		if !ok || req.Status != StatusPending {
			continue
		}
		if now.Before(req.deadline) {
			continue
		}
		req.Status = StatusExpired
		req.terminalAt = now
		expired = append(expired, *req)
	}
	for _, req := range expired {
		q.dropPendingLocked(q.byID[req.ID])
	}

	// Terminal requests stay queryable for the retention window and are
	// then forgotten; a late retry reports ErrNotFound instead of
	// ErrAlreadyDecided, which callers treat the same way.
	for id, req := range q.byID {
		if !IsTerminal(req.Status) || req.terminalAt.IsZero() {
			continue
		}
		if now.Sub(req.terminalAt) >= q.retention {
			delete(q.byID, id)
		}
	}
	return expired
}

func (q *Queue) dropPendingLocked(req *Request) {
	key := dedupeKey(models.Operation{AgentID: req.AgentID, Host: req.Host, Command: req.Command, Cwd: req.Cwd})
	if q.pending[key] == req.ID {
		delete(q.pending, key)
	}
	for i, id := range q.order {
		if id == req.ID {
			q.order = append(q.order[:i:i], q.order[i+1:]...)
			break
		}
	}
}
