package policydoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Vleonone/aeonsage-sub000/pkg/models"
)

// ErrNotPersisted is returned by a Persister when no document exists yet for
// a target. The store treats that as an empty document.
var ErrNotPersisted = errors.New("policy document not persisted")

// Persister stores one serialized document per target key. Save is the only
// operation on the decision path that touches storage, and the store bounds
// it with a timeout.
type Persister interface {
	Load(ctx context.Context, key string) (json.RawMessage, error)
	Save(ctx context.Context, key string, doc json.RawMessage) error
}

// View is a read-only snapshot of a target's committed document.
type View struct {
	Target  models.Target  `json:"target"`
	Doc     map[string]any `json:"doc"`
	Dirty   bool           `json:"dirty"`
	Version int64          `json:"version"`
}

type managed struct {
	mu        sync.Mutex
	committed map[string]any
	working   map[string]any
	dirty     bool
	version   int64
	loaded    bool
}

// Store owns the in-memory documents and their persistence. Mutations are
// serialized per target so unrelated targets never block each other.
type Store struct {
	mu          sync.Mutex
	docs        map[string]*managed
	persister   Persister
	saveTimeout time.Duration
}

type Option func(*Store)

// WithSaveTimeout bounds each persistence write.
func WithSaveTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.saveTimeout = d
		}
	}
}

func NewStore(p Persister, opts ...Option) *Store {
	s := &Store{
		docs:        map[string]*managed{},
		persister:   p,
		saveTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.persister == nil {
		s.persister = NewMemoryPersister()
	}
	return s
}

func (s *Store) target(ctx context.Context, target models.Target) (*managed, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	key := target.Key()
	s.mu.Lock()
	m, ok := s.docs[key]
	if !ok {
		m = &managed{}
		s.docs[key] = m
	}
	s.mu.Unlock()

	m.mu.Lock()
	if m.loaded {
		return m, nil
	}
	raw, err := s.persister.Load(ctx, key)
	if err != nil && !errors.Is(err, ErrNotPersisted) {
		m.mu.Unlock()
		return nil, fmt.Errorf("load policy document %s: %w", key, err)
	}
	tree := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &tree); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("decode policy document %s: %w", key, err)
		}
	}
	m.committed = tree
	m.working = deepCopy(tree).(map[string]any)
	m.loaded = true
	return m, nil
}

// GetDocument returns the committed view of a target's document.
func (s *Store) GetDocument(ctx context.Context, target models.Target) (View, error) {
	m, err := s.target(ctx, target)
	if err != nil {
		return View{}, err
	}
	defer m.mu.Unlock()
	return View{
		Target:  target,
		Doc:     deepCopy(m.committed).(map[string]any),
		Dirty:   m.dirty,
		Version: m.version,
	}, nil
}

// Patch sets value at path in the working copy and marks the document dirty.
// Nothing is persisted until Save.
func (s *Store) Patch(ctx context.Context, target models.Target, path []string, value any) error {
	if len(path) == 0 {
		return ErrBadPath
	}
	m, err := s.target(ctx, target)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	updated, err := setPath(m.working, path, normalizeValue(value))
	if err != nil {
		return err
	}
	m.working = updated.(map[string]any)
	m.dirty = true
	return nil
}

// RemovePath deletes the value at path in the working copy.
func (s *Store) RemovePath(ctx context.Context, target models.Target, path []string) error {
	if len(path) == 0 {
		return ErrBadPath
	}
	m, err := s.target(ctx, target)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	updated, err := removePath(m.working, path)
	if err != nil {
		return err
	}
	m.working = updated.(map[string]any)
	m.dirty = true
	return nil
}

// Save validates the working document as a whole and commits it. On
// validation failure the committed document and the persisted copy are left
// exactly as they were.
func (s *Store) Save(ctx context.Context, target models.Target) error {
	m, err := s.target(ctx, target)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	return s.saveLocked(ctx, target, m)
}

func (s *Store) saveLocked(ctx context.Context, target models.Target, m *managed) error {
	if err := s.commitLocked(ctx, target, m, deepCopy(m.working).(map[string]any)); err != nil {
		return err
	}
	m.dirty = false
	return nil
}

// commitLocked validates next, persists it and makes it the committed
// document. The working copy and the dirty flag are left alone, so callers
// that commit something other than the working copy never publish an
// operator's staged edits.
func (s *Store) commitLocked(ctx context.Context, target models.Target, m *managed, next map[string]any) error {
	if verr := Validate(next); verr != nil {
		return verr
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode policy document %s: %w", target.Key(), err)
	}
	saveCtx, cancel := context.WithTimeout(ctx, s.saveTimeout)
	defer cancel()
	if err := s.persister.Save(saveCtx, target.Key(), raw); err != nil {
		return fmt.Errorf("persist policy document %s: %w", target.Key(), err)
	}
	m.committed = next
	m.version++
	return nil
}

// normalizeValue reshapes arbitrary patch values through JSON so the tree
// only ever holds map[string]any, []any and scalars.
func normalizeValue(v any) any {
	switch v.(type) {
	case nil, bool, string, float64, map[string]any, []any:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// MemoryPersister keeps serialized documents in memory. Used in tests and as
// the fallback when no database is configured.
type MemoryPersister struct {
	mu   sync.Mutex
	docs map[string]json.RawMessage
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{docs: map[string]json.RawMessage{}}
}

func (p *MemoryPersister) Load(_ context.Context, key string) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, ok := p.docs[key]
	if !ok {
		return nil, ErrNotPersisted
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out, nil
}

func (p *MemoryPersister) Save(_ context.Context, key string, doc json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	stored := make(json.RawMessage, len(doc))
	copy(stored, doc)
	p.docs[key] = stored
	return nil
}
