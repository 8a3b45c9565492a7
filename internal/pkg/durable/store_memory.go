package durable

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory Store. Everything it returns is a
// copy, so callers may mutate results freely.
type MemoryStore struct {
	mu sync.RWMutex

	invocations map[string]*Invocation
	idempotency map[string]string
	journals    map[string][]Entry
	state       map[string][]byte
	promises    map[string]*Promise
	timers      map[string]Timer

	invocationSeq uint64
	completionSeq uint64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invocations: make(map[string]*Invocation),
		idempotency: make(map[string]string),
		journals:    make(map[string][]Entry),
		state:       make(map[string][]byte),
		promises:    make(map[string]*Promise),
		timers:      make(map[string]Timer),
	}
}

func (s *MemoryStore) CreateInvocation(_ context.Context, inv *Invocation) (*Invocation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.invocations[inv.ID]; ok {
		return existing.clone(), false, nil
	}
	if inv.IdempotencyKey != "" {
		if id, ok := s.idempotency[inv.IdempotencyKey]; ok {
			return s.invocations[id].clone(), false, nil
		}
	}

	s.invocationSeq++
	stored := inv.clone()
	stored.Seq = s.invocationSeq
	s.invocations[stored.ID] = stored
	if stored.IdempotencyKey != "" {
		s.idempotency[stored.IdempotencyKey] = stored.ID
	}
	rid := resultID(stored.ID)
	if _, ok := s.promises[rid]; !ok {
		s.promises[rid] = &Promise{ID: rid, CreatedAt: stored.CreatedAt}
	}
	return stored.clone(), true, nil
}

func (s *MemoryStore) GetInvocation(_ context.Context, id string) (*Invocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invocations[id]
	if !ok {
		return nil, fmt.Errorf("invocation %s: %w", id, ErrNotFound)
	}
	return inv.clone(), nil
}

func (s *MemoryStore) UpdateInvocation(_ context.Context, inv *Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.invocations[inv.ID]
	if !ok {
		return fmt.Errorf("invocation %s: %w", inv.ID, ErrNotFound)
	}
	updated := inv.clone()
	updated.Seq = existing.Seq
	s.invocations[inv.ID] = updated
	return nil
}

func (s *MemoryStore) ListInvocations(_ context.Context, opts ListOptions) ([]*Invocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Invocation, 0)
	for _, inv := range s.invocations {
		if opts.match(inv) {
			out = append(out, inv.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteInvocation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invocations[id]
	if !ok {
		return fmt.Errorf("invocation %s: %w", id, ErrNotFound)
	}
	if inv.IdempotencyKey != "" {
		delete(s.idempotency, inv.IdempotencyKey)
	}
	delete(s.invocations, id)
	delete(s.journals, id)
	delete(s.promises, resultID(id))
	return nil
}

func (s *MemoryStore) Journal(_ context.Context, invocationID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	journal := s.journals[invocationID]
	out := make([]Entry, len(journal))
	for i, e := range journal {
		e.Value = cloneBytes(e.Value)
		out[i] = e
	}
	return out, nil
}

func (s *MemoryStore) AppendEntry(_ context.Context, invocationID string, e Entry, m *Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	journal := s.journals[invocationID]
	if e.Index != len(journal) {
		return fmt.Errorf("append entry %d to journal of %s with %d entries", e.Index, invocationID, len(journal))
	}
	e.Value = cloneBytes(e.Value)
	s.journals[invocationID] = append(journal, e)

	if m != nil {
		k := stateKey(m.Service, m.Key, m.Name)
		if m.Delete {
			delete(s.state, k)
		} else {
			s.state[k] = cloneBytes(m.Value)
		}
	}
	return nil
}

func (s *MemoryStore) GetState(_ context.Context, service, key, name string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.state[stateKey(service, key, name)]
	return cloneBytes(v), ok, nil
}

func (s *MemoryStore) CreatePromise(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.promises[id]; !ok {
		s.promises[id] = &Promise{ID: id, CreatedAt: time.Now()}
	}
	return nil
}

func (s *MemoryStore) CompletePromise(_ context.Context, id string, value []byte, failure string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.promises[id]
	if !ok {
		return false, fmt.Errorf("promise %s: %w", id, ErrNotFound)
	}
	if p.Completed {
		return false, nil
	}
	s.completionSeq++
	p.Completed = true
	p.Value = cloneBytes(value)
	p.Failure = failure
	p.Seq = s.completionSeq
	p.CompletedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) GetPromise(_ context.Context, id string) (*Promise, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.promises[id]
	if !ok {
		return nil, fmt.Errorf("promise %s: %w", id, ErrNotFound)
	}
	out := *p
	out.Value = cloneBytes(p.Value)
	return &out, nil
}

func (s *MemoryStore) PutTimer(_ context.Context, t Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timers[t.PromiseID] = t
	return nil
}

func (s *MemoryStore) DeleteTimer(_ context.Context, promiseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.timers, promiseID)
	return nil
}

func (s *MemoryStore) ListTimers(_ context.Context) ([]Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Timer, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WakeAt.Before(out[j].WakeAt) })
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func stateKey(service, key, name string) string {
	return service + "\x00" + key + "\x00" + name
}
