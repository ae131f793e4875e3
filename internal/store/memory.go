// Package store provides Signaling Store adapters: an in-process store for
// tests and loopback calls, Redis and MongoDB backends, a WebSocket
// change-feed gateway client, and a retrying decorator for transient
// failures.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"coachhome/callkit/internal/domain"
)

// Memory is an in-process SignalStore. Two coordinators sharing the same
// Memory instance can establish a call without any network, which is how the
// coordinator tests and the loopback demo run.
//
// Change callbacks are invoked synchronously with the store lock held so
// that per-partition delivery order matches append order exactly; callbacks
// must not call back into the store.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	nextSub int
}

type memEntry struct {
	rec      domain.CallRecord
	cands    map[domain.Partition][]domain.ICECandidate
	recSubs  map[int]func(domain.CallRecord)
	candSubs map[domain.Partition]map[int]func(domain.ICECandidate)
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memEntry)}
}

func newMemEntry(rec domain.CallRecord) *memEntry {
	return &memEntry{
		rec:   rec,
		cands: make(map[domain.Partition][]domain.ICECandidate),
		candSubs: map[domain.Partition]map[int]func(domain.ICECandidate){
			domain.PartitionOfferer:  {},
			domain.PartitionAnswerer: {},
		},
		recSubs: make(map[int]func(domain.CallRecord)),
	}
}

func (m *Memory) Create(_ context.Context, rec domain.CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[rec.ID]; ok {
		return fmt.Errorf("call %q already exists", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.UpdatedAt = rec.CreatedAt
	m.entries[rec.ID] = newMemEntry(rec)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (domain.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return domain.CallRecord{}, domain.ErrRecordNotFound
	}
	return e.rec, nil
}

func (m *Memory) Update(_ context.Context, id string, patch domain.RecordPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return domain.ErrRecordNotFound
	}
	updated, err := domain.ApplyPatch(e.rec, patch, time.Now())
	if err != nil {
		return err
	}
	e.rec = updated
	for _, fn := range e.recSubs {
		fn(updated)
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, id string, onChange func(domain.CallRecord)) (domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	key := m.nextSub
	m.nextSub++
	e.recSubs[key] = onChange

	// Deliver the value already seen; consumers are idempotent.
	onChange(e.rec)

	return &memSubscription{cancel: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if e, ok := m.entries[id]; ok {
			delete(e.recSubs, key)
		}
	}}, nil
}

func (m *Memory) AppendCandidate(_ context.Context, id string, part domain.Partition, cand domain.ICECandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return domain.ErrRecordNotFound
	}
	e.cands[part] = append(e.cands[part], cand)
	for _, fn := range e.candSubs[part] {
		fn(cand)
	}
	return nil
}

func (m *Memory) SubscribeCandidates(_ context.Context, id string, part domain.Partition, onAppend func(domain.ICECandidate)) (domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	key := m.nextSub
	m.nextSub++
	e.candSubs[part][key] = onAppend

	// Items appended before the subscription are delivered first, in order.
	for _, cand := range e.cands[part] {
		onAppend(cand)
	}

	return &memSubscription{cancel: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if e, ok := m.entries[id]; ok {
			delete(e.candSubs[part], key)
		}
	}}, nil
}

func (m *Memory) PurgeCandidates(_ context.Context, id string, part domain.Partition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return domain.ErrRecordNotFound
	}
	e.cands[part] = nil
	return nil
}

type memSubscription struct {
	once   sync.Once
	cancel func()
}

func (s *memSubscription) Cancel() {
	s.once.Do(s.cancel)
}

var _ domain.SignalStore = (*Memory)(nil)
