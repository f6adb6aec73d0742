package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrEventNotFound indicates an unknown sync event id.
	ErrEventNotFound = errors.New("inventory: sync event not found")
	// ErrEventNotDead is returned when requeueing an event that is not dead-lettered.
	ErrEventNotDead = errors.New("inventory: sync event is not dead-lettered")
)

// MemoryStore is an in-process ledger and outbox. Mutations on the same key
// are serialised by a per-key lock; records and events become visible together.
type MemoryStore struct {
	mu      sync.Mutex
	locks   map[Key]*keyLock
	records map[Key]Record
	events  []*SyncEvent
	seq     int64
}

// keyLock is dropped from the store once no caller holds or waits on it.
type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:   make(map[Key]*keyLock),
		records: make(map[Key]Record),
	}
}

// lockKey blocks until the caller owns key or ctx is done.
func (s *MemoryStore) lockKey(ctx context.Context, key Key) (func(), error) {
	s.mu.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &keyLock{ch: make(chan struct{}, 1)}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
		return func() {
			<-lock.ch
			s.unref(key, lock)
		}, nil
	case <-ctx.Done():
		s.unref(key, lock)
		return nil, ctx.Err()
	}
}

func (s *MemoryStore) unref(key Key, lock *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, key)
	}
}

// Get returns the record stored for key.
func (s *MemoryStore) Get(ctx context.Context, key Key) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return rec, nil
}

// Apply runs the mutation under the key lock and enqueues evt with it.
func (s *MemoryStore) Apply(ctx context.Context, key Key, m Mutation, evt *SyncEvent) (ApplyResult, error) {
	unlock, err := s.lockKey(ctx, key)
	if err != nil {
		return ApplyResult{}, err
	}
	defer unlock()

	s.mu.Lock()
	var current *Record
	if rec, ok := s.records[key]; ok {
		current = &rec
	}
	s.mu.Unlock()

	next, outcome, err := apply(current, key, m)
	if err != nil {
		return ApplyResult{}, err
	}
	if outcome == OutcomeReplayed {
		return ApplyResult{Record: next, Outcome: outcome}, nil
	}
	if err := ctx.Err(); err != nil {
		return ApplyResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = next
	if evt != nil {
		s.seq++
		stored := *evt
		stored.Seq = s.seq
		stored.Status = SyncPending
		if stored.NextAttemptAt.IsZero() {
			stored.NextAttemptAt = stored.OccurredAt
		}
		s.events = append(s.events, &stored)
	}
	return ApplyResult{Record: next, Outcome: outcome}, nil
}

// ClaimDue leases the oldest pending event of every key whose head is due.
func (s *MemoryStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]SyncEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	heads := make(map[Key]*SyncEvent)
	for _, evt := range s.events {
		if evt.Status != SyncPending {
			continue
		}
		if head, ok := heads[evt.Key()]; !ok || evt.Seq < head.Seq {
			heads[evt.Key()] = evt
		}
	}
	due := make([]*SyncEvent, 0, len(heads))
	for _, evt := range heads {
		if !evt.NextAttemptAt.After(now) {
			due = append(due, evt)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Seq < due[j].Seq })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	claimed := make([]SyncEvent, 0, len(due))
	for _, evt := range due {
		evt.Attempts++
		evt.NextAttemptAt = now.Add(lease)
		claimed = append(claimed, *evt)
	}
	return claimed, nil
}

func (s *MemoryStore) find(id string) (*SyncEvent, error) {
	for _, evt := range s.events {
		if evt.ID == id {
			return evt, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
}

// MarkDelivered records a successful delivery.
func (s *MemoryStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, err := s.find(id)
	if err != nil {
		return err
	}
	evt.Status = SyncDelivered
	evt.LastError = ""
	evt.DeliveredAt = &at
	return nil
}

// MarkRetry schedules another attempt.
func (s *MemoryStore) MarkRetry(ctx context.Context, id string, next time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, err := s.find(id)
	if err != nil {
		return err
	}
	evt.NextAttemptAt = next
	evt.LastError = lastErr
	return nil
}

// MarkDead moves the event to the dead-letter state.
func (s *MemoryStore) MarkDead(ctx context.Context, id string, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, err := s.find(id)
	if err != nil {
		return err
	}
	evt.Status = SyncDead
	evt.LastError = lastErr
	return nil
}

// ListByStatus returns events with the given status in insertion order.
func (s *MemoryStore) ListByStatus(ctx context.Context, status SyncStatus, limit int) ([]SyncEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []SyncEvent{}
	for _, evt := range s.events {
		if evt.Status != status {
			continue
		}
		out = append(out, *evt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Requeue puts a dead event back at the tail of its key's queue.
func (s *MemoryStore) Requeue(ctx context.Context, id string, now time.Time) (SyncEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, err := s.find(id)
	if err != nil {
		return SyncEvent{}, err
	}
	if evt.Status != SyncDead {
		return SyncEvent{}, fmt.Errorf("%w: %s is %s", ErrEventNotDead, id, evt.Status)
	}
	s.seq++
	evt.Seq = s.seq
	evt.Status = SyncPending
	evt.Attempts = 0
	evt.NextAttemptAt = now
	evt.LastError = ""
	return *evt, nil
}

// CountByStatus summarises the outbox.
func (s *MemoryStore) CountByStatus(ctx context.Context) (map[SyncStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[SyncStatus]int{SyncPending: 0, SyncDelivered: 0, SyncDead: 0}
	for _, evt := range s.events {
		counts[evt.Status]++
	}
	return counts, nil
}
