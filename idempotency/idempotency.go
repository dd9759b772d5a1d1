// Package idempotency records which one-shot on-chain actions were already
// attempted, so that an action keyed by (position, round) is never sent twice.
package idempotency

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrKeyNotFound  = fmt.Errorf("idempotency key not found")
	ErrDuplicateKey = fmt.Errorf("idempotency key already exists")
)

// Status is the state of an idempotent action.
type Status int

const (
	// StatusPending means the action was started and may have a tx in flight
	StatusPending Status = iota
	// StatusConfirmed means the action's tx was mined successfully
	StatusConfirmed
	// StatusFailed means the action reverted or timed out
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Record tracks one idempotent action.
type Record struct {
	Key         string
	Status      Status
	TxHash      common.Hash
	Transaction *types.Transaction
	Receipt     *types.Receipt
	Error       error
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store persists idempotency records.
type Store interface {
	// Get returns ErrKeyNotFound when the key is unknown
	Get(key string) (*Record, error)
	// Create returns the existing record together with ErrDuplicateKey when the key exists
	Create(key string) (*Record, error)
	Update(record *Record) error
	Delete(key string) error
}

// InMemoryStore is a Store kept in process memory. Records expire after ttl
// when ttl is positive.
type InMemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]*Record
}

// NewInMemoryStore creates an in-memory store.
func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	return &InMemoryStore{
		ttl:     ttl,
		now:     time.Now,
		records: map[string]*Record{},
	}
}

func (s *InMemoryStore) expired(r *Record) bool {
	return s.ttl > 0 && s.now().Sub(r.UpdatedAt) > s.ttl
}

func (s *InMemoryStore) lookup(key string) (*Record, bool) {
	r, ok := s.records[key]
	if !ok {
		return nil, false
	}
	if s.expired(r) {
		delete(s.records, key)
		return nil, false
	}
	return r, true
}

// Get implements Store.
func (s *InMemoryStore) Get(key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lookup(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *r
	return &cp, nil
}

// Create implements Store.
func (s *InMemoryStore) Create(key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.lookup(key); ok {
		cp := *r
		return &cp, ErrDuplicateKey
	}
	now := s.now()
	r := &Record{
		Key:       key,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[key] = r
	cp := *r
	return &cp, nil
}

// Update implements Store.
func (s *InMemoryStore) Update(record *Record) error {
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(record.Key); !ok {
		return ErrKeyNotFound
	}
	record.UpdatedAt = s.now()
	cp := *record
	s.records[record.Key] = &cp
	return nil
}

// Delete implements Store.
func (s *InMemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

var _ Store = (*InMemoryStore)(nil)
