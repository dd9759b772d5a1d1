package rolloverbot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrActionNotFound = fmt.Errorf("pending action not found")

// ActionStore persists submitted actions so that a restarted bot can find
// transactions it broadcast before it went down.
type ActionStore interface {
	// Save inserts or replaces an action. An action in a final status is never
	// downgraded to a non-final one.
	Save(ctx context.Context, action *PendingAction) error

	// Get returns ErrActionNotFound when the hash is unknown
	Get(ctx context.Context, hash common.Hash) (*PendingAction, error)

	// ListPending returns every action that is not in a final status, oldest first
	ListPending(ctx context.Context) ([]*PendingAction, error)

	// UpdateStatus sets the status (and receipt, if any) of an action
	UpdateStatus(ctx context.Context, hash common.Hash, status ActionStatus, receipt *types.Receipt) error

	// Delete removes an action
	Delete(ctx context.Context, hash common.Hash) error
}

// InMemoryActionStore is the ActionStore used when no Redis is configured.
type InMemoryActionStore struct {
	mu      sync.RWMutex
	actions map[common.Hash]*PendingAction
}

// NewInMemoryActionStore creates an empty store.
func NewInMemoryActionStore() *InMemoryActionStore {
	return &InMemoryActionStore{actions: map[common.Hash]*PendingAction{}}
}

// Save implements ActionStore.
func (s *InMemoryActionStore) Save(ctx context.Context, action *PendingAction) error {
	if action == nil {
		return fmt.Errorf("action cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.actions[action.Hash]; ok && existing.Status.IsFinal() && !action.Status.IsFinal() {
		return nil
	}
	cp := *action
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	s.actions[action.Hash] = &cp
	return nil
}

// Get implements ActionStore.
func (s *InMemoryActionStore) Get(ctx context.Context, hash common.Hash) (*PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[hash]
	if !ok {
		return nil, ErrActionNotFound
	}
	cp := *a
	return &cp, nil
}

// ListPending implements ActionStore.
func (s *InMemoryActionStore) ListPending(ctx context.Context) ([]*PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PendingAction
	for _, a := range s.actions {
		if a.Status.IsFinal() {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

// UpdateStatus implements ActionStore.
func (s *InMemoryActionStore) UpdateStatus(ctx context.Context, hash common.Hash, status ActionStatus, receipt *types.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[hash]
	if !ok {
		return ErrActionNotFound
	}
	a.Status = status
	if receipt != nil {
		a.Receipt = receipt
	}
	a.UpdatedAt = time.Now()
	return nil
}

// Delete implements ActionStore.
func (s *InMemoryActionStore) Delete(ctx context.Context, hash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actions, hash)
	return nil
}

var _ ActionStore = (*InMemoryActionStore)(nil)
