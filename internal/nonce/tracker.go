// Package nonce tracks the next nonce of the signing wallet so that every
// retry of an action replaces, rather than duplicates, the previous attempt.
package nonce

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Fetcher returns the chain's pending nonce for an address.
type Fetcher func(ctx context.Context, addr common.Address) (uint64, error)

// Tracker is safe for concurrent use, although the bot only drives it from one goroutine.
type Tracker struct {
	mu       sync.Mutex
	next     map[common.Address]uint64
	reserved map[common.Address]map[uint64]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		next:     map[common.Address]uint64{},
		reserved: map[common.Address]map[uint64]struct{}{},
	}
}

// Acquire reserves the next nonce: the larger of the chain pending nonce and
// the locally tracked one.
func (t *Tracker) Acquire(ctx context.Context, addr common.Address, fetch Fetcher) (uint64, error) {
	chainNonce, err := fetch(ctx, addr)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := chainNonce
	if local, ok := t.next[addr]; ok && local > n {
		n = local
	}
	t.next[addr] = n + 1
	if t.reserved[addr] == nil {
		t.reserved[addr] = map[uint64]struct{}{}
	}
	t.reserved[addr][n] = struct{}{}
	return n, nil
}

// Commit records that a tx with nonce n was accepted by the node.
func (t *Tracker) Commit(addr common.Address, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.next[addr] < n+1 {
		t.next[addr] = n + 1
	}
	delete(t.reserved[addr], n)
}

// Release gives back a reserved nonce that was never broadcast.
func (t *Tracker) Release(addr common.Address, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.reserved[addr][n]; !ok {
		return
	}
	delete(t.reserved[addr], n)
	if t.next[addr] == n+1 {
		t.next[addr] = n
	}
}

// Reset forgets everything about addr; the next Acquire resyncs from chain.
func (t *Tracker) Reset(addr common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.next, addr)
	delete(t.reserved, addr)
}

// Reserved lists the nonces currently reserved for addr, ascending.
func (t *Tracker) Reserved(addr common.Address) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint64, 0, len(t.reserved[addr]))
	for n := range t.reserved[addr] {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
