package audit

import (
	"context"
	"sync"
)

// MemoryRepository keeps the chain in process. Used when KurrentDB is not configured.
type MemoryRepository struct {
	mu       sync.RWMutex
	entries  []*Entry
	lastHash string
	sequence int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Initialize(ctx context.Context) error {
	return nil
}

func (r *MemoryRepository) Append(ctx context.Context, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sequence++
	entry.Sequence = r.sequence
	entry.PrevHash = r.lastHash
	entry.Hash = entry.ComputeHash()

	stored := *entry
	r.entries = append(r.entries, &stored)
	r.lastHash = entry.Hash
	return nil
}

func (r *MemoryRepository) List(ctx context.Context, filter Filter) ([]*Entry, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*Entry{}
	total := 0
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if !filter.matches(e) {
			continue
		}
		total++
		if total <= filter.Offset {
			continue
		}
		if filter.Limit > 0 && len(out) >= filter.Limit {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, total, nil
}

func (r *MemoryRepository) VerifyChain(ctx context.Context, limit int) (*VerifyResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.entries) {
		limit = len(r.entries)
	}
	newest := make([]*Entry, 0, limit)
	for i := len(r.entries) - 1; i >= len(r.entries)-limit; i-- {
		newest = append(newest, r.entries[i])
	}
	return verifyEntries(newest), nil
}

func (r *MemoryRepository) LastHash() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastHash
}
