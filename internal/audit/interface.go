package audit

import "context"

// Repository is an append-only, hash-chained audit store.
type Repository interface {
	// Initialize loads the chain head (last hash, sequence)
	Initialize(ctx context.Context) error

	// Append assigns sequence and prev_hash, computes the hash and stores the entry
	Append(ctx context.Context, entry *Entry) error

	// List returns matching entries newest first and the total match count
	List(ctx context.Context, filter Filter) ([]*Entry, int, error)

	// VerifyChain checks content hashes and linkage of the newest limit entries
	VerifyChain(ctx context.Context, limit int) (*VerifyResult, error)

	LastHash() string
}

// Ensure implementations satisfy the interface
var (
	_ Repository = (*KurrentDBRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
)
