package governance

import (
	"context"
	"time"
)

// Store groups the persistence surfaces of the engine. Both the
// in-memory store and the PostgreSQL store implement it.
type Store interface {
	Grants() AccessGrantStore
	Assignments() AssignmentStore
	Audit() AuditLog
}

// AccessGrantStore holds access requests. Transition is the single
// primitive for every post-creation state change: it re-reads the
// current status under the record lock, refuses to proceed unless it
// still equals from, applies the mutation and appends the audit entry
// atomically with the state write. Manual decisions and sweeper expiry
// both go through it, so a concurrent decide and expiry on the same
// request can never both apply.
type AccessGrantStore interface {
	Create(ctx context.Context, req *AccessRequest, entry *AuditEntry) error
	Get(ctx context.Context, id string) (AccessRequest, error)
	List(ctx context.Context, filter AccessRequestFilter) ([]AccessRequest, error)
	// ListDue returns requests with status approved_limited and
	// expires_at <= now. Already-expired requests are filtered by the
	// query itself, which keeps the sweeper idempotent.
	ListDue(ctx context.Context, now time.Time) ([]AccessRequest, error)
	Transition(ctx context.Context, id string, from Status, apply func(*AccessRequest) error, entry *AuditEntry) (AccessRequest, error)
}

// AssignmentStore holds ownership records. Mutate serializes all
// changes to one item: it loads (or creates) the record under the item
// lock, applies the mutation, snapshots owner state before and after
// onto the audit entry and appends it atomically with the write.
type AssignmentStore interface {
	Get(ctx context.Context, itemID string) (Assignment, error)
	ListByOwner(ctx context.Context, staffID string) ([]Assignment, error)
	ListUnassigned(ctx context.Context, itemType string) ([]Assignment, error)
	Mutate(ctx context.Context, itemID, itemType string, apply func(*Assignment) error, entry *AuditEntry) (Assignment, error)
}

// AuditLog is the append-only action history. No update or delete
// exists. Query returns entries newest first.
type AuditLog interface {
	Append(ctx context.Context, entry *AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
	// VerifyChain walks the log oldest to newest recomputing hashes and
	// returns ErrChainBroken at the first mismatch.
	VerifyChain(ctx context.Context) error
}
