package governance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory implements Store in-process. Mutations against one record are
// serialized by a per-id mutex, mirroring the row locks the PostgreSQL
// store takes; the audit log has its own lock so appends from different
// records do not contend with each other.
// NOTE: durable deployments use internal/store/pg.
type Memory struct {
	mu       sync.Mutex
	requests map[string]*AccessRequest
	items    map[string]*Assignment
	locks    map[string]*sync.Mutex

	auditMu  sync.Mutex
	entries  []AuditEntry
	lastHash string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		requests: make(map[string]*AccessRequest),
		items:    make(map[string]*Assignment),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Memory) Grants() AccessGrantStore { return memoryGrants{m} }

func (m *Memory) Assignments() AssignmentStore { return memoryAssignments{m} }

func (m *Memory) Audit() AuditLog { return memoryAudit{m} }

func (m *Memory) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.locks[key]
	if !ok {
		lk = &sync.Mutex{}
		m.locks[key] = lk
	}
	return lk
}

func (m *Memory) appendAudit(entry *AuditEntry) {
	m.auditMu.Lock()
	defer m.auditMu.Unlock()
	entry.PrevHash = m.lastHash
	entry.Hash = ChainHash(entry.PrevHash, entry)
	m.entries = append(m.entries, *entry)
	m.lastHash = entry.Hash
}

// Access grants ------------------------------------------------------------

type memoryGrants struct{ m *Memory }

func (g memoryGrants) Create(ctx context.Context, req *AccessRequest, entry *AuditEntry) error {
	lk := g.m.lockFor("req:" + req.ID)
	lk.Lock()
	defer lk.Unlock()

	cp := *req
	entry.After = StatusSnapshot(cp.Status)

	g.m.mu.Lock()
	g.m.requests[cp.ID] = &cp
	g.m.mu.Unlock()

	g.m.appendAudit(entry)
	return nil
}

func (g memoryGrants) Get(ctx context.Context, id string) (AccessRequest, error) {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	req, ok := g.m.requests[id]
	if !ok {
		return AccessRequest{}, ErrNotFound
	}
	return cloneRequest(req), nil
}

func (g memoryGrants) List(ctx context.Context, filter AccessRequestFilter) ([]AccessRequest, error) {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	var res []AccessRequest
	for _, req := range g.m.requests {
		if filter.Matches(req) {
			res = append(res, cloneRequest(req))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (g memoryGrants) ListDue(ctx context.Context, now time.Time) ([]AccessRequest, error) {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	var res []AccessRequest
	for _, req := range g.m.requests {
		if req.Status == StatusApprovedLimited && req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
			res = append(res, cloneRequest(req))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (g memoryGrants) Transition(ctx context.Context, id string, from Status, apply func(*AccessRequest) error, entry *AuditEntry) (AccessRequest, error) {
	lk := g.m.lockFor("req:" + id)
	lk.Lock()
	defer lk.Unlock()

	g.m.mu.Lock()
	cur, ok := g.m.requests[id]
	g.m.mu.Unlock()
	if !ok {
		return AccessRequest{}, ErrNotFound
	}

	// Status is re-read under the record lock: the compare-and-swap that
	// keeps terminal transitions final.
	cp := cloneRequest(cur)
	if cp.Status != from {
		return AccessRequest{}, ErrInvalidState
	}

	entry.Before = StatusSnapshot(cp.Status)
	if err := apply(&cp); err != nil {
		return AccessRequest{}, err
	}
	cp.UpdatedAt = entry.Timestamp
	entry.After = StatusSnapshot(cp.Status)

	g.m.appendAudit(entry)

	g.m.mu.Lock()
	g.m.requests[id] = &cp
	g.m.mu.Unlock()
	return cloneRequest(&cp), nil
}

func cloneRequest(req *AccessRequest) AccessRequest {
	cp := *req
	if req.ExpiresAt != nil {
		t := *req.ExpiresAt
		cp.ExpiresAt = &t
	}
	return cp
}

// Assignments --------------------------------------------------------------

type memoryAssignments struct{ m *Memory }

func (a memoryAssignments) Get(ctx context.Context, itemID string) (Assignment, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	item, ok := a.m.items[itemID]
	if !ok {
		return Assignment{}, ErrNotFound
	}
	return cloneAssignment(item), nil
}

func (a memoryAssignments) ListByOwner(ctx context.Context, staffID string) ([]Assignment, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	var res []Assignment
	for _, item := range a.m.items {
		if item.OwnerID == staffID && staffID != "" {
			res = append(res, cloneAssignment(item))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UpdatedAt.After(res[j].UpdatedAt) })
	return res, nil
}

func (a memoryAssignments) ListUnassigned(ctx context.Context, itemType string) ([]Assignment, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	var res []Assignment
	for _, item := range a.m.items {
		if item.OwnerID != "" {
			continue
		}
		if itemType != "" && item.ItemType != itemType {
			continue
		}
		res = append(res, cloneAssignment(item))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UpdatedAt.After(res[j].UpdatedAt) })
	return res, nil
}

// Mutate serializes all ownership changes for one item. A missing item
// is created when itemType is non-empty, otherwise ErrNotFound.
func (a memoryAssignments) Mutate(ctx context.Context, itemID, itemType string, apply func(*Assignment) error, entry *AuditEntry) (Assignment, error) {
	lk := a.m.lockFor("item:" + itemID)
	lk.Lock()
	defer lk.Unlock()

	a.m.mu.Lock()
	cur, ok := a.m.items[itemID]
	a.m.mu.Unlock()

	var cp Assignment
	if ok {
		cp = cloneAssignment(cur)
	} else {
		if itemType == "" {
			return Assignment{}, ErrNotFound
		}
		cp = Assignment{
			ItemID:    itemID,
			ItemType:  itemType,
			Status:    AssignmentUnassigned,
			CreatedAt: entry.Timestamp,
		}
	}

	entry.Before = OwnerSnapshot(cp.OwnerID, cp.Status)
	if err := apply(&cp); err != nil {
		return Assignment{}, err
	}
	cp.UpdatedAt = entry.Timestamp
	entry.After = OwnerSnapshot(cp.OwnerID, cp.Status)

	a.m.appendAudit(entry)

	a.m.mu.Lock()
	a.m.items[itemID] = &cp
	a.m.mu.Unlock()
	return cloneAssignment(&cp), nil
}

func cloneAssignment(item *Assignment) Assignment {
	cp := *item
	cp.History = append([]TransferEntry(nil), item.History...)
	return cp
}

// Audit log ----------------------------------------------------------------

type memoryAudit struct{ m *Memory }

func (a memoryAudit) Append(ctx context.Context, entry *AuditEntry) error {
	a.m.appendAudit(entry)
	return nil
}

func (a memoryAudit) Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	} else if limit > 1000 {
		limit = 1000
	}
	a.m.auditMu.Lock()
	defer a.m.auditMu.Unlock()
	var res []AuditEntry
	for i := len(a.m.entries) - 1; i >= 0; i-- {
		e := a.m.entries[i]
		if !filter.Matches(&e) {
			continue
		}
		res = append(res, e)
		if len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (a memoryAudit) VerifyChain(ctx context.Context) error {
	a.m.auditMu.Lock()
	defer a.m.auditMu.Unlock()
	prev := ""
	for i := range a.m.entries {
		e := a.m.entries[i]
		if e.PrevHash != prev || ChainHash(prev, &e) != e.Hash {
			return ErrChainBroken
		}
		prev = e.Hash
	}
	return nil
}
