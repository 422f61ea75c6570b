package governance

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"squadgoo.org/internal/identity"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	requester = identity.Identity{StaffID: "staff-17", Role: "support", Department: "payments"}
	approver  = identity.Identity{StaffID: "admin-3", Role: "access_admin", Department: "security"}
)

func newTestService(t *testing.T, opts ...Option) (*Service, *Memory, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	mem := NewMemory()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(mem, opts...), mem, clock
}

func TestSubmitCreatesPendingRequest(t *testing.T) {
	svc, mem, clock := newTestService(t)
	ctx := context.Background()

	req, err := svc.Submit(ctx, requester, "ledger-console", "quarter-end reconciliation")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if req.Status != StatusPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}
	if req.RequesterID != requester.StaffID || req.Department != requester.Department {
		t.Fatalf("requester fields not taken from actor: %+v", req)
	}
	if !req.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("created_at = %v, want %v", req.CreatedAt, clock.Now())
	}

	entries, err := mem.Audit().Query(ctx, AuditFilter{Modules: []string{ModuleAccess}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != ActionSubmitted {
		t.Fatalf("want one submitted audit entry, got %+v", entries)
	}
	if entries[0].SubjectID != req.ID {
		t.Fatalf("audit subject = %s, want %s", entries[0].SubjectID, req.ID)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, requester, "", "reason"); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty resource: got %v, want ErrValidation", err)
	}
	if _, err := svc.Submit(ctx, requester, "resource", "   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank reason: got %v, want ErrValidation", err)
	}
}

func TestDecideApproveFull(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	req, _ := svc.Submit(ctx, requester, "ledger-console", "reconciliation")
	decided, err := svc.Decide(ctx, approver, req.ID, StatusApprovedFull, "", 0)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decided.Status != StatusApprovedFull {
		t.Fatalf("status = %s, want approved_full", decided.Status)
	}
	if decided.DecidedBy != approver.StaffID {
		t.Fatalf("decided_by = %s, want %s", decided.DecidedBy, approver.StaffID)
	}
	if decided.ExpiresAt != nil {
		t.Fatalf("expires_at must stay nil for full approvals, got %v", decided.ExpiresAt)
	}
}

func TestDecideApproveLimitedSetsExpiry(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	req, _ := svc.Submit(ctx, requester, "ledger-console", "reconciliation")
	decided, err := svc.Decide(ctx, approver, req.ID, StatusApprovedLimited, "45 minutes only", 45)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decided.ExpiresAt == nil {
		t.Fatal("expires_at not set on limited approval")
	}
	want := clock.Now().Add(45 * time.Minute)
	if !decided.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", decided.ExpiresAt, want)
	}
}

func TestDecideValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	req, _ := svc.Submit(ctx, requester, "ledger-console", "reconciliation")

	cases := []struct {
		name     string
		decision Status
		note     string
		minutes  int
	}{
		{"deny without note", StatusDenied, "", 0},
		{"limited without minutes", StatusApprovedLimited, "note", 0},
		{"limited negative minutes", StatusApprovedLimited, "note", -5},
		{"pending is not a decision", StatusPending, "note", 0},
		{"expired is not a decision", StatusExpired, "note", 0},
		{"unknown status", Status("revoked"), "note", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Decide(ctx, approver, req.ID, tc.decision, tc.note, tc.minutes); !errors.Is(err, ErrValidation) {
				t.Fatalf("got %v, want ErrValidation", err)
			}
		})
	}

	if _, err := svc.Decide(ctx, approver, "missing-id", StatusApprovedFull, "", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: got %v, want ErrNotFound", err)
	}

	got, _ := svc.GetRequest(ctx, req.ID)
	if got.Status != StatusPending {
		t.Fatalf("rejected decisions must not change state, got %s", got.Status)
	}
}

func TestDecideIsOneShot(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	req, _ := svc.Submit(ctx, requester, "ledger-console", "reconciliation")
	if _, err := svc.Decide(ctx, approver, req.ID, StatusDenied, "not during close", 0); err != nil {
		t.Fatalf("first decide: %v", err)
	}
	if _, err := svc.Decide(ctx, approver, req.ID, StatusApprovedFull, "", 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second decide: got %v, want ErrInvalidState", err)
	}

	got, _ := svc.GetRequest(ctx, req.ID)
	if got.Status != StatusDenied {
		t.Fatalf("status after rejected re-decision = %s, want denied", got.Status)
	}
}

func TestDecideNotifiesRequester(t *testing.T) {
	var (
		mu       sync.Mutex
		notified []string
	)
	notifier := func(ctx context.Context, userID, message string) error {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, userID)
		return nil
	}
	svc, _, _ := newTestService(t, WithNotifier(notifier))
	ctx := context.Background()

	req, _ := svc.Submit(ctx, requester, "ledger-console", "reconciliation")
	if _, err := svc.Decide(ctx, approver, req.ID, StatusApprovedFull, "", 0); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 1 || notified[0] != requester.StaffID {
		t.Fatalf("notified = %v, want [%s]", notified, requester.StaffID)
	}
}

func TestNotifierFailureDoesNotFailDecision(t *testing.T) {
	notifier := func(ctx context.Context, userID, message string) error {
		return errors.New("smtp down")
	}
	svc, _, _ := newTestService(t, WithNotifier(notifier))
	ctx := context.Background()

	req, _ := svc.Submit(ctx, requester, "ledger-console", "reconciliation")
	decided, err := svc.Decide(ctx, approver, req.ID, StatusApprovedFull, "", 0)
	if err != nil {
		t.Fatalf("Decide must not propagate notifier errors: %v", err)
	}
	if decided.Status != StatusApprovedFull {
		t.Fatalf("status = %s, want approved_full", decided.Status)
	}
}

func TestExpireOverdue(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	req, _ := svc.Submit(ctx, requester, "ledger-console", "reconciliation")
	if _, err := svc.Decide(ctx, approver, req.ID, StatusApprovedLimited, "", 30); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	clock.Advance(29 * time.Minute)
	n, err := svc.ExpireOverdue(ctx)
	if err != nil || n != 0 {
		t.Fatalf("before deadline: expired %d, err %v", n, err)
	}

	// The deadline itself counts as overdue.
	clock.Advance(time.Minute)
	n, err = svc.ExpireOverdue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("at deadline: expired %d, err %v", n, err)
	}

	got, _ := svc.GetRequest(ctx, req.ID)
	if got.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if got.ExpiresAt != nil {
		t.Fatalf("expires_at must be cleared on expiry, got %v", got.ExpiresAt)
	}
}

func TestExpireRecordsSystemActor(t *testing.T) {
	svc, mem, clock := newTestService(t)
	ctx := context.Background()

	req, _ := svc.Submit(ctx, requester, "ledger-console", "reconciliation")
	if _, err := svc.Decide(ctx, approver, req.ID, StatusApprovedLimited, "", 10); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	clock.Advance(11 * time.Minute)
	if _, err := svc.ExpireOverdue(ctx); err != nil {
		t.Fatalf("ExpireOverdue: %v", err)
	}

	entries, _ := mem.Audit().Query(ctx, AuditFilter{Actions: []string{ActionExpired}})
	if len(entries) != 1 {
		t.Fatalf("want one expired entry, got %d", len(entries))
	}
	if entries[0].ActorID != SystemActor {
		t.Fatalf("actor = %s, want %s", entries[0].ActorID, SystemActor)
	}
}

func TestListRequestsFilters(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	other := identity.Identity{StaffID: "staff-44", Role: "support", Department: "kyc"}
	r1, _ := svc.Submit(ctx, requester, "ledger-console", "reconciliation")
	r2, _ := svc.Submit(ctx, other, "export-tool", "monthly export")
	if _, err := svc.Decide(ctx, approver, r2.ID, StatusApprovedFull, "", 0); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	pending, err := svc.ListRequests(ctx, AccessRequestFilter{Status: StatusPending})
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != r1.ID {
		t.Fatalf("pending = %+v, want only %s", pending, r1.ID)
	}

	byDept, _ := svc.ListRequests(ctx, AccessRequestFilter{Department: "kyc"})
	if len(byDept) != 1 || byDept[0].ID != r2.ID {
		t.Fatalf("kyc = %+v, want only %s", byDept, r2.ID)
	}

	if _, err := svc.ListRequests(ctx, AccessRequestFilter{Status: Status("bogus")}); !errors.Is(err, ErrValidation) {
		t.Fatalf("bogus status: got %v, want ErrValidation", err)
	}
}

func TestAssignClaimAndTransferFlow(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first := identity.Identity{StaffID: "staff-1", Role: "support"}
	second := identity.Identity{StaffID: "staff-2", Role: "support"}

	item, err := svc.AssignToSelf(ctx, first, "ticket-901", "support_ticket", "picking up")
	if err != nil {
		t.Fatalf("AssignToSelf: %v", err)
	}
	if item.OwnerID != first.StaffID || item.Status != AssignmentAssigned {
		t.Fatalf("after claim: %+v", item)
	}

	// Owned items cannot be claimed, not even by the current owner.
	if _, err := svc.AssignToSelf(ctx, second, "ticket-901", "support_ticket", "me too"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("claim of owned item: got %v, want ErrInvalidState", err)
	}
	if _, err := svc.AssignToSelf(ctx, first, "ticket-901", "support_ticket", "again"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("re-claim by owner: got %v, want ErrInvalidState", err)
	}

	item, err = svc.Transfer(ctx, first, "ticket-901", "support_ticket", second.StaffID, "going on leave")
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if item.OwnerID != second.StaffID {
		t.Fatalf("owner after transfer = %s, want %s", item.OwnerID, second.StaffID)
	}
	if len(item.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(item.History))
	}
	last := item.History[1]
	if last.From != first.StaffID || last.To != second.StaffID || last.Reason != "going on leave" {
		t.Fatalf("history entry = %+v", last)
	}

	item, err = svc.Unassign(ctx, second, "ticket-901", "resolved")
	if err != nil {
		t.Fatalf("Unassign: %v", err)
	}
	if item.OwnerID != "" || item.Status != AssignmentUnassigned {
		t.Fatalf("after unassign: %+v", item)
	}
	if len(item.History) != 3 {
		t.Fatalf("history must survive unassignment, length = %d", len(item.History))
	}

	// Released items can be claimed again.
	if _, err := svc.AssignToSelf(ctx, first, "ticket-901", "support_ticket", "round two"); err != nil {
		t.Fatalf("claim after unassign: %v", err)
	}
}

func TestTransferAuditCarriesOwnerSnapshots(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	first := identity.Identity{StaffID: "staff-1", Role: "support"}
	if _, err := svc.AssignToSelf(ctx, first, "case-3", "dispute", "triage"); err != nil {
		t.Fatalf("AssignToSelf: %v", err)
	}
	if _, err := svc.Transfer(ctx, first, "case-3", "dispute", "staff-2", "handover"); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	entries, err := mem.Audit().Query(ctx, AuditFilter{Actions: []string{ActionTransferred}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("want one transferred entry, got %d", len(entries))
	}
	var before, after struct {
		Owner string `json:"owner"`
	}
	if err := json.Unmarshal(entries[0].Before, &before); err != nil {
		t.Fatalf("unmarshal before: %v", err)
	}
	if err := json.Unmarshal(entries[0].After, &after); err != nil {
		t.Fatalf("unmarshal after: %v", err)
	}
	if before.Owner != "staff-1" || after.Owner != "staff-2" {
		t.Fatalf("snapshots = %s -> %s, want staff-1 -> staff-2", before.Owner, after.Owner)
	}
}

func TestTransferValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	actor := identity.Identity{StaffID: "staff-1", Role: "support"}

	if _, err := svc.Transfer(ctx, actor, "ticket-1", "support_ticket", "", "reason"); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty target: got %v, want ErrValidation", err)
	}
	if _, err := svc.Transfer(ctx, actor, "ticket-1", "support_ticket", "staff-2", " "); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank reason: got %v, want ErrValidation", err)
	}
}

func TestTransferChecksStaffDirectory(t *testing.T) {
	resolver := func(ctx context.Context, staffID string) (bool, error) {
		return staffID == "staff-known", nil
	}
	svc, _, _ := newTestService(t, WithStaffResolver(resolver))
	ctx := context.Background()
	actor := identity.Identity{StaffID: "staff-1", Role: "support"}

	if _, err := svc.Transfer(ctx, actor, "ticket-1", "support_ticket", "staff-ghost", "handover"); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown staff: got %v, want ErrValidation", err)
	}
	if _, err := svc.Transfer(ctx, actor, "ticket-1", "support_ticket", "staff-known", "handover"); err != nil {
		t.Fatalf("known staff: %v", err)
	}
}

func TestUnassignUnknownItem(t *testing.T) {
	svc, _, _ := newTestService(t)
	actor := identity.Identity{StaffID: "staff-1", Role: "support"}
	if _, err := svc.Unassign(context.Background(), actor, "ghost-item", "cleanup"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestRoleAuthorizerGatesOperations(t *testing.T) {
	authz := identity.NewRoleAuthorizer(identity.DefaultRoleGrants())
	svc, _, _ := newTestService(t, WithAuthorizer(authz))
	ctx := context.Background()

	auditor := identity.Identity{StaffID: "aud-1", Role: "auditor"}
	if _, err := svc.Submit(ctx, auditor, "ledger-console", "snooping"); !errors.Is(err, identity.ErrForbidden) {
		t.Fatalf("auditor submit: got %v, want ErrForbidden", err)
	}
	if _, err := svc.QueryAudit(ctx, auditor, AuditFilter{}); err != nil {
		t.Fatalf("auditor read: %v", err)
	}

	nobody := identity.Identity{}
	if _, err := svc.Submit(ctx, nobody, "ledger-console", "reason"); !errors.Is(err, identity.ErrUnauthenticated) {
		t.Fatalf("anonymous submit: got %v, want ErrUnauthenticated", err)
	}
}

func TestRecordActionAndQuery(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	actor := identity.Identity{StaffID: "admin-3", Role: "super_admin"}

	entry, err := svc.RecordAction(ctx, actor, "badge", "revoked", "badge-55", "card reported lost",
		[]byte(`{"active":true}`), []byte(`{"active":false}`))
	if err != nil {
		t.Fatalf("RecordAction: %v", err)
	}
	if entry.Hash == "" {
		t.Fatal("entry hash not set")
	}

	entries, err := svc.QueryAudit(ctx, actor, AuditFilter{Modules: []string{"badge"}})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "revoked" {
		t.Fatalf("entries = %+v", entries)
	}

	if _, err := svc.RecordAction(ctx, actor, "", "revoked", "badge-55", "", nil, nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty module: got %v, want ErrValidation", err)
	}
}

func TestVerifyAuditChainDetectsTampering(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	req, _ := svc.Submit(ctx, requester, "ledger-console", "reconciliation")
	if _, err := svc.Decide(ctx, approver, req.ID, StatusApprovedFull, "", 0); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if err := svc.VerifyAuditChain(ctx, approver); err != nil {
		t.Fatalf("intact chain: %v", err)
	}

	mem.auditMu.Lock()
	mem.entries[0].Reason = "rewritten after the fact"
	mem.auditMu.Unlock()

	if err := svc.VerifyAuditChain(ctx, approver); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("tampered chain: got %v, want ErrChainBroken", err)
	}
}
