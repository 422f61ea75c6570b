package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"squadgoo.org/internal/governance"
)

var requestRows = []string{
	"id", "requester_id", "requester_role", "department", "resource", "reason",
	"status", "decided_by", "decision_note", "expires_at", "created_at", "updated_at",
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return NewStore(db), mock
}

func pendingRow(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(requestRows).AddRow(
		"req-1", "staff-17", "support", "payments", "ledger-console", "reconciliation",
		"pending", "", "", nil, now, now,
	)
}

func expectAuditAppend(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`select pg_advisory_xact_lock`).
		WithArgs(int64(auditChainLock)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select hash from audit_entries order by seq desc limit 1`).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}))
	mock.ExpectExec(`insert into audit_entries`).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestTransitionAppliesDecisionAndAuditInOneTx(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`select (.+) from access_requests where id=\$1 for update`).
		WithArgs("req-1").
		WillReturnRows(pendingRow(now))
	mock.ExpectExec(`update access_requests`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAuditAppend(mock)
	mock.ExpectCommit()

	entry := &governance.AuditEntry{
		ID: "audit-1", Timestamp: now, ActorID: "admin-3",
		Module: "access", Action: "approved_full", SubjectID: "req-1",
	}
	req, err := store.Grants().Transition(context.Background(), "req-1", governance.StatusPending,
		func(r *governance.AccessRequest) error {
			r.Status = governance.StatusApprovedFull
			r.DecidedBy = "admin-3"
			return nil
		}, entry)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if req.Status != governance.StatusApprovedFull {
		t.Fatalf("status = %s, want approved_full", req.Status)
	}
	if entry.Hash == "" || entry.PrevHash != "" {
		t.Fatalf("chain fields not set: %+v", entry)
	}
}

func TestTransitionRejectsWrongStatus(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	decided := sqlmock.NewRows(requestRows).AddRow(
		"req-1", "staff-17", "support", "payments", "ledger-console", "reconciliation",
		"denied", "admin-3", "no", nil, now, now,
	)
	mock.ExpectBegin()
	mock.ExpectQuery(`select (.+) from access_requests where id=\$1 for update`).
		WithArgs("req-1").
		WillReturnRows(decided)
	mock.ExpectRollback()

	entry := &governance.AuditEntry{ID: "audit-2", Timestamp: now, ActorID: "admin-3", Module: "access", Action: "approved_full", SubjectID: "req-1"}
	_, err := store.Grants().Transition(context.Background(), "req-1", governance.StatusPending,
		func(r *governance.AccessRequest) error { return nil }, entry)
	if !errors.Is(err, governance.ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestTransitionUnknownRequest(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select (.+) from access_requests where id=\$1 for update`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(requestRows))
	mock.ExpectRollback()

	entry := &governance.AuditEntry{ID: "audit-3"}
	_, err := store.Grants().Transition(context.Background(), "ghost", governance.StatusPending,
		func(r *governance.AccessRequest) error { return nil }, entry)
	if !errors.Is(err, governance.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestCreateInsertsRequestAndAudit(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`insert into access_requests`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectAuditAppend(mock)
	mock.ExpectCommit()

	req := &governance.AccessRequest{
		ID: "req-1", RequesterID: "staff-17", RequesterRole: "support",
		Department: "payments", Resource: "ledger-console", Reason: "reconciliation",
		Status: governance.StatusPending, CreatedAt: now, UpdatedAt: now,
	}
	entry := &governance.AuditEntry{ID: "audit-1", Timestamp: now, ActorID: "staff-17", Module: "access", Action: "submitted", SubjectID: "req-1"}
	if err := store.Grants().Create(context.Background(), req, entry); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestGetMapsNoRowsToNotFound(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(`select (.+) from access_requests where id=\$1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(requestRows))

	_, err := store.Grants().Get(context.Background(), "ghost")
	if !errors.Is(err, governance.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestConnectionFailureIsRetryable(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(`select (.+) from access_requests where id=\$1`).
		WithArgs("req-1").
		WillReturnError(errors.New("connection refused"))

	_, err := store.Grants().Get(context.Background(), "req-1")
	if !errors.Is(err, governance.ErrStoreUnavailable) {
		t.Fatalf("got %v, want ErrStoreUnavailable", err)
	}
}

func TestListDueFiltersLimitedGrants(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	expires := now.Add(-time.Minute)

	rows := sqlmock.NewRows(requestRows).AddRow(
		"req-1", "staff-17", "support", "payments", "ledger-console", "reconciliation",
		"approved_limited", "admin-3", "", expires, now.Add(-time.Hour), now.Add(-time.Hour),
	)
	mock.ExpectQuery(`select (.+) from access_requests\s+where status=\$1 and expires_at is not null and expires_at <= \$2`).
		WithArgs("approved_limited", now).
		WillReturnRows(rows)

	due, err := store.Grants().ListDue(context.Background(), now)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 1 || due[0].ID != "req-1" {
		t.Fatalf("due = %+v", due)
	}
	if due[0].ExpiresAt == nil || !due[0].ExpiresAt.Equal(expires) {
		t.Fatalf("expires_at = %v, want %v", due[0].ExpiresAt, expires)
	}
}
