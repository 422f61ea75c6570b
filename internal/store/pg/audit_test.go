package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"squadgoo.org/internal/governance"
)

var auditRows = []string{
	"id", "ts", "actor_id", "actor_role", "module", "action", "subject_id",
	"reason", "before", "after", "prev_hash", "hash",
}

func chainedEntries(now time.Time) []governance.AuditEntry {
	entries := []governance.AuditEntry{
		{ID: "a-1", Timestamp: now, ActorID: "staff-1", Module: "access", Action: "submitted", SubjectID: "req-1"},
		{ID: "a-2", Timestamp: now.Add(time.Minute), ActorID: "admin-3", Module: "access", Action: "approved_full", SubjectID: "req-1"},
	}
	prev := ""
	for i := range entries {
		entries[i].PrevHash = prev
		entries[i].Hash = governance.ChainHash(prev, &entries[i])
		prev = entries[i].Hash
	}
	return entries
}

func auditRowSet(entries []governance.AuditEntry) *sqlmock.Rows {
	rows := sqlmock.NewRows(auditRows)
	for _, e := range entries {
		rows.AddRow(e.ID, e.Timestamp, e.ActorID, e.ActorRole, e.Module, e.Action,
			e.SubjectID, e.Reason, []byte(e.Before), []byte(e.After), e.PrevHash, e.Hash)
	}
	return rows
}

func TestVerifyChainAcceptsIntactLog(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`select (.+) from audit_entries order by seq asc`).
		WillReturnRows(auditRowSet(chainedEntries(now)))

	if err := store.Audit().VerifyChain(context.Background()); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
}

func TestVerifyChainDetectsRewrittenEntry(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	entries := chainedEntries(now)
	entries[0].Reason = "edited later"

	mock.ExpectQuery(`select (.+) from audit_entries order by seq asc`).
		WillReturnRows(auditRowSet(entries))

	if err := store.Audit().VerifyChain(context.Background()); !errors.Is(err, governance.ErrChainBroken) {
		t.Fatalf("got %v, want ErrChainBroken", err)
	}
}

func TestQueryClampsOversizedLimit(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(`select (.+) from audit_entries order by seq desc limit \$1`).
		WithArgs(1000).
		WillReturnRows(sqlmock.NewRows(auditRows))

	if _, err := store.Audit().Query(context.Background(), governance.AuditFilter{Limit: 2000}); err != nil {
		t.Fatalf("Query: %v", err)
	}
}

func TestAppendLinksToPreviousHash(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`select pg_advisory_xact_lock`).
		WithArgs(int64(auditChainLock)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select hash from audit_entries order by seq desc limit 1`).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}).AddRow("prev-hash"))
	mock.ExpectExec(`insert into audit_entries`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	entry := &governance.AuditEntry{
		ID: "a-3", Timestamp: now, ActorID: "admin-3",
		Module: "badge", Action: "revoked", SubjectID: "badge-55",
	}
	if err := store.Audit().Append(context.Background(), entry); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if entry.PrevHash != "prev-hash" {
		t.Fatalf("prev_hash = %q, want prev-hash", entry.PrevHash)
	}
	if entry.Hash != governance.ChainHash("prev-hash", entry) {
		t.Fatal("hash does not cover previous hash")
	}
}
