// Package pg implements the governance stores on PostgreSQL. Every
// mutating call runs in one transaction: the record row is locked with
// select ... for update, the status compare happens on the locked row,
// and the audit entry is inserted before commit, so state change and
// audit write land together or not at all.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"squadgoo.org/internal/governance"
)

// Store holds the shared connection pool.
type Store struct {
	db *sql.DB
}

var _ governance.Store = (*Store)(nil)

// Open connects to PostgreSQL with tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing pool (used by tests with sqlmock).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the pool for readiness probes.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Grants() governance.AccessGrantStore { return grantStore{db: s.db} }

func (s *Store) Assignments() governance.AssignmentStore { return assignmentStore{db: s.db} }

func (s *Store) Audit() governance.AuditLog { return auditStore{db: s.db} }

// storeErr maps driver failures to the retryable sentinel. Domain
// sentinels pass through untouched.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, governance.ErrNotFound) ||
		errors.Is(err, governance.ErrInvalidState) ||
		errors.Is(err, governance.ErrValidation) ||
		errors.Is(err, governance.ErrChainBroken) {
		return err
	}
	return fmt.Errorf("%w: %v", governance.ErrStoreUnavailable, err)
}

// Access grants ------------------------------------------------------------

type grantStore struct{ db *sql.DB }

const requestColumns = `id, requester_id, requester_role, department, resource, reason,
	status, decided_by, decision_note, expires_at, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (governance.AccessRequest, error) {
	var (
		req     governance.AccessRequest
		status  string
		expires sql.NullTime
	)
	err := row.Scan(
		&req.ID, &req.RequesterID, &req.RequesterRole, &req.Department,
		&req.Resource, &req.Reason, &status, &req.DecidedBy,
		&req.DecisionNote, &expires, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return governance.AccessRequest{}, err
	}
	req.Status = governance.Status(status)
	if expires.Valid {
		t := expires.Time
		req.ExpiresAt = &t
	}
	return req, nil
}

func (g grantStore) Create(ctx context.Context, req *governance.AccessRequest, entry *governance.AuditEntry) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into access_requests(`+requestColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, req.ID, req.RequesterID, req.RequesterRole, req.Department,
		req.Resource, req.Reason, string(req.Status), req.DecidedBy,
		req.DecisionNote, nullTime(req.ExpiresAt), req.CreatedAt, req.UpdatedAt,
	); err != nil {
		return storeErr(err)
	}

	entry.After = governance.StatusSnapshot(req.Status)
	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return storeErr(err)
	}
	return storeErr(tx.Commit())
}

func (g grantStore) Get(ctx context.Context, id string) (governance.AccessRequest, error) {
	req, err := scanRequest(g.db.QueryRowContext(ctx,
		`select `+requestColumns+` from access_requests where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return governance.AccessRequest{}, governance.ErrNotFound
	}
	if err != nil {
		return governance.AccessRequest{}, storeErr(err)
	}
	return req, nil
}

func (g grantStore) List(ctx context.Context, filter governance.AccessRequestFilter) ([]governance.AccessRequest, error) {
	query := `select ` + requestColumns + ` from access_requests`
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status=$%d", string(filter.Status))
	}
	if filter.Department != "" {
		add("department=$%d", filter.Department)
	}
	if filter.RequesterID != "" {
		add("requester_id=$%d", filter.RequesterID)
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <= $%d", filter.To)
	}
	query += whereClause(conds) + ` order by created_at desc`

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var res []governance.AccessRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		res = append(res, req)
	}
	return res, storeErr(rows.Err())
}

func (g grantStore) ListDue(ctx context.Context, now time.Time) ([]governance.AccessRequest, error) {
	rows, err := g.db.QueryContext(ctx, `
		select `+requestColumns+` from access_requests
		where status=$1 and expires_at is not null and expires_at <= $2
		order by created_at asc
	`, string(governance.StatusApprovedLimited), now)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var res []governance.AccessRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		res = append(res, req)
	}
	return res, storeErr(rows.Err())
}

func (g grantStore) Transition(ctx context.Context, id string, from governance.Status, apply func(*governance.AccessRequest) error, entry *governance.AuditEntry) (governance.AccessRequest, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return governance.AccessRequest{}, storeErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	req, err := scanRequest(tx.QueryRowContext(ctx,
		`select `+requestColumns+` from access_requests where id=$1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return governance.AccessRequest{}, governance.ErrNotFound
	}
	if err != nil {
		return governance.AccessRequest{}, storeErr(err)
	}

	// Compare-and-swap on the locked row: terminal transitions stay final.
	if req.Status != from {
		return governance.AccessRequest{}, governance.ErrInvalidState
	}

	entry.Before = governance.StatusSnapshot(req.Status)
	if err := apply(&req); err != nil {
		return governance.AccessRequest{}, err
	}
	req.UpdatedAt = entry.Timestamp
	entry.After = governance.StatusSnapshot(req.Status)

	if _, err := tx.ExecContext(ctx, `
		update access_requests
		set status=$2, decided_by=$3, decision_note=$4, expires_at=$5, updated_at=$6
		where id=$1
	`, req.ID, string(req.Status), req.DecidedBy, req.DecisionNote,
		nullTime(req.ExpiresAt), req.UpdatedAt,
	); err != nil {
		return governance.AccessRequest{}, storeErr(err)
	}

	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return governance.AccessRequest{}, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return governance.AccessRequest{}, storeErr(err)
	}
	return req, nil
}

// helpers ------------------------------------------------------------------

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	out := " where " + conds[0]
	for _, c := range conds[1:] {
		out += " and " + c
	}
	return out
}
