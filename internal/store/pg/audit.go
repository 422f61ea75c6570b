package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"squadgoo.org/internal/governance"
)

type auditStore struct{ db *sql.DB }

// auditChainLock serializes chain-tail reads across transactions so two
// concurrent appends cannot both link to the same predecessor.
const auditChainLock = 815042

const auditColumns = `id, ts, actor_id, actor_role, module, action, subject_id, reason, before, after, prev_hash, hash`

func appendAuditTx(ctx context.Context, tx *sql.Tx, entry *governance.AuditEntry) error {
	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, auditChainLock); err != nil {
		return err
	}

	var prev sql.NullString
	err := tx.QueryRowContext(ctx, `select hash from audit_entries order by seq desc limit 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	entry.PrevHash = prev.String
	entry.Hash = governance.ChainHash(entry.PrevHash, entry)

	_, err = tx.ExecContext(ctx, `
		insert into audit_entries(`+auditColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, entry.ID, entry.Timestamp, entry.ActorID, entry.ActorRole,
		entry.Module, entry.Action, entry.SubjectID, entry.Reason,
		nullJSON(entry.Before), nullJSON(entry.After), entry.PrevHash, entry.Hash)
	return err
}

func (a auditStore) Append(ctx context.Context, entry *governance.AuditEntry) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return storeErr(err)
	}
	return storeErr(tx.Commit())
}

func (a auditStore) Query(ctx context.Context, filter governance.AuditFilter) ([]governance.AuditEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	} else if limit > 1000 {
		limit = 1000
	}

	query := `select ` + auditColumns + ` from audit_entries`
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if len(filter.Modules) > 0 {
		add("module = any($%d)", filter.Modules)
	}
	if len(filter.Actions) > 0 {
		add("action = any($%d)", filter.Actions)
	}
	if filter.ActorID != "" {
		add("actor_id=$%d", filter.ActorID)
	}
	if filter.SubjectID != "" {
		add("subject_id=$%d", filter.SubjectID)
	}
	if !filter.From.IsZero() {
		add("ts >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("ts <= $%d", filter.To)
	}
	args = append(args, limit)
	query += whereClause(conds) + fmt.Sprintf(` order by seq desc limit $%d`, len(args))

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var res []governance.AuditEntry
	for rows.Next() {
		entry, err := scanAudit(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		res = append(res, entry)
	}
	return res, storeErr(rows.Err())
}

func (a auditStore) VerifyChain(ctx context.Context) error {
	rows, err := a.db.QueryContext(ctx, `select `+auditColumns+` from audit_entries order by seq asc`)
	if err != nil {
		return storeErr(err)
	}
	defer rows.Close()

	prev := ""
	for rows.Next() {
		entry, err := scanAudit(rows)
		if err != nil {
			return storeErr(err)
		}
		if entry.PrevHash != prev || governance.ChainHash(prev, &entry) != entry.Hash {
			return governance.ErrChainBroken
		}
		prev = entry.Hash
	}
	return storeErr(rows.Err())
}

func scanAudit(rows *sql.Rows) (governance.AuditEntry, error) {
	var (
		entry         governance.AuditEntry
		before, after []byte
	)
	if err := rows.Scan(
		&entry.ID, &entry.Timestamp, &entry.ActorID, &entry.ActorRole,
		&entry.Module, &entry.Action, &entry.SubjectID, &entry.Reason,
		&before, &after, &entry.PrevHash, &entry.Hash,
	); err != nil {
		return governance.AuditEntry{}, err
	}
	entry.Before = before
	entry.After = after
	return entry, nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
