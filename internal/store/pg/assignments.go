package pg

import (
	"context"
	"database/sql"
	"errors"

	"squadgoo.org/internal/governance"
)

type assignmentStore struct{ db *sql.DB }

func (a assignmentStore) Get(ctx context.Context, itemID string) (governance.Assignment, error) {
	item, err := loadAssignment(ctx, a.db, itemID, false)
	if err != nil {
		return governance.Assignment{}, err
	}
	return item, nil
}

func (a assignmentStore) ListByOwner(ctx context.Context, staffID string) ([]governance.Assignment, error) {
	return a.list(ctx, `
		select item_id, item_type, owner_id, status, created_at, updated_at
		from assignments where owner_id=$1 order by updated_at desc
	`, staffID)
}

func (a assignmentStore) ListUnassigned(ctx context.Context, itemType string) ([]governance.Assignment, error) {
	if itemType != "" {
		return a.list(ctx, `
			select item_id, item_type, owner_id, status, created_at, updated_at
			from assignments where owner_id='' and item_type=$1 order by updated_at desc
		`, itemType)
	}
	return a.list(ctx, `
		select item_id, item_type, owner_id, status, created_at, updated_at
		from assignments where owner_id='' order by updated_at desc
	`)
}

func (a assignmentStore) list(ctx context.Context, query string, args ...any) ([]governance.Assignment, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var res []governance.Assignment
	for rows.Next() {
		var (
			item   governance.Assignment
			status string
		)
		if err := rows.Scan(&item.ItemID, &item.ItemType, &item.OwnerID, &status, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, storeErr(err)
		}
		item.Status = governance.AssignmentStatus(status)
		history, err := loadHistory(ctx, a.db, item.ItemID)
		if err != nil {
			return nil, err
		}
		item.History = history
		res = append(res, item)
	}
	return res, storeErr(rows.Err())
}

// Mutate locks the item row for the duration of the change. A missing
// item is created when itemType is non-empty, otherwise ErrNotFound.
func (a assignmentStore) Mutate(ctx context.Context, itemID, itemType string, apply func(*governance.Assignment) error, entry *governance.AuditEntry) (governance.Assignment, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return governance.Assignment{}, storeErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	item, err := loadAssignmentTx(ctx, tx, itemID, true)
	if errors.Is(err, governance.ErrNotFound) {
		if itemType == "" {
			return governance.Assignment{}, governance.ErrNotFound
		}
		// First assignment creates the record. on conflict covers the
		// race with a concurrent creator; the re-read locks whichever
		// row won.
		if _, err := tx.ExecContext(ctx, `
			insert into assignments(item_id, item_type, owner_id, status, created_at, updated_at)
			values ($1,$2,'',$3,$4,$4) on conflict (item_id) do nothing
		`, itemID, itemType, string(governance.AssignmentUnassigned), entry.Timestamp); err != nil {
			return governance.Assignment{}, storeErr(err)
		}
		item, err = loadAssignmentTx(ctx, tx, itemID, true)
		if err != nil {
			return governance.Assignment{}, err
		}
	} else if err != nil {
		return governance.Assignment{}, err
	}

	entry.Before = governance.OwnerSnapshot(item.OwnerID, item.Status)
	historyBefore := len(item.History)
	if err := apply(&item); err != nil {
		return governance.Assignment{}, err
	}
	item.UpdatedAt = entry.Timestamp
	entry.After = governance.OwnerSnapshot(item.OwnerID, item.Status)

	if _, err := tx.ExecContext(ctx, `
		update assignments set owner_id=$2, status=$3, updated_at=$4 where item_id=$1
	`, item.ItemID, item.OwnerID, string(item.Status), item.UpdatedAt); err != nil {
		return governance.Assignment{}, storeErr(err)
	}

	for _, te := range item.History[historyBefore:] {
		if _, err := tx.ExecContext(ctx, `
			insert into transfer_entries(id, item_id, from_staff, to_staff, reason, actor_id, ts)
			values ($1,$2,$3,$4,$5,$6,$7)
		`, te.ID, item.ItemID, te.From, te.To, te.Reason, te.ActorID, te.Timestamp); err != nil {
			return governance.Assignment{}, storeErr(err)
		}
	}

	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return governance.Assignment{}, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return governance.Assignment{}, storeErr(err)
	}
	return item, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadAssignment(ctx context.Context, q querier, itemID string, forUpdate bool) (governance.Assignment, error) {
	query := `select item_id, item_type, owner_id, status, created_at, updated_at from assignments where item_id=$1`
	if forUpdate {
		query += ` for update`
	}
	var (
		item   governance.Assignment
		status string
	)
	err := q.QueryRowContext(ctx, query, itemID).Scan(
		&item.ItemID, &item.ItemType, &item.OwnerID, &status, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return governance.Assignment{}, governance.ErrNotFound
	}
	if err != nil {
		return governance.Assignment{}, storeErr(err)
	}
	item.Status = governance.AssignmentStatus(status)
	history, err := loadHistory(ctx, q, itemID)
	if err != nil {
		return governance.Assignment{}, err
	}
	item.History = history
	return item, nil
}

func loadAssignmentTx(ctx context.Context, tx *sql.Tx, itemID string, forUpdate bool) (governance.Assignment, error) {
	return loadAssignment(ctx, tx, itemID, forUpdate)
}

func loadHistory(ctx context.Context, q querier, itemID string) ([]governance.TransferEntry, error) {
	rows, err := q.QueryContext(ctx, `
		select id, from_staff, to_staff, reason, actor_id, ts
		from transfer_entries where item_id=$1 order by id asc
	`, itemID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var res []governance.TransferEntry
	for rows.Next() {
		var te governance.TransferEntry
		if err := rows.Scan(&te.ID, &te.From, &te.To, &te.Reason, &te.ActorID, &te.Timestamp); err != nil {
			return nil, storeErr(err)
		}
		res = append(res, te)
	}
	return res, storeErr(rows.Err())
}
