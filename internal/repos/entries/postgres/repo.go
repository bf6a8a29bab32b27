package entries

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fastprodman/ticketeconomy/internal/infra/pgutils"
	"github.com/fastprodman/ticketeconomy/internal/repos/entries"
)

var _ entries.Entries = (*entriesRepo)(nil)

type entriesRepo struct{ db *sql.DB }

func New(db *sql.DB) *entriesRepo {
	return &entriesRepo{db: db}
}

const entryColumns = `id, account_id, amount, counterpart_id, event_type,
	COALESCE(external_ref, ''), COALESCE(match_id, ''), reason,
	COALESCE(balance_after, 0), created_at`

func scanEntry(s interface{ Scan(...any) error }) (entries.Entry, error) {
	var e entries.Entry

	err := s.Scan(&e.ID, &e.AccountID, &e.Amount, &e.CounterpartID, &e.EventType,
		&e.ExternalRef, &e.MatchID, &e.Reason, &e.BalanceAfter, &e.CreatedAt)

	return e, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// InsertPair reserves both ids first so each row can reference the other.
// The unique violation on RefConstraint is returned wrapped, unchanged.
func (r *entriesRepo) InsertPair(ctx context.Context, tx *sql.Tx, p entries.Pair) (int64, int64, error) {
	var accountEntryID, systemEntryID int64

	err := tx.QueryRowContext(ctx, `
		SELECT nextval('ledger_entries_id_seq'), nextval('ledger_entries_id_seq')
	`).Scan(&accountEntryID, &systemEntryID)
	if err != nil {
		return 0, 0, fmt.Errorf("reserve entry ids: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(id, account_id, amount, counterpart_id, event_type, external_ref, match_id, reason, balance_after)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9),
			($4, $10, $11, $1, $5, NULL, $7, $8, NULL)
	`,
		accountEntryID, p.AccountID, p.Amount, systemEntryID, p.EventType,
		nullString(p.ExternalRef), nullString(p.MatchID), p.Reason, p.BalanceAfter,
		p.SystemAccountID, -p.Amount,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("insert entry pair: %w", err)
	}

	return accountEntryID, systemEntryID, nil
}

func (r *entriesRepo) Get(ctx context.Context, q pgutils.Querier, id int64) (entries.Entry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entries.Entry{}, entries.ErrEntryNotFound
		}

		return entries.Entry{}, fmt.Errorf("get entry: %w", err)
	}

	return e, nil
}

func (r *entriesRepo) FindByRef(ctx context.Context, q pgutils.Querier, ref string) (entries.Entry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE external_ref = $1`, ref))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entries.Entry{}, entries.ErrEntryNotFound
		}

		return entries.Entry{}, fmt.Errorf("find entry by ref: %w", err)
	}

	return e, nil
}

func (r *entriesRepo) ListByAccount(ctx context.Context, q pgutils.Querier, accountID int64, limit int) ([]entries.Entry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	return collect(rows)
}

func (r *entriesRepo) ListByMatch(ctx context.Context, q pgutils.Querier, matchID string) ([]entries.Entry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE match_id = $1
		  AND external_ref IS NOT NULL
		ORDER BY id
	`, matchID)
	if err != nil {
		return nil, fmt.Errorf("list match entries: %w", err)
	}

	return collect(rows)
}

func collect(rows *sql.Rows) ([]entries.Entry, error) {
	defer rows.Close()

	var out []entries.Entry

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}

		out = append(out, e)
	}

	err := rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	return out, nil
}

func (r *entriesRepo) SumByAccount(ctx context.Context, q pgutils.Querier, accountID int64) (int64, error) {
	var sum int64

	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1`, accountID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum entries: %w", err)
	}

	return sum, nil
}

func (r *entriesRepo) RecentAmounts(ctx context.Context, q pgutils.Querier, accountID int64, eventTypes []string, limit int) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT abs(amount)
		FROM ledger_entries
		WHERE account_id = $1
		  AND (COALESCE(cardinality($2::text[]), 0) = 0 OR event_type = ANY($2::text[]))
		ORDER BY id DESC
		LIMIT $3
	`, accountID, eventTypes, limit)
	if err != nil {
		return nil, fmt.Errorf("recent amounts: %w", err)
	}
	defer rows.Close()

	var out []int64

	for rows.Next() {
		var a int64

		err = rows.Scan(&a)
		if err != nil {
			return nil, fmt.Errorf("scan amount: %w", err)
		}

		out = append(out, a)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate amounts: %w", err)
	}

	return out, nil
}

// LastDepositAt returns the zero time when the account never received eventType.
func (r *entriesRepo) LastDepositAt(ctx context.Context, q pgutils.Querier, accountID int64, eventType string) (time.Time, error) {
	var at sql.NullTime

	err := q.QueryRowContext(ctx, `
		SELECT max(created_at)
		FROM ledger_entries
		WHERE account_id = $1
		  AND event_type = $2
		  AND amount > 0
	`, accountID, eventType).Scan(&at)
	if err != nil {
		return time.Time{}, fmt.Errorf("last deposit: %w", err)
	}

	return at.Time, nil
}
