package entries

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fastprodman/ticketeconomy/internal/infra/pgutils"
)

// RefConstraint is the partial unique index enforcing one outcome per external_ref.
const RefConstraint = "ledger_entries_external_ref_key"

var ErrEntryNotFound = errors.New("ledger entry not found")

type Entry struct {
	ID            int64
	AccountID     int64
	Amount        int64
	CounterpartID int64
	EventType     string
	ExternalRef   string
	MatchID       string
	Reason        string
	// BalanceAfter is unset on system-side entries.
	BalanceAfter int64
	CreatedAt    time.Time
}

// Pair describes one balanced movement between an account and the system account.
type Pair struct {
	AccountID       int64
	SystemAccountID int64
	Amount          int64
	EventType       string
	ExternalRef     string
	MatchID         string
	Reason          string
	BalanceAfter    int64
}

type Entries interface {
	// InsertPair writes the account entry and its system counterpart in one
	// statement and returns both ids.
	InsertPair(ctx context.Context, tx *sql.Tx, p Pair) (accountEntryID, systemEntryID int64, err error)
	Get(ctx context.Context, q pgutils.Querier, id int64) (Entry, error)
	FindByRef(ctx context.Context, q pgutils.Querier, ref string) (Entry, error)
	ListByAccount(ctx context.Context, q pgutils.Querier, accountID int64, limit int) ([]Entry, error)
	// ListByMatch returns the non-system entries tagged with matchID.
	ListByMatch(ctx context.Context, q pgutils.Querier, matchID string) ([]Entry, error)
	SumByAccount(ctx context.Context, q pgutils.Querier, accountID int64) (int64, error)
	// RecentAmounts returns absolute amounts, newest first. A non-empty
	// eventTypes keeps only entries of those types.
	RecentAmounts(ctx context.Context, q pgutils.Querier, accountID int64, eventTypes []string, limit int) ([]int64, error)
	LastDepositAt(ctx context.Context, q pgutils.Querier, accountID int64, eventType string) (time.Time, error)
}
