package fraud

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fastprodman/ticketeconomy/internal/repos/accounts"
	"github.com/fastprodman/ticketeconomy/internal/repos/entries"
)

// Profile is the account state the behavior check looks at.
type Profile struct {
	Exists        bool
	CreatedAt     time.Time
	Balance       int64
	LastDepositAt time.Time
}

type History interface {
	// RecentAmounts returns up to limit absolute amounts, newest first.
	RecentAmounts(ctx context.Context, accountID int64, limit int) ([]int64, error)
	Profile(ctx context.Context, accountID int64) (Profile, error)
}

type ledgerHistory struct {
	db         *sql.DB
	accounts   accounts.Accounts
	entries    entries.Entries
	eventTypes []string
}

// NewLedgerHistory reads history outside any wallet transaction. Amount
// history is limited to eventTypes, so platform payouts such as match rewards
// do not define what a normal user request looks like.
func NewLedgerHistory(db *sql.DB, a accounts.Accounts, e entries.Entries, eventTypes []string) History {
	return &ledgerHistory{db: db, accounts: a, entries: e, eventTypes: eventTypes}
}

func (h *ledgerHistory) RecentAmounts(ctx context.Context, accountID int64, limit int) ([]int64, error) {
	amounts, err := h.entries.RecentAmounts(ctx, h.db, accountID, h.eventTypes, limit)
	if err != nil {
		return nil, fmt.Errorf("recent amounts: %w", err)
	}

	return amounts, nil
}

func (h *ledgerHistory) Profile(ctx context.Context, accountID int64) (Profile, error) {
	acc, err := h.accounts.Get(ctx, h.db, accountID)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return Profile{}, nil
		}

		return Profile{}, fmt.Errorf("get account: %w", err)
	}

	last, err := h.entries.LastDepositAt(ctx, h.db, accountID, "deposit")
	if err != nil {
		return Profile{}, fmt.Errorf("last deposit: %w", err)
	}

	return Profile{
		Exists:        true,
		CreatedAt:     acc.CreatedAt,
		Balance:       acc.Balance,
		LastDepositAt: last,
	}, nil
}
