// Package idempotency resolves caller-supplied external references to the
// outcome they already produced.
//
// The unique index on ledger_entries.external_ref is the enforcement point.
// Lookups here only short-circuit the common replay case; a racing duplicate
// insert is detected with IsDuplicate and resolved by looking up again.
package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/fastprodman/ticketeconomy/internal/infra/pgutils"
	"github.com/fastprodman/ticketeconomy/internal/repos/entries"
)

// ErrReferenceConflict means the reference is already bound to a different
// account or amount.
var ErrReferenceConflict = errors.New("external reference already used for a different operation")

type Outcome struct {
	EntryID      int64
	AccountID    int64
	Amount       int64
	BalanceAfter int64
}

type Guard struct {
	entries entries.Entries
}

func New(e entries.Entries) *Guard {
	return &Guard{entries: e}
}

// Lookup reports the recorded outcome for ref. An empty ref never matches.
func (g *Guard) Lookup(ctx context.Context, q pgutils.Querier, ref string) (Outcome, bool, error) {
	if ref == "" {
		return Outcome{}, false, nil
	}

	e, err := g.entries.FindByRef(ctx, q, ref)
	if err != nil {
		if errors.Is(err, entries.ErrEntryNotFound) {
			return Outcome{}, false, nil
		}

		return Outcome{}, false, fmt.Errorf("lookup reference: %w", err)
	}

	return Outcome{
		EntryID:      e.ID,
		AccountID:    e.AccountID,
		Amount:       e.Amount,
		BalanceAfter: e.BalanceAfter,
	}, true, nil
}

// Check verifies that a replay asks for the same movement the reference
// originally recorded. signedAmount is negative for debits.
func Check(o Outcome, accountID, signedAmount int64) error {
	if o.AccountID != accountID || o.Amount != signedAmount {
		return fmt.Errorf("%w: recorded account %d amount %d", ErrReferenceConflict, o.AccountID, o.Amount)
	}

	return nil
}

// IsDuplicate reports whether err is the unique violation raised when a
// concurrent writer recorded the same reference first.
func IsDuplicate(err error) bool {
	return pgutils.IsUniqueViolation(err, entries.RefConstraint)
}
