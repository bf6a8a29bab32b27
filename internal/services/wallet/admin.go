package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fastprodman/ticketeconomy/internal/events"
	"github.com/fastprodman/ticketeconomy/internal/infra/pgutils"
	"github.com/fastprodman/ticketeconomy/internal/repos/accounts"
	"github.com/fastprodman/ticketeconomy/internal/repos/entries"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// AdminAdjust grants (positive delta) or revokes (negative delta) tickets.
// It is an ordinary deposit or withdrawal tagged admin_adjust.
func (s *Service) AdminAdjust(ctx context.Context, adj AdminAdjustment) (Result, error) {
	if adj.Reason == "" {
		return Result{}, invalid("reason", "required for admin adjustments")
	}

	if adj.Delta == 0 {
		return Result{}, invalid("delta", "must not be zero")
	}

	op := Operation{
		AccountID:   adj.AccountID,
		Amount:      adj.Delta,
		EventType:   EventAdminAdjust,
		ExternalRef: adj.ExternalRef,
		Reason:      adj.Reason,
	}

	if adj.Delta < 0 {
		op.Amount = -adj.Delta
		return s.Withdraw(ctx, op)
	}

	return s.Deposit(ctx, op)
}

// SetBalance moves the account to target through one admin adjustment of the
// difference. Replaying ref returns the recorded outcome.
func (s *Service) SetBalance(ctx context.Context, accountID, target int64, reason, ref string) (Result, error) {
	if accountID <= 0 {
		return Result{}, invalid("account_id", "must be positive")
	}

	if target < 0 {
		return Result{}, invalid("balance", "must not be negative")
	}

	if reason == "" {
		return Result{}, invalid("reason", "required for admin adjustments")
	}

	var (
		res   Result
		delta int64
	)

	err := s.Transact(ctx, func(ctx context.Context, tx *sql.Tx) error {
		prior, found, err := s.guard.Lookup(ctx, tx, ref)
		if err != nil {
			return err
		}

		if found {
			if prior.AccountID != accountID {
				return fmt.Errorf("%w: recorded for account %d", ErrReferenceConflict, prior.AccountID)
			}

			res = Result{NewBalance: prior.BalanceAfter, EntryID: prior.EntryID, Idempotent: true}

			return nil
		}

		err = s.accounts.Ensure(ctx, tx, accountID)
		if err != nil {
			return err
		}

		acc, err := s.accounts.Get(ctx, tx, accountID)
		if err != nil {
			return err
		}

		delta = target - acc.Balance
		if delta == 0 {
			res = Result{NewBalance: acc.Balance}
			return nil
		}

		kind, amount := KindDeposit, delta
		if delta < 0 {
			kind, amount = KindWithdraw, -delta
		}

		res, err = s.ApplyTx(ctx, tx, kind, Operation{
			AccountID:   accountID,
			Amount:      amount,
			EventType:   EventAdminAdjust,
			ExternalRef: ref,
			Reason:      reason,
		})

		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("set balance: %w", err)
	}

	if delta != 0 && !res.Idempotent {
		s.Notify(ctx, accountID, res.NewBalance, EventAdminAdjust, delta)
	}

	return res, nil
}

// ReversalRef is the reference that makes reversing an entry a one-time event.
func ReversalRef(entryID int64) string {
	return fmt.Sprintf("reversal:%d", entryID)
}

// Reverse records the opposite movement of an account entry. History is
// never rewritten; reversing twice returns the first reversal.
func (s *Service) Reverse(ctx context.Context, entryID int64, reason string) (Result, error) {
	if entryID <= 0 {
		return Result{}, invalid("entry_id", "must be positive")
	}

	if reason == "" {
		return Result{}, invalid("reason", "required for reversals")
	}

	var (
		res      Result
		original entries.Entry
	)

	err := s.Transact(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error

		original, err = s.entries.Get(ctx, tx, entryID)
		if err != nil {
			return err
		}

		if original.AccountID == accounts.SystemAccountID {
			return invalid("entry_id", "system entries are reversed through their counterpart")
		}

		if EventType(original.EventType) == EventReversal {
			return invalid("entry_id", "reversals cannot be reversed")
		}

		kind, amount := KindWithdraw, original.Amount
		if original.Amount < 0 {
			kind, amount = KindDeposit, -original.Amount
		}

		res, err = s.ApplyTx(ctx, tx, kind, Operation{
			AccountID:   original.AccountID,
			Amount:      amount,
			EventType:   EventReversal,
			ExternalRef: ReversalRef(entryID),
			Reason:      reason,
		})

		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("reverse entry %d: %w", entryID, err)
	}

	if !res.Idempotent {
		s.Notify(ctx, original.AccountID, res.NewBalance, EventReversal, -original.Amount)
		s.publishAudit(ctx, events.New(events.EntryReversed, original.AccountID, map[string]any{
			"entry_id":          entryID,
			"reversal_entry_id": res.EntryID,
			"amount":            -original.Amount,
			"reason":            reason,
		}))
	}

	return res, nil
}

// Reconcile compares the cached balance with the ledger sum. Any drift is a
// bug and is logged and audited, never corrected here.
func (s *Service) Reconcile(ctx context.Context, accountID int64) (Reconciliation, error) {
	if accountID < 0 {
		return Reconciliation{}, invalid("account_id", "must not be negative")
	}

	rec := Reconciliation{AccountID: accountID}

	err := pgutils.WithTx(ctx, s.db, pgutils.ReadOnlySnapshot, func(tx *sql.Tx) error {
		sum, err := s.entries.SumByAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}

		rec.LedgerSum = sum

		if accountID == accounts.SystemAccountID {
			rec.Cached = sum
			return nil
		}

		acc, err := s.accounts.Get(ctx, tx, accountID)
		if err != nil {
			if errors.Is(err, accounts.ErrAccountNotFound) {
				return nil
			}

			return err
		}

		rec.Cached = acc.Balance

		return nil
	})
	if err != nil {
		return Reconciliation{}, s.storageError(ctx, "reconcile", err)
	}

	rec.Drift = rec.Cached - rec.LedgerSum

	if rec.Drift != 0 {
		s.logger.ErrorContext(ctx, "balance drift detected",
			"account_id", accountID, "cached", rec.Cached, "ledger_sum", rec.LedgerSum)
		s.publishAudit(ctx, events.New(events.BalanceDrift, accountID, map[string]any{
			"cached":     rec.Cached,
			"ledger_sum": rec.LedgerSum,
		}))
	}

	return rec, nil
}

// History lists the account's own entries, newest first.
func (s *Service) History(ctx context.Context, accountID int64, limit int) ([]Entry, error) {
	if accountID < 0 {
		return nil, invalid("account_id", "must not be negative")
	}

	switch {
	case limit == 0:
		limit = DefaultHistoryLimit
	case limit < 0 || limit > MaxHistoryLimit:
		return nil, invalid("limit", fmt.Sprintf("must be between 1 and %d", MaxHistoryLimit))
	}

	list, err := s.entries.ListByAccount(ctx, s.db, accountID, limit)
	if err != nil {
		return nil, s.storageError(ctx, "history", err)
	}

	out := make([]Entry, 0, len(list))
	for _, e := range list {
		out = append(out, Entry{
			ID:            e.ID,
			AccountID:     e.AccountID,
			Amount:        e.Amount,
			CounterpartID: e.CounterpartID,
			EventType:     EventType(e.EventType),
			ExternalRef:   e.ExternalRef,
			MatchID:       e.MatchID,
			Reason:        e.Reason,
			BalanceAfter:  e.BalanceAfter,
			CreatedAt:     e.CreatedAt,
		})
	}

	return out, nil
}

func (s *Service) publishAudit(ctx context.Context, e events.Event) {
	if s.audit == nil {
		return
	}

	err := s.audit.Publish(ctx, e)
	if err != nil {
		s.logger.WarnContext(ctx, "audit event not sent", "type", string(e.Type), "error", err)
	}
}
