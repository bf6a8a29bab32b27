package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fastprodman/ticketeconomy/internal/infra/pgutils"
	"github.com/fastprodman/ticketeconomy/internal/repos/accounts"
)

var _ accounts.Accounts = (*accountsRepo)(nil)

type accountsRepo struct{ db *sql.DB }

func New(db *sql.DB) *accountsRepo {
	return &accountsRepo{db: db}
}

func (r *accountsRepo) Ensure(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, version)
		VALUES ($1, 0, 0)
		ON CONFLICT (id) DO NOTHING
	`, id)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}

	return nil
}

func (r *accountsRepo) Get(ctx context.Context, q pgutils.Querier, id int64) (accounts.Account, error) {
	var a accounts.Account

	err := q.QueryRowContext(ctx, `
		SELECT id, balance, version, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`, id).Scan(&a.ID, &a.Balance, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return accounts.Account{}, accounts.ErrAccountNotFound
		}

		return accounts.Account{}, fmt.Errorf("get account: %w", err)
	}

	return a, nil
}

func (r *accountsRepo) CompareAndSwap(ctx context.Context, tx *sql.Tx, id, expectedVersion, delta int64) (int64, error) {
	var balance int64

	err := tx.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance    = balance + $2,
		    version    = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $3
		RETURNING balance
	`, id, delta, expectedVersion).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, accounts.ErrVersionConflict
		}

		if pgutils.IsCheckViolation(err, accounts.NonNegativeConstraint) {
			return 0, accounts.ErrNegativeBalance
		}

		return 0, fmt.Errorf("compare and swap balance: %w", err)
	}

	return balance, nil
}

func (r *accountsRepo) GetBalance(ctx context.Context, id int64) (int64, error) {
	var balance int64

	err := r.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1`, id).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, accounts.ErrAccountNotFound
		}

		return 0, fmt.Errorf("get balance: %w", err)
	}

	return balance, nil
}
