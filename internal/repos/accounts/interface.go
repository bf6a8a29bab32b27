package accounts

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fastprodman/ticketeconomy/internal/infra/pgutils"
)

// SystemAccountID is the issuer and sink of every ticket movement.
const SystemAccountID int64 = 0

// NonNegativeConstraint guards user balances at the storage layer.
const NonNegativeConstraint = "accounts_balance_non_negative"

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrVersionConflict = errors.New("account version changed")
	ErrNegativeBalance = errors.New("balance would become negative")
)

type Account struct {
	ID        int64
	Balance   int64
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Accounts interface {
	// Ensure creates the account with a zero balance if it does not exist yet.
	Ensure(ctx context.Context, tx *sql.Tx, id int64) error
	Get(ctx context.Context, q pgutils.Querier, id int64) (Account, error)
	// CompareAndSwap applies delta and bumps the version only if the stored
	// version still equals expectedVersion. It returns the new balance.
	CompareAndSwap(ctx context.Context, tx *sql.Tx, id, expectedVersion, delta int64) (int64, error)
	GetBalance(ctx context.Context, id int64) (int64, error)
}
