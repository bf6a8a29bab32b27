package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/fastprodman/ticketeconomy/internal/config"
	"github.com/fastprodman/ticketeconomy/internal/infra/logging"
	"github.com/fastprodman/ticketeconomy/internal/infra/pgutils"
	"github.com/fastprodman/ticketeconomy/internal/repos/accounts"
	shoprepo "github.com/fastprodman/ticketeconomy/internal/repos/shop"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWallet_ValidationHappensBeforeIO(t *testing.T) {
	t.Parallel()

	// a nil handle would panic on any query
	svc := New(nil, testConfig(), WithLogger(logging.Discard()))

	tests := []struct {
		name  string
		kind  Kind
		op    Operation
		field string
	}{
		{name: "zero_account", kind: KindDeposit, op: Operation{Amount: 1}, field: "account_id"},
		{name: "system_account", kind: KindWithdraw, op: Operation{AccountID: 0, Amount: 1}, field: "account_id"},
		{name: "zero_amount", kind: KindDeposit, op: Operation{AccountID: 1}, field: "amount"},
		{name: "negative_amount", kind: KindWithdraw, op: Operation{AccountID: 1, Amount: -5}, field: "amount"},
		{name: "oversized_amount", kind: KindDeposit, op: Operation{AccountID: 1, Amount: 1_000_001}, field: "amount"},
		{name: "withdraw_event_on_deposit", kind: KindDeposit, op: Operation{AccountID: 1, Amount: 1, EventType: EventWithdrawal}, field: "event_type"},
		{name: "reward_event_on_withdraw", kind: KindWithdraw, op: Operation{AccountID: 1, Amount: 1, EventType: EventMatchReward}, field: "event_type"},
		{name: "unknown_event", kind: KindDeposit, op: Operation{AccountID: 1, Amount: 1, EventType: "gift"}, field: "event_type"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var err error
			if tt.kind == KindDeposit {
				_, err = svc.Deposit(context.Background(), tt.op)
			} else {
				_, err = svc.Withdraw(context.Background(), tt.op)
			}

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestWallet_AdminValidation(t *testing.T) {
	t.Parallel()

	svc := New(nil, testConfig(), WithLogger(logging.Discard()))
	ctx := context.Background()

	_, err := svc.AdminAdjust(ctx, AdminAdjustment{AccountID: 1, Delta: 10})
	assert.ErrorIs(t, err, ErrValidation, "reason is required")

	_, err = svc.AdminAdjust(ctx, AdminAdjustment{AccountID: 1, Reason: "x"})
	assert.ErrorIs(t, err, ErrValidation, "zero delta")

	_, err = svc.SetBalance(ctx, 1, -1, "x", "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Reverse(ctx, 0, "x")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.History(ctx, 1, MaxHistoryLimit+1)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestWallet_TransactRetriesConflictsUntilExhausted(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig()
	cfg.Retry = config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	for range 3 {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}

	svc := New(db, cfg, WithLogger(logging.Discard()))
	calls := 0

	err = svc.Transact(context.Background(), func(context.Context, *sql.Tx) error {
		calls++
		return &pgconn.PgError{Code: pgutils.CodeSerializationFailure}
	})

	require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.NotErrorIs(t, err, ErrConcurrencyConflict)
	assert.Equal(t, 3, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWallet_StorageFailuresTripBreaker(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig()
	cfg.Breaker = config.BreakerConfig{FailureThreshold: 2, Window: time.Minute, Cooldown: time.Hour}

	down := &pgconn.PgError{Code: "57P01", Message: "terminating connection"}

	for range 2 {
		mock.ExpectBegin().WillReturnError(down)
	}

	svc := New(db, cfg, WithLogger(logging.Discard()))
	noop := func(context.Context, *sql.Tx) error { return nil }

	for range 2 {
		err = svc.Transact(context.Background(), noop)

		var se *StorageError
		require.ErrorAs(t, err, &se)
		assert.NotEmpty(t, se.CorrelationID)
		assert.NotContains(t, se.Error(), "terminating", "internal detail stays out of the message")
	}

	err = svc.Transact(context.Background(), noop)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWallet_DomainErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig()
	cfg.Breaker = config.BreakerConfig{FailureThreshold: 1, Window: time.Minute, Cooldown: time.Hour}

	for range 3 {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}

	svc := New(db, cfg, WithLogger(logging.Discard()))

	for range 3 {
		err = svc.Transact(context.Background(), func(context.Context, *sql.Tx) error {
			return ErrInsufficientFunds
		})
		require.ErrorIs(t, err, ErrInsufficientFunds)
	}

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWallet_Classify(t *testing.T) {
	t.Parallel()

	svc := New(nil, testConfig(), WithLogger(logging.Discard()))
	ctx := context.Background()

	tests := []struct {
		name string
		in   error
		want error
	}{
		{name: "version_conflict", in: fmt.Errorf("cas: %w", accounts.ErrVersionConflict), want: ErrConcurrencyConflict},
		{name: "serialization_failure", in: &pgconn.PgError{Code: pgutils.CodeSerializationFailure}, want: ErrConcurrencyConflict},
		{name: "deadlock", in: &pgconn.PgError{Code: pgutils.CodeDeadlockDetected}, want: ErrConcurrencyConflict},
		{name: "duplicate_reference", in: &pgconn.PgError{Code: pgutils.CodeUniqueViolation, ConstraintName: "ledger_entries_external_ref_key"}, want: ErrConcurrencyConflict},
		{name: "duplicate_purchase", in: &pgconn.PgError{Code: pgutils.CodeUniqueViolation, ConstraintName: shoprepo.PurchaseRefConstraint}, want: ErrConcurrencyConflict},
		{name: "other_unique_violation", in: &pgconn.PgError{Code: pgutils.CodeUniqueViolation, ConstraintName: "ledger_entries_counterpart_unique"}, want: ErrStorageUnavailable},
		{name: "negative_balance", in: accounts.ErrNegativeBalance, want: ErrInsufficientFunds},
		{name: "server_error", in: &pgconn.PgError{Code: "XX000"}, want: ErrStorageUnavailable},
		{name: "caller_cancelled", in: context.Canceled, want: context.Canceled},
		{name: "domain_error_untouched", in: ErrReferenceConflict, want: ErrReferenceConflict},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := svc.classify(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)

			if tt.want != ErrStorageUnavailable {
				assert.NotErrorIs(t, err, ErrStorageUnavailable)
			}
		})
	}
}
