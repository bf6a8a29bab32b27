package pgutils

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTx(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	tests := []struct {
		name    string
		fnErr   error
		expect  func(m sqlmock.Sqlmock)
		wantErr error
	}{
		{
			name:  "commit_on_success",
			fnErr: nil,
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(0, 1))
				m.ExpectCommit()
			},
		},
		{
			name:  "rollback_on_error",
			fnErr: boom,
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(0, 1))
				m.ExpectRollback()
			},
			wantErr: boom,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			tt.expect(mock)

			err = WithTx(context.Background(), db, Serializable, func(tx *sql.Tx) error {
				_, xerr := tx.Exec("UPDATE accounts SET balance = 1")
				if xerr != nil {
					return xerr
				}

				return tt.fnErr
			})

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestWithTx_CommitFailureIsWrapped(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	serialization := &pgconn.PgError{Code: CodeSerializationFailure}

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(serialization)

	err = WithTx(context.Background(), db, nil, func(*sql.Tx) error { return nil })
	require.Error(t, err)
	assert.True(t, IsSerializationFailure(err))
}

func TestClassification(t *testing.T) {
	t.Parallel()

	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: CodeUniqueViolation, ConstraintName: "ledger_entries_external_ref_key"})
	check := &pgconn.PgError{Code: CodeCheckViolation, ConstraintName: "accounts_balance_non_negative"}
	deadlock := &pgconn.PgError{Code: CodeDeadlockDetected}

	assert.True(t, IsUniqueViolation(unique, ""))
	assert.True(t, IsUniqueViolation(unique, "ledger_entries_external_ref_key"))
	assert.False(t, IsUniqueViolation(unique, "purchases_external_ref_key"))
	assert.True(t, IsCheckViolation(check, "accounts_balance_non_negative"))
	assert.True(t, IsSerializationFailure(deadlock))
	assert.False(t, IsSerializationFailure(check))
	assert.Equal(t, "", Code(errors.New("plain")))

	assert.True(t, IsStorageError(check))
	assert.True(t, IsStorageError(fmt.Errorf("query: %w", driver.ErrBadConn)))
	assert.True(t, IsStorageError(sql.ErrConnDone))
	assert.False(t, IsStorageError(context.Canceled))
	assert.False(t, IsStorageError(errors.New("insufficient funds")))
	assert.False(t, IsStorageError(nil))
}
