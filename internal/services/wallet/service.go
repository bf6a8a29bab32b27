// Package wallet owns every balance change. Each change is a balanced pair of
// ledger entries plus a version-checked update of the account's cached
// balance, committed in one serializable transaction.
package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fastprodman/ticketeconomy/internal/config"
	"github.com/fastprodman/ticketeconomy/internal/events"
	"github.com/fastprodman/ticketeconomy/internal/infra/breaker"
	"github.com/fastprodman/ticketeconomy/internal/infra/logging"
	"github.com/fastprodman/ticketeconomy/internal/infra/pgutils"
	"github.com/fastprodman/ticketeconomy/internal/infra/retry"
	"github.com/fastprodman/ticketeconomy/internal/repos/accounts"
	pgaccounts "github.com/fastprodman/ticketeconomy/internal/repos/accounts/postgres"
	"github.com/fastprodman/ticketeconomy/internal/repos/entries"
	pgentries "github.com/fastprodman/ticketeconomy/internal/repos/entries/postgres"
	shoprepo "github.com/fastprodman/ticketeconomy/internal/repos/shop"
	"github.com/fastprodman/ticketeconomy/internal/services/fraud"
	"github.com/fastprodman/ticketeconomy/internal/services/idempotency"
	"github.com/fastprodman/ticketeconomy/internal/services/ratelimit"
)

const (
	maxRefLength    = 200
	maxReasonLength = 500
)

type Config struct {
	Wallet  config.WalletConfig
	Retry   config.RetryConfig
	Breaker config.BreakerConfig
}

type Service struct {
	db       *sql.DB
	accounts accounts.Accounts
	entries  entries.Entries
	guard    *idempotency.Guard

	retry   *retry.Coordinator
	breaker *breaker.Breaker

	limiter *ratelimit.Limiter
	fraud   *fraud.Detector

	notifier events.Publisher
	audit    events.Publisher

	maxAmount int64
	logger    *slog.Logger
}

type Option func(*Service)

// WithScreening enables rate limiting and fraud screening of user-initiated
// operations. Either may be nil.
func WithScreening(l *ratelimit.Limiter, d *fraud.Detector) Option {
	return func(s *Service) {
		s.limiter = l
		s.fraud = d
	}
}

// WithNotifier receives balance.changed events after commit.
func WithNotifier(p events.Publisher) Option {
	return func(s *Service) { s.notifier = p }
}

func WithAudit(p events.Publisher) Option {
	return func(s *Service) { s.audit = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func New(db *sql.DB, cfg Config, opts ...Option) *Service {
	ents := pgentries.New(db)

	s := &Service{
		db:        db,
		accounts:  pgaccounts.New(db),
		entries:   ents,
		guard:     idempotency.New(ents),
		maxAmount: cfg.Wallet.MaxAmount,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.retry = retry.New(cfg.Retry, isConflict, s.logger)
	s.breaker = breaker.New(cfg.Breaker, isStorageFailure, breaker.WithLogger(s.logger))

	return s
}

func isConflict(err error) bool { return errors.Is(err, ErrConcurrencyConflict) }

func isStorageFailure(err error) bool { return errors.Is(err, ErrStorageUnavailable) }

func (s *Service) Deposit(ctx context.Context, op Operation) (Result, error) {
	if op.EventType == "" {
		op.EventType = EventDeposit
	}

	return s.execute(ctx, KindDeposit, op)
}

func (s *Service) Withdraw(ctx context.Context, op Operation) (Result, error) {
	if op.EventType == "" {
		op.EventType = EventWithdrawal
	}

	return s.execute(ctx, KindWithdraw, op)
}

func (s *Service) execute(ctx context.Context, kind Kind, op Operation) (Result, error) {
	err := s.validate(kind, op)
	if err != nil {
		return Result{}, err
	}

	if op.EventType.UserInitiated() {
		err = s.Screen(ctx, op.AccountID, op.Amount, op.EventType.class(), kind == KindWithdraw)
		if err != nil {
			return Result{}, err
		}
	}

	var res Result

	err = s.Transact(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		res, err = s.ApplyTx(ctx, tx, kind, op)

		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", kind, err)
	}

	if !res.Idempotent {
		s.Notify(ctx, op.AccountID, res.NewBalance, op.EventType, signed(kind, op.Amount))
	}

	return res, nil
}

// Screen applies the rate limit and then the fraud checks for one user
// operation. debit marks withdrawals, which the fraud layer scores differently.
func (s *Service) Screen(ctx context.Context, accountID, amount int64, class ratelimit.Class, debit bool) error {
	if s.limiter != nil {
		err := s.limiter.Allow(ctx, accountID, class)
		if err != nil {
			return err
		}
	}

	if s.fraud == nil {
		return nil
	}

	fraudClass := string(class)
	if debit && class != ratelimit.ClassPurchase {
		fraudClass = string(ratelimit.ClassWithdraw)
	}

	err := s.fraud.Screen(ctx, fraud.Request{AccountID: accountID, Amount: amount, Class: fraudClass})
	if err != nil {
		if errors.Is(err, fraud.ErrBlocked) {
			return err
		}

		return s.storageError(ctx, "fraud screening", err)
	}

	return nil
}

// Transact runs fn in a serializable transaction. Conflicts are retried with
// backoff, unclassified storage failures trip the circuit breaker, and fn may
// run more than once.
func (s *Service) Transact(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		return s.retry.Do(ctx, func(ctx context.Context) error {
			err := pgutils.WithTx(ctx, s.db, pgutils.Serializable, func(tx *sql.Tx) error {
				return fn(ctx, tx)
			})

			return s.classify(ctx, err)
		})
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, retry.ErrExhausted) {
		return fmt.Errorf("%w after %d attempts", ErrMaxRetriesExceeded, s.retry.MaxAttempts())
	}

	return err
}

// ApplyTx performs one movement inside tx. A reference that is already
// recorded returns its original outcome instead of writing again.
func (s *Service) ApplyTx(ctx context.Context, tx *sql.Tx, kind Kind, op Operation) (Result, error) {
	err := s.validate(kind, op)
	if err != nil {
		return Result{}, err
	}

	delta := signed(kind, op.Amount)

	prior, found, err := s.guard.Lookup(ctx, tx, op.ExternalRef)
	if err != nil {
		return Result{}, err
	}

	if found {
		err = idempotency.Check(prior, op.AccountID, delta)
		if err != nil {
			return Result{}, err
		}

		return Result{NewBalance: prior.BalanceAfter, EntryID: prior.EntryID, Idempotent: true}, nil
	}

	err = s.accounts.Ensure(ctx, tx, op.AccountID)
	if err != nil {
		return Result{}, err
	}

	acc, err := s.accounts.Get(ctx, tx, op.AccountID)
	if err != nil {
		return Result{}, err
	}

	if kind == KindWithdraw && acc.Balance < op.Amount {
		return Result{}, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientFunds, acc.Balance, op.Amount)
	}

	entryID, _, err := s.entries.InsertPair(ctx, tx, entries.Pair{
		AccountID:       op.AccountID,
		SystemAccountID: accounts.SystemAccountID,
		Amount:          delta,
		EventType:       string(op.EventType),
		ExternalRef:     op.ExternalRef,
		MatchID:         op.MatchID,
		Reason:          op.Reason,
		BalanceAfter:    acc.Balance + delta,
	})
	if err != nil {
		return Result{}, err
	}

	balance, err := s.accounts.CompareAndSwap(ctx, tx, op.AccountID, acc.Version, delta)
	if err != nil {
		return Result{}, err
	}

	return Result{NewBalance: balance, EntryID: entryID}, nil
}

// GetBalance reads the cached balance. Unknown accounts hold zero. The
// system account's balance is its ledger sum.
func (s *Service) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	if accountID < 0 {
		return 0, invalid("account_id", "must not be negative")
	}

	if accountID == accounts.SystemAccountID {
		sum, err := s.entries.SumByAccount(ctx, s.db, accountID)
		if err != nil {
			return 0, s.storageError(ctx, "system balance", err)
		}

		return sum, nil
	}

	balance, err := s.accounts.GetBalance(ctx, accountID)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return 0, nil
		}

		return 0, s.storageError(ctx, "get balance", err)
	}

	return balance, nil
}

// EnsureAccount creates the account inside tx if it does not exist yet, for
// callers that write rows referencing it before any movement.
func (s *Service) EnsureAccount(ctx context.Context, tx *sql.Tx, accountID int64) error {
	if accountID <= 0 {
		return invalid("account_id", "must be positive")
	}

	return s.accounts.Ensure(ctx, tx, accountID)
}

// BalanceTx reads the cached balance through q, usually an open transaction.
func (s *Service) BalanceTx(ctx context.Context, q pgutils.Querier, accountID int64) (int64, error) {
	acc, err := s.accounts.Get(ctx, q, accountID)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return 0, nil
		}

		return 0, err
	}

	return acc.Balance, nil
}

// Notify publishes a balance change. Delivery problems are logged only.
func (s *Service) Notify(ctx context.Context, accountID, balance int64, eventType EventType, delta int64) {
	if s.notifier == nil {
		return
	}

	err := s.notifier.Publish(ctx, events.New(events.BalanceChanged, accountID, map[string]any{
		"balance":    balance,
		"delta":      delta,
		"event_type": string(eventType),
	}))
	if err != nil {
		s.logger.WarnContext(ctx, "balance notification not sent", "account_id", accountID, "error", err)
	}
}

func (s *Service) validate(kind Kind, op Operation) error {
	if op.AccountID <= 0 {
		return invalid("account_id", "must be positive")
	}

	if op.Amount <= 0 {
		return invalid("amount", "must be positive")
	}

	if s.maxAmount > 0 && op.Amount > s.maxAmount {
		return invalid("amount", fmt.Sprintf("must not exceed %d", s.maxAmount))
	}

	if !allowedEvents[kind][op.EventType] {
		return invalid("event_type", fmt.Sprintf("%q is not a %s event", op.EventType, kind))
	}

	if len(op.ExternalRef) > maxRefLength {
		return invalid("external_ref", fmt.Sprintf("longer than %d characters", maxRefLength))
	}

	if len(op.Reason) > maxReasonLength {
		return invalid("reason", fmt.Sprintf("longer than %d characters", maxReasonLength))
	}

	return nil
}

// classify maps one transaction attempt's error onto the wallet taxonomy.
// Only unique violations on idempotency keys are races worth retrying; any
// other 23505 is a storage fault.
func (s *Service) classify(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, accounts.ErrVersionConflict),
		pgutils.IsSerializationFailure(err),
		idempotency.IsDuplicate(err),
		pgutils.IsUniqueViolation(err, shoprepo.PurchaseRefConstraint):
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
	case errors.Is(err, accounts.ErrNegativeBalance):
		return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	case errors.Is(err, context.Canceled):
		return err
	case pgutils.IsStorageError(err):
		return s.storageError(ctx, "transaction", err)
	default:
		return err
	}
}

func (s *Service) storageError(ctx context.Context, op string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}

	if !pgutils.IsStorageError(err) {
		return fmt.Errorf("%s: %w", op, err)
	}

	id := logging.CorrelationID(ctx)
	s.logger.ErrorContext(ctx, "storage failure", "op", op, "correlation_id", id, "error", err)

	return &StorageError{CorrelationID: id, Err: err}
}

func signed(kind Kind, amount int64) int64 {
	if kind == KindWithdraw {
		return -amount
	}

	return amount
}
