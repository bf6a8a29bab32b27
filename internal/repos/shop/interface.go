package shop

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/fastprodman/ticketeconomy/internal/infra/pgutils"
)

// PurchaseRefConstraint makes one purchase per derived idempotency key.
const PurchaseRefConstraint = "purchases_external_ref_key"

var (
	ErrItemNotFound     = errors.New("shop item not found")
	ErrPurchaseNotFound = errors.New("purchase not found")
)

type Item struct {
	ID            int64
	Name          string
	Category      string
	Price         int64
	EffectType    string
	EffectPayload json.RawMessage
	Active        bool
}

type Purchase struct {
	ID           int64
	AccountID    int64
	ItemID       int64
	EffectType   string
	Snapshot     json.RawMessage
	EffectResult json.RawMessage
	ExternalRef  string
	ConsumedAt   *time.Time
	CreatedAt    time.Time
}

type Shop interface {
	GetItem(ctx context.Context, q pgutils.Querier, id int64) (Item, error)
	// LockItem reads the item with a row lock held until the transaction ends.
	LockItem(ctx context.Context, tx *sql.Tx, id int64) (Item, error)
	ListItems(ctx context.Context, q pgutils.Querier, activeOnly bool) ([]Item, error)

	InsertPurchase(ctx context.Context, tx *sql.Tx, p Purchase) (int64, error)
	SetEffectResult(ctx context.Context, tx *sql.Tx, purchaseID int64, result json.RawMessage) error
	FindPurchaseByRef(ctx context.Context, q pgutils.Querier, ref string) (Purchase, error)
	// CountActive counts unconsumed purchases of effectType, ignoring excludeID.
	CountActive(ctx context.Context, q pgutils.Querier, accountID int64, effectType string, excludeID int64) (int, error)
	// ConsumeOldestActive marks the oldest unconsumed purchase of effectType as
	// consumed. ok is false when there is none.
	ConsumeOldestActive(ctx context.Context, tx *sql.Tx, accountID int64, effectType string) (p Purchase, ok bool, err error)
	// ConsumePurchase marks one unconsumed purchase of accountID as consumed.
	// It returns ErrPurchaseNotFound when there is no such active purchase.
	ConsumePurchase(ctx context.Context, tx *sql.Tx, accountID, purchaseID int64) (Purchase, error)
	MarkConsumed(ctx context.Context, tx *sql.Tx, purchaseID int64) error
	ListActive(ctx context.Context, q pgutils.Querier, accountID int64) ([]Purchase, error)
}
