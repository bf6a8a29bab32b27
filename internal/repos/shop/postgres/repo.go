package shop

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fastprodman/ticketeconomy/internal/infra/pgutils"
	"github.com/fastprodman/ticketeconomy/internal/repos/shop"
)

var _ shop.Shop = (*shopRepo)(nil)

type shopRepo struct{ db *sql.DB }

func New(db *sql.DB) *shopRepo {
	return &shopRepo{db: db}
}

const (
	itemColumns     = `id, name, category, price, effect_type, effect_payload, active`
	purchaseColumns = `id, account_id, shop_item_id, effect_type, payload_snapshot,
		COALESCE(effect_result, 'null'::jsonb), external_ref, consumed_at, created_at`
)

type scanner interface{ Scan(...any) error }

func scanItem(s scanner) (shop.Item, error) {
	var (
		it      shop.Item
		payload []byte
	)

	err := s.Scan(&it.ID, &it.Name, &it.Category, &it.Price, &it.EffectType, &payload, &it.Active)
	it.EffectPayload = json.RawMessage(payload)

	return it, err
}

func scanPurchase(s scanner) (shop.Purchase, error) {
	var (
		p        shop.Purchase
		snapshot []byte
		result   []byte
		consumed sql.NullTime
	)

	err := s.Scan(&p.ID, &p.AccountID, &p.ItemID, &p.EffectType, &snapshot, &result,
		&p.ExternalRef, &consumed, &p.CreatedAt)
	if err != nil {
		return shop.Purchase{}, err
	}

	p.Snapshot = json.RawMessage(snapshot)
	p.EffectResult = json.RawMessage(result)

	if consumed.Valid {
		t := consumed.Time
		p.ConsumedAt = &t
	}

	return p, nil
}

func (r *shopRepo) GetItem(ctx context.Context, q pgutils.Querier, id int64) (shop.Item, error) {
	it, err := scanItem(q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM shop_items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return shop.Item{}, shop.ErrItemNotFound
		}

		return shop.Item{}, fmt.Errorf("get item: %w", err)
	}

	return it, nil
}

func (r *shopRepo) LockItem(ctx context.Context, tx *sql.Tx, id int64) (shop.Item, error) {
	it, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM shop_items WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return shop.Item{}, shop.ErrItemNotFound
		}

		return shop.Item{}, fmt.Errorf("lock item: %w", err)
	}

	return it, nil
}

func (r *shopRepo) ListItems(ctx context.Context, q pgutils.Querier, activeOnly bool) ([]shop.Item, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM shop_items
		WHERE active OR NOT $1
		ORDER BY id
	`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []shop.Item

	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}

		out = append(out, it)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}

	return out, nil
}

// InsertPurchase leaves a unique violation on PurchaseRefConstraint wrapped,
// so the caller's retry path can replay the recorded purchase.
func (r *shopRepo) InsertPurchase(ctx context.Context, tx *sql.Tx, p shop.Purchase) (int64, error) {
	var id int64

	err := tx.QueryRowContext(ctx, `
		INSERT INTO purchases (account_id, shop_item_id, effect_type, payload_snapshot, external_ref)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, p.AccountID, p.ItemID, p.EffectType, []byte(p.Snapshot), p.ExternalRef).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert purchase: %w", err)
	}

	return id, nil
}

func (r *shopRepo) SetEffectResult(ctx context.Context, tx *sql.Tx, purchaseID int64, result json.RawMessage) error {
	_, err := tx.ExecContext(ctx, `UPDATE purchases SET effect_result = $2 WHERE id = $1`, purchaseID, []byte(result))
	if err != nil {
		return fmt.Errorf("set effect result: %w", err)
	}

	return nil
}

func (r *shopRepo) FindPurchaseByRef(ctx context.Context, q pgutils.Querier, ref string) (shop.Purchase, error) {
	p, err := scanPurchase(q.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE external_ref = $1`, ref))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return shop.Purchase{}, shop.ErrPurchaseNotFound
		}

		return shop.Purchase{}, fmt.Errorf("find purchase: %w", err)
	}

	return p, nil
}

func (r *shopRepo) CountActive(ctx context.Context, q pgutils.Querier, accountID int64, effectType string, excludeID int64) (int, error) {
	var n int

	err := q.QueryRowContext(ctx, `
		SELECT count(*)
		FROM purchases
		WHERE account_id = $1
		  AND effect_type = $2
		  AND consumed_at IS NULL
		  AND id <> $3
	`, accountID, effectType, excludeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active purchases: %w", err)
	}

	return n, nil
}

func (r *shopRepo) ConsumeOldestActive(ctx context.Context, tx *sql.Tx, accountID int64, effectType string) (shop.Purchase, bool, error) {
	p, err := scanPurchase(tx.QueryRowContext(ctx, `
		UPDATE purchases
		SET consumed_at = now()
		WHERE id = (
			SELECT id
			FROM purchases
			WHERE account_id = $1
			  AND effect_type = $2
			  AND consumed_at IS NULL
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE
		)
		RETURNING `+purchaseColumns, accountID, effectType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return shop.Purchase{}, false, nil
		}

		return shop.Purchase{}, false, fmt.Errorf("consume purchase: %w", err)
	}

	return p, true, nil
}

func (r *shopRepo) ConsumePurchase(ctx context.Context, tx *sql.Tx, accountID, purchaseID int64) (shop.Purchase, error) {
	p, err := scanPurchase(tx.QueryRowContext(ctx, `
		UPDATE purchases
		SET consumed_at = now()
		WHERE id = $1
		  AND account_id = $2
		  AND consumed_at IS NULL
		RETURNING `+purchaseColumns, purchaseID, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return shop.Purchase{}, shop.ErrPurchaseNotFound
		}

		return shop.Purchase{}, fmt.Errorf("consume purchase %d: %w", purchaseID, err)
	}

	return p, nil
}

func (r *shopRepo) MarkConsumed(ctx context.Context, tx *sql.Tx, purchaseID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE purchases SET consumed_at = now()
		WHERE id = $1 AND consumed_at IS NULL
	`, purchaseID)
	if err != nil {
		return fmt.Errorf("mark consumed: %w", err)
	}

	return nil
}

func (r *shopRepo) ListActive(ctx context.Context, q pgutils.Querier, accountID int64) ([]shop.Purchase, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE account_id = $1 AND consumed_at IS NULL
		ORDER BY created_at, id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list active purchases: %w", err)
	}
	defer rows.Close()

	var out []shop.Purchase

	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}

		out = append(out, p)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate purchases: %w", err)
	}

	return out, nil
}
