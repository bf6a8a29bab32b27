package achievements

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fastprodman/ticketeconomy/internal/infra/pgutils"
	"github.com/fastprodman/ticketeconomy/internal/repos/achievements"
)

var _ achievements.Achievements = (*achievementsRepo)(nil)

type achievementsRepo struct{ db *sql.DB }

func New(db *sql.DB) *achievementsRepo {
	return &achievementsRepo{db: db}
}

func (r *achievementsRepo) Insert(ctx context.Context, tx *sql.Tx, accountID int64, achType, scopeID string) (bool, error) {
	var one int

	err := tx.QueryRowContext(ctx, `
		INSERT INTO achievements (account_id, achievement_type, scope_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, achievement_type, scope_id) DO NOTHING
		RETURNING 1
	`, accountID, achType, scopeID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}

		return false, fmt.Errorf("insert achievement: %w", err)
	}

	return true, nil
}

func (r *achievementsRepo) ListByAccount(ctx context.Context, q pgutils.Querier, accountID int64) ([]achievements.Achievement, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT account_id, achievement_type, scope_id, achieved_at
		FROM achievements
		WHERE account_id = $1
		ORDER BY achieved_at, achievement_type, scope_id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list achievements: %w", err)
	}
	defer rows.Close()

	var out []achievements.Achievement

	for rows.Next() {
		var a achievements.Achievement

		err = rows.Scan(&a.AccountID, &a.Type, &a.ScopeID, &a.AchievedAt)
		if err != nil {
			return nil, fmt.Errorf("scan achievement: %w", err)
		}

		out = append(out, a)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate achievements: %w", err)
	}

	return out, nil
}

func (r *achievementsRepo) Count(ctx context.Context, q pgutils.Querier, accountID int64, achType, scopeID string) (int, error) {
	var n int

	err := q.QueryRowContext(ctx, `
		SELECT count(*)
		FROM achievements
		WHERE account_id = $1 AND achievement_type = $2 AND scope_id = $3
	`, accountID, achType, scopeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count achievements: %w", err)
	}

	return n, nil
}
