package streaks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fastprodman/ticketeconomy/internal/infra/pgutils"
	"github.com/fastprodman/ticketeconomy/internal/repos/streaks"
)

var _ streaks.Streaks = (*streaksRepo)(nil)

type streaksRepo struct{ db *sql.DB }

func New(db *sql.DB) *streaksRepo {
	return &streaksRepo{db: db}
}

func (r *streaksRepo) Get(ctx context.Context, q pgutils.Querier, accountID int64) (streaks.Streak, error) {
	s := streaks.Streak{AccountID: accountID}

	err := q.QueryRowContext(ctx, `
		SELECT current_streak, best_streak, last_match_id
		FROM reward_streaks
		WHERE account_id = $1
	`, accountID).Scan(&s.Current, &s.Best, &s.LastMatchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, nil
		}

		return streaks.Streak{}, fmt.Errorf("get streak: %w", err)
	}

	return s, nil
}

func (r *streaksRepo) Upsert(ctx context.Context, tx *sql.Tx, s streaks.Streak) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO reward_streaks (account_id, current_streak, best_streak, last_match_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO UPDATE
		SET current_streak = EXCLUDED.current_streak,
		    best_streak    = GREATEST(reward_streaks.best_streak, EXCLUDED.best_streak),
		    last_match_id  = EXCLUDED.last_match_id,
		    updated_at     = now()
	`, s.AccountID, s.Current, s.Best, s.LastMatchID)
	if err != nil {
		return fmt.Errorf("upsert streak: %w", err)
	}

	return nil
}
