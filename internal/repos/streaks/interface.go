package streaks

import (
	"context"
	"database/sql"

	"github.com/fastprodman/ticketeconomy/internal/infra/pgutils"
)

// Streak is the consecutive-win counter of one account.
type Streak struct {
	AccountID   int64
	Current     int64
	Best        int64
	LastMatchID string
}

type Streaks interface {
	// Get returns a zero streak for accounts that never played.
	Get(ctx context.Context, q pgutils.Querier, accountID int64) (Streak, error)
	Upsert(ctx context.Context, tx *sql.Tx, s Streak) error
}
