package achievements

import (
	"context"
	"database/sql"
	"time"

	"github.com/fastprodman/ticketeconomy/internal/infra/pgutils"
)

type Achievement struct {
	AccountID  int64
	Type       string
	ScopeID    string
	AchievedAt time.Time
}

type Achievements interface {
	// Insert records the unlock and reports whether this call created the row.
	Insert(ctx context.Context, tx *sql.Tx, accountID int64, achType, scopeID string) (bool, error)
	ListByAccount(ctx context.Context, q pgutils.Querier, accountID int64) ([]Achievement, error)
	Count(ctx context.Context, q pgutils.Querier, accountID int64, achType, scopeID string) (int, error)
}
