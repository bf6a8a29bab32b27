package wallet

import (
	"time"

	"github.com/fastprodman/ticketeconomy/internal/services/ratelimit"
)

type EventType string

const (
	EventDeposit    EventType = "deposit"
	EventWithdrawal EventType = "withdrawal"
	EventPurchase   EventType = "purchase"

	EventAdminAdjust    EventType = "admin_adjust"
	EventMatchReward    EventType = "match_reward"
	EventAchievement    EventType = "achievement"
	EventPurchaseReward EventType = "purchase_reward"
	EventReversal       EventType = "reversal"
)

// Kind is the direction of a movement from the account's point of view.
type Kind int

const (
	KindDeposit Kind = iota + 1
	KindWithdraw
)

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindWithdraw:
		return "withdraw"
	default:
		return "unknown"
	}
}

var allowedEvents = map[Kind]map[EventType]bool{
	KindDeposit: {
		EventDeposit:        true,
		EventAdminAdjust:    true,
		EventMatchReward:    true,
		EventAchievement:    true,
		EventPurchaseReward: true,
		EventReversal:       true,
	},
	KindWithdraw: {
		EventWithdrawal:  true,
		EventPurchase:    true,
		EventAdminAdjust: true,
		EventReversal:    true,
	},
}

// UserInitiated event types go through rate limiting and fraud screening.
// Everything else is produced by the platform itself.
func (e EventType) UserInitiated() bool {
	switch e {
	case EventDeposit, EventWithdrawal, EventPurchase:
		return true
	default:
		return false
	}
}

// UserEventTypes lists the UserInitiated event types as ledger strings.
func UserEventTypes() []string {
	return []string{string(EventDeposit), string(EventWithdrawal), string(EventPurchase)}
}

func (e EventType) class() ratelimit.Class {
	switch e {
	case EventWithdrawal:
		return ratelimit.ClassWithdraw
	case EventPurchase:
		return ratelimit.ClassPurchase
	default:
		return ratelimit.ClassDeposit
	}
}

// Operation is one deposit or withdrawal request. Amount is always positive;
// the direction comes from the call. ExternalRef makes it idempotent.
type Operation struct {
	AccountID   int64
	Amount      int64
	EventType   EventType
	ExternalRef string
	Reason      string
	MatchID     string
}

type Result struct {
	NewBalance int64
	EntryID    int64
	Idempotent bool
}

type AdminAdjustment struct {
	AccountID   int64
	Delta       int64
	Reason      string
	ExternalRef string
}

type Reconciliation struct {
	AccountID int64
	Cached    int64
	LedgerSum int64
	Drift     int64
}

type Entry struct {
	ID            int64
	AccountID     int64
	Amount        int64
	CounterpartID int64
	EventType     EventType
	ExternalRef   string
	MatchID       string
	Reason        string
	BalanceAfter  int64
	CreatedAt     time.Time
}
