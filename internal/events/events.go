// Package events carries wallet notifications and audit records to their
// sinks. Publishing happens after commit and never affects ledger state.
package events

import (
	"context"
	"time"
)

type Type string

const (
	BalanceChanged    Type = "balance.changed"
	FraudBlocked      Type = "audit.fraud_blocked"
	PurchaseCompleted Type = "purchase.completed"
	RewardsApplied    Type = "rewards.applied"
	EntryReversed     Type = "audit.entry_reversed"
	BalanceDrift      Type = "audit.balance_drift"
)

type Event struct {
	Type       Type           `json:"type"`
	AccountID  int64          `json:"account_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// New stamps OccurredAt with the current UTC time.
func New(t Type, accountID int64, data map[string]any) Event {
	return Event{
		Type:       t,
		AccountID:  accountID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}
