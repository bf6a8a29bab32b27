package api

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/fastprodman/ticketeconomy/internal/services/rewards"
	"github.com/fastprodman/ticketeconomy/internal/services/wallet"
	"github.com/go-playground/validator/v10"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// report json names so clients see the fields they sent
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}

		return name
	})

	return v
}

type movementRequest struct {
	Amount      int64  `json:"amount" validate:"gt=0"`
	ExternalRef string `json:"external_ref" validate:"max=200"`
	Reason      string `json:"reason" validate:"max=500"`
}

type purchaseRequest struct {
	ItemID          int64  `json:"item_id" validate:"gt=0"`
	RequestID       string `json:"request_id" validate:"max=100"`
	TargetAccountID int64  `json:"target_account_id" validate:"gte=0"`
	TournamentID    string `json:"tournament_id" validate:"max=100"`
}

type adjustRequest struct {
	Delta       int64  `json:"delta" validate:"ne=0"`
	Reason      string `json:"reason" validate:"required,max=500"`
	ExternalRef string `json:"external_ref" validate:"max=200"`
}

type setBalanceRequest struct {
	Balance     *int64 `json:"balance" validate:"required,gte=0"`
	Reason      string `json:"reason" validate:"required,max=500"`
	ExternalRef string `json:"external_ref" validate:"max=200"`
}

type reversalRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type participantRequest struct {
	AccountID int64 `json:"account_id" validate:"gt=0"`
	Won       bool  `json:"won"`
	Rating    int64 `json:"rating" validate:"gte=0"`
	Placement int   `json:"placement" validate:"gte=0"`
}

type matchRewardsRequest struct {
	Participants []participantRequest `json:"participants" validate:"omitempty,dive"`
}

func (m matchRewardsRequest) outcome(matchID string) rewards.MatchOutcome {
	out := rewards.MatchOutcome{MatchID: matchID, Participants: make([]rewards.Participant, 0, len(m.Participants))}

	for _, p := range m.Participants {
		out.Participants = append(out.Participants, rewards.Participant{
			AccountID: p.AccountID,
			Won:       p.Won,
			Rating:    p.Rating,
			Placement: p.Placement,
		})
	}

	return out
}

type balanceResponse struct {
	AccountID int64 `json:"account_id"`
	Balance   int64 `json:"balance"`
}

type resultResponse struct {
	AccountID  int64 `json:"account_id"`
	EntryID    int64 `json:"entry_id"`
	NewBalance int64 `json:"new_balance"`
	Idempotent bool  `json:"idempotent"`
}

func toResultResponse(accountID int64, r wallet.Result) resultResponse {
	return resultResponse{
		AccountID:  accountID,
		EntryID:    r.EntryID,
		NewBalance: r.NewBalance,
		Idempotent: r.Idempotent,
	}
}

type entryResponse struct {
	ID            int64  `json:"id"`
	Amount        int64  `json:"amount"`
	CounterpartID int64  `json:"counterpart_id"`
	EventType     string `json:"event_type"`
	ExternalRef   string `json:"external_ref,omitempty"`
	MatchID       string `json:"match_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	BalanceAfter  int64  `json:"balance_after"`
	CreatedAt     string `json:"created_at"`
}

func toEntryResponse(e wallet.Entry) entryResponse {
	return entryResponse{
		ID:            e.ID,
		Amount:        e.Amount,
		CounterpartID: e.CounterpartID,
		EventType:     string(e.EventType),
		ExternalRef:   e.ExternalRef,
		MatchID:       e.MatchID,
		Reason:        e.Reason,
		BalanceAfter:  e.BalanceAfter,
		CreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

type purchaseResponse struct {
	PurchaseID   int64           `json:"purchase_id"`
	ExternalRef  string          `json:"external_ref"`
	NewBalance   int64           `json:"new_balance"`
	EffectResult json.RawMessage `json:"effect_result,omitempty"`
	Idempotent   bool            `json:"idempotent"`
}

type tokenResponse struct {
	PurchaseID int64           `json:"purchase_id"`
	ItemID     int64           `json:"item_id"`
	Effect     string          `json:"effect"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

type itemResponse struct {
	ID       int64           `json:"id"`
	Name     string          `json:"name"`
	Category string          `json:"category"`
	Price    int64           `json:"price"`
	Effect   string          `json:"effect"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Active   bool            `json:"active"`
}

type lineItemResponse struct {
	AccountID   int64  `json:"account_id"`
	Kind        string `json:"kind"`
	Amount      int64  `json:"amount"`
	ExternalRef string `json:"external_ref"`
}

type summaryResponse struct {
	MatchID  string             `json:"match_id"`
	Replayed bool               `json:"replayed"`
	Items    []lineItemResponse `json:"items"`
	Totals   map[int64]int64    `json:"totals"`
}

func toSummaryResponse(s rewards.Summary) summaryResponse {
	out := summaryResponse{
		MatchID:  s.MatchID,
		Replayed: s.Replayed,
		Items:    make([]lineItemResponse, 0, len(s.Items)),
		Totals:   s.Totals,
	}

	for _, it := range s.Items {
		out.Items = append(out.Items, lineItemResponse(it))
	}

	return out
}
