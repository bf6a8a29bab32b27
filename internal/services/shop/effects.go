package shop

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"

	shoprepo "github.com/fastprodman/ticketeconomy/internal/repos/shop"
	"github.com/fastprodman/ticketeconomy/internal/services/wallet"
)

type EffectKind string

const (
	ScoreMultiplier   EffectKind = "score_multiplier"
	Leverage          EffectKind = "leverage"
	InfoGrant         EffectKind = "info_grant"
	Bounty            EffectKind = "bounty"
	TournamentSponsor EffectKind = "tournament_sponsor"
	MysteryBox        EffectKind = "mystery_box"
)

var ErrEffectFailed = errors.New("item effect could not be applied")

// EffectError is returned when an effect refuses or fails. Reason is safe to
// show to the buyer.
type EffectError struct {
	Kind   EffectKind
	Reason string
	Err    error
}

func (e *EffectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *EffectError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrEffectFailed}
	}

	return []error{ErrEffectFailed, e.Err}
}

func refuse(kind EffectKind, reason string) error {
	return &EffectError{Kind: kind, Reason: reason}
}

// Params are buyer-supplied arguments some effects need.
type Params struct {
	TargetAccountID int64  `json:"target_account_id,omitempty"`
	TournamentID    string `json:"tournament_id,omitempty"`
}

// Application is what an effect sees while the purchase transaction is open.
type Application struct {
	Tx          *sql.Tx
	AccountID   int64
	Item        shoprepo.Item
	PurchaseID  int64
	PurchaseRef string
	Params      Params
}

// Effect is one item behavior. CanApply runs before Apply; both run inside
// the purchase transaction, so any error undoes the debit as well.
type Effect interface {
	Kind() EffectKind
	CanApply(ctx context.Context, a Application) error
	Apply(ctx context.Context, a Application) (map[string]any, error)
}

func decodePayload(kind EffectKind, raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}

	err := json.Unmarshal(raw, dst)
	if err != nil {
		return &EffectError{Kind: kind, Reason: "item is misconfigured", Err: err}
	}

	return nil
}

type multiplierPayload struct {
	Factor   int64 `json:"factor"`
	MaxStack int   `json:"max_stack"`
}

// scoreMultiplier tokens boost the next win bonus and stack up to MaxStack.
type scoreMultiplier struct {
	repo shoprepo.Shop
}

func (scoreMultiplier) Kind() EffectKind { return ScoreMultiplier }

func (e scoreMultiplier) CanApply(ctx context.Context, a Application) error {
	var p multiplierPayload

	err := decodePayload(ScoreMultiplier, a.Item.EffectPayload, &p)
	if err != nil {
		return err
	}

	if p.Factor < 2 {
		return refuse(ScoreMultiplier, "item is misconfigured")
	}

	if p.MaxStack < 1 {
		p.MaxStack = 1
	}

	n, err := e.repo.CountActive(ctx, a.Tx, a.AccountID, string(ScoreMultiplier), a.PurchaseID)
	if err != nil {
		return err
	}

	if n >= p.MaxStack {
		return refuse(ScoreMultiplier, fmt.Sprintf("at most %d active multipliers", p.MaxStack))
	}

	return nil
}

func (e scoreMultiplier) Apply(_ context.Context, a Application) (map[string]any, error) {
	var p multiplierPayload

	err := decodePayload(ScoreMultiplier, a.Item.EffectPayload, &p)
	if err != nil {
		return nil, err
	}

	return map[string]any{"factor": p.Factor, "status": "active"}, nil
}

// leverage allows one active token per account.
type leverage struct {
	repo shoprepo.Shop
}

func (leverage) Kind() EffectKind { return Leverage }

func (e leverage) CanApply(ctx context.Context, a Application) error {
	n, err := e.repo.CountActive(ctx, a.Tx, a.AccountID, string(Leverage), a.PurchaseID)
	if err != nil {
		return err
	}

	if n > 0 {
		return refuse(Leverage, "a leverage token is already active")
	}

	return nil
}

func (e leverage) Apply(_ context.Context, a Application) (map[string]any, error) {
	var p struct {
		Factor int64 `json:"factor"`
	}

	err := decodePayload(Leverage, a.Item.EffectPayload, &p)
	if err != nil {
		return nil, err
	}

	return map[string]any{"factor": p.Factor, "status": "active"}, nil
}

// infoGrant is delivered at once, so the purchase is consumed immediately.
type infoGrant struct {
	repo shoprepo.Shop
}

func (infoGrant) Kind() EffectKind { return InfoGrant }

func (infoGrant) CanApply(context.Context, Application) error { return nil }

func (e infoGrant) Apply(ctx context.Context, a Application) (map[string]any, error) {
	var p struct {
		Topic string `json:"topic"`
	}

	err := decodePayload(InfoGrant, a.Item.EffectPayload, &p)
	if err != nil {
		return nil, err
	}

	err = e.repo.MarkConsumed(ctx, a.Tx, a.PurchaseID)
	if err != nil {
		return nil, err
	}

	return map[string]any{"topic": p.Topic, "granted": true}, nil
}

// bounty places a reward on another account. Claiming it belongs to the
// match lifecycle, so the purchase stays active.
type bounty struct{}

func (bounty) Kind() EffectKind { return Bounty }

func (bounty) CanApply(_ context.Context, a Application) error {
	switch {
	case a.Params.TargetAccountID <= 0:
		return refuse(Bounty, "a target account is required")
	case a.Params.TargetAccountID == a.AccountID:
		return refuse(Bounty, "cannot place a bounty on yourself")
	default:
		return nil
	}
}

func (bounty) Apply(_ context.Context, a Application) (map[string]any, error) {
	var p struct {
		Reward int64 `json:"reward"`
	}

	err := decodePayload(Bounty, a.Item.EffectPayload, &p)
	if err != nil {
		return nil, err
	}

	return map[string]any{"target_account_id": a.Params.TargetAccountID, "reward": p.Reward}, nil
}

type tournamentSponsor struct {
	repo shoprepo.Shop
}

func (tournamentSponsor) Kind() EffectKind { return TournamentSponsor }

func (tournamentSponsor) CanApply(_ context.Context, a Application) error {
	if a.Params.TournamentID == "" {
		return refuse(TournamentSponsor, "a tournament id is required")
	}

	return nil
}

func (e tournamentSponsor) Apply(ctx context.Context, a Application) (map[string]any, error) {
	var p struct {
		PoolShare int64 `json:"pool_share"`
	}

	err := decodePayload(TournamentSponsor, a.Item.EffectPayload, &p)
	if err != nil {
		return nil, err
	}

	err = e.repo.MarkConsumed(ctx, a.Tx, a.PurchaseID)
	if err != nil {
		return nil, err
	}

	return map[string]any{"tournament_id": a.Params.TournamentID, "pool_share": p.PoolShare}, nil
}

// mysteryBox pays a random reward between Min and Max inside the purchase
// transaction, with a reference derived from the purchase.
type mysteryBox struct {
	repo   shoprepo.Shop
	wallet *wallet.Service
	roll   func(n int64) int64
}

type mysteryPayload struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

func (mysteryBox) Kind() EffectKind { return MysteryBox }

func (mysteryBox) CanApply(_ context.Context, a Application) error {
	var p mysteryPayload

	err := decodePayload(MysteryBox, a.Item.EffectPayload, &p)
	if err != nil {
		return err
	}

	if p.Min < 0 || p.Max < p.Min {
		return refuse(MysteryBox, "item is misconfigured")
	}

	return nil
}

func (e mysteryBox) Apply(ctx context.Context, a Application) (map[string]any, error) {
	var p mysteryPayload

	err := decodePayload(MysteryBox, a.Item.EffectPayload, &p)
	if err != nil {
		return nil, err
	}

	reward := p.Min + e.roll(p.Max-p.Min+1)

	if reward > 0 {
		_, err = e.wallet.ApplyTx(ctx, a.Tx, wallet.KindDeposit, wallet.Operation{
			AccountID:   a.AccountID,
			Amount:      reward,
			EventType:   wallet.EventPurchaseReward,
			ExternalRef: a.PurchaseRef + ":reward",
			Reason:      a.Item.Name,
		})
		if err != nil {
			return nil, err
		}
	}

	err = e.repo.MarkConsumed(ctx, a.Tx, a.PurchaseID)
	if err != nil {
		return nil, err
	}

	return map[string]any{"reward": reward}, nil
}

func defaultRoll(n int64) int64 {
	return rand.Int64N(n)
}
