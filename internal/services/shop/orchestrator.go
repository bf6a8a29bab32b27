// Package shop sells catalog items. A purchase debits the price, records the
// purchase and applies the item's effect in one transaction.
package shop

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fastprodman/ticketeconomy/internal/events"
	"github.com/fastprodman/ticketeconomy/internal/infra/pgutils"
	"github.com/fastprodman/ticketeconomy/internal/repos/accounts"
	shoprepo "github.com/fastprodman/ticketeconomy/internal/repos/shop"
	pgshop "github.com/fastprodman/ticketeconomy/internal/repos/shop/postgres"
	"github.com/fastprodman/ticketeconomy/internal/services/ratelimit"
	"github.com/fastprodman/ticketeconomy/internal/services/wallet"
	"github.com/google/uuid"
)

var (
	ErrItemNotFound    = shoprepo.ErrItemNotFound
	ErrItemUnavailable = errors.New("shop item is not available")
	ErrUnknownEffect   = errors.New("unknown item effect")
	ErrTokenNotFound   = errors.New("active token not found")
)

type PurchaseRequest struct {
	AccountID int64
	ItemID    int64
	// RequestID identifies the buyer's attempt. Retrying with the same id
	// returns the recorded purchase; empty means a fresh purchase.
	RequestID string
	Params    Params
}

type PurchaseResult struct {
	PurchaseID   int64
	ExternalRef  string
	NewBalance   int64
	EffectResult json.RawMessage
	Idempotent   bool
}

type Token struct {
	PurchaseID int64
	ItemID     int64
	Kind       EffectKind
	Payload    json.RawMessage
	CreatedAt  time.Time
}

type Orchestrator struct {
	db       *sql.DB
	wallet   *wallet.Service
	repo     shoprepo.Shop
	effects  map[EffectKind]Effect
	notifier events.Publisher
	logger   *slog.Logger
}

type Option func(*Orchestrator)

// WithEffect registers e, replacing any effect of the same kind.
func WithEffect(e Effect) Option {
	return func(o *Orchestrator) { o.effects[e.Kind()] = e }
}

func WithNotifier(p events.Publisher) Option {
	return func(o *Orchestrator) { o.notifier = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithRoll replaces the random source of mystery boxes. roll(n) returns a
// value in [0, n).
func WithRoll(roll func(n int64) int64) Option {
	return func(o *Orchestrator) {
		o.effects[MysteryBox] = mysteryBox{repo: o.repo, wallet: o.wallet, roll: roll}
	}
}

func New(db *sql.DB, w *wallet.Service, opts ...Option) *Orchestrator {
	repo := pgshop.New(db)

	o := &Orchestrator{
		db:     db,
		wallet: w,
		repo:   repo,
		logger: slog.Default(),
	}

	o.effects = map[EffectKind]Effect{
		ScoreMultiplier:   scoreMultiplier{repo: repo},
		Leverage:          leverage{repo: repo},
		InfoGrant:         infoGrant{repo: repo},
		Bounty:            bounty{},
		TournamentSponsor: tournamentSponsor{repo: repo},
		MysteryBox:        mysteryBox{repo: repo, wallet: w, roll: defaultRoll},
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// PurchaseRef is the idempotency key shared by the debit and the purchase row.
func PurchaseRef(accountID, itemID int64, requestID string) string {
	return fmt.Sprintf("purchase:%d:%d:%s", accountID, itemID, requestID)
}

func (o *Orchestrator) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	switch {
	case req.AccountID <= 0:
		return PurchaseResult{}, &wallet.ValidationError{Field: "account_id", Message: "must be positive"}
	case req.ItemID <= 0:
		return PurchaseResult{}, &wallet.ValidationError{Field: "item_id", Message: "must be positive"}
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	ref := PurchaseRef(req.AccountID, req.ItemID, req.RequestID)

	item, err := o.repo.GetItem(ctx, o.db, req.ItemID)
	if err != nil {
		if errors.Is(err, shoprepo.ErrItemNotFound) {
			return PurchaseResult{}, err
		}

		return PurchaseResult{}, fmt.Errorf("purchase: %w", err)
	}

	err = o.wallet.Screen(ctx, req.AccountID, item.Price, ratelimit.ClassPurchase, true)
	if err != nil {
		return PurchaseResult{}, err
	}

	var res PurchaseResult

	err = o.wallet.Transact(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		res, err = o.purchaseTx(ctx, tx, req, ref)

		return err
	})
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("purchase item %d: %w", req.ItemID, err)
	}

	if !res.Idempotent {
		o.wallet.Notify(ctx, req.AccountID, res.NewBalance, wallet.EventPurchase, -item.Price)
		o.publish(ctx, events.New(events.PurchaseCompleted, req.AccountID, map[string]any{
			"purchase_id": res.PurchaseID,
			"item_id":     req.ItemID,
			"effect":      item.EffectType,
			"result":      res.EffectResult,
		}))
	}

	return res, nil
}

func (o *Orchestrator) purchaseTx(ctx context.Context, tx *sql.Tx, req PurchaseRequest, ref string) (PurchaseResult, error) {
	prior, err := o.repo.FindPurchaseByRef(ctx, tx, ref)
	if err == nil {
		balance, err := o.wallet.BalanceTx(ctx, tx, req.AccountID)
		if err != nil {
			return PurchaseResult{}, err
		}

		return PurchaseResult{
			PurchaseID:   prior.ID,
			ExternalRef:  ref,
			NewBalance:   balance,
			EffectResult: prior.EffectResult,
			Idempotent:   true,
		}, nil
	}

	if !errors.Is(err, shoprepo.ErrPurchaseNotFound) {
		return PurchaseResult{}, err
	}

	item, err := o.repo.LockItem(ctx, tx, req.ItemID)
	if err != nil {
		return PurchaseResult{}, err
	}

	if !item.Active {
		return PurchaseResult{}, fmt.Errorf("%w: %s", ErrItemUnavailable, item.Name)
	}

	effect, ok := o.effects[EffectKind(item.EffectType)]
	if !ok {
		return PurchaseResult{}, &EffectError{Kind: EffectKind(item.EffectType), Reason: "item is misconfigured", Err: ErrUnknownEffect}
	}

	_, err = o.wallet.ApplyTx(ctx, tx, wallet.KindWithdraw, wallet.Operation{
		AccountID:   req.AccountID,
		Amount:      item.Price,
		EventType:   wallet.EventPurchase,
		ExternalRef: ref,
		Reason:      item.Name,
	})
	if err != nil {
		return PurchaseResult{}, err
	}

	purchaseID, err := o.repo.InsertPurchase(ctx, tx, shoprepo.Purchase{
		AccountID:   req.AccountID,
		ItemID:      item.ID,
		EffectType:  item.EffectType,
		Snapshot:    item.EffectPayload,
		ExternalRef: ref,
	})
	if err != nil {
		return PurchaseResult{}, err
	}

	app := Application{
		Tx:          tx,
		AccountID:   req.AccountID,
		Item:        item,
		PurchaseID:  purchaseID,
		PurchaseRef: ref,
		Params:      req.Params,
	}

	err = effect.CanApply(ctx, app)
	if err != nil {
		return PurchaseResult{}, asEffectError(effect.Kind(), err)
	}

	out, err := effect.Apply(ctx, app)
	if err != nil {
		return PurchaseResult{}, asEffectError(effect.Kind(), err)
	}

	result, err := json.Marshal(out)
	if err != nil {
		return PurchaseResult{}, &EffectError{Kind: effect.Kind(), Reason: "effect result could not be recorded", Err: err}
	}

	err = o.repo.SetEffectResult(ctx, tx, purchaseID, result)
	if err != nil {
		return PurchaseResult{}, err
	}

	balance, err := o.wallet.BalanceTx(ctx, tx, req.AccountID)
	if err != nil {
		return PurchaseResult{}, err
	}

	return PurchaseResult{
		PurchaseID:   purchaseID,
		ExternalRef:  ref,
		NewBalance:   balance,
		EffectResult: result,
	}, nil
}

// asEffectError keeps storage and conflict errors as they are so the wallet
// can retry or count them; anything else becomes an effect failure.
func asEffectError(kind EffectKind, err error) error {
	var ee *EffectError
	if errors.As(err, &ee) {
		return err
	}

	if errors.Is(err, wallet.ErrInsufficientFunds) || isInfrastructure(err) {
		return err
	}

	return &EffectError{Kind: kind, Reason: "effect failed", Err: err}
}

func isInfrastructure(err error) bool {
	return pgutils.IsStorageError(err) || errors.Is(err, accounts.ErrVersionConflict)
}

// ListItems returns the catalog. activeOnly hides retired items.
func (o *Orchestrator) ListItems(ctx context.Context, activeOnly bool) ([]shoprepo.Item, error) {
	items, err := o.repo.ListItems(ctx, o.db, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	return items, nil
}

// ActiveTokens lists the account's purchases whose effect is still pending.
func (o *Orchestrator) ActiveTokens(ctx context.Context, accountID int64) ([]Token, error) {
	list, err := o.repo.ListActive(ctx, o.db, accountID)
	if err != nil {
		return nil, fmt.Errorf("active tokens: %w", err)
	}

	out := make([]Token, 0, len(list))
	for _, p := range list {
		out = append(out, Token{
			PurchaseID: p.ID,
			ItemID:     p.ItemID,
			Kind:       EffectKind(p.EffectType),
			Payload:    p.Snapshot,
			CreatedAt:  p.CreatedAt,
		})
	}

	return out, nil
}

// ConsumeToken resolves one of the account's pending tokens, typically a
// leverage stake or bounty once its match is settled. Score multipliers are
// consumed by the reward processor instead.
func (o *Orchestrator) ConsumeToken(ctx context.Context, accountID, purchaseID int64) (Token, error) {
	if accountID <= 0 || purchaseID <= 0 {
		return Token{}, ErrTokenNotFound
	}

	var tok Token

	err := o.wallet.Transact(ctx, func(ctx context.Context, tx *sql.Tx) error {
		p, err := o.repo.ConsumePurchase(ctx, tx, accountID, purchaseID)
		if err != nil {
			if errors.Is(err, shoprepo.ErrPurchaseNotFound) {
				return fmt.Errorf("%w: purchase %d", ErrTokenNotFound, purchaseID)
			}

			return err
		}

		tok = Token{
			PurchaseID: p.ID,
			ItemID:     p.ItemID,
			Kind:       EffectKind(p.EffectType),
			Payload:    p.Snapshot,
			CreatedAt:  p.CreatedAt,
		}

		return nil
	})
	if err != nil {
		return Token{}, err
	}

	o.logger.InfoContext(ctx, "token consumed", "account_id", accountID, "purchase_id", purchaseID, "effect", string(tok.Kind))

	return tok, nil
}

// ConsumeScoreMultiplier uses up the account's oldest multiplier token inside
// tx and returns its factor. ok is false when the account holds none.
func (o *Orchestrator) ConsumeScoreMultiplier(ctx context.Context, tx *sql.Tx, accountID int64) (factor int64, ok bool, err error) {
	p, ok, err := o.repo.ConsumeOldestActive(ctx, tx, accountID, string(ScoreMultiplier))
	if err != nil || !ok {
		return 0, false, err
	}

	var payload multiplierPayload

	err = json.Unmarshal(p.Snapshot, &payload)
	if err != nil {
		return 0, false, fmt.Errorf("decode multiplier %d: %w", p.ID, err)
	}

	if payload.Factor < 1 {
		payload.Factor = 1
	}

	return payload.Factor, true, nil
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	if o.notifier == nil {
		return
	}

	err := o.notifier.Publish(ctx, e)
	if err != nil {
		o.logger.WarnContext(ctx, "purchase event not sent", "account_id", e.AccountID, "error", err)
	}
}
