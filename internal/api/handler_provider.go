package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	shoprepo "github.com/fastprodman/ticketeconomy/internal/repos/shop"
	"github.com/fastprodman/ticketeconomy/internal/services/rewards"
	"github.com/fastprodman/ticketeconomy/internal/services/shop"
	"github.com/fastprodman/ticketeconomy/internal/services/wallet"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Wallet is the part of the wallet service exposed over HTTP.
type Wallet interface {
	Deposit(ctx context.Context, op wallet.Operation) (wallet.Result, error)
	Withdraw(ctx context.Context, op wallet.Operation) (wallet.Result, error)
	GetBalance(ctx context.Context, accountID int64) (int64, error)
	History(ctx context.Context, accountID int64, limit int) ([]wallet.Entry, error)
	AdminAdjust(ctx context.Context, adj wallet.AdminAdjustment) (wallet.Result, error)
	SetBalance(ctx context.Context, accountID, target int64, reason, ref string) (wallet.Result, error)
	Reverse(ctx context.Context, entryID int64, reason string) (wallet.Result, error)
	Reconcile(ctx context.Context, accountID int64) (wallet.Reconciliation, error)
}

type Shop interface {
	Purchase(ctx context.Context, req shop.PurchaseRequest) (shop.PurchaseResult, error)
	ListItems(ctx context.Context, activeOnly bool) ([]shoprepo.Item, error)
	ActiveTokens(ctx context.Context, accountID int64) ([]shop.Token, error)
	ConsumeToken(ctx context.Context, accountID, purchaseID int64) (shop.Token, error)
}

type Rewards interface {
	ProcessMatchRewards(ctx context.Context, matchID string) (rewards.Summary, error)
	ProcessOutcome(ctx context.Context, outcome rewards.MatchOutcome) (rewards.Summary, error)
}

// HandlerProvider exposes the wallet, shop and reward services as HTTP handlers.
type HandlerProvider struct {
	wallet   Wallet
	shop     Shop
	rewards  Rewards
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandler(w Wallet, s Shop, r Rewards, logger *slog.Logger) *HandlerProvider {
	if logger == nil {
		logger = slog.Default()
	}

	return &HandlerProvider{
		wallet:   w,
		shop:     s,
		rewards:  r,
		validate: newValidator(),
		logger:   logger,
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseIDFromPath reads a positive id from the named chi route parameter.
func parseIDFromPath(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		return 0, fmt.Errorf("missing %s", name)
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}

	if id <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", name)
	}

	return id, nil
}

// decode reads a JSON body into dst and validates it. It writes the 400
// response itself and reports whether the handler may continue.
func (h *HandlerProvider) decode(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)

	switch {
	case errors.Is(err, io.EOF) && allowEmpty:
	case errors.Is(err, io.EOF):
		writeError(w, http.StatusBadRequest, "empty body")
		return false
	case err != nil:
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}

	err = h.validate.Struct(dst)
	if err != nil {
		writeValidationError(w, err)
		return false
	}

	return true
}

// --- Wallet handlers ---

// DepositHandler handles POST /accounts/{accountId}/deposits
func (h *HandlerProvider) DepositHandler(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, h.wallet.Deposit, wallet.EventDeposit)
}

// WithdrawHandler handles POST /accounts/{accountId}/withdrawals
func (h *HandlerProvider) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, h.wallet.Withdraw, wallet.EventWithdrawal)
}

func (h *HandlerProvider) movement(
	w http.ResponseWriter,
	r *http.Request,
	apply func(context.Context, wallet.Operation) (wallet.Result, error),
	eventType wallet.EventType,
) {
	accountID, err := parseIDFromPath(r, "accountId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid accountId in path")
		return
	}

	var req movementRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	res, err := apply(r.Context(), wallet.Operation{
		AccountID:   accountID,
		Amount:      req.Amount,
		EventType:   eventType,
		ExternalRef: req.ExternalRef,
		Reason:      req.Reason,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toResultResponse(accountID, res))
}

// GetBalanceHandler handles GET /accounts/{accountId}/balance
func (h *HandlerProvider) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := parseIDFromPath(r, "accountId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid accountId in path")
		return
	}

	bal, err := h.wallet.GetBalance(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{AccountID: accountID, Balance: bal})
}

// HistoryHandler handles GET /accounts/{accountId}/entries?limit=
func (h *HandlerProvider) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := parseIDFromPath(r, "accountId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid accountId in path")
		return
	}

	limit := 0

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	list, err := h.wallet.History(r.Context(), accountID, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	out := make([]entryResponse, 0, len(list))
	for _, e := range list {
		out = append(out, toEntryResponse(e))
	}

	writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "entries": out})
}

// --- Shop handlers ---

// PurchaseHandler handles POST /accounts/{accountId}/purchases
func (h *HandlerProvider) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := parseIDFromPath(r, "accountId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid accountId in path")
		return
	}

	var req purchaseRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	res, err := h.shop.Purchase(r.Context(), shop.PurchaseRequest{
		AccountID: accountID,
		ItemID:    req.ItemID,
		RequestID: req.RequestID,
		Params: shop.Params{
			TargetAccountID: req.TargetAccountID,
			TournamentID:    req.TournamentID,
		},
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, purchaseResponse{
		PurchaseID:   res.PurchaseID,
		ExternalRef:  res.ExternalRef,
		NewBalance:   res.NewBalance,
		EffectResult: res.EffectResult,
		Idempotent:   res.Idempotent,
	})
}

// TokensHandler handles GET /accounts/{accountId}/tokens
func (h *HandlerProvider) TokensHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := parseIDFromPath(r, "accountId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid accountId in path")
		return
	}

	tokens, err := h.shop.ActiveTokens(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	out := make([]tokenResponse, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, tokenResponse{
			PurchaseID: t.PurchaseID,
			ItemID:     t.ItemID,
			Effect:     string(t.Kind),
			Payload:    t.Payload,
			CreatedAt:  t.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "tokens": out})
}

// ConsumeTokenHandler handles POST /accounts/{accountId}/tokens/{purchaseId}/consume
func (h *HandlerProvider) ConsumeTokenHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := parseIDFromPath(r, "accountId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid accountId in path")
		return
	}

	purchaseID, err := parseIDFromPath(r, "purchaseId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid purchaseId in path")
		return
	}

	t, err := h.shop.ConsumeToken(r.Context(), accountID, purchaseID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		PurchaseID: t.PurchaseID,
		ItemID:     t.ItemID,
		Effect:     string(t.Kind),
		Payload:    t.Payload,
		CreatedAt:  t.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// ItemsHandler handles GET /shop/items?all=true
func (h *HandlerProvider) ItemsHandler(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))

	items, err := h.shop.ListItems(r.Context(), !all)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	out := make([]itemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, itemResponse{
			ID:       it.ID,
			Name:     it.Name,
			Category: it.Category,
			Price:    it.Price,
			Effect:   it.EffectType,
			Payload:  it.EffectPayload,
			Active:   it.Active,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// --- Rewards ---

// MatchRewardsHandler handles POST /matches/{matchId}/rewards. With an empty
// body the outcome is fetched from the match source.
func (h *HandlerProvider) MatchRewardsHandler(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchId")
	if matchID == "" {
		writeError(w, http.StatusBadRequest, "invalid matchId in path")
		return
	}

	var req matchRewardsRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	var (
		sum rewards.Summary
		err error
	)

	if len(req.Participants) == 0 {
		sum, err = h.rewards.ProcessMatchRewards(r.Context(), matchID)
	} else {
		sum, err = h.rewards.ProcessOutcome(r.Context(), req.outcome(matchID))
	}

	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSummaryResponse(sum))
}

// --- Admin ---

// AdjustHandler handles POST /admin/accounts/{accountId}/adjust
func (h *HandlerProvider) AdjustHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := parseIDFromPath(r, "accountId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid accountId in path")
		return
	}

	var req adjustRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	res, err := h.wallet.AdminAdjust(r.Context(), wallet.AdminAdjustment{
		AccountID:   accountID,
		Delta:       req.Delta,
		Reason:      req.Reason,
		ExternalRef: req.ExternalRef,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toResultResponse(accountID, res))
}

// SetBalanceHandler handles PUT /admin/accounts/{accountId}/balance
func (h *HandlerProvider) SetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := parseIDFromPath(r, "accountId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid accountId in path")
		return
	}

	var req setBalanceRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	res, err := h.wallet.SetBalance(r.Context(), accountID, *req.Balance, req.Reason, req.ExternalRef)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toResultResponse(accountID, res))
}

// ReconcileHandler handles GET /admin/accounts/{accountId}/reconciliation
func (h *HandlerProvider) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := parseIDFromPath(r, "accountId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid accountId in path")
		return
	}

	rec, err := h.wallet.Reconcile(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": rec.AccountID,
		"cached":     rec.Cached,
		"ledger_sum": rec.LedgerSum,
		"drift":      rec.Drift,
	})
}

// ReverseHandler handles POST /admin/entries/{entryId}/reversal
func (h *HandlerProvider) ReverseHandler(w http.ResponseWriter, r *http.Request) {
	entryID, err := parseIDFromPath(r, "entryId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entryId in path")
		return
	}

	var req reversalRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	res, err := h.wallet.Reverse(r.Context(), entryID, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entry_id":    res.EntryID,
		"new_balance": res.NewBalance,
		"idempotent":  res.Idempotent,
	})
}
