package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fastprodman/ticketeconomy/internal/infra/logging"
	shoprepo "github.com/fastprodman/ticketeconomy/internal/repos/shop"
	"github.com/fastprodman/ticketeconomy/internal/services/fraud"
	"github.com/fastprodman/ticketeconomy/internal/services/ratelimit"
	"github.com/fastprodman/ticketeconomy/internal/services/rewards"
	"github.com/fastprodman/ticketeconomy/internal/services/shop"
	"github.com/fastprodman/ticketeconomy/internal/services/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubWallet struct {
	Wallet

	err     error
	lastOp  wallet.Operation
	balance int64
}

func (s *stubWallet) Deposit(_ context.Context, op wallet.Operation) (wallet.Result, error) {
	s.lastOp = op
	if s.err != nil {
		return wallet.Result{}, s.err
	}

	return wallet.Result{NewBalance: s.balance + op.Amount, EntryID: 11}, nil
}

func (s *stubWallet) Withdraw(_ context.Context, op wallet.Operation) (wallet.Result, error) {
	s.lastOp = op
	if s.err != nil {
		return wallet.Result{}, s.err
	}

	return wallet.Result{NewBalance: s.balance - op.Amount, EntryID: 12}, nil
}

func (s *stubWallet) GetBalance(context.Context, int64) (int64, error) {
	return s.balance, s.err
}

func (s *stubWallet) SetBalance(_ context.Context, accountID, target int64, reason, ref string) (wallet.Result, error) {
	s.lastOp = wallet.Operation{AccountID: accountID, Amount: target, Reason: reason, ExternalRef: ref}
	return wallet.Result{NewBalance: target, EntryID: 13}, s.err
}

type stubShop struct {
	Shop

	err  error
	last shop.PurchaseRequest
}

func (s *stubShop) Purchase(_ context.Context, req shop.PurchaseRequest) (shop.PurchaseResult, error) {
	s.last = req
	if s.err != nil {
		return shop.PurchaseResult{}, s.err
	}

	return shop.PurchaseResult{PurchaseID: 5, NewBalance: 40, EffectResult: json.RawMessage(`{"granted":true}`)}, nil
}

func (s *stubShop) ConsumeToken(_ context.Context, accountID, purchaseID int64) (shop.Token, error) {
	s.last = shop.PurchaseRequest{AccountID: accountID, ItemID: purchaseID}
	if s.err != nil {
		return shop.Token{}, s.err
	}

	return shop.Token{PurchaseID: purchaseID, ItemID: 2, Kind: shop.Leverage, Payload: json.RawMessage(`{"factor":3}`)}, nil
}

func (s *stubShop) ListItems(context.Context, bool) ([]shoprepo.Item, error) {
	return []shoprepo.Item{{ID: 1, Name: "Scouting Report", Price: 10, EffectType: "info_grant", Active: true}}, nil
}

type stubRewards struct {
	fetched  string
	outcome  rewards.MatchOutcome
	fetchErr error
}

func (s *stubRewards) ProcessMatchRewards(_ context.Context, matchID string) (rewards.Summary, error) {
	s.fetched = matchID
	return rewards.Summary{MatchID: matchID}, s.fetchErr
}

func (s *stubRewards) ProcessOutcome(_ context.Context, o rewards.MatchOutcome) (rewards.Summary, error) {
	s.outcome = o

	return rewards.Summary{
		MatchID: o.MatchID,
		Items:   []rewards.LineItem{{AccountID: 1, Kind: rewards.KindParticipation, Amount: 10}},
		Totals:  map[int64]int64{1: 10},
	}, nil
}

func newTestRouter(w Wallet, s Shop, r Rewards) http.Handler {
	return NewRouter(NewHandler(w, s, r, logging.Discard()), []string{"*"})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestDepositHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		body       string
		err        error
		wantStatus int
	}{
		{name: "ok", path: "/accounts/7/deposits", body: `{"amount":100,"external_ref":"pay-1"}`, wantStatus: http.StatusOK},
		{name: "bad_path", path: "/accounts/abc/deposits", body: `{"amount":100}`, wantStatus: http.StatusBadRequest},
		{name: "zero_amount", path: "/accounts/7/deposits", body: `{"amount":0}`, wantStatus: http.StatusBadRequest},
		{name: "unknown_field", path: "/accounts/7/deposits", body: `{"amount":1,"event_type":"match_reward"}`, wantStatus: http.StatusBadRequest},
		{name: "empty_body", path: "/accounts/7/deposits", body: ``, wantStatus: http.StatusBadRequest},
		{name: "service_validation", path: "/accounts/7/deposits", body: `{"amount":1}`, err: &wallet.ValidationError{Field: "amount", Message: "too large"}, wantStatus: http.StatusBadRequest},
		{name: "ref_conflict", path: "/accounts/7/deposits", body: `{"amount":1}`, err: fmt.Errorf("deposit: %w", wallet.ErrReferenceConflict), wantStatus: http.StatusConflict},
		{name: "fraud", path: "/accounts/7/deposits", body: `{"amount":1}`, err: &fraud.BlockedError{Check: fraud.CheckVelocity, Reason: "too fast"}, wantStatus: http.StatusForbidden},
		{name: "retries", path: "/accounts/7/deposits", body: `{"amount":1}`, err: fmt.Errorf("%w after 10 attempts", wallet.ErrMaxRetriesExceeded), wantStatus: http.StatusServiceUnavailable},
		{name: "breaker", path: "/accounts/7/deposits", body: `{"amount":1}`, err: wallet.ErrCircuitOpen, wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			w := &stubWallet{err: tt.err, balance: 50}
			rec := do(t, newTestRouter(w, &stubShop{}, &stubRewards{}), http.MethodPost, tt.path, tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.wantStatus == http.StatusOK {
				assert.JSONEq(t, `{"account_id":7,"entry_id":11,"new_balance":150,"idempotent":false}`, rec.Body.String())
				assert.Equal(t, wallet.EventDeposit, w.lastOp.EventType)
				assert.Equal(t, "pay-1", w.lastOp.ExternalRef)
			}
		})
	}
}

func TestWithdrawHandler_InsufficientFunds(t *testing.T) {
	t.Parallel()

	w := &stubWallet{err: fmt.Errorf("withdraw: %w", wallet.ErrInsufficientFunds)}
	rec := do(t, newTestRouter(w, &stubShop{}, &stubRewards{}), http.MethodPost, "/accounts/3/withdrawals", `{"amount":30}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"error":"insufficient funds"}`, rec.Body.String())
	assert.Equal(t, wallet.EventWithdrawal, w.lastOp.EventType)
}

func TestRateLimitedSetsRetryAfter(t *testing.T) {
	t.Parallel()

	w := &stubWallet{err: &ratelimit.LimitError{AccountID: 3, Class: ratelimit.ClassWithdraw, Limit: 5, RetryAfter: 1500 * time.Millisecond}}
	rec := do(t, newTestRouter(w, &stubShop{}, &stubRewards{}), http.MethodPost, "/accounts/3/withdrawals", `{"amount":30}`)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestStorageErrorExposesOnlyCorrelationID(t *testing.T) {
	t.Parallel()

	w := &stubWallet{err: &wallet.StorageError{CorrelationID: "abc-123", Err: errors.New("pq: connection refused to 10.0.0.5")}}

	req := httptest.NewRequest(http.MethodGet, "/accounts/3/balance", nil)
	req.Header.Set(correlationHeader, "abc-123")

	rec := httptest.NewRecorder()
	newTestRouter(w, &stubShop{}, &stubRewards{}).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error","correlation_id":"abc-123"}`, rec.Body.String())
	assert.Equal(t, "abc-123", rec.Header().Get(correlationHeader))
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestUnexpectedErrorGetsCorrelationID(t *testing.T) {
	t.Parallel()

	w := &stubWallet{err: errors.New("boom")}
	rec := do(t, newTestRouter(w, &stubShop{}, &stubRewards{}), http.MethodGet, "/accounts/3/balance", "")

	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, rec.Header().Get(correlationHeader), body["correlation_id"])
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestPurchaseHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "ok", wantStatus: http.StatusOK},
		{name: "effect_failed", err: &shop.EffectError{Kind: shop.Leverage, Reason: "a leverage token is already active"}, wantStatus: http.StatusUnprocessableEntity},
		{name: "item_missing", err: shop.ErrItemNotFound, wantStatus: http.StatusNotFound},
		{name: "item_retired", err: fmt.Errorf("purchase item 1: %w", shop.ErrItemUnavailable), wantStatus: http.StatusConflict},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := &stubShop{err: tt.err}
			rec := do(t, newTestRouter(&stubWallet{}, s, &stubRewards{}), http.MethodPost,
				"/accounts/4/purchases", `{"item_id":1,"request_id":"r1","target_account_id":9}`)

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, int64(4), s.last.AccountID)
			assert.Equal(t, int64(9), s.last.Params.TargetAccountID)
		})
	}
}

func TestConsumeTokenHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "ok", wantStatus: http.StatusOK},
		{name: "already_settled", err: fmt.Errorf("%w: purchase 12", shop.ErrTokenNotFound), wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := &stubShop{err: tt.err}
			rec := do(t, newTestRouter(&stubWallet{}, s, &stubRewards{}), http.MethodPost,
				"/accounts/4/tokens/12/consume", "")

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, int64(4), s.last.AccountID)
			assert.Equal(t, int64(12), s.last.ItemID)
		})
	}
}

func TestMatchRewardsHandler(t *testing.T) {
	t.Parallel()

	r := &stubRewards{}
	h := newTestRouter(&stubWallet{}, &stubShop{}, r)

	rec := do(t, h, http.MethodPost, "/matches/m-1/rewards",
		`{"participants":[{"account_id":1,"won":true,"rating":900},{"account_id":2,"rating":1200}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "m-1", r.outcome.MatchID)
	assert.Len(t, r.outcome.Participants, 2)
	assert.JSONEq(t, `{"match_id":"m-1","replayed":false,"items":[{"account_id":1,"kind":"participation","amount":10,"external_ref":""}],"totals":{"1":10}}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/matches/m-2/rewards", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "m-2", r.fetched)

	rec = do(t, h, http.MethodPost, "/matches/m-3/rewards", `{"participants":[{"account_id":0}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	missing := &stubRewards{fetchErr: fmt.Errorf("fetch outcome: %w", rewards.ErrMatchNotFound)}
	rec = do(t, newTestRouter(&stubWallet{}, &stubShop{}, missing), http.MethodPost, "/matches/nope/rewards", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetBalanceHandler_Validation(t *testing.T) {
	t.Parallel()

	w := &stubWallet{}
	h := newTestRouter(w, &stubShop{}, &stubRewards{})

	rec := do(t, h, http.MethodPut, "/admin/accounts/5/balance", `{"reason":"support"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"balance"`)

	rec = do(t, h, http.MethodPut, "/admin/accounts/5/balance", `{"balance":0,"reason":"support","external_ref":"t-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "t-1", w.lastOp.ExternalRef)
}

func TestItemsAndHealth(t *testing.T) {
	t.Parallel()

	h := newTestRouter(&stubWallet{}, &stubShop{}, &stubRewards{})

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/shop/items", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Scouting Report")
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	h := NewRouter(NewHandler(&stubWallet{}, &stubShop{}, &stubRewards{}, logging.Discard()), []string{"https://arena.example"})

	req := httptest.NewRequest(http.MethodOptions, "/accounts/1/deposits", nil)
	req.Header.Set("Origin", "https://arena.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://arena.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
