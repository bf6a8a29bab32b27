package rewards

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fastprodman/ticketeconomy/internal/config"
	"github.com/fastprodman/ticketeconomy/internal/infra/logging"
	"github.com/fastprodman/ticketeconomy/internal/infra/pgtestutil"
	"github.com/fastprodman/ticketeconomy/internal/services/shop"
	"github.com/fastprodman/ticketeconomy/internal/services/wallet"
	"github.com/fastprodman/ticketeconomy/pkg/envconf"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRewards() config.RewardConfig {
	return config.RewardConfig{
		Participation:      10,
		WinBonus:           25,
		StreakThresholds:   []int64{2, 3},
		StreakBonus:        20,
		UnderdogGap:        100,
		UnderdogBonus:      15,
		StreakBreakerMin:   2,
		StreakBreaker:      30,
		GiantSlayerGap:     200,
		FirstMatchReward:   10,
		FirstWinReward:     25,
		GiantSlayerReward:  50,
		StreakMasterReward: 40,
		DefaultAchievement: 20,
	}
}

func shippedRetry(t *testing.T) config.RetryConfig {
	t.Helper()

	var cfg config.RetryConfig

	require.NoError(t, envconf.LoadWith(&cfg, func(string) (string, bool) { return "", false }))

	return cfg
}

func newWallet(t *testing.T, db *sql.DB) *wallet.Service {
	return wallet.New(db, wallet.Config{
		Wallet:  config.WalletConfig{MaxAmount: 1_000_000},
		Retry:   shippedRetry(t),
		Breaker: config.BreakerConfig{FailureThreshold: 5, Window: time.Minute, Cooldown: time.Second},
	}, wallet.WithLogger(logging.Discard()))
}

func balance(t *testing.T, w *wallet.Service, accountID int64) int64 {
	t.Helper()

	b, err := w.GetBalance(t.Context(), accountID)
	require.NoError(t, err)

	return b
}

func streakOf(t *testing.T, db *sql.DB, accountID int64) (current, best int64) {
	t.Helper()

	err := db.QueryRowContext(t.Context(),
		`SELECT current_streak, best_streak FROM reward_streaks WHERE account_id = $1`, accountID,
	).Scan(&current, &best)
	require.NoError(t, err)

	return current, best
}

func kinds(items []LineItem, accountID int64) []string {
	var out []string

	for _, it := range items {
		if it.AccountID == accountID {
			out = append(out, it.Kind)
		}
	}

	return out
}

func TestProcessOutcome_MatchSequence(t *testing.T) {
	t.Parallel()

	db, cleanup := pgtestutil.NewTestDB(t)
	defer cleanup()

	w := newWallet(t, db)
	p := New(db, w, NewStaticSource(), nil, testRewards(), WithLogger(logging.Discard()))
	ctx := t.Context()

	// underdog beats a much stronger player
	first, err := p.ProcessOutcome(ctx, MatchOutcome{MatchID: "m1", Participants: []Participant{
		{AccountID: 1, Won: true, Rating: 1000},
		{AccountID: 2, Rating: 1250},
	}})
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.ElementsMatch(t, []string{
		KindParticipation, "achievement:first_match", KindWin, "achievement:first_win",
		"achievement:giant_slayer", KindUnderdog,
	}, kinds(first.Items, 1))
	assert.Equal(t, int64(135), first.Totals[1])
	assert.Equal(t, int64(20), first.Totals[2])
	assert.Equal(t, int64(135), first.Balances[1])

	replay, err := p.ProcessOutcome(ctx, MatchOutcome{MatchID: "m1", Participants: []Participant{
		{AccountID: 1, Won: true, Rating: 1000},
		{AccountID: 2, Rating: 1250},
	}})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Totals, replay.Totals)
	assert.Len(t, replay.Items, len(first.Items))
	assert.Equal(t, int64(135), balance(t, w, 1))
	assert.Equal(t, int64(20), balance(t, w, 2))

	// second win crosses the first streak threshold
	second, err := p.ProcessOutcome(ctx, MatchOutcome{MatchID: "m2", Participants: []Participant{
		{AccountID: 1, Won: true, Rating: 1000},
		{AccountID: 2, Rating: 1000},
	}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{KindParticipation, KindWin, "streak:2", "achievement:streak_2"}, kinds(second.Items, 1))
	assert.Equal(t, int64(95), second.Totals[1])
	assert.Equal(t, int64(10), second.Totals[2])

	cur, best := streakOf(t, db, 1)
	assert.Equal(t, int64(2), cur)
	assert.Equal(t, int64(2), best)

	// the loser ends the streak
	third, err := p.ProcessOutcome(ctx, MatchOutcome{MatchID: "m3", Participants: []Participant{
		{AccountID: 1, Rating: 1000},
		{AccountID: 2, Won: true, Rating: 1000},
	}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{KindParticipation, KindWin, "achievement:first_win", "streak_breaker:1"}, kinds(third.Items, 2))
	assert.Equal(t, int64(90), third.Totals[2])

	cur, best = streakOf(t, db, 1)
	assert.Zero(t, cur)
	assert.Equal(t, int64(2), best)

	assert.Equal(t, int64(240), balance(t, w, 1))
	assert.Equal(t, int64(120), balance(t, w, 2))

	sys, err := w.GetBalance(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(-360), sys, "system account mirrors every credit")
}

func TestProcessOutcome_ConsumesScoreMultiplier(t *testing.T) {
	t.Parallel()

	db, cleanup := pgtestutil.NewTestDB(t)
	defer cleanup()

	w := newWallet(t, db)
	o := shop.New(db, w, shop.WithLogger(logging.Discard()))
	p := New(db, w, NewStaticSource(), o, testRewards(), WithLogger(logging.Discard()))
	ctx := t.Context()

	var itemID int64

	err := db.QueryRowContext(ctx, `
		INSERT INTO shop_items (name, category, price, effect_type, effect_payload, active)
		VALUES ('Triple', 'boost', 50, 'score_multiplier', '{"factor": 3}', true)
		RETURNING id
	`).Scan(&itemID)
	require.NoError(t, err)

	_, err = w.Deposit(ctx, wallet.Operation{AccountID: 7, Amount: 50})
	require.NoError(t, err)

	_, err = o.Purchase(ctx, shop.PurchaseRequest{AccountID: 7, ItemID: itemID})
	require.NoError(t, err)

	sum, err := p.ProcessOutcome(ctx, MatchOutcome{MatchID: "boosted", Participants: []Participant{
		{AccountID: 7, Won: true, Rating: 1000},
		{AccountID: 8, Rating: 1000},
	}})
	require.NoError(t, err)

	var win int64

	for _, it := range sum.Items {
		if it.AccountID == 7 && it.Kind == KindWin {
			win = it.Amount
		}
	}

	assert.Equal(t, int64(75), win)

	tokens, err := o.ActiveTokens(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestProcessOutcome_FailingLineItemAbortsBatch(t *testing.T) {
	t.Parallel()

	db, cleanup := pgtestutil.NewTestDB(t)
	defer cleanup()

	w := newWallet(t, db)
	o := shop.New(db, w, shop.WithLogger(logging.Discard()))
	p := New(db, w, NewStaticSource(), o, testRewards(), WithLogger(logging.Discard()))
	ctx := t.Context()

	_, err := p.ProcessOutcome(ctx, MatchOutcome{MatchID: "warmup", Participants: []Participant{
		{AccountID: 6, Won: true, Rating: 1000},
		{AccountID: 7, Rating: 1000},
	}})
	require.NoError(t, err)

	// a multiplier whose snapshot cannot be decoded fails the winner's line
	// after the other participant has already been paid inside the batch
	pgtestutil.Exec(t, db,
		`INSERT INTO shop_items (id, name, category, price, effect_type) VALUES (900, 'Broken', 'boost', 10, 'score_multiplier')`,
		`INSERT INTO purchases (account_id, shop_item_id, effect_type, payload_snapshot, external_ref)
		 VALUES (7, 900, 'score_multiplier', '{"factor": "lots"}', 'seeded-broken-token')`,
	)

	balances := map[int64]int64{6: balance(t, w, 6), 7: balance(t, w, 7)}
	sys := balance(t, w, 0)
	cur6, best6 := streakOf(t, db, 6)
	cur7, best7 := streakOf(t, db, 7)

	var achievementsBefore int

	err = db.QueryRowContext(ctx, `SELECT count(*) FROM achievements`).Scan(&achievementsBefore)
	require.NoError(t, err)

	_, err = p.ProcessOutcome(ctx, MatchOutcome{MatchID: "doomed", Participants: []Participant{
		{AccountID: 6, Rating: 1000},
		{AccountID: 7, Won: true, Rating: 1000},
	}})
	require.Error(t, err)

	var matchEntries int

	err = db.QueryRowContext(ctx, `SELECT count(*) FROM ledger_entries WHERE match_id = 'doomed'`).Scan(&matchEntries)
	require.NoError(t, err)
	assert.Zero(t, matchEntries)

	var achievementsAfter int

	err = db.QueryRowContext(ctx, `SELECT count(*) FROM achievements`).Scan(&achievementsAfter)
	require.NoError(t, err)
	assert.Equal(t, achievementsBefore, achievementsAfter, "first_win for account 7 must not stick")

	for id, want := range balances {
		assert.Equal(t, want, balance(t, w, id), "account %d", id)
	}

	assert.Equal(t, sys, balance(t, w, 0))

	cur, best := streakOf(t, db, 6)
	assert.Equal(t, []int64{cur6, best6}, []int64{cur, best})

	cur, best = streakOf(t, db, 7)
	assert.Equal(t, []int64{cur7, best7}, []int64{cur, best})

	var consumed sql.NullTime

	err = db.QueryRowContext(ctx, `SELECT consumed_at FROM purchases WHERE external_ref = 'seeded-broken-token'`).Scan(&consumed)
	require.NoError(t, err)
	assert.False(t, consumed.Valid, "token consumption rolls back with the batch")
}

func TestCheckAndAward_ConcurrentUnlockPaysOnce(t *testing.T) {
	t.Parallel()

	db, cleanup := pgtestutil.NewTestDBWith(t, pgtestutil.Options{MaxOpenConns: 10})
	defer cleanup()

	w := newWallet(t, db)
	p := New(db, w, NewStaticSource(), nil, testRewards(), WithLogger(logging.Discard()))

	var (
		wg       conc.WaitGroup
		unlocked atomic.Int32
	)

	for range 10 {
		wg.Go(func() {
			award, err := p.CheckAndAward(t.Context(), 4, "collector", "season-1")
			if assert.NoError(t, err) && award.Unlocked {
				unlocked.Add(1)
			}
		})
	}

	wg.Wait()

	assert.Equal(t, int32(1), unlocked.Load())
	assert.Equal(t, int64(20), balance(t, w, 4))

	var rows int

	err := db.QueryRowContext(t.Context(), `SELECT count(*) FROM achievements WHERE account_id = 4`).Scan(&rows)
	require.NoError(t, err)
	assert.Equal(t, 1, rows)

	again, err := p.CheckAndAward(t.Context(), 4, "collector", "season-2")
	require.NoError(t, err)
	assert.True(t, again.Unlocked, "a new scope unlocks again")
	assert.Equal(t, int64(40), again.Result.NewBalance)
}

func TestProcessor_Validation(t *testing.T) {
	t.Parallel()

	p := New(nil, nil, NewStaticSource(), nil, testRewards())

	tests := []struct {
		name    string
		outcome MatchOutcome
	}{
		{name: "no_match_id", outcome: MatchOutcome{Participants: []Participant{{AccountID: 1}}}},
		{name: "no_participants", outcome: MatchOutcome{MatchID: "m"}},
		{name: "bad_account", outcome: MatchOutcome{MatchID: "m", Participants: []Participant{{AccountID: 0}}}},
		{name: "duplicate", outcome: MatchOutcome{MatchID: "m", Participants: []Participant{{AccountID: 1}, {AccountID: 1}}}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := p.ProcessOutcome(context.Background(), tt.outcome)
			assert.ErrorIs(t, err, wallet.ErrValidation)
		})
	}

	_, err := p.CheckAndAward(context.Background(), 1, "", "")
	assert.ErrorIs(t, err, wallet.ErrValidation)

	_, err = p.ProcessMatchRewards(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrMatchNotFound)
}

func TestHTTPSource(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/matches/m-9" {
			http.NotFound(w, r)
			return
		}

		_ = json.NewEncoder(w).Encode(MatchOutcome{Participants: []Participant{
			{AccountID: 1, Won: true, Rating: 900},
			{AccountID: 2, Rating: 1100},
		}})
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, time.Second)

	got, err := src.Fetch(t.Context(), "m-9")
	require.NoError(t, err)
	assert.Equal(t, "m-9", got.MatchID)
	require.Len(t, got.Participants, 2)
	assert.True(t, got.Participants[0].Won)

	_, err = src.Fetch(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrMatchNotFound)
}

func TestRefs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "match:m1:3:win", MatchRef("m1", 3, KindWin, ""))
	assert.Equal(t, "match:m1:3:streak:5", MatchRef("m1", 3, KindStreak, "5"))
	assert.Equal(t, "achievement:3:first_win:", AchievementRef(3, AchievementFirstWin, ""))
}
