// Package rewards pays out completed matches. Every line item of a match is
// applied in one wallet transaction with a reference derived from the match,
// so replaying a match completion never pays twice.
package rewards

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/fastprodman/ticketeconomy/internal/config"
	"github.com/fastprodman/ticketeconomy/internal/events"
	"github.com/fastprodman/ticketeconomy/internal/repos/achievements"
	pgachievements "github.com/fastprodman/ticketeconomy/internal/repos/achievements/postgres"
	"github.com/fastprodman/ticketeconomy/internal/repos/entries"
	pgentries "github.com/fastprodman/ticketeconomy/internal/repos/entries/postgres"
	"github.com/fastprodman/ticketeconomy/internal/repos/streaks"
	pgstreaks "github.com/fastprodman/ticketeconomy/internal/repos/streaks/postgres"
	"github.com/fastprodman/ticketeconomy/internal/services/wallet"
)

const (
	KindParticipation = "participation"
	KindWin           = "win"
	KindStreak        = "streak"
	KindUnderdog      = "underdog"
	KindStreakBreaker = "streak_breaker"
	KindAchievement   = "achievement"
)

const (
	AchievementFirstMatch  = "first_match"
	AchievementFirstWin    = "first_win"
	AchievementGiantSlayer = "giant_slayer"
)

// StreakAchievement names the unlock for reaching a win streak of n.
func StreakAchievement(n int64) string {
	return fmt.Sprintf("streak_%d", n)
}

type LineItem struct {
	AccountID   int64
	Kind        string
	Amount      int64
	ExternalRef string
}

type Summary struct {
	MatchID  string
	Replayed bool
	Items    []LineItem
	Totals   map[int64]int64
	// Balances holds each credited account's balance after the batch.
	Balances map[int64]int64
}

// Award is the outcome of one achievement check.
type Award struct {
	Unlocked bool
	Reward   int64
	Result   wallet.Result
}

// TokenConsumer spends an account's score multiplier inside the reward
// transaction.
type TokenConsumer interface {
	ConsumeScoreMultiplier(ctx context.Context, tx *sql.Tx, accountID int64) (factor int64, ok bool, err error)
}

type Processor struct {
	wallet       *wallet.Service
	source       MatchSource
	tokens       TokenConsumer
	achievements achievements.Achievements
	streaks      streaks.Streaks
	entries      entries.Entries
	cfg          config.RewardConfig
	notifier     events.Publisher
	logger       *slog.Logger
}

type Option func(*Processor)

func WithNotifier(p events.Publisher) Option {
	return func(r *Processor) { r.notifier = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Processor) { r.logger = l }
}

// New builds a processor. tokens may be nil when no multipliers are sold.
func New(db *sql.DB, w *wallet.Service, source MatchSource, tokens TokenConsumer, cfg config.RewardConfig, opts ...Option) *Processor {
	r := &Processor{
		wallet:       w,
		source:       source,
		tokens:       tokens,
		achievements: pgachievements.New(db),
		streaks:      pgstreaks.New(db),
		entries:      pgentries.New(db),
		cfg:          cfg,
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// MatchRef is the reference of one match line item. qualifier distinguishes
// several items of the same kind, such as crossed thresholds.
func MatchRef(matchID string, accountID int64, kind, qualifier string) string {
	ref := fmt.Sprintf("match:%s:%d:%s", matchID, accountID, kind)
	if qualifier != "" {
		ref += ":" + qualifier
	}

	return ref
}

// AchievementRef makes an achievement's reward payable once per scope.
func AchievementRef(accountID int64, achType, scopeID string) string {
	return fmt.Sprintf("achievement:%d:%s:%s", accountID, achType, scopeID)
}

// ProcessMatchRewards fetches the outcome first so no transaction is open
// while the match source is called.
func (r *Processor) ProcessMatchRewards(ctx context.Context, matchID string) (Summary, error) {
	if matchID == "" {
		return Summary{}, &wallet.ValidationError{Field: "match_id", Message: "required"}
	}

	outcome, err := r.source.Fetch(ctx, matchID)
	if err != nil {
		return Summary{}, fmt.Errorf("fetch outcome: %w", err)
	}

	outcome.MatchID = matchID

	return r.ProcessOutcome(ctx, outcome)
}

// ProcessOutcome applies all line items of the match or none of them.
func (r *Processor) ProcessOutcome(ctx context.Context, outcome MatchOutcome) (Summary, error) {
	err := validateOutcome(outcome)
	if err != nil {
		return Summary{}, err
	}

	var sum Summary

	err = r.wallet.Transact(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error

		sum, err = r.applyMatch(ctx, tx, outcome)
		if err != nil {
			return err
		}

		sum.Balances = make(map[int64]int64, len(sum.Totals))

		for id := range sum.Totals {
			sum.Balances[id], err = r.wallet.BalanceTx(ctx, tx, id)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("match %s rewards: %w", outcome.MatchID, err)
	}

	if !sum.Replayed {
		r.announce(ctx, sum)
	}

	return sum, nil
}

func validateOutcome(o MatchOutcome) error {
	if o.MatchID == "" {
		return &wallet.ValidationError{Field: "match_id", Message: "required"}
	}

	if len(o.Participants) == 0 {
		return &wallet.ValidationError{Field: "participants", Message: "at least one participant is required"}
	}

	seen := make(map[int64]bool, len(o.Participants))

	for _, p := range o.Participants {
		if p.AccountID <= 0 {
			return &wallet.ValidationError{Field: "participants", Message: "account ids must be positive"}
		}

		if seen[p.AccountID] {
			return &wallet.ValidationError{Field: "participants", Message: fmt.Sprintf("account %d listed twice", p.AccountID)}
		}

		seen[p.AccountID] = true
	}

	return nil
}

type batch struct {
	r       *Processor
	tx      *sql.Tx
	matchID string
	sum     *Summary
}

func (b *batch) pay(ctx context.Context, accountID, amount int64, eventType wallet.EventType, kind, ref string) error {
	if amount <= 0 {
		return nil
	}

	res, err := b.r.wallet.ApplyTx(ctx, b.tx, wallet.KindDeposit, wallet.Operation{
		AccountID:   accountID,
		Amount:      amount,
		EventType:   eventType,
		ExternalRef: ref,
		Reason:      kind,
		MatchID:     b.matchID,
	})
	if err != nil {
		return fmt.Errorf("%s for account %d: %w", kind, accountID, err)
	}

	if !res.Idempotent {
		b.sum.Items = append(b.sum.Items, LineItem{AccountID: accountID, Kind: kind, Amount: amount, ExternalRef: ref})
		b.sum.Totals[accountID] += amount
	}

	return nil
}

// unlock inserts the achievement row and pays its reward in the same
// transaction, only when the row is new.
func (b *batch) unlock(ctx context.Context, accountID int64, achType, scope string) error {
	created, err := b.r.achievements.Insert(ctx, b.tx, accountID, achType, scope)
	if err != nil {
		return err
	}

	if !created {
		return nil
	}

	return b.pay(ctx, accountID, b.r.achievementReward(achType), wallet.EventAchievement,
		KindAchievement+":"+achType, AchievementRef(accountID, achType, scope))
}

func (r *Processor) applyMatch(ctx context.Context, tx *sql.Tx, o MatchOutcome) (Summary, error) {
	prior, err := r.entries.ListByMatch(ctx, tx, o.MatchID)
	if err != nil {
		return Summary{}, err
	}

	if len(prior) > 0 {
		return replayed(o.MatchID, prior), nil
	}

	sum := Summary{MatchID: o.MatchID, Totals: make(map[int64]int64)}
	b := &batch{r: r, tx: tx, matchID: o.MatchID, sum: &sum}

	before := make(map[int64]streaks.Streak, len(o.Participants))

	for _, p := range o.Participants {
		err = r.wallet.EnsureAccount(ctx, tx, p.AccountID)
		if err != nil {
			return Summary{}, err
		}

		s, err := r.streaks.Get(ctx, tx, p.AccountID)
		if err != nil {
			return Summary{}, err
		}

		before[p.AccountID] = s
	}

	var losers []Participant

	for _, p := range o.Participants {
		if !p.Won {
			losers = append(losers, p)
		}
	}

	for _, p := range o.Participants {
		err = b.pay(ctx, p.AccountID, r.cfg.Participation, wallet.EventMatchReward,
			KindParticipation, MatchRef(o.MatchID, p.AccountID, KindParticipation, ""))
		if err != nil {
			return Summary{}, err
		}

		err = b.unlock(ctx, p.AccountID, AchievementFirstMatch, "")
		if err != nil {
			return Summary{}, err
		}

		old := before[p.AccountID]
		next := streaks.Streak{AccountID: p.AccountID, Best: old.Best, LastMatchID: o.MatchID}

		if p.Won {
			next.Current = old.Current + 1

			err = r.applyWin(ctx, b, p, old, next.Current, losers, before)
			if err != nil {
				return Summary{}, err
			}
		}

		next.Best = max(next.Best, next.Current)

		if old.LastMatchID != o.MatchID {
			err = r.streaks.Upsert(ctx, tx, next)
			if err != nil {
				return Summary{}, err
			}
		}
	}

	return sum, nil
}

// applyWin pays the winner's bonuses. before holds every participant's streak
// as it was when the match started.
func (r *Processor) applyWin(ctx context.Context, b *batch, p Participant, old streaks.Streak, streak int64, losers []Participant, before map[int64]streaks.Streak) error {
	win := r.cfg.WinBonus

	if r.tokens != nil {
		factor, ok, err := r.tokens.ConsumeScoreMultiplier(ctx, b.tx, p.AccountID)
		if err != nil {
			return err
		}

		if ok {
			win *= factor
		}
	}

	err := b.pay(ctx, p.AccountID, win, wallet.EventMatchReward, KindWin, MatchRef(b.matchID, p.AccountID, KindWin, ""))
	if err != nil {
		return err
	}

	err = b.unlock(ctx, p.AccountID, AchievementFirstWin, "")
	if err != nil {
		return err
	}

	for _, t := range r.cfg.StreakThresholds {
		if old.Current >= t || streak < t {
			continue
		}

		qualifier := strconv.FormatInt(t, 10)

		err = b.pay(ctx, p.AccountID, r.cfg.StreakBonus, wallet.EventMatchReward,
			KindStreak+":"+qualifier, MatchRef(b.matchID, p.AccountID, KindStreak, qualifier))
		if err != nil {
			return err
		}

		err = b.unlock(ctx, p.AccountID, StreakAchievement(t), "")
		if err != nil {
			return err
		}
	}

	var strongest int64

	for _, l := range losers {
		strongest = max(strongest, l.Rating)

		if l.Rating-p.Rating >= r.cfg.GiantSlayerGap && r.cfg.GiantSlayerGap > 0 {
			err = b.unlock(ctx, p.AccountID, AchievementGiantSlayer, strconv.FormatInt(l.AccountID, 10))
			if err != nil {
				return err
			}
		}

		if before[l.AccountID].Current >= r.cfg.StreakBreakerMin && r.cfg.StreakBreakerMin > 0 {
			qualifier := strconv.FormatInt(l.AccountID, 10)

			err = b.pay(ctx, p.AccountID, r.cfg.StreakBreaker, wallet.EventMatchReward,
				KindStreakBreaker+":"+qualifier, MatchRef(b.matchID, p.AccountID, KindStreakBreaker, qualifier))
			if err != nil {
				return err
			}
		}
	}

	if len(losers) > 0 && r.cfg.UnderdogGap > 0 && strongest-p.Rating >= r.cfg.UnderdogGap {
		err = b.pay(ctx, p.AccountID, r.cfg.UnderdogBonus, wallet.EventMatchReward,
			KindUnderdog, MatchRef(b.matchID, p.AccountID, KindUnderdog, ""))
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *Processor) achievementReward(achType string) int64 {
	switch {
	case achType == AchievementFirstMatch:
		return r.cfg.FirstMatchReward
	case achType == AchievementFirstWin:
		return r.cfg.FirstWinReward
	case achType == AchievementGiantSlayer:
		return r.cfg.GiantSlayerReward
	case strings.HasPrefix(achType, "streak_"):
		return r.cfg.StreakMasterReward
	default:
		return r.cfg.DefaultAchievement
	}
}

// CheckAndAward unlocks one achievement and pays its reward atomically.
// Concurrent calls for the same unlock produce one row and one payment.
func (r *Processor) CheckAndAward(ctx context.Context, accountID int64, achType, scopeID string) (Award, error) {
	if accountID <= 0 {
		return Award{}, &wallet.ValidationError{Field: "account_id", Message: "must be positive"}
	}

	if achType == "" {
		return Award{}, &wallet.ValidationError{Field: "achievement_type", Message: "required"}
	}

	var award Award

	err := r.wallet.Transact(ctx, func(ctx context.Context, tx *sql.Tx) error {
		award = Award{}

		err := r.wallet.EnsureAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}

		created, err := r.achievements.Insert(ctx, tx, accountID, achType, scopeID)
		if err != nil || !created {
			return err
		}

		award.Unlocked = true
		award.Reward = r.achievementReward(achType)

		if award.Reward <= 0 {
			return nil
		}

		award.Result, err = r.wallet.ApplyTx(ctx, tx, wallet.KindDeposit, wallet.Operation{
			AccountID:   accountID,
			Amount:      award.Reward,
			EventType:   wallet.EventAchievement,
			ExternalRef: AchievementRef(accountID, achType, scopeID),
			Reason:      KindAchievement + ":" + achType,
		})

		return err
	})
	if err != nil {
		return Award{}, fmt.Errorf("award %s: %w", achType, err)
	}

	if award.Unlocked && award.Reward > 0 {
		r.wallet.Notify(ctx, accountID, award.Result.NewBalance, wallet.EventAchievement, award.Reward)
	}

	return award, nil
}

// replayed rebuilds the summary of an already processed match from its
// ledger entries.
func replayed(matchID string, prior []entries.Entry) Summary {
	sum := Summary{MatchID: matchID, Replayed: true, Totals: make(map[int64]int64)}

	for _, e := range prior {
		sum.Items = append(sum.Items, LineItem{
			AccountID:   e.AccountID,
			Kind:        e.Reason,
			Amount:      e.Amount,
			ExternalRef: e.ExternalRef,
		})
		sum.Totals[e.AccountID] += e.Amount
	}

	return sum
}

func (r *Processor) announce(ctx context.Context, sum Summary) {
	accounts := make([]int64, 0, len(sum.Totals))
	for id := range sum.Totals {
		accounts = append(accounts, id)
	}

	slices.Sort(accounts)

	for _, id := range accounts {
		r.wallet.Notify(ctx, id, sum.Balances[id], wallet.EventMatchReward, sum.Totals[id])

		if r.notifier == nil {
			continue
		}

		err := r.notifier.Publish(ctx, events.New(events.RewardsApplied, id, map[string]any{
			"match_id": sum.MatchID,
			"total":    sum.Totals[id],
		}))
		if err != nil {
			r.logger.WarnContext(ctx, "reward event not sent", "account_id", id, "match_id", sum.MatchID, "error", err)
		}
	}
}
