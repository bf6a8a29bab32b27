// Package fraud screens user-initiated balance changes with three ordered
// checks: attempt velocity, statistical amount anomaly and a behavior score.
// The first failing check decides the outcome.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/fastprodman/ticketeconomy/internal/config"
	"github.com/fastprodman/ticketeconomy/internal/events"
	"github.com/fastprodman/ticketeconomy/internal/infra/window"
)

var ErrBlocked = errors.New("blocked by fraud screening")

type Check string

const (
	CheckVelocity Check = "velocity"
	CheckAnomaly  Check = "statistical_anomaly"
	CheckBehavior Check = "behavior"
)

const withdrawClass = "withdraw"

// Request describes one attempted movement. Class is the operation class
// (deposit, withdraw, purchase) and Amount is always positive.
type Request struct {
	AccountID int64
	Amount    int64
	Class     string
	At        time.Time
}

type Result struct {
	Check     Check
	Passed    bool
	Reason    string
	RiskScore float64
}

// BlockedError is safe to show to the caller: Reason never carries
// thresholds or history values.
type BlockedError struct {
	Check  Check
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrBlocked, e.Reason)
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }

type Detector struct {
	counter window.Counter
	history History
	audit   events.Publisher
	cfg     config.FraudConfig
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Detector)

func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

func New(counter window.Counter, history History, audit events.Publisher, cfg config.FraudConfig, opts ...Option) *Detector {
	d := &Detector{
		counter: counter,
		history: history,
		audit:   audit,
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Screen evaluates req and turns a failed check into a *BlockedError after
// reporting it to the audit sink.
func (d *Detector) Screen(ctx context.Context, req Request) error {
	res, err := d.Evaluate(ctx, req)
	if err != nil {
		return err
	}

	if res.Passed {
		return nil
	}

	d.logger.WarnContext(ctx, "transaction blocked",
		"account_id", req.AccountID,
		"class", req.Class,
		"amount", req.Amount,
		"check", string(res.Check),
		"risk_score", res.RiskScore,
	)

	if d.audit != nil {
		aerr := d.audit.Publish(ctx, events.New(events.FraudBlocked, req.AccountID, map[string]any{
			"check":      string(res.Check),
			"reason":     res.Reason,
			"risk_score": res.RiskScore,
			"class":      req.Class,
			"amount":     req.Amount,
		}))
		if aerr != nil {
			d.logger.ErrorContext(ctx, "audit publish failed", "account_id", req.AccountID, "error", aerr)
		}
	}

	return &BlockedError{Check: res.Check, Reason: res.Reason}
}

// Evaluate runs the checks in order and returns the first failure, or the
// behavior result when everything passed.
func (d *Detector) Evaluate(ctx context.Context, req Request) (Result, error) {
	if req.At.IsZero() {
		req.At = d.now()
	}

	res := d.velocity(ctx, req)
	if !res.Passed {
		return res, nil
	}

	res, err := d.anomaly(ctx, req)
	if err != nil {
		return Result{}, err
	}

	if !res.Passed {
		return res, nil
	}

	return d.behavior(ctx, req)
}

// velocity records the attempt before judging it, so rejected attempts
// still count toward the limit.
func (d *Detector) velocity(ctx context.Context, req Request) Result {
	n, err := d.counter.Hit(ctx, fmt.Sprintf("fv:%d:%s", req.AccountID, req.Class), d.cfg.VelocityWindow)
	if err != nil {
		d.logger.WarnContext(ctx, "velocity counter unavailable, skipping check",
			"account_id", req.AccountID, "error", err)

		return Result{Check: CheckVelocity, Passed: true}
	}

	score := 0.0
	if d.cfg.VelocityMax > 0 {
		score = math.Min(1, float64(n)/float64(d.cfg.VelocityMax))
	}

	if d.cfg.VelocityMax > 0 && n > d.cfg.VelocityMax {
		return Result{
			Check:     CheckVelocity,
			Reason:    "too many transactions in a short period",
			RiskScore: 1,
		}
	}

	return Result{Check: CheckVelocity, Passed: true, RiskScore: score}
}

func (d *Detector) anomaly(ctx context.Context, req Request) (Result, error) {
	amounts, err := d.history.RecentAmounts(ctx, req.AccountID, d.cfg.HistorySize)
	if err != nil {
		return Result{}, fmt.Errorf("load amount history: %w", err)
	}

	if len(amounts) < d.cfg.MinSamples || len(amounts) == 0 {
		return Result{Check: CheckAnomaly, Passed: true}, nil
	}

	z := ZScore(req.Amount, amounts, d.cfg.MinRelStd)
	score := math.Min(1, math.Abs(z)/math.Max(d.cfg.MaxZScore, 1))

	if math.Abs(z) > d.cfg.MaxZScore {
		return Result{
			Check:     CheckAnomaly,
			Reason:    "amount is far outside this account's usual range",
			RiskScore: 1,
		}, nil
	}

	return Result{Check: CheckAnomaly, Passed: true, RiskScore: score}, nil
}

// ZScore measures amount against the population mean and standard deviation
// of history. The deviation is floored at minRelStd times the mean, and at 1,
// so a uniform history does not flag every other value as unusual.
func ZScore(amount int64, history []int64, minRelStd float64) float64 {
	n := float64(len(history))

	var sum float64
	for _, a := range history {
		sum += float64(a)
	}

	mean := sum / n

	var sq float64
	for _, a := range history {
		d := float64(a) - mean
		sq += d * d
	}

	std := math.Max(math.Max(math.Sqrt(sq/n), mean*minRelStd), 1)

	return (float64(amount) - mean) / std
}

func (d *Detector) behavior(ctx context.Context, req Request) (Result, error) {
	p, err := d.history.Profile(ctx, req.AccountID)
	if err != nil {
		return Result{}, fmt.Errorf("load account profile: %w", err)
	}

	var (
		score   float64
		signals []string
	)

	if d.quietHour(req.At) {
		score += d.cfg.HourWeight
		signals = append(signals, "unusual hour")
	}

	if !p.Exists || req.At.Sub(p.CreatedAt) < d.cfg.MinAccountAge {
		score += d.cfg.NewAccountWeight
		signals = append(signals, "new account")
	}

	if d.rapidWithdraw(req, p) {
		score += d.cfg.RapidWeight
		signals = append(signals, "withdrawal right after deposit")
	}

	if score > d.cfg.BehaviorThreshold {
		return Result{
			Check:     CheckBehavior,
			Reason:    "unusual account activity",
			RiskScore: score,
		}, nil
	}

	if len(signals) > 0 {
		d.logger.DebugContext(ctx, "behavior signals below threshold",
			"account_id", req.AccountID, "signals", signals, "risk_score", score)
	}

	return Result{Check: CheckBehavior, Passed: true, RiskScore: score}, nil
}

func (d *Detector) quietHour(at time.Time) bool {
	h := at.UTC().Hour()
	start, end := d.cfg.QuietHoursStart, d.cfg.QuietHoursEnd

	if start == end {
		return false
	}

	if start < end {
		return h >= start && h < end
	}

	return h >= start || h < end
}

// rapidWithdraw flags a withdrawal that drains most of a balance funded
// moments ago. Withdrawals above the balance fail on funds anyway.
func (d *Detector) rapidWithdraw(req Request, p Profile) bool {
	if req.Class != withdrawClass || p.LastDepositAt.IsZero() || p.Balance <= 0 {
		return false
	}

	if req.At.Sub(p.LastDepositAt) > d.cfg.RapidWindow {
		return false
	}

	return req.Amount <= p.Balance && float64(req.Amount) >= d.cfg.RapidWithdrawRatio*float64(p.Balance)
}
