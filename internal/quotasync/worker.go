// Package quotasync periodically reconciles every user's quota limit with
// their subscription or role and resets consumption at the end of each
// window.
package quotasync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlquota/internal/crawler"
	"github.com/JakeFAU/crawlquota/internal/metrics"
	"github.com/JakeFAU/crawlquota/internal/quota"
	"github.com/JakeFAU/crawlquota/internal/retry"
)

// MinInterval is the shortest allowed pause between cycles.
const MinInterval = time.Minute

const defaultPageSize = 500

// Config tunes the worker.
type Config struct {
	StartupDelay    time.Duration
	Interval        time.Duration
	PageSize        int
	AutoReset       bool
	ResetWindowDays int
	Defaults        quota.RoleDefaults
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
}

// Ledger persists reconciled accounts and evicts their cached rows.
type Ledger interface {
	Store(ctx context.Context, acct quota.Account, snap quota.Snapshot, changed bool) error
}

// Deps groups the Worker collaborators.
type Deps struct {
	Users         quota.UserRepository
	Plans         quota.PlanRepository
	Subscriptions quota.SubscriptionRepository
	Ledger        Ledger
	Clock         crawler.Clock
	Logger        *zap.Logger
}

// CycleReport summarises one reconciliation pass.
type CycleReport struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Users      int           `json:"users"`
	Subscribed int           `json:"subscribed"`
	Updated    int           `json:"updated"`
	Resets     int           `json:"resets"`
	Errors     int           `json:"errors"`
}

// Worker runs reconciliation cycles.
type Worker struct {
	deps    Deps
	cfg     Config
	backoff retry.ExponentialPolicy
	logger  *zap.Logger
}

// New constructs a Worker. Intervals below MinInterval are raised to it.
func New(deps Deps, cfg Config) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 5 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	return &Worker{
		deps: deps,
		cfg:  cfg,
		backoff: retry.ExponentialPolicy{
			BaseDelay: cfg.BackoffInitial,
			MaxDelay:  cfg.BackoffMax,
		},
		logger: logger,
	}
}

// Run waits for the startup delay, then runs a cycle every interval until
// ctx ends. Failed cycles are retried after a jittered backoff.
func (w *Worker) Run(ctx context.Context) error {
	if err := retry.Sleep(ctx, w.cfg.StartupDelay); err != nil {
		return nil
	}
	w.logger.Info("quota sync started", zap.Duration("interval", w.cfg.Interval))

	failures := 0
	for {
		report, err := w.RunOnce(ctx)
		wait := w.cfg.Interval
		switch {
		case ctx.Err() != nil:
			w.logger.Info("quota sync stopped")
			return nil
		case err != nil:
			wait = w.backoff.Backoff(failures)
			failures++
			w.logger.Error("quota sync cycle failed",
				zap.Int("consecutive_failures", failures),
				zap.Duration("retry_in", wait),
				zap.Error(err),
			)
		default:
			failures = 0
			w.logger.Info("quota sync cycle finished",
				zap.Int("users", report.Users),
				zap.Int("updated", report.Updated),
				zap.Int("resets", report.Resets),
				zap.Int("errors", report.Errors),
				zap.Duration("duration", report.Duration),
			)
		}
		if err := retry.Sleep(ctx, wait); err != nil {
			w.logger.Info("quota sync stopped")
			return nil
		}
	}
}

// RunOnce performs a single reconciliation pass over every user.
func (w *Worker) RunOnce(ctx context.Context) (CycleReport, error) {
	now := w.deps.Clock.Now()
	report := CycleReport{StartedAt: now}
	defer func() {
		report.Duration = w.deps.Clock.Now().Sub(now)
	}()

	subs, err := w.activeSubscriptions(ctx, now)
	if err != nil {
		metrics.ObserveSyncCycle("error")
		return report, err
	}
	plans, err := w.planQuotas(ctx)
	if err != nil {
		metrics.ObserveSyncCycle("error")
		return report, err
	}

	for offset := 0; ; offset += w.cfg.PageSize {
		page, err := w.deps.Users.ListAccounts(ctx, offset, w.cfg.PageSize)
		if err != nil {
			metrics.ObserveSyncCycle("error")
			return report, fmt.Errorf("list accounts at offset %d: %w", offset, err)
		}
		for _, acct := range page {
			report.Users++
			sub, subscribed := subs[acct.UserID]
			if subscribed {
				report.Subscribed++
			}
			changed, reset, err := w.syncUser(ctx, acct, sub, subscribed, plans, now)
			if err != nil {
				report.Errors++
				w.logger.Error("quota sync user failed", zap.String("user_id", acct.UserID), zap.Error(err))
				continue
			}
			if changed {
				report.Updated++
			}
			if reset {
				report.Resets++
			}
		}
		if len(page) < w.cfg.PageSize {
			break
		}
	}
	metrics.ObserveSyncCycle("success")
	return report, nil
}

// activeSubscriptions maps each user to their most recently started active
// subscription.
func (w *Worker) activeSubscriptions(ctx context.Context, now time.Time) (map[string]quota.Subscription, error) {
	subs, err := w.deps.Subscriptions.ListActiveSubscriptions(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	latest := make(map[string]quota.Subscription, len(subs))
	for _, s := range subs {
		if cur, ok := latest[s.UserID]; !ok || s.StartDate.After(cur.StartDate) {
			latest[s.UserID] = s
		}
	}
	return latest, nil
}

func (w *Worker) planQuotas(ctx context.Context) (map[string]int, error) {
	plans, err := w.deps.Plans.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	out := make(map[string]int, len(plans))
	for _, p := range plans {
		out[p.ID] = p.Quota
	}
	return out, nil
}

// LimitFor resolves a user's limit: the subscription's own quota, then the
// plan quota, then the role default.
func LimitFor(acct quota.Account, sub quota.Subscription, subscribed bool, plans map[string]int, d quota.RoleDefaults) int {
	if subscribed {
		if sub.SubscriptionQuota > 0 {
			return sub.SubscriptionQuota
		}
		if q := plans[sub.PlanID]; q > 0 {
			return q
		}
	}
	return d.For(acct.Role)
}

func (w *Worker) syncUser(
	ctx context.Context,
	acct quota.Account,
	sub quota.Subscription,
	subscribed bool,
	plans map[string]int,
	now time.Time,
) (changed, reset bool, err error) {
	next := acct
	if w.cfg.AutoReset && !acct.ResetDate.After(now) {
		next.Used = 0
		next.ResetDate = now.AddDate(0, 0, w.cfg.ResetWindowDays)
		reset = true
	}
	if !acct.Override {
		next.Limit = LimitFor(acct, sub, subscribed, plans, w.cfg.Defaults)
	}
	next.PlanID = ""
	if subscribed {
		next.PlanID = sub.PlanID
	}
	next = quota.Clamp(next)

	changed = next.Limit != acct.Limit ||
		next.Used != acct.Used ||
		next.PlanID != acct.PlanID ||
		!next.ResetDate.Equal(acct.ResetDate)

	snap := quota.SnapshotOf(next, now)
	if err := w.deps.Ledger.Store(ctx, next, snap, changed); err != nil {
		return false, false, err
	}
	metrics.ObserveSyncUser(snap.Source)
	return changed, reset, nil
}
