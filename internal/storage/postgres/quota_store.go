package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawlquota/internal/crawler"
	"github.com/JakeFAU/crawlquota/internal/quota"
)

const (
	accountColumns = `id, role, tier, link_limit, links_used, reset_date, plan_id, is_override, deleted_at IS NOT NULL`

	selectAccountSQL = `SELECT ` + accountColumns + ` FROM users WHERE id = $1`

	saveQuotaSQL = `UPDATE users SET link_limit = $2, links_used = $3, reset_date = $4, plan_id = $5 WHERE id = $1`

	listAccountsSQL = `SELECT ` + accountColumns + ` FROM users
WHERE deleted_at IS NULL ORDER BY id LIMIT $1 OFFSET $2`

	upsertSnapshotSQL = `INSERT INTO quota_snapshots (user_id, link_limit, links_used, reset_date, source, is_override, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id) DO UPDATE SET
	link_limit = EXCLUDED.link_limit,
	links_used = EXCLUDED.links_used,
	reset_date = EXCLUDED.reset_date,
	source = EXCLUDED.source,
	is_override = EXCLUDED.is_override,
	updated_at = EXCLUDED.updated_at`

	selectSnapshotSQL = `SELECT user_id, link_limit, links_used, reset_date, source, is_override, updated_at
FROM quota_snapshots WHERE user_id = $1`

	selectPlanSQL = `SELECT id, name, tier, quota FROM plans WHERE id = $1`

	listPlansSQL = `SELECT id, name, tier, quota FROM plans ORDER BY id`

	listActiveSubscriptionsSQL = `SELECT id, user_id, plan_id, status, start_date, end_date, subscription_quota
FROM subscriptions
WHERE status = 'active' AND start_date <= $1 AND (end_date IS NULL OR end_date > $1)`
)

// QuotaStore implements the user, snapshot, plan and subscription
// repositories.
type QuotaStore struct {
	db querier
}

var (
	_ quota.UserRepository         = (*QuotaStore)(nil)
	_ quota.SnapshotRepository     = (*QuotaStore)(nil)
	_ quota.PlanRepository         = (*QuotaStore)(nil)
	_ quota.SubscriptionRepository = (*QuotaStore)(nil)
)

// GetAccount loads a user's ledger row.
func (s *QuotaStore) GetAccount(ctx context.Context, userID string) (quota.Account, error) {
	acct, err := scanAccount(s.db.QueryRow(ctx, selectAccountSQL, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return quota.Account{}, crawler.NotFound("user " + userID)
	}
	if err != nil {
		return quota.Account{}, crawler.Transient("select user", err)
	}
	return acct, nil
}

// SaveQuota writes the limit, usage, reset date and plan of a.
func (s *QuotaStore) SaveQuota(ctx context.Context, a quota.Account) error {
	tag, err := s.db.Exec(ctx, saveQuotaSQL, a.UserID, a.Limit, a.Used, a.ResetDate, a.PlanID)
	if err != nil {
		return crawler.Transient("update user quota", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.NotFound("user " + a.UserID)
	}
	return nil
}

// ListAccounts pages through non-deleted users ordered by ID.
func (s *QuotaStore) ListAccounts(ctx context.Context, offset, limit int) ([]quota.Account, error) {
	rows, err := s.db.Query(ctx, listAccountsSQL, limit, max(offset, 0))
	if err != nil {
		return nil, crawler.Transient("list users", err)
	}
	defer rows.Close()

	accounts := make([]quota.Account, 0, limit)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, crawler.Transient("scan user", err)
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.Transient("iterate users", err)
	}
	return accounts, nil
}

// UpsertSnapshot writes the user's snapshot row.
func (s *QuotaStore) UpsertSnapshot(ctx context.Context, snap quota.Snapshot) error {
	_, err := s.db.Exec(ctx, upsertSnapshotSQL,
		snap.UserID, snap.Limit, snap.Used, snap.ResetDate, snap.Source, snap.IsOverride, snap.UpdatedAt,
	)
	if err != nil {
		return crawler.Transient("upsert quota snapshot", err)
	}
	return nil
}

// GetSnapshot loads the user's snapshot row.
func (s *QuotaStore) GetSnapshot(ctx context.Context, userID string) (quota.Snapshot, error) {
	var snap quota.Snapshot
	err := s.db.QueryRow(ctx, selectSnapshotSQL, userID).Scan(
		&snap.UserID, &snap.Limit, &snap.Used, &snap.ResetDate, &snap.Source, &snap.IsOverride, &snap.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return quota.Snapshot{}, crawler.NotFound("snapshot " + userID)
	}
	if err != nil {
		return quota.Snapshot{}, crawler.Transient("select quota snapshot", err)
	}
	return snap, nil
}

// GetPlan loads a plan by ID.
func (s *QuotaStore) GetPlan(ctx context.Context, planID string) (quota.Plan, error) {
	var p quota.Plan
	err := s.db.QueryRow(ctx, selectPlanSQL, planID).Scan(&p.ID, &p.Name, &p.Tier, &p.Quota)
	if errors.Is(err, pgx.ErrNoRows) {
		return quota.Plan{}, crawler.NotFound("plan " + planID)
	}
	if err != nil {
		return quota.Plan{}, crawler.Transient("select plan", err)
	}
	return p, nil
}

// ListPlans returns every plan ordered by ID.
func (s *QuotaStore) ListPlans(ctx context.Context) ([]quota.Plan, error) {
	rows, err := s.db.Query(ctx, listPlansSQL)
	if err != nil {
		return nil, crawler.Transient("list plans", err)
	}
	defer rows.Close()

	plans := make([]quota.Plan, 0)
	for rows.Next() {
		var p quota.Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.Tier, &p.Quota); err != nil {
			return nil, crawler.Transient("scan plan", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.Transient("iterate plans", err)
	}
	return plans, nil
}

// ListActiveSubscriptions returns subscriptions in force at now.
func (s *QuotaStore) ListActiveSubscriptions(ctx context.Context, now time.Time) ([]quota.Subscription, error) {
	rows, err := s.db.Query(ctx, listActiveSubscriptionsSQL, now)
	if err != nil {
		return nil, crawler.Transient("list active subscriptions", err)
	}
	defer rows.Close()

	subs := make([]quota.Subscription, 0)
	for rows.Next() {
		var sub quota.Subscription
		if err := rows.Scan(
			&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status, &sub.StartDate, &sub.EndDate, &sub.SubscriptionQuota,
		); err != nil {
			return nil, crawler.Transient("scan subscription", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.Transient("iterate subscriptions", err)
	}
	return subs, nil
}

func scanAccount(row pgx.Row) (quota.Account, error) {
	var a quota.Account
	err := row.Scan(&a.UserID, &a.Role, &a.Tier, &a.Limit, &a.Used, &a.ResetDate, &a.PlanID, &a.Override, &a.Deleted)
	return a, err
}
