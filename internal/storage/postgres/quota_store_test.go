package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlquota/internal/crawler"
	"github.com/JakeFAU/crawlquota/internal/quota"
)

var accountColumnNames = []string{
	"id", "role", "tier", "link_limit", "links_used", "reset_date", "plan_id", "is_override", "deleted",
}

func newMockQuotas(t *testing.T) (pgxmock.PgxPoolIface, *QuotaStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewWithPool(mock).Quotas()
}

func TestGetAccount(t *testing.T) {
	t.Parallel()

	mock, store := newMockQuotas(t)
	reset := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows(accountColumnNames).
			AddRow("u1", "student", "free", 10, 4, reset, "", false, false))

	acct, err := store.GetAccount(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, quota.Account{
		UserID: "u1", Role: "student", Tier: "free", Limit: 10, Used: 4, ResetDate: reset,
	}, acct)
}

func TestGetAccountMissing(t *testing.T) {
	t.Parallel()

	mock, store := newMockQuotas(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetAccount(context.Background(), "ghost")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestSaveQuota(t *testing.T) {
	t.Parallel()

	mock, store := newMockQuotas(t)
	reset := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE users SET link_limit").
		WithArgs("u1", 200, 5, reset, "pro").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE users SET link_limit").
		WithArgs("ghost", 0, 0, time.Time{}, "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.SaveQuota(context.Background(), quota.Account{
		UserID: "u1", Limit: 200, Used: 5, ResetDate: reset, PlanID: "pro",
	}))
	err := store.SaveQuota(context.Background(), quota.Account{UserID: "ghost"})
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAccountsPages(t *testing.T) {
	t.Parallel()

	mock, store := newMockQuotas(t)
	reset := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE deleted_at IS NULL ORDER BY id LIMIT $1 OFFSET $2")).
		WithArgs(2, 4).
		WillReturnRows(pgxmock.NewRows(accountColumnNames).
			AddRow("a", "staff", "pro", 300, 0, reset, "", true, false).
			AddRow("b", "admin", "free", 1000, 1, reset, "", false, false))

	accounts, err := store.ListAccounts(context.Background(), 4, 2)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	require.True(t, accounts[0].Override)
	require.Equal(t, "b", accounts[1].UserID)
}

func TestUpsertAndGetSnapshot(t *testing.T) {
	t.Parallel()

	mock, store := newMockQuotas(t)
	now := time.Date(2026, 7, 15, 6, 0, 0, 0, time.UTC)
	snap := quota.Snapshot{
		UserID: "u1", Limit: 200, Used: 5, ResetDate: now.AddDate(0, 0, 30),
		Source: quota.SourceSubscription, UpdatedAt: now,
	}
	mock.ExpectExec("INSERT INTO quota_snapshots").
		WithArgs(snap.UserID, snap.Limit, snap.Used, snap.ResetDate, snap.Source, snap.IsOverride, snap.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM quota_snapshots WHERE user_id = $1")).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{
			"user_id", "link_limit", "links_used", "reset_date", "source", "is_override", "updated_at",
		}).AddRow(snap.UserID, snap.Limit, snap.Used, snap.ResetDate, snap.Source, snap.IsOverride, snap.UpdatedAt))

	require.NoError(t, store.UpsertSnapshot(context.Background(), snap))
	got, err := store.GetSnapshot(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, snap, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlans(t *testing.T) {
	t.Parallel()

	mock, store := newMockQuotas(t)
	cols := []string{"id", "name", "tier", "quota"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM plans ORDER BY id")).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("basic", "Basic", "free", 100).
			AddRow("pro", "Pro", "pro", 200))
	mock.ExpectQuery(regexp.QuoteMeta("FROM plans WHERE id = $1")).
		WithArgs("gold").
		WillReturnError(pgx.ErrNoRows)

	plans, err := store.ListPlans(context.Background())
	require.NoError(t, err)
	require.Equal(t, []quota.Plan{
		{ID: "basic", Name: "Basic", Tier: "free", Quota: 100},
		{ID: "pro", Name: "Pro", Tier: "pro", Quota: 200},
	}, plans)

	_, err = store.GetPlan(context.Background(), "gold")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestListActiveSubscriptions(t *testing.T) {
	t.Parallel()

	mock, store := newMockQuotas(t)
	now := time.Date(2026, 7, 15, 6, 0, 0, 0, time.UTC)
	start := now.AddDate(0, -1, 0)
	end := now.AddDate(0, 1, 0)
	mock.ExpectQuery(regexp.QuoteMeta("FROM subscriptions")).
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "plan_id", "status", "start_date", "end_date", "subscription_quota",
		}).
			AddRow("s1", "u1", "pro", "active", start, &end, 0).
			AddRow("s2", "u2", "basic", "active", start, (*time.Time)(nil), 75))

	subs, err := store.ListActiveSubscriptions(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	require.Equal(t, end, *subs[0].EndDate)
	require.Nil(t, subs[1].EndDate)
	require.Equal(t, 75, subs[1].SubscriptionQuota)
}
