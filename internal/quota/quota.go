// Package quota owns the per-user link quota ledger and its snapshots.
package quota

import (
	"context"
	"strings"
	"time"
)

// Roles understood by the role-default table.
const (
	RoleStudent  = "student"
	RoleLecturer = "lecturer"
	RoleStaff    = "staff"
	RoleAdmin    = "admin"
)

// Snapshot sources.
const (
	SourceSubscription = "subscription"
	SourceRole         = "role"
)

// Account is the ledger row for one user.
type Account struct {
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Tier      string    `json:"tier"`
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	ResetDate time.Time `json:"reset_date"`
	PlanID    string    `json:"plan_id,omitempty"`
	// Override marks a manually assigned limit the sync worker must keep.
	Override bool `json:"override"`
	Deleted  bool `json:"deleted"`
}

// Remaining returns the units still available.
func (a Account) Remaining() int {
	if r := a.Limit - a.Used; r > 0 {
		return r
	}
	return 0
}

// Clamp returns a with 0 <= Used <= Limit and a non-negative Limit.
func Clamp(a Account) Account {
	if a.Limit < 0 {
		a.Limit = 0
	}
	if a.Used < 0 {
		a.Used = 0
	}
	if a.Used > a.Limit {
		a.Used = a.Limit
	}
	return a
}

// Snapshot is the denormalized quota view written after reconciliation.
type Snapshot struct {
	UserID     string    `json:"user_id"`
	Limit      int       `json:"limit"`
	Used       int       `json:"used"`
	ResetDate  time.Time `json:"reset_date"`
	Source     string    `json:"source"`
	IsOverride bool      `json:"is_override"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SnapshotOf projects an account into a snapshot.
func SnapshotOf(a Account, now time.Time) Snapshot {
	source := SourceRole
	if a.PlanID != "" {
		source = SourceSubscription
	}
	return Snapshot{
		UserID:     a.UserID,
		Limit:      a.Limit,
		Used:       a.Used,
		ResetDate:  a.ResetDate,
		Source:     source,
		IsOverride: a.Override,
		UpdatedAt:  now,
	}
}

// SubscriptionActive is the status of a subscription in force.
const SubscriptionActive = "active"

// Plan is a purchasable quota tier.
type Plan struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Tier  string `json:"tier"`
	Quota int    `json:"quota"`
}

// Subscription binds a user to a plan for a period.
type Subscription struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	PlanID            string     `json:"plan_id"`
	Status            string     `json:"status"`
	StartDate         time.Time  `json:"start_date"`
	EndDate           *time.Time `json:"end_date,omitempty"`
	SubscriptionQuota int        `json:"subscription_quota"`
}

// RoleDefaults holds the fallback limit per role.
type RoleDefaults struct {
	Student  int
	Lecturer int
	Staff    int
	Admin    int
}

// For returns the default limit for role. Unknown roles get the student limit.
func (d RoleDefaults) For(role string) int {
	switch strings.ToLower(role) {
	case RoleLecturer:
		return d.Lecturer
	case RoleStaff:
		return d.Staff
	case RoleAdmin:
		return d.Admin
	default:
		return d.Student
	}
}

// UserRepository persists ledger rows.
type UserRepository interface {
	GetAccount(ctx context.Context, userID string) (Account, error)
	// SaveQuota writes Limit, Used, ResetDate and PlanID of a.
	SaveQuota(ctx context.Context, a Account) error
	// ListAccounts pages through non-deleted users ordered by ID.
	ListAccounts(ctx context.Context, offset, limit int) ([]Account, error)
}

// SnapshotRepository persists quota snapshots.
type SnapshotRepository interface {
	UpsertSnapshot(ctx context.Context, s Snapshot) error
	GetSnapshot(ctx context.Context, userID string) (Snapshot, error)
}

// PlanRepository reads plans.
type PlanRepository interface {
	GetPlan(ctx context.Context, planID string) (Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)
}

// SubscriptionRepository reads subscriptions.
type SubscriptionRepository interface {
	// ListActiveSubscriptions returns subscriptions active at now.
	ListActiveSubscriptions(ctx context.Context, now time.Time) ([]Subscription, error)
}
