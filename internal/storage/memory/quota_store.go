package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/crawlquota/internal/crawler"
	"github.com/JakeFAU/crawlquota/internal/quota"
)

// QuotaStore keeps users, snapshots, plans and subscriptions in memory.
type QuotaStore struct {
	mu            sync.RWMutex
	accounts      map[string]quota.Account
	snapshots     map[string]quota.Snapshot
	plans         map[string]quota.Plan
	subscriptions []quota.Subscription
	saves         int
}

// NewQuotaStore constructs an empty QuotaStore.
func NewQuotaStore() *QuotaStore {
	return &QuotaStore{
		accounts:  make(map[string]quota.Account),
		snapshots: make(map[string]quota.Snapshot),
		plans:     make(map[string]quota.Plan),
	}
}

// PutAccount seeds or replaces a user row.
func (s *QuotaStore) PutAccount(a quota.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.UserID] = a
}

// PutPlan seeds a plan.
func (s *QuotaStore) PutPlan(p quota.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p
}

// PutSubscription seeds a subscription.
func (s *QuotaStore) PutSubscription(sub quota.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions = append(s.subscriptions, sub)
}

// Saves reports how many SaveQuota calls were made.
func (s *QuotaStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// GetAccount implements quota.UserRepository.
func (s *QuotaStore) GetAccount(_ context.Context, userID string) (quota.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[userID]
	if !ok {
		return quota.Account{}, crawler.NotFound("user " + userID)
	}
	return a, nil
}

// SaveQuota implements quota.UserRepository.
func (s *QuotaStore) SaveQuota(_ context.Context, a quota.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.accounts[a.UserID]
	if !ok {
		return crawler.NotFound("user " + a.UserID)
	}
	cur.Limit = a.Limit
	cur.Used = a.Used
	cur.ResetDate = a.ResetDate
	cur.PlanID = a.PlanID
	s.accounts[a.UserID] = cur
	s.saves++
	return nil
}

// ListAccounts implements quota.UserRepository.
func (s *QuotaStore) ListAccounts(_ context.Context, offset, limit int) ([]quota.Account, error) {
	s.mu.RLock()
	out := make([]quota.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		if !a.Deleted {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	start := min(max(offset, 0), len(out))
	end := len(out)
	if limit > 0 {
		end = min(start+limit, len(out))
	}
	return out[start:end], nil
}

// UpsertSnapshot implements quota.SnapshotRepository.
func (s *QuotaStore) UpsertSnapshot(_ context.Context, snap quota.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.UserID] = snap
	return nil
}

// GetSnapshot implements quota.SnapshotRepository.
func (s *QuotaStore) GetSnapshot(_ context.Context, userID string) (quota.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[userID]
	if !ok {
		return quota.Snapshot{}, crawler.NotFound("snapshot " + userID)
	}
	return snap, nil
}

// GetPlan implements quota.PlanRepository.
func (s *QuotaStore) GetPlan(_ context.Context, planID string) (quota.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[planID]
	if !ok {
		return quota.Plan{}, crawler.NotFound("plan " + planID)
	}
	return p, nil
}

// ListPlans implements quota.PlanRepository.
func (s *QuotaStore) ListPlans(_ context.Context) ([]quota.Plan, error) {
	s.mu.RLock()
	out := make([]quota.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListActiveSubscriptions implements quota.SubscriptionRepository.
func (s *QuotaStore) ListActiveSubscriptions(_ context.Context, now time.Time) ([]quota.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]quota.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		if sub.Status != quota.SubscriptionActive || sub.StartDate.After(now) {
			continue
		}
		if sub.EndDate != nil && !sub.EndDate.After(now) {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}
