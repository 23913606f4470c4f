package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlquota/internal/cache"
	"github.com/JakeFAU/crawlquota/internal/crawler"
)

// AccountKey is the cache key of a user's ledger row.
func AccountKey(userID string) string {
	return cache.Key("quota", "user", userID)
}

// LedgerOptions configures a Ledger.
type LedgerOptions struct {
	// CacheTTL is the base TTL for cached accounts; zero uses the cache default.
	CacheTTL time.Duration
	Clock    crawler.Clock
	Logger   *zap.Logger
}

// Ledger reads and writes quota accounts. Reads go through the cache; every
// write clamps, persists and evicts the cached row.
type Ledger struct {
	users     UserRepository
	snapshots SnapshotRepository
	cache     *cache.Cache
	ttl       time.Duration
	clock     crawler.Clock
	logger    *zap.Logger
}

// NewLedger wires a Ledger. c may be nil to disable caching.
func NewLedger(users UserRepository, snapshots SnapshotRepository, c *cache.Cache, opts LedgerOptions) *Ledger {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Ledger{
		users:     users,
		snapshots: snapshots,
		cache:     c,
		ttl:       opts.CacheTTL,
		clock:     clock,
		logger:    logger,
	}
}

// Account returns the user's ledger row, served from the cache when possible.
func (l *Ledger) Account(ctx context.Context, userID string) (Account, error) {
	if l.cache == nil {
		return l.load(ctx, userID)
	}
	return cache.GetOrFetch(ctx, l.cache, AccountKey(userID), l.ttl, func(ctx context.Context) (Account, error) {
		return l.load(ctx, userID)
	})
}

// Check verifies the user has at least units remaining.
func (l *Ledger) Check(ctx context.Context, userID string, units int) (Account, error) {
	acct, err := l.Account(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	if acct.Remaining() < units {
		return acct, crawler.QuotaExceeded("link quota")
	}
	return acct, nil
}

// Reserve adds units to the user's consumption. It is not atomic with Check;
// concurrent reservations are bounded only by the clamp.
func (l *Ledger) Reserve(ctx context.Context, userID string, units int) (Account, error) {
	acct, err := l.load(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	acct.Used += units
	acct = Clamp(acct)
	if err := l.users.SaveQuota(ctx, acct); err != nil {
		return Account{}, crawler.Transient("reserve quota", err)
	}
	l.Invalidate(ctx, userID)
	return acct, nil
}

// ApplyDelta adjusts consumption by delta (negative refunds), clamps,
// persists, refreshes the snapshot and evicts the cached row.
func (l *Ledger) ApplyDelta(ctx context.Context, userID string, delta int) (Account, error) {
	acct, err := l.load(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	acct.Used += delta
	acct = Clamp(acct)
	if err := l.users.SaveQuota(ctx, acct); err != nil {
		return Account{}, crawler.Transient("apply usage delta", err)
	}
	if err := l.snapshots.UpsertSnapshot(ctx, SnapshotOf(acct, l.clock.Now())); err != nil {
		return Account{}, crawler.Transient("upsert snapshot", err)
	}
	l.Invalidate(ctx, userID)
	return acct, nil
}

// Store persists a reconciled account together with its snapshot.
func (l *Ledger) Store(ctx context.Context, acct Account, snap Snapshot, changed bool) error {
	if changed {
		if err := l.users.SaveQuota(ctx, acct); err != nil {
			return fmt.Errorf("save quota for %s: %w", acct.UserID, err)
		}
	}
	if err := l.snapshots.UpsertSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("upsert snapshot for %s: %w", acct.UserID, err)
	}
	l.Invalidate(ctx, acct.UserID)
	return nil
}

// Invalidate evicts the cached row; failures are logged.
func (l *Ledger) Invalidate(ctx context.Context, userID string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Delete(ctx, AccountKey(userID)); err != nil {
		l.logger.Warn("failed to evict cached quota", zap.String("user_id", userID), zap.Error(err))
	}
}

func (l *Ledger) load(ctx context.Context, userID string) (Account, error) {
	acct, err := l.users.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			return Account{}, err
		}
		return Account{}, crawler.Transient("load quota account", err)
	}
	if acct.Deleted {
		return Account{}, crawler.NotFound("user " + userID)
	}
	return acct, nil
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
