package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/gatehouse/pkg/config"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// PatternSource loads grant patterns from the source of truth.
type PatternSource interface {
	EffectivePatterns(ctx context.Context, userID int64, tenantID string) ([]Pattern, error)
}

// Checker answers permission questions. Cache and Store both implement it;
// callers never depend on which backs them.
type Checker interface {
	Check(ctx context.Context, userID int64, code string, scope Scope) (bool, error)
}

// cacheEntry holds the grant patterns for one (user, tenant) pair plus the
// epochs it was loaded under. Concrete codes are materialized into expanded
// only when actually queried, bounding entry size for tenants with very
// large permission catalogs.
type cacheEntry struct {
	patterns    []Pattern
	userEpoch   int64
	tenantEpoch int64
	storedAt    time.Time

	mu       sync.Mutex
	expanded map[string]bool
}

func (e *cacheEntry) check(code string, scope Scope) bool {
	key := code
	if scope.Resource != "" {
		key = code + "@" + scope.Resource
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if allowed, ok := e.expanded[key]; ok {
		return allowed
	}
	_, allowed := MatchBest(e.patterns, code, scope)
	e.expanded[key] = allowed
	return allowed
}

func (e *cacheEntry) fresh(userFloor, tenantFloor int64) bool {
	return e.userEpoch >= userFloor && e.tenantEpoch >= tenantFloor
}

// l2Entry is the redis representation. The expanded set is deliberately not
// shared across instances; each materializes its own.
type l2Entry struct {
	Patterns    []Pattern `json:"patterns"`
	UserEpoch   int64     `json:"user_epoch"`
	TenantEpoch int64     `json:"tenant_epoch"`
	StoredAt    time.Time `json:"stored_at"`
}

// Cache is the two-level permission cache: an in-process LRU in front of a
// redis layer shared by all instances, in front of the store. Entries carry
// the epochs they were loaded under; an entry below the current floor is a
// miss, never an answer. TTLs are a safety net only.
type Cache struct {
	source  PatternSource
	client  *redis.Client
	l1      *expirable.LRU[string, *cacheEntry]
	group   singleflight.Group
	floors  *epochFloors
	logger  *observability.Logger
	metrics *observability.Metrics
	l2TTL   time.Duration
}

// NewCache creates the permission cache. Run must be started for
// cross-instance invalidation notices to be applied.
func NewCache(source PatternSource, client *redis.Client, cfg config.PermissionConfig, logger *observability.Logger, metrics *observability.Metrics) *Cache {
	return &Cache{
		source:  source,
		client:  client,
		l1:      expirable.NewLRU[string, *cacheEntry](cfg.L1Size, nil, cfg.L1TTL),
		floors:  newEpochFloors(),
		logger:  logger.WithField("component", "permission_cache"),
		metrics: metrics,
		l2TTL:   cfg.L2TTL,
	}
}

// Check answers whether the user holds the permission in the given scope.
// The store is consulted only on a miss or a stale epoch; a store failure
// fails closed with *UnavailableError.
func (c *Cache) Check(ctx context.Context, userID int64, code string, scope Scope) (bool, error) {
	key := entryKey(scope.Tenant, userID)
	userFloor, tenantFloor := c.floors.floors(scope.Tenant, userID)

	if entry, ok := c.l1.Get(key); ok {
		if entry.fresh(userFloor, tenantFloor) {
			c.metrics.PermCacheHitsTotal.WithLabelValues("l1").Inc()
			return entry.check(code, scope), nil
		}
		c.metrics.PermCacheStaleEpochTotal.Inc()
	}
	c.metrics.PermCacheMissesTotal.WithLabelValues("l1").Inc()

	if entry := c.fromL2(ctx, key); entry != nil {
		// A shared entry may predate an invalidation this process never got
		// a notice for (it subscribed after the publish, or hasn't started
		// Run yet), so it is judged against the authoritative redis epochs,
		// not the local floors. An entry that cannot be verified is a miss.
		redisUser, redisTenant, ok := c.currentEpochs(ctx, scope.Tenant, userID)
		if ok && entry.fresh(redisUser, redisTenant) {
			c.metrics.PermCacheHitsTotal.WithLabelValues("l2").Inc()
			c.l1.Add(key, entry)
			return entry.check(code, scope), nil
		}
		c.metrics.PermCacheStaleEpochTotal.Inc()
	}
	c.metrics.PermCacheMissesTotal.WithLabelValues("l2").Inc()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.load(ctx, userID, scope.Tenant)
	})
	if err != nil {
		return false, &UnavailableError{Err: err}
	}

	return v.(*cacheEntry).check(code, scope), nil
}

// load rebuilds the entry from the store. Epochs are read before the store
// query so an invalidation racing the load stamps the entry stale rather
// than fresh.
func (c *Cache) load(ctx context.Context, userID int64, tenantID string) (*cacheEntry, error) {
	start := time.Now()
	defer observability.ObserveDuration(c.metrics.PermCacheLoadDuration, start)

	userEpoch, tenantEpoch, _ := c.currentEpochs(ctx, tenantID, userID)

	patterns, err := c.source.EffectivePatterns(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}

	entry := &cacheEntry{
		patterns:    patterns,
		userEpoch:   userEpoch,
		tenantEpoch: tenantEpoch,
		storedAt:    time.Now(),
		expanded:    make(map[string]bool),
	}

	key := entryKey(tenantID, userID)
	c.l1.Add(key, entry)
	c.storeL2(ctx, key, entry)
	return entry, nil
}

// currentEpochs reads the authoritative epochs from redis, falling back to
// the in-process floors when redis cannot answer (reported by the bool). The
// floors are advanced with whatever redis reports so later checks see at
// least these values.
func (c *Cache) currentEpochs(ctx context.Context, tenantID string, userID int64) (int64, int64, bool) {
	userFloor, tenantFloor := c.floors.floors(tenantID, userID)

	values, err := c.client.MGet(ctx, userEpochKey(tenantID, userID), tenantEpochKey(tenantID)).Result()
	if err != nil || len(values) != 2 {
		c.logger.WithError(err).WithTenant(tenantID).Warn("Failed to read permission epochs")
		return userFloor, tenantFloor, false
	}

	userEpoch := maxEpoch(parseEpoch(values[0]), userFloor)
	tenantEpoch := maxEpoch(parseEpoch(values[1]), tenantFloor)
	c.floors.advanceUser(tenantID, userID, userEpoch)
	c.floors.advanceTenant(tenantID, tenantEpoch)
	return userEpoch, tenantEpoch, true
}

func (c *Cache) fromL2(ctx context.Context, key string) *cacheEntry {
	raw, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		c.logger.WithError(err).Warn("Failed to read permission cache entry")
		return nil
	}

	var stored l2Entry
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		c.logger.WithError(err).Warn("Discarding undecodable permission cache entry")
		return nil
	}
	return &cacheEntry{
		patterns:    stored.Patterns,
		userEpoch:   stored.UserEpoch,
		tenantEpoch: stored.TenantEpoch,
		storedAt:    stored.StoredAt,
		expanded:    make(map[string]bool),
	}
}

func (c *Cache) storeL2(ctx context.Context, key string, entry *cacheEntry) {
	payload, err := json.Marshal(l2Entry{
		Patterns:    entry.patterns,
		UserEpoch:   entry.userEpoch,
		TenantEpoch: entry.tenantEpoch,
		StoredAt:    entry.storedAt,
	})
	if err != nil {
		c.logger.WithError(err).Error("Failed to encode permission cache entry")
		return
	}
	if err := c.client.Set(ctx, key, payload, c.l2TTL).Err(); err != nil {
		c.logger.WithError(err).Warn("Failed to write permission cache entry")
	}
}

// Run subscribes to the invalidation channel and advances epoch floors until
// the context is cancelled. Notices do not evict entries; the floor check in
// Check treats outdated entries as misses, which makes delivery idempotent
// and safe to replay.
func (c *Cache) Run(ctx context.Context) error {
	pubsub := c.client.Subscribe(ctx, InvalidationChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to invalidation channel: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			c.applyNotice(msg.Payload)
		}
	}
}

func (c *Cache) applyNotice(payload string) {
	var notice Notice
	if err := json.Unmarshal([]byte(payload), &notice); err != nil {
		c.logger.WithError(err).Warn("Discarding undecodable invalidation notice")
		return
	}
	if notice.UserID != 0 {
		c.floors.advanceUser(notice.TenantID, notice.UserID, notice.Epoch)
	} else {
		c.floors.advanceTenant(notice.TenantID, notice.Epoch)
	}
	c.logger.WithTenant(notice.TenantID).WithFields(map[string]interface{}{
		"user_id": notice.UserID,
		"role_id": notice.RoleID,
		"epoch":   notice.Epoch,
	}).Debug("Applied invalidation notice")
}

func parseEpoch(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	epoch, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return epoch
}

func maxEpoch(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
