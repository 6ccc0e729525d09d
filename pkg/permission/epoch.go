package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// InvalidationChannel carries invalidation notices to every process instance.
const InvalidationChannel = "gatehouse:perm:invalidate"

// Notice is the invalidation message published after a permission write.
// Either UserID or RoleID is set. Replaying a notice is harmless: epochs only
// ever advance.
type Notice struct {
	UserID   int64  `json:"user_id,omitempty"`
	RoleID   int64  `json:"role_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	Epoch    int64  `json:"epoch"`
}

func userEpochKey(tenantID string, userID int64) string {
	return fmt.Sprintf("gatehouse:perm:epoch:%s:user:%d", tenantID, userID)
}

func tenantEpochKey(tenantID string) string {
	return fmt.Sprintf("gatehouse:perm:epoch:%s:tenant", tenantID)
}

func entryKey(tenantID string, userID int64) string {
	return fmt.Sprintf("gatehouse:perm:set:%s:%d", tenantID, userID)
}

// Invalidator publishes epoch advances after permission writes. The epoch
// lives in redis so a process started after the write still sees it; the
// pub/sub notice is the low-latency path for processes already running.
type Invalidator struct {
	client *redis.Client
	logger *observability.Logger
}

// NewInvalidator creates an invalidation publisher.
func NewInvalidator(client *redis.Client, logger *observability.Logger) *Invalidator {
	return &Invalidator{
		client: client,
		logger: logger.WithField("component", "permission_invalidator"),
	}
}

// InvalidateUser advances the epoch for one (tenant, user) pair and notifies
// all instances.
func (i *Invalidator) InvalidateUser(ctx context.Context, tenantID string, userID int64) error {
	epoch, err := i.client.Incr(ctx, userEpochKey(tenantID, userID)).Result()
	if err != nil {
		return fmt.Errorf("failed to advance user epoch: %w", err)
	}
	return i.publish(ctx, Notice{UserID: userID, TenantID: tenantID, Epoch: epoch})
}

// InvalidateRole advances the whole tenant's epoch. The cache layer cannot
// enumerate a role's holders, so a role change invalidates every user entry
// in the tenant. Coarse but correct.
func (i *Invalidator) InvalidateRole(ctx context.Context, tenantID string, roleID int64) error {
	epoch, err := i.client.Incr(ctx, tenantEpochKey(tenantID)).Result()
	if err != nil {
		return fmt.Errorf("failed to advance tenant epoch: %w", err)
	}
	return i.publish(ctx, Notice{RoleID: roleID, TenantID: tenantID, Epoch: epoch})
}

func (i *Invalidator) publish(ctx context.Context, notice Notice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to encode invalidation notice: %w", err)
	}
	if err := i.client.Publish(ctx, InvalidationChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation notice: %w", err)
	}
	return nil
}

// epochFloors tracks the highest epoch this process has seen per key. A
// cached entry stamped below the floor must be treated as a miss; that is
// the central consistency invariant of the cache.
type epochFloors struct {
	mu     sync.RWMutex
	user   map[string]int64
	tenant map[string]int64
}

func newEpochFloors() *epochFloors {
	return &epochFloors{
		user:   make(map[string]int64),
		tenant: make(map[string]int64),
	}
}

func (f *epochFloors) advanceUser(tenantID string, userID int64, epoch int64) {
	key := userEpochKey(tenantID, userID)
	f.mu.Lock()
	if epoch > f.user[key] {
		f.user[key] = epoch
	}
	f.mu.Unlock()
}

func (f *epochFloors) advanceTenant(tenantID string, epoch int64) {
	f.mu.Lock()
	if epoch > f.tenant[tenantID] {
		f.tenant[tenantID] = epoch
	}
	f.mu.Unlock()
}

// floors returns the minimum user and tenant epochs a cache entry for
// (tenant, user) must carry to be served. The two counters advance
// independently, so an entry is compared against each on its own.
func (f *epochFloors) floors(tenantID string, userID int64) (userEpoch, tenantEpoch int64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.user[userEpochKey(tenantID, userID)], f.tenant[tenantID]
}
