package ingestion

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultLeaseDuration is the claim lease length (§5: "claims have a
// lease (default 5 min) after which an expired claim may be stolen").
const defaultLeaseDuration = 5 * time.Minute

// ClaimTable coordinates which worker owns an upload, so multiple
// processes can poll the same object-store prefixes without double
// processing (§4.7, §5).
type ClaimTable interface {
	// TryClaim attempts to claim key for owner. It succeeds if the key is
	// unclaimed or its lease has expired (stealing an abandoned claim);
	// idempotency across a steal is guaranteed upstream by content_hash
	// dedup (§5), so TryClaim itself does no reconciliation.
	TryClaim(ctx context.Context, key, owner string) (bool, error)
	// Release gives up owner's claim on key, e.g. after successful
	// acknowledgement or dead-lettering.
	Release(ctx context.Context, key, owner string) error
}

// RedisClaimTable implements ClaimTable over a shared Redis instance using
// SET NX PX for claim acquisition, the same lease-via-TTL pattern the
// retrieved corpus's webhook context lifecycle manager uses for its
// distributed locks (context_lifecycle.go's AcquireContextLock).
type RedisClaimTable struct {
	client *redis.Client
	lease  time.Duration
}

// NewRedisClaimTable returns a ClaimTable backed by client, using
// defaultLeaseDuration as the claim lease.
func NewRedisClaimTable(client *redis.Client) *RedisClaimTable {
	return &RedisClaimTable{client: client, lease: defaultLeaseDuration}
}

func claimKey(key string) string { return "ingestion:claim:" + key }

// TryClaim sets the claim key with NX semantics; Redis's own TTL
// expiration is what allows a stale claim to be stolen, so no explicit
// expiry check is needed here.
func (t *RedisClaimTable) TryClaim(ctx context.Context, key, owner string) (bool, error) {
	ok, err := t.client.SetNX(ctx, claimKey(key), owner, t.lease).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release deletes the claim only if owner still holds it, via a small Lua
// script to avoid releasing a claim another worker has since stolen.
func (t *RedisClaimTable) Release(ctx context.Context, key, owner string) error {
	const script = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`
	return t.client.Eval(ctx, script, []string{claimKey(key)}, owner).Err()
}
