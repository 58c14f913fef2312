package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"cv-match-go/internal/config"
	"cv-match-go/internal/constants"
	"cv-match-go/internal/storage/models"
)

// ErrNotFound is returned when a key is not found in Redis.
// It wraps the underlying redis.Nil error for abstraction.
var ErrNotFound = redis.Nil

// ErrLockNotAcquired is returned when a rebuild lock is already held.
var ErrLockNotAcquired = errors.New("lock already held")

// releaseLockScript deletes the lock only when it still holds our token,
// so an expired lock reacquired by someone else is never released by us.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis wraps the Redis client.
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisAdapter creates a new Redis client connection.
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
	}

	client := redis.NewClient(opt)

	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis with OpenTelemetry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return &Redis{
		Client: client,
		config: cfg,
	}, nil
}

// Close closes the Redis client connection.
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Ping(ctx).Err()
}

// GetMD5ExpireDuration returns the configured dedup record expiry.
func (r *Redis) GetMD5ExpireDuration() time.Duration {
	days := r.config.MD5RecordExpireDays
	if days <= 0 {
		days = 365
	}
	return time.Duration(days) * 24 * time.Hour
}

// CheckAndAddFileMD5 records an uploaded file digest and reports whether it
// was already present. SADD answers membership and inserts in one atomic
// step; ExpireNX keeps the first-set TTL on the dedup set.
func (r *Redis) CheckAndAddFileMD5(ctx context.Context, md5Hex string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("redis client is not initialized")
	}

	pipe := r.Client.Pipeline()
	added := pipe.SAdd(ctx, constants.KeyFileDedupSet, md5Hex)
	pipe.ExpireNX(ctx, constants.KeyFileDedupSet, r.GetMD5ExpireDuration())
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	// SADD returns 0 when the member already existed.
	return added.Val() == 0, nil
}

// RemoveFileMD5 drops a digest from the dedup set, allowing the same file
// to be uploaded again after its candidate was deleted.
func (r *Redis) RemoveFileMD5(ctx context.Context, md5Hex string) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.SRem(ctx, constants.KeyFileDedupSet, md5Hex).Err()
}

// CacheActiveProfile stores the active profile as JSON with the configured
// TTL, so hot-path reads skip MySQL.
func (r *Redis) CacheActiveProfile(ctx context.Context, profile *models.Profile) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	payload, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to serialize profile: %w", err)
	}
	return r.Client.Set(ctx, constants.KeyActiveProfile, payload, constants.ActiveProfileCacheTTL).Err()
}

// GetCachedActiveProfile returns the cached active profile, or ErrNotFound
// on a cache miss.
func (r *Redis) GetCachedActiveProfile(ctx context.Context) (*models.Profile, error) {
	if r.Client == nil {
		return nil, fmt.Errorf("redis client is not initialized")
	}
	payload, err := r.Client.Get(ctx, constants.KeyActiveProfile).Bytes()
	if err != nil {
		return nil, err
	}
	var profile models.Profile
	if err := json.Unmarshal(payload, &profile); err != nil {
		return nil, fmt.Errorf("failed to deserialize cached profile: %w", err)
	}
	return &profile, nil
}

// InvalidateActiveProfile drops the cached active profile. Called whenever
// a profile is created or activated.
func (r *Redis) InvalidateActiveProfile(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Del(ctx, constants.KeyActiveProfile).Err()
}

// AcquireRebuildLock takes the per-profile rebuild lock and returns an
// opaque token required to release it. Returns ErrLockNotAcquired when
// another rebuild is running.
func (r *Redis) AcquireRebuildLock(ctx context.Context, profileID string, ttl time.Duration) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis client is not initialized")
	}
	token := uuid.NewString()
	key := constants.KeyRebuildLock + ":" + profileID
	ok, err := r.Client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrLockNotAcquired
	}
	return token, nil
}

// ReleaseRebuildLock releases the rebuild lock if the token still matches.
func (r *Redis) ReleaseRebuildLock(ctx context.Context, profileID string, token string) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	key := constants.KeyRebuildLock + ":" + profileID
	return releaseLockScript.Run(ctx, r.Client, []string{key}, token).Err()
}
