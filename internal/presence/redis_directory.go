package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDirectory mirrors online connections per asset into Redis so other
// processes can read presence. Each connection carries a liveness key with
// a TTL; members whose key expired are pruned on read.
type RedisDirectory struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDirectory(redisURL string, ttl time.Duration) (*RedisDirectory, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisDirectoryWithClient(client, ttl), nil
}

func NewRedisDirectoryWithClient(client *redis.Client, ttl time.Duration) *RedisDirectory {
	if ttl <= 0 {
		ttl = DefaultConnectionTimeout
	}
	return &RedisDirectory{
		client: client,
		prefix: "presence:",
		ttl:    ttl,
	}
}

func (d *RedisDirectory) assetKey(assetID string) string {
	return d.prefix + "asset:" + assetID
}

func (d *RedisDirectory) connKey(connID string) string {
	return d.prefix + "conn:" + connID
}

func (d *RedisDirectory) Join(ctx context.Context, assetID string, entry OnlineEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	pipe := d.client.TxPipeline()
	pipe.HSet(ctx, d.assetKey(assetID), entry.ConnectionID, payload)
	pipe.Set(ctx, d.connKey(entry.ConnectionID), entry.IdentityID, d.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("join presence: %w", err)
	}
	return nil
}

func (d *RedisDirectory) Leave(ctx context.Context, assetID, connID string) error {
	if err := d.client.HDel(ctx, d.assetKey(assetID), connID).Err(); err != nil {
		return fmt.Errorf("leave presence: %w", err)
	}
	return nil
}

// Touch extends the liveness key of connID. Connections without any
// subscription have no key yet and are skipped.
func (d *RedisDirectory) Touch(ctx context.Context, connID string) error {
	if err := d.client.Expire(ctx, d.connKey(connID), d.ttl).Err(); err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

// Members returns the live entries of assetID ordered by connection id.
func (d *RedisDirectory) Members(ctx context.Context, assetID string) ([]OnlineEntry, error) {
	raw, err := d.client.HGetAll(ctx, d.assetKey(assetID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	entries := make([]OnlineEntry, 0, len(raw))
	var expired []string
	for connID, payload := range raw {
		exists, err := d.client.Exists(ctx, d.connKey(connID)).Result()
		if err != nil {
			return nil, fmt.Errorf("check presence liveness: %w", err)
		}
		if exists == 0 {
			expired = append(expired, connID)
			continue
		}
		var entry OnlineEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal presence entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if len(expired) > 0 {
		if err := d.client.HDel(ctx, d.assetKey(assetID), expired...).Err(); err != nil {
			return nil, fmt.Errorf("prune presence: %w", err)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ConnectionID < entries[j].ConnectionID })
	return entries, nil
}

func (d *RedisDirectory) Close() error {
	return d.client.Close()
}

func (d *RedisDirectory) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}
