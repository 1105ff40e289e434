package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
)

// Redis keeps one hash per table, field = record key, value = JSON write.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to redisURL and checks the connection.
func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client), nil
}

func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "outreachdesk:outbox:"}
}

func (r *Redis) key(table string) string {
	return r.prefix + table
}

func (r *Redis) Save(ctx context.Context, write draftsync.PendingWrite) error {
	if err := validateWrite(write); err != nil {
		return err
	}
	payload, err := json.Marshal(write)
	if err != nil {
		return fmt.Errorf("marshal pending write: %w", err)
	}
	if err := r.client.HSet(ctx, r.key(write.Table), write.Key, payload).Err(); err != nil {
		return fmt.Errorf("save pending write: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, table, key string) error {
	if err := r.client.HDel(ctx, r.key(table), key).Err(); err != nil {
		return fmt.Errorf("delete pending write: %w", err)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context, table string) ([]draftsync.PendingWrite, error) {
	entries, err := r.client.HGetAll(ctx, r.key(table)).Result()
	if err != nil {
		return nil, fmt.Errorf("load pending writes: %w", err)
	}
	out := make([]draftsync.PendingWrite, 0, len(entries))
	for _, payload := range entries {
		var write draftsync.PendingWrite
		if err := json.Unmarshal([]byte(payload), &write); err != nil || write.Key == "" {
			continue
		}
		out = append(out, write)
	}
	sortPending(out)
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
