package registers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces register hashes.
const DefaultRedisPrefix = "codeengineer:registers"

// DefaultRedisTTL bounds how long registers of a crashed run survive.
const DefaultRedisTTL = time.Hour

// RedisStore keeps the registers of one run in a single Redis hash keyed
// "<prefix>:<runID>". Values are stored as JSON, so they come back as the
// generic JSON types (string, float64, bool, []any, map[string]any).
type RedisStore struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	now    func() time.Time
}

type redisRecord struct {
	Value     json.RawMessage `json:"value"`
	Source    string          `json:"source"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewRedisStore returns the store for runID. A non-positive ttl selects
// DefaultRedisTTL and an empty prefix selects DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix, runID string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{
		client: client,
		key:    prefix + ":" + runID,
		ttl:    ttl,
		now:    time.Now,
	}
}

// RedisFactory returns a Factory creating one RedisStore per run on client.
func RedisFactory(client redis.UniversalClient, prefix string, ttl time.Duration) Factory {
	return func(_ context.Context, runID string) (Store, error) {
		if runID == "" {
			return nil, errors.New("registers: empty run id")
		}
		return NewRedisStore(client, prefix, runID, ttl), nil
	}
}

// Key returns the Redis key holding this run's registers.
func (s *RedisStore) Key() string { return s.key }

// Set implements Store. The hash TTL is refreshed on every write.
func (s *RedisStore) Set(ctx context.Context, name string, value any, source string) error {
	if name == "" {
		return ErrEmptyName
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("registers: encode %q: %w", name, err)
	}
	rec, err := json.Marshal(redisRecord{Value: raw, Source: source, UpdatedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("registers: encode %q: %w", name, err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key, name, rec)
	pipe.Expire(ctx, s.key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registers: set %q: %w", name, err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, name string) (Entry, bool, error) {
	raw, err := s.client.HGet(ctx, s.key, name).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("registers: get %q: %w", name, err)
	}
	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Entry{}, false, fmt.Errorf("registers: decode %q: %w", name, err)
	}
	var value any
	if err := json.Unmarshal(rec.Value, &value); err != nil {
		return Entry{}, false, fmt.Errorf("registers: decode %q: %w", name, err)
	}
	return Entry{Name: name, Value: value, Source: rec.Source, UpdatedAt: rec.UpdatedAt}, true, nil
}

// Discard implements Store by deleting the run's hash.
func (s *RedisStore) Discard(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("registers: discard: %w", err)
	}
	return nil
}
