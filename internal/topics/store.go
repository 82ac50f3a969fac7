package topics

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
)

// Store persists one user's section→thread mapping.
//
// Load returns an empty map (not an error) when the user has no entry yet.
type Store interface {
	Load(ctx context.Context, userID int64) (map[string]int, error)
	Save(ctx context.Context, userID int64, threads map[string]int) error
}

// RedisStore keeps mappings under "topics:{user_id}" as a JSON object.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func topicKey(userID int64) string {
	return "topics:" + strconv.FormatInt(userID, 10)
}

func (s *RedisStore) Load(ctx context.Context, userID int64) (map[string]int, error) {
	val, err := s.rdb.Get(ctx, topicKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]int
	if err := json.Unmarshal([]byte(val), &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]int{}
	}
	return m, nil
}

func (s *RedisStore) Save(ctx context.Context, userID int64, threads map[string]int) error {
	b, err := json.Marshal(threads)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, topicKey(userID), b, 0).Err()
}

// MemoryStore is an in-process Store for tests and storage-less setups.
type MemoryStore struct {
	mu sync.Mutex
	m  map[int64]map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: map[int64]map[string]int{}}
}

func (s *MemoryStore) Load(ctx context.Context, userID int64) (map[string]int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for k, v := range s.m[userID] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Save(ctx context.Context, userID int64, threads map[string]int) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := map[string]int{}
	for k, v := range threads {
		cp[k] = v
	}
	s.m[userID] = cp
	return nil
}
