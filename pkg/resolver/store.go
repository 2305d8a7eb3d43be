package resolver

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProcessedStore remembers which chain events the resolver has already acted
// on, so redelivered events are no-ops even across a restart.
type ProcessedStore interface {
	// Seen reports whether the event key was processed before.
	Seen(key string) (bool, error)

	// Mark records the event key as processed.
	Mark(key string) error
}

type redisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the redis instance at redisURL.
func NewRedisStore(redisURL string) (ProcessedStore, error) {
	parsed, err := url.Parse(redisURL)
	if err != nil {
		return nil, err
	}
	password, _ := parsed.User.Password()
	client := redis.NewClient(&redis.Options{
		Addr:     parsed.Host,
		Password: password,
		DB:       0, // Use default DB.
	})
	return redisStore{client: client}, nil
}

func (rs redisStore) Seen(key string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := rs.client.Get(ctx, "event:"+key).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (rs redisStore) Mark(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return rs.client.Set(ctx, "event:"+key, true, 0).Err()
}

type memoryStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryStore returns a process-local ProcessedStore.
func NewMemoryStore() ProcessedStore {
	return &memoryStore{seen: map[string]struct{}{}}
}

func (ms *memoryStore) Seen(key string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	_, ok := ms.seen[key]
	return ok, nil
}

func (ms *memoryStore) Mark(key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.seen[key] = struct{}{}
	return nil
}
