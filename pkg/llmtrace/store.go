package llmtrace

import (
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kon-rad/llmtrace/internal/db"
	"github.com/kon-rad/llmtrace/internal/store"
)

// NewMemoryStore is the default store: the queue snapshot lives only as long
// as the process.
func NewMemoryStore() Store {
	return store.NewMemory()
}

// NewRedisStore keeps the queue snapshot in redis under prefix, expiring it
// after ttl when ttl is positive. An empty prefix uses "llmtrace:".
func NewRedisStore(client redis.Cmdable, prefix string, ttl time.Duration) Store {
	return store.NewRedis(client, prefix, ttl)
}

// SQLiteStore keeps the queue snapshot in a local sqlite file.
type SQLiteStore struct {
	*db.Manager
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	m, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return &SQLiteStore{Manager: m}, nil
}
