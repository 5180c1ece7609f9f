package belief

import (
	"context"
	"fmt"
)

// rowStore is the part of the durable store backing SQLiteCache.
type rowStore interface {
	LoadBelief(ctx context.Context, userID string) (map[string][]byte, error)
	SaveBelief(ctx context.Context, userID string, entries map[string][]byte) error
}

// SQLiteCache keeps beliefs in the server's SQLite database. Each save runs
// in a single transaction so readers never observe a partial entry.
type SQLiteCache struct {
	store rowStore
}

var _ Cache = (*SQLiteCache)(nil)

// NewSQLiteCache creates a cache on top of store.
func NewSQLiteCache(store rowStore) *SQLiteCache {
	return &SQLiteCache{store: store}
}

func (c *SQLiteCache) Load(ctx context.Context, userID string) (Belief, error) {
	entries, err := c.store.LoadBelief(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load belief for %s: %w", userID, err)
	}
	return Belief(entries), nil
}

func (c *SQLiteCache) Save(ctx context.Context, userID string, b Belief) error {
	if err := c.store.SaveBelief(ctx, userID, b); err != nil {
		return fmt.Errorf("save belief for %s: %w", userID, err)
	}
	return nil
}

func (c *SQLiteCache) Delete(ctx context.Context, userID string) error {
	return c.Save(ctx, userID, nil)
}
