package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	balancedomain "github.com/tallylabs/tally/internal/balance/domain"
	"go.uber.org/zap"
)

const defaultSnapshotTTL = 24 * time.Hour

// Store reads and writes customer snapshots in the shared cache.
type Store struct {
	rdb *redis.Client
	log *zap.Logger
	ttl time.Duration
}

func NewStore(rdb *redis.Client, log *zap.Logger) *Store {
	return &Store{
		rdb: rdb,
		log: log.Named("balance.cache"),
		ttl: defaultSnapshotTTL,
	}
}

// Get loads the snapshot for the key. A missing key means the customer is
// not cached and callers should read through from the durable store.
func (s *Store) Get(ctx context.Context, key string) (*Snapshot, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, balancedomain.ErrCustomerNotCached
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", balancedomain.ErrTransientStore, err)
	}
	return decodeSnapshot(raw)
}

// Set writes the snapshot with the store TTL.
func (s *Store) Set(ctx context.Context, key string, snap *Snapshot) error {
	raw, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %w", balancedomain.ErrTransientStore, err)
	}
	return nil
}

// SetIfAbsent writes the snapshot only when the key is empty. Read-through
// population uses it so a freshly loaded graph never clobbers a snapshot a
// concurrent deduction just mutated.
func (s *Store) SetIfAbsent(ctx context.Context, key string, snap *Snapshot) error {
	raw, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.rdb.SetNX(ctx, key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %w", balancedomain.ErrTransientStore, err)
	}
	return nil
}

// Invalidate drops the key so the next read repopulates from the durable
// store. Structural changes (product attach, entity creation, manual
// reset) call this to avoid serving a shape the cache never learned.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %w", balancedomain.ErrTransientStore, err)
	}
	return nil
}
