// Package redis is a lease.Store backed by Redis, so several relay processes
// can share one lease table.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/erfanmomeniii/relay/lease"
)

const (
	// DefaultPrefix namespaces every key written by the store.
	DefaultPrefix = "relay:lease:"

	maxUpdateAttempts = 5
)

// Store implements lease.Store. Each entry is a JSON string under
// <prefix>entry:<id>; the set <prefix>ids indexes them.
type Store struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

var _ lease.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for index maintenance warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New wraps client. An empty prefix uses DefaultPrefix.
func New(client redis.UniversalClient, prefix string, opts ...Option) *Store {
	if client == nil {
		panic("lease/redis: client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	s := &Store{client: client, prefix: prefix, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to a single Redis node and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lease/redis: ping %s: %w", addr, err)
	}
	return New(client, ""), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) entryKey(id string) string { return s.prefix + "entry:" + id }
func (s *Store) indexKey() string          { return s.prefix + "ids" }

// Put implements lease.Store.
func (s *Store) Put(ctx context.Context, e lease.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("lease/redis: encode %s: %w", e.TransportMessageID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(e.TransportMessageID), data, 0)
		pipe.SAdd(ctx, s.indexKey(), e.TransportMessageID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("lease/redis: put %s: %w", e.TransportMessageID, err)
	}
	return nil
}

// Get implements lease.Store.
func (s *Store) Get(ctx context.Context, id string) (lease.Entry, error) {
	data, err := s.client.Get(ctx, s.entryKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return lease.Entry{}, lease.ErrLockNotFound
	}
	if err != nil {
		return lease.Entry{}, fmt.Errorf("lease/redis: get %s: %w", id, err)
	}
	return decode(id, data)
}

// Update implements lease.Store with optimistic locking on the entry key.
func (s *Store) Update(ctx context.Context, id string, fn func(*lease.Entry) error) error {
	key := s.entryKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return lease.ErrLockNotFound
		}
		if err != nil {
			return err
		}
		e, err := decode(id, data)
		if err != nil {
			return err
		}
		if err := fn(&e); err != nil {
			return err
		}
		updated, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("lease/redis: encode %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return fmt.Errorf("lease/redis: update %s: %w", id, err)
	}
	return nil
}

// watch runs txf under WATCH on key, retrying when another client changes
// the key before the transaction commits.
func (s *Store) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errors.New("too much contention")
}

// List implements lease.Store.
func (s *Store) List(ctx context.Context) ([]lease.Entry, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("lease/redis: list ids: %w", err)
	}
	if len(ids) == 0 {
		return []lease.Entry{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.entryKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("lease/redis: list entries: %w", err)
	}

	out := make([]lease.Entry, 0, len(values))
	var stale []string
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		e, err := decode(ids[i], []byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	for _, id := range stale {
		if err := s.dropIndex(ctx, id); err != nil {
			s.logger.Warn("lease index cleanup failed", "transport_message_id", id, "error", err)
		}
	}
	return out, nil
}

// dropIndex removes id from the index unless its entry exists again, so a
// Put racing with List keeps its index membership.
func (s *Store) dropIndex(ctx context.Context, id string) error {
	key := s.entryKey(id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil || n > 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, s.indexKey(), id)
			return nil
		})
		return err
	}, key)
}

// DeleteIf implements lease.Store. Each entry is checked and removed in its
// own WATCH transaction.
func (s *Store) DeleteIf(ctx context.Context, cond func(lease.Entry) bool, ids ...string) (int, error) {
	removed := 0
	for _, id := range ids {
		key := s.entryKey(id)
		var deleted bool
		txf := func(tx *redis.Tx) error {
			deleted = false
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			e, err := decode(id, data)
			if err != nil {
				return err
			}
			if !cond(e) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.SRem(ctx, s.indexKey(), id)
				return nil
			})
			deleted = err == nil
			return err
		}
		if err := s.watch(ctx, txf, key); err != nil {
			return removed, fmt.Errorf("lease/redis: delete %s: %w", id, err)
		}
		if deleted {
			removed++
		}
	}
	return removed, nil
}

func decode(id string, data []byte) (lease.Entry, error) {
	var e lease.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return lease.Entry{}, fmt.Errorf("lease/redis: decode %s: %w", id, err)
	}
	return e, nil
}
