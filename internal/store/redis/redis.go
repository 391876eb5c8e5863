// Package redis implements store.Backend on Redis. Each client's token
// record lives under one key; two index keys map the access and refresh
// hashes back to it. Mutations run as WATCH/MULTI transactions on the
// record key so concurrent writers cannot interleave.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alexjbarnes/tokengate/internal/models"
	"github.com/alexjbarnes/tokengate/internal/store"
)

const (
	keyClients      = "clients"
	keyPair         = "pair:"
	keyAccessIndex  = "idx:access:"
	keyRefreshIndex = "idx:refresh:"

	// maxTxRetries bounds optimistic retries for writes that must not
	// fail on contention.
	maxTxRetries = 10

	scanBatch = 100
)

// Config holds connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Store is a Redis-backed store.Backend.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ store.Backend = (*Store)(nil)

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client. Tests use it with miniredis.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix}
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(parts ...string) string {
	return s.keyPrefix + strings.Join(parts, "")
}

// CreateClient adds c to the clients hash. HSETNX makes the existence
// check and the write a single command.
func (s *Store) CreateClient(ctx context.Context, c models.Client) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding client: %w", err)
	}

	ok, err := s.client.HSetNX(ctx, s.key(keyClients), c.ClientID, data).Result()
	if err != nil {
		return fmt.Errorf("storing client: %w", err)
	}

	if !ok {
		return store.ErrDuplicateClient
	}

	return nil
}

// GetClient returns a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*models.Client, error) {
	data, err := s.client.HGet(ctx, s.key(keyClients), clientID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("loading client: %w", err)
	}

	var c models.Client
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding client: %w", err)
	}

	return &c, nil
}

// ListClients returns all clients ordered by client_id.
func (s *Store) ListClients(ctx context.Context) ([]models.Client, error) {
	all, err := s.client.HGetAll(ctx, s.key(keyClients)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}

	clients := make([]models.Client, 0, len(all))
	for id, data := range all {
		var c models.Client
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("decoding client %q: %w", id, err)
		}

		clients = append(clients, c)
	}

	slices.SortFunc(clients, func(a, b models.Client) int {
		return strings.Compare(a.ClientID, b.ClientID)
	})

	return clients, nil
}

// getter is satisfied by both the client and a watching transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// loadRecord reads the record of clientID through cmd. A missing record is nil.
func (s *Store) loadRecord(ctx context.Context, cmd getter, clientID string) (*models.TokenRecord, error) {
	data, err := cmd.Get(ctx, s.key(keyPair, clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}

	var rec models.TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}

	return &rec, nil
}

// queueReplace queues the removal of cur's indexes and the write of next.
// Either may be nil.
func (s *Store) queueReplace(ctx context.Context, pipe redis.Pipeliner, clientID string, cur, next *models.TokenRecord) error {
	if cur != nil {
		pipe.Del(ctx, s.key(keyAccessIndex, cur.AccessTokenHash), s.key(keyRefreshIndex, cur.RefreshTokenHash))
	}

	if next == nil {
		pipe.Del(ctx, s.key(keyPair, clientID))
		return nil
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	pipe.Set(ctx, s.key(keyPair, clientID), data, 0)
	pipe.Set(ctx, s.key(keyAccessIndex, next.AccessTokenHash), clientID, 0)
	pipe.Set(ctx, s.key(keyRefreshIndex, next.RefreshTokenHash), clientID, 0)

	return nil
}

// retryTx runs fn under WATCH on the record of clientID, retrying when
// another writer wins the race.
func (s *Store) retryTx(ctx context.Context, clientID string, fn func(tx *redis.Tx) error) error {
	for range maxTxRetries {
		err := s.client.Watch(ctx, fn, s.key(keyPair, clientID))
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}

	return fmt.Errorf("token for %q: %w", clientID, redis.TxFailedErr)
}

// PutToken stores rec as the client's only record.
func (s *Store) PutToken(ctx context.Context, rec models.TokenRecord) error {
	return s.retryTx(ctx, rec.ClientID, func(tx *redis.Tx) error {
		cur, err := s.loadRecord(ctx, tx, rec.ClientID)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.queueReplace(ctx, pipe, rec.ClientID, cur, &rec)
		})

		return err
	})
}

// SwapToken replaces the client's record if it still carries
// oldRefreshHash. Losing a WATCH race counts as a conflict.
func (s *Store) SwapToken(ctx context.Context, clientID, oldRefreshHash string, next models.TokenRecord) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.loadRecord(ctx, tx, clientID)
		if err != nil {
			return err
		}

		if cur == nil || cur.RefreshTokenHash != oldRefreshHash {
			return store.ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.queueReplace(ctx, pipe, clientID, cur, &next)
		})

		return err
	}, s.key(keyPair, clientID))

	if errors.Is(err, redis.TxFailedErr) {
		return store.ErrConflict
	}

	return err
}

// GetTokenByAccessHash returns the record whose access token hashes to hash.
func (s *Store) GetTokenByAccessHash(ctx context.Context, hash string) (*models.TokenRecord, error) {
	return s.getByIndex(ctx, keyAccessIndex, hash, func(r *models.TokenRecord) string { return r.AccessTokenHash })
}

// GetTokenByRefreshHash returns the record whose refresh token hashes to hash.
func (s *Store) GetTokenByRefreshHash(ctx context.Context, hash string) (*models.TokenRecord, error) {
	return s.getByIndex(ctx, keyRefreshIndex, hash, func(r *models.TokenRecord) string { return r.RefreshTokenHash })
}

func (s *Store) getByIndex(ctx context.Context, index, hash string, field func(*models.TokenRecord) string) (*models.TokenRecord, error) {
	clientID, err := s.client.Get(ctx, s.key(index, hash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("loading token index: %w", err)
	}

	rec, err := s.loadRecord(ctx, s.client, clientID)
	if err != nil {
		return nil, err
	}

	// The index and record are read separately; a rotation in between
	// leaves the index pointing at a newer record.
	if rec == nil || field(rec) != hash {
		return nil, store.ErrNotFound
	}

	return rec, nil
}

// DeleteTokenByHash removes the record matching hash as either token.
func (s *Store) DeleteTokenByHash(ctx context.Context, hash string) error {
	for _, index := range []string{keyAccessIndex, keyRefreshIndex} {
		clientID, err := s.client.Get(ctx, s.key(index, hash)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}

		if err != nil {
			return fmt.Errorf("loading token index: %w", err)
		}

		return s.retryTx(ctx, clientID, func(tx *redis.Tx) error {
			cur, err := s.loadRecord(ctx, tx, clientID)
			if err != nil {
				return err
			}

			if cur == nil || (cur.AccessTokenHash != hash && cur.RefreshTokenHash != hash) {
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return s.queueReplace(ctx, pipe, clientID, cur, nil)
			})

			return err
		})
	}

	return nil
}

// PurgeExpired scans every record and removes the unusable ones. Each
// removal re-checks the record under WATCH so a concurrent rotation is
// never lost.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	purged := 0
	prefix := s.key(keyPair)

	iter := s.client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		clientID := strings.TrimPrefix(iter.Val(), prefix)

		err := s.retryTx(ctx, clientID, func(tx *redis.Tx) error {
			cur, err := s.loadRecord(ctx, tx, clientID)
			if err != nil || cur == nil || !cur.Purgeable(now) {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return s.queueReplace(ctx, pipe, clientID, cur, nil)
			})
			if err == nil {
				purged++
			}

			return err
		})
		if err != nil {
			return purged, err
		}
	}

	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("scanning tokens: %w", err)
	}

	return purged, nil
}
