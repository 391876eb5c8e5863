// Package bolt implements store.Backend on a bbolt database file. bbolt
// serializes write transactions, so each Update below is atomic with
// respect to every other mutation.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/tokengate/internal/models"
	"github.com/alexjbarnes/tokengate/internal/store"
	bbolt "go.etcd.io/bbolt"
)

const (
	// dbDirPerm is the permission mode for the database directory.
	dbDirPerm = fs.FileMode(0o700)

	// dbFilePerm is the permission mode for the database file.
	dbFilePerm = fs.FileMode(0o600)

	// dbOpenTimeout is the maximum time to wait for the bolt database lock.
	dbOpenTimeout = 5 * time.Second
)

var (
	clientsBucket      = []byte("clients")
	tokensBucket       = []byte("tokens")
	accessIndexBucket  = []byte("token_access")
	refreshIndexBucket = []byte("token_refresh")
)

// DB wraps a bbolt database. Tokens are keyed by client_id; two index
// buckets map access and refresh hashes back to the owning client.
type DB struct {
	db *bbolt.DB
}

var _ store.Backend = (*DB)(nil)

// Open opens the database at path, creating it and its buckets if needed.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), dbDirPerm); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bbolt.Open(path, dbFilePerm, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{clientsBucket, tokensBucket, accessIndexBucket, refreshIndexBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing bolt db: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping reports whether the database is still open.
func (d *DB) Ping(_ context.Context) error {
	return d.db.View(func(*bbolt.Tx) error { return nil })
}

// CreateClient inserts a client, failing with store.ErrDuplicateClient
// when the client_id is taken.
func (d *DB) CreateClient(_ context.Context, c models.Client) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(clientsBucket)
		if b.Get([]byte(c.ClientID)) != nil {
			return store.ErrDuplicateClient
		}

		data, err := json.Marshal(c)
		if err != nil {
			return err
		}

		return b.Put([]byte(c.ClientID), data)
	})
}

// GetClient returns a client by ID.
func (d *DB) GetClient(_ context.Context, clientID string) (*models.Client, error) {
	var c *models.Client

	err := d.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(clientsBucket).Get([]byte(clientID))
		if v == nil {
			return store.ErrNotFound
		}

		c = &models.Client{}

		return json.Unmarshal(v, c)
	})

	return c, err
}

// ListClients returns all registered clients ordered by client_id.
func (d *DB) ListClients(_ context.Context) ([]models.Client, error) {
	var clients []models.Client

	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(clientsBucket).ForEach(func(_, v []byte) error {
			var c models.Client
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			clients = append(clients, c)

			return nil
		})
	})

	return clients, err
}

// PutToken stores rec as the client's only record.
func (d *DB) PutToken(_ context.Context, rec models.TokenRecord) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		if err := deleteRecord(tx, rec.ClientID); err != nil {
			return err
		}

		return putRecord(tx, rec)
	})
}

// SwapToken replaces the client's record if it still carries oldRefreshHash.
func (d *DB) SwapToken(_ context.Context, clientID, oldRefreshHash string, next models.TokenRecord) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		cur, err := getRecord(tx, clientID)
		if err != nil {
			return err
		}

		if cur == nil || cur.RefreshTokenHash != oldRefreshHash {
			return store.ErrConflict
		}

		if err := deleteRecord(tx, clientID); err != nil {
			return err
		}

		return putRecord(tx, next)
	})
}

// GetTokenByAccessHash returns the record whose access token hashes to hash.
func (d *DB) GetTokenByAccessHash(_ context.Context, hash string) (*models.TokenRecord, error) {
	return d.getByIndex(accessIndexBucket, hash)
}

// GetTokenByRefreshHash returns the record whose refresh token hashes to hash.
func (d *DB) GetTokenByRefreshHash(_ context.Context, hash string) (*models.TokenRecord, error) {
	return d.getByIndex(refreshIndexBucket, hash)
}

func (d *DB) getByIndex(index []byte, hash string) (*models.TokenRecord, error) {
	var rec *models.TokenRecord

	err := d.db.View(func(tx *bbolt.Tx) error {
		clientID := tx.Bucket(index).Get([]byte(hash))
		if clientID == nil {
			return store.ErrNotFound
		}

		var err error

		rec, err = getRecord(tx, string(clientID))
		if err != nil {
			return err
		}

		if rec == nil {
			return store.ErrNotFound
		}

		return nil
	})

	return rec, err
}

// DeleteTokenByHash removes the record matching hash as either token.
func (d *DB) DeleteTokenByHash(_ context.Context, hash string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		for _, index := range [][]byte{accessIndexBucket, refreshIndexBucket} {
			clientID := tx.Bucket(index).Get([]byte(hash))
			if clientID == nil {
				continue
			}

			return deleteRecord(tx, string(clientID))
		}

		return nil
	})
}

// PurgeExpired removes every record that can no longer be used.
func (d *DB) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	purged := 0

	err := d.db.Update(func(tx *bbolt.Tx) error {
		var stale []string

		err := tx.Bucket(tokensBucket).ForEach(func(k, v []byte) error {
			var rec models.TokenRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			if rec.Purgeable(now) {
				stale = append(stale, string(k))
			}

			return nil
		})
		if err != nil {
			return err
		}

		// Deleting inside ForEach is unsafe in bbolt; collect first.
		for _, clientID := range stale {
			if err := deleteRecord(tx, clientID); err != nil {
				return err
			}
		}

		purged = len(stale)

		return nil
	})

	return purged, err
}

func getRecord(tx *bbolt.Tx, clientID string) (*models.TokenRecord, error) {
	v := tx.Bucket(tokensBucket).Get([]byte(clientID))
	if v == nil {
		return nil, nil
	}

	rec := &models.TokenRecord{}
	if err := json.Unmarshal(v, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

func putRecord(tx *bbolt.Tx, rec models.TokenRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if err := tx.Bucket(tokensBucket).Put([]byte(rec.ClientID), data); err != nil {
		return err
	}

	if err := tx.Bucket(accessIndexBucket).Put([]byte(rec.AccessTokenHash), []byte(rec.ClientID)); err != nil {
		return err
	}

	return tx.Bucket(refreshIndexBucket).Put([]byte(rec.RefreshTokenHash), []byte(rec.ClientID))
}

// deleteRecord removes the client's record and both of its index entries.
func deleteRecord(tx *bbolt.Tx, clientID string) error {
	cur, err := getRecord(tx, clientID)
	if err != nil || cur == nil {
		return err
	}

	if err := tx.Bucket(accessIndexBucket).Delete([]byte(cur.AccessTokenHash)); err != nil {
		return err
	}

	if err := tx.Bucket(refreshIndexBucket).Delete([]byte(cur.RefreshTokenHash)); err != nil {
		return err
	}

	return tx.Bucket(tokensBucket).Delete([]byte(clientID))
}
