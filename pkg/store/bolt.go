package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bolt is a local single-file Store backend. It keeps volumes usable
// without network access and shares the same object layout as the
// remote backends: one bbolt bucket per store bucket, keys
// <volume>/<path>.
type Bolt struct {
	db     *bolt.DB
	bucket []byte
	volume string
}

func init() {
	Register("bolt", func(cfg Config) (Store, error) {
		return NewBolt(cfg)
	})
}

// NewBolt opens (creating if needed) the database file for cfg.Bucket.
func NewBolt(cfg Config) (*Bolt, error) {
	path := cfg.Path
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir := filepath.Join(home, ".cumulus")
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		path = filepath.Join(dir, cfg.Bucket+".db")
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	b := &Bolt{db: db, bucket: []byte(cfg.Bucket), volume: cfg.Volume}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b.bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
	}
	return b, nil
}

func (b *Bolt) key(path string) []byte {
	return []byte(b.volume + "/" + path)
}

// CheckAccess implements Store.
func (b *Bolt) CheckAccess() error {
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(b.bucket) == nil {
			return ErrNoSuchBucket
		}
		return nil
	})
}

// Get implements Store.
func (b *Bolt) Get(path string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(b.bucket).Get(b.key(path))
		if v == nil {
			return ErrNotExist
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set implements Store.
func (b *Bolt) Set(path string, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Put(b.key(path), data)
	})
}

// Delete implements Store.
func (b *Bolt) Delete(path string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Delete(b.key(path))
	})
}

// List implements Store.
func (b *Bolt) List(prefix string, fn func(path string) error) error {
	full := b.key(prefix)
	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		for k, _ := c.Seek(full); k != nil && strings.HasPrefix(string(k), string(full)); k, _ = c.Next() {
			if err := fn(strings.TrimPrefix(string(k), b.volume+"/")); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clone implements Store. bbolt handles are safe for concurrent use, so
// clones share the database.
func (b *Bolt) Clone() Store {
	return &Bolt{db: b.db, bucket: b.bucket, volume: b.volume}
}

// Close releases the database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}
