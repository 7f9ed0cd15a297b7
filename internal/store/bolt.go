// ABOUTME: BoltDB KV implementation using go.etcd.io/bbolt
// ABOUTME: One bucket, key = conversation id, value = JSON array of records

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var conversationsBucket = []byte("conversations")

// BoltStore persists each conversation as one bbolt value.
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
}

// NewBoltStore opens (or creates) the bbolt file at path.
func NewBoltStore(path string, logger *slog.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	logger.Info("bolt store initialized", "path", path)
	return &BoltStore{db: db, logger: logger.With("component", "bolt-store")}, nil
}

// Get returns the sequence stored under key.
func (s *BoltStore) Get(_ context.Context, key string) ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		records = []Record{}
		return json.Unmarshal(v, &records)
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("reading conversation %q: %w", key, err)
	}
	return records, nil
}

// Put replaces the sequence under key in a single transaction.
func (s *BoltStore) Put(_ context.Context, key string, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	enc, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding conversation %q: %w", key, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Put([]byte(key), enc)
	})
	if err != nil {
		return fmt.Errorf("writing conversation %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *BoltStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("deleting conversation %q: %w", key, err)
	}
	return nil
}

// Keys returns all stored keys. bbolt iterates in byte order, so the
// result is already sorted.
func (s *BoltStore) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return keys, nil
}

// Close closes the bolt database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
