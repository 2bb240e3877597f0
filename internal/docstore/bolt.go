package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketDocuments = []byte("documents")

// BoltStore implements Store on a local BoltDB file. Change notification is
// process-local: watchers see writes made through this store instance.
type BoltStore struct {
	db       *bolt.DB
	watchers *watcherTable
}

// NewBoltStore opens or creates a BoltDB-backed document store.
func NewBoltStore(path string, logger *slog.Logger) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocuments)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &BoltStore{db: db, watchers: newWatcherTable(logger)}, nil
}

func (s *BoltStore) Get(_ context.Context, path string) (Document, error) {
	var doc Document
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDocuments).Get([]byte(path))
		if data == nil {
			return fmt.Errorf("document %s: %w", path, ErrNotFound)
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *BoltStore) Set(_ context.Context, path string, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Put([]byte(path), data)
	})
	if err != nil {
		return err
	}
	s.notifyCurrent(path)
	return nil
}

func (s *BoltStore) Merge(_ context.Context, path string, fields Document) error {
	// Read-modify-write inside a single update transaction.
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		doc := make(Document)
		if data := b.Get([]byte(path)); data != nil {
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("unmarshal document %s: %w", path, err)
			}
		}
		for k, v := range fields {
			doc[k] = v
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal document: %w", err)
		}
		return b.Put([]byte(path), data)
	})
	if err != nil {
		return err
	}
	s.notifyCurrent(path)
	return nil
}

func (s *BoltStore) Delete(_ context.Context, path string) error {
	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		existed = b.Get([]byte(path)) != nil
		return b.Delete([]byte(path))
	})
	if err != nil {
		return err
	}
	if existed {
		s.watchers.notify(path, nil, false)
	}
	return nil
}

func (s *BoltStore) List(_ context.Context, prefix string) (map[string]Document, error) {
	out := make(map[string]Document)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDocuments).Cursor()
		seek := []byte(prefix + "/")
		for k, v := c.Seek(seek); k != nil && bytes.HasPrefix(k, seek); k, v = c.Next() {
			path := string(k)
			if !isDirectChild(prefix, path) {
				continue
			}
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("unmarshal document %s: %w", path, err)
			}
			out[path] = doc
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Watch(path string, fn WatchFunc) (func(), error) {
	cancel := s.watchers.addDoc(path, fn)
	doc, err := s.Get(context.Background(), path)
	fn(doc, err == nil)
	return cancel, nil
}

func (s *BoltStore) WatchPrefix(prefix string, fn PrefixWatchFunc) (func(), error) {
	cancel := s.watchers.addPrefix(prefix, fn)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDocuments).Cursor()
		seek := []byte(prefix + "/")
		for k, v := c.Seek(seek); k != nil && bytes.HasPrefix(k, seek); k, v = c.Next() {
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				continue
			}
			fn(string(k), doc, true)
		}
		return nil
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return cancel, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) notifyCurrent(path string) {
	doc, err := s.Get(context.Background(), path)
	s.watchers.notify(path, doc, err == nil)
}
