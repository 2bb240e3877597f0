package docstore

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryStore is an in-memory Store. It backs tests and ephemeral runs where
// no persistence or cloud mailbox is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[string]Document
	watchers *watcherTable
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]Document),
		watchers: newWatcherTable(logger),
	}
}

func (s *MemoryStore) Get(_ context.Context, path string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDoc(doc), nil
}

func (s *MemoryStore) Set(_ context.Context, path string, doc Document) error {
	s.mu.Lock()
	s.docs[path] = copyDoc(doc)
	snapshot := copyDoc(doc)
	s.mu.Unlock()

	s.watchers.notify(path, snapshot, true)
	return nil
}

func (s *MemoryStore) Merge(_ context.Context, path string, fields Document) error {
	s.mu.Lock()
	doc, ok := s.docs[path]
	if !ok {
		doc = make(Document, len(fields))
		s.docs[path] = doc
	}
	for k, v := range fields {
		doc[k] = v
	}
	snapshot := copyDoc(doc)
	s.mu.Unlock()

	s.watchers.notify(path, snapshot, true)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	_, existed := s.docs[path]
	delete(s.docs, path)
	s.mu.Unlock()

	if existed {
		s.watchers.notify(path, nil, false)
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) (map[string]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Document)
	for path, doc := range s.docs {
		if isDirectChild(prefix, path) {
			out[path] = copyDoc(doc)
		}
	}
	return out, nil
}

func (s *MemoryStore) Watch(path string, fn WatchFunc) (func(), error) {
	cancel := s.watchers.addDoc(path, fn)

	// Initial snapshot, like a mailbox subscription delivering the current
	// retained value.
	s.mu.RLock()
	doc, ok := s.docs[path]
	snapshot := copyDoc(doc)
	s.mu.RUnlock()
	fn(snapshot, ok)

	return cancel, nil
}

func (s *MemoryStore) WatchPrefix(prefix string, fn PrefixWatchFunc) (func(), error) {
	cancel := s.watchers.addPrefix(prefix, fn)

	s.mu.RLock()
	type entry struct {
		path string
		doc  Document
	}
	var current []entry
	for path, doc := range s.docs {
		if len(path) > len(prefix) && path[:len(prefix)+1] == prefix+"/" {
			current = append(current, entry{path, copyDoc(doc)})
		}
	}
	s.mu.RUnlock()
	for _, e := range current {
		fn(e.path, e.doc, true)
	}

	return cancel, nil
}

func (s *MemoryStore) Close() error { return nil }
