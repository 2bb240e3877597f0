package docstore

import (
	"log/slog"
	"strings"
	"sync"
)

// watcherTable tracks document and prefix subscriptions for the backends that
// generate their own change notifications (memory, bolt). Notification fan-out
// happens outside the table lock so a callback may re-enter the store.
type watcherTable struct {
	mu       sync.Mutex
	nextID   uint64
	docs     map[string]map[uint64]WatchFunc
	prefixes map[string]map[uint64]PrefixWatchFunc
	logger   *slog.Logger
}

func newWatcherTable(logger *slog.Logger) *watcherTable {
	return &watcherTable{
		docs:     make(map[string]map[uint64]WatchFunc),
		prefixes: make(map[string]map[uint64]PrefixWatchFunc),
		logger:   logger,
	}
}

func (w *watcherTable) addDoc(path string, fn WatchFunc) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	if w.docs[path] == nil {
		w.docs[path] = make(map[uint64]WatchFunc)
	}
	w.docs[path][id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.docs[path], id)
	}
}

func (w *watcherTable) addPrefix(prefix string, fn PrefixWatchFunc) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	if w.prefixes[prefix] == nil {
		w.prefixes[prefix] = make(map[uint64]PrefixWatchFunc)
	}
	w.prefixes[prefix][id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.prefixes[prefix], id)
	}
}

// notify delivers a committed change to all matching subscribers. Each
// subscriber gets its own copy of the document.
func (w *watcherTable) notify(path string, doc Document, exists bool) {
	w.mu.Lock()
	docFns := make([]WatchFunc, 0, len(w.docs[path]))
	for _, fn := range w.docs[path] {
		docFns = append(docFns, fn)
	}
	var prefixFns []PrefixWatchFunc
	for prefix, fns := range w.prefixes {
		if strings.HasPrefix(path, prefix+"/") {
			for _, fn := range fns {
				prefixFns = append(prefixFns, fn)
			}
		}
	}
	w.mu.Unlock()

	for _, fn := range docFns {
		w.call(func() { fn(copyDoc(doc), exists) })
	}
	for _, fn := range prefixFns {
		fn := fn
		w.call(func() { fn(path, copyDoc(doc), exists) })
	}
}

func (w *watcherTable) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watch callback panic", "panic", r)
		}
	}()
	fn()
}
