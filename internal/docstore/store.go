package docstore

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("not found")

// Document is a flat set of named fields stored at a path. Values must be
// JSON-serializable.
type Document map[string]any

// WatchFunc receives the current value of a watched document. It is invoked
// once on registration with the current state, then on every committed change
// to the document, including changes made by the watcher itself. exists is
// false when the document has been deleted (or never existed). Callbacks run
// on the writer's goroutine and must not block.
type WatchFunc func(doc Document, exists bool)

// PrefixWatchFunc receives changes to any document below a path prefix.
type PrefixWatchFunc func(path string, doc Document, exists bool)

// Store is a hierarchical document store addressed by slash-separated paths.
// It is used as a mailbox and registry: point reads, point writes/merges,
// deletes, child listing, and push subscriptions.
type Store interface {
	// Get returns a copy of the document at path, or ErrNotFound.
	Get(ctx context.Context, path string) (Document, error)

	// Set replaces the document at path, creating it if absent.
	Set(ctx context.Context, path string, doc Document) error

	// Merge writes the given fields into the document at path, creating it
	// if absent. Fields not named are left untouched.
	Merge(ctx context.Context, path string, fields Document) error

	// Delete removes the document at path. Deleting an absent document is
	// not an error.
	Delete(ctx context.Context, path string) error

	// List returns the direct child documents of a collection path, keyed
	// by their full path.
	List(ctx context.Context, prefix string) (map[string]Document, error)

	// Watch subscribes to one document. The returned func cancels the
	// subscription and is safe to call more than once.
	Watch(path string, fn WatchFunc) (cancel func(), err error)

	// WatchPrefix subscribes to every document below a path prefix.
	WatchPrefix(prefix string, fn PrefixWatchFunc) (cancel func(), err error)

	Close() error
}

// Document paths for the per-user device registry.

// UserPath returns the root path of a user's namespace.
func UserPath(uid string) string {
	return "users/" + uid
}

// BasePath returns the document path of a base station record.
func BasePath(uid, mac string) string {
	return UserPath(uid) + "/baseStations/" + mac
}

// BasesPath returns the collection path holding a user's base stations.
func BasesPath(uid string) string {
	return UserPath(uid) + "/baseStations"
}

// SensorsPath returns the collection path holding a base station's sensors.
func SensorsPath(uid, mac string) string {
	return BasePath(uid, mac) + "/sensors"
}

// SensorPath returns the document path of a sensor record.
func SensorPath(uid, mac, sensorID string) string {
	return SensorsPath(uid, mac) + "/" + sensorID
}

// isDirectChild reports whether path is an immediate child of the collection
// at prefix.
func isDirectChild(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix+"/") {
		return false
	}
	return !strings.Contains(path[len(prefix)+1:], "/")
}

func copyDoc(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
