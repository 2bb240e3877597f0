// Package registry persists discovered devices in the per-user document
// namespace. Every write is a single idempotent point operation keyed by the
// hardware identifier; conflict resolution is last-write-wins in the store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"safetyfirst-home/internal/docstore"
)

// DefaultBaseName is the display name given to a freshly provisioned base
// station before the user renames it.
const DefaultBaseName = "New Base Station"

// WriteError reports a failed registry write so callers can tell persistence
// failures apart from device-side errors.
type WriteError struct {
	Op   string
	Path string
	Err  error
}

func (e *WriteError) Error() string { return e.Op + " " + e.Path + ": " + e.Err.Error() }
func (e *WriteError) Unwrap() error { return e.Err }

// Registry reads and writes device records in the document store.
type Registry struct {
	store  docstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a registry over the given store.
func New(store docstore.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger.With("component", "registry"),
		now:    time.Now,
	}
}

// DisplayName derives the stored sensor display name from its location and
// type, e.g. ("Kitchen", "flood") -> "Kitchen (Flood)".
func DisplayName(location, sensorType string) string {
	return location + " (" + capitalize(sensorType) + ")"
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// UpsertBase creates or refreshes a base station record. dateAdded is set
// only on first registration, so re-provisioning the same hardware leaves the
// record unchanged.
func (r *Registry) UpsertBase(ctx context.Context, uid, mac, name string) error {
	path := docstore.BasePath(uid, mac)
	fields := docstore.Document{
		"macAddress": mac,
		"name":       name,
	}
	exists, err := r.exists(ctx, path)
	if err != nil {
		return &WriteError{Op: "upsert base", Path: path, Err: err}
	}
	if !exists {
		fields["dateAdded"] = r.timestamp()
	}
	if err := r.store.Merge(ctx, path, fields); err != nil {
		return &WriteError{Op: "upsert base", Path: path, Err: err}
	}
	r.logger.Info("base station registered", "uid", uid, "mac", mac)
	return nil
}

// UpsertSensor creates or refreshes a sensor record under its base station.
// status, value, and dateAdded are initial-only: the device owns status and
// value after provisioning and a re-provision must not clobber them.
func (r *Registry) UpsertSensor(ctx context.Context, uid, baseMac, sensorID, sensorType, location string) error {
	path := docstore.SensorPath(uid, baseMac, sensorID)
	fields := docstore.Document{
		"name":       DisplayName(location, sensorType),
		"location":   location,
		"type":       sensorType,
		"linkedBase": baseMac,
	}
	exists, err := r.exists(ctx, path)
	if err != nil {
		return &WriteError{Op: "upsert sensor", Path: path, Err: err}
	}
	if !exists {
		fields["status"] = StatusNormal
		fields["value"] = 0.0
		fields["dateAdded"] = r.timestamp()
	}
	if err := r.store.Merge(ctx, path, fields); err != nil {
		return &WriteError{Op: "upsert sensor", Path: path, Err: err}
	}
	r.logger.Info("sensor registered", "uid", uid, "base", baseMac, "sensor", sensorID, "type", sensorType)
	return nil
}

// DeleteBase removes the base station document only. Descendant sensor
// records are pruned separately via DeleteBaseSensors.
func (r *Registry) DeleteBase(ctx context.Context, uid, mac string) error {
	path := docstore.BasePath(uid, mac)
	if err := r.store.Delete(ctx, path); err != nil {
		return &WriteError{Op: "delete base", Path: path, Err: err}
	}
	r.logger.Info("base station removed", "uid", uid, "mac", mac)
	return nil
}

// DeleteBaseSensors removes every sensor record under a base station. It
// keeps going on individual failures and reports them joined.
func (r *Registry) DeleteBaseSensors(ctx context.Context, uid, mac string) error {
	docs, err := r.store.List(ctx, docstore.SensorsPath(uid, mac))
	if err != nil {
		return fmt.Errorf("list sensors of %s: %w", mac, err)
	}
	var errs []error
	for path := range docs {
		if err := r.store.Delete(ctx, path); err != nil {
			errs = append(errs, &WriteError{Op: "delete sensor", Path: path, Err: err})
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if len(docs) > 0 {
		r.logger.Info("sensors pruned", "uid", uid, "mac", mac, "count", len(docs))
	}
	return nil
}

// GetBase returns one base station record.
func (r *Registry) GetBase(ctx context.Context, uid, mac string) (*BaseStation, error) {
	doc, err := r.store.Get(ctx, docstore.BasePath(uid, mac))
	if err != nil {
		return nil, err
	}
	return baseFromDoc(mac, doc), nil
}

// ListBases returns the user's base stations sorted by MAC address.
func (r *Registry) ListBases(ctx context.Context, uid string) ([]*BaseStation, error) {
	docs, err := r.store.List(ctx, docstore.BasesPath(uid))
	if err != nil {
		return nil, err
	}
	bases := make([]*BaseStation, 0, len(docs))
	for path, doc := range docs {
		bases = append(bases, baseFromDoc(lastSegment(path), doc))
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i].MacAddress < bases[j].MacAddress })
	return bases, nil
}

// ListSensors returns a base station's sensors sorted by id.
func (r *Registry) ListSensors(ctx context.Context, uid, mac string) ([]*Sensor, error) {
	docs, err := r.store.List(ctx, docstore.SensorsPath(uid, mac))
	if err != nil {
		return nil, err
	}
	sensors := make([]*Sensor, 0, len(docs))
	for path, doc := range docs {
		sensors = append(sensors, SensorFromDoc(lastSegment(path), doc))
	}
	sort.Slice(sensors, func(i, j int) bool { return sensors[i].ID < sensors[j].ID })
	return sensors, nil
}

func (r *Registry) exists(ctx context.Context, path string) (bool, error) {
	_, err := r.store.Get(ctx, path)
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) timestamp() string {
	return r.now().UTC().Format(time.RFC3339Nano)
}

func lastSegment(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
