package registry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"testing"
	"time"

	"safetyfirst-home/internal/docstore"
)

func newTestRegistry(t *testing.T) (*Registry, *docstore.MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := docstore.NewMemoryStore(logger)
	reg := New(store, logger)
	reg.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return reg, store
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		location, sensorType, want string
	}{
		{"Kitchen", "Flood", "Kitchen (Flood)"},
		{"Kitchen", "flood", "Kitchen (Flood)"},
		{"Living Room", "quake", "Living Room (Quake)"},
		{"Garage", "Generic", "Garage (Generic)"},
	}
	for _, tc := range tests {
		if got := DisplayName(tc.location, tc.sensorType); got != tc.want {
			t.Errorf("DisplayName(%q, %q) = %q, want %q", tc.location, tc.sensorType, got, tc.want)
		}
	}
}

func TestUpsertBaseCreatesRecord(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.UpsertBase(ctx, "u1", "AA:BB:CC", DefaultBaseName); err != nil {
		t.Fatal(err)
	}

	doc, err := store.Get(ctx, docstore.BasePath("u1", "AA:BB:CC"))
	if err != nil {
		t.Fatal(err)
	}
	if doc["macAddress"] != "AA:BB:CC" || doc["name"] != DefaultBaseName {
		t.Errorf("base doc = %v", doc)
	}
	if doc["dateAdded"] == nil {
		t.Error("dateAdded not set on first registration")
	}
}

func TestUpsertSensorIsIdempotent(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.UpsertSensor(ctx, "u1", "AA:BB:CC", "s1", "flood", "Kitchen"); err != nil {
		t.Fatal(err)
	}
	first, err := store.Get(ctx, docstore.SensorPath("u1", "AA:BB:CC", "s1"))
	if err != nil {
		t.Fatal(err)
	}

	if err := reg.UpsertSensor(ctx, "u1", "AA:BB:CC", "s1", "flood", "Kitchen"); err != nil {
		t.Fatal(err)
	}
	second, err := store.Get(ctx, docstore.SensorPath("u1", "AA:BB:CC", "s1"))
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Errorf("second upsert changed state:\n first=%v\nsecond=%v", first, second)
	}
	if first["name"] != "Kitchen (Flood)" {
		t.Errorf("name = %v, want Kitchen (Flood)", first["name"])
	}
}

func TestUpsertSensorPreservesDeviceOwnedFields(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.UpsertSensor(ctx, "u1", "m1", "s1", "flood", "Kitchen"); err != nil {
		t.Fatal(err)
	}

	// The device raises its alarm and reports a reading.
	path := docstore.SensorPath("u1", "m1", "s1")
	if err := store.Merge(ctx, path, docstore.Document{"status": 1, "value": 82.5}); err != nil {
		t.Fatal(err)
	}

	// A re-provision must not reset what the device wrote.
	if err := reg.UpsertSensor(ctx, "u1", "m1", "s1", "flood", "Kitchen"); err != nil {
		t.Fatal(err)
	}

	sensors, err := reg.ListSensors(ctx, "u1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sensors) != 1 {
		t.Fatalf("got %d sensors, want 1", len(sensors))
	}
	if !sensors[0].InAlert() || sensors[0].Value != 82.5 {
		t.Errorf("device-owned fields clobbered: status=%d value=%v", sensors[0].Status, sensors[0].Value)
	}
}

func TestDeleteBaseLeavesSensorsForExplicitPrune(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	reg.UpsertBase(ctx, "u1", "m1", DefaultBaseName)
	reg.UpsertSensor(ctx, "u1", "m1", "s1", "flood", "Kitchen")
	reg.UpsertSensor(ctx, "u1", "m1", "s2", "quake", "Kitchen")

	if err := reg.DeleteBase(ctx, "u1", "m1"); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.GetBase(ctx, "u1", "m1"); err == nil {
		t.Error("base still present after delete")
	}
	sensors, _ := reg.ListSensors(ctx, "u1", "m1")
	if len(sensors) != 2 {
		t.Fatalf("DeleteBase must only address the base document, %d sensors left", len(sensors))
	}

	if err := reg.DeleteBaseSensors(ctx, "u1", "m1"); err != nil {
		t.Fatal(err)
	}
	sensors, _ = reg.ListSensors(ctx, "u1", "m1")
	if len(sensors) != 0 {
		t.Errorf("%d sensors left after prune", len(sensors))
	}
}

// brokenStore fails every mutation.
type brokenStore struct {
	docstore.Store
}

var errStoreDown = errors.New("store down")

func (s *brokenStore) Merge(context.Context, string, docstore.Document) error { return errStoreDown }
func (s *brokenStore) Delete(context.Context, string) error                   { return errStoreDown }

func TestWriteFailuresAreTyped(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	mem := docstore.NewMemoryStore(logger)
	reg := New(&brokenStore{Store: mem}, logger)
	ctx := context.Background()

	var we *WriteError
	if err := reg.UpsertBase(ctx, "u1", "m1", DefaultBaseName); !errors.As(err, &we) {
		t.Fatalf("upsert base err = %v, want *WriteError", err)
	}
	if !errors.Is(we, errStoreDown) {
		t.Errorf("WriteError does not unwrap to the cause: %v", we)
	}
	if we.Op != "upsert base" {
		t.Errorf("op = %q", we.Op)
	}

	if err := reg.UpsertSensor(ctx, "u1", "m1", "s1", "flood", "Kitchen"); !errors.As(err, &we) {
		t.Errorf("upsert sensor err = %v, want *WriteError", err)
	}
	if err := reg.DeleteBase(ctx, "u1", "m1"); !errors.As(err, &we) {
		t.Errorf("delete base err = %v, want *WriteError", err)
	}

	// Sensor pruning joins per-document failures; the type survives the join.
	if err := mem.Merge(ctx, docstore.SensorPath("u1", "m1", "s1"), docstore.Document{"name": "X"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.DeleteBaseSensors(ctx, "u1", "m1"); !errors.As(err, &we) {
		t.Errorf("delete sensors err = %v, want *WriteError", err)
	}
}

func TestListBasesSorted(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	reg.UpsertBase(ctx, "u1", "CC:00", "Second")
	reg.UpsertBase(ctx, "u1", "AA:00", "First")

	bases, err := reg.ListBases(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(bases) != 2 {
		t.Fatalf("got %d bases, want 2", len(bases))
	}
	if bases[0].MacAddress != "AA:00" || bases[1].MacAddress != "CC:00" {
		t.Errorf("order = %s, %s", bases[0].MacAddress, bases[1].MacAddress)
	}
	if bases[0].Name != "First" {
		t.Errorf("name = %q", bases[0].Name)
	}
}
