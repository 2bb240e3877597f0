package hub

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"safetyfirst-home/internal/docstore"
	"safetyfirst-home/internal/events"
	"safetyfirst-home/internal/locallink"
	"safetyfirst-home/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type noRadio struct{}

func (noRadio) Associate(context.Context, locallink.Advertisement) (locallink.Link, error) {
	return nil, locallink.ErrNotFound
}

type eventLog struct {
	mu   sync.Mutex
	seen []events.Event
}

func (l *eventLog) record(ev events.Event) {
	l.mu.Lock()
	l.seen = append(l.seen, ev)
	l.mu.Unlock()
}

func (l *eventLog) byType(t string) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, ev := range l.seen {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestHub(t *testing.T) (*Hub, *eventLog) {
	t.Helper()
	store := docstore.NewMemoryStore(testLogger())
	t.Cleanup(func() { store.Close() })
	h := New(store, noRadio{}, Config{UserID: "u1"}, testLogger())
	log := &eventLog{}
	h.Events().OnAll(log.record)
	if err := h.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Stop)
	return h, log
}

func TestSensorAlarmTransitions(t *testing.T) {
	h, log := newTestHub(t)
	ctx := context.Background()

	if err := h.Registry().UpsertBase(ctx, "u1", "AA:BB", "Base"); err != nil {
		t.Fatal(err)
	}
	if err := h.Registry().UpsertSensor(ctx, "u1", "AA:BB", "s1", "flood", "Kitchen"); err != nil {
		t.Fatal(err)
	}

	path := docstore.SensorPath("u1", "AA:BB", "s1")
	set := func(status int, value float64) {
		t.Helper()
		err := h.Store().Merge(ctx, path, docstore.Document{"status": status, "value": value})
		if err != nil {
			t.Fatal(err)
		}
	}

	set(1, 3.5) // device raises the alarm
	set(1, 4.0) // still raised, no second alarm event
	set(0, 0.0) // device clears it
	set(1, 2.0) // raised again

	alarms := log.byType(events.TypeSensorAlarm)
	if len(alarms) != 2 {
		t.Fatalf("alarm events = %d, want 2", len(alarms))
	}
	first := alarms[0].Data.(*registry.Sensor)
	if first.ID != "s1" || first.Value != 3.5 || first.Name != "Kitchen (Flood)" {
		t.Errorf("alarm payload = %+v", first)
	}

	clears := log.byType(events.TypeSensorClear)
	if len(clears) != 1 {
		t.Errorf("clear events = %d, want 1", len(clears))
	}
}

func TestSensorUpdatesIgnoreBaseDocs(t *testing.T) {
	h, log := newTestHub(t)
	ctx := context.Background()

	if err := h.Registry().UpsertBase(ctx, "u1", "AA:BB", "Base"); err != nil {
		t.Fatal(err)
	}
	err := h.Store().Merge(ctx, docstore.BasePath("u1", "AA:BB"), docstore.Document{"command": "RESET"})
	if err != nil {
		t.Fatal(err)
	}

	if got := log.byType(events.TypeSensorUpdate); len(got) != 0 {
		t.Errorf("base document changes produced sensor updates: %v", got)
	}
}

func TestMonitorStops(t *testing.T) {
	h, log := newTestHub(t)
	ctx := context.Background()

	if err := h.Registry().UpsertBase(ctx, "u1", "AA:BB", "Base"); err != nil {
		t.Fatal(err)
	}
	if err := h.Registry().UpsertSensor(ctx, "u1", "AA:BB", "s1", "flood", "Kitchen"); err != nil {
		t.Fatal(err)
	}
	before := len(log.byType(events.TypeSensorUpdate))

	h.Stop()
	err := h.Store().Merge(ctx, docstore.SensorPath("u1", "AA:BB", "s1"), docstore.Document{"status": 1})
	if err != nil {
		t.Fatal(err)
	}

	if after := len(log.byType(events.TypeSensorUpdate)); after != before {
		t.Errorf("updates after Stop: %d -> %d", before, after)
	}
}

func TestIsSensorPath(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{docstore.SensorPath("u1", "AA:BB", "s1"), true},
		{docstore.BasePath("u1", "AA:BB"), false},
		{docstore.BasesPath("u1"), false},
	}
	for _, tc := range cases {
		if got := isSensorPath(tc.path); got != tc.want {
			t.Errorf("isSensorPath(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}
