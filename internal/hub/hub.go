// Package hub wires the document store, registry, provisioning and
// decommissioning into one running unit and watches the registered sensors
// for status changes.
package hub

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"safetyfirst-home/internal/decommission"
	"safetyfirst-home/internal/docstore"
	"safetyfirst-home/internal/events"
	"safetyfirst-home/internal/locallink"
	"safetyfirst-home/internal/provision"
	"safetyfirst-home/internal/registry"
)

// Config holds the pieces of hub behavior chosen at startup.
type Config struct {
	UserID string

	Provision provision.Config

	// DecommissionTimeout bounds how long a reset waits for the device.
	DecommissionTimeout time.Duration
}

// Hub owns the long-lived components and their shared event bus.
type Hub struct {
	store  docstore.Store
	reg    *registry.Registry
	bus    *events.Bus
	orch   *provision.Orchestrator
	deco   *decommission.Coordinator
	logger *slog.Logger

	userID        string
	cancelMonitor func()

	mu      sync.Mutex
	alarmed map[string]bool
}

func New(store docstore.Store, radio locallink.Radio, cfg Config, logger *slog.Logger) *Hub {
	bus := events.NewBus(logger)
	reg := registry.New(store, logger)
	cfg.Provision.UserID = cfg.UserID

	links := locallink.NewManager(radio, logger)
	client := provision.NewClient(logger)

	return &Hub{
		store:   store,
		reg:     reg,
		bus:     bus,
		orch:    provision.NewOrchestrator(cfg.Provision, links, client, reg, bus, logger),
		deco:    decommission.New(store, reg, bus, cfg.DecommissionTimeout, logger),
		logger:  logger.With("component", "hub"),
		userID:  cfg.UserID,
		alarmed: make(map[string]bool),
	}
}

// Start opens the sensor status monitor.
func (h *Hub) Start() error {
	cancel, err := h.store.WatchPrefix(docstore.BasesPath(h.userID), h.onRecordChange)
	if err != nil {
		return err
	}
	h.cancelMonitor = cancel
	h.logger.Info("sensor monitor started", "user", h.userID)
	return nil
}

// Stop tears down the sensor monitor. The store is closed by the caller.
func (h *Hub) Stop() {
	if h.cancelMonitor != nil {
		h.cancelMonitor()
		h.cancelMonitor = nil
	}
}

func (h *Hub) Store() docstore.Store                   { return h.store }
func (h *Hub) Registry() *registry.Registry            { return h.reg }
func (h *Hub) Events() *events.Bus                     { return h.bus }
func (h *Hub) Provisioning() *provision.Orchestrator   { return h.orch }
func (h *Hub) Decommission() *decommission.Coordinator { return h.deco }
func (h *Hub) UserID() string                          { return h.userID }

// onRecordChange receives every change below the user's base stations.
// Sensor documents sit two levels below a base station document; depth tells
// them apart.
func (h *Hub) onRecordChange(path string, doc docstore.Document, exists bool) {
	if !isSensorPath(path) {
		return
	}
	if !exists {
		h.mu.Lock()
		delete(h.alarmed, path)
		h.mu.Unlock()
		return
	}

	sensor := registry.SensorFromDoc(lastSegment(path), doc)
	h.bus.Emit(events.TypeSensorUpdate, sensor)

	h.mu.Lock()
	was := h.alarmed[path]
	now := sensor.InAlert()
	h.alarmed[path] = now
	h.mu.Unlock()

	switch {
	case now && !was:
		h.logger.Warn("sensor alarm", "sensor", sensor.ID, "name", sensor.Name, "value", sensor.Value)
		h.bus.Emit(events.TypeSensorAlarm, sensor)
	case !now && was:
		h.logger.Info("sensor alarm cleared", "sensor", sensor.ID, "name", sensor.Name)
		h.bus.Emit(events.TypeSensorClear, sensor)
	}
}

// users/{uid}/baseStations/{mac}/sensors/{id} has six segments.
func isSensorPath(path string) bool {
	return strings.Count(path, "/") == 5
}

func lastSegment(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
