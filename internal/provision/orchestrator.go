package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"safetyfirst-home/internal/events"
	"safetyfirst-home/internal/locallink"
	"safetyfirst-home/internal/registry"
)

// SSID prefixes advertised by devices waiting to be provisioned.
const (
	DefaultBaseSSIDPrefix   = "SafetyFirst-Setup"
	DefaultSensorSSIDPrefix = "SafetyFirst-Sensor-Setup"
)

const defaultExchangeTimeout = 30 * time.Second

// Provisioning phases, emitted on the event bus as the session advances.
const (
	PhaseScanning  = "scanning"
	PhaseConnected = "connected"
	PhaseSending   = "sending"
	PhaseSaving    = "saving"
	PhaseDone      = "done"
	PhaseFailed    = "failed"
)

// ErrSessionActive means another provisioning session currently holds the
// orchestrator. Sessions are strictly serialized.
var ErrSessionActive = errors.New("a provisioning session is already in progress")

// PhaseUpdate is the payload of provision_phase events.
type PhaseUpdate struct {
	Session string `json:"session"`
	Phase   string `json:"phase"`
	Status  string `json:"status"`
}

// Config controls how provisioning sessions run.
type Config struct {
	// UserID owns every record written during provisioning.
	UserID string

	BaseSSIDPrefix   string
	SensorSSIDPrefix string

	BaseSetupURL    string
	SensorConfigURL string

	// ExchangeTimeout bounds the HTTP exchange with the device.
	ExchangeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseSSIDPrefix == "" {
		c.BaseSSIDPrefix = DefaultBaseSSIDPrefix
	}
	if c.SensorSSIDPrefix == "" {
		c.SensorSSIDPrefix = DefaultSensorSSIDPrefix
	}
	if c.BaseSetupURL == "" {
		c.BaseSetupURL = DefaultBaseSetupURL
	}
	if c.SensorConfigURL == "" {
		c.SensorConfigURL = DefaultSensorConfigURL
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = defaultExchangeTimeout
	}
	return c
}

// BaseResult describes a base station that finished provisioning.
type BaseResult struct {
	Mac  string `json:"mac"`
	Name string `json:"name"`
}

// ProvisionedSensor describes one sensor written to the registry.
type ProvisionedSensor struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// SensorResult lists the sensors persisted during a session. On a partial
// registry failure Added still carries everything that was written.
type SensorResult struct {
	BaseMac string              `json:"baseMac"`
	Added   []ProvisionedSensor `json:"added"`
}

// Orchestrator runs provisioning sessions end to end: associate with the
// device's setup network, exchange configuration over HTTP, persist the
// result. One session at a time.
type Orchestrator struct {
	cfg    Config
	links  *locallink.Manager
	client *Client
	reg    *registry.Registry
	bus    *events.Bus
	logger *slog.Logger

	mu      sync.Mutex
	session string
}

func NewOrchestrator(cfg Config, links *locallink.Manager, client *Client, reg *registry.Registry, bus *events.Bus, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg.withDefaults(),
		links:  links,
		client: client,
		reg:    reg,
		bus:    bus,
		logger: logger.With("component", "provision"),
	}
}

// AddBaseStation provisions a new base station: it joins the station's setup
// network, sends the user id and home Wi-Fi credentials, and registers the
// station under the mac the device reports.
func (o *Orchestrator) AddBaseStation(ctx context.Context, ssid, password string) (*BaseResult, error) {
	token, err := o.begin()
	if err != nil {
		return nil, err
	}
	defer o.end(token)

	o.emit(token, PhaseScanning, "searching for base station")
	assoc, err := o.links.Acquire(ctx, locallink.Advertisement{NamePrefix: o.cfg.BaseSSIDPrefix})
	if err != nil {
		return nil, o.fail(token, err)
	}
	defer assoc.Release()
	o.emit(token, PhaseConnected, "connected to base station")

	o.emit(token, PhaseSending, "sending configuration")
	req := BaseSetupRequest{UID: o.cfg.UserID, SSID: ssid, Password: password}
	resp, err := o.client.Send(ctx, assoc, o.cfg.BaseSetupURL, req, o.cfg.ExchangeTimeout)
	if err != nil {
		return nil, o.fail(token, err)
	}
	if resp.Mac == "" {
		return nil, o.fail(token, &ParseError{Reason: "setup response carried no mac"})
	}

	o.emit(token, PhaseSaving, "registering base station")
	if err := o.reg.UpsertBase(ctx, o.cfg.UserID, resp.Mac, registry.DefaultBaseName); err != nil {
		return nil, o.fail(token, err)
	}

	res := &BaseResult{Mac: resp.Mac, Name: registry.DefaultBaseName}
	o.bus.Emit(events.TypeBaseRegistered, res)
	o.emit(token, PhaseDone, "base station registered")
	o.logger.Info("base station provisioned", "mac", res.Mac)
	return res, nil
}

// AddSensor provisions the sensors attached to a new sensor unit and links
// them to an existing base station. Location names the room the unit lives
// in; sensor display names are derived from it.
//
// Registry writes are not transactional: if a write fails partway through a
// batch, earlier writes stand and the returned result lists them alongside
// the error.
func (o *Orchestrator) AddSensor(ctx context.Context, baseMac, location string) (*SensorResult, error) {
	token, err := o.begin()
	if err != nil {
		return nil, err
	}
	defer o.end(token)

	o.emit(token, PhaseScanning, "searching for sensor unit")
	assoc, err := o.links.Acquire(ctx, locallink.Advertisement{NamePrefix: o.cfg.SensorSSIDPrefix})
	if err != nil {
		return nil, o.fail(token, err)
	}
	defer assoc.Release()
	o.emit(token, PhaseConnected, "connected to sensor unit")

	o.emit(token, PhaseSending, "sending configuration")
	resp, err := o.client.Send(ctx, assoc, o.cfg.SensorConfigURL, SensorConfigRequest{BaseMac: baseMac}, o.cfg.ExchangeTimeout)
	if err != nil {
		return nil, o.fail(token, err)
	}
	if len(resp.Sensors) == 0 {
		return nil, o.fail(token, &ParseError{Reason: "config response carried no sensors"})
	}

	o.emit(token, PhaseSaving, "registering sensors")
	res := &SensorResult{BaseMac: baseMac}
	var writeErrs []error
	for _, ent := range resp.Sensors {
		if err := o.reg.UpsertSensor(ctx, o.cfg.UserID, baseMac, ent.ID, ent.Type, location); err != nil {
			writeErrs = append(writeErrs, fmt.Errorf("sensor %s: %w", ent.ID, err))
			continue
		}
		added := ProvisionedSensor{ID: ent.ID, Type: ent.Type, Name: registry.DisplayName(location, ent.Type)}
		res.Added = append(res.Added, added)
		o.bus.Emit(events.TypeSensorRegistered, added)
	}
	if len(writeErrs) > 0 {
		err := errors.Join(writeErrs...)
		o.emit(token, PhaseFailed, fmt.Sprintf("registered %d of %d sensors", len(res.Added), len(resp.Sensors)))
		return res, err
	}

	o.emit(token, PhaseDone, "sensors registered")
	o.logger.Info("sensors provisioned", "base", baseMac, "count", len(res.Added))
	return res, nil
}

func (o *Orchestrator) begin() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != "" {
		return "", ErrSessionActive
	}
	o.session = uuid.NewString()
	return o.session, nil
}

func (o *Orchestrator) end(token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == token {
		o.session = ""
	}
}

func (o *Orchestrator) emit(token, phase, status string) {
	o.bus.Emit(events.TypeProvisionPhase, PhaseUpdate{Session: token, Phase: phase, Status: status})
}

// fail emits the terminal failed phase with a readable status and returns the
// underlying error unchanged.
func (o *Orchestrator) fail(token string, err error) error {
	o.emit(token, PhaseFailed, humanStatus(err))
	o.logger.Warn("provisioning failed", "session", token, "err", err)
	return err
}

func humanStatus(err error) string {
	var gw *GatewayError
	var pe *ParseError
	var we *registry.WriteError
	switch {
	case errors.As(err, &we):
		return "device configured but saving its record failed"
	case errors.Is(err, locallink.ErrNotFound):
		return "no device in range; make sure it is in setup mode"
	case errors.Is(err, locallink.ErrPermissionDenied):
		return "not allowed to manage Wi-Fi on this host"
	case errors.Is(err, locallink.ErrBusy):
		return "another device association is active"
	case errors.As(err, &gw):
		return "device rejected the configuration"
	case errors.As(err, &pe):
		return "device sent an unintelligible reply"
	case errors.Is(err, context.DeadlineExceeded):
		return "device did not answer in time"
	default:
		return "provisioning failed"
	}
}
