// Package locallink manages the exclusive local-network association to a
// device in setup mode. The device advertises a known SSID prefix and does
// not route internet traffic; while an association is held, requests made
// through it are bound to the association's network interface so they never
// ride the primary uplink.
package locallink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrNotFound means no device advertising the requested prefix showed
	// up before the platform gave up. Expected when the device is not in
	// setup mode; callers re-prompt the user instead of retrying.
	ErrNotFound = errors.New("device not found")

	// ErrPermissionDenied means the process lacks the privileges to scan
	// or associate.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrBusy means an association is already held. Only one provisioning
	// exchange runs at a time.
	ErrBusy = errors.New("an association is already active")
)

// Advertisement filters the association request by advertised-name prefix.
type Advertisement struct {
	NamePrefix string
}

// Link is a platform-level association to one device, produced by a Radio.
type Link interface {
	// Interface is the network interface name carrying the association.
	// Empty means the default interface (used by test links).
	Interface() string
	Close() error
}

// Radio performs the platform association. Exactly one outcome per call:
// either a Link or an error, never both, never neither.
type Radio interface {
	Associate(ctx context.Context, adv Advertisement) (Link, error)
}

// Manager hands out at most one Association at a time.
type Manager struct {
	radio  Radio
	logger *slog.Logger

	mu     sync.Mutex
	active bool
}

// NewManager creates a manager over the given radio.
func NewManager(radio Radio, logger *slog.Logger) *Manager {
	return &Manager{
		radio:  radio,
		logger: logger.With("component", "locallink"),
	}
}

// Acquire requests an exclusive association to a device advertising the given
// prefix. It blocks until the radio succeeds, fails, or ctx is cancelled.
// Returns ErrBusy if an association is already held.
func (m *Manager) Acquire(ctx context.Context, adv Advertisement) (*Association, error) {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	m.active = true
	m.mu.Unlock()

	m.logger.Info("requesting association", "prefix", adv.NamePrefix)
	link, err := m.radio.Associate(ctx, adv)
	if err != nil {
		m.mu.Lock()
		m.active = false
		m.mu.Unlock()
		return nil, fmt.Errorf("associate %q: %w", adv.NamePrefix, err)
	}

	m.logger.Info("associated", "prefix", adv.NamePrefix, "interface", link.Interface())
	return &Association{mgr: m, link: link}, nil
}

func (m *Manager) release(link Link) {
	if err := link.Close(); err != nil {
		m.logger.Warn("release association", "err", err)
	}
	m.mu.Lock()
	m.active = false
	m.mu.Unlock()
	m.logger.Info("association released")
}

// Association is an exclusive, non-internet-routed connection to one device.
type Association struct {
	mgr  *Manager
	link Link

	mu       sync.Mutex
	released bool
}

// HTTPClient returns a client whose connections are bound to the
// association's interface. Connections are not reused across exchanges; the
// provisioning protocol is a single request/response.
func (a *Association) HTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if iface := a.link.Interface(); iface != "" {
		dialer.Control = bindToInterface(iface)
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:       dialer.DialContext,
			DisableKeepAlives: true,
		},
	}
}

// Release tears the association down. Idempotent: repeat calls and calls on a
// zero-value handle are no-ops.
func (a *Association) Release() {
	if a == nil || a.link == nil {
		return
	}
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.released = true
	a.mu.Unlock()

	a.mgr.release(a.link)
}
