// Package decommission removes base stations from the registry in concert
// with the device itself. The coordinator writes a reset command into the
// station's record, waits for the device to acknowledge through the same
// document, and falls back to an operator-driven force delete when the
// device never answers.
package decommission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"safetyfirst-home/internal/docstore"
	"safetyfirst-home/internal/events"
	"safetyfirst-home/internal/registry"
)

// DefaultTimeout bounds how long a ticket waits for the device to confirm.
const DefaultTimeout = 10 * time.Second

// resolveTimeout bounds the registry deletes run at resolution.
const resolveTimeout = 15 * time.Second

const (
	commandReset   = "RESET"
	confirmedValue = "yes"
)

// ErrPending means a decommission ticket for this base station is already
// open. A station has at most one ticket at a time.
var ErrPending = errors.New("a decommission is already pending for this base station")

// Outcome is the terminal result of a decommission ticket.
type Outcome string

const (
	// OutcomeConfirmed: the device acknowledged the reset and its records
	// were removed.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeTimedOut: the device did not acknowledge within the window.
	// The ticket stays open for ForceDelete or Abandon.
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeUnreachable: the reset command could not be written at all.
	// Handled like a timeout.
	OutcomeUnreachable Outcome = "unreachable"
	// OutcomeForceDeleted: the operator removed the records without a
	// device acknowledgement.
	OutcomeForceDeleted Outcome = "force_deleted"
	// OutcomeAbandoned: the operator kept the records; the reset command
	// was withdrawn.
	OutcomeAbandoned Outcome = "abandoned"
)

// Removal is the payload of base_removed and decommission events.
type Removal struct {
	UID     string  `json:"uid"`
	Mac     string  `json:"mac"`
	Outcome Outcome `json:"outcome"`
}

// Coordinator runs decommission tickets against the document store.
type Coordinator struct {
	store   docstore.Store
	reg     *registry.Registry
	bus     *events.Bus
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*Ticket
}

func New(store docstore.Store, reg *registry.Registry, bus *events.Bus, timeout time.Duration, logger *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		store:   store,
		reg:     reg,
		bus:     bus,
		timeout: timeout,
		logger:  logger.With("component", "decommission"),
		pending: make(map[string]*Ticket),
	}
}

// Ticket states. A ticket moves pending -> offered -> resolved, or straight
// from pending to resolved on confirmation.
const (
	statePending = iota
	stateOffered
	stateResolved
)

// Ticket tracks one in-flight decommission. The confirmation watch and the
// timeout race; whichever fires first wins and the loser is cancelled before
// any action is taken.
type Ticket struct {
	UID string
	Mac string

	co *Coordinator

	mu          sync.Mutex
	state       int
	outcome     Outcome
	timer       *time.Timer
	cancelWatch func()

	// done closes once the outcome is decided (confirmed, timed out or
	// unreachable). Resolution of the records may still be in flight.
	done chan struct{}
}

// RequestReset opens a decommission ticket for a base station. It writes
// command="RESET" into the station's record and watches the same document
// for the device's confirmDestroy="yes" acknowledgement, racing a timer.
//
// The watch is registered before the command is written so an immediate
// acknowledgement cannot slip through. If the command write itself fails the
// ticket is decided as Unreachable and offers the same force-delete fallback
// as a timeout.
func (c *Coordinator) RequestReset(ctx context.Context, uid, mac string) (*Ticket, error) {
	c.mu.Lock()
	if _, ok := c.pending[mac]; ok {
		c.mu.Unlock()
		return nil, ErrPending
	}
	t := &Ticket{UID: uid, Mac: mac, co: c, done: make(chan struct{})}
	c.pending[mac] = t
	c.mu.Unlock()

	path := docstore.BasePath(uid, mac)
	cancel, err := c.store.Watch(path, func(doc docstore.Document, exists bool) {
		// An acknowledgement left over from an earlier attempt can
		// surface in the watch's initial snapshot. The command merge
		// below clears confirmDestroy, so a live acknowledgement always
		// rides a document that still carries the reset command.
		if exists && doc["command"] == commandReset && doc["confirmDestroy"] == confirmedValue {
			t.confirm()
		}
	})
	if err != nil {
		c.unregister(mac)
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	t.setCancelWatch(cancel)

	fields := docstore.Document{"command": commandReset, "confirmDestroy": ""}
	if err := c.store.Merge(ctx, path, fields); err != nil {
		c.logger.Warn("reset command not delivered", "mac", mac, "err", err)
		t.decide(OutcomeUnreachable)
		return t, nil
	}

	t.mu.Lock()
	if t.state == statePending {
		t.timer = time.AfterFunc(c.timeout, t.fireTimeout)
	}
	t.mu.Unlock()

	c.logger.Info("reset command sent", "mac", mac, "timeout", c.timeout)
	return t, nil
}

// Pending reports whether a ticket is open for the given base station.
func (c *Coordinator) Pending(mac string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[mac]
	return ok
}

// Get returns the open ticket for a base station, if any.
func (c *Coordinator) Get(mac string) (*Ticket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.pending[mac]
	return t, ok
}

func (c *Coordinator) unregister(mac string) {
	c.mu.Lock()
	delete(c.pending, mac)
	c.mu.Unlock()
}

// setCancelWatch hands the watch teardown to the ticket. A confirmation may
// land before the registration call returns; if the ticket already resolved,
// the subscription is torn down here instead of being stored.
func (t *Ticket) setCancelWatch(cancel func()) {
	t.mu.Lock()
	if t.state == statePending {
		t.cancelWatch = cancel
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	cancel()
}

// Wait blocks until the ticket is decided: Confirmed, TimedOut or
// Unreachable. The latter two leave the ticket open for ForceDelete or
// Abandon.
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.outcome, nil
	}
}

// Outcome returns the ticket's outcome so far. Empty until decided.
func (t *Ticket) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// ForceDelete removes the station's records without a device
// acknowledgement. Only valid after the ticket timed out or the device was
// unreachable.
func (t *Ticket) ForceDelete(ctx context.Context) error {
	t.mu.Lock()
	if t.state != stateOffered {
		t.mu.Unlock()
		return fmt.Errorf("force delete %s: ticket not awaiting a decision", t.Mac)
	}
	t.state = stateResolved
	t.outcome = OutcomeForceDeleted
	t.mu.Unlock()

	err := t.co.removeRecords(ctx, t)
	t.close()
	return err
}

// Abandon closes the ticket without touching the records and withdraws the
// reset command. Only valid after the ticket timed out or the device was
// unreachable.
func (t *Ticket) Abandon() error {
	t.mu.Lock()
	if t.state != stateOffered {
		t.mu.Unlock()
		return fmt.Errorf("abandon %s: ticket not awaiting a decision", t.Mac)
	}
	t.state = stateResolved
	t.outcome = OutcomeAbandoned
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	path := docstore.BasePath(t.UID, t.Mac)
	if err := t.co.store.Merge(ctx, path, docstore.Document{"command": "", "confirmDestroy": ""}); err != nil {
		t.co.logger.Warn("reset command not withdrawn", "mac", t.Mac, "err", err)
	}
	t.co.bus.Emit(events.TypeDecommission, Removal{UID: t.UID, Mac: t.Mac, Outcome: OutcomeAbandoned})
	t.close()
	return nil
}

// confirm handles the device acknowledgement. Runs on the store's notify
// goroutine; record removal happens off it.
func (t *Ticket) confirm() {
	t.mu.Lock()
	if t.state != statePending {
		t.mu.Unlock()
		return
	}
	t.state = stateResolved
	t.outcome = OutcomeConfirmed
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		defer cancel()
		if err := t.co.removeRecords(ctx, t); err != nil {
			t.co.logger.Error("records not removed after confirmation", "mac", t.Mac, "err", err)
		}
		t.close()
		close(t.done)
	}()
}

func (t *Ticket) fireTimeout() {
	t.decide(OutcomeTimedOut)
}

// decide moves a pending ticket to the offered state with the given outcome.
func (t *Ticket) decide(outcome Outcome) {
	t.mu.Lock()
	if t.state != statePending {
		t.mu.Unlock()
		return
	}
	t.state = stateOffered
	t.outcome = outcome
	if t.timer != nil {
		t.timer.Stop()
	}
	cancel := t.cancelWatch
	t.cancelWatch = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.co.logger.Info("decommission awaiting decision", "mac", t.Mac, "outcome", outcome)
	close(t.done)
}

// close tears down the ticket's watch and pending-map entry. Idempotent.
func (t *Ticket) close() {
	t.mu.Lock()
	cancel := t.cancelWatch
	t.cancelWatch = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.co.unregister(t.Mac)
}

// removeRecords deletes the base station document and prunes its sensors.
func (c *Coordinator) removeRecords(ctx context.Context, t *Ticket) error {
	if err := c.reg.DeleteBase(ctx, t.UID, t.Mac); err != nil {
		return err
	}
	if err := c.reg.DeleteBaseSensors(ctx, t.UID, t.Mac); err != nil {
		return err
	}
	outcome := t.Outcome()
	c.bus.Emit(events.TypeBaseRemoved, Removal{UID: t.UID, Mac: t.Mac, Outcome: outcome})
	c.bus.Emit(events.TypeDecommission, Removal{UID: t.UID, Mac: t.Mac, Outcome: outcome})
	c.logger.Info("base station removed", "mac", t.Mac, "outcome", outcome)
	return nil
}
