// Package session implements the call session state machine. It owns the
// single mutable session record, consumes device and connection lifecycle
// events, validates and applies transitions, and republishes an immutable
// snapshot to all observers after every change.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sebas/handset/internal/softphone/device"
)

// Machine tracks one call session on one device. All transitions funnel
// through a single apply step that validates the operation, computes the
// next full snapshot, swaps it in, and notifies observers while still
// holding the write lock, so no observer ever sees a half-applied record.
//
// Observer callbacks run synchronously on the mutating goroutine and must
// not call back into the machine.
type Machine struct {
	mu   sync.Mutex
	dev  device.Device
	snap Snapshot
	conn device.Connection

	watchers []*watcher

	tearDownOnRegError bool
	resolveDisplayName func(phoneNumber string) string
}

// Option configures a Machine.
type Option func(*Machine)

// WithTearDownOnRegistrationError controls whether a registration error
// during a live call tears the call down (default true) or leaves the
// connection tracked while status moves to error.
func WithTearDownOnRegistrationError(tearDown bool) Option {
	return func(m *Machine) { m.tearDownOnRegError = tearDown }
}

// WithDisplayNameResolver installs a directory lookup used when an incoming
// offer carries a number but no display name. The resolver must be fast;
// it runs inside the transition path.
func WithDisplayNameResolver(resolve func(phoneNumber string) string) Option {
	return func(m *Machine) { m.resolveDisplayName = resolve }
}

// NewMachine creates a state machine bound to the given device.
// The device's event stream is consumed by Run.
func NewMachine(dev device.Device, opts ...Option) *Machine {
	m := &Machine{
		dev:                dev,
		tearDownOnRegError: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run consumes device events until the context is canceled or the device
// event channel closes. Connection event pumps are spawned as connections
// become tracked.
func (m *Machine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.dev.Events():
			if !ok {
				return
			}
			m.HandleDeviceEvent(ev)
		}
	}
}

// Snapshot returns a copy of the current session state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.clone()
}

// HandleDeviceEvent applies a device lifecycle event to the session.
func (m *Machine) HandleDeviceEvent(ev device.DeviceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e := ev.(type) {
	case device.Registered:
		next := m.snap
		next.Ready = true
		if !next.OnCall {
			next.Status = StatusReady
		}
		m.apply(next)
		slog.Info("device registered and ready")

	case device.RegistrationError:
		slog.Warn("device registration error", "error", e.Err)
		next := m.snap
		next.Ready = false
		next.Status = StatusError
		if next.OnCall && m.tearDownOnRegError {
			if err := m.conn.Disconnect(); err != nil {
				slog.Warn("disconnect on registration error failed", "error", err)
			}
			m.conn = nil
			clearCall(&next, EndLocal)
			next.Status = StatusError
		}
		m.apply(next)

	case device.IncomingOffer:
		m.handleIncoming(e)
	}
}

// handleIncoming tracks a pending incoming connection. Called with mu held.
func (m *Machine) handleIncoming(offer device.IncomingOffer) {
	if m.snap.OnCall {
		// Single-call policy. Decline the offer and leave the session
		// untouched.
		slog.Warn("incoming offer while on call, rejecting",
			"connection_id", offer.Conn.ID(),
		)
		if err := offer.Conn.Reject(); err != nil {
			slog.Warn("reject of second offer failed", "error", err)
		}
		return
	}

	caller := &CallerInfo{
		PhoneNumber: offer.Meta.PhoneNumber,
		DisplayName: offer.Meta.DisplayName,
	}
	if caller.PhoneNumber == "" {
		caller.PhoneNumber = UnknownCaller
	}
	if caller.DisplayName == "" && m.resolveDisplayName != nil && caller.PhoneNumber != UnknownCaller {
		caller.DisplayName = m.resolveDisplayName(caller.PhoneNumber)
	}
	if caller.DisplayName == "" {
		caller.DisplayName = UnknownCaller
	}

	m.conn = offer.Conn
	next := m.snap
	next.EndReason = EndNone
	next.OnCall = true
	next.Status = StatusRinging
	next.Direction = DirectionIncoming
	next.Caller = caller
	next.ConnectionID = offer.Conn.ID()
	m.apply(next)

	go m.pumpConnection(offer.Conn)

	slog.Info("incoming call",
		"from", caller.PhoneNumber,
		"connection_id", offer.Conn.ID(),
	)
}

// pumpConnection forwards connection events into the machine until the
// connection's event stream closes.
func (m *Machine) pumpConnection(conn device.Connection) {
	for ev := range conn.Events() {
		m.HandleConnectionEvent(conn.ID(), ev)
	}
}

// HandleConnectionEvent applies a connection lifecycle event. Events whose
// connection ID no longer matches the tracked connection are stale and are
// dropped without touching the session.
func (m *Machine) HandleConnectionEvent(connID string, ev device.ConnectionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || m.snap.ConnectionID != connID {
		slog.Debug("stale connection event ignored",
			"connection_id", connID,
			"status", m.snap.Status,
		)
		return
	}

	switch ev.(type) {
	case device.Accepted:
		if m.snap.Status != StatusDialing && m.snap.Status != StatusRinging {
			return
		}
		next := m.snap
		next.Status = StatusInProgress
		m.apply(next)
		slog.Info("call in progress", "connection_id", connID)

	case device.Disconnected, device.Rejected:
		m.conn = nil
		next := m.snap
		clearCall(&next, EndRemote)
		m.apply(next)
		slog.Info("call ended", "connection_id", connID)
	}
}

// Dial places an outbound call to target. Fails with ErrNotReady before the
// device has registered, without mutating state. A successful origination
// whose result arrives after the session moved on (e.g. an incoming call
// was answered meanwhile) is discarded.
func (m *Machine) Dial(ctx context.Context, target string) error {
	m.mu.Lock()
	if !m.snap.Ready {
		m.mu.Unlock()
		return ErrNotReady
	}
	if m.snap.OnCall {
		status := m.snap.Status
		m.mu.Unlock()
		return &StateTransitionError{Op: "dial", Status: status}
	}
	m.mu.Unlock()

	conn, err := m.dev.Originate(ctx, target)
	if err != nil {
		slog.Warn("origination failed", "target", target, "error", err)
		m.mu.Lock()
		next := m.snap
		next.Status = StatusError
		m.apply(next)
		m.mu.Unlock()
		return &OriginateError{Target: target, Cause: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap.OnCall || !m.snap.Ready {
		// Superseded while the origination was in flight.
		slog.Warn("discarding superseded origination",
			"target", target,
			"connection_id", conn.ID(),
		)
		if err := conn.Disconnect(); err != nil {
			slog.Warn("disconnect of superseded origination failed", "error", err)
		}
		return nil
	}

	m.conn = conn
	next := m.snap
	next.EndReason = EndNone
	next.OnCall = true
	next.Status = StatusDialing
	next.Direction = DirectionOutgoing
	next.Caller = &CallerInfo{PhoneNumber: target, DisplayName: DialingPlaceholder}
	next.ConnectionID = conn.ID()
	m.apply(next)

	go m.pumpConnection(conn)

	slog.Info("dialing", "target", target, "connection_id", conn.ID())
	return nil
}

// Answer accepts a ringing incoming call.
func (m *Machine) Answer() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return ErrNoActiveCall
	}
	if m.snap.Status != StatusRinging || m.snap.Direction != DirectionIncoming {
		return &StateTransitionError{Op: "answer", Status: m.snap.Status}
	}

	if err := m.conn.Accept(); err != nil {
		slog.Warn("accept failed", "error", err)
		next := m.snap
		next.Status = StatusError
		m.apply(next)
		return err
	}

	next := m.snap
	next.Status = StatusInProgress
	m.apply(next)
	return nil
}

// Reject declines a ringing incoming call and returns the session to idle.
func (m *Machine) Reject() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return ErrNoActiveCall
	}
	if m.snap.Status != StatusRinging || m.snap.Direction != DirectionIncoming {
		return &StateTransitionError{Op: "reject", Status: m.snap.Status}
	}

	if err := m.conn.Reject(); err != nil {
		slog.Warn("reject failed", "error", err)
	}
	m.conn = nil
	next := m.snap
	clearCall(&next, EndRejected)
	m.apply(next)
	return nil
}

// Hangup disconnects the current call in any on-call status.
func (m *Machine) Hangup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return ErrNoActiveCall
	}

	if err := m.conn.Disconnect(); err != nil {
		slog.Warn("disconnect failed", "error", err)
	}
	m.conn = nil
	next := m.snap
	clearCall(&next, EndLocal)
	m.apply(next)
	return nil
}

// ToggleMute flips the mute flag and forwards it to the connection.
// A no-op when no call is active. The renegotiation runs outside the lock
// (it can block on the network); if the call ended meanwhile the result is
// discarded, the same way Dial handles a superseded origination.
func (m *Machine) ToggleMute() error {
	m.mu.Lock()
	if m.conn == nil || !m.snap.OnCall {
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	connID := m.snap.ConnectionID
	muted := !m.snap.Muted
	m.mu.Unlock()

	if err := conn.Mute(muted); err != nil {
		slog.Warn("mute failed", "muted", muted, "error", err)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || m.snap.ConnectionID != connID {
		return nil
	}
	next := m.snap
	next.Muted = muted
	m.apply(next)
	return nil
}

// SendDigit forwards one DTMF digit to the connection. A no-op when no
// call is active. The transmission runs outside the lock; it spans the
// whole tone duration.
func (m *Machine) SendDigit(digit rune) error {
	m.mu.Lock()
	if m.conn == nil || !m.snap.OnCall {
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.mu.Unlock()

	if err := conn.SendDigit(digit); err != nil {
		slog.Warn("send digit failed", "digit", string(digit), "error", err)
	}
	return nil
}

// clearCall resets every call-scoped field, returning the session to idle.
func clearCall(s *Snapshot, reason EndReason) {
	s.OnCall = false
	s.Muted = false
	s.Status = StatusIdle
	s.Direction = DirectionNone
	s.Caller = nil
	s.ConnectionID = ""
	s.EndReason = reason
}

// apply replaces the stored snapshot and notifies observers in subscription
// order. Called with mu held; this is the single transition chokepoint.
// Status changes are checked against the transition table; a transition the
// table does not know is a bug in the table or the caller, logged so it
// surfaces, then applied anyway.
func (m *Machine) apply(next Snapshot) {
	if next.Status != m.snap.Status && !m.snap.Status.CanTransitionTo(next.Status) {
		slog.Debug("status transition outside table",
			"from", m.snap.Status,
			"to", next.Status,
		)
	}
	m.snap = next
	for _, w := range m.watchers {
		w.fn(m.snap.clone())
	}
}
