package device

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// MockDevice is a scriptable Device for tests and local development.
// Tests drive it by calling the Emit* methods; every operation is recorded
// for assertions.
type MockDevice struct {
	mu sync.Mutex

	events chan DeviceEvent
	closed bool

	// Recorded operations
	registrations []string
	originated    []string

	// RegisterErr, when set, is returned synchronously from Register.
	RegisterErr error
	// OriginateErr, when set, is returned synchronously from Originate.
	OriginateErr error

	// OnOriginate, when set, builds the connection returned by Originate.
	// Defaults to a fresh MockConnection dialing the target.
	OnOriginate func(target string) *MockConnection
}

// NewMockDevice creates an unregistered mock device.
func NewMockDevice() *MockDevice {
	return &MockDevice{
		events: make(chan DeviceEvent, 16),
	}
}

func (d *MockDevice) Register(_ context.Context, credential string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("device closed")
	}
	if d.RegisterErr != nil {
		return d.RegisterErr
	}
	d.registrations = append(d.registrations, credential)
	return nil
}

func (d *MockDevice) Originate(_ context.Context, target string) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("device closed")
	}
	if d.OriginateErr != nil {
		return nil, d.OriginateErr
	}
	d.originated = append(d.originated, target)
	if d.OnOriginate != nil {
		return d.OnOriginate(target), nil
	}
	return NewMockConnection(CallerMetadata{PhoneNumber: target}), nil
}

func (d *MockDevice) Events() <-chan DeviceEvent {
	return d.events
}

func (d *MockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	return nil
}

// EmitRegistered delivers a Registered event.
func (d *MockDevice) EmitRegistered() {
	d.events <- Registered{}
}

// EmitRegistrationError delivers a RegistrationError event.
func (d *MockDevice) EmitRegistrationError(err error) {
	d.events <- RegistrationError{Err: err}
}

// EmitIncoming delivers an IncomingOffer event for the given connection.
func (d *MockDevice) EmitIncoming(conn *MockConnection) {
	d.events <- IncomingOffer{Conn: conn, Meta: conn.Remote()}
}

// Registrations returns the credentials passed to Register, in order.
func (d *MockDevice) Registrations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.registrations))
	copy(out, d.registrations)
	return out
}

// Originated returns the targets passed to Originate, in order.
func (d *MockDevice) Originated() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.originated))
	copy(out, d.originated)
	return out
}

// MockConnection is a scriptable Connection recording every operation.
// The events channel closes once the leg reaches a terminal state, so
// consumers ranging over Events see it end.
type MockConnection struct {
	mu sync.Mutex

	id     string
	meta   CallerMetadata
	events chan ConnectionEvent
	closed bool

	accepted     bool
	rejected     bool
	disconnected bool
	muteCalls    []bool
	digits       []rune

	// OpErr, when set, is returned from every control operation.
	OpErr error
}

// NewMockConnection creates a mock connection for the given remote party.
func NewMockConnection(meta CallerMetadata) *MockConnection {
	return &MockConnection{
		id:     uuid.NewString(),
		meta:   meta,
		events: make(chan ConnectionEvent, 16),
	}
}

func (c *MockConnection) ID() string             { return c.id }
func (c *MockConnection) Remote() CallerMetadata { return c.meta }

func (c *MockConnection) Accept() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OpErr != nil {
		return c.OpErr
	}
	c.accepted = true
	return nil
}

func (c *MockConnection) Reject() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OpErr != nil {
		return c.OpErr
	}
	c.rejected = true
	c.closeEvents()
	return nil
}

func (c *MockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OpErr != nil {
		return c.OpErr
	}
	c.disconnected = true
	c.closeEvents()
	return nil
}

func (c *MockConnection) Mute(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OpErr != nil {
		return c.OpErr
	}
	c.muteCalls = append(c.muteCalls, muted)
	return nil
}

func (c *MockConnection) SendDigit(digit rune) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OpErr != nil {
		return c.OpErr
	}
	c.digits = append(c.digits, digit)
	return nil
}

func (c *MockConnection) Events() <-chan ConnectionEvent {
	return c.events
}

// EmitAccepted delivers an Accepted event.
func (c *MockConnection) EmitAccepted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- Accepted{}
}

// EmitDisconnected delivers a Disconnected event and ends the stream.
func (c *MockConnection) EmitDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- Disconnected{}
	c.closeEvents()
}

// EmitRejected delivers a Rejected event and ends the stream.
func (c *MockConnection) EmitRejected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- Rejected{}
	c.closeEvents()
}

// closeEvents ends the event stream once. Caller holds mu.
func (c *MockConnection) closeEvents() {
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

// Accepted reports whether Accept was called.
func (c *MockConnection) Accepted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepted
}

// Rejected reports whether Reject was called.
func (c *MockConnection) Rejected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}

// Disconnected reports whether Disconnect was called.
func (c *MockConnection) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// MuteCalls returns the arguments passed to Mute, in order.
func (c *MockConnection) MuteCalls() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bool, len(c.muteCalls))
	copy(out, c.muteCalls)
	return out
}

// Digits returns the digits passed to SendDigit, in order.
func (c *MockConnection) Digits() []rune {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]rune, len(c.digits))
	copy(out, c.digits)
	return out
}
