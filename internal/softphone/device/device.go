// Package device defines the telephony device and connection abstractions
// consumed by the session state machine. A Device is the registered client
// endpoint; a Connection is one call leg between the device and a remote
// party. Implementations deliver lifecycle changes as typed events on a
// channel rather than named callbacks, so the consumer can dispatch them
// through a single exhaustive switch.
package device

import "context"

// CallerMetadata carries remote-party information attached to a connection.
// PhoneNumber may be empty for anonymous callers.
type CallerMetadata struct {
	PhoneNumber string
	DisplayName string
}

// DeviceEvent is the typed union of device lifecycle events.
// Exactly one of the concrete types below is delivered per event.
type DeviceEvent interface {
	isDeviceEvent()
}

// Registered signals that the device completed registration and can
// place and receive calls.
type Registered struct{}

// RegistrationError signals a device-level registration failure.
type RegistrationError struct {
	Err error
}

// IncomingOffer signals an incoming call leg offered to the device.
// Conn is the pending connection; Meta describes the remote party.
type IncomingOffer struct {
	Conn Connection
	Meta CallerMetadata
}

func (Registered) isDeviceEvent()        {}
func (RegistrationError) isDeviceEvent() {}
func (IncomingOffer) isDeviceEvent()     {}

// ConnectionEvent is the typed union of connection lifecycle events.
type ConnectionEvent interface {
	isConnectionEvent()
}

// Accepted signals the call leg was answered end to end.
type Accepted struct{}

// Disconnected signals the call leg ended (local or remote hangup).
type Disconnected struct{}

// Rejected signals the call leg was declined before acceptance.
type Rejected struct{}

func (Accepted) isConnectionEvent()     {}
func (Disconnected) isConnectionEvent() {}
func (Rejected) isConnectionEvent()     {}

// Device represents the registered client endpoint.
//
// Register starts registration with the signaling service using an opaque
// time-limited credential; the outcome arrives as a Registered or
// RegistrationError event, not as the return value. The error return covers
// only immediate failures (e.g. device already closed).
type Device interface {
	// Register begins registration with the given signaling credential.
	Register(ctx context.Context, credential string) error

	// Originate places an outbound call leg to the target number and
	// returns the pending connection. Lifecycle progress arrives on the
	// connection's event channel.
	Originate(ctx context.Context, target string) (Connection, error)

	// Events returns the device lifecycle event stream. The channel is
	// closed by Close.
	Events() <-chan DeviceEvent

	// Close tears down the device and releases resources.
	Close() error
}

// Connection represents one active or pending call leg.
//
// All control operations are best-effort requests to the underlying
// signaling layer; the authoritative outcome is the event stream.
type Connection interface {
	// ID returns a stable opaque identifier for this leg, used to match
	// late events against the currently tracked connection.
	ID() string

	// Remote returns the remote party metadata known for this leg.
	Remote() CallerMetadata

	// Accept answers an incoming leg.
	Accept() error

	// Reject declines an incoming leg before acceptance.
	Reject() error

	// Disconnect hangs up the leg.
	Disconnect() error

	// Mute enables or disables the outgoing media direction.
	Mute(muted bool) error

	// SendDigit transmits one DTMF digit (0-9, *, #, A-D) in-call.
	SendDigit(digit rune) error

	// Events returns the connection lifecycle event stream.
	Events() <-chan ConnectionEvent
}
