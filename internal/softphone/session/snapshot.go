package session

// UnknownCaller is the display name used when an incoming offer carries
// no caller identity. Never empty, so UIs always have something to render.
const UnknownCaller = "Unknown"

// DialingPlaceholder is the display name shown while an outbound call is
// being set up, before any directory lookup.
const DialingPlaceholder = "Dialing..."

// CallerInfo identifies the remote party of the current call.
type CallerInfo struct {
	PhoneNumber string
	DisplayName string
}

// Snapshot is an immutable copy of the session state handed to observers.
// Observers must never mutate it; the machine republishes a fresh snapshot
// on every transition.
type Snapshot struct {
	// Ready is true once the device completed registration.
	Ready bool

	// OnCall is true while a connection exists (pending or active).
	OnCall bool

	// Muted is meaningful only while OnCall; reset when the call ends.
	Muted bool

	// Status is the call lifecycle status.
	Status CallStatus

	// Direction is who initiated the current call, or DirectionNone.
	Direction Direction

	// Caller is present iff OnCall.
	Caller *CallerInfo

	// ConnectionID identifies the tracked connection, empty when idle.
	// Used to match late-arriving events against the current call.
	ConnectionID string

	// EndReason describes why the call that just ended did so. Set on the
	// transition back to idle, cleared when a new call starts.
	EndReason EndReason
}

// clone returns a copy safe to hand to observers.
func (s Snapshot) clone() Snapshot {
	out := s
	if s.Caller != nil {
		c := *s.Caller
		out.Caller = &c
	}
	return out
}
