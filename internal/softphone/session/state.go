package session

import "fmt"

// CallStatus represents the lifecycle state of the call session
type CallStatus int

const (
	// StatusIdle is the initial state before device registration
	StatusIdle CallStatus = iota
	// StatusReady is after the device completed registration
	StatusReady
	// StatusDialing is after a local dial request, before answer
	StatusDialing
	// StatusRinging is after an incoming offer, before answer
	StatusRinging
	// StatusInProgress is an established call with media flowing
	StatusInProgress
	// StatusError is after a device-level failure; recoverable only by
	// a fresh registration
	StatusError
)

// String returns the string representation of the status
func (s CallStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusReady:
		return "ready"
	case StatusDialing:
		return "dialing"
	case StatusRinging:
		return "ringing"
	case StatusInProgress:
		return "in-progress"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// validTransitions defines which status transitions are allowed.
// Every status may additionally transition to StatusError on device failure.
// A completed call returns to StatusIdle; readiness is tracked separately,
// so dialing from StatusIdle is valid once the device has registered, and
// an error status clears the same way once the device recovers: back to
// ready on re-registration, into a new call while still registered, or to
// idle when the failed call is torn down.
var validTransitions = map[CallStatus][]CallStatus{
	StatusIdle:       {StatusReady, StatusDialing, StatusRinging},
	StatusReady:      {StatusDialing, StatusRinging},
	StatusDialing:    {StatusInProgress, StatusIdle},
	StatusRinging:    {StatusInProgress, StatusIdle},
	StatusInProgress: {StatusIdle},
	StatusError:      {StatusReady, StatusDialing, StatusRinging, StatusIdle},
}

// CanTransitionTo checks if a transition from the current status to next is valid
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	if next == StatusError {
		return true
	}
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == next {
			return true
		}
	}
	return false
}

// OnCall returns true for statuses that imply a tracked connection
func (s CallStatus) OnCall() bool {
	return s == StatusDialing || s == StatusRinging || s == StatusInProgress
}

// EndReason explains why the last call ended. Carried on the snapshot that
// transitions back to idle so observers (the history recorder in
// particular) can classify the outcome; reset when a new call starts.
type EndReason int

const (
	// EndNone - no call has ended
	EndNone EndReason = iota
	// EndLocal - the local user hung up
	EndLocal
	// EndRemote - the remote side disconnected or declined
	EndRemote
	// EndRejected - the local user rejected an incoming call
	EndRejected
)

// String returns the string representation of the end reason
func (r EndReason) String() string {
	switch r {
	case EndLocal:
		return "local"
	case EndRemote:
		return "remote"
	case EndRejected:
		return "rejected"
	default:
		return "none"
	}
}

// Direction indicates who initiated the current call
type Direction int

const (
	// DirectionNone - no call in progress
	DirectionNone Direction = iota
	// DirectionIncoming - the remote party called us
	DirectionIncoming
	// DirectionOutgoing - we placed the call
	DirectionOutgoing
)

// String returns the string representation of the direction
func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "incoming"
	case DirectionOutgoing:
		return "outgoing"
	default:
		return "none"
	}
}
