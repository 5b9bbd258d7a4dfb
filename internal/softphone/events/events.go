// Package events publishes session transitions to external sinks
// (dashboards, brokers), beyond the in-process observation channel.
// Designed to stay transport-agnostic behind the Publisher interface.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/sebas/handset/internal/softphone/session"
)

// TransitionEvent is one published session transition.
type TransitionEvent struct {
	// EventID is a unique identifier for this event instance (for deduplication)
	EventID string `json:"event_id"`
	// EventTime is when the transition was observed
	EventTime time.Time `json:"event_time"`

	Status      string `json:"status"`
	Direction   string `json:"direction,omitempty"`
	Ready       bool   `json:"ready"`
	OnCall      bool   `json:"on_call"`
	Muted       bool   `json:"muted,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	EndReason   string `json:"end_reason,omitempty"`
}

// FromSnapshot builds a publishable event from a session snapshot.
func FromSnapshot(snap session.Snapshot) TransitionEvent {
	ev := TransitionEvent{
		EventID:   uuid.NewString(),
		EventTime: time.Now(),
		Status:    snap.Status.String(),
		Ready:     snap.Ready,
		OnCall:    snap.OnCall,
		Muted:     snap.Muted,
	}
	if snap.Direction != session.DirectionNone {
		ev.Direction = snap.Direction.String()
	}
	if snap.Caller != nil {
		ev.PhoneNumber = snap.Caller.PhoneNumber
		ev.DisplayName = snap.Caller.DisplayName
	}
	if snap.EndReason != session.EndNone {
		ev.EndReason = snap.EndReason.String()
	}
	return ev
}

// Subject returns the routing subject for this event.
// Format: handset.session.<status>
func (e TransitionEvent) Subject() string {
	return "handset.session." + e.Status
}
