// Package history records completed calls from the session transition
// stream into a bounded, most-recent-first buffer.
package history

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/handset/internal/softphone/session"
)

// DefaultMaxEntries is the number of completed calls retained.
const DefaultMaxEntries = 50

// Outcome classifies how a completed call ended.
type Outcome string

const (
	OutcomeAnswered Outcome = "answered"
	OutcomeMissed   Outcome = "missed"
	OutcomeRejected Outcome = "rejected"
)

// Entry is one completed call. Immutable once created.
type Entry struct {
	ID          string    `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	DisplayName string    `json:"display_name,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Direction   string    `json:"direction"`
	Outcome     Outcome   `json:"outcome"`

	// DurationSeconds is the talk time; zero if the call never reached
	// in-progress.
	DurationSeconds int `json:"duration_seconds,omitempty"`
}

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// Recorder observes session snapshots and appends one entry per completed
// call, evicting the oldest entry once the cap is exceeded. Feed it via
// Observe, typically wired to Machine.Subscribe.
type Recorder struct {
	mu         sync.Mutex
	entries    []Entry
	max        int
	clock      Clock
	prev       session.Snapshot
	answeredAt time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock sets the time source for the recorder.
func WithClock(c Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

// WithMaxEntries overrides the retention cap.
func WithMaxEntries(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.max = n
		}
	}
}

// NewRecorder creates an empty recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		max:   DefaultMaxEntries,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observe consumes the next session snapshot. A completed call is detected
// when a snapshot with status ringing or in-progress is followed by idle
// and the previous snapshot carried caller info.
func (r *Recorder) Observe(next session.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.prev
	r.prev = next

	// Track when the call was answered so duration can be computed.
	if next.Status == session.StatusInProgress && prev.Status != session.StatusInProgress {
		r.answeredAt = r.clock()
	}

	ended := (prev.Status == session.StatusInProgress || prev.Status == session.StatusRinging) &&
		next.Status == session.StatusIdle &&
		prev.Caller != nil
	if !ended {
		// Dialing that never connected still completes a call attempt.
		ended = prev.Status == session.StatusDialing &&
			next.Status == session.StatusIdle &&
			prev.Caller != nil
	}
	if !ended {
		if !next.OnCall {
			r.answeredAt = time.Time{}
		}
		return
	}

	entry := Entry{
		ID:          uuid.NewString(),
		PhoneNumber: prev.Caller.PhoneNumber,
		DisplayName: prev.Caller.DisplayName,
		Timestamp:   r.clock(),
		Direction:   prev.Direction.String(),
	}
	if entry.DisplayName == session.DialingPlaceholder {
		entry.DisplayName = ""
	}

	switch {
	case prev.Status == session.StatusInProgress:
		entry.Outcome = OutcomeAnswered
		if !r.answeredAt.IsZero() {
			entry.DurationSeconds = int(r.clock().Sub(r.answeredAt) / time.Second)
		}
	case next.EndReason == session.EndRejected:
		entry.Outcome = OutcomeRejected
	default:
		entry.Outcome = OutcomeMissed
	}
	r.answeredAt = time.Time{}

	// Prepend; newest entry first.
	r.entries = append([]Entry{entry}, r.entries...)
	if len(r.entries) > r.max {
		r.entries = r.entries[:r.max]
	}
}

// Entries returns a copy of the recorded calls, most recent first.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of recorded calls.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
