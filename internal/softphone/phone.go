// Package softphone assembles the call session machine, a telephony device,
// the call history recorder, and the gateway client into one embeddable
// phone. Consumers construct a Phone explicitly and inject its
// collaborators; there is no package-level instance.
package softphone

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sebas/handset/internal/softphone/device"
	"github.com/sebas/handset/internal/softphone/events"
	"github.com/sebas/handset/internal/softphone/history"
	"github.com/sebas/handset/internal/softphone/session"
)

// TokenSource mints signaling credentials. Implemented by client.Client.
type TokenSource interface {
	Token(ctx context.Context, identity string) (string, error)
}

// SetupError wraps a credential fetch or registration failure. Setup is
// not retried automatically; the caller decides whether to try again.
type SetupError struct {
	Stage string // "token" or "register"
	Cause error
}

// Error returns the error message.
func (e *SetupError) Error() string {
	return fmt.Sprintf("setup %s: %v", e.Stage, e.Cause)
}

// Unwrap returns the underlying error.
func (e *SetupError) Unwrap() error {
	return e.Cause
}

// Config holds phone construction options.
type Config struct {
	// Identity is the client identity registered with the gateway.
	Identity string

	// TearDownOnRegistrationError controls whether a live call is torn
	// down when device registration errors. Defaults to true.
	TearDownOnRegistrationError *bool

	// ResolveDisplayName, when set, maps an incoming caller number to a
	// display name (external directory hook).
	ResolveDisplayName func(phoneNumber string) string

	// Publisher, when set, receives every session transition in addition
	// to in-process observers.
	Publisher events.Publisher
}

// Phone is one softphone instance: a single device, a single tracked call.
type Phone struct {
	cfg      Config
	dev      device.Device
	tokens   TokenSource
	machine  *session.Machine
	recorder *history.Recorder

	// Publishing runs on its own goroutine fed through pubCh, so a slow
	// broker never blocks the transition path.
	pubMu     sync.Mutex
	pubCh     chan events.TransitionEvent
	pubClosed bool

	cancel context.CancelFunc
}

// New creates a Phone. Setup must be called before placing calls.
func New(cfg Config, dev device.Device, tokens TokenSource) *Phone {
	opts := []session.Option{}
	if cfg.TearDownOnRegistrationError != nil {
		opts = append(opts, session.WithTearDownOnRegistrationError(*cfg.TearDownOnRegistrationError))
	}
	if cfg.ResolveDisplayName != nil {
		opts = append(opts, session.WithDisplayNameResolver(cfg.ResolveDisplayName))
	}

	p := &Phone{
		cfg:      cfg,
		dev:      dev,
		tokens:   tokens,
		machine:  session.NewMachine(dev, opts...),
		recorder: history.NewRecorder(),
	}

	p.machine.Subscribe(p.recorder.Observe)
	if cfg.Publisher != nil {
		p.pubCh = make(chan events.TransitionEvent, 64)
		go p.publishLoop()
		p.machine.Subscribe(func(snap session.Snapshot) {
			p.pubMu.Lock()
			defer p.pubMu.Unlock()
			if p.pubClosed {
				return
			}
			select {
			case p.pubCh <- events.FromSnapshot(snap):
			default:
				slog.Warn("session event dropped, publisher not keeping up")
			}
		})
	}
	return p
}

// publishLoop drains queued transitions into the configured publisher.
func (p *Phone) publishLoop() {
	for ev := range p.pubCh {
		if err := p.cfg.Publisher.Publish(context.Background(), ev); err != nil {
			slog.Warn("publish session event failed", "error", err)
		}
	}
}

// Setup fetches a signaling credential from the gateway and registers the
// device. The event loop starts before registration so the registration
// outcome is observed as a state transition.
func (p *Phone) Setup(ctx context.Context) error {
	token, err := p.tokens.Token(ctx, p.cfg.Identity)
	if err != nil {
		return &SetupError{Stage: "token", Cause: err}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.machine.Run(loopCtx)

	if err := p.dev.Register(ctx, token); err != nil {
		cancel()
		p.cancel = nil
		return &SetupError{Stage: "register", Cause: err}
	}

	slog.Info("softphone setup started", "identity", p.cfg.Identity)
	return nil
}

// Dial places an outbound call.
func (p *Phone) Dial(ctx context.Context, target string) error {
	return p.machine.Dial(ctx, target)
}

// Answer accepts a ringing incoming call.
func (p *Phone) Answer() error { return p.machine.Answer() }

// Reject declines a ringing incoming call.
func (p *Phone) Reject() error { return p.machine.Reject() }

// Hangup disconnects the current call.
func (p *Phone) Hangup() error { return p.machine.Hangup() }

// ToggleMute flips mute on the current call; a no-op when idle.
func (p *Phone) ToggleMute() error { return p.machine.ToggleMute() }

// SendDigit transmits a DTMF digit in-call; a no-op when idle.
func (p *Phone) SendDigit(digit rune) error { return p.machine.SendDigit(digit) }

// Snapshot returns the current session state.
func (p *Phone) Snapshot() session.Snapshot { return p.machine.Snapshot() }

// Subscribe registers a session observer; see session.Machine.Subscribe.
func (p *Phone) Subscribe(fn session.Observer) (unsubscribe func()) {
	return p.machine.Subscribe(fn)
}

// History returns the completed-call history, most recent first.
func (p *Phone) History() []history.Entry {
	return p.recorder.Entries()
}

// Close stops the event loop, tears down the device, and stops the
// publishing goroutine.
func (p *Phone) Close() error {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	err := p.dev.Close()

	if p.pubCh != nil {
		p.pubMu.Lock()
		if !p.pubClosed {
			p.pubClosed = true
			close(p.pubCh)
		}
		p.pubMu.Unlock()
	}
	return err
}
