package softphone

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/sebas/handset/internal/softphone/device"
	"github.com/sebas/handset/internal/softphone/events"
	"github.com/sebas/handset/internal/softphone/history"
	"github.com/sebas/handset/internal/softphone/session"
)

type stubTokens struct {
	token string
	err   error
	seen  []string
}

func (s *stubTokens) Token(_ context.Context, identity string) (string, error) {
	s.seen = append(s.seen, identity)
	return s.token, s.err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSetupRegistersWithMintedCredential(t *testing.T) {
	dev := device.NewMockDevice()
	tokens := &stubTokens{token: "cred-abc"}
	p := New(Config{Identity: "alice"}, dev, tokens)
	defer p.Close()

	if err := p.Setup(context.Background()); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	if got := tokens.seen; len(got) != 1 || got[0] != "alice" {
		t.Errorf("token requests = %v, want one for alice", got)
	}
	if got := dev.Registrations(); len(got) != 1 || got[0] != "cred-abc" {
		t.Errorf("Registrations() = %v, want the minted credential", got)
	}

	dev.EmitRegistered()
	waitFor(t, func() bool { return p.Snapshot().Ready })
	if snap := p.Snapshot(); snap.Status != session.StatusReady {
		t.Errorf("Status = %v, want %v", snap.Status, session.StatusReady)
	}
}

func TestSetupTokenFailure(t *testing.T) {
	dev := device.NewMockDevice()
	tokens := &stubTokens{err: errors.New("gateway unreachable")}
	p := New(Config{Identity: "alice"}, dev, tokens)
	defer p.Close()

	err := p.Setup(context.Background())
	var se *SetupError
	if !errors.As(err, &se) {
		t.Fatalf("Setup() error = %T, want *SetupError", err)
	}
	if se.Stage != "token" {
		t.Errorf("Stage = %q, want token", se.Stage)
	}
	if got := dev.Registrations(); len(got) != 0 {
		t.Errorf("Registrations() = %v, want none after token failure", got)
	}
}

func TestSetupRegisterFailure(t *testing.T) {
	dev := device.NewMockDevice()
	dev.RegisterErr = errors.New("transport down")
	p := New(Config{Identity: "alice"}, dev, &stubTokens{token: "cred"})
	defer p.Close()

	err := p.Setup(context.Background())
	var se *SetupError
	if !errors.As(err, &se) {
		t.Fatalf("Setup() error = %T, want *SetupError", err)
	}
	if se.Stage != "register" {
		t.Errorf("Stage = %q, want register", se.Stage)
	}
}

func TestHistoryRecordsCompletedCalls(t *testing.T) {
	dev := device.NewMockDevice()
	p := New(Config{Identity: "alice"}, dev, &stubTokens{token: "cred"})
	defer p.Close()

	if err := p.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	dev.EmitRegistered()
	waitFor(t, func() bool { return p.Snapshot().Ready })

	conn := device.NewMockConnection(device.CallerMetadata{PhoneNumber: "+15559999999", DisplayName: "Alice"})
	dev.EmitIncoming(conn)
	waitFor(t, func() bool { return p.Snapshot().Status == session.StatusRinging })

	if err := p.Answer(); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if err := p.Hangup(); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}

	entries := p.History()
	if len(entries) != 1 {
		t.Fatalf("History() returned %d entries, want 1", len(entries))
	}
	if entries[0].Outcome != history.OutcomeAnswered {
		t.Errorf("Outcome = %q, want answered", entries[0].Outcome)
	}
	if entries[0].PhoneNumber != "+15559999999" {
		t.Errorf("PhoneNumber = %q", entries[0].PhoneNumber)
	}
}

func TestCompletedCallsReleaseGoroutines(t *testing.T) {
	dev := device.NewMockDevice()
	p := New(Config{Identity: "alice"}, dev, &stubTokens{token: "cred"})
	defer p.Close()

	if err := p.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	dev.EmitRegistered()
	waitFor(t, func() bool { return p.Snapshot().Ready })

	before := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		conn := device.NewMockConnection(device.CallerMetadata{PhoneNumber: "+15559999999"})
		dev.EmitIncoming(conn)
		waitFor(t, func() bool { return p.Snapshot().Status == session.StatusRinging })
		if err := p.Answer(); err != nil {
			t.Fatalf("Answer() call %d error = %v", i, err)
		}
		if err := p.Hangup(); err != nil {
			t.Fatalf("Hangup() call %d error = %v", i, err)
		}
	}

	// Each call's event pump must exit with its connection; a long-running
	// phone cannot accumulate one goroutine per completed call.
	waitFor(t, func() bool { return runtime.NumGoroutine() <= before+2 })
}

func TestPublisherReceivesTransitions(t *testing.T) {
	dev := device.NewMockDevice()
	pub := events.NewChannelPublisher(16)
	p := New(Config{Identity: "alice", Publisher: pub}, dev, &stubTokens{token: "cred"})
	defer p.Close()

	if err := p.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	dev.EmitRegistered()

	select {
	case ev := <-pub.Events():
		// The first published event after setup is the registration.
		if ev.Status != "ready" {
			t.Errorf("published status = %q, want ready", ev.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
	}
}
