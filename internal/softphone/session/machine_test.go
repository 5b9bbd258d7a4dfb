package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sebas/handset/internal/softphone/device"
)

func newReadyMachine(t *testing.T, opts ...Option) (*Machine, *device.MockDevice) {
	t.Helper()
	dev := device.NewMockDevice()
	m := NewMachine(dev, opts...)
	m.HandleDeviceEvent(device.Registered{})
	if snap := m.Snapshot(); !snap.Ready || snap.Status != StatusReady {
		t.Fatalf("after registration: ready=%v status=%v, want ready status", snap.Ready, snap.Status)
	}
	return m, dev
}

func ringIncoming(t *testing.T, m *Machine, meta device.CallerMetadata) *device.MockConnection {
	t.Helper()
	conn := device.NewMockConnection(meta)
	m.HandleDeviceEvent(device.IncomingOffer{Conn: conn, Meta: meta})
	if snap := m.Snapshot(); snap.Status != StatusRinging {
		t.Fatalf("Status = %v after incoming offer, want %v", snap.Status, StatusRinging)
	}
	return conn
}

func TestInitialSnapshot(t *testing.T) {
	m := NewMachine(device.NewMockDevice())
	snap := m.Snapshot()

	if snap.Ready {
		t.Error("Ready = true before registration")
	}
	if snap.Status != StatusIdle {
		t.Errorf("Status = %v, want %v", snap.Status, StatusIdle)
	}
	if snap.OnCall || snap.Muted || snap.Caller != nil {
		t.Errorf("unexpected call state in zero snapshot: %+v", snap)
	}
}

func TestDialBeforeRegistration(t *testing.T) {
	dev := device.NewMockDevice()
	m := NewMachine(dev)

	err := m.Dial(context.Background(), "+15551234567")
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("Dial() error = %v, want ErrNotReady", err)
	}
	if snap := m.Snapshot(); snap.Status != StatusIdle {
		t.Errorf("Status = %v after failed dial, want unchanged idle", snap.Status)
	}
	if got := dev.Originated(); len(got) != 0 {
		t.Errorf("Originated() = %v, want no originations", got)
	}
}

func TestOutboundCallLifecycle(t *testing.T) {
	m, dev := newReadyMachine(t)

	if err := m.Dial(context.Background(), "+15551234567"); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	snap := m.Snapshot()
	if snap.Status != StatusDialing {
		t.Fatalf("Status = %v, want %v", snap.Status, StatusDialing)
	}
	if !snap.OnCall {
		t.Error("OnCall = false while dialing")
	}
	if snap.Direction != DirectionOutgoing {
		t.Errorf("Direction = %v, want %v", snap.Direction, DirectionOutgoing)
	}
	if snap.Caller == nil || snap.Caller.PhoneNumber != "+15551234567" {
		t.Fatalf("Caller = %+v, want target number", snap.Caller)
	}
	if snap.Caller.DisplayName != DialingPlaceholder {
		t.Errorf("DisplayName = %q, want %q", snap.Caller.DisplayName, DialingPlaceholder)
	}
	if got := dev.Originated(); len(got) != 1 || got[0] != "+15551234567" {
		t.Errorf("Originated() = %v, want one origination to target", got)
	}

	m.HandleConnectionEvent(snap.ConnectionID, device.Accepted{})
	if snap := m.Snapshot(); snap.Status != StatusInProgress {
		t.Fatalf("Status = %v after accept, want %v", snap.Status, StatusInProgress)
	}

	m.HandleConnectionEvent(snap.ConnectionID, device.Disconnected{})
	snap = m.Snapshot()
	if snap.Status != StatusIdle {
		t.Fatalf("Status = %v after remote hangup, want %v", snap.Status, StatusIdle)
	}
	if snap.OnCall || snap.Caller != nil || snap.ConnectionID != "" {
		t.Errorf("call state not cleared: %+v", snap)
	}
	if !snap.Ready {
		t.Error("Ready = false after call ended, registration should persist")
	}
	if snap.EndReason != EndRemote {
		t.Errorf("EndReason = %v, want %v", snap.EndReason, EndRemote)
	}
}

func TestDialOriginationFailure(t *testing.T) {
	m, dev := newReadyMachine(t)
	dev.OriginateErr = errors.New("no route")

	err := m.Dial(context.Background(), "+15550000000")
	if err == nil {
		t.Fatal("Dial() error = nil, want OriginateError")
	}
	var oe *OriginateError
	if !errors.As(err, &oe) {
		t.Fatalf("Dial() error = %T, want *OriginateError", err)
	}
	if oe.Target != "+15550000000" {
		t.Errorf("OriginateError.Target = %q", oe.Target)
	}
	if snap := m.Snapshot(); snap.Status != StatusError {
		t.Errorf("Status = %v after failed origination, want %v", snap.Status, StatusError)
	}
}

func TestDialWhileOnCall(t *testing.T) {
	m, _ := newReadyMachine(t)
	ringIncoming(t, m, device.CallerMetadata{PhoneNumber: "+15559999999"})

	err := m.Dial(context.Background(), "+15551234567")
	var te *StateTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("Dial() error = %v, want *StateTransitionError", err)
	}
	if !errors.Is(err, ErrInvalidState) {
		t.Error("StateTransitionError does not unwrap ErrInvalidState")
	}
}

func TestErrorStatusRecoversOnReadyDial(t *testing.T) {
	m, dev := newReadyMachine(t)
	dev.OriginateErr = errors.New("transient")
	_ = m.Dial(context.Background(), "+15550000000")
	if snap := m.Snapshot(); snap.Status != StatusError {
		t.Fatalf("Status = %v, want error", snap.Status)
	}

	// Readiness is tracked separately from status, so dialing out of the
	// error status works once the device recovers.
	dev.OriginateErr = nil
	if err := m.Dial(context.Background(), "+15551111111"); err != nil {
		t.Fatalf("Dial() after error status = %v, want success", err)
	}
	if snap := m.Snapshot(); snap.Status != StatusDialing {
		t.Errorf("Status = %v, want %v", snap.Status, StatusDialing)
	}

	// The transition table must agree with the transition the machine just
	// performed.
	if !StatusError.CanTransitionTo(StatusDialing) {
		t.Error("CanTransitionTo(error -> dialing) = false, but the machine performs it")
	}
}

func TestIncomingAnswer(t *testing.T) {
	m, _ := newReadyMachine(t)
	conn := ringIncoming(t, m, device.CallerMetadata{PhoneNumber: "+15559999999", DisplayName: "Alice"})

	snap := m.Snapshot()
	if snap.Direction != DirectionIncoming {
		t.Errorf("Direction = %v, want %v", snap.Direction, DirectionIncoming)
	}
	if snap.Caller.PhoneNumber != "+15559999999" || snap.Caller.DisplayName != "Alice" {
		t.Errorf("Caller = %+v", snap.Caller)
	}

	if err := m.Answer(); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if !conn.Accepted() {
		t.Error("Accept was not forwarded to the connection")
	}
	if snap := m.Snapshot(); snap.Status != StatusInProgress {
		t.Errorf("Status = %v after answer, want %v", snap.Status, StatusInProgress)
	}
}

func TestIncomingAnonymousCaller(t *testing.T) {
	m, _ := newReadyMachine(t)
	ringIncoming(t, m, device.CallerMetadata{})

	snap := m.Snapshot()
	if snap.Caller.PhoneNumber != UnknownCaller {
		t.Errorf("PhoneNumber = %q, want %q", snap.Caller.PhoneNumber, UnknownCaller)
	}
	if snap.Caller.DisplayName != UnknownCaller {
		t.Errorf("DisplayName = %q, want %q", snap.Caller.DisplayName, UnknownCaller)
	}
}

func TestIncomingDisplayNameResolver(t *testing.T) {
	m, _ := newReadyMachine(t, WithDisplayNameResolver(func(number string) string {
		if number == "+15559999999" {
			return "Bob"
		}
		return ""
	}))
	ringIncoming(t, m, device.CallerMetadata{PhoneNumber: "+15559999999"})

	if snap := m.Snapshot(); snap.Caller.DisplayName != "Bob" {
		t.Errorf("DisplayName = %q, want resolver result", snap.Caller.DisplayName)
	}
}

func TestAnswerWithoutRinging(t *testing.T) {
	m, _ := newReadyMachine(t)
	if err := m.Answer(); !errors.Is(err, ErrNoActiveCall) {
		t.Errorf("Answer() error = %v, want ErrNoActiveCall", err)
	}
	if err := m.Reject(); !errors.Is(err, ErrNoActiveCall) {
		t.Errorf("Reject() error = %v, want ErrNoActiveCall", err)
	}
	if err := m.Hangup(); !errors.Is(err, ErrNoActiveCall) {
		t.Errorf("Hangup() error = %v, want ErrNoActiveCall", err)
	}
}

func TestAnswerAcceptFailure(t *testing.T) {
	m, _ := newReadyMachine(t)
	conn := ringIncoming(t, m, device.CallerMetadata{PhoneNumber: "+15559999999"})
	conn.OpErr = errors.New("transport gone")

	if err := m.Answer(); err == nil {
		t.Fatal("Answer() error = nil, want accept failure")
	}
	if snap := m.Snapshot(); snap.Status != StatusError {
		t.Errorf("Status = %v after failed accept, want %v", snap.Status, StatusError)
	}
}

func TestRejectIncoming(t *testing.T) {
	m, _ := newReadyMachine(t)
	conn := ringIncoming(t, m, device.CallerMetadata{PhoneNumber: "+15559999999"})

	if err := m.Reject(); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if !conn.Rejected() {
		t.Error("Reject was not forwarded to the connection")
	}
	snap := m.Snapshot()
	if snap.Status != StatusIdle || snap.OnCall {
		t.Errorf("session not idle after reject: %+v", snap)
	}
	if snap.EndReason != EndRejected {
		t.Errorf("EndReason = %v, want %v", snap.EndReason, EndRejected)
	}
}

func TestHangupInProgress(t *testing.T) {
	m, _ := newReadyMachine(t)
	conn := ringIncoming(t, m, device.CallerMetadata{PhoneNumber: "+15559999999"})
	if err := m.Answer(); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}

	if err := m.Hangup(); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	if !conn.Disconnected() {
		t.Error("Disconnect was not forwarded to the connection")
	}
	snap := m.Snapshot()
	if snap.Status != StatusIdle {
		t.Errorf("Status = %v after hangup, want %v", snap.Status, StatusIdle)
	}
	if snap.EndReason != EndLocal {
		t.Errorf("EndReason = %v, want %v", snap.EndReason, EndLocal)
	}
}

func TestSecondIncomingOfferRejected(t *testing.T) {
	m, _ := newReadyMachine(t)
	first := ringIncoming(t, m, device.CallerMetadata{PhoneNumber: "+15551111111"})
	before := m.Snapshot()

	second := device.NewMockConnection(device.CallerMetadata{PhoneNumber: "+15552222222"})
	m.HandleDeviceEvent(device.IncomingOffer{Conn: second, Meta: second.Remote()})

	if !second.Rejected() {
		t.Error("second offer was not declined")
	}
	if first.Rejected() {
		t.Error("first connection was touched by the second offer")
	}
	after := m.Snapshot()
	if after.ConnectionID != before.ConnectionID || after.Status != before.Status {
		t.Errorf("session changed by second offer: before=%+v after=%+v", before, after)
	}
}

func TestStaleConnectionEventIgnored(t *testing.T) {
	m, _ := newReadyMachine(t)
	ringIncoming(t, m, device.CallerMetadata{PhoneNumber: "+15559999999"})

	m.HandleConnectionEvent("not-the-tracked-connection", device.Disconnected{})

	if snap := m.Snapshot(); snap.Status != StatusRinging {
		t.Errorf("Status = %v after stale event, want unchanged ringing", snap.Status)
	}
}

func TestLateEventAfterHangupIgnored(t *testing.T) {
	m, _ := newReadyMachine(t)
	ringIncoming(t, m, device.CallerMetadata{PhoneNumber: "+15559999999"})
	connID := m.Snapshot().ConnectionID
	if err := m.Reject(); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	// The old leg's events must not resurrect or re-clear the session.
	m.HandleConnectionEvent(connID, device.Disconnected{})
	if snap := m.Snapshot(); snap.Status != StatusIdle || snap.EndReason != EndRejected {
		t.Errorf("late event changed session: %+v", snap)
	}
}

func TestToggleMute(t *testing.T) {
	m, _ := newReadyMachine(t)

	// No active call: a silent no-op.
	if err := m.ToggleMute(); err != nil {
		t.Fatalf("ToggleMute() idle error = %v, want nil", err)
	}

	conn := ringIncoming(t, m, device.CallerMetadata{PhoneNumber: "+15559999999"})
	if err := m.Answer(); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}

	if err := m.ToggleMute(); err != nil {
		t.Fatalf("ToggleMute() error = %v", err)
	}
	if snap := m.Snapshot(); !snap.Muted {
		t.Error("Muted = false after first toggle")
	}
	if err := m.ToggleMute(); err != nil {
		t.Fatalf("ToggleMute() error = %v", err)
	}
	if snap := m.Snapshot(); snap.Muted {
		t.Error("Muted = true after second toggle")
	}

	want := []bool{true, false}
	got := conn.MuteCalls()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("MuteCalls() = %v, want %v", got, want)
	}
}

func TestToggleMuteFailureKeepsState(t *testing.T) {
	m, _ := newReadyMachine(t)
	conn := ringIncoming(t, m, device.CallerMetadata{PhoneNumber: "+15559999999"})
	if err := m.Answer(); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	conn.OpErr = errors.New("renegotiation failed")

	if err := m.ToggleMute(); err != nil {
		t.Fatalf("ToggleMute() error = %v, want nil on forwarding failure", err)
	}
	if snap := m.Snapshot(); snap.Muted {
		t.Error("Muted flipped although the connection rejected the change")
	}
}

func TestMuteResetsAcrossCalls(t *testing.T) {
	m, _ := newReadyMachine(t)
	ringIncoming(t, m, device.CallerMetadata{PhoneNumber: "+15559999999"})
	if err := m.Answer(); err != nil {
		t.Fatal(err)
	}
	if err := m.ToggleMute(); err != nil {
		t.Fatal(err)
	}
	if err := m.Hangup(); err != nil {
		t.Fatal(err)
	}

	ringIncoming(t, m, device.CallerMetadata{PhoneNumber: "+15558888888"})
	if snap := m.Snapshot(); snap.Muted {
		t.Error("Muted = true on a new call, want reset")
	}
}

// blockingMuteConn holds Mute until released, standing in for a slow
// renegotiation on the network.
type blockingMuteConn struct {
	*device.MockConnection
	muteStarted chan struct{}
	muteRelease chan struct{}
}

func (c *blockingMuteConn) Mute(muted bool) error {
	c.muteStarted <- struct{}{}
	<-c.muteRelease
	return c.MockConnection.Mute(muted)
}

func newBlockingMuteConn(meta device.CallerMetadata) *blockingMuteConn {
	return &blockingMuteConn{
		MockConnection: device.NewMockConnection(meta),
		muteStarted:    make(chan struct{}),
		muteRelease:    make(chan struct{}),
	}
}

func TestToggleMuteDoesNotBlockSession(t *testing.T) {
	m, _ := newReadyMachine(t)
	conn := newBlockingMuteConn(device.CallerMetadata{PhoneNumber: "+15559999999"})
	m.HandleDeviceEvent(device.IncomingOffer{Conn: conn, Meta: conn.Remote()})
	if err := m.Answer(); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- m.ToggleMute() }()
	<-conn.muteStarted

	// The session must stay readable while the renegotiation is in flight.
	snapDone := make(chan Snapshot, 1)
	go func() { snapDone <- m.Snapshot() }()
	select {
	case snap := <-snapDone:
		if snap.Muted {
			t.Error("Muted = true before the connection confirmed")
		}
	case <-time.After(time.Second):
		t.Fatal("Snapshot() blocked while Mute was in flight")
	}

	close(conn.muteRelease)
	if err := <-done; err != nil {
		t.Fatalf("ToggleMute() error = %v", err)
	}
	if snap := m.Snapshot(); !snap.Muted {
		t.Error("Muted = false after toggle completed")
	}
}

func TestMuteResultAfterHangupDiscarded(t *testing.T) {
	m, _ := newReadyMachine(t)
	conn := newBlockingMuteConn(device.CallerMetadata{PhoneNumber: "+15559999999"})
	m.HandleDeviceEvent(device.IncomingOffer{Conn: conn, Meta: conn.Remote()})
	if err := m.Answer(); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- m.ToggleMute() }()
	<-conn.muteStarted

	// The call ends while the renegotiation is still pending; the late
	// confirmation must not resurrect the mute flag.
	if err := m.Hangup(); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	close(conn.muteRelease)
	if err := <-done; err != nil {
		t.Fatalf("ToggleMute() error = %v", err)
	}

	snap := m.Snapshot()
	if snap.Status != StatusIdle || snap.Muted {
		t.Errorf("status=%v muted=%v after hangup, want idle unmuted", snap.Status, snap.Muted)
	}
}

func TestSendDigit(t *testing.T) {
	m, _ := newReadyMachine(t)

	if err := m.SendDigit('5'); err != nil {
		t.Fatalf("SendDigit() idle error = %v, want nil no-op", err)
	}

	conn := ringIncoming(t, m, device.CallerMetadata{PhoneNumber: "+15559999999"})
	if err := m.Answer(); err != nil {
		t.Fatal(err)
	}
	for _, d := range []rune{'1', '2', '#'} {
		if err := m.SendDigit(d); err != nil {
			t.Fatalf("SendDigit(%c) error = %v", d, err)
		}
	}
	if got := string(conn.Digits()); got != "12#" {
		t.Errorf("Digits() = %q, want %q", got, "12#")
	}
}

func TestRegistrationErrorTearsDownCall(t *testing.T) {
	m, _ := newReadyMachine(t)
	conn := ringIncoming(t, m, device.CallerMetadata{PhoneNumber: "+15559999999"})
	if err := m.Answer(); err != nil {
		t.Fatal(err)
	}

	m.HandleDeviceEvent(device.RegistrationError{Err: errors.New("credential expired")})

	if !conn.Disconnected() {
		t.Error("live call was not torn down")
	}
	snap := m.Snapshot()
	if snap.Status != StatusError {
		t.Errorf("Status = %v, want %v", snap.Status, StatusError)
	}
	if snap.Ready || snap.OnCall {
		t.Errorf("ready=%v oncall=%v after registration error, want both false", snap.Ready, snap.OnCall)
	}
}

func TestRegistrationErrorKeepsCallWhenConfigured(t *testing.T) {
	m, _ := newReadyMachine(t, WithTearDownOnRegistrationError(false))
	conn := ringIncoming(t, m, device.CallerMetadata{PhoneNumber: "+15559999999"})
	if err := m.Answer(); err != nil {
		t.Fatal(err)
	}

	m.HandleDeviceEvent(device.RegistrationError{Err: errors.New("credential expired")})

	if conn.Disconnected() {
		t.Error("call torn down although teardown is disabled")
	}
	snap := m.Snapshot()
	if snap.Status != StatusError || !snap.OnCall {
		t.Errorf("status=%v oncall=%v, want error status with call kept", snap.Status, snap.OnCall)
	}
}

func TestReRegistrationDuringCallKeepsStatus(t *testing.T) {
	m, _ := newReadyMachine(t)
	ringIncoming(t, m, device.CallerMetadata{PhoneNumber: "+15559999999"})
	if err := m.Answer(); err != nil {
		t.Fatal(err)
	}

	m.HandleDeviceEvent(device.Registered{})

	if snap := m.Snapshot(); snap.Status != StatusInProgress {
		t.Errorf("Status = %v after refresh during call, want %v", snap.Status, StatusInProgress)
	}
}

func TestSupersededOriginationDiscarded(t *testing.T) {
	dev := device.NewMockDevice()
	m := NewMachine(dev)
	m.HandleDeviceEvent(device.Registered{})

	var stale *device.MockConnection
	dev.OnOriginate = func(target string) *device.MockConnection {
		// An incoming call is answered while the origination is in
		// flight; the dial result must be discarded.
		incoming := device.NewMockConnection(device.CallerMetadata{PhoneNumber: "+15553333333"})
		m.HandleDeviceEvent(device.IncomingOffer{Conn: incoming, Meta: incoming.Remote()})
		if err := m.Answer(); err != nil {
			t.Fatalf("Answer() error = %v", err)
		}
		stale = device.NewMockConnection(device.CallerMetadata{PhoneNumber: target})
		return stale
	}

	if err := m.Dial(context.Background(), "+15551234567"); err != nil {
		t.Fatalf("Dial() error = %v, want nil for discarded origination", err)
	}

	if !stale.Disconnected() {
		t.Error("superseded origination was not disconnected")
	}
	snap := m.Snapshot()
	if snap.Status != StatusInProgress || snap.Caller.PhoneNumber != "+15553333333" {
		t.Errorf("session = %+v, want the incoming call untouched", snap)
	}
}

func TestObserverSeesOrderedTransitions(t *testing.T) {
	m, _ := newReadyMachine(t)

	var seen []CallStatus
	unsubscribe := m.Subscribe(func(snap Snapshot) {
		seen = append(seen, snap.Status)
	})
	defer unsubscribe()

	conn := ringIncoming(t, m, device.CallerMetadata{PhoneNumber: "+15559999999"})
	if err := m.Answer(); err != nil {
		t.Fatal(err)
	}
	m.HandleConnectionEvent(conn.ID(), device.Disconnected{})

	want := []CallStatus{StatusReady, StatusRinging, StatusInProgress, StatusIdle}
	if len(seen) != len(want) {
		t.Fatalf("observed %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("observed %v, want %v", seen, want)
		}
	}
}

func TestObserverSnapshotIsACopy(t *testing.T) {
	m, _ := newReadyMachine(t)
	ringIncoming(t, m, device.CallerMetadata{PhoneNumber: "+15559999999", DisplayName: "Alice"})

	var captured Snapshot
	unsubscribe := m.Subscribe(func(snap Snapshot) { captured = snap })
	unsubscribe()

	captured.Caller.DisplayName = "Mallory"
	if snap := m.Snapshot(); snap.Caller.DisplayName != "Alice" {
		t.Errorf("DisplayName = %q, observer mutation leaked into the session", snap.Caller.DisplayName)
	}
}
