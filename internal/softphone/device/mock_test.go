package device

import "testing"

func TestMockConnectionStreamEndsOnDisconnect(t *testing.T) {
	conn := NewMockConnection(CallerMetadata{PhoneNumber: "+15551234567"})

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if _, ok := <-conn.Events(); ok {
		t.Error("Events() still open after Disconnect, consumer range would never exit")
	}
}

func TestMockConnectionStreamEndsOnReject(t *testing.T) {
	conn := NewMockConnection(CallerMetadata{PhoneNumber: "+15551234567"})

	if err := conn.Reject(); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if _, ok := <-conn.Events(); ok {
		t.Error("Events() still open after Reject")
	}
}

func TestMockConnectionStreamEndsAfterTerminalEvent(t *testing.T) {
	conn := NewMockConnection(CallerMetadata{PhoneNumber: "+15551234567"})
	conn.EmitAccepted()
	conn.EmitDisconnected()

	ev, ok := <-conn.Events()
	if !ok {
		t.Fatal("stream closed before the buffered events were delivered")
	}
	if _, isAccepted := ev.(Accepted); !isAccepted {
		t.Fatalf("first event = %T, want Accepted", ev)
	}

	ev, ok = <-conn.Events()
	if !ok {
		t.Fatal("stream closed before Disconnected was delivered")
	}
	if _, isDisconnected := ev.(Disconnected); !isDisconnected {
		t.Fatalf("second event = %T, want Disconnected", ev)
	}

	if _, ok := <-conn.Events(); ok {
		t.Error("stream still open after the terminal event")
	}

	// Late emits on an ended leg are dropped, not a panic.
	conn.EmitAccepted()
	conn.EmitRejected()
}
