package relay

import (
	"testing"

	"github.com/NicolasHaas/gochat/pkg/model"
	"github.com/NicolasHaas/gochat/pkg/protocol"
)

func TestSessionSendNonBlocking(t *testing.T) {
	s := NewSession(model.Identity{UserID: "u1", DisplayName: "One"}, 2)
	ev := protocol.Outbound{Event: protocol.EventUserTyping}

	if !s.Send(ev) || !s.Send(ev) {
		t.Fatalf("Send: expected buffered sends to succeed")
	}
	if s.Send(ev) {
		t.Fatalf("Send: expected full buffer to report false")
	}
	if got := len(drain(s)); got != 2 {
		t.Fatalf("expected 2 queued events, got %d", got)
	}
}

func TestSessionClose(t *testing.T) {
	s := NewSession(model.Identity{UserID: "u1", DisplayName: "One"}, 0)
	if s.State() != StateConnecting {
		t.Fatalf("State: expected connecting, got %s", s.State())
	}
	s.Send(protocol.Outbound{Event: protocol.EventUserTyping})

	s.Close()
	s.Close()

	select {
	case <-s.Done():
	default:
		t.Fatalf("Done: expected closed channel")
	}
	if s.State() != StateClosed {
		t.Fatalf("State: expected closed, got %s", s.State())
	}
	if s.Send(protocol.Outbound{Event: protocol.EventUserTyping}) {
		t.Fatalf("Send after Close: expected false")
	}
	if got := len(drain(s)); got != 1 {
		t.Fatalf("expected queued event to survive Close, got %d", got)
	}
	if s.transition(StateConnecting, StateActive) {
		t.Fatalf("transition: closed session must not become active")
	}
}

func TestSessionSupersede(t *testing.T) {
	s := NewSession(model.Identity{UserID: "u1", DisplayName: "One"}, 0)
	s.supersede()

	evs := drain(s)
	if len(evs) != 1 || evs[0].Event != protocol.EventError {
		t.Fatalf("expected one error event, got %+v", evs)
	}
	payload := evs[0].Data.(protocol.ErrorPayload)
	if payload.Code != protocol.CodeSuperseded {
		t.Fatalf("expected superseded code, got %q", payload.Code)
	}
	if s.State() != StateClosed {
		t.Fatalf("State: expected closed, got %s", s.State())
	}
}

func TestStateString(t *testing.T) {
	tcase := map[State]string{
		StateConnecting: "connecting",
		StateActive:     "active",
		StateClosed:     "closed",
		State(9):        "unknown",
	}
	for st, want := range tcase {
		if got := st.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", st, got, want)
		}
	}
}
