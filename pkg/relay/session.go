package relay

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/NicolasHaas/gochat/pkg/model"
	"github.com/NicolasHaas/gochat/pkg/protocol"
)

// State is a session's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultSendBuffer is the outbound queue length used when none is given.
const DefaultSendBuffer = 64

// Session is the routing handle of one live connection. Outbound events are
// queued on a buffered channel that the transport's writer drains; the relay
// never blocks on it.
type Session struct {
	id       string
	identity model.Identity

	out  chan protocol.Outbound
	done chan struct{}

	mu     sync.Mutex // guards closed against concurrent Send
	closed bool

	state     atomic.Int32
	activated atomic.Bool // reached Active at least once
	released  atomic.Bool // lifecycle teardown has run
}

// NewSession creates a session in the Connecting state.
func NewSession(identity model.Identity, buffer int) *Session {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Session{
		id:       uuid.NewString(),
		identity: identity,
		out:      make(chan protocol.Outbound, buffer),
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string               { return s.id }
func (s *Session) Identity() model.Identity { return s.identity }
func (s *Session) UserID() string           { return s.identity.UserID }
func (s *Session) State() State             { return State(s.state.Load()) }

// Outbound is the queue the transport writer consumes.
func (s *Session) Outbound() <-chan protocol.Outbound { return s.out }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send queues ev without blocking. It reports false when the session is
// closed or its buffer is full.
func (s *Session) Send(ev protocol.Outbound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- ev:
		return true
	default:
		return false
	}
}

// Close marks the session closed and signals Done. Events already queued
// stay readable from Outbound so the writer can flush them. Safe to call
// more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.state.Store(int32(StateClosed))
	close(s.done)
}

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// supersede tells the client it was replaced by a newer connection and
// closes the session.
func (s *Session) supersede() {
	s.Send(protocol.Outbound{
		Event: protocol.EventError,
		Data: protocol.ErrorPayload{
			Code:    protocol.CodeSuperseded,
			Message: "signed in from another connection",
		},
	})
	s.Close()
}
