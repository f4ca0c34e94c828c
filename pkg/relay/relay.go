// Package relay is the presence and message-relay core. It tracks which
// users are connected, routes messages and typing events between them and
// keeps presence consistent across concurrent connects and disconnects.
//
// The transport owns the connections: it creates a Session per connection,
// drives it through Lifecycle and feeds inbound frames to Router.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/NicolasHaas/gochat/pkg/metrics"
	"github.com/NicolasHaas/gochat/pkg/model"
)

// Store is the persistence the relay depends on.
type Store interface {
	UserFinder
	MessageStore
	StatusWriter
}

// Options configures New. Zero values select defaults.
type Options struct {
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
	SendBuffer int
}

// Relay wires the components around one registry.
type Relay struct {
	Registry  *Registry
	Presence  *Presence
	Messages  *Messages
	Typing    *Typing
	Lifecycle *Lifecycle
	Router    *Router

	sendBuffer int
}

func New(store Store, opts Options) *Relay {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "relay")

	reg := NewRegistry()
	presence := NewPresence(reg, store, log, opts.Metrics)
	messages := NewMessages(reg, store, log, opts.Metrics)
	typing := NewTyping(reg, log, opts.Metrics)

	return &Relay{
		Registry:   reg,
		Presence:   presence,
		Messages:   messages,
		Typing:     typing,
		Lifecycle:  NewLifecycle(reg, presence, store, log, opts.Metrics, opts.Now),
		Router:     NewRouter(messages, typing, log, opts.Metrics),
		sendBuffer: opts.SendBuffer,
	}
}

// NewSession creates a Connecting session for identity using the
// configured outbound buffer.
func (r *Relay) NewSession(identity model.Identity) *Session {
	return NewSession(identity, r.sendBuffer)
}

// Connect creates and activates a session for identity.
func (r *Relay) Connect(ctx context.Context, identity model.Identity) (*Session, error) {
	s := r.NewSession(identity)
	if err := r.Lifecycle.Activate(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Shutdown closes every live session.
func (r *Relay) Shutdown(ctx context.Context) error {
	return r.Lifecycle.Shutdown(ctx)
}
