package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/NicolasHaas/gochat/pkg/metrics"
	"github.com/NicolasHaas/gochat/pkg/protocol"
)

// Router decodes inbound frames of one session and hands them to the
// component owning the event.
type Router struct {
	messages *Messages
	typing   *Typing
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewRouter(messages *Messages, typing *Typing, log *slog.Logger, m *metrics.Metrics) *Router {
	return &Router{messages: messages, typing: typing, log: log, metrics: m}
}

// Dispatch handles a single inbound frame from s. Errors are reported to s
// before being returned and never end the connection.
func (r *Router) Dispatch(ctx context.Context, s *Session, frame []byte) error {
	start := time.Now()

	env, err := protocol.Decode(frame)
	if err != nil {
		return r.reject(s, "", &Error{Kind: ErrBadRequest, Detail: "malformed event", Err: err})
	}

	switch env.Event {
	case protocol.EventSendMessage:
		defer r.observe(env.Event, start)
		var req protocol.SendMessage
		if err := env.DecodeData(&req); err != nil {
			return r.reject(s, env.Event, &Error{Kind: ErrBadRequest, Detail: "malformed " + env.Event + " payload", Err: err})
		}
		return r.messages.Send(ctx, s, req)

	case protocol.EventTyping:
		defer r.observe(env.Event, start)
		var req protocol.Typing
		if err := env.DecodeData(&req); err != nil {
			return r.reject(s, env.Event, &Error{Kind: ErrBadRequest, Detail: "malformed " + env.Event + " payload", Err: err})
		}
		r.typing.Notify(s, req)
		return nil

	default:
		return r.reject(s, env.Event, &Error{Kind: ErrBadRequest, Detail: "unknown event " + env.Event})
	}
}

func (r *Router) observe(event string, start time.Time) {
	r.metrics.ObserveEvent(event, time.Since(start))
}

func (r *Router) reject(s *Session, event string, err error) error {
	r.log.Debug("event rejected", "user", s.UserID(), "session", s.ID(), "event", event, "err", err)
	r.metrics.EventError(ErrorCode(err))
	if !s.Send(errorEvent(err)) {
		r.metrics.DeliveryMiss(protocol.EventError)
	}
	return err
}
