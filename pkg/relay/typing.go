package relay

import (
	"log/slog"

	"github.com/NicolasHaas/gochat/pkg/metrics"
	"github.com/NicolasHaas/gochat/pkg/protocol"
)

// Typing forwards ephemeral typing state. Nothing is persisted and an
// unreachable receiver is not an error.
type Typing struct {
	registry *Registry
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewTyping(registry *Registry, log *slog.Logger, m *metrics.Metrics) *Typing {
	return &Typing{registry: registry, log: log, metrics: m}
}

// Notify forwards a user-typing event to the receiver if it is connected and
// reports whether it was queued.
func (t *Typing) Notify(sender *Session, req protocol.Typing) bool {
	rs, ok := t.registry.Lookup(req.ReceiverID)
	if !ok {
		t.metrics.TypingForwarded(false)
		return false
	}
	id := sender.Identity()
	sent := rs.Send(protocol.Outbound{
		Event: protocol.EventUserTyping,
		Data: protocol.UserTyping{
			UserID:      id.UserID,
			DisplayName: id.DisplayName,
			IsTyping:    req.IsTyping,
		},
	})
	t.metrics.TypingForwarded(sent)
	return sent
}
