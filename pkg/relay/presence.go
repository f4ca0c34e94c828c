package relay

import (
	"context"
	"log/slog"

	"github.com/samber/lo"

	"github.com/NicolasHaas/gochat/pkg/metrics"
	"github.com/NicolasHaas/gochat/pkg/model"
	"github.com/NicolasHaas/gochat/pkg/protocol"
)

// UserFinder resolves display names for the online snapshot.
type UserFinder interface {
	FindUsersByIDs(ctx context.Context, ids []string) ([]model.User, error)
}

// Presence publishes online/offline transitions to connected peers.
type Presence struct {
	registry *Registry
	users    UserFinder
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewPresence(registry *Registry, users UserFinder, log *slog.Logger, m *metrics.Metrics) *Presence {
	return &Presence{registry: registry, users: users, log: log, metrics: m}
}

// Announce sends a user-status-change for who to every other registered
// session and returns how many accepted it.
func (p *Presence) Announce(who model.Identity, status model.Status) int {
	ev := protocol.Outbound{
		Event: protocol.EventUserStatusChange,
		Data: protocol.StatusChange{
			UserID:      who.UserID,
			DisplayName: who.DisplayName,
			Status:      status,
		},
	}

	delivered := 0
	for _, s := range p.registry.All() {
		if s.UserID() == who.UserID {
			continue
		}
		if s.Send(ev) {
			delivered++
		} else {
			p.metrics.DeliveryMiss(ev.Event)
		}
	}
	p.log.Debug("presence announced", "user", who.UserID, "status", status, "peers", delivered)
	return delivered
}

// SnapshotFor sends s a single online-users event listing every other
// registered user. Names come from the store when it can supply them and
// from the registry otherwise.
func (p *Presence) SnapshotFor(ctx context.Context, s *Session) bool {
	others := lo.Filter(p.registry.Snapshot(), func(id model.Identity, _ int) bool {
		return id.UserID != s.UserID()
	})

	names := map[string]string{}
	if len(others) > 0 && p.users != nil {
		ids := lo.Map(others, func(id model.Identity, _ int) string { return id.UserID })
		users, err := p.users.FindUsersByIDs(ctx, ids)
		if err != nil {
			p.log.Warn("snapshot name lookup failed", "session", s.ID(), "err", err)
		}
		names = lo.SliceToMap(users, func(u model.User) (string, string) {
			return u.ID, u.DisplayName
		})
	}

	online := lo.Map(others, func(id model.Identity, _ int) protocol.OnlineUser {
		name := id.DisplayName
		if stored, ok := names[id.UserID]; ok && stored != "" {
			name = stored
		}
		return protocol.OnlineUser{UserID: id.UserID, DisplayName: name}
	})

	ok := s.Send(protocol.Outbound{Event: protocol.EventOnlineUsers, Data: online})
	if !ok {
		p.metrics.DeliveryMiss(protocol.EventOnlineUsers)
	}
	return ok
}
