package relay

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/NicolasHaas/gochat/pkg/metrics"
	"github.com/NicolasHaas/gochat/pkg/model"
)

// StatusWriter persists the durable mirror of registry membership.
type StatusWriter interface {
	UpdateUserStatus(ctx context.Context, id string, status model.Status, lastSeen time.Time) error
}

const userLockStripes = 64

// Lifecycle drives a session through Connecting, Active and Closed, keeping
// the registry, the persisted status and the peers' view in step.
//
// Transitions for the same user are serialized so that a fast reconnect
// cannot interleave its online steps with the previous session's offline
// steps.
type Lifecycle struct {
	registry *Registry
	presence *Presence
	status   StatusWriter
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	locks [userLockStripes]sync.Mutex
}

func NewLifecycle(registry *Registry, presence *Presence, status StatusWriter, log *slog.Logger, m *metrics.Metrics, now func() time.Time) *Lifecycle {
	if now == nil {
		now = time.Now
	}
	return &Lifecycle{
		registry: registry,
		presence: presence,
		status:   status,
		log:      log,
		metrics:  m,
		now:      now,
	}
}

func (l *Lifecycle) lockUser(userID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	mu := &l.locks[h.Sum32()%userLockStripes]
	mu.Lock()
	return mu.Unlock
}

// Activate registers s, persists the user online and publishes presence.
// A session already registered for the same user is told it was superseded
// and closed; peers are not told twice that the user came online.
func (l *Lifecycle) Activate(ctx context.Context, s *Session) error {
	if !s.transition(StateConnecting, StateActive) {
		return ErrInvalidState
	}
	s.activated.Store(true)
	id := s.Identity()

	unlock := l.lockUser(id.UserID)
	defer unlock()

	prev := l.registry.Register(id.UserID, s)
	if prev != nil {
		l.log.Info("session superseded", "user", id.UserID, "session", prev.ID(), "by", s.ID())
		l.metrics.SessionSuperseded()
		prev.supersede()
	}

	l.persist(ctx, id.UserID, model.StatusOnline)

	if prev == nil {
		l.presence.Announce(id, model.StatusOnline)
	}
	l.presence.SnapshotFor(ctx, s)

	l.metrics.SessionOpened()
	l.log.Info("session active", "user", id.UserID, "session", s.ID())
	return nil
}

// Close unregisters s, persists the user offline and tells peers. It is
// driven by the transport when the connection ends and is idempotent. When
// s was already replaced by a newer session only s itself is torn down.
//
// The offline write ignores cancellation of ctx so it survives the
// connection that triggered it.
func (l *Lifecycle) Close(ctx context.Context, s *Session) {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	if !s.activated.Load() {
		s.Close()
		return
	}
	id := s.Identity()

	unlock := l.lockUser(id.UserID)
	removed := l.registry.Unregister(id.UserID, s)
	s.Close()
	if removed {
		l.persist(context.WithoutCancel(ctx), id.UserID, model.StatusOffline)
		l.presence.Announce(id, model.StatusOffline)
	}
	unlock()

	l.metrics.SessionClosed()
	l.log.Info("session closed", "user", id.UserID, "session", s.ID(), "superseded", !removed)
}

// persist writes the status mirror. Failures are logged and swallowed; the
// registry stays authoritative for routing.
func (l *Lifecycle) persist(ctx context.Context, userID string, status model.Status) {
	if l.status == nil {
		return
	}
	if err := l.status.UpdateUserStatus(ctx, userID, status, l.now().UTC()); err != nil {
		l.metrics.StatusPersistFailed()
		l.log.Warn("status persist failed", "user", userID, "status", status, "err", err)
	}
}

// Shutdown closes every registered session so each user is persisted
// offline. It returns early when ctx ends.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	for _, s := range l.registry.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.Close(ctx, s)
	}
	return nil
}
