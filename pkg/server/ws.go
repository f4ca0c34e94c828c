package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/gochat/pkg/model"
	"github.com/NicolasHaas/gochat/pkg/protocol"
	"github.com/NicolasHaas/gochat/pkg/relay"
)

// handleWS authenticates the handshake, upgrades it and serves the
// connection until either side ends it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.identify(r)
	if err != nil {
		s.metrics.AuthResult(false)
		s.log.Debug("websocket auth failed", "remote", r.RemoteAddr, "err", err)
		http.Error(w, errUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	// The token may outlive its user; refuse identities the store no longer knows.
	user, err := s.store.NonTx().FindUserByID(r.Context(), id.UserID)
	if err != nil {
		s.log.Error("websocket user lookup failed", "user", id.UserID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if user == nil {
		s.metrics.AuthResult(false)
		http.Error(w, errUnauthorized.Error(), http.StatusUnauthorized)
		return
	}
	s.metrics.AuthResult(true)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.serveConn(conn, user.Identity(), r.RemoteAddr)
}

// serveConn runs one connection: a writer goroutine draining the session's
// outbound queue and the reader loop on the calling goroutine.
func (s *Server) serveConn(conn *websocket.Conn, id model.Identity, remote string) {
	s.conns.Add(1)
	defer s.conns.Done()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	sess := s.relay.NewSession(id)
	writerDone := make(chan struct{})
	go s.writePump(conn, sess, writerDone)

	s.log.Info("client connected", "user", id.UserID, "session", sess.ID(), "remote", remote)
	if err := s.relay.Lifecycle.Activate(ctx, sess); err != nil {
		s.log.Error("activate session failed", "user", id.UserID, "session", sess.ID(), "err", err)
		s.relay.Lifecycle.Close(ctx, sess)
		<-writerDone
		return
	}
	if s.ctx.Err() != nil {
		// Shutdown may have swept the registry before this session joined it.
		s.relay.Lifecycle.Close(ctx, sess)
	}

	s.readPump(ctx, conn, sess)

	cancel()
	s.relay.Lifecycle.Close(ctx, sess)
	<-writerDone
	s.log.Info("client disconnected", "user", id.UserID, "session", sess.ID(), "remote", remote)
}

// readPump handles inbound frames sequentially until the connection fails,
// the keepalive lapses or the session is closed from elsewhere.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, sess *relay.Session) {
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug("read error", "user", sess.UserID(), "session", sess.ID(), "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.log.Debug("ignoring non-text frame", "user", sess.UserID(), "type", msgType)
			continue
		}
		_ = s.relay.Router.Dispatch(ctx, sess, frame)

		select {
		case <-sess.Done():
			return
		default:
		}
	}
}

// writePump is the only writer of conn. When the session closes it flushes
// what is still queued, sends a close frame and closes the connection,
// which unblocks the reader.
func (s *Server) writePump(conn *websocket.Conn, sess *relay.Session, done chan<- struct{}) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
		close(done)
	}()

	for {
		select {
		case ev := <-sess.Outbound():
			if err := s.writeEvent(conn, ev); err != nil {
				s.log.Debug("write error", "user", sess.UserID(), "session", sess.ID(), "err", err)
				return
			}

		case <-sess.Done():
			if err := s.flush(conn, sess); err != nil {
				return
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			return

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes every event still queued on sess.
func (s *Server) flush(conn *websocket.Conn, sess *relay.Session) error {
	for {
		select {
		case ev := <-sess.Outbound():
			if err := s.writeEvent(conn, ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev protocol.Outbound) error {
	frame, err := protocol.Encode(ev)
	if err != nil {
		s.log.Error("encode event failed", "event", ev.Event, "err", err)
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}
