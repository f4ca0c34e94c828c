package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/NicolasHaas/gochat/pkg/crypto"
	"github.com/NicolasHaas/gochat/pkg/model"
	"github.com/NicolasHaas/gochat/pkg/protocol"
)

// maxPageSize caps the history page a client may request.
const maxPageSize = 200

// maxRequestBody caps JSON request bodies of the HTTP API.
const maxRequestBody = 1 << 16

var errUnauthorized = errors.New("missing or invalid token")

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
	User      model.User `json:"user"`
}

type markReadRequest struct {
	Peer string `json:"peer" validate:"required"`
}

type markReadResponse struct {
	Updated int64 `json:"updated"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	user, err := s.store.NonTx().GetUserByUsername(ctx, req.Username)
	if err != nil {
		s.log.Error("login lookup failed", "username", req.Username, "err", err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}
	if user == nil {
		s.metrics.AuthResult(false)
		writeError(w, http.StatusUnauthorized, protocol.CodeValidation, "invalid credentials")
		return
	}
	if err := crypto.VerifyPassword(req.Password, user.PasswordHash); err != nil {
		s.metrics.AuthResult(false)
		if !errors.Is(err, crypto.ErrPasswordMismatch) {
			s.log.Warn("stored password hash unusable", "user", user.ID, "err", err)
		}
		writeError(w, http.StatusUnauthorized, protocol.CodeValidation, "invalid credentials")
		return
	}

	token, expiresAt, err := s.auth.Issue(user)
	if err != nil {
		s.log.Error("issue token failed", "user", user.ID, "err", err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}
	s.metrics.AuthResult(true)
	s.log.Info("user logged in", "user", user.ID, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt, User: *user})
}

// handleHistory returns one page of the conversation between the caller and
// ?peer=, newest first. ?before= pages backwards by message id.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	peerID := q.Get("peer")
	if peerID == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeValidation, "peer is required")
		return
	}
	filters := model.MessageFilters{}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.ParseInt(v, 10, 64)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, protocol.CodeValidation, "limit must be a positive integer")
			return
		}
		filters.PageSize = lo.ToPtr(min(limit, maxPageSize))
	}
	if v := q.Get("before"); v != "" {
		before, err := strconv.ParseInt(v, 10, 64)
		if err != nil || before <= 0 {
			writeError(w, http.StatusBadRequest, protocol.CodeValidation, "before must be a positive message id")
			return
		}
		filters.BeforeID = &before
	}

	ctx := r.Context()
	st := s.store.NonTx()
	peer, err := st.FindUserByID(ctx, peerID)
	if err != nil {
		s.log.Error("history peer lookup failed", "user", id.UserID, "peer", peerID, "err", err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}
	if peer == nil {
		writeError(w, http.StatusNotFound, protocol.CodeNotFound, "user "+peerID+" does not exist")
		return
	}

	msgs, err := st.ListConversation(ctx, id.UserID, peer.ID, filters)
	if err != nil {
		s.log.Error("history query failed", "user", id.UserID, "peer", peer.ID, "err", err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}

	names := map[string]string{id.UserID: id.DisplayName, peer.ID: peer.DisplayName}
	writeJSON(w, http.StatusOK, lo.Map(msgs, func(m model.Message, _ int) protocol.Message {
		return protocol.NewMessage(&m, names[m.SenderID], names[m.ReceiverID])
	}))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	var req markReadRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	n, err := s.store.NonTx().MarkConversationRead(r.Context(), id.UserID, req.Peer)
	if err != nil {
		s.log.Error("mark read failed", "user", id.UserID, "peer", req.Peer, "err", err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, markReadResponse{Updated: n})
}

// handleOnline lists every connected user except the caller.
func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	others := lo.Filter(s.relay.Registry.Snapshot(), func(o model.Identity, _ int) bool {
		return o.UserID != id.UserID
	})
	writeJSON(w, http.StatusOK, lo.Map(others, func(o model.Identity, _ int) protocol.OnlineUser {
		return protocol.OnlineUser{UserID: o.UserID, DisplayName: o.DisplayName}
	}))
}

// identify extracts and verifies the bearer token of r. Browsers cannot set
// headers on a WebSocket handshake, so ?token= is accepted as well.
func (s *Server) identify(r *http.Request) (model.Identity, error) {
	raw := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, found := strings.Cut(h, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return model.Identity{}, errUnauthorized
		}
		raw = strings.TrimSpace(token)
	}
	if raw == "" {
		return model.Identity{}, errUnauthorized
	}
	return s.auth.Verify(raw)
}

func (s *Server) requireIdentity(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	id, err := s.identify(r)
	if err != nil {
		s.log.Debug("request rejected", "remote", r.RemoteAddr, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusUnauthorized, protocol.CodeValidation, errUnauthorized.Error())
		return model.Identity{}, false
	}
	return id, true
}

// decodeBody reads a JSON body into v and validates it, answering 400 on
// failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "malformed request body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeValidation, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, protocol.ErrorPayload{Code: code, Message: msg})
}
