// Package store provides an in-memory implementation of the GoChat
// persistence interfaces.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/NicolasHaas/gochat/pkg/datastore"
	"github.com/NicolasHaas/gochat/pkg/model"
)

// MemoryStore provides an in-memory DataStore implementation for tests.
// It mirrors SQLite behavior for validation and error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextMessageID int64

	usersByID       map[string]*model.User
	usersByUsername map[string]*model.User
	messages        []*model.Message
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:             now,
		nextMessageID:   1,
		usersByID:       make(map[string]*model.User),
		usersByUsername: make(map[string]*model.User),
	}
}

// NonTx returns the store itself.
func (s *MemoryStore) NonTx() datastore.DataStore {
	return s
}

// Tx starts a transaction over a private copy of the store. Writes made
// through the transaction are journaled and replayed onto the live store at
// Commit, so writes made through NonTx while it is open are kept.
func (s *MemoryStore) Tx(ctx context.Context) (datastore.DataStoreTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &memoryTx{MemoryStore: s.cloneLocked(), parent: s}, nil
}

func (s *MemoryStore) cloneLocked() *MemoryStore {
	c := NewMemoryWithClock(s.now)
	c.nextMessageID = s.nextMessageID
	for id, u := range s.usersByID {
		copyUser := *u
		c.usersByID[id] = &copyUser
		c.usersByUsername[copyUser.Username] = &copyUser
	}
	c.messages = make([]*model.Message, 0, len(s.messages))
	for _, m := range s.messages {
		copyMessage := *m
		c.messages = append(c.messages, &copyMessage)
	}
	return c
}

type memoryTx struct {
	*MemoryStore
	parent  *MemoryStore
	journal []func(ctx context.Context, s *MemoryStore) error
	done    bool
}

func (t *memoryTx) record(op func(ctx context.Context, s *MemoryStore) error) {
	t.journal = append(t.journal, op)
}

func (t *memoryTx) CreateUser(ctx context.Context, username, displayName, passwordHash string) (*model.User, error) {
	u, err := t.MemoryStore.CreateUser(ctx, username, displayName, passwordHash)
	if err != nil {
		return nil, err
	}
	created := *u
	t.record(func(_ context.Context, s *MemoryStore) error { return s.insertUser(created) })
	return u, nil
}

func (t *memoryTx) UpdateUserStatus(ctx context.Context, id string, status model.Status, lastSeen time.Time) error {
	if err := t.MemoryStore.UpdateUserStatus(ctx, id, status, lastSeen); err != nil {
		return err
	}
	t.record(func(ctx context.Context, s *MemoryStore) error {
		return s.UpdateUserStatus(ctx, id, status, lastSeen)
	})
	return nil
}

func (t *memoryTx) ResetUserStatuses(ctx context.Context, lastSeen time.Time) (int64, error) {
	n, err := t.MemoryStore.ResetUserStatuses(ctx, lastSeen)
	if err != nil {
		return 0, err
	}
	t.record(func(ctx context.Context, s *MemoryStore) error {
		_, err := s.ResetUserStatuses(ctx, lastSeen)
		return err
	})
	return n, nil
}

// CreateMessage takes its ID from the live store so IDs stay unique across
// the transaction and concurrent NonTx writers.
func (t *memoryTx) CreateMessage(ctx context.Context, senderID, receiverID, content string) (*model.Message, error) {
	msg := model.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("store: message failed validation: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("store: create message: %w", err)
	}
	msg.ID = t.parent.reserveMessageID()
	msg.CreatedAt = t.stamp()
	msg.UpdatedAt = msg.CreatedAt
	if err := t.MemoryStore.insertMessage(msg); err != nil {
		return nil, err
	}
	t.record(func(_ context.Context, s *MemoryStore) error { return s.insertMessage(msg) })
	out := msg
	return &out, nil
}

func (t *memoryTx) MarkConversationRead(ctx context.Context, readerID, peerID string) (int64, error) {
	n, err := t.MemoryStore.MarkConversationRead(ctx, readerID, peerID)
	if err != nil {
		return 0, err
	}
	t.record(func(ctx context.Context, s *MemoryStore) error {
		_, err := s.MarkConversationRead(ctx, readerID, peerID)
		return err
	})
	return n, nil
}

// Commit replays the journal onto a copy of the live store and publishes the
// copy only if every write still holds, so a failed commit changes nothing.
func (t *memoryTx) Commit() error {
	if t.done {
		return fmt.Errorf("store: commit: transaction already finished")
	}
	t.done = true

	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	next := t.parent.cloneLocked()
	for _, op := range t.journal {
		if err := op(context.Background(), next); err != nil {
			return fmt.Errorf("store: commit: %w", err)
		}
	}
	t.parent.nextMessageID = max(t.parent.nextMessageID, next.nextMessageID)
	t.parent.usersByID = next.usersByID
	t.parent.usersByUsername = next.usersByUsername
	t.parent.messages = next.messages
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return fmt.Errorf("store: rollback: transaction already finished")
	}
	t.done = true
	return nil
}

func (s *MemoryStore) reserveMessageID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextMessageID
	s.nextMessageID++
	return id
}

func (s *MemoryStore) insertUser(u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[u.Username]; exists {
		return fmt.Errorf("store: create user: constraint failed: UNIQUE constraint failed: users.username")
	}
	s.usersByID[u.ID] = &u
	s.usersByUsername[u.Username] = &u
	return nil
}

// insertMessage stores msg with its ID already assigned, keeping messages
// ordered by ID.
func (s *MemoryStore) insertMessage(msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, senderOK := s.usersByID[msg.SenderID]
	_, receiverOK := s.usersByID[msg.ReceiverID]
	if !senderOK || !receiverOK {
		return fmt.Errorf("store: create message: constraint failed: FOREIGN KEY constraint failed")
	}
	i := sort.Search(len(s.messages), func(i int) bool { return s.messages[i].ID > msg.ID })
	s.messages = append(s.messages, nil)
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = &msg
	s.nextMessageID = max(s.nextMessageID, msg.ID+1)
	return nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// ZeroTime returns the zero time value.
func (s *MemoryStore) ZeroTime() time.Time {
	return time.Time{}
}

func (s *MemoryStore) stamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// CreateUser creates a new offline user with a generated ID.
func (s *MemoryStore) CreateUser(ctx context.Context, username, displayName, passwordHash string) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	if err := model.ValidateDisplayName(displayName); err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[username]; exists {
		return nil, fmt.Errorf("store: create user: constraint failed: UNIQUE constraint failed: users.username")
	}
	user := &model.User{
		ID:           uuid.NewString(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		Status:       model.StatusOffline,
		CreatedAt:    s.stamp(),
	}
	copyUser := *user
	s.usersByID[user.ID] = user
	s.usersByUsername[username] = user
	return &copyUser, nil
}

// GetUserByUsername retrieves a user by username.
func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return nil, nil
	}
	copyUser := *user
	return &copyUser, nil
}

// FindUserByID retrieves a user by ID.
func (s *MemoryStore) FindUserByID(ctx context.Context, id string) (*model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("store: find user: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByID[id]
	if !ok {
		return nil, nil
	}
	copyUser := *user
	return &copyUser, nil
}

// FindUsersByIDs retrieves the known users among ids, ordered by username.
func (s *MemoryStore) FindUsersByIDs(ctx context.Context, ids []string) ([]model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("store: find users: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := lo.FilterMap(lo.Uniq(ids), func(id string, _ int) (model.User, bool) {
		u, ok := s.usersByID[id]
		if !ok {
			return model.User{}, false
		}
		return *u, true
	})
	if len(users) == 0 {
		return nil, nil
	}
	sortUsers(users)
	return users, nil
}

// ListUsers returns all users ordered by username.
func (s *MemoryStore) ListUsers(ctx context.Context) ([]model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.usersByID) == 0 {
		return nil, nil
	}
	users := make([]model.User, 0, len(s.usersByID))
	for _, user := range s.usersByID {
		users = append(users, *user)
	}
	sortUsers(users)
	return users, nil
}

func sortUsers(users []model.User) {
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
}

// UpdateUserStatus records a presence transition. Unknown users are ignored.
func (s *MemoryStore) UpdateUserStatus(ctx context.Context, id string, status model.Status, lastSeen time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("store: update user status: %w", model.ErrInvalidStatus)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("store: update user status: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByID[id]
	if !ok {
		return nil
	}
	user.Status = status
	user.LastSeen = lastSeen.UTC().Truncate(time.Millisecond)
	return nil
}

// ResetUserStatuses flips every online user to offline.
func (s *MemoryStore) ResetUserStatuses(ctx context.Context, lastSeen time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("store: reset user statuses: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, user := range s.usersByID {
		if user.Status != model.StatusOnline {
			continue
		}
		user.Status = model.StatusOffline
		user.LastSeen = lastSeen.UTC().Truncate(time.Millisecond)
		n++
	}
	return n, nil
}

// CreateMessage persists a message between two known users.
func (s *MemoryStore) CreateMessage(ctx context.Context, senderID, receiverID, content string) (*model.Message, error) {
	msg := &model.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("store: message failed validation: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("store: create message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, senderOK := s.usersByID[senderID]
	_, receiverOK := s.usersByID[receiverID]
	if !senderOK || !receiverOK {
		return nil, fmt.Errorf("store: create message: constraint failed: FOREIGN KEY constraint failed")
	}
	msg.ID = s.nextMessageID
	msg.CreatedAt = s.stamp()
	msg.UpdatedAt = msg.CreatedAt
	s.nextMessageID++
	s.messages = append(s.messages, msg)
	copyMessage := *msg
	return &copyMessage, nil
}

// ListConversation returns the messages between a and b, newest first.
func (s *MemoryStore) ListConversation(ctx context.Context, a, b string, filters model.MessageFilters) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("store: list conversation: %w", err)
	}
	limit := int64(datastore.DefaultPageSize)
	if filters.PageSize != nil {
		limit = *filters.PageSize
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Message
	for i := len(s.messages) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		m := s.messages[i]
		if !inConversation(m, a, b) {
			continue
		}
		if filters.BeforeID != nil && m.ID >= *filters.BeforeID {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

func inConversation(m *model.Message, a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// MarkConversationRead flags unread messages from peerID to readerID.
func (s *MemoryStore) MarkConversationRead(ctx context.Context, readerID, peerID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("store: mark read: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp := s.stamp()
	var n int64
	for _, m := range s.messages {
		if m.ReceiverID == readerID && m.SenderID == peerID && !m.Read {
			m.Read = true
			m.UpdatedAt = stamp
			n++
		}
	}
	return n, nil
}

// Compile-time checks.
var (
	_ datastore.DataStore           = (*MemoryStore)(nil)
	_ datastore.DataProviderFactory = (*MemoryStore)(nil)
)
