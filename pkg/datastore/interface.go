package datastore

import (
	"context"
	"time"

	"github.com/NicolasHaas/gochat/pkg/model"
)

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for all GoChat entities.
// Implementations include the default SQLite store and the in-memory store
// used by tests.
type DataStore interface {
	ConfigReadProvider

	UserReadProvider
	UserWriteProvider

	MessageReadProvider
	MessageWriteProvider
}

// Compile-time check: *ProviderFactory implements DataProviderFactory.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type ConfigReadProvider interface {
	ZeroTime() time.Time
	Close() error
}

type UserReadProvider interface {
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	// FindUserByID returns (nil, nil) when no user has the given id.
	FindUserByID(ctx context.Context, id string) (*model.User, error)
	// FindUsersByIDs returns the users that exist among ids, in no particular order.
	FindUsersByIDs(ctx context.Context, ids []string) ([]model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

type UserWriteProvider interface {
	CreateUser(ctx context.Context, username, displayName, passwordHash string) (*model.User, error)
	UpdateUserStatus(ctx context.Context, id string, status model.Status, lastSeen time.Time) error
	// ResetUserStatuses marks every user still recorded as online offline
	// and returns how many rows changed.
	ResetUserStatuses(ctx context.Context, lastSeen time.Time) (int64, error)
}

type MessageReadProvider interface {
	// ListConversation returns messages exchanged between a and b, newest first.
	ListConversation(ctx context.Context, a, b string, filters model.MessageFilters) ([]model.Message, error)
}

type MessageWriteProvider interface {
	CreateMessage(ctx context.Context, senderID, receiverID, content string) (*model.Message, error)
	// MarkConversationRead flags every unread message from peerID to readerID
	// as read and returns how many rows changed.
	MarkConversationRead(ctx context.Context, readerID, peerID string) (int64, error)
}
