package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/gochat/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05.000"

// DefaultTimeout bounds every statement issued through a provider when the
// factory was built without an explicit timeout.
const DefaultTimeout = 5 * time.Second

// DefaultPageSize is used by ListConversation when no page size is given.
const DefaultPageSize = 50

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
	timeout time.Duration
}

func (p *baseProvider) ZeroTime() time.Time {
	return time.Time{}
}

func (p *baseProvider) Close() error {
	return nil
}

// withTimeout derives the per-call deadline for a single statement.
func (p *baseProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory provides database access for all GoChat entities.
type ProviderFactory struct {
	DB      *sql.DB
	Timeout time.Duration
}

func (sf ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB:      sf.DB,
			timeout: sf.Timeout,
		},
	}
}

func (sf ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("datastore: begin tx: %w", err)
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB:      tx,
			timeout: sf.Timeout,
		},
		tx: tx,
	}, nil
}

// connPragmas are applied by the driver to every pooled connection, not only
// the one that happens to run a statement.
var connPragmas = []string{
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"journal_mode(WAL)",
}

// sqliteDSN turns a database path into a driver DSN carrying connPragmas.
func sqliteDSN(dbPath string) string {
	dsn := dbPath
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range connPragmas {
		dsn += sep + "_pragma=" + p
		sep = "&"
	}
	return dsn
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
// Statements issued through its providers are bounded by DefaultTimeout.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	DB, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}
	if err := DB.PingContext(context.Background()); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	s := &ProviderFactory{DB: DB, Timeout: DefaultTimeout}
	if err := s.migrate(); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func (s *ProviderFactory) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id            TEXT    PRIMARY KEY,
		username      TEXT    NOT NULL UNIQUE CHECK(length(username) > 0 AND length(username) <= 32),
		display_name  TEXT    NOT NULL CHECK(length(trim(display_name)) > 0),
		password_hash TEXT    NOT NULL DEFAULT '',
		status        TEXT    NOT NULL DEFAULT 'offline' CHECK(status IN ('online', 'offline')),
		last_seen     TEXT,
		created_at    TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	CREATE TABLE IF NOT EXISTS messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id   TEXT    NOT NULL REFERENCES users(id),
		receiver_id TEXT    NOT NULL REFERENCES users(id),
		content     TEXT    NOT NULL CHECK(length(trim(content)) > 0),
		is_read     INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
		updated_at  TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);
	`
	ctx := context.Background()
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender_id, receiver_id, id)",
				"CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages (receiver_id, is_read)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (s *ProviderFactory) execMigration(ctx context.Context, stmt string) error {
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// now is truncated to the precision the database keeps so values returned
// from writes compare equal to values read back. Messages written in the same
// millisecond share a timestamp; their ID is the ordering key.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// ---- Users ----

const userColumns = "id, username, display_name, password_hash, status, last_seen, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	u := &model.User{}
	var status string
	var lastSeen sql.NullString
	var createdAt string
	if err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &status, &lastSeen, &createdAt); err != nil {
		return nil, err
	}
	u.Status = model.ParseStatus(status)
	if lastSeen.Valid {
		parsed, err := parseDBTime(lastSeen.String)
		if err != nil {
			return nil, err
		}
		u.LastSeen = parsed
	}
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parsed
	return u, nil
}

// CreateUser creates a new offline user and returns it with a freshly
// generated ID. It validates the username and display name before inserting.
func (s *baseProvider) CreateUser(ctx context.Context, username, displayName, passwordHash string) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	if err := model.ValidateDisplayName(displayName); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	u := &model.User{
		ID:           uuid.NewString(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		Status:       model.StatusOffline,
		CreatedAt:    now(),
	}
	_, err := s.ExecContext(ctx,
		"INSERT INTO users (id, username, display_name, password_hash, status, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		u.ID, u.Username, u.DisplayName, u.PasswordHash, string(u.Status), formatDBTime(u.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	return u, nil
}

// GetUserByUsername retrieves a user by username.
func (s *baseProvider) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	u, err := scanUser(s.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	return u, nil
}

// FindUserByID retrieves a user by ID.
func (s *baseProvider) FindUserByID(ctx context.Context, id string) (*model.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	u, err := scanUser(s.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: find user: %w", err)
	}
	return u, nil
}

// FindUsersByIDs retrieves every user whose ID is in ids. Unknown IDs are
// skipped.
func (s *baseProvider) FindUsersByIDs(ctx context.Context, ids []string) ([]model.User, error) {
	ids = lo.Uniq(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id IN ("+placeholders+") ORDER BY username",
		lo.ToAnySlice(ids)...)
	if err != nil {
		return nil, fmt.Errorf("datastore: find users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectUsers(rows)
}

// ListUsers returns all users ordered by username.
func (s *baseProvider) ListUsers(ctx context.Context) ([]model.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectUsers(rows)
}

func collectUsers(rows *sql.Rows) ([]model.User, error) {
	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// UpdateUserStatus records a presence transition. Updating an unknown user
// is not an error.
func (s *baseProvider) UpdateUserStatus(ctx context.Context, id string, status model.Status, lastSeen time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("datastore: update user status: %w", model.ErrInvalidStatus)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.ExecContext(ctx, "UPDATE users SET status = ?, last_seen = ? WHERE id = ?",
		string(status), formatDBTime(lastSeen), id)
	if err != nil {
		return fmt.Errorf("datastore: update user status: %w", err)
	}
	return nil
}

// ResetUserStatuses flips every online user to offline.
func (s *baseProvider) ResetUserStatuses(ctx context.Context, lastSeen time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.ExecContext(ctx, "UPDATE users SET status = ?, last_seen = ? WHERE status = ?",
		string(model.StatusOffline), formatDBTime(lastSeen), string(model.StatusOnline))
	if err != nil {
		return 0, fmt.Errorf("datastore: reset user statuses: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---- Messages ----

// CreateMessage persists a message and returns it with the assigned ID and
// creation timestamp. IDs increase strictly in insertion order.
func (s *baseProvider) CreateMessage(ctx context.Context, senderID, receiverID, content string) (*model.Message, error) {
	m := &model.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("datastore: message failed validation: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	m.CreatedAt = now()
	m.UpdatedAt = m.CreatedAt
	res, err := s.ExecContext(ctx,
		"INSERT INTO messages (sender_id, receiver_id, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		m.SenderID, m.ReceiverID, m.Content, formatDBTime(m.CreatedAt), formatDBTime(m.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("datastore: create message: %w", err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("datastore: create message: %w", err)
	}
	return m, nil
}

// ListConversation returns the messages exchanged between a and b in either
// direction, newest first.
func (s *baseProvider) ListConversation(ctx context.Context, a, b string, filters model.MessageFilters) ([]model.Message, error) {
	query := `
		SELECT id, sender_id, receiver_id, content, is_read, created_at, updated_at
		FROM messages
		WHERE ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))
		AND (? IS NULL OR id < ?)
		ORDER BY id DESC
		LIMIT COALESCE(?, ?)
	`

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.QueryContext(ctx, query,
		a, b, b, a,
		filters.BeforeID, filters.BeforeID,
		filters.PageSize, DefaultPageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("datastore: list conversation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var read int
		var createdAt, updatedAt string
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &read, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.Read = read != 0
		if m.CreatedAt, err = parseDBTime(createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		if m.UpdatedAt, err = parseDBTime(updatedAt); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkConversationRead marks unread messages sent by peerID to readerID.
func (s *baseProvider) MarkConversationRead(ctx context.Context, readerID, peerID string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.ExecContext(ctx,
		"UPDATE messages SET is_read = 1, updated_at = ? WHERE receiver_id = ? AND sender_id = ? AND is_read = 0",
		formatDBTime(now()), readerID, peerID)
	if err != nil {
		return 0, fmt.Errorf("datastore: mark read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
