package datastore_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NicolasHaas/gochat/pkg/datastore"
	"github.com/NicolasHaas/gochat/pkg/model"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func NewTestSqlConn(t *testing.T) (*datastore.ProviderFactory, error) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		return nil, fmt.Errorf("store_test: failed to open db: %w", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			fmt.Printf("Error closing database: %v\n", err)
		}
	})

	return st, nil
}

func seedUser(t *testing.T, st datastore.DataStore, username string) *model.User {
	t.Helper()
	u, err := st.CreateUser(context.Background(), username, strings.ToUpper(username), "hash")
	if err != nil {
		t.Fatalf("CreateUser: failed to seed user %q: %v", username, err)
	}
	return u
}

func TestZeroTime(t *testing.T) {
	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}

	if diff := cmp.Diff(time.Time{}, store.NonTx().ZeroTime()); diff != "" {
		t.Errorf("store.NonTx().ZeroTime mismatch (-want +got):\n%s", diff)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	first, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		t.Fatalf("NewProviderFactory: unexpected error: %v", err)
	}
	seedUser(t, first.NonTx(), "johndoe")
	if err := first.Close(); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}

	second, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		t.Fatalf("NewProviderFactory (reopen): unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	got, err := second.NonTx().GetUserByUsername(context.Background(), "johndoe")
	if err != nil {
		t.Fatalf("GetUserByUsername: unexpected error: %v", err)
	}
	if got == nil {
		t.Fatalf("GetUserByUsername: user lost across reopen")
	}
}

func TestCreateUser(t *testing.T) {
	t.Parallel()

	type tcase struct {
		username    string
		displayName string
		expectErr   bool
	}

	tcases := map[string]tcase{
		"minimum_required_fields": {
			username:    "johndoe",
			displayName: "John Doe",
			expectErr:   false,
		},
		"injection_username": { // SQL injection contains invalid chars (quotes, spaces, equals)
			username:    "' OR '1'='1",
			displayName: "Mallory",
			expectErr:   true,
		},
		"empty_username": {
			username:    "",
			displayName: "Nobody",
			expectErr:   true,
		},
		"full_username": { // 65 Character username is too long
			username:    "24433252080542468109190329288548376491503980265648043643151614656",
			displayName: "Numbers",
			expectErr:   true,
		},
		"blank_display_name": {
			username:    "janedoe",
			displayName: "   ",
			expectErr:   true,
		},
	}

	fn := func(tc tcase) func(*testing.T) {
		return func(t *testing.T) {
			store, err := NewTestSqlConn(t)
			if err != nil {
				t.Fatalf("failed to open test connection: %v", err)
			}

			got, err := store.NonTx().CreateUser(context.Background(), tc.username, tc.displayName, "hash")
			if tc.expectErr {
				if err == nil {
					t.Fatalf("CreateUser: expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateUser: unexpected error: %v", err)
			}

			want := &model.User{
				Username:     tc.username,
				DisplayName:  tc.displayName,
				PasswordHash: "hash",
				Status:       model.StatusOffline,
			}

			if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(model.User{}, "ID", "CreatedAt")); diff != "" {
				t.Errorf("store.NonTx().CreateUser mismatch (-want +got):\n%s", diff)
			}
			if got.ID == "" {
				t.Errorf("CreateUser: expected generated ID")
			}
		}
	}

	for name, tc := range tcases {
		t.Run(name, fn(tc))
	}
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}

	seedUser(t, store.NonTx(), "johndoe")
	if _, err := store.NonTx().CreateUser(context.Background(), "johndoe", "Other", ""); err == nil {
		t.Fatalf("CreateUser: expected unique constraint error, got nil")
	}
}

func TestGetUserByUsername(t *testing.T) {
	t.Parallel()

	type tcase struct {
		username   string
		seedUser   bool
		expectUser bool
	}

	tests := map[string]tcase{
		"minimum_required_fields": {
			username:   "johndoe",
			seedUser:   true,
			expectUser: true,
		},
		"no_user_exists": {
			username:   "janedoe",
			seedUser:   false,
			expectUser: false,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store, err := NewTestSqlConn(t)
			if err != nil {
				t.Fatalf("failed to open test connection: %v", err)
			}

			var seeded *model.User
			if tc.seedUser {
				seeded = seedUser(t, store.NonTx(), tc.username)
			}

			got, err := store.NonTx().GetUserByUsername(context.Background(), tc.username)
			if err != nil {
				t.Fatalf("GetUserByUsername: unexpected error: %v", err)
			}
			if !tc.expectUser {
				if got != nil {
					t.Fatalf("GetUserByUsername: expected nil, got user")
				}
				return
			}

			if diff := cmp.Diff(seeded, got); diff != "" {
				t.Fatalf("GetUserByUsername mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFindUserByID(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}

	want := seedUser(t, store.NonTx(), "johndoe")

	got, err := store.NonTx().FindUserByID(context.Background(), want.ID)
	if err != nil {
		t.Fatalf("FindUserByID: unexpected error: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("FindUserByID mismatch (-want +got):\n%s", diff)
	}

	missing, err := store.NonTx().FindUserByID(context.Background(), "no-such-id")
	if err != nil {
		t.Fatalf("FindUserByID(missing): unexpected error: %v", err)
	}
	if missing != nil {
		t.Fatalf("FindUserByID(missing): expected nil, got %+v", missing)
	}
}

func TestFindUsersByIDs(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()

	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	seedUser(t, st, "carol")

	tests := map[string]struct {
		ids  []string
		want []string
	}{
		"empty":         {ids: nil, want: nil},
		"subset":        {ids: []string{bob.ID, alice.ID}, want: []string{"alice", "bob"}},
		"unknown_mixed": {ids: []string{alice.ID, "ghost"}, want: []string{"alice"}},
		"duplicates":    {ids: []string{bob.ID, bob.ID}, want: []string{"bob"}},
		"only_unknown":  {ids: []string{"ghost"}, want: nil},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			users, err := st.FindUsersByIDs(context.Background(), tc.ids)
			if err != nil {
				t.Fatalf("FindUsersByIDs: unexpected error: %v", err)
			}
			var got []string
			for _, u := range users {
				got = append(got, u.Username)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("FindUsersByIDs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestListUsers(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}

	want := []model.User{
		*seedUser(t, store.NonTx(), "babydoe"),
		*seedUser(t, store.NonTx(), "janedoe"),
		*seedUser(t, store.NonTx(), "johndoe"),
	}

	users, err := store.NonTx().ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers: unexpected error: %v", err)
	}

	if diff := cmp.Diff(want, users); diff != "" {
		t.Fatalf("ListUsers mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateUserStatus(t *testing.T) {
	t.Parallel()

	type tcase struct {
		status    model.Status
		expectErr bool
	}

	tests := map[string]tcase{
		"online":  {status: model.StatusOnline},
		"offline": {status: model.StatusOffline},
		"invalid": {status: model.Status("away"), expectErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store, err := NewTestSqlConn(t)
			if err != nil {
				t.Fatalf("failed to open test connection: %v", err)
			}

			u := seedUser(t, store.NonTx(), "johndoe")
			seen := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

			err = store.NonTx().UpdateUserStatus(context.Background(), u.ID, tc.status, seen)
			if tc.expectErr {
				if err == nil {
					t.Fatalf("UpdateUserStatus: expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("UpdateUserStatus: unexpected error: %v", err)
			}

			got, err := store.NonTx().FindUserByID(context.Background(), u.ID)
			if err != nil {
				t.Fatalf("FindUserByID: unexpected error: %v", err)
			}
			if got.Status != tc.status {
				t.Errorf("Status = %q, want %q", got.Status, tc.status)
			}
			if !got.LastSeen.Equal(seen) {
				t.Errorf("LastSeen = %v, want %v", got.LastSeen, seen)
			}
		})
	}
}

func TestUpdateUserStatusUnknownUser(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}

	if err := store.NonTx().UpdateUserStatus(context.Background(), "ghost", model.StatusOnline, time.Now()); err != nil {
		t.Fatalf("UpdateUserStatus: unexpected error: %v", err)
	}
}

func TestResetUserStatuses(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()
	ctx := context.Background()

	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	seedUser(t, st, "carol")
	for _, u := range []*model.User{alice, bob} {
		if err := st.UpdateUserStatus(ctx, u.ID, model.StatusOnline, time.Now()); err != nil {
			t.Fatalf("UpdateUserStatus: unexpected error: %v", err)
		}
	}

	n, err := st.ResetUserStatuses(ctx, time.Now())
	if err != nil {
		t.Fatalf("ResetUserStatuses: unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("ResetUserStatuses: changed %d rows, want 2", n)
	}

	users, err := st.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: unexpected error: %v", err)
	}
	for _, u := range users {
		if u.Status != model.StatusOffline {
			t.Errorf("user %s: status %q, want offline", u.Username, u.Status)
		}
	}
}

func TestCreateMessage(t *testing.T) {
	t.Parallel()

	type tcase struct {
		content   string
		receiver  string
		expectErr bool
	}

	tests := map[string]tcase{
		"valid_message": {
			content: "Hello, world!",
		},
		"empty_content": {
			content:   "",
			expectErr: true,
		},
		"whitespace_only_content": {
			content:   "   ",
			expectErr: true,
		},
		"content_at_max_length": {
			content: strings.Repeat("a", model.MessageMaxContentLength),
		},
		"content_exceeds_max_length": {
			content:   strings.Repeat("a", model.MessageMaxContentLength+1),
			expectErr: true,
		},
		"unknown_receiver": { // rejected by the foreign key
			content:   "hi",
			receiver:  "ghost",
			expectErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store, err := NewTestSqlConn(t)
			if err != nil {
				t.Fatalf("failed to open test connection: %v", err)
			}
			sender := seedUser(t, store.NonTx(), "alice")
			receiver := seedUser(t, store.NonTx(), "bob")

			receiverID := receiver.ID
			if tc.receiver != "" {
				receiverID = tc.receiver
			}

			got, err := store.NonTx().CreateMessage(context.Background(), sender.ID, receiverID, tc.content)
			if tc.expectErr {
				if err == nil {
					t.Fatalf("CreateMessage: expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateMessage: unexpected error: %v", err)
			}

			want := &model.Message{
				SenderID:   sender.ID,
				ReceiverID: receiver.ID,
				Content:    tc.content,
			}
			if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(model.Message{}, "ID", "CreatedAt", "UpdatedAt")); diff != "" {
				t.Fatalf("CreateMessage mismatch (-want +got):\n%s", diff)
			}
			if got.ID == 0 {
				t.Fatalf("CreateMessage: expected non-zero ID")
			}
			if got.CreatedAt.IsZero() {
				t.Fatalf("CreateMessage: expected creation timestamp")
			}
		})
	}
}

func TestListConversation(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}

	st := store.NonTx()
	ctx := context.Background()

	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	carol := seedUser(t, st, "carol")

	var sent []*model.Message
	for _, m := range []struct{ from, to *model.User }{
		{alice, bob}, {bob, alice}, {alice, carol}, {alice, bob},
	} {
		msg, err := st.CreateMessage(ctx, m.from.ID, m.to.ID, "from "+m.from.Username)
		if err != nil {
			t.Fatalf("CreateMessage: unexpected error: %v", err)
		}
		sent = append(sent, msg)
	}

	ids := func(msgs []model.Message) []int64 {
		var out []int64
		for _, m := range msgs {
			out = append(out, m.ID)
		}
		return out
	}

	t.Run("both_directions_newest_first", func(t *testing.T) {
		got, err := st.ListConversation(ctx, alice.ID, bob.ID, model.MessageFilters{})
		if err != nil {
			t.Fatalf("ListConversation: unexpected error: %v", err)
		}
		want := []int64{sent[3].ID, sent[1].ID, sent[0].ID}
		if diff := cmp.Diff(want, ids(got)); diff != "" {
			t.Fatalf("ListConversation mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("symmetric", func(t *testing.T) {
		ab, err := st.ListConversation(ctx, alice.ID, bob.ID, model.MessageFilters{})
		if err != nil {
			t.Fatalf("ListConversation: unexpected error: %v", err)
		}
		ba, err := st.ListConversation(ctx, bob.ID, alice.ID, model.MessageFilters{})
		if err != nil {
			t.Fatalf("ListConversation: unexpected error: %v", err)
		}
		if diff := cmp.Diff(ab, ba); diff != "" {
			t.Fatalf("ListConversation not symmetric (-ab +ba):\n%s", diff)
		}
	})

	t.Run("pagination", func(t *testing.T) {
		pageSize := int64(2)
		got, err := st.ListConversation(ctx, alice.ID, bob.ID, model.MessageFilters{PageSize: &pageSize})
		if err != nil {
			t.Fatalf("ListConversation: unexpected error: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("ListConversation: expected 2 messages with page size 2, got %d", len(got))
		}
	})

	t.Run("before", func(t *testing.T) {
		before := sent[3].ID
		got, err := st.ListConversation(ctx, alice.ID, bob.ID, model.MessageFilters{BeforeID: &before})
		if err != nil {
			t.Fatalf("ListConversation: unexpected error: %v", err)
		}
		want := []int64{sent[1].ID, sent[0].ID}
		if diff := cmp.Diff(want, ids(got)); diff != "" {
			t.Fatalf("ListConversation mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("round_trip_fields", func(t *testing.T) {
		got, err := st.ListConversation(ctx, alice.ID, carol.ID, model.MessageFilters{})
		if err != nil {
			t.Fatalf("ListConversation: unexpected error: %v", err)
		}
		if diff := cmp.Diff([]model.Message{*sent[2]}, got); diff != "" {
			t.Fatalf("ListConversation mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestMarkConversationRead(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}

	st := store.NonTx()
	ctx := context.Background()

	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")

	for _, pair := range [][2]*model.User{{alice, bob}, {alice, bob}, {bob, alice}} {
		if _, err := st.CreateMessage(ctx, pair[0].ID, pair[1].ID, "hi"); err != nil {
			t.Fatalf("CreateMessage: unexpected error: %v", err)
		}
	}

	n, err := st.MarkConversationRead(ctx, bob.ID, alice.ID)
	if err != nil {
		t.Fatalf("MarkConversationRead: unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("MarkConversationRead: marked %d, want 2", n)
	}

	again, err := st.MarkConversationRead(ctx, bob.ID, alice.ID)
	if err != nil {
		t.Fatalf("MarkConversationRead: unexpected error: %v", err)
	}
	if again != 0 {
		t.Fatalf("MarkConversationRead: second call marked %d, want 0", again)
	}

	msgs, err := st.ListConversation(ctx, alice.ID, bob.ID, model.MessageFilters{})
	if err != nil {
		t.Fatalf("ListConversation: unexpected error: %v", err)
	}
	for _, m := range msgs {
		wantRead := m.SenderID == alice.ID
		if m.Read != wantRead {
			t.Errorf("message %d from %s: read=%v, want %v", m.ID, m.SenderID, m.Read, wantRead)
		}
	}
}

func TestTxRollback(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()

	tx, err := store.Tx(ctx)
	if err != nil {
		t.Fatalf("Tx: unexpected error: %v", err)
	}
	seedUser(t, tx, "johndoe")
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: unexpected error: %v", err)
	}

	got, err := store.NonTx().GetUserByUsername(ctx, "johndoe")
	if err != nil {
		t.Fatalf("GetUserByUsername: unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("GetUserByUsername: rolled back user still visible")
	}
}

func TestTxCommit(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()

	tx, err := store.Tx(ctx)
	if err != nil {
		t.Fatalf("Tx: unexpected error: %v", err)
	}
	want := seedUser(t, tx, "johndoe")
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: unexpected error: %v", err)
	}

	got, err := store.NonTx().FindUserByID(ctx, want.ID)
	if err != nil {
		t.Fatalf("FindUserByID: unexpected error: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("FindUserByID mismatch (-want +got):\n%s", diff)
	}
}

func TestPragmasApplyToEveryConnection(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()

	// Hold several connections at once so the pool has to open new ones.
	for i := range 4 {
		conn, err := store.DB.Conn(ctx)
		if err != nil {
			t.Fatalf("Conn %d: unexpected error: %v", i, err)
		}
		defer conn.Close()

		var busyTimeout, foreignKeys int
		if err := conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
			t.Fatalf("conn %d: read busy_timeout: %v", i, err)
		}
		if err := conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
			t.Fatalf("conn %d: read foreign_keys: %v", i, err)
		}
		if diff := cmp.Diff([]int{5000, 1}, []int{busyTimeout, foreignKeys}); diff != "" {
			t.Fatalf("conn %d: pragmas mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestConcurrentWrites(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()
	ctx := context.Background()

	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")

	const writers, perWriter = 20, 25
	errs := make(chan error, writers*perWriter*2)
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := model.StatusOnline
			if w%2 == 1 {
				status = model.StatusOffline
			}
			for i := range perWriter {
				if _, err := st.CreateMessage(ctx, alice.ID, bob.ID, fmt.Sprintf("message %d/%d", w, i)); err != nil {
					errs <- err
				}
				if err := st.UpdateUserStatus(ctx, bob.ID, status, time.Now()); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	failures := map[string]int{}
	for err := range errs {
		failures[err.Error()]++
	}
	if len(failures) != 0 {
		t.Fatalf("concurrent writes failed: %v", failures)
	}

	pageSize := int64(writers * perWriter)
	got, err := st.ListConversation(ctx, alice.ID, bob.ID, model.MessageFilters{PageSize: &pageSize})
	if err != nil {
		t.Fatalf("ListConversation: unexpected error: %v", err)
	}
	if len(got) != writers*perWriter {
		t.Fatalf("ListConversation: got %d messages, want %d", len(got), writers*perWriter)
	}
}
