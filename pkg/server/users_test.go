package server

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gochat/pkg/crypto"
	"github.com/NicolasHaas/gochat/pkg/model"
	"github.com/NicolasHaas/gochat/pkg/store"
)

const usersYAML = `
users:
  - username: alice
    display_name: Alice
    password: alice-pw
  - username: bob
    display_name: Bob
    password: bob-pw
`

func TestImportUsersFromYAML(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	n, err := ImportUsersFromYAML(ctx, []byte(usersYAML), st)
	if err != nil {
		t.Fatalf("ImportUsersFromYAML: unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("ImportUsersFromYAML: created %d, want 2", n)
	}

	alice, err := st.GetUserByUsername(ctx, "alice")
	if err != nil || alice == nil {
		t.Fatalf("GetUserByUsername: user=%v err=%v", alice, err)
	}
	if alice.DisplayName != "Alice" || alice.Status != model.StatusOffline {
		t.Fatalf("unexpected imported user: %+v", alice)
	}
	if err := crypto.VerifyPassword("alice-pw", alice.PasswordHash); err != nil {
		t.Fatalf("VerifyPassword: imported hash rejected: %v", err)
	}

	// A second import leaves existing users untouched.
	again := strings.ReplaceAll(usersYAML, "display_name: Alice", "display_name: Renamed")
	n, err = ImportUsersFromYAML(ctx, []byte(again), st)
	if err != nil {
		t.Fatalf("ImportUsersFromYAML: unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("ImportUsersFromYAML: created %d on re-import, want 0", n)
	}
	alice, _ = st.GetUserByUsername(ctx, "alice")
	if alice.DisplayName != "Alice" {
		t.Fatalf("existing user modified by re-import: %+v", alice)
	}
}

func TestImportUsersFromYAMLRejects(t *testing.T) {
	tcase := map[string]string{
		"not yaml":         "users: [",
		"missing password": "users:\n  - username: alice\n    display_name: Alice\n",
		"missing name":     "users:\n  - username: alice\n    password: pw\n",
		"invalid username": "users:\n  - username: al ice\n    display_name: Alice\n    password: pw\n",
	}
	for name, data := range tcase {
		t.Run(name, func(t *testing.T) {
			st := store.NewMemory()
			if _, err := ImportUsersFromYAML(context.Background(), []byte(data), st); err == nil {
				t.Fatalf("ImportUsersFromYAML: expected error")
			}
			users, err := st.ListUsers(context.Background())
			if err != nil {
				t.Fatalf("ListUsers: unexpected error: %v", err)
			}
			if len(users) != 0 {
				t.Fatalf("expected nothing imported, got %d users", len(users))
			}
		})
	}
}

func TestLoadUsersFromYAMLMissingFile(t *testing.T) {
	_, err := LoadUsersFromYAML(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"), store.NewMemory())
	if err == nil {
		t.Fatalf("LoadUsersFromYAML: expected error")
	}
}

func TestExportUsersYAML(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	if _, err := ImportUsersFromYAML(ctx, []byte(usersYAML), st); err != nil {
		t.Fatalf("ImportUsersFromYAML: unexpected error: %v", err)
	}

	data, err := ExportUsersYAML(ctx, st)
	if err != nil {
		t.Fatalf("ExportUsersYAML: unexpected error: %v", err)
	}
	if strings.Contains(string(data), "argon2id") || strings.Contains(string(data), "password") {
		t.Fatalf("export leaked password material:\n%s", data)
	}

	var got UsersFile
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: unexpected error: %v", err)
	}
	names := make([]string, 0, len(got.Users))
	for _, u := range got.Users {
		if u.ID == "" || u.CreatedAt == "" || u.Status != "offline" {
			t.Fatalf("incomplete exported user: %+v", u)
		}
		names = append(names, u.Username+"/"+u.DisplayName)
	}
	if diff := cmp.Diff([]string{"alice/Alice", "bob/Bob"}, names); diff != "" {
		t.Fatalf("exported users mismatch (-want +got):\n%s", diff)
	}
}
